package sandbox

import (
	"fmt"
	"math"

	"github.com/chidi150c/btagent/internal/indicator"
)

// argFloat/argSeries give the namespace functions below a uniform way to
// read a positional argument with a readable error on the wrong shape.
func argFloat(args []any, idx int, name string) (float64, error) {
	if idx >= len(args) {
		return 0, fmt.Errorf("TypeError: %s expects at least %d argument(s)", name, idx+1)
	}
	f, ok := toFloat(args[idx])
	if !ok {
		return 0, fmt.Errorf("TypeError: %s argument %d must be numeric", name, idx)
	}
	return f, nil
}

func argSeries(args []any, idx int, name string) (seriesVal, error) {
	if idx >= len(args) {
		return nil, fmt.Errorf("TypeError: %s expects at least %d argument(s)", name, idx+1)
	}
	s, ok := toSeries(args[idx])
	if !ok {
		return nil, fmt.Errorf("TypeError: %s argument %d must be a series", name, idx)
	}
	return s, nil
}

func argInt(args []any, idx int, name string, def int) int {
	if idx >= len(args) {
		return def
	}
	f, ok := toFloat(args[idx])
	if !ok {
		return def
	}
	return int(f)
}

// closesToBars adapts a raw close series into the []indicator.Bar shape the
// indicator library expects, for the functions (SMA, EMA, MACD, RSI,
// RollingStd) that only ever read the Close field.
func closesToBars(closes seriesVal) []indicator.Bar {
	out := make([]indicator.Bar, len(closes))
	for i, c := range closes {
		out[i] = indicator.Bar{Close: c}
	}
	return out
}

// npNamespace mirrors the handful of numerics-library functions the original
// strategies reach for most: mean/std/sum/max/min/abs/sqrt over a series.
func npNamespace() map[string]nsFunc {
	return map[string]nsFunc{
		"mean": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "np.mean")
			if err != nil {
				return nil, err
			}
			return seriesMean(s), nil
		},
		"std": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "np.std")
			if err != nil {
				return nil, err
			}
			return seriesStd(s), nil
		},
		"sum": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "np.sum")
			if err != nil {
				return nil, err
			}
			var total float64
			for _, v := range s {
				if !isNaN(v) {
					total += v
				}
			}
			return total, nil
		},
		"max": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "np.max")
			if err != nil {
				return nil, err
			}
			return seriesExtreme(s, true), nil
		},
		"min": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "np.min")
			if err != nil {
				return nil, err
			}
			return seriesExtreme(s, false), nil
		},
		"abs": func(args []any) (any, error) {
			f, err := argFloat(args, 0, "np.abs")
			if err != nil {
				return nil, err
			}
			return math.Abs(f), nil
		},
		"sqrt": func(args []any) (any, error) {
			f, err := argFloat(args, 0, "np.sqrt")
			if err != nil {
				return nil, err
			}
			return math.Sqrt(f), nil
		},
	}
}

func seriesMean(s seriesVal) float64 {
	var sum float64
	var n int
	for _, v := range s {
		if !isNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func seriesStd(s seriesVal) float64 {
	mean := seriesMean(s)
	if math.IsNaN(mean) {
		return math.NaN()
	}
	var sumSq float64
	var n int
	for _, v := range s {
		if !isNaN(v) {
			d := v - mean
			sumSq += d * d
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return math.Sqrt(sumSq / float64(n))
}

func seriesExtreme(s seriesVal, max bool) float64 {
	result := math.NaN()
	for _, v := range s {
		if isNaN(v) {
			continue
		}
		if math.IsNaN(result) || (max && v > result) || (!max && v < result) {
			result = v
		}
	}
	return result
}

// pdNamespace mirrors the dataframe-library rolling-window calls agent code
// typically needs from inside the sandbox: rolling_mean() and rolling_std().
// Everything else about a
// dataframe is already available as top-level df/open/high/low/close/volume.
func pdNamespace() map[string]nsFunc {
	return map[string]nsFunc{
		"rolling_mean": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "pd.rolling_mean")
			if err != nil {
				return nil, err
			}
			n := argInt(args, 1, "pd.rolling_mean", 1)
			return seriesVal(indicator.SMA(closesToBars(s), n)), nil
		},
		"rolling_std": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "pd.rolling_std")
			if err != nil {
				return nil, err
			}
			n := argInt(args, 1, "pd.rolling_std", 1)
			return seriesVal(indicator.RollingStd(closesToBars(s), n)), nil
		},
	}
}

// taNamespace delegates to internal/indicator, the same library the
// toolkit's indicator_calc tool uses, so `ta.rsi(close,14)` inside sandbox
// code and an indicator_calc tool call see identical values.
func taNamespace() map[string]nsFunc {
	return map[string]nsFunc{
		"sma": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "ta.sma")
			if err != nil {
				return nil, err
			}
			n := argInt(args, 1, "ta.sma", 14)
			return seriesVal(indicator.SMA(closesToBars(s), n)), nil
		},
		"ema": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "ta.ema")
			if err != nil {
				return nil, err
			}
			n := argInt(args, 1, "ta.ema", 14)
			return seriesVal(indicator.EMA(closesToBars(s), n)), nil
		},
		"rsi": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "ta.rsi")
			if err != nil {
				return nil, err
			}
			n := argInt(args, 1, "ta.rsi", 14)
			return seriesVal(indicator.RSI(closesToBars(s), n)), nil
		},
		"macd": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "ta.macd")
			if err != nil {
				return nil, err
			}
			fast := argInt(args, 1, "ta.macd", 12)
			slow := argInt(args, 2, "ta.macd", 26)
			signal := argInt(args, 3, "ta.macd", 9)
			macd, sig, hist := indicator.MACDSeries(closesToBars(s), fast, slow, signal)
			return multiValue{seriesVal(macd), seriesVal(sig), seriesVal(hist)}, nil
		},
		"bbands": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "ta.bbands")
			if err != nil {
				return nil, err
			}
			n := argInt(args, 1, "ta.bbands", 20)
			std := 2.0
			if len(args) > 2 {
				if f, ok := toFloat(args[2]); ok {
					std = f
				}
			}
			upper, mid, lower := bbandsSeries(s, n, std)
			return multiValue{seriesVal(upper), seriesVal(mid), seriesVal(lower)}, nil
		},
		"atr": func(args []any) (any, error) {
			return nil, fmt.Errorf("NotImplementedError: ta.atr requires high/low/close; use indicator_calc tool for ATR instead")
		},
	}
}

func mathNamespace() map[string]nsFunc {
	return map[string]nsFunc{
		"sqrt": func(args []any) (any, error) {
			f, err := argFloat(args, 0, "math.sqrt")
			if err != nil {
				return nil, err
			}
			return math.Sqrt(f), nil
		},
		"abs": func(args []any) (any, error) {
			f, err := argFloat(args, 0, "math.abs")
			if err != nil {
				return nil, err
			}
			return math.Abs(f), nil
		},
		"floor": func(args []any) (any, error) {
			f, err := argFloat(args, 0, "math.floor")
			if err != nil {
				return nil, err
			}
			return math.Floor(f), nil
		},
		"ceil": func(args []any) (any, error) {
			f, err := argFloat(args, 0, "math.ceil")
			if err != nil {
				return nil, err
			}
			return math.Ceil(f), nil
		},
		"log": func(args []any) (any, error) {
			f, err := argFloat(args, 0, "math.log")
			if err != nil {
				return nil, err
			}
			return math.Log(f), nil
		},
		"pow": func(args []any) (any, error) {
			base, err := argFloat(args, 0, "math.pow")
			if err != nil {
				return nil, err
			}
			exp, err := argFloat(args, 1, "math.pow")
			if err != nil {
				return nil, err
			}
			return math.Pow(base, exp), nil
		},
	}
}
