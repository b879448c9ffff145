package sandbox

import (
	"fmt"
	"math"

	"github.com/chidi150c/btagent/internal/indicator"
)

// bbandsSeries computes the full aligned Bollinger Band triple (not just the
// latest value), because the sandbox's ta.bbands returns series the same
// way a TA library would, unlike indicator.BBANDS which the bbands() helper
// and the toolkit's indicator_calc tool use for a single latest reading.
func bbandsSeries(closes seriesVal, period int, std float64) (upper, mid, lower []float64) {
	n := len(closes)
	upper = make([]float64, n)
	mid = make([]float64, n)
	lower = make([]float64, n)
	for i := range upper {
		upper[i], mid[i], lower[i] = math.NaN(), math.NaN(), math.NaN()
	}
	if period <= 0 {
		return
	}
	for i := 0; i < n; i++ {
		if i+1 < period {
			continue
		}
		window := closes[i+1-period : i+1]
		b := indicator.BBANDS(closesToBars(window), period, std)
		if b == nil {
			continue
		}
		upper[i], mid[i], lower[i] = b.Upper, b.Mid, b.Lower
	}
	return
}

// helperTable is the fixed vocabulary sandboxed code gets beyond bare
// arithmetic: latest/prev/crossover/crossunder/above/below/bbands/macd/
// tail/nz, plus print (captured, never written to real stdout).
func helperTable() map[string]nsFunc {
	return map[string]nsFunc{
		"latest": func(args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("TypeError: latest() expects exactly 1 argument")
			}
			return latestOf(args[0]), nil
		},
		"prev": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "prev")
			if err != nil {
				return nil, err
			}
			n := argInt(args, 1, "prev", 1)
			idx := len(s) - 1 - n
			if idx < 0 || idx >= len(s) {
				return nil, nil
			}
			return s[idx], nil
		},
		"crossover": func(args []any) (any, error) {
			fast, slow, err := twoSeries(args, "crossover")
			if err != nil {
				return nil, err
			}
			return crossed(fast, slow, true), nil
		},
		"crossunder": func(args []any) (any, error) {
			fast, slow, err := twoSeries(args, "crossunder")
			if err != nil {
				return nil, err
			}
			return crossed(fast, slow, false), nil
		},
		"above": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "above")
			if err != nil {
				return nil, err
			}
			threshold, err := argFloat(args, 1, "above")
			if err != nil {
				return nil, err
			}
			if len(s) == 0 || isNaN(s[len(s)-1]) {
				return false, nil
			}
			return s[len(s)-1] > threshold, nil
		},
		"below": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "below")
			if err != nil {
				return nil, err
			}
			threshold, err := argFloat(args, 1, "below")
			if err != nil {
				return nil, err
			}
			if len(s) == 0 || isNaN(s[len(s)-1]) {
				return false, nil
			}
			return s[len(s)-1] < threshold, nil
		},
		"bbands": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "bbands")
			if err != nil {
				return nil, err
			}
			length := argInt(args, 1, "bbands", 20)
			std := 2.0
			if len(args) > 2 {
				if f, ok := toFloat(args[2]); ok {
					std = f
				}
			}
			if len(s) < length {
				return multiValue{nil, nil, nil}, nil
			}
			b := indicator.BBANDS(closesToBars(s), length, std)
			if b == nil {
				return multiValue{nil, nil, nil}, nil
			}
			return multiValue{b.Upper, b.Mid, b.Lower}, nil
		},
		"macd": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "macd")
			if err != nil {
				return nil, err
			}
			fast := argInt(args, 1, "macd", 12)
			slow := argInt(args, 2, "macd", 26)
			signal := argInt(args, 3, "macd", 9)
			m := indicator.MACD(closesToBars(s), fast, slow, signal)
			if m == nil {
				return multiValue{nil, nil, nil}, nil
			}
			return multiValue{m.MACD, m.Signal, m.Histogram}, nil
		},
		"tail": func(args []any) (any, error) {
			s, err := argSeries(args, 0, "tail")
			if err != nil {
				return nil, err
			}
			n := argInt(args, 1, "tail", 20)
			if n > len(s) {
				n = len(s)
			}
			if n < 0 {
				n = 0
			}
			out := make(seriesVal, n)
			copy(out, s[len(s)-n:])
			return out, nil
		},
		"nz": func(args []any) (any, error) {
			if len(args) == 0 {
				return 0.0, nil
			}
			def := 0.0
			if len(args) > 1 {
				if f, ok := toFloat(args[1]); ok {
					def = f
				}
			}
			f, ok := toFloat(args[0])
			if !ok || isNaN(f) {
				return def, nil
			}
			return f, nil
		},
	}
}

// printHelper is wired into env.helpers separately by newEnv so it can close
// over that env's stdout buffer.
func printHelper(stdout interface{ WriteString(string) (int, error) }) nsFunc {
	return func(args []any) (any, error) {
		for idx, a := range args {
			if idx > 0 {
				_, _ = stdout.WriteString(" ")
			}
			_, _ = stdout.WriteString(formatPrintValue(a))
		}
		_, _ = stdout.WriteString("\n")
		return nil, nil
	}
}

func formatPrintValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return x
	case float64:
		return trimFloat(x)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case seriesVal:
		return fmt.Sprintf("%v", latestOf(x))
	default:
		return fmt.Sprintf("%v", x)
	}
}

func latestOf(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case seriesVal:
		if len(x) == 0 {
			return nil
		}
		last := x[len(x)-1]
		if isNaN(last) {
			return nil
		}
		return last
	case []float64:
		return latestOf(seriesVal(x))
	default:
		return v
	}
}

func twoSeries(args []any, name string) (seriesVal, seriesVal, error) {
	fast, err := argSeries(args, 0, name)
	if err != nil {
		return nil, nil, err
	}
	slow, err := argSeries(args, 1, name)
	if err != nil {
		return nil, nil, err
	}
	return fast, slow, nil
}

// crossed reports whether fast crossed slow between the second-to-last and
// last bar: above==true checks a cross from below to above (crossover);
// above==false checks the opposite (crossunder).
func crossed(fast, slow seriesVal, above bool) bool {
	if len(fast) < 2 || len(slow) < 2 {
		return false
	}
	prevFast, curFast := fast[len(fast)-2], fast[len(fast)-1]
	prevSlow, curSlow := slow[len(slow)-2], slow[len(slow)-1]
	if isNaN(prevFast) || isNaN(prevSlow) || isNaN(curFast) || isNaN(curSlow) {
		return false
	}
	if above {
		return prevFast <= prevSlow && curFast > curSlow
	}
	return prevFast >= prevSlow && curFast < curSlow
}

func trimFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
