// Package indicator implements the stateless technical-analysis library the
// sandbox and toolkit expose to the agent. Callers hand in an already
// bar-truncated history — there is no global "current bar" state here,
// unlike the matching engine.
//
// The series indicators share one shape: rolling accumulators, NaN for
// "not enough history yet", output aligned 1:1 with input. MACD and BBANDS
// instead return only the latest reading (nil when history is too short);
// MACDSeries gives the full MACD series.
package indicator

import "math"

// Bar is the minimal OHLCV shape every indicator needs. Callers copy their
// own bar type into it, keeping this package free of a model import.
type Bar struct {
	Open, High, Low, Close, Volume float64
}

// MACDResult is the three-field record MACD returns.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// BBANDSResult is the three-field record BBANDS returns.
type BBANDSResult struct {
	Upper float64
	Mid   float64
	Lower float64
}

// SMA returns the n-period simple moving average of Close, aligned to bars.
// Indices before the first full window are NaN.
func SMA(bars []Bar, n int) []float64 {
	out := make([]float64, len(bars))
	if n <= 0 || len(bars) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum float64
	for i := range bars {
		sum += bars[i].Close
		if i >= n {
			sum -= bars[i-n].Close
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// EMA returns the n-period exponential moving average of Close. The seed for
// index n-1 is the SMA of the first n closes; indices before that are NaN.
func EMA(bars []Bar, n int) []float64 {
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(bars) < n {
		return out
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += bars[i].Close
	}
	seed := sum / float64(n)
	out[n-1] = seed
	k := 2.0 / float64(n+1)
	prev := seed
	for i := n; i < len(bars); i++ {
		v := (bars[i].Close-prev)*k + prev
		out[i] = v
		prev = v
	}
	return out
}

// RSI returns the n-period Relative Strength Index using Wilder's smoothing.
// Indices before the first full window are NaN.
func RSI(bars []Bar, n int) []float64 {
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(bars) == 0 {
		return out
	}
	var gain, loss float64
	for i := 1; i < len(bars); i++ {
		d := bars[i].Close - bars[i-1].Close
		if i <= n {
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
			if i == n {
				avgGain := gain / float64(n)
				avgLoss := loss / float64(n)
				out[i] = rsiFromAvg(avgGain, avgLoss)
				gain, loss = avgGain, avgLoss
			}
			continue
		}
		if d > 0 {
			gain = (gain*float64(n-1) + d) / float64(n)
			loss = (loss * float64(n-1)) / float64(n)
		} else {
			gain = (gain * float64(n-1)) / float64(n)
			loss = (loss*float64(n-1) - d) / float64(n)
		}
		out[i] = rsiFromAvg(gain, loss)
	}
	return out
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// ATR returns the n-period Average True Range using Wilder's smoothing.
// Indices before the first full window are NaN.
func ATR(bars []Bar, n int) []float64 {
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(bars) == 0 {
		return out
	}
	tr := make([]float64, len(bars))
	for i := range bars {
		if i == 0 {
			tr[i] = bars[i].High - bars[i].Low
			continue
		}
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	if len(bars) < n {
		return out
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += tr[i]
	}
	prev := sum / float64(n)
	out[n-1] = prev
	for i := n; i < len(bars); i++ {
		prev = (prev*float64(n-1) + tr[i]) / float64(n)
		out[i] = prev
	}
	return out
}

// MACD returns the latest MACD/signal/histogram triple, or nil when there is
// not enough history for the slow EMA plus the signal line to exist.
func MACD(bars []Bar, fast, slow, signal int) *MACDResult {
	if len(bars) == 0 || fast <= 0 || slow <= 0 || signal <= 0 || slow <= fast {
		return nil
	}
	fastEMA := EMA(bars, fast)
	slowEMA := EMA(bars, slow)
	macdLine := make([]Bar, len(bars))
	firstValid := -1
	for i := range bars {
		if math.IsNaN(fastEMA[i]) || math.IsNaN(slowEMA[i]) {
			continue
		}
		if firstValid < 0 {
			firstValid = i
		}
		macdLine[i] = Bar{Close: fastEMA[i] - slowEMA[i]}
	}
	if firstValid < 0 || len(bars)-firstValid < signal {
		return nil
	}
	series := macdLine[firstValid:]
	signalEMA := EMA(series, signal)
	last := len(signalEMA) - 1
	if math.IsNaN(signalEMA[last]) {
		return nil
	}
	m := series[last].Close
	s := signalEMA[last]
	return &MACDResult{MACD: m, Signal: s, Histogram: m - s}
}

// MACDSeries mirrors MACD but returns the full aligned MACD, signal and
// histogram series (last values equal MACD's), used by the sandbox's
// ta.macd which needs more than the latest value.
func MACDSeries(bars []Bar, fast, slow, signal int) (macd, sig, hist []float64) {
	n := len(bars)
	macd = make([]float64, n)
	sig = make([]float64, n)
	hist = make([]float64, n)
	for i := range macd {
		macd[i], sig[i], hist[i] = math.NaN(), math.NaN(), math.NaN()
	}
	if n == 0 || fast <= 0 || slow <= 0 || signal <= 0 || slow <= fast {
		return
	}
	fastEMA := EMA(bars, fast)
	slowEMA := EMA(bars, slow)
	firstValid := -1
	for i := 0; i < n; i++ {
		if math.IsNaN(fastEMA[i]) || math.IsNaN(slowEMA[i]) {
			continue
		}
		if firstValid < 0 {
			firstValid = i
		}
		macd[i] = fastEMA[i] - slowEMA[i]
	}
	if firstValid < 0 {
		return
	}
	diff := make([]Bar, n-firstValid)
	for j := range diff {
		diff[j] = Bar{Close: macd[firstValid+j]}
	}
	signalEMA := EMA(diff, signal)
	for j, v := range signalEMA {
		if math.IsNaN(v) {
			continue
		}
		i := firstValid + j
		sig[i] = v
		hist[i] = macd[i] - v
	}
	return
}

// BBANDS returns the latest Bollinger Band triple, or nil when there is not
// enough history for a full window.
func BBANDS(bars []Bar, period int, std float64) *BBANDSResult {
	if period <= 0 || len(bars) < period {
		return nil
	}
	window := bars[len(bars)-period:]
	mean := 0.0
	for _, b := range window {
		mean += b.Close
	}
	mean /= float64(period)
	var variance float64
	for _, b := range window {
		d := b.Close - mean
		variance += d * d
	}
	variance /= float64(period)
	sd := math.Sqrt(variance)
	return &BBANDSResult{Upper: mean + std*sd, Mid: mean, Lower: mean - std*sd}
}

// RollingStd returns the n-period rolling standard deviation of Close.
// Indices before the first full window are NaN.
func RollingStd(bars []Bar, n int) []float64 {
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 1 || len(bars) == 0 {
		return out
	}
	var sum, sumSq float64
	for i := range bars {
		x := bars[i].Close
		sum += x
		sumSq += x * x
		if i >= n {
			y := bars[i-n].Close
			sum -= y
			sumSq -= y * y
		}
		if i >= n-1 {
			mean := sum / float64(n)
			variance := math.Max(sumSq/float64(n)-mean*mean, 0)
			out[i] = math.Sqrt(variance)
		}
	}
	return out
}

// OBV returns the On-Balance Volume series, aligned to bars.
func OBV(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i := range bars {
		if i == 0 {
			out[i] = bars[i].Volume
			continue
		}
		switch {
		case bars[i].Close > bars[i-1].Close:
			out[i] = out[i-1] + bars[i].Volume
		case bars[i].Close < bars[i-1].Close:
			out[i] = out[i-1] - bars[i].Volume
		default:
			out[i] = out[i-1]
		}
	}
	return out
}
