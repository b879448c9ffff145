package sandbox

import "math"

// seriesVal is a float64 column (close, a computed indicator, ...). NaN
// marks "not enough history" the same way internal/indicator does.
type seriesVal []float64

// multiValue is the result of a helper that returns more than one value
// (bbands, macd); AssignStmt destructures it across several LHS names.
type multiValue []any

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case seriesVal:
		if len(x) == 0 {
			return math.NaN(), true
		}
		return x[len(x)-1], true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	}
	return false, false
}

func toSeries(v any) (seriesVal, bool) {
	switch x := v.(type) {
	case seriesVal:
		return x, true
	case []float64:
		return seriesVal(x), true
	}
	return nil, false
}

func isNaN(v float64) bool { return math.IsNaN(v) }
