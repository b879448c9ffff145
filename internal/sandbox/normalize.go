package sandbox

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	maxArrayTail  = 200
	maxDictItems  = 100
	maxStringLen  = 2000
	maxDFColumns  = 8
	maxDFTailRows = 5
)

// normalize recursively shapes a raw interpreter value into something every
// field of which is a JSON scalar, []any, or map[string]any — the contract
// the toolkit needs to serialise a compute result into a tool response.
// depth is capped at 6; anything deeper collapses to a string.
func normalize(v any, depth int) any {
	if depth > 6 {
		return fmt.Sprintf("%v", v)
	}
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		return canonicalFloat(x)
	case int:
		return float64(x)
	case bool:
		return x
	case string:
		return truncateString(x, maxStringLen)
	case seriesVal:
		return normalizeSeries(x)
	case []float64:
		return normalizeSeries(seriesVal(x))
	case Frame:
		return normalizeFrame(x)
	case multiValue:
		return normalizeArray(toAnySlice(x), depth)
	case []any:
		return normalizeArray(x, depth)
	case map[string]any:
		return normalizeMap(x, depth)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func toAnySlice(m multiValue) []any {
	out := make([]any, len(m))
	copy(out, m)
	return out
}

func canonicalFloat(f float64) any {
	if math.IsNaN(f) {
		return nil
	}
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	return f
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// normalizeSeries collapses a Series-shaped value (our close/indicator
// output columns) to its last element; null if the series is empty or the
// last value is NaN.
func normalizeSeries(s seriesVal) any {
	if len(s) == 0 {
		return nil
	}
	last := s[len(s)-1]
	if math.IsNaN(last) {
		return nil
	}
	return last
}

func normalizeFrame(f Frame) map[string]any {
	rows := len(f.Close)
	cols := []string{"date", "open", "high", "low", "close", "volume"}
	truncatedCols := false
	if len(cols) > maxDFColumns {
		cols = cols[:maxDFColumns]
		truncatedCols = true
	}
	tailN := rows
	if tailN > maxDFTailRows {
		tailN = maxDFTailRows
	}
	tail := make([]map[string]any, 0, tailN)
	for i := rows - tailN; i < rows; i++ {
		tail = append(tail, map[string]any{
			"date":   f.Dates[i].Format("2006-01-02"),
			"open":   canonicalFloat(f.Open[i]),
			"high":   canonicalFloat(f.High[i]),
			"low":    canonicalFloat(f.Low[i]),
			"close":  canonicalFloat(f.Close[i]),
			"volume": canonicalFloat(f.Volume[i]),
		})
	}
	return map[string]any{
		"_type":     "dataframe",
		"shape":     []int{rows, len(cols)},
		"columns":   cols,
		"tail":      tail,
		"truncated": truncatedCols || rows > maxDFTailRows,
	}
}

func normalizeArray(items []any, depth int) map[string]any {
	n := len(items)
	tailStart := 0
	if n > maxArrayTail {
		tailStart = n - maxArrayTail
	}
	tail := make([]any, 0, n-tailStart)
	for i := tailStart; i < n; i++ {
		tail = append(tail, normalize(items[i], depth+1))
	}
	return map[string]any{
		"_type":     "array",
		"len":       n,
		"tail":      tail,
		"truncated": tailStart > 0,
	}
}

func normalizeMap(m map[string]any, depth int) any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) <= maxDictItems {
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = normalize(m[k], depth+1)
		}
		return out
	}
	kept := keys[:maxDictItems]
	items := make(map[string]any, len(kept))
	for _, k := range kept {
		items[k] = normalize(m[k], depth+1)
	}
	return map[string]any{
		"_type":     "dict",
		"len":       len(keys),
		"items":     items,
		"truncated": true,
	}
}

// remediationFor maps the interpreter's own error-message vocabulary (see
// the "ErrorKind: message" convention used throughout interp.go/env.go) to
// a short, fixed remediation hint. Matching is by
// prefix rather than error type so a raw panic string still gets mapped.
func remediationFor(err error) string {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NameError"):
		return "可用绑定: df, open, high, low, close, volume, date, account, cash, equity, positions, np, pd, ta, math，以及 latest/prev/crossover/crossunder/above/below/bbands/macd/tail/nz。"
	case strings.HasPrefix(msg, "KeyError"):
		return "可用列: date, open, high, low, close, volume。"
	case strings.HasPrefix(msg, "ValueError") && strings.Contains(msg, "unpack"):
		return "尝试使用 bbands()/macd() 等返回元组的内置函数来解包多个值。"
	case strings.HasPrefix(msg, "ZeroDivisionError"):
		return "使用 nz() 包裹可能为零的分母。"
	case strings.HasPrefix(msg, "ImportError") || strings.HasPrefix(msg, "NotImplementedError") && strings.Contains(msg, "import"):
		return "仅允许 numpy/pandas/ta/math 对应的 np/pd/ta/math 命名空间。"
	case strings.HasPrefix(msg, "SyntaxError"):
		return "检查代码语法；仅支持表达式或简单的赋值/if/for 语句。"
	case strings.HasPrefix(msg, "IndexError"):
		return "检查序列长度后再索引，或使用 tail()/prev() 安全访问历史值。"
	case strings.HasPrefix(msg, "TypeError"):
		return "检查参数类型：大多数助手函数需要序列（如 close）而非标量。"
	default:
		return "检查代码逻辑并重试；如持续失败请简化表达式。"
	}
}
