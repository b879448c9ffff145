package sandbox

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testFrame(n int) Frame {
	f := Frame{
		Dates:  make([]time.Time, n),
		Open:   make([]float64, n),
		High:   make([]float64, n),
		Low:    make([]float64, n),
		Close:  make([]float64, n),
		Volume: make([]float64, n),
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < n; i++ {
		price += float64(i%5) - 2
		f.Dates[i] = base.Add(time.Duration(i) * 24 * time.Hour)
		f.Open[i] = price
		f.High[i] = price + 1
		f.Low[i] = price - 1
		f.Close[i] = price
		f.Volume[i] = 1_000_000
	}
	return f
}

func TestSandboxTimeoutOnInfiniteLoop(t *testing.T) {
	code := "x := 0.0\nfor {\n  x += 1\n}"
	res := Run(code, testFrame(5), Account{Cash: 100_000, Equity: 100_000}, nil, 50*time.Millisecond)
	require.Contains(t, res.Error, "计算超时")
	require.Contains(t, res.Remediation, "向量化")
}

func TestSandboxBBandsREPLReturnsLatestUpperBand(t *testing.T) {
	code := "upper, mid, lower := bbands(close, 20, 2.0)\nupper"
	res := Run(code, testFrame(30), Account{Cash: 100_000, Equity: 100_000}, nil, 0)
	require.Empty(t, res.Error)
	require.Empty(t, res.Stdout)
	_, isFloat := res.Result.(float64)
	require.True(t, isFloat, "expected a numeric scalar result, got %T: %v", res.Result, res.Result)
}

func TestSandboxSingleExpression(t *testing.T) {
	res := Run("latest(close) - latest(open)", testFrame(5), Account{}, nil, 0)
	require.Empty(t, res.Error)
	require.NotNil(t, res.Result)
}

func TestSandboxUnknownNameGetsRemediation(t *testing.T) {
	res := Run("totally_unknown_binding", testFrame(5), Account{}, nil, 0)
	require.Contains(t, res.Error, "NameError")
	require.Contains(t, res.Remediation, "df")
}

func TestSandboxDivisionByZeroSuggestsNz(t *testing.T) {
	res := Run("1.0 / 0.0", testFrame(5), Account{}, nil, 0)
	require.Contains(t, res.Error, "ZeroDivisionError")
	require.Contains(t, res.Remediation, "nz")
}

func TestSandboxForbiddenImportNotRecognised(t *testing.T) {
	res := Run("import(\"os\")", testFrame(5), Account{}, nil, 0)
	require.NotEmpty(t, res.Error)
}

func TestSandboxIdempotence(t *testing.T) {
	frame := testFrame(30)
	code := "ta.rsi(close, 14)"
	a := Run(code, frame, Account{}, nil, 0)
	b := Run(code, frame, Account{}, nil, 0)
	require.Equal(t, a.Result, b.Result)
	require.Equal(t, a.Error, b.Error)
}

func TestSandboxPrintCapturesStdout(t *testing.T) {
	code := "print(\"hello\")\nresult = 42.0"
	res := Run(code, testFrame(5), Account{}, nil, 0)
	require.Empty(t, res.Error)
	require.True(t, strings.Contains(res.Stdout, "hello"))
	require.Equal(t, 42.0, res.Result)
}

func TestSandboxMetaAlwaysAttached(t *testing.T) {
	res := Run("latest(close)", testFrame(5), Account{}, nil, 0)
	require.Equal(t, 5, res.Meta.DFRows)
	require.NotEmpty(t, res.Meta.Columns)
}
