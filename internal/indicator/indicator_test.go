package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func closeBars(closes ...float64) []Bar {
	out := make([]Bar, len(closes))
	for i, c := range closes {
		out[i] = Bar{Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 100}
	}
	return out
}

func TestSMAWindowValues(t *testing.T) {
	out := SMA(closeBars(1, 2, 3, 4, 5), 3)
	require.True(t, math.IsNaN(out[0]))
	require.True(t, math.IsNaN(out[1]))
	require.InDelta(t, 2.0, out[2], 1e-9)
	require.InDelta(t, 3.0, out[3], 1e-9)
	require.InDelta(t, 4.0, out[4], 1e-9)
}

func TestEMASeedEqualsSMA(t *testing.T) {
	bars := closeBars(10, 12, 14, 16, 18)
	out := EMA(bars, 3)
	require.True(t, math.IsNaN(out[1]))
	require.InDelta(t, 12.0, out[2], 1e-9)
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	out := RSI(closeBars(1, 2, 3, 4, 5, 6, 7, 8), 5)
	require.True(t, math.IsNaN(out[0]))
	require.True(t, math.IsNaN(out[4]))
	require.InDelta(t, 100.0, out[5], 1e-9)
	require.InDelta(t, 100.0, out[len(out)-1], 1e-9)
}

func TestBBANDSConstantSeriesCollapses(t *testing.T) {
	b := BBANDS(closeBars(50, 50, 50, 50, 50), 5, 2.0)
	require.NotNil(t, b)
	require.InDelta(t, 50.0, b.Upper, 1e-9)
	require.InDelta(t, 50.0, b.Mid, 1e-9)
	require.InDelta(t, 50.0, b.Lower, 1e-9)
}

func TestBBANDSUnderflowReturnsNil(t *testing.T) {
	require.Nil(t, BBANDS(closeBars(1, 2, 3), 5, 2.0))
}

func TestMACDNeedsSlowPlusSignalHistory(t *testing.T) {
	require.Nil(t, MACD(closeBars(1, 2, 3, 4, 5), 12, 26, 9))

	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	m := MACD(closeBars(closes...), 12, 26, 9)
	require.NotNil(t, m)
	require.InDelta(t, m.MACD-m.Signal, m.Histogram, 1e-9)
}

func TestATRConstantRangeConverges(t *testing.T) {
	out := ATR(closeBars(10, 10, 10, 10, 10, 10), 3)
	require.True(t, math.IsNaN(out[1]))
	require.InDelta(t, 2.0, out[len(out)-1], 1e-9)
}
