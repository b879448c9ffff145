package eval

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chidi150c/btagent/internal/model"
)

func TestPerformanceTotalReturnAndDrawdown(t *testing.T) {
	curve := []float64{100, 110, 90, 120}
	perf := Performance(curve, nil)
	require.InDelta(t, 0.20, perf.TotalReturn, 1e-9)
	require.InDelta(t, (110.0-90.0)/110.0, perf.MaxDrawdown, 1e-9)
}

func TestPerformanceZeroStdSharpeIsZero(t *testing.T) {
	curve := []float64{100, 100, 100, 100}
	perf := Performance(curve, nil)
	require.Equal(t, 0.0, perf.SharpeRatio)
	require.Equal(t, 0.0, perf.TotalReturn)
}

func TestPerformanceCalmarZeroWhenNoDrawdown(t *testing.T) {
	curve := []float64{100, 101, 102, 103}
	perf := Performance(curve, nil)
	require.Equal(t, 0.0, perf.MaxDrawdown)
	require.Equal(t, 0.0, perf.CalmarRatio)
}

func TestTradeStatsWinRateAndProfitFactor(t *testing.T) {
	log := []model.TradeLogEntry{
		{PnL: 10}, {PnL: -5}, {PnL: 20}, {PnL: -2},
	}
	perf := Performance([]float64{100, 105, 115, 112, 130}, log)
	require.InDelta(t, 0.5, perf.WinRate, 1e-9)
	require.InDelta(t, 30.0/7.0, perf.ProfitFactor, 1e-9)
}

func TestTradeStatsProfitFactorInfWithNoLosses(t *testing.T) {
	log := []model.TradeLogEntry{{PnL: 5}, {PnL: 3}}
	perf := Performance([]float64{100, 105, 108}, log)
	require.True(t, math.IsInf(perf.ProfitFactor, 1))
}

func TestComplianceCountsActionsAndIndicatorUsage(t *testing.T) {
	decisions := []model.Decision{
		{Action: model.ActionBuy, IndicatorsUsed: map[string]any{"rsi": 70.0}},
		{Action: model.ActionHold, IndicatorsUsed: nil},
		{Action: model.ActionBuy, IndicatorsUsed: map[string]any{"sma": 100.0}},
	}
	comp := Compliance(decisions)
	require.Equal(t, 2, comp.ActionDistribution[model.ActionBuy])
	require.Equal(t, 1, comp.ActionDistribution[model.ActionHold])
	require.Equal(t, 2, comp.DecisionsWithIndicators)
	require.Equal(t, 3, comp.TotalDecisions)
}

func TestPrintReportProducesNonEmptyOutput(t *testing.T) {
	perf := Performance([]float64{100, 110, 105, 120}, []model.TradeLogEntry{{PnL: 5}, {PnL: -2}})
	comp := Compliance([]model.Decision{{Action: model.ActionBuy}})
	var buf bytes.Buffer
	PrintReport(&buf, perf, comp)
	require.Contains(t, buf.String(), "BACKTEST PERFORMANCE")
	require.Contains(t, buf.String(), "COMPLIANCE")
}
