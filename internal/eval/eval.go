// Package eval turns an equity curve and trade log into
// PerformanceMetrics, and a decision list into a ComplianceReport.
package eval

import (
	"math"

	"github.com/chidi150c/btagent/internal/model"
)

const tradingDaysPerYear = 252.0

// Performance computes PerformanceMetrics from an equity curve (length >= 2)
// and the closed-trade log.
func Performance(equityCurve []float64, tradeLog []model.TradeLogEntry) model.PerformanceMetrics {
	if len(equityCurve) < 2 {
		return model.PerformanceMetrics{EquityCurve: append([]float64(nil), equityCurve...)}
	}
	initial := equityCurve[0]
	final := equityCurve[len(equityCurve)-1]

	totalReturn := 0.0
	if initial != 0 {
		totalReturn = (final - initial) / initial
	}

	maxDD, maxDDDuration := drawdown(equityCurve)

	returns := periodReturns(equityCurve)
	meanR, stdR := meanStd(returns)
	sharpe := 0.0
	if stdR != 0 {
		sharpe = (meanR / stdR) * math.Sqrt(tradingDaysPerYear)
	}
	downsideStd := downsideStd(returns)
	sortino := 0.0
	if downsideStd != 0 {
		sortino = (meanR / downsideStd) * math.Sqrt(tradingDaysPerYear)
	}
	volatility := stdR * math.Sqrt(tradingDaysPerYear)

	n := len(equityCurve) - 1
	cagr := 0.0
	if initial > 0 && final > 0 && n > 0 {
		years := float64(n) / tradingDaysPerYear
		cagr = math.Pow(final/initial, 1/years) - 1
	}

	calmar := 0.0
	if maxDD != 0 {
		calmar = totalReturn / maxDD
	}

	winRate, profitFactor, avgTrade, best, worst := tradeStats(tradeLog)

	return model.PerformanceMetrics{
		TotalReturn:    totalReturn,
		MaxDrawdown:    maxDD,
		MaxDDDuration:  maxDDDuration,
		SharpeRatio:    sharpe,
		SortinoRatio:   sortino,
		CalmarRatio:    calmar,
		Volatility:     volatility,
		CAGR:           cagr,
		WinRate:        winRate,
		ProfitFactor:   profitFactor,
		TotalTrades:    len(tradeLog),
		AvgTradeReturn: avgTrade,
		BestTrade:      best,
		WorstTrade:     worst,
		EquityCurve:    append([]float64(nil), equityCurve...),
	}
}

// drawdown returns the max drawdown fraction and the longest bar run
// between successive new equity peaks.
func drawdown(curve []float64) (maxDD float64, maxDuration int) {
	peak := curve[0]
	lastPeakIdx := 0
	for i, v := range curve {
		if v > peak {
			peak = v
			if i-lastPeakIdx > maxDuration {
				maxDuration = i - lastPeakIdx
			}
			lastPeakIdx = i
			continue
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	if len(curve)-1-lastPeakIdx > maxDuration {
		maxDuration = len(curve) - 1 - lastPeakIdx
	}
	return maxDD, maxDuration
}

// periodReturns computes bar-over-bar returns, skipping zero-denominator bars.
func periodReturns(curve []float64) []float64 {
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if curve[i-1] == 0 {
			continue
		}
		out = append(out, (curve[i]-curve[i-1])/curve[i-1])
	}
	return out
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

func downsideStd(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		if x < 0 {
			sumSq += x * x
		}
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func tradeStats(log []model.TradeLogEntry) (winRate, profitFactor, avgTrade, best, worst float64) {
	if len(log) == 0 {
		return 0, 0, 0, 0, 0
	}
	var wins, grossWin, grossLoss, sumPnL float64
	best = math.Inf(-1)
	worst = math.Inf(1)
	for _, t := range log {
		sumPnL += t.PnL
		if t.PnL > 0 {
			wins++
			grossWin += t.PnL
		} else if t.PnL < 0 {
			grossLoss += -t.PnL
		}
		if t.PnL > best {
			best = t.PnL
		}
		if t.PnL < worst {
			worst = t.PnL
		}
	}
	winRate = wins / float64(len(log))
	avgTrade = sumPnL / float64(len(log))
	if grossLoss == 0 {
		profitFactor = math.Inf(1)
		if grossWin == 0 {
			profitFactor = 0
		}
	} else {
		profitFactor = grossWin / grossLoss
	}
	return winRate, profitFactor, avgTrade, best, worst
}

// Compliance computes the action distribution and the count of decisions
// that cite indicators across a run's decisions.
func Compliance(decisions []model.Decision) model.ComplianceReport {
	dist := make(map[model.Action]int)
	withIndicators := 0
	for _, d := range decisions {
		dist[d.Action]++
		if len(d.IndicatorsUsed) > 0 {
			withIndicators++
		}
	}
	return model.ComplianceReport{
		ActionDistribution:      dist,
		DecisionsWithIndicators: withIndicators,
		TotalDecisions:          len(decisions),
	}
}
