package eval

import (
	"fmt"
	"io"
	"math"

	"github.com/olekukonko/tablewriter"

	"github.com/chidi150c/btagent/internal/model"
)

// PrintReport renders the performance/compliance summary as a human-readable
// table, in the same tablewriter.NewWriter/Header/Append/Render style the
// rest of the pack's console reporters use.
func PrintReport(w io.Writer, perf model.PerformanceMetrics, comp model.ComplianceReport) {
	fmt.Fprintln(w, "\n=== BACKTEST PERFORMANCE ===")
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	table.Append("Total Return", pctLabel(perf.TotalReturn))
	table.Append("Max Drawdown", pctLabel(perf.MaxDrawdown))
	table.Append("Max DD Duration", fmt.Sprintf("%d bars", perf.MaxDDDuration))
	table.Append("Sharpe Ratio", fmt.Sprintf("%.4f", perf.SharpeRatio))
	table.Append("Sortino Ratio", fmt.Sprintf("%.4f", perf.SortinoRatio))
	table.Append("Calmar Ratio", fmt.Sprintf("%.4f", perf.CalmarRatio))
	table.Append("Volatility", pctLabel(perf.Volatility))
	table.Append("CAGR", pctLabel(perf.CAGR))
	table.Append("Win Rate", pctLabel(perf.WinRate))
	table.Append("Profit Factor", ratioLabel(perf.ProfitFactor))
	table.Append("Total Trades", fmt.Sprintf("%d", perf.TotalTrades))
	table.Append("Avg Trade", fmt.Sprintf("%.4f", perf.AvgTradeReturn))
	table.Append("Best Trade", fmt.Sprintf("%.4f", perf.BestTrade))
	table.Append("Worst Trade", fmt.Sprintf("%.4f", perf.WorstTrade))
	table.Render()

	fmt.Fprintln(w, "\n=== COMPLIANCE ===")
	compTable := tablewriter.NewWriter(w)
	compTable.Header("Action", "Count")
	for _, action := range []model.Action{model.ActionBuy, model.ActionSell, model.ActionClose, model.ActionHold} {
		compTable.Append(string(action), fmt.Sprintf("%d", comp.ActionDistribution[action]))
	}
	compTable.Render()
	fmt.Fprintf(w, "decisions with indicator usage: %d/%d\n\n", comp.DecisionsWithIndicators, comp.TotalDecisions)
}

func pctLabel(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

func ratioLabel(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.4f", v)
}
