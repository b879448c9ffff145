// Package assembler is the context assembler (C7): given engine state,
// memory and decision history, it deterministically builds the Context
// record and its XML-tagged formatted_text body the agent loop consumes.
package assembler

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/chidi150c/btagent/internal/matching"
	"github.com/chidi150c/btagent/internal/memory"
	"github.com/chidi150c/btagent/internal/model"
)

// Assembler holds the fixed configuration (window sizes) shared across a
// run's Assemble calls.
type Assembler struct {
	cfg model.ContextConfig
}

// New builds an Assembler over cfg.
func New(cfg model.ContextConfig) *Assembler {
	return &Assembler{cfg: cfg}
}

// Assemble builds one Context for the current bar. events is the drained
// per-bar event queue; decisions is the full decision history so far (only
// the trailing window is used).
func (a *Assembler) Assemble(eng *matching.Engine, mem *memory.Memory, events []model.EngineEvent, decisions []model.Decision) (model.Context, error) {
	symbols := eng.Symbols()
	market := make(map[string]model.MarketSnapshot, len(symbols))
	for _, sym := range symbols {
		snap, err := eng.MarketSnapshot(sym)
		if err != nil {
			return model.Context{}, fmt.Errorf("assembler: %w", err)
		}
		market[sym] = snap
	}
	primary := eng.PrimarySymbol()

	account := eng.AccountSnapshot()
	unrealized := make(map[string]float64, len(account.Positions))
	for sym, pos := range account.Positions {
		if snap, ok := market[sym]; ok {
			unrealized[sym] = pos.UnrealizedPnL(snap.Close)
		}
	}

	playbook := mem.ReadPlaybook()
	heldSymbols := make([]string, 0, len(account.Positions))
	for sym := range account.Positions {
		heldSymbols = append(heldSymbols, sym)
	}
	sort.Strings(heldSymbols)
	positionNotes := mem.ReadPositionNotes(heldSymbols)

	recentBars := eng.RecentBars(a.cfg.RecentBarsWindow, primary)
	pendingOrders := eng.PendingOrders()

	risk := a.riskSummary(eng, primary, market[primary].Close, account)

	recentDecisions := recentDecisionSummaries(decisions, a.cfg.RecentDecisionsWindow, a.cfg.ReasoningMaxChars)

	ctx := model.Context{
		Playbook:        playbook,
		PositionNotes:   positionNotes,
		Time:            market[primary].Time,
		BarIndex:        eng.BarIndex(),
		DecisionCount:   len(decisions),
		Market:          market,
		Account:         account,
		UnrealizedBySym: unrealized,
		RiskSummary:     risk,
		PendingOrders:   pendingOrders,
		RecentBars:      recentBars,
		RecentEvents:    events,
		RecentDecisions: recentDecisions,
	}
	ctx.FormattedText = render(ctx, primary, account)
	return ctx, nil
}

// riskSummary builds a crude risk-room estimate from the position cap and
// the current close.
func (a *Assembler) riskSummary(eng *matching.Engine, primary string, closePrice float64, account model.AccountSnapshot) model.RiskSummary {
	maxBuyQty := 0
	if closePrice > 0 {
		maxBuyQty = int(math.Floor(account.Equity * eng.RiskMaxPositionPct() / closePrice))
		if maxBuyQty < 0 {
			maxBuyQty = 0
		}
	}
	return model.RiskSummary{
		MaxPositionPct:   eng.RiskMaxPositionPct(),
		MaxBuyQty:        maxBuyQty,
		MaxOpenPositions: eng.RiskMaxOpenPositions(),
		OpenPositions:    len(account.Positions),
	}
}

func recentDecisionSummaries(decisions []model.Decision, window, maxChars int) []model.DecisionSummary {
	if window <= 0 || len(decisions) == 0 {
		return nil
	}
	start := len(decisions) - window
	if start < 0 {
		start = 0
	}
	out := make([]model.DecisionSummary, 0, len(decisions)-start)
	for _, d := range decisions[start:] {
		out = append(out, model.DecisionSummary{
			BarIndex:  d.BarIndex,
			Action:    d.Action,
			Reasoning: truncate(d.Reasoning, maxChars),
		})
	}
	return out
}

func truncate(s string, maxChars int) string {
	r := []rune(s)
	if maxChars <= 0 || len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars]) + "..."
}

// render builds formatted_text as XML-tagged sections in a fixed order,
// omitting any section that would otherwise be empty.
func render(ctx model.Context, primary string, account model.AccountSnapshot) string {
	var b strings.Builder

	renderMarket(&b, ctx, primary)
	renderAccount(&b, ctx, account)
	renderRisk(&b, ctx, account)
	renderRecentBars(&b, ctx)
	renderEvents(&b, ctx)
	renderPendingOrders(&b, ctx)
	renderPositionNotes(&b, ctx)
	renderRecentDecisions(&b, ctx)
	renderTask(&b)

	return strings.TrimRight(b.String(), "\n")
}

func renderMarket(b *strings.Builder, ctx model.Context, primary string) {
	snap, ok := ctx.Market[primary]
	if !ok {
		return
	}
	fmt.Fprintf(b, "<market datetime=%s bar=%d symbol=%s> open=%.4f high=%.4f low=%.4f close=%.4f volume=%.4f </market>\n",
		snap.Time.Format("2006-01-02T15:04:05"), ctx.BarIndex, snap.Symbol, snap.Open, snap.High, snap.Low, snap.Close, snap.Volume)
}

func renderAccount(b *strings.Builder, ctx model.Context, account model.AccountSnapshot) {
	fmt.Fprintf(b, "<account cash=%.4f equity=%.4f> ", account.Cash, account.Equity)
	if len(account.Positions) == 0 {
		b.WriteString("空仓")
	} else {
		symbols := make([]string, 0, len(account.Positions))
		for sym := range account.Positions {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		parts := make([]string, 0, len(symbols))
		for _, sym := range symbols {
			pos := account.Positions[sym]
			pnl := ctx.UnrealizedBySym[sym]
			parts = append(parts, fmt.Sprintf("%s %d股@%.4f | 未实现%+.4f", sym, pos.Size, pos.AvgPrice, pnl))
		}
		b.WriteString(strings.Join(parts, "; "))
	}
	b.WriteString(" </account>\n")
}

// renderRisk emits the risk section only when the account is flat and has
// buying room.
func renderRisk(b *strings.Builder, ctx model.Context, account model.AccountSnapshot) {
	if len(account.Positions) != 0 || ctx.RiskSummary.MaxBuyQty <= 0 {
		return
	}
	fmt.Fprintf(b, "<risk max_position_pct=%.4f max_buy_qty=%d max_open_positions=%d open_positions=%d></risk>\n",
		ctx.RiskSummary.MaxPositionPct, ctx.RiskSummary.MaxBuyQty, ctx.RiskSummary.MaxOpenPositions, ctx.RiskSummary.OpenPositions)
}

func renderRecentBars(b *strings.Builder, ctx model.Context) {
	if len(ctx.RecentBars) == 0 {
		return
	}
	fmt.Fprintf(b, "<recent_bars count=%d>\n", len(ctx.RecentBars))
	for _, bar := range ctx.RecentBars {
		fmt.Fprintf(b, "bar=%d open=%.4f high=%.4f low=%.4f close=%.4f volume=%.4f\n",
			bar.Index, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
	}
	b.WriteString("</recent_bars>\n")
}

func renderEvents(b *strings.Builder, ctx model.Context) {
	if len(ctx.RecentEvents) == 0 {
		return
	}
	b.WriteString("<events>\n")
	for _, ev := range ctx.RecentEvents {
		switch ev.Kind {
		case model.EventFill:
			side, _ := ev.Detail["side"].(string)
			qty, _ := ev.Detail["quantity"].(int)
			price, _ := ev.Detail["price"].(float64)
			fmt.Fprintf(b, "成交: %s %s %d @ %.4f\n", side, ev.Symbol, qty, price)
		case model.EventExpired:
			fmt.Fprintf(b, "过期: %s (%s)\n", ev.OrderID, ev.Symbol)
		case model.EventCancelled:
			fmt.Fprintf(b, "取消: %s (%s)\n", ev.OrderID, ev.Symbol)
		}
	}
	b.WriteString("</events>\n")
}

func renderPendingOrders(b *strings.Builder, ctx model.Context) {
	if len(ctx.PendingOrders) == 0 {
		return
	}
	b.WriteString("<pending_orders>\n")
	for _, o := range ctx.PendingOrders {
		line := fmt.Sprintf("%s %s %s %d", o.OrderID, o.Symbol, string(o.Side), o.Quantity)
		if o.LimitPrice != nil {
			line += fmt.Sprintf(" limit=%.4f", *o.LimitPrice)
		}
		if o.StopPrice != nil {
			line += fmt.Sprintf(" stop=%.4f", *o.StopPrice)
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("</pending_orders>\n")
}

func renderPositionNotes(b *strings.Builder, ctx model.Context) {
	if len(ctx.PositionNotes) == 0 {
		return
	}
	symbols := make([]string, 0, len(ctx.PositionNotes))
	for sym := range ctx.PositionNotes {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	b.WriteString("<position_notes>\n")
	for _, sym := range symbols {
		fmt.Fprintf(b, "%s: %s\n", sym, ctx.PositionNotes[sym])
	}
	b.WriteString("</position_notes>\n")
}

func renderRecentDecisions(b *strings.Builder, ctx model.Context) {
	if len(ctx.RecentDecisions) == 0 {
		return
	}
	b.WriteString("<recent_decisions>\n")
	for _, d := range ctx.RecentDecisions {
		fmt.Fprintf(b, "bar=%d action=%s reasoning=%s\n", d.BarIndex, string(d.Action), d.Reasoning)
	}
	b.WriteString("</recent_decisions>\n")
}

func renderTask(b *strings.Builder) {
	b.WriteString("<task> 依据上述市场、账户与风险信息，决定本根K线的操作（buy/sell/close/hold），并给出简要理由。</task>\n")
}
