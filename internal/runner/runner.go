// Package runner drives one backtest end to end: workspace setup, the
// per-bar advance/match/assemble/decide loop, journaling and the final
// evaluation summary.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chidi150c/btagent/internal/agent"
	"github.com/chidi150c/btagent/internal/assembler"
	"github.com/chidi150c/btagent/internal/eval"
	"github.com/chidi150c/btagent/internal/matching"
	"github.com/chidi150c/btagent/internal/memory"
	"github.com/chidi150c/btagent/internal/model"
	"github.com/chidi150c/btagent/internal/obslog"
	"github.com/chidi150c/btagent/internal/telemetry"
	"github.com/chidi150c/btagent/internal/toolkit"
	"github.com/chidi150c/btagent/internal/trace"
)

var log = obslog.New("runner")

// Config bundles everything one Run call needs beyond the OHLCV data
// itself, which callers (cmd/btagent, tests) load and hand in directly.
type Config struct {
	Symbols          []string
	Bars             map[string][]model.Bar
	InitialCash      float64
	Risk             model.RiskConfig
	Commission       model.CommissionConfig
	Slippage         model.SlippageConfig
	Context          model.ContextConfig
	StrategyPrompt   string
	DecisionStartBar int
	WorkspaceRoot    string
	SandboxTimeout   time.Duration
	Decider          agent.Decider
}

// Run executes one deterministic backtest and returns the aggregated
// result. A cancelled runCtx is honoured only at a bar boundary: it is
// checked before each bar is advanced, so a bar already started always
// completes to its decision and no further bars are taken.
func Run(runCtx context.Context, cfg Config) (model.BacktestResult, error) {
	start := time.Now()

	if cfg.DecisionStartBar < 0 {
		return model.BacktestResult{}, fmt.Errorf("runner: negative decision_start_bar")
	}

	eng, err := matching.New(cfg.Symbols, cfg.Bars, cfg.InitialCash, cfg.Risk, cfg.Commission, cfg.Slippage)
	if err != nil {
		return model.BacktestResult{}, fmt.Errorf("runner: build engine: %w", err)
	}

	ws, err := memory.NewWorkspace(cfg.WorkspaceRoot)
	if err != nil {
		return model.BacktestResult{}, fmt.Errorf("runner: workspace: %w", err)
	}
	mem := memory.New(ws, nil)
	if err := mem.InitPlaybook(cfg.StrategyPrompt); err != nil {
		return model.BacktestResult{}, fmt.Errorf("runner: seed playbook: %w", err)
	}

	tw, err := trace.NewWriter(filepath.Join(ws.Root, "trace.jsonl"))
	if err != nil {
		return model.BacktestResult{}, fmt.Errorf("runner: trace writer: %w", err)
	}
	defer tw.Close()

	if a, ok := cfg.Decider.(*agent.Agent); ok {
		a.Trace = tw
	}

	asm := assembler.New(cfg.Context)

	decisionsPath := filepath.Join(ws.Root, "decisions.jsonl")
	decisionsFile, err := os.OpenFile(decisionsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return model.BacktestResult{}, fmt.Errorf("runner: open decisions.jsonl: %w", err)
	}
	defer decisionsFile.Close()

	var decisions []model.Decision
	var pendingEvents []model.EngineEvent

	for eng.HasNext() {
		select {
		case <-runCtx.Done():
			log.Printf("[WARN] backtest cancelled at bar=%d", eng.BarIndex())
			return finalize(eng, decisions, ws.Root, start)
		default:
		}

		bar, err := eng.Advance()
		if err != nil {
			return model.BacktestResult{}, fmt.Errorf("runner: advance: %w", err)
		}
		eng.MatchOrders()
		drained := eng.DrainEvents()
		events := append(pendingEvents, drained...)
		pendingEvents = nil

		if eng.BarIndex() < cfg.DecisionStartBar {
			journalFills(mem, bar, drained, eng.BarIndex())
			// Carry warm-up events into the first decision bar's context.
			pendingEvents = events
			continue
		}

		tw.BarIndex = eng.BarIndex()
		tw.Emit(trace.EventAgentStep, map[string]any{"date": bar.Time.Format(time.RFC3339)})

		ctx, err := asm.Assemble(eng, mem, events, decisions)
		if err != nil {
			return model.BacktestResult{}, fmt.Errorf("runner: assemble context: %w", err)
		}
		tw.Emit(trace.EventContext, map[string]any{
			"formatted_text": ctx.FormattedText,
			"market":         ctx.Market,
			"account":        ctx.Account,
		})

		tk := toolkit.New(eng, mem, cfg.SandboxTimeout)
		decision, err := cfg.Decider.Decide(ctx, tk)
		if err != nil {
			log.Printf("[WARN] bar=%d decide error: %v", eng.BarIndex(), err)
			decision = model.Decision{Time: ctx.Time, BarIndex: ctx.BarIndex, Action: model.ActionHold, Reasoning: "[决策失败，强制 hold] " + err.Error(), AccountSnapshot: ctx.Account}
		}
		decisions = append(decisions, decision)
		tw.Emit(trace.EventDecision, decisionFields(decision))

		telemetry.IncDecision(string(decision.Action))
		telemetry.IncLLMCall()
		telemetry.SetEquity(decision.AccountSnapshot.Equity)

		journalFills(mem, bar, drained, eng.BarIndex())

		line, err := json.Marshal(decision)
		if err != nil {
			log.Printf("[WARN] bar=%d marshal decision: %v", eng.BarIndex(), err)
		} else {
			line = append(line, '\n')
			if _, err := decisionsFile.Write(line); err != nil {
				log.Printf("[WARN] bar=%d write decisions.jsonl: %v", eng.BarIndex(), err)
			}
		}
	}

	return finalize(eng, decisions, ws.Root, start)
}

// finalize computes the evaluation summary and assembles the BacktestResult,
// shared by normal completion and the cancellation path.
func finalize(eng *matching.Engine, decisions []model.Decision, workspaceRoot string, start time.Time) (model.BacktestResult, error) {
	perf := eval.Performance(eng.EquityCurve(), eng.TradeLog())
	comp := eval.Compliance(decisions)
	duration := time.Since(start)

	if err := writeResultSummary(workspaceRoot, perf, duration); err != nil {
		log.Printf("[WARN] write result.json: %v", err)
	}

	totalTokens := 0
	for _, d := range decisions {
		totalTokens += d.TokensUsed
	}

	return model.BacktestResult{
		Performance:   perf,
		Compliance:    comp,
		Decisions:     decisions,
		WorkspacePath: workspaceRoot,
		Duration:      duration,
		TotalLLMCalls: len(decisions),
		TotalTokens:   totalTokens,
	}, nil
}

// journalFills writes a human-readable journal line for every fill event,
// regardless of whether the bar is past decision_start_bar.
func journalFills(mem *memory.Memory, bar model.Bar, events []model.EngineEvent, barIndex int) {
	for _, ev := range events {
		if ev.Kind != model.EventFill {
			continue
		}
		side, _ := ev.Detail["side"].(string)
		qty, _ := ev.Detail["quantity"].(int)
		price, _ := ev.Detail["price"].(float64)
		line := fmt.Sprintf("[bar=%d %s] 成交: %s %s %d @ %.4f",
			barIndex, bar.Time.Format("2006-01-02"), side, ev.Symbol, qty, price)
		if err := mem.Log(line, bar.Time); err != nil {
			log.Printf("[WARN] bar=%d journal fill: %v", barIndex, err)
		}
	}
}

func decisionFields(d model.Decision) map[string]any {
	return map[string]any{
		"action":           string(d.Action),
		"symbol":           d.Symbol,
		"quantity":         d.Quantity,
		"reasoning":        d.Reasoning,
		"market_snapshot":  d.MarketSnapshot,
		"account_snapshot": d.AccountSnapshot,
		"indicators_used":  d.IndicatorsUsed,
		"tool_calls":       d.ToolCalls,
		"order_result":     d.OrderResult,
		"model":            d.Model,
		"tokens_used":      d.TokensUsed,
		"latency_ms":       d.LatencyMS,
	}
}

type resultSummary struct {
	TotalReturn   float64 `json:"total_return"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
	TotalTrades   int     `json:"total_trades"`
	WorkspacePath string  `json:"workspace_path"`
	DurationMS    int64   `json:"duration_ms"`
}

func writeResultSummary(root string, perf model.PerformanceMetrics, duration time.Duration) error {
	summary := resultSummary{
		TotalReturn:   perf.TotalReturn,
		MaxDrawdown:   perf.MaxDrawdown,
		SharpeRatio:   perf.SharpeRatio,
		TotalTrades:   perf.TotalTrades,
		WorkspacePath: root,
		DurationMS:    duration.Milliseconds(),
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("runner: marshal result.json: %w", err)
	}
	return os.WriteFile(filepath.Join(root, "result.json"), data, 0o644)
}
