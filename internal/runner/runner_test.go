package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chidi150c/btagent/internal/model"
	"github.com/chidi150c/btagent/internal/toolkit"
)

// holdDecider always holds, so runner tests don't depend on a live LLM.
type holdDecider struct{ calls int }

func (h *holdDecider) Decide(ctx model.Context, tk *toolkit.Toolkit) (model.Decision, error) {
	h.calls++
	return model.Decision{
		Time: ctx.Time, BarIndex: ctx.BarIndex, Action: model.ActionHold,
		Reasoning: "持有", AccountSnapshot: ctx.Account, Model: "scripted",
	}, nil
}

// buyOnceDecider submits a market buy on its first call, then holds.
type buyOnceDecider struct{ called bool }

func (b *buyOnceDecider) Decide(ctx model.Context, tk *toolkit.Toolkit) (model.Decision, error) {
	if !b.called {
		b.called = true
		out := tk.Execute("trade_execute", map[string]any{"action": "buy", "symbol": "BTC-USD", "quantity": 1, "order_type": "market"})
		return model.Decision{
			Time: ctx.Time, BarIndex: ctx.BarIndex, Action: model.ActionBuy,
			Symbol: "BTC-USD", Quantity: 1, Reasoning: "买入", OrderResult: out,
			AccountSnapshot: ctx.Account, Model: "scripted", ToolCalls: tk.CallLog(),
			IndicatorsUsed: tk.IndicatorQueries(),
		}, nil
	}
	return model.Decision{Time: ctx.Time, BarIndex: ctx.BarIndex, Action: model.ActionHold, Reasoning: "持有", AccountSnapshot: ctx.Account, Model: "scripted"}, nil
}

func syntheticBars(n int) []model.Bar {
	bars := make([]model.Bar, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := range bars {
		price += 0.1
		bars[i] = model.Bar{
			Time: base.Add(time.Duration(i) * time.Hour),
			Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 1000, Index: i,
		}
	}
	return bars
}

func baseConfig(t *testing.T, decider interface {
	Decide(model.Context, *toolkit.Toolkit) (model.Decision, error)
}) Config {
	t.Helper()
	bars := syntheticBars(40)
	return Config{
		Symbols:          []string{"BTC-USD"},
		Bars:             map[string][]model.Bar{"BTC-USD": bars},
		InitialCash:      10000,
		Risk:             model.DefaultRiskConfig(),
		Commission:       model.CommissionConfig{Rate: 0.001},
		Slippage:         model.SlippageConfig{Mode: model.SlippageFixed},
		Context:          model.DefaultContextConfig(),
		StrategyPrompt:   "动量策略",
		DecisionStartBar: 5,
		WorkspaceRoot:    t.TempDir(),
		SandboxTimeout:   500 * time.Millisecond,
		Decider:          decider,
	}
}

func TestRunProducesWorkspaceArtifacts(t *testing.T) {
	dec := &holdDecider{}
	cfg := baseConfig(t, dec)
	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	require.Equal(t, len(result.Decisions), dec.calls)
	require.True(t, dec.calls > 0)

	require.FileExists(t, filepath.Join(result.WorkspacePath, "trace.jsonl"))
	require.FileExists(t, filepath.Join(result.WorkspacePath, "decisions.jsonl"))
	require.FileExists(t, filepath.Join(result.WorkspacePath, "result.json"))

	data, err := os.ReadFile(filepath.Join(result.WorkspacePath, "result.json"))
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(data, &summary))
	require.Contains(t, summary, "total_return")
	require.Contains(t, summary, "workspace_path")
}

func TestRunSkipsDecisionsDuringWarmup(t *testing.T) {
	dec := &holdDecider{}
	cfg := baseConfig(t, dec)
	cfg.DecisionStartBar = 30
	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, 10, dec.calls) // bar indices 30..39 decide, out of 40 bars total
	require.Equal(t, 10, len(result.Decisions))
}

func TestRunJournalsFillOnBuy(t *testing.T) {
	dec := &buyOnceDecider{}
	cfg := baseConfig(t, dec)
	cfg.DecisionStartBar = 0
	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(result.WorkspacePath, "journal"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var found bool
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(result.WorkspacePath, "journal", e.Name()))
		require.NoError(t, err)
		if len(data) > 0 {
			found = true
		}
	}
	require.True(t, found)
}

func TestRunRejectsNegativeDecisionStartBar(t *testing.T) {
	dec := &holdDecider{}
	cfg := baseConfig(t, dec)
	cfg.DecisionStartBar = -1
	_, err := Run(context.Background(), cfg)
	require.Error(t, err)
}
