package assembler

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chidi150c/btagent/internal/matching"
	"github.com/chidi150c/btagent/internal/memory"
	"github.com/chidi150c/btagent/internal/model"
)

func buildEngine(t *testing.T, n int) *matching.Engine {
	t.Helper()
	bars := make([]model.Bar, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := range bars {
		price += 0.25
		bars[i] = model.Bar{
			Time: base.Add(time.Duration(i) * time.Hour),
			Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 500, Index: i,
		}
	}
	eng, err := matching.New([]string{"BTC-USD"}, map[string][]model.Bar{"BTC-USD": bars}, 10000,
		model.DefaultRiskConfig(), model.CommissionConfig{Rate: 0.001}, model.SlippageConfig{Mode: model.SlippageFixed})
	require.NoError(t, err)
	return eng
}

func buildMemory(t *testing.T) *memory.Memory {
	t.Helper()
	ws, err := memory.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	return memory.New(ws, nil)
}

func TestAssembleOmitsEmptySections(t *testing.T) {
	eng := buildEngine(t, 30)
	_, err := eng.Advance()
	require.NoError(t, err)
	eng.MatchOrders()

	mem := buildMemory(t)
	require.NoError(t, mem.InitPlaybook("动量策略"))

	a := New(model.DefaultContextConfig())
	ctx, err := a.Assemble(eng, mem, nil, nil)
	require.NoError(t, err)

	require.Contains(t, ctx.FormattedText, "<market")
	require.Contains(t, ctx.FormattedText, "<account")
	require.Contains(t, ctx.FormattedText, "空仓")
	require.NotContains(t, ctx.FormattedText, "<events>")
	require.NotContains(t, ctx.FormattedText, "<pending_orders>")
	require.NotContains(t, ctx.FormattedText, "<position_notes>")
	require.NotContains(t, ctx.FormattedText, "<recent_decisions>")
	require.Contains(t, ctx.FormattedText, "<task>")
	require.True(t, strings.HasSuffix(ctx.FormattedText, "</task>"))
}

func TestAssembleRiskSectionShowsWhenFlatWithRoom(t *testing.T) {
	eng := buildEngine(t, 10)
	_, err := eng.Advance()
	require.NoError(t, err)
	eng.MatchOrders()

	mem := buildMemory(t)
	a := New(model.DefaultContextConfig())
	ctx, err := a.Assemble(eng, mem, nil, nil)
	require.NoError(t, err)
	require.Contains(t, ctx.FormattedText, "<risk")
}

func TestAssembleIncludesFillEventAndPendingOrder(t *testing.T) {
	eng := buildEngine(t, 10)
	_, err := eng.Advance()
	require.NoError(t, err)
	eng.MatchOrders()

	eng.SubmitOrder("BTC-USD", model.SideBuy, 1, model.OrderMarket, nil, nil, nil)
	_, err = eng.Advance()
	require.NoError(t, err)
	eng.MatchOrders()
	events := eng.DrainEvents()
	require.Len(t, events, 1)
	require.Equal(t, model.EventFill, events[0].Kind)

	eng.SubmitOrder("BTC-USD", model.SideBuy, 1, model.OrderLimit, floatPtr(1.0), nil, nil)

	mem := buildMemory(t)
	a := New(model.DefaultContextConfig())
	ctx, err := a.Assemble(eng, mem, events, nil)
	require.NoError(t, err)
	require.Contains(t, ctx.FormattedText, "<events>")
	require.Contains(t, ctx.FormattedText, "成交:")
	require.Contains(t, ctx.FormattedText, "<pending_orders>")
	require.Contains(t, ctx.FormattedText, "limit=")
}

func TestAssembleTruncatesRecentDecisionReasoning(t *testing.T) {
	eng := buildEngine(t, 10)
	_, err := eng.Advance()
	require.NoError(t, err)
	eng.MatchOrders()

	cfg := model.DefaultContextConfig()
	cfg.ReasoningMaxChars = 5
	a := New(cfg)
	mem := buildMemory(t)

	decisions := []model.Decision{
		{BarIndex: 0, Action: model.ActionHold, Reasoning: "这是一个很长的理由用来测试截断"},
	}
	ctx, err := a.Assemble(eng, mem, nil, decisions)
	require.NoError(t, err)
	require.Len(t, ctx.RecentDecisions, 1)
	require.True(t, strings.HasSuffix(ctx.RecentDecisions[0].Reasoning, "..."))
	require.Contains(t, ctx.FormattedText, "<recent_decisions>")
}

func floatPtr(v float64) *float64 { return &v }
