package toolkit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chidi150c/btagent/internal/matching"
	"github.com/chidi150c/btagent/internal/memory"
	"github.com/chidi150c/btagent/internal/model"
)

func testEngine(t *testing.T) *matching.Engine {
	t.Helper()
	n := 40
	bars := make([]model.Bar, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := range bars {
		price += 0.5
		bars[i] = model.Bar{
			Time: base.Add(time.Duration(i) * time.Hour),
			Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 1000, Index: i,
		}
	}
	eng, err := matching.New([]string{"BTC-USD"}, map[string][]model.Bar{"BTC-USD": bars}, 10000,
		model.DefaultRiskConfig(), model.CommissionConfig{Rate: 0.001}, model.SlippageConfig{Mode: model.SlippageFixed})
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		_, err := eng.Advance()
		require.NoError(t, err)
		eng.MatchOrders()
	}
	return eng
}

func testToolkit(t *testing.T) *Toolkit {
	t.Helper()
	eng := testEngine(t)
	ws, err := memory.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	mem := memory.New(ws, nil)
	return New(eng, mem, 500*time.Millisecond)
}

// TestSchemaDispatchParity guards against schema.go and toolkit.go's switch
// drifting apart: every declared tool name must reach a dispatch branch,
// and the declared set must equal the eleven names the switch handles.
func TestSchemaDispatchParity(t *testing.T) {
	tk := testToolkit(t)
	names := map[string]bool{
		"market_observe": true, "market_history": true, "indicator_calc": true,
		"account_status": true, "trade_execute": true, "order_query": true,
		"order_cancel": true, "memory_log": true, "memory_note": true,
		"memory_recall": true, "compute": true,
	}
	schemas := Schemas()
	require.Len(t, schemas, len(names))
	for _, s := range schemas {
		require.True(t, names[s.Name], "schema %s has no matching dispatch entry", s.Name)
		msg, _ := tk.Execute(s.Name, map[string]any{})["error"].(string)
		require.NotContains(t, msg, "UnknownToolError", "schema %s has no dispatch branch", s.Name)
	}
}

func TestMarketObserveReturnsCurrentBar(t *testing.T) {
	tk := testToolkit(t)
	out := tk.Execute("market_observe", map[string]any{})
	require.NotContains(t, out, "error")
	require.Equal(t, "BTC-USD", out["symbol"])
	require.Len(t, tk.CallLog(), 1)
}

func TestIndicatorCalcDefaultsToPrimarySymbol(t *testing.T) {
	tk := testToolkit(t)
	out := tk.Execute("indicator_calc", map[string]any{"name": "sma", "period": 5.0})
	require.NotContains(t, out, "error")
	require.Equal(t, "BTC-USD", out["symbol"])
	require.NotNil(t, out["value"])
}

func TestIndicatorCalcUnknownNameErrors(t *testing.T) {
	tk := testToolkit(t)
	out := tk.Execute("indicator_calc", map[string]any{"name": "bogus"})
	require.Contains(t, out, "error")
	require.Contains(t, out, "remediation")
}

func TestTradeExecuteHoldDoesNotRecordAction(t *testing.T) {
	tk := testToolkit(t)
	out := tk.Execute("trade_execute", map[string]any{"action": "hold"})
	require.Equal(t, "hold", out["status"])
	require.Empty(t, tk.TradeActions())
}

func TestTradeExecuteBuyWithZeroStopLossStillUsesBracket(t *testing.T) {
	tk := testToolkit(t)
	out := tk.Execute("trade_execute", map[string]any{
		"action": "buy", "symbol": "BTC-USD", "quantity": 1.0, "stop_loss": 0.0,
	})
	require.NotContains(t, out, "error")
	require.Equal(t, "submitted", out["status"])
	require.Len(t, tk.TradeActions(), 1)
}

func TestTradeExecuteCloseWithNoPositionRejects(t *testing.T) {
	tk := testToolkit(t)
	out := tk.Execute("trade_execute", map[string]any{"action": "close", "symbol": "BTC-USD"})
	require.Equal(t, "rejected", out["status"])
}

func TestOrderCancelUnknownIDReturnsRemediation(t *testing.T) {
	tk := testToolkit(t)
	out := tk.Execute("order_cancel", map[string]any{"order_id": "nope"})
	require.Contains(t, out, "error")
	require.Equal(t, toolRemediation["order_cancel"], out["remediation"])
}

func TestMemoryLogThenRecallFindsEntry(t *testing.T) {
	tk := testToolkit(t)
	logOut := tk.Execute("memory_log", map[string]any{"content": "breakout confirmed on BTC"})
	require.Equal(t, "logged", logOut["status"])
	recallOut := tk.Execute("memory_recall", map[string]any{"query": "breakout"})
	results := recallOut["results"].([]map[string]any)
	require.NotEmpty(t, results)
}

func TestComputeReturnsMetaAndResult(t *testing.T) {
	tk := testToolkit(t)
	out := tk.Execute("compute", map[string]any{"code": "close"})
	require.NotContains(t, out, "error")
	require.Contains(t, out, "result")
	meta := out["_meta"].(map[string]any)
	require.Greater(t, meta["df_rows"], 0)
}

func TestComputeExposesExtraSymbolFrames(t *testing.T) {
	mk := func(price float64) []model.Bar {
		bars := make([]model.Bar, 10)
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := range bars {
			bars[i] = model.Bar{
				Time: base.Add(time.Duration(i) * time.Hour),
				Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 1000, Index: i,
			}
		}
		return bars
	}
	eng, err := matching.New([]string{"AAA", "BBB"},
		map[string][]model.Bar{"AAA": mk(100), "BBB": mk(200)}, 10000,
		model.DefaultRiskConfig(), model.CommissionConfig{}, model.SlippageConfig{Mode: model.SlippageFixed})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := eng.Advance()
		require.NoError(t, err)
		eng.MatchOrders()
	}
	ws, err := memory.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	tk := New(eng, memory.New(ws, nil), 500*time.Millisecond)

	out := tk.Execute("compute", map[string]any{"code": "latest(df_BBB.close)"})
	require.NotContains(t, out, "error")
	require.InDelta(t, 200.0, out["result"].(float64), 1e-9)
}

func TestComputeSandboxTimeoutSurfacesRemediation(t *testing.T) {
	tk := testToolkit(t)
	out := tk.Execute("compute", map[string]any{"code": "x := 0\nfor {\n  x += 1\n}"})
	require.Contains(t, out, "error")
	require.Contains(t, out, "remediation")
}

func TestUnknownToolNameFoldsIntoErrorMap(t *testing.T) {
	tk := testToolkit(t)
	out := tk.Execute("not_a_tool", map[string]any{})
	require.Contains(t, out, "error")
	require.Equal(t, genericRemediation, out["remediation"])
}
