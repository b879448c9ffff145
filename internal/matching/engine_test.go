package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chidi150c/btagent/internal/model"
)

func bars(opens, highs, lows, closes []float64) []model.Bar {
	out := make([]model.Bar, len(opens))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range opens {
		out[i] = model.Bar{
			Time: base.Add(time.Duration(i) * 24 * time.Hour),
			Open: opens[i], High: highs[i], Low: lows[i], Close: closes[i],
			Volume: 1_000_000, Index: i,
		}
	}
	return out
}

func noSlippageCaps() model.SlippageConfig {
	return model.SlippageConfig{Mode: model.SlippageFixed, Value: 0}
}

func TestNextBarMarketFillAtOpenPlusSlippage(t *testing.T) {
	data := map[string][]model.Bar{
		"AAPL": bars(
			[]float64{100, 103.5, 107},
			[]float64{105, 108, 110},
			[]float64{99, 102, 106},
			[]float64{103, 107, 109},
		),
	}
	risk := model.DefaultRiskConfig()
	commission := model.CommissionConfig{Rate: 0}
	slippage := model.SlippageConfig{Mode: model.SlippageFixed, Value: 0.5}

	eng, err := New([]string{"AAPL"}, data, 100_000, risk, commission, slippage)
	require.NoError(t, err)

	_, err = eng.Advance() // bar 0
	require.NoError(t, err)
	result := eng.SubmitOrder("AAPL", model.SideBuy, 100, model.OrderMarket, nil, nil, nil)
	require.Equal(t, "submitted", result["status"])

	_, err = eng.Advance() // bar 1
	require.NoError(t, err)
	eng.MatchOrders()

	acct := eng.AccountSnapshot()
	require.InDelta(t, 89_600.0, acct.Cash, 1e-9)
	pos := acct.Positions["AAPL"]
	require.Equal(t, 100, pos.Size)
	require.InDelta(t, 104.0, pos.AvgPrice, 1e-9)

	events := eng.DrainEvents()
	require.Len(t, events, 1)
	require.Equal(t, model.EventFill, events[0].Kind)
}

func TestPositionCapRejectionWithRemediation(t *testing.T) {
	data := map[string][]model.Bar{
		"AAPL": bars(
			[]float64{100, 103.5, 107},
			[]float64{105, 108, 110},
			[]float64{99, 102, 106},
			[]float64{103, 107, 109},
		),
	}
	risk := model.DefaultRiskConfig()
	risk.MaxPositionPct = 0.2
	commission := model.CommissionConfig{Rate: 0}
	slippage := noSlippageCaps()

	eng, err := New([]string{"AAPL"}, data, 100_000, risk, commission, slippage)
	require.NoError(t, err)

	_, err = eng.Advance() // bar 0, close=103
	require.NoError(t, err)
	result := eng.SubmitOrder("AAPL", model.SideBuy, 1000, model.OrderMarket, nil, nil, nil)
	require.Equal(t, "rejected", result["status"])
	require.Equal(t, "仓位超限", result["reason"])
	require.Equal(t, 194, result["max_allowed_qty"])

	require.Empty(t, eng.PendingOrders())
	require.Equal(t, 100_000.0, eng.AccountSnapshot().Cash)
}

func TestBracketOCOCancelAfterTakeProfit(t *testing.T) {
	data := map[string][]model.Bar{
		"AAPL": bars(
			[]float64{100, 105},
			[]float64{105, 112},
			[]float64{99, 104},
			[]float64{103, 110},
		),
	}
	risk := model.DefaultRiskConfig()
	commission := model.CommissionConfig{Rate: 0}
	slippage := noSlippageCaps()

	eng, err := New([]string{"AAPL"}, data, 100_000, risk, commission, slippage)
	require.NoError(t, err)

	_, err = eng.Advance() // bar 0
	require.NoError(t, err)
	result := eng.SubmitBracket("AAPL", model.SideBuy, 100, 100, 110)
	require.Equal(t, "submitted", result["status"])

	_, err = eng.Advance() // bar 1: open=105 high=112 low=104
	require.NoError(t, err)
	eng.MatchOrders()

	require.Empty(t, eng.PendingOrders())
	trades := eng.TradeLog()
	require.Len(t, trades, 1)
	require.InDelta(t, 500.0, trades[0].PnL, 1e-9)

	events := eng.DrainEvents()
	var fillCount int
	for _, ev := range events {
		if ev.Kind == model.EventFill {
			fillCount++
		}
	}
	require.Equal(t, 2, fillCount) // parent + take-profit child only, no stop fill
}

func TestSubmitCloseRejectsWithNoPosition(t *testing.T) {
	data := map[string][]model.Bar{
		"AAPL": bars([]float64{100}, []float64{101}, []float64{99}, []float64{100}),
	}
	eng, err := New([]string{"AAPL"}, data, 100_000, model.DefaultRiskConfig(), model.CommissionConfig{}, noSlippageCaps())
	require.NoError(t, err)
	_, err = eng.Advance()
	require.NoError(t, err)

	result := eng.SubmitClose("AAPL")
	require.Equal(t, "rejected", result["status"])
	require.Equal(t, "无持仓可平", result["reason"])
}

func TestCancelOrderOnlyScansPending(t *testing.T) {
	data := map[string][]model.Bar{
		"AAPL": bars([]float64{100, 101}, []float64{101, 102}, []float64{99, 100}, []float64{100, 101}),
	}
	eng, err := New([]string{"AAPL"}, data, 100_000, model.DefaultRiskConfig(), model.CommissionConfig{}, noSlippageCaps())
	require.NoError(t, err)
	_, err = eng.Advance()
	require.NoError(t, err)

	limit := 90.0
	result := eng.SubmitOrder("AAPL", model.SideBuy, 10, model.OrderLimit, &limit, nil, nil)
	orderID := result["order_id"].(string)

	status, err := eng.CancelOrder(orderID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", status)
	require.Empty(t, eng.PendingOrders())

	_, err = eng.CancelOrder(orderID)
	require.Error(t, err)
}
