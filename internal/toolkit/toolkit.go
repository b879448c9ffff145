// Package toolkit is the fixed tool surface (C6) the agent loop invokes:
// one Toolkit instance per decision, built fresh by the runner, owning its
// own call log, indicator-query cache and trade-action list. Every
// dispatch in Execute is wrapped so a tool failure becomes a structured
// error map rather than a propagated error.
package toolkit

import (
	"fmt"
	"math"
	"time"

	"github.com/chidi150c/btagent/internal/indicator"
	"github.com/chidi150c/btagent/internal/matching"
	"github.com/chidi150c/btagent/internal/memory"
	"github.com/chidi150c/btagent/internal/model"
	"github.com/chidi150c/btagent/internal/sandbox"
	"github.com/chidi150c/btagent/internal/telemetry"
)

// toolRemediation gives a handful of tools a specific canned hint;
// everything else falls back to a generic one.
var toolRemediation = map[string]string{
	"indicator_calc": "检查 name 是否为 rsi/sma/ema/atr/macd/bbands 之一，period 是否为正整数，symbol 是否有历史数据。",
	"trade_execute":  "检查 quantity 是否为正整数、symbol 是否有效，以及 order_type 是否为 market/limit/stop 之一。",
	"order_cancel":   "检查 order_id 是否仍在挂单队列中；已成交、已过期或已取消的订单无法再次取消。",
}

const genericRemediation = "检查参数是否符合工具的输入约定后重试。"

// TradeAction is one non-hold trade_execute invocation, recorded for the
// Decision this Toolkit ultimately contributes to.
type TradeAction struct {
	Action   model.Action
	Symbol   string
	Quantity int
	Result   map[string]any
}

// Toolkit is stateless-per-decision: construct a fresh one before every
// agent.Decide call.
type Toolkit struct {
	Engine         *matching.Engine
	Memory         *memory.Memory
	SandboxTimeout time.Duration

	callLog          []model.ToolCall
	indicatorQueries map[string]any
	tradeActions     []TradeAction
}

// New builds a Toolkit bound to engine/mem for exactly one decision.
func New(engine *matching.Engine, mem *memory.Memory, sandboxTimeout time.Duration) *Toolkit {
	return &Toolkit{
		Engine:           engine,
		Memory:           mem,
		SandboxTimeout:   sandboxTimeout,
		indicatorQueries: make(map[string]any),
	}
}

// CallLog returns the ordered tool calls made this decision.
func (t *Toolkit) CallLog() []model.ToolCall { return t.callLog }

// IndicatorQueries returns the last result per indicator name queried.
func (t *Toolkit) IndicatorQueries() map[string]any { return t.indicatorQueries }

// TradeActions returns every non-hold trade_execute call made this decision.
func (t *Toolkit) TradeActions() []TradeAction { return t.tradeActions }

// Execute dispatches one tool call by name. It never panics or returns a Go
// error: any failure becomes {"error", "tool", "remediation"} in the output
// map, and the call is still appended to the call log either way.
func (t *Toolkit) Execute(name string, args map[string]any) map[string]any {
	telemetry.IncToolCall(name)
	output := t.dispatch(name, args)
	t.callLog = append(t.callLog, model.ToolCall{Tool: name, Input: args, Output: output})
	return output
}

func (t *Toolkit) dispatch(name string, args map[string]any) (result map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			result = t.errorResult(name, fmt.Sprintf("PanicError: %v", r))
		}
	}()
	switch name {
	case "market_observe":
		return t.marketObserve(args)
	case "market_history":
		return t.marketHistory(args)
	case "indicator_calc":
		return t.indicatorCalc(args)
	case "account_status":
		return t.accountStatus()
	case "trade_execute":
		return t.tradeExecute(args)
	case "order_query":
		return t.orderQuery()
	case "order_cancel":
		return t.orderCancel(args)
	case "memory_log":
		return t.memoryLog(args)
	case "memory_note":
		return t.memoryNote(args)
	case "memory_recall":
		return t.memoryRecall(args)
	case "compute":
		return t.compute(args)
	default:
		return t.errorResult(name, fmt.Sprintf("UnknownToolError: no such tool '%s'", name))
	}
}

func (t *Toolkit) errorResult(tool, msg string) map[string]any {
	remediation, ok := toolRemediation[tool]
	if !ok {
		remediation = genericRemediation
	}
	return map[string]any{"error": msg, "tool": tool, "remediation": remediation}
}

func getString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getFloat(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}

func getInt(args map[string]any, key string, def int) int {
	f, ok := getFloat(args, key)
	if !ok {
		return def
	}
	return int(f)
}

func barToMap(b model.Bar, symbol string) map[string]any {
	return map[string]any{
		"time":   b.Time.Format(time.RFC3339),
		"symbol": symbol,
		"open":   b.Open,
		"high":   b.High,
		"low":    b.Low,
		"close":  b.Close,
		"volume": b.Volume,
	}
}

func (t *Toolkit) marketObserve(args map[string]any) map[string]any {
	symbol, _ := getString(args, "symbol")
	snap, err := t.Engine.MarketSnapshot(symbol)
	if err != nil {
		return t.errorResult("market_observe", err.Error())
	}
	return map[string]any{
		"time": snap.Time.Format(time.RFC3339), "symbol": snap.Symbol, "bar_index": snap.BarIndex,
		"open": snap.Open, "high": snap.High, "low": snap.Low, "close": snap.Close, "volume": snap.Volume,
	}
}

func (t *Toolkit) marketHistory(args map[string]any) map[string]any {
	symbol, _ := getString(args, "symbol")
	n := getInt(args, "bars", 20)
	bars := t.Engine.MarketHistory(n, symbol)
	rows := make([]map[string]any, len(bars))
	for i, b := range bars {
		rows[i] = barToMap(b, symbol)
	}
	return map[string]any{"bars": rows}
}

func toIndicatorBars(bars []model.Bar) []indicator.Bar {
	out := make([]indicator.Bar, len(bars))
	for i, b := range bars {
		out[i] = indicator.Bar{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}
	return out
}

// indicatorCalc resolves symbol from the explicit argument when present,
// falling back to the engine's primary symbol otherwise.
func (t *Toolkit) indicatorCalc(args map[string]any) map[string]any {
	name, _ := getString(args, "name")
	period := getInt(args, "period", 14)
	symbol, hasSymbol := getString(args, "symbol")
	if !hasSymbol {
		symbol = t.Engine.PrimarySymbol()
	}
	bars := toIndicatorBars(t.Engine.FullHistory(symbol))

	var value any
	switch name {
	case "rsi":
		series := indicator.RSI(bars, period)
		value = lastOrNil(series)
	case "sma":
		series := indicator.SMA(bars, period)
		value = lastOrNil(series)
	case "ema":
		series := indicator.EMA(bars, period)
		value = lastOrNil(series)
	case "atr":
		series := indicator.ATR(bars, period)
		value = lastOrNil(series)
	case "macd":
		m := indicator.MACD(bars, 12, 26, 9)
		if m == nil {
			value = nil
		} else {
			value = map[string]any{"macd": m.MACD, "signal": m.Signal, "histogram": m.Histogram}
		}
	case "bbands":
		b := indicator.BBANDS(bars, period, 2.0)
		if b == nil {
			value = nil
		} else {
			value = map[string]any{"upper": b.Upper, "mid": b.Mid, "lower": b.Lower}
		}
	default:
		return t.errorResult("indicator_calc", fmt.Sprintf("ValueError: unknown indicator '%s'", name))
	}
	result := map[string]any{"name": name, "period": period, "symbol": symbol, "value": value}
	t.indicatorQueries[name] = value
	return result
}

func lastOrNil(series []float64) any {
	if len(series) == 0 {
		return nil
	}
	last := series[len(series)-1]
	if math.IsNaN(last) {
		return nil
	}
	return last
}

func (t *Toolkit) accountStatus() map[string]any {
	acct := t.Engine.AccountSnapshot()
	positions := make(map[string]any, len(acct.Positions))
	for sym, pos := range acct.Positions {
		positions[sym] = map[string]any{"symbol": sym, "size": pos.Size, "avg_price": pos.AvgPrice, "realized_pnl": pos.RealizedPnL}
	}
	return map[string]any{"cash": acct.Cash, "equity": acct.Equity, "positions": positions}
}

// tradeExecute dispatches on action. Presence of stop_loss/take_profit in
// args is checked explicitly, never by truthiness, so a stop_loss of
// exactly 0.0 still routes through submit_bracket.
func (t *Toolkit) tradeExecute(args map[string]any) map[string]any {
	actionStr, _ := getString(args, "action")
	action := model.Action(actionStr)
	if action == model.ActionHold {
		return map[string]any{"status": "hold"}
	}

	symbol, _ := getString(args, "symbol")
	qty := getInt(args, "quantity", 0)
	orderTypeStr, hasOrderType := getString(args, "order_type")
	orderType := model.OrderType(orderTypeStr)
	if !hasOrderType {
		orderType = model.OrderMarket
	}
	price, hasPrice := getFloat(args, "price")
	validBarsF, hasValidBars := getFloat(args, "valid_bars")

	var result map[string]any
	switch action {
	case model.ActionBuy, model.ActionSell:
		side := model.SideBuy
		if action == model.ActionSell {
			side = model.SideSell
		}
		_, hasStopLoss := args["stop_loss"]
		_, hasTakeProfit := args["take_profit"]
		if hasStopLoss || hasTakeProfit {
			stopLoss, _ := getFloat(args, "stop_loss")
			takeProfit, hasTP := getFloat(args, "take_profit")
			if !hasTP {
				takeProfit = math.Inf(1)
			}
			result = t.Engine.SubmitBracket(symbol, side, qty, stopLoss, takeProfit)
			if (hasOrderType && orderType != model.OrderMarket) || hasPrice {
				result["warning"] = "Bracket 模式：order_type/price 参数已忽略"
			}
		} else {
			var limitPrice, stopPrice *float64
			if hasPrice && orderType == model.OrderLimit {
				p := price
				limitPrice = &p
			}
			if hasPrice && orderType == model.OrderStop {
				p := price
				stopPrice = &p
			}
			var validBars *int
			if hasValidBars {
				v := int(validBarsF)
				validBars = &v
			}
			result = t.Engine.SubmitOrder(symbol, side, qty, orderType, limitPrice, stopPrice, validBars)
		}
	case model.ActionClose:
		result = t.Engine.SubmitClose(symbol)
	default:
		return t.errorResult("trade_execute", fmt.Sprintf("ValueError: unknown action '%s'", actionStr))
	}

	t.tradeActions = append(t.tradeActions, TradeAction{Action: action, Symbol: symbol, Quantity: qty, Result: result})
	return result
}

func (t *Toolkit) orderQuery() map[string]any {
	orders := t.Engine.PendingOrders()
	out := make([]map[string]any, len(orders))
	for i, o := range orders {
		out[i] = orderToMap(o)
	}
	return map[string]any{"orders": out}
}

func orderToMap(o model.Order) map[string]any {
	m := map[string]any{
		"order_id": o.OrderID, "symbol": o.Symbol, "side": string(o.Side),
		"quantity": o.Quantity, "type": string(o.Type), "submit_bar": o.SubmitBar,
	}
	if o.LimitPrice != nil {
		m["limit"] = *o.LimitPrice
	}
	if o.StopPrice != nil {
		m["stop"] = *o.StopPrice
	}
	if o.ValidBars != nil {
		m["valid_bars"] = *o.ValidBars
	}
	return m
}

func (t *Toolkit) orderCancel(args map[string]any) map[string]any {
	orderID, _ := getString(args, "order_id")
	status, err := t.Engine.CancelOrder(orderID)
	if err != nil {
		return t.errorResult("order_cancel", err.Error())
	}
	return map[string]any{"status": status, "order_id": orderID}
}

func (t *Toolkit) memoryLog(args map[string]any) map[string]any {
	content, _ := getString(args, "content")
	if err := t.Memory.Log(content, time.Time{}); err != nil {
		return t.errorResult("memory_log", err.Error())
	}
	return map[string]any{"status": "logged"}
}

func (t *Toolkit) memoryNote(args map[string]any) map[string]any {
	key, _ := getString(args, "key")
	content, _ := getString(args, "content")
	if err := t.Memory.Note(key, content); err != nil {
		return t.errorResult("memory_note", err.Error())
	}
	return map[string]any{"status": "saved", "key": key}
}

func (t *Toolkit) memoryRecall(args map[string]any) map[string]any {
	query, _ := getString(args, "query")
	hits := t.Memory.Recall(query)
	out := make([]map[string]any, len(hits))
	for i, h := range hits {
		out[i] = map[string]any{"source": h.Source, "content": h.Content}
	}
	return map[string]any{"results": out}
}

func (t *Toolkit) compute(args map[string]any) map[string]any {
	code, _ := getString(args, "code")
	symbol, hasSymbol := getString(args, "symbol")
	if !hasSymbol {
		symbol = t.Engine.PrimarySymbol()
	}
	frame := framesFromBars(t.Engine.FullHistory(symbol))
	extraDfs := make(map[string]sandbox.Frame)
	for _, sym := range t.Engine.Symbols() {
		extraDfs[sym] = framesFromBars(t.Engine.FullHistory(sym))
	}
	acct := t.Engine.AccountSnapshot()
	sbAccount := sandbox.Account{Cash: acct.Cash, Equity: acct.Equity, Positions: positionsToMap(acct.Positions)}

	res := sandbox.Run(code, frame, sbAccount, extraDfs, t.SandboxTimeout)
	out := map[string]any{
		"_meta": map[string]any{"df_rows": res.Meta.DFRows, "columns": res.Meta.Columns},
	}
	if res.Error != "" {
		if res.Error == sandbox.TimeoutError {
			telemetry.IncSandboxTimeout()
		}
		out["error"] = res.Error
		out["remediation"] = res.Remediation
		if res.Traceback != "" {
			out["traceback"] = res.Traceback
		}
		return out
	}
	out["result"] = res.Result
	if res.Stdout != "" {
		out["_stdout"] = res.Stdout
	}
	return out
}

func framesFromBars(bars []model.Bar) sandbox.Frame {
	f := sandbox.Frame{
		Dates:  make([]time.Time, len(bars)),
		Open:   make([]float64, len(bars)),
		High:   make([]float64, len(bars)),
		Low:    make([]float64, len(bars)),
		Close:  make([]float64, len(bars)),
		Volume: make([]float64, len(bars)),
	}
	for i, b := range bars {
		f.Dates[i] = b.Time
		f.Open[i] = b.Open
		f.High[i] = b.High
		f.Low[i] = b.Low
		f.Close[i] = b.Close
		f.Volume[i] = b.Volume
	}
	return f
}

func positionsToMap(positions map[string]model.Position) map[string]any {
	out := make(map[string]any, len(positions))
	for sym, pos := range positions {
		out[sym] = map[string]any{"size": float64(pos.Size), "avg_price": pos.AvgPrice, "realized_pnl": pos.RealizedPnL}
	}
	return out
}
