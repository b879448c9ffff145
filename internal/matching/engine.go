// Package matching is the single mutable authority over account state,
// pending/dormant orders and the bar timeline. Nothing outside this package
// may mutate a position or the order queues directly; everyone goes through
// Submit*/Cancel/Match.
package matching

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/chidi150c/btagent/internal/model"
	"github.com/chidi150c/btagent/internal/telemetry"
)

// bracketState is the OCO state machine a bracket group moves through:
// pendingParent (parent resting, children dormant) -> active (parent filled,
// both children resting) -> terminal (one child filled, sibling dropped).
type bracketState int

const (
	bracketPendingParent bracketState = iota
	bracketActive
	bracketTerminal
)

type bracketGroup struct {
	parentID     string
	symbol       string
	stopChildID  string
	limitChildID string
	state        bracketState
}

func (g *bracketGroup) sibling(childID string) string {
	if childID == g.stopChildID {
		return g.limitChildID
	}
	return g.stopChildID
}

// Engine is the matching engine (C5): OHLCV history, account, order queues,
// events, equity curve and the bracket/OCO state machine.
type Engine struct {
	symbols []string
	primary string
	bars    map[string][]model.Bar
	numBars int

	barIndex int // -1 before the first Advance

	cash      float64
	positions map[string]*model.Position

	pending []model.Order
	dormant map[string]model.Order // bracket child order id -> order, held until its parent fills

	brackets     map[string]*bracketGroup // parent order id -> group
	childToGroup map[string]*bracketGroup // child order id -> group

	events        []model.EngineEvent
	rejected      []model.RejectedOrder
	tradeLog      []model.TradeLogEntry
	equityCurve   []float64
	peakEquity    float64
	dayStartEq    float64
	currentDay    string

	risk       model.RiskConfig
	commission model.CommissionConfig
	slippage   model.SlippageConfig
}

// New builds an Engine. bars maps symbol -> full OHLCV history; all symbols
// must share the same bar count (aligned multi-asset timeline). The first
// entry in symbols becomes the primary symbol used whenever a caller omits
// one.
func New(symbols []string, bars map[string][]model.Bar, initialCash float64, risk model.RiskConfig, commission model.CommissionConfig, slippage model.SlippageConfig) (*Engine, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("matching: no symbols")
	}
	n := len(bars[symbols[0]])
	for _, s := range symbols {
		rows, ok := bars[s]
		if !ok {
			return nil, fmt.Errorf("matching: missing OHLCV for symbol %s", s)
		}
		if len(rows) != n {
			return nil, fmt.Errorf("matching: symbol %s has %d bars, want %d", s, len(rows), n)
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("matching: empty OHLCV history")
	}
	return &Engine{
		symbols:      symbols,
		primary:      symbols[0],
		bars:         bars,
		numBars:      n,
		barIndex:     -1,
		cash:         initialCash,
		positions:    make(map[string]*model.Position),
		dormant:      make(map[string]model.Order),
		brackets:     make(map[string]*bracketGroup),
		childToGroup: make(map[string]*bracketGroup),
		peakEquity:   initialCash,
		dayStartEq:   initialCash,
		risk:         risk,
		commission:   commission,
		slippage:     slippage,
	}, nil
}

func (e *Engine) resolveSymbol(symbol string) string {
	if symbol == "" {
		return e.primary
	}
	return symbol
}

// HasNext reports whether another bar is available.
func (e *Engine) HasNext() bool {
	return e.barIndex+1 < e.numBars
}

// Advance moves to the next bar, refreshes equity bookkeeping and returns the
// primary symbol's bar for that index.
func (e *Engine) Advance() (model.Bar, error) {
	if !e.HasNext() {
		return model.Bar{}, fmt.Errorf("matching: no more bars")
	}
	e.barIndex++
	bar := e.bars[e.primary][e.barIndex]

	equity := e.equityAt(e.barIndex)
	e.equityCurve = append(e.equityCurve, equity)
	if equity > e.peakEquity {
		e.peakEquity = equity
	}
	day := bar.Time.Format("2006-01-02")
	if e.currentDay == "" {
		e.currentDay = day
		e.dayStartEq = equity
	} else if day != e.currentDay {
		e.currentDay = day
		e.dayStartEq = equity
	}
	return bar, nil
}

// equityAt computes cash + sum(size * close) across positions at barIndex.
func (e *Engine) equityAt(barIndex int) float64 {
	equity := e.cash
	for sym, pos := range e.positions {
		rows := e.bars[sym]
		if barIndex >= len(rows) {
			continue
		}
		equity += float64(pos.Size) * rows[barIndex].Close
	}
	return equity
}

// BarIndex returns the current bar index (-1 before the first Advance).
func (e *Engine) BarIndex() int { return e.barIndex }

// MarketSnapshot returns a read-only view of symbol (primary when empty) at
// the current bar.
func (e *Engine) MarketSnapshot(symbol string) (model.MarketSnapshot, error) {
	symbol = e.resolveSymbol(symbol)
	rows, ok := e.bars[symbol]
	if !ok || e.barIndex < 0 || e.barIndex >= len(rows) {
		return model.MarketSnapshot{}, fmt.Errorf("matching: no snapshot for %s at bar %d", symbol, e.barIndex)
	}
	b := rows[e.barIndex]
	return model.MarketSnapshot{
		Time: b.Time, Symbol: symbol, BarIndex: e.barIndex,
		Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
	}, nil
}

// AccountSnapshot returns cash, equity and the open position map.
func (e *Engine) AccountSnapshot() model.AccountSnapshot {
	positions := make(map[string]model.Position, len(e.positions))
	for sym, pos := range e.positions {
		positions[sym] = *pos
	}
	return model.AccountSnapshot{
		Cash:      e.cash,
		Equity:    e.equityAt(e.barIndex),
		Positions: positions,
	}
}

// RecentBars returns the last n bars up to and including the current one for
// symbol (primary when empty); fewer if there isn't enough history yet.
func (e *Engine) RecentBars(n int, symbol string) []model.Bar {
	symbol = e.resolveSymbol(symbol)
	rows := e.bars[symbol]
	if e.barIndex < 0 {
		return nil
	}
	end := e.barIndex + 1
	if end > len(rows) {
		end = len(rows)
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]model.Bar, end-start)
	copy(out, rows[start:end])
	return out
}

// MarketHistory returns the same bars as RecentBars for agent tool
// responses; Bar.Time stays a time.Time and callers format it themselves.
func (e *Engine) MarketHistory(n int, symbol string) []model.Bar {
	return e.RecentBars(n, symbol)
}

// FullHistory returns every bar up to and including the current one for
// symbol (primary when empty) — the bar-index-bounded OHLCV view the
// indicator library and sandbox compute both require so neither can ever
// see a future bar.
func (e *Engine) FullHistory(symbol string) []model.Bar {
	symbol = e.resolveSymbol(symbol)
	rows := e.bars[symbol]
	if e.barIndex < 0 {
		return nil
	}
	end := e.barIndex + 1
	if end > len(rows) {
		end = len(rows)
	}
	out := make([]model.Bar, end)
	copy(out, rows[:end])
	return out
}

// PendingOrders returns the pending queue, oldest submission first.
func (e *Engine) PendingOrders() []model.Order {
	out := make([]model.Order, len(e.pending))
	copy(out, e.pending)
	return out
}

func newOrderID() string {
	return uuid.New().String()[:8]
}

// SubmitOrder validates and enqueues a plain order. It always returns a
// JSON-serialisable result map; rejections are never errors.
func (e *Engine) SubmitOrder(symbol string, side model.Side, qty int, typ model.OrderType, limit, stop *float64, validBars *int) map[string]any {
	symbol = e.resolveSymbol(symbol)
	order := model.Order{
		OrderID:    newOrderID(),
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Type:       typ,
		LimitPrice: limit,
		StopPrice:  stop,
		SubmitBar:  e.barIndex,
		ValidBars:  validBars,
	}
	if rejected, reason, maxQty := e.riskCheck(symbol, side, qty); rejected {
		e.rejected = append(e.rejected, model.RejectedOrder{Order: order, Reason: reason})
		result := map[string]any{"status": "rejected", "reason": reason}
		if maxQty >= 0 {
			result["max_allowed_qty"] = maxQty
		}
		telemetry.IncOrder("rejected")
		return result
	}
	e.pending = append(e.pending, order)
	telemetry.IncOrder("submitted")
	return map[string]any{"status": "submitted", "order_id": order.OrderID}
}

// SubmitBracket risk-checks the parent; on acceptance the parent goes
// pending and its stop/take-profit children go dormant until the parent
// fills.
func (e *Engine) SubmitBracket(symbol string, side model.Side, qty int, stopLoss, takeProfit float64) map[string]any {
	symbol = e.resolveSymbol(symbol)
	parentID := newOrderID()
	parent := model.Order{
		OrderID: parentID, Symbol: symbol, Side: side, Quantity: qty,
		Type: model.OrderMarket, SubmitBar: e.barIndex,
	}
	if rejected, reason, maxQty := e.riskCheck(symbol, side, qty); rejected {
		e.rejected = append(e.rejected, model.RejectedOrder{Order: parent, Reason: reason})
		result := map[string]any{"status": "rejected", "reason": reason}
		if maxQty >= 0 {
			result["max_allowed_qty"] = maxQty
		}
		telemetry.IncOrder("rejected")
		return result
	}

	childSide := side.Opposite()
	stopPrice := stopLoss
	limitPrice := takeProfit
	stopChildID := newOrderID()
	limitChildID := newOrderID()
	stopChild := model.Order{
		OrderID: stopChildID, Symbol: symbol, Side: childSide, Quantity: qty,
		Type: model.OrderStop, StopPrice: &stopPrice, SubmitBar: e.barIndex,
	}
	limitChild := model.Order{
		OrderID: limitChildID, Symbol: symbol, Side: childSide, Quantity: qty,
		Type: model.OrderLimit, LimitPrice: &limitPrice, SubmitBar: e.barIndex,
	}

	group := &bracketGroup{
		parentID: parentID, symbol: symbol,
		stopChildID: stopChildID, limitChildID: limitChildID,
		state: bracketPendingParent,
	}
	e.brackets[parentID] = group
	e.dormant[stopChildID] = stopChild
	e.dormant[limitChildID] = limitChild

	e.pending = append(e.pending, parent)
	telemetry.IncOrder("submitted")
	return map[string]any{"status": "submitted", "order_id": parentID}
}

// SubmitClose submits an opposite-side market order for symbol's full
// position size, or rejects if there is nothing to close.
func (e *Engine) SubmitClose(symbol string) map[string]any {
	symbol = e.resolveSymbol(symbol)
	pos, ok := e.positions[symbol]
	if !ok || pos.Size == 0 {
		telemetry.IncOrder("rejected")
		return map[string]any{"status": "rejected", "reason": "无持仓可平"}
	}
	side := model.SideSell
	if pos.Size < 0 {
		side = model.SideBuy
	}
	qty := int(math.Abs(float64(pos.Size)))
	order := model.Order{
		OrderID: newOrderID(), Symbol: symbol, Side: side, Quantity: qty,
		Type: model.OrderMarket, SubmitBar: e.barIndex,
	}
	e.pending = append(e.pending, order)
	telemetry.IncOrder("submitted")
	return map[string]any{"status": "submitted", "order_id": order.OrderID}
}

// CancelOrder removes an order from the pending queue. Dormant bracket
// children are intentionally out of scope: cancelling an unfilled parent
// leaves them dormant until run end.
func (e *Engine) CancelOrder(orderID string) (string, error) {
	for i, o := range e.pending {
		if o.OrderID == orderID {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			e.events = append(e.events, model.EngineEvent{
				Kind: model.EventCancelled, BarIndex: e.barIndex, Time: e.currentTime(),
				OrderID: orderID, Symbol: o.Symbol, Detail: map[string]any{},
			})
			return "cancelled", nil
		}
	}
	return "", fmt.Errorf("matching: order %s not found in pending queue", orderID)
}

// currentTime returns the primary symbol's bar timestamp at the current
// index, or the zero time before the first Advance.
func (e *Engine) currentTime() time.Time {
	rows := e.bars[e.primary]
	if e.barIndex < 0 || e.barIndex >= len(rows) {
		return time.Time{}
	}
	return rows[e.barIndex].Time
}

// DrainEvents returns and clears the accumulated event queue.
func (e *Engine) DrainEvents() []model.EngineEvent {
	out := e.events
	e.events = nil
	return out
}

// riskCheck runs the four ordered buy-side gates: position-size cap,
// open-position count, portfolio drawdown, daily loss. Sells and closes
// always pass (maxQty is -1 to signal "not applicable").
func (e *Engine) riskCheck(symbol string, side model.Side, qty int) (rejected bool, reason string, maxQty int) {
	if side != model.SideBuy {
		return false, "", -1
	}
	equity := e.equityAt(e.barIndex)
	rows := e.bars[symbol]
	if e.barIndex < 0 || e.barIndex >= len(rows) {
		return false, "", -1
	}
	close := rows[e.barIndex].Close

	var currentValue float64
	pos, held := e.positions[symbol]
	if held {
		currentValue = math.Abs(float64(pos.Size)) * close
	}
	if equity > 0 && (currentValue+close*float64(qty))/equity > e.risk.MaxPositionPct {
		allowed := int(math.Floor((equity*e.risk.MaxPositionPct - currentValue) / close))
		if allowed < 0 {
			allowed = 0
		}
		return true, "仓位超限", allowed
	}
	if !held && len(e.positions) >= e.risk.MaxOpenPositions {
		return true, "持仓数量超限", -1
	}
	if e.peakEquity > 0 && (e.peakEquity-equity)/e.peakEquity > e.risk.MaxPortfolioDrawdown {
		return true, "组合回撤超限", -1
	}
	if e.dayStartEq > 0 && (e.dayStartEq-equity)/e.dayStartEq > e.risk.MaxDailyLossPct {
		return true, "单日亏损超限", -1
	}
	return false, "", -1
}

// MatchOrders runs one matching round against the engine's current bar.
// Children activated by a parent fill are evaluated within the same call,
// against the same bar.
func (e *Engine) MatchOrders() {
	queue := make([]model.Order, len(e.pending))
	copy(queue, e.pending)
	e.pending = nil

	var nextPending []model.Order
	roundCancelled := make(map[string]bool)

	for len(queue) > 0 {
		o := queue[0]
		queue = queue[1:]

		if roundCancelled[o.OrderID] {
			continue
		}
		rows, ok := e.bars[o.Symbol]
		if !ok || e.barIndex >= len(rows) {
			nextPending = append(nextPending, o)
			continue
		}
		bar := rows[e.barIndex]

		if o.ValidBars != nil && e.barIndex-o.SubmitBar > *o.ValidBars {
			e.events = append(e.events, model.EngineEvent{
				Kind: model.EventExpired, BarIndex: e.barIndex, Time: bar.Time,
				OrderID: o.OrderID, Symbol: o.Symbol, Detail: map[string]any{},
			})
			continue
		}

		price, fires := e.evaluateFill(o, bar)
		if !fires {
			nextPending = append(nextPending, o)
			continue
		}

		filledQty := o.Quantity
		if e.slippage.MaxVolumePct > 0 {
			maxQty := int(math.Floor(bar.Volume * e.slippage.MaxVolumePct))
			if maxQty > 0 && maxQty < filledQty {
				filledQty = maxQty
			}
		}

		commission := round4(price * float64(filledQty) * e.commission.Rate)
		e.applyFill(o.Symbol, o.Side, filledQty, price, commission, bar)

		e.events = append(e.events, model.EngineEvent{
			Kind: model.EventFill, BarIndex: e.barIndex, Time: bar.Time,
			OrderID: o.OrderID, Symbol: o.Symbol,
			Detail: map[string]any{"price": price, "quantity": filledQty, "side": string(o.Side)},
		})

		if group, isParent := e.brackets[o.OrderID]; isParent && group.state == bracketPendingParent {
			group.state = bracketActive
			if stopChild, ok := e.dormant[group.stopChildID]; ok {
				delete(e.dormant, group.stopChildID)
				queue = append(queue, stopChild)
				e.childToGroup[group.stopChildID] = group
			}
			if limitChild, ok := e.dormant[group.limitChildID]; ok {
				delete(e.dormant, group.limitChildID)
				queue = append(queue, limitChild)
				e.childToGroup[group.limitChildID] = group
			}
		}
		if group, isChild := e.childToGroup[o.OrderID]; isChild {
			group.state = bracketTerminal
			sibling := group.sibling(o.OrderID)
			roundCancelled[sibling] = true
			delete(e.childToGroup, group.stopChildID)
			delete(e.childToGroup, group.limitChildID)
		}

		remaining := o.Quantity - filledQty
		if remaining > 0 {
			residual := o
			residual.Quantity = remaining
			nextPending = append(nextPending, residual)
		}
	}

	filtered := nextPending[:0]
	for _, o := range nextPending {
		if !roundCancelled[o.OrderID] {
			filtered = append(filtered, o)
		}
	}
	e.pending = filtered
}

func (e *Engine) evaluateFill(o model.Order, bar model.Bar) (price float64, fires bool) {
	switch o.Type {
	case model.OrderMarket:
		var slip float64
		switch e.slippage.Mode {
		case model.SlippagePct:
			slip = bar.Open * e.slippage.Pct
		default:
			slip = e.slippage.Value
		}
		if o.Side == model.SideBuy {
			return bar.Open + slip, true
		}
		return bar.Open - slip, true
	case model.OrderLimit:
		if o.LimitPrice == nil {
			return 0, false
		}
		lp := *o.LimitPrice
		if o.Side == model.SideBuy && bar.Low <= lp {
			return lp, true
		}
		if o.Side == model.SideSell && bar.High >= lp {
			return lp, true
		}
		return 0, false
	case model.OrderStop:
		if o.StopPrice == nil {
			return 0, false
		}
		sp := *o.StopPrice
		if o.Side == model.SideSell && bar.Low <= sp {
			return sp, true
		}
		if o.Side == model.SideBuy && bar.High >= sp {
			return sp, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// applyFill applies one fill to cash, the position map and the trade log.
func (e *Engine) applyFill(symbol string, side model.Side, filledQty int, price, commission float64, bar model.Bar) {
	delta := filledQty
	if side == model.SideSell {
		delta = -filledQty
	}
	pos, exists := e.positions[symbol]
	if !exists {
		pos = &model.Position{Symbol: symbol}
		e.positions[symbol] = pos
	}
	newSize := pos.Size + delta

	sameDirection := pos.Size == 0 || sign(pos.Size) == sign(delta)
	if sameDirection {
		absOld := math.Abs(float64(pos.Size))
		absNew := math.Abs(float64(newSize))
		if absNew > 0 {
			pos.AvgPrice = (absOld*pos.AvgPrice + float64(filledQty)*price) / absNew
		}
		pos.Size = newSize
		if side == model.SideBuy {
			e.cash -= price*float64(filledQty) + commission
		} else {
			e.cash += price*float64(filledQty) - commission
		}
		return
	}

	qtyClose := filledQty
	if abs := int(math.Abs(float64(pos.Size))); qtyClose > abs {
		qtyClose = abs
	}
	qtyOpen := filledQty - qtyClose

	var realized float64
	if pos.Size > 0 {
		realized = (price-pos.AvgPrice)*float64(qtyClose) - commission
		e.cash += price*float64(qtyClose) - commission
	} else {
		realized = (pos.AvgPrice-price)*float64(qtyClose) - commission
		e.cash -= price*float64(qtyClose) + commission
	}
	pos.RealizedPnL += realized
	e.tradeLog = append(e.tradeLog, model.TradeLogEntry{
		Symbol: symbol, Quantity: qtyClose, BuyPrice: pos.AvgPrice, SellPrice: price,
		PnL: realized, Commission: commission, Time: bar.Time, BarIndex: e.barIndex,
	})

	if qtyOpen > 0 {
		pos.Size = sign(delta) * qtyOpen
		pos.AvgPrice = price
		if side == model.SideBuy {
			e.cash -= price * float64(qtyOpen)
		} else {
			e.cash += price * float64(qtyOpen)
		}
	} else {
		pos.Size = newSize
	}

	if pos.Size == 0 {
		delete(e.positions, symbol)
	}
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// RejectedOrders returns the append-only rejection log.
func (e *Engine) RejectedOrders() []model.RejectedOrder {
	out := make([]model.RejectedOrder, len(e.rejected))
	copy(out, e.rejected)
	return out
}

// TradeLog returns the append-only closed-trade log.
func (e *Engine) TradeLog() []model.TradeLogEntry {
	out := make([]model.TradeLogEntry, len(e.tradeLog))
	copy(out, e.tradeLog)
	return out
}

// EquityCurve returns the equity value recorded after each Advance.
func (e *Engine) EquityCurve() []float64 {
	out := make([]float64, len(e.equityCurve))
	copy(out, e.equityCurve)
	return out
}

// PeakEquity returns the running all-time-high equity value.
func (e *Engine) PeakEquity() float64 { return e.peakEquity }

// DayStartEquity returns the equity value recorded at the start of the
// current simulated calendar day.
func (e *Engine) DayStartEquity() float64 { return e.dayStartEq }

// Symbols returns the symbols this engine was constructed with, primary first.
func (e *Engine) Symbols() []string {
	out := make([]string, len(e.symbols))
	copy(out, e.symbols)
	return out
}

// PrimarySymbol returns the default symbol used when a caller omits one.
func (e *Engine) PrimarySymbol() string { return e.primary }

// RiskMaxPositionPct exposes the configured position-size cap for the
// context assembler's risk summary.
func (e *Engine) RiskMaxPositionPct() float64 { return e.risk.MaxPositionPct }

// RiskMaxOpenPositions exposes the configured concurrent-position cap for
// the context assembler's risk summary.
func (e *Engine) RiskMaxOpenPositions() int { return e.risk.MaxOpenPositions }
