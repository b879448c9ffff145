package toolkit

// Schema is a JSON-Schema-like parameter descriptor for one tool, the shape
// an LLM transport's `tools` field expects. Names, enums and required
// fields here are part of the contract and must match Execute's dispatch
// table bit-for-bit — Schemas() and the switch in Execute are verified
// against each other in toolkit_test.go.
type Schema struct {
	Name        string
	Description string
	Parameters  []Param
}

// Param is one parameter of a Schema.
type Param struct {
	Name     string
	Type     string // "string", "number", "integer", "boolean"
	Enum     []string
	Required bool
}

// Schemas returns the fixed tool surface exposed to the agent. The list is
// declared here once; Execute never discovers tools dynamically.
func Schemas() []Schema {
	return []Schema{
		{
			Name:        "market_observe",
			Description: "Get the current OHLCV snapshot for a symbol.",
			Parameters: []Param{
				{Name: "symbol", Type: "string"},
			},
		},
		{
			Name:        "market_history",
			Description: "Get the last N OHLCV bars for a symbol.",
			Parameters: []Param{
				{Name: "bars", Type: "integer", Required: true},
				{Name: "symbol", Type: "string"},
			},
		},
		{
			Name:        "indicator_calc",
			Description: "Compute a technical indicator over the bar-bounded OHLCV history.",
			Parameters: []Param{
				{Name: "name", Type: "string", Required: true, Enum: []string{"rsi", "sma", "ema", "atr", "macd", "bbands"}},
				{Name: "period", Type: "integer"},
				{Name: "symbol", Type: "string"},
			},
		},
		{
			Name:        "account_status",
			Description: "Get current cash, equity and open positions.",
			Parameters:  nil,
		},
		{
			Name:        "trade_execute",
			Description: "Submit a trade decision: buy, sell, close, or hold.",
			Parameters: []Param{
				{Name: "action", Type: "string", Required: true, Enum: []string{"buy", "sell", "close", "hold"}},
				{Name: "symbol", Type: "string"},
				{Name: "quantity", Type: "integer"},
				{Name: "order_type", Type: "string", Enum: []string{"market", "limit", "stop"}},
				{Name: "price", Type: "number"},
				{Name: "valid_bars", Type: "integer"},
				{Name: "stop_loss", Type: "number"},
				{Name: "take_profit", Type: "number"},
			},
		},
		{
			Name:        "order_query",
			Description: "List pending orders.",
			Parameters:  nil,
		},
		{
			Name:        "order_cancel",
			Description: "Cancel a pending order by id.",
			Parameters: []Param{
				{Name: "order_id", Type: "string", Required: true},
			},
		},
		{
			Name:        "memory_log",
			Description: "Append a line to today's journal.",
			Parameters: []Param{
				{Name: "content", Type: "string", Required: true},
			},
		},
		{
			Name:        "memory_note",
			Description: "Overwrite a named note (e.g. position_<symbol>).",
			Parameters: []Param{
				{Name: "key", Type: "string", Required: true},
				{Name: "content", Type: "string", Required: true},
			},
		},
		{
			Name:        "memory_recall",
			Description: "Keyword search across journal, notes and the playbook.",
			Parameters: []Param{
				{Name: "query", Type: "string", Required: true},
			},
		},
		{
			Name:        "compute",
			Description: "Run a restricted analytic expression against the current OHLCV view.",
			Parameters: []Param{
				{Name: "code", Type: "string", Required: true},
				{Name: "symbol", Type: "string"},
			},
		},
	}
}
