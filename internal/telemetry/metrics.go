// Package telemetry exposes the run's Prometheus metrics: package-level
// vars registered in init(), with small helper setters other packages call
// instead of touching the prometheus types directly.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backtest_equity_usd",
			Help: "Current equity in USD.",
		},
	)

	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_decisions_total",
			Help: "Decisions taken, by action.",
		},
		[]string{"action"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_orders_total",
			Help: "Orders submitted, by resulting status.",
		},
		[]string{"status"},
	)

	llmCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backtest_llm_calls_total",
			Help: "Agent decisions requested from the LLM, one per decision bar.",
		},
	)

	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_tool_calls_total",
			Help: "Tool invocations, by tool name.",
		},
		[]string{"tool"},
	)

	sandboxTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backtest_sandbox_timeouts_total",
			Help: "Count of compute tool calls that hit the sandbox wall-clock timeout.",
		},
	)
)

func init() {
	prometheus.MustRegister(equity, decisions, orders)
	prometheus.MustRegister(llmCalls, toolCalls, sandboxTimeouts)
}

// SetEquity records the latest equity snapshot.
func SetEquity(v float64) { equity.Set(v) }

// IncDecision records one decision for the given action.
func IncDecision(action string) { decisions.WithLabelValues(action).Inc() }

// IncOrder records one order submission result.
func IncOrder(status string) { orders.WithLabelValues(status).Inc() }

// IncLLMCall records one agent decision request (a decision may span
// several chat completion calls).
func IncLLMCall() { llmCalls.Inc() }

// IncToolCall records one tool invocation.
func IncToolCall(tool string) { toolCalls.WithLabelValues(tool).Inc() }

// IncSandboxTimeout records one compute-tool wall-clock timeout.
func IncSandboxTimeout() { sandboxTimeouts.Inc() }
