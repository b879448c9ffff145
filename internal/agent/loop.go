package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chidi150c/btagent/internal/model"
	"github.com/chidi150c/btagent/internal/toolkit"
	"github.com/chidi150c/btagent/internal/trace"
)

const defaultFrameworkPrompt = "你是一名交易决策代理。你会收到结构化的市场、账户与风险信息，" +
	"可以调用行情、指标、下单、撤单与记忆相关的工具来完成分析，最终必须通过 trade_execute 给出明确的操作。"

// sleepFunc is indirected so tests can avoid real backoff delays.
var sleepFunc = time.Sleep

// Agent runs the bounded reason-act loop (C8) over a Client.
type Agent struct {
	Client       Client
	Model        string
	MaxRounds    int
	SystemPrompt string // optional override, may contain {strategy}
	Trace        *trace.Writer
}

// New builds an Agent. maxRounds <= 0 defaults to 6.
func New(client Client, model string, maxRounds int, systemPrompt string, tw *trace.Writer) *Agent {
	if maxRounds <= 0 {
		maxRounds = 6
	}
	return &Agent{Client: client, Model: model, MaxRounds: maxRounds, SystemPrompt: systemPrompt, Trace: tw}
}

// buildSystemPrompt picks between a custom prompt with {strategy}
// substituted, a verbatim custom prompt, and the built-in framework prompt
// with the playbook appended.
func (a *Agent) buildSystemPrompt(playbook string) string {
	if a.SystemPrompt != "" {
		if strings.Contains(a.SystemPrompt, "{strategy}") {
			return strings.ReplaceAll(a.SystemPrompt, "{strategy}", playbook)
		}
		return a.SystemPrompt
	}
	return defaultFrameworkPrompt + "\n<strategy>" + playbook + "</strategy>"
}

func toolSchemas() []ToolSchema {
	schemas := toolkit.Schemas()
	out := make([]ToolSchema, len(schemas))
	for i, s := range schemas {
		properties := make(map[string]any, len(s.Parameters))
		var required []string
		for _, p := range s.Parameters {
			entry := map[string]any{"type": p.Type}
			if len(p.Enum) > 0 {
				entry["enum"] = p.Enum
			}
			properties[p.Name] = entry
			if p.Required {
				required = append(required, p.Name)
			}
		}
		params := map[string]any{"type": "object", "properties": properties}
		if len(required) > 0 {
			params["required"] = required
		}
		out[i] = ToolSchema{Name: s.Name, Description: s.Description, Parameters: params}
	}
	return out
}

// Decide runs the bounded tool-calling loop and returns the resulting
// Decision.
func (a *Agent) Decide(ctx model.Context, tk *toolkit.Toolkit) (model.Decision, error) {
	start := time.Now()
	system := a.buildSystemPrompt(ctx.Playbook)
	messages := []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: ctx.FormattedText},
	}
	var lastReasoning string
	var finalText string
	var totalTokens int
	exhausted := true

	for round := 1; round <= a.MaxRounds; round++ {
		callStart := time.Now()
		resp, err := a.callWithRetry(messages)
		if err != nil {
			break
		}
		totalTokens += resp.Usage.TotalTokens

		assistantMsg := Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		inputMessages := append([]Message(nil), messages...)
		messages = append(messages, assistantMsg)
		if strings.TrimSpace(resp.Content) != "" {
			lastReasoning = resp.Content
		}

		a.emitLLMCall(inputMessages, resp, time.Since(callStart))

		if resp.FinishReason == "stop" {
			finalText = resp.Content
			exhausted = false
			break
		}

		for _, call := range resp.ToolCalls {
			args := parseArguments(call.Arguments)
			callStart := time.Now()
			output := tk.Execute(call.Name, args)
			a.emitToolCall(call, args, output, time.Since(callStart))

			encoded, marshalErr := json.Marshal(output)
			if marshalErr != nil {
				encoded = []byte(`{"error":"EncodingError"}`)
			}
			messages = append(messages, Message{Role: "tool", Content: string(encoded), ToolCallID: call.ID})
		}
	}

	if exhausted {
		marker := lastReasoning
		if marker == "" {
			marker = "(无理由)"
		}
		finalText = fmt.Sprintf("[max_rounds=%d 耗尽，强制 hold] %s", a.MaxRounds, marker)
	}

	d := a.buildDecision(ctx, tk, finalText)
	d.TokensUsed = totalTokens
	d.LatencyMS = float64(time.Since(start).Milliseconds())
	return d, nil
}

func parseArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// callWithRetry makes at most three attempts, with 2^k second backoff
// after attempts 0 and 1; after attempt 2 it gives up.
func (a *Agent) callWithRetry(messages []Message) (Response, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := a.Client.Chat(messages, toolSchemas())
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt < 2 {
			sleepFunc(time.Duration(1<<attempt) * time.Second)
		}
	}
	return Response{}, fmt.Errorf("agent: no response after retries: %w", lastErr)
}

func (a *Agent) emitLLMCall(input []Message, resp Response, elapsed time.Duration) {
	if a.Trace == nil {
		return
	}
	toolCalls := make([]map[string]any, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		toolCalls[i] = map[string]any{"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments}
	}
	a.Trace.Emit(trace.EventLLMCall, map[string]any{
		"model":            a.Model,
		"input_messages":   input,
		"output_content":   resp.Content,
		"tool_calls":       toolCalls,
		"finish_reason":    resp.FinishReason,
		"prompt_tokens":    resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":     resp.Usage.TotalTokens,
		"duration_ms":      elapsed.Milliseconds(),
	})
}

func (a *Agent) emitToolCall(call ToolCall, args map[string]any, output map[string]any, elapsed time.Duration) {
	if a.Trace == nil {
		return
	}
	a.Trace.Emit(trace.EventToolCall, map[string]any{
		"tool_call_id": call.ID,
		"name":         call.Name,
		"input":        args,
		"output":       output,
		"duration_ms":  elapsed.Milliseconds(),
	})
}

// buildDecision folds the toolkit's trade actions into a Decision: the
// last trade_action wins; multiple trades fold into a bracketed reasoning
// suffix.
func (a *Agent) buildDecision(ctx model.Context, tk *toolkit.Toolkit, reasoning string) model.Decision {
	actions := tk.TradeActions()
	d := model.Decision{
		Time:            ctx.Time,
		BarIndex:        ctx.BarIndex,
		Action:          model.ActionHold,
		Reasoning:       reasoning,
		MarketSnapshot:  ctx.Market[primarySymbolOf(ctx)],
		AccountSnapshot: ctx.Account,
		IndicatorsUsed:  tk.IndicatorQueries(),
		ToolCalls:       tk.CallLog(),
		Model:           a.Model,
	}
	if len(actions) > 0 {
		last := actions[len(actions)-1]
		d.Action = last.Action
		d.Symbol = last.Symbol
		d.Quantity = last.Quantity
		d.OrderResult = last.Result
	}
	if len(actions) > 1 {
		var parts []string
		for _, t := range actions {
			parts = append(parts, fmt.Sprintf("%s %s %d股", string(t.Action), t.Symbol, t.Quantity))
		}
		d.Reasoning += fmt.Sprintf(" [全部交易: %s]", strings.Join(parts, "; "))
	}
	return d
}

func primarySymbolOf(ctx model.Context) string {
	for sym := range ctx.Market {
		if len(ctx.Market) == 1 {
			return sym
		}
	}
	// Multiple symbols: fall back to whichever is present with bar_index
	// matching ctx.BarIndex; any is a reasonable snapshot default since
	// Decision.MarketSnapshot is advisory context, not matching input.
	for sym, snap := range ctx.Market {
		if snap.BarIndex == ctx.BarIndex {
			return sym
		}
	}
	return ""
}
