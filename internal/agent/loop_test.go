package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chidi150c/btagent/internal/matching"
	"github.com/chidi150c/btagent/internal/memory"
	"github.com/chidi150c/btagent/internal/model"
	"github.com/chidi150c/btagent/internal/toolkit"
)

// scriptedClient replays a fixed sequence of responses, one per Chat call,
// and optionally fails the first N calls to exercise the retry policy.
type scriptedClient struct {
	responses []Response
	failFirst int
	calls     int
}

func (s *scriptedClient) Chat(messages []Message, tools []ToolSchema) (Response, error) {
	s.calls++
	if s.calls <= s.failFirst {
		return Response{}, fmt.Errorf("scripted transport failure")
	}
	idx := s.calls - s.failFirst - 1
	if idx >= len(s.responses) {
		return Response{FinishReason: "stop", Content: "(script exhausted)"}, nil
	}
	return s.responses[idx], nil
}

func buildToolkit(t *testing.T) *toolkit.Toolkit {
	t.Helper()
	n := 30
	bars := make([]model.Bar, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := range bars {
		price += 0.5
		bars[i] = model.Bar{Time: base.Add(time.Duration(i) * time.Hour), Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 1000, Index: i}
	}
	eng, err := matching.New([]string{"BTC-USD"}, map[string][]model.Bar{"BTC-USD": bars}, 10000,
		model.DefaultRiskConfig(), model.CommissionConfig{Rate: 0.001}, model.SlippageConfig{Mode: model.SlippageFixed})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := eng.Advance()
		require.NoError(t, err)
		eng.MatchOrders()
	}
	ws, err := memory.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	mem := memory.New(ws, nil)
	return toolkit.New(eng, mem, 500*time.Millisecond)
}

func sampleContext() model.Context {
	return model.Context{
		Playbook:      "动量策略",
		FormattedText: "<market></market>\n<task></task>",
		BarIndex:      20,
		Market:        map[string]model.MarketSnapshot{"BTC-USD": {Symbol: "BTC-USD", BarIndex: 20, Close: 110}},
		Account:       model.AccountSnapshot{Cash: 10000, Equity: 10000},
	}
}

func TestAgentDecideStopsOnFinishReasonStop(t *testing.T) {
	client := &scriptedClient{responses: []Response{
		{FinishReason: "stop", Content: "观望，等待更强信号"},
	}}
	a := New(client, "test-model", 6, "", nil)
	tk := buildToolkit(t)
	d, err := a.Decide(sampleContext(), tk)
	require.NoError(t, err)
	require.Equal(t, model.ActionHold, d.Action)
	require.Equal(t, "观望，等待更强信号", d.Reasoning)
}

func TestAgentDecideExecutesToolCallThenStops(t *testing.T) {
	client := &scriptedClient{responses: []Response{
		{
			FinishReason: "tool_calls",
			ToolCalls:    []ToolCall{{ID: "1", Name: "trade_execute", Arguments: `{"action":"buy","symbol":"BTC-USD","quantity":1}`}},
		},
		{FinishReason: "stop", Content: "已买入"},
	}}
	a := New(client, "test-model", 6, "", nil)
	tk := buildToolkit(t)
	d, err := a.Decide(sampleContext(), tk)
	require.NoError(t, err)
	require.Equal(t, model.ActionBuy, d.Action)
	require.Equal(t, "BTC-USD", d.Symbol)
	require.Equal(t, 1, d.Quantity)
	require.NotNil(t, d.OrderResult)
}

func TestAgentDecideForcesHoldOnRoundExhaustion(t *testing.T) {
	client := &scriptedClient{responses: []Response{
		{FinishReason: "tool_calls", ToolCalls: []ToolCall{{ID: "1", Name: "account_status", Arguments: "{}"}}},
		{FinishReason: "tool_calls", ToolCalls: []ToolCall{{ID: "2", Name: "account_status", Arguments: "{}"}}},
	}}
	a := New(client, "test-model", 2, "", nil)
	tk := buildToolkit(t)
	d, err := a.Decide(sampleContext(), tk)
	require.NoError(t, err)
	require.Equal(t, model.ActionHold, d.Action)
	require.Contains(t, d.Reasoning, "max_rounds=2 耗尽，强制 hold")
}

func TestAgentDecideRetriesThenGivesUpForcesHold(t *testing.T) {
	orig := sleepFunc
	sleepFunc = func(time.Duration) {}
	defer func() { sleepFunc = orig }()

	client := &scriptedClient{failFirst: 3}
	a := New(client, "test-model", 3, "", nil)
	tk := buildToolkit(t)
	d, err := a.Decide(sampleContext(), tk)
	require.NoError(t, err)
	require.Equal(t, model.ActionHold, d.Action)
	require.Contains(t, d.Reasoning, "耗尽，强制 hold")
	require.Equal(t, 3, client.calls)
}

func TestAgentDecideMultipleTradesAppendBracketedSummary(t *testing.T) {
	client := &scriptedClient{responses: []Response{
		{
			FinishReason: "tool_calls",
			ToolCalls: []ToolCall{
				{ID: "1", Name: "trade_execute", Arguments: `{"action":"buy","symbol":"BTC-USD","quantity":1}`},
				{ID: "2", Name: "trade_execute", Arguments: `{"action":"close","symbol":"BTC-USD"}`},
			},
		},
		{FinishReason: "stop", Content: "先买后平"},
	}}
	a := New(client, "test-model", 6, "", nil)
	tk := buildToolkit(t)
	d, err := a.Decide(sampleContext(), tk)
	require.NoError(t, err)
	require.Contains(t, d.Reasoning, "[全部交易:")
	require.Equal(t, model.ActionClose, d.Action)
}

func TestBuildSystemPromptSubstitutesPlaceholder(t *testing.T) {
	a := New(nil, "m", 1, "自定义: {strategy}", nil)
	require.Equal(t, "自定义: 我的策略", a.buildSystemPrompt("我的策略"))
}

func TestBuildSystemPromptVerbatimWithoutPlaceholder(t *testing.T) {
	a := New(nil, "m", 1, "固定提示词", nil)
	require.Equal(t, "固定提示词", a.buildSystemPrompt("我的策略"))
}

func TestBuildSystemPromptDefaultsToFrameworkPrompt(t *testing.T) {
	a := New(nil, "m", 1, "", nil)
	got := a.buildSystemPrompt("我的策略")
	require.Contains(t, got, "<strategy>我的策略</strategy>")
}
