package subagent

import (
	"context"
	"errors"
	"testing"

	"github.com/mojo117/orchestra/internal/providers"
	"github.com/mojo117/orchestra/internal/tool"
)

type fakeProvider struct {
	responses []*providers.ChatResponse
	calls     int
	err       error
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.responses) {
		return &providers.ChatResponse{Content: "done"}, nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return f.Chat(ctx, req)
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

func TestRunner_CompletesWithoutToolCalls(t *testing.T) {
	provider := &fakeProvider{responses: []*providers.ChatResponse{
		{Content: "all done", FinishReason: "stop"},
	}}
	runner := NewRunner(provider, "m", DevoStrategy{}, func(ctx context.Context, name string, args map[string]interface{}) *tool.Result {
		t.Fatalf("executor should not be called")
		return nil
	})

	result, err := runner.Run(context.Background(), Request{Agent: "devo", Task: "say hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitReason != ExitCompleted {
		t.Errorf("exit reason = %q, want %q", result.ExitReason, ExitCompleted)
	}
}

func TestRunner_Escalates(t *testing.T) {
	provider := &fakeProvider{responses: []*providers.ChatResponse{
		{
			ToolCalls: []providers.ToolCall{
				{ID: "1", Name: "escalateToChapo", Arguments: map[string]interface{}{"reason": "blocked"}},
			},
			FinishReason: "tool_calls",
		},
	}}
	runner := NewRunner(provider, "m", DevoStrategy{}, func(ctx context.Context, name string, args map[string]interface{}) *tool.Result {
		t.Fatalf("executor should not run for escalateToChapo")
		return nil
	})

	result, err := runner.Run(context.Background(), Request{Agent: "devo", Task: "do risky thing"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitReason != ExitEscalated {
		t.Fatalf("exit reason = %q, want %q", result.ExitReason, ExitEscalated)
	}
	if result.Escalation == nil || result.Escalation.Reason != "blocked" {
		t.Errorf("escalation = %+v, want reason=blocked", result.Escalation)
	}
}

func TestRunner_MaxTurns(t *testing.T) {
	toolCallResp := &providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: "1", Name: "noop", Arguments: map[string]interface{}{}}},
		FinishReason: "tool_calls",
	}
	responses := make([]*providers.ChatResponse, 0, defaultMaxTurns)
	for i := 0; i < defaultMaxTurns; i++ {
		responses = append(responses, toolCallResp)
	}
	provider := &fakeProvider{responses: responses}
	runner := NewRunner(provider, "m", DevoStrategy{}, func(ctx context.Context, name string, args map[string]interface{}) *tool.Result {
		return tool.NewResult("ok")
	})

	result, err := runner.Run(context.Background(), Request{Agent: "devo", Task: "loop forever"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitReason != ExitMaxTurns {
		t.Errorf("exit reason = %q, want %q", result.ExitReason, ExitMaxTurns)
	}
	if result.Turns != defaultMaxTurns {
		t.Errorf("turns = %d, want %d", result.Turns, defaultMaxTurns)
	}
}

func TestRunner_LLMError(t *testing.T) {
	provider := &fakeProvider{err: errors.New("provider down")}
	runner := NewRunner(provider, "m", DevoStrategy{}, func(ctx context.Context, name string, args map[string]interface{}) *tool.Result {
		return nil
	})

	result, err := runner.Run(context.Background(), Request{Agent: "devo", Task: "anything"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitReason != ExitLLMError {
		t.Errorf("exit reason = %q, want %q", result.ExitReason, ExitLLMError)
	}
}

func TestCaioStrategy_PreflightRejectsMissingEvidence(t *testing.T) {
	s := CaioStrategy{RequiresEvidence: map[string]bool{"mutate_account": true}}

	if err := s.Preflight("mutate_account", map[string]interface{}{}); err == nil {
		t.Fatal("expected preflight rejection for missing evidence fields")
	}
	if err := s.Preflight("mutate_account", map[string]interface{}{"claim": "x", "source": "y"}); err != nil {
		t.Errorf("unexpected rejection with valid evidence: %v", err)
	}
	if err := s.Preflight("read_only_tool", map[string]interface{}{}); err != nil {
		t.Errorf("unexpected rejection for non-evidence tool: %v", err)
	}
}
