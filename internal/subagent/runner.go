// Package subagent implements the Sub-Agent Runner (R) of spec §4.6: a
// bounded LLM loop for devo/caio/scout delegations, driven by a pluggable
// EvidenceStrategy per agent kind.
package subagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/providers"
	"github.com/mojo117/orchestra/internal/tool"
)

const defaultMaxTurns = 10

// ExitReason is why a Sub-Agent Runner loop stopped (spec §4.6).
type ExitReason string

const (
	ExitCompleted ExitReason = "completed"
	ExitEscalated ExitReason = "escalated"
	ExitLLMError  ExitReason = "llm_error"
	ExitMaxTurns  ExitReason = "max_turns"
)

// Escalation is the payload of an escalateToChapo tool call (spec §4.5.2,
// §4.6): "a sub-agent's escalation is hoisted to its parent delegator's
// result object."
type Escalation struct {
	Reason  string
	Context string
}

// EvidenceStrategy controls the three per-agent-kind behaviors spec §4.6
// names: tool preflight validation, LLM-facing result encoding, and the
// post-loop summary envelope. DevoStrategy and CaioStrategy implement this
// for the "devo" and "caio" roles.
type EvidenceStrategy interface {
	// Preflight may reject a tool call before it runs (CAIO: schema
	// violations). Returning a non-nil error short-circuits execution and
	// is encoded as a tool error result.
	Preflight(toolName string, args map[string]interface{}) error
	// EncodeResult renders a tool.Result for the LLM (DEVO: plain text;
	// CAIO: structured JSON evidence).
	EncodeResult(toolName string, result *tool.Result) string
	// Summarize builds the final envelope handed back to the delegator
	// after the loop exits.
	Summarize(reason ExitReason, transcript []providers.Message, escalation *Escalation) string
}

// Request is one delegation handed to the runner.
type Request struct {
	Agent        domain.AgentRole
	Task         string
	SystemPrompt string
	Tools        []providers.ToolDefinition
	MaxTurns     int
}

// Result is what the runner hands back to its delegator.
type Result struct {
	ExitReason ExitReason
	Summary    string
	Escalation *Escalation
	Turns      int
}

// ToolExecutor dispatches one tool call, matching the Turn Engine's
// gate/approval-aware dispatch — the same function a devo/caio delegation's
// tool calls flow through, except escalateToChapo is intercepted by the
// runner itself rather than ever reaching the executor.
type ToolExecutor func(ctx context.Context, toolName string, args map[string]interface{}) *tool.Result

// Runner drives one bounded LLM loop for a single delegation.
type Runner struct {
	provider providers.Provider
	model    string
	strategy EvidenceStrategy
	executor ToolExecutor
}

func NewRunner(provider providers.Provider, model string, strategy EvidenceStrategy, executor ToolExecutor) *Runner {
	return &Runner{provider: provider, model: model, strategy: strategy, executor: executor}
}

var errEscalated = errors.New("subagent: escalated")

// Run executes req's bounded loop to one of the four exits spec §4.6 names.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	messages := []providers.Message{
		{Role: "system", Content: req.SystemPrompt},
		{Role: "user", Content: req.Task},
	}

	for turn := 0; turn < maxTurns; turn++ {
		resp, err := r.provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    req.Tools,
			Model:    r.model,
		})
		if err != nil {
			return Result{ExitReason: ExitLLMError, Summary: r.strategy.Summarize(ExitLLMError, messages, nil), Turns: turn}, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			return Result{ExitReason: ExitCompleted, Summary: r.strategy.Summarize(ExitCompleted, messages, nil), Turns: turn + 1}, nil
		}

		escalation, execErr := r.runToolCalls(ctx, resp.ToolCalls, &messages)
		if execErr != nil {
			return Result{}, execErr
		}
		if escalation != nil {
			return Result{
				ExitReason: ExitEscalated,
				Summary:    r.strategy.Summarize(ExitEscalated, messages, escalation),
				Escalation: escalation,
				Turns:      turn + 1,
			}, nil
		}
	}

	return Result{ExitReason: ExitMaxTurns, Summary: r.strategy.Summarize(ExitMaxTurns, messages, nil), Turns: maxTurns}, nil
}

// runToolCalls executes every tool call from one assistant turn, appending
// tool-role messages for each, and returns a non-nil Escalation once the
// batch is done if escalateToChapo was among the calls (the other calls in
// the same batch are still executed so their results are recorded, matching
// the Turn Engine's per-call independent-error-isolation style in spec §4.5.2).
func (r *Runner) runToolCalls(ctx context.Context, calls []providers.ToolCall, messages *[]providers.Message) (*Escalation, error) {
	var escalation *Escalation
	for _, call := range calls {
		if call.Name == "escalateToChapo" {
			reason, _ := call.Arguments["reason"].(string)
			escCtx, _ := call.Arguments["context"].(string)
			escalation = &Escalation{Reason: reason, Context: escCtx}
			*messages = append(*messages, providers.Message{
				Role:       "tool",
				Content:    "escalated to chapo",
				ToolCallID: call.ID,
			})
			continue
		}

		if err := r.strategy.Preflight(call.Name, call.Arguments); err != nil {
			*messages = append(*messages, providers.Message{
				Role:       "tool",
				Content:    fmt.Sprintf("rejected: %v", err),
				ToolCallID: call.ID,
			})
			continue
		}

		result := r.executor(ctx, call.Name, call.Arguments)
		*messages = append(*messages, providers.Message{
			Role:       "tool",
			Content:    r.strategy.EncodeResult(call.Name, result),
			ToolCallID: call.ID,
		})
	}
	return escalation, nil
}
