package turnengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mojo117/orchestra/internal/approval"
	"github.com/mojo117/orchestra/internal/dispatcher"
	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/eventbus"
	"github.com/mojo117/orchestra/internal/providers"
	"github.com/mojo117/orchestra/internal/subagent"
)

// turnContext carries the handful of identifiers the agent loop threads
// through tool dispatch and event emission for one turn.
type turnContext struct {
	sessionID string
	requestID string
	turnID    string
	agent     domain.AgentRole
	seed      string
}

const (
	toolAskUser          = "askUser"
	toolRequestApproval  = "requestApproval"
	toolDelegateDevo     = "delegateToDevo"
	toolDelegateCaio     = "delegateToCaio"
	toolDelegateScout    = "delegateToScout"
	toolDelegateParallel = "delegateParallel"
)

// runTurn drives spec §4.5.2's agent loop to one of its terminal outcomes,
// or returns a zero TurnOutcome when a gate tool suspends the turn.
func (e *Engine) runTurn(ctx context.Context, tc turnContext) dispatcher.TurnOutcome {
	messages := e.buildMessages(tc)

	for i := 0; i < e.turnBudget; i++ {
		if estimateTokens(messages) >= compactionThresholdTokens {
			messages = e.compact(ctx, tc, messages)
		}

		resp, err := e.provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    e.agentTools(tc.agent),
			Model:    e.model,
		})
		if err != nil {
			e.storeTranscript(tc.sessionID, messages)
			return dispatcher.TurnOutcome{Failed: true, FailureReason: err.Error()}
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			e.storeTranscript(tc.sessionID, messages)
			return dispatcher.TurnOutcome{Answer: resp.Content}
		}

		suspended := e.handleToolCalls(ctx, tc, resp.ToolCalls, &messages)
		if suspended {
			e.storeTranscript(tc.sessionID, messages)
			return dispatcher.TurnOutcome{}
		}
	}

	e.storeTranscript(tc.sessionID, messages)
	return dispatcher.TurnOutcome{Failed: true, FailureReason: "turn budget exceeded"}
}

// handleToolCalls executes every tool call from one assistant turn in order,
// appending a tool-role message for each. It stops (returning suspended)
// the instant a gate tool (askUser/requestApproval) fires, matching "return
// control" in spec §4.5.2 — remaining calls in the same batch, if any, are
// still appended as skipped so the transcript stays consistent with what the
// LLM actually requested.
func (e *Engine) handleToolCalls(ctx context.Context, tc turnContext, calls []providers.ToolCall, messages *[]providers.Message) bool {
	suspended := false
	for _, call := range calls {
		if suspended {
			*messages = append(*messages, providers.Message{
				Role:       "tool",
				Content:    "skipped: turn suspended on a prior gate in this batch",
				ToolCallID: call.ID,
			})
			continue
		}

		started := time.Now()
		e.bus.Emit(ctx, eventbus.EmitOpts{
			SessionID:  tc.sessionID,
			RequestID:  tc.requestID,
			TurnID:     tc.turnID,
			Source:     "turnengine",
			Visibility: domain.VisibilityUI,
			EventType:  eventbus.EventToolCallStarted,
			Payload:    map[string]interface{}{"tool": call.Name, "callId": call.ID},
		})

		msg, gated, failed := e.dispatchToolCall(ctx, tc, call)
		*messages = append(*messages, msg)

		completedType := eventbus.EventToolCallCompleted
		if failed {
			completedType = eventbus.EventToolCallFailed
		}
		e.bus.Emit(ctx, eventbus.EmitOpts{
			SessionID:  tc.sessionID,
			RequestID:  tc.requestID,
			TurnID:     tc.turnID,
			Source:     "turnengine",
			Visibility: domain.VisibilityUI,
			EventType:  completedType,
			Payload: map[string]interface{}{
				"tool":       call.Name,
				"callId":     call.ID,
				"durationMs": time.Since(started).Milliseconds(),
			},
		})

		if gated {
			suspended = true
		}
	}
	return suspended
}

// dispatchToolCall routes one tool call to its handler and returns the
// tool-role message to append, whether it suspended the turn (a gate), and
// whether it should be reported as a tool.call.failed event.
func (e *Engine) dispatchToolCall(ctx context.Context, tc turnContext, call providers.ToolCall) (providers.Message, bool, bool) {
	switch call.Name {
	case toolAskUser:
		return e.gateQuestion(ctx, tc, call), true, false
	case toolRequestApproval:
		return e.gateApproval(ctx, tc, call), true, false
	case toolDelegateDevo:
		return e.delegateSingle(ctx, tc, call, domain.RoleDevo), false, false
	case toolDelegateCaio:
		return e.delegateSingle(ctx, tc, call, domain.RoleCaio), false, false
	case toolDelegateScout:
		return e.delegateSingle(ctx, tc, call, domain.RoleScout), false, false
	case toolDelegateParallel:
		return e.delegateParallel(ctx, tc, call), false, false
	case toolSetChapoPlan:
		return e.handleSetChapoPlan(ctx, tc, call), false, false
	case toolPreflightAnswer:
		return e.handlePreflightAnswer(ctx, tc, call), false, false
	default:
		return e.executeViaBridge(ctx, tc, call)
	}
}

// gateQuestion implements the askUser native gate of spec §4.5.2, with the
// (turnId, fingerprint) dedup rule of spec §4.5.4.
func (e *Engine) gateQuestion(ctx context.Context, tc turnContext, call providers.ToolCall) providers.Message {
	question, _ := call.Arguments["question"].(string)
	kind, _ := call.Arguments["questionKind"].(string)
	fingerprint, _ := call.Arguments["fingerprint"].(string)

	var expiresAt *time.Time
	if secs, ok := numArg(call.Arguments["expiresInSeconds"]); ok && secs > 0 {
		t := time.Now().Add(time.Duration(secs) * time.Second)
		expiresAt = &t
	}

	q := domain.UserQuestion{
		QuestionID:   uuid.NewString(),
		Question:     question,
		FromAgent:    tc.agent,
		Timestamp:    time.Now(),
		TurnID:       tc.turnID,
		QuestionKind: kind,
		Fingerprint:  fingerprint,
		ExpiresAt:    expiresAt,
	}

	if fingerprint != "" {
		if st, ok := e.state.Get(tc.sessionID); ok {
			for _, existing := range st.PendingQuestions {
				if existing.TurnID != tc.turnID || existing.Fingerprint != fingerprint {
					continue
				}
				if !existing.Expired(time.Now()) {
					return providers.Message{
						Role:       "tool",
						Content:    fmt.Sprintf("duplicate question suppressed (already pending as %s)", existing.QuestionID),
						ToolCallID: call.ID,
					}
				}
				existingID := existing.QuestionID
				_ = e.state.Update(ctx, tc.sessionID, func(s *domain.ConversationState) {
					s.PendingQuestions = removeQuestion(s.PendingQuestions, existingID)
				})
				break
			}
		}
	}

	e.bus.Emit(ctx, eventbus.EmitOpts{
		SessionID:  tc.sessionID,
		RequestID:  tc.requestID,
		TurnID:     tc.turnID,
		Source:     "turnengine",
		Visibility: domain.VisibilityUI,
		EventType:  eventbus.EventGateQuestionQueued,
		Payload:    q,
	})
	return providers.Message{Role: "tool", Content: fmt.Sprintf("question queued: %s", q.QuestionID), ToolCallID: call.ID}
}

// gateApproval implements the requestApproval native gate of spec §4.5.2.
func (e *Engine) gateApproval(ctx context.Context, tc turnContext, call providers.ToolCall) providers.Message {
	desc, _ := call.Arguments["description"].(string)
	risk, _ := call.Arguments["riskLevel"].(string)
	agentCtx, _ := call.Arguments["context"].(string)

	var actions []string
	if raw, ok := call.Arguments["actions"].([]interface{}); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				actions = append(actions, s)
			}
		}
	}

	a := domain.ApprovalRequest{
		ApprovalID:  uuid.NewString(),
		Description: desc,
		RiskLevel:   domain.RiskLevel(risk),
		Actions:     actions,
		FromAgent:   tc.agent,
		Context:     agentCtx,
		Timestamp:   time.Now(),
	}

	e.bus.Emit(ctx, eventbus.EmitOpts{
		SessionID:  tc.sessionID,
		RequestID:  tc.requestID,
		TurnID:     tc.turnID,
		Source:     "turnengine",
		Visibility: domain.VisibilityUI,
		EventType:  eventbus.EventGateApprovalQueued,
		Payload:    a,
	})
	return providers.Message{Role: "tool", Content: fmt.Sprintf("approval queued: %s", a.ApprovalID), ToolCallID: call.ID}
}

// delegateSingle invokes the Sub-Agent Runner for one devo/caio/scout
// delegation (spec §4.5.2, §4.6), bounding its preview to 1200 chars.
func (e *Engine) delegateSingle(ctx context.Context, tc turnContext, call providers.ToolCall, role domain.AgentRole) providers.Message {
	task, _ := call.Arguments["task"].(string)
	res := e.delegateOne(ctx, tc, role, task)
	return providers.Message{Role: "tool", Content: previewResult(role, res), ToolCallID: call.ID}
}

// delegateParallel runs a batch of delegations concurrently with
// independent error isolation (spec §4.5.2): one delegation's panic or
// error never prevents the others' results from being reported.
func (e *Engine) delegateParallel(ctx context.Context, tc turnContext, call providers.ToolCall) providers.Message {
	raw, _ := call.Arguments["delegations"].([]interface{})
	if len(raw) == 0 {
		return providers.Message{Role: "tool", Content: "no delegations provided", ToolCallID: call.ID}
	}

	type job struct {
		role domain.AgentRole
		task string
	}
	var jobs []job
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		agent, _ := m["agent"].(string)
		task, _ := m["task"].(string)
		jobs = append(jobs, job{role: domain.AgentRole(agent), task: task})
	}

	results := make([]string, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = fmt.Sprintf("%s: panicked: %v", j.role, r)
				}
			}()
			res := e.delegateOne(ctx, tc, j.role, j.task)
			results[i] = previewResult(j.role, res)
		}(i, j)
	}
	wg.Wait()

	summary := fmt.Sprintf("parallel delegation: %d job(s) completed\n", len(jobs))
	for _, r := range results {
		summary += "- " + r + "\n"
	}
	return providers.Message{Role: "tool", Content: truncateRunes(summary, 1200*len(jobs)+200), ToolCallID: call.ID}
}

func (e *Engine) delegateOne(ctx context.Context, tc turnContext, role domain.AgentRole, task string) subagent.Result {
	dispatch, ok := e.delegates[role]
	if !ok {
		return subagent.Result{ExitReason: subagent.ExitLLMError, Summary: fmt.Sprintf("no delegate configured for %s", role)}
	}

	e.bus.Emit(ctx, eventbus.EmitOpts{
		SessionID:  tc.sessionID,
		RequestID:  tc.requestID,
		TurnID:     tc.turnID,
		Source:     "turnengine",
		Visibility: domain.VisibilityUI,
		EventType:  eventbus.EventAgentDelegated,
		Payload:    map[string]interface{}{"agent": string(role), "task": truncateRunes(task, 1200)},
	})

	res := dispatch(ctx, task)

	eventType := eventbus.EventAgentCompleted
	if res.ExitReason == subagent.ExitLLMError {
		eventType = eventbus.EventAgentFailed
	}
	e.bus.Emit(ctx, eventbus.EmitOpts{
		SessionID:  tc.sessionID,
		RequestID:  tc.requestID,
		TurnID:     tc.turnID,
		Source:     "turnengine",
		Visibility: domain.VisibilityUI,
		EventType:  eventType,
		Payload:    map[string]interface{}{"agent": string(role), "exitReason": string(res.ExitReason)},
	})
	return res
}

func previewResult(role domain.AgentRole, res subagent.Result) string {
	s := res.Summary
	if res.Escalation != nil {
		s = fmt.Sprintf("[%s escalated: %s] %s", role, res.Escalation.Reason, s)
	}
	return truncateRunes(fmt.Sprintf("%s: %s", role, s), 1200)
}

// executeViaBridge routes a non-gate, non-delegation tool call through the
// Approval Bridge (spec §4.5.2: "Other tools go through Approval Bridge B").
// A pendingApproval outcome does not suspend the turn: the engine appends a
// synthetic tool-result and lets the LLM continue, matching spec's "the
// user's next interaction resolves the action via the dispatcher."
func (e *Engine) executeViaBridge(ctx context.Context, tc turnContext, call providers.ToolCall) (providers.Message, bool, bool) {
	result := e.bridge.Execute(ctx, call.Name, call.Arguments, approval.ExecuteOpts{Agent: tc.agent})

	if result.PendingApproval {
		return providers.Message{
			Role:       "tool",
			Content:    fmt.Sprintf("pending approval (%s): %s", result.ActionID, result.Description),
			ToolCallID: call.ID,
		}, false, false
	}
	if !result.Success {
		return providers.Message{Role: "tool", Content: "error: " + result.Error, ToolCallID: call.ID}, false, true
	}
	return providers.Message{Role: "tool", Content: result.Result, ToolCallID: call.ID}, false, false
}

func numArg(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
