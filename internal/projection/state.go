// Package projection implements the five Event Bus consumers of spec §4.7:
// StateProjection, StreamProjection, ExternalOutputProjection,
// MarkdownLogProjection, and AuditProjection.
package projection

import (
	"context"
	"fmt"

	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/eventbus"
	"github.com/mojo117/orchestra/internal/statestore"
)

// StateMutator is the subset of internal/statestore.Store the StateProjection
// needs: apply a mutator under the per-session exclusion scope. Declared
// against statestore.Mutator (not an inline func type) since *statestore.Store
// defines Update with that named parameter type, and Go's method-set matching
// requires the interface and the concrete method to use identical types.
type StateMutator interface {
	Update(ctx context.Context, sessionID string, mutator statestore.Mutator) error
}

// StateProjection is the single writer for agent/phase/gate-queue
// transitions triggered by domain events (spec §4.7). Gate resolution itself
// is NOT applied here — the Turn Engine's ResumeWith* methods, which the
// dispatcher calls, mutate state directly during question/approval/plan
// resolution (spec §9: "do not let StateProjection
// also mutate on resolution, or you get dual writers").
type StateProjection struct {
	store StateMutator
}

func NewStateProjection(store StateMutator) *StateProjection {
	return &StateProjection{store: store}
}

func (p *StateProjection) Name() string { return "state" }

func (p *StateProjection) Apply(ctx context.Context, env domain.WorkflowEventEnvelope) error {
	switch env.EventType {
	case eventbus.EventAgentSwitched:
		payload, ok := env.Payload.(map[string]interface{})
		if !ok {
			return nil
		}
		agent, _ := payload["agent"].(string)
		reason, _ := payload["reason"].(string)
		if agent == "" {
			return nil
		}
		return p.store.Update(ctx, env.SessionID, func(st *domain.ConversationState) {
			st.ActiveAgent = domain.AgentRole(agent)
			st.AgentHistory = append(st.AgentHistory, domain.AgentHistoryEntry{
				Agent:     domain.AgentRole(agent),
				Reason:    reason,
				Timestamp: env.OccurredAt,
			})
		})

	case eventbus.EventGateQuestionQueued:
		q, ok := env.Payload.(domain.UserQuestion)
		if !ok {
			return fmt.Errorf("state projection: %s payload is not a UserQuestion", env.EventType)
		}
		return p.store.Update(ctx, env.SessionID, func(st *domain.ConversationState) {
			st.Phase = domain.PhaseWaitingUser
			st.PendingQuestions = append(st.PendingQuestions, q)
		})

	case eventbus.EventGateApprovalQueued:
		a, ok := env.Payload.(domain.ApprovalRequest)
		if !ok {
			return fmt.Errorf("state projection: %s payload is not an ApprovalRequest", env.EventType)
		}
		return p.store.Update(ctx, env.SessionID, func(st *domain.ConversationState) {
			st.Phase = domain.PhaseWaitingUser
			st.PendingApprovals = append(st.PendingApprovals, a)
		})

	case eventbus.EventTurnStarted:
		payload, _ := env.Payload.(map[string]interface{})
		return p.store.Update(ctx, env.SessionID, func(st *domain.ConversationState) {
			st.IsLoopRunning = true
			st.ActiveTurnID = env.TurnID
			if payload != nil {
				if orig, ok := payload["originalRequest"].(string); ok && orig != "" {
					st.TaskContext.OriginalRequest = orig
				}
			}
		})

	case eventbus.EventCompleted, eventbus.EventFailed:
		return p.store.Update(ctx, env.SessionID, func(st *domain.ConversationState) {
			st.IsLoopRunning = false
		})
	}
	return nil
}

var _ eventbus.Projection = (*StateProjection)(nil)
