// Package turnengine implements the Turn Engine (T) of spec §4.5: the
// authoritative loop for a user turn, driving the LLM, the Approval Bridge,
// and the Sub-Agent Runner, and emitting the domain events the five
// projections consume.
//
// Grounded in the teacher's internal/agent/loop.go (the Think-Act-Observe
// shape, buildMessages/compaction split) generalized away from its
// bootstrap/sandbox/skills machinery, which this spec has no use for.
package turnengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mojo117/orchestra/internal/approval"
	"github.com/mojo117/orchestra/internal/dispatcher"
	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/eventbus"
	"github.com/mojo117/orchestra/internal/inbox"
	"github.com/mojo117/orchestra/internal/providers"
	"github.com/mojo117/orchestra/internal/statestore"
	"github.com/mojo117/orchestra/internal/subagent"
)

// compactionThresholdTokens is spec §4.5.2's fixed trigger for context
// compaction.
const compactionThresholdTokens = 160_000

// defaultTurnBudget bounds the number of LLM round-trips a single turn may
// take before the engine gives up and fails the turn (spec §4.5.1 step 6:
// "bounded by a configurable turn budget").
const defaultTurnBudget = 40

// SubAgentDispatch invokes the Sub-Agent Runner for one delegation. The
// engine receives one per agent kind through Config.Delegates (devo/caio/scout
// all share the Runner shape; only the strategy and system prompt differ).
type SubAgentDispatch func(ctx context.Context, task string) subagent.Result

// Engine is the Turn Engine (T).
type Engine struct {
	state    *statestore.Store
	inbox    *inbox.Inbox
	bus      *eventbus.Bus
	bridge   *approval.Bridge
	provider providers.Provider
	model    string

	systemPrompt func(agent domain.AgentRole) string
	agentTools   func(agent domain.AgentRole) []providers.ToolDefinition
	delegates    map[domain.AgentRole]SubAgentDispatch

	turnBudget int
	logger     *slog.Logger
}

// Config bundles Engine's dependencies.
type Config struct {
	State        *statestore.Store
	Inbox        *inbox.Inbox
	Bus          *eventbus.Bus
	Bridge       *approval.Bridge
	Provider     providers.Provider
	Model        string
	SystemPrompt func(agent domain.AgentRole) string
	AgentTools   func(agent domain.AgentRole) []providers.ToolDefinition
	Delegates    map[domain.AgentRole]SubAgentDispatch
	TurnBudget   int
	Logger       *slog.Logger
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	budget := cfg.TurnBudget
	if budget <= 0 {
		budget = defaultTurnBudget
	}
	return &Engine{
		state:        cfg.State,
		inbox:        cfg.Inbox,
		bus:          cfg.Bus,
		bridge:       cfg.Bridge,
		provider:     cfg.Provider,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		agentTools:   cfg.AgentTools,
		delegates:    cfg.Delegates,
		turnBudget:   budget,
		logger:       logger,
	}
}

var _ dispatcher.TurnEngine = (*Engine)(nil)

// StartTurn implements spec §4.5.1 steps 1-7 for a fresh user_request. The
// dispatcher already guards the isLoopRunning case (it queues to Inbox
// itself before ever calling here), but the engine re-checks defensively:
// any other caller (e.g. a future scheduler path) that skips the dispatcher
// must not be able to run two turns concurrently for one session.
func (e *Engine) StartTurn(ctx context.Context, req dispatcher.UserRequest) (dispatcher.TurnOutcome, error) {
	st, err := e.state.EnsureLoaded(ctx, req.SessionID)
	if err != nil {
		return dispatcher.TurnOutcome{}, fmt.Errorf("turnengine: load state: %w", err)
	}

	if st.IsLoopRunning {
		e.inbox.Push(req.SessionID, req.Message, "user_request")
		return dispatcher.TurnOutcome{}, nil
	}

	kind := ClassifyIntake(req.Message, st)
	turnID := uuid.NewString()

	if st.Phase == domain.PhaseWaitingUser && kind == IntakeNewRequest {
		if err := e.state.Update(ctx, req.SessionID, func(s *domain.ConversationState) {
			s.PendingQuestions = nil
			s.Phase = domain.PhaseIdle
			s.WaiveStaleObligations(turnID)
		}); err != nil {
			return dispatcher.TurnOutcome{}, fmt.Errorf("turnengine: supersede waiting_user: %w", err)
		}
	}

	if ShouldCreateObligation(kind) {
		if err := e.state.Update(ctx, req.SessionID, func(s *domain.ConversationState) {
			s.Obligations = append(s.Obligations, domain.Obligation{
				ID:              uuid.NewString(),
				TurnID:          turnID,
				Origin:          domain.ObligationOriginPrimary,
				Blocking:        true,
				RequiredOutcome: "respond to the user's request",
				Description:     truncateRunes(req.Message, 200),
				Status:          domain.ObligationOpen,
				CreatedAt:       time.Now(),
			})
		}); err != nil {
			return dispatcher.TurnOutcome{}, fmt.Errorf("turnengine: seed obligation: %w", err)
		}
	}

	e.bus.Emit(ctx, eventbus.EmitOpts{
		SessionID:  req.SessionID,
		RequestID:  req.RequestID,
		TurnID:     turnID,
		Source:     "turnengine",
		Visibility: domain.VisibilityUI,
		EventType:  eventbus.EventTurnStarted,
		Payload:    map[string]interface{}{"originalRequest": req.Message},
	})

	outcome := e.runTurn(ctx, turnContext{
		sessionID: req.SessionID,
		requestID: req.RequestID,
		turnID:    turnID,
		agent:     st.ActiveAgent,
		seed:      req.Message,
	})

	e.finishTurn(ctx, req.SessionID)
	return outcome, nil
}

// ResumeWithAnswer implements spec §4.8's user_question_answered path: the
// dispatcher has already emitted gate.question.resolved; the engine removes
// the resolved question from state (StateProjection explicitly does not
// mutate on resolution, spec §4.7) and resumes the agent loop.
func (e *Engine) ResumeWithAnswer(ctx context.Context, sessionID, questionID, answer string) (dispatcher.TurnOutcome, error) {
	st, err := e.state.EnsureLoaded(ctx, sessionID)
	if err != nil {
		return dispatcher.TurnOutcome{}, fmt.Errorf("turnengine: load state: %w", err)
	}

	turnID := st.ActiveTurnID
	if err := e.state.Update(ctx, sessionID, func(s *domain.ConversationState) {
		s.PendingQuestions = removeQuestion(s.PendingQuestions, questionID)
		if len(s.PendingQuestions) == 0 && len(s.PendingApprovals) == 0 {
			s.Phase = domain.PhaseRunning
		}
		if s.TaskContext.GatheredInfo == nil {
			s.TaskContext.GatheredInfo = map[string]interface{}{}
		}
		s.TaskContext.GatheredInfo["lastAnswer:"+questionID] = answer
	}); err != nil {
		return dispatcher.TurnOutcome{}, fmt.Errorf("turnengine: resolve question: %w", err)
	}

	outcome := e.runTurn(ctx, turnContext{
		sessionID: sessionID,
		turnID:    turnID,
		agent:     st.ActiveAgent,
		seed:      fmt.Sprintf("[user answered] %s", answer),
	})
	e.finishTurn(ctx, sessionID)
	return outcome, nil
}

// ResumeWithApproval implements spec §4.8's user_approval_decided path:
// approve drives the Action Store's approveAndExecute, reject drives
// rejectAction; either way the engine then resumes the agent loop so the
// LLM can react to the outcome.
func (e *Engine) ResumeWithApproval(ctx context.Context, sessionID, approvalID string, approved bool) (dispatcher.TurnOutcome, error) {
	st, err := e.state.EnsureLoaded(ctx, sessionID)
	if err != nil {
		return dispatcher.TurnOutcome{}, fmt.Errorf("turnengine: load state: %w", err)
	}
	turnID := st.ActiveTurnID

	// approvalID names either a Bridge-originated Action (a confirmation-
	// wrapped tool call like fs_writeFile) or a native requestApproval gate
	// recorded on ConversationState.PendingApprovals — the dispatcher's
	// user_approval_decided command doesn't distinguish them, so the engine
	// checks the Action Store first.
	var resultSummary string
	if _, actionErr := e.bridge.Actions().Get(ctx, approvalID); actionErr == nil {
		if approved {
			action, err := e.bridge.Actions().ApproveAndExecute(ctx, approvalID)
			if err != nil {
				resultSummary = fmt.Sprintf("approval %s failed: %v", approvalID, err)
			} else if action.Status == domain.ActionDone {
				resultSummary = fmt.Sprintf("action %s approved and executed: %s", approvalID, action.Result)
			} else {
				resultSummary = fmt.Sprintf("action %s approved but failed: %s", approvalID, action.Error)
			}
		} else {
			if _, err := e.bridge.Actions().Reject(ctx, approvalID); err != nil {
				resultSummary = fmt.Sprintf("rejection of %s failed: %v", approvalID, err)
			} else {
				resultSummary = fmt.Sprintf("action %s rejected by user", approvalID)
			}
		}
	} else {
		if err := e.state.Update(ctx, sessionID, func(s *domain.ConversationState) {
			s.PendingApprovals = removeApproval(s.PendingApprovals, approvalID)
			if len(s.PendingQuestions) == 0 && len(s.PendingApprovals) == 0 {
				s.Phase = domain.PhaseRunning
			}
		}); err != nil {
			return dispatcher.TurnOutcome{}, fmt.Errorf("turnengine: resolve approval: %w", err)
		}
		decision := "rejected"
		if approved {
			decision = "approved"
		}
		resultSummary = fmt.Sprintf("approval %s %s by user", approvalID, decision)
	}

	outcome := e.runTurn(ctx, turnContext{
		sessionID: sessionID,
		turnID:    turnID,
		agent:     st.ActiveAgent,
		seed:      fmt.Sprintf("[approval resolved] %s", resultSummary),
	})
	e.finishTurn(ctx, sessionID)
	return outcome, nil
}

// ResumeWithPlanApproval implements spec §4.8's user_plan_approval_decided
// path: the plan itself lives under TaskContext.GatheredInfo["chapoPlan"]
// (spec §4.5.5); approval/rejection is recorded there and the loop resumes.
func (e *Engine) ResumeWithPlanApproval(ctx context.Context, sessionID, planID string, approved bool, reason string) (dispatcher.TurnOutcome, error) {
	st, err := e.state.EnsureLoaded(ctx, sessionID)
	if err != nil {
		return dispatcher.TurnOutcome{}, fmt.Errorf("turnengine: load state: %w", err)
	}
	turnID := st.ActiveTurnID

	if err := e.state.Update(ctx, sessionID, func(s *domain.ConversationState) {
		if len(s.PendingQuestions) == 0 && len(s.PendingApprovals) == 0 {
			s.Phase = domain.PhaseRunning
		}
		s.TaskContext.ApprovalGranted = approved
	}); err != nil {
		return dispatcher.TurnOutcome{}, fmt.Errorf("turnengine: resolve plan approval: %w", err)
	}

	seed := fmt.Sprintf("[plan %s approved]", planID)
	if !approved {
		seed = fmt.Sprintf("[plan %s rejected] %s", planID, reason)
	}

	outcome := e.runTurn(ctx, turnContext{sessionID: sessionID, turnID: turnID, agent: st.ActiveAgent, seed: seed})
	e.finishTurn(ctx, sessionID)
	return outcome, nil
}

// finishTurn implements spec §4.5.1 step 7's drain: if messages queued up in
// Inbox while this turn ran, schedule a follow-up turn asynchronously so the
// caller (dispatcher) is not blocked waiting on a second LLM round-trip.
func (e *Engine) finishTurn(ctx context.Context, sessionID string) {
	queued := e.inbox.Drain(sessionID)
	if len(queued) == 0 {
		return
	}
	var combined string
	for i, m := range queued {
		if i > 0 {
			combined += "\n"
		}
		combined += m.Content
	}
	go func() {
		bg := context.Background()
		_, err := e.StartTurn(bg, dispatcher.UserRequest{SessionID: sessionID, Message: combined})
		if err != nil {
			e.logger.Error("turnengine: follow-up turn failed", "session_id", sessionID, "error", err)
		}
	}()
}

func removeQuestion(qs []domain.UserQuestion, id string) []domain.UserQuestion {
	out := qs[:0:0]
	for _, q := range qs {
		if q.QuestionID != id {
			out = append(out, q)
		}
	}
	return out
}

func removeApproval(as []domain.ApprovalRequest, id string) []domain.ApprovalRequest {
	out := as[:0:0]
	for _, a := range as {
		if a.ApprovalID != id {
			out = append(out, a)
		}
	}
	return out
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
