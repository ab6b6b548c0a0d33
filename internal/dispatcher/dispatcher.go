// Package dispatcher implements the Command Dispatcher (D) of spec §4.8: the
// sole translator from inbound transport commands to Turn Engine operations,
// and the sole emitter of terminal wf.completed/wf.failed responses.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/eventbus"
	"github.com/mojo117/orchestra/internal/inbox"
)

// UserRequest is the `user_request` command of spec §6.1.
type UserRequest struct {
	SessionID         string
	RequestID         string
	Message           string
	ProjectRoot       string
	PinnedUserfileIDs []string
	Metadata          map[string]string
}

// UserQuestionAnswered is the `user_question_answered` command of spec §6.1.
type UserQuestionAnswered struct {
	SessionID  string
	QuestionID string
	Answer     string
}

// UserApprovalDecided is the `user_approval_decided` command of spec §6.1.
type UserApprovalDecided struct {
	SessionID  string
	ApprovalID string
	Approved   bool
}

// UserPlanApprovalDecided is the `user_plan_approval_decided` command of
// spec §6.1.
type UserPlanApprovalDecided struct {
	SessionID string
	PlanID    string
	Approved  bool
	Reason    string
}

// TurnOutcome is what a Turn Engine invocation returns to the dispatcher:
// the rendered answer (if any), the pending gates still open, and a trace of
// which agents ran this turn — shaped to feed the terminal `response` event
// payload of spec §6.2.
type TurnOutcome struct {
	Answer        string
	Failed        bool
	FailureReason string
	PendingAction []domain.Action
	AgentHistory  []domain.AgentHistoryEntry
}

// TurnEngine is the subset of internal/turnengine the dispatcher drives. A
// turn either runs to completion/failure (terminal) or suspends on a gate;
// TurnOutcome.Failed distinguishes the two terminal cases, and an
// in-progress gate is signaled by returning a zero TurnOutcome with err==nil
// and Answer=="" — the gate-queued projection already recorded the pending
// question/approval, so the dispatcher has nothing further to emit.
type TurnEngine interface {
	StartTurn(ctx context.Context, req UserRequest) (TurnOutcome, error)
	ResumeWithAnswer(ctx context.Context, sessionID, questionID, answer string) (TurnOutcome, error)
	ResumeWithApproval(ctx context.Context, sessionID, approvalID string, approved bool) (TurnOutcome, error)
	ResumeWithPlanApproval(ctx context.Context, sessionID, planID string, approved bool, reason string) (TurnOutcome, error)
}

// StateReader is the subset of internal/statestore the dispatcher needs to
// decide whether a session's turn loop is already running.
type StateReader interface {
	EnsureLoaded(ctx context.Context, sessionID string) (*domain.ConversationState, error)
}

// ProjectRootValidator enforces the user_request allow-list check of
// spec §4.8.
type ProjectRootValidator interface {
	Allowed(root string) bool
}

// MessageLogger persists user/assistant turns to the external message log
// (spec §4.8: "persists user and assistant messages in the external message
// log").
type MessageLogger interface {
	SaveUserMessage(ctx context.Context, sessionID, requestID, content string) error
	SaveAssistantMessage(ctx context.Context, sessionID, requestID, content string) error
}

// ErrProjectRootDenied is returned when a user_request's projectRoot fails
// the allow-list check.
type ErrProjectRootDenied struct{ Root string }

func (e ErrProjectRootDenied) Error() string {
	return fmt.Sprintf("project root not allowed: %s", e.Root)
}

// Dispatcher is the Command Dispatcher (D).
type Dispatcher struct {
	engine    TurnEngine
	state     StateReader
	inbox     *inbox.Inbox
	validator ProjectRootValidator
	messages  MessageLogger
	bus       *eventbus.Bus
	logger    *slog.Logger
}

func New(engine TurnEngine, state StateReader, in *inbox.Inbox, validator ProjectRootValidator, messages MessageLogger, bus *eventbus.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine:    engine,
		state:     state,
		inbox:     in,
		validator: validator,
		messages:  messages,
		bus:       bus,
		logger:    logger,
	}
}

// Dispatch routes cmd to its handler. Unknown command types are a no-op per
// spec §6.1: "dispatcher returns null without side effects."
func (d *Dispatcher) Dispatch(ctx context.Context, cmd interface{}) error {
	switch c := cmd.(type) {
	case UserRequest:
		return d.handleUserRequest(ctx, c)
	case UserQuestionAnswered:
		return d.handleQuestionAnswered(ctx, c)
	case UserApprovalDecided:
		return d.handleApprovalDecided(ctx, c)
	case UserPlanApprovalDecided:
		return d.handlePlanApprovalDecided(ctx, c)
	default:
		return nil
	}
}

func (d *Dispatcher) handleUserRequest(ctx context.Context, c UserRequest) error {
	if c.ProjectRoot != "" && d.validator != nil && !d.validator.Allowed(c.ProjectRoot) {
		return ErrProjectRootDenied{Root: c.ProjectRoot}
	}

	st, err := d.state.EnsureLoaded(ctx, c.SessionID)
	if err != nil {
		return fmt.Errorf("dispatcher: load state: %w", err)
	}

	if st.IsLoopRunning {
		d.inbox.Push(c.SessionID, c.Message, "user_request")
		d.bus.Emit(ctx, eventbus.EmitOpts{
			SessionID:  c.SessionID,
			RequestID:  c.RequestID,
			Source:     "dispatcher",
			Visibility: domain.VisibilityUI,
			EventType:  eventbus.EventMessageQueued,
			Payload:    map[string]interface{}{"message": c.Message},
		})
		return nil
	}

	if err := d.messages.SaveUserMessage(ctx, c.SessionID, c.RequestID, c.Message); err != nil {
		d.logger.Error("dispatcher: save user message failed", "session_id", c.SessionID, "error", err)
	}

	outcome, err := d.engine.StartTurn(ctx, c)
	return d.finish(ctx, c.SessionID, c.RequestID, outcome, err)
}

func (d *Dispatcher) handleQuestionAnswered(ctx context.Context, c UserQuestionAnswered) error {
	d.bus.Emit(ctx, eventbus.EmitOpts{
		SessionID:  c.SessionID,
		Source:     "dispatcher",
		Visibility: domain.VisibilityUI,
		EventType:  eventbus.EventGateQuestionResolved,
		Payload:    map[string]interface{}{"questionId": c.QuestionID, "answer": c.Answer},
	})
	outcome, err := d.engine.ResumeWithAnswer(ctx, c.SessionID, c.QuestionID, c.Answer)
	return d.finish(ctx, c.SessionID, "", outcome, err)
}

func (d *Dispatcher) handleApprovalDecided(ctx context.Context, c UserApprovalDecided) error {
	d.bus.Emit(ctx, eventbus.EmitOpts{
		SessionID:  c.SessionID,
		Source:     "dispatcher",
		Visibility: domain.VisibilityUI,
		EventType:  eventbus.EventGateApprovalResolved,
		Payload:    map[string]interface{}{"approvalId": c.ApprovalID, "approved": c.Approved},
	})
	outcome, err := d.engine.ResumeWithApproval(ctx, c.SessionID, c.ApprovalID, c.Approved)
	return d.finish(ctx, c.SessionID, "", outcome, err)
}

func (d *Dispatcher) handlePlanApprovalDecided(ctx context.Context, c UserPlanApprovalDecided) error {
	d.bus.Emit(ctx, eventbus.EmitOpts{
		SessionID:  c.SessionID,
		Source:     "dispatcher",
		Visibility: domain.VisibilityUI,
		EventType:  eventbus.EventGatePlanApprovalResolved,
		Payload:    map[string]interface{}{"planId": c.PlanID, "approved": c.Approved, "reason": c.Reason},
	})
	outcome, err := d.engine.ResumeWithPlanApproval(ctx, c.SessionID, c.PlanID, c.Approved, c.Reason)
	return d.finish(ctx, c.SessionID, "", outcome, err)
}

// finish applies spec §4.8/§5's terminal-delivery rule: the dispatcher is
// the only emitter of wf.completed/wf.failed, and it emits only after
// persisting the assistant message. A turn that suspended on a new gate
// (empty outcome, nil error) emits nothing here — the gate-queued event
// already carried the relevant UI update.
func (d *Dispatcher) finish(ctx context.Context, sessionID, requestID string, outcome TurnOutcome, err error) error {
	if err != nil {
		d.bus.Emit(ctx, eventbus.EmitOpts{
			SessionID:  sessionID,
			RequestID:  requestID,
			Source:     "dispatcher",
			Visibility: domain.VisibilityUI,
			EventType:  eventbus.EventFailed,
			Payload:    map[string]interface{}{"error": err.Error()},
		})
		return err
	}

	if outcome.Answer == "" && !outcome.Failed {
		return nil
	}

	if outcome.Answer != "" {
		if saveErr := d.messages.SaveAssistantMessage(ctx, sessionID, requestID, outcome.Answer); saveErr != nil {
			d.logger.Error("dispatcher: save assistant message failed", "session_id", sessionID, "error", saveErr)
		}
	}

	eventType := eventbus.EventCompleted
	payload := map[string]interface{}{
		"answer":         outcome.Answer,
		"pendingActions": outcome.PendingAction,
		"agentHistory":   outcome.AgentHistory,
	}
	if outcome.Failed {
		eventType = eventbus.EventFailed
		payload["error"] = outcome.FailureReason
	}

	d.bus.Emit(ctx, eventbus.EmitOpts{
		SessionID:  sessionID,
		RequestID:  requestID,
		Source:     "dispatcher",
		Visibility: domain.VisibilityUI,
		EventType:  eventType,
		Payload:    payload,
	})
	return nil
}
