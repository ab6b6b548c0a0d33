package approval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/mojo117/orchestra/internal/domain"
)

// ErrActionNotFound is returned, with this exact text, by operations against
// an unknown action id (spec §8 boundary behaviors: "Action store cold
// start ... throws 'Action not found'").
var ErrActionNotFound = errors.New("Action not found")

// ErrActionNotPending is returned when approve/reject targets an action that
// is no longer pending (spec §3 invariant: Action.status transitions are a
// strict one-way machine).
var ErrActionNotPending = errors.New("action is not pending")

// ActionPersister is the durable backing for ActionStore (spec §6.4 "actions"
// rows).
type ActionPersister interface {
	LoadAction(ctx context.Context, actionID string) (*domain.Action, bool, error)
	SaveAction(ctx context.Context, action *domain.Action) error
}

// Broadcaster notifies observers (the Stream Projection, effectively) of
// action lifecycle changes (spec §4.4: "Broadcast action_pending"/"action_updated").
type Broadcaster interface {
	BroadcastActionPending(ctx context.Context, action *domain.Action)
	BroadcastActionUpdated(ctx context.Context, action *domain.Action)
}

// ActionStore is the Action Store (A): a mapping from action id to Action,
// backed by durable storage (spec §4.4).
type ActionStore struct {
	persister   ActionPersister
	broadcaster Broadcaster
	executor    ToolExecutor
	logger      *slog.Logger

	mu      sync.Mutex
	actions map[string]*domain.Action
}

// NewActionStore constructs an ActionStore. broadcaster may be nil in tests.
func NewActionStore(persister ActionPersister, executor ToolExecutor, broadcaster Broadcaster, logger *slog.Logger) *ActionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionStore{
		persister:   persister,
		executor:    executor,
		broadcaster: broadcaster,
		logger:      logger,
		actions:     make(map[string]*domain.Action),
	}
}

// createAction stores the action in memory and schedules a durable write;
// persistence failure is non-fatal (logged, memory-only mode) per spec §4.4.
func (a *ActionStore) createAction(ctx context.Context, action *domain.Action) {
	a.mu.Lock()
	a.actions[action.ID] = action
	a.mu.Unlock()

	if a.persister != nil {
		if err := a.persister.SaveAction(ctx, action); err != nil {
			a.logger.Warn("action store: durable write failed, continuing memory-only", "action_id", action.ID, "error", err)
		}
	}
	if a.broadcaster != nil {
		a.broadcaster.BroadcastActionPending(ctx, action)
	}
}

// Get returns the in-memory action, loading from the persister on miss.
func (a *ActionStore) Get(ctx context.Context, actionID string) (*domain.Action, error) {
	a.mu.Lock()
	action, ok := a.actions[actionID]
	a.mu.Unlock()
	if ok {
		return action, nil
	}
	if a.persister == nil {
		return nil, ErrActionNotFound
	}
	loaded, found, err := a.persister.LoadAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrActionNotFound
	}
	a.mu.Lock()
	a.actions[actionID] = loaded
	a.mu.Unlock()
	return loaded, nil
}

// ApproveAndExecute drives the pending -> approved -> executing -> {done|failed}
// sequence of spec §4.4.
func (a *ActionStore) ApproveAndExecute(ctx context.Context, actionID string) (*domain.Action, error) {
	action, err := a.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if action.Status != domain.ActionPending {
		a.mu.Unlock()
		return nil, ErrActionNotPending
	}
	now := nowFunc()
	action.Status = domain.ActionApproved
	action.ApprovedAt = &now
	a.mu.Unlock()
	a.persist(ctx, action)
	a.auditApproval(action)

	a.mu.Lock()
	action.Status = domain.ActionExecuting
	a.mu.Unlock()
	a.persist(ctx, action)

	result, isError, execErr := a.executor.Execute(ctx, action.ToolName, action.ToolArgs, true)

	a.mu.Lock()
	executedAt := nowFunc()
	action.ExecutedAt = &executedAt
	if execErr != nil {
		action.Status = domain.ActionFailed
		action.Error = execErr.Error()
	} else if isError {
		action.Status = domain.ActionFailed
		action.Error = result
	} else {
		action.Status = domain.ActionDone
		action.Result = result
	}
	a.mu.Unlock()

	a.persist(ctx, action)
	if a.broadcaster != nil {
		a.broadcaster.BroadcastActionUpdated(ctx, action)
	}
	return action, nil
}

// Reject transitions pending -> rejected; illegal from any other state
// (spec §4.4).
func (a *ActionStore) Reject(ctx context.Context, actionID string) (*domain.Action, error) {
	action, err := a.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	if action.Status != domain.ActionPending {
		a.mu.Unlock()
		return nil, ErrActionNotPending
	}
	now := nowFunc()
	action.Status = domain.ActionRejected
	action.RejectedAt = &now
	a.mu.Unlock()

	a.persist(ctx, action)
	if a.broadcaster != nil {
		a.broadcaster.BroadcastActionUpdated(ctx, action)
	}
	return action, nil
}

func (a *ActionStore) persist(ctx context.Context, action *domain.Action) {
	if a.persister == nil {
		return
	}
	if err := a.persister.SaveAction(ctx, action); err != nil {
		a.logger.Warn("action store: durable write failed", "action_id", action.ID, "error", err)
	}
}

func (a *ActionStore) auditApproval(action *domain.Action) {
	a.logger.Info("action approved", "action_id", action.ID, "tool", action.ToolName, "args", sanitizeArgs(action.ToolArgs))
}

// sanitizeArgs truncates strings >200 chars and elides "content" fields to a
// length marker before writing to the audit log (spec §4.4).
func sanitizeArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if k == "content" {
			if s, ok := v.(string); ok {
				out[k] = sizeMarker(len(s))
				continue
			}
		}
		if s, ok := v.(string); ok && len(s) > 200 {
			out[k] = s[:200] + "...(truncated)"
			continue
		}
		out[k] = v
	}
	return out
}

func sizeMarker(n int) string {
	b, _ := json.Marshal(n)
	return "<elided, " + string(b) + " bytes>"
}
