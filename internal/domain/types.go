// Package domain holds the orchestration core's data model: the entities
// named in the specification (Session, ConversationState, Obligation,
// UserQuestion, ApprovalRequest, Action, ScheduledJob, WorkflowEventEnvelope,
// InboxMessage) and the small set of invariants that every mutator must
// uphold. Nothing in this package talks to a store, the bus, or the network —
// it is the shape other packages agree on.
package domain

import "time"

// AgentRole is one of the four orchestration roles: the primary orchestrator
// and its three delegable sub-agents.
type AgentRole string

const (
	RoleChapo AgentRole = "chapo"
	RoleDevo  AgentRole = "devo"
	RoleCaio  AgentRole = "caio"
	RoleScout AgentRole = "scout"
)

// Phase is the session's high-level conversational phase.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseRunning      Phase = "running"
	PhaseWaitingUser  Phase = "waiting_user"
)

// MaxAgentHistory bounds ConversationState.AgentHistory in persisted form.
const MaxAgentHistory = 200

// AgentHistoryEntry records one agent-switch event for the session timeline.
type AgentHistoryEntry struct {
	Agent     AgentRole `json:"agent"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskStatus is a task's lifecycle state within a turn's plan.
type TaskStatus string

const (
	TaskTodo    TaskStatus = "todo"
	TaskDoing   TaskStatus = "doing"
	TaskDone    TaskStatus = "done"
	TaskBlocked TaskStatus = "blocked"
)

// Task is one line item of a ChapoPlan.
type Task struct {
	ID     string     `json:"id"`
	Text   string     `json:"text"`
	Owner  AgentRole  `json:"owner"`
	Status TaskStatus `json:"status"`
}

// ChapoPlan is the versioned plan written by the setChapoPlan control tool
// (spec §4.5.5), stored under ConversationState.TaskContext.GatheredInfo["chapoPlan"].
type ChapoPlan struct {
	PlanID    string    `json:"planId"`
	Version   int       `json:"version"`
	Title     string    `json:"title"`
	Steps     []Task    `json:"steps"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TaskContext carries the originating request and everything gathered while
// servicing it.
type TaskContext struct {
	OriginalRequest  string                 `json:"originalRequest"`
	GatheredInfo     map[string]interface{} `json:"gatheredInfo,omitempty"`
	GatheredFiles    []string               `json:"gatheredFiles,omitempty"`
	ApprovalGranted  bool                   `json:"approvalGranted"`
}

// ObligationOrigin distinguishes obligations seeded by the primary turn from
// ones seeded by a queued inbox message.
type ObligationOrigin string

const (
	ObligationOriginPrimary ObligationOrigin = "primary"
	ObligationOriginInbox   ObligationOrigin = "inbox"
)

// ObligationStatus. Transitions only move open -> {satisfied, failed, waived}.
type ObligationStatus string

const (
	ObligationOpen      ObligationStatus = "open"
	ObligationSatisfied ObligationStatus = "satisfied"
	ObligationFailed    ObligationStatus = "failed"
	ObligationWaived    ObligationStatus = "waived"
)

// Obligation is a tracked requirement derived from a user message that must
// eventually be satisfied, waived, or failed (spec §3, GLOSSARY).
type Obligation struct {
	ID              string           `json:"id"`
	TurnID          string           `json:"turnId"`
	Origin          ObligationOrigin `json:"origin"`
	Blocking        bool             `json:"blocking"`
	RequiredOutcome string           `json:"requiredOutcome"`
	Description     string           `json:"description"`
	Status          ObligationStatus `json:"status"`
	CreatedAt       time.Time        `json:"createdAt"`
	ResolvedAt      *time.Time       `json:"resolvedAt,omitempty"`
	SourceAgent     AgentRole        `json:"sourceAgent,omitempty"`
}

// CanTransitionTo reports whether moving from o.Status to next is legal.
// Only open -> {satisfied, failed, waived} is allowed; everything else,
// including any move out of a terminal status, is rejected.
func (o *Obligation) CanTransitionTo(next ObligationStatus) bool {
	if o.Status != ObligationOpen {
		return false
	}
	switch next {
	case ObligationSatisfied, ObligationFailed, ObligationWaived:
		return true
	default:
		return false
	}
}

// UserQuestion is a gate raised by the askUser tool (spec §4.5.2, §4.5.4).
type UserQuestion struct {
	QuestionID   string     `json:"questionId"`
	Question     string     `json:"question"`
	FromAgent    AgentRole  `json:"fromAgent"`
	Timestamp    time.Time  `json:"timestamp"`
	TurnID       string     `json:"turnId,omitempty"`
	QuestionKind string     `json:"questionKind,omitempty"`
	Fingerprint  string     `json:"fingerprint,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the question's expiry has passed as of now.
func (q *UserQuestion) Expired(now time.Time) bool {
	return q.ExpiresAt != nil && now.After(*q.ExpiresAt)
}

// RiskLevel classifies an ApprovalRequest/Action for UI presentation.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ApprovalRequest is a gate raised by the requestApproval tool.
type ApprovalRequest struct {
	ApprovalID string      `json:"approvalId"`
	Description string     `json:"description"`
	RiskLevel  RiskLevel   `json:"riskLevel"`
	Actions    []string    `json:"actions"`
	FromAgent  AgentRole   `json:"fromAgent"`
	Context    string      `json:"context,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ActionStatus. Legal paths: pending -> {approved -> executing -> {done|failed} | rejected}.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionApproved  ActionStatus = "approved"
	ActionExecuting ActionStatus = "executing"
	ActionDone      ActionStatus = "done"
	ActionFailed    ActionStatus = "failed"
	ActionRejected  ActionStatus = "rejected"
)

// Action is a pending-or-resolved tool invocation created by the Approval
// Bridge when a tool requires confirmation (spec §4.3, §4.4).
type Action struct {
	ID          string                 `json:"id"`
	ToolName    string                 `json:"toolName"`
	ToolArgs    map[string]interface{} `json:"toolArgs"`
	Description string                 `json:"description"`
	Status      ActionStatus           `json:"status"`
	CreatedAt   time.Time              `json:"createdAt"`
	Preview     string                 `json:"preview,omitempty"`
	ApprovedAt  *time.Time             `json:"approvedAt,omitempty"`
	RejectedAt  *time.Time             `json:"rejectedAt,omitempty"`
	ExecutedAt  *time.Time             `json:"executedAt,omitempty"`
	Result      string                 `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// CanTransitionTo enforces the Action.status state machine (spec §3 invariant).
func (a *Action) CanTransitionTo(next ActionStatus) bool {
	switch a.Status {
	case ActionPending:
		return next == ActionApproved || next == ActionRejected
	case ActionApproved:
		return next == ActionExecuting
	case ActionExecuting:
		return next == ActionDone || next == ActionFailed
	default:
		return false
	}
}

// ScheduledJobStatus.
type ScheduledJobStatus string

const (
	JobActive           ScheduledJobStatus = "active"
	JobDisabledByError  ScheduledJobStatus = "disabled_by_error"
	JobPaused           ScheduledJobStatus = "paused"
)

// ScheduledJob is a cron-registered instruction (spec §3, §4.9).
type ScheduledJob struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	CronExpression      string             `json:"cronExpression"`
	Instruction         string             `json:"instruction"`
	NotificationChannel string             `json:"notificationChannel,omitempty"`
	Enabled             bool               `json:"enabled"`
	OneShot             bool               `json:"oneShot"`
	Status              ScheduledJobStatus `json:"status"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
	LastRunAt           *time.Time         `json:"lastRunAt,omitempty"`
	LastResult          string             `json:"lastResult,omitempty"`
	LastErrorAt         *time.Time         `json:"lastErrorAt,omitempty"`
}

// InboxMessage is a user message pushed to the per-session Inbox while a turn
// loop is already running (spec §4.2).
type InboxMessage struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	ReceivedAt   time.Time `json:"receivedAt"`
	Acknowledged bool      `json:"acknowledged"`
	Source       string    `json:"source"`
}

// ConversationState is the per-session authoritative document owned by the
// State Store (spec §3, §4.1).
type ConversationState struct {
	Phase         Phase               `json:"phase"`
	ActiveAgent   AgentRole           `json:"activeAgent"`
	AgentHistory  []AgentHistoryEntry `json:"agentHistory"`
	TaskContext   TaskContext         `json:"taskContext"`

	PendingQuestions []UserQuestion    `json:"pendingQuestions,omitempty"`
	PendingApprovals []ApprovalRequest `json:"pendingApprovals,omitempty"`

	ParallelExecutions int        `json:"parallelExecutions"`
	Tasks              []Task     `json:"tasks,omitempty"`
	TaskOrder          []string   `json:"taskOrder,omitempty"`

	IsLoopRunning bool   `json:"isLoopRunning"`
	ActiveTurnID  string `json:"activeTurnId,omitempty"`

	CurrentPlan *ChapoPlan   `json:"currentPlan,omitempty"`
	PlanHistory []ChapoPlan  `json:"planHistory,omitempty"`

	Obligations []Obligation `json:"obligations,omitempty"`
}

// NewConversationState returns the default document for a session that has
// never been persisted.
func NewConversationState() *ConversationState {
	return &ConversationState{
		Phase:       PhaseIdle,
		ActiveAgent: RoleChapo,
		TaskContext: TaskContext{GatheredInfo: map[string]interface{}{}},
	}
}

// TrimAgentHistory returns the last MaxAgentHistory entries, the form
// required for persistence (spec §3 invariant).
func (c *ConversationState) TrimAgentHistory() {
	if len(c.AgentHistory) > MaxAgentHistory {
		c.AgentHistory = append([]AgentHistoryEntry(nil), c.AgentHistory[len(c.AgentHistory)-MaxAgentHistory:]...)
	}
}

// WaiveStaleObligations waives every open obligation whose turnId differs
// from currentTurnID, used when an explicit new request supersedes the
// previous turn (spec §4.5.1 step 4, testable property 7).
func (c *ConversationState) WaiveStaleObligations(currentTurnID string) {
	now := time.Now()
	for i := range c.Obligations {
		ob := &c.Obligations[i]
		if ob.TurnID != currentTurnID && ob.Status == ObligationOpen {
			ob.Status = ObligationWaived
			ob.ResolvedAt = &now
		}
	}
}

// Visibility controls whether an event is UI-facing or internal-only.
type Visibility string

const (
	VisibilityUI       Visibility = "ui"
	VisibilityInternal Visibility = "internal"
)

// WorkflowEventEnvelope is the typed record fanned out by the Event Bus
// (spec §2, §4.7).
type WorkflowEventEnvelope struct {
	ID         string      `json:"id"`
	OccurredAt time.Time   `json:"occurredAt"`
	SessionID  string      `json:"sessionId"`
	RequestID  string      `json:"requestId"`
	TurnID     string      `json:"turnId,omitempty"`
	Source     string      `json:"source"`
	Visibility Visibility  `json:"visibility"`
	EventType  string      `json:"eventType"`
	Payload    interface{} `json:"payload,omitempty"`
}
