package projection

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/eventbus"
)

// StreamEvent is the WebSocket-shaped event the gateway forwards to clients
// (spec §6.2).
type StreamEvent struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Category  string      `json:"category"`
	SessionID string      `json:"sessionId"`
	RequestID string      `json:"requestId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// StreamSink receives WS-shaped events, normally a gateway broadcaster.
type StreamSink interface {
	BroadcastStream(ctx context.Context, sessionID string, event StreamEvent)
}

// streamCategory maps a domain event type to its WS category name
// (spec §6.2 lists at minimum: agent_start, agent_thinking, agent_switch,
// delegation, tool_call, tool_result, user_question, approval_request,
// action_pending, agent_complete, error, response, parallel_start,
// parallel_progress, parallel_complete, inbox_processing, message_queued).
var streamCategory = map[string]string{
	eventbus.EventAgentStarted:          "agent_start",
	eventbus.EventAgentThinking:         "agent_thinking",
	eventbus.EventAgentSwitched:         "agent_switch",
	eventbus.EventAgentDelegated:        "delegation",
	eventbus.EventToolCallStarted:       "tool_call",
	eventbus.EventToolCallCompleted:     "tool_result",
	eventbus.EventToolCallFailed:        "tool_result",
	eventbus.EventGateQuestionQueued:    "user_question",
	eventbus.EventGateApprovalQueued:    "approval_request",
	eventbus.EventToolActionPending:     "action_pending",
	eventbus.EventAgentCompleted:        "agent_complete",
	eventbus.EventAgentFailed:           "error",
	eventbus.EventMessageQueued:         "message_queued",
	eventbus.EventInboxProcessing:       "inbox_processing",
}

// skippedTerminal is the set of events StreamProjection never forwards. The
// dispatcher emits wf.completed/wf.failed only on the bus (wf.completed
// carries answer, pendingActions and agentHistory); nothing sends a terminal
// `response` event to the stream sink.
var skippedTerminal = map[string]bool{
	eventbus.EventCompleted: true,
	eventbus.EventFailed:    true,
}

// StreamProjection is the Stream Projection of spec §4.7.
type StreamProjection struct {
	sink StreamSink
}

func NewStreamProjection(sink StreamSink) *StreamProjection {
	return &StreamProjection{sink: sink}
}

func (p *StreamProjection) Name() string { return "stream" }

func (p *StreamProjection) Apply(ctx context.Context, env domain.WorkflowEventEnvelope) error {
	if skippedTerminal[env.EventType] {
		return nil
	}
	category, known := streamCategory[env.EventType]
	if !known {
		category = env.EventType
	}
	p.sink.BroadcastStream(ctx, env.SessionID, StreamEvent{
		ID:        uuid.NewString(),
		Timestamp: env.OccurredAt,
		Category:  category,
		SessionID: env.SessionID,
		RequestID: env.RequestID,
		Payload:   env.Payload,
	})
	return nil
}

var _ eventbus.Projection = (*StreamProjection)(nil)
