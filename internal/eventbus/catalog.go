package eventbus

// Domain event type names (spec §6.3). Projections switch on these; the
// dispatcher and turn engine are the only emitters.
const (
	EventTurnStarted = "wf.turn_started"
	EventCompleted   = "wf.completed"
	EventFailed      = "wf.failed"

	EventAgentStarted   = "agent.started"
	EventAgentSwitched  = "agent.switched"
	EventAgentDelegated = "agent.delegated"
	EventAgentCompleted = "agent.completed"
	EventAgentFailed    = "agent.failed"
	EventAgentThinking  = "agent.thinking"
	EventAgentHistory   = "agent.history"

	EventToolCallStarted   = "tool.call.started"
	EventToolCallCompleted = "tool.call.completed"
	EventToolCallFailed    = "tool.call.failed"
	EventToolActionPending = "tool.action_pending"
	EventToolActionUpdated = "tool.action_updated"

	EventGateQuestionQueued         = "gate.question.queued"
	EventGateQuestionResolved       = "gate.question.resolved"
	EventGateApprovalQueued         = "gate.approval.queued"
	EventGateApprovalResolved       = "gate.approval.resolved"
	EventGatePlanApprovalResolved   = "gate.plan_approval.resolved"

	EventTaskUpdated   = "task.updated"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventPlanReady     = "plan.ready"

	EventMessageQueued   = "message.queued"
	EventInboxProcessing = "inbox.processing"

	EventSystemHeartbeat = "system.heartbeat"
)

// internalNoiseEvents is the set of event types the Markdown Log Projection
// skips (spec §4.7: "skips internal events and noise").
var internalNoiseEvents = map[string]bool{
	EventAgentThinking:   true,
	EventAgentHistory:    true,
	EventSystemHeartbeat: true,
}

// IsMarkdownNoise reports whether eventType is excluded from the markdown
// transcript.
func IsMarkdownNoise(eventType string) bool {
	return internalNoiseEvents[eventType]
}
