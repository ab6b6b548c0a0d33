// Package approval implements the Action Approval Bridge (spec §4.3) and the
// Action Store (spec §4.4): the state machine that takes a tool-call request,
// consults policy, and either executes it or creates a pending Action
// awaiting user approval.
//
// Grounded in the teacher's internal/tools/delegate_state.go (sync.Map-style
// per-entity tracking and status-string machine) and internal/tools/policy.go
// (multi-step evaluation pipeline) — the teacher itself has no confirmation
// gate of its own; this is the DESIGN.md-documented gap that package fills.
package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mojo117/orchestra/internal/domain"
)

// ToolExecutor runs a tool by name once the Bridge has cleared it, or once
// the Action Store approves it. bypassConfirmation tells an executor whose
// own tools wrap a confirmation prompt to skip that prompt (spec §4.3 step 5).
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, args map[string]interface{}, bypassConfirmation bool) (result string, isError bool, err error)
}

// PermissionDecision is the result of consulting permission policy.
type PermissionDecision struct {
	Allowed              bool
	RequiresConfirmation bool
	Reason               string
}

// PermissionPolicy consults the tool/agent/user permission configuration
// (spec §4.3 step 3).
type PermissionPolicy interface {
	Check(ctx context.Context, tool string, args map[string]interface{}, userID string) PermissionDecision
}

// AgentAuthorizer reports whether an agent's tool whitelist (registry plus
// per-agent external-tool map) contains a normalized tool name
// (spec §4.3 step 2).
type AgentAuthorizer interface {
	Allowed(agent domain.AgentRole, tool string) bool
}

// OnActionPending is invoked for audit/UI when a new Action is created
// (spec §4.3 step 4).
type OnActionPending func(ctx context.Context, action *domain.Action)

// ExecuteOpts carries the per-call context for Bridge.Execute.
type ExecuteOpts struct {
	Agent           domain.AgentRole
	UserID          string
	OnActionPending OnActionPending
}

// ExecuteResult is the Bridge's outcome, mirroring spec §4.3's
// {success, pendingApproval?, actionId?, result?, error?} shape.
type ExecuteResult struct {
	Success        bool
	PendingApproval bool
	ActionID       string
	Description    string
	Result         string
	Error          string
}

// Bridge is the Approval Bridge (B).
type Bridge struct {
	authorizer AgentAuthorizer
	policy     PermissionPolicy
	executor   ToolExecutor
	actions    *ActionStore
}

// New constructs a Bridge. actions must not be nil: the Bridge creates
// pending Actions through it.
func New(authorizer AgentAuthorizer, policy PermissionPolicy, executor ToolExecutor, actions *ActionStore) *Bridge {
	return &Bridge{authorizer: authorizer, policy: policy, executor: executor, actions: actions}
}

// Execute runs the Approval Bridge algorithm of spec §4.3.
func (b *Bridge) Execute(ctx context.Context, toolName string, args map[string]interface{}, opts ExecuteOpts) ExecuteResult {
	normalized := NormalizeToolName(toolName)

	if opts.Agent != "" && b.authorizer != nil && !b.authorizer.Allowed(opts.Agent, normalized) {
		return ExecuteResult{Success: false, Error: fmt.Sprintf("Tool %s is not available to %s", normalized, opts.Agent)}
	}

	var decision PermissionDecision
	if b.policy != nil {
		decision = b.policy.Check(ctx, normalized, args, opts.UserID)
	} else {
		decision = PermissionDecision{Allowed: true}
	}
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		return ExecuteResult{Success: false, Error: reason}
	}

	if decision.RequiresConfirmation {
		description := DescribeTool(normalized, args)
		preview := PreviewFor(normalized, args)

		action := &domain.Action{
			ID:          uuid.NewString(),
			ToolName:    normalized,
			ToolArgs:    args,
			Description: description,
			Status:      domain.ActionPending,
			CreatedAt:   nowFunc(),
			Preview:     preview,
		}
		b.actions.createAction(ctx, action)

		if opts.OnActionPending != nil {
			opts.OnActionPending(ctx, action)
		}

		return ExecuteResult{
			Success:         true,
			PendingApproval: true,
			ActionID:        action.ID,
			Description:     description,
			Result:          fmt.Sprintf("awaiting approval (%s)", action.ID),
		}
	}

	bypass := RequiresBypassFlag(normalized)
	result, isError, err := b.executor.Execute(ctx, normalized, args, bypass)
	if err != nil {
		return ExecuteResult{Success: false, Error: err.Error()}
	}
	if isError {
		return ExecuteResult{Success: false, Error: result}
	}
	return ExecuteResult{Success: true, Result: result}
}

// Actions exposes the Bridge's backing Action Store so the dispatcher can
// drive approve/reject directly (spec §4.8 user_approval_decided).
func (b *Bridge) Actions() *ActionStore { return b.actions }

var toolAliases = map[string]string{
	"bash":         "exec",
	"apply-patch":  "apply_patch",
	"fs.write":     "fs_writeFile",
	"fs.writefile": "fs_writeFile",
	"fs.read":      "fs_readFile",
	"git.commit":   "git_commit",
}

// NormalizeToolName maps aliases and normalizes capitalization
// (spec §4.3 step 1).
func NormalizeToolName(tool string) string {
	lower := strings.ToLower(strings.TrimSpace(tool))
	if canonical, ok := toolAliases[lower]; ok {
		return canonical
	}
	return tool
}

// confirmationWrappedTools are built-in tools whose own implementation has a
// confirmation prompt baked in; the Bridge must pass bypassConfirmation=true
// once it has already gated the call, or the user would be asked twice
// (spec §4.3 step 5).
var confirmationWrappedTools = map[string]bool{
	"fs_writeFile":  true,
	"fs_editFile":   true,
	"shell_execute": true,
	"git_commit":    true,
	"git_push":      true,
}

// RequiresBypassFlag reports whether the Bridge passes bypassConfirmation=true
// to the executor for tool, i.e. whether tool is confirmation-wrapped.
func RequiresBypassFlag(tool string) bool {
	return confirmationWrappedTools[tool]
}

var nowFunc = time.Now
