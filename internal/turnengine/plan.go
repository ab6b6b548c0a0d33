package turnengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/providers"
)

const toolSetChapoPlan = "setChapoPlan"

var validPlanOwners = map[domain.AgentRole]bool{
	domain.RoleChapo: true, domain.RoleDevo: true, domain.RoleCaio: true, domain.RoleScout: true,
}

var validPlanStatuses = map[domain.TaskStatus]bool{
	domain.TaskTodo: true, domain.TaskDoing: true, domain.TaskDone: true, domain.TaskBlocked: true,
}

// handleSetChapoPlan implements spec §4.5.5: validate the proposed plan and,
// on success, write a versioned ChapoPlan into TaskContext.GatheredInfo.
func (e *Engine) handleSetChapoPlan(ctx context.Context, tc turnContext, call providers.ToolCall) providers.Message {
	title, _ := call.Arguments["title"].(string)
	rawSteps, _ := call.Arguments["steps"].([]interface{})

	steps, err := parsePlanSteps(rawSteps)
	if err == nil {
		err = validatePlan(title, steps)
	}
	if err != nil {
		return providers.Message{Role: "tool", Content: "plan rejected: " + err.Error(), ToolCallID: call.ID}
	}

	var version int
	var planID string
	_ = e.state.Update(ctx, tc.sessionID, func(s *domain.ConversationState) {
		if s.CurrentPlan != nil {
			version = s.CurrentPlan.Version
			planID = s.CurrentPlan.PlanID
			s.PlanHistory = append(s.PlanHistory, *s.CurrentPlan)
		} else {
			planID = uuid.NewString()
		}
		plan := domain.ChapoPlan{
			PlanID:    planID,
			Version:   version + 1,
			Title:     title,
			Steps:     steps,
			UpdatedAt: time.Now(),
		}
		s.CurrentPlan = &plan
		if s.TaskContext.GatheredInfo == nil {
			s.TaskContext.GatheredInfo = map[string]interface{}{}
		}
		s.TaskContext.GatheredInfo["chapoPlan"] = plan
		s.Tasks = steps
	})

	encoded, _ := json.Marshal(map[string]interface{}{"planId": planID, "version": version + 1, "accepted": true})
	return providers.Message{Role: "tool", Content: string(encoded), ToolCallID: call.ID}
}

func parsePlanSteps(raw []interface{}) ([]domain.Task, error) {
	steps := make([]domain.Task, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("step is not an object")
		}
		id, _ := m["id"].(string)
		text, _ := m["text"].(string)
		owner, _ := m["owner"].(string)
		status, _ := m["status"].(string)
		steps = append(steps, domain.Task{
			ID:     id,
			Text:   text,
			Owner:  domain.AgentRole(owner),
			Status: domain.TaskStatus(status),
		})
	}
	return steps, nil
}

// validatePlan enforces spec §4.5.5's rules: non-empty title; at least one
// step; unique ids; owners/statuses drawn from the enums; at most one
// "doing".
func validatePlan(title string, steps []domain.Task) error {
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if len(steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	seenIDs := make(map[string]bool, len(steps))
	doingCount := 0
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("step is missing an id")
		}
		if seenIDs[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seenIDs[s.ID] = true

		if !validPlanOwners[s.Owner] {
			return fmt.Errorf("step %q has invalid owner %q", s.ID, s.Owner)
		}
		if !validPlanStatuses[s.Status] {
			return fmt.Errorf("step %q has invalid status %q", s.ID, s.Status)
		}
		if s.Status == domain.TaskDoing {
			doingCount++
		}
	}
	if doingCount > 1 {
		return fmt.Errorf("at most one step may be %q", domain.TaskDoing)
	}
	return nil
}
