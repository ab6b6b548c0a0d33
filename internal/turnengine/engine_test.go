package turnengine

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/mojo117/orchestra/internal/approval"
	"github.com/mojo117/orchestra/internal/dispatcher"
	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/eventbus"
	"github.com/mojo117/orchestra/internal/inbox"
	"github.com/mojo117/orchestra/internal/projection"
	"github.com/mojo117/orchestra/internal/providers"
	"github.com/mojo117/orchestra/internal/statestore"
)

// memPersister is a minimal in-memory statestore.Persister for tests.
type memPersister struct {
	states map[string]*domain.ConversationState
}

func newMemPersister() *memPersister { return &memPersister{states: map[string]*domain.ConversationState{}} }

func (m *memPersister) LoadState(ctx context.Context, sessionID string) (*domain.ConversationState, bool, error) {
	st, ok := m.states[sessionID]
	return st, ok, nil
}

func (m *memPersister) SaveState(ctx context.Context, sessionID string, state *domain.ConversationState) error {
	m.states[sessionID] = state
	return nil
}

// memActionPersister/Broadcaster let the Action Store run without a real DB.
type memActionPersister struct{}

func (memActionPersister) LoadAction(ctx context.Context, actionID string) (*domain.Action, bool, error) {
	return nil, false, nil
}
func (memActionPersister) SaveAction(ctx context.Context, action *domain.Action) error { return nil }

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastActionPending(ctx context.Context, action *domain.Action) {}
func (noopBroadcaster) BroadcastActionUpdated(ctx context.Context, action *domain.Action) {}

type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Allowed(agent domain.AgentRole, tool string) bool { return true }

type allowAllPolicy struct{}

func (allowAllPolicy) Check(ctx context.Context, tool string, args map[string]interface{}, userID string) approval.PermissionDecision {
	return approval.PermissionDecision{Allowed: true}
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, toolName string, args map[string]interface{}, bypassConfirmation bool) (string, bool, error) {
	return "ok", false, nil
}

// fakeProvider scripts a fixed sequence of ChatResponses, repeating the last
// one once exhausted.
type fakeProvider struct {
	responses []*providers.ChatResponse
	calls     int
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if f.calls >= len(f.responses) {
		return &providers.ChatResponse{Content: "done"}, nil
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return f.Chat(ctx, req)
}
func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

func newTestEngine(t *testing.T, responses []*providers.ChatResponse) (*Engine, *statestore.Store) {
	t.Helper()
	store := statestore.New(newMemPersister(), nil)
	bus := eventbus.New(nil)
	bus.Register(projection.NewStateProjection(store))
	bus.Register(projectionStub{})
	actions := approval.NewActionStore(memActionPersister{}, noopExecutor{}, noopBroadcaster{}, nil)
	bridge := approval.New(allowAllAuthorizer{}, allowAllPolicy{}, noopExecutor{}, actions)

	engine := New(Config{
		State:    store,
		Inbox:    inbox.New(),
		Bus:      bus,
		Bridge:   bridge,
		Provider: &fakeProvider{responses: responses},
		Model:    "fake-model",
		SystemPrompt: func(agent domain.AgentRole) string { return "you are " + string(agent) },
		AgentTools:   func(agent domain.AgentRole) []providers.ToolDefinition { return nil },
		Delegates:    map[domain.AgentRole]SubAgentDispatch{},
	})
	return engine, store
}

// projectionStub is a bare eventbus.Projection that ignores every envelope;
// newTestEngine registers it after the real StateProjection, which applies
// turn-start and gate-queued events to the store as in the CLI wiring.
type projectionStub struct{}

func (projectionStub) Name() string { return "stub" }
func (projectionStub) Apply(ctx context.Context, env domain.WorkflowEventEnvelope) error { return nil }

func TestStartTurn_CompletesWithoutToolCalls(t *testing.T) {
	engine, _ := newTestEngine(t, []*providers.ChatResponse{
		{Content: "hello back", FinishReason: "stop"},
	})

	outcome, err := engine.StartTurn(context.Background(), dispatcher.UserRequest{SessionID: "s1", Message: "hi there"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Answer != "hello back" {
		t.Errorf("answer = %q, want %q", outcome.Answer, "hello back")
	}
	if outcome.Failed {
		t.Errorf("unexpected failure")
	}
}

func TestStartTurn_AskUserSuspends(t *testing.T) {
	engine, store := newTestEngine(t, []*providers.ChatResponse{
		{
			ToolCalls: []providers.ToolCall{
				{ID: "1", Name: "askUser", Arguments: map[string]interface{}{"question": "which env?"}},
			},
			FinishReason: "tool_calls",
		},
	})

	outcome, err := engine.StartTurn(context.Background(), dispatcher.UserRequest{SessionID: "s2", Message: "deploy it"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Answer != "" || outcome.Failed {
		t.Fatalf("expected a suspended (zero) outcome, got %+v", outcome)
	}

	st, ok := store.Get("s2")
	if !ok {
		t.Fatal("expected state to be loaded")
	}
	if st.Phase != domain.PhaseWaitingUser {
		t.Errorf("phase = %q, want waiting_user", st.Phase)
	}
	if len(st.PendingQuestions) != 1 {
		t.Fatalf("pending questions = %d, want 1", len(st.PendingQuestions))
	}
}

func TestStartTurn_QueuesWhenLoopRunning(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	_ = store.Update(context.Background(), "s3", func(s *domain.ConversationState) {
		s.IsLoopRunning = true
	})

	outcome, err := engine.StartTurn(context.Background(), dispatcher.UserRequest{SessionID: "s3", Message: "another message"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Answer != "" || outcome.Failed {
		t.Errorf("expected a queued (zero) outcome, got %+v", outcome)
	}
	if !engine.inbox.Peek("s3") {
		t.Errorf("expected message to be queued in inbox")
	}
}

func TestClassifyIntake(t *testing.T) {
	waiting := &domain.ConversationState{
		Phase:            domain.PhaseWaitingUser,
		PendingQuestions: []domain.UserQuestion{{QuestionID: "q1"}},
	}

	tests := []struct {
		name string
		text string
		st   *domain.ConversationState
		want IntakeKind
	}{
		{"plain new request", "please restart the server", &domain.ConversationState{}, IntakeNewRequest},
		{"casual greeting", "hey", &domain.ConversationState{}, IntakeCasualChat},
		{"answer while waiting", "the staging one", waiting, IntakeAnswerToQuestion},
		{"override while waiting", "actually forget that, do something else entirely with a much longer message", waiting, IntakeNewRequest},
		{"short clarifying question", "which one?", &domain.ConversationState{}, IntakeClarification},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyIntake(tt.text, tt.st)
			if got != tt.want {
				t.Errorf("ClassifyIntake(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestShouldCreateObligation(t *testing.T) {
	if !ShouldCreateObligation(IntakeNewRequest) {
		t.Error("new_request should create an obligation")
	}
	for _, kind := range []IntakeKind{IntakeAnswerToQuestion, IntakeApprovalYes, IntakeApprovalNo, IntakeCasualChat, IntakeClarification} {
		if ShouldCreateObligation(kind) {
			t.Errorf("%q should not create an obligation", kind)
		}
	}
}

func TestValidatePlan(t *testing.T) {
	validSteps := []domain.Task{
		{ID: "1", Text: "do x", Owner: domain.RoleDevo, Status: domain.TaskDoing},
		{ID: "2", Text: "do y", Owner: domain.RoleCaio, Status: domain.TaskTodo},
	}

	tests := []struct {
		name    string
		title   string
		steps   []domain.Task
		wantErr bool
	}{
		{"valid plan", "rollout", validSteps, false},
		{"empty title", "", validSteps, true},
		{"no steps", "rollout", nil, true},
		{"duplicate id", "rollout", []domain.Task{validSteps[0], validSteps[0]}, true},
		{"bad owner", "rollout", []domain.Task{{ID: "1", Owner: "mallory", Status: domain.TaskTodo}}, true},
		{"bad status", "rollout", []domain.Task{{ID: "1", Owner: domain.RoleDevo, Status: "limbo"}}, true},
		{
			"two doing", "rollout",
			[]domain.Task{
				{ID: "1", Owner: domain.RoleDevo, Status: domain.TaskDoing},
				{ID: "2", Owner: domain.RoleCaio, Status: domain.TaskDoing},
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePlan(tt.title, tt.steps)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePlan() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPreflightAnswer(t *testing.T) {
	t.Run("empty draft", func(t *testing.T) {
		r := PreflightAnswer("", nil, false, "")
		if r.OK || len(r.Issues) != 1 || r.Issues[0] != "missing_answer" {
			t.Errorf("got %+v", r)
		}
	})

	t.Run("addresses obligation", func(t *testing.T) {
		r := PreflightAnswer(
			"I restarted the payments service and confirmed it is healthy again.",
			[]string{"restart the payments service"},
			false, "",
		)
		if !r.OK {
			t.Errorf("expected ok, got %+v", r)
		}
	})

	t.Run("misses obligation", func(t *testing.T) {
		r := PreflightAnswer("Sounds good!", []string{"restart the payments service immediately"}, false, "")
		// One missing item costs 0.18: score 0.82 stays above the 0.75
		// threshold, so outside strict mode the draft is still ok.
		if !r.OK || math.Abs(r.Score-0.82) > 1e-9 {
			t.Errorf("expected ok with score 0.82, got %+v", r)
		}
		if !contains(r.Issues, "missing_answer") {
			t.Errorf("expected missing_answer issue, got %+v", r.Issues)
		}
	})

	t.Run("contradiction", func(t *testing.T) {
		r := PreflightAnswer("The task is done, but I was unable to complete it.", nil, false, "")
		if r.OK {
			t.Errorf("expected not ok on contradiction, got %+v", r)
		}
		if !contains(r.Issues, "contradiction") {
			t.Errorf("expected contradiction issue, got %+v", r.Issues)
		}
	})

	t.Run("unverified external action claim", func(t *testing.T) {
		r := PreflightAnswer("I deployed the new release.", nil, false, "")
		if !contains(r.Issues, "unverified_claim") {
			t.Errorf("expected unverified_claim issue, got %+v", r.Issues)
		}
	})

	t.Run("strict requires zero issues", func(t *testing.T) {
		r := PreflightAnswer("I deployed the new release.", nil, true, "")
		if r.OK {
			t.Errorf("expected strict mode to reject an unverified claim")
		}
	})
}

func contains(items []string, want string) bool {
	for _, i := range items {
		if i == want {
			return true
		}
	}
	return false
}

func TestCompact_PinsOriginalRequestAfterSummary(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	_ = store.Update(context.Background(), "s4", func(s *domain.ConversationState) {
		s.TaskContext.OriginalRequest = "migrate the database"
	})

	var messages []providers.Message
	messages = append(messages, providers.Message{Role: "system", Content: "system prompt"})
	for i := 0; i < 10; i++ {
		messages = append(messages, providers.Message{Role: "user", Content: "filler message"})
	}

	tc := turnContext{sessionID: "s4", turnID: "t1", seed: "migrate the database"}
	compacted := engine.compact(context.Background(), tc, messages)

	if len(compacted) < 3 {
		t.Fatalf("expected at least 3 messages after compaction, got %d", len(compacted))
	}
	if !strings.Contains(compacted[1].Content, "conversation summary") {
		t.Errorf("expected summary block at index 1, got %q", compacted[1].Content)
	}
	if !strings.Contains(compacted[2].Content, "ORIGINAL REQUEST") {
		t.Errorf("expected pinned original-request block at index 2, got %q", compacted[2].Content)
	}
	if !strings.Contains(compacted[2].Content, "migrate the database") {
		t.Errorf("pinned block should carry the original request text, got %q", compacted[2].Content)
	}
}
