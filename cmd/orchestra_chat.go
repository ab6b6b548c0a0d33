package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mojo117/orchestra/internal/approval"
	"github.com/mojo117/orchestra/internal/config"
	"github.com/mojo117/orchestra/internal/dispatcher"
	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/eventbus"
	"github.com/mojo117/orchestra/internal/inbox"
	"github.com/mojo117/orchestra/internal/projection"
	"github.com/mojo117/orchestra/internal/providers"
	"github.com/mojo117/orchestra/internal/scheduler"
	"github.com/mojo117/orchestra/internal/statestore"
	"github.com/mojo117/orchestra/internal/store/agentstate"
	"github.com/mojo117/orchestra/internal/subagent"
	"github.com/mojo117/orchestra/internal/tool"
	"github.com/mojo117/orchestra/internal/turnengine"
)

// orchestraCmd wires the Turn Engine / Approval Bridge / Event Bus / Scheduler
// stack end to end behind a CLI REPL.
func orchestraCmd() *cobra.Command {
	var sessionKey string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the multi-agent Turn Engine directly",
		Run: func(cmd *cobra.Command, args []string) {
			runOrchestraChat(sessionKey)
		},
	}
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session id (default: auto-generated)")
	return cmd
}

func runOrchestraChat(sessionKey string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if sessionKey == "" {
		sessionKey = "cli-" + uuid.NewString()[:8]
	}

	disp, engine, closeFn, err := buildOrchestraStack(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error wiring turn engine: %v\n", err)
		os.Exit(1)
	}
	defer closeFn()
	_ = engine

	fmt.Fprintf(os.Stderr, "\nOrchestra Turn Engine — standalone mode\n")
	fmt.Fprintf(os.Stderr, "Session: %s\n", sessionKey)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit.\n\n")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nGoodbye!")
			return
		default:
		}

		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}

		requestID := uuid.NewString()
		err := disp.Dispatch(ctx, dispatcher.UserRequest{
			SessionID: sessionKey,
			RequestID: requestID,
			Message:   input,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		}
	}
}

// buildOrchestraStack assembles the State Store, Event Bus (with all five
// projections), Approval Bridge + Action Store, Inbox, Sub-Agent Runner
// dispatch closures, Turn Engine, Scheduler, and Command Dispatcher — the
// whole of spec §4 wired together against a single shared file-backed
// durable row store (internal/store/agentstate.FileStore).
func buildOrchestraStack(cfg *config.Config) (*dispatcher.Dispatcher, *turnengine.Engine, func(), error) {
	logger := slog.Default()
	dataDir := config.ExpandHome(cfg.Sessions.Storage)
	if dataDir == "" {
		dataDir = "./data"
	}

	rows, err := agentstate.NewFileStore(filepath.Join(dataDir, "orchestra"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("row store: %w", err)
	}

	state := statestore.New(rows, logger)

	toolsReg := tool.NewRegistry()
	toolsReg.Register(tool.NewFSReadTool(".", true))
	toolsReg.Register(tool.NewFSWriteTool(".", true))
	toolsReg.Register(tool.NewShellExecTool(".", 30*time.Second))
	toolsReg.Register(tool.NewWebFetchTool(20_000))

	providerReg := providers.NewRegistry()
	registerProviders(providerReg, cfg)
	provider, provErr := providerReg.Get(cfg.Agents.Defaults.Provider)
	if provErr != nil {
		names := providerReg.List()
		if len(names) == 0 {
			return nil, nil, nil, fmt.Errorf("no providers configured — set an API key in config.json or an ORCHESTRA_*_API_KEY env var")
		}
		provider, _ = providerReg.Get(names[0])
		logger.Warn("configured provider not found, using fallback", "wanted", cfg.Agents.Defaults.Provider, "using", names[0])
	}
	model := cfg.Agents.Defaults.Model

	executor := toolRegistryExecutor{reg: toolsReg}

	actions := approval.NewActionStore(rows, executor, noopBroadcaster{}, logger)
	bridge := approval.New(allowAllAuthorizer{}, allowAllPolicy{}, executor, actions)

	bus := eventbus.New(logger)
	bus.Register(projection.NewStateProjection(state))
	bus.Register(projection.NewStreamProjection(consoleStreamSink{}))
	bus.Register(projection.NewExternalOutputProjection(noOpChannelBinding{}))
	if md, mdErr := projection.NewMarkdownLogProjection(filepath.Join(dataDir, "orchestra", "logs")); mdErr == nil {
		bus.Register(md)
	} else {
		logger.Warn("markdown log projection disabled", "error", mdErr)
	}
	if audit, auditErr := projection.NewAuditProjection(filepath.Join(dataDir, "orchestra", "audit.log")); auditErr == nil {
		bus.Register(audit)
	} else {
		logger.Warn("audit projection disabled", "error", auditErr)
	}

	inb := inbox.New()

	delegates := buildDelegates(provider, model, executor)

	engine := turnengine.New(turnengine.Config{
		State:        state,
		Inbox:        inb,
		Bus:          bus,
		Bridge:       bridge,
		Provider:     provider,
		Model:        model,
		SystemPrompt: systemPromptFor,
		AgentTools:   func(agent domain.AgentRole) []providers.ToolDefinition { return agentToolDefinitions(toolsReg, agent) },
		Delegates:    delegates,
		Logger:       logger,
	})

	sched := scheduler.New(rows, cfg.Cron.ToRetryConfig(), logger)
	sched.Configure(func(ctx context.Context, instruction, jobID string) (string, error) {
		requestID := uuid.NewString()
		outcome, err := engine.StartTurn(ctx, dispatcher.UserRequest{
			SessionID: "job-" + jobID,
			RequestID: requestID,
			Message:   instruction,
		})
		if err != nil {
			return "", err
		}
		return outcome.Answer, nil
	}, nil)
	schedCtx, schedCancel := context.WithCancel(context.Background())
	if err := sched.Start(schedCtx); err != nil {
		logger.Warn("scheduler failed to start", "error", err)
	}

	disp := dispatcher.New(engine, state, inb, allowAllValidator{}, &fileMessageLogger{dir: filepath.Join(dataDir, "orchestra", "messages")}, bus, logger)

	return disp, engine, func() { schedCancel(); sched.Stop() }, nil
}

// registerProviders builds one providers.Provider per configured API key in
// cfg.Providers and registers it under its own name. Anthropic gets the
// dedicated provider; every other configured entry is OpenAI-compatible
// (OpenRouter, Groq, DeepSeek, Gemini, Mistral, XAI, MiniMax, Cohere,
// Perplexity all speak the same /chat/completions shape against their own
// base URL).
func registerProviders(reg *providers.Registry, cfg *config.Config) {
	p := cfg.Providers
	if p.Anthropic.APIKey != "" {
		opts := []providers.AnthropicOption{}
		if p.Anthropic.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(p.Anthropic.APIBase))
		}
		reg.Register(providers.NewAnthropicProvider(p.Anthropic.APIKey, opts...))
	}
	registerOpenAICompatible(reg, "openai", p.OpenAI, "https://api.openai.com/v1", "gpt-4o")
	registerOpenAICompatible(reg, "openrouter", p.OpenRouter, "https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4.5")
	registerOpenAICompatible(reg, "groq", p.Groq, "https://api.groq.com/openai/v1", "llama-3.3-70b-versatile")
	registerOpenAICompatible(reg, "deepseek", p.DeepSeek, "https://api.deepseek.com/v1", "deepseek-chat")
	registerOpenAICompatible(reg, "gemini", p.Gemini, "https://generativelanguage.googleapis.com/v1beta/openai", "gemini-2.0-flash")
	registerOpenAICompatible(reg, "mistral", p.Mistral, "https://api.mistral.ai/v1", "mistral-large-latest")
	registerOpenAICompatible(reg, "xai", p.XAI, "https://api.x.ai/v1", "grok-2-latest")
	registerOpenAICompatible(reg, "minimax", p.MiniMax, "https://api.minimax.chat/v1", "MiniMax-Text-01")
	registerOpenAICompatible(reg, "cohere", p.Cohere, "https://api.cohere.ai/compatibility/v1", "command-r-plus")
	registerOpenAICompatible(reg, "perplexity", p.Perplexity, "https://api.perplexity.ai", "sonar")
}

func registerOpenAICompatible(reg *providers.Registry, name string, cfg config.ProviderConfig, defaultBase, defaultModel string) {
	if cfg.APIKey == "" {
		return
	}
	base := cfg.APIBase
	if base == "" {
		base = defaultBase
	}
	reg.Register(providers.NewOpenAIProvider(name, cfg.APIKey, base, defaultModel))
}

func systemPromptFor(agent domain.AgentRole) string {
	switch agent {
	case domain.RoleDevo:
		return "You are DEVO, the build/ops specialist. Execute concrete technical tasks and report results plainly."
	case domain.RoleCaio:
		return "You are CAIO, the administrative specialist. Every claim you make about an external action must carry a claim and a source."
	case domain.RoleScout:
		return "You are SCOUT, the research specialist. Investigate and report findings; do not modify anything."
	default:
		return "You are CHAPO, the lead agent coordinating a small team of specialists (devo, caio, scout). " +
			"Plan with setChapoPlan, ask the user with askUser when you need a decision, and request approval before any destructive action."
	}
}

// agentToolDefinitions merges the shared tool registry's schemas with the
// Turn Engine's always-available control tools.
func agentToolDefinitions(reg *tool.Registry, agent domain.AgentRole) []providers.ToolDefinition {
	defs := reg.Definitions(controlToolDefinitions(agent)...)
	return defs
}

func controlToolDefinitions(agent domain.AgentRole) []providers.ToolDefinition {
	defs := []providers.ToolDefinition{
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name: "askUser", Description: "Ask the user a clarifying question and suspend the turn until they answer.",
			Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{
				"question": map[string]interface{}{"type": "string"},
			}, "required": []string{"question"}},
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name: "requestApproval", Description: "Ask the user to approve a risky action before proceeding.",
			Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{
				"description": map[string]interface{}{"type": "string"},
				"riskLevel":   map[string]interface{}{"type": "string"},
			}, "required": []string{"description"}},
		}},
		{Type: "function", Function: providers.ToolFunctionSchema{
			Name: "preflightAnswer", Description: "Score a draft answer against outstanding obligations before sending it.",
			Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{
				"draft":  map[string]interface{}{"type": "string"},
				"strict": map[string]interface{}{"type": "boolean"},
			}, "required": []string{"draft"}},
		}},
	}
	if agent == domain.RoleChapo {
		defs = append(defs,
			providers.ToolDefinition{Type: "function", Function: providers.ToolFunctionSchema{
				Name: "setChapoPlan", Description: "Publish or update the working plan shown to the user.",
				Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{
					"title": map[string]interface{}{"type": "string"},
					"steps": map[string]interface{}{"type": "array"},
				}, "required": []string{"title", "steps"}},
			}},
			providers.ToolDefinition{Type: "function", Function: providers.ToolFunctionSchema{
				Name: "delegateToDevo", Description: "Delegate a bounded task to the devo specialist.",
				Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{
					"task": map[string]interface{}{"type": "string"},
				}, "required": []string{"task"}},
			}},
			providers.ToolDefinition{Type: "function", Function: providers.ToolFunctionSchema{
				Name: "delegateToCaio", Description: "Delegate a bounded task to the caio specialist.",
				Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{
					"task": map[string]interface{}{"type": "string"},
				}, "required": []string{"task"}},
			}},
			providers.ToolDefinition{Type: "function", Function: providers.ToolFunctionSchema{
				Name: "delegateToScout", Description: "Delegate a bounded research task to the scout specialist.",
				Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{
					"task": map[string]interface{}{"type": "string"},
				}, "required": []string{"task"}},
			}},
		)
	}
	return defs
}

// buildDelegates constructs one Sub-Agent Runner per non-lead role, reusing
// DevoStrategy for scout (a read-only researcher needs no evidence schema
// beyond devo's plain-text encoding).
func buildDelegates(provider providers.Provider, model string, executor toolRegistryExecutor) map[domain.AgentRole]turnengine.SubAgentDispatch {
	toRunnerExecutor := func(ctx context.Context, toolName string, args map[string]interface{}) *tool.Result {
		result, isError, err := executor.Execute(ctx, toolName, args, true)
		if err != nil {
			return tool.ErrorResult(err.Error())
		}
		if isError {
			return tool.ErrorResult(result)
		}
		return tool.NewResult(result)
	}

	devoRunner := subagent.NewRunner(provider, model, subagent.DevoStrategy{}, toRunnerExecutor)
	caioRunner := subagent.NewRunner(provider, model, subagent.CaioStrategy{RequiresEvidence: map[string]bool{"fs_writeFile": true, "exec": true}}, toRunnerExecutor)
	scoutRunner := subagent.NewRunner(provider, model, subagent.DevoStrategy{}, toRunnerExecutor)

	dispatch := func(runner *subagent.Runner, role domain.AgentRole, prompt string) turnengine.SubAgentDispatch {
		return func(ctx context.Context, task string) subagent.Result {
			res, err := runner.Run(ctx, subagent.Request{Agent: role, Task: task, SystemPrompt: prompt})
			if err != nil {
				return subagent.Result{ExitReason: subagent.ExitLLMError, Summary: err.Error()}
			}
			return res
		}
	}

	return map[domain.AgentRole]turnengine.SubAgentDispatch{
		domain.RoleDevo:  dispatch(devoRunner, domain.RoleDevo, systemPromptFor(domain.RoleDevo)),
		domain.RoleCaio:  dispatch(caioRunner, domain.RoleCaio, systemPromptFor(domain.RoleCaio)),
		domain.RoleScout: dispatch(scoutRunner, domain.RoleScout, systemPromptFor(domain.RoleScout)),
	}
}

// toolRegistryExecutor adapts internal/tool.Registry to approval.ToolExecutor
// and subagent.ToolExecutor's raw-call shape.
type toolRegistryExecutor struct {
	reg *tool.Registry
}

func (e toolRegistryExecutor) Execute(ctx context.Context, toolName string, args map[string]interface{}, bypassConfirmation bool) (string, bool, error) {
	result := e.reg.Execute(ctx, toolName, args)
	if result.Err != nil {
		return result.ForLLM, true, result.Err
	}
	return result.ForLLM, result.IsError, nil
}

// allowAllAuthorizer/allowAllPolicy/allowAllValidator are the CLI's
// permission story: every agent may call every registered tool and every
// project root is accepted. This standalone entry point has no
// multi-tenant surface to police.
type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Allowed(agent domain.AgentRole, toolName string) bool { return true }

type allowAllPolicy struct{}

func (allowAllPolicy) Check(ctx context.Context, toolName string, args map[string]interface{}, userID string) approval.PermissionDecision {
	return approval.PermissionDecision{Allowed: true}
}

type allowAllValidator struct{}

func (allowAllValidator) Allowed(root string) bool { return true }

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastActionPending(ctx context.Context, action *domain.Action) {}
func (noopBroadcaster) BroadcastActionUpdated(ctx context.Context, action *domain.Action) {}

// noOpChannelBinding reports every session as unbound to an external
// channel; the CLI prints the assistant's answer itself via the Stream
// Projection console sink instead of forwarding through a channel adapter.
type noOpChannelBinding struct{}

func (noOpChannelBinding) ChannelFor(sessionID string) (projection.ChannelSender, bool) { return nil, false }

// consoleStreamSink prints tool/agent/gate traces to stderr and the
// final answer to stdout, the CLI's stand-in for the gateway's WebSocket
// broadcast.
type consoleStreamSink struct{}

func (consoleStreamSink) BroadcastStream(ctx context.Context, sessionID string, event projection.StreamEvent) {
	switch event.Category {
	case "tool_call":
		if p, ok := event.Payload.(map[string]interface{}); ok {
			fmt.Fprintf(os.Stderr, "  [tool] %v\n", p["tool"])
		}
	case "agent_switch":
		if p, ok := event.Payload.(map[string]interface{}); ok {
			fmt.Fprintf(os.Stderr, "  [agent] -> %v\n", p["agent"])
		}
	case "user_question":
		if q, ok := event.Payload.(domain.UserQuestion); ok {
			fmt.Fprintf(os.Stderr, "\n[question] %v\n", q.Question)
		}
	case "approval_request":
		if a, ok := event.Payload.(domain.ApprovalRequest); ok {
			fmt.Fprintf(os.Stderr, "\n[approval requested] %v\n", a.Description)
		}
	case "agent_complete":
		if p, ok := event.Payload.(map[string]interface{}); ok {
			if answer, ok := p["answer"].(string); ok && answer != "" {
				fmt.Printf("\n%s\n\n", answer)
			}
		}
	case "error":
		if p, ok := event.Payload.(map[string]interface{}); ok {
			fmt.Fprintf(os.Stderr, "\n[error] %v: %v\n\n", p["agent"], p["exitReason"])
		}
	}
}

// fileMessageLogger appends JSON lines to dir/<sessionId>.jsonl, the
// simplest durable form of spec §6.4's external message log.
type fileMessageLogger struct {
	dir string
	mu  sync.Mutex
}

func (f *fileMessageLogger) append(sessionID, requestID, role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(f.dir, sanitizeSessionFile(sessionID)+".jsonl")
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()
	line, err := json.Marshal(map[string]interface{}{
		"requestId": requestID,
		"role":      role,
		"content":   content,
		"at":        time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	_, err = fh.Write(append(line, '\n'))
	return err
}

func (f *fileMessageLogger) SaveUserMessage(ctx context.Context, sessionID, requestID, content string) error {
	return f.append(sessionID, requestID, "user", content)
}

func (f *fileMessageLogger) SaveAssistantMessage(ctx context.Context, sessionID, requestID, content string) error {
	return f.append(sessionID, requestID, "assistant", content)
}

func sanitizeSessionFile(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
