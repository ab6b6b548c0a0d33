package turnengine

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/eventbus"
	"github.com/mojo117/orchestra/internal/providers"
)

// compactionSystemPrompt instructs the summarization call of spec §4.5.3.
const compactionSystemPrompt = "Summarize the conversation below for an AI agent's working memory. " +
	"Preserve concrete facts, decisions, file paths, and open items. Be terse."

// transcripts holds each session's running message list across turn
// resumptions. ConversationState (spec §3) models the orchestration's
// structured fields (obligations, gates, plan) but not the raw LLM
// conversation — per spec §6.4 that lives in the external `messages` log,
// which here is this in-memory cache plus whatever MessageLogger persists
// alongside it at the dispatcher layer.
type transcripts struct {
	mu   sync.Mutex
	byID map[string][]providers.Message
}

var globalTranscripts = &transcripts{byID: make(map[string][]providers.Message)}

func (t *transcripts) load(sessionID string) []providers.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]providers.Message(nil), t.byID[sessionID]...)
}

func (t *transcripts) store(sessionID string, messages []providers.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[sessionID] = append([]providers.Message(nil), messages...)
}

func (e *Engine) storeTranscript(sessionID string, messages []providers.Message) {
	globalTranscripts.store(sessionID, messages)
}

// buildMessages implements spec §4.5.2's "Build messages" step: system
// prompt, prior conversation for this session (if any), and the new seed
// text (original request, resumed answer, or approval outcome) as the next
// user turn.
func (e *Engine) buildMessages(tc turnContext) []providers.Message {
	prior := globalTranscripts.load(tc.sessionID)

	var messages []providers.Message
	if len(prior) > 0 && prior[0].Role == "system" {
		messages = prior
	} else {
		messages = append(messages, providers.Message{Role: "system", Content: e.systemPrompt(tc.agent)})
		messages = append(messages, prior...)
	}

	messages = append(messages, providers.Message{Role: "user", Content: tc.seed})
	return messages
}

// estimateTokens is a cheap proxy (≈4 chars/token) used only to decide when
// to compact; the LLM provider's own usage accounting is authoritative for
// billing.
func estimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
		for _, tc := range m.ToolCalls {
			total += len(tc.Name) + 16
		}
	}
	return total
}

// compact implements spec §4.5.3's four-step context compaction.
func (e *Engine) compact(ctx context.Context, tc turnContext, messages []providers.Message) []providers.Message {
	if len(messages) < 4 {
		return messages
	}

	systemMsg := messages[0]
	rest := messages[1:]

	cut := int(math.Ceil(float64(len(rest)) * 0.6))
	if cut < 1 {
		cut = 1
	}
	if cut >= len(rest) {
		cut = len(rest) - 1
	}
	oldest := rest[:cut]
	tail := rest[cut:]

	summary := "[summary unavailable: compaction call failed]"
	summarizeReq := providers.ChatRequest{
		Messages: append([]providers.Message{{Role: "system", Content: compactionSystemPrompt}}, oldest...),
		Model:    e.model,
	}
	if resp, err := e.provider.Chat(ctx, summarizeReq); err == nil && resp.Content != "" {
		summary = resp.Content
	}

	original := tc.seed
	if st, ok := e.state.Get(tc.sessionID); ok && st.TaskContext.OriginalRequest != "" {
		original = st.TaskContext.OriginalRequest
	}

	summaryBlock := providers.Message{Role: "system", Content: fmt.Sprintf("[conversation summary]\n%s", summary)}
	pinned := providers.Message{Role: "user", Content: fmt.Sprintf("[ORIGINAL REQUEST — pinned]\n%s", original)}

	e.bus.Emit(ctx, eventbus.EmitOpts{
		SessionID:  tc.sessionID,
		RequestID:  tc.requestID,
		TurnID:     tc.turnID,
		Source:     "turnengine",
		Visibility: domain.VisibilityInternal,
		EventType:  eventbus.EventAgentThinking,
		Payload:    map[string]interface{}{"action": "compaction", "droppedMessages": len(oldest), "keptTail": len(tail)},
	})

	result := append([]providers.Message{systemMsg, summaryBlock, pinned}, tail...)
	return result
}
