package projection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattn/go-runewidth"

	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/eventbus"
)

// MarkdownLogProjection appends a human-readable transcript per session
// (spec §4.7), skipping internal/noise events via eventbus.IsMarkdownNoise.
// Column alignment for the event-type label uses mattn/go-runewidth so
// multi-byte agent names/labels still line up in a monospace viewer.
type MarkdownLogProjection struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

func NewMarkdownLogProjection(dir string) (*MarkdownLogProjection, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("markdown log: mkdir: %w", err)
	}
	return &MarkdownLogProjection{dir: dir, files: make(map[string]*os.File)}, nil
}

func (p *MarkdownLogProjection) Name() string { return "markdown_log" }

func (p *MarkdownLogProjection) Apply(ctx context.Context, env domain.WorkflowEventEnvelope) error {
	if eventbus.IsMarkdownNoise(env.EventType) {
		return nil
	}
	if env.Visibility == domain.VisibilityInternal {
		return nil
	}

	f, err := p.fileFor(env.SessionID)
	if err != nil {
		return fmt.Errorf("markdown log: %w", err)
	}

	label := padLabel(env.EventType, 28)
	line := fmt.Sprintf("- `%s` **%s** %s\n", env.OccurredAt.Format("15:04:05"), label, summarize(env))

	p.mu.Lock()
	defer p.mu.Unlock()
	_, werr := f.WriteString(line)
	return werr
}

func (p *MarkdownLogProjection) fileFor(sessionID string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.files[sessionID]; ok {
		return f, nil
	}
	path := filepath.Join(p.dir, sessionID+".md")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	p.files[sessionID] = f
	return f, nil
}

// Close flushes and closes every open session log file.
func (p *MarkdownLogProjection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for id, f := range p.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.files, id)
	}
	return firstErr
}

func padLabel(label string, width int) string {
	return runewidth.FillRight(label, width)
}

func summarize(env domain.WorkflowEventEnvelope) string {
	switch payload := env.Payload.(type) {
	case string:
		return truncateLine(payload)
	case map[string]interface{}:
		if reason, ok := payload["reason"].(string); ok && reason != "" {
			return truncateLine(reason)
		}
		if agent, ok := payload["agent"].(string); ok && agent != "" {
			return "agent=" + agent
		}
		return ""
	case domain.UserQuestion:
		return truncateLine(payload.Question)
	case domain.ApprovalRequest:
		return truncateLine(payload.Description)
	default:
		return ""
	}
}

func truncateLine(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

var _ eventbus.Projection = (*MarkdownLogProjection)(nil)
