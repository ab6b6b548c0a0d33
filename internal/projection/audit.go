package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/eventbus"
)

// AuditProjection appends an append-only, newline-delimited JSON record for
// every visible event (spec §4.7). Unlike MarkdownLogProjection it records
// everything — including events IsMarkdownNoise would filter — since the
// audit trail's purpose is exhaustive replay, not a readable transcript.
type AuditProjection struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func NewAuditProjection(path string) (*AuditProjection, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	return &AuditProjection{path: path, f: f}, nil
}

func (p *AuditProjection) Name() string { return "audit" }

func (p *AuditProjection) Apply(ctx context.Context, env domain.WorkflowEventEnvelope) error {
	if env.Visibility == domain.VisibilityInternal {
		return nil
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.f.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return p.f.Sync()
}

func (p *AuditProjection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Close()
}

var _ eventbus.Projection = (*AuditProjection)(nil)
