// Package eventbus fans WorkflowEventEnvelope out to registered projections,
// the way internal/bus.EventPublisher fans bus.Event out to subscribers in
// the teacher, generalized to sequential, order-preserving, failure-isolated
// delivery (spec §4.7).
package eventbus

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mojo117/orchestra/internal/domain"
)

// Projection consumes envelopes fanned out by the Bus. Apply must not panic;
// the Bus recovers and logs on its behalf, but a well-behaved projection
// returns an error instead.
type Projection interface {
	Name() string
	Apply(ctx context.Context, env domain.WorkflowEventEnvelope) error
}

// Bus runs projections sequentially, in registration order, per envelope.
// A projection's failure is logged and does not stop later projections from
// seeing the same envelope (spec §4.7: "projection failures are logged and
// do not halt others").
type Bus struct {
	projections []Projection
	logger      *slog.Logger
}

// New creates a Bus with an optional logger (defaults to slog.Default()).
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Register adds a projection. Registration order is delivery order.
func (b *Bus) Register(p Projection) {
	b.projections = append(b.projections, p)
}

// EmitOpts carries the handful of fields call sites vary while the rest of
// the envelope (id, occurredAt) is always bus-assigned.
type EmitOpts struct {
	SessionID  string
	RequestID  string
	TurnID     string
	Source     string
	Visibility domain.Visibility
	EventType  string
	Payload    interface{}
}

// Emit builds an envelope, stamps id/occurredAt, and runs every registered
// projection against it in order, synchronously. Callers that need a gate
// event flushed to the State Store before returning control to the user
// (spec §4.5.2, §5 ordering guarantees) get that for free: Emit does not
// return until every projection — including the StateProjection — has run.
func (b *Bus) Emit(ctx context.Context, opts EmitOpts) domain.WorkflowEventEnvelope {
	env := domain.WorkflowEventEnvelope{
		ID:         uuid.NewString(),
		OccurredAt: nowFunc(),
		SessionID:  opts.SessionID,
		RequestID:  opts.RequestID,
		TurnID:     opts.TurnID,
		Source:     opts.Source,
		Visibility: opts.Visibility,
		EventType:  opts.EventType,
		Payload:    opts.Payload,
	}
	b.deliver(ctx, env)
	return env
}

func (b *Bus) deliver(ctx context.Context, env domain.WorkflowEventEnvelope) {
	for _, p := range b.projections {
		b.runOne(ctx, p, env)
	}
}

func (b *Bus) runOne(ctx context.Context, p Projection, env domain.WorkflowEventEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("projection panicked", "projection", p.Name(), "event_type", env.EventType, "recover", r)
		}
	}()
	if err := p.Apply(ctx, env); err != nil {
		b.logger.Error("projection failed", "projection", p.Name(), "event_type", env.EventType, "session_id", env.SessionID, "error", err)
	}
}
