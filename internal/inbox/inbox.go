// Package inbox implements the per-session FIFO of user messages that arrive
// while a turn loop is already running (spec §4.2), grounded in the
// teacher's sync.Map-keyed per-entity state pattern
// (internal/tools/delegate_state.go's active-task tracking).
package inbox

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mojo117/orchestra/internal/domain"
)

// OnMessage is the single subscriber callback registered per session.
type OnMessage func(sessionID string, msg domain.InboxMessage)

type sessionQueue struct {
	mu        sync.Mutex
	messages  []domain.InboxMessage
	subscriber OnMessage
}

// Inbox is safe for concurrent use across sessions and within a session.
type Inbox struct {
	mu       sync.Mutex
	sessions map[string]*sessionQueue
}

// New returns an empty Inbox.
func New() *Inbox {
	return &Inbox{sessions: make(map[string]*sessionQueue)}
}

func (ib *Inbox) queueFor(sessionID string) *sessionQueue {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	q, ok := ib.sessions[sessionID]
	if !ok {
		q = &sessionQueue{}
		ib.sessions[sessionID] = q
	}
	return q
}

// Push appends content to sessionID's queue and, if a subscriber is
// registered, notifies it synchronously (so the turn engine can react to an
// idle gap without polling).
func (ib *Inbox) Push(sessionID, content, source string) domain.InboxMessage {
	q := ib.queueFor(sessionID)
	msg := domain.InboxMessage{
		ID:         uuid.NewString(),
		Content:    content,
		ReceivedAt: nowFunc(),
		Source:     source,
	}

	q.mu.Lock()
	q.messages = append(q.messages, msg)
	sub := q.subscriber
	q.mu.Unlock()

	if sub != nil {
		sub(sessionID, msg)
	}
	return msg
}

// Drain atomically returns and clears sessionID's queue.
func (ib *Inbox) Drain(sessionID string) []domain.InboxMessage {
	q := ib.queueFor(sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil
	}
	drained := q.messages
	q.messages = nil
	return drained
}

// Peek reports whether sessionID currently has queued messages, without
// draining them.
func (ib *Inbox) Peek(sessionID string) bool {
	q := ib.queueFor(sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages) > 0
}

// OnMessage registers the single subscriber for sessionID, replacing any
// prior subscriber.
func (ib *Inbox) OnMessage(sessionID string, fn OnMessage) {
	q := ib.queueFor(sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subscriber = fn
}

// OffMessage removes the subscriber for sessionID, if any.
func (ib *Inbox) OffMessage(sessionID string) {
	q := ib.queueFor(sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subscriber = nil
}
