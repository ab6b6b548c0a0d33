// Package statestore is the authoritative, in-memory-first
// ConversationState store (spec §4.1), grounded in the teacher's
// internal/sessions.Manager.Save atomic-write pattern (snapshot under lock,
// marshal, temp-file-and-rename) generalized with the debounce, retry, and
// TTL discipline spec.md requires and the teacher's Manager does not have.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mojo117/orchestra/internal/domain"
)

// Persister is the durable backing store. Any encoding is acceptable
// (spec §6.4 calls persisted rows "opaque JSON acceptable"); the file-backed
// implementation (internal/store/agentstate.FileStore) satisfies this with a
// JSON blob keyed by sessionId.
type Persister interface {
	LoadState(ctx context.Context, sessionID string) (*domain.ConversationState, bool, error)
	SaveState(ctx context.Context, sessionID string, state *domain.ConversationState) error
}

const (
	debounceInterval = 300 * time.Millisecond
	retryBaseDelay   = 500 * time.Millisecond
	retryMaxDelay    = 10 * time.Second
	retryMaxAttempts = 8
	idleTTL          = 24 * time.Hour
)

type entry struct {
	mu    sync.Mutex
	state *domain.ConversationState

	lastPersistedEncoding []byte
	debounceTimer         *time.Timer
	ttlTimer              *time.Timer
	writeInFlight         bool
	writeAgainRequested   bool
	retryAttempt          int
}

// Store is the State Store (S). Safe for concurrent use from the turn
// engine, the dispatcher, and projections.
type Store struct {
	persister Persister
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	loadGroup singleflight.Group
}

// New constructs a Store backed by persister.
func New(persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		persister: persister,
		logger:    logger,
		entries:   make(map[string]*entry),
	}
}

func (s *Store) entryFor(sessionID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{}
		s.entries[sessionID] = e
	}
	return e
}

// EnsureLoaded returns sessionID's ConversationState, loading it from the
// persister on first access. Concurrent calls for the same session share one
// load (single-flight dedup per spec §4.1).
func (s *Store) EnsureLoaded(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	e := s.entryFor(sessionID)

	e.mu.Lock()
	if e.state != nil {
		st := e.state
		e.mu.Unlock()
		resetStaleLoopFlag(st)
		return st, nil
	}
	e.mu.Unlock()

	v, err, _ := s.loadGroup.Do(sessionID, func() (interface{}, error) {
		e.mu.Lock()
		if e.state != nil {
			st := e.state
			e.mu.Unlock()
			return st, nil
		}
		e.mu.Unlock()

		loaded, found, loadErr := s.persister.LoadState(ctx, sessionID)
		if loadErr != nil {
			return nil, fmt.Errorf("statestore: load %s: %w", sessionID, loadErr)
		}
		if !found || loaded == nil {
			loaded = domain.NewConversationState()
		}
		resetStaleLoopFlag(loaded)

		e.mu.Lock()
		e.state = loaded
		e.mu.Unlock()

		s.scheduleDebounce(ctx, sessionID, e)
		s.armTTL(sessionID, e)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ConversationState), nil
}

// resetStaleLoopFlag clears a persisted isLoopRunning=true on load: no
// runtime loop exists for a session we are only now loading into memory
// (spec §3 invariant, testable property 1).
func resetStaleLoopFlag(st *domain.ConversationState) {
	if st.IsLoopRunning {
		st.IsLoopRunning = false
		st.ActiveTurnID = ""
	}
}

// Get performs a non-loading lookup; it returns (nil, false) if the session
// has not been loaded into memory yet.
func (s *Store) Get(sessionID string) (*domain.ConversationState, bool) {
	s.mu.Lock()
	e, ok := s.entries[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.state != nil
}

// Mutator mutates state in place under the store's per-session exclusion
// scope (spec §4.1 concurrency note, §5 shared-resource policy).
type Mutator func(state *domain.ConversationState)

// Update applies mutator under the per-session lock and schedules a
// debounced persist.
func (s *Store) Update(ctx context.Context, sessionID string, mutator Mutator) error {
	if _, err := s.EnsureLoaded(ctx, sessionID); err != nil {
		return err
	}
	e := s.entryFor(sessionID)

	e.mu.Lock()
	mutator(e.state)
	e.state.TrimAgentHistory()
	e.mu.Unlock()

	s.scheduleDebounce(ctx, sessionID, e)
	return nil
}

// Flush cancels any pending debounce timer and persists sessionID
// synchronously. Required before returning control to the caller on gate
// transitions (spec §3, §5 ordering guarantees).
func (s *Store) Flush(ctx context.Context, sessionID string) error {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	e.mu.Unlock()
	return s.persistNow(ctx, sessionID, e, 0)
}

// Delete evicts sessionID from memory and cancels its timers.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	e, ok := s.entries[sessionID]
	delete(s.entries, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	if e.ttlTimer != nil {
		e.ttlTimer.Stop()
	}
	e.mu.Unlock()
}

func (s *Store) scheduleDebounce(ctx context.Context, sessionID string, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.debounceTimer != nil {
		return // a write is already scheduled; this mutation piggybacks on it.
	}
	e.debounceTimer = time.AfterFunc(debounceInterval, func() {
		e.mu.Lock()
		e.debounceTimer = nil
		e.mu.Unlock()
		if err := s.persistNow(ctx, sessionID, e, 0); err != nil {
			s.logger.Error("statestore: debounced persist failed", "session_id", sessionID, "error", err)
		}
	})
}

func (s *Store) armTTL(sessionID string, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ttlTimer != nil {
		e.ttlTimer.Stop()
	}
	e.ttlTimer = time.AfterFunc(idleTTL, func() {
		s.Delete(sessionID)
	})
}

// persistNow serializes state, skips no-op writes, enforces at-most-one
// in-flight write per session (coalescing concurrent requests), and retries
// on failure with exponential backoff up to retryMaxAttempts (spec §4.1).
func (s *Store) persistNow(ctx context.Context, sessionID string, e *entry, attempt int) error {
	e.mu.Lock()
	if e.writeInFlight {
		e.writeAgainRequested = true
		e.mu.Unlock()
		return nil
	}
	if e.state == nil {
		e.mu.Unlock()
		return nil
	}
	snapshot := cloneState(e.state)
	snapshot.TrimAgentHistory()
	encoded, _ := json.Marshal(snapshot)
	if string(encoded) == string(e.lastPersistedEncoding) {
		e.mu.Unlock()
		return nil // no-op write
	}
	e.writeInFlight = true
	e.mu.Unlock()

	err := s.persister.SaveState(ctx, sessionID, snapshot)

	e.mu.Lock()
	e.writeInFlight = false
	if err == nil {
		e.lastPersistedEncoding = encoded
		e.retryAttempt = 0
	}
	writeAgain := e.writeAgainRequested
	e.writeAgainRequested = false
	e.mu.Unlock()

	if err != nil {
		return s.retry(ctx, sessionID, e, attempt, err)
	}
	if writeAgain {
		return s.persistNow(ctx, sessionID, e, 0)
	}
	return nil
}

func (s *Store) retry(ctx context.Context, sessionID string, e *entry, attempt int, cause error) error {
	if attempt >= retryMaxAttempts {
		s.logger.Error("statestore: giving up after retries", "session_id", sessionID, "attempts", attempt, "error", cause)
		return fmt.Errorf("statestore: persist %s failed after %d attempts: %w", sessionID, attempt, cause)
	}
	delay := retryBaseDelay << attempt
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	s.logger.Warn("statestore: persist failed, retrying", "session_id", sessionID, "attempt", attempt+1, "delay", delay, "error", cause)
	time.AfterFunc(delay, func() {
		if err := s.persistNow(ctx, sessionID, e, attempt+1); err != nil {
			s.logger.Error("statestore: retry exhausted", "session_id", sessionID, "error", err)
		}
	})
	return nil
}

func cloneState(st *domain.ConversationState) *domain.ConversationState {
	b, err := json.Marshal(st)
	if err != nil {
		return st
	}
	var out domain.ConversationState
	if err := json.Unmarshal(b, &out); err != nil {
		return st
	}
	return &out
}
