// Package agentstate is the file-backed durable row store behind
// internal/statestore, internal/approval's Action Store, and
// internal/scheduler's job registry (spec §6.4: agent_states, actions,
// scheduled_jobs rows). It reuses the atomic temp-file-and-rename write
// discipline of internal/sessions.Manager.Save verbatim, generalized to
// three row kinds instead of one.
package agentstate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mojo117/orchestra/internal/domain"
)

// FileStore persists ConversationState, Action, and ScheduledJob rows as one
// JSON file per (kind, id) under a base directory, using atomic
// write-to-temp-then-rename just like the teacher's sessions.Manager.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates the three row-kind subdirectories under baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	for _, sub := range []string{"agent_states", "actions", "scheduled_jobs"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("agentstate: mkdir %s: %w", sub, err)
		}
	}
	return &FileStore{baseDir: baseDir}, nil
}

func sanitizeFilename(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
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

func (f *FileStore) pathFor(kind, id string) (string, error) {
	filename := sanitizeFilename(id)
	if filename == "." || !filepath.IsLocal(filename) {
		return "", os.ErrInvalid
	}
	return filepath.Join(f.baseDir, kind, filename+".json"), nil
}

func (f *FileStore) writeAtomic(kind, id string, data []byte) error {
	path, err := f.pathFor(kind, id)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	f.mu.Lock()
	defer f.mu.Unlock()

	tmpFile, err := os.CreateTemp(dir, "row-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (f *FileStore) read(kind, id string, out interface{}) (bool, error) {
	path, err := f.pathFor(kind, id)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// LoadState implements statestore.Persister.
func (f *FileStore) LoadState(_ context.Context, sessionID string) (*domain.ConversationState, bool, error) {
	var st domain.ConversationState
	found, err := f.read("agent_states", sessionID, &st)
	if err != nil || !found {
		return nil, found, err
	}
	return &st, true, nil
}

// SaveState implements statestore.Persister.
func (f *FileStore) SaveState(_ context.Context, sessionID string, state *domain.ConversationState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return f.writeAtomic("agent_states", sessionID, data)
}

// LoadAction implements approval.ActionPersister.
func (f *FileStore) LoadAction(_ context.Context, actionID string) (*domain.Action, bool, error) {
	var a domain.Action
	found, err := f.read("actions", actionID, &a)
	if err != nil || !found {
		return nil, found, err
	}
	return &a, true, nil
}

// SaveAction implements approval.ActionPersister.
func (f *FileStore) SaveAction(_ context.Context, action *domain.Action) error {
	data, err := json.MarshalIndent(action, "", "  ")
	if err != nil {
		return err
	}
	return f.writeAtomic("actions", action.ID, data)
}

// SaveJob implements scheduler.JobPersister.
func (f *FileStore) SaveJob(_ context.Context, job *domain.ScheduledJob) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	return f.writeAtomic("scheduled_jobs", job.ID, data)
}

// LoadJob implements scheduler.JobPersister.
func (f *FileStore) LoadJob(_ context.Context, jobID string) (*domain.ScheduledJob, bool, error) {
	var j domain.ScheduledJob
	found, err := f.read("scheduled_jobs", jobID, &j)
	if err != nil || !found {
		return nil, found, err
	}
	return &j, true, nil
}

// ListJobs returns every persisted job. Used by scheduler.Start to load
// enabled && status=active jobs at boot (spec §4.9).
func (f *FileStore) ListJobs(_ context.Context) ([]*domain.ScheduledJob, error) {
	dir := filepath.Join(f.baseDir, "scheduled_jobs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var jobs []*domain.ScheduledJob
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var j domain.ScheduledJob
		if err := json.Unmarshal(data, &j); err != nil {
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// DeleteJob removes a scheduled job's durable row.
func (f *FileStore) DeleteJob(_ context.Context, jobID string) error {
	path, err := f.pathFor("scheduled_jobs", jobID)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
