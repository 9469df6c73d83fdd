package memory

import (
	"context"
	"sync"
	"time"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

// RunStore tracks run lifecycle rows.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]ingest.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]ingest.Run)}
}

// CreateRun stores a new pending run; duplicate keys are rejected so run
// creation doubles as the idempotency check.
func (s *RunStore) CreateRun(_ context.Context, run ingest.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.Key]; exists {
		return ingest.ErrRunExists
	}
	s.runs[run.Key] = run
	return nil
}

// GetRun fetches a run by key.
func (s *RunStore) GetRun(_ context.Context, key string) (ingest.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[key]
	if !ok {
		return ingest.Run{}, ingest.ErrNotFound
	}
	return run, nil
}

// UpdateRunStatus transitions a run and records counters and errors.
// Terminal runs are immutable.
func (s *RunStore) UpdateRunStatus(_ context.Context, key string, status ingest.RunStatus, counters ingest.RunCounters, errs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[key]
	if !ok {
		return ingest.ErrNotFound
	}
	if run.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	run.Status = status
	run.Counters = counters
	run.Errors = append([]string(nil), errs...)
	if status == ingest.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = ptrTime(now)
	}
	if status.Terminal() {
		run.FinishedAt = ptrTime(now)
	}
	s.runs[key] = run
	return nil
}

// HasActiveRun reports whether the source has a pending or running run.
func (s *RunStore) HasActiveRun(_ context.Context, sourceID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.SourceID == sourceID && !run.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func ptrTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
