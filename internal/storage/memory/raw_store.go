// Package memory provides in-memory store implementations for development
// and tests. All stores are safe for concurrent use.
package memory

import (
	"context"
	"sync"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

// RawStore keeps raw entries grouped by run key.
type RawStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries map[string][]ingest.RawEntry
}

// NewRawStore constructs a RawStore.
func NewRawStore() *RawStore {
	return &RawStore{entries: make(map[string][]ingest.RawEntry)}
}

// SaveRaw appends the entry under its run key and returns a synthetic row ID.
func (s *RawStore) SaveRaw(_ context.Context, entry ingest.RawEntry, runKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries[runKey] = append(s.entries[runKey], entry)
	return s.nextID, nil
}

// EntriesFor returns a copy of the raw entries stored for a run.
func (s *RawStore) EntriesFor(runKey string) []ingest.RawEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.entries[runKey]
	out := make([]ingest.RawEntry, len(entries))
	copy(out, entries)
	return out
}
