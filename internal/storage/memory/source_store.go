package memory

import (
	"context"
	"sync"
	"time"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

// SourceStore holds the scrape target roster.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[int64]ingest.Source
}

// NewSourceStore seeds a SourceStore.
func NewSourceStore(sources ...ingest.Source) *SourceStore {
	s := &SourceStore{sources: make(map[int64]ingest.Source, len(sources))}
	for _, src := range sources {
		s.sources[src.ID] = src
	}
	return s
}

// ListEnabled returns the enabled sources in ID order.
func (s *SourceStore) ListEnabled(_ context.Context) ([]ingest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Source
	for _, src := range s.sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	sortSources(out)
	return out, nil
}

// RecordRunOutcome resets the failure counter and stamps the last success on
// a clean run, or increments the counter on failure.
func (s *SourceStore) RecordRunOutcome(_ context.Context, sourceID int64, succeeded bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return ingest.ErrNotFound
	}
	if succeeded {
		src.ConsecutiveFailures = 0
		src.LastSuccessAt = ptrTime(at)
	} else {
		src.ConsecutiveFailures++
	}
	s.sources[sourceID] = src
	return nil
}

// Get returns the current state of a source.
func (s *SourceStore) Get(sourceID int64) (ingest.Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[sourceID]
	return src, ok
}

func sortSources(sources []ingest.Source) {
	for i := 1; i < len(sources); i++ {
		for j := i; j > 0 && sources[j].ID < sources[j-1].ID; j-- {
			sources[j], sources[j-1] = sources[j-1], sources[j]
		}
	}
}
