package memory

import (
	"context"
	"sync"

	"github.com/openlistings/listing-ingest/internal/dedup"
	"github.com/openlistings/listing-ingest/internal/ingest"
)

// RecordStore keeps canonical records keyed by fingerprint. Upserting an
// existing fingerprint applies the batch merge policy, which makes repeated
// ingestion of the same content a no-op beyond reference accumulation.
type RecordStore struct {
	mu      sync.RWMutex
	nextID  int64
	ids     map[string]int64
	records map[string]ingest.CanonicalRecord
	merges  []ingest.MergeRecord
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		ids:     make(map[string]int64),
		records: make(map[string]ingest.CanonicalRecord),
	}
}

// UpsertCanonical inserts a new record or merges into the existing one with
// the same fingerprint.
func (s *RecordStore) UpsertCanonical(_ context.Context, rec ingest.CanonicalRecord) (ingest.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.Fingerprint]; ok {
		s.records[rec.Fingerprint] = dedup.Merge(existing, rec)
		return ingest.UpsertResult{ID: s.ids[rec.Fingerprint], Merged: true}, nil
	}
	s.nextID++
	s.ids[rec.Fingerprint] = s.nextID
	s.records[rec.Fingerprint] = rec
	return ingest.UpsertResult{ID: s.nextID, Created: true}, nil
}

// SaveMergeRecords appends the audit rows.
func (s *RecordStore) SaveMergeRecords(_ context.Context, recs []ingest.MergeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merges = append(s.merges, recs...)
	return nil
}

// Get returns the record stored under a fingerprint.
func (s *RecordStore) Get(fingerprint string) (ingest.CanonicalRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fingerprint]
	return rec, ok
}

// Count returns the number of distinct canonical records.
func (s *RecordStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MergeRecords returns a copy of the audit rows.
func (s *RecordStore) MergeRecords() []ingest.MergeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.MergeRecord, len(s.merges))
	copy(out, s.merges)
	return out
}
