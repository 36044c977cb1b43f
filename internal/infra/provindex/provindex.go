// Package provindex stores provenance records in an indexed backend so
// staleness checks avoid re-reading repository payloads. Repository
// implementations embed a RecordStore for their record operations.
package provindex

import (
	"context"
	"sort"
	"strings"
	"sync"

	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

// RecordStore persists provenance records addressed by their node key.
type RecordStore interface {
	// Put inserts or replaces the record at key.
	Put(ctx context.Context, key repoapi.RecordKey, record *domain.Record) error
	// Get retrieves the record at key, or (nil, nil) when none exists.
	Get(ctx context.Context, key repoapi.RecordKey) (*domain.Record, error)
	// Keys lists all stored keys, ordered deterministically.
	Keys(ctx context.Context) ([]repoapi.RecordKey, error)
	// Close releases backend resources.
	Close() error
}

// KeyString renders a key as a stable composite identifier usable as a
// primary key column or object name.
func KeyString(key repoapi.RecordKey) string {
	return strings.Join([]string{
		key.FromStudy, key.PipelineName, string(key.Frequency), key.SubjectID, key.VisitID,
	}, "\x1f")
}

// MemStore is an in-memory RecordStore for tests and the memory
// repository backend.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*domain.Record
	keys    map[string]repoapi.RecordKey
}

// NewMemStore constructs an empty in-memory record store.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]*domain.Record),
		keys:    make(map[string]repoapi.RecordKey),
	}
}

// Put stores a defensive copy of the record.
func (s *MemStore) Put(_ context.Context, key repoapi.RecordKey, record *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := KeyString(key)
	s.records[ks] = record.Clone()
	s.keys[ks] = key
	return nil
}

// Get returns a copy of the stored record, or (nil, nil) when absent.
func (s *MemStore) Get(_ context.Context, key repoapi.RecordKey) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[KeyString(key)]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Keys lists stored keys in key-string order.
func (s *MemStore) Keys(_ context.Context) ([]repoapi.RecordKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	strs := make([]string, 0, len(s.keys))
	for ks := range s.keys {
		strs = append(strs, ks)
	}
	sort.Strings(strs)
	out := make([]repoapi.RecordKey, 0, len(strs))
	for _, ks := range strs {
		out = append(out, s.keys[ks])
	}
	return out, nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }
