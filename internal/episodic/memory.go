package episodic

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and throwaway runs. Nothing
// survives the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

// Get returns the record for a target, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, target string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[target]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	return rec.clone(), nil
}

// Put upserts a record keyed by its Target.
func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	if rec.Target == "" {
		return fmt.Errorf("episodic record needs a target")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Target] = rec.clone()
	return nil
}

// Reset removes a target's record.
func (s *MemoryStore) Reset(ctx context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, target)
	return nil
}

// List returns all records, most recently updated first.
func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		return out[i].Target < out[j].Target
	})
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
