// Package memstore is the ephemeral in-memory backend of last resort.
// It never fails and always probes available; every record is lost on
// process restart, which is documented behavior, not a bug.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/keyfort/keyfort/internal/backend"
	"github.com/keyfort/keyfort/internal/model"
)

// Store is a process-lifetime map of identity key to record.
type Store struct {
	mu      sync.RWMutex
	records map[string]model.SecretRecord
}

// New creates an empty ephemeral store.
func New() *Store {
	return &Store{records: make(map[string]model.SecretRecord)}
}

// Kind implements backend.Adapter.
func (s *Store) Kind() backend.Kind { return backend.EphemeralMemory }

// Store implements backend.Adapter.
func (s *Store) Store(ctx context.Context, rec model.SecretRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Value = append([]byte(nil), rec.Value...)
	s.records[rec.Identity().Key()] = rec
	return nil
}

// Retrieve implements backend.Adapter.
func (s *Store) Retrieve(ctx context.Context, id model.Identity) (*model.SecretRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id.Key()]
	if !ok {
		return nil, fmt.Errorf("memstore: %s: %w", id.Hash(), backend.ErrNotFound)
	}
	out := rec
	out.Value = append([]byte(nil), rec.Value...)
	return &out, nil
}

// Remove implements backend.Adapter.
func (s *Store) Remove(ctx context.Context, id model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := id.Key()
	if _, ok := s.records[key]; !ok {
		return fmt.Errorf("memstore: %s: %w", id.Hash(), backend.ErrNotFound)
	}
	delete(s.records, key)
	return nil
}

// Enumerate implements backend.Adapter.
func (s *Store) Enumerate(ctx context.Context) ([]model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]model.Identity, 0, len(s.records))
	for _, rec := range s.records {
		ids = append(ids, rec.Identity())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key() < ids[j].Key() })
	return ids, nil
}
