// Package memstore provides an in-memory store.Repository. Suitable for
// dev/testing and single-node deployments.
package memstore

import (
	"context"
	"sync"
)

// Store holds records in a map.
type Store[T any] struct {
	mu      sync.RWMutex
	records map[string]T
}

// New initializes an empty Store.
func New[T any]() *Store[T] {
	return &Store[T]{records: make(map[string]T)}
}

// Get retrieves a record by id.
func (s *Store[T]) Get(_ context.Context, id string) (T, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[id]
	return v, ok, nil
}

// Set stores v under id.
func (s *Store[T]) Set(_ context.Context, id string, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = v
	return nil
}

// Delete removes id.
func (s *Store[T]) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// List returns all records.
func (s *Store[T]) List(_ context.Context) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.records))
	for _, v := range s.records {
		out = append(out, v)
	}
	return out, nil
}

// Len returns the number of records.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
