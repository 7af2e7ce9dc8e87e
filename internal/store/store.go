// Package store tracks which containers the watcher currently follows.
//
// DESIGN: The watch loop needs the previously watched set to compute new
// and stale containers per cycle. MemoryStore is enough for a single
// process; SQLiteStore persists the set so a restarted watcher knows what
// it was following (agent outputs for unchanged containers are then left
// alone instead of being rewritten).
package store

import (
	"context"
	"sync"
	"time"
)

// Record is one watched container.
type Record struct {
	ContainerID string
	PodName     string
	Namespace   string
	FirstSeen   time.Time
}

// Store is the watched-container registry.
type Store interface {
	// Add registers a container as watched.
	Add(ctx context.Context, rec Record) error

	// Remove drops a container from the watched set.
	Remove(ctx context.Context, containerID string) error

	// IDs returns the watched container IDs.
	IDs(ctx context.Context) (map[string]struct{}, error)

	// Clear empties the watched set (agents were rebuilt, start over).
	Clear(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// MemoryStore is the in-process implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ContainerID]; !ok {
		if rec.FirstSeen.IsZero() {
			rec.FirstSeen = time.Now()
		}
		s.records[rec.ContainerID] = rec
	}
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, containerID)
	return nil
}

// IDs implements Store.
func (s *MemoryStore) IDs(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]struct{}, len(s.records))
	for id := range s.records {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
