package logstore

import (
	"context"
	"sync"

	"github.com/jameslbarnes/dshield/interfaces"
)

// MemoryStore keeps signed entries in process memory. Used for tests and
// development; contents are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]interfaces.SignedLogEntry
	latest  map[string]uint64
}

// NewMemoryStore creates an empty in-memory log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]interfaces.SignedLogEntry),
		latest:  make(map[string]uint64),
	}
}

// Append persists a signed entry at the end of its function's chain.
func (s *MemoryStore) Append(ctx context.Context, entry interfaces.SignedLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.FunctionID] = append(s.entries[entry.FunctionID], entry)
	if entry.Sequence > s.latest[entry.FunctionID] {
		s.latest[entry.FunctionID] = entry.Sequence
	}
	return nil
}

// GetAll returns all entries for a function id ordered by sequence ascending.
func (s *MemoryStore) GetAll(ctx context.Context, functionID string) ([]interfaces.SignedLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.entries[functionID]
	out := make([]interfaces.SignedLogEntry, len(stored))
	copy(out, stored)
	return out, nil
}

// GetLatestSequence returns the highest sequence recorded for a function id.
func (s *MemoryStore) GetLatestSequence(ctx context.Context, functionID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest[functionID], nil
}

// Available always reports true for the in-memory store.
func (s *MemoryStore) Available(ctx context.Context) bool {
	return true
}

// Name returns a unique identifier for this store.
func (s *MemoryStore) Name() string {
	return "memory"
}
