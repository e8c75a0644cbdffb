package memory

import (
	"context"
	"sync"

	"keygate/internal/usage"
)

// InMemoryStore keeps usage events in insertion order, for tests and
// single-process development runs.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []usage.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, event usage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]usage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.events) > limit {
		start = len(s.events) - limit
	}
	out := make([]usage.Event, len(s.events)-start)
	// most recent first
	for i, e := range s.events[start:] {
		out[len(out)-1-i] = e
	}
	return out, nil
}
