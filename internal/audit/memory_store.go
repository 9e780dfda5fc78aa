package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps audit events in memory. Events are retained until process
// restart; the cap guards against unbounded growth on long-running instances.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	cap    int
}

const defaultMemoryCap = 100_000

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cap: defaultMemoryCap}
}

// Append stores an event.
func (s *MemoryStore) Append(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := *event
	s.events = append(s.events, &ev)
	if len(s.events) > s.cap {
		s.events = s.events[len(s.events)-s.cap:]
	}
	return nil
}

// List returns the most recent events, newest first. Empty account matches all.
func (s *MemoryStore) List(_ context.Context, account string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	result := make([]*Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.events[i]
		if account != "" && e.Account != account {
			continue
		}
		ev := *e
		result = append(result, &ev)
	}
	return result, nil
}
