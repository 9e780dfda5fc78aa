package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (m *MemoryStore) Create(ctx context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[req.ID]; exists {
		return fmt.Errorf("approval: duplicate request id %s", req.ID)
	}
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *req
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, to Status, reason string, decidedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if req.Status != StatusPending {
		return false, nil
	}
	req.Status = to
	req.Reason = reason
	t := decidedAt
	req.DecidedAt = &t
	return true, nil
}

func (m *MemoryStore) ListPending(ctx context.Context) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, req := range m.requests {
		if req.Status == StatusPending {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Request, 0, len(m.requests))
	for _, req := range m.requests {
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
