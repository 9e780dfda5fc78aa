// Package approval implements the human-in-the-loop authorization workflow.
//
// A transaction that a tier policy cannot authorize on its own is parked as a
// pending request. The caller suspends on Wait until a human approves or
// rejects it, or the request expires. A request leaves pending exactly once;
// terminal states are final.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentwall/agentwall/internal/audit"
	"github.com/agentwall/agentwall/internal/idgen"
	"github.com/agentwall/agentwall/internal/metrics"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Errors
var (
	ErrNotFound       = errors.New("approval: request not found")
	ErrAlreadyDecided = errors.New("approval: request already decided")
	ErrExpired        = errors.New("approval: request expired")
)

// Request is a pending authorization. Requests are never deleted; terminal
// ones remain in the store for audit until process restart (memory store) or
// indefinitely (postgres store).
type Request struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"` // e.g. "transfer", "rebalance", "contract_call"
	AmountUSD      float64    `json:"amountUsd"`
	Account        string     `json:"account,omitempty"`
	FromProtocol   string     `json:"fromProtocol,omitempty"`
	ToProtocol     string     `json:"toProtocol,omitempty"`
	Rationale      string     `json:"rationale"`
	Status         Status     `json:"status"`
	Reason         string     `json:"reason,omitempty"` // set on rejection
	GasEstimateUSD float64    `json:"gasEstimateUsd,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	DecidedAt      *time.Time `json:"decidedAt,omitempty"`
}

// Store persists approval requests. Transition must be compare-and-set on the
// pending status so a request can leave pending at most once even under
// concurrent deciders.
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// Transition moves a pending request to a terminal status. Returns false
	// (and no error) if the request was not pending.
	Transition(ctx context.Context, id string, to Status, reason string, decidedAt time.Time) (bool, error)
	ListPending(ctx context.Context) ([]*Request, error)
	ListRecent(ctx context.Context, limit int) ([]*Request, error)
}

// Decider, when configured, resolves requests synchronously instead of
// waiting for a human. Used in tests and scripted runs.
type Decider func(ctx context.Context, req *Request) (approve bool, reason string)

// Service coordinates request lifecycle, waits, and expiry.
type Service struct {
	store   Store
	sink    audit.Sink
	logger  *slog.Logger
	decider Decider

	mu      sync.Mutex
	wakeups map[string]chan struct{} // closed when a request turns terminal

	pollInterval time.Duration
	now          func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithDecider installs a synchronous decision callback.
func WithDecider(d Decider) Option {
	return func(s *Service) { s.decider = d }
}

// NewService creates the approval service.
func NewService(store Store, sink audit.Sink, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		sink:         sink,
		logger:       logger,
		wakeups:      make(map[string]chan struct{}),
		pollInterval: 2 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spec describes a new approval request.
type Spec struct {
	Kind           string
	AmountUSD      float64
	Account        string
	FromProtocol   string
	ToProtocol     string
	Rationale      string
	GasEstimateUSD float64
	Timeout        time.Duration
}

// Request creates a pending authorization request.
func (s *Service) Request(ctx context.Context, spec Spec) (*Request, error) {
	if spec.Timeout <= 0 {
		return nil, fmt.Errorf("approval: timeout must be positive")
	}

	now := s.now()
	req := &Request{
		ID:             idgen.WithPrefix("apr_"),
		Kind:           spec.Kind,
		AmountUSD:      spec.AmountUSD,
		Account:        spec.Account,
		FromProtocol:   spec.FromProtocol,
		ToProtocol:     spec.ToProtocol,
		Rationale:      spec.Rationale,
		GasEstimateUSD: spec.GasEstimateUSD,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(spec.Timeout),
	}

	if err := s.store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("approval: create request: %w", err)
	}

	s.mu.Lock()
	s.wakeups[req.ID] = make(chan struct{})
	s.mu.Unlock()

	s.sink.Emit(ctx, &audit.Event{
		Kind:      audit.KindApprovalRequest,
		Account:   req.Account,
		AmountUSD: req.AmountUSD,
		Reason:    req.Rationale,
		Details:   map[string]string{"request_id": req.ID, "kind": req.Kind},
	})
	s.logger.Info("approval requested",
		"request_id", req.ID, "kind", req.Kind,
		"amount_usd", req.AmountUSD, "expires_at", req.ExpiresAt)

	return req, nil
}

// Wait suspends until the request leaves pending or its expiry passes.
// The wait is cooperative: the caller parks on a wake channel closed by
// Approve/Reject, with a timed poll as fallback for decisions made by
// another process against a shared store. Abandoning the wait (ctx cancel)
// has no effect on the request; any other caller can still wait on it.
func (s *Service) Wait(ctx context.Context, id string) (Status, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	// Synchronous path: a configured decider resolves immediately.
	if s.decider != nil && req.Status == StatusPending {
		approve, reason := s.decider(ctx, req)
		if approve {
			if err := s.Approve(ctx, id); err != nil && !errors.Is(err, ErrAlreadyDecided) {
				return "", err
			}
		} else {
			if err := s.Reject(ctx, id, reason); err != nil && !errors.Is(err, ErrAlreadyDecided) {
				return "", err
			}
		}
		final, err := s.store.Get(ctx, id)
		if err != nil {
			return "", err
		}
		return final.Status, nil
	}

	wake := s.wakeChan(id)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	expiry := time.NewTimer(time.Until(req.ExpiresAt))
	defer expiry.Stop()

	for {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if cur.Status.Terminal() {
			return cur.Status, nil
		}
		if s.now().After(cur.ExpiresAt) {
			s.expire(ctx, cur)
			return StatusExpired, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wake:
			// Decision arrived; loop to read the final status.
		case <-expiry.C:
			// Loop; the expiry branch above will fire.
		case <-ticker.C:
			// Fallback poll for out-of-process decisions.
		}
	}
}

// Approve transitions a pending request to approved. Refuses if the request
// is already terminal; a request past its expiry is auto-expired and the
// approval fails with ErrExpired.
func (s *Service) Approve(ctx context.Context, id string) error {
	return s.decide(ctx, id, StatusApproved, "")
}

// Reject transitions a pending request to rejected with a reason.
func (s *Service) Reject(ctx context.Context, id string, reason string) error {
	return s.decide(ctx, id, StatusRejected, reason)
}

func (s *Service) decide(ctx context.Context, id string, to Status, reason string) error {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, req.Status)
	}
	if s.now().After(req.ExpiresAt) {
		s.expire(ctx, req)
		return fmt.Errorf("%w: %s", ErrExpired, id)
	}

	ok, err := s.store.Transition(ctx, id, to, reason, s.now())
	if err != nil {
		return fmt.Errorf("approval: transition: %w", err)
	}
	if !ok {
		// Lost the race to another decider or the expiry timer.
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, cur.Status)
	}

	s.wake(id)
	metrics.ApprovalsTotal.WithLabelValues(string(to)).Inc()

	kind := audit.KindApprovalGranted
	if to == StatusRejected {
		kind = audit.KindApprovalRejected
	}
	s.sink.Emit(ctx, &audit.Event{
		Kind:      kind,
		Account:   req.Account,
		AmountUSD: req.AmountUSD,
		Reason:    reason,
		Details:   map[string]string{"request_id": id},
	})
	s.logger.Info("approval decided", "request_id", id, "status", to, "reason", reason)
	return nil
}

// expire moves a request past its deadline to expired. Safe to call
// concurrently; the store transition is compare-and-set so only one caller
// performs the transition and emits the event.
func (s *Service) expire(ctx context.Context, req *Request) {
	ok, err := s.store.Transition(ctx, req.ID, StatusExpired, "timed out waiting for decision", s.now())
	if err != nil {
		s.logger.Warn("failed to expire approval request", "request_id", req.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	s.wake(req.ID)
	metrics.ApprovalsTotal.WithLabelValues(string(StatusExpired)).Inc()
	s.sink.Emit(ctx, &audit.Event{
		Kind:      audit.KindApprovalExpired,
		Account:   req.Account,
		AmountUSD: req.AmountUSD,
		Details:   map[string]string{"request_id": req.ID},
	})
	s.logger.Info("approval expired", "request_id", req.ID)
}

// Get returns a request by ID.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// ListPending returns a snapshot of all requests still pending.
func (s *Service) ListPending(ctx context.Context) ([]*Request, error) {
	return s.store.ListPending(ctx)
}

// ListRecent returns recent requests in any state, newest first.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]*Request, error) {
	return s.store.ListRecent(ctx, limit)
}

func (s *Service) wakeChan(id string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.wakeups[id]
	if !ok {
		ch = make(chan struct{})
		s.wakeups[id] = ch
	}
	return ch
}

func (s *Service) wake(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.wakeups[id]; ok {
		close(ch)
		delete(s.wakeups, id)
	}
}
