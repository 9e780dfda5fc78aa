package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agentwall/agentwall/internal/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testService(opts ...Option) *Service {
	return NewService(NewMemoryStore(), audit.Nop{}, testLogger(), opts...)
}

func testSpec() Spec {
	return Spec{
		Kind:      "transfer",
		AmountUSD: 1500,
		Account:   "0xabc",
		Rationale: "rebalance into the lending pool",
		Timeout:   time.Hour,
	}
}

func TestRequestCreatesPending(t *testing.T) {
	s := testService()

	req, err := s.Request(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != StatusPending {
		t.Errorf("expected pending status, got %s", req.Status)
	}
	if req.ID == "" {
		t.Error("request should have an ID")
	}
	if !req.ExpiresAt.After(req.CreatedAt) {
		t.Error("expiry must be after creation")
	}

	pending, err := s.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Errorf("expected the new request in the pending list, got %v", pending)
	}
}

func TestRequestRequiresTimeout(t *testing.T) {
	s := testService()
	spec := testSpec()
	spec.Timeout = 0
	if _, err := s.Request(context.Background(), spec); err == nil {
		t.Fatal("expected error for zero timeout")
	}
}

func TestApproveWakesWaiter(t *testing.T) {
	s := testService()
	req, err := s.Request(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	done := make(chan Status, 1)
	go func() {
		status, err := s.Wait(context.Background(), req.ID)
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		done <- status
	}()

	// Give the waiter time to park on the wake channel.
	time.Sleep(50 * time.Millisecond)
	if err := s.Approve(context.Background(), req.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	select {
	case status := <-done:
		if status != StatusApproved {
			t.Errorf("expected approved, got %s", status)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by the approval")
	}
}

func TestRejectRecordsReason(t *testing.T) {
	s := testService()
	req, _ := s.Request(context.Background(), testSpec())

	if err := s.Reject(context.Background(), req.ID, "amount looks wrong"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	cur, err := s.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", cur.Status)
	}
	if cur.Reason != "amount looks wrong" {
		t.Errorf("expected rejection reason, got %q", cur.Reason)
	}
	if cur.DecidedAt == nil {
		t.Error("decided requests must carry a decision time")
	}
}

func TestDecisionIsFinal(t *testing.T) {
	s := testService()
	req, _ := s.Request(context.Background(), testSpec())

	if err := s.Approve(context.Background(), req.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := s.Reject(context.Background(), req.ID, "too late"); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("expected ErrAlreadyDecided, got %v", err)
	}
	if err := s.Approve(context.Background(), req.ID); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("expected ErrAlreadyDecided on re-approve, got %v", err)
	}

	cur, _ := s.Get(context.Background(), req.ID)
	if cur.Status != StatusApproved {
		t.Errorf("status changed after terminal transition: %s", cur.Status)
	}
}

func TestConcurrentDecidersOnlyOneWins(t *testing.T) {
	s := testService()
	req, _ := s.Request(context.Background(), testSpec())

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				errs[i] = s.Approve(context.Background(), req.ID)
			} else {
				errs[i] = s.Reject(context.Background(), req.ID, "no")
			}
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else if !errors.Is(err, ErrAlreadyDecided) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one deciding call to succeed, got %d", won)
	}
}

func TestApproveAfterExpiryFails(t *testing.T) {
	s := testService()
	req, _ := s.Request(context.Background(), testSpec())

	// Jump the clock past the deadline.
	s.now = func() time.Time { return req.ExpiresAt.Add(time.Minute) }

	if err := s.Approve(context.Background(), req.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	cur, _ := s.Get(context.Background(), req.ID)
	if cur.Status != StatusExpired {
		t.Errorf("late approval should have auto-expired the request, got %s", cur.Status)
	}
}

func TestWaitReturnsExpired(t *testing.T) {
	s := testService()
	spec := testSpec()
	spec.Timeout = 30 * time.Millisecond
	req, _ := s.Request(context.Background(), spec)

	status, err := s.Wait(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status != StatusExpired {
		t.Errorf("expected expired, got %s", status)
	}
}

func TestWaitHonorsContextCancel(t *testing.T) {
	s := testService()
	req, _ := s.Request(context.Background(), testSpec())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := s.Wait(ctx, req.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	// An abandoned wait leaves the request pending for other callers.
	cur, _ := s.Get(context.Background(), req.ID)
	if cur.Status != StatusPending {
		t.Errorf("abandoned wait must not change the request, got %s", cur.Status)
	}
}

func TestDeciderResolvesSynchronously(t *testing.T) {
	s := testService(WithDecider(func(_ context.Context, req *Request) (bool, string) {
		return req.AmountUSD < 2000, "over scripted ceiling"
	}))

	req, _ := s.Request(context.Background(), testSpec())
	status, err := s.Wait(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status != StatusApproved {
		t.Errorf("expected approved by decider, got %s", status)
	}

	spec := testSpec()
	spec.AmountUSD = 5000
	req, _ = s.Request(context.Background(), spec)
	status, err = s.Wait(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status != StatusRejected {
		t.Errorf("expected rejected by decider, got %s", status)
	}
}

func TestWaitUnknownRequest(t *testing.T) {
	s := testService()
	if _, err := s.Wait(context.Background(), "apr_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRecentNewestFirst(t *testing.T) {
	s := testService()

	first, _ := s.Request(context.Background(), testSpec())
	time.Sleep(5 * time.Millisecond)
	second, _ := s.Request(context.Background(), testSpec())

	recent, err := s.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(recent))
	}
	if recent[0].ID != second.ID || recent[1].ID != first.ID {
		t.Error("recent list should be newest first")
	}

	recent, _ = s.ListRecent(context.Background(), 1)
	if len(recent) != 1 || recent[0].ID != second.ID {
		t.Error("limit should keep only the newest request")
	}
}

func TestTimerSweepsExpired(t *testing.T) {
	s := testService()
	spec := testSpec()
	spec.Timeout = 10 * time.Millisecond
	req, _ := s.Request(context.Background(), spec)

	timer := NewTimer(s, 20*time.Millisecond)
	timer.Start()
	defer timer.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		cur, err := s.Get(context.Background(), req.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if cur.Status == StatusExpired {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timer never expired the overdue request")
}
