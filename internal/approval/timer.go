package approval

import (
	"context"
	"time"
)

// Timer sweeps pending requests past their deadline into the expired state.
// It backstops the inline expiry check in Wait for requests nobody is
// actively waiting on (e.g. decided via the REST API after the agent gave up).
type Timer struct {
	service  *Service
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewTimer creates an expiry sweeper. A non-positive interval defaults to 10s.
func NewTimer(service *Service, interval time.Duration) *Timer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Timer{
		service:  service,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine.
func (t *Timer) Start() {
	go t.run()
}

// Stop halts the sweep loop and waits for it to exit.
func (t *Timer) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Timer) run() {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Timer) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pending, err := t.service.ListPending(ctx)
	if err != nil {
		t.service.logger.Warn("approval expiry sweep failed", "error", err)
		return
	}

	now := t.service.now()
	for _, req := range pending {
		if now.After(req.ExpiresAt) {
			t.service.expire(ctx, req)
		}
	}
}
