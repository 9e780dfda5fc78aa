package nonce

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type fakeCounter struct {
	mu      sync.Mutex
	pending map[common.Address]uint64
	err     error
	calls   int
}

func (f *fakeCounter) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.pending[account], nil
}

func (f *fakeCounter) set(account common.Address, n uint64) {
	f.mu.Lock()
	f.pending[account] = n
	f.mu.Unlock()
}

var testAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestNextIssuesSequentially(t *testing.T) {
	counter := &fakeCounter{pending: map[common.Address]uint64{testAccount: 5}}
	a := NewAllocator(counter)

	for want := uint64(5); want < 8; want++ {
		got, err := a.Next(context.Background(), testAccount)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != want {
			t.Errorf("expected nonce %d, got %d", want, got)
		}
	}
}

func TestNextJumpsWhenChainIsAhead(t *testing.T) {
	counter := &fakeCounter{pending: map[common.Address]uint64{testAccount: 0}}
	a := NewAllocator(counter)

	if _, err := a.Next(context.Background(), testAccount); err != nil {
		t.Fatalf("next: %v", err)
	}

	// Another process lands transactions; chain pending count leaps past us.
	counter.set(testAccount, 10)

	got, err := a.Next(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != 10 {
		t.Errorf("expected jump to chain nonce 10, got %d", got)
	}
}

func TestNextIgnoresStaleChainView(t *testing.T) {
	counter := &fakeCounter{pending: map[common.Address]uint64{testAccount: 3}}
	a := NewAllocator(counter)

	if n, _ := a.Next(context.Background(), testAccount); n != 3 {
		t.Fatalf("expected first nonce 3, got %d", n)
	}

	// The chain has not seen our in-flight transaction yet; pending count
	// still reads 3. The in-memory counter must win.
	got, err := a.Next(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != 4 {
		t.Errorf("expected in-memory nonce 4, got %d", got)
	}
}

func TestNextPropagatesChainError(t *testing.T) {
	counter := &fakeCounter{
		pending: map[common.Address]uint64{},
		err:     errors.New("rpc timeout"),
	}
	a := NewAllocator(counter)

	if _, err := a.Next(context.Background(), testAccount); err == nil {
		t.Fatal("expected error from failed chain query")
	}
}

func TestResetResynchronizesFromChain(t *testing.T) {
	counter := &fakeCounter{pending: map[common.Address]uint64{testAccount: 7}}
	a := NewAllocator(counter)

	if n, _ := a.Next(context.Background(), testAccount); n != 7 {
		t.Fatalf("expected nonce 7, got %d", n)
	}
	if n, _ := a.Next(context.Background(), testAccount); n != 8 {
		t.Fatalf("expected nonce 8, got %d", n)
	}

	// Both builds abandoned before submission; the chain never advanced.
	a.Reset(testAccount)

	got, err := a.Next(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("next after reset: %v", err)
	}
	if got != 7 {
		t.Errorf("expected nonce 7 after reset, got %d", got)
	}
}

func TestConcurrentNextNeverCollides(t *testing.T) {
	counter := &fakeCounter{pending: map[common.Address]uint64{testAccount: 100}}
	a := NewAllocator(counter)

	const n = 50
	var wg sync.WaitGroup
	results := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nonce, err := a.Next(context.Background(), testAccount)
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			results[i] = nonce
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, nonce := range results {
		if seen[nonce] {
			t.Fatalf("nonce %d issued twice", nonce)
		}
		seen[nonce] = true
	}
	for want := uint64(100); want < 100+n; want++ {
		if !seen[want] {
			t.Errorf("nonce %d never issued", want)
		}
	}
}

func TestAccountsAreIndependent(t *testing.T) {
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	counter := &fakeCounter{pending: map[common.Address]uint64{
		testAccount: 5,
		other:       50,
	}}
	a := NewAllocator(counter)

	if n, _ := a.Next(context.Background(), testAccount); n != 5 {
		t.Errorf("expected nonce 5 for first account, got %d", n)
	}
	if n, _ := a.Next(context.Background(), other); n != 50 {
		t.Errorf("expected nonce 50 for second account, got %d", n)
	}
	if n, _ := a.Next(context.Background(), testAccount); n != 6 {
		t.Errorf("expected nonce 6 for first account, got %d", n)
	}
}
