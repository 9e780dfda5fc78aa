// Package nonce issues transaction nonces, serialized per account.
//
// The chain's pending count alone is not enough once transactions are built
// concurrently: two in-flight builds would both see the same pending count and
// collide. The allocator keeps a per-account "next to issue" counter, takes the
// maximum of that and the chain's view on every call, and hands out strictly
// increasing values.
package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// PendingCounter is the chain-side source of truth for an account's
// transaction count, satisfied by *ethclient.Client.
type PendingCounter interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Allocator issues monotonic nonces per account.
type Allocator struct {
	client PendingCounter

	mu    sync.Mutex
	state map[common.Address]*accountState
}

type accountState struct {
	mu     sync.Mutex
	next   uint64
	primed bool // false until the first successful chain sync (and after Reset)
}

// NewAllocator creates a nonce allocator backed by the given chain client.
func NewAllocator(client PendingCounter) *Allocator {
	return &Allocator{
		client: client,
		state:  make(map[common.Address]*accountState),
	}
}

// Next returns the next nonce for the account and advances the counter.
// The chain is consulted on every call; if its pending count is ahead of the
// in-memory counter (another process submitted), the counter jumps forward.
// If the chain query fails the error propagates — a stale nonce is never
// silently returned.
func (a *Allocator) Next(ctx context.Context, account common.Address) (uint64, error) {
	st := a.accountState(account)

	st.mu.Lock()
	defer st.mu.Unlock()

	chainNext, err := a.client.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("nonce: pending count for %s: %w", account.Hex(), err)
	}

	if !st.primed || chainNext > st.next {
		st.next = chainNext
		st.primed = true
	}

	n := st.next
	st.next++
	return n, nil
}

// Reset clears the in-memory counter for an account so the next call
// resynchronizes from chain truth. Called whenever a built transaction is
// abandoned before submission, so the slot is not permanently burned.
func (a *Allocator) Reset(account common.Address) {
	st := a.accountState(account)
	st.mu.Lock()
	st.primed = false
	st.next = 0
	st.mu.Unlock()
}

func (a *Allocator) accountState(account common.Address) *accountState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.state[account]
	if !ok {
		st = &accountState{}
		a.state[account] = st
	}
	return st
}
