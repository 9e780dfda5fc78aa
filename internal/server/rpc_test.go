package server

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agentwall/agentwall/internal/circuitbreaker"
)

// fakeBackend returns a fixed error (or success) for every call.
type fakeBackend struct {
	err   error
	calls int
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls++
	return nil, f.err
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.calls++
	return f.err
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	f.calls++
	return 21000, f.err
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &types.Header{BaseFee: big.NewInt(1)}, nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	f.calls++
	return big.NewInt(1), f.err
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.calls++
	return 0, f.err
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.calls++
	return 100, f.err
}

func TestGuardedClientTripsAfterConsecutiveFailures(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}
	client := newGuardedClient(backend, circuitbreaker.New(3, time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := client.BlockNumber(ctx); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	// Circuit is now open; the backend must not be reached.
	before := backend.calls
	_, err := client.BlockNumber(ctx)
	if !errors.Is(err, ErrRPCUnavailable) {
		t.Errorf("expected ErrRPCUnavailable, got %v", err)
	}
	if backend.calls != before {
		t.Errorf("backend reached while circuit open")
	}
}

func TestGuardedClientSuccessResetsFailureCount(t *testing.T) {
	backend := &fakeBackend{err: errors.New("timeout")}
	client := newGuardedClient(backend, circuitbreaker.New(3, time.Minute))
	ctx := context.Background()

	client.BlockNumber(ctx)
	client.BlockNumber(ctx)

	backend.err = nil
	if _, err := client.BlockNumber(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The earlier failures no longer count toward the threshold.
	backend.err = errors.New("timeout")
	client.BlockNumber(ctx)
	client.BlockNumber(ctx)
	backend.err = nil
	if _, err := client.BlockNumber(ctx); errors.Is(err, ErrRPCUnavailable) {
		t.Errorf("circuit tripped despite intervening success")
	}
}

func TestGuardedClientIgnoresMissingReceipts(t *testing.T) {
	backend := &fakeBackend{err: ethereum.NotFound}
	client := newGuardedClient(backend, circuitbreaker.New(2, time.Minute))
	ctx := context.Background()

	// Receipt polling hits NotFound constantly; it must never open the circuit.
	for i := 0; i < 10; i++ {
		if _, err := client.TransactionReceipt(ctx, common.Hash{}); !errors.Is(err, ethereum.NotFound) {
			t.Fatalf("poll %d: expected NotFound, got %v", i, err)
		}
	}
}

func TestGuardedClientIgnoresReverts(t *testing.T) {
	backend := &fakeBackend{err: errors.New("execution reverted: transfer amount exceeds balance")}
	client := newGuardedClient(backend, circuitbreaker.New(2, time.Minute))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := client.CallContract(ctx, ethereum.CallMsg{}, nil); err == nil {
			t.Fatalf("call %d: expected revert error", i)
		}
	}

	// Reverts are caller errors, not endpoint failures.
	if _, err := client.BlockNumber(ctx); errors.Is(err, ErrRPCUnavailable) {
		t.Errorf("circuit opened on reverts")
	}
}

func TestGuardedClientRecoversViaProbe(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}
	client := newGuardedClient(backend, circuitbreaker.New(2, 20*time.Millisecond))
	ctx := context.Background()

	client.BlockNumber(ctx)
	client.BlockNumber(ctx)
	if _, err := client.BlockNumber(ctx); !errors.Is(err, ErrRPCUnavailable) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	backend.err = nil
	if _, err := client.BlockNumber(ctx); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if _, err := client.BlockNumber(ctx); err != nil {
		t.Errorf("circuit did not close after successful probe: %v", err)
	}
}
