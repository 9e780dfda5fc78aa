package server

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agentwall/agentwall/internal/circuitbreaker"
)

// ErrRPCUnavailable is returned while the chain endpoint circuit is open.
var ErrRPCUnavailable = errors.New("server: chain rpc circuit open")

const breakerKey = "chain_rpc"

// rpcBackend is the chain surface the server needs, satisfied by
// *ethclient.Client.
type rpcBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// guardedClient wraps the eth client with a circuit breaker so a dead or
// flapping RPC endpoint fails fast instead of stacking up pipeline runs
// waiting on timeouts. It satisfies the chain-facing interfaces of the
// pipeline, gas estimator, nonce allocator, and health checker.
type guardedClient struct {
	eth     rpcBackend
	breaker *circuitbreaker.Breaker
}

func newGuardedClient(eth rpcBackend, breaker *circuitbreaker.Breaker) *guardedClient {
	return &guardedClient{eth: eth, breaker: breaker}
}

// observe classifies an RPC result for the breaker. Missing receipts are a
// normal polling outcome and reverts are the transaction's problem, so
// neither counts against the endpoint. Cancellation is the caller's choice.
func (g *guardedClient) observe(err error) error {
	switch {
	case err == nil,
		errors.Is(err, ethereum.NotFound),
		errors.Is(err, context.Canceled):
		g.breaker.RecordSuccess(breakerKey)
	case strings.Contains(err.Error(), "execution reverted"):
		g.breaker.RecordSuccess(breakerKey)
	default:
		g.breaker.RecordFailure(breakerKey)
	}
	return err
}

func (g *guardedClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if !g.breaker.Allow(breakerKey) {
		return nil, ErrRPCUnavailable
	}
	out, err := g.eth.CallContract(ctx, call, blockNumber)
	return out, g.observe(err)
}

func (g *guardedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if !g.breaker.Allow(breakerKey) {
		return ErrRPCUnavailable
	}
	return g.observe(g.eth.SendTransaction(ctx, tx))
}

func (g *guardedClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if !g.breaker.Allow(breakerKey) {
		return nil, ErrRPCUnavailable
	}
	receipt, err := g.eth.TransactionReceipt(ctx, txHash)
	return receipt, g.observe(err)
}

func (g *guardedClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if !g.breaker.Allow(breakerKey) {
		return 0, ErrRPCUnavailable
	}
	limit, err := g.eth.EstimateGas(ctx, call)
	return limit, g.observe(err)
}

func (g *guardedClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if !g.breaker.Allow(breakerKey) {
		return nil, ErrRPCUnavailable
	}
	header, err := g.eth.HeaderByNumber(ctx, number)
	return header, g.observe(err)
}

func (g *guardedClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if !g.breaker.Allow(breakerKey) {
		return nil, ErrRPCUnavailable
	}
	tip, err := g.eth.SuggestGasTipCap(ctx)
	return tip, g.observe(err)
}

func (g *guardedClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if !g.breaker.Allow(breakerKey) {
		return 0, ErrRPCUnavailable
	}
	n, err := g.eth.PendingNonceAt(ctx, account)
	return n, g.observe(err)
}

func (g *guardedClient) BlockNumber(ctx context.Context) (uint64, error) {
	if !g.breaker.Allow(breakerKey) {
		return 0, ErrRPCUnavailable
	}
	head, err := g.eth.BlockNumber(ctx)
	return head, g.observe(err)
}
