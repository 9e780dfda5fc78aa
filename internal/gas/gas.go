// Package gas converts raw network estimates into safety-buffered gas plans.
//
// Raw estimates are unreliable for contract calls whose cost depends on state
// that may shift between estimation and inclusion. Each call is classified by
// payload size into a complexity tier, and the raw estimate is multiplied by
// that tier's safety buffer. Fees follow EIP-1559: maxFee = 2*baseFee + tip,
// clamped to policy ceilings.
package gas

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agentwall/agentwall/internal/retry"
)

// Tier classifies a call by payload size.
type Tier int

const (
	TierTransfer Tier = iota // no payload: plain value transfer
	TierSmall                // up to a few ABI words: simple calls
	TierMedium               // multi-word calldata: swaps, deposits
	TierLarge                // big payloads: batch or multicall
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierTransfer:
		return "transfer"
	case TierSmall:
		return "small"
	case TierMedium:
		return "medium"
	case TierLarge:
		return "large"
	default:
		return "unknown"
	}
}

// Payload size boundaries for tier classification.
const (
	smallPayloadMax  = 196  // selector + 6 ABI words
	mediumPayloadMax = 1024 // anything bigger is batch-shaped
)

// Safety buffers and fallback estimates per tier.
var tierParams = map[Tier]struct {
	buffer   float64
	fallback uint64
}{
	TierTransfer: {1.20, 21_000},
	TierSmall:    {1.30, 100_000},
	TierMedium:   {1.50, 300_000},
	TierLarge:    {2.00, 500_000},
}

// Plan is a buffered gas limit plus EIP-1559 fee parameters.
type Plan struct {
	Tier        Tier
	GasLimit    uint64
	MaxFee      *big.Int // per gas, wei, clamped to the policy ceiling
	PriorityFee *big.Int // per gas, wei
	BaseFee     *big.Int // network base fee at planning time
	Estimated   bool     // false when the fallback constant was used
}

// Viable reports whether the clamped max fee still covers the current base
// fee plus tip. A non-viable plan would sit unmined; callers should abort
// rather than submit it.
func (p *Plan) Viable() bool {
	if p.BaseFee == nil {
		return true
	}
	need := new(big.Int).Add(p.BaseFee, p.PriorityFee)
	return p.MaxFee.Cmp(need) >= 0
}

// Limits are the policy ceilings applied to every plan.
type Limits struct {
	MaxFeeWei         *big.Int
	MaxPriorityFeeWei *big.Int
	GasLimitCap       uint64
}

// FeeClient is the chain-side surface needed for estimation, satisfied by
// *ethclient.Client.
type FeeClient interface {
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// GweiToWei converts a float gwei value to wei.
func GweiToWei(gwei float64) *big.Int {
	wei := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	out, _ := wei.Int(nil)
	return out
}

// Estimator produces gas plans with a short-lived fee cache.
type Estimator struct {
	client FeeClient
	limits Limits

	mu        sync.Mutex
	baseFee   *big.Int
	tip       *big.Int
	fetchedAt time.Time
	ttl       time.Duration
}

// NewEstimator creates a gas estimator with the given policy ceilings.
func NewEstimator(client FeeClient, limits Limits) *Estimator {
	return &Estimator{
		client: client,
		limits: limits,
		ttl:    12 * time.Second, // roughly one block
	}
}

// ClassifyPayload returns the complexity tier for a call payload.
func ClassifyPayload(payload []byte) Tier {
	switch n := len(payload); {
	case n == 0:
		return TierTransfer
	case n <= smallPayloadMax:
		return TierSmall
	case n <= mediumPayloadMax:
		return TierMedium
	default:
		return TierLarge
	}
}

// Estimate builds a gas plan for the call. Estimation failures fall back to
// tier-specific conservative constants rather than propagating — refusing to
// plan gas would block transfers that a default limit covers safely. Fee
// lookup failures do propagate: without live fees no safe price exists.
func (e *Estimator) Estimate(ctx context.Context, from common.Address, to *common.Address, value *big.Int, payload []byte) (*Plan, error) {
	tier := ClassifyPayload(payload)
	params := tierParams[tier]

	raw, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    to,
		Value: value,
		Data:  payload,
	})
	estimated := err == nil
	if err != nil {
		raw = params.fallback
	}

	limit := uint64(float64(raw) * params.buffer)
	if e.limits.GasLimitCap > 0 && limit > e.limits.GasLimitCap {
		limit = e.limits.GasLimitCap
	}

	baseFee, tip, err := e.fees(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas: fee lookup: %w", err)
	}

	// maxFee = 2*baseFee + tip: survives one full base-fee doubling.
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)

	if e.limits.MaxPriorityFeeWei != nil && tip.Cmp(e.limits.MaxPriorityFeeWei) > 0 {
		tip = new(big.Int).Set(e.limits.MaxPriorityFeeWei)
	}
	if e.limits.MaxFeeWei != nil && maxFee.Cmp(e.limits.MaxFeeWei) > 0 {
		maxFee = new(big.Int).Set(e.limits.MaxFeeWei)
	}

	return &Plan{
		Tier:        tier,
		GasLimit:    limit,
		MaxFee:      maxFee,
		PriorityFee: tip,
		BaseFee:     new(big.Int).Set(baseFee),
		Estimated:   estimated,
	}, nil
}

// fees returns the current base fee and suggested tip, cached for one block.
func (e *Estimator) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	e.mu.Lock()
	if e.baseFee != nil && time.Since(e.fetchedAt) < e.ttl {
		base, tip := new(big.Int).Set(e.baseFee), new(big.Int).Set(e.tip)
		e.mu.Unlock()
		return base, tip, nil
	}
	e.mu.Unlock()

	var base, tip *big.Int
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		header, err := e.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		if header.BaseFee == nil {
			return retry.Permanent(fmt.Errorf("gas: chain has no base fee"))
		}
		t, err := e.client.SuggestGasTipCap(ctx)
		if err != nil {
			return err
		}
		base, tip = header.BaseFee, t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	e.baseFee = new(big.Int).Set(base)
	e.tip = new(big.Int).Set(tip)
	e.fetchedAt = time.Now()
	e.mu.Unlock()

	return base, tip, nil
}
