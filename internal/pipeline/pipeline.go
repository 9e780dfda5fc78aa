// Package pipeline drives a transaction through the fixed safety sequence:
// build, simulate, validate, gas-check, authorize, submit, confirm.
//
// No stage is skippable and failure at any stage aborts the run. Simulation
// always precedes signing: a transaction that reverts in eth_call never
// receives a signature. The gas check runs before authorization so a fee
// market past the ceiling aborts before any budget is committed. An aborted
// run resets the account's nonce counter so the allocated slot is not burned,
// and gives back ledger budget if the network never saw the transaction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agentwall/agentwall/internal/audit"
	"github.com/agentwall/agentwall/internal/gas"
	"github.com/agentwall/agentwall/internal/idgen"
	"github.com/agentwall/agentwall/internal/logging"
	"github.com/agentwall/agentwall/internal/metrics"
	"github.com/agentwall/agentwall/internal/nonce"
	"github.com/agentwall/agentwall/internal/threat"
	"github.com/agentwall/agentwall/internal/traces"
	"github.com/agentwall/agentwall/internal/wallet"
)

// Stage names, in execution order.
type Stage string

const (
	StageBuild     Stage = "build"
	StageSimulate  Stage = "simulate"
	StageValidate  Stage = "validate"
	StageGasCheck  Stage = "gas_check"
	StageAuthorize Stage = "authorize"
	StageSubmit    Stage = "submit"
	StageConfirm   Stage = "confirm"
)

// StageError tags a failure with the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrGasCeiling is returned when current network fees exceed the configured
// ceiling and the transaction would sit unmined.
var ErrGasCeiling = errors.New("pipeline: network fees exceed configured ceiling")

// ErrReverted is returned when a transaction confirmed with a failed status.
var ErrReverted = errors.New("pipeline: transaction reverted on chain")

// ChainClient is the chain surface the pipeline needs, satisfied by
// *ethclient.Client.
type ChainClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Intent is the agent's request: where money should go and why.
type Intent struct {
	To        common.Address
	Value     *big.Int // native value, wei; may be zero for contract calls
	Data      []byte
	AmountUSD float64 // economic value at risk, for limit accounting
	Kind      string  // "transfer", "rebalance", "contract_call"
	Rationale string
}

// Result reports a completed (or prepared) pipeline run.
type Result struct {
	DecisionID  string
	TxHash      string
	Nonce       uint64
	GasPlan     *gas.Plan
	Verdict     *threat.Verdict
	ApprovalID  string
	Unsigned    *wallet.UnsignedTx // manual tier: exported instead of executed
	BlockNumber uint64
	GasUsed     uint64
}

// Pipeline wires the safety components into the staged executor.
type Pipeline struct {
	client    ChainClient
	wallet    *wallet.Wallet
	nonces    *nonce.Allocator
	estimator *gas.Estimator
	detector  *threat.Detector
	oracle    *gas.PriceOracle
	sink      audit.Sink
	logger    *slog.Logger
	chainID   *big.Int

	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithPriceOracle enables USD gas-cost estimates on approval requests.
func WithPriceOracle(o *gas.PriceOracle) Option {
	return func(p *Pipeline) { p.oracle = o }
}

// WithConfirmTimeout overrides the confirmation window.
func WithConfirmTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.confirmTimeout = d }
}

// New creates an execution pipeline.
func New(client ChainClient, w *wallet.Wallet, nonces *nonce.Allocator, estimator *gas.Estimator, detector *threat.Detector, sink audit.Sink, logger *slog.Logger, chainID *big.Int, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:         client,
		wallet:         w,
		nonces:         nonces,
		estimator:      estimator,
		detector:       detector,
		sink:           sink,
		logger:         logger,
		chainID:        chainID,
		confirmTimeout: 2 * time.Minute,
		pollInterval:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs the safety sequence and returns as soon as the network accepts
// the transaction, with the hash in the result. This is the default path;
// confirmation is a separate concern (AwaitConfirmation), so a slow chain
// never holds the caller hostage. Manual-tier runs return the unsigned
// transaction instead.
func (p *Pipeline) Submit(ctx context.Context, intent Intent) (*Result, error) {
	decisionID := idgen.WithPrefix("dec_")
	ctx = logging.WithDecisionID(ctx, decisionID)
	ctx, span := traces.StartSpan(ctx, "pipeline.submit",
		traces.Account(p.wallet.Account()),
		traces.Target(intent.To.Hex()),
		traces.AmountUSD(intent.AmountUSD),
		traces.DecisionID(decisionID),
	)
	defer span.End()
	logger := p.logger.With("decision_id", decisionID, "to", intent.To.Hex(), "amount_usd", intent.AmountUSD)

	start := time.Now()
	res, err := p.run(ctx, logger, intent, decisionID)
	if err != nil {
		metrics.TransactionDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		stage := p.reportFailure(ctx, intent, decisionID, err)
		logger.Error("transaction aborted", "stage", stage, "error", err)
		return nil, err
	}

	outcome := "submitted"
	stage := StageSubmit
	if res.Unsigned != nil {
		outcome = "prepared"
		stage = StageAuthorize
	}
	metrics.TransactionsTotal.WithLabelValues(string(stage), outcome).Inc()
	metrics.TransactionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return res, nil
}

// Confirmation reports the mined receipt of a submitted transaction.
type Confirmation struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// AwaitConfirmation blocks until the transaction is mined or the confirmation
// window closes. A receipt with a failed status is reported as ErrReverted.
func (p *Pipeline) AwaitConfirmation(ctx context.Context, txHash common.Hash) (*Confirmation, error) {
	receipt, err := p.waitForReceipt(ctx, txHash)
	if err != nil {
		return nil, &StageError{Stage: StageConfirm, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &StageError{Stage: StageConfirm, Err: fmt.Errorf("%w: %s", ErrReverted, txHash.Hex())}
	}
	return &Confirmation{
		TxHash:      txHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// Execute is the opt-in blocking path: Submit, then wait for the receipt.
// Manual-tier runs return after preparation.
func (p *Pipeline) Execute(ctx context.Context, intent Intent) (*Result, error) {
	res, err := p.Submit(ctx, intent)
	if err != nil || res.TxHash == "" {
		return res, err
	}

	start := time.Now()
	conf, err := p.AwaitConfirmation(ctx, common.HexToHash(res.TxHash))
	if err != nil {
		metrics.TransactionDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		p.reportFailure(ctx, intent, res.DecisionID, err)
		p.logger.Error("transaction failed to confirm",
			"decision_id", res.DecisionID, "tx_hash", res.TxHash, "error", err)
		return nil, err
	}
	res.BlockNumber = conf.BlockNumber
	res.GasUsed = conf.GasUsed

	metrics.TransactionsTotal.WithLabelValues(string(StageConfirm), "confirmed").Inc()
	metrics.TransactionDuration.WithLabelValues("confirmed").Observe(time.Since(start).Seconds())
	p.sink.Emit(ctx, &audit.Event{
		Kind:       audit.KindTxExecuted,
		Account:    p.wallet.Account(),
		Target:     intent.To.Hex(),
		AmountUSD:  intent.AmountUSD,
		Stage:      string(StageConfirm),
		DecisionID: res.DecisionID,
		Details: map[string]string{
			"tx_hash":     res.TxHash,
			"block":       fmt.Sprintf("%d", res.BlockNumber),
			"gas_used":    fmt.Sprintf("%d", res.GasUsed),
			"approval_id": res.ApprovalID,
		},
	})
	p.logger.Info("transaction confirmed",
		"decision_id", res.DecisionID, "tx_hash", res.TxHash, "block", res.BlockNumber, "gas_used", res.GasUsed)
	return res, nil
}

// reportFailure emits the failure metrics and audit event, returning the
// stage the run died in.
func (p *Pipeline) reportFailure(ctx context.Context, intent Intent, decisionID string, err error) string {
	var stageErr *StageError
	stage := ""
	if errors.As(err, &stageErr) {
		stage = string(stageErr.Stage)
	}
	metrics.TransactionsTotal.WithLabelValues(stage, "failed").Inc()
	p.sink.Emit(ctx, &audit.Event{
		Kind:       audit.KindTxFailed,
		Account:    p.wallet.Account(),
		Target:     intent.To.Hex(),
		AmountUSD:  intent.AmountUSD,
		Stage:      stage,
		Reason:     err.Error(),
		DecisionID: decisionID,
	})
	return stage
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, intent Intent, decisionID string) (*Result, error) {
	from := p.wallet.Signer().Address()
	value := intent.Value
	if value == nil {
		value = new(big.Int)
	}

	// Build: gas plan first, then a nonce. Ordering matters: a failed gas
	// plan must not consume a nonce slot.
	plan, err := p.estimator.Estimate(ctx, from, &intent.To, value, intent.Data)
	if err != nil {
		return nil, &StageError{Stage: StageBuild, Err: err}
	}
	if !plan.Estimated {
		metrics.GasPlanFallbacksTotal.Inc()
	}

	n, err := p.nonces.Next(ctx, from)
	if err != nil {
		return nil, &StageError{Stage: StageBuild, Err: err}
	}

	// Any abort past this point releases the nonce slot.
	committed := false
	defer func() {
		if !committed {
			p.nonces.Reset(from)
		}
	}()

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.chainID,
		Nonce:     n,
		To:        &intent.To,
		Value:     value,
		Gas:       plan.GasLimit,
		GasFeeCap: plan.MaxFee,
		GasTipCap: plan.PriorityFee,
		Data:      intent.Data,
	})
	logger.Debug("transaction built", "nonce", n, "gas_limit", plan.GasLimit, "gas_tier", plan.Tier.String())

	// Simulate before anything touches the signer.
	if err := p.simulate(ctx, from, intent, value); err != nil {
		return nil, &StageError{Stage: StageSimulate, Err: err}
	}

	// Validate: threat battery against the exact prepared call.
	verdict := p.detector.Inspect(intent.To, value, intent.Data, p.wallet.Policy().AllowedRisk)
	p.recordFindings(ctx, verdict, intent, decisionID)
	// Authorization enforces the verdict; running it there keeps the
	// rejection path identical for threats, limits, and denials.

	// Gas check before authorization: a fee market past the ceiling is an
	// execution-time failure and must abort before any budget is committed.
	// The manual tier skips it; its export is signed and broadcast later,
	// under whatever fees apply then.
	if !p.wallet.Policy().ReadOnly && !plan.Viable() {
		return nil, &StageError{Stage: StageGasCheck, Err: ErrGasCeiling}
	}

	// Authorize: pause gate, verdict, limits, human approval per tier.
	decision, err := p.wallet.Authorize(ctx, wallet.AuthRequest{
		Tx:             tx,
		ChainID:        p.chainID,
		Verdict:        verdict,
		AmountUSD:      intent.AmountUSD,
		GasEstimateUSD: p.gasCostUSD(ctx, plan),
		Kind:           intent.Kind,
		Rationale:      intent.Rationale,
	})
	if err != nil {
		return nil, &StageError{Stage: StageAuthorize, Err: err}
	}

	result := &Result{
		DecisionID: decisionID,
		Nonce:      n,
		GasPlan:    plan,
		Verdict:    verdict,
		ApprovalID: decision.ApprovalID,
	}

	if decision.Outcome == wallet.OutcomePrepared {
		result.Unsigned = decision.Unsigned
		return result, nil
	}

	// Budget was committed at authorization. If signing or submission fails
	// before the network sees the transaction, give the budget back; once
	// submitted it stays spent even if the transaction later reverts.
	defer func() {
		if !committed {
			p.wallet.ReleaseSpend(ctx, intent.AmountUSD)
		}
	}()

	// Submit.
	signed, err := p.wallet.Sign(ctx, tx, p.chainID)
	if err != nil {
		return nil, &StageError{Stage: StageSubmit, Err: err}
	}
	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return nil, &StageError{Stage: StageSubmit, Err: err}
	}
	committed = true
	result.TxHash = signed.Hash().Hex()

	p.sink.Emit(ctx, &audit.Event{
		Kind:       audit.KindTxSubmitted,
		Account:    p.wallet.Account(),
		Target:     intent.To.Hex(),
		AmountUSD:  intent.AmountUSD,
		Stage:      string(StageSubmit),
		DecisionID: decisionID,
		Details: map[string]string{
			"tx_hash":     result.TxHash,
			"nonce":       fmt.Sprintf("%d", n),
			"approval_id": result.ApprovalID,
		},
	})
	logger.Info("transaction submitted", "tx_hash", result.TxHash, "nonce", n)
	return result, nil
}

// gasCostUSD converts the plan's worst-case fee into dollars for the
// approval request. Best effort; zero when no oracle is configured.
func (p *Pipeline) gasCostUSD(ctx context.Context, plan *gas.Plan) float64 {
	if p.oracle == nil {
		return 0
	}
	ethPrice := p.oracle.Price(ctx, "ethereum", "usd")
	if ethPrice <= 0 {
		return 0
	}
	costWei := new(big.Int).Mul(plan.MaxFee, new(big.Int).SetUint64(plan.GasLimit))
	costEth, _ := new(big.Float).Quo(new(big.Float).SetInt(costWei), big.NewFloat(1e18)).Float64()
	return costEth * ethPrice
}

// simulate dry-runs the call via eth_call against latest state. A revert here
// aborts the pipeline before the signer is ever consulted.
func (p *Pipeline) simulate(ctx context.Context, from common.Address, intent Intent, value *big.Int) error {
	_, err := p.client.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    &intent.To,
		Value: value,
		Data:  intent.Data,
	}, nil)
	if err != nil {
		return fmt.Errorf("simulation reverted: %w", err)
	}
	return nil
}

func (p *Pipeline) recordFindings(ctx context.Context, verdict *threat.Verdict, intent Intent, decisionID string) {
	for _, f := range verdict.Findings {
		metrics.ThreatFindingsTotal.WithLabelValues(string(f.Kind), string(f.Severity)).Inc()
		p.sink.Emit(ctx, &audit.Event{
			Kind:       audit.KindThreatFinding,
			Account:    p.wallet.Account(),
			Target:     intent.To.Hex(),
			AmountUSD:  intent.AmountUSD,
			Stage:      string(StageValidate),
			Severity:   string(f.Severity),
			Reason:     f.Description,
			DecisionID: decisionID,
			Details:    f.Details,
		})
	}
}

// waitForReceipt polls until the transaction is mined or the confirmation
// window closes. Not-found errors are expected while the transaction is in
// the mempool and are retried silently.
func (p *Pipeline) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("confirmation timed out for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
