// Package wallet gates transaction authorization behind a tier policy.
//
// The wallet decides, for each prepared transaction, whether the agent may
// proceed on its own, must wait for a human, or may only export an unsigned
// transaction. It also owns the emergency pause: a critical threat finding on
// an auto-pause tier freezes all further authorization until an operator
// clears it.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agentwall/agentwall/internal/approval"
	"github.com/agentwall/agentwall/internal/audit"
	"github.com/agentwall/agentwall/internal/ledger"
	"github.com/agentwall/agentwall/internal/metrics"
	"github.com/agentwall/agentwall/internal/threat"
)

// Authorization errors.
var (
	ErrPaused          = errors.New("wallet: paused")
	ErrThreatRejected  = errors.New("wallet: rejected by threat detection")
	ErrApprovalDenied  = errors.New("wallet: approval denied")
	ErrApprovalExpired = errors.New("wallet: approval request expired")
	ErrManualTier      = errors.New("wallet: manual tier cannot authorize execution")
)

// Outcome is the wallet's decision for one transaction.
type Outcome string

const (
	// OutcomeProceed means the spend is recorded and execution may continue.
	OutcomeProceed Outcome = "proceed"
	// OutcomePrepared means the transaction was exported unsigned (manual tier).
	OutcomePrepared Outcome = "prepared"
)

// Decision is the result of a successful authorization.
type Decision struct {
	Outcome    Outcome
	ApprovalID string      // set when a human approved the spend
	Unsigned   *UnsignedTx // set for OutcomePrepared
}

// AuthRequest describes the transaction seeking authorization. The verdict
// must come from the same prepared transaction the caller will execute.
type AuthRequest struct {
	Tx             *types.Transaction
	ChainID        *big.Int
	Verdict        *threat.Verdict
	AmountUSD      float64
	GasEstimateUSD float64
	Kind           string // "transfer", "rebalance", "contract_call"
	Rationale      string
}

// Wallet composes the tier policy with the signer, ledger, and approval flow.
type Wallet struct {
	policy    Policy
	signer    SigningBackend
	ledger    *ledger.Ledger
	approvals *approval.Service
	sink      audit.Sink
	logger    *slog.Logger
	pause     pauseState
	stats     txStats
	now       func() time.Time
}

// New creates a tiered wallet.
func New(policy Policy, signer SigningBackend, led *ledger.Ledger, approvals *approval.Service, sink audit.Sink, logger *slog.Logger) *Wallet {
	return &Wallet{
		policy:    policy,
		signer:    signer,
		ledger:    led,
		approvals: approvals,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
}

// Policy returns the wallet's tier policy.
func (w *Wallet) Policy() Policy { return w.policy }

// Signer exposes the signing backend for the execution pipeline.
func (w *Wallet) Signer() SigningBackend { return w.signer }

// Account is the lowercase hex address the ledger keys spends by. Callers
// keying their own state on it get the same normalized form the ledger uses.
func (w *Wallet) Account() string {
	return strings.ToLower(w.signer.Address().Hex())
}

// Authorize runs the tier gate: pause check, threat verdict, spending limits,
// and, on the approval tier, the human decision. On success the spend is
// recorded in the ledger; the caller must not record it again.
func (w *Wallet) Authorize(ctx context.Context, req AuthRequest) (*Decision, error) {
	if paused, reason, _ := w.pause.state(); paused {
		return nil, fmt.Errorf("%w: %s", ErrPaused, reason)
	}

	if err := w.enforceVerdict(ctx, req); err != nil {
		return nil, err
	}

	if w.policy.ReadOnly {
		return w.prepareOnly(ctx, req)
	}

	switch w.policy.Tier {
	case TierAutonomous:
		return w.authorizeAutonomous(ctx, req)
	case TierApproval:
		return w.authorizeWithApproval(ctx, req)
	}
	return nil, ErrManualTier
}

// enforceVerdict rejects on any critical finding and pauses the wallet when
// the tier demands it.
func (w *Wallet) enforceVerdict(ctx context.Context, req AuthRequest) error {
	v := req.Verdict
	if v == nil {
		return fmt.Errorf("wallet: authorization requires a threat verdict")
	}
	if v.Allowed {
		return nil
	}

	reason := v.RejectionReason()
	if w.policy.AutoPause {
		w.Pause(ctx, "threat detected: "+reason)
	}
	return fmt.Errorf("%w: %s", ErrThreatRejected, reason)
}

func (w *Wallet) authorizeAutonomous(ctx context.Context, req AuthRequest) (*Decision, error) {
	if err := w.ledger.CheckAndRecord(ctx, w.Account(), req.AmountUSD); err != nil {
		w.reportLimit(ctx, req.AmountUSD, err)
		// An agent running into its own ceiling on the unattended tier is
		// either compromised or confused. Both stop here.
		var limitErr *ledger.LimitError
		if w.policy.AutoPause && errors.As(err, &limitErr) {
			w.Pause(ctx, "spending limit breached: "+limitErr.Error())
		}
		return nil, err
	}
	w.stats.record(w.now())
	return &Decision{Outcome: OutcomeProceed}, nil
}

func (w *Wallet) reportLimit(ctx context.Context, amountUSD float64, err error) {
	var limitErr *ledger.LimitError
	if !errors.As(err, &limitErr) {
		return
	}
	metrics.LimitRejectionsTotal.WithLabelValues(limitErr.Window).Inc()
	w.sink.Emit(ctx, &audit.Event{
		Kind:      audit.KindLimitBreach,
		Account:   w.Account(),
		AmountUSD: amountUSD,
		Reason:    limitErr.Error(),
	})
}

// authorizeWithApproval parks the spend behind a human decision. The ledger
// limits still apply; a human approval does not override window ceilings.
func (w *Wallet) authorizeWithApproval(ctx context.Context, req AuthRequest) (*Decision, error) {
	if err := w.ledger.Check(ctx, w.Account(), req.AmountUSD); err != nil {
		w.reportLimit(ctx, req.AmountUSD, err)
		return nil, err
	}

	areq, err := w.approvals.Request(ctx, approval.Spec{
		Kind:           req.Kind,
		AmountUSD:      req.AmountUSD,
		Account:        w.Account(),
		Rationale:      req.Rationale,
		GasEstimateUSD: req.GasEstimateUSD,
		Timeout:        w.policy.ApprovalTimeout,
	})
	if err != nil {
		return nil, err
	}

	status, err := w.approvals.Wait(ctx, areq.ID)
	if err != nil {
		return nil, fmt.Errorf("wallet: waiting for approval %s: %w", areq.ID, err)
	}

	switch status {
	case approval.StatusApproved:
	case approval.StatusRejected:
		return nil, fmt.Errorf("%w: %s", ErrApprovalDenied, areq.ID)
	case approval.StatusExpired:
		return nil, fmt.Errorf("%w: %s", ErrApprovalExpired, areq.ID)
	default:
		return nil, fmt.Errorf("wallet: unexpected approval status %s", status)
	}

	// Re-check and record atomically: concurrent approvals may have consumed
	// window headroom while this one waited.
	if err := w.ledger.CheckAndRecord(ctx, w.Account(), req.AmountUSD); err != nil {
		return nil, err
	}
	w.stats.record(w.now())
	return &Decision{Outcome: OutcomeProceed, ApprovalID: areq.ID}, nil
}

// prepareOnly exports the transaction unsigned. Nothing is recorded in the
// ledger; no funds can move until a human signs and broadcasts externally.
func (w *Wallet) prepareOnly(ctx context.Context, req AuthRequest) (*Decision, error) {
	unsigned, err := PrepareForSigning(w.signer.Address(), req.Tx, req.ChainID)
	if err != nil {
		return nil, err
	}
	w.logger.Info("prepared unsigned transaction for external signing",
		"to", unsigned.To, "amount_usd", req.AmountUSD, "signing_hash", unsigned.SigningHash)
	return &Decision{Outcome: OutcomePrepared, Unsigned: unsigned}, nil
}

// ReleaseSpend gives back budget recorded at authorization for a transaction
// that never reached the network. A submitted transaction keeps its budget
// even if it later reverts on chain.
func (w *Wallet) ReleaseSpend(ctx context.Context, amountUSD float64) {
	if err := w.ledger.Release(ctx, w.Account(), amountUSD); err != nil {
		w.logger.Error("failed to release spend", "amount_usd", amountUSD, "error", err)
	}
}

// Snapshot captures the wallet's mutable runtime state alongside the policy
// limits it operates under. The result is JSON-serializable; Restore on a
// wallet with the same policy reproduces the same authorization behavior.
func (w *Wallet) Snapshot() RuntimeState {
	paused, reason, pausedAt := w.pause.state()
	count, lastAt := w.stats.snapshot(w.now())
	return RuntimeState{
		Tier:         w.policy.Tier,
		Limits:       w.policy.Limits,
		Paused:       paused,
		PauseReason:  reason,
		PausedAt:     pausedAt,
		TxCountToday: count,
		LastTxAt:     lastAt,
		Spending:     w.ledger.WindowTotals(w.Account()),
	}
}

// Restore reapplies runtime state captured by Snapshot. The policy itself is
// construction-time configuration; a snapshot from a different tier is
// rejected rather than silently reinterpreted.
func (w *Wallet) Restore(st RuntimeState) error {
	if st.Tier != w.policy.Tier {
		return fmt.Errorf("wallet: snapshot tier %s does not match policy tier %s", st.Tier, w.policy.Tier)
	}
	if st.Paused {
		w.pause.pause(st.PauseReason, st.PausedAt)
		metrics.WalletPaused.Set(1)
	} else {
		w.pause.clear()
	}
	w.stats.restore(st.TxCountToday, st.LastTxAt)
	return nil
}

// Sign signs an authorized transaction with the backend.
func (w *Wallet) Sign(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if w.policy.ReadOnly {
		return nil, ErrReadOnlySigner
	}
	return w.signer.SignTx(ctx, tx, chainID)
}

// Pause freezes authorization until Resume. Idempotent.
func (w *Wallet) Pause(ctx context.Context, reason string) {
	if paused, _, _ := w.pause.state(); paused {
		return
	}
	w.pause.pause(reason, w.now())
	metrics.WalletPaused.Set(1)
	w.sink.Emit(ctx, &audit.Event{
		Kind:     audit.KindPauseTriggered,
		Account:  w.Account(),
		Severity: string(threat.SeverityCritical),
		Reason:   reason,
	})
	w.logger.Warn("wallet paused", "reason", reason)
}

// Resume clears the pause.
func (w *Wallet) Resume(ctx context.Context) {
	if paused, _, _ := w.pause.state(); !paused {
		return
	}
	w.pause.clear()
	metrics.WalletPaused.Set(0)
	w.sink.Emit(ctx, &audit.Event{
		Kind:    audit.KindPauseCleared,
		Account: w.Account(),
	})
	w.logger.Info("wallet resumed")
}

// Paused reports the pause flag with its reason and start time.
func (w *Wallet) Paused() (bool, string, time.Time) {
	return w.pause.state()
}
