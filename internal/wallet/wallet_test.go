package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agentwall/agentwall/internal/approval"
	"github.com/agentwall/agentwall/internal/audit"
	"github.com/agentwall/agentwall/internal/ledger"
	"github.com/agentwall/agentwall/internal/registry"
	"github.com/agentwall/agentwall/internal/threat"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testChainID = big.NewInt(8453)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTx() *types.Transaction {
	to := common.HexToAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913")
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   testChainID,
		Nonce:     1,
		To:        &to,
		Value:     big.NewInt(1e15),
		Gas:       21_000,
		GasFeeCap: big.NewInt(2e9),
		GasTipCap: big.NewInt(1e9),
	})
}

func allowedVerdict() *threat.Verdict {
	return &threat.Verdict{Allowed: true, Risk: registry.RiskLow}
}

func rejectedVerdict() *threat.Verdict {
	return &threat.Verdict{
		Allowed: false,
		Risk:    registry.RiskHigh,
		Findings: []threat.Finding{{
			Kind:        threat.KindDelegationHijack,
			Severity:    threat.SeverityCritical,
			Description: "payload contains an account-delegation designator",
		}},
	}
}

func newTestWallet(t *testing.T, policy Policy, deciderApprove bool) (*Wallet, *ledger.Ledger) {
	t.Helper()
	signer, err := NewLocalSigner(testKeyHex)
	if err != nil {
		t.Fatalf("local signer: %v", err)
	}
	led := ledger.New(policy.Limits)
	approvals := approval.NewService(
		approval.NewMemoryStore(), audit.Nop{}, testLogger(),
		approval.WithDecider(func(_ context.Context, _ *approval.Request) (bool, string) {
			return deciderApprove, "scripted"
		}),
	)
	return New(policy, signer, led, approvals, audit.Nop{}, testLogger()), led
}

func authReq(amountUSD float64) AuthRequest {
	return AuthRequest{
		Tx:        testTx(),
		ChainID:   testChainID,
		Verdict:   allowedVerdict(),
		AmountUSD: amountUSD,
		Kind:      "transfer",
		Rationale: "test transfer",
	}
}

func TestAutonomousProceedRecordsSpend(t *testing.T) {
	w, led := newTestWallet(t, DefaultPolicy(TierAutonomous), true)

	dec, err := w.Authorize(context.Background(), authReq(150))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if dec.Outcome != OutcomeProceed {
		t.Errorf("expected proceed, got %s", dec.Outcome)
	}
	if dec.ApprovalID != "" {
		t.Error("autonomous decision should carry no approval id")
	}

	totals := led.WindowTotals(w.Account())
	if totals.DailyUSD != 150 {
		t.Errorf("spend not recorded, daily total %.2f", totals.DailyUSD)
	}
}

func TestAutonomousLimitRejection(t *testing.T) {
	w, led := newTestWallet(t, DefaultPolicy(TierAutonomous), true)

	// Autonomous per-transaction ceiling is $200.
	_, err := w.Authorize(context.Background(), authReq(250))
	var limitErr *ledger.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitError, got %v", err)
	}

	totals := led.WindowTotals(w.Account())
	if totals.DailyUSD != 0 {
		t.Errorf("rejected spend must not be recorded, daily total %.2f", totals.DailyUSD)
	}
}

func TestAuthorizeRequiresVerdict(t *testing.T) {
	w, _ := newTestWallet(t, DefaultPolicy(TierAutonomous), true)

	req := authReq(50)
	req.Verdict = nil
	if _, err := w.Authorize(context.Background(), req); err == nil {
		t.Fatal("expected error for missing verdict")
	}
}

func TestThreatRejectionTriggersAutoPause(t *testing.T) {
	w, _ := newTestWallet(t, DefaultPolicy(TierAutonomous), true)

	req := authReq(50)
	req.Verdict = rejectedVerdict()
	if _, err := w.Authorize(context.Background(), req); !errors.Is(err, ErrThreatRejected) {
		t.Fatalf("expected ErrThreatRejected, got %v", err)
	}

	paused, reason, _ := w.Paused()
	if !paused {
		t.Fatal("autonomous tier must auto-pause on a critical finding")
	}
	if reason == "" {
		t.Error("pause should carry the rejection reason")
	}

	// Everything is refused while paused, even clean transactions.
	if _, err := w.Authorize(context.Background(), authReq(10)); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}

	w.Resume(context.Background())
	if _, err := w.Authorize(context.Background(), authReq(10)); err != nil {
		t.Fatalf("authorize after resume: %v", err)
	}
}

func TestApprovalTierNoAutoPause(t *testing.T) {
	w, _ := newTestWallet(t, DefaultPolicy(TierApproval), true)

	req := authReq(50)
	req.Verdict = rejectedVerdict()
	if _, err := w.Authorize(context.Background(), req); !errors.Is(err, ErrThreatRejected) {
		t.Fatalf("expected ErrThreatRejected, got %v", err)
	}
	if paused, _, _ := w.Paused(); paused {
		t.Error("approval tier should reject without pausing")
	}
}

func TestApprovalTierApprovedPath(t *testing.T) {
	w, led := newTestWallet(t, DefaultPolicy(TierApproval), true)

	dec, err := w.Authorize(context.Background(), authReq(1500))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if dec.Outcome != OutcomeProceed {
		t.Errorf("expected proceed, got %s", dec.Outcome)
	}
	if dec.ApprovalID == "" {
		t.Error("approved decision must reference the approval request")
	}

	totals := led.WindowTotals(w.Account())
	if totals.DailyUSD != 1500 {
		t.Errorf("approved spend not recorded, daily total %.2f", totals.DailyUSD)
	}
}

func TestApprovalTierDenied(t *testing.T) {
	w, led := newTestWallet(t, DefaultPolicy(TierApproval), false)

	if _, err := w.Authorize(context.Background(), authReq(1500)); !errors.Is(err, ErrApprovalDenied) {
		t.Fatalf("expected ErrApprovalDenied, got %v", err)
	}

	totals := led.WindowTotals(w.Account())
	if totals.DailyUSD != 0 {
		t.Errorf("denied spend must not be recorded, daily total %.2f", totals.DailyUSD)
	}
}

func TestApprovalTierLimitCheckedBeforeRequest(t *testing.T) {
	w, _ := newTestWallet(t, DefaultPolicy(TierApproval), true)

	// Over the $5k per-transaction ceiling: rejected before a human is asked.
	_, err := w.Authorize(context.Background(), authReq(6000))
	var limitErr *ledger.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitError, got %v", err)
	}

	pending, _ := w.approvals.ListPending(context.Background())
	if len(pending) != 0 {
		t.Error("no approval request should be created for an over-limit spend")
	}
}

func TestManualTierPreparesUnsigned(t *testing.T) {
	w, led := newTestWallet(t, DefaultPolicy(TierManual), true)

	dec, err := w.Authorize(context.Background(), authReq(50_000))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if dec.Outcome != OutcomePrepared {
		t.Fatalf("expected prepared outcome, got %s", dec.Outcome)
	}
	if dec.Unsigned == nil {
		t.Fatal("prepared decision must carry the unsigned transaction")
	}
	if dec.Unsigned.SigningHash == "" || dec.Unsigned.RawRLP == "" {
		t.Error("unsigned export missing signing material")
	}

	// Nothing moves, nothing is recorded.
	totals := led.WindowTotals(w.Account())
	if totals.DailyUSD != 0 {
		t.Errorf("manual tier must not record spends, daily total %.2f", totals.DailyUSD)
	}

	if _, err := w.Sign(context.Background(), testTx(), testChainID); !errors.Is(err, ErrReadOnlySigner) {
		t.Fatalf("manual tier must refuse to sign, got %v", err)
	}
}

func TestPauseIsIdempotent(t *testing.T) {
	w, _ := newTestWallet(t, DefaultPolicy(TierAutonomous), true)

	w.Pause(context.Background(), "first")
	w.Pause(context.Background(), "second")

	_, reason, _ := w.Paused()
	if reason != "first" {
		t.Errorf("second pause should not overwrite the original reason, got %q", reason)
	}

	w.Resume(context.Background())
	w.Resume(context.Background())
	if paused, _, _ := w.Paused(); paused {
		t.Error("wallet still paused after resume")
	}
}

func TestParseTier(t *testing.T) {
	for _, name := range []string{"autonomous", "approval", "manual"} {
		if _, err := ParseTier(name); err != nil {
			t.Errorf("valid tier %q rejected: %v", name, err)
		}
	}
	if _, err := ParseTier("yolo"); err == nil {
		t.Error("unknown tier accepted")
	}
}

func TestDefaultPolicyShapes(t *testing.T) {
	auto := DefaultPolicy(TierAutonomous)
	if !auto.AutoPause || auto.ReadOnly {
		t.Error("autonomous tier must auto-pause and must not be read-only")
	}
	if auto.Limits.PerTransactionUSD != 200 || auto.Limits.DailyUSD != 500 {
		t.Errorf("unexpected autonomous limits: %+v", auto.Limits)
	}

	appr := DefaultPolicy(TierApproval)
	if appr.ApprovalTimeout != 4*time.Hour {
		t.Errorf("unexpected approval timeout: %s", appr.ApprovalTimeout)
	}

	man := DefaultPolicy(TierManual)
	if !man.ReadOnly {
		t.Error("manual tier must be read-only")
	}

	if fallback := DefaultPolicy(Tier("bogus")); !fallback.ReadOnly {
		t.Error("unknown tier must fall back to the most restrictive profile")
	}
}

func TestAutonomousLimitBreachAutoPauses(t *testing.T) {
	w, _ := newTestWallet(t, DefaultPolicy(TierAutonomous), true)

	// Over the $200 per-transaction ceiling.
	_, err := w.Authorize(context.Background(), authReq(250))
	var limitErr *ledger.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitError, got %v", err)
	}

	paused, reason, _ := w.Paused()
	if !paused {
		t.Fatal("auto-pause tier must pause on a limit breach")
	}
	if reason == "" {
		t.Error("pause must carry the breach reason")
	}

	// Everything stops until an operator clears the pause.
	if _, err := w.Authorize(context.Background(), authReq(10)); !errors.Is(err, ErrPaused) {
		t.Errorf("expected ErrPaused after limit breach, got %v", err)
	}
	w.Resume(context.Background())
	if _, err := w.Authorize(context.Background(), authReq(10)); err != nil {
		t.Errorf("authorize after resume: %v", err)
	}
}

func TestApprovalTierLimitBreachDoesNotPause(t *testing.T) {
	w, _ := newTestWallet(t, DefaultPolicy(TierApproval), true)

	_, err := w.Authorize(context.Background(), authReq(6_000)) // over $5k/tx
	var limitErr *ledger.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitError, got %v", err)
	}
	if paused, _, _ := w.Paused(); paused {
		t.Error("approval tier must not auto-pause on a limit breach")
	}
}

func TestAccountIsNormalizedLowercase(t *testing.T) {
	w, led := newTestWallet(t, DefaultPolicy(TierAutonomous), true)

	acct := w.Account()
	if acct != strings.ToLower(acct) {
		t.Errorf("Account() must return the normalized form the ledger keys by, got %s", acct)
	}

	if _, err := w.Authorize(context.Background(), authReq(10)); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	// Keying directly on Account() observes the recorded spend.
	if got := led.WindowTotals(acct).DailyUSD; got != 10 {
		t.Errorf("totals keyed on Account() = %.2f, want 10", got)
	}
}

func TestRuntimeStateRoundTrip(t *testing.T) {
	w, led := newTestWallet(t, DefaultPolicy(TierAutonomous), true)

	if _, err := w.Authorize(context.Background(), authReq(150)); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	w.Pause(context.Background(), "maintenance window")

	snap := w.Snapshot()
	if !snap.Paused || snap.PauseReason != "maintenance window" {
		t.Fatalf("snapshot missed pause state: %+v", snap)
	}
	if snap.TxCountToday != 1 {
		t.Errorf("expected 1 transaction today, got %d", snap.TxCountToday)
	}
	if snap.Spending.DailyUSD != 150 {
		t.Errorf("expected $150 daily spending, got %.2f", snap.Spending.DailyUSD)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored RuntimeState
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// Reload into a fresh wallet over the same ledger.
	signer, err := NewLocalSigner(testKeyHex)
	if err != nil {
		t.Fatalf("local signer: %v", err)
	}
	w2 := New(DefaultPolicy(TierAutonomous), signer, led, nil, audit.Nop{}, testLogger())
	if err := w2.Restore(restored); err != nil {
		t.Fatalf("restore: %v", err)
	}

	snap2 := w2.Snapshot()
	if snap2.Limits != snap.Limits {
		t.Errorf("limits changed across round trip: %+v vs %+v", snap2.Limits, snap.Limits)
	}
	if snap2.Paused != snap.Paused || snap2.PauseReason != snap.PauseReason || !snap2.PausedAt.Equal(snap.PausedAt) {
		t.Errorf("pause state changed across round trip: %+v vs %+v", snap2, snap)
	}
	if snap2.TxCountToday != snap.TxCountToday || !snap2.LastTxAt.Equal(snap.LastTxAt) {
		t.Errorf("daily counters changed across round trip: %+v vs %+v", snap2, snap)
	}
	if snap2.Spending != snap.Spending {
		t.Errorf("spending totals changed across round trip: %+v vs %+v", snap2.Spending, snap.Spending)
	}
	if paused, reason, _ := w2.Paused(); !paused || reason != "maintenance window" {
		t.Error("restored wallet must enforce the snapshot's pause")
	}
}

func TestRestoreRejectsTierMismatch(t *testing.T) {
	w, _ := newTestWallet(t, DefaultPolicy(TierAutonomous), true)

	err := w.Restore(RuntimeState{Tier: TierManual})
	if err == nil {
		t.Fatal("snapshot from another tier must be rejected")
	}
}

func TestDailyCountResetsWithWallClockDate(t *testing.T) {
	w, _ := newTestWallet(t, DefaultPolicy(TierAutonomous), true)

	base := time.Date(2026, 8, 30, 23, 30, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	if _, err := w.Authorize(context.Background(), authReq(10)); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got := w.Snapshot().TxCountToday; got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}

	// Next calendar day: the count reads zero, the last-transaction time stays.
	w.now = func() time.Time { return base.Add(2 * time.Hour) }
	snap := w.Snapshot()
	if snap.TxCountToday != 0 {
		t.Errorf("count must reset when the date rolls over, got %d", snap.TxCountToday)
	}
	if !snap.LastTxAt.Equal(base) {
		t.Errorf("last transaction time must survive the rollover, got %v", snap.LastTxAt)
	}
}
