// Package ledger tracks spend-over-time per account and enforces limits.
//
// The check and the append happen under one per-account lock, so two
// concurrent authorizations can never both pass a window check that only one
// of them fits under. Rolling sums are recomputed from the live record set on
// every call rather than kept as running totals; pruning can therefore never
// desynchronize the check from reality.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentwall/agentwall/internal/syncutil"
)

// Rolling window durations.
const (
	WindowDay   = 24 * time.Hour
	WindowWeek  = 7 * 24 * time.Hour
	WindowMonth = 30 * 24 * time.Hour
)

// pruneHorizon is the longest tracked window; older records carry no
// information any check can use.
const pruneHorizon = WindowMonth

// Limits configures the ceilings for one account. Zero or negative values
// disable that ceiling.
type Limits struct {
	PerTransactionUSD float64
	DailyUSD          float64
	WeeklyUSD         float64
	MonthlyUSD        float64
}

// LimitError reports exactly which ceiling was hit and the numbers compared,
// so the caller can audit why money did not move.
type LimitError struct {
	Account   string
	Window    string // "transaction", "daily", "weekly", "monthly"
	LimitUSD  float64
	SpentUSD  float64 // already recorded inside the window
	AmountUSD float64 // the attempted spend
}

func (e *LimitError) Error() string {
	if e.Window == "transaction" {
		return fmt.Sprintf("ledger: amount $%.2f exceeds per-transaction limit $%.2f",
			e.AmountUSD, e.LimitUSD)
	}
	return fmt.Sprintf("ledger: %s limit $%.2f exceeded: $%.2f spent + $%.2f requested",
		e.Window, e.LimitUSD, e.SpentUSD, e.AmountUSD)
}

// SpendRecord is one authorized spend.
type SpendRecord struct {
	AmountUSD float64
	At        time.Time
}

// Totals is a snapshot of window sums for one account.
type Totals struct {
	DailyUSD   float64 `json:"dailyUsd"`
	WeeklyUSD  float64 `json:"weeklyUsd"`
	MonthlyUSD float64 `json:"monthlyUsd"`
}

// Ledger is the sole mutator of spend records. Safe for concurrent use;
// unrelated accounts never contend.
type Ledger struct {
	limits Limits
	locks  *syncutil.ContextShardedMutex

	mu      sync.RWMutex
	records map[string][]SpendRecord

	now func() time.Time // overridable in tests
}

// New creates a spending ledger with the given limits.
func New(limits Limits) *Ledger {
	return &Ledger{
		limits:  limits,
		locks:   syncutil.NewContextShardedMutex(),
		records: make(map[string][]SpendRecord),
		now:     time.Now,
	}
}

// CheckAndRecord atomically verifies that amount fits under every configured
// ceiling for the account and, if so, appends the spend record. The check and
// the append happen under the account's lock.
func (l *Ledger) CheckAndRecord(ctx context.Context, account string, amountUSD float64) error {
	if amountUSD < 0 {
		return fmt.Errorf("ledger: negative amount")
	}
	account = normalizeAccount(account)

	unlock, err := l.locks.LockContext(ctx, account)
	if err != nil {
		return err
	}
	defer unlock()

	if err := l.checkLocked(account, amountUSD); err != nil {
		return err
	}
	l.appendLocked(account, amountUSD)
	return nil
}

// Check verifies the limits without recording. Used for previews; an actual
// authorization must go through CheckAndRecord.
func (l *Ledger) Check(ctx context.Context, account string, amountUSD float64) error {
	account = normalizeAccount(account)

	unlock, err := l.locks.LockContext(ctx, account)
	if err != nil {
		return err
	}
	defer unlock()

	return l.checkLocked(account, amountUSD)
}

// Record appends an already-authorized spend without re-checking limits.
// Used when bookkeeping follows an external authorization (e.g. a human
// approval that explicitly overrode the window ceiling).
func (l *Ledger) Record(ctx context.Context, account string, amountUSD float64) error {
	account = normalizeAccount(account)

	unlock, err := l.locks.LockContext(ctx, account)
	if err != nil {
		return err
	}
	defer unlock()

	l.appendLocked(account, amountUSD)
	return nil
}

// Release backs out a previously recorded spend for a transaction that never
// reached the network, restoring window headroom. The most recent record with
// a matching amount is removed; releasing a spend that was never recorded is
// an error.
func (l *Ledger) Release(ctx context.Context, account string, amountUSD float64) error {
	if amountUSD <= 0 {
		return nil
	}
	account = normalizeAccount(account)

	unlock, err := l.locks.LockContext(ctx, account)
	if err != nil {
		return err
	}
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.records[account]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].AmountUSD == amountUSD {
			l.records[account] = append(recs[:i], recs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("ledger: no recorded spend of $%.2f to release for %s", amountUSD, account)
}

// WindowTotals returns the current rolling sums for the account.
func (l *Ledger) WindowTotals(account string) Totals {
	account = normalizeAccount(account)
	now := l.now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	return Totals{
		DailyUSD:   l.sumSince(account, now.Add(-WindowDay)),
		WeeklyUSD:  l.sumSince(account, now.Add(-WindowWeek)),
		MonthlyUSD: l.sumSince(account, now.Add(-WindowMonth)),
	}
}

// Prune drops records older than the longest tracked window.
func (l *Ledger) Prune() int {
	cutoff := l.now().Add(-pruneHorizon)

	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for account, recs := range l.records {
		start := 0
		for start < len(recs) && recs[start].At.Before(cutoff) {
			start++
		}
		if start > 0 {
			dropped += start
			l.records[account] = recs[start:]
		}
		if len(l.records[account]) == 0 {
			delete(l.records, account)
		}
	}
	return dropped
}

// checkLocked runs the ceilings in order: per-transaction first, then each
// rolling window. Caller holds the account lock.
func (l *Ledger) checkLocked(account string, amountUSD float64) error {
	if l.limits.PerTransactionUSD > 0 && amountUSD > l.limits.PerTransactionUSD {
		return &LimitError{
			Account:   account,
			Window:    "transaction",
			LimitUSD:  l.limits.PerTransactionUSD,
			AmountUSD: amountUSD,
		}
	}

	now := l.now()
	windows := []struct {
		name  string
		limit float64
		since time.Time
	}{
		{"daily", l.limits.DailyUSD, now.Add(-WindowDay)},
		{"weekly", l.limits.WeeklyUSD, now.Add(-WindowWeek)},
		{"monthly", l.limits.MonthlyUSD, now.Add(-WindowMonth)},
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		spent := l.sumSince(account, w.since)
		if spent+amountUSD > w.limit {
			return &LimitError{
				Account:   account,
				Window:    w.name,
				LimitUSD:  w.limit,
				SpentUSD:  spent,
				AmountUSD: amountUSD,
			}
		}
	}
	return nil
}

// sumSince recomputes the rolling sum from the live record set.
// Caller holds at least a read lock on l.mu.
func (l *Ledger) sumSince(account string, since time.Time) float64 {
	total := 0.0
	for _, rec := range l.records[account] {
		if rec.At.After(since) {
			total += rec.AmountUSD
		}
	}
	return total
}

func (l *Ledger) appendLocked(account string, amountUSD float64) {
	l.mu.Lock()
	l.records[account] = append(l.records[account], SpendRecord{
		AmountUSD: amountUSD,
		At:        l.now(),
	})
	l.mu.Unlock()
}

func normalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}
