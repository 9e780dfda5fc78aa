package wallet

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentwall/agentwall/internal/ledger"
	"github.com/agentwall/agentwall/internal/registry"
)

// Tier selects how much autonomy the wallet grants the agent.
type Tier string

const (
	// TierAutonomous executes without human involvement, under tight limits.
	TierAutonomous Tier = "autonomous"
	// TierApproval parks every spend behind a human decision.
	TierApproval Tier = "approval"
	// TierManual never signs. The wallet only prepares unsigned transactions
	// for an external signing ceremony.
	TierManual Tier = "manual"
)

// ParseTier validates a tier name from configuration.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierAutonomous, TierApproval, TierManual:
		return Tier(s), nil
	}
	return "", fmt.Errorf("wallet: unknown tier %q", s)
}

// Policy bundles the authorization rules for one tier.
type Policy struct {
	Tier            Tier
	Limits          ledger.Limits
	AllowedRisk     []registry.RiskTier
	ApprovalTimeout time.Duration
	// AutoPause pauses the wallet when a critical threat finding appears.
	AutoPause bool
	// ReadOnly wallets refuse to sign; they only prepare transactions.
	ReadOnly bool
}

// DefaultPolicy returns the built-in profile for a tier. Operators can adjust
// the limits afterwards; the structural flags (ReadOnly, AutoPause) define the
// tier and should not change.
func DefaultPolicy(tier Tier) Policy {
	switch tier {
	case TierAutonomous:
		return Policy{
			Tier: TierAutonomous,
			Limits: ledger.Limits{
				PerTransactionUSD: 200,
				DailyUSD:          500,
			},
			AllowedRisk: []registry.RiskTier{registry.RiskLow},
			AutoPause:   true,
		}
	case TierApproval:
		return Policy{
			Tier: TierApproval,
			Limits: ledger.Limits{
				PerTransactionUSD: 5_000,
				DailyUSD:          20_000,
			},
			AllowedRisk:     []registry.RiskTier{registry.RiskLow, registry.RiskMedium},
			ApprovalTimeout: 4 * time.Hour,
		}
	case TierManual:
		return Policy{
			Tier: TierManual,
			Limits: ledger.Limits{
				PerTransactionUSD: 1_000_000,
			},
			AllowedRisk:     []registry.RiskTier{registry.RiskLow, registry.RiskMedium, registry.RiskHigh},
			ApprovalTimeout: 72 * time.Hour,
			ReadOnly:        true,
		}
	}
	// Unknown tiers get the most restrictive profile.
	return DefaultPolicy(TierManual)
}

// RuntimeState is a serializable snapshot of everything about the wallet
// that changes after construction: the pause latch, the daily transaction
// counters, and the rolling spend totals. Limits and tier are included so a
// reloaded snapshot can be checked against the policy it was taken under.
type RuntimeState struct {
	Tier         Tier          `json:"tier"`
	Limits       ledger.Limits `json:"limits"`
	Paused       bool          `json:"paused"`
	PauseReason  string        `json:"pauseReason,omitempty"`
	PausedAt     time.Time     `json:"pausedAt"`
	TxCountToday int           `json:"txCountToday"`
	LastTxAt     time.Time     `json:"lastTxAt"`
	Spending     ledger.Totals `json:"spending"`
}

// txStats counts authorized transactions per wall-clock day. The count
// belongs to the date of the last transaction; once the date rolls over it
// reads as zero without needing a reset timer.
type txStats struct {
	mu     sync.Mutex
	count  int
	lastAt time.Time
}

func (s *txStats) record(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sameDay(s.lastAt, now) {
		s.count = 0
	}
	s.count++
	s.lastAt = now
}

func (s *txStats) snapshot(now time.Time) (int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sameDay(s.lastAt, now) {
		return 0, s.lastAt
	}
	return s.count, s.lastAt
}

func (s *txStats) restore(count int, lastAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = count
	s.lastAt = lastAt
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// pauseState tracks the emergency stop. Separate from Policy so a paused
// wallet keeps its configuration.
type pauseState struct {
	mu       sync.RWMutex
	paused   bool
	reason   string
	pausedAt time.Time
}

func (p *pauseState) pause(reason string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.reason = reason
	p.pausedAt = at
}

func (p *pauseState) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.reason = ""
	p.pausedAt = time.Time{}
}

func (p *pauseState) state() (bool, string, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused, p.reason, p.pausedAt
}
