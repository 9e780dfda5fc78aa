// Package audit records one structured event per security-relevant decision.
//
// Every component that can stop money from moving (the threat detector, the
// spending ledger, the approval workflow, the tiered wallet, the execution
// pipeline) reports its decisions here, with enough fields to reconstruct
// why a transaction was or was not allowed to proceed.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentwall/agentwall/internal/idgen"
)

// Event kinds.
const (
	KindThreatFinding    = "threat_finding"
	KindLimitBreach      = "limit_breach"
	KindApprovalRequest  = "approval_requested"
	KindApprovalGranted  = "approval_granted"
	KindApprovalRejected = "approval_rejected"
	KindApprovalExpired  = "approval_expired"
	KindPauseTriggered   = "pause_triggered"
	KindPauseCleared     = "pause_cleared"
	KindTxSubmitted      = "tx_submitted"
	KindTxExecuted       = "tx_executed"
	KindTxFailed         = "tx_failed"
)

// Event is a single security-relevant decision.
type Event struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Account    string            `json:"account,omitempty"`
	Target     string            `json:"target,omitempty"`
	AmountUSD  float64           `json:"amountUsd,omitempty"`
	Stage      string            `json:"stage,omitempty"`
	Severity   string            `json:"severity,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	DecisionID string            `json:"decisionId,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	At         time.Time         `json:"at"`
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, event *Event)
}

// Store persists audit events for later inspection.
type Store interface {
	Append(ctx context.Context, event *Event) error
	List(ctx context.Context, account string, limit int) ([]*Event, error)
}

// Broadcaster pushes events to live subscribers (e.g. the websocket feed).
type Broadcaster interface {
	Broadcast(event *Event)
}

// Recorder is the default Sink: it logs each event, appends it to a store,
// and optionally fans it out to a broadcaster. Store writes are best-effort;
// an audit persistence failure must never block an authorization decision.
type Recorder struct {
	logger      *slog.Logger
	store       Store
	broadcaster Broadcaster
	mu          sync.Mutex
}

// NewRecorder creates a recorder. store and broadcaster may be nil.
func NewRecorder(logger *slog.Logger, store Store, broadcaster Broadcaster) *Recorder {
	return &Recorder{logger: logger, store: store, broadcaster: broadcaster}
}

// Emit records one event. Never blocks on persistence.
func (r *Recorder) Emit(ctx context.Context, event *Event) {
	if event.ID == "" {
		event.ID = idgen.WithPrefix("evt_")
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	r.logger.Info("audit event",
		"kind", event.Kind,
		"account", event.Account,
		"target", event.Target,
		"stage", event.Stage,
		"severity", event.Severity,
		"reason", event.Reason,
		"decision_id", event.DecisionID,
	)

	if r.store != nil {
		ev := *event
		go func() {
			if err := r.store.Append(context.Background(), &ev); err != nil {
				r.logger.Warn("audit store append failed", "error", err, "kind", ev.Kind)
			}
		}()
	}

	if r.broadcaster != nil {
		r.broadcaster.Broadcast(event)
	}
}

// Nop is a Sink that discards everything. Useful in tests.
type Nop struct{}

// Emit discards the event.
func (Nop) Emit(context.Context, *Event) {}
