package audit

import (
	"context"
	"testing"
	"time"

	"github.com/agentwall/agentwall/internal/testutil"
)

func TestPostgresStoreAppendAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	events := []*Event{
		{
			ID:        "evt_1",
			Kind:      KindTxExecuted,
			Account:   "0xabc",
			Target:    "0xdef",
			AmountUSD: 100,
			Stage:     "confirm",
			At:        time.Now().Add(-2 * time.Minute),
		},
		{
			ID:         "evt_2",
			Kind:       KindThreatFinding,
			Account:    "0xabc",
			Severity:   "critical",
			Reason:     "delegation designator in payload",
			DecisionID: "dec_1",
			Details:    map[string]string{"offset": "100"},
			At:         time.Now().Add(-time.Minute),
		},
		{
			ID:      "evt_3",
			Kind:    KindPauseTriggered,
			Account: "0xother",
			At:      time.Now(),
		},
	}
	for _, ev := range events {
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append %s: %v", ev.ID, err)
		}
	}

	// All accounts, newest first.
	all, err := store.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].ID != "evt_3" {
		t.Errorf("expected newest event first, got %s", all[0].ID)
	}

	// Filtered by account.
	mine, err := store.List(ctx, "0xabc", 10)
	if err != nil {
		t.Fatalf("list by account: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 events for account, got %d", len(mine))
	}
	for _, ev := range mine {
		if ev.Account != "0xabc" {
			t.Errorf("account filter leaked event %s", ev.ID)
		}
	}

	// Details survive the JSONB round trip.
	var finding *Event
	for _, ev := range mine {
		if ev.ID == "evt_2" {
			finding = ev
		}
	}
	if finding == nil {
		t.Fatal("finding event missing")
	}
	if finding.Details["offset"] != "100" {
		t.Errorf("details lost in round trip: %v", finding.Details)
	}
	if finding.DecisionID != "dec_1" {
		t.Errorf("decision id lost: %q", finding.DecisionID)
	}

	// Limit applies.
	limited, _ := store.List(ctx, "", 1)
	if len(limited) != 1 {
		t.Errorf("expected limit 1 to return 1 event, got %d", len(limited))
	}
}
