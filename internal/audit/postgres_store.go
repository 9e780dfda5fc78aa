package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists audit events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append stores an event.
func (s *PostgresStore) Append(ctx context.Context, event *Event) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, kind, account, target, amount_usd, stage, severity, reason, decision_id, details, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		event.ID,
		event.Kind,
		event.Account,
		event.Target,
		event.AmountUSD,
		event.Stage,
		event.Severity,
		event.Reason,
		event.DecisionID,
		detailsJSON,
		event.At,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// List returns the most recent events, newest first. Empty account matches all.
func (s *PostgresStore) List(ctx context.Context, account string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, kind, account, target, amount_usd, stage, severity, reason, decision_id, details, at
		FROM audit_events
	`
	args := []any{}
	if account != "" {
		query += ` WHERE account = $1 ORDER BY at DESC LIMIT $2`
		args = append(args, account, limit)
	} else {
		query += ` ORDER BY at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var e Event
		var detailsJSON []byte
		var at time.Time

		if err := rows.Scan(&e.ID, &e.Kind, &e.Account, &e.Target, &e.AmountUSD,
			&e.Stage, &e.Severity, &e.Reason, &e.DecisionID, &detailsJSON, &at); err != nil {
			continue
		}
		e.At = at
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &e.Details)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
