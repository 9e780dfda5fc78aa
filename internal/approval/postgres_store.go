package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists approval requests in Postgres. Transition uses a
// conditional UPDATE on the pending status, so the single-transition invariant
// holds across processes sharing the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed approval store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, req *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO approval_requests (
			id, kind, amount_usd, account, from_protocol, to_protocol,
			rationale, status, reason, gas_estimate_usd, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.Kind, req.AmountUSD, req.Account, req.FromProtocol, req.ToProtocol,
		req.Rationale, req.Status, req.Reason, req.GasEstimateUSD, req.CreatedAt, req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("approval: insert request: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, kind, amount_usd, account, from_protocol, to_protocol,
		       rationale, status, reason, gas_estimate_usd, created_at, expires_at, decided_at
		FROM approval_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, to Status, reason string, decidedAt time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $2, reason = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'`,
		id, to, reason, decidedAt,
	)
	if err != nil {
		return false, fmt.Errorf("approval: update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approval: rows affected: %w", err)
	}
	return n == 1, nil
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, amount_usd, account, from_protocol, to_protocol,
		       rationale, status, reason, gas_estimate_usd, created_at, expires_at, decided_at
		FROM approval_requests WHERE status = 'pending'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, amount_usd, account, from_protocol, to_protocol,
		       rationale, status, reason, gas_estimate_usd, created_at, expires_at, decided_at
		FROM approval_requests
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("approval: list recent: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var decidedAt sql.NullTime
	err := row.Scan(
		&req.ID, &req.Kind, &req.AmountUSD, &req.Account, &req.FromProtocol, &req.ToProtocol,
		&req.Rationale, &req.Status, &req.Reason, &req.GasEstimateUSD,
		&req.CreatedAt, &req.ExpiresAt, &decidedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approval: scan request: %w", err)
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	return &req, nil
}

func collectRequests(rows *sql.Rows) ([]*Request, error) {
	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval: iterate rows: %w", err)
	}
	return out, nil
}
