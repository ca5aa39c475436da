package dispute

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. The one-open-dispute-per-
// trade invariant is enforced by a partial unique index on (trade_id) WHERE
// status = 'open', and Close is a compare-and-swap on status = 'open'.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, trade_id, raised_by, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.TradeID, d.RaisedBy, d.Reason, d.Status, d.CreatedAt, d.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDisputeAlreadyOpen
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, selectDispute+` WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) GetOpenByTrade(ctx context.Context, tradeID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, selectDispute+` WHERE trade_id = $1 AND status = 'open'`, tradeID)
	return scanDispute(row)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, selectDispute+`
		WHERE status = 'open' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDisputes(rows)
}

func (p *PostgresStore) ListByTrade(ctx context.Context, tradeID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, selectDispute+`
		WHERE trade_id = $1 ORDER BY created_at ASC`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDisputes(rows)
}

func (p *PostgresStore) Close(ctx context.Context, id string, to Status, resolution Resolution, resolvedBy, note string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, resolution = $3, resolved_by = $4, note = $5,
		    updated_at = $6, resolved_at = $6
		WHERE id = $1 AND status = 'open'
	`, id, to, string(resolution), resolvedBy, note, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) Reopen(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = 'open', resolution = '', resolved_by = '', resolved_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status != 'open'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const selectDispute = `
	SELECT id, trade_id, raised_by, reason, status,
	       COALESCE(resolution, ''), COALESCE(resolved_by, ''), COALESCE(note, ''),
	       created_at, updated_at, resolved_at
	FROM disputes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	d := &Dispute{}
	var resolution string
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.TradeID, &d.RaisedBy, &d.Reason, &d.Status,
		&resolution, &d.ResolvedBy, &d.Note,
		&d.CreatedAt, &d.UpdatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Resolution = Resolution(resolution)
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func collectDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
