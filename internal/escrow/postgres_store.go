package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/peertrade/settlement/internal/money"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, trade_id, seller_id, buyer_id, amount, status, created_at, updated_at, settled_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (id, trade_id, seller_id, buyer_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(24,8), $6, $7, $8)
	`, e.ID, e.TradeID, e.SellerID, e.BuyerID, money.Format(e.Amount), string(e.Status), e.CreatedAt, e.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

func (p *PostgresStore) GetByTrade(ctx context.Context, tradeID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE trade_id = $1`, tradeID)
	return scanEscrow(row)
}

// Settle wins or loses the terminal transition in a single statement; the
// WHERE clause is the compare-and-swap.
func (p *PostgresStore) Settle(ctx context.Context, id string, to Status, settledAt time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $2, settled_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'held'
	`, id, string(to), settledAt)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		// Distinguish a lost race from an unknown id.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrEscrowNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) Reopen(ctx context.Context, id string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = 'held', settled_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('released', 'cancelled')
	`, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	e := &Escrow{}
	var status string
	var settledAt sql.NullTime
	err := row.Scan(&e.ID, &e.TradeID, &e.SellerID, &e.BuyerID, &e.Amount,
		&status, &e.CreatedAt, &e.UpdatedAt, &settledAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if settledAt.Valid {
		e.SettledAt = &settledAt.Time
	}
	return e, nil
}
