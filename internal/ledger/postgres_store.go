package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/idgen"
	"github.com/peertrade/settlement/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
//
// Balance movements are single-statement atomic updates guarded by WHERE
// clauses and CHECK constraints, so concurrent holds and releases against the
// same balance row cannot produce lost updates or overdrafts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, in_order, total_in, total_out, updated_at
		FROM account_balances WHERE user_id = $1
	`, userID).Scan(&bal.Available, &bal.InOrder, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			UserID:    userID,
			Available: decimal.Zero,
			InOrder:   decimal.Zero,
			TotalIn:   decimal.Zero,
			TotalOut:  decimal.Zero,
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Deposit(ctx context.Context, userID string, amount decimal.Decimal, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_balances (user_id, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(24,8), $2::NUMERIC(24,8), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available  = account_balances.available + $2::NUMERIC(24,8),
			total_in   = account_balances.total_in  + $2::NUMERIC(24,8),
			updated_at = NOW()
	`, userID, money.Format(amount))
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	if err := p.journal(ctx, tx, userID, EntryDeposit, amount, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

// Hold reserves funds in a single atomic statement. The WHERE clause rejects
// insufficient balances; the CHECK constraint is the backstop.
func (p *PostgresStore) Hold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE account_balances SET
			available  = available - $2::NUMERIC(24,8),
			in_order   = in_order  + $2::NUMERIC(24,8),
			updated_at = NOW()
		WHERE user_id = $1 AND available >= $2::NUMERIC(24,8)
	`, userID, money.Format(amount))
	if err != nil {
		return fmt.Errorf("hold funds: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM account_balances WHERE user_id = $1)`, userID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrUserNotFound
		}
		return ErrInsufficientFunds
	}

	if err := p.journal(ctx, tx, userID, EntryHold, amount, reference, "escrow_hold"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ReleaseHold(ctx context.Context, payerID, beneficiaryID string, amount decimal.Decimal, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	amt := money.Format(amount)

	result, err := tx.ExecContext(ctx, `
		UPDATE account_balances SET
			in_order   = in_order  - $2::NUMERIC(24,8),
			total_out  = total_out + $2::NUMERIC(24,8),
			updated_at = NOW()
		WHERE user_id = $1 AND in_order >= $2::NUMERIC(24,8)
	`, payerID, amt)
	if err != nil {
		return fmt.Errorf("release payer hold: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientHold
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_balances (user_id, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(24,8), $2::NUMERIC(24,8), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available  = account_balances.available + $2::NUMERIC(24,8),
			total_in   = account_balances.total_in  + $2::NUMERIC(24,8),
			updated_at = NOW()
	`, beneficiaryID, amt)
	if err != nil {
		return fmt.Errorf("credit beneficiary: %w", err)
	}

	if err := p.journal(ctx, tx, payerID, EntryRelease, amount, reference, "escrow_release_out"); err != nil {
		return err
	}
	if err := p.journal(ctx, tx, beneficiaryID, EntryRelease, amount, reference, "escrow_release_in"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) RefundHold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE account_balances SET
			in_order   = in_order  - $2::NUMERIC(24,8),
			available  = available + $2::NUMERIC(24,8),
			updated_at = NOW()
		WHERE user_id = $1 AND in_order >= $2::NUMERIC(24,8)
	`, userID, money.Format(amount))
	if err != nil {
		return fmt.Errorf("refund hold: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientHold
	}

	if err := p.journal(ctx, tx, userID, EntryRefund, amount, reference, "escrow_refund"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) journal(ctx context.Context, tx *sql.Tx, userID, entryType string, amount decimal.Decimal, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(24,8), $5, $6, NOW())
	`, idgen.WithPrefix("led_"), userID, entryType, money.Format(amount), reference, description)
	if err != nil {
		return fmt.Errorf("record journal entry: %w", err)
	}
	return nil
}
