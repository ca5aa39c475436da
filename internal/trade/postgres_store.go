package trade

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
//
// UpdateStatus is a single-statement compare-and-swap on (status, version),
// so concurrent transitions from different processes serialize on the row:
// exactly one writer observes rows=1 and wins.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, buyer_id, seller_id, offer_id, escrow_id,
			amount, price, currency, payment_method, payment_instructions,
			status, settlement_ref, version,
			created_at, updated_at, last_transition_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, t.ID, t.BuyerID, t.SellerID, t.OfferID, t.EscrowID,
		t.Amount, t.Price, t.Currency, t.PaymentMethod, t.PaymentInstructions,
		t.Status, t.SettlementRef, t.Version,
		t.CreatedAt, t.UpdatedAt, t.LastTransitionAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, seller_id, offer_id, escrow_id,
		       amount, price, currency, payment_method, payment_instructions,
		       status, settlement_ref, version,
		       created_at, updated_at, last_transition_at
		FROM trades WHERE id = $1
	`, id)
	return scanTrade(row)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, buyer_id, seller_id, offer_id, escrow_id,
		       amount, price, currency, payment_method, payment_instructions,
		       status, settlement_ref, version,
		       created_at, updated_at, last_transition_at
		FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, expectVersion int64, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE trades
		SET status = $3, version = version + 1, updated_at = $5, last_transition_at = $5
		WHERE id = $1 AND status = $2 AND version = $4
	`, id, from, to, expectVersion, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish a lost swap from a missing trade.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrTradeNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) ListOverdue(ctx context.Context, status Status, before time.Time, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, buyer_id, seller_id, offer_id, escrow_id,
		       amount, price, currency, payment_method, payment_instructions,
		       status, settlement_ref, version,
		       created_at, updated_at, last_transition_at
		FROM trades
		WHERE status = $1 AND last_transition_at < $2
		ORDER BY last_transition_at ASC
		LIMIT $3
	`, status, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (p *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trade_messages (id, trade_id, author_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.TradeID, msg.AuthorID, msg.Body, msg.CreatedAt)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, tradeID string, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, author_id, body, created_at
		FROM trade_messages
		WHERE trade_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, tradeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.TradeID, &m.AuthorID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	t := &Trade{}
	err := row.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.OfferID, &t.EscrowID,
		&t.Amount, &t.Price, &t.Currency, &t.PaymentMethod, &t.PaymentInstructions,
		&t.Status, &t.SettlementRef, &t.Version,
		&t.CreatedAt, &t.UpdatedAt, &t.LastTransitionAt)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func collectTrades(rows *sql.Rows) ([]*Trade, error) {
	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
