package trade

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore is a PostgreSQL-backed Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a trade store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, buyer_id, seller_id, token_type,
	amount::TEXT, price_per_unit::TEXT, total_value::TEXT,
	status, escrow_status,
	COALESCE(dispute_raiser, ''), COALESCE(dispute_evidence, ''),
	COALESCE(dispute_resolution, ''), COALESCE(dispute_moderator, ''),
	expires_at, created_at,
	escrow_locked_at, payment_marked_at, payment_confirmed_at,
	disputed_at, completed_at, cancelled_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, buyer_id, seller_id, token_type,
			amount, price_per_unit, total_value,
			status, escrow_status,
			dispute_raiser, dispute_evidence, dispute_resolution, dispute_moderator,
			expires_at, created_at,
			escrow_locked_at, payment_marked_at, payment_confirmed_at,
			disputed_at, completed_at, cancelled_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''),
			$14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		t.ID, t.BuyerID, t.SellerID, t.TokenType,
		t.Amount, t.PricePerUnit, t.TotalValue,
		string(t.Status), string(t.EscrowStatus),
		t.DisputeRaiser, t.DisputeEvidence, string(t.DisputeResolution), t.DisputeModerator,
		t.ExpiresAt, t.CreatedAt,
		nullTime(t.EscrowLockedAt), nullTime(t.PaymentMarkedAt), nullTime(t.PaymentConfirmedAt),
		nullTime(t.DisputedAt), nullTime(t.CompletedAt), nullTime(t.CancelledAt), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Trade) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			status = $2, escrow_status = $3,
			dispute_raiser = NULLIF($4, ''), dispute_evidence = NULLIF($5, ''),
			dispute_resolution = NULLIF($6, ''), dispute_moderator = NULLIF($7, ''),
			escrow_locked_at = $8, payment_marked_at = $9, payment_confirmed_at = $10,
			disputed_at = $11, completed_at = $12, cancelled_at = $13,
			updated_at = $14
		WHERE id = $1`,
		t.ID, string(t.Status), string(t.EscrowStatus),
		t.DisputeRaiser, t.DisputeEvidence, string(t.DisputeResolution), t.DisputeModerator,
		nullTime(t.EscrowLockedAt), nullTime(t.PaymentMarkedAt), nullTime(t.PaymentConfirmedAt),
		nullTime(t.DisputedAt), nullTime(t.CompletedAt), nullTime(t.CancelledAt), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE buyer_id = $1 OR seller_id = $1
		 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE status IN ('pending', 'escrow_locked', 'payment_pending', 'payment_confirmed')
		   AND expires_at < $1
		 ORDER BY expires_at ASC LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var t Trade
	var status, escrowStatus, resolution string
	var lockedAt, markedAt, confirmedAt, disputedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.TokenType,
		&t.Amount, &t.PricePerUnit, &t.TotalValue,
		&status, &escrowStatus,
		&t.DisputeRaiser, &t.DisputeEvidence, &resolution, &t.DisputeModerator,
		&t.ExpiresAt, &t.CreatedAt,
		&lockedAt, &markedAt, &confirmedAt,
		&disputedAt, &completedAt, &cancelledAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.EscrowStatus = EscrowStatus(escrowStatus)
	t.DisputeResolution = Resolution(resolution)
	t.EscrowLockedAt = timePtr(lockedAt)
	t.PaymentMarkedAt = timePtr(markedAt)
	t.PaymentConfirmedAt = timePtr(confirmedAt)
	t.DisputedAt = timePtr(disputedAt)
	t.CompletedAt = timePtr(completedAt)
	t.CancelledAt = timePtr(cancelledAt)
	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time
	return &ts
}
