package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in the
// migrations/ directory (goose).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// balanceErr maps CHECK-constraint violations to the typed sentinels.
// chk_available_nonneg / chk_escrowed_nonneg are defined in the migration.
func balanceErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23514" {
		switch pqErr.Constraint {
		case "chk_escrowed_nonneg":
			return ErrInsufficientEscrow
		default:
			return ErrInsufficientBalance
		}
	}
	return err
}

func (p *PostgresStore) PutAccount(ctx context.Context, accountID, chainAddress string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, chain_address, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET chain_address = $2
	`, accountID, chainAddress)
	return err
}

func (p *PostgresStore) ChainAddress(ctx context.Context, accountID string) (string, error) {
	var addr string
	err := p.db.QueryRowContext(ctx, `
		SELECT chain_address FROM accounts WHERE account_id = $1
	`, accountID).Scan(&addr)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", err
	}
	return addr, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, accountID, tokenType string) (*Balance, error) {
	bal := &Balance{AccountID: accountID, TokenType: tokenType}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrowed, updated_at
		FROM account_balances WHERE account_id = $1 AND token_type = $2
	`, accountID, tokenType).Scan(&bal.Available, &bal.Escrowed, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			AccountID: accountID,
			TokenType: tokenType,
			Available: "0.000000",
			Escrowed:  "0.000000",
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// mutateTx applies deltas to one balance row inside tx, upserting the row
// so credits work for accounts the ledger has never seen.
func mutateTx(ctx context.Context, tx *sql.Tx, accountID, tokenType, dAvail, dEscrow string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO account_balances (account_id, token_type, available, escrowed, updated_at)
		VALUES ($1, $2, $3::NUMERIC(30,6), $4::NUMERIC(30,6), NOW())
		ON CONFLICT (account_id, token_type) DO UPDATE SET
			available  = account_balances.available + $3::NUMERIC(30,6),
			escrowed   = account_balances.escrowed  + $4::NUMERIC(30,6),
			updated_at = NOW()
	`, accountID, tokenType, dAvail, dEscrow)
	if err != nil {
		return balanceErr(err)
	}
	return nil
}

func (p *PostgresStore) mutateOne(ctx context.Context, accountID, tokenType, dAvail, dEscrow string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := mutateTx(ctx, tx, accountID, tokenType, dAvail, dEscrow); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CreditAvailable(ctx context.Context, accountID, tokenType, amount string) error {
	return p.mutateOne(ctx, accountID, tokenType, amount, "0")
}

func (p *PostgresStore) DebitAvailable(ctx context.Context, accountID, tokenType, amount string) error {
	return p.mutateOne(ctx, accountID, tokenType, "-"+amount, "0")
}

func (p *PostgresStore) CreditEscrowed(ctx context.Context, accountID, tokenType, amount string) error {
	return p.mutateOne(ctx, accountID, tokenType, "0", amount)
}

func (p *PostgresStore) DebitEscrowed(ctx context.Context, accountID, tokenType, amount string) error {
	return p.mutateOne(ctx, accountID, tokenType, "0", "-"+amount)
}

func (p *PostgresStore) AppendRecord(ctx context.Context, rec *EscrowRecord) error {
	if err := ValidateRecord(rec); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_records
			(id, type, status, account_id, counterparty_id, token_type, amount,
			 trade_id, chain_escrow_id, tx_hash, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(30,6), $8, $9, $10, $11, NOW())
	`, rec.ID, rec.Type, rec.Status, rec.AccountID, nullable(rec.CounterpartyID),
		rec.TokenType, rec.Amount, nullable(rec.TradeID), nullable(rec.ChainEscrowID),
		nullable(rec.TxHash), nullable(rec.Reason))
	if err != nil {
		return fmt.Errorf("failed to append escrow record: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRecord(ctx context.Context, id string) (*EscrowRecord, error) {
	return scanRecord(p.db.QueryRowContext(ctx, recordSelect+`WHERE id = $1`, id))
}

func (p *PostgresStore) AttachChainEscrow(ctx context.Context, id, chainEscrowID, txHash string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_records SET chain_escrow_id = $2, tx_hash = $3
		WHERE id = $1 AND status = 'pending'
	`, id, chainEscrowID, txHash)
	if err != nil {
		return err
	}
	return affectedOrFinal(ctx, p.db, result, id)
}

func (p *PostgresStore) AnnotateRecord(ctx context.Context, id, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_records SET reason = $2
		WHERE id = $1 AND status = 'pending'
	`, id, reason)
	if err != nil {
		return err
	}
	return affectedOrFinal(ctx, p.db, result, id)
}

func (p *PostgresStore) FinalizeRecord(ctx context.Context, id string, status RecordStatus, txHash, reason string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := finalizeTx(ctx, tx, id, status, txHash, reason); err != nil {
		return err
	}
	return tx.Commit()
}

func finalizeTx(ctx context.Context, tx *sql.Tx, id string, status RecordStatus, txHash, reason string) error {
	if status != StatusCompleted && status != StatusFailed {
		return ErrRecordFinal
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_records SET
			status       = $2,
			tx_hash      = COALESCE(NULLIF($3, ''), tx_hash),
			reason       = COALESCE(NULLIF($4, ''), reason),
			completed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, status, txHash, reason)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrow_records WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrRecordNotFound
		}
		return ErrRecordFinal
	}
	return nil
}

func affectedOrFinal(ctx context.Context, db *sql.DB, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrow_records WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrRecordNotFound
		}
		return ErrRecordFinal
	}
	return nil
}

const recordSelect = `
	SELECT id, type, status, account_id, COALESCE(counterparty_id, ''),
	       token_type, amount, COALESCE(trade_id, ''), COALESCE(chain_escrow_id, ''),
	       COALESCE(tx_hash, ''), COALESCE(reason, ''), created_at, completed_at
	FROM escrow_records
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*EscrowRecord, error) {
	rec := &EscrowRecord{}
	var completedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.Type, &rec.Status, &rec.AccountID, &rec.CounterpartyID,
		&rec.TokenType, &rec.Amount, &rec.TradeID, &rec.ChainEscrowID,
		&rec.TxHash, &rec.Reason, &rec.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*EscrowRecord, error) {
	defer func() { _ = rows.Close() }()

	var result []*EscrowRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) FindTradeRecord(ctx context.Context, tradeID string, typ RecordType, status RecordStatus) (*EscrowRecord, error) {
	return scanRecord(p.db.QueryRowContext(ctx, recordSelect+`
		WHERE trade_id = $1 AND type = $2 AND status = $3
		ORDER BY created_at DESC LIMIT 1
	`, tradeID, typ, status))
}

func (p *PostgresStore) ListRecords(ctx context.Context, accountID string, limit int) ([]*EscrowRecord, error) {
	rows, err := p.db.QueryContext(ctx, recordSelect+`
		WHERE account_id = $1 OR counterparty_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (p *PostgresStore) ListByType(ctx context.Context, typ RecordType, status RecordStatus, limit int) ([]*EscrowRecord, error) {
	rows, err := p.db.QueryContext(ctx, recordSelect+`
		WHERE type = $1 AND status = $2
		ORDER BY created_at DESC LIMIT $3
	`, typ, status, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (p *PostgresStore) ListUnsettledLocks(ctx context.Context, before time.Time, limit int) ([]*EscrowRecord, error) {
	rows, err := p.db.QueryContext(ctx, recordSelect+`
		WHERE type = 'lock'
		  AND status IN ('pending', 'completed')
		  AND created_at < $1
		  AND NOT (status = 'completed' AND trade_id IS NOT NULL AND EXISTS (
		      SELECT 1 FROM escrow_records er2
		      WHERE er2.trade_id = escrow_records.trade_id
		        AND er2.type IN ('release', 'refund')
		        AND er2.status = 'completed'
		  ))
		ORDER BY created_at ASC LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// applyCompound runs balance moves plus record finalization in one
// serializable transaction.
func (p *PostgresStore) applyCompound(ctx context.Context, recordID string,
	moves func(ctx context.Context, tx *sql.Tx, rec *EscrowRecord) error) error {

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx, recordSelect+`WHERE id = $1 FOR UPDATE`, recordID))
	if err != nil {
		return err
	}
	if rec.Status != StatusPending {
		return ErrRecordFinal
	}

	if err := moves(ctx, tx, rec); err != nil {
		return err
	}
	if err := finalizeTx(ctx, tx, recordID, StatusCompleted, "", ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ApplyLock(ctx context.Context, recordID string) error {
	return p.applyCompound(ctx, recordID, func(ctx context.Context, tx *sql.Tx, rec *EscrowRecord) error {
		return mutateTx(ctx, tx, rec.AccountID, rec.TokenType, "-"+rec.Amount, rec.Amount)
	})
}

func (p *PostgresStore) ApplyRelease(ctx context.Context, recordID string) error {
	return p.applyCompound(ctx, recordID, func(ctx context.Context, tx *sql.Tx, rec *EscrowRecord) error {
		if err := mutateTx(ctx, tx, rec.AccountID, rec.TokenType, "0", "-"+rec.Amount); err != nil {
			return err
		}
		return mutateTx(ctx, tx, rec.CounterpartyID, rec.TokenType, rec.Amount, "0")
	})
}

func (p *PostgresStore) ApplyRefund(ctx context.Context, recordID string) error {
	return p.applyCompound(ctx, recordID, func(ctx context.Context, tx *sql.Tx, rec *EscrowRecord) error {
		return mutateTx(ctx, tx, rec.AccountID, rec.TokenType, rec.Amount, "-"+rec.Amount)
	})
}

func (p *PostgresStore) CreateLease(ctx context.Context, lease *Lease) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciliation_leases (id, account_id, token_type, reason, held_until, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, lease.ID, lease.AccountID, lease.TokenType, lease.Reason, lease.HeldUntil)
	return err
}

func (p *PostgresStore) ActiveLease(ctx context.Context, accountID, tokenType string) (*Lease, error) {
	lease := &Lease{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, token_type, reason, held_until, created_at
		FROM reconciliation_leases
		WHERE account_id = $1 AND token_type = $2 AND held_until > NOW()
		ORDER BY held_until DESC LIMIT 1
	`, accountID, tokenType).Scan(&lease.ID, &lease.AccountID, &lease.TokenType,
		&lease.Reason, &lease.HeldUntil, &lease.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (p *PostgresStore) ExpireLease(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE reconciliation_leases SET held_until = NOW()
		WHERE id = $1 AND held_until > NOW()
	`, id)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
