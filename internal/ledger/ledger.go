// Package ledger tracks marketplace account balances and the append-only
// escrow audit trail.
//
// Flow:
//  1. Seller locks tokens for a trade: available → escrowed
//  2. Buyer's fiat payment confirmed: seller's escrowed → buyer's available
//  3. Trade cancelled or timed out: seller's escrowed → seller's available
//
// Every state change is recorded as an EscrowRecord. Completed records are
// never mutated; corrections are appended as new compensating records. The
// reconciliation sweep reads this trail to decide what "should" be true.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ahedlund/peermarket/internal/syncutil"
	"github.com/ahedlund/peermarket/internal/token"
)

var (
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInsufficientEscrow  = errors.New("insufficient escrowed balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrRecordNotFound      = errors.New("escrow record not found")
	ErrRecordFinal         = errors.New("escrow record already finalized")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrLeaseActive         = errors.New("account token under reconciliation lease")
)

// RecordType classifies an escrow record. The set is closed: stores reject
// values outside it, so an unknown type can never appear at runtime.
type RecordType string

const (
	TypeLock              RecordType = "lock"
	TypeRelease           RecordType = "release"
	TypeRefund            RecordType = "refund"
	TypeManualIntervention RecordType = "manual_intervention_required"
)

// Valid reports whether t is a member of the closed record-type set.
func (t RecordType) Valid() bool {
	switch t {
	case TypeLock, TypeRelease, TypeRefund, TypeManualIntervention:
		return true
	}
	return false
}

// RecordStatus is the lifecycle state of an escrow record.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusCompleted RecordStatus = "completed"
	StatusFailed    RecordStatus = "failed"
)

// Valid reports whether s is a member of the closed status set.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// EscrowRecord is one immutable entry in the settlement audit trail.
type EscrowRecord struct {
	ID             string       `json:"id"`
	Type           RecordType   `json:"type"`
	Status         RecordStatus `json:"status"`
	AccountID      string       `json:"accountId"`
	CounterpartyID string       `json:"counterpartyId,omitempty"`
	TokenType      string       `json:"tokenType"`
	Amount         string       `json:"amount"`
	TradeID        string       `json:"tradeId,omitempty"`
	ChainEscrowID  string       `json:"chainEscrowId,omitempty"`
	TxHash         string       `json:"txHash,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
}

// Balance is one account's position in one token.
type Balance struct {
	AccountID string    `json:"accountId"`
	TokenType string    `json:"tokenType"`
	Available string    `json:"available"`
	Escrowed  string    `json:"escrowed"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Lease marks an account-token pair as under manual review. The sweep
// checks for an active lease before auto-correcting balances.
type Lease struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	TokenType string    `json:"tokenType"`
	Reason    string    `json:"reason"`
	HeldUntil time.Time `json:"heldUntil"`
	CreatedAt time.Time `json:"createdAt"`
}

// Active reports whether the lease still holds at the given instant.
func (l *Lease) Active(now time.Time) bool {
	return now.Before(l.HeldUntil)
}

// Store persists balances, escrow records, and leases.
//
// The compound Apply* operations move balances and finalize the pending
// record in a single transaction. A partial application (balance moved but
// record not finalized, or vice versa) must be impossible.
type Store interface {
	// Accounts. Identity is owned by an external user service; the ledger
	// only tracks the on-chain address needed for counterparty resolution.
	PutAccount(ctx context.Context, accountID, chainAddress string) error
	ChainAddress(ctx context.Context, accountID string) (string, error)

	// Balances.
	GetBalance(ctx context.Context, accountID, tokenType string) (*Balance, error)
	CreditAvailable(ctx context.Context, accountID, tokenType, amount string) error
	DebitAvailable(ctx context.Context, accountID, tokenType, amount string) error
	CreditEscrowed(ctx context.Context, accountID, tokenType, amount string) error
	DebitEscrowed(ctx context.Context, accountID, tokenType, amount string) error

	// Records. FinalizeRecord only ever transitions pending → completed|failed.
	AppendRecord(ctx context.Context, rec *EscrowRecord) error
	GetRecord(ctx context.Context, id string) (*EscrowRecord, error)
	AttachChainEscrow(ctx context.Context, id, chainEscrowID, txHash string) error
	AnnotateRecord(ctx context.Context, id, reason string) error
	FinalizeRecord(ctx context.Context, id string, status RecordStatus, txHash, reason string) error
	FindTradeRecord(ctx context.Context, tradeID string, typ RecordType, status RecordStatus) (*EscrowRecord, error)
	ListRecords(ctx context.Context, accountID string, limit int) ([]*EscrowRecord, error)
	ListByType(ctx context.Context, typ RecordType, status RecordStatus, limit int) ([]*EscrowRecord, error)
	ListUnsettledLocks(ctx context.Context, before time.Time, limit int) ([]*EscrowRecord, error)

	// Compound settlement operations (one transaction each).
	ApplyLock(ctx context.Context, recordID string) error
	ApplyRelease(ctx context.Context, recordID string) error
	ApplyRefund(ctx context.Context, recordID string) error

	// Reconciliation leases. ExpireLease ends a lease early; expiring an
	// unknown or already expired lease is a no-op.
	CreateLease(ctx context.Context, lease *Lease) error
	ActiveLease(ctx context.Context, accountID, tokenType string) (*Lease, error)
	ExpireLease(ctx context.Context, id string) error
}

// Ledger manages account balances and the escrow record trail. It
// serializes balance mutations per account-token pair so concurrent
// operations cannot pass a balance check against a stale read.
type Ledger struct {
	store Store
	locks syncutil.KeyMutex
}

// New creates a new ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store exposes the underlying store for wiring read-only surfaces.
func (l *Ledger) Store() Store { return l.store }

// WithBalanceLock runs fn while holding the serialization lock for the
// account-token pair.
func (l *Ledger) WithBalanceLock(accountID, tokenType string, fn func() error) error {
	unlock := l.locks.Lock(syncutil.BalanceKey(accountID, tokenType))
	defer unlock()
	return fn()
}

// WithBalanceLockPair runs fn while holding the serialization locks for
// two account-token pairs (e.g. a release touching both counterparties).
func (l *Ledger) WithBalanceLockPair(aID, bID, tokenType string, fn func() error) error {
	unlock := l.locks.LockPair(
		syncutil.BalanceKey(aID, tokenType),
		syncutil.BalanceKey(bID, tokenType),
	)
	defer unlock()
	return fn()
}

// GetBalance returns an account's position in one token.
func (l *Ledger) GetBalance(ctx context.Context, accountID, tokenType string) (*Balance, error) {
	return l.store.GetBalance(ctx, accountID, tokenType)
}

// Statement returns recent escrow records for an account.
func (l *Ledger) Statement(ctx context.Context, accountID string, limit int) ([]*EscrowRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListRecords(ctx, accountID, limit)
}

// PendingInterventions returns open manual-intervention records.
func (l *Ledger) PendingInterventions(ctx context.Context, limit int) ([]*EscrowRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.ListByType(ctx, TypeManualIntervention, StatusPending, limit)
}

// ValidateRecord checks a record before it is appended.
func ValidateRecord(rec *EscrowRecord) error {
	if !rec.Type.Valid() {
		return errors.New("ledger: record type not in closed set")
	}
	if !rec.Status.Valid() {
		return errors.New("ledger: record status not in closed set")
	}
	if rec.Type != TypeManualIntervention && !token.IsPositive(rec.Amount) {
		return ErrInvalidAmount
	}
	return nil
}
