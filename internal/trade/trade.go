// Package trade owns the P2P trade state machine and invokes the
// settlement engine at the correct transitions.
//
// Flow:
//  1. Buy and sell orders match → trade created, seller's tokens locked
//  2. Buyer signals fiat payment sent → payment_pending
//  3. Seller confirms receipt → payment_confirmed
//  4. Escrow released to buyer → completed
//  5. Cancellation/timeout/dispute branch off before step 3
package trade

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTradeNotFound     = errors.New("trade not found")
	ErrInvalidTradeState = errors.New("transition not permitted from current trade status")
	ErrNotParticipant    = errors.New("requester is not a trade participant")
	ErrSelfTrade         = errors.New("buyer and seller cannot be the same account")
)

// Status is the trade state machine position. The set is closed and
// validated at the boundary; adding a variant requires a migration.
type Status string

const (
	StatusPending          Status = "pending"
	StatusEscrowLocked     Status = "escrow_locked"
	StatusPaymentPending   Status = "payment_pending"
	StatusPaymentConfirmed Status = "payment_confirmed"
	StatusDisputed         Status = "disputed"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
)

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusEscrowLocked, StatusPaymentPending,
		StatusPaymentConfirmed, StatusDisputed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// EscrowStatus tracks where the trade's escrowed value currently sits.
type EscrowStatus string

const (
	EscrowNone     EscrowStatus = "none"
	EscrowLocked   EscrowStatus = "locked"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Resolution is a dispute outcome.
type Resolution string

const (
	ResolutionBuyerWins  Resolution = "buyer_wins"
	ResolutionSellerWins Resolution = "seller_wins"
)

// Trade is one P2P exchange instance. Trades are retained forever for
// audit; there is no delete path.
type Trade struct {
	ID           string       `json:"id"`
	BuyerID      string       `json:"buyerId"`
	SellerID     string       `json:"sellerId"`
	TokenType    string       `json:"tokenType"`
	Amount       string       `json:"amount"`
	PricePerUnit string       `json:"pricePerUnit"`
	TotalValue   string       `json:"totalValue"`
	Status       Status       `json:"status"`
	EscrowStatus EscrowStatus `json:"escrowStatus"`

	DisputeRaiser     string     `json:"disputeRaiser,omitempty"`
	DisputeEvidence   string     `json:"disputeEvidence,omitempty"`
	DisputeResolution Resolution `json:"disputeResolution,omitempty"`
	DisputeModerator  string     `json:"disputeModerator,omitempty"`

	ExpiresAt          time.Time  `json:"expiresAt"`
	CreatedAt          time.Time  `json:"createdAt"`
	EscrowLockedAt     *time.Time `json:"escrowLockedAt,omitempty"`
	PaymentMarkedAt    *time.Time `json:"paymentMarkedAt,omitempty"`
	PaymentConfirmedAt *time.Time `json:"paymentConfirmedAt,omitempty"`
	DisputedAt         *time.Time `json:"disputedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Participant reports whether accountID is a party to the trade.
func (t *Trade) Participant(accountID string) bool {
	return accountID == t.BuyerID || accountID == t.SellerID
}

// transitions is the legal state machine. Cancellation is deliberately
// absent from payment_confirmed: once the counterparty has attested to
// payment, reversal goes through dispute resolution, never unilateral
// cancellation.
var transitions = map[Status][]Status{
	StatusPending:          {StatusEscrowLocked},
	StatusEscrowLocked:     {StatusPaymentPending, StatusCancelled},
	StatusPaymentPending:   {StatusPaymentConfirmed, StatusDisputed, StatusCancelled},
	StatusPaymentConfirmed: {StatusCompleted, StatusDisputed},
	StatusDisputed:         {StatusCompleted, StatusCancelled},
	StatusCompleted:        {},
	StatusCancelled:        {},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether a trade in the given status may be
// unilaterally cancelled by a participant.
func Cancellable(s Status) bool {
	return s == StatusEscrowLocked || s == StatusPaymentPending
}

// Store persists trades.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	Update(ctx context.Context, t *Trade) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Trade, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Trade, error)
}
