package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ahedlund/peermarket/internal/idgen"
	"github.com/ahedlund/peermarket/internal/metrics"
	"github.com/ahedlund/peermarket/internal/token"
)

// DefaultExpiry is the window a trade has to reach completion before the
// scheduler times it out.
const DefaultExpiry = 2 * time.Hour

// Settlement abstracts the escrow orchestrator so trade doesn't import
// escrow.
type Settlement interface {
	Lock(ctx context.Context, accountID, counterpartyID, tradeID, tokenType, amount string) error
	Release(ctx context.Context, accountID, recipientID, tradeID, tokenType, amount, reason string) error
	Refund(ctx context.Context, accountID, tradeID, tokenType, amount, reason string) error
}

// CancelResult is the structured outcome of a cancellation attempt.
// Timelock-not-expired is an expected, recoverable condition and carries
// a wait time; refund_failed means the case has been escalated.
type CancelResult struct {
	Success                    bool          `json:"success"`
	RequiresManualIntervention bool          `json:"requiresManualIntervention,omitempty"`
	InterventionType           string        `json:"interventionType,omitempty"` // "timelock" | "refund_failed"
	TimeRemaining              time.Duration `json:"timeRemaining,omitempty"`
	Message                    string        `json:"message,omitempty"`
}

// Canceller abstracts the reconciliation safety net.
type Canceller interface {
	SafeCancel(ctx context.Context, t *Trade, reason, requester string) (*CancelResult, error)
}

// Notifier receives trade lifecycle events (websocket feed, webhooks).
type Notifier interface {
	TradeEvent(event string, t *Trade)
}

// CreateRequest contains the parameters for creating a trade from a
// matched order pair.
type CreateRequest struct {
	BuyerID      string `json:"buyerId" binding:"required"`
	SellerID     string `json:"sellerId" binding:"required"`
	TokenType    string `json:"tokenType" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
	PricePerUnit string `json:"pricePerUnit" binding:"required"`
	Expiry       string `json:"expiry"` // duration string, e.g. "2h"
}

// Service implements the trade lifecycle state machine.
type Service struct {
	store      Store
	settlement Settlement
	canceller  Canceller
	notifier   Notifier
	expiry     time.Duration
	logger     *slog.Logger
	locks      sync.Map // per-trade ID locks to prevent racing transitions
}

// NewService creates the trade lifecycle controller.
func NewService(store Store, settlement Settlement, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		settlement: settlement,
		expiry:     DefaultExpiry,
		logger:     logger,
	}
}

// SetCanceller wires the reconciliation safety net. Done after
// construction because the safety net itself needs the trade store.
func (s *Service) SetCanceller(c Canceller) { s.canceller = c }

// WithNotifier adds a lifecycle event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithExpiry overrides the default window a trade has to complete.
// Non-positive values keep the default.
func (s *Service) WithExpiry(d time.Duration) *Service {
	if d > 0 {
		s.expiry = d
	}
	return s
}

// tradeLock returns a mutex for the given trade ID. This prevents
// concurrent state transitions (e.g. confirm + timeout racing).
func (s *Service) tradeLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) notify(event string, t *Trade) {
	if s.notifier != nil {
		s.notifier.TradeEvent(event, t)
	}
}

// Create builds a trade from a matched order pair and locks the seller's
// tokens. The trade is only persisted once the lock succeeds: a failed
// lock leaves no partial trade behind.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Trade, error) {
	if req.BuyerID == req.SellerID {
		return nil, ErrSelfTrade
	}
	if !token.IsPositive(req.Amount) || !token.IsPositive(req.PricePerUnit) {
		return nil, errors.New("trade: amount and price must be positive")
	}

	expiry := s.expiry
	if req.Expiry != "" {
		if d, err := time.ParseDuration(req.Expiry); err == nil && d > 0 {
			expiry = d
		}
	}

	now := time.Now()
	t := &Trade{
		ID:           idgen.WithPrefix("trd_"),
		BuyerID:      req.BuyerID,
		SellerID:     req.SellerID,
		TokenType:    req.TokenType,
		Amount:       req.Amount,
		PricePerUnit: req.PricePerUnit,
		TotalValue:   totalValue(req.Amount, req.PricePerUnit),
		Status:       StatusPending,
		EscrowStatus: EscrowNone,
		ExpiresAt:    now.Add(expiry),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Escrow lock first. Failure destroys the trade before it exists.
	if err := s.settlement.Lock(ctx, t.SellerID, t.BuyerID, t.ID, t.TokenType, t.Amount); err != nil {
		return nil, fmt.Errorf("trade: escrow lock failed: %w", err)
	}

	t.Status = StatusEscrowLocked
	t.EscrowStatus = EscrowLocked
	t.EscrowLockedAt = &now

	if err := s.store.Create(ctx, t); err != nil {
		// Best-effort unwind; the sweep catches anything this misses.
		if rerr := s.settlement.Refund(ctx, t.SellerID, t.ID, t.TokenType, t.Amount,
			"trade record creation failed"); rerr != nil {
			s.logger.Error("failed to unwind escrow after trade create failure",
				"tradeId", t.ID, "error", rerr)
		}
		return nil, fmt.Errorf("trade: failed to persist trade: %w", err)
	}

	s.notify("trade.created", t)
	return t, nil
}

// MarkPaid records the buyer's claim that the fiat payment was sent.
// No fund movement.
func (s *Service) MarkPaid(ctx context.Context, id, callerID string) (*Trade, error) {
	return s.transition(ctx, id, StatusPaymentPending, func(t *Trade) error {
		if callerID != t.BuyerID {
			return ErrNotParticipant
		}
		now := time.Now()
		t.PaymentMarkedAt = &now
		return nil
	})
}

// ConfirmPayment records the seller's receipt attestation and releases
// the escrow to the buyer. If the release fails the trade stays in
// payment_confirmed for the timeout handler to retry.
func (s *Service) ConfirmPayment(ctx context.Context, id, callerID string) (*Trade, error) {
	t, err := s.transition(ctx, id, StatusPaymentConfirmed, func(t *Trade) error {
		if callerID != t.SellerID {
			return ErrNotParticipant
		}
		now := time.Now()
		t.PaymentConfirmedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.complete(ctx, t.ID, "payment confirmed by seller"); err != nil {
		s.logger.Warn("escrow release deferred after payment confirmation",
			"tradeId", t.ID, "error", err)
		return s.store.Get(ctx, t.ID)
	}
	return s.store.Get(ctx, t.ID)
}

// complete releases the escrow and moves payment_confirmed → completed.
func (s *Service) complete(ctx context.Context, id, reason string) error {
	mu := s.tradeLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusPaymentConfirmed && t.Status != StatusDisputed {
		return ErrInvalidTradeState
	}

	if err := s.settlement.Release(ctx, t.SellerID, t.BuyerID, t.ID, t.TokenType, t.Amount, reason); err != nil {
		return err
	}

	now := time.Now()
	t.Status = StatusCompleted
	t.EscrowStatus = EscrowReleased
	t.CompletedAt = &now
	t.UpdatedAt = now

	if err := s.store.Update(ctx, t); err != nil {
		// Funds already moved; the release record is the source of truth
		// and the sweep reconciles the trade row.
		s.logger.Error("escrow released but trade update failed",
			"tradeId", t.ID, "error", err)
		return err
	}
	metrics.TradesTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.TradeDuration.Observe(now.Sub(t.CreatedAt).Seconds())

	s.notify("trade.completed", t)
	return nil
}

// Cancel runs the reconciliation safety net for a participant-requested
// cancellation. Not permitted once payment_confirmed has been reached.
func (s *Service) Cancel(ctx context.Context, id, requester, reason string) (*CancelResult, error) {
	mu := s.tradeLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := s.canceller.SafeCancel(ctx, t, reason, requester)
	if err != nil {
		return nil, err
	}
	if result.Success {
		if fresh, gerr := s.store.Get(ctx, id); gerr == nil {
			s.notify("trade.cancelled", fresh)
		}
	}
	return result, nil
}

// Dispute raises a dispute. Either party may raise one from
// payment_pending or payment_confirmed; the trade then exits only via
// ResolveDispute.
func (s *Service) Dispute(ctx context.Context, id, raiser, evidence string) (*Trade, error) {
	return s.transition(ctx, id, StatusDisputed, func(t *Trade) error {
		if !t.Participant(raiser) {
			return ErrNotParticipant
		}
		now := time.Now()
		t.DisputeRaiser = raiser
		t.DisputeEvidence = evidence
		t.DisputedAt = &now
		return nil
	})
}

// ResolveDispute settles a disputed trade: buyer_wins releases the
// escrow to the buyer, seller_wins refunds it to the seller.
func (s *Service) ResolveDispute(ctx context.Context, id string, resolution Resolution, moderator string) (*Trade, error) {
	mu := s.tradeLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusDisputed {
		return nil, ErrInvalidTradeState
	}

	now := time.Now()
	t.DisputeResolution = resolution
	t.DisputeModerator = moderator

	switch resolution {
	case ResolutionBuyerWins:
		if err := s.settlement.Release(ctx, t.SellerID, t.BuyerID, t.ID, t.TokenType, t.Amount,
			"dispute resolved: buyer wins"); err != nil {
			return nil, err
		}
		t.Status = StatusCompleted
		t.EscrowStatus = EscrowReleased
		t.CompletedAt = &now

	case ResolutionSellerWins:
		if err := s.settlement.Refund(ctx, t.SellerID, t.ID, t.TokenType, t.Amount,
			"dispute resolved: seller wins"); err != nil {
			return nil, err
		}
		t.Status = StatusCancelled
		t.EscrowStatus = EscrowRefunded
		t.CancelledAt = &now

	default:
		return nil, fmt.Errorf("trade: unknown resolution %q", resolution)
	}

	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		s.logger.Error("dispute settled but trade update failed", "tradeId", t.ID, "error", err)
		return nil, err
	}
	metrics.TradesTotal.WithLabelValues(string(t.Status)).Inc()
	metrics.TradeDuration.Observe(now.Sub(t.CreatedAt).Seconds())

	s.notify("trade.dispute_resolved", t)
	return t, nil
}

// HandleTimeout is invoked by the scheduler once now > ExpiresAt. A
// payment-confirmed trade is pushed to completion; anything earlier is
// refunded and cancelled. Disputed trades are left for resolution.
func (s *Service) HandleTimeout(ctx context.Context, id string) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	switch {
	case t.Status.Terminal() || t.Status == StatusDisputed:
		return nil

	case t.Status == StatusPaymentConfirmed:
		return s.complete(ctx, t.ID, "timeout with payment confirmed")

	default:
		result, err := s.canceller.SafeCancel(ctx, t, "timeout: payment not confirmed", t.SellerID)
		if err != nil {
			return err
		}
		if !result.Success {
			s.logger.Warn("timeout cancellation did not complete",
				"tradeId", t.ID, "interventionType", result.InterventionType)
		}
		return nil
	}
}

// Get returns a trade by ID.
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

// ListByAccount returns trades involving an account (as buyer or seller).
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}

// transition loads the trade under its lock, checks the state machine,
// applies mutate, and persists.
func (s *Service) transition(ctx context.Context, id string, to Status, mutate func(*Trade) error) (*Trade, error) {
	mu := s.tradeLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, to) {
		return nil, ErrInvalidTradeState
	}
	if err := mutate(t); err != nil {
		return nil, err
	}

	t.Status = to
	t.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	s.notify("trade."+string(to), t)
	return t, nil
}

// totalValue computes amount × pricePerUnit in fiat, both fixed-point
// 6-decimal strings.
func totalValue(amount, pricePerUnit string) string {
	a, _ := token.Parse(amount)
	p, _ := token.Parse(pricePerUnit)
	product := new(big.Int).Mul(a, p)
	product.Div(product, big.NewInt(1_000_000))
	return token.Format(product)
}
