// Package reconcile keeps the ledger and the chain escrow contract
// convergent: it owns cancellation triage, bounded refund retries,
// manual-intervention escalation, and the stuck-escrow sweep.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahedlund/peermarket/internal/chain"
	"github.com/ahedlund/peermarket/internal/escrow"
	"github.com/ahedlund/peermarket/internal/idgen"
	"github.com/ahedlund/peermarket/internal/ledger"
	"github.com/ahedlund/peermarket/internal/metrics"
	"github.com/ahedlund/peermarket/internal/retry"
	"github.com/ahedlund/peermarket/internal/trade"
)

// Config controls retry and lease behavior.
type Config struct {
	MaxRefundAttempts int           // bounded; exhaustion escalates, never loops
	RetryDelay        time.Duration // fixed delay between attempts
	LeaseDuration     time.Duration // how long a balance is held for reconciliation
	SweepMinAge       time.Duration // locks younger than this are still settling
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRefundAttempts: 3,
		RetryDelay:        5 * time.Second,
		LeaseDuration:     10 * time.Minute,
		SweepMinAge:       5 * time.Minute,
	}
}

// Service is the reconciliation safety net.
type Service struct {
	trades trade.Store
	orch   *escrow.Orchestrator
	cfg    Config
	logger *slog.Logger
}

// New creates the reconciliation service.
func New(trades trade.Store, orch *escrow.Orchestrator, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxRefundAttempts <= 0 {
		cfg.MaxRefundAttempts = DefaultConfig().MaxRefundAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultConfig().LeaseDuration
	}
	if cfg.SweepMinAge <= 0 {
		cfg.SweepMinAge = DefaultConfig().SweepMinAge
	}
	return &Service{trades: trades, orch: orch, cfg: cfg, logger: logger}
}

// SafeCancel cancels a trade and returns its locked escrow to the
// seller. Legitimate blockers (timelock not expired) are reported as
// structured outcomes, not errors; transient refund failures are
// retried a bounded number of times and then escalated to a
// manual-intervention record. The trade row is only marked cancelled
// once the funds have actually moved.
func (s *Service) SafeCancel(ctx context.Context, t *trade.Trade, reason, requester string) (*trade.CancelResult, error) {
	if !t.Participant(requester) {
		return nil, trade.ErrNotParticipant
	}
	if !trade.Cancellable(t.Status) {
		return nil, trade.ErrInvalidTradeState
	}

	led := s.orch.Ledger()

	// No funds locked yet: a plain state transition suffices.
	if t.EscrowStatus != trade.EscrowLocked {
		if err := s.markCancelled(ctx, t, trade.EscrowNone); err != nil {
			return nil, err
		}
		reconcileCancellations.WithLabelValues("no_escrow").Inc()
		return &trade.CancelResult{Success: true, Message: "trade cancelled; no escrow was held"}, nil
	}

	// Another reconciliation already owns this balance.
	if lease, err := led.Store().ActiveLease(ctx, t.SellerID, t.TokenType); err == nil && lease != nil {
		return nil, fmt.Errorf("%w: held until %s", ledger.ErrLeaseActive,
			lease.HeldUntil.Format(time.RFC3339))
	}

	// Timelock triage before touching anything: waiting is an expected
	// outcome, not a failure.
	check, err := s.orch.RefundCheck(ctx, t.ID)
	if err != nil {
		s.logger.Warn("refund check failed, proceeding to refund attempt",
			"tradeId", t.ID, "error", err)
	} else if !check.CanRefund && check.TimeRemaining > 0 {
		reconcileCancellations.WithLabelValues("timelock").Inc()
		return &trade.CancelResult{
			Success:          false,
			InterventionType: "timelock",
			TimeRemaining:    check.TimeRemaining,
			Message:          "escrow timelock has not expired; retry after the remaining time",
		}, nil
	}

	lease := &ledger.Lease{
		ID:        idgen.WithPrefix("lse_"),
		AccountID: t.SellerID,
		TokenType: t.TokenType,
		Reason:    "cancel " + t.ID,
		HeldUntil: time.Now().Add(s.cfg.LeaseDuration),
		CreatedAt: time.Now(),
	}
	if err := led.Store().CreateLease(ctx, lease); err != nil {
		return nil, fmt.Errorf("reconcile: failed to lease balance: %w", err)
	}
	// The lease protects the balance only while this cancellation runs.
	// Holding it past the refund (or the escalation record) would block
	// every other settlement on the pair for the full lease duration.
	defer func() {
		if err := led.Store().ExpireLease(ctx, lease.ID); err != nil {
			s.logger.Warn("failed to release reconciliation lease",
				"leaseId", lease.ID, "tradeId", t.ID, "error", err)
		}
	}()

	refundErr := retry.Do(ctx, s.cfg.MaxRefundAttempts, s.cfg.RetryDelay, func() error {
		_, err := s.orch.Refund(ctx, escrow.RefundRequest{
			AccountID: t.SellerID,
			TradeID:   t.ID,
			TokenType: t.TokenType,
			Amount:    t.Amount,
			Reason:    reason,
		})
		return classifyRefundError(err)
	})
	if refundErr != nil {
		reconcileCancellations.WithLabelValues("escalated").Inc()
		s.escalate(ctx, t, refundErr)
		return &trade.CancelResult{
			Success:                    false,
			RequiresManualIntervention: true,
			InterventionType:           "refund_failed",
			Message:                    "refund could not be completed; escalated for manual intervention",
		}, nil
	}

	if err := s.markCancelled(ctx, t, trade.EscrowRefunded); err != nil {
		// Funds are back with the seller; the refund record is the
		// source of truth and the trade row catches up on the next read
		// path that reconciles. Surface the error regardless.
		return nil, err
	}

	reconcileCancellations.WithLabelValues("refunded").Inc()
	return &trade.CancelResult{Success: true, Message: "escrow refunded and trade cancelled"}, nil
}

func (s *Service) markCancelled(ctx context.Context, t *trade.Trade, es trade.EscrowStatus) error {
	now := time.Now()
	t.Status = trade.StatusCancelled
	t.EscrowStatus = es
	t.CancelledAt = &now
	t.UpdatedAt = now
	if err := s.trades.Update(ctx, t); err != nil {
		return fmt.Errorf("reconcile: failed to mark trade cancelled: %w", err)
	}
	metrics.TradesTotal.WithLabelValues(string(trade.StatusCancelled)).Inc()
	metrics.TradeDuration.Observe(now.Sub(t.CreatedAt).Seconds())
	return nil
}

// escalate writes a manual-intervention record carrying everything an
// operator needs to resolve the case by hand.
func (s *Service) escalate(ctx context.Context, t *trade.Trade, cause error) {
	rec := &ledger.EscrowRecord{
		ID:             idgen.WithPrefix("mir_"),
		Type:           ledger.TypeManualIntervention,
		Status:         ledger.StatusPending,
		AccountID:      t.SellerID,
		CounterpartyID: t.BuyerID,
		TokenType:      t.TokenType,
		Amount:         t.Amount,
		TradeID:        t.ID,
		Reason:         fmt.Sprintf("refund failed after %d attempts: %v", s.cfg.MaxRefundAttempts, cause),
		CreatedAt:      time.Now(),
	}
	if err := s.orch.Ledger().Store().AppendRecord(ctx, rec); err != nil {
		s.logger.Error("failed to write manual intervention record",
			"tradeId", t.ID, "error", err)
		return
	}
	reconcileInterventions.Inc()
	s.logger.Error("escrow refund escalated to manual intervention",
		"tradeId", t.ID, "recordId", rec.ID, "seller", t.SellerID,
		"amount", t.Amount, "cause", cause)
}

// classifyRefundError marks errors that retrying cannot fix as
// permanent so the retry loop stops early.
func classifyRefundError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, escrow.ErrReleaseConflict),
		errors.Is(err, ledger.ErrInsufficientEscrow),
		errors.Is(err, chain.ErrInvalidAddress),
		errors.Is(err, escrow.ErrInvalidAmount):
		return retry.Permanent(err)
	}
	return err
}

// PendingInterventions lists open manual-intervention records for the
// operator dashboard.
func (s *Service) PendingInterventions(ctx context.Context, limit int) ([]*ledger.EscrowRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.orch.Ledger().PendingInterventions(ctx, limit)
}

// ResolveIntervention closes a manual-intervention record after an
// operator has dealt with it out of band.
func (s *Service) ResolveIntervention(ctx context.Context, recordID, note string) error {
	return s.orch.Ledger().Store().FinalizeRecord(ctx, recordID, ledger.StatusCompleted, "",
		"resolved: "+note)
}
