package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahedlund/peermarket/internal/chain"
	"github.com/ahedlund/peermarket/internal/escrow"
	"github.com/ahedlund/peermarket/internal/idgen"
	"github.com/ahedlund/peermarket/internal/ledger"
	"github.com/ahedlund/peermarket/internal/trade"
)

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Adopted   int `json:"adopted"`   // chain-confirmed locks whose ledger write was lost
	Failed    int `json:"failed"`    // locks that never reached the chain
	Refunded  int `json:"refunded"`  // orphaned escrows returned to their locker
	Released  int `json:"released"`  // completed trades whose release was lost
	Escalated int `json:"escalated"` // written as manual-intervention records
	Skipped   int `json:"skipped"`   // leased or still in flight
}

// SweepStuckEscrows finds lock records that never reached a settled
// end state and converges each one. The main case is the crash window
// between chain confirmation and the ledger balance write: those locks
// carry a chain escrow ID and, if the contract still holds them, are
// adopted without a second on-chain transaction.
func (s *Service) SweepStuckEscrows(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	defer func() {
		sweepDuration.Observe(time.Since(start).Seconds())
	}()

	cutoff := time.Now().Add(-s.cfg.SweepMinAge)
	stuck, err := s.orch.Ledger().Store().ListUnsettledLocks(ctx, cutoff, 100)
	if err != nil {
		sweepErrors.Inc()
		return nil, fmt.Errorf("reconcile: failed to list unsettled locks: %w", err)
	}

	report := &SweepReport{Scanned: len(stuck)}
	sweepStuckFound.Set(float64(len(stuck)))

	for _, rec := range stuck {
		if lease, err := s.orch.Ledger().Store().ActiveLease(ctx, rec.AccountID, rec.TokenType); err == nil && lease != nil {
			report.Skipped++
			continue
		}
		s.sweepOne(ctx, rec, report)
	}

	if report.Scanned > 0 {
		s.logger.Info("stuck escrow sweep finished",
			"scanned", report.Scanned, "adopted", report.Adopted,
			"failed", report.Failed, "refunded", report.Refunded,
			"released", report.Released, "escalated", report.Escalated,
			"skipped", report.Skipped)
	}
	return report, nil
}

func (s *Service) sweepOne(ctx context.Context, rec *ledger.EscrowRecord, report *SweepReport) {
	switch rec.Status {
	case ledger.StatusPending:
		if rec.ChainEscrowID != "" {
			s.sweepPendingChainLock(ctx, rec, report)
			return
		}
		// Never reached the chain and never applied to balances.
		// Nothing moved, so the record just closes as failed.
		if err := s.orch.Ledger().Store().FinalizeRecord(ctx, rec.ID, ledger.StatusFailed, "",
			"sweep: lock never settled"); err != nil {
			sweepErrors.Inc()
			s.logger.Warn("failed to close abandoned lock", "recordId", rec.ID, "error", err)
			return
		}
		report.Failed++

	case ledger.StatusCompleted:
		// Funds are escrowed but no release or refund ever landed.
		// The trade row decides which way the funds go.
		s.sweepOrphan(ctx, rec, report)
	}
}

// sweepPendingChainLock converges a lock whose chain escrow confirmed
// but whose ledger write was lost. The contract is re-checked first:
// the escrow may have been settled out of band since confirmation, and
// adopting it then would escrow ledger funds against nothing.
func (s *Service) sweepPendingChainLock(ctx context.Context, rec *ledger.EscrowRecord, report *SweepReport) {
	status, err := s.orch.ChainEscrowStatus(ctx, rec.ChainEscrowID)
	if err != nil {
		if errors.Is(err, chain.ErrEscrowNotFound) {
			s.escalateRecord(ctx, rec, err)
			report.Escalated++
			return
		}
		sweepErrors.Inc()
		s.logger.Warn("failed to check chain escrow, leaving for next sweep",
			"recordId", rec.ID, "chainEscrowId", rec.ChainEscrowID, "error", err)
		return
	}

	switch status {
	case chain.StatusActive:
		if err := s.orch.AdoptConfirmedLock(ctx, rec); err != nil {
			sweepErrors.Inc()
			s.logger.Error("failed to adopt confirmed lock",
				"recordId", rec.ID, "chainEscrowId", rec.ChainEscrowID, "error", err)
			s.escalateRecord(ctx, rec, err)
			report.Escalated++
			return
		}
		sweepAdopted.Inc()
		report.Adopted++
		s.logger.Info("adopted chain-confirmed lock",
			"recordId", rec.ID, "tradeId", rec.TradeID, "chainEscrowId", rec.ChainEscrowID)

	case chain.StatusRefunded:
		// Funds went back to the seller on chain and the ledger never
		// held them. Closing the record restores convergence.
		if err := s.orch.Ledger().Store().FinalizeRecord(ctx, rec.ID, ledger.StatusFailed, "",
			"sweep: chain escrow already refunded"); err != nil {
			sweepErrors.Inc()
			s.logger.Warn("failed to close refunded lock", "recordId", rec.ID, "error", err)
			return
		}
		report.Failed++
		s.logger.Info("closed lock against refunded chain escrow",
			"recordId", rec.ID, "chainEscrowId", rec.ChainEscrowID)

	default:
		// Released or disputed with no ledger lock; an operator has to
		// decide where the ledger balance goes.
		s.escalateRecord(ctx, rec, fmt.Errorf("chain escrow %s is %s but the ledger never locked",
			rec.ChainEscrowID, status))
		report.Escalated++
	}
}

func (s *Service) sweepOrphan(ctx context.Context, rec *ledger.EscrowRecord, report *SweepReport) {
	t, err := s.trades.Get(ctx, rec.TradeID)
	if err != nil {
		if errors.Is(err, trade.ErrTradeNotFound) {
			s.escalateRecord(ctx, rec, errors.New("escrowed funds with no trade record"))
			report.Escalated++
			return
		}
		sweepErrors.Inc()
		s.logger.Warn("failed to load trade for orphaned lock",
			"recordId", rec.ID, "tradeId", rec.TradeID, "error", err)
		return
	}

	if !t.Status.Terminal() {
		// Still in flight; not the sweep's business.
		report.Skipped++
		return
	}

	switch t.Status {
	case trade.StatusCancelled:
		_, err = s.orch.Refund(ctx, escrow.RefundRequest{
			AccountID: rec.AccountID,
			TradeID:   rec.TradeID,
			TokenType: rec.TokenType,
			Amount:    rec.Amount,
			Reason:    "sweep: trade cancelled without refund",
		})
		if err != nil {
			s.escalateRecord(ctx, rec, err)
			report.Escalated++
			return
		}
		report.Refunded++

	case trade.StatusCompleted:
		_, err = s.orch.Release(ctx, escrow.ReleaseRequest{
			AccountID:   rec.AccountID,
			RecipientID: t.BuyerID,
			TradeID:     rec.TradeID,
			TokenType:   rec.TokenType,
			Amount:      rec.Amount,
			Reason:      "sweep: trade completed without release",
		})
		if err != nil {
			s.escalateRecord(ctx, rec, err)
			report.Escalated++
			return
		}
		report.Released++
	}
}

func (s *Service) escalateRecord(ctx context.Context, rec *ledger.EscrowRecord, cause error) {
	mir := &ledger.EscrowRecord{
		ID:             idgen.WithPrefix("mir_"),
		Type:           ledger.TypeManualIntervention,
		Status:         ledger.StatusPending,
		AccountID:      rec.AccountID,
		CounterpartyID: rec.CounterpartyID,
		TokenType:      rec.TokenType,
		Amount:         rec.Amount,
		TradeID:        rec.TradeID,
		ChainEscrowID:  rec.ChainEscrowID,
		Reason:         fmt.Sprintf("sweep: lock %s could not be converged: %v", rec.ID, cause),
		CreatedAt:      time.Now(),
	}
	if err := s.orch.Ledger().Store().AppendRecord(ctx, mir); err != nil {
		s.logger.Error("failed to write manual intervention record",
			"lockRecordId", rec.ID, "error", err)
		return
	}
	reconcileInterventions.Inc()
	s.logger.Error("stuck escrow escalated to manual intervention",
		"lockRecordId", rec.ID, "interventionId", mir.ID, "cause", cause)
}
