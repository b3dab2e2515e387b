// Package escrow moves trade value through lock → release/refund while
// keeping the off-chain ledger and the on-chain escrow contract
// consistent.
//
// Flow:
//  1. Seller locks tokens for a trade: contract escrow created first,
//     then available → escrowed in the ledger
//  2. Fiat payment confirmed: contract release, then seller's escrowed →
//     buyer's available
//  3. Cancellation/timeout/dispute: contract refund, then escrowed →
//     seller's available
//
// Every operation either fully succeeds (chain and ledger both updated,
// one completed record appended) or fails with balances untouched. The
// only tolerated partial state is the window between chain confirmation
// and the ledger write, which the reconciliation sweep closes.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahedlund/peermarket/internal/chain"
	"github.com/ahedlund/peermarket/internal/idgen"
	"github.com/ahedlund/peermarket/internal/keys"
	"github.com/ahedlund/peermarket/internal/ledger"
	"github.com/ahedlund/peermarket/internal/metrics"
	"github.com/ahedlund/peermarket/internal/token"
	"github.com/ahedlund/peermarket/internal/traces"
)

var (
	ErrInvalidAmount   = errors.New("escrow: invalid amount")
	ErrNoLockRecord    = errors.New("escrow: no completed lock record found")
	ErrReleaseConflict = errors.New("escrow: chain escrow already settled the other way")
)

// Orchestrator drives settlement against the ledger and, for
// contract-backed tokens, the chain bridge.
type Orchestrator struct {
	ledger      *ledger.Ledger
	bridge      chain.Bridge
	keys        keys.Provider
	chainTokens map[string]bool
	timelock    time.Duration
	logger      *slog.Logger
}

// Config for the orchestrator.
type Config struct {
	// ChainTokens lists token types settled through the escrow contract.
	// Tokens not listed use the ledger-only legacy path.
	ChainTokens []string
	// Timelock requested for new chain escrows. The bridge raises it to
	// the contract minimum when shorter.
	Timelock time.Duration
}

// New creates an orchestrator. bridge and keyProvider may be nil when no
// chain tokens are configured.
func New(led *ledger.Ledger, bridge chain.Bridge, keyProvider keys.Provider, cfg Config, logger *slog.Logger) *Orchestrator {
	chainTokens := make(map[string]bool, len(cfg.ChainTokens))
	for _, t := range cfg.ChainTokens {
		chainTokens[t] = true
	}
	timelock := cfg.Timelock
	if timelock == 0 {
		timelock = chain.MinTimelock
	}
	return &Orchestrator{
		ledger:      led,
		bridge:      bridge,
		keys:        keyProvider,
		chainTokens: chainTokens,
		timelock:    timelock,
		logger:      logger,
	}
}

// ChainBacked reports whether a token settles through the contract.
func (o *Orchestrator) ChainBacked(tokenType string) bool {
	return o.bridge != nil && o.chainTokens[tokenType]
}

// Ledger exposes the ledger for callers that need balance reads.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// Result is the outcome of one settlement operation.
type Result struct {
	RecordID      string `json:"recordId"`
	ChainEscrowID string `json:"chainEscrowId,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
	// Synced means the chain was already in the target state and only
	// the ledger was brought up to date; no new transaction was sent.
	Synced bool `json:"synced,omitempty"`
	// AlreadySettled means a completed record for this trade and
	// operation already existed and the call was a no-op.
	AlreadySettled bool `json:"alreadySettled,omitempty"`
}

// LockRequest locks a seller's tokens for a trade (or standalone when
// TradeID is empty).
type LockRequest struct {
	AccountID      string
	CounterpartyID string // buyer; resolved to a chain address for the contract
	TradeID        string
	TokenType      string
	Amount         string
}

// Lock moves amount from available to escrowed. On the contract-backed
// path the chain escrow is created and confirmed first; a bridge failure
// leaves balances untouched. The ledger must never report tokens as
// escrowed that are not actually locked on-chain.
func (o *Orchestrator) Lock(ctx context.Context, req LockRequest) (*Result, error) {
	if !token.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Lock",
		traces.AccountID(req.AccountID), traces.TradeID(req.TradeID),
		traces.TokenType(req.TokenType), traces.Amount(req.Amount))
	defer span.End()

	bal, err := o.ledger.GetBalance(ctx, req.AccountID, req.TokenType)
	if err != nil {
		return nil, err
	}
	if token.Cmp(bal.Available, req.Amount) < 0 {
		return nil, ledger.ErrInsufficientBalance
	}

	rec := &ledger.EscrowRecord{
		ID:             idgen.WithPrefix("esc_"),
		Type:           ledger.TypeLock,
		Status:         ledger.StatusPending,
		AccountID:      req.AccountID,
		CounterpartyID: req.CounterpartyID,
		TokenType:      req.TokenType,
		Amount:         req.Amount,
		TradeID:        req.TradeID,
		CreatedAt:      time.Now(),
	}
	if err := o.ledger.Store().AppendRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("escrow: failed to append lock record: %w", err)
	}

	result := &Result{RecordID: rec.ID}

	if o.ChainBacked(req.TokenType) {
		key, err := o.keys.SigningKey(ctx, req.AccountID)
		if err != nil {
			return nil, o.failLock(ctx, rec.ID, err)
		}
		counterAddr, err := o.ledger.Store().ChainAddress(ctx, req.CounterpartyID)
		if err != nil {
			return nil, o.failLock(ctx, rec.ID, err)
		}

		amountRaw, _ := token.Parse(req.Amount)
		created, err := o.bridge.CreateEscrow(ctx, key, counterAddr, amountRaw.String(), o.timelock)
		if err != nil {
			// Fail closed: no ledger mutation happened yet.
			return nil, o.failLock(ctx, rec.ID, err)
		}
		if created.TimelockApplied > o.timelock {
			o.logger.Info("escrow timelock raised to contract minimum",
				"requested", o.timelock, "applied", created.TimelockApplied,
				"chainEscrowId", created.ChainEscrowID)
		}

		if err := o.ledger.Store().AttachChainEscrow(ctx, rec.ID, created.ChainEscrowID, created.TxHash); err != nil {
			// Chain escrow exists but the record lost its pointer; the
			// sweep will find the pending record. Surface the error.
			return nil, fmt.Errorf("escrow: chain escrow %s created but record update failed: %w",
				created.ChainEscrowID, err)
		}
		result.ChainEscrowID = created.ChainEscrowID
		result.TxHash = created.TxHash
	}

	err = o.ledger.WithBalanceLock(req.AccountID, req.TokenType, func() error {
		return o.ledger.Store().ApplyLock(ctx, rec.ID)
	})
	if err != nil {
		if result.ChainEscrowID != "" {
			// On-chain lock confirmed but ledger write failed: leave the
			// record pending for the sweep rather than double-failing.
			o.logger.Error("chain escrow confirmed but ledger lock failed; sweep will converge",
				"recordId", rec.ID, "chainEscrowId", result.ChainEscrowID, "error", err)
			return nil, fmt.Errorf("escrow: ledger lock failed after chain confirmation: %w", err)
		}
		return nil, o.failLock(ctx, rec.ID, err)
	}

	metrics.EscrowOperationsTotal.WithLabelValues("lock", "completed").Inc()
	return result, nil
}

func (o *Orchestrator) failLock(ctx context.Context, recordID string, cause error) error {
	if err := o.ledger.Store().FinalizeRecord(ctx, recordID, ledger.StatusFailed, "", cause.Error()); err != nil {
		o.logger.Warn("failed to mark lock record failed", "recordId", recordID, "error", err)
	}
	metrics.EscrowOperationsTotal.WithLabelValues("lock", "failed").Inc()
	return fmt.Errorf("escrow: lock failed: %w", cause)
}

// ReleaseRequest transfers escrowed value to the counterparty.
type ReleaseRequest struct {
	AccountID   string // the locker (seller)
	RecipientID string // the counterparty receiving value
	TradeID     string
	TokenType   string
	Amount      string
	Reason      string
}

// Release settles an escrow in the counterparty's favor. Safe to call
// twice for the same trade: a second call finds the completed record and
// no-ops.
func (o *Orchestrator) Release(ctx context.Context, req ReleaseRequest) (*Result, error) {
	if !token.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.AccountID(req.AccountID), traces.TradeID(req.TradeID),
		traces.TokenType(req.TokenType), traces.Amount(req.Amount))
	defer span.End()

	if prior := o.settledRecord(ctx, req.TradeID, ledger.TypeRelease); prior != nil {
		return &Result{RecordID: prior.ID, ChainEscrowID: prior.ChainEscrowID,
			TxHash: prior.TxHash, AlreadySettled: true}, nil
	}

	bal, err := o.ledger.GetBalance(ctx, req.AccountID, req.TokenType)
	if err != nil {
		return nil, err
	}
	if token.Cmp(bal.Escrowed, req.Amount) < 0 {
		return nil, ledger.ErrInsufficientEscrow
	}

	chainEscrowID := o.chainEscrowForTrade(ctx, req.TradeID)

	rec := &ledger.EscrowRecord{
		ID:             idgen.WithPrefix("esc_"),
		Type:           ledger.TypeRelease,
		Status:         ledger.StatusPending,
		AccountID:      req.AccountID,
		CounterpartyID: req.RecipientID,
		TokenType:      req.TokenType,
		Amount:         req.Amount,
		TradeID:        req.TradeID,
		ChainEscrowID:  chainEscrowID,
		Reason:         req.Reason,
		CreatedAt:      time.Now(),
	}
	if err := o.ledger.Store().AppendRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("escrow: failed to append release record: %w", err)
	}

	result := &Result{RecordID: rec.ID, ChainEscrowID: chainEscrowID}

	if chainEscrowID != "" {
		key, err := o.keys.SigningKey(ctx, req.AccountID)
		if err != nil {
			return nil, o.failRecord(ctx, rec.ID, "release", err)
		}
		txHash, err := o.bridge.Release(ctx, chainEscrowID, key)
		switch {
		case err == nil:
			result.TxHash = txHash
			_ = o.ledger.Store().AttachChainEscrow(ctx, rec.ID, chainEscrowID, txHash)
		case errors.Is(err, chain.ErrInvalidState):
			var se *chain.StateError
			if errors.As(err, &se) && se.Status == chain.StatusReleased {
				// Already released on-chain: reconcile the ledger only.
				result.Synced = true
				_ = o.ledger.Store().AnnotateRecord(ctx, rec.ID,
					appendReason(req.Reason, "reconciliation: chain escrow already released"))
			} else {
				return nil, o.failRecord(ctx, rec.ID, "release",
					fmt.Errorf("%w: %v", ErrReleaseConflict, err))
			}
		default:
			return nil, o.failRecord(ctx, rec.ID, "release", err)
		}
	}

	err = o.ledger.WithBalanceLockPair(req.AccountID, req.RecipientID, req.TokenType, func() error {
		return o.ledger.Store().ApplyRelease(ctx, rec.ID)
	})
	if err != nil {
		if chainEscrowID != "" {
			o.logger.Error("chain release settled but ledger write failed; sweep will converge",
				"recordId", rec.ID, "chainEscrowId", chainEscrowID, "error", err)
			return nil, fmt.Errorf("escrow: ledger release failed after chain settlement: %w", err)
		}
		return nil, o.failRecord(ctx, rec.ID, "release", err)
	}

	outcome := "completed"
	if result.Synced {
		outcome = "synced"
	}
	metrics.EscrowOperationsTotal.WithLabelValues("release", outcome).Inc()
	return result, nil
}

// RefundRequest returns escrowed value to the original locker.
type RefundRequest struct {
	AccountID string // the locker
	TradeID   string // empty for standalone escrows
	TokenType string
	Amount    string
	Reason    string
}

// Refund settles an escrow back to its locker. If the chain already
// shows Refunded this is not a failure: the ledger is reconciled to
// match and the record is annotated as a sync. Any other bridge failure
// is returned unchanged; the orchestrator never silently degrades to a
// ledger-only refund, because that would desynchronize the ledger from
// the chain. Retries and escalation belong to the reconcile package.
func (o *Orchestrator) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if !token.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.AccountID(req.AccountID), traces.TradeID(req.TradeID),
		traces.TokenType(req.TokenType), traces.Amount(req.Amount))
	defer span.End()

	if prior := o.settledRecord(ctx, req.TradeID, ledger.TypeRefund); prior != nil {
		return &Result{RecordID: prior.ID, ChainEscrowID: prior.ChainEscrowID,
			TxHash: prior.TxHash, AlreadySettled: true}, nil
	}

	bal, err := o.ledger.GetBalance(ctx, req.AccountID, req.TokenType)
	if err != nil {
		return nil, err
	}
	if token.Cmp(bal.Escrowed, req.Amount) < 0 {
		return nil, ledger.ErrInsufficientEscrow
	}

	chainEscrowID := o.chainEscrowForTrade(ctx, req.TradeID)

	rec := &ledger.EscrowRecord{
		ID:            idgen.WithPrefix("esc_"),
		Type:          ledger.TypeRefund,
		Status:        ledger.StatusPending,
		AccountID:     req.AccountID,
		TokenType:     req.TokenType,
		Amount:        req.Amount,
		TradeID:       req.TradeID,
		ChainEscrowID: chainEscrowID,
		Reason:        req.Reason,
		CreatedAt:     time.Now(),
	}
	if err := o.ledger.Store().AppendRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("escrow: failed to append refund record: %w", err)
	}

	result := &Result{RecordID: rec.ID, ChainEscrowID: chainEscrowID}

	if chainEscrowID != "" {
		key, err := o.keys.SigningKey(ctx, req.AccountID)
		if err != nil {
			return nil, o.failRecord(ctx, rec.ID, "refund", err)
		}
		txHash, err := o.bridge.Refund(ctx, chainEscrowID, key)
		switch {
		case err == nil:
			result.TxHash = txHash
			_ = o.ledger.Store().AttachChainEscrow(ctx, rec.ID, chainEscrowID, txHash)
		case errors.Is(err, chain.ErrInvalidState):
			var se *chain.StateError
			if errors.As(err, &se) && se.Status == chain.StatusRefunded {
				// Already converged on-chain; bring only the ledger up to date.
				result.Synced = true
				_ = o.ledger.Store().AnnotateRecord(ctx, rec.ID,
					appendReason(req.Reason, "reconciliation: chain escrow already refunded"))
			} else {
				return nil, o.failRecord(ctx, rec.ID, "refund",
					fmt.Errorf("%w: %v", ErrReleaseConflict, err))
			}
		default:
			return nil, o.failRecord(ctx, rec.ID, "refund", err)
		}
	}

	err = o.ledger.WithBalanceLock(req.AccountID, req.TokenType, func() error {
		return o.ledger.Store().ApplyRefund(ctx, rec.ID)
	})
	if err != nil {
		if chainEscrowID != "" {
			o.logger.Error("chain refund settled but ledger write failed; sweep will converge",
				"recordId", rec.ID, "chainEscrowId", chainEscrowID, "error", err)
			return nil, fmt.Errorf("escrow: ledger refund failed after chain settlement: %w", err)
		}
		return nil, o.failRecord(ctx, rec.ID, "refund", err)
	}

	outcome := "completed"
	if result.Synced {
		outcome = "synced"
	}
	metrics.EscrowOperationsTotal.WithLabelValues("refund", outcome).Inc()
	return result, nil
}

// AdoptConfirmedLock completes the ledger side of a lock whose chain
// escrow confirmed but whose balance write was lost (crash window).
// Used by the reconciliation sweep; no new on-chain transaction.
func (o *Orchestrator) AdoptConfirmedLock(ctx context.Context, rec *ledger.EscrowRecord) error {
	return o.ledger.WithBalanceLock(rec.AccountID, rec.TokenType, func() error {
		return o.ledger.Store().ApplyLock(ctx, rec.ID)
	})
}

// ChainEscrowStatus reports the contract-side state of an escrow.
func (o *Orchestrator) ChainEscrowStatus(ctx context.Context, chainEscrowID string) (chain.EscrowStatus, error) {
	esc, err := o.bridge.GetStatus(ctx, chainEscrowID)
	if err != nil {
		return 0, err
	}
	return esc.Status, nil
}

// RefundCheck reports whether the escrow backing a trade can be
// refunded yet. Ledger-only escrows are always refundable.
func (o *Orchestrator) RefundCheck(ctx context.Context, tradeID string) (*chain.RefundCheck, error) {
	chainEscrowID := o.chainEscrowForTrade(ctx, tradeID)
	if chainEscrowID == "" {
		return &chain.RefundCheck{CanRefund: true}, nil
	}
	return o.bridge.CanRefund(ctx, chainEscrowID)
}

// LockRecord returns the completed lock record for a trade.
func (o *Orchestrator) LockRecord(ctx context.Context, tradeID string) (*ledger.EscrowRecord, error) {
	rec, err := o.ledger.Store().FindTradeRecord(ctx, tradeID, ledger.TypeLock, ledger.StatusCompleted)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return nil, ErrNoLockRecord
	}
	return rec, err
}

func (o *Orchestrator) settledRecord(ctx context.Context, tradeID string, typ ledger.RecordType) *ledger.EscrowRecord {
	if tradeID == "" {
		return nil
	}
	rec, err := o.ledger.Store().FindTradeRecord(ctx, tradeID, typ, ledger.StatusCompleted)
	if err != nil {
		return nil
	}
	return rec
}

func (o *Orchestrator) chainEscrowForTrade(ctx context.Context, tradeID string) string {
	if tradeID == "" {
		return ""
	}
	rec, err := o.ledger.Store().FindTradeRecord(ctx, tradeID, ledger.TypeLock, ledger.StatusCompleted)
	if err != nil {
		return ""
	}
	return rec.ChainEscrowID
}

func (o *Orchestrator) failRecord(ctx context.Context, recordID, op string, cause error) error {
	if err := o.ledger.Store().FinalizeRecord(ctx, recordID, ledger.StatusFailed, "", cause.Error()); err != nil {
		o.logger.Warn("failed to mark record failed", "recordId", recordID, "op", op, "error", err)
	}
	metrics.EscrowOperationsTotal.WithLabelValues(op, "failed").Inc()
	return fmt.Errorf("escrow: %s failed: %w", op, cause)
}

func appendReason(base, extra string) string {
	if base == "" {
		return extra
	}
	return base + "; " + extra
}
