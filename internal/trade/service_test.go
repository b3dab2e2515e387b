package trade

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeSettlement records escrow calls and can fail on demand.
type fakeSettlement struct {
	mu       sync.Mutex
	locks    []string // trade IDs
	releases []string
	refunds  []string

	lockErr    error
	releaseErr error
	refundErr  error
}

func (f *fakeSettlement) Lock(ctx context.Context, accountID, counterpartyID, tradeID, tokenType, amount string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		return f.lockErr
	}
	f.locks = append(f.locks, tradeID)
	return nil
}

func (f *fakeSettlement) Release(ctx context.Context, accountID, recipientID, tradeID, tokenType, amount, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.releases = append(f.releases, tradeID)
	return nil
}

func (f *fakeSettlement) Refund(ctx context.Context, accountID, tradeID, tokenType, amount, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return f.refundErr
	}
	f.refunds = append(f.refunds, tradeID)
	return nil
}

// fakeCanceller marks trades cancelled without the full safety net.
type fakeCanceller struct {
	store    Store
	result   *CancelResult
	err      error
	requests []string // requester account IDs
}

func (f *fakeCanceller) SafeCancel(ctx context.Context, t *Trade, reason, requester string) (*CancelResult, error) {
	f.requests = append(f.requests, requester)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	if !t.Participant(requester) {
		return nil, ErrNotParticipant
	}
	if !Cancellable(t.Status) {
		return nil, ErrInvalidTradeState
	}
	now := time.Now()
	t.Status = StatusCancelled
	t.EscrowStatus = EscrowRefunded
	t.CancelledAt = &now
	t.UpdatedAt = now
	if err := f.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return &CancelResult{Success: true}, nil
}

// fakeNotifier captures lifecycle events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) TradeEvent(event string, t *Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) has(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == event {
			return true
		}
	}
	return false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nullWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestService(t *testing.T) (*Service, *fakeSettlement, *fakeCanceller, *fakeNotifier) {
	t.Helper()
	store := NewMemoryStore()
	settlement := &fakeSettlement{}
	notifier := &fakeNotifier{}
	svc := NewService(store, settlement, quietLogger()).WithNotifier(notifier)
	canceller := &fakeCanceller{store: store}
	svc.SetCanceller(canceller)
	return svc, settlement, canceller, notifier
}

func createTrade(t *testing.T, svc *Service) *Trade {
	t.Helper()
	tr, err := svc.Create(context.Background(), CreateRequest{
		BuyerID: "buyer", SellerID: "seller",
		TokenType: "GOLD", Amount: "40.000000", PricePerUnit: "2.500000",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return tr
}

func TestWithExpiry(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	svc.WithExpiry(30 * time.Minute)

	tr := createTrade(t, svc)
	want := tr.CreatedAt.Add(30 * time.Minute)
	if !tr.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", tr.ExpiresAt, want)
	}

	// Non-positive overrides keep the current window.
	svc.WithExpiry(0)
	tr = createTrade(t, svc)
	if got := tr.ExpiresAt.Sub(tr.CreatedAt); got != 30*time.Minute {
		t.Errorf("expiry window = %v, want 30m", got)
	}
}

func TestCreate(t *testing.T) {
	svc, settlement, _, notifier := newTestService(t)

	tr := createTrade(t, svc)
	if tr.Status != StatusEscrowLocked || tr.EscrowStatus != EscrowLocked {
		t.Errorf("new trade = %s/%s, want escrow_locked/locked", tr.Status, tr.EscrowStatus)
	}
	if tr.TotalValue != "100.000000" {
		t.Errorf("total value = %s, want 100.000000", tr.TotalValue)
	}
	if tr.EscrowLockedAt == nil {
		t.Error("EscrowLockedAt not set")
	}
	if len(settlement.locks) != 1 || settlement.locks[0] != tr.ID {
		t.Errorf("settlement locks = %v", settlement.locks)
	}
	if !notifier.has("trade.created") {
		t.Error("no trade.created event")
	}
}

func TestCreate_SelfTrade(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), CreateRequest{
		BuyerID: "alice", SellerID: "alice",
		TokenType: "GOLD", Amount: "1.000000", PricePerUnit: "1.000000",
	})
	if !errors.Is(err, ErrSelfTrade) {
		t.Fatalf("expected ErrSelfTrade, got %v", err)
	}
}

func TestCreate_LockFailureLeavesNoTrade(t *testing.T) {
	svc, settlement, _, _ := newTestService(t)
	settlement.lockErr = errors.New("insufficient available balance")

	_, err := svc.Create(context.Background(), CreateRequest{
		BuyerID: "buyer", SellerID: "seller",
		TokenType: "GOLD", Amount: "40.000000", PricePerUnit: "2.500000",
	})
	if err == nil {
		t.Fatal("expected error")
	}

	trades, _ := svc.ListByAccount(context.Background(), "seller", 10)
	if len(trades) != 0 {
		t.Errorf("failed create left %d trades behind", len(trades))
	}
}

func TestCreate_InvalidAmounts(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	for _, req := range []CreateRequest{
		{BuyerID: "b", SellerID: "s", TokenType: "GOLD", Amount: "0", PricePerUnit: "1.000000"},
		{BuyerID: "b", SellerID: "s", TokenType: "GOLD", Amount: "1.000000", PricePerUnit: "-2.000000"},
		{BuyerID: "b", SellerID: "s", TokenType: "GOLD", Amount: "abc", PricePerUnit: "1.000000"},
	} {
		if _, err := svc.Create(context.Background(), req); err == nil {
			t.Errorf("Create(%+v) accepted invalid amounts", req)
		}
	}
}

func TestHappyPath(t *testing.T) {
	svc, settlement, _, notifier := newTestService(t)
	ctx := context.Background()
	tr := createTrade(t, svc)

	// Buyer says they paid.
	got, err := svc.MarkPaid(ctx, tr.ID, "buyer")
	if err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}
	if got.Status != StatusPaymentPending || got.PaymentMarkedAt == nil {
		t.Errorf("after MarkPaid: %s", got.Status)
	}

	// Seller confirms receipt; escrow releases and the trade completes.
	got, err = svc.ConfirmPayment(ctx, tr.ID, "seller")
	if err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}
	if got.Status != StatusCompleted || got.EscrowStatus != EscrowReleased {
		t.Errorf("after ConfirmPayment: %s/%s", got.Status, got.EscrowStatus)
	}
	if got.CompletedAt == nil || got.PaymentConfirmedAt == nil {
		t.Error("timestamps not set")
	}
	if len(settlement.releases) != 1 {
		t.Errorf("releases = %v", settlement.releases)
	}
	if !notifier.has("trade.completed") {
		t.Error("no trade.completed event")
	}
}

func TestMarkPaid_OnlyBuyer(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	tr := createTrade(t, svc)

	if _, err := svc.MarkPaid(ctx, tr.ID, "seller"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("seller MarkPaid: expected ErrNotParticipant, got %v", err)
	}
	if _, err := svc.MarkPaid(ctx, tr.ID, "stranger"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("stranger MarkPaid: expected ErrNotParticipant, got %v", err)
	}
}

func TestConfirmPayment_OnlySeller(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	tr := createTrade(t, svc)
	_, _ = svc.MarkPaid(ctx, tr.ID, "buyer")

	if _, err := svc.ConfirmPayment(ctx, tr.ID, "buyer"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("buyer ConfirmPayment: expected ErrNotParticipant, got %v", err)
	}
}

func TestConfirmPayment_BeforeMarkPaid(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	tr := createTrade(t, svc)

	if _, err := svc.ConfirmPayment(context.Background(), tr.ID, "seller"); !errors.Is(err, ErrInvalidTradeState) {
		t.Errorf("expected ErrInvalidTradeState, got %v", err)
	}
}

func TestConfirmPayment_ReleaseFailureDefersCompletion(t *testing.T) {
	svc, settlement, _, _ := newTestService(t)
	ctx := context.Background()
	tr := createTrade(t, svc)
	_, _ = svc.MarkPaid(ctx, tr.ID, "buyer")

	settlement.releaseErr = errors.New("rpc connection failed")

	got, err := svc.ConfirmPayment(ctx, tr.ID, "seller")
	if err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}
	// Confirmation recorded; completion waits for the timeout retry.
	if got.Status != StatusPaymentConfirmed {
		t.Errorf("status = %s, want payment_confirmed", got.Status)
	}

	settlement.releaseErr = nil
	if err := svc.HandleTimeout(ctx, tr.ID); err != nil {
		t.Fatalf("HandleTimeout failed: %v", err)
	}
	got, _ = svc.Get(ctx, tr.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status after retry = %s, want completed", got.Status)
	}
}

func TestCancel(t *testing.T) {
	svc, _, canceller, notifier := newTestService(t)
	ctx := context.Background()
	tr := createTrade(t, svc)

	result, err := svc.Cancel(ctx, tr.ID, "buyer", "changed my mind")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !result.Success {
		t.Errorf("result = %+v", result)
	}
	if len(canceller.requests) != 1 || canceller.requests[0] != "buyer" {
		t.Errorf("canceller requests = %v", canceller.requests)
	}

	got, _ := svc.Get(ctx, tr.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if !notifier.has("trade.cancelled") {
		t.Error("no trade.cancelled event")
	}
}

func TestCancel_AfterPaymentConfirmed(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	tr := createTrade(t, svc)
	_, _ = svc.MarkPaid(ctx, tr.ID, "buyer")
	_, _ = svc.ConfirmPayment(ctx, tr.ID, "seller")

	if _, err := svc.Cancel(ctx, tr.ID, "buyer", "too late"); !errors.Is(err, ErrInvalidTradeState) {
		t.Errorf("expected ErrInvalidTradeState, got %v", err)
	}
}

func TestCancel_TimelockResultPassedThrough(t *testing.T) {
	svc, _, canceller, notifier := newTestService(t)
	ctx := context.Background()
	tr := createTrade(t, svc)

	canceller.result = &CancelResult{
		Success:                    false,
		RequiresManualIntervention: true,
		InterventionType:           "timelock",
		TimeRemaining:              12 * time.Minute,
		Message:                    "timelock not expired",
	}

	result, err := svc.Cancel(ctx, tr.ID, "seller", "want out")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if result.Success || result.InterventionType != "timelock" || result.TimeRemaining != 12*time.Minute {
		t.Errorf("result = %+v", result)
	}
	// Unsuccessful cancellation emits no event.
	if notifier.has("trade.cancelled") {
		t.Error("trade.cancelled emitted for failed cancel")
	}
}

func TestDispute_AndBuyerWins(t *testing.T) {
	svc, settlement, _, notifier := newTestService(t)
	ctx := context.Background()
	tr := createTrade(t, svc)
	_, _ = svc.MarkPaid(ctx, tr.ID, "buyer")

	got, err := svc.Dispute(ctx, tr.ID, "buyer", "seller unresponsive")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if got.Status != StatusDisputed || got.DisputeRaiser != "buyer" || got.DisputedAt == nil {
		t.Errorf("dispute = %+v", got)
	}

	// Disputed trades cannot be cancelled out from under resolution.
	if _, err := svc.Cancel(ctx, tr.ID, "seller", "nope"); !errors.Is(err, ErrInvalidTradeState) {
		t.Errorf("cancel of disputed trade: expected ErrInvalidTradeState, got %v", err)
	}

	got, err = svc.ResolveDispute(ctx, tr.ID, ResolutionBuyerWins, "mod_1")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if got.Status != StatusCompleted || got.EscrowStatus != EscrowReleased {
		t.Errorf("resolved = %s/%s", got.Status, got.EscrowStatus)
	}
	if got.DisputeResolution != ResolutionBuyerWins || got.DisputeModerator != "mod_1" {
		t.Errorf("resolution fields = %+v", got)
	}
	if len(settlement.releases) != 1 {
		t.Errorf("releases = %v", settlement.releases)
	}
	if !notifier.has("trade.dispute_resolved") {
		t.Error("no trade.dispute_resolved event")
	}
}

func TestDispute_SellerWins(t *testing.T) {
	svc, settlement, _, _ := newTestService(t)
	ctx := context.Background()
	tr := createTrade(t, svc)
	_, _ = svc.MarkPaid(ctx, tr.ID, "buyer")
	if _, err := svc.Dispute(ctx, tr.ID, "seller", "payment never arrived"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}

	got, err := svc.ResolveDispute(ctx, tr.ID, ResolutionSellerWins, "mod_1")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if got.Status != StatusCancelled || got.EscrowStatus != EscrowRefunded {
		t.Errorf("resolved = %s/%s", got.Status, got.EscrowStatus)
	}
	if len(settlement.refunds) != 1 {
		t.Errorf("refunds = %v", settlement.refunds)
	}
}

func TestDispute_NonParticipant(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	tr := createTrade(t, svc)
	_, _ = svc.MarkPaid(ctx, tr.ID, "buyer")

	if _, err := svc.Dispute(ctx, tr.ID, "stranger", "drama"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
}

func TestResolveDispute_RequiresDisputedState(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	tr := createTrade(t, svc)

	if _, err := svc.ResolveDispute(context.Background(), tr.ID, ResolutionBuyerWins, "mod_1"); !errors.Is(err, ErrInvalidTradeState) {
		t.Errorf("expected ErrInvalidTradeState, got %v", err)
	}
}

func TestHandleTimeout(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	// Unconfirmed trade is cancelled on timeout.
	tr := createTrade(t, svc)
	_, _ = svc.MarkPaid(ctx, tr.ID, "buyer")
	if err := svc.HandleTimeout(ctx, tr.ID); err != nil {
		t.Fatalf("HandleTimeout failed: %v", err)
	}
	got, _ := svc.Get(ctx, tr.ID)
	if got.Status != StatusCancelled {
		t.Errorf("unconfirmed trade after timeout = %s, want cancelled", got.Status)
	}

	// Payment-confirmed trade completes instead.
	tr2 := createTrade(t, svc)
	_, _ = svc.MarkPaid(ctx, tr2.ID, "buyer")
	_, _ = svc.ConfirmPayment(ctx, tr2.ID, "seller")
	if err := svc.HandleTimeout(ctx, tr2.ID); err != nil {
		t.Fatalf("HandleTimeout failed: %v", err)
	}
	got, _ = svc.Get(ctx, tr2.ID)
	if got.Status != StatusCompleted {
		t.Errorf("confirmed trade after timeout = %s, want completed", got.Status)
	}

	// Disputed trades are left alone.
	tr3 := createTrade(t, svc)
	_, _ = svc.MarkPaid(ctx, tr3.ID, "buyer")
	_, _ = svc.Dispute(ctx, tr3.ID, "buyer", "evidence")
	if err := svc.HandleTimeout(ctx, tr3.ID); err != nil {
		t.Fatalf("HandleTimeout failed: %v", err)
	}
	got, _ = svc.Get(ctx, tr3.ID)
	if got.Status != StatusDisputed {
		t.Errorf("disputed trade after timeout = %s, want disputed", got.Status)
	}
}

func TestTotalValue(t *testing.T) {
	tests := []struct {
		amount, price, want string
	}{
		{"40.000000", "2.500000", "100.000000"},
		{"1.000000", "0.333333", "0.333333"},
		{"0.000001", "1.000000", "0.000001"},
		{"1000000.000000", "1000.000000", "1000000000.000000"},
	}
	for _, tt := range tests {
		if got := totalValue(tt.amount, tt.price); got != tt.want {
			t.Errorf("totalValue(%s, %s) = %s, want %s", tt.amount, tt.price, got, tt.want)
		}
	}
}
