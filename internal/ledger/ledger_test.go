package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedAccount(t *testing.T, store *MemoryStore, accountID, tokenType, available string) {
	t.Helper()
	ctx := context.Background()
	if err := store.PutAccount(ctx, accountID, "0x"+accountID); err != nil {
		t.Fatalf("PutAccount failed: %v", err)
	}
	if available != "" {
		if err := store.CreditAvailable(ctx, accountID, tokenType, available); err != nil {
			t.Fatalf("CreditAvailable failed: %v", err)
		}
	}
}

func TestBalance_CreditDebit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedAccount(t, store, "alice", "GOLD", "100.000000")

	bal, err := store.GetBalance(ctx, "alice", "GOLD")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Available != "100.000000" {
		t.Errorf("available = %s, want 100.000000", bal.Available)
	}
	if bal.Escrowed != "0.000000" {
		t.Errorf("escrowed = %s, want 0.000000", bal.Escrowed)
	}

	if err := store.DebitAvailable(ctx, "alice", "GOLD", "30.500000"); err != nil {
		t.Fatalf("DebitAvailable failed: %v", err)
	}

	bal, _ = store.GetBalance(ctx, "alice", "GOLD")
	if bal.Available != "69.500000" {
		t.Errorf("available = %s, want 69.500000", bal.Available)
	}
}

func TestBalance_InsufficientFunds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedAccount(t, store, "alice", "GOLD", "10.000000")

	err := store.DebitAvailable(ctx, "alice", "GOLD", "10.000001")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}

	// Balance unchanged after the failed debit.
	bal, _ := store.GetBalance(ctx, "alice", "GOLD")
	if bal.Available != "10.000000" {
		t.Errorf("available = %s, want 10.000000", bal.Available)
	}

	err = store.DebitEscrowed(ctx, "alice", "GOLD", "1.000000")
	if !errors.Is(err, ErrInsufficientEscrow) {
		t.Errorf("expected ErrInsufficientEscrow, got %v", err)
	}
}

func TestBalance_TokensIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedAccount(t, store, "alice", "GOLD", "100.000000")
	if err := store.CreditAvailable(ctx, "alice", "SILVER", "5.000000"); err != nil {
		t.Fatalf("CreditAvailable failed: %v", err)
	}

	gold, _ := store.GetBalance(ctx, "alice", "GOLD")
	silver, _ := store.GetBalance(ctx, "alice", "SILVER")
	if gold.Available != "100.000000" || silver.Available != "5.000000" {
		t.Errorf("balances bled across tokens: gold=%s silver=%s", gold.Available, silver.Available)
	}
}

func TestBalance_InvalidAmount(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, amount := range []string{"", "abc", "-5.000000", "0"} {
		if err := store.CreditAvailable(ctx, "alice", "GOLD", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("CreditAvailable(%q): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestChainAddress(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.ChainAddress(ctx, "ghost"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	seedAccount(t, store, "alice", "", "")
	addr, err := store.ChainAddress(ctx, "alice")
	if err != nil {
		t.Fatalf("ChainAddress failed: %v", err)
	}
	if addr != "0xalice" {
		t.Errorf("addr = %s, want 0xalice", addr)
	}
}

func TestApplyLock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedAccount(t, store, "seller", "GOLD", "100.000000")

	rec := &EscrowRecord{
		ID:        "esc_1",
		Type:      TypeLock,
		Status:    StatusPending,
		AccountID: "seller",
		TokenType: "GOLD",
		Amount:    "40.000000",
		TradeID:   "trd_1",
		CreatedAt: time.Now(),
	}
	if err := store.AppendRecord(ctx, rec); err != nil {
		t.Fatalf("AppendRecord failed: %v", err)
	}
	if err := store.ApplyLock(ctx, "esc_1"); err != nil {
		t.Fatalf("ApplyLock failed: %v", err)
	}

	bal, _ := store.GetBalance(ctx, "seller", "GOLD")
	if bal.Available != "60.000000" || bal.Escrowed != "40.000000" {
		t.Errorf("balance = %s/%s, want 60.000000/40.000000", bal.Available, bal.Escrowed)
	}

	got, _ := store.GetRecord(ctx, "esc_1")
	if got.Status != StatusCompleted {
		t.Errorf("record status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("record CompletedAt not set")
	}

	// Applying again must fail: the record is final.
	if err := store.ApplyLock(ctx, "esc_1"); !errors.Is(err, ErrRecordFinal) {
		t.Errorf("expected ErrRecordFinal, got %v", err)
	}
}

func TestApplyLock_InsufficientLeavesRecordPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedAccount(t, store, "seller", "GOLD", "10.000000")

	rec := &EscrowRecord{
		ID: "esc_1", Type: TypeLock, Status: StatusPending,
		AccountID: "seller", TokenType: "GOLD", Amount: "40.000000",
		CreatedAt: time.Now(),
	}
	_ = store.AppendRecord(ctx, rec)

	if err := store.ApplyLock(ctx, "esc_1"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// Neither the balance nor the record moved.
	bal, _ := store.GetBalance(ctx, "seller", "GOLD")
	if bal.Available != "10.000000" || bal.Escrowed != "0.000000" {
		t.Errorf("balance moved after failed apply: %s/%s", bal.Available, bal.Escrowed)
	}
	got, _ := store.GetRecord(ctx, "esc_1")
	if got.Status != StatusPending {
		t.Errorf("record status = %s, want pending", got.Status)
	}
}

func TestApplyRelease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedAccount(t, store, "seller", "GOLD", "100.000000")
	seedAccount(t, store, "buyer", "GOLD", "")

	lock := &EscrowRecord{
		ID: "esc_1", Type: TypeLock, Status: StatusPending,
		AccountID: "seller", TokenType: "GOLD", Amount: "40.000000", TradeID: "trd_1",
		CreatedAt: time.Now(),
	}
	_ = store.AppendRecord(ctx, lock)
	_ = store.ApplyLock(ctx, "esc_1")

	release := &EscrowRecord{
		ID: "esc_2", Type: TypeRelease, Status: StatusPending,
		AccountID: "seller", CounterpartyID: "buyer",
		TokenType: "GOLD", Amount: "40.000000", TradeID: "trd_1",
		CreatedAt: time.Now(),
	}
	_ = store.AppendRecord(ctx, release)
	if err := store.ApplyRelease(ctx, "esc_2"); err != nil {
		t.Fatalf("ApplyRelease failed: %v", err)
	}

	sellerBal, _ := store.GetBalance(ctx, "seller", "GOLD")
	buyerBal, _ := store.GetBalance(ctx, "buyer", "GOLD")
	if sellerBal.Escrowed != "0.000000" {
		t.Errorf("seller escrowed = %s, want 0.000000", sellerBal.Escrowed)
	}
	if buyerBal.Available != "40.000000" {
		t.Errorf("buyer available = %s, want 40.000000", buyerBal.Available)
	}
}

func TestApplyRefund(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedAccount(t, store, "seller", "GOLD", "100.000000")

	lock := &EscrowRecord{
		ID: "esc_1", Type: TypeLock, Status: StatusPending,
		AccountID: "seller", TokenType: "GOLD", Amount: "40.000000", TradeID: "trd_1",
		CreatedAt: time.Now(),
	}
	_ = store.AppendRecord(ctx, lock)
	_ = store.ApplyLock(ctx, "esc_1")

	refund := &EscrowRecord{
		ID: "esc_2", Type: TypeRefund, Status: StatusPending,
		AccountID: "seller", TokenType: "GOLD", Amount: "40.000000", TradeID: "trd_1",
		CreatedAt: time.Now(),
	}
	_ = store.AppendRecord(ctx, refund)
	if err := store.ApplyRefund(ctx, "esc_2"); err != nil {
		t.Fatalf("ApplyRefund failed: %v", err)
	}

	bal, _ := store.GetBalance(ctx, "seller", "GOLD")
	if bal.Available != "100.000000" || bal.Escrowed != "0.000000" {
		t.Errorf("balance = %s/%s, want 100.000000/0.000000", bal.Available, bal.Escrowed)
	}
}

func TestAppendRecord_Validation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.AppendRecord(ctx, &EscrowRecord{
		ID: "r1", Type: RecordType("bogus"), Status: StatusPending,
		AccountID: "a", TokenType: "GOLD", Amount: "1.000000",
	}); err == nil {
		t.Error("expected error for unknown record type")
	}

	if err := store.AppendRecord(ctx, &EscrowRecord{
		ID: "r2", Type: TypeLock, Status: RecordStatus("limbo"),
		AccountID: "a", TokenType: "GOLD", Amount: "1.000000",
	}); err == nil {
		t.Error("expected error for unknown record status")
	}

	if err := store.AppendRecord(ctx, &EscrowRecord{
		ID: "r3", Type: TypeLock, Status: StatusPending,
		AccountID: "a", TokenType: "GOLD", Amount: "-1.000000",
	}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	// Intervention records carry no amount.
	if err := store.AppendRecord(ctx, &EscrowRecord{
		ID: "r4", Type: TypeManualIntervention, Status: StatusPending,
		AccountID: "a", TokenType: "GOLD",
	}); err != nil {
		t.Errorf("intervention record rejected: %v", err)
	}
}

func TestFinalizeRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &EscrowRecord{
		ID: "esc_1", Type: TypeLock, Status: StatusPending,
		AccountID: "a", TokenType: "GOLD", Amount: "1.000000",
		CreatedAt: time.Now(),
	}
	_ = store.AppendRecord(ctx, rec)

	if err := store.FinalizeRecord(ctx, "esc_1", StatusFailed, "", "chain timeout"); err != nil {
		t.Fatalf("FinalizeRecord failed: %v", err)
	}

	got, _ := store.GetRecord(ctx, "esc_1")
	if got.Status != StatusFailed || got.Reason != "chain timeout" {
		t.Errorf("record = %s/%q, want failed/chain timeout", got.Status, got.Reason)
	}

	// Finalized records reject further transitions.
	if err := store.FinalizeRecord(ctx, "esc_1", StatusCompleted, "", ""); !errors.Is(err, ErrRecordFinal) {
		t.Errorf("expected ErrRecordFinal, got %v", err)
	}
	if err := store.AnnotateRecord(ctx, "esc_1", "late note"); !errors.Is(err, ErrRecordFinal) {
		t.Errorf("expected ErrRecordFinal from AnnotateRecord, got %v", err)
	}
}

func TestFindTradeRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, status := range []RecordStatus{StatusFailed, StatusCompleted} {
		_ = store.AppendRecord(ctx, &EscrowRecord{
			ID: "esc_" + string(rune('a'+i)), Type: TypeLock, Status: status,
			AccountID: "seller", TokenType: "GOLD", Amount: "1.000000", TradeID: "trd_1",
			CreatedAt: time.Now(),
		})
	}

	rec, err := store.FindTradeRecord(ctx, "trd_1", TypeLock, StatusCompleted)
	if err != nil {
		t.Fatalf("FindTradeRecord failed: %v", err)
	}
	if rec.ID != "esc_b" {
		t.Errorf("found %s, want esc_b", rec.ID)
	}

	if _, err := store.FindTradeRecord(ctx, "trd_1", TypeRefund, StatusCompleted); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestListUnsettledLocks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	add := func(id string, typ RecordType, status RecordStatus, tradeID string, at time.Time) {
		t.Helper()
		if err := store.AppendRecord(ctx, &EscrowRecord{
			ID: id, Type: typ, Status: status,
			AccountID: "seller", TokenType: "GOLD", Amount: "1.000000",
			TradeID: tradeID, CreatedAt: at,
		}); err != nil {
			t.Fatalf("AppendRecord(%s) failed: %v", id, err)
		}
	}

	add("lock_pending", TypeLock, StatusPending, "trd_1", old)         // stuck
	add("lock_failed", TypeLock, StatusFailed, "trd_2", old)           // done, nothing to do
	add("lock_settled", TypeLock, StatusCompleted, "trd_3", old)       // settled below
	add("rel_settled", TypeRelease, StatusCompleted, "trd_3", old)     //
	add("lock_orphan", TypeLock, StatusCompleted, "trd_4", old)        // stuck: no release/refund
	add("lock_recent", TypeLock, StatusPending, "trd_5", time.Now())   // too new

	locks, err := store.ListUnsettledLocks(ctx, time.Now().Add(-time.Minute), 100)
	if err != nil {
		t.Fatalf("ListUnsettledLocks failed: %v", err)
	}

	got := make(map[string]bool, len(locks))
	for _, rec := range locks {
		got[rec.ID] = true
	}
	if len(locks) != 2 || !got["lock_pending"] || !got["lock_orphan"] {
		t.Errorf("unsettled = %v, want [lock_pending lock_orphan]", got)
	}
}

func TestLeases(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// No lease yet.
	lease, err := store.ActiveLease(ctx, "seller", "GOLD")
	if err != nil {
		t.Fatalf("ActiveLease failed: %v", err)
	}
	if lease != nil {
		t.Fatalf("expected no lease, got %+v", lease)
	}

	_ = store.CreateLease(ctx, &Lease{
		ID: "lse_1", AccountID: "seller", TokenType: "GOLD",
		Reason:    "cancel trd_1",
		HeldUntil: time.Now().Add(10 * time.Minute),
		CreatedAt: time.Now(),
	})

	lease, err = store.ActiveLease(ctx, "seller", "GOLD")
	if err != nil {
		t.Fatalf("ActiveLease failed: %v", err)
	}
	if lease == nil || lease.ID != "lse_1" {
		t.Fatalf("expected lse_1, got %+v", lease)
	}

	// Different token is not covered.
	lease, _ = store.ActiveLease(ctx, "seller", "SILVER")
	if lease != nil {
		t.Errorf("lease bled across tokens: %+v", lease)
	}

	// Expired leases are not active.
	_ = store.CreateLease(ctx, &Lease{
		ID: "lse_2", AccountID: "buyer", TokenType: "GOLD",
		HeldUntil: time.Now().Add(-time.Minute),
		CreatedAt: time.Now().Add(-time.Hour),
	})
	lease, _ = store.ActiveLease(ctx, "buyer", "GOLD")
	if lease != nil {
		t.Errorf("expired lease reported active: %+v", lease)
	}

	// ExpireLease ends a lease early; unknown ids are a no-op.
	if err := store.ExpireLease(ctx, "lse_1"); err != nil {
		t.Fatalf("ExpireLease failed: %v", err)
	}
	lease, _ = store.ActiveLease(ctx, "seller", "GOLD")
	if lease != nil {
		t.Errorf("lease still active after expiry: %+v", lease)
	}
	if err := store.ExpireLease(ctx, "lse_missing"); err != nil {
		t.Errorf("ExpireLease of unknown id: %v", err)
	}
}

func TestLedger_Statement(t *testing.T) {
	store := NewMemoryStore()
	led := New(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = store.AppendRecord(ctx, &EscrowRecord{
			ID: "esc_" + string(rune('a'+i)), Type: TypeLock, Status: StatusCompleted,
			AccountID: "seller", TokenType: "GOLD", Amount: "1.000000",
			CreatedAt: time.Now(),
		})
	}

	recs, err := led.Statement(ctx, "seller", 3)
	if err != nil {
		t.Fatalf("Statement failed: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("got %d records, want 3", len(recs))
	}
	// Newest first.
	if recs[0].ID != "esc_e" {
		t.Errorf("first record = %s, want esc_e", recs[0].ID)
	}
}

func TestLedger_PendingInterventions(t *testing.T) {
	store := NewMemoryStore()
	led := New(store)
	ctx := context.Background()

	_ = store.AppendRecord(ctx, &EscrowRecord{
		ID: "mir_1", Type: TypeManualIntervention, Status: StatusPending,
		AccountID: "seller", TokenType: "GOLD", TradeID: "trd_1",
		Reason:    "refund failed after 3 attempts",
		CreatedAt: time.Now(),
	})
	_ = store.AppendRecord(ctx, &EscrowRecord{
		ID: "mir_2", Type: TypeManualIntervention, Status: StatusCompleted,
		AccountID: "seller", TokenType: "GOLD", TradeID: "trd_2",
		CreatedAt: time.Now(),
	})

	pending, err := led.PendingInterventions(ctx, 0)
	if err != nil {
		t.Fatalf("PendingInterventions failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "mir_1" {
		t.Errorf("pending = %v, want [mir_1]", pending)
	}
}
