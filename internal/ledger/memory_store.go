package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ahedlund/peermarket/internal/token"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[string]string              // accountID -> chain address
	balances map[string]map[string]*Balance // accountID -> tokenType -> balance
	records  map[string]*EscrowRecord
	order    []string // record IDs in append order
	leases   []*Lease
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]string),
		balances: make(map[string]map[string]*Balance),
		records:  make(map[string]*EscrowRecord),
	}
}

func (m *MemoryStore) PutAccount(ctx context.Context, accountID, chainAddress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID] = chainAddress
	return nil
}

func (m *MemoryStore) ChainAddress(ctx context.Context, accountID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.accounts[accountID]
	if !ok {
		return "", ErrAccountNotFound
	}
	return addr, nil
}

func (m *MemoryStore) balance(accountID, tokenType string) *Balance {
	tokens, ok := m.balances[accountID]
	if !ok {
		tokens = make(map[string]*Balance)
		m.balances[accountID] = tokens
	}
	bal, ok := tokens[tokenType]
	if !ok {
		bal = &Balance{
			AccountID: accountID,
			TokenType: tokenType,
			Available: "0.000000",
			Escrowed:  "0.000000",
			UpdatedAt: time.Now(),
		}
		tokens[tokenType] = bal
	}
	return bal
}

func (m *MemoryStore) GetBalance(ctx context.Context, accountID, tokenType string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tokens, ok := m.balances[accountID]; ok {
		if bal, ok := tokens[tokenType]; ok {
			cp := *bal
			return &cp, nil
		}
	}
	return &Balance{
		AccountID: accountID,
		TokenType: tokenType,
		Available: "0.000000",
		Escrowed:  "0.000000",
		UpdatedAt: time.Now(),
	}, nil
}

// mutate applies delta amounts to a balance, failing if either field
// would go negative. deltas are smallest-unit big.Ints.
func (m *MemoryStore) mutate(accountID, tokenType string, dAvail, dEscrow *big.Int) error {
	bal := m.balance(accountID, tokenType)

	avail, _ := token.Parse(bal.Available)
	escrow, _ := token.Parse(bal.Escrowed)

	avail.Add(avail, dAvail)
	escrow.Add(escrow, dEscrow)

	if avail.Sign() < 0 {
		return ErrInsufficientBalance
	}
	if escrow.Sign() < 0 {
		return ErrInsufficientEscrow
	}

	bal.Available = token.Format(avail)
	bal.Escrowed = token.Format(escrow)
	bal.UpdatedAt = time.Now()
	return nil
}

func parseAmount(amount string) (*big.Int, error) {
	v, ok := token.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}

func (m *MemoryStore) CreditAvailable(ctx context.Context, accountID, tokenType, amount string) error {
	v, err := parseAmount(amount)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutate(accountID, tokenType, v, big.NewInt(0))
}

func (m *MemoryStore) DebitAvailable(ctx context.Context, accountID, tokenType, amount string) error {
	v, err := parseAmount(amount)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutate(accountID, tokenType, new(big.Int).Neg(v), big.NewInt(0))
}

func (m *MemoryStore) CreditEscrowed(ctx context.Context, accountID, tokenType, amount string) error {
	v, err := parseAmount(amount)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutate(accountID, tokenType, big.NewInt(0), v)
}

func (m *MemoryStore) DebitEscrowed(ctx context.Context, accountID, tokenType, amount string) error {
	v, err := parseAmount(amount)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutate(accountID, tokenType, big.NewInt(0), new(big.Int).Neg(v))
}

func (m *MemoryStore) AppendRecord(ctx context.Context, rec *EscrowRecord) error {
	if err := ValidateRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.records[rec.ID] = &cp
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, id string) (*EscrowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) AttachChainEscrow(ctx context.Context, id, chainEscrowID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status != StatusPending {
		return ErrRecordFinal
	}
	rec.ChainEscrowID = chainEscrowID
	rec.TxHash = txHash
	return nil
}

func (m *MemoryStore) AnnotateRecord(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status != StatusPending {
		return ErrRecordFinal
	}
	rec.Reason = reason
	return nil
}

func (m *MemoryStore) FinalizeRecord(ctx context.Context, id string, status RecordStatus, txHash, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalizeLocked(id, status, txHash, reason)
}

func (m *MemoryStore) finalizeLocked(id string, status RecordStatus, txHash, reason string) error {
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status != StatusPending {
		return ErrRecordFinal
	}
	if status != StatusCompleted && status != StatusFailed {
		return ErrRecordFinal
	}
	now := time.Now()
	rec.Status = status
	if txHash != "" {
		rec.TxHash = txHash
	}
	if reason != "" {
		rec.Reason = reason
	}
	rec.CompletedAt = &now
	return nil
}

func (m *MemoryStore) FindTradeRecord(ctx context.Context, tradeID string, typ RecordType, status RecordStatus) (*EscrowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.records[m.order[i]]
		if rec.TradeID == tradeID && rec.Type == typ && rec.Status == status {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (m *MemoryStore) ListRecords(ctx context.Context, accountID string, limit int) ([]*EscrowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*EscrowRecord
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		rec := m.records[m.order[i]]
		if rec.AccountID == accountID || rec.CounterpartyID == accountID {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByType(ctx context.Context, typ RecordType, status RecordStatus, limit int) ([]*EscrowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*EscrowRecord
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		rec := m.records[m.order[i]]
		if rec.Type == typ && rec.Status == status {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result, nil
}

// ListUnsettledLocks returns lock records created before the cutoff that
// are still pending, or completed with no completed release/refund for
// the same trade. These are the candidates the reconciliation sweep
// re-checks against the chain.
func (m *MemoryStore) ListUnsettledLocks(ctx context.Context, before time.Time, limit int) ([]*EscrowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	settled := make(map[string]bool)
	for _, id := range m.order {
		rec := m.records[id]
		if (rec.Type == TypeRelease || rec.Type == TypeRefund) && rec.Status == StatusCompleted && rec.TradeID != "" {
			settled[rec.TradeID] = true
		}
	}

	var result []*EscrowRecord
	for _, id := range m.order {
		rec := m.records[id]
		if rec.Type != TypeLock || !rec.CreatedAt.Before(before) {
			continue
		}
		if rec.Status == StatusFailed {
			continue
		}
		if rec.Status == StatusCompleted && rec.TradeID != "" && settled[rec.TradeID] {
			continue
		}
		cp := *rec
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// applyCompound runs the balance moves and record finalization under one
// store lock: either both happen or neither does.
func (m *MemoryStore) applyCompound(id string, moves func(rec *EscrowRecord) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status != StatusPending {
		return ErrRecordFinal
	}
	if err := moves(rec); err != nil {
		return err
	}
	return m.finalizeLocked(id, StatusCompleted, "", "")
}

func (m *MemoryStore) ApplyLock(ctx context.Context, recordID string) error {
	return m.applyCompound(recordID, func(rec *EscrowRecord) error {
		v, err := parseAmount(rec.Amount)
		if err != nil {
			return err
		}
		return m.mutate(rec.AccountID, rec.TokenType, new(big.Int).Neg(v), v)
	})
}

func (m *MemoryStore) ApplyRelease(ctx context.Context, recordID string) error {
	return m.applyCompound(recordID, func(rec *EscrowRecord) error {
		v, err := parseAmount(rec.Amount)
		if err != nil {
			return err
		}
		if err := m.mutate(rec.AccountID, rec.TokenType, big.NewInt(0), new(big.Int).Neg(v)); err != nil {
			return err
		}
		return m.mutate(rec.CounterpartyID, rec.TokenType, v, big.NewInt(0))
	})
}

func (m *MemoryStore) ApplyRefund(ctx context.Context, recordID string) error {
	return m.applyCompound(recordID, func(rec *EscrowRecord) error {
		v, err := parseAmount(rec.Amount)
		if err != nil {
			return err
		}
		return m.mutate(rec.AccountID, rec.TokenType, v, new(big.Int).Neg(v))
	})
}

func (m *MemoryStore) CreateLease(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *lease
	m.leases = append(m.leases, &cp)
	return nil
}

func (m *MemoryStore) ActiveLease(ctx context.Context, accountID, tokenType string) (*Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	for i := len(m.leases) - 1; i >= 0; i-- {
		l := m.leases[i]
		if l.AccountID == accountID && l.TokenType == tokenType && l.Active(now) {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ExpireLease(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, l := range m.leases {
		if l.ID == id && l.Active(now) {
			l.HeldUntil = now
		}
	}
	return nil
}
