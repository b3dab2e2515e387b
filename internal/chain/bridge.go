// Package chain is a façade over one escrow contract instance on an
// EVM network. It translates between the contract's on-chain escrow
// records and domain values, and centralizes fee policy so callers never
// pick gas prices themselves.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ahedlund/peermarket/internal/metrics"
)

var (
	ErrInvalidAddress = errors.New("chain: invalid address")
	ErrInvalidAmount  = errors.New("chain: invalid amount")
	ErrRPCConnection  = errors.New("chain: RPC connection failed")
	ErrEscrowNotFound = errors.New("chain: escrow not found on contract")

	// ErrInvalidState means the on-chain escrow is already in a terminal
	// state. Callers treat this as a reconciliation signal, not a failure:
	// wrap it in a StateError to expose the observed status.
	ErrInvalidState = errors.New("chain: escrow not active")
)

// SubmitError means the transaction could not be submitted to the network.
type SubmitError struct {
	Op  string
	Err error
}

func (e *SubmitError) Error() string { return fmt.Sprintf("chain: %s submit failed: %v", e.Op, e.Err) }
func (e *SubmitError) Unwrap() error { return e.Err }

// ConfirmError means the transaction was submitted but not confirmed
// within the bounded wait.
type ConfirmError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *ConfirmError) Error() string {
	return fmt.Sprintf("chain: %s not confirmed (tx: %s): %v", e.Op, e.TxHash, e.Err)
}
func (e *ConfirmError) Unwrap() error { return e.Err }

// StateError wraps ErrInvalidState with the status actually observed.
type StateError struct {
	Status EscrowStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("chain: escrow not active (status: %s)", e.Status)
}
func (e *StateError) Unwrap() error { return ErrInvalidState }

// EscrowStatus is the contract's view of one locked amount.
type EscrowStatus uint8

const (
	StatusActive EscrowStatus = iota
	StatusReleased
	StatusRefunded
	StatusDisputed
)

func (s EscrowStatus) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusReleased:
		return "Released"
	case StatusRefunded:
		return "Refunded"
	case StatusDisputed:
		return "Disputed"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// Escrow is one on-chain escrow record.
type Escrow struct {
	ID             string       `json:"id"`
	Seller         string       `json:"seller"`
	Buyer          string       `json:"buyer"`
	Amount         string       `json:"amount"` // smallest-unit decimal string
	TimelockExpiry time.Time    `json:"timelockExpiry"`
	Status         EscrowStatus `json:"status"`
}

// CreateResult is the outcome of a confirmed escrow creation.
type CreateResult struct {
	ChainEscrowID   string
	TxHash          string
	TimelockApplied time.Duration // >= requested; raised to the contract minimum
}

// RefundCheck is the outcome of a refundability probe.
type RefundCheck struct {
	CanRefund     bool
	Reason        string
	TimeRemaining time.Duration // until timelock expiry, when that is the blocker
}

// Bridge is the escrow contract client consumed by the settlement engine.
type Bridge interface {
	CreateEscrow(ctx context.Context, key *ecdsa.PrivateKey, counterparty, amount string, timelock time.Duration) (*CreateResult, error)
	Release(ctx context.Context, chainEscrowID string, key *ecdsa.PrivateKey) (string, error)
	Refund(ctx context.Context, chainEscrowID string, key *ecdsa.PrivateKey) (string, error)
	GetStatus(ctx context.Context, chainEscrowID string) (*Escrow, error)
	CanRefund(ctx context.Context, chainEscrowID string) (*RefundCheck, error)
}

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Minimal ABI for the escrow contract.
const escrowABI = `[
	{"inputs":[{"name":"counterparty","type":"address"},{"name":"amount","type":"uint256"},{"name":"timelockSeconds","type":"uint256"}],"name":"createEscrow","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"inputs":[{"name":"id","type":"uint256"}],"name":"release","outputs":[],"type":"function"},
	{"inputs":[{"name":"id","type":"uint256"}],"name":"refund","outputs":[],"type":"function"},
	{"inputs":[{"name":"id","type":"uint256"}],"name":"getEscrow","outputs":[{"name":"seller","type":"address"},{"name":"buyer","type":"address"},{"name":"amount","type":"uint256"},{"name":"timelockExpiry","type":"uint256"},{"name":"status","type":"uint8"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"uint256"},{"indexed":true,"name":"seller","type":"address"},{"indexed":true,"name":"buyer","type":"address"}],"name":"EscrowCreated","type":"event"}
]`

const (
	// MinTimelock is the contract-imposed minimum refund timelock.
	// Requests below it are silently raised; callers must log the change.
	MinTimelock = 30 * time.Minute

	// DefaultGasLimit for escrow contract calls when estimation fails.
	DefaultGasLimit = uint64(200000)

	// DefaultConfirmationTimeout bounds the wait for a receipt.
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// FeePolicy computes gas prices from observed network conditions.
// Fixed gas prices stall as conditions change, so every write operation
// pays suggested-price times a premium, bumped again on resubmission.
type FeePolicy struct {
	PremiumNumerator   int64 // e.g. 175/100 = 1.75x observed
	PremiumDenominator int64
	MaxBumps           int // resubmissions after a confirmation timeout
}

// DefaultFeePolicy pays 1.75x the suggested price with up to 2 bumps.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{PremiumNumerator: 175, PremiumDenominator: 100, MaxBumps: 2}
}

// GasPrice returns the price for the given attempt (0-based). Each bump
// applies the premium again, so attempt n pays suggest * premium^(n+1).
func (f FeePolicy) GasPrice(suggested *big.Int, attempt int) *big.Int {
	price := new(big.Int).Set(suggested)
	for i := 0; i <= attempt; i++ {
		price.Mul(price, big.NewInt(f.PremiumNumerator))
		price.Div(price, big.NewInt(f.PremiumDenominator))
	}
	return price
}

// Config for creating a bridge.
type Config struct {
	RPCURL       string
	ChainID      int64
	ContractAddr string
	Fees         FeePolicy
	ConfirmWait  time.Duration
}

// Option configures the bridge.
type Option func(*EthBridge)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(b *EthBridge) {
		b.client = client
	}
}

// EthBridge implements Bridge against a deployed escrow contract.
type EthBridge struct {
	client      EthClient
	chainID     *big.Int
	contract    common.Address
	abi         abi.ABI
	fees        FeePolicy
	confirmWait time.Duration
}

var _ Bridge = (*EthBridge)(nil)

// New creates a bridge for the configured contract instance.
func New(cfg Config, opts ...Option) (*EthBridge, error) {
	if cfg.ContractAddr == "" || !common.IsHexAddress(cfg.ContractAddr) {
		return nil, fmt.Errorf("%w: escrow contract address required", ErrInvalidAddress)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	fees := cfg.Fees
	if fees.PremiumDenominator == 0 {
		fees = DefaultFeePolicy()
	}
	confirmWait := cfg.ConfirmWait
	if confirmWait == 0 {
		confirmWait = DefaultConfirmationTimeout
	}

	b := &EthBridge{
		chainID:     big.NewInt(cfg.ChainID),
		contract:    common.HexToAddress(cfg.ContractAddr),
		abi:         parsedABI,
		fees:        fees,
		confirmWait: confirmWait,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		b.client = client
	}

	return b, nil
}

// CreateEscrow locks amount on-chain against the counterparty and waits
// for confirmation. The returned result carries the contract-assigned
// escrow id recovered from the EscrowCreated event.
func (b *EthBridge) CreateEscrow(ctx context.Context, key *ecdsa.PrivateKey, counterparty, amount string, timelock time.Duration) (*CreateResult, error) {
	if !common.IsHexAddress(counterparty) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, counterparty)
	}
	amountRaw, ok := new(big.Int).SetString(amount, 10)
	if !ok || amountRaw.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	applied := timelock
	if applied < MinTimelock {
		applied = MinTimelock
	}

	data, err := b.abi.Pack("createEscrow",
		common.HexToAddress(counterparty), amountRaw, big.NewInt(int64(applied.Seconds())))
	if err != nil {
		return nil, &SubmitError{Op: "createEscrow", Err: err}
	}

	receipt, txHash, err := b.submit(ctx, "createEscrow", key, data)
	if err != nil {
		return nil, err
	}

	id, err := b.escrowIDFromReceipt(receipt)
	if err != nil {
		return nil, &ConfirmError{Op: "createEscrow", TxHash: txHash, Err: err}
	}

	return &CreateResult{
		ChainEscrowID:   id,
		TxHash:          txHash,
		TimelockApplied: applied,
	}, nil
}

// Release transfers the escrowed value to the counterparty. Valid only
// while the on-chain status is Active.
func (b *EthBridge) Release(ctx context.Context, chainEscrowID string, key *ecdsa.PrivateKey) (string, error) {
	return b.settle(ctx, "release", chainEscrowID, key)
}

// Refund returns the escrowed value to the original locker. Valid only
// while the on-chain status is Active.
func (b *EthBridge) Refund(ctx context.Context, chainEscrowID string, key *ecdsa.PrivateKey) (string, error) {
	return b.settle(ctx, "refund", chainEscrowID, key)
}

func (b *EthBridge) settle(ctx context.Context, op, chainEscrowID string, key *ecdsa.PrivateKey) (string, error) {
	id, ok := new(big.Int).SetString(chainEscrowID, 10)
	if !ok {
		return "", fmt.Errorf("chain: invalid escrow id %q", chainEscrowID)
	}

	// The contract reverts on non-Active escrows; checking first lets us
	// hand callers the observed status instead of an opaque revert.
	esc, err := b.GetStatus(ctx, chainEscrowID)
	if err != nil {
		return "", err
	}
	if esc.Status != StatusActive {
		return "", &StateError{Status: esc.Status}
	}

	data, err := b.abi.Pack(op, id)
	if err != nil {
		return "", &SubmitError{Op: op, Err: err}
	}

	_, txHash, err := b.submit(ctx, op, key, data)
	if err != nil {
		return "", err
	}
	return txHash, nil
}

// submit signs and sends a contract call, waiting for a confirmed
// receipt. On a confirmation timeout it resubmits with the same nonce at
// a bumped gas price, up to the fee policy's bump ceiling.
func (b *EthBridge) submit(ctx context.Context, op string, key *ecdsa.PrivateKey, data []byte) (*types.Receipt, string, error) {
	start := time.Now()
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := b.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, "", &SubmitError{Op: op, Err: err}
	}

	gasLimit, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &b.contract,
		Data: data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	var lastHash string
	var lastErr error
	for attempt := 0; attempt <= b.fees.MaxBumps; attempt++ {
		suggested, err := b.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, "", &SubmitError{Op: op, Err: err}
		}
		gasPrice := b.fees.GasPrice(suggested, attempt)

		tx := types.NewTransaction(nonce, b.contract, big.NewInt(0), gasLimit, gasPrice, data)
		signedTx, err := types.SignTx(tx, types.NewEIP155Signer(b.chainID), key)
		if err != nil {
			return nil, "", &SubmitError{Op: op, Err: err}
		}

		if err := b.client.SendTransaction(ctx, signedTx); err != nil {
			// A bump replacing an already-mined tx is rejected; check
			// whether an earlier attempt landed before failing.
			if lastHash != "" {
				if receipt, rerr := b.awaitReceipt(ctx, op, lastHash); rerr == nil {
					b.observeConfirmed(op, start)
					return receipt, lastHash, nil
				}
			}
			metrics.ChainTransactionsTotal.WithLabelValues(op, "failed").Inc()
			return nil, "", &SubmitError{Op: op, Err: err}
		}
		lastHash = signedTx.Hash().Hex()

		receipt, err := b.awaitReceipt(ctx, op, lastHash)
		if err == nil {
			b.observeConfirmed(op, start)
			return receipt, lastHash, nil
		}
		lastErr = err

		var ce *ConfirmError
		if !errors.As(err, &ce) {
			metrics.ChainTransactionsTotal.WithLabelValues(op, "failed").Inc()
			return nil, lastHash, err
		}
		// Confirmation timed out: loop resubmits the same nonce at a
		// higher price.
	}

	metrics.ChainTransactionsTotal.WithLabelValues(op, "timeout").Inc()
	return nil, lastHash, lastErr
}

func (b *EthBridge) observeConfirmed(op string, start time.Time) {
	metrics.ChainTransactionsTotal.WithLabelValues(op, "confirmed").Inc()
	metrics.ChainConfirmationDuration.Observe(time.Since(start).Seconds())
}

func (b *EthBridge) awaitReceipt(ctx context.Context, op, txHash string) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)

	waitCtx, cancel := context.WithTimeout(ctx, b.confirmWait)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return nil, &ConfirmError{Op: op, TxHash: txHash, Err: waitCtx.Err()}
			}
			return nil, waitCtx.Err()

		case <-ticker.C:
			receipt, err := b.client.TransactionReceipt(waitCtx, hash)
			if err != nil {
				// Not yet mined.
				continue
			}
			if receipt.Status == 0 {
				return nil, &ConfirmError{Op: op, TxHash: txHash, Err: errors.New("transaction reverted")}
			}
			return receipt, nil
		}
	}
}

func (b *EthBridge) escrowIDFromReceipt(receipt *types.Receipt) (string, error) {
	createdTopic := b.abi.Events["EscrowCreated"].ID
	for _, log := range receipt.Logs {
		if log.Address != b.contract || len(log.Topics) < 2 {
			continue
		}
		if log.Topics[0] == createdTopic {
			return new(big.Int).SetBytes(log.Topics[1].Bytes()).String(), nil
		}
	}
	return "", errors.New("no EscrowCreated event in receipt")
}

// GetStatus reads one escrow from the contract. Tolerates eventual
// consistency: a read-after-write for a recently-submitted escrow may see
// a zero record, surfaced as ErrEscrowNotFound for the caller to retry.
func (b *EthBridge) GetStatus(ctx context.Context, chainEscrowID string) (*Escrow, error) {
	id, ok := new(big.Int).SetString(chainEscrowID, 10)
	if !ok {
		return nil, fmt.Errorf("chain: invalid escrow id %q", chainEscrowID)
	}

	data, err := b.abi.Pack("getEscrow", id)
	if err != nil {
		return nil, err
	}

	result, err := b.client.CallContract(ctx, ethereum.CallMsg{
		To:   &b.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: getEscrow call failed: %w", err)
	}

	out, err := b.abi.Unpack("getEscrow", result)
	if err != nil || len(out) < 5 {
		return nil, fmt.Errorf("chain: failed to decode getEscrow result: %w", err)
	}

	seller := out[0].(common.Address)
	buyer := out[1].(common.Address)
	amount := out[2].(*big.Int)
	expiry := out[3].(*big.Int)
	status := out[4].(uint8)

	if seller == (common.Address{}) && amount.Sign() == 0 {
		return nil, ErrEscrowNotFound
	}

	return &Escrow{
		ID:             chainEscrowID,
		Seller:         seller.Hex(),
		Buyer:          buyer.Hex(),
		Amount:         amount.String(),
		TimelockExpiry: time.Unix(expiry.Int64(), 0),
		Status:         EscrowStatus(status),
	}, nil
}

// CanRefund reports whether a refund would currently succeed:
// the escrow must be Active and past its timelock expiry.
func (b *EthBridge) CanRefund(ctx context.Context, chainEscrowID string) (*RefundCheck, error) {
	esc, err := b.GetStatus(ctx, chainEscrowID)
	if err != nil {
		return nil, err
	}

	if esc.Status != StatusActive {
		return &RefundCheck{
			CanRefund: false,
			Reason:    fmt.Sprintf("escrow is %s", esc.Status),
		}, nil
	}

	if remaining := time.Until(esc.TimelockExpiry); remaining > 0 {
		return &RefundCheck{
			CanRefund:     false,
			Reason:        "timelock not expired",
			TimeRemaining: remaining,
		}, nil
	}

	return &RefundCheck{CanRefund: true}, nil
}

// Close closes the client connection.
func (b *EthBridge) Close() {
	if b.client != nil {
		b.client.Close()
	}
}
