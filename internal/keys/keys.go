// Package keys resolves signing credentials for on-chain transactions.
//
// The settlement engine never generates or stores raw key material
// itself; custody is owned by an external signing service. The static
// provider here backs development mode and tests.
package keys

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoCredential = errors.New("keys: no signing credential for account")

// Provider returns the signing credential for an account.
type Provider interface {
	SigningKey(ctx context.Context, accountID string) (*ecdsa.PrivateKey, error)
}

// StaticProvider holds pre-parsed keys in memory, keyed by account ID.
type StaticProvider struct {
	byAccount map[string]*ecdsa.PrivateKey
}

var _ Provider = (*StaticProvider)(nil)

// NewStatic builds a provider from accountID -> hex private key pairs
// (with or without 0x prefix).
func NewStatic(hexKeys map[string]string) (*StaticProvider, error) {
	parsed := make(map[string]*ecdsa.PrivateKey, len(hexKeys))
	for accountID, hexKey := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("keys: invalid key for account %s: %w", accountID, err)
		}
		parsed[accountID] = key
	}
	return &StaticProvider{byAccount: parsed}, nil
}

// ParseKeyring parses the KEYRING env format: "acct1:hexkey,acct2:hexkey".
func ParseKeyring(s string) (map[string]string, error) {
	result := make(map[string]string)
	if s == "" {
		return result, nil
	}
	for _, pair := range strings.Split(s, ",") {
		accountID, hexKey, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || accountID == "" || hexKey == "" {
			return nil, fmt.Errorf("keys: malformed keyring entry %q", pair)
		}
		result[accountID] = hexKey
	}
	return result, nil
}

func (p *StaticProvider) SigningKey(ctx context.Context, accountID string) (*ecdsa.PrivateKey, error) {
	key, ok := p.byAccount[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCredential, accountID)
	}
	return key, nil
}

// Address returns the on-chain address derived from an account's key.
func (p *StaticProvider) Address(accountID string) (string, bool) {
	key, ok := p.byAccount[accountID]
	if !ok {
		return "", false
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), true
}
