package builder

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xraph/metarelay/signature"
)

// ErrUnknownAccount is returned when a key source holds no key for an account.
var ErrUnknownAccount = errors.New("builder: unknown account")

// StaticKeys is an in-memory KeySource for tests and development.
type StaticKeys struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewStaticKeys returns a StaticKeys holding keys.
func NewStaticKeys(keys ...*ecdsa.PrivateKey) *StaticKeys {
	s := &StaticKeys{keys: make(map[common.Address]*ecdsa.PrivateKey, len(keys))}
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add registers key under its address and returns that address.
func (s *StaticKeys) Add(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	s.mu.Lock()
	s.keys[addr] = key
	s.mu.Unlock()
	return addr
}

// Remove forgets the key for account.
func (s *StaticKeys) Remove(account common.Address) {
	s.mu.Lock()
	delete(s.keys, account)
	s.mu.Unlock()
}

// SignHash implements KeySource.
func (s *StaticKeys) SignHash(_ context.Context, account common.Address, hash common.Hash) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[account]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	return signature.Sign(hash, key)
}

// PassphraseFunc returns the passphrase that unlocks account.
type PassphraseFunc func(ctx context.Context, account common.Address) (string, error)

// KeystoreSource signs with encrypted keys from a go-ethereum keystore. Keys
// are decrypted for a single signature and never left unlocked.
type KeystoreSource struct {
	ks         *keystore.KeyStore
	passphrase PassphraseFunc
}

// NewKeystoreSource wraps ks; passphrase is consulted on every signature.
func NewKeystoreSource(ks *keystore.KeyStore, passphrase PassphraseFunc) *KeystoreSource {
	return &KeystoreSource{ks: ks, passphrase: passphrase}
}

// SignHash implements KeySource.
func (k *KeystoreSource) SignHash(ctx context.Context, account common.Address, hash common.Hash) ([]byte, error) {
	acct, err := k.ks.Find(accounts.Account{Address: account})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownAccount, account.Hex(), err)
	}

	pass, err := k.passphrase(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("builder: passphrase for %s: %w", account.Hex(), err)
	}

	sig, err := k.ks.SignHashWithPassphrase(acct, pass, hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("builder: keystore sign: %w", err)
	}
	return sig, nil
}
