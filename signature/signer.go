// Package signature provides recoverable secp256k1 signing and signer
// recovery over meta-transaction hashes.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xraph/metarelay/metatx"
)

// ErrMalformed is returned for signatures that are not 65 bytes or carry
// out-of-range components.
var ErrMalformed = errors.New("signature: malformed signature")

// Signer computes and checks recoverable ECDSA signatures.
type Signer struct{}

// NewSigner returns a new Signer.
func NewSigner() *Signer {
	return &Signer{}
}

// Sign signs hash with key.
// Returns a 65-byte signature in the format [R || S || V] with V in {0, 1}.
func (s *Signer) Sign(hash common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	return Sign(hash, key)
}

// Sign signs hash with key.
// Returns a 65-byte signature in the format [R || S || V] with V in {0, 1}.
func Sign(hash common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("signature: nil key")
	}
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("signature: sign: %w", err)
	}
	return sig, nil
}

// SignRequest signs the canonical hash of req and returns a signed copy.
func SignRequest(req *metatx.ForwardRequest, key *ecdsa.PrivateKey) (*metatx.ForwardRequest, error) {
	sig, err := Sign(req.Hash(), key)
	if err != nil {
		return nil, err
	}
	return req.WithSignature(sig), nil
}
