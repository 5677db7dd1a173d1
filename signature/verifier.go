package signature

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xraph/metarelay/metatx"
)

// Recover returns the address that produced sig over hash.
func (s *Signer) Recover(hash common.Hash, sig []byte) (common.Address, error) {
	return Recover(hash, sig)
}

// Recover returns the address that produced sig over hash. Both the raw
// V in {0, 1} and the legacy V in {27, 28} encodings are accepted; high-S
// signatures are rejected.
func Recover(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != metatx.SignatureLength {
		return common.Address{}, ErrMalformed
	}

	normalized := common.CopyBytes(sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, ErrMalformed
	}

	pub, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, ErrMalformed
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig over hash was produced by signer.
func Verify(hash common.Hash, sig []byte, signer common.Address) bool {
	got, err := Recover(hash, sig)
	if err != nil {
		return false
	}
	return got == signer
}

// RecoverRequest returns the signer of req's canonical hash.
func RecoverRequest(req *metatx.ForwardRequest) (common.Address, error) {
	return Recover(req.Hash(), req.Signature)
}
