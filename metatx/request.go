// Package metatx defines the meta-transaction request format shared by every
// party in the relay protocol: the signer, the relay operator, and the
// verification authority.
//
// A ForwardRequest binds the relayer identity into the signed payload, so a
// valid signature observed in transit cannot be executed by anyone other than
// the relayer the signer chose.
package metatx

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of a recoverable secp256k1 signature [R || S || V].
const SignatureLength = crypto.SignatureLength

// ForwardRequest is a single authorization to call To with Data on behalf of From,
// executable only by Relayer.
//
// Treat values as immutable once signed. WithRelayer and WithSignature return
// modified copies; a different nonce requires a new request.
type ForwardRequest struct {
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Relayer   common.Address `json:"relayer"`
	Gas       uint64         `json:"gas"`
	Nonce     uint64         `json:"nonce"`
	Data      hexutil.Bytes  `json:"data"`
	Signature hexutil.Bytes  `json:"signature,omitempty"`
}

// Hash returns the canonical hash the signature must cover:
//
//	keccak256(from ‖ to ‖ relayer ‖ pad32(gas) ‖ pad32(nonce) ‖ keccak256(data))
func (r *ForwardRequest) Hash() common.Hash {
	return crypto.Keccak256Hash(r.packed())
}

func (r *ForwardRequest) packed() []byte {
	packed := make([]byte, 0, 3*common.AddressLength+3*common.HashLength)
	packed = append(packed, r.From.Bytes()...)
	packed = append(packed, r.To.Bytes()...)
	packed = append(packed, r.Relayer.Bytes()...)
	packed = append(packed, pad32(r.Gas)...)
	packed = append(packed, pad32(r.Nonce)...)
	packed = append(packed, crypto.Keccak256(r.Data)...)
	return packed
}

// WithRelayer returns a copy naming a different relayer. The copy carries no
// signature because the old one no longer covers the tuple.
func (r *ForwardRequest) WithRelayer(relayer common.Address) *ForwardRequest {
	cp := r.clone()
	cp.Relayer = relayer
	cp.Signature = nil
	return cp
}

// WithSignature returns a copy carrying sig.
func (r *ForwardRequest) WithSignature(sig []byte) *ForwardRequest {
	cp := r.clone()
	cp.Signature = common.CopyBytes(sig)
	return cp
}

func (r *ForwardRequest) clone() *ForwardRequest {
	return &ForwardRequest{
		From:      r.From,
		To:        r.To,
		Relayer:   r.Relayer,
		Gas:       r.Gas,
		Nonce:     r.Nonce,
		Data:      common.CopyBytes(r.Data),
		Signature: common.CopyBytes(r.Signature),
	}
}

func pad32(v uint64) []byte {
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], v)
	return word[:]
}

// AppendSender returns calldata with the 20-byte sender address appended, the
// layout a forwarded call's recipient reads the true originator from.
func AppendSender(data []byte, sender common.Address) []byte {
	out := make([]byte, 0, len(data)+common.AddressLength)
	out = append(out, data...)
	return append(out, sender.Bytes()...)
}

// SplitSender is the inverse of AppendSender. ok is false when calldata is
// shorter than an address.
func SplitSender(calldata []byte) (payload []byte, sender common.Address, ok bool) {
	if len(calldata) < common.AddressLength {
		return calldata, common.Address{}, false
	}
	cut := len(calldata) - common.AddressLength
	return calldata[:cut], common.BytesToAddress(calldata[cut:]), true
}
