// Package settlement encodes the payment-promise settlement call that is the
// usual payload of a forwarded request, and provides an in-process settlement
// target for the simulated ledger.
package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/verifier"
)

// HermesABI is the settlement entry point of the payment hub contract.
const HermesABI = `[
  {"type":"function","name":"settlePromise","stateMutability":"nonpayable",
   "inputs":[{"name":"channelId","type":"bytes32"},{"name":"amount","type":"uint256"},
     {"name":"preimage","type":"bytes32"},{"name":"signature","type":"bytes"}],
   "outputs":[]}
]`

var hermesABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(HermesABI))
	if err != nil {
		panic("settlement: invalid abi: " + err.Error())
	}
	return parsed
}()

var (
	// ErrMalformed is returned when calldata is not a settlePromise call.
	ErrMalformed = errors.New("settlement: malformed settle call")

	// ErrAlreadySettled is returned when a promise amount was already settled.
	ErrAlreadySettled = errors.New("settlement: amount already settled")
)

// Promise is a payment promise being settled on a channel.
type Promise struct {
	ChannelID common.Hash
	Amount    *big.Int
	Preimage  common.Hash
	Signature []byte
}

// EncodeSettle returns calldata for settlePromise(promise).
func EncodeSettle(p Promise) ([]byte, error) {
	if p.Amount == nil || p.Amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrMalformed)
	}
	data, err := hermesABI.Pack("settlePromise", [32]byte(p.ChannelID), p.Amount, [32]byte(p.Preimage), p.Signature)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack: %w", err)
	}
	return data, nil
}

// DecodeSettle parses settlePromise calldata.
func DecodeSettle(data []byte) (*Promise, error) {
	method := hermesABI.Methods["settlePromise"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, ErrMalformed
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	channel, ok0 := args[0].([32]byte)
	amount, ok1 := args[1].(*big.Int)
	preimage, ok2 := args[2].([32]byte)
	sig, ok3 := args[3].([]byte)
	if !ok0 || !ok1 || !ok2 || !ok3 {
		return nil, ErrMalformed
	}
	return &Promise{
		ChannelID: common.Hash(channel),
		Amount:    amount,
		Preimage:  common.Hash(preimage),
		Signature: sig,
	}, nil
}

// Settled is one settlement recorded by a Hub.
type Settled struct {
	Provider common.Address
	Promise  Promise
}

// Hub is an in-process settlement contract. It tracks the cumulative amount
// settled per channel and only accepts increases, crediting the provider the
// forwarder names in the sender trailer.
type Hub struct {
	mu       sync.Mutex
	settled  map[common.Hash]*big.Int
	balances map[common.Address]*big.Int
	history  []Settled
}

var _ verifier.Target = (*Hub)(nil)

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		settled:  make(map[common.Hash]*big.Int),
		balances: make(map[common.Address]*big.Int),
	}
}

// Call implements verifier.Target.
func (h *Hub) Call(_ context.Context, call verifier.Call) ([]byte, error) {
	payload, sender, ok := metatx.SplitSender(call.Input)
	if !ok || sender != call.Sender {
		return nil, fmt.Errorf("%w: missing sender trailer", ErrMalformed)
	}
	p, err := DecodeSettle(payload)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.settled[p.ChannelID]
	if prev == nil {
		prev = new(big.Int)
	}
	if p.Amount.Cmp(prev) <= 0 {
		return nil, fmt.Errorf("%w: channel %s at %s", ErrAlreadySettled, p.ChannelID.Hex(), prev)
	}

	delta := new(big.Int).Sub(p.Amount, prev)
	h.settled[p.ChannelID] = new(big.Int).Set(p.Amount)
	bal := h.balances[sender]
	if bal == nil {
		bal = new(big.Int)
	}
	h.balances[sender] = bal.Add(bal, delta)
	h.history = append(h.history, Settled{Provider: sender, Promise: *p})

	return common.LeftPadBytes(delta.Bytes(), 32), nil
}

// Balance returns the total credited to provider.
func (h *Hub) Balance(provider common.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bal := h.balances[provider]; bal != nil {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// History returns every settlement in order.
func (h *Hub) History() []Settled {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Settled(nil), h.history...)
}
