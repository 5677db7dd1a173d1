// Package submission defines the relay operator's record of a forward request
// it has handed to the ledger.
package submission

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/internal/entity"
	"github.com/xraph/metarelay/metatx"
)

// State represents the lifecycle position of a submission.
type State string

const (
	// StatePending indicates the ledger accepted the transaction and confirmation is awaited.
	StatePending State = "pending"

	// StateConfirmed indicates the forwarded call executed successfully.
	StateConfirmed State = "confirmed"

	// StateReverted indicates the nonce was consumed but the inner call failed.
	StateReverted State = "reverted"

	// StateFailed indicates the transaction was included without executing the request.
	StateFailed State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateReverted || s == StateFailed
}

// Submission is one forward request submitted to the ledger by this operator.
type Submission struct {
	entity.Entity

	// ID is the submission handle returned to clients.
	ID id.ID `json:"id"`

	// RequestHash is the canonical hash of the submitted request.
	RequestHash common.Hash `json:"request_hash"`

	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Relayer common.Address `json:"relayer"`
	Gas     uint64         `json:"gas"`
	Nonce   uint64         `json:"nonce"`

	// TxHandle identifies the transaction on the ledger.
	TxHandle string `json:"tx_handle"`

	// State is the current submission state.
	State State `json:"state"`

	// Success is the inner call's success flag once executed.
	Success bool `json:"success"`

	// ReturnData is the inner call's return data once executed.
	ReturnData hexutil.Bytes `json:"return_data,omitempty"`

	// GasPrice is the price per gas unit paid, as a decimal string.
	GasPrice string `json:"gas_price,omitempty"`

	// CostInNative is gas used times gas price, as a decimal string.
	CostInNative string `json:"cost_in_native,omitempty"`

	// TransactorFee is the quoted token fee, as a decimal string. Empty when
	// no fee pool is configured.
	TransactorFee string `json:"transactor_fee,omitempty"`

	// Error is the reason for a reverted or failed submission.
	Error string `json:"error,omitempty"`

	// Code is the wire code of the protocol error behind Error, if any.
	Code string `json:"code,omitempty"`

	// SwapError records a failed fee swap. The forwarded call stands regardless.
	SwapError string `json:"swap_error,omitempty"`

	// Checks is the number of receipt polls made so far.
	Checks int `json:"checks"`

	// NextCheckAt is when the confirmation monitor next polls the ledger.
	NextCheckAt time.Time `json:"next_check_at"`

	// ConfirmedAt is when a terminal state was observed.
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// Err returns the protocol error behind a reverted or failed submission, or
// nil while pending and once confirmed.
func (s *Submission) Err() error {
	if s.State != StateReverted && s.State != StateFailed {
		return nil
	}
	if err := metatx.FromCode(s.Code, s.Error); err != nil {
		return err
	}
	return errors.New(s.Error)
}

// ListOpts configures filtering and pagination for submission listing.
type ListOpts struct {
	Offset int
	Limit  int
	State  *State
	From   *common.Address
}
