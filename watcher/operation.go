package watcher

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/internal/entity"
	"github.com/xraph/metarelay/metatx"
)

// State is a position in the per-operation relay state machine.
type State string

const (
	// StateBuilding: the nonce is being read and the request signed.
	StateBuilding State = "building"

	// StateSubmitted: a relayer holds the current attempt and the deadline runs.
	StateSubmitted State = "submitted"

	// StateTimedOut: the deadline passed without a confirmation.
	StateTimedOut State = "timed_out"

	// StateRebuilding: the request is re-signed for the next relayer.
	StateRebuilding State = "rebuilding"

	// StateConfirmed is terminal: the nonce was consumed by this operation.
	StateConfirmed State = "confirmed"

	// StateFailed is terminal: see Operation.Error.
	StateFailed State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// Intent is what the caller wants done; the watcher supplies nonce, relayer
// and signature.
type Intent struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Gas  uint64         `json:"gas"`
	Data hexutil.Bytes  `json:"data"`
}

// Operation is one logical relay of an intent under a single nonce, across as
// many relayers as it takes.
type Operation struct {
	entity.Entity

	// ID is the unique TypeID for this operation.
	ID id.ID `json:"id"`

	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Gas  uint64         `json:"gas"`
	Data hexutil.Bytes  `json:"data"`

	// Nonce is fixed for the life of the operation once building completes.
	Nonce uint64 `json:"nonce"`

	// State is the current state machine position.
	State State `json:"state"`

	// RelayerIndex selects the relayer of the current attempt (0 = primary).
	RelayerIndex int `json:"relayer_index"`

	// Rejections counts consecutive SubmissionRejected answers from the
	// current relayer.
	Rejections int `json:"rejections"`

	// Request is the currently signed request.
	Request *metatx.ForwardRequest `json:"request,omitempty"`

	// AttemptID references the current attempt.
	AttemptID id.ID `json:"attempt_id"`

	// Handle is the relayer's submission handle for the current attempt.
	Handle string `json:"handle,omitempty"`

	// Deadline is when the current attempt times out. Measured from submission.
	Deadline time.Time `json:"deadline"`

	// AttemptUnsaved is set while the current attempt, though accepted by its
	// relayer, has not been persisted yet.
	AttemptUnsaved bool `json:"attempt_unsaved,omitempty"`

	// NextCheckAt is when the engine next runs a transition for this operation.
	NextCheckAt time.Time `json:"next_check_at"`

	// Success and ReturnData hold the inner call outcome when the confirming
	// attempt reported it.
	Success    bool          `json:"success"`
	ReturnData hexutil.Bytes `json:"return_data,omitempty"`

	// Error is the terminal failure reason.
	Error string `json:"error,omitempty"`

	// Code is the wire code of the protocol error behind Error.
	Code string `json:"code,omitempty"`

	// CompletedAt is when a terminal state was reached.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Err returns the terminal failure as a *metatx.OperationError, or nil unless
// the operation failed.
func (o *Operation) Err() error {
	if o.State != StateFailed {
		return nil
	}
	reason := metatx.FromCode(o.Code, "")
	if reason == nil {
		reason = errors.New(o.Error)
	}
	return &metatx.OperationError{From: o.From, Nonce: o.Nonce, Reason: reason}
}

// AttemptStatus is the status of one submission to one relayer.
type AttemptStatus string

const (
	AttemptSubmitted AttemptStatus = "submitted"
	AttemptConfirmed AttemptStatus = "confirmed"
	AttemptTimedOut  AttemptStatus = "timed_out"
	AttemptFailed    AttemptStatus = "failed"
)

// Attempt records one handover of a signed request to one relayer. A
// failover closes the current attempt and opens a new one.
type Attempt struct {
	entity.Entity

	ID          id.ID          `json:"id"`
	OperationID id.ID          `json:"operation_id"`
	RequestHash common.Hash    `json:"request_hash"`
	Relayer     common.Address `json:"relayer"`
	Endpoint    string         `json:"endpoint"`
	Handle      string         `json:"handle,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Status      AttemptStatus  `json:"status"`
	Error       string         `json:"error,omitempty"`
}

// ListOpts configures filtering and pagination for operation listing.
type ListOpts struct {
	Offset int
	Limit  int
	State  *State
	From   *common.Address
}
