// Package ledger is the boundary between the relay and the execution
// platform that hosts the forwarder. The relay only submits transactions and
// queries state through it.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xraph/metarelay/metatx"
)

var (
	// ErrPending is returned by Receipt while a transaction awaits inclusion.
	ErrPending = errors.New("ledger: transaction pending")

	// ErrUnknownTransaction is returned by Receipt for handles the ledger never saw.
	ErrUnknownTransaction = errors.New("ledger: unknown transaction")
)

// Receipt is the outcome of an included transaction.
type Receipt struct {
	// Executed is true when the forwarder accepted the request and consumed
	// its nonce. When false, Err holds the verification failure.
	Executed bool

	// Success and ReturnData are the inner call's outcome.
	Success    bool
	ReturnData []byte

	// Err is the reason the request was not executed.
	Err error
}

// Ledger is the execution platform as seen by a relay operator.
type Ledger interface {
	// Verify runs the forwarder's read-only check of req.
	Verify(ctx context.Context, req *metatx.ForwardRequest) (bool, error)

	// EstimateGas returns the gas req's inner call needs.
	EstimateGas(ctx context.Context, req *metatx.ForwardRequest) (uint64, error)

	// GasPrice returns the current price per gas unit in native currency.
	GasPrice(ctx context.Context) (*uint256.Int, error)

	// Submit hands req to the ledger for execution by caller and returns a
	// transaction handle. Refusal before execution wraps
	// metatx.ErrSubmissionRejected; the nonce is untouched in that case.
	Submit(ctx context.Context, req *metatx.ForwardRequest, caller common.Address) (string, error)

	// Receipt returns the outcome of a submitted transaction, or ErrPending.
	Receipt(ctx context.Context, handle string) (*Receipt, error)

	// Nonce returns the forwarder's next expected nonce for from.
	Nonce(ctx context.Context, from common.Address) (uint64, error)
}
