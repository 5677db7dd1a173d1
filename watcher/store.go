package watcher

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay/id"
)

// Store defines the persistence contract for operations and their attempts.
type Store interface {
	// CreateOperation persists a new operation.
	CreateOperation(ctx context.Context, op *Operation) error

	// UpdateOperation modifies state machine fields of an operation.
	UpdateOperation(ctx context.Context, op *Operation) error

	// GetOperation returns an operation by ID.
	GetOperation(ctx context.Context, opID id.ID) (*Operation, error)

	// ListOperations returns operations, newest first, optionally filtered.
	ListOperations(ctx context.Context, opts ListOpts) ([]*Operation, error)

	// DueOperations returns non-terminal operations whose NextCheckAt is not after now.
	DueOperations(ctx context.Context, now time.Time, limit int) ([]*Operation, error)

	// ActiveOperation returns the non-terminal operation for from, or nil if
	// there is none.
	ActiveOperation(ctx context.Context, from common.Address) (*Operation, error)

	// CreateAttempt persists a new attempt.
	CreateAttempt(ctx context.Context, a *Attempt) error

	// UpdateAttempt records an attempt's closing Status and Error; other fields are immutable.
	UpdateAttempt(ctx context.Context, a *Attempt) error

	// ListAttempts returns the attempts of an operation in submission order.
	ListAttempts(ctx context.Context, opID id.ID) ([]*Attempt, error)
}
