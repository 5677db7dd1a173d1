package dlq

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/internal/entity"
)

// Entry represents a relay operation that failed terminally.
type Entry struct {
	entity.Entity

	// ID is the unique TypeID for this DLQ entry.
	ID id.ID `json:"id"`

	// OperationID references the failed operation.
	OperationID id.ID `json:"operation_id"`

	// From is the identity whose operation failed.
	From common.Address `json:"from"`

	// Nonce is the nonce the operation was signed under.
	Nonce uint64 `json:"nonce"`

	// To, Gas and Data are the original intent, kept for replay.
	To   common.Address `json:"to"`
	Gas  uint64         `json:"gas"`
	Data hexutil.Bytes  `json:"data"`

	// Relayer is the relayer of the final attempt.
	Relayer common.Address `json:"relayer"`

	// Error is the terminal failure reason.
	Error string `json:"error"`

	// Code is the wire code of the protocol error behind Error.
	Code string `json:"code,omitempty"`

	// AttemptCount is the total number of relay attempts made.
	AttemptCount int `json:"attempt_count"`

	// ReplayedAt is set when the entry has been replayed.
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`

	// ReplayOperationID references the operation created by the replay.
	ReplayOperationID id.ID `json:"replay_operation_id"`

	// FailedAt is when the operation failed.
	FailedAt time.Time `json:"failed_at"`
}

// ListOpts configures filtering and pagination for DLQ listing.
type ListOpts struct {
	Offset int
	Limit  int
	From   *common.Address
	Since  *time.Time
	Until  *time.Time
}
