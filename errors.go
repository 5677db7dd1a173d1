package metarelay

import "errors"

// Sentinel errors returned by metarelay operations and stores.
var (
	// ErrNoStore is returned when a Relay or Client is created without a store.
	ErrNoStore = errors.New("metarelay: store is required")

	// ErrNoLedger is returned when a Relay is created without a ledger.
	ErrNoLedger = errors.New("metarelay: ledger is required")

	// ErrNoIdentity is returned when a Relay is created without an operator identity.
	ErrNoIdentity = errors.New("metarelay: operator identity is required")

	// ErrNoNonceSource is returned when a Client is created without a nonce source.
	ErrNoNonceSource = errors.New("metarelay: nonce source is required")

	// ErrNoKeys is returned when a Client is created without a key source.
	ErrNoKeys = errors.New("metarelay: key source is required")

	// ErrNoRelayers is returned when a Client has no primary relayer configured.
	ErrNoRelayers = errors.New("metarelay: no relayer endpoints configured")

	// ErrStoreClosed is returned when a store operation is attempted after the store is closed.
	ErrStoreClosed = errors.New("metarelay: store is closed")

	// ErrMigrationFailed is returned when a database migration fails.
	ErrMigrationFailed = errors.New("metarelay: migration failed")

	// ErrSubmissionNotFound is returned when a submission handle is unknown.
	ErrSubmissionNotFound = errors.New("metarelay: submission not found")

	// ErrOperationNotFound is returned when a watcher operation cannot be found.
	ErrOperationNotFound = errors.New("metarelay: operation not found")

	// ErrAttemptNotFound is returned when a relay attempt cannot be found.
	ErrAttemptNotFound = errors.New("metarelay: attempt not found")

	// ErrDLQNotFound is returned when a DLQ entry cannot be found.
	ErrDLQNotFound = errors.New("metarelay: dlq entry not found")
)
