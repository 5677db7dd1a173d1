// Package store defines the composite Store interface for all metarelay persistence.
//
// Each subsystem defines its own store interface and the aggregate Store
// composes them, so one backend serves the verification authority, the relay
// operator and the client watcher alike.
package store

import (
	"context"

	"github.com/xraph/metarelay/dlq"
	"github.com/xraph/metarelay/nonce"
	"github.com/xraph/metarelay/submission"
	"github.com/xraph/metarelay/watcher"
)

// Store is the aggregate persistence interface.
type Store interface {
	nonce.Store
	submission.Store
	watcher.Store
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
