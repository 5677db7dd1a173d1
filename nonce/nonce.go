// Package nonce defines the per-identity replay counter owned by the
// verification authority.
package nonce

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay/metatx"
)

// Store maps an identity to the next nonce it may use. Values never decrease
// and advance by exactly one per accepted request.
type Store interface {
	// NextNonce returns the next expected nonce for from (zero if unseen).
	NextNonce(ctx context.Context, from common.Address) (uint64, error)

	// CompareAndIncrement atomically advances from's nonce to expected+1 if
	// and only if it currently equals expected, returning the new value.
	// A mismatch returns ErrNonceReplay or ErrNonceGap and changes nothing.
	CompareAndIncrement(ctx context.Context, from common.Address, expected uint64) (uint64, error)
}

// Check classifies a request nonce against the stored next nonce.
func Check(expected, got uint64) error {
	switch {
	case got < expected:
		return fmt.Errorf("%w: expected %d, got %d", metatx.ErrNonceReplay, expected, got)
	case got > expected:
		return fmt.Errorf("%w: expected %d, got %d", metatx.ErrNonceGap, expected, got)
	default:
		return nil
	}
}
