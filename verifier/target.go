package verifier

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrOutOfGas is returned by a Target whose work does not fit in Call.Gas.
var ErrOutOfGas = errors.New("verifier: out of gas")

// ErrNoTarget is reported as the inner failure when nothing is registered at
// the request's destination.
var ErrNoTarget = errors.New("verifier: no target at address")

// Call is the inner call performed on behalf of a verified request.
type Call struct {
	// To is the destination contract.
	To common.Address

	// Sender is the recovered signer. Recipients should trust this (or the
	// trailer in Input) rather than the relayer that submitted the call.
	Sender common.Address

	// Input is the request payload with the 20-byte sender appended.
	Input []byte

	// Gas is the execution budget taken from the signed request.
	Gas uint64
}

// Target executes inner calls for one destination address. A non-nil error
// marks the call as failed; the returned bytes are passed back unchanged
// either way.
type Target interface {
	Call(ctx context.Context, call Call) ([]byte, error)
}

// TargetFunc adapts a function to Target.
type TargetFunc func(ctx context.Context, call Call) ([]byte, error)

// Call implements Target.
func (f TargetFunc) Call(ctx context.Context, call Call) ([]byte, error) {
	return f(ctx, call)
}

// Registry resolves destination addresses to targets.
type Registry struct {
	mu      sync.RWMutex
	targets map[common.Address]Target
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[common.Address]Target)}
}

// Register installs t at addr, replacing any previous target.
func (r *Registry) Register(addr common.Address, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[addr] = t
}

// Lookup returns the target at addr.
func (r *Registry) Lookup(addr common.Address) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[addr]
	return t, ok
}
