// Package verifier is the verification authority for forward requests. It
// checks signature, nonce and relayer authorization, consumes the nonce, and
// only then performs the inner call.
//
// Forwarder models the trusted forwarder contract as a plain engine so it can
// back an in-process ledger or a shared off-chain authority.
package verifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay/internal/keylock"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/nonce"
	"github.com/xraph/metarelay/signature"
)

// Result is the outcome of an executed request. Success and ReturnData are
// exactly what the inner call produced.
type Result struct {
	Success    bool
	ReturnData []byte

	// InnerErr describes why the inner call failed. Nil on success.
	InnerErr error
}

// Forwarder verifies and executes forward requests.
type Forwarder struct {
	nonces  nonce.Store
	targets *Registry
	locks   *keylock.Locker
	logger  *slog.Logger
}

// New creates a Forwarder over the given nonce store and target registry.
func New(nonces nonce.Store, targets *Registry, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if targets == nil {
		targets = NewRegistry()
	}
	return &Forwarder{
		nonces:  nonces,
		targets: targets,
		locks:   keylock.New(),
		logger:  logger,
	}
}

// Targets returns the registry inner calls are resolved against.
func (f *Forwarder) Targets() *Registry { return f.targets }

// Nonce returns the next nonce expected from the identity.
func (f *Forwarder) Nonce(ctx context.Context, from common.Address) (uint64, error) {
	return f.nonces.NextNonce(ctx, from)
}

// Verify reports whether req carries a valid signature by req.From and the
// currently expected nonce. It mutates nothing.
func (f *Forwarder) Verify(ctx context.Context, req *metatx.ForwardRequest) (bool, error) {
	if err := f.check(ctx, req); err != nil {
		return false, err
	}
	return true, nil
}

// Execute verifies req on behalf of caller, consumes the nonce, and performs
// the inner call.
//
// The checks run in order:
//  1. Recover the signer of the canonical hash; it must be req.From.
//  2. The stored nonce must equal req.Nonce.
//  3. caller must be req.Relayer.
//  4. The nonce is advanced before the inner call runs.
//
// A failure in 1–3 returns an error and leaves all state untouched. Once the
// nonce is consumed Execute never returns an error: a failing inner call is
// reported through Result.
func (f *Forwarder) Execute(ctx context.Context, req *metatx.ForwardRequest, caller common.Address) (*Result, error) {
	key := req.From.Hex()
	ctx, unlock, err := f.locks.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("verifier: lock %s: %w", key, err)
	}
	defer unlock()

	if err := f.check(ctx, req); err != nil {
		return nil, err
	}

	if caller != req.Relayer {
		return nil, fmt.Errorf("%w: caller %s, relayer %s", metatx.ErrUnauthorizedRelayer, caller.Hex(), req.Relayer.Hex())
	}

	if _, err := f.nonces.CompareAndIncrement(ctx, req.From, req.Nonce); err != nil {
		return nil, err
	}

	res := f.call(ctx, req)

	f.logger.DebugContext(ctx, "forward request executed",
		"from", req.From.Hex(),
		"to", req.To.Hex(),
		"relayer", caller.Hex(),
		"nonce", req.Nonce,
		"success", res.Success,
	)

	return res, nil
}

func (f *Forwarder) check(ctx context.Context, req *metatx.ForwardRequest) error {
	signer, err := signature.RecoverRequest(req)
	if err != nil {
		return fmt.Errorf("%w: %v", metatx.ErrSignatureMismatch, err)
	}
	if signer != req.From {
		return fmt.Errorf("%w: recovered %s, from %s", metatx.ErrSignatureMismatch, signer.Hex(), req.From.Hex())
	}

	expected, err := f.nonces.NextNonce(ctx, req.From)
	if err != nil {
		return fmt.Errorf("verifier: read nonce: %w", err)
	}
	return nonce.Check(expected, req.Nonce)
}

func (f *Forwarder) call(ctx context.Context, req *metatx.ForwardRequest) *Result {
	target, ok := f.targets.Lookup(req.To)
	if !ok {
		return &Result{InnerErr: fmt.Errorf("%w: %s", ErrNoTarget, req.To.Hex())}
	}

	ret, err := target.Call(ctx, Call{
		To:     req.To,
		Sender: req.From,
		Input:  metatx.AppendSender(req.Data, req.From),
		Gas:    req.Gas,
	})
	if err != nil {
		return &Result{ReturnData: ret, InnerErr: err}
	}
	return &Result{Success: true, ReturnData: ret}
}
