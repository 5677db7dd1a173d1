package metarelay

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay/fee"
	"github.com/xraph/metarelay/ledger"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/store"
	"github.com/xraph/metarelay/submission"
	"github.com/xraph/metarelay/submitter"
)

// wireServices initializes the internal services after options have been applied.
func (r *Relay) wireServices() {
	opts := []submitter.Option{
		submitter.WithConfig(r.config.Submitter),
		submitter.WithLogger(r.logger),
		submitter.WithMetrics(r.metrics),
	}
	if r.tracer != nil {
		opts = append(opts, submitter.WithTracer(r.tracer))
	}
	if r.pool != nil {
		opts = append(opts, submitter.WithQuoter(fee.NewQuoter(r.pool, r.config.Fee, fee.WithLogger(r.logger))))
	}
	if r.swapper != nil {
		opts = append(opts, submitter.WithSwapper(r.swapper))
	}

	r.submitter = submitter.New(r.ledger, r.store, r.identity, opts...)
}

// Start begins the confirmation monitor.
func (r *Relay) Start(ctx context.Context) {
	r.submitter.Start(ctx)
}

// Stop shuts down the confirmation monitor, waiting at most ShutdownTimeout
// for in-flight checks.
func (r *Relay) Stop(ctx context.Context) {
	if r.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		r.submitter.Stop(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.WarnContext(ctx, "relay stop timed out waiting for in-flight checks")
	}
}

// Submit verifies req and submits it to the ledger. The returned submission's
// ID is the handle for Status and Await.
func (r *Relay) Submit(ctx context.Context, req *metatx.ForwardRequest) (*submission.Submission, error) {
	return r.submitter.Submit(ctx, req)
}

// Status returns the submission behind handle.
func (r *Relay) Status(ctx context.Context, handle string) (*submission.Submission, error) {
	return r.submitter.Status(ctx, handle)
}

// Await blocks until the submission behind handle is terminal or ctx is done.
func (r *Relay) Await(ctx context.Context, handle string) (*submission.Submission, error) {
	return r.submitter.Await(ctx, handle)
}

// Quote previews the fee for a request with the given gas budget.
func (r *Relay) Quote(ctx context.Context, gas uint64) (*fee.Quote, error) {
	return r.submitter.Quote(ctx, gas)
}

// Identity returns the operator identity.
func (r *Relay) Identity() common.Address {
	return r.identity
}

// Submitter returns the underlying submitter.
func (r *Relay) Submitter() *submitter.Submitter {
	return r.submitter
}

// Ledger returns the ledger.
func (r *Relay) Ledger() ledger.Ledger {
	return r.ledger
}

// Store returns the underlying store.
func (r *Relay) Store() store.Store {
	return r.store
}
