package api

import (
	"context"
	"fmt"

	"github.com/xraph/metarelay/dlq"
	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/ratelimit"
	"github.com/xraph/metarelay/submission"
	"github.com/xraph/metarelay/submitter"
	"github.com/xraph/metarelay/watcher"
)

// Option configures the components behind the API.
type Option func(*backend)

// WithOperator serves the relay operator routes backed by op.
func WithOperator(op *submitter.Submitter, subs submission.Store) Option {
	return func(b *backend) {
		b.operator = op
		b.subs = subs
	}
}

// WithNode serves the client node routes backed by w.
func WithNode(w *watcher.Watcher) Option {
	return func(b *backend) { b.node = w }
}

// WithDLQ serves the dead letter routes. Replays go through the node.
func WithDLQ(d *dlq.Service) Option {
	return func(b *backend) { b.dlqSvc = d }
}

// WithLimiter rate limits submissions per identity.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(b *backend) { b.limiter = l }
}

// WithChainID rejects settle requests issued for another chain.
func WithChainID(chainID uint64) Option {
	return func(b *backend) { b.chainID = chainID }
}

// backend holds the operations shared by Handler and ForgeAPI.
type backend struct {
	operator *submitter.Submitter
	subs     submission.Store
	node     *watcher.Watcher
	dlqSvc   *dlq.Service
	limiter  *ratelimit.Limiter
	chainID  uint64
	schemas  *schemas
}

func newBackend(opts []Option) *backend {
	b := &backend{schemas: mustSchemas}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *backend) submitSettle(ctx context.Context, req *SettleRequest) (*submission.Submission, error) {
	if b.chainID != 0 && req.ChainID != 0 && req.ChainID != b.chainID {
		return nil, fmt.Errorf("%w: promise is for chain %d, operator serves %d",
			errInvalidRequest, req.ChainID, b.chainID)
	}
	fwd, err := req.forwardRequest(b.operator.Identity())
	if err != nil {
		return nil, err
	}
	return b.submitForward(ctx, fwd)
}

func (b *backend) submitForward(ctx context.Context, req *metatx.ForwardRequest) (*submission.Submission, error) {
	if err := b.limiter.Take(req.From); err != nil {
		return nil, fmt.Errorf("%w: %s", err, req.From.Hex())
	}
	return b.operator.Submit(ctx, req)
}

func (b *backend) submission(ctx context.Context, handle string) (*submission.Submission, error) {
	if _, err := id.ParseSubmissionID(handle); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return b.operator.Status(ctx, handle)
}

func (b *backend) previewQuote(ctx context.Context, gas uint64) (*QuoteResponse, error) {
	if gas == 0 {
		return nil, fmt.Errorf("%w: gas must be positive", errInvalidRequest)
	}
	q, err := b.operator.Quote(ctx, gas)
	if err != nil {
		return nil, err
	}
	return quoteResponse(q), nil
}

func (b *backend) startOperation(ctx context.Context, req *OperationRequest) (*watcher.Operation, error) {
	in, err := req.intent()
	if err != nil {
		return nil, err
	}
	if err := b.limiter.Take(in.From); err != nil {
		return nil, fmt.Errorf("%w: %s", err, in.From.Hex())
	}
	return b.node.Submit(ctx, in)
}

func (b *backend) operation(ctx context.Context, rawID string) (*OperationResponse, error) {
	opID, err := id.ParseOperationID(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	op, err := b.node.Get(ctx, opID)
	if err != nil {
		return nil, err
	}
	attempts, err := b.node.Attempts(ctx, opID)
	if err != nil {
		return nil, err
	}
	return &OperationResponse{Operation: op, Attempts: attempts}, nil
}

func (b *backend) replay(ctx context.Context, rawID string) (*watcher.Operation, error) {
	if b.node == nil {
		return nil, fmt.Errorf("%w: no node to replay through", errInvalidRequest)
	}
	dlqID, err := id.ParseDLQID(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return b.dlqSvc.Replay(ctx, dlqID, b.node)
}

func (b *backend) stats(ctx context.Context) (*StatsResponse, error) {
	var out StatsResponse

	if b.subs != nil {
		counts := []struct {
			state submission.State
			dst   *int64
		}{
			{submission.StatePending, &out.PendingSubmissions},
			{submission.StateConfirmed, &out.ConfirmedSubmissions},
			{submission.StateReverted, &out.RevertedSubmissions},
			{submission.StateFailed, &out.FailedSubmissions},
		}
		for _, c := range counts {
			n, err := b.subs.CountSubmissions(ctx, c.state)
			if err != nil {
				return nil, err
			}
			*c.dst = n
		}
	}

	if b.dlqSvc != nil {
		n, err := b.dlqSvc.Count(ctx)
		if err != nil {
			return nil, err
		}
		out.DLQSize = n
	}
	return &out, nil
}
