// Package submitter is the relay operator's side of the protocol: it accepts
// signed forward requests naming this operator, checks them against the
// ledger, pays for their execution, and monitors them to completion.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/metarelay/fee"
	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/internal/entity"
	"github.com/xraph/metarelay/internal/keylock"
	"github.com/xraph/metarelay/ledger"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/observability"
	"github.com/xraph/metarelay/submission"
)

// ErrNoQuoter is returned by Quote when no fee pool is configured.
var ErrNoQuoter = errors.New("submitter: no fee quoter configured")

// Swapper converts collected token fees back into native currency.
type Swapper interface {
	Swap(ctx context.Context, amountIn, minOut *uint256.Int) error
}

// Config holds submitter configuration.
type Config struct {
	// PollInterval is how often the monitor loop looks for due submissions.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" mapstructure:"poll_interval"`

	// CheckInterval is the delay between receipt polls of one submission.
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval" mapstructure:"check_interval"`

	// BatchSize bounds the submissions checked per poll.
	BatchSize int `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`

	// Concurrency bounds parallel receipt checks.
	Concurrency int `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency"`

	// SwapSlippageBps is the tolerated shortfall of a fee swap against the
	// native cost, in basis points.
	SwapSlippageBps uint64 `json:"swap_slippage_bps" yaml:"swap_slippage_bps" mapstructure:"swap_slippage_bps"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    time.Second,
		CheckInterval:   2 * time.Second,
		BatchSize:       50,
		Concurrency:     4,
		SwapSlippageBps: 50,
	}
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(s *Submitter) { s.cfg = cfg }
}

// WithQuoter prices every submission against a fee pool.
func WithQuoter(q *fee.Quoter) Option {
	return func(s *Submitter) { s.quoter = q }
}

// WithSwapper swaps the collected fee once a submission is confirmed.
func WithSwapper(sw Swapper) Option {
	return func(s *Submitter) { s.swapper = sw }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Submitter) { s.logger = l }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Submitter) { s.metrics = m }
}

// WithTracer enables tracing of submissions.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Submitter) { s.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Submitter) { s.now = now }
}

// Submitter submits forward requests on behalf of one operator identity.
type Submitter struct {
	ledger   ledger.Ledger
	store    submission.Store
	identity common.Address
	quoter   *fee.Quoter
	swapper  Swapper
	locks    *keylock.Locker
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	now      func() time.Time

	inflight sync.Map

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Submitter that pays for execution as identity.
func New(l ledger.Ledger, store submission.Store, identity common.Address, opts ...Option) *Submitter {
	s := &Submitter{
		ledger:   l,
		store:    store,
		identity: identity,
		locks:    keylock.New(),
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Identity returns the operator identity requests must name as relayer.
func (s *Submitter) Identity() common.Address { return s.identity }

// Submit verifies req, pays for its execution, and records a pending
// submission whose ID is the handle clients poll. The confirmation is
// observed later by the monitor.
func (s *Submitter) Submit(ctx context.Context, req *metatx.ForwardRequest) (_ *submission.Submission, err error) {
	if req.Relayer != s.identity {
		return nil, fmt.Errorf("%w: request names %s, operator is %s",
			metatx.ErrUnauthorizedRelayer, req.Relayer.Hex(), s.identity.Hex())
	}

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartSubmitSpan(ctx, req.From.Hex(), req.Relayer.Hex(), req.Nonce)
		defer func() { s.tracer.EndSpan(span, err) }()
	}

	key := req.From.Hex()
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("submitter: lock %s: %w", key, err)
	}
	defer unlock()

	if _, err := s.ledger.Verify(ctx, req); err != nil {
		return nil, err
	}

	required, err := s.ledger.EstimateGas(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submitter: estimate gas: %w", err)
	}
	if req.Gas < required {
		return nil, fmt.Errorf("%w: budget %d, required %d", metatx.ErrInsufficientGasBudget, req.Gas, required)
	}

	price, err := s.ledger.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("submitter: gas price: %w", err)
	}
	pricedAt := s.now()

	sub := &submission.Submission{
		Entity:      entity.New(),
		ID:          id.NewSubmissionID(),
		RequestHash: req.Hash(),
		From:        req.From,
		To:          req.To,
		Relayer:     req.Relayer,
		Gas:         req.Gas,
		Nonce:       req.Nonce,
		State:       submission.StatePending,
		GasPrice:    price.Dec(),
	}

	if s.quoter != nil {
		q, qErr := s.quoter.Quote(ctx, fee.Input{Gas: req.Gas, GasPrice: price, PricedAt: pricedAt})
		if qErr != nil {
			return nil, qErr
		}
		sub.CostInNative = q.CostInNative.Dec()
		sub.TransactorFee = q.TransactorFee.Dec()
	}

	handle, err := s.ledger.Submit(ctx, req, s.identity)
	if err != nil {
		if !errors.Is(err, metatx.ErrSubmissionRejected) {
			err = fmt.Errorf("%w: %v", metatx.ErrSubmissionRejected, err)
		}
		s.logger.WarnContext(ctx, "ledger refused submission",
			"from", req.From.Hex(), "nonce", req.Nonce, "error", err)
		return nil, err
	}

	sub.TxHandle = handle
	sub.NextCheckAt = s.now()
	if err := s.store.CreateSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("submitter: record submission: %w", err)
	}
	if s.metrics != nil {
		s.metrics.PendingSubmissions.Inc()
	}

	s.logger.DebugContext(ctx, "request submitted",
		"submission_id", sub.ID,
		"tx_handle", handle,
		"from", req.From.Hex(),
		"nonce", req.Nonce,
		"transactor_fee", sub.TransactorFee,
	)
	return sub, nil
}

// Quote previews the fee for a request with the given gas budget.
func (s *Submitter) Quote(ctx context.Context, gas uint64) (*fee.Quote, error) {
	if s.quoter == nil {
		return nil, ErrNoQuoter
	}
	price, err := s.ledger.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("submitter: gas price: %w", err)
	}
	return s.quoter.Quote(ctx, fee.Input{Gas: gas, GasPrice: price, PricedAt: s.now()})
}

// Status returns the submission behind handle.
func (s *Submitter) Status(ctx context.Context, handle string) (*submission.Submission, error) {
	subID, err := id.ParseSubmissionID(handle)
	if err != nil {
		return nil, err
	}
	return s.store.GetSubmission(ctx, subID)
}

// Await blocks the caller until the submission behind handle is terminal or
// ctx is done. The outcome error, if any, is available through Err.
func (s *Submitter) Await(ctx context.Context, handle string) (*submission.Submission, error) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		sub, err := s.Status(ctx, handle)
		if err != nil {
			return nil, err
		}
		if sub.State.Terminal() {
			return sub, nil
		}
		select {
		case <-ctx.Done():
			return sub, ctx.Err()
		case <-ticker.C:
		}
	}
}
