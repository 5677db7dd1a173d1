// Package watcher runs the client side of a relay: it builds and signs a
// request for the primary relayer, watches for its confirmation, and on
// timeout re-signs the same nonce for the next fallback relayer.
//
// Every operation is an explicit state machine persisted in a Store. A single
// poll loop picks operations whose NextCheckAt has passed and runs exactly
// one transition for each; no goroutine ever sleeps on behalf of an
// operation.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/metarelay/builder"
	"github.com/xraph/metarelay/endpoint"
	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/internal/entity"
	"github.com/xraph/metarelay/internal/keylock"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/observability"
	"github.com/xraph/metarelay/submission"
)

// ErrIdentityBusy is returned by Submit while the identity has an operation
// that has not reached a terminal state.
var ErrIdentityBusy = errors.New("watcher: identity has an operation in flight")

// Transport hands signed requests to relay operators and reads back what
// became of them.
type Transport interface {
	// Submit hands req to the operator at ep and returns its handle.
	Submit(ctx context.Context, ep endpoint.Endpoint, req *metatx.ForwardRequest) (string, error)

	// Status returns the operator's record of the submission behind handle.
	Status(ctx context.Context, ep endpoint.Endpoint, handle string) (*submission.Submission, error)
}

// NonceSource reports the verification authority's next nonce for an identity.
type NonceSource interface {
	Nonce(ctx context.Context, from common.Address) (uint64, error)
}

// DLQPusher receives operations that failed terminally.
type DLQPusher interface {
	PushFailed(ctx context.Context, op *Operation, attempts int, reason error) error
}

// Config holds watcher engine configuration.
type Config struct {
	// PollInterval is how often the loop looks for due operations.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" mapstructure:"poll_interval"`

	// CheckInterval is the delay between status queries of a submitted attempt.
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval" mapstructure:"check_interval"`

	// BatchSize bounds the operations processed per poll.
	BatchSize int `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`

	// Concurrency bounds parallel transitions.
	Concurrency int `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency"`

	// RetrySchedule is the backoff between handovers refused by one relayer.
	RetrySchedule []time.Duration `json:"retry_schedule" yaml:"retry_schedule" mapstructure:"retry_schedule"`

	// MaxRejections is how many consecutive refusals a relayer gets before
	// the watcher moves on.
	MaxRejections int `json:"max_rejections" yaml:"max_rejections" mapstructure:"max_rejections"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		CheckInterval: 5 * time.Second,
		BatchSize:     50,
		Concurrency:   8,
		RetrySchedule: []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second},
		MaxRejections: 3,
	}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(w *Watcher) { w.cfg = cfg }
}

// WithDLQ sets where terminally failed operations are pushed.
func WithDLQ(d DLQPusher) Option {
	return func(w *Watcher) { w.dlq = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithTracer enables tracing of transitions.
func WithTracer(t *observability.Tracer) Option {
	return func(w *Watcher) { w.tracer = t }
}

// WithClock overrides the time source for deadlines and scheduling.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// Watcher drives relay operations to a terminal state.
type Watcher struct {
	store     Store
	builder   *builder.Builder
	nonces    NonceSource
	transport Transport
	endpoints endpoint.Config
	retrier   *Retrier
	dlq       DLQPusher
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	now       func() time.Time

	locks    *keylock.Locker
	inflight sync.Map

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher relaying through the operators in eps.
func New(store Store, b *builder.Builder, nonces NonceSource, transport Transport, eps endpoint.Config, opts ...Option) *Watcher {
	w := &Watcher{
		store:     store,
		builder:   b,
		nonces:    nonces,
		transport: transport,
		endpoints: eps,
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
		now:       time.Now,
		locks:     keylock.New(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.retrier = NewRetrier(w.cfg.RetrySchedule, w.cfg.MaxRejections)
	return w
}

// Endpoints returns the relayer configuration.
func (w *Watcher) Endpoints() endpoint.Config { return w.endpoints }

// Submit starts an operation for in: it reads the identity's nonce, signs a
// request naming the primary relayer, and hands it over. The returned
// operation may already be past submitted if the handover failed.
func (w *Watcher) Submit(ctx context.Context, in Intent) (*Operation, error) {
	key := in.From.Hex()
	unlock, err := w.locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("watcher: lock %s: %w", key, err)
	}
	defer unlock()

	active, err := w.store.ActiveOperation(ctx, in.From)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: %s (%s)", ErrIdentityBusy, active.ID, active.State)
	}

	n, err := w.nonces.Nonce(ctx, in.From)
	if err != nil {
		return nil, fmt.Errorf("watcher: read nonce: %w", err)
	}

	op := &Operation{
		Entity: entity.New(),
		ID:     id.NewOperationID(),
		From:   in.From,
		To:     in.To,
		Gas:    in.Gas,
		Data:   in.Data,
		Nonce:  n,
		State:  StateBuilding,
	}

	req, err := w.builder.Build(ctx, builder.Params{
		From:    in.From,
		To:      in.To,
		Relayer: w.endpoints.Primary.Identity,
		Gas:     in.Gas,
		Nonce:   n,
		Data:    in.Data,
	})
	if err != nil {
		return nil, &metatx.OperationError{From: in.From, Nonce: n, Reason: err}
	}
	op.Request = req
	op.NextCheckAt = w.now()

	if err := w.store.CreateOperation(ctx, op); err != nil {
		return nil, err
	}
	if w.metrics != nil {
		w.metrics.InflightOperations.Inc()
	}

	w.logger.DebugContext(ctx, "operation started",
		"operation_id", op.ID, "from", op.From.Hex(), "nonce", op.Nonce)

	w.process(ctx, op)
	return w.store.GetOperation(ctx, op.ID)
}

// Get returns an operation by ID.
func (w *Watcher) Get(ctx context.Context, opID id.ID) (*Operation, error) {
	return w.store.GetOperation(ctx, opID)
}

// Attempts returns an operation's attempts in the order they were made.
func (w *Watcher) Attempts(ctx context.Context, opID id.ID) ([]*Attempt, error) {
	return w.store.ListAttempts(ctx, opID)
}

// Wait blocks the caller until the operation is terminal or ctx is done. A
// failed operation is returned together with its *metatx.OperationError.
// Cancelling ctx only stops the wait.
func (w *Watcher) Wait(ctx context.Context, opID id.ID) (*Operation, error) {
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		op, err := w.store.GetOperation(ctx, opID)
		if err != nil {
			return nil, err
		}
		if op.State.Terminal() {
			return op, op.Err()
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Start begins the poll loop.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()
}

// Stop cancels the poll loop and waits for in-flight transitions to complete.
func (w *Watcher) Stop(_ context.Context) {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, max(w.cfg.Concurrency, 1))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := w.store.DueOperations(ctx, w.now(), w.cfg.BatchSize)
			if err != nil {
				w.logger.ErrorContext(ctx, "load due operations failed", "error", err)
				continue
			}

			for _, op := range batch {
				select {
				case <-ctx.Done():
					return
				case sem <- struct{}{}:
				}

				w.wg.Add(1)
				go func(op *Operation) {
					defer w.wg.Done()
					defer func() { <-sem }()
					w.process(ctx, op)
				}(op)
			}
		}
	}
}

// Step runs one transition for every due operation, synchronously, and
// returns how many operations were processed.
func (w *Watcher) Step(ctx context.Context) (int, error) {
	batch, err := w.store.DueOperations(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, op := range batch {
		w.process(ctx, op)
	}
	return len(batch), nil
}

// process runs exactly one transition of op and persists the result.
func (w *Watcher) process(ctx context.Context, op *Operation) {
	key := op.ID.String()
	if _, busy := w.inflight.LoadOrStore(key, struct{}{}); busy {
		return
	}
	defer w.inflight.Delete(key)

	op, err := w.store.GetOperation(ctx, op.ID)
	if err != nil {
		w.logger.ErrorContext(ctx, "reload operation failed",
			"operation_id", key, "error", err)
		return
	}
	if op.State.Terminal() || op.NextCheckAt.After(w.now()) {
		return
	}

	var span trace.Span
	if w.tracer != nil {
		ep, _ := w.endpoints.At(op.RelayerIndex)
		ctx, span = w.tracer.StartTransitionSpan(ctx, key, string(op.State), ep.Label())
	}

	from := op.State
	switch op.State {
	case StateBuilding:
		w.handover(ctx, op)
	case StateSubmitted:
		w.poll(ctx, op)
	case StateTimedOut:
		w.afterTimeout(ctx, op)
	case StateRebuilding:
		w.rebuild(ctx, op)
	}

	if span != nil {
		w.tracer.EndSpan(span, op.Err())
	}

	if err := w.store.UpdateOperation(ctx, op); err != nil {
		w.logger.ErrorContext(ctx, "update operation failed",
			"operation_id", op.ID, "error", err)
		return
	}

	if from != op.State {
		w.logger.DebugContext(ctx, "operation transition",
			"operation_id", op.ID, "from_state", from, "to_state", op.State, "relayer_index", op.RelayerIndex)
	}
}
