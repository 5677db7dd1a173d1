package metarelay

import (
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay/fee"
	"github.com/xraph/metarelay/ledger"
	"github.com/xraph/metarelay/observability"
	"github.com/xraph/metarelay/store"
	"github.com/xraph/metarelay/submitter"
)

// Relay is a relay operator: it accepts signed forward requests naming its
// identity, pays for their execution on the ledger, and reports outcomes.
type Relay struct {
	config    Config
	store     store.Store
	ledger    ledger.Ledger
	identity  common.Address
	pool      fee.PoolSource
	swapper   submitter.Swapper
	submitter *submitter.Submitter
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

// Option configures a Relay instance.
type Option func(*Relay) error

// New creates a new Relay with the given options.
func New(opts ...Option) (*Relay, error) {
	r := &Relay{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.store == nil {
		return nil, ErrNoStore
	}
	if r.ledger == nil {
		return nil, ErrNoLedger
	}
	if r.identity == (common.Address{}) {
		return nil, ErrNoIdentity
	}
	r.wireServices()
	return r, nil
}

// WithStore sets the persistence backend for the Relay instance.
func WithStore(s store.Store) Option {
	return func(r *Relay) error {
		r.store = s
		return nil
	}
}

// WithLedger sets the ledger requests are verified against and submitted to.
func WithLedger(l ledger.Ledger) Option {
	return func(r *Relay) error {
		r.ledger = l
		return nil
	}
}

// WithIdentity sets the operator identity requests must name as relayer.
func WithIdentity(identity common.Address) Option {
	return func(r *Relay) error {
		r.identity = identity
		return nil
	}
}

// WithFeePool prices every submission against pool.
func WithFeePool(pool fee.PoolSource) Option {
	return func(r *Relay) error {
		r.pool = pool
		return nil
	}
}

// WithSwapper swaps collected fees back into native currency after confirmation.
func WithSwapper(sw submitter.Swapper) Option {
	return func(r *Relay) error {
		r.swapper = sw
		return nil
	}
}

// WithLogger sets the structured logger for the Relay instance.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		r.logger = logger
		return nil
	}
}

// WithMetrics enables metric recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Relay) error {
		r.metrics = m
		return nil
	}
}

// WithTracer enables tracing of submissions.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Relay) error {
		r.tracer = t
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(r *Relay) error {
		r.config = cfg
		return nil
	}
}

// WithFeeConfig sets the fee quoting constants.
func WithFeeConfig(cfg fee.Config) Option {
	return func(r *Relay) error {
		r.config.Fee = cfg
		return nil
	}
}

// WithConcurrency sets the number of parallel receipt checks.
func WithConcurrency(n int) Option {
	return func(r *Relay) error {
		r.config.Submitter.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often the monitor looks for due submissions.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.Submitter.PollInterval = d
		return nil
	}
}

// WithCheckInterval sets the delay between receipt polls of one submission.
func WithCheckInterval(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.Submitter.CheckInterval = d
		return nil
	}
}

// WithBatchSize sets the maximum number of submissions checked per poll.
func WithBatchSize(n int) Option {
	return func(r *Relay) error {
		r.config.Submitter.BatchSize = n
		return nil
	}
}

// WithSwapSlippage sets the tolerated swap shortfall in basis points.
func WithSwapSlippage(bps uint64) Option {
	return func(r *Relay) error {
		r.config.Submitter.SwapSlippageBps = bps
		return nil
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight checks on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.ShutdownTimeout = d
		return nil
	}
}
