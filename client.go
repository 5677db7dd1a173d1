package metarelay

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/metarelay/builder"
	"github.com/xraph/metarelay/client"
	"github.com/xraph/metarelay/dlq"
	"github.com/xraph/metarelay/endpoint"
	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/observability"
	"github.com/xraph/metarelay/store"
	"github.com/xraph/metarelay/watcher"
)

// Client is the node side of a relay: it signs intents for identities whose
// keys it holds and drives each one through the configured relayers until
// it confirms or fails.
type Client struct {
	config    Config
	store     store.Store
	keys      builder.KeySource
	nonces    watcher.NonceSource
	transport watcher.Transport
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	dlqSvc  *dlq.Service
	watcher *watcher.Watcher
}

// ClientOption configures a Client instance.
type ClientOption func(*Client) error

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.store == nil {
		return nil, ErrNoStore
	}
	if c.keys == nil {
		return nil, ErrNoKeys
	}
	if c.nonces == nil {
		return nil, ErrNoNonceSource
	}
	if c.config.Relayers.Primary == (endpoint.Endpoint{}) {
		return nil, ErrNoRelayers
	}
	if err := c.config.Relayers.Validate(); err != nil {
		return nil, err
	}
	if c.transport == nil {
		c.transport = client.NewHTTP(c.config.RequestTimeout, c.logger)
	}

	c.dlqSvc = dlq.NewService(c.store, c.logger)

	wopts := []watcher.Option{
		watcher.WithConfig(c.config.Watcher),
		watcher.WithDLQ(c.dlqSvc),
		watcher.WithLogger(c.logger),
		watcher.WithMetrics(c.metrics),
	}
	if c.tracer != nil {
		wopts = append(wopts, watcher.WithTracer(c.tracer))
	}
	c.watcher = watcher.New(
		c.store,
		builder.New(c.keys, c.logger),
		c.nonces,
		c.transport,
		c.config.Relayers,
		wopts...,
	)
	return c, nil
}

// WithClientStore sets the persistence backend for operations and the DLQ.
func WithClientStore(s store.Store) ClientOption {
	return func(c *Client) error {
		c.store = s
		return nil
	}
}

// WithKeys sets the key source intents are signed with.
func WithKeys(keys builder.KeySource) ClientOption {
	return func(c *Client) error {
		c.keys = keys
		return nil
	}
}

// WithNonceSource sets where the next nonce of an identity is read from.
func WithNonceSource(n watcher.NonceSource) ClientOption {
	return func(c *Client) error {
		c.nonces = n
		return nil
	}
}

// WithTransport replaces the default HTTP transport to relay operators.
func WithTransport(t watcher.Transport) ClientOption {
	return func(c *Client) error {
		c.transport = t
		return nil
	}
}

// WithRelayers sets the primary and fallback relayers.
func WithRelayers(eps endpoint.Config) ClientOption {
	return func(c *Client) error {
		c.config.Relayers = eps
		return nil
	}
}

// WithClientConfig replaces the whole configuration.
func WithClientConfig(cfg Config) ClientOption {
	return func(c *Client) error {
		c.config = cfg
		return nil
	}
}

// WithWatcherConfig sets the operation engine configuration.
func WithWatcherConfig(cfg watcher.Config) ClientOption {
	return func(c *Client) error {
		c.config.Watcher = cfg
		return nil
	}
}

// WithRequestTimeout sets the HTTP timeout per call to a remote relayer.
// It has no effect when WithTransport is used.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.config.RequestTimeout = d
		return nil
	}
}

// WithClientLogger sets the structured logger for the Client instance.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithClientMetrics enables metric recording.
func WithClientMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithClientTracer enables tracing of operation transitions.
func WithClientTracer(t *observability.Tracer) ClientOption {
	return func(c *Client) error {
		c.tracer = t
		return nil
	}
}

// Start begins the operation engine.
func (c *Client) Start(ctx context.Context) {
	c.watcher.Start(ctx)
}

// Stop shuts down the operation engine, waiting at most ShutdownTimeout for
// in-flight transitions.
func (c *Client) Stop(ctx context.Context) {
	if c.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		c.watcher.Stop(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.WarnContext(ctx, "client stop timed out waiting for in-flight transitions")
	}
}

// Submit starts an operation for in and returns without waiting for it.
func (c *Client) Submit(ctx context.Context, in watcher.Intent) (*watcher.Operation, error) {
	return c.watcher.Submit(ctx, in)
}

// Relay starts an operation for in and blocks until it is terminal or ctx is
// done. A failed operation is returned together with its error.
func (c *Client) Relay(ctx context.Context, in watcher.Intent) (*watcher.Operation, error) {
	op, err := c.watcher.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	return c.watcher.Wait(ctx, op.ID)
}

// Wait blocks until the operation is terminal or ctx is done.
func (c *Client) Wait(ctx context.Context, opID id.ID) (*watcher.Operation, error) {
	return c.watcher.Wait(ctx, opID)
}

// Get returns an operation by ID.
func (c *Client) Get(ctx context.Context, opID id.ID) (*watcher.Operation, error) {
	return c.watcher.Get(ctx, opID)
}

// Attempts returns every relay attempt made for an operation.
func (c *Client) Attempts(ctx context.Context, opID id.ID) ([]*watcher.Attempt, error) {
	return c.watcher.Attempts(ctx, opID)
}

// Replay starts a new operation for a DLQ entry's intent under a fresh nonce.
func (c *Client) Replay(ctx context.Context, dlqID id.ID) (*watcher.Operation, error) {
	return c.dlqSvc.Replay(ctx, dlqID, c.watcher)
}

// DLQ returns the dead letter queue service.
func (c *Client) DLQ() *dlq.Service {
	return c.dlqSvc
}

// Watcher returns the underlying operation engine.
func (c *Client) Watcher() *watcher.Watcher {
	return c.watcher
}

// Store returns the underlying store.
func (c *Client) Store() store.Store {
	return c.store
}
