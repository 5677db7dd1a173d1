package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/grove/kv"

	"github.com/xraph/metarelay"
	"github.com/xraph/metarelay/api"
	"github.com/xraph/metarelay/builder"
	"github.com/xraph/metarelay/ledger"
	"github.com/xraph/metarelay/ratelimit"
	"github.com/xraph/metarelay/store"
	pgstore "github.com/xraph/metarelay/store/postgres"
	redisstore "github.com/xraph/metarelay/store/redis"
	"github.com/xraph/metarelay/watcher"
)

// ErrNothingEnabled is returned by Init when neither the operator side
// (ledger plus identity) nor the client side (keys) is configured.
var ErrNothingEnabled = errors.New("metarelay/extension: neither operator nor client is configured")

// Extension mounts a relay operator, a client node, or both into a Forge
// application.
type Extension struct {
	config     Config
	relayOpts  []metarelay.Option
	clientOpts []metarelay.ClientOption

	store    store.Store
	groveDB  *grove.DB
	groveKV  *kv.Store
	ledger   ledger.Ledger
	identity common.Address
	keys     builder.KeySource
	nonces   watcher.NonceSource
	logger   *slog.Logger

	relay   *metarelay.Relay
	client  *metarelay.Client
	limiter *ratelimit.Limiter
}

// New creates an extension. Call Init before mounting it.
func New(opts ...ExtOption) *Extension {
	e := &Extension{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the extension name.
func (e *Extension) Name() string { return "metarelay" }

// Init resolves the store, runs migrations and builds the configured sides.
func (e *Extension) Init(ctx context.Context) error {
	s, err := e.resolveStore()
	if err != nil {
		return err
	}
	e.store = s

	if !e.config.DisableMigrate {
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("metarelay/extension: migrate: %w", err)
		}
	}

	if e.ledger != nil && e.identity != (common.Address{}) {
		opts := []metarelay.Option{
			metarelay.WithStore(s),
			metarelay.WithLedger(e.ledger),
			metarelay.WithIdentity(e.identity),
			metarelay.WithLogger(e.logger),
		}
		opts = append(opts, e.config.ToRelayOptions()...)
		opts = append(opts, e.relayOpts...)

		r, err := metarelay.New(opts...)
		if err != nil {
			return fmt.Errorf("metarelay/extension: relay: %w", err)
		}
		e.relay = r
	}

	if e.keys != nil {
		nonces := e.nonces
		if nonces == nil && e.ledger != nil {
			nonces = e.ledger
		}
		opts := []metarelay.ClientOption{
			metarelay.WithClientStore(s),
			metarelay.WithKeys(e.keys),
			metarelay.WithClientLogger(e.logger),
		}
		if nonces != nil {
			opts = append(opts, metarelay.WithNonceSource(nonces))
		}
		opts = append(opts, e.config.ToClientOptions()...)
		opts = append(opts, e.clientOpts...)

		c, err := metarelay.NewClient(opts...)
		if err != nil {
			return fmt.Errorf("metarelay/extension: client: %w", err)
		}
		e.client = c
	}

	if e.relay == nil && e.client == nil {
		return ErrNothingEnabled
	}

	if e.config.RateLimit > 0 {
		burst := e.config.RateBurst
		if burst <= 0 {
			burst = e.config.RateLimit
		}
		e.limiter = ratelimit.New(e.config.RateLimit, ratelimit.WithBurst(burst))
	}

	e.logger.InfoContext(ctx, "metarelay extension initialized",
		"base_path", e.config.BasePath,
		"operator", e.relay != nil,
		"client", e.client != nil,
	)
	return nil
}

func (e *Extension) resolveStore() (store.Store, error) {
	switch {
	case e.store != nil:
		return e.store, nil
	case e.groveDB != nil:
		return pgstore.New(e.groveDB), nil
	case e.groveKV != nil:
		return redisstore.New(e.groveKV), nil
	default:
		return nil, metarelay.ErrNoStore
	}
}

// Start launches the background loops of the configured sides.
func (e *Extension) Start(ctx context.Context) error {
	if e.relay != nil {
		e.relay.Start(ctx)
	}
	if e.client != nil {
		e.client.Start(ctx)
	}
	return nil
}

// Stop drains the background loops and closes the store.
func (e *Extension) Stop(ctx context.Context) error {
	if e.client != nil {
		e.client.Stop(ctx)
	}
	if e.relay != nil {
		e.relay.Stop(ctx)
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// Health reports store connectivity.
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return metarelay.ErrNoStore
	}
	return e.store.Ping(ctx)
}

// Handler returns a plain net/http handler serving the API under BasePath.
func (e *Extension) Handler() http.Handler {
	h := api.NewHandler(e.logger, e.apiOptions()...)
	prefix := strings.TrimSuffix(e.config.BasePath, "/")
	if prefix == "" {
		return h
	}
	return http.StripPrefix(prefix, h)
}

// RegisterRoutes mounts the API with OpenAPI metadata on a Forge router.
func (e *Extension) RegisterRoutes(router forge.Router, log forge.Logger) {
	if e.config.DisableRoutes {
		return
	}
	g := router.Group(e.config.BasePath)
	api.NewForgeAPI(log, e.apiOptions()...).RegisterRoutes(g)
}

func (e *Extension) apiOptions() []api.Option {
	var opts []api.Option
	if e.relay != nil {
		opts = append(opts, api.WithOperator(e.relay.Submitter(), e.store))
	}
	if e.client != nil {
		opts = append(opts, api.WithNode(e.client.Watcher()), api.WithDLQ(e.client.DLQ()))
	}
	if e.limiter != nil {
		opts = append(opts, api.WithLimiter(e.limiter))
	}
	if e.config.ChainID != 0 {
		opts = append(opts, api.WithChainID(e.config.ChainID))
	}
	return opts
}

// Relay returns the operator, or nil when the operator side is disabled.
func (e *Extension) Relay() *metarelay.Relay { return e.relay }

// Client returns the client node, or nil when the client side is disabled.
func (e *Extension) Client() *metarelay.Client { return e.client }

// Store returns the resolved store. It is nil before Init.
func (e *Extension) Store() store.Store { return e.store }
