package extension

import (
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xraph/grove"
	"github.com/xraph/grove/kv"

	"github.com/xraph/metarelay"
	"github.com/xraph/metarelay/builder"
	"github.com/xraph/metarelay/ledger"
	"github.com/xraph/metarelay/store"
	"github.com/xraph/metarelay/watcher"
)

// ExtOption configures the metarelay Forge extension.
type ExtOption func(*Extension)

// WithStore sets the persistence backend directly.
func WithStore(s store.Store) ExtOption {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGroveDatabase backs the extension with a PostgreSQL store on db.
func WithGroveDatabase(db *grove.DB) ExtOption {
	return func(e *Extension) {
		e.groveDB = db
	}
}

// WithGroveKV backs the extension with a Redis store on kvs.
func WithGroveKV(kvs *kv.Store) ExtOption {
	return func(e *Extension) {
		e.groveKV = kvs
	}
}

// WithLedger sets the ledger the operator submits to. Together with
// WithIdentity it enables the operator side.
func WithLedger(l ledger.Ledger) ExtOption {
	return func(e *Extension) {
		e.ledger = l
	}
}

// WithIdentity sets the operator's relayer identity.
func WithIdentity(identity common.Address) ExtOption {
	return func(e *Extension) {
		e.identity = identity
	}
}

// WithKeys sets the key source of the client side. Setting it enables the
// client watcher and its routes.
func WithKeys(keys builder.KeySource) ExtOption {
	return func(e *Extension) {
		e.keys = keys
	}
}

// WithNonceSource sets where the client reads nonces. Defaults to the ledger.
func WithNonceSource(n watcher.NonceSource) ExtOption {
	return func(e *Extension) {
		e.nonces = n
	}
}

// WithPrefix sets the URL prefix for all relay routes.
func WithPrefix(prefix string) ExtOption {
	return func(e *Extension) {
		e.config.BasePath = prefix
	}
}

// WithConfig sets the extension configuration directly.
func WithConfig(cfg Config) ExtOption {
	return func(e *Extension) {
		e.config = cfg
	}
}

// WithRelayOption appends a raw metarelay.Option applied after the config.
func WithRelayOption(opt metarelay.Option) ExtOption {
	return func(e *Extension) {
		e.relayOpts = append(e.relayOpts, opt)
	}
}

// WithClientOption appends a raw metarelay.ClientOption applied after the config.
func WithClientOption(opt metarelay.ClientOption) ExtOption {
	return func(e *Extension) {
		e.clientOpts = append(e.clientOpts, opt)
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) ExtOption {
	return func(e *Extension) {
		e.logger = logger
	}
}

// WithDisableRoutes disables automatic route registration.
func WithDisableRoutes() ExtOption {
	return func(e *Extension) {
		e.config.DisableRoutes = true
	}
}

// WithDisableMigrations disables automatic database migration on Init.
func WithDisableMigrations() ExtOption {
	return func(e *Extension) {
		e.config.DisableMigrate = true
	}
}
