package extension

import (
	"github.com/xraph/metarelay"
)

// Config holds configuration for the metarelay Forge extension.
// Fields can be set programmatically via ExtOption functions or loaded from
// YAML configuration files (under "extensions.metarelay" or "metarelay" keys).
type Config struct {
	// Config embeds the core metarelay configuration.
	metarelay.Config `json:",inline" yaml:",inline" mapstructure:",squash"`

	// BasePath is the URL prefix for all relay routes (default: "/relay").
	BasePath string `json:"base_path" yaml:"base_path" mapstructure:"base_path"`

	// DisableRoutes disables automatic route registration with the Forge router.
	DisableRoutes bool `json:"disable_routes" yaml:"disable_routes" mapstructure:"disable_routes"`

	// DisableMigrate disables automatic database migration on Init.
	DisableMigrate bool `json:"disable_migrate" yaml:"disable_migrate" mapstructure:"disable_migrate"`

	// RateLimit caps accepted requests per second for each signing identity.
	// Zero disables limiting.
	RateLimit int `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`

	// RateBurst is the bucket size for RateLimit (default: RateLimit).
	RateBurst int `json:"rate_burst" yaml:"rate_burst" mapstructure:"rate_burst"`

	// ChainID is the chain settle requests must target. Zero accepts any.
	ChainID uint64 `json:"chain_id" yaml:"chain_id" mapstructure:"chain_id"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Config:   metarelay.DefaultConfig(),
		BasePath: "/relay",
	}
}

// ToRelayOptions converts the embedded Config into metarelay.Option values.
func (c Config) ToRelayOptions() []metarelay.Option {
	var opts []metarelay.Option

	if c.Submitter.Concurrency > 0 {
		opts = append(opts, metarelay.WithConcurrency(c.Submitter.Concurrency))
	}
	if c.Submitter.PollInterval > 0 {
		opts = append(opts, metarelay.WithPollInterval(c.Submitter.PollInterval))
	}
	if c.Submitter.CheckInterval > 0 {
		opts = append(opts, metarelay.WithCheckInterval(c.Submitter.CheckInterval))
	}
	if c.Submitter.BatchSize > 0 {
		opts = append(opts, metarelay.WithBatchSize(c.Submitter.BatchSize))
	}
	if c.Submitter.SwapSlippageBps > 0 {
		opts = append(opts, metarelay.WithSwapSlippage(c.Submitter.SwapSlippageBps))
	}
	if c.Fee.FeeDenominator > 0 {
		opts = append(opts, metarelay.WithFeeConfig(c.Fee))
	}
	if c.ShutdownTimeout > 0 {
		opts = append(opts, metarelay.WithShutdownTimeout(c.ShutdownTimeout))
	}

	return opts
}

// ToClientOptions converts the embedded Config into metarelay.ClientOption values.
func (c Config) ToClientOptions() []metarelay.ClientOption {
	var opts []metarelay.ClientOption

	if c.Relayers.Primary.URL != "" {
		opts = append(opts, metarelay.WithRelayers(c.Relayers))
	}
	if c.Watcher.PollInterval > 0 {
		opts = append(opts, metarelay.WithWatcherConfig(c.Watcher))
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, metarelay.WithRequestTimeout(c.RequestTimeout))
	}

	return opts
}
