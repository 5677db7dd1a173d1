package metarelay

import (
	"time"

	"github.com/xraph/metarelay/endpoint"
	"github.com/xraph/metarelay/fee"
	"github.com/xraph/metarelay/submitter"
	"github.com/xraph/metarelay/watcher"
)

// Config holds the configuration for a Relay or Client instance.
type Config struct {
	// Submitter configures the operator's confirmation monitor.
	Submitter submitter.Config `json:"submitter" yaml:"submitter" mapstructure:"submitter"`

	// Watcher configures the client's operation engine.
	Watcher watcher.Config `json:"watcher" yaml:"watcher" mapstructure:"watcher"`

	// Fee holds the quoting constants used when a fee pool is configured.
	Fee fee.Config `json:"fee" yaml:"fee" mapstructure:"fee"`

	// Relayers is the primary and fallback relayers a Client submits through.
	Relayers endpoint.Config `json:"relayers" yaml:"relayers" mapstructure:"relayers"`

	// RequestTimeout is the HTTP timeout per call to a remote relayer.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout"`

	// ShutdownTimeout is the maximum time to wait for in-flight work on shutdown.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Submitter:       submitter.DefaultConfig(),
		Watcher:         watcher.DefaultConfig(),
		Fee:             fee.DefaultConfig(),
		Relayers:        endpoint.Config{Timeout: endpoint.DefaultTimeout},
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}
