// Package endpoint describes the relay operators a client may submit through:
// a primary and an ordered list of fallbacks, each an address to reach and the
// identity that will be named as relayer in signed requests.
package endpoint

import (
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultTimeout is how long an attempt may stay unconfirmed before the
// watcher moves on to the next relayer.
const DefaultTimeout = 3 * time.Minute

// Endpoint is one relay operator.
type Endpoint struct {
	// Name labels the endpoint in logs and metrics.
	Name string `json:"name" yaml:"name" mapstructure:"name"`

	// URL is the relay service base URL.
	URL string `json:"url" yaml:"url" mapstructure:"url"`

	// Identity is the operator's on-ledger address; requests routed here name
	// it as relayer.
	Identity common.Address `json:"identity" yaml:"identity" mapstructure:"identity"`
}

// Label returns Name, or the identity when no name is set.
func (e Endpoint) Label() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Identity.Hex()
}

// Config is the relayer configuration consumed by the watcher. It is
// read-only once handed over.
type Config struct {
	Primary   Endpoint      `json:"primary" yaml:"primary" mapstructure:"primary"`
	Fallbacks []Endpoint    `json:"fallbacks" yaml:"fallbacks" mapstructure:"fallbacks"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// Len returns the number of relayers, primary included.
func (c Config) Len() int { return 1 + len(c.Fallbacks) }

// At returns the relayer at position i, where 0 is the primary.
func (c Config) At(i int) (Endpoint, bool) {
	switch {
	case i == 0:
		return c.Primary, true
	case i > 0 && i <= len(c.Fallbacks):
		return c.Fallbacks[i-1], true
	default:
		return Endpoint{}, false
	}
}

// ByIdentity returns the relayer whose identity is addr.
func (c Config) ByIdentity(addr common.Address) (Endpoint, bool) {
	for i := range c.Len() {
		if ep, _ := c.At(i); ep.Identity == addr {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// AttemptTimeout returns Timeout, or DefaultTimeout when unset.
func (c Config) AttemptTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Validate checks every endpoint has a parseable URL and a non-zero identity,
// and that no identity repeats.
func (c Config) Validate() error {
	seen := make(map[common.Address]bool, c.Len())
	for i := range c.Len() {
		ep, _ := c.At(i)
		field := "primary"
		if i > 0 {
			field = "fallbacks[" + ep.Label() + "]"
		}
		if _, err := url.ParseRequestURI(ep.URL); err != nil {
			return &ValidationError{Field: field + ".url", Message: "invalid URL"}
		}
		if ep.Identity == (common.Address{}) {
			return &ValidationError{Field: field + ".identity", Message: "required"}
		}
		if seen[ep.Identity] {
			return &ValidationError{Field: field + ".identity", Message: "duplicate relayer identity"}
		}
		seen[ep.Identity] = true
	}
	return nil
}

// ValidationError indicates invalid relayer configuration.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "endpoint validation: " + e.Field + ": " + e.Message
}
