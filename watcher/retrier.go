package watcher

import (
	"time"

	"github.com/xraph/metarelay/metatx"
)

// Decision is the outcome of evaluating a refused handover.
type Decision int

const (
	// Retry means the same relayer should be tried again later.
	Retry Decision = iota

	// Failover means the current relayer is given up and the next one used.
	Failover

	// Abandon means the operation has failed terminally.
	Abandon
)

// Retrier decides what to do after a relayer refuses a request.
type Retrier struct {
	schedule      []time.Duration
	maxRejections int
}

// NewRetrier creates a retrier with the given backoff schedule. A relayer is
// abandoned after maxRejections consecutive refusals.
func NewRetrier(schedule []time.Duration, maxRejections int) *Retrier {
	return &Retrier{schedule: schedule, maxRejections: maxRejections}
}

// Decide determines what to do with an operation whose relayer refused the
// current request for the given consecutive time.
//
// Decision matrix:
//   - retryable protocol errors (rejected, stale quote, no liquidity) → Retry until max, then Failover
//   - transport errors carrying no protocol code → same as retryable
//   - any other protocol error → Abandon (the request must be rebuilt under a new nonce)
func (r *Retrier) Decide(err error, rejections int) Decision {
	if metatx.Code(err) != "" && !metatx.Retryable(err) {
		return Abandon
	}
	if rejections < r.maxRejections {
		return Retry
	}
	return Failover
}

// Backoff returns the delay before the next handover after the given number
// of consecutive refusals.
func (r *Retrier) Backoff(rejections int) time.Duration {
	if len(r.schedule) == 0 {
		return 0
	}
	idx := rejections - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(r.schedule) {
		idx = len(r.schedule) - 1
	}
	return r.schedule[idx]
}
