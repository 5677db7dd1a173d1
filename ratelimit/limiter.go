// Package ratelimit bounds how often one identity may submit requests to a
// relay operator, with a token bucket per identity.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrLimited is returned by Take when an identity has no tokens left.
var ErrLimited = errors.New("ratelimit: too many requests")

// Limiter implements token bucket rate limiting per identity.
type Limiter struct {
	mu      sync.Mutex
	rate    float64 // tokens per second
	burst   float64
	buckets map[common.Address]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
	lastUsed time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithBurst sets the bucket capacity. It defaults to the per-second rate.
func WithBurst(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.burst = float64(n)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter granting perSecond requests per identity.
// A perSecond of 0 means unlimited.
func New(perSecond int, opts ...Option) *Limiter {
	l := &Limiter{
		rate:    float64(perSecond),
		burst:   float64(perSecond),
		buckets: make(map[common.Address]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Unlimited reports whether the limiter lets everything through.
func (l *Limiter) Unlimited() bool { return l == nil || l.rate <= 0 }

// Allow consumes a token for identity and reports whether one was available.
func (l *Limiter) Allow(identity common.Address) bool {
	if l.Unlimited() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(identity)
	l.refill(b)
	b.lastUsed = l.now()

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Take is Allow returning ErrLimited on refusal.
func (l *Limiter) Take(identity common.Address) error {
	if !l.Allow(identity) {
		return ErrLimited
	}
	return nil
}

// Wait blocks until identity may proceed or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context, identity common.Address) error {
	if l.Unlimited() {
		return nil
	}

	for {
		if l.Allow(identity) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(float64(time.Second) / l.rate)):
		}
	}
}

// Reset clears the rate limit state for an identity.
func (l *Limiter) Reset(identity common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, identity)
}

// Prune drops buckets that are full and unused for at least idle, and returns
// how many were removed. A dropped bucket comes back full, so pruning never
// changes a decision.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for identity, b := range l.buckets {
		l.refill(b)
		if b.tokens >= l.burst && l.now().Sub(b.lastUsed) >= idle {
			delete(l.buckets, identity)
			removed++
		}
	}
	return removed
}

// Len returns the number of identities currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucketFor(identity common.Address) *bucket {
	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{
			tokens:   l.burst, // start full
			lastFill: l.now(),
		}
		l.buckets[identity] = b
	}
	return b
}

func (l *Limiter) refill(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
}
