// Package keylock provides per-key mutual exclusion whose acquisition honours
// context cancellation.
package keylock

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Locker serializes work per key. Keys that are not held consume no memory.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done. The returned function
// releases the key and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquireRef(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.releaseRef(key)
		return nil, err
	}
	return l.unlocker(key, e), nil
}

// TryLock acquires key only if it is free.
func (l *Locker) TryLock(key string) (func(), bool) {
	e := l.acquireRef(key)
	if !e.sem.TryAcquire(1) {
		l.releaseRef(key)
		return nil, false
	}
	return l.unlocker(key, e), true
}

func (l *Locker) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.releaseRef(key)
		})
	}
}

func (l *Locker) acquireRef(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) releaseRef(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

type heldKey struct{}

type holdKey struct {
	locker *Locker
	key    string
}

// hold is the token of one Acquire. It stops counting once released, so a
// context that outlives the call cannot skip the lock.
type hold struct {
	released atomic.Bool
}

// Acquire locks key for the call chain of ctx and returns a context carrying
// the hold. Called again with that context while the hold is live, it
// acquires nothing, so a reentrant call does not deadlock on itself.
//
// The returned context must stay on the calling goroutine: handing it to a
// concurrent goroutine lets that goroutine skip the lock too.
func (l *Locker) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	if l.Held(ctx, key) {
		return ctx, func() {}, nil
	}
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return ctx, nil, err
	}

	h := &hold{}
	prev, _ := ctx.Value(heldKey{}).(map[holdKey]*hold)
	next := make(map[holdKey]*hold, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[holdKey{locker: l, key: key}] = h

	release := func() {
		h.released.Store(true)
		unlock()
	}
	return context.WithValue(ctx, heldKey{}, next), release, nil
}

// Held reports whether ctx carries a live hold on key from this Locker.
func (l *Locker) Held(ctx context.Context, key string) bool {
	held, _ := ctx.Value(heldKey{}).(map[holdKey]*hold)
	h, ok := held[holdKey{locker: l, key: key}]
	return ok && !h.released.Load()
}
