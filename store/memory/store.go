// Package memory provides an in-memory Store implementation for tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay"
	"github.com/xraph/metarelay/dlq"
	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/nonce"
	mrstore "github.com/xraph/metarelay/store"
	"github.com/xraph/metarelay/submission"
	"github.com/xraph/metarelay/watcher"
)

// compile-time interface check.
var _ mrstore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	nonces      map[common.Address]uint64
	submissions map[string]*submission.Submission // keyed by ID string
	operations  map[string]*watcher.Operation     // keyed by ID string
	attempts    map[string][]*watcher.Attempt     // keyed by operation ID string
	dlqEntries  map[string]*dlq.Entry             // keyed by ID string

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		nonces:      make(map[common.Address]uint64),
		submissions: make(map[string]*submission.Submission),
		operations:  make(map[string]*watcher.Operation),
		attempts:    make(map[string][]*watcher.Attempt),
		dlqEntries:  make(map[string]*dlq.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports ErrStoreClosed after Close.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metarelay.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// nonce.Store
// ──────────────────────────────────────────────────

// NextNonce returns the next expected nonce for from.
func (s *Store) NextNonce(_ context.Context, from common.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonces[from], nil
}

// CompareAndIncrement advances from's nonce if it equals expected.
func (s *Store) CompareAndIncrement(_ context.Context, from common.Address, expected uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.nonces[from]
	if err := nonce.Check(current, expected); err != nil {
		return current, err
	}
	s.nonces[from] = current + 1
	return current + 1, nil
}

// ──────────────────────────────────────────────────
// submission.Store
// ──────────────────────────────────────────────────

func copySubmission(sub *submission.Submission) *submission.Submission {
	cp := *sub
	cp.ReturnData = common.CopyBytes(sub.ReturnData)
	return &cp
}

// CreateSubmission persists a new submission.
func (s *Store) CreateSubmission(_ context.Context, sub *submission.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.submissions[sub.ID.String()] = copySubmission(sub)
	return nil
}

// UpdateSubmission modifies an existing submission.
func (s *Store) UpdateSubmission(_ context.Context, sub *submission.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[sub.ID.String()]; !ok {
		return metarelay.ErrSubmissionNotFound
	}
	sub.UpdatedAt = time.Now().UTC()
	s.submissions[sub.ID.String()] = copySubmission(sub)
	return nil
}

// GetSubmission returns a copy of the submission by handle.
func (s *Store) GetSubmission(_ context.Context, subID id.ID) (*submission.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.submissions[subID.String()]
	if !ok {
		return nil, metarelay.ErrSubmissionNotFound
	}
	return copySubmission(sub), nil
}

// ListSubmissions returns submissions, newest first.
func (s *Store) ListSubmissions(_ context.Context, opts submission.ListOpts) ([]*submission.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*submission.Submission, 0, len(s.submissions))
	for _, sub := range s.submissions {
		if opts.State != nil && sub.State != *opts.State {
			continue
		}
		if opts.From != nil && sub.From != *opts.From {
			continue
		}
		result = append(result, copySubmission(sub))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// DueSubmissions returns pending submissions ready for a receipt poll.
func (s *Store) DueSubmissions(_ context.Context, now time.Time, limit int) ([]*submission.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*submission.Submission, 0)
	for _, sub := range s.submissions {
		if sub.State != submission.StatePending || sub.NextCheckAt.After(now) {
			continue
		}
		result = append(result, copySubmission(sub))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].NextCheckAt.Before(result[j].NextCheckAt)
	})

	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// CountSubmissions returns the number of submissions in state.
func (s *Store) CountSubmissions(_ context.Context, state submission.State) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, sub := range s.submissions {
		if sub.State == state {
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// watcher.Store
// ──────────────────────────────────────────────────

func copyOperation(op *watcher.Operation) *watcher.Operation {
	cp := *op
	cp.Data = common.CopyBytes(op.Data)
	cp.ReturnData = common.CopyBytes(op.ReturnData)
	if op.Request != nil {
		cp.Request = op.Request.WithSignature(op.Request.Signature)
	}
	return &cp
}

// CreateOperation persists a new operation.
func (s *Store) CreateOperation(_ context.Context, op *watcher.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.operations[op.ID.String()] = copyOperation(op)
	return nil
}

// UpdateOperation modifies an existing operation.
func (s *Store) UpdateOperation(_ context.Context, op *watcher.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.operations[op.ID.String()]; !ok {
		return metarelay.ErrOperationNotFound
	}
	op.UpdatedAt = time.Now().UTC()
	s.operations[op.ID.String()] = copyOperation(op)
	return nil
}

// GetOperation returns a copy of the operation by ID.
func (s *Store) GetOperation(_ context.Context, opID id.ID) (*watcher.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operations[opID.String()]
	if !ok {
		return nil, metarelay.ErrOperationNotFound
	}
	return copyOperation(op), nil
}

// ListOperations returns operations, newest first.
func (s *Store) ListOperations(_ context.Context, opts watcher.ListOpts) ([]*watcher.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*watcher.Operation, 0, len(s.operations))
	for _, op := range s.operations {
		if opts.State != nil && op.State != *opts.State {
			continue
		}
		if opts.From != nil && op.From != *opts.From {
			continue
		}
		result = append(result, copyOperation(op))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// DueOperations returns non-terminal operations ready for a transition.
func (s *Store) DueOperations(_ context.Context, now time.Time, limit int) ([]*watcher.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*watcher.Operation, 0)
	for _, op := range s.operations {
		if op.State.Terminal() || op.NextCheckAt.After(now) {
			continue
		}
		result = append(result, copyOperation(op))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].NextCheckAt.Before(result[j].NextCheckAt)
	})

	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// ActiveOperation returns the non-terminal operation for from, if any.
func (s *Store) ActiveOperation(_ context.Context, from common.Address) (*watcher.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, op := range s.operations {
		if op.From == from && !op.State.Terminal() {
			return copyOperation(op), nil
		}
	}
	return nil, nil //nolint:nilnil // no active operation is not an error
}

// CreateAttempt persists a new attempt.
func (s *Store) CreateAttempt(_ context.Context, a *watcher.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	key := a.OperationID.String()
	s.attempts[key] = append(s.attempts[key], &cp)
	return nil
}

// UpdateAttempt records an attempt's closing status.
func (s *Store) UpdateAttempt(_ context.Context, a *watcher.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.attempts[a.OperationID.String()] {
		if existing.ID.String() != a.ID.String() {
			continue
		}
		cp := *existing
		cp.Status = a.Status
		cp.Error = a.Error
		cp.UpdatedAt = time.Now().UTC()
		s.attempts[a.OperationID.String()][i] = &cp
		return nil
	}
	return metarelay.ErrAttemptNotFound
}

// ListAttempts returns the attempts of an operation in submission order.
func (s *Store) ListAttempts(_ context.Context, opID id.ID) ([]*watcher.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.attempts[opID.String()]
	result := make([]*watcher.Attempt, 0, len(stored))
	for _, a := range stored {
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// dlq.Store
// ──────────────────────────────────────────────────

// Push records a terminally failed operation.
func (s *Store) Push(_ context.Context, entry *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.dlqEntries[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns DLQ entries, newest first.
func (s *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(s.dlqEntries))
	for _, e := range s.dlqEntries {
		if opts.From != nil && e.From != *opts.From {
			continue
		}
		if opts.Since != nil && e.FailedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.FailedAt.After(*opts.Until) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].FailedAt.After(result[j].FailedAt)
	})

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// GetDLQ returns a DLQ entry by ID.
func (s *Store) GetDLQ(_ context.Context, dlqID id.ID) (*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.dlqEntries[dlqID.String()]
	if !ok {
		return nil, metarelay.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// MarkReplayed records that the entry was replayed as operation opID.
func (s *Store) MarkReplayed(_ context.Context, dlqID, opID id.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dlqEntries[dlqID.String()]
	if !ok {
		return metarelay.ErrDLQNotFound
	}
	e.ReplayedAt = &at
	e.ReplayOperationID = opID
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Purge deletes DLQ entries that failed before a threshold.
func (s *Store) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for k, e := range s.dlqEntries {
		if e.FailedAt.Before(before) {
			delete(s.dlqEntries, k)
			count++
		}
	}
	return count, nil
}

// CountDLQ returns the total number of DLQ entries.
func (s *Store) CountDLQ(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.dlqEntries)), nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) {
		return nil
	}

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return items
}
