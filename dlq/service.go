// Package dlq keeps relay operations that failed terminally, with enough of
// the original intent to inspect them or run them again under a new nonce.
package dlq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/internal/entity"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/watcher"
)

// ErrAlreadyReplayed is returned when replaying an entry a second time.
var ErrAlreadyReplayed = errors.New("dlq: entry already replayed")

// Resubmitter starts a fresh operation for an intent.
type Resubmitter interface {
	Submit(ctx context.Context, in watcher.Intent) (*watcher.Operation, error)
}

// Service manages the dead letter queue.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a new DLQ service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
	}
}

// PushFailed creates a DLQ entry from a failed operation. Implements watcher.DLQPusher.
func (svc *Service) PushFailed(ctx context.Context, op *watcher.Operation, attempts int, reason error) error {
	entry := &Entry{
		Entity:       entity.New(),
		ID:           id.NewDLQID(),
		OperationID:  op.ID,
		From:         op.From,
		Nonce:        op.Nonce,
		To:           op.To,
		Gas:          op.Gas,
		Data:         op.Data,
		Error:        reason.Error(),
		Code:         metatx.Code(reason),
		AttemptCount: attempts,
		FailedAt:     time.Now().UTC(),
	}
	if op.Request != nil {
		entry.Relayer = op.Request.Relayer
	}

	if err := svc.store.Push(ctx, entry); err != nil {
		return err
	}

	svc.logger.WarnContext(ctx, "operation moved to dlq",
		"operation_id", op.ID.String(),
		"from", op.From.Hex(),
		"nonce", op.Nonce,
		"error", entry.Error,
	)
	return nil
}

// List returns DLQ entries matching the given options.
func (svc *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return svc.store.ListDLQ(ctx, opts)
}

// Get returns a DLQ entry by ID.
func (svc *Service) Get(ctx context.Context, dlqID id.ID) (*Entry, error) {
	return svc.store.GetDLQ(ctx, dlqID)
}

// Replay submits the entry's intent again through r. The new operation
// fetches a fresh nonce; the failed one is never reused.
func (svc *Service) Replay(ctx context.Context, dlqID id.ID, r Resubmitter) (*watcher.Operation, error) {
	entry, err := svc.store.GetDLQ(ctx, dlqID)
	if err != nil {
		return nil, err
	}
	if entry.ReplayedAt != nil {
		return nil, ErrAlreadyReplayed
	}

	op, err := r.Submit(ctx, watcher.Intent{
		From: entry.From,
		To:   entry.To,
		Gas:  entry.Gas,
		Data: entry.Data,
	})
	if err != nil {
		return nil, err
	}

	if err := svc.store.MarkReplayed(ctx, dlqID, op.ID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return op, nil
}

// Purge removes DLQ entries that failed before the given time.
func (svc *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	return svc.store.Purge(ctx, before)
}

// Count returns the total number of DLQ entries.
func (svc *Service) Count(ctx context.Context) (int64, error) {
	return svc.store.CountDLQ(ctx)
}
