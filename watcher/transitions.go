package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/internal/entity"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/submission"
)

// handover gives the current request to the current relayer.
// building|rebuilding → submitted, or a retry/failover/failure on refusal.
func (w *Watcher) handover(ctx context.Context, op *Operation) {
	ep, ok := w.endpoints.At(op.RelayerIndex)
	if !ok {
		w.fail(ctx, op, metatx.ErrAllRelayersExhausted)
		return
	}

	handle, err := w.transport.Submit(ctx, ep, op.Request)
	if err != nil {
		w.refused(ctx, op, err)
		return
	}

	now := w.now()
	op.State = StateSubmitted
	op.AttemptID = id.NewAttemptID()
	op.Handle = handle
	op.Rejections = 0
	op.Deadline = now.Add(w.endpoints.AttemptTimeout())
	op.NextCheckAt = w.nextCheck(op, now)

	// The relayer holds the request from here on; a failed write is retried
	// on its own by the next poll.
	op.AttemptUnsaved = true
	w.saveAttempt(ctx, op, AttemptSubmitted, nil)

	w.logger.DebugContext(ctx, "request handed to relayer",
		"operation_id", op.ID, "endpoint", ep.Label(), "relayer", ep.Identity.Hex(),
		"handle", handle, "deadline", op.Deadline)
}

// saveAttempt persists the current attempt from the fields kept on op. It is
// a no-op once the attempt is stored.
func (w *Watcher) saveAttempt(ctx context.Context, op *Operation, status AttemptStatus, reason error) {
	if !op.AttemptUnsaved || op.AttemptID.IsNil() || op.Request == nil {
		return
	}
	ep, _ := w.endpoints.At(op.RelayerIndex)
	att := &Attempt{
		Entity:      entity.New(),
		ID:          op.AttemptID,
		OperationID: op.ID,
		RequestHash: op.Request.Hash(),
		Relayer:     ep.Identity,
		Endpoint:    ep.Label(),
		Handle:      op.Handle,
		SubmittedAt: op.Deadline.Add(-w.endpoints.AttemptTimeout()),
		Status:      status,
	}
	if reason != nil {
		att.Error = reason.Error()
	}
	if err := w.store.CreateAttempt(ctx, att); err != nil {
		w.logger.ErrorContext(ctx, "create attempt failed",
			"operation_id", op.ID, "attempt_id", op.AttemptID, "handle", op.Handle, "error", err)
		return
	}
	op.AttemptUnsaved = false
}

// refused handles a relayer declining the current request.
func (w *Watcher) refused(ctx context.Context, op *Operation, err error) {
	ep, _ := w.endpoints.At(op.RelayerIndex)
	if w.metrics != nil {
		w.metrics.RecordAttempt(ep.Label(), "refused")
	}

	if errors.Is(err, metatx.ErrNonceReplay) {
		w.settleByNonce(ctx, op, err)
		return
	}

	op.Rejections++
	switch w.retrier.Decide(err, op.Rejections) {
	case Retry:
		op.NextCheckAt = w.now().Add(w.retrier.Backoff(op.Rejections))
		w.logger.WarnContext(ctx, "relayer refused request, retrying",
			"operation_id", op.ID, "endpoint", ep.Label(), "rejections", op.Rejections,
			"next_at", op.NextCheckAt, "error", err)
	case Failover:
		w.logger.WarnContext(ctx, "relayer refused request too often, failing over",
			"operation_id", op.ID, "endpoint", ep.Label(), "error", err)
		w.failover(op)
	case Abandon:
		w.fail(ctx, op, err)
	}
}

// poll queries the current attempt. submitted → confirmed | timed_out |
// failed, or stays submitted until the next check.
func (w *Watcher) poll(ctx context.Context, op *Operation) {
	w.saveAttempt(ctx, op, AttemptSubmitted, nil)

	now := w.now()
	if !now.Before(op.Deadline) {
		w.timeout(ctx, op)
		return
	}

	ep, _ := w.endpoints.At(op.RelayerIndex)
	sub, err := w.transport.Status(ctx, ep, op.Handle)
	if err != nil {
		w.logger.WarnContext(ctx, "relayer status query failed",
			"operation_id", op.ID, "endpoint", ep.Label(), "error", err)
		op.NextCheckAt = w.nextCheck(op, now)
		return
	}

	switch sub.State {
	case submission.StateConfirmed:
		op.Success = sub.Success
		op.ReturnData = sub.ReturnData
		w.closeAttempt(ctx, op, AttemptConfirmed, nil)
		w.confirm(ctx, op)

	case submission.StateReverted:
		op.ReturnData = sub.ReturnData
		reason := sub.Err()
		w.closeAttempt(ctx, op, AttemptFailed, reason)
		w.fail(ctx, op, reason)

	case submission.StateFailed:
		reason := sub.Err()
		w.closeAttempt(ctx, op, AttemptFailed, reason)
		switch {
		case errors.Is(reason, metatx.ErrNonceReplay):
			w.settleByNonce(ctx, op, reason)
		case metatx.Retryable(reason):
			// The relayer's transaction was dropped without executing; the
			// nonce decides like after a timeout.
			op.State = StateTimedOut
			op.NextCheckAt = now
		default:
			w.fail(ctx, op, reason)
		}

	default:
		op.NextCheckAt = w.nextCheck(op, now)
	}
}

// timeout closes the current attempt. submitted → timed_out.
func (w *Watcher) timeout(ctx context.Context, op *Operation) {
	w.closeAttempt(ctx, op, AttemptTimedOut,
		fmt.Errorf("%w: no confirmation by %s", metatx.ErrSubmissionTimeout, op.Deadline.Format(time.RFC3339)))
	op.State = StateTimedOut
	op.NextCheckAt = w.now()

	w.logger.WarnContext(ctx, "relay attempt timed out",
		"operation_id", op.ID, "relayer_index", op.RelayerIndex, "handle", op.Handle)
}

// afterTimeout guards against settling twice: if the nonce moved, a relayer
// executed the request after all. timed_out → confirmed | rebuilding.
func (w *Watcher) afterTimeout(ctx context.Context, op *Operation) {
	current, err := w.nonces.Nonce(ctx, op.From)
	if err != nil {
		w.logger.ErrorContext(ctx, "nonce query failed",
			"operation_id", op.ID, "error", err)
		op.NextCheckAt = w.now().Add(w.cfg.CheckInterval)
		return
	}
	if current > op.Nonce {
		w.recoverOutcome(ctx, op)
		w.confirm(ctx, op)
		return
	}
	w.failover(op)
}

// rebuild re-signs the same nonce for the current relayer and hands it over.
// rebuilding → submitted.
func (w *Watcher) rebuild(ctx context.Context, op *Operation) {
	ep, ok := w.endpoints.At(op.RelayerIndex)
	if !ok {
		w.fail(ctx, op, metatx.ErrAllRelayersExhausted)
		return
	}

	if op.Request.Relayer != ep.Identity {
		req, err := w.builder.Rebuild(ctx, op.Request, ep.Identity)
		if err != nil {
			w.fail(ctx, op, err)
			return
		}
		op.Request = req
	}
	w.handover(ctx, op)
}

// failover moves op to the next relayer. Rebuilding fails the operation
// when none is left.
func (w *Watcher) failover(op *Operation) {
	op.RelayerIndex++
	op.Rejections = 0
	op.State = StateRebuilding
	op.NextCheckAt = w.now()
	if w.metrics != nil && op.RelayerIndex < w.endpoints.Len() {
		w.metrics.FailoversTotal.Inc()
	}
}

// settleByNonce resolves a NonceReplay report: the operation is confirmed if
// the nonce has advanced past it, and failed otherwise.
func (w *Watcher) settleByNonce(ctx context.Context, op *Operation, reason error) {
	current, err := w.nonces.Nonce(ctx, op.From)
	if err != nil {
		w.logger.ErrorContext(ctx, "nonce query failed",
			"operation_id", op.ID, "error", err)
		op.State = StateTimedOut
		op.NextCheckAt = w.now().Add(w.cfg.CheckInterval)
		return
	}
	if current > op.Nonce {
		w.recoverOutcome(ctx, op)
		w.confirm(ctx, op)
		return
	}
	w.fail(ctx, op, reason)
}

// recoverOutcome looks through earlier attempts for the one that executed
// and copies its result. Attempts themselves are not rewritten.
func (w *Watcher) recoverOutcome(ctx context.Context, op *Operation) {
	attempts, err := w.store.ListAttempts(ctx, op.ID)
	if err != nil {
		return
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		ep, ok := w.endpoints.ByIdentity(attempts[i].Relayer)
		if !ok || attempts[i].Handle == "" {
			continue
		}
		sub, err := w.transport.Status(ctx, ep, attempts[i].Handle)
		if err != nil || sub.State != submission.StateConfirmed {
			continue
		}
		op.Success = sub.Success
		op.ReturnData = sub.ReturnData
		return
	}
}

// closeAttempt records the final status of the current attempt.
func (w *Watcher) closeAttempt(ctx context.Context, op *Operation, status AttemptStatus, reason error) {
	if op.AttemptID.IsNil() {
		return
	}
	ep, _ := w.endpoints.At(op.RelayerIndex)
	if op.AttemptUnsaved {
		w.saveAttempt(ctx, op, status, reason)
		op.AttemptUnsaved = false
	} else {
		att := &Attempt{
			ID:          op.AttemptID,
			OperationID: op.ID,
			Status:      status,
		}
		if reason != nil {
			att.Error = reason.Error()
		}
		if err := w.store.UpdateAttempt(ctx, att); err != nil {
			w.logger.ErrorContext(ctx, "update attempt failed",
				"operation_id", op.ID, "attempt_id", op.AttemptID, "error", err)
		}
	}
	if w.metrics != nil {
		w.metrics.RecordAttempt(ep.Label(), string(status))
	}
	op.AttemptID = id.Nil
}

func (w *Watcher) confirm(ctx context.Context, op *Operation) {
	now := w.now()
	op.State = StateConfirmed
	op.CompletedAt = &now
	op.Error = ""
	op.Code = ""
	if w.metrics != nil {
		w.metrics.RecordOperation(string(StateConfirmed))
	}
	w.logger.DebugContext(ctx, "operation confirmed",
		"operation_id", op.ID, "from", op.From.Hex(), "nonce", op.Nonce, "relayer_index", op.RelayerIndex)
}

func (w *Watcher) fail(ctx context.Context, op *Operation, reason error) {
	if !op.AttemptID.IsNil() {
		w.closeAttempt(ctx, op, AttemptFailed, reason)
	}

	now := w.now()
	op.State = StateFailed
	op.CompletedAt = &now
	op.Error = reason.Error()
	op.Code = metatx.Code(reason)

	opErr := &metatx.OperationError{From: op.From, Nonce: op.Nonce, Reason: reason}
	if w.dlq != nil {
		attempts, _ := w.store.ListAttempts(ctx, op.ID)
		if err := w.dlq.PushFailed(ctx, op, len(attempts), opErr); err != nil {
			w.logger.ErrorContext(ctx, "push to DLQ failed",
				"operation_id", op.ID, "error", err)
		} else if w.metrics != nil {
			w.metrics.DLQSize.Inc()
		}
	}
	if w.metrics != nil {
		w.metrics.RecordOperation(string(StateFailed))
	}

	w.logger.WarnContext(ctx, "operation failed",
		"operation_id", op.ID, "from", op.From.Hex(), "nonce", op.Nonce, "error", reason)
}

// nextCheck schedules the next status query, never past the deadline.
func (w *Watcher) nextCheck(op *Operation, now time.Time) time.Time {
	next := now.Add(w.cfg.CheckInterval)
	if !op.Deadline.IsZero() && op.Deadline.Before(next) {
		return op.Deadline
	}
	return next
}
