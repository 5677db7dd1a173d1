package submitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/xraph/metarelay/ledger"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/submission"
)

// Start begins the confirmation monitor.
func (s *Submitter) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	}()
}

// Stop cancels the monitor and waits for in-flight checks to complete.
func (s *Submitter) Stop(_ context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Submitter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, max(s.cfg.Concurrency, 1))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := s.store.DueSubmissions(ctx, s.now(), s.cfg.BatchSize)
			if err != nil {
				s.logger.ErrorContext(ctx, "load due submissions failed", "error", err)
				continue
			}

			for _, sub := range batch {
				select {
				case <-ctx.Done():
					return
				case sem <- struct{}{}:
				}

				s.wg.Add(1)
				go func(sub *submission.Submission) {
					defer s.wg.Done()
					defer func() { <-sem }()
					s.check(ctx, sub)
				}(sub)
			}
		}
	}
}

// Step checks every due submission once, synchronously, and returns how many
// were checked.
func (s *Submitter) Step(ctx context.Context) (int, error) {
	batch, err := s.store.DueSubmissions(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, sub := range batch {
		s.check(ctx, sub)
	}
	return len(batch), nil
}

// check polls the ledger for one submission's receipt and records the
// outcome if it is available.
func (s *Submitter) check(ctx context.Context, sub *submission.Submission) {
	key := sub.ID.String()
	if _, busy := s.inflight.LoadOrStore(key, struct{}{}); busy {
		return
	}
	defer s.inflight.Delete(key)

	sub, err := s.store.GetSubmission(ctx, sub.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "reload submission failed",
			"submission_id", key, "error", err)
		return
	}
	if sub.State.Terminal() || sub.NextCheckAt.After(s.now()) {
		return
	}

	sub.Checks++
	rcpt, err := s.ledger.Receipt(ctx, sub.TxHandle)
	switch {
	case errors.Is(err, ledger.ErrPending):
		sub.NextCheckAt = s.now().Add(s.cfg.CheckInterval)
		s.update(ctx, sub)
		return

	case errors.Is(err, ledger.ErrUnknownTransaction):
		s.finish(ctx, sub, submission.StateFailed,
			fmt.Errorf("%w: transaction %s dropped", metatx.ErrSubmissionRejected, sub.TxHandle))
		return

	case err != nil:
		s.logger.ErrorContext(ctx, "receipt query failed",
			"submission_id", sub.ID, "tx_handle", sub.TxHandle, "error", err)
		sub.NextCheckAt = s.now().Add(s.cfg.CheckInterval)
		s.update(ctx, sub)
		return
	}

	switch {
	case rcpt.Executed && rcpt.Success:
		sub.Success = true
		sub.ReturnData = rcpt.ReturnData
		s.swap(ctx, sub)
		s.finish(ctx, sub, submission.StateConfirmed, nil)

	case rcpt.Executed:
		sub.ReturnData = rcpt.ReturnData
		reason := metatx.ErrRevertedExecution
		if rcpt.Err != nil {
			reason = fmt.Errorf("%w: %v", metatx.ErrRevertedExecution, rcpt.Err)
		}
		s.finish(ctx, sub, submission.StateReverted, reason)

	default:
		reason := rcpt.Err
		if reason == nil {
			reason = metatx.ErrSubmissionRejected
		}
		s.finish(ctx, sub, submission.StateFailed, reason)
	}
}

func (s *Submitter) finish(ctx context.Context, sub *submission.Submission, state submission.State, reason error) {
	now := s.now()
	sub.State = state
	sub.ConfirmedAt = &now
	if reason != nil {
		sub.Error = reason.Error()
		sub.Code = metatx.Code(reason)
	}

	if s.metrics != nil {
		s.metrics.RecordSubmission(string(state), now.Sub(sub.CreatedAt).Seconds())
	}

	if state == submission.StateConfirmed {
		s.logger.DebugContext(ctx, "submission confirmed",
			"submission_id", sub.ID, "from", sub.From.Hex(), "nonce", sub.Nonce, "checks", sub.Checks)
	} else {
		s.logger.WarnContext(ctx, "submission did not execute cleanly",
			"submission_id", sub.ID, "state", state, "from", sub.From.Hex(), "nonce", sub.Nonce, "error", sub.Error)
	}

	s.update(ctx, sub)
}

func (s *Submitter) update(ctx context.Context, sub *submission.Submission) {
	if err := s.store.UpdateSubmission(ctx, sub); err != nil {
		s.logger.ErrorContext(ctx, "update submission failed",
			"submission_id", sub.ID, "error", err)
	}
}

// swap converts the collected fee back to native currency. A failure is
// recorded on the submission and never undoes the forwarded call.
func (s *Submitter) swap(ctx context.Context, sub *submission.Submission) {
	if s.swapper == nil || sub.TransactorFee == "" {
		return
	}
	amountIn, err := uint256.FromDecimal(sub.TransactorFee)
	if err != nil || amountIn.IsZero() {
		return
	}
	minOut := s.minOut(sub.CostInNative)

	if err := s.swapper.Swap(ctx, amountIn, minOut); err != nil {
		sub.SwapError = err.Error()
		if s.metrics != nil {
			s.metrics.SwapFailuresTotal.Inc()
		}
		s.logger.WarnContext(ctx, "fee swap failed",
			"submission_id", sub.ID, "amount_in", amountIn.Dec(), "min_out", minOut.Dec(), "error", err)
	}
}

// minOut applies the configured slippage to the native cost.
func (s *Submitter) minOut(cost string) *uint256.Int {
	out, err := uint256.FromDecimal(cost)
	if err != nil || s.cfg.SwapSlippageBps >= 10_000 {
		return new(uint256.Int)
	}
	out.Mul(out, uint256.NewInt(10_000-s.cfg.SwapSlippageBps))
	return out.Div(out, uint256.NewInt(10_000))
}
