package redis

import (
	"context"
	"fmt"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/metarelay"
	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/submission"
)

func (s *Store) CreateSubmission(ctx context.Context, sub *submission.Submission) error {
	key := entityKey(prefixSubmission, sub.ID.String())
	if err := s.setEntity(ctx, key, sub); err != nil {
		return fmt.Errorf("metarelay/redis: create submission: %w", err)
	}

	member := sub.ID.String()
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, zSubmissionAll, goredis.Z{Score: scoreFromTime(sub.CreatedAt), Member: member})
	pipe.ZAdd(ctx, zSubmissionFrom+sub.From.Hex(), goredis.Z{Score: scoreFromTime(sub.CreatedAt), Member: member})
	pipe.SAdd(ctx, sSubmissionState+string(sub.State), member)
	if sub.State == submission.StatePending {
		pipe.ZAdd(ctx, zSubmissionDue, goredis.Z{Score: scoreFromTime(sub.NextCheckAt), Member: member})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("metarelay/redis: create submission indexes: %w", err)
	}
	return nil
}

func (s *Store) UpdateSubmission(ctx context.Context, sub *submission.Submission) error {
	existing, err := s.GetSubmission(ctx, sub.ID)
	if err != nil {
		return err
	}

	sub.UpdatedAt = now()
	key := entityKey(prefixSubmission, sub.ID.String())
	if err := s.setEntity(ctx, key, sub); err != nil {
		return fmt.Errorf("metarelay/redis: update submission: %w", err)
	}

	member := sub.ID.String()
	pipe := s.rdb.Pipeline()
	if existing.State != sub.State {
		pipe.SMove(ctx, sSubmissionState+string(existing.State), sSubmissionState+string(sub.State), member)
	}
	if sub.State == submission.StatePending {
		pipe.ZAdd(ctx, zSubmissionDue, goredis.Z{Score: scoreFromTime(sub.NextCheckAt), Member: member})
	} else {
		pipe.ZRem(ctx, zSubmissionDue, member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("metarelay/redis: update submission indexes: %w", err)
	}
	return nil
}

func (s *Store) GetSubmission(ctx context.Context, subID id.ID) (*submission.Submission, error) {
	var sub submission.Submission
	if err := s.getEntity(ctx, entityKey(prefixSubmission, subID.String()), &sub); err != nil {
		if isNotFound(err) {
			return nil, metarelay.ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("metarelay/redis: get submission: %w", err)
	}
	return &sub, nil
}

func (s *Store) ListSubmissions(ctx context.Context, opts submission.ListOpts) ([]*submission.Submission, error) {
	zKey := zSubmissionAll
	if opts.From != nil {
		zKey = zSubmissionFrom + opts.From.Hex()
	}

	ids, err := s.zRangeByScoreIDs(ctx, zKey, math.Inf(-1), math.Inf(1))
	if err != nil {
		return nil, fmt.Errorf("metarelay/redis: list submissions: %w", err)
	}

	all, err := loadAll[submission.Submission](ctx, s, prefixSubmission, reversed(ids))
	if err != nil {
		return nil, err
	}

	result := all[:0]
	for _, sub := range all {
		if opts.State != nil && sub.State != *opts.State {
			continue
		}
		result = append(result, sub)
	}
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) DueSubmissions(ctx context.Context, t time.Time, limit int) ([]*submission.Submission, error) {
	ids, err := s.dueIDs(ctx, zSubmissionDue, t, limit)
	if err != nil {
		return nil, fmt.Errorf("metarelay/redis: due submissions: %w", err)
	}
	return loadAll[submission.Submission](ctx, s, prefixSubmission, ids)
}

func (s *Store) CountSubmissions(ctx context.Context, state submission.State) (int64, error) {
	count, err := s.rdb.SCard(ctx, sSubmissionState+string(state)).Result()
	if err != nil {
		return 0, fmt.Errorf("metarelay/redis: count submissions: %w", err)
	}
	return count, nil
}
