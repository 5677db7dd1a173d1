package redis

import (
	"context"
	"fmt"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/metarelay"
	"github.com/xraph/metarelay/dlq"
	"github.com/xraph/metarelay/id"
)

func (s *Store) Push(ctx context.Context, entry *dlq.Entry) error {
	key := entityKey(prefixDLQ, entry.ID.String())
	if err := s.setEntity(ctx, key, entry); err != nil {
		return fmt.Errorf("metarelay/redis: push dlq: %w", err)
	}

	member := entry.ID.String()
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, zDLQAll, goredis.Z{Score: scoreFromTime(entry.FailedAt), Member: member})
	pipe.ZAdd(ctx, zDLQFrom+entry.From.Hex(), goredis.Z{Score: scoreFromTime(entry.FailedAt), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("metarelay/redis: push dlq indexes: %w", err)
	}
	return nil
}

func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	zKey := zDLQAll
	if opts.From != nil {
		zKey = zDLQFrom + opts.From.Hex()
	}

	minScore := math.Inf(-1)
	maxScore := math.Inf(1)
	if opts.Since != nil {
		minScore = scoreFromTime(*opts.Since)
	}
	if opts.Until != nil {
		maxScore = scoreFromTime(*opts.Until)
	}

	ids, err := s.zRangeByScoreIDs(ctx, zKey, minScore, maxScore)
	if err != nil {
		return nil, fmt.Errorf("metarelay/redis: list dlq: %w", err)
	}

	result, err := loadAll[dlq.Entry](ctx, s, prefixDLQ, reversed(ids))
	if err != nil {
		return nil, err
	}
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	var entry dlq.Entry
	if err := s.getEntity(ctx, entityKey(prefixDLQ, dlqID.String()), &entry); err != nil {
		if isNotFound(err) {
			return nil, metarelay.ErrDLQNotFound
		}
		return nil, fmt.Errorf("metarelay/redis: get dlq: %w", err)
	}
	return &entry, nil
}

func (s *Store) MarkReplayed(ctx context.Context, dlqID, opID id.ID, at time.Time) error {
	entry, err := s.GetDLQ(ctx, dlqID)
	if err != nil {
		return err
	}

	entry.ReplayedAt = &at
	entry.ReplayOperationID = opID
	entry.UpdatedAt = now()
	if err := s.setEntity(ctx, entityKey(prefixDLQ, dlqID.String()), entry); err != nil {
		return fmt.Errorf("metarelay/redis: mark replayed: %w", err)
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.zRangeByScoreIDs(ctx, zDLQAll, math.Inf(-1), scoreFromTime(before))
	if err != nil {
		return 0, fmt.Errorf("metarelay/redis: purge list: %w", err)
	}

	var count int64
	for _, entryID := range ids {
		var entry dlq.Entry
		if err := s.getEntity(ctx, entityKey(prefixDLQ, entryID), &entry); err != nil {
			if isNotFound(err) {
				continue
			}
			return count, err
		}
		// The score is inclusive; Purge is strictly before.
		if !entry.FailedAt.Before(before) {
			continue
		}

		if err := s.deleteDLQEntry(ctx, entryID, entry.From.Hex()); err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.rdb.ZCard(ctx, zDLQAll).Result()
	if err != nil {
		return 0, fmt.Errorf("metarelay/redis: count dlq: %w", err)
	}
	return count, nil
}

// deleteDLQEntry removes a DLQ entry and its index entries.
func (s *Store) deleteDLQEntry(ctx context.Context, entryID, from string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, entityKey(prefixDLQ, entryID))
	pipe.ZRem(ctx, zDLQAll, entryID)
	pipe.ZRem(ctx, zDLQFrom+from, entryID)
	_, err := pipe.Exec(ctx)
	return err
}
