package redis

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/metarelay"
	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/watcher"
)

func (s *Store) CreateOperation(ctx context.Context, op *watcher.Operation) error {
	key := entityKey(prefixOperation, op.ID.String())
	if err := s.setEntity(ctx, key, op); err != nil {
		return fmt.Errorf("metarelay/redis: create operation: %w", err)
	}

	if _, err := s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		member := op.ID.String()
		pipe.ZAdd(ctx, zOperationAll, goredis.Z{Score: scoreFromTime(op.CreatedAt), Member: member})
		pipe.ZAdd(ctx, zOperationFrom+op.From.Hex(), goredis.Z{Score: scoreFromTime(op.CreatedAt), Member: member})
		s.indexState(ctx, pipe, op)
		return nil
	}); err != nil {
		return fmt.Errorf("metarelay/redis: create operation indexes: %w", err)
	}
	return nil
}

func (s *Store) UpdateOperation(ctx context.Context, op *watcher.Operation) error {
	key := entityKey(prefixOperation, op.ID.String())
	if _, err := s.kv.GetRaw(ctx, key); err != nil {
		if isNotFound(err) {
			return metarelay.ErrOperationNotFound
		}
		return fmt.Errorf("metarelay/redis: update operation: %w", err)
	}

	op.UpdatedAt = now()
	if err := s.setEntity(ctx, key, op); err != nil {
		return fmt.Errorf("metarelay/redis: update operation: %w", err)
	}

	if _, err := s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		s.indexState(ctx, pipe, op)
		return nil
	}); err != nil {
		return fmt.Errorf("metarelay/redis: update operation indexes: %w", err)
	}
	return nil
}

// indexState keeps the due index and the per-identity active pointer in step
// with op's state.
func (s *Store) indexState(ctx context.Context, pipe goredis.Pipeliner, op *watcher.Operation) {
	member := op.ID.String()
	if op.State.Terminal() {
		pipe.ZRem(ctx, zOperationDue, member)
		pipe.Del(ctx, uniqueActiveOp+op.From.Hex())
		return
	}
	pipe.ZAdd(ctx, zOperationDue, goredis.Z{Score: scoreFromTime(op.NextCheckAt), Member: member})
	pipe.Set(ctx, uniqueActiveOp+op.From.Hex(), member, 0)
}

func (s *Store) GetOperation(ctx context.Context, opID id.ID) (*watcher.Operation, error) {
	var op watcher.Operation
	if err := s.getEntity(ctx, entityKey(prefixOperation, opID.String()), &op); err != nil {
		if isNotFound(err) {
			return nil, metarelay.ErrOperationNotFound
		}
		return nil, fmt.Errorf("metarelay/redis: get operation: %w", err)
	}
	return &op, nil
}

func (s *Store) ListOperations(ctx context.Context, opts watcher.ListOpts) ([]*watcher.Operation, error) {
	zKey := zOperationAll
	if opts.From != nil {
		zKey = zOperationFrom + opts.From.Hex()
	}

	ids, err := s.zRangeByScoreIDs(ctx, zKey, math.Inf(-1), math.Inf(1))
	if err != nil {
		return nil, fmt.Errorf("metarelay/redis: list operations: %w", err)
	}

	all, err := loadAll[watcher.Operation](ctx, s, prefixOperation, reversed(ids))
	if err != nil {
		return nil, err
	}

	result := all[:0]
	for _, op := range all {
		if opts.State != nil && op.State != *opts.State {
			continue
		}
		result = append(result, op)
	}
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) DueOperations(ctx context.Context, t time.Time, limit int) ([]*watcher.Operation, error) {
	ids, err := s.dueIDs(ctx, zOperationDue, t, limit)
	if err != nil {
		return nil, fmt.Errorf("metarelay/redis: due operations: %w", err)
	}
	return loadAll[watcher.Operation](ctx, s, prefixOperation, ids)
}

func (s *Store) ActiveOperation(ctx context.Context, from common.Address) (*watcher.Operation, error) {
	member, err := s.rdb.Get(ctx, uniqueActiveOp+from.Hex()).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil //nolint:nilnil // no active operation is not an error
		}
		return nil, fmt.Errorf("metarelay/redis: active operation: %w", err)
	}

	opID, err := id.ParseOperationID(member)
	if err != nil {
		return nil, fmt.Errorf("metarelay/redis: parse operation ID %q: %w", member, err)
	}
	op, err := s.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op.State.Terminal() {
		return nil, nil //nolint:nilnil // stale pointer
	}
	return op, nil
}

func (s *Store) CreateAttempt(ctx context.Context, a *watcher.Attempt) error {
	key := entityKey(prefixAttempt, a.ID.String())
	if err := s.setEntity(ctx, key, a); err != nil {
		return fmt.Errorf("metarelay/redis: create attempt: %w", err)
	}
	if err := s.rdb.RPush(ctx, lAttemptsOp+a.OperationID.String(), a.ID.String()).Err(); err != nil {
		return fmt.Errorf("metarelay/redis: index attempt: %w", err)
	}
	return nil
}

func (s *Store) UpdateAttempt(ctx context.Context, a *watcher.Attempt) error {
	key := entityKey(prefixAttempt, a.ID.String())

	var existing watcher.Attempt
	if err := s.getEntity(ctx, key, &existing); err != nil {
		if isNotFound(err) {
			return metarelay.ErrAttemptNotFound
		}
		return fmt.Errorf("metarelay/redis: update attempt: %w", err)
	}

	existing.Status = a.Status
	existing.Error = a.Error
	existing.UpdatedAt = now()
	if err := s.setEntity(ctx, key, &existing); err != nil {
		return fmt.Errorf("metarelay/redis: update attempt: %w", err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, opID id.ID) ([]*watcher.Attempt, error) {
	ids, err := s.rdb.LRange(ctx, lAttemptsOp+opID.String(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("metarelay/redis: list attempts: %w", err)
	}
	return loadAll[watcher.Attempt](ctx, s, prefixAttempt, ids)
}
