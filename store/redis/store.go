// Package redis provides a Redis-backed Store implementation via Grove KV.
//
// Records are stored as JSON under per-entity keys and indexed with sorted
// sets scored by time. The nonce counter is advanced by a Lua script so the
// compare and the increment happen in one round trip.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/grove/kv"
	"github.com/xraph/grove/kv/drivers/redisdriver"

	mrstore "github.com/xraph/metarelay/store"
)

// compile-time interface check
var _ mrstore.Store = (*Store)(nil)

// Store implements store.Store using Redis via Grove KV.
type Store struct {
	kv  *kv.Store
	rdb goredis.UniversalClient
}

// New creates a new Redis store backed by Grove KV.
func New(store *kv.Store) *Store {
	return &Store{
		kv:  store,
		rdb: redisdriver.UnwrapClient(store),
	}
}

// Migrate is a no-op for Redis (no schema migrations needed).
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// Close closes the KV store.
func (s *Store) Close() error {
	return s.kv.Close()
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// scoreFromTime converts a time.Time to a sorted set score (unix seconds as float64).
func scoreFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// isNotFound checks if an error is a KV not-found sentinel.
func isNotFound(err error) bool {
	return errors.Is(err, kv.ErrNotFound)
}

// isRedisNil checks if an error is a Redis nil (key not found).
func isRedisNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}

// getEntity retrieves and decodes a JSON entity from a KV key.
func (s *Store) getEntity(ctx context.Context, key string, dest any) error {
	raw, err := s.kv.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// setEntity encodes and stores a JSON entity under a KV key.
func (s *Store) setEntity(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("metarelay/redis: marshal entity: %w", err)
	}
	return s.kv.SetRaw(ctx, key, raw)
}

// zRangeByScoreIDs returns all member IDs from a sorted set within a score range.
func (s *Store) zRangeByScoreIDs(ctx context.Context, key string, lo, hi float64) ([]string, error) {
	minStr := "-inf"
	maxStr := "+inf"
	if !math.IsInf(lo, -1) {
		minStr = strconv.FormatFloat(lo, 'f', -1, 64)
	}
	if !math.IsInf(hi, 1) {
		maxStr = strconv.FormatFloat(hi, 'f', -1, 64)
	}
	return s.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: minStr,
		Max: maxStr,
	}).Result()
}

// dueIDs returns up to limit members of a due index scored at or before t.
func (s *Store) dueIDs(ctx context.Context, key string, t time.Time, limit int) ([]string, error) {
	by := &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(scoreFromTime(t), 'f', -1, 64),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	return s.rdb.ZRangeByScore(ctx, key, by).Result()
}

// loadAll decodes the entities behind ids in order, skipping keys that have
// vanished since the index was read.
func loadAll[T any](ctx context.Context, s *Store, prefix string, ids []string) ([]*T, error) {
	result := make([]*T, 0, len(ids))
	for _, memberID := range ids {
		v := new(T)
		if err := s.getEntity(ctx, entityKey(prefix, memberID), v); err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}

// reversed returns ids newest first from an ascending sorted set read.
func reversed(ids []string) []string {
	out := make([]string, len(ids))
	for i, v := range ids {
		out[len(ids)-1-i] = v
	}
	return out
}

// applyPagination applies offset and limit to a slice.
func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) && offset > 0 {
		return nil
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
