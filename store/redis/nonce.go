package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/metarelay/nonce"
)

// casNonce advances KEYS[1] by one if it equals ARGV[1]. It returns
// {1, new} on success and {0, current} on mismatch.
var casNonce = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then cur = '0' end
if cur ~= ARGV[1] then
	return {0, cur}
end
return {1, tostring(redis.call('INCR', KEYS[1]))}
`)

func nonceKey(from common.Address) string {
	return entityKey(prefixNonce, from.Hex())
}

// NextNonce returns the next expected nonce for from.
func (s *Store) NextNonce(ctx context.Context, from common.Address) (uint64, error) {
	raw, err := s.rdb.Get(ctx, nonceKey(from)).Result()
	if err != nil {
		if isRedisNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("metarelay/redis: get nonce: %w", err)
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metarelay/redis: parse nonce %q: %w", raw, err)
	}
	return n, nil
}

// CompareAndIncrement advances from's nonce if it equals expected.
func (s *Store) CompareAndIncrement(ctx context.Context, from common.Address, expected uint64) (uint64, error) {
	res, err := casNonce.Run(ctx, s.rdb, []string{nonceKey(from)}, strconv.FormatUint(expected, 10)).Slice()
	if err != nil {
		return 0, fmt.Errorf("metarelay/redis: nonce cas: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("metarelay/redis: nonce cas: unexpected reply %v", res)
	}

	ok, _ := res[0].(int64)
	raw, _ := res[1].(string)
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metarelay/redis: parse nonce %q: %w", raw, err)
	}
	if ok != 1 {
		return n, nonce.Check(n, expected)
	}
	return n, nil
}
