package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kordahl/insight-server/internal/xerrors"
)

// incrScript performs the same increment-or-reset that MemoryStore does under
// its mutex, atomically inside Redis. The record lives in a hash so the
// window start travels with the count; PEXPIRE at 2x window is the sweep.
var incrScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local start = tonumber(redis.call('HGET', key, 'start'))
if (not start) or (now - start >= window) then
  redis.call('HSET', key, 'start', now, 'count', 1, 'win', window)
  redis.call('PEXPIRE', key, window * 2)
  return {1, now}
end

local count = redis.call('HINCRBY', key, 'count', 1)
return {count, start}
`)

// RedisStore is a Store for deployments running more than one instance, where
// a shared approximate view beats each process keeping exact private
// counters. Single-instance deployments should prefer MemoryStore.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

// Increment implements Store. Errors are returned for the caller to fail
// open on; Redis being down must never reject traffic.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (Record, error) {
	nowMs := time.Now().UnixMilli()

	res, err := incrScript.Run(ctx, s.client,
		[]string{s.key(key)},
		nowMs, window.Milliseconds(),
	).Slice()
	if err != nil {
		return Record{}, xerrors.Wrap(err, "redis increment")
	}
	return parseIncrReply(res)
}

// parseIncrReply decodes the {count, startMs} pair the increment script
// returns. Anything else means the script and this code disagree.
func parseIncrReply(res []any) (Record, error) {
	if len(res) != 2 {
		return Record{}, xerrors.Newf("redis increment: unexpected reply length %d", len(res))
	}

	count, ok1 := res[0].(int64)
	startMs, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return Record{}, xerrors.Newf("redis increment: unexpected reply types %T, %T", res[0], res[1])
	}

	return Record{Count: count, WindowStart: time.UnixMilli(startMs)}, nil
}

// Peek implements Store.
func (s *RedisStore) Peek(ctx context.Context, key string) (Record, bool, error) {
	vals, err := s.client.HMGet(ctx, s.key(key), "count", "start", "win").Result()
	if err != nil {
		return Record{}, false, xerrors.Wrap(err, "redis peek")
	}
	return parseHashRecord(vals, time.Now().UnixMilli())
}

// parseHashRecord decodes the {count, start, win} triple HMGET returns for a
// record key. Missing count or start reads as absent, and so does a record
// whose window already closed, same as MemoryStore.
func parseHashRecord(vals []any, nowMs int64) (Record, bool, error) {
	if len(vals) != 3 {
		return Record{}, false, xerrors.Newf("redis peek: unexpected reply length %d", len(vals))
	}
	if vals[0] == nil || vals[1] == nil {
		return Record{}, false, nil
	}

	count, err := toInt64(vals[0])
	if err != nil {
		return Record{}, false, xerrors.Wrap(err, "redis peek: count")
	}
	startMs, err := toInt64(vals[1])
	if err != nil {
		return Record{}, false, xerrors.Wrap(err, "redis peek: start")
	}

	if vals[2] != nil {
		if winMs, err := toInt64(vals[2]); err == nil {
			if nowMs-startMs >= winMs {
				return Record{}, false, nil
			}
		}
	}

	return Record{Count: count, WindowStart: time.UnixMilli(startMs)}, true, nil
}

// redis hash fields come back as strings through HMGET
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, xerrors.Newf("unexpected redis value type %T", v)
	}
}
