package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.sync/internal/clock"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
)

// 队列键：{user/device} 作为 hash tag，保证同一设备的键落在同一槽位
//
//	seq      INCR 计数器，序号永不复用
//	entries  ZSET member=seq score=seq
//	data     HASH seq -> 条目 JSON（不含序号）
//	age      ZSET member=seq score=入队毫秒
//	dedup    ZSET member=去重键 score=入队毫秒
//	dedupseq HASH 去重键 -> seq
func queueKeys(key model.DeviceKey) []string {
	base := "im:sync:queue:{" + key.UserID + "/" + key.DeviceID + "}:"
	return []string{
		base + "seq",
		base + "entries",
		base + "data",
		base + "age",
		base + "dedup",
		base + "dedupseq",
	}
}

// purgeLua 按年龄淘汰，ARGV[1]=now_ms ARGV[2]=max_age_ms
// 不限年龄时只保留仍在队列中的条目的去重记录
const purgeLua = `
local function pruneDedup()
  local first = redis.call('ZRANGE', KEYS[2], 0, 0)
  local floor
  if first[1] then
    floor = tonumber(first[1])
  else
    floor = tonumber(redis.call('GET', KEYS[1]) or '0') + 1
  end
  local marks = redis.call('HGETALL', KEYS[6])
  for i = 1, #marks, 2 do
    if tonumber(marks[i + 1]) < floor then
      redis.call('HDEL', KEYS[6], marks[i])
      redis.call('ZREM', KEYS[5], marks[i])
    end
  end
end
local function purge(now, maxAge)
  if maxAge <= 0 then
    pruneDedup()
    return 0
  end
  local cutoff = '(' .. (now - maxAge)
  local old = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', cutoff)
  for _, s in ipairs(old) do
    redis.call('ZREM', KEYS[2], s)
    redis.call('HDEL', KEYS[3], s)
  end
  redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', cutoff)
  local oldKeys = redis.call('ZRANGEBYSCORE', KEYS[5], '-inf', cutoff)
  for _, k in ipairs(oldKeys) do
    redis.call('HDEL', KEYS[6], k)
  end
  redis.call('ZREMRANGEBYSCORE', KEYS[5], '-inf', cutoff)
  return #old
end
local function drop(s)
  redis.call('ZREM', KEYS[2], s)
  redis.call('HDEL', KEYS[3], s)
  redis.call('ZREM', KEYS[4], s)
end
`

// ARGV: now_ms, max_age_ms, capacity, dedup_key, body, ttl_seconds
var enqueueScript = redis.NewScript(purgeLua + `
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[3])
local dedupKey = ARGV[4]
local ttl = tonumber(ARGV[6])
local evicted = purge(now, tonumber(ARGV[2]))

if dedupKey ~= '' then
  local existing = redis.call('HGET', KEYS[6], dedupKey)
  if existing then
    return {tonumber(existing), 1, evicted}
  end
end

local seq = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], seq, seq)
redis.call('HSET', KEYS[3], seq, ARGV[5])
redis.call('ZADD', KEYS[4], now, seq)
if dedupKey ~= '' then
  redis.call('HSET', KEYS[6], dedupKey, seq)
  redis.call('ZADD', KEYS[5], now, dedupKey)
end

if capacity > 0 then
  local n = redis.call('ZCARD', KEYS[2])
  if n > capacity then
    local over = redis.call('ZRANGE', KEYS[2], 0, n - capacity - 1)
    for _, s in ipairs(over) do
      drop(s)
      evicted = evicted + 1
    end
  end
end

if ttl > 0 then
  for i = 2, 6 do
    redis.call('EXPIRE', KEYS[i], ttl)
  end
end
return {seq, 0, evicted}
`)

// ARGV: now_ms, max_age_ms, after_seq, limit
var drainScript = redis.NewScript(purgeLua + `
purge(tonumber(ARGV[1]), tonumber(ARGV[2]))
local limit = tonumber(ARGV[4])
local seqs
if limit > 0 then
  seqs = redis.call('ZRANGEBYSCORE', KEYS[2], '(' .. ARGV[3], '+inf', 'LIMIT', 0, limit)
else
  seqs = redis.call('ZRANGEBYSCORE', KEYS[2], '(' .. ARGV[3], '+inf')
end
local out = {}
for _, s in ipairs(seqs) do
  table.insert(out, s)
  table.insert(out, redis.call('HGET', KEYS[3], s))
end
return out
`)

// ARGV: up_to_seq
var ackScript = redis.NewScript(purgeLua + `
local seqs = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local out = {}
for _, s in ipairs(seqs) do
  table.insert(out, s)
  table.insert(out, redis.call('HGET', KEYS[3], s))
  drop(s)
end
return out
`)

// ARGV: now_ms, max_age_ms
var countScript = redis.NewScript(purgeLua + `
purge(tonumber(ARGV[1]), tonumber(ARGV[2]))
return redis.call('ZCARD', KEYS[2])
`)

// ARGV: now_ms, max_age_ms
var lastScript = redis.NewScript(purgeLua + `
purge(tonumber(ARGV[1]), tonumber(ARGV[2]))
local last = redis.call('ZRANGE', KEYS[2], -1, -1)
if last[1] then
  return tonumber(last[1])
end
return 0
`)

// ARGV: seq
var removeScript = redis.NewScript(purgeLua + `
drop(ARGV[1])
return 1
`)

// Redis 基于 Lua 脚本的持久离线队列，单设备操作原子
type Redis struct {
	client redis.UniversalClient
	policy Policy
	clock  clock.Clock
}

// NewRedis 创建 Redis 队列
func NewRedis(client redis.UniversalClient, policy Policy, clk clock.Clock) *Redis {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Redis{client: client, policy: policy, clock: clk}
}

func wrapRedis(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.ErrStorage.Wrap(err)
}

func (q *Redis) ttlSeconds() int64 {
	if q.policy.MaxAge <= 0 {
		return 0
	}
	return int64(q.policy.MaxAge/time.Second) + 1
}

func (q *Redis) Enqueue(ctx context.Context, e model.QueueEntry) (EnqueueResult, error) {
	now := q.clock.Now()
	e.EnqueuedAt = now
	e.Sequence = 0
	body, err := json.Marshal(e)
	if err != nil {
		return EnqueueResult{}, err
	}

	res, err := enqueueScript.Run(ctx, q.client, queueKeys(e.Key()),
		now.UnixMilli(),
		q.policy.MaxAge.Milliseconds(),
		q.policy.Capacity,
		e.DedupKey,
		body,
		q.ttlSeconds(),
	).Int64Slice()
	if err != nil {
		return EnqueueResult{}, wrapRedis(err)
	}
	if len(res) != 3 {
		return EnqueueResult{}, fmt.Errorf("unexpected enqueue reply: %v", res)
	}
	return EnqueueResult{Sequence: res[0], Duplicate: res[1] == 1, Evicted: int(res[2])}, nil
}

func (q *Redis) Drain(ctx context.Context, key model.DeviceKey, afterSeq int64, limit int) ([]model.QueueEntry, error) {
	vals, err := drainScript.Run(ctx, q.client, queueKeys(key),
		q.clock.Now().UnixMilli(),
		q.policy.MaxAge.Milliseconds(),
		afterSeq,
		limit,
	).Slice()
	if err != nil {
		return nil, wrapRedis(err)
	}
	return decodePairs(vals)
}

func (q *Redis) Acknowledge(ctx context.Context, key model.DeviceKey, upTo int64) ([]model.QueueEntry, error) {
	vals, err := ackScript.Run(ctx, q.client, queueKeys(key), upTo).Slice()
	if err != nil {
		return nil, wrapRedis(err)
	}
	return decodePairs(vals)
}

func (q *Redis) Remove(ctx context.Context, key model.DeviceKey, seq int64) error {
	return wrapRedis(removeScript.Run(ctx, q.client, queueKeys(key), seq).Err())
}

func (q *Redis) Count(ctx context.Context, key model.DeviceKey) (int, error) {
	n, err := countScript.Run(ctx, q.client, queueKeys(key),
		q.clock.Now().UnixMilli(),
		q.policy.MaxAge.Milliseconds(),
	).Int()
	return n, wrapRedis(err)
}

func (q *Redis) Last(ctx context.Context, key model.DeviceKey) (int64, error) {
	seq, err := lastScript.Run(ctx, q.client, queueKeys(key),
		q.clock.Now().UnixMilli(),
		q.policy.MaxAge.Milliseconds(),
	).Int64()
	return seq, wrapRedis(err)
}

// decodePairs 解析 [seq, body, seq, body, ...]
func decodePairs(vals []interface{}) ([]model.QueueEntry, error) {
	out := make([]model.QueueEntry, 0, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		seqStr, _ := vals[i].(string)
		body, ok := vals[i+1].(string)
		if !ok {
			continue
		}
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad queue sequence %q: %w", seqStr, err)
		}
		var e model.QueueEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("bad queue entry %d: %w", seq, err)
		}
		e.Sequence = seq
		out = append(out, e)
	}
	return out, nil
}
