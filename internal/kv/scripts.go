package kv

import (
	"context"
	"fmt"
	"time"
)

// slidingWindowScript implements a scripted sliding-window rate check: N
// events per window per key. Each accepted call adds one member to the
// sorted set keyed by a per-millisecond-unique id so repeated calls within
// the same millisecond don't collide, and expires the whole key so it
// self-cleans once traffic stops. At extreme rates the set can outgrow the
// window slightly before the key expires; the cap is treated as a soft
// upper bound.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return 0
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return 1
`

// stealIfStaleScript implements acquireSession: accept only if no fresh
// session hash exists, or the existing one's heartbeat is older than
// staleMs. On success it writes state=PROCESSING, the owner token,
// heartbeat=now, and sets a TTL.
const stealIfStaleScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local staleMs = tonumber(ARGV[2])
local owner = ARGV[3]
local sessionId = ARGV[4]
local ttlMs = tonumber(ARGV[5])

local state = redis.call('HGET', key, 'state')
local heartbeat = tonumber(redis.call('HGET', key, 'heartbeat') or '0')

if state and state ~= '' and state ~= 'IDLE' and state ~= 'DRAINING' then
  if (now - heartbeat) < staleMs then
    return 0
  end
end

redis.call('HSET', key, 'sessionId', sessionId, 'state', 'PROCESSING', 'owner', owner, 'startedAt', tostring(now), 'heartbeat', tostring(now), 'round', '0')
redis.call('PEXPIRE', key, ttlMs)
return 1
`

// cancelIfOwnerScript guards heartbeat/release ops so only the current
// owner can mutate a session, and never clobbers a sticky CANCELLING state.
const cancelIfOwnerScript = `
local key = KEYS[1]
local owner = ARGV[1]
local action = ARGV[2]
local payload = ARGV[3]

local curOwner = redis.call('HGET', key, 'owner')
if curOwner ~= owner then
  return 0
end
local state = redis.call('HGET', key, 'state')

if action == 'heartbeat' then
  if state == 'CANCELLING' then
    redis.call('HSET', key, 'heartbeat', payload)
    return 1
  end
  redis.call('HSET', key, 'heartbeat', payload)
  return 1
elseif action == 'release' then
  redis.call('DEL', key)
  return 1
end
return 0
`

// CheckRateLimit performs the scripted sliding-window check: at most limit
// events per window per key.
func (s *Store) CheckRateLimit(ctx context.Context, key string, window time.Duration, limit int64, member string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.rateScript.Run(ctx, s.client, []string{key}, now, window.Milliseconds(), limit, member).Int()
	if err != nil {
		return false, fmt.Errorf("kv: rate limit script: %w", err)
	}
	return res == 1, nil
}

// AcquireSession attempts to acquire or steal-if-stale the session hash at
// key. staleAfter is the heartbeat age beyond which an existing session may
// be stolen. ttl is the safety TTL.
func (s *Store) AcquireSession(ctx context.Context, key, owner, sessionID string, staleAfter, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.stealScript.Run(ctx, s.client, []string{key}, now, staleAfter.Milliseconds(), owner, sessionID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("kv: acquire session script: %w", err)
	}
	return res == 1, nil
}

// Heartbeat refreshes the session's heartbeat iff owner still holds it.
func (s *Store) Heartbeat(ctx context.Context, key, owner string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.cancelScript.Run(ctx, s.client, []string{key}, owner, "heartbeat", fmt.Sprintf("%d", now)).Int()
	if err != nil {
		return false, fmt.Errorf("kv: heartbeat script: %w", err)
	}
	return res == 1, nil
}

// ReleaseSession deletes the session hash iff owner still holds it.
func (s *Store) ReleaseSession(ctx context.Context, key, owner string) (bool, error) {
	res, err := s.cancelScript.Run(ctx, s.client, []string{key}, owner, "release", "").Int()
	if err != nil {
		return false, fmt.Errorf("kv: release session script: %w", err)
	}
	return res == 1, nil
}
