// Package kv wraps the single Redis connection pool (plus a dedicated
// subscription connection) that every other ScalyClaw component goes
// through. No component in this module is allowed to import go-redis
// directly — all typed access, pub/sub, and scripted atomic ops live here.
package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Prefix roots for the KV store's key namespaces.
const (
	PrefixSession     = "scalyclaw:session:"
	PrefixScheduled   = "scalyclaw:scheduled:"
	PrefixSecret      = "scalyclaw:secret:"
	PrefixProgress    = "progress:"
	PrefixProgressBuf = "progress-buffer:"
	PrefixChannelJobs = "scalyclaw:channel-jobs:"
	PrefixConfig      = "scalyclaw:config"
	PrefixRate        = "scalyclaw:rate:"
	PrefixCancel      = "scalyclaw:cancel:"
	PrefixReply       = "adapter-reply:"
	PrefixActivity    = "scalyclaw:activity:"
	PrefixProactive   = "scalyclaw:proactive:"
)

// Store is the typed Redis adapter. A second client (subClient) is kept
// open purely for (p)subscribe so a busy subscription never blocks command
// traffic on the main pool.
type Store struct {
	client    *redis.Client
	subClient *redis.Client
	logger    *slog.Logger

	rateScript    *redis.Script
	stealScript   *redis.Script
	cancelScript  *redis.Script
}

// Option configures a Store.
type Option func(*Store)

// WithLogger configures the adapter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New dials Redis using addr and opts, and returns a ready Store.
func New(addr string, opts ...Option) (*Store, error) {
	base := &redis.Options{Addr: addr}
	s := &Store{
		client:    redis.NewClient(base),
		subClient: redis.NewClient(base),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rateScript = redis.NewScript(slidingWindowScript)
	s.stealScript = redis.NewScript(stealIfStaleScript)
	s.cancelScript = redis.NewScript(cancelIfOwnerScript)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: ping redis: %w", err)
	}
	return s, nil
}

// Close releases both connections.
func (s *Store) Close() error {
	errC := s.client.Close()
	errS := s.subClient.Close()
	if errC != nil {
		return errC
	}
	return errS
}

// Client exposes the raw client for packages that need a primitive not yet
// wrapped here (e.g. pipelines). Prefer adding a typed method instead.
func (s *Store) Client() *redis.Client { return s.client }

// --- string ---

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

// --- hash ---

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *Store) HMSet(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HSet(ctx, key, fields).Err()
}

func (s *Store) HExpire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// --- list ---

func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	return s.client.LPush(ctx, key, toAny(values)...).Err()
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	return s.client.RPush(ctx, key, toAny(values)...).Err()
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *Store) LRem(ctx context.Context, key string, count int64, value string) error {
	return s.client.LRem(ctx, key, count, value).Err()
}

// --- set ---

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	return s.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	return s.client.SRem(ctx, key, toAny(members)...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

// --- sorted set (rate windows, delayed-job schedules) ---

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	return s.client.ZRem(ctx, key, toAny(members)...).Err()
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

// --- pub/sub ---

// Publish sends payload on channel and returns the number of subscribers
// that received it.
func (s *Store) Publish(ctx context.Context, channel, payload string) (int64, error) {
	return s.client.Publish(ctx, channel, payload).Result()
}

// PSubscribe returns a pattern subscription on the dedicated sub client.
func (s *Store) PSubscribe(ctx context.Context, pattern string) *redis.PubSub {
	return s.subClient.PSubscribe(ctx, pattern)
}

// Subscribe returns a direct channel subscription on the dedicated sub client.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.subClient.Subscribe(ctx, channel)
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
