package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Wikid82/guard/internal/config"
	"github.com/Wikid82/guard/internal/models"
)

// incrWithExpire increments KEYS[1] and sets its expiry (ARGV[1] ms) in the
// same round trip. A counter that somehow lost its TTL gets one again.
var incrWithExpire = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if current == 1 or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisStore implements StateStore on top of go-redis.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Close releases the underlying client's connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func (s *RedisStore) IncrementRateLimit(ctx context.Context, subject, route string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		return 0, 0, fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	res, err := incrWithExpire.Run(ctx, s.client, []string{RateKey(subject, route)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, unavailable("increment rate limit", err)
	}
	if len(res) < 2 {
		return 0, 0, unavailable("increment rate limit", fmt.Errorf("unexpected script reply %v", res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (s *RedisStore) GetThreatLevel(ctx context.Context, subject string) (models.ThreatLevel, error) {
	raw, err := s.client.Get(ctx, ThreatKey(subject)).Result()
	if errors.Is(err, redis.Nil) {
		return models.ThreatLow, nil
	}
	if err != nil {
		return models.ThreatLow, unavailable("get threat level", err)
	}
	level, err := models.ParseThreatLevel(raw)
	if err != nil {
		return models.ThreatLow, fmt.Errorf("decode threat level for %s: %w", subject, err)
	}
	return level, nil
}

func (s *RedisStore) SetThreatLevel(ctx context.Context, subject string, level models.ThreatLevel, ttl time.Duration) error {
	if !level.Valid() {
		return fmt.Errorf("invalid threat level %d", int(level))
	}
	if err := s.client.Set(ctx, ThreatKey(subject), level.String(), ttl).Err(); err != nil {
		return unavailable("set threat level", err)
	}
	return nil
}

func (s *RedisStore) BlockSubject(ctx context.Context, subject string, duration time.Duration, reason string) error {
	if duration < 0 {
		duration = 0
	}
	if err := s.client.Set(ctx, BlockKey(subject), reason, duration).Err(); err != nil {
		return unavailable("block subject", err)
	}
	return nil
}

func (s *RedisStore) UnblockSubject(ctx context.Context, subject string) error {
	if err := s.client.Del(ctx, BlockKey(subject)).Err(); err != nil {
		return unavailable("unblock subject", err)
	}
	return nil
}

func (s *RedisStore) IsBlocked(ctx context.Context, subject string) (bool, error) {
	return s.Exists(ctx, BlockKey(subject))
}

func (s *RedisStore) SetChallenge(ctx context.Context, c models.SecurityChallenge) error {
	ttl := c.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return ErrChallengeExpired
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	if err := s.client.Set(ctx, ChallengeKey(c.ID), payload, ttl).Err(); err != nil {
		return unavailable("set challenge", err)
	}
	return nil
}

func (s *RedisStore) GetChallenge(ctx context.Context, id string) (models.SecurityChallenge, bool, error) {
	var c models.SecurityChallenge
	raw, err := s.client.Get(ctx, ChallengeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return c, false, nil
	}
	if err != nil {
		return c, false, unavailable("get challenge", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, false, fmt.Errorf("decode challenge %s: %w", id, err)
	}
	return c, true, nil
}

func (s *RedisStore) RemoveChallenge(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, ChallengeKey(id)).Result()
	if err != nil {
		return false, unavailable("remove challenge", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("set if absent", err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}
