package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Wikid82/guard/internal/models"
)

// MemoryStore is an in-process StateStore for development and tests. It
// keeps the same key layout and TTL semantics as RedisStore but is not
// shared between instances.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]memItem
}

type memItem struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{now: time.Now, items: map[string]memItem{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// getLocked returns a live item, evicting it when expired.
func (m *MemoryStore) getLocked(key string) (memItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.expiresAt.IsZero() && !m.now().Before(it.expiresAt) {
		delete(m.items, key)
		return memItem{}, false
	}
	return it, true
}

func (m *MemoryStore) setLocked(key, value string, ttl time.Duration) {
	it := memItem{value: value}
	if ttl > 0 {
		it.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = it
}

func checkCtx(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (m *MemoryStore) IncrementRateLimit(ctx context.Context, subject, route string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		return 0, 0, fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	if err := checkCtx(ctx, "increment rate limit"); err != nil {
		return 0, 0, err
	}
	key := RateKey(subject, route)
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.getLocked(key)
	if !ok {
		m.setLocked(key, "1", window)
		return 1, window, nil
	}
	count, err := strconv.ParseInt(it.value, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("decode rate counter %s: %w", key, err)
	}
	count++
	it.value = strconv.FormatInt(count, 10)
	if it.expiresAt.IsZero() {
		it.expiresAt = m.now().Add(window)
	}
	m.items[key] = it
	return count, it.expiresAt.Sub(m.now()), nil
}

func (m *MemoryStore) GetThreatLevel(ctx context.Context, subject string) (models.ThreatLevel, error) {
	if err := checkCtx(ctx, "get threat level"); err != nil {
		return models.ThreatLow, err
	}
	m.mu.Lock()
	it, ok := m.getLocked(ThreatKey(subject))
	m.mu.Unlock()
	if !ok {
		return models.ThreatLow, nil
	}
	return models.ParseThreatLevel(it.value)
}

func (m *MemoryStore) SetThreatLevel(ctx context.Context, subject string, level models.ThreatLevel, ttl time.Duration) error {
	if !level.Valid() {
		return fmt.Errorf("invalid threat level %d", int(level))
	}
	return m.Set(ctx, ThreatKey(subject), level.String(), ttl)
}

func (m *MemoryStore) BlockSubject(ctx context.Context, subject string, duration time.Duration, reason string) error {
	return m.Set(ctx, BlockKey(subject), reason, duration)
}

func (m *MemoryStore) UnblockSubject(ctx context.Context, subject string) error {
	return m.Delete(ctx, BlockKey(subject))
}

func (m *MemoryStore) IsBlocked(ctx context.Context, subject string) (bool, error) {
	return m.Exists(ctx, BlockKey(subject))
}

func (m *MemoryStore) SetChallenge(ctx context.Context, c models.SecurityChallenge) error {
	ttl := c.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		return ErrChallengeExpired
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	return m.Set(ctx, ChallengeKey(c.ID), string(payload), ttl)
}

func (m *MemoryStore) GetChallenge(ctx context.Context, id string) (models.SecurityChallenge, bool, error) {
	var c models.SecurityChallenge
	if err := checkCtx(ctx, "get challenge"); err != nil {
		return c, false, err
	}
	m.mu.Lock()
	it, ok := m.getLocked(ChallengeKey(id))
	m.mu.Unlock()
	if !ok {
		return c, false, nil
	}
	if err := json.Unmarshal([]byte(it.value), &c); err != nil {
		return c, false, fmt.Errorf("decode challenge %s: %w", id, err)
	}
	return c, true, nil
}

func (m *MemoryStore) RemoveChallenge(ctx context.Context, id string) (bool, error) {
	if err := checkCtx(ctx, "remove challenge"); err != nil {
		return false, err
	}
	key := ChallengeKey(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.getLocked(key)
	delete(m.items, key)
	return ok, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkCtx(ctx, "exists"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.getLocked(key)
	return ok, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := checkCtx(ctx, "set"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := checkCtx(ctx, "set if absent"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.getLocked(key); ok {
		return false, nil
	}
	m.setLocked(key, value, ttl)
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := checkCtx(ctx, "delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Sweep drops expired items. Long-running processes call it periodically.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k := range m.items {
		if _, ok := m.getLocked(k); !ok {
			removed++
		}
	}
	return removed
}
