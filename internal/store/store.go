// Package store abstracts the shared, TTL-capable key-value store that holds
// guard state: rate counters, threat levels, block flags, outstanding
// challenges and idempotency markers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Wikid82/guard/internal/models"
)

var (
	// ErrStoreUnavailable wraps every backend failure, including timeouts
	// and cancellations, so callers can apply their failure policy.
	ErrStoreUnavailable = errors.New("state store unavailable")
	// ErrChallengeExpired is returned when storing a challenge whose expiry has passed.
	ErrChallengeExpired = errors.New("challenge already expired")
)

// StateStore is the contract shared by the decision pipeline, the threat
// escalation consumer, the challenge service and the idempotency wrapper.
//
// Domain methods take raw subject, route and challenge identifiers and build
// sanitized, namespaced keys themselves. The generic methods (Exists, Set,
// SetIfAbsent, Delete) take keys built with SignalKey or IdempotencyKey.
type StateStore interface {
	// IncrementRateLimit atomically increments the fixed-window counter for
	// (subject, route), creating it with TTL = window when absent. It returns
	// the post-increment count and the remaining TTL of the window.
	IncrementRateLimit(ctx context.Context, subject, route string, window time.Duration) (int64, time.Duration, error)

	// GetThreatLevel returns ThreatLow when no level is stored.
	GetThreatLevel(ctx context.Context, subject string) (models.ThreatLevel, error)
	SetThreatLevel(ctx context.Context, subject string, level models.ThreatLevel, ttl time.Duration) error

	// BlockSubject stores a block flag; a non-positive duration never expires.
	BlockSubject(ctx context.Context, subject string, duration time.Duration, reason string) error
	UnblockSubject(ctx context.Context, subject string) error
	IsBlocked(ctx context.Context, subject string) (bool, error)

	// SetChallenge stores c with TTL = time until c.ExpiresAt.
	SetChallenge(ctx context.Context, c models.SecurityChallenge) error
	GetChallenge(ctx context.Context, id string) (models.SecurityChallenge, bool, error)
	// RemoveChallenge reports whether this call removed the challenge.
	RemoveChallenge(ctx context.Context, id string) (bool, error)

	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent stores value only when key does not exist and reports whether it did.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

var (
	_ StateStore = (*RedisStore)(nil)
	_ StateStore = (*MemoryStore)(nil)
)

// Ping checks that st answers a read.
func Ping(ctx context.Context, st StateStore) error {
	_, err := st.Exists(ctx, keyPrefix+"health")
	return err
}
