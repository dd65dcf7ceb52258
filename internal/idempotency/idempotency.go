// Package idempotency deduplicates at-least-once message delivery. A
// processed marker is written to the state store only after the wrapped
// handler succeeds, so a failed message is retried rather than lost.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/Wikid82/guard/internal/logger"
	"github.com/Wikid82/guard/internal/metrics"
	"github.com/Wikid82/guard/internal/store"
	"github.com/Wikid82/guard/internal/util"
)

// DefaultTTL is how long a processed marker is retained.
const DefaultTTL = 7 * 24 * time.Hour

// Outcome reports what the wrapper did with a message.
type Outcome string

const (
	Processed Outcome = "processed"
	Duplicate Outcome = "duplicate"
	NoKey     Outcome = "no_key"
	Failed    Outcome = "failed"
)

// Handler consumes one message.
type Handler[M any] func(ctx context.Context, msg M) error

// KeyFunc extracts the dedup key of a message. ok=false means the message
// carries no usable key.
type KeyFunc[M any] func(msg M) (key string, ok bool)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// Option customises Wrap.
type Option func(*options)

// WithTTL sets the marker retention. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the time source used for marker values.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Consumer is an idempotent wrapper around a Handler.
type Consumer[M any] struct {
	name    string
	store   store.StateStore
	keyFn   KeyFunc[M]
	handler Handler[M]
	opts    options
}

// Wrap returns a Consumer that runs handler at most once per dedup key
// within the retention window. name namespaces the markers so two consumers
// of the same stream keep independent state.
func Wrap[M any](st store.StateStore, name string, keyFn KeyFunc[M], handler Handler[M], opts ...Option) *Consumer[M] {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Consumer[M]{name: name, store: st, keyFn: keyFn, handler: handler, opts: o}
}

// Process runs msg through the wrapper. Handler errors are always returned
// unchanged in meaning so the delivery layer can retry.
func (c *Consumer[M]) Process(ctx context.Context, msg M) (Outcome, error) {
	log := logger.WithComponent("idempotency").WithField("consumer", c.name)

	key, ok := c.keyFn(msg)
	if !ok || key == "" {
		log.Warn("message has no dedup key, processing without deduplication")
		if err := c.handler(ctx, msg); err != nil {
			c.record(Failed)
			return Failed, err
		}
		c.record(NoKey)
		return NoKey, nil
	}

	markerKey := store.IdempotencyKey(c.name, key)
	seen, err := c.store.Exists(ctx, markerKey)
	if err != nil {
		c.record(Failed)
		return Failed, fmt.Errorf("check processed marker: %w", err)
	}
	if seen {
		log.WithField("key", util.SanitizeForLog(key)).Debug("skipping duplicate message")
		c.record(Duplicate)
		return Duplicate, nil
	}

	if err := c.handler(ctx, msg); err != nil {
		c.record(Failed)
		return Failed, err
	}

	// The work is done at this point; failing to record it only widens the
	// window for a duplicate run.
	if err := c.store.Set(ctx, markerKey, c.opts.now().UTC().Format(time.RFC3339), c.opts.ttl); err != nil {
		log.WithError(err).WithField("key", util.SanitizeForLog(key)).Error("failed to record processed marker")
	}
	c.record(Processed)
	return Processed, nil
}

// Handle satisfies Handler[M].
func (c *Consumer[M]) Handle(ctx context.Context, msg M) error {
	_, err := c.Process(ctx, msg)
	return err
}

func (c *Consumer[M]) record(o Outcome) {
	metrics.IncIdempotency(c.name, string(o))
}
