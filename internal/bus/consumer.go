// Package bus consumes security signals from Kafka with at-least-once
// semantics: an offset is committed only after its message was handled.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Wikid82/guard/internal/config"
	"github.com/Wikid82/guard/internal/logger"
	"github.com/Wikid82/guard/internal/models"
	"github.com/Wikid82/guard/internal/store"
)

// EventIDHeader carries the dedup key when the payload has no event_id.
const EventIDHeader = "event-id"

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// SignalHandler processes one decoded signal.
type SignalHandler func(ctx context.Context, sig models.SignalReceived) error

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SignalConsumer reads signal messages and hands them to a SignalHandler.
type SignalConsumer struct {
	reader  kafkaReader
	handler SignalHandler
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSignalConsumer builds a consumer group reader for cfg.SignalTopic.
func NewSignalConsumer(cfg config.KafkaConfig, handler SignalHandler) (*SignalConsumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.SignalTopic) == "" {
		return nil, fmt.Errorf("kafka signal topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.SignalTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newSignalConsumer(r, handler), nil
}

func newSignalConsumer(r kafkaReader, handler SignalHandler) *SignalConsumer {
	return &SignalConsumer{reader: r, handler: handler, sleep: sleepCtx}
}

// Run consumes until ctx is cancelled or the reader fails. A cancelled
// context is a clean stop and returns nil.
func (c *SignalConsumer) Run(ctx context.Context) error {
	log := logger.WithComponent("bus")
	log.Info("signal consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("signal consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch signal: %w", err)
		}
		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				log.Info("signal consumer stopped")
				return nil
			}
			return err
		}
	}
}

// process handles msg and commits it. Store outages are retried until they
// clear or ctx ends; any other handler error marks the signal as poison and
// it is committed without effect.
func (c *SignalConsumer) process(ctx context.Context, msg kafka.Message) error {
	log := logger.WithComponent("bus").WithFields(map[string]interface{}{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	sig, err := Decode(msg)
	if err != nil {
		log.WithError(err).Warn("dropping undecodable signal")
		return c.commit(ctx, msg)
	}

	backoff := minBackoff
	for {
		err := c.handler(ctx, sig)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, store.ErrStoreUnavailable) {
			log.WithError(err).WithField("event_id", sig.EventID).Error("dropping signal after permanent failure")
			break
		}
		log.WithError(err).WithField("retry_in", backoff.String()).Error("signal handler failed")
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return c.commit(ctx, msg)
}

func (c *SignalConsumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit signal offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Close closes the underlying reader.
func (c *SignalConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Decode parses a signal message. The event-id header fills in a missing
// event_id.
func Decode(msg kafka.Message) (models.SignalReceived, error) {
	var sig models.SignalReceived
	if len(msg.Value) == 0 {
		return sig, errors.New("empty signal payload")
	}
	if err := json.Unmarshal(msg.Value, &sig); err != nil {
		return sig, fmt.Errorf("decode signal: %w", err)
	}
	if sig.EventID == "" {
		for _, h := range msg.Headers {
			if h.Key == EventIDHeader {
				sig.EventID = string(h.Value)
				break
			}
		}
	}
	return sig, nil
}

// SignalKey is the idempotency key of a signal.
func SignalKey(sig models.SignalReceived) (string, bool) {
	id := strings.TrimSpace(sig.EventID)
	return id, id != ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
