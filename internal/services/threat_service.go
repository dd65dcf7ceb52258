package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Wikid82/guard/internal/events"
	"github.com/Wikid82/guard/internal/logger"
	"github.com/Wikid82/guard/internal/metrics"
	"github.com/Wikid82/guard/internal/models"
	"github.com/Wikid82/guard/internal/store"
	"github.com/Wikid82/guard/internal/util"
)

const (
	signalBucketWidth = 60 * time.Second
	// The marker outlives its bucket so re-delivery near a bucket boundary is
	// still recognised.
	signalMarkerTTL = 90 * time.Second

	highScoreThreshold   = 0.8
	mediumScoreThreshold = 0.5
	highThreatTTL        = 10 * time.Minute
	mediumThreatTTL      = 5 * time.Minute
)

// ErrInvalidSignal marks a signal that can never be processed; it is dropped
// rather than redelivered.
var ErrInvalidSignal = errors.New("invalid security signal")

// SignalOutcome describes what HandleSignal did with a signal.
type SignalOutcome string

const (
	SignalEscalated SignalOutcome = "escalated"
	SignalUnchanged SignalOutcome = "unchanged"
	SignalDuplicate SignalOutcome = "duplicate"
	SignalInvalid   SignalOutcome = "invalid"
	SignalFailed    SignalOutcome = "failed"
)

// ThreatService consumes security signals and raises per-subject threat
// levels. Levels only ever go up here; they fall back to low when their TTL
// expires.
type ThreatService struct {
	store     store.StateStore
	publisher events.Publisher
	now       func() time.Time
}

func NewThreatService(st store.StateStore, pub events.Publisher) *ThreatService {
	return &ThreatService{store: st, publisher: pub, now: time.Now}
}

// SignalBucket returns the one-minute dedup bucket for t.
func SignalBucket(t time.Time) int64 {
	return t.Unix() / int64(signalBucketWidth/time.Second)
}

func validateSignal(sig models.SignalReceived) error {
	if err := sig.Subject.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	if strings.TrimSpace(sig.SignalType) == "" {
		return fmt.Errorf("%w: signal type required", ErrInvalidSignal)
	}
	if math.IsNaN(sig.Score) || sig.Score < 0 || sig.Score > 1 {
		return fmt.Errorf("%w: score %v outside [0,1]", ErrInvalidSignal, sig.Score)
	}
	return nil
}

// escalationTarget applies the ratchet: it returns the level to store and
// its TTL, or ok=false when the signal does not raise the current level.
func escalationTarget(score float64, current models.ThreatLevel) (models.ThreatLevel, time.Duration, bool) {
	switch {
	case score > highScoreThreshold && current < models.ThreatHigh:
		return models.ThreatHigh, highThreatTTL, true
	case score > mediumScoreThreshold && current < models.ThreatMedium:
		return models.ThreatMedium, mediumThreatTTL, true
	default:
		return current, 0, false
	}
}

// HandleSignal deduplicates sig per (subject, signal type, minute) and
// escalates the subject's threat level from its score.
//
// The dedup marker is claimed before the escalation and released again when
// the state write fails, so a failed signal is redelivered instead of lost.
func (s *ThreatService) HandleSignal(ctx context.Context, sig models.SignalReceived) (SignalOutcome, error) {
	if err := validateSignal(sig); err != nil {
		metrics.IncSignal(string(SignalInvalid))
		return SignalInvalid, err
	}
	ip := sig.Subject.Key()
	sig.Subject.IP = ip
	now := s.now()
	markerKey := store.SignalKey(ip, sig.SignalType, SignalBucket(now))

	claimed, err := s.store.SetIfAbsent(ctx, markerKey, now.UTC().Format(time.RFC3339), signalMarkerTTL)
	if err != nil {
		metrics.IncSignal(string(SignalFailed))
		return SignalFailed, fmt.Errorf("claim signal marker: %w", err)
	}
	if !claimed {
		metrics.IncSignal(string(SignalDuplicate))
		return SignalDuplicate, nil
	}

	outcome, prev, next, err := s.escalate(ctx, ip, sig.Score)
	if err != nil {
		s.releaseMarker(markerKey)
		metrics.IncSignal(string(SignalFailed))
		return SignalFailed, err
	}
	metrics.IncSignal(string(outcome))

	detected := events.New(events.ThreatDetected, sig.Subject)
	detected.SignalType = sig.SignalType
	detected.Score = sig.Score
	detected.Reason = util.SanitizeForLog(sig.Details)
	detected.ThreatLevel = next
	detected.PreviousLevel = prev
	events.Emit(ctx, s.publisher, detected)

	if outcome == SignalEscalated {
		changed := detected
		changed.ID = uuid.NewString()
		changed.Type = events.ThreatLevelChanged
		events.Emit(ctx, s.publisher, changed)

		logger.WithComponent("threat").WithFields(map[string]interface{}{
			"subject":     ip,
			"signal_type": util.SanitizeForLog(sig.SignalType),
			"score":       sig.Score,
			"from":        prev.String(),
			"to":          next.String(),
		}).Warn("threat level escalated")
	}
	return outcome, nil
}

func (s *ThreatService) escalate(ctx context.Context, ip string, score float64) (SignalOutcome, models.ThreatLevel, models.ThreatLevel, error) {
	current, err := s.store.GetThreatLevel(ctx, ip)
	if err != nil {
		return SignalFailed, current, current, fmt.Errorf("read threat level: %w", err)
	}
	target, ttl, ok := escalationTarget(score, current)
	if !ok {
		return SignalUnchanged, current, current, nil
	}
	if err := s.store.SetThreatLevel(ctx, ip, target, ttl); err != nil {
		return SignalFailed, current, current, fmt.Errorf("write threat level: %w", err)
	}
	return SignalEscalated, current, target, nil
}

// releaseMarker runs on a fresh context: the request context may be the
// reason the write failed.
func (s *ThreatService) releaseMarker(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.Delete(ctx, key); err != nil {
		logger.WithComponent("threat").WithError(err).WithField("key", key).Error("failed to release signal marker")
	}
}

// Handle adapts HandleSignal for bus consumers: invalid signals are logged
// and acknowledged, infrastructure failures are returned for redelivery.
func (s *ThreatService) Handle(ctx context.Context, sig models.SignalReceived) error {
	_, err := s.HandleSignal(ctx, sig)
	if errors.Is(err, ErrInvalidSignal) {
		logger.WithComponent("threat").WithError(err).WithField("subject", util.SanitizeForLog(sig.Subject.IP)).Warn("dropping invalid signal")
		return nil
	}
	return err
}
