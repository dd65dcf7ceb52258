// Package events defines the outbound guard events and the publishers that
// deliver them. Producers never depend on delivery succeeding.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Wikid82/guard/internal/logger"
	"github.com/Wikid82/guard/internal/models"
)

// Type names an outbound event.
type Type string

const (
	DecisionMade       Type = "decision_made"
	ThreatDetected     Type = "threat_detected"
	ThreatLevelChanged Type = "threat_level_changed"
	SubjectBlocked     Type = "subject_blocked"
	SubjectUnblocked   Type = "subject_unblocked"
	SubjectThrottled   Type = "subject_throttled"
)

// Event is the envelope shared by all outbound events. Fields that do not
// apply to a type are left empty.
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	Subject       models.SecuritySubject `json:"subject"`
	Route         string                 `json:"route,omitempty"`
	RequestID     string                 `json:"request_id,omitempty"`
	Decision      models.DecisionType    `json:"decision,omitempty"`
	Source        models.DecisionSource  `json:"source,omitempty"`
	ThreatLevel   models.ThreatLevel     `json:"threat_level"`
	PreviousLevel models.ThreatLevel     `json:"previous_level"`
	ReasonCode    string                 `json:"reason_code,omitempty"`
	PolicyID      string                 `json:"policy_id,omitempty"`
	SignalType    string                 `json:"signal_type,omitempty"`
	Score         float64                `json:"score,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	TTLSeconds    int                    `json:"ttl_seconds,omitempty"`
	OccurredAt    time.Time              `json:"occurred_at"`
}

// New returns an event of type t with a fresh id and timestamp.
func New(t Type, subject models.SecuritySubject) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
	}
}

// FromDecision builds a decision_made event.
func FromDecision(sc models.SecurityContext, d models.SecurityDecision) Event {
	e := New(DecisionMade, sc.Subject)
	e.Route = sc.Route
	e.RequestID = sc.RequestID
	e.Decision = d.Type
	e.Source = d.Source
	e.ThreatLevel = d.EffectiveThreatLevel
	e.ReasonCode = d.ReasonCode
	e.PolicyID = d.PolicyID
	e.TTLSeconds = d.TTLSeconds
	return e
}

// Publisher delivers events to an external system.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Fanout publishes every event to all publishers and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the structured log at debug level. It is
// the fallback when no external sink is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, e Event) error {
	logger.WithComponent("events").WithFields(map[string]interface{}{
		"event_id":     e.ID,
		"type":         e.Type,
		"subject":      e.Subject.IP,
		"route":        e.Route,
		"decision":     e.Decision,
		"threat_level": e.ThreatLevel.String(),
		"reason_code":  e.ReasonCode,
	}).Debug("guard event")
	return nil
}

// Emit publishes e and logs a failure. Decisions must not depend on event
// delivery, so callers use Emit rather than Publish.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		logger.WithComponent("events").WithError(err).WithFields(map[string]interface{}{
			"event_id": e.ID,
			"type":     e.Type,
		}).Warn("failed to publish guard event")
	}
}
