package events

import (
	"context"
	"fmt"

	"github.com/Wikid82/guard/internal/models"
)

// AuditLog persists decisions and audit entries; services.SecurityService
// implements it.
type AuditLog interface {
	LogDecision(d *models.DecisionRecord) error
	LogAudit(a *models.SecurityAudit) error
}

// AuditPublisher persists non-allow decisions and threat escalations. Allow
// decisions are only counted in metrics; persisting them would grow the
// audit table with every request.
type AuditPublisher struct {
	log AuditLog
}

func NewAuditPublisher(log AuditLog) *AuditPublisher {
	return &AuditPublisher{log: log}
}

func (p *AuditPublisher) Publish(_ context.Context, e Event) error {
	switch e.Type {
	case DecisionMade:
		if e.Decision == models.DecisionAllow {
			return nil
		}
		return p.log.LogDecision(&models.DecisionRecord{
			UUID:        e.ID,
			Source:      string(e.Source),
			Action:      string(e.Decision),
			IP:          e.Subject.IP,
			Route:       e.Route,
			ReasonCode:  e.ReasonCode,
			PolicyID:    e.PolicyID,
			ThreatLevel: e.ThreatLevel.String(),
			RequestID:   e.RequestID,
			CreatedAt:   e.OccurredAt,
		})
	case ThreatLevelChanged:
		return p.log.LogAudit(&models.SecurityAudit{
			UUID:      e.ID,
			Actor:     "threat-escalation",
			Action:    string(e.Type),
			Subject:   e.Subject.IP,
			Details:   fmt.Sprintf("%s -> %s (signal %s, score %.2f)", e.PreviousLevel, e.ThreatLevel, e.SignalType, e.Score),
			CreatedAt: e.OccurredAt,
		})
	}
	return nil
}
