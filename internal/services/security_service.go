package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/Wikid82/guard/internal/events"
	"github.com/Wikid82/guard/internal/logger"
	"github.com/Wikid82/guard/internal/models"
	"github.com/Wikid82/guard/internal/store"
	"github.com/Wikid82/guard/internal/util"
)

var (
	ErrReasonRequired = errors.New("block reason required")
)

// SubjectStatus is the current enforcement state of a subject.
type SubjectStatus struct {
	IP          string             `json:"ip"`
	Blocked     bool               `json:"blocked"`
	ThreatLevel models.ThreatLevel `json:"threat_level"`
}

// SecurityService owns the audit trail (decisions and operator actions) and
// the operator-driven block list.
type SecurityService struct {
	db        *gorm.DB
	store     store.StateStore
	publisher events.Publisher
}

// NewSecurityService returns a SecurityService using the provided DB and state store
func NewSecurityService(db *gorm.DB, st store.StateStore) *SecurityService {
	return &SecurityService{db: db, store: st}
}

// SetPublisher attaches the event publisher. It is set after construction
// because the audit publisher itself writes through this service.
func (s *SecurityService) SetPublisher(p events.Publisher) {
	s.publisher = p
}

// LogDecision stores a security decision record
func (s *SecurityService) LogDecision(d *models.DecisionRecord) error {
	if d == nil {
		return nil
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	return s.db.Create(d).Error
}

// ListDecisions returns recent security decisions, ordered by created_at desc.
// A non-empty ip restricts the list to that subject.
func (s *SecurityService) ListDecisions(ip string, limit int) ([]models.DecisionRecord, error) {
	var res []models.DecisionRecord
	q := s.db.Order("created_at desc")
	if ip != "" {
		q = q.Where("ip = ?", ip)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// LogAudit stores an audit entry
func (s *SecurityService) LogAudit(a *models.SecurityAudit) error {
	if a == nil {
		return nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return s.db.Create(a).Error
}

// ListAudits returns recent audit entries, newest first.
func (s *SecurityService) ListAudits(limit int) ([]models.SecurityAudit, error) {
	var res []models.SecurityAudit
	q := s.db.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// PruneDecisions deletes decision records created before cutoff.
func (s *SecurityService) PruneDecisions(cutoff time.Time) (int64, error) {
	res := s.db.Where("created_at < ?", cutoff).Delete(&models.DecisionRecord{})
	return res.RowsAffected, res.Error
}

// BlockSubject blocks ip for duration (non-positive = until unblocked),
// records the action and notifies subscribers.
func (s *SecurityService) BlockSubject(ctx context.Context, actor, ip string, duration time.Duration, reason string) error {
	subject := models.SecuritySubject{IP: strings.TrimSpace(ip)}
	if err := subject.Validate(); err != nil {
		return err
	}
	subject.IP = subject.Key()
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	if err := s.store.BlockSubject(ctx, subject.IP, duration, reason); err != nil {
		return fmt.Errorf("block subject: %w", err)
	}

	details := util.SanitizeForLog(reason)
	if duration > 0 {
		details = fmt.Sprintf("%s (for %s)", details, duration)
	}
	if err := s.LogAudit(&models.SecurityAudit{Actor: actor, Action: string(events.SubjectBlocked), Subject: subject.IP, Details: details}); err != nil {
		logger.WithComponent("security").WithError(err).Error("failed to record block audit entry")
	}

	e := events.New(events.SubjectBlocked, subject)
	e.Reason = reason
	e.TTLSeconds = int(duration / time.Second)
	events.Emit(ctx, s.publisher, e)

	logger.WithComponent("security").WithFields(map[string]interface{}{
		"subject":  subject.IP,
		"actor":    util.SanitizeForLog(actor),
		"duration": duration.String(),
	}).Warn("subject blocked")
	return nil
}

// UnblockSubject lifts a block on ip.
func (s *SecurityService) UnblockSubject(ctx context.Context, actor, ip, reason string) error {
	subject := models.SecuritySubject{IP: strings.TrimSpace(ip)}
	if err := subject.Validate(); err != nil {
		return err
	}
	subject.IP = subject.Key()
	if err := s.store.UnblockSubject(ctx, subject.IP); err != nil {
		return fmt.Errorf("unblock subject: %w", err)
	}
	if err := s.LogAudit(&models.SecurityAudit{Actor: actor, Action: string(events.SubjectUnblocked), Subject: subject.IP, Details: util.SanitizeForLog(reason)}); err != nil {
		logger.WithComponent("security").WithError(err).Error("failed to record unblock audit entry")
	}

	e := events.New(events.SubjectUnblocked, subject)
	e.Reason = reason
	events.Emit(ctx, s.publisher, e)
	return nil
}

// SubjectStatus reads the block flag and threat level of ip.
func (s *SecurityService) SubjectStatus(ctx context.Context, ip string) (SubjectStatus, error) {
	subject := models.SecuritySubject{IP: strings.TrimSpace(ip)}
	if err := subject.Validate(); err != nil {
		return SubjectStatus{}, err
	}
	subject.IP = subject.Key()
	blocked, err := s.store.IsBlocked(ctx, subject.IP)
	if err != nil {
		return SubjectStatus{}, err
	}
	level, err := s.store.GetThreatLevel(ctx, subject.IP)
	if err != nil {
		return SubjectStatus{}, err
	}
	return SubjectStatus{IP: subject.IP, Blocked: blocked, ThreatLevel: level}, nil
}
