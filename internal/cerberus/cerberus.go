// Package cerberus is the request-time security decision pipeline and the
// gin middleware that enforces its decisions.
package cerberus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Wikid82/guard/internal/config"
	"github.com/Wikid82/guard/internal/events"
	"github.com/Wikid82/guard/internal/logger"
	"github.com/Wikid82/guard/internal/metrics"
	"github.com/Wikid82/guard/internal/models"
	"github.com/Wikid82/guard/internal/store"
	"github.com/Wikid82/guard/internal/util"
)

// ErrMissingRoute is returned for a security context without a route.
var ErrMissingRoute = errors.New("invalid security context: route required")

// Defaults applied when the corresponding config value is unset.
const (
	DefaultRateLimitThreshold = 50
	DefaultRateLimitWindow    = 10 * time.Second
	DefaultBlockDecisionTTL   = 5 * time.Minute
	DefaultStoreTimeout       = 250 * time.Millisecond

	throttlePerThreatLevel = 5 * time.Second
)

// Check names used for metrics and failure policies.
const (
	checkBlock     = "block"
	checkThreat    = "threat"
	checkRateLimit = "rate_limit"
)

// Evaluator decides what to do with one request.
type Evaluator interface {
	Evaluate(ctx context.Context, sc models.SecurityContext) (models.SecurityDecision, error)
}

// Cerberus evaluates requests against block state, threat state and rate
// limits, in that order. It keeps no state of its own.
type Cerberus struct {
	cfg       config.GuardConfig
	store     store.StateStore
	publisher events.Publisher
}

// New creates a new Cerberus instance. pub may be nil.
func New(cfg config.GuardConfig, st store.StateStore, pub events.Publisher) *Cerberus {
	if cfg.RateLimitThreshold <= 0 {
		cfg.RateLimitThreshold = DefaultRateLimitThreshold
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = DefaultRateLimitWindow
	}
	if cfg.BlockDecisionTTL <= 0 {
		cfg.BlockDecisionTTL = DefaultBlockDecisionTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.BlockCheckPolicy == "" {
		cfg.BlockCheckPolicy = config.FailClosed
	}
	if cfg.ThreatCheckPolicy == "" {
		cfg.ThreatCheckPolicy = config.FailClosed
	}
	if cfg.RateLimitPolicy == "" {
		cfg.RateLimitPolicy = config.FailOpen
	}
	return &Cerberus{cfg: cfg, store: st, publisher: pub}
}

// Evaluate returns the decision for sc. A non-nil error always comes with a
// usable decision: validation failures and fail-closed store outages yield a
// terminal Block, fail-open outages yield the decision the remaining checks
// produced.
func (c *Cerberus) Evaluate(ctx context.Context, sc models.SecurityContext) (models.SecurityDecision, error) {
	start := time.Now()
	sc.Subject.IP = sc.Subject.Key()
	d, err := c.evaluate(ctx, sc)
	metrics.ObserveEvaluation(time.Since(start).Seconds())
	metrics.IncDecision(string(d.Type), string(d.Source), d.ReasonCode)

	c.publish(ctx, sc, d)
	c.log(sc, d, err)
	return d, err
}

func validate(sc models.SecurityContext) error {
	if err := sc.Subject.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(sc.Route) == "" {
		return ErrMissingRoute
	}
	return nil
}

func (c *Cerberus) evaluate(ctx context.Context, sc models.SecurityContext) (models.SecurityDecision, error) {
	if err := validate(sc); err != nil {
		return invalidContext(), err
	}
	ip := sc.Subject.Key()

	// Block flag and threat level are independent reads; issuing them together
	// keeps an evaluation at two sequential store round trips.
	var (
		blocked             bool
		level               models.ThreatLevel
		blockErr, threatErr error
		g                   errgroup.Group
	)
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		defer cancel()
		blocked, blockErr = c.store.IsBlocked(sctx, ip)
		return nil
	})
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		defer cancel()
		level, threatErr = c.store.GetThreatLevel(sctx, ip)
		return nil
	})
	_ = g.Wait()
	if threatErr != nil {
		level = models.ThreatLow
	}

	var degraded []error

	if blockErr != nil {
		err := c.storeFailure(checkBlock, blockErr)
		if c.cfg.BlockCheckPolicy == config.FailClosed {
			return failClosed(models.SourceCache, level), err
		}
		degraded = append(degraded, err)
	} else if blocked {
		return models.SecurityDecision{
			Type:                 models.DecisionBlock,
			ThreatLevel:          models.ThreatCritical,
			Source:               models.SourceCache,
			ReasonCode:           models.ReasonIPBlocked,
			IsTerminal:           true,
			EffectiveThreatLevel: level,
			PolicyID:             models.PolicyBlockList,
			TTLSeconds:           seconds(c.cfg.BlockDecisionTTL),
		}, nil
	}

	if threatErr != nil {
		err := c.storeFailure(checkThreat, threatErr)
		if c.cfg.ThreatCheckPolicy == config.FailClosed {
			return failClosed(models.SourceBotDetection, level), errors.Join(append(degraded, err)...)
		}
		degraded = append(degraded, err)
	} else if level == models.ThreatCritical {
		return models.SecurityDecision{
			Type:                 models.DecisionBlock,
			ThreatLevel:          models.ThreatCritical,
			Source:               models.SourceBotDetection,
			ReasonCode:           models.ReasonThreatCritical,
			IsTerminal:           true,
			EffectiveThreatLevel: level,
			PolicyID:             models.PolicyThreatCritical,
			TTLSeconds:           seconds(c.cfg.BlockDecisionTTL),
		}, errors.Join(degraded...)
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	count, _, rateErr := c.store.IncrementRateLimit(sctx, ip, sc.Route, c.cfg.RateLimitWindow)
	cancel()
	if rateErr != nil {
		err := c.storeFailure(checkRateLimit, rateErr)
		if c.cfg.RateLimitPolicy == config.FailClosed {
			return failClosed(models.SourceRateLimit, level), errors.Join(append(degraded, err)...)
		}
		degraded = append(degraded, err)
	} else if count > c.cfg.RateLimitThreshold {
		return models.SecurityDecision{
			Type:                 models.DecisionThrottle,
			ThreatLevel:          level,
			Source:               models.SourceRateLimit,
			ReasonCode:           models.ReasonRateLimitExceeded,
			IsTerminal:           false,
			EffectiveThreatLevel: level,
			PolicyID:             models.PolicyGlobalRateLimit,
			TTLSeconds:           c.throttleSeconds(level),
		}, errors.Join(degraded...)
	}

	d := models.SecurityDecision{
		Type:                 models.DecisionAllow,
		ThreatLevel:          level,
		Source:               models.SourceManual,
		ReasonCode:           models.ReasonOK,
		EffectiveThreatLevel: level,
		PolicyID:             models.PolicyDefaultAllow,
	}
	if len(degraded) > 0 {
		d.ReasonCode = models.ReasonStoreUnavailableOpen
		d.PolicyID = models.PolicyFailOpen
	}
	return d, errors.Join(degraded...)
}

// throttleSeconds grows the throttle with the subject's threat level: one
// window plus five seconds per level above low.
func (c *Cerberus) throttleSeconds(level models.ThreatLevel) int {
	return seconds(c.cfg.RateLimitWindow + time.Duration(level.Ordinal())*throttlePerThreatLevel)
}

func (c *Cerberus) storeFailure(check string, err error) error {
	metrics.IncStoreError(check)
	return fmt.Errorf("%s check: %w", check, err)
}

func invalidContext() models.SecurityDecision {
	return models.SecurityDecision{
		Type:                 models.DecisionBlock,
		ThreatLevel:          models.ThreatLow,
		Source:               models.SourceValidation,
		ReasonCode:           models.ReasonInvalidContext,
		IsTerminal:           true,
		EffectiveThreatLevel: models.ThreatLow,
		PolicyID:             models.PolicyInputValidation,
	}
}

func failClosed(source models.DecisionSource, level models.ThreatLevel) models.SecurityDecision {
	return models.SecurityDecision{
		Type:                 models.DecisionBlock,
		ThreatLevel:          level,
		Source:               source,
		ReasonCode:           models.ReasonStoreUnavailable,
		IsTerminal:           true,
		EffectiveThreatLevel: level,
		PolicyID:             models.PolicyFailClosed,
	}
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}

func (c *Cerberus) publish(ctx context.Context, sc models.SecurityContext, d models.SecurityDecision) {
	if c.publisher == nil {
		return
	}
	events.Emit(ctx, c.publisher, events.FromDecision(sc, d))
	if d.Type == models.DecisionThrottle {
		e := events.FromDecision(sc, d)
		e.ID = uuid.NewString()
		e.Type = events.SubjectThrottled
		events.Emit(ctx, c.publisher, e)
	}
}

func (c *Cerberus) log(sc models.SecurityContext, d models.SecurityDecision, err error) {
	entry := logger.WithComponent("cerberus").WithFields(map[string]interface{}{
		"subject":      util.SanitizeForLog(sc.Subject.IP),
		"route":        util.SanitizeForLog(sc.Route),
		"request_id":   sc.RequestID,
		"decision":     d.Type,
		"source":       d.Source,
		"reason_code":  d.ReasonCode,
		"policy_id":    d.PolicyID,
		"threat_level": d.EffectiveThreatLevel.String(),
	})
	switch {
	case err != nil:
		entry.WithError(err).Error("security evaluation degraded")
	case d.Type == models.DecisionAllow:
		entry.Debug("security decision")
	default:
		entry.Warn("security decision")
	}
}
