package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DecisionType is the enforcement outcome, ordered by severity.
type DecisionType string

const (
	DecisionAllow     DecisionType = "allow"
	DecisionThrottle  DecisionType = "throttle"
	DecisionChallenge DecisionType = "challenge"
	DecisionBlock     DecisionType = "block"
)

// Severity orders decision types: Block > Challenge > Throttle > Allow.
func (d DecisionType) Severity() int {
	switch d {
	case DecisionBlock:
		return 3
	case DecisionChallenge:
		return 2
	case DecisionThrottle:
		return 1
	default:
		return 0
	}
}

// DecisionSource names the check that produced a decision.
type DecisionSource string

const (
	SourceCache        DecisionSource = "cache"
	SourceBotDetection DecisionSource = "bot_detection"
	SourceRateLimit    DecisionSource = "rate_limit"
	SourceManual       DecisionSource = "manual"
	SourceValidation   DecisionSource = "validation"
)

// Reason codes.
const (
	ReasonIPBlocked            = "IP_BLOCKED"
	ReasonThreatCritical       = "THREAT_CRITICAL"
	ReasonRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ReasonOK                   = "OK"
	ReasonInvalidContext       = "INVALID_CONTEXT"
	ReasonStoreUnavailable     = "STORE_UNAVAILABLE"
	ReasonStoreUnavailableOpen = "STORE_UNAVAILABLE_FAIL_OPEN"
	ReasonChallengeRequired    = "CHALLENGE_REQUIRED"
	ReasonInternalError        = "INTERNAL_ERROR"
)

// Policy identifiers used for audit correlation.
const (
	PolicyBlockList       = "BLOCK_LIST"
	PolicyThreatCritical  = "THREAT_POLICY_CRITICAL"
	PolicyGlobalRateLimit = "GLOBAL_RATE_LIMIT"
	PolicyDefaultAllow    = "DEFAULT_ALLOW"
	PolicyInputValidation = "INPUT_VALIDATION"
	PolicyFailClosed      = "FAIL_CLOSED"
	PolicyFailOpen        = "FAIL_OPEN"
)

// SecurityDecision is the result of one pipeline evaluation.
type SecurityDecision struct {
	Type                 DecisionType   `json:"decision"`
	ThreatLevel          ThreatLevel    `json:"threat_level"`
	Source               DecisionSource `json:"source"`
	ReasonCode           string         `json:"reason_code"`
	IsTerminal           bool           `json:"is_terminal"`
	EffectiveThreatLevel ThreatLevel    `json:"effective_threat_level"`
	PolicyID             string         `json:"policy_id,omitempty"`
	TTLSeconds           int            `json:"ttl_seconds,omitempty"`
}

// DecisionRecord stores a decision taken by the pipeline or an operator so it
// can be audited and listed through the admin API.
type DecisionRecord struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	UUID        string    `json:"uuid" gorm:"uniqueIndex"`
	Source      string    `json:"source"`   // cache, bot_detection, rate_limit, manual, validation
	Action      string    `json:"action"`   // allow, throttle, challenge, block
	IP          string    `json:"ip" gorm:"index"`
	Route       string    `json:"route"`
	ReasonCode  string    `json:"reason_code"`
	PolicyID    string    `json:"policy_id"`
	ThreatLevel string    `json:"threat_level"`
	RequestID   string    `json:"request_id"`
	Details     string    `json:"details" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at" gorm:"index"`
}

// BeforeCreate generates UUID for new decision records
func (r *DecisionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.UUID == "" {
		r.UUID = uuid.New().String()
	}
	return nil
}
