package models

import "time"

// ChallengeType enumerates the supported challenge kinds.
type ChallengeType string

const ChallengeProofOfWork ChallengeType = "proof_of_work"

// SecurityChallenge is a single-use proof-of-work puzzle. Difficulty is the
// number of leading zero bits required in SHA-256(salt + ":" + nonce).
type SecurityChallenge struct {
	ID         string        `json:"challenge_id"`
	Type       ChallengeType `json:"type"`
	Salt       string        `json:"salt"`
	Difficulty int           `json:"difficulty"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Scope      string        `json:"scope,omitempty"`
}

// Expired reports whether the challenge is past its expiry at now.
func (c SecurityChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Verification outcomes.
const (
	VerifyOK           = "ok"
	VerifyNotFound     = "not_found"
	VerifyExpired      = "expired"
	VerifyHashMismatch = "hash_mismatch"
)

// VerifyResult is returned by challenge verification. Every failure is
// terminal for the challenge id.
type VerifyResult struct {
	Success     bool   `json:"success"`
	Reason      string `json:"reason"`
	ChallengeID string `json:"challenge_id"`
	Difficulty  int    `json:"difficulty,omitempty"`
}
