package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Wikid82/guard/internal/config"
	"github.com/Wikid82/guard/internal/logger"
	"github.com/Wikid82/guard/internal/metrics"
	"github.com/Wikid82/guard/internal/models"
	"github.com/Wikid82/guard/internal/store"
)

const saltBytes = 16

// ChallengeService issues and verifies single-use proof-of-work challenges.
type ChallengeService struct {
	store store.StateStore
	cfg   config.ChallengeConfig
	now   func() time.Time
}

func NewChallengeService(st store.StateStore, cfg config.ChallengeConfig) *ChallengeService {
	if cfg.Difficulty <= 0 {
		cfg.Difficulty = 16
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	return &ChallengeService{store: st, cfg: cfg, now: time.Now}
}

// ScopeForThreat maps a threat level to the scope whose difficulty applies
// to subjects at that level. Low maps to the default scope.
func ScopeForThreat(level models.ThreatLevel) string {
	if level <= models.ThreatLow || !level.Valid() {
		return ""
	}
	return "threat-" + level.String()
}

// DifficultyFor returns the configured difficulty for scope, falling back to
// the default difficulty.
func (s *ChallengeService) DifficultyFor(scope string) int {
	if d, ok := s.cfg.ScopeDifficulty[scope]; ok && d > 0 {
		return d
	}
	return s.cfg.Difficulty
}

// CreateChallenge issues a new challenge for scope (may be empty) and stores
// it until it expires.
func (s *ChallengeService) CreateChallenge(ctx context.Context, scope string) (models.SecurityChallenge, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return models.SecurityChallenge{}, fmt.Errorf("generate salt: %w", err)
	}
	c := models.SecurityChallenge{
		ID:         uuid.NewString(),
		Type:       models.ChallengeProofOfWork,
		Salt:       hex.EncodeToString(salt),
		Difficulty: s.DifficultyFor(scope),
		ExpiresAt:  s.now().Add(s.cfg.TTL).UTC(),
		Scope:      scope,
	}
	if err := s.store.SetChallenge(ctx, c); err != nil {
		return models.SecurityChallenge{}, fmt.Errorf("store challenge: %w", err)
	}
	metrics.IncChallenge("issued")
	return c, nil
}

// Verify checks nonce against challenge id. The challenge is consumed by the
// first verification whatever its outcome; a returned error means the store
// could not be consulted and nothing was decided.
func (s *ChallengeService) Verify(ctx context.Context, id, nonce string) (models.VerifyResult, error) {
	res := models.VerifyResult{ChallengeID: id, Reason: models.VerifyNotFound}
	if strings.TrimSpace(id) == "" {
		metrics.IncChallenge(res.Reason)
		return res, nil
	}
	c, found, err := s.store.GetChallenge(ctx, id)
	if err != nil {
		return res, fmt.Errorf("load challenge: %w", err)
	}
	if !found {
		metrics.IncChallenge(res.Reason)
		return res, nil
	}
	res.Difficulty = c.Difficulty

	if c.Expired(s.now()) {
		if _, err := s.store.RemoveChallenge(ctx, id); err != nil {
			return res, fmt.Errorf("remove expired challenge: %w", err)
		}
		res.Reason = models.VerifyExpired
		metrics.IncChallenge(res.Reason)
		return res, nil
	}

	solved := CheckSolution(c.Salt, nonce, c.Difficulty)

	removed, err := s.store.RemoveChallenge(ctx, id)
	if err != nil {
		return res, fmt.Errorf("remove challenge: %w", err)
	}
	switch {
	case !removed:
		// A concurrent verification consumed it first.
		res.Reason = models.VerifyNotFound
	case solved:
		res.Success = true
		res.Reason = models.VerifyOK
	default:
		res.Reason = models.VerifyHashMismatch
	}
	metrics.IncChallenge(res.Reason)
	logger.WithComponent("challenge").WithFields(map[string]interface{}{
		"challenge_id": id,
		"scope":        c.Scope,
		"difficulty":   c.Difficulty,
		"result":       res.Reason,
	}).Debug("challenge verified")
	return res, nil
}

// Hash returns SHA-256(salt + ":" + nonce).
func Hash(salt, nonce string) [sha256.Size]byte {
	return sha256.Sum256([]byte(salt + ":" + nonce))
}

// LeadingZeroBits counts the zero bits before the first set bit.
func LeadingZeroBits(sum []byte) int {
	n := 0
	for _, b := range sum {
		if b == 0 {
			n += 8
			continue
		}
		return n + bits.LeadingZeros8(b)
	}
	return n
}

// CheckSolution reports whether nonce solves a challenge with salt at difficulty.
func CheckSolution(salt, nonce string, difficulty int) bool {
	sum := Hash(salt, nonce)
	return LeadingZeroBits(sum[:]) >= difficulty
}

// Solve searches decimal nonces 0..maxIterations-1 for a solution.
func Solve(c models.SecurityChallenge, maxIterations int) (string, bool) {
	for i := 0; i < maxIterations; i++ {
		nonce := strconv.Itoa(i)
		if CheckSolution(c.Salt, nonce, c.Difficulty) {
			return nonce, true
		}
	}
	return "", false
}
