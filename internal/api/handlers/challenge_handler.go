package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/guard/internal/api/middleware"
	"github.com/Wikid82/guard/internal/models"
	"github.com/Wikid82/guard/internal/services"
)

// ThreatLookup reads the current threat level of a subject.
type ThreatLookup interface {
	GetThreatLevel(ctx context.Context, subject string) (models.ThreatLevel, error)
}

// ChallengeHandler serves proof-of-work challenges to clients.
type ChallengeHandler struct {
	challenges *services.ChallengeService
	threats    ThreatLookup
}

func NewChallengeHandler(challenges *services.ChallengeService, threats ThreatLookup) *ChallengeHandler {
	return &ChallengeHandler{challenges: challenges, threats: threats}
}

type verifyRequest struct {
	Nonce string `json:"nonce" binding:"required"`
}

// Create handles POST /api/v1/guard/challenges. Difficulty follows the
// caller's threat level; an unreadable level uses the default scope.
func (h *ChallengeHandler) Create(c *gin.Context) {
	scope := ""
	if h.threats != nil {
		level, err := h.threats.GetThreatLevel(c.Request.Context(), c.ClientIP())
		if err != nil {
			middleware.GetRequestLogger(c).WithError(err).Warn("threat lookup failed, issuing default challenge")
		} else {
			scope = services.ScopeForThreat(level)
		}
	}

	ch, err := h.challenges.CreateChallenge(c.Request.Context(), scope)
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("failed to create challenge")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "challenge service unavailable"})
		return
	}
	c.JSON(http.StatusCreated, ch)
}

// Verify handles POST /api/v1/guard/challenges/:id/verify
func (h *ChallengeHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Nonce) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nonce required"})
		return
	}

	res, err := h.challenges.Verify(c.Request.Context(), c.Param("id"), req.Nonce)
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("failed to verify challenge")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "challenge service unavailable"})
		return
	}
	c.JSON(verifyStatus(res.Reason), res)
}

func verifyStatus(reason string) int {
	switch reason {
	case models.VerifyOK:
		return http.StatusOK
	case models.VerifyNotFound:
		return http.StatusNotFound
	case models.VerifyExpired:
		return http.StatusGone
	default:
		return http.StatusUnprocessableEntity
	}
}
