package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/guard/internal/api/middleware"
	"github.com/Wikid82/guard/internal/cerberus"
	"github.com/Wikid82/guard/internal/models"
	"github.com/Wikid82/guard/internal/services"
	"github.com/Wikid82/guard/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// Longer operator blocks are refused; zero blocks until removed.
	maxBlockSeconds = 365 * 24 * 60 * 60
)

// GuardHandler serves the operator API.
type GuardHandler struct {
	security  *services.SecurityService
	evaluator cerberus.Evaluator
}

func NewGuardHandler(security *services.SecurityService, evaluator cerberus.Evaluator) *GuardHandler {
	return &GuardHandler{security: security, evaluator: evaluator}
}

type blockRequest struct {
	Subject         string `json:"subject" binding:"required"`
	DurationSeconds int    `json:"duration_seconds"`
	Reason          string `json:"reason" binding:"required"`
}

func actor(c *gin.Context) string {
	if a := c.GetString(middleware.ActorKey); a != "" {
		return a
	}
	return "unknown"
}

// storeError maps service errors to responses: bad input is a 400, an
// unreachable store a 503.
func storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidSubject), errors.Is(err, services.ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state store unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// CreateBlock handles POST /api/v1/guard/admin/blocks
func (h *GuardHandler) CreateBlock(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.DurationSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_seconds must not be negative"})
		return
	}
	if req.DurationSeconds > maxBlockSeconds {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("duration_seconds must not exceed %d", maxBlockSeconds)})
		return
	}
	duration := time.Duration(req.DurationSeconds) * time.Second
	if err := h.security.BlockSubject(c.Request.Context(), actor(c), req.Subject, duration, req.Reason); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subject": req.Subject, "blocked": true, "duration_seconds": req.DurationSeconds})
}

// DeleteBlock handles DELETE /api/v1/guard/admin/blocks/:subject
func (h *GuardHandler) DeleteBlock(c *gin.Context) {
	subject := c.Param("subject")
	if err := h.security.UnblockSubject(c.Request.Context(), actor(c), subject, c.Query("reason")); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": subject, "blocked": false})
}

// GetSubject handles GET /api/v1/guard/admin/subjects/:subject
func (h *GuardHandler) GetSubject(c *gin.Context) {
	status, err := h.security.SubjectStatus(c.Request.Context(), c.Param("subject"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func listLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

// ListDecisions handles GET /api/v1/guard/admin/decisions?limit=&ip=
func (h *GuardHandler) ListDecisions(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	decisions, err := h.security.ListDecisions(c.Query("ip"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

// ListAudits handles GET /api/v1/guard/admin/audits?limit=
func (h *GuardHandler) ListAudits(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	audits, err := h.security.ListAudits(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audits": audits})
}

// Evaluate handles POST /api/v1/guard/admin/evaluate. It runs the live
// pipeline, so it consumes rate limit budget of the evaluated subject.
func (h *GuardHandler) Evaluate(c *gin.Context) {
	var sc models.SecurityContext
	if err := c.ShouldBindJSON(&sc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if sc.RequestID == "" {
		sc.RequestID = c.GetString(middleware.RequestIDKey)
	}
	d, err := h.evaluator.Evaluate(c.Request.Context(), sc)
	resp := gin.H{"decision": d}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
