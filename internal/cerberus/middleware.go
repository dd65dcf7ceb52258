package cerberus

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/guard/internal/logger"
	"github.com/Wikid82/guard/internal/models"
	"github.com/Wikid82/guard/internal/services"
)

// Response headers describing the decision applied to a request.
const (
	HeaderDecision = "X-Guard-Decision"
	HeaderReason   = "X-Guard-Reason"
	HeaderPolicy   = "X-Guard-Policy"
)

const (
	requestIDKey      = "requestID"
	requestIDHeader   = "X-Request-ID"
	clientHintsPrefix = "Sec-Ch-Ua"
	forwardedURI      = "X-Forwarded-Uri"
)

// ChallengeIssuer issues a proof-of-work challenge for a scope.
type ChallengeIssuer interface {
	CreateChallenge(ctx context.Context, scope string) (models.SecurityChallenge, error)
}

// Middleware returns a Gin middleware that enforces Cerberus decisions.
// challenges may be nil, in which case Challenge decisions are refused
// without a puzzle.
func (c *Cerberus) Middleware(challenges ChallengeIssuer) gin.HandlerFunc {
	return Middleware(c, challenges)
}

// Middleware enforces the decisions of ev: Block is answered with 403,
// Throttle with 429 and Retry-After, Challenge with 403 and a fresh
// challenge. Allowed requests continue down the chain.
func Middleware(ev Evaluator, challenges ChallengeIssuer) gin.HandlerFunc {
	return enforce(ev, challenges, ContextFromRequest)
}

// ForwardAuthMiddleware is Middleware for a forward-auth endpoint: the rate
// limit route is the original request path the proxy reports in
// X-Forwarded-Uri, not the endpoint's own path.
func ForwardAuthMiddleware(ev Evaluator, challenges ChallengeIssuer) gin.HandlerFunc {
	return enforce(ev, challenges, func(ctx *gin.Context) models.SecurityContext {
		sc := ContextFromRequest(ctx)
		if route := ForwardedRoute(ctx.Request); route != "" {
			sc.Route = route
		}
		return sc
	})
}

func enforce(ev Evaluator, challenges ChallengeIssuer, build func(*gin.Context) models.SecurityContext) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		sc := build(ctx)
		// Evaluate logs its own errors and always returns an enforceable decision.
		d, _ := ev.Evaluate(ctx.Request.Context(), sc)

		ctx.Header(HeaderDecision, string(d.Type))
		ctx.Header(HeaderReason, d.ReasonCode)
		if d.PolicyID != "" {
			ctx.Header(HeaderPolicy, d.PolicyID)
		}

		switch d.Type {
		case models.DecisionBlock:
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":       "request blocked",
				"reason_code": d.ReasonCode,
				"policy_id":   d.PolicyID,
			})
		case models.DecisionThrottle:
			if d.TTLSeconds > 0 {
				ctx.Header("Retry-After", strconv.Itoa(d.TTLSeconds))
			}
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"reason_code": d.ReasonCode,
				"retry_after": d.TTLSeconds,
			})
		case models.DecisionChallenge:
			issueChallenge(ctx, challenges, d)
		default:
			ctx.Next()
		}
	}
}

func issueChallenge(ctx *gin.Context, challenges ChallengeIssuer, d models.SecurityDecision) {
	body := gin.H{
		"error":       "challenge required",
		"reason_code": d.ReasonCode,
	}
	if challenges == nil {
		ctx.AbortWithStatusJSON(http.StatusForbidden, body)
		return
	}
	ch, err := challenges.CreateChallenge(ctx.Request.Context(), services.ScopeForThreat(d.EffectiveThreatLevel))
	if err != nil {
		logger.WithComponent("cerberus").WithError(err).Error("failed to issue challenge")
		ctx.AbortWithStatusJSON(http.StatusForbidden, body)
		return
	}
	body["challenge"] = ch
	ctx.AbortWithStatusJSON(http.StatusForbidden, body)
}

// ForwardedRoute returns the path of X-Forwarded-Uri without its query
// string or fragment, or "" when the header is absent.
func ForwardedRoute(req *http.Request) string {
	uri := strings.TrimSpace(req.Header.Get(forwardedURI))
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	return uri
}

// ContextFromRequest builds the security context of a gin request.
func ContextFromRequest(ctx *gin.Context) models.SecurityContext {
	req := ctx.Request
	route := ctx.FullPath()
	if route == "" {
		route = req.URL.Path
	}

	rid := ctx.GetString(requestIDKey)
	if rid == "" {
		rid = req.Header.Get(requestIDHeader)
	}

	var hints map[string]string
	for name, values := range req.Header {
		if !strings.HasPrefix(name, clientHintsPrefix) || len(values) == 0 {
			continue
		}
		if hints == nil {
			hints = make(map[string]string)
		}
		hints[name] = values[0]
	}

	return models.SecurityContext{
		Subject: models.SecuritySubject{
			IP:          ctx.ClientIP(),
			DeviceID:    req.Header.Get("X-Device-ID"),
			Fingerprint: req.Header.Get("X-Fingerprint"),
			TenantID:    req.Header.Get("X-Tenant-ID"),
		},
		Route:       route,
		Headers:     req.Header.Clone(),
		RequestID:   rid,
		UserAgent:   req.UserAgent(),
		ClientHints: hints,
	}
}
