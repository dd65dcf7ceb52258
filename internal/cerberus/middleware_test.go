package cerberus_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/guard/internal/cerberus"
	"github.com/Wikid82/guard/internal/config"
	"github.com/Wikid82/guard/internal/models"
	"github.com/Wikid82/guard/internal/services"
	"github.com/Wikid82/guard/internal/store"
)

type stubEvaluator struct {
	decision models.SecurityDecision
	err      error
	got      models.SecurityContext
}

func (s *stubEvaluator) Evaluate(_ context.Context, sc models.SecurityContext) (models.SecurityDecision, error) {
	s.got = sc
	return s.decision, s.err
}

type stubIssuer struct {
	scope string
	err   error
}

func (s *stubIssuer) CreateChallenge(_ context.Context, scope string) (models.SecurityChallenge, error) {
	s.scope = scope
	if s.err != nil {
		return models.SecurityChallenge{}, s.err
	}
	return models.SecurityChallenge{ID: "chal-1", Type: models.ChallengeProofOfWork, Salt: "abcd", Difficulty: 12, Scope: scope}, nil
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/api/items/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func TestMiddleware_Enforcement(t *testing.T) {
	tests := []struct {
		name       string
		decision   models.SecurityDecision
		wantStatus int
		wantBody   string
	}{
		{
			name:       "allow",
			decision:   models.SecurityDecision{Type: models.DecisionAllow, ReasonCode: models.ReasonOK, PolicyID: models.PolicyDefaultAllow},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name:       "block",
			decision:   models.SecurityDecision{Type: models.DecisionBlock, ReasonCode: models.ReasonIPBlocked, PolicyID: models.PolicyBlockList, IsTerminal: true},
			wantStatus: http.StatusForbidden,
			wantBody:   models.ReasonIPBlocked,
		},
		{
			name:       "throttle",
			decision:   models.SecurityDecision{Type: models.DecisionThrottle, ReasonCode: models.ReasonRateLimitExceeded, PolicyID: models.PolicyGlobalRateLimit, TTLSeconds: 20},
			wantStatus: http.StatusTooManyRequests,
			wantBody:   models.ReasonRateLimitExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &stubEvaluator{decision: tt.decision}
			r := newRouter(cerberus.Middleware(ev, nil))

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/items/7", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
			assert.Equal(t, string(tt.decision.Type), w.Header().Get(cerberus.HeaderDecision))
			assert.Equal(t, tt.decision.ReasonCode, w.Header().Get(cerberus.HeaderReason))
			assert.Equal(t, tt.decision.PolicyID, w.Header().Get(cerberus.HeaderPolicy))
		})
	}
}

func TestMiddleware_ThrottleSetsRetryAfter(t *testing.T) {
	ev := &stubEvaluator{decision: models.SecurityDecision{Type: models.DecisionThrottle, ReasonCode: models.ReasonRateLimitExceeded, TTLSeconds: 15}}
	r := newRouter(cerberus.Middleware(ev, nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/items/1", nil))
	assert.Equal(t, "15", w.Header().Get("Retry-After"))
}

func TestMiddleware_ChallengeIssuesPuzzle(t *testing.T) {
	ev := &stubEvaluator{decision: models.SecurityDecision{
		Type:                 models.DecisionChallenge,
		ReasonCode:           models.ReasonChallengeRequired,
		EffectiveThreatLevel: models.ThreatHigh,
	}}
	issuer := &stubIssuer{}
	r := newRouter(cerberus.Middleware(ev, issuer))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/items/1", nil))

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "threat-high", issuer.scope)

	var body struct {
		Error     string                   `json:"error"`
		Challenge models.SecurityChallenge `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "challenge required", body.Error)
	assert.Equal(t, "chal-1", body.Challenge.ID)
	assert.Equal(t, 12, body.Challenge.Difficulty)
}

func TestMiddleware_ChallengeIssueFailure(t *testing.T) {
	ev := &stubEvaluator{decision: models.SecurityDecision{Type: models.DecisionChallenge, ReasonCode: models.ReasonChallengeRequired}}
	r := newRouter(cerberus.Middleware(ev, &stubIssuer{err: errors.New("store down")}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/items/1", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), "salt")
}

func TestMiddleware_FailOpenContinues(t *testing.T) {
	ev := &stubEvaluator{
		decision: models.SecurityDecision{Type: models.DecisionAllow, ReasonCode: models.ReasonStoreUnavailableOpen, PolicyID: models.PolicyFailOpen},
		err:      store.ErrStoreUnavailable,
	}
	r := newRouter(cerberus.Middleware(ev, nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/items/1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.PolicyFailOpen, w.Header().Get(cerberus.HeaderPolicy))
}

func TestMiddleware_BuildsSecurityContext(t *testing.T) {
	ev := &stubEvaluator{decision: models.SecurityDecision{Type: models.DecisionAllow}}
	r := newRouter(cerberus.Middleware(ev, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/items/42", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("User-Agent", "guard-test/1.0")
	req.Header.Set("X-Request-ID", "rid-123")
	req.Header.Set("X-Device-ID", "dev-1")
	req.Header.Set("X-Fingerprint", "fp-1")
	req.Header.Set("X-Tenant-ID", "tenant-a")
	req.Header.Set("Sec-CH-UA-Platform", `"Linux"`)
	req.Header.Set("Sec-CH-UA-Mobile", "?0")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	sc := ev.got
	assert.Equal(t, "203.0.113.9", sc.Subject.IP)
	assert.Equal(t, "dev-1", sc.Subject.DeviceID)
	assert.Equal(t, "fp-1", sc.Subject.Fingerprint)
	assert.Equal(t, "tenant-a", sc.Subject.TenantID)
	assert.Equal(t, "/api/items/:id", sc.Route, "route template keeps ids out of counters")
	assert.Equal(t, "rid-123", sc.RequestID)
	assert.Equal(t, "guard-test/1.0", sc.UserAgent)
	assert.Equal(t, map[string]string{"Sec-Ch-Ua-Platform": `"Linux"`, "Sec-Ch-Ua-Mobile": "?0"}, sc.ClientHints)
	assert.Equal(t, "fp-1", sc.Headers.Get("X-Fingerprint"))
}

func TestMiddleware_UnmatchedRouteUsesPath(t *testing.T) {
	ev := &stubEvaluator{decision: models.SecurityDecision{Type: models.DecisionAllow}}
	r := newRouter(cerberus.Middleware(ev, nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, "/nowhere", ev.got.Route)
}

func TestMiddleware_WithPipeline(t *testing.T) {
	st := store.NewMemoryStore()
	cerb := cerberus.New(config.GuardConfig{RateLimitThreshold: 2}, st, nil)
	challenges := services.NewChallengeService(st, config.ChallengeConfig{Difficulty: 8, TTL: time.Minute})
	r := newRouter(cerb.Middleware(challenges))

	do := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/items/1", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("198.51.100.1:1000").Code)
	assert.Equal(t, http.StatusOK, do("198.51.100.1:1000").Code)
	w := do("198.51.100.1:1000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "10", w.Header().Get("Retry-After"))

	require.NoError(t, st.BlockSubject(context.Background(), "198.51.100.2", time.Minute, "test"))
	w = do("198.51.100.2:1000")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, models.ReasonIPBlocked, w.Header().Get(cerberus.HeaderReason))
}

func TestForwardAuthMiddleware_Route(t *testing.T) {
	tests := []struct {
		name      string
		forwarded string
		want      string
	}{
		{name: "forwarded path", forwarded: "/orders/7", want: "/orders/7"},
		{name: "query stripped", forwarded: "/search?q=shoes&page=2", want: "/search"},
		{name: "fragment stripped", forwarded: "/docs#intro", want: "/docs"},
		{name: "absent falls back to route template", forwarded: "", want: "/api/items/:id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &stubEvaluator{decision: models.SecurityDecision{Type: models.DecisionAllow}}
			r := newRouter(cerberus.ForwardAuthMiddleware(ev, nil))

			req := httptest.NewRequest(http.MethodGet, "/api/items/1", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-Uri", tt.forwarded)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, ev.got.Route)
		})
	}
}

func TestForwardAuthMiddleware_CountsPerForwardedPath(t *testing.T) {
	st := store.NewMemoryStore()
	cerb := cerberus.New(config.GuardConfig{RateLimitThreshold: 2}, st, nil)
	r := newRouter(cerberus.ForwardAuthMiddleware(cerb, nil))

	do := func(uri string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/items/1", nil)
		req.RemoteAddr = "198.51.100.3:1000"
		req.Header.Set("X-Forwarded-Uri", uri)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("/a"))
	assert.Equal(t, http.StatusOK, do("/b"))
	assert.Equal(t, http.StatusOK, do("/c"))
	assert.Equal(t, http.StatusOK, do("/a?page=2"))
	assert.Equal(t, http.StatusTooManyRequests, do("/a"))
}
