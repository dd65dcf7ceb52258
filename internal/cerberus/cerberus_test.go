package cerberus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/guard/internal/cerberus"
	"github.com/Wikid82/guard/internal/config"
	"github.com/Wikid82/guard/internal/events"
	"github.com/Wikid82/guard/internal/models"
	"github.com/Wikid82/guard/internal/services"
	"github.com/Wikid82/guard/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// instrumentedStore counts pipeline calls and injects failures.
type instrumentedStore struct {
	store.StateStore
	blockErr, threatErr, rateErr error
	hang                         bool
	isBlocked, getThreat, incr   atomic.Int32
}

func (s *instrumentedStore) wait(ctx context.Context) error {
	if !s.hang {
		return nil
	}
	<-ctx.Done()
	return fmt.Errorf("%w: %w", store.ErrStoreUnavailable, ctx.Err())
}

func (s *instrumentedStore) IsBlocked(ctx context.Context, subject string) (bool, error) {
	s.isBlocked.Add(1)
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	if s.blockErr != nil {
		return false, s.blockErr
	}
	return s.StateStore.IsBlocked(ctx, subject)
}

func (s *instrumentedStore) GetThreatLevel(ctx context.Context, subject string) (models.ThreatLevel, error) {
	s.getThreat.Add(1)
	if err := s.wait(ctx); err != nil {
		return models.ThreatLow, err
	}
	if s.threatErr != nil {
		return models.ThreatLow, s.threatErr
	}
	return s.StateStore.GetThreatLevel(ctx, subject)
}

func (s *instrumentedStore) IncrementRateLimit(ctx context.Context, subject, route string, window time.Duration) (int64, time.Duration, error) {
	s.incr.Add(1)
	if err := s.wait(ctx); err != nil {
		return 0, 0, err
	}
	if s.rateErr != nil {
		return 0, 0, s.rateErr
	}
	return s.StateStore.IncrementRateLimit(ctx, subject, route, window)
}

func (s *instrumentedStore) calls() int32 {
	return s.isBlocked.Load() + s.getThreat.Load() + s.incr.Load()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

var errDown = fmt.Errorf("%w: connection refused", store.ErrStoreUnavailable)

type fixture struct {
	cerb  *cerberus.Cerberus
	store *instrumentedStore
	mem   *store.MemoryStore
	clock *testClock
	rec   *recorder
}

func setup(t *testing.T, cfg config.GuardConfig) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore(store.WithClock(clock.Now))
	st := &instrumentedStore{StateStore: mem}
	rec := &recorder{}
	return &fixture{cerb: cerberus.New(cfg, st, rec), store: st, mem: mem, clock: clock, rec: rec}
}

func request(ip, route string) models.SecurityContext {
	return models.SecurityContext{
		Subject:   models.SecuritySubject{IP: ip},
		Route:     route,
		RequestID: "req-1",
	}
}

func TestEvaluate_InvalidContext(t *testing.T) {
	tests := []struct {
		name string
		sc   models.SecurityContext
		err  error
	}{
		{"missing ip", request("", "/login"), models.ErrInvalidSubject},
		{"garbage ip", request("999.1.1.1", "/login"), models.ErrInvalidSubject},
		{"missing route", request("1.2.3.4", "  "), cerberus.ErrMissingRoute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, config.GuardConfig{})
			d, err := f.cerb.Evaluate(context.Background(), tt.sc)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, models.DecisionBlock, d.Type)
			assert.Equal(t, models.SourceValidation, d.Source)
			assert.Equal(t, models.ReasonInvalidContext, d.ReasonCode)
			assert.Equal(t, models.PolicyInputValidation, d.PolicyID)
			assert.True(t, d.IsTerminal)
			assert.Zero(t, f.store.calls(), "no store call before validation")
		})
	}
}

func TestEvaluate_BlockedSubject(t *testing.T) {
	f := setup(t, config.GuardConfig{})
	ctx := context.Background()
	require.NoError(t, f.mem.BlockSubject(ctx, "1.2.3.4", time.Hour, "manual"))
	require.NoError(t, f.mem.SetThreatLevel(ctx, "1.2.3.4", models.ThreatCritical, time.Hour))

	d, err := f.cerb.Evaluate(ctx, request("1.2.3.4", "/login"))
	require.NoError(t, err)
	assert.Equal(t, models.SecurityDecision{
		Type:                 models.DecisionBlock,
		ThreatLevel:          models.ThreatCritical,
		Source:               models.SourceCache,
		ReasonCode:           models.ReasonIPBlocked,
		IsTerminal:           true,
		EffectiveThreatLevel: models.ThreatCritical,
		PolicyID:             models.PolicyBlockList,
		TTLSeconds:           300,
	}, d)
	assert.Zero(t, f.store.incr.Load(), "blocked subjects never reach the rate limiter")
}

func TestEvaluate_SubjectSpellingsShareState(t *testing.T) {
	tests := []struct {
		stored, requested string
	}{
		{"2001:DB8:0:0::1", "2001:db8::1"},
		{"2001:db8::1", "2001:0DB8::0001"},
		{"1.2.3.4", "::ffff:1.2.3.4"},
		{"1.2.3.4", " 1.2.3.4 "},
	}
	for _, tt := range tests {
		t.Run(tt.requested, func(t *testing.T) {
			f := setup(t, config.GuardConfig{})
			ctx := context.Background()
			key := models.SecuritySubject{IP: tt.stored}.Key()
			require.NoError(t, f.mem.BlockSubject(ctx, key, time.Hour, "manual"))

			d, err := f.cerb.Evaluate(ctx, request(tt.requested, "/login"))
			require.NoError(t, err)
			assert.Equal(t, models.DecisionBlock, d.Type)
			assert.Equal(t, models.ReasonIPBlocked, d.ReasonCode)
		})
	}
}

func TestEvaluate_BlockedRegardlessOfThreat(t *testing.T) {
	for _, level := range []models.ThreatLevel{models.ThreatLow, models.ThreatMedium, models.ThreatHigh} {
		t.Run(level.String(), func(t *testing.T) {
			f := setup(t, config.GuardConfig{})
			ctx := context.Background()
			require.NoError(t, f.mem.BlockSubject(ctx, "10.1.1.1", 0, "manual"))
			require.NoError(t, f.mem.SetThreatLevel(ctx, "10.1.1.1", level, time.Hour))

			d, err := f.cerb.Evaluate(ctx, request("10.1.1.1", "/"))
			require.NoError(t, err)
			assert.Equal(t, models.ReasonIPBlocked, d.ReasonCode)
			assert.Equal(t, level, d.EffectiveThreatLevel)
			assert.True(t, d.IsTerminal)
		})
	}
}

func TestEvaluate_CriticalThreat(t *testing.T) {
	f := setup(t, config.GuardConfig{})
	ctx := context.Background()
	require.NoError(t, f.mem.SetThreatLevel(ctx, "2001:db8::7", models.ThreatCritical, time.Hour))

	d, err := f.cerb.Evaluate(ctx, request("2001:db8::7", "/api/orders"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionBlock, d.Type)
	assert.Equal(t, models.SourceBotDetection, d.Source)
	assert.Equal(t, models.ReasonThreatCritical, d.ReasonCode)
	assert.Equal(t, models.PolicyThreatCritical, d.PolicyID)
	assert.Equal(t, models.ThreatCritical, d.EffectiveThreatLevel)
	assert.Equal(t, 300, d.TTLSeconds)
	assert.True(t, d.IsTerminal)
	assert.Zero(t, f.store.incr.Load())
}

func TestEvaluate_RateLimitWindow(t *testing.T) {
	f := setup(t, config.GuardConfig{})
	ctx := context.Background()

	for i := 1; i <= 50; i++ {
		d, err := f.cerb.Evaluate(ctx, request("1.2.3.4", "/search"))
		require.NoError(t, err)
		require.Equal(t, models.DecisionAllow, d.Type, "request %d", i)
		assert.Equal(t, models.ReasonOK, d.ReasonCode)
		assert.Equal(t, models.PolicyDefaultAllow, d.PolicyID)
		assert.Equal(t, models.SourceManual, d.Source)
	}

	d, err := f.cerb.Evaluate(ctx, request("1.2.3.4", "/search"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionThrottle, d.Type)
	assert.Equal(t, models.SourceRateLimit, d.Source)
	assert.Equal(t, models.ReasonRateLimitExceeded, d.ReasonCode)
	assert.Equal(t, models.PolicyGlobalRateLimit, d.PolicyID)
	assert.False(t, d.IsTerminal)
	assert.Equal(t, 10, d.TTLSeconds)

	// other routes have their own counter
	d, err = f.cerb.Evaluate(ctx, request("1.2.3.4", "/home"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllow, d.Type)

	f.clock.Advance(10 * time.Second)
	d, err = f.cerb.Evaluate(ctx, request("1.2.3.4", "/search"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllow, d.Type, "counter resets with the window")
}

func TestEvaluate_ThrottleGrowsWithThreat(t *testing.T) {
	tests := []struct {
		level models.ThreatLevel
		ttl   int
	}{
		{models.ThreatLow, 10},
		{models.ThreatMedium, 15},
		{models.ThreatHigh, 20},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			f := setup(t, config.GuardConfig{RateLimitThreshold: 1})
			ctx := context.Background()
			require.NoError(t, f.mem.SetThreatLevel(ctx, "1.2.3.4", tt.level, time.Hour))

			_, err := f.cerb.Evaluate(ctx, request("1.2.3.4", "/"))
			require.NoError(t, err)
			d, err := f.cerb.Evaluate(ctx, request("1.2.3.4", "/"))
			require.NoError(t, err)
			assert.Equal(t, models.DecisionThrottle, d.Type)
			assert.Equal(t, tt.ttl, d.TTLSeconds)
			assert.Equal(t, tt.level, d.EffectiveThreatLevel)
		})
	}
}

func TestEvaluate_StoreRoundTrips(t *testing.T) {
	f := setup(t, config.GuardConfig{})
	_, err := f.cerb.Evaluate(context.Background(), request("1.2.3.4", "/"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.store.isBlocked.Load())
	assert.Equal(t, int32(1), f.store.getThreat.Load())
	assert.Equal(t, int32(1), f.store.incr.Load())
}

func TestEvaluate_FailurePolicies(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.GuardConfig
		inject     func(s *instrumentedStore)
		wantType   models.DecisionType
		wantReason string
		wantPolicy string
		wantSource models.DecisionSource
		terminal   bool
	}{
		{
			name:       "block check fails closed by default",
			inject:     func(s *instrumentedStore) { s.blockErr = errDown },
			wantType:   models.DecisionBlock,
			wantReason: models.ReasonStoreUnavailable,
			wantPolicy: models.PolicyFailClosed,
			wantSource: models.SourceCache,
			terminal:   true,
		},
		{
			name:       "threat check fails closed by default",
			inject:     func(s *instrumentedStore) { s.threatErr = errDown },
			wantType:   models.DecisionBlock,
			wantReason: models.ReasonStoreUnavailable,
			wantPolicy: models.PolicyFailClosed,
			wantSource: models.SourceBotDetection,
			terminal:   true,
		},
		{
			name:       "rate limit fails open by default",
			inject:     func(s *instrumentedStore) { s.rateErr = errDown },
			wantType:   models.DecisionAllow,
			wantReason: models.ReasonStoreUnavailableOpen,
			wantPolicy: models.PolicyFailOpen,
			wantSource: models.SourceManual,
		},
		{
			name:       "rate limit configured closed",
			cfg:        config.GuardConfig{RateLimitPolicy: config.FailClosed},
			inject:     func(s *instrumentedStore) { s.rateErr = errDown },
			wantType:   models.DecisionBlock,
			wantReason: models.ReasonStoreUnavailable,
			wantPolicy: models.PolicyFailClosed,
			wantSource: models.SourceRateLimit,
			terminal:   true,
		},
		{
			name: "everything open",
			cfg: config.GuardConfig{
				BlockCheckPolicy:  config.FailOpen,
				ThreatCheckPolicy: config.FailOpen,
			},
			inject: func(s *instrumentedStore) {
				s.blockErr = errDown
				s.threatErr = errDown
				s.rateErr = errDown
			},
			wantType:   models.DecisionAllow,
			wantReason: models.ReasonStoreUnavailableOpen,
			wantPolicy: models.PolicyFailOpen,
			wantSource: models.SourceManual,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.cfg)
			tt.inject(f.store)

			d, err := f.cerb.Evaluate(context.Background(), request("1.2.3.4", "/"))
			require.Error(t, err)
			assert.ErrorIs(t, err, store.ErrStoreUnavailable)
			assert.Equal(t, tt.wantType, d.Type)
			assert.Equal(t, tt.wantReason, d.ReasonCode)
			assert.Equal(t, tt.wantPolicy, d.PolicyID)
			assert.Equal(t, tt.wantSource, d.Source)
			assert.Equal(t, tt.terminal, d.IsTerminal)
		})
	}
}

func TestEvaluate_OpenBlockCheckStillThrottles(t *testing.T) {
	f := setup(t, config.GuardConfig{BlockCheckPolicy: config.FailOpen, RateLimitThreshold: 1})
	ctx := context.Background()
	f.store.blockErr = errDown

	_, _ = f.cerb.Evaluate(ctx, request("1.2.3.4", "/"))
	d, err := f.cerb.Evaluate(ctx, request("1.2.3.4", "/"))
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Equal(t, models.DecisionThrottle, d.Type)
	assert.Equal(t, models.ReasonRateLimitExceeded, d.ReasonCode)
}

func TestEvaluate_StoreTimeoutIsFailure(t *testing.T) {
	f := setup(t, config.GuardConfig{StoreTimeout: 20 * time.Millisecond})
	f.store.hang = true

	start := time.Now()
	d, err := f.cerb.Evaluate(context.Background(), request("1.2.3.4", "/"))
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.DecisionBlock, d.Type)
	assert.Equal(t, models.ReasonStoreUnavailable, d.ReasonCode)
}

func TestEvaluate_CancelledContext(t *testing.T) {
	f := setup(t, config.GuardConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := f.cerb.Evaluate(ctx, request("1.2.3.4", "/"))
	assert.True(t, errors.Is(err, store.ErrStoreUnavailable))
	assert.Equal(t, models.DecisionBlock, d.Type)
	assert.True(t, d.IsTerminal)
}

func TestEvaluate_PublishesEvents(t *testing.T) {
	f := setup(t, config.GuardConfig{RateLimitThreshold: 1})
	ctx := context.Background()

	_, err := f.cerb.Evaluate(ctx, request("1.2.3.4", "/"))
	require.NoError(t, err)
	_, err = f.cerb.Evaluate(ctx, request("1.2.3.4", "/"))
	require.NoError(t, err)

	assert.Equal(t, []events.Type{events.DecisionMade, events.DecisionMade, events.SubjectThrottled}, f.rec.types())
	throttled := f.rec.events[2]
	assert.Equal(t, "1.2.3.4", throttled.Subject.IP)
	assert.Equal(t, "/", throttled.Route)
	assert.Equal(t, "req-1", throttled.RequestID)
	assert.NotEqual(t, f.rec.events[1].ID, throttled.ID)
}

func TestEvaluate_NilPublisher(t *testing.T) {
	cerb := cerberus.New(config.GuardConfig{}, store.NewMemoryStore(), nil)
	d, err := cerb.Evaluate(context.Background(), request("1.2.3.4", "/"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllow, d.Type)
}

// A botnet signal raises 1.2.3.4 to High: requests are still allowed until
// the 51st inside one window, which is throttled for 10 + 5*2 seconds.
func TestEndToEnd_SignalEscalationThenThrottle(t *testing.T) {
	f := setup(t, config.GuardConfig{})
	ctx := context.Background()
	threats := services.NewThreatService(f.mem, f.rec)

	outcome, err := threats.HandleSignal(ctx, models.SignalReceived{
		SignalType: "botnet",
		Subject:    models.SecuritySubject{IP: "1.2.3.4"},
		Score:      0.85,
	})
	require.NoError(t, err)
	require.Equal(t, services.SignalEscalated, outcome)

	d, err := f.cerb.Evaluate(ctx, request("1.2.3.4", "/login"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllow, d.Type)
	assert.Equal(t, models.ThreatHigh, d.EffectiveThreatLevel)

	for i := 2; i <= 50; i++ {
		d, err = f.cerb.Evaluate(ctx, request("1.2.3.4", "/login"))
		require.NoError(t, err)
		require.Equal(t, models.DecisionAllow, d.Type, "request %d", i)
	}

	d, err = f.cerb.Evaluate(ctx, request("1.2.3.4", "/login"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionThrottle, d.Type)
	assert.Equal(t, models.ThreatHigh, d.EffectiveThreatLevel)
	assert.Equal(t, 20, d.TTLSeconds)
}

func TestEvaluate_ConcurrentRequestsRespectThreshold(t *testing.T) {
	f := setup(t, config.GuardConfig{})
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		throttled atomic.Int32
	)
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.cerb.Evaluate(ctx, request("1.2.3.4", "/burst"))
			if err == nil && d.Type == models.DecisionThrottle {
				throttled.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(30), throttled.Load())
}
