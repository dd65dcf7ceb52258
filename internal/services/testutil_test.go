package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Wikid82/guard/internal/events"
	"github.com/Wikid82/guard/internal/models"
	"github.com/Wikid82/guard/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var errInjected = errors.New("injected failure")

// flakyStore wraps a real store and fails selected operations.
type flakyStore struct {
	store.StateStore
	failSetThreat bool
	failGetThreat bool
	failRemove    bool
	deleted       []string
}

func (f *flakyStore) SetThreatLevel(ctx context.Context, subject string, level models.ThreatLevel, ttl time.Duration) error {
	if f.failSetThreat {
		return errInjected
	}
	return f.StateStore.SetThreatLevel(ctx, subject, level, ttl)
}

func (f *flakyStore) GetThreatLevel(ctx context.Context, subject string) (models.ThreatLevel, error) {
	if f.failGetThreat {
		return models.ThreatLow, errInjected
	}
	return f.StateStore.GetThreatLevel(ctx, subject)
}

func (f *flakyStore) RemoveChallenge(ctx context.Context, id string) (bool, error) {
	if f.failRemove {
		return false, errInjected
	}
	return f.StateStore.RemoveChallenge(ctx, id)
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return f.StateStore.Delete(ctx, key)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.DecisionRecord{}, &models.SecurityAudit{}))
	return db
}
