// Package system holds the global kill switch that suspends tracking and
// billing.
package system

import (
	"context"
	"sync"
	"time"

	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// ActiveKey is the system_config key of the kill switch.
const ActiveKey = "system_active"

// FlagStore persists boolean flags.
type FlagStore interface {
	GetFlag(ctx context.Context, key string) (value, ok bool, err error)
	SetFlag(ctx context.Context, key string, value bool) error
}

// Static is a gate with a fixed state.
type Static bool

func (s Static) IsActive(context.Context) bool { return bool(s) }

// StoredGate reads the kill switch from a FlagStore and caches it briefly so
// every tick does not hit the database. An unset flag means active. A read
// error means inactive.
type StoredGate struct {
	store FlagStore
	ttl   time.Duration
	clock clock.Clock

	mu       sync.Mutex
	active   bool
	cachedAt time.Time
	cached   bool

	logger *logger.Logger
}

// NewStoredGate creates a gate backed by store.
func NewStoredGate(store FlagStore, ttl time.Duration, clk clock.Clock, log *logger.Logger) *StoredGate {
	return &StoredGate{
		store:  store,
		ttl:    ttl,
		clock:  clk,
		logger: log.Named("gate"),
	}
}

// IsActive reports whether tracking and billing may run.
func (g *StoredGate) IsActive(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if g.cached && now.Sub(g.cachedAt) < g.ttl {
		return g.active
	}

	value, ok, err := g.store.GetFlag(ctx, ActiveKey)
	if err != nil {
		g.logger.Error("Failed to read kill switch, treating system as inactive", logger.Error(err))
		g.cached = false
		return false
	}
	if !ok {
		value = true
	}
	if g.cached && value != g.active {
		g.logger.Warn("Kill switch changed", logger.Bool("active", value))
	}
	g.active, g.cachedAt, g.cached = value, now, true
	return value
}

// SetActive flips the kill switch.
func (g *StoredGate) SetActive(ctx context.Context, active bool) error {
	if err := g.store.SetFlag(ctx, ActiveKey, active); err != nil {
		return err
	}

	g.mu.Lock()
	g.active, g.cachedAt, g.cached = active, g.clock.Now(), true
	g.mu.Unlock()

	g.logger.Info("Kill switch set", logger.Bool("active", active))
	return nil
}
