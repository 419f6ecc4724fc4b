package tariff

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// Source loads every rate version from the tariff store.
type Source interface {
	LoadRates(ctx context.Context) ([]Rate, error)
}

// StaticSource serves rates from configuration.
type StaticSource struct {
	Rates []Rate
}

func (s StaticSource) LoadRates(context.Context) ([]Rate, error) {
	return s.Rates, nil
}

// CacheConfig controls tariff refresh.
type CacheConfig struct {
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
}

// DefaultCacheConfig returns the default refresh settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		RefreshInterval: 5 * time.Minute,
		RefreshTimeout:  10 * time.Second,
	}
}

// Cache serves the current tariff table and refreshes it in the background
// once it is older than the refresh interval. Readers get the cached table
// while a refresh runs.
type Cache struct {
	source Source
	config CacheConfig
	clock  clock.Clock
	logger *logger.Logger

	current atomic.Pointer[Table]
	group   singleflight.Group
}

// NewCache creates a tariff cache. Nothing is loaded until the first call to
// Table or Refresh.
func NewCache(source Source, config CacheConfig, clk clock.Clock, log *logger.Logger) *Cache {
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultCacheConfig().RefreshInterval
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = DefaultCacheConfig().RefreshTimeout
	}
	return &Cache{
		source: source,
		config: config,
		clock:  clk,
		logger: log.Named("tariff"),
	}
}

// Table returns the cached table. The first call loads synchronously; if that
// fails the defaults table is served and the load is retried next time.
func (c *Cache) Table(ctx context.Context) *Table {
	t := c.current.Load()
	if t == nil {
		loaded, err := c.Refresh(ctx)
		if err != nil {
			return DefaultsTable()
		}
		return loaded
	}

	if c.clock.Now().Sub(t.LoadedAt()) >= c.config.RefreshInterval {
		c.group.DoChan("refresh", func() (interface{}, error) {
			bg, cancel := context.WithTimeout(context.Background(), c.config.RefreshTimeout)
			defer cancel()
			return c.load(bg)
		})
	}
	return t
}

// Refresh reloads the table from the source and swaps it in.
func (c *Cache) Refresh(ctx context.Context) (*Table, error) {
	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return c.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Table), nil
}

func (c *Cache) load(ctx context.Context) (*Table, error) {
	rates, err := c.source.LoadRates(ctx)
	if err != nil {
		c.logger.Warn("Failed to refresh tariffs, keeping cached table", logger.Error(err))
		return nil, fmt.Errorf("failed to load tariffs: %w", err)
	}

	t := NewTable(rates, fmt.Sprintf("%T", c.source), c.clock.Now())
	c.current.Store(t)

	c.logger.Debug("Tariff table refreshed",
		logger.Int("rates", len(rates)),
		logger.Time("loaded_at", t.LoadedAt()))
	return t, nil
}
