package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/airspace-billing/internal/billing"
	"github.com/yegors/airspace-billing/internal/tariff"
	"github.com/yegors/airspace-billing/internal/tracking"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, tracking.DefaultLandingConfig(), cfg.LandingThresholds())
	assert.Equal(t, 10*time.Second, cfg.Interval())
	assert.Equal(t, tariff.DefaultCacheConfig(), cfg.TariffCache())

	b, err := cfg.BillingSettings()
	require.NoError(t, err)
	assert.Equal(t, billing.ModeDistance, b.Mode)
	assert.Equal(t, "Africa/Kinshasa", b.Location.String())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "debug"
format = "json"

[engine]
interval_seconds = 5
workers = 4
overrun_policy = "queue"

[source]
type = "file"
file = "samples.json"

[landing]
touchdown_radius_km = 3.5
approach_timeout_minutes = 0

[billing]
mode = "hybrid"
night_start_hour = 19

[billing.airline_discounts]
CAA = 10
ETH = 5

[[tariffs]]
code = "SURVOL_KM"
value = 0.9
unit = "USD/km"
active = true
effective_date = 2025-01-01T00:00:00Z

[[airports]]
icao = "FZAA"
name = "N'djili"
city = "Kinshasa"
lat = -4.3858
lon = 15.4446
elevation_ft = 1027
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LoggerConfig().Level)
	assert.Equal(t, 5*time.Second, cfg.Interval())
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, OverrunQueue, cfg.Engine.OverrunPolicy)

	landing := cfg.LandingThresholds()
	assert.Equal(t, 3.5, landing.TouchdownRadiusKm)
	assert.Equal(t, 20.0, landing.ApproachRadiusKm)
	assert.Zero(t, landing.ApproachTimeout)

	b, err := cfg.BillingSettings()
	require.NoError(t, err)
	assert.Equal(t, billing.ModeHybrid, b.Mode)
	assert.Equal(t, 19, b.NightStartHour)
	assert.Equal(t, 6, b.NightEndHour)
	assert.Equal(t, map[string]float64{"CAA": 10, "ETH": 5}, b.AirlineDiscounts)

	require.Len(t, cfg.Tariffs, 1)
	assert.Equal(t, tariff.SurvolKm, cfg.Tariffs[0].Code)
	assert.True(t, cfg.Tariffs[0].EffectiveDate.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))

	require.Len(t, cfg.Airports, 1)
	assert.Equal(t, 1027.0, cfg.Airports[0].ElevationFt)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[engine]
intervall_seconds = 5
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "engine.intervall_seconds")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"zero interval", func(c *Config) { c.Engine.IntervalSeconds = 0 }, "interval_seconds"},
		{"bad overrun", func(c *Config) { c.Engine.OverrunPolicy = "drop" }, "overrun_policy"},
		{"bad source", func(c *Config) { c.Source.Type = "kafka" }, "source.type"},
		{"file source without file", func(c *Config) { c.Source.Type = SourceFile }, "source.file"},
		{"bad mode", func(c *Config) { c.Billing.Mode = "weight" }, "billing mode"},
		{"bad hour", func(c *Config) { c.Billing.NightEndHour = 24 }, "night hours"},
		{"bad timezone", func(c *Config) { c.Billing.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad discount", func(c *Config) { c.Billing.AirlineDiscounts = map[string]float64{"X": 120} }, "discount for X"},
		{"negative threshold", func(c *Config) { c.Landing.ParkingMaxSpeedKt = -1 }, "parking_max_speed_kt"},
		{"unknown tariff", func(c *Config) { c.Tariffs = []tariff.Rate{{Code: "FUEL"}} }, "unknown code FUEL"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)

	assert.Equal(t, tracking.DefaultLandingConfig(), cfg.LandingThresholds())
	assert.Equal(t, Default().Engine, cfg.Engine)
	require.Len(t, cfg.Tariffs, 2)
	assert.Equal(t, tariff.SurvolKm, cfg.Tariffs[0].Code)
	assert.True(t, cfg.Tariffs[0].EffectiveDate.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}
