// Package config loads the engine configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"github.com/yegors/airspace-billing/internal/airport"
	"github.com/yegors/airspace-billing/internal/billing"
	"github.com/yegors/airspace-billing/internal/registry"
	"github.com/yegors/airspace-billing/internal/tariff"
	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// Overrun policies for ticks that outlast the interval.
const (
	OverrunSkip  = "skip"
	OverrunQueue = "queue"
)

// Source types.
const (
	SourceHTTP = "http"
	SourceFile = "file"
)

// Config is the full engine configuration.
type Config struct {
	Logging  LoggingConfig     `toml:"logging"`
	Storage  StorageConfig     `toml:"storage"`
	Engine   EngineConfig      `toml:"engine"`
	Source   SourceConfig      `toml:"source"`
	Geofence GeofenceConfig    `toml:"geofence"`
	Landing  LandingConfig     `toml:"landing"`
	Billing  BillingConfig     `toml:"billing"`
	Registry RegistryConfig    `toml:"registry"`
	System   SystemConfig      `toml:"system"`
	Notify   NotifyConfig      `toml:"notify"`
	Server   ServerConfig      `toml:"server"`
	Tariffs  []tariff.Rate     `toml:"tariffs"`
	Airports []airport.Airport `toml:"airports"`
}

// LoggingConfig represents the logger configuration
type LoggingConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// StorageConfig points at the SQLite database.
type StorageConfig struct {
	Path string `toml:"path"`
}

// EngineConfig controls the tick loop.
type EngineConfig struct {
	IntervalSeconds int    `toml:"interval_seconds"`
	Workers         int    `toml:"workers"`
	OverrunPolicy   string `toml:"overrun_policy"`
}

// SourceConfig describes where position samples come from.
type SourceConfig struct {
	Type           string `toml:"type"`
	URL            string `toml:"url"`
	APIHost        string `toml:"api_host"`
	APIKey         string `toml:"api_key"`
	File           string `toml:"file"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// GeofenceConfig selects the boundary source. When File is empty the active
// airspace in the database is used.
type GeofenceConfig struct {
	File                  string `toml:"file"`
	RebuildTimeoutSeconds int    `toml:"rebuild_timeout_seconds"`
}

// LandingConfig holds the ground-ops thresholds
type LandingConfig struct {
	ApproachRadiusKm       float64 `toml:"approach_radius_km"`
	ApproachMaxAGLM        float64 `toml:"approach_max_agl_m"`
	TouchdownRadiusKm      float64 `toml:"touchdown_radius_km"`
	TouchdownMaxAGLM       float64 `toml:"touchdown_max_agl_m"`
	TouchdownMaxSpeedKt    float64 `toml:"touchdown_max_speed_kt"`
	ParkingMaxSpeedKt      float64 `toml:"parking_max_speed_kt"`
	DepartureSpeedKt       float64 `toml:"departure_speed_kt"`
	DepartureRadiusKm      float64 `toml:"departure_radius_km"`
	ApproachTimeoutMinutes int     `toml:"approach_timeout_minutes"`
}

// BillingConfig holds the pricing parameters
type BillingConfig struct {
	Mode                 string             `toml:"mode"`
	Currency             string             `toml:"currency"`
	NightStartHour       int                `toml:"night_start_hour"`
	NightEndHour         int                `toml:"night_end_hour"`
	Timezone             string             `toml:"timezone"`
	FreeParkingMinutes   float64            `toml:"free_parking_minutes"`
	TariffRefreshMinutes int                `toml:"tariff_refresh_minutes"`
	TariffTimeoutSeconds int                `toml:"tariff_timeout_seconds"`
	AirlineDiscounts     map[string]float64 `toml:"airline_discounts"`
}

// RegistryConfig sizes the flight metadata cache.
type RegistryConfig struct {
	CacheSize       int `toml:"cache_size"`
	CacheTTLMinutes int `toml:"cache_ttl_minutes"`
}

// SystemConfig holds the kill switch settings.
type SystemConfig struct {
	GateCacheSeconds int `toml:"gate_cache_seconds"`
}

// NotifyConfig configures event delivery.
type NotifyConfig struct {
	WebhookURL            string `toml:"webhook_url"`
	WebhookTimeoutSeconds int    `toml:"webhook_timeout_seconds"`
}

// ServerConfig represents the admin API configuration
type ServerConfig struct {
	Enabled             bool     `toml:"enabled"`
	Host                string   `toml:"host"`
	Port                int      `toml:"port"`
	ReadTimeoutSeconds  int      `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `toml:"write_timeout_seconds"`
	CORSAllowedOrigins  []string `toml:"cors_allowed_origins"`
}

// Default returns the default configuration
func Default() Config {
	landing := tracking.DefaultLandingConfig()
	billingDefaults := billing.DefaultConfig()
	tariffDefaults := tariff.DefaultCacheConfig()
	registryDefaults := registry.DefaultConfig()

	return Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Storage: StorageConfig{Path: "airspace.db"},
		Engine: EngineConfig{
			IntervalSeconds: 10,
			Workers:         8,
			OverrunPolicy:   OverrunSkip,
		},
		Source: SourceConfig{
			Type:           SourceHTTP,
			URL:            "http://localhost:8080/data/aircraft.json",
			TimeoutSeconds: 10,
		},
		Geofence: GeofenceConfig{RebuildTimeoutSeconds: 30},
		Landing: LandingConfig{
			ApproachRadiusKm:       landing.ApproachRadiusKm,
			ApproachMaxAGLM:        landing.ApproachMaxAGLM,
			TouchdownRadiusKm:      landing.TouchdownRadiusKm,
			TouchdownMaxAGLM:       landing.TouchdownMaxAGLM,
			TouchdownMaxSpeedKt:    landing.TouchdownMaxSpeedKt,
			ParkingMaxSpeedKt:      landing.ParkingMaxSpeedKt,
			DepartureSpeedKt:       landing.DepartureSpeedKt,
			DepartureRadiusKm:      landing.DepartureRadiusKm,
			ApproachTimeoutMinutes: int(landing.ApproachTimeout / time.Minute),
		},
		Billing: BillingConfig{
			Mode:                 string(billingDefaults.Mode),
			Currency:             billingDefaults.Currency,
			NightStartHour:       billingDefaults.NightStartHour,
			NightEndHour:         billingDefaults.NightEndHour,
			Timezone:             "Africa/Kinshasa",
			FreeParkingMinutes:   billingDefaults.FreeParkingMinutes,
			TariffRefreshMinutes: int(tariffDefaults.RefreshInterval / time.Minute),
			TariffTimeoutSeconds: int(tariffDefaults.RefreshTimeout / time.Second),
		},
		Registry: RegistryConfig{
			CacheSize:       registryDefaults.Size,
			CacheTTLMinutes: int(registryDefaults.TTL / time.Minute),
		},
		System: SystemConfig{GateCacheSeconds: 5},
		Notify: NotifyConfig{WebhookTimeoutSeconds: 5},
		Server: ServerConfig{
			Enabled:             true,
			Host:                "127.0.0.1",
			Port:                8090,
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 30,
			CORSAllowedOrigins:  []string{"*"},
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Engine.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("engine.interval_seconds must be positive"))
	}
	if c.Engine.Workers <= 0 {
		errs = append(errs, errors.New("engine.workers must be positive"))
	}
	if c.Engine.OverrunPolicy != OverrunSkip && c.Engine.OverrunPolicy != OverrunQueue {
		errs = append(errs, fmt.Errorf("engine.overrun_policy must be %q or %q", OverrunSkip, OverrunQueue))
	}

	switch c.Source.Type {
	case SourceHTTP:
		if c.Source.URL == "" {
			errs = append(errs, errors.New("source.url is required for http sources"))
		}
	case SourceFile:
		if c.Source.File == "" {
			errs = append(errs, errors.New("source.file is required for file sources"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported source.type: %s", c.Source.Type))
	}

	if _, err := billing.ParseMode(c.Billing.Mode); err != nil {
		errs = append(errs, err)
	}
	if !validHour(c.Billing.NightStartHour) || !validHour(c.Billing.NightEndHour) {
		errs = append(errs, errors.New("billing night hours must be between 0 and 23"))
	}
	if _, err := time.LoadLocation(c.Billing.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid billing.timezone: %w", err))
	}
	if c.Billing.FreeParkingMinutes < 0 {
		errs = append(errs, errors.New("billing.free_parking_minutes must not be negative"))
	}
	for airline, pct := range c.Billing.AirlineDiscounts {
		if pct < 0 || pct > 100 {
			errs = append(errs, fmt.Errorf("discount for %s must be between 0 and 100", airline))
		}
	}

	l := c.Landing
	for name, v := range map[string]float64{
		"approach_radius_km":     l.ApproachRadiusKm,
		"approach_max_agl_m":     l.ApproachMaxAGLM,
		"touchdown_radius_km":    l.TouchdownRadiusKm,
		"touchdown_max_agl_m":    l.TouchdownMaxAGLM,
		"touchdown_max_speed_kt": l.TouchdownMaxSpeedKt,
		"parking_max_speed_kt":   l.ParkingMaxSpeedKt,
		"departure_speed_kt":     l.DepartureSpeedKt,
		"departure_radius_km":    l.DepartureRadiusKm,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("landing.%s must be positive", name))
		}
	}
	if l.ApproachTimeoutMinutes < 0 {
		errs = append(errs, errors.New("landing.approach_timeout_minutes must not be negative"))
	}

	for i, r := range c.Tariffs {
		if _, ok := tariff.Default(r.Code); !ok {
			errs = append(errs, fmt.Errorf("tariffs[%d]: unknown code %s", i, r.Code))
		}
	}
	for i, a := range c.Airports {
		if a.ICAO == "" {
			errs = append(errs, fmt.Errorf("airports[%d]: icao is required", i))
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}

	return errors.Join(errs...)
}

func validHour(h int) bool { return h >= 0 && h <= 23 }

// Interval returns the tick interval.
func (c Config) Interval() time.Duration {
	return time.Duration(c.Engine.IntervalSeconds) * time.Second
}

// LoggerConfig converts the logging section.
func (c Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}

// LandingThresholds converts the landing section.
func (c Config) LandingThresholds() tracking.LandingConfig {
	l := c.Landing
	return tracking.LandingConfig{
		ApproachRadiusKm:    l.ApproachRadiusKm,
		ApproachMaxAGLM:     l.ApproachMaxAGLM,
		TouchdownRadiusKm:   l.TouchdownRadiusKm,
		TouchdownMaxAGLM:    l.TouchdownMaxAGLM,
		TouchdownMaxSpeedKt: l.TouchdownMaxSpeedKt,
		ParkingMaxSpeedKt:   l.ParkingMaxSpeedKt,
		DepartureSpeedKt:    l.DepartureSpeedKt,
		DepartureRadiusKm:   l.DepartureRadiusKm,
		ApproachTimeout:     time.Duration(l.ApproachTimeoutMinutes) * time.Minute,
	}
}

// BillingSettings converts the billing section.
func (c Config) BillingSettings() (billing.Config, error) {
	mode, err := billing.ParseMode(c.Billing.Mode)
	if err != nil {
		return billing.Config{}, err
	}
	loc, err := time.LoadLocation(c.Billing.Timezone)
	if err != nil {
		return billing.Config{}, fmt.Errorf("invalid billing.timezone: %w", err)
	}
	return billing.Config{
		Mode:               mode,
		Currency:           c.Billing.Currency,
		NightStartHour:     c.Billing.NightStartHour,
		NightEndHour:       c.Billing.NightEndHour,
		Location:           loc,
		FreeParkingMinutes: c.Billing.FreeParkingMinutes,
		AirlineDiscounts:   c.Billing.AirlineDiscounts,
	}, nil
}

// TariffCache converts the tariff refresh settings.
func (c Config) TariffCache() tariff.CacheConfig {
	return tariff.CacheConfig{
		RefreshInterval: time.Duration(c.Billing.TariffRefreshMinutes) * time.Minute,
		RefreshTimeout:  time.Duration(c.Billing.TariffTimeoutSeconds) * time.Second,
	}
}

// RegistryCache converts the registry section.
func (c Config) RegistryCache() registry.Config {
	return registry.Config{
		Size: c.Registry.CacheSize,
		TTL:  time.Duration(c.Registry.CacheTTLMinutes) * time.Minute,
	}
}
