// Package app wires the engine, billing and admin API together from a
// Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/yegors/airspace-billing/internal/adsb"
	"github.com/yegors/airspace-billing/internal/airport"
	"github.com/yegors/airspace-billing/internal/api"
	"github.com/yegors/airspace-billing/internal/billing"
	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/internal/config"
	"github.com/yegors/airspace-billing/internal/engine"
	"github.com/yegors/airspace-billing/internal/geofence"
	"github.com/yegors/airspace-billing/internal/notify"
	"github.com/yegors/airspace-billing/internal/registry"
	"github.com/yegors/airspace-billing/internal/storage/sqlite"
	"github.com/yegors/airspace-billing/internal/system"
	"github.com/yegors/airspace-billing/internal/tariff"
	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// App holds every long-lived component.
type App struct {
	Config config.Config
	Clock  clock.Clock

	DB        *sql.DB
	Repo      *sqlite.Repository
	Reference *sqlite.ReferenceStore
	Charges   *sqlite.ChargeStore
	Events    *sqlite.EventStore

	Geofence    *geofence.Index
	Tariffs     *tariff.Cache
	Airports    *airport.Directory
	Registry    *registry.Registry
	Gate        *system.StoredGate
	Biller      *billing.Biller
	Overflights *tracking.OverflightTracker
	Landings    *tracking.LandingTracker
	Engine      *engine.Engine

	logger *logger.Logger
}

// New opens storage, seeds reference data from cfg and builds the pipeline.
// The boundary, tariff table and airport directory are loaded before it
// returns.
func New(ctx context.Context, cfg config.Config, clk clock.Clock, log *logger.Logger) (*App, error) {
	billingCfg, err := cfg.BillingSettings()
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Clock: clk, DB: db, logger: log.Named("app")}
	if err := a.openStores(log); err != nil {
		db.Close()
		return nil, err
	}
	if err := a.seed(ctx); err != nil {
		db.Close()
		return nil, err
	}

	var boundary geofence.Source = a.Reference
	if cfg.Geofence.File != "" {
		boundary = geofence.FileSource{Path: cfg.Geofence.File}
	}
	a.Geofence = geofence.NewIndex(boundary, log,
		geofence.WithRebuildTimeout(time.Duration(cfg.Geofence.RebuildTimeoutSeconds)*time.Second))

	a.Tariffs = tariff.NewCache(a.Reference, cfg.TariffCache(), clk, log)
	a.Airports = airport.NewDirectory(a.Reference, airport.Domestic(), log)
	a.Registry = registry.New(a.Reference, cfg.RegistryCache(), log)
	a.Gate = system.NewStoredGate(a.Reference, time.Duration(cfg.System.GateCacheSeconds)*time.Second, clk, log)

	invoicer := billing.MultiInvoicer{a.Charges, billing.NewLogInvoicer(log)}
	a.Biller = billing.NewBiller(billing.Deps{
		Repo:     a.Repo,
		Engine:   billing.NewEngine(billingCfg),
		Tariffs:  a.Tariffs,
		Flights:  a.Registry,
		Invoicer: invoicer,
		Gate:     a.Gate,
		Clock:    clk,
	}, log)

	notifier := a.notifier(log)
	a.Overflights = tracking.NewOverflightTracker(a.Repo, notifier, a.Biller, clk, log)
	a.Landings = tracking.NewLandingTracker(tracking.LandingDeps{
		Repo:        a.Repo,
		Airports:    a.Airports,
		Overflights: a.Overflights,
		Pricer:      a.Biller,
		Biller:      a.Biller,
		Notifier:    notifier,
		Clock:       clk,
	}, cfg.LandingThresholds(), log)

	a.Engine = engine.New(engine.Deps{
		Cursors:     a.Repo,
		Geofence:    a.Geofence,
		Overflights: a.Overflights,
		Landings:    a.Landings,
		Gate:        a.Gate,
		Clock:       clk,
	}, engine.Config{
		Workers:       cfg.Engine.Workers,
		QueueOverruns: cfg.Engine.OverrunPolicy == config.OverrunQueue,
	}, log)

	if err := a.load(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStores(log *logger.Logger) error {
	var err error
	if a.Repo, err = sqlite.NewRepository(a.DB, log); err != nil {
		return err
	}
	if a.Reference, err = sqlite.NewReferenceStore(a.DB, log); err != nil {
		return err
	}
	if a.Charges, err = sqlite.NewChargeStore(a.DB, log); err != nil {
		return err
	}
	if a.Events, err = sqlite.NewEventStore(a.DB, log); err != nil {
		return err
	}
	return nil
}

// seed upserts the tariffs and airports listed in the config file.
func (a *App) seed(ctx context.Context) error {
	for _, r := range a.Config.Tariffs {
		if err := a.Reference.PutRate(ctx, r); err != nil {
			return fmt.Errorf("failed to seed tariff %s: %w", r.Code, err)
		}
	}
	for _, ap := range a.Config.Airports {
		if err := a.Reference.PutAirport(ctx, ap); err != nil {
			return fmt.Errorf("failed to seed airport %s: %w", ap.ICAO, err)
		}
	}
	if len(a.Config.Tariffs) > 0 || len(a.Config.Airports) > 0 {
		a.logger.Info("Seeded reference data",
			logger.Int("tariffs", len(a.Config.Tariffs)),
			logger.Int("airports", len(a.Config.Airports)))
	}
	return nil
}

func (a *App) notifier(log *logger.Logger) tracking.Notifier {
	fanout := notify.Fanout{a.Events, notify.NewLogNotifier(log)}
	if url := a.Config.Notify.WebhookURL; url != "" {
		timeout := time.Duration(a.Config.Notify.WebhookTimeoutSeconds) * time.Second
		fanout = append(fanout, notify.NewWebhook(url, timeout, log))
	}
	return fanout
}

// load prepares the boundary and warms the reference caches. Only a missing
// boundary is fatal; tariffs and airports degrade to their defaults.
func (a *App) load(ctx context.Context) error {
	// Without a prepared boundary every position answers not-contained; an
	// invalidate or import can still install one later.
	if _, err := a.Geofence.Load(ctx); err != nil {
		a.logger.Error("No boundary prepared, no position will be inside", logger.Error(err))
	}
	if _, err := a.Tariffs.Refresh(ctx); err != nil {
		a.logger.Warn("Serving default tariffs", logger.Error(err))
	}
	if err := a.Airports.Reload(ctx); err != nil {
		a.logger.Warn("Serving builtin airport list", logger.Error(err))
	}
	return nil
}

// Source builds the configured sample source. Polled feeds are wrapped so
// only moved aircraft reach the engine.
func (a *App) Source(log *logger.Logger) (engine.SampleSource, error) {
	src := a.Config.Source
	switch src.Type {
	case config.SourceHTTP:
		client := adsb.NewClient(adsb.Config{
			URL:     src.URL,
			APIHost: src.APIHost,
			APIKey:  src.APIKey,
			Timeout: time.Duration(src.TimeoutSeconds) * time.Second,
		}, a.Clock, log)
		return adsb.DedupSource{Source: client, Detector: adsb.NewChangeDetector(log)}, nil
	case config.SourceFile:
		return adsb.FileSource{Path: src.File, Clock: a.Clock}, nil
	default:
		return nil, fmt.Errorf("unsupported source type: %s", src.Type)
	}
}

// Handler returns the admin API.
func (a *App) Handler(log *logger.Logger) http.Handler {
	return api.NewRouter(api.Deps{
		Geofence: a.Geofence,
		Tariffs:  a.Tariffs,
		Switch:   a.Gate,
		Biller:   a.Biller,
		Status:   a.Engine,
		Clock:    a.Clock,
	}, a.Config.Server.CORSAllowedOrigins, log).Routes()
}

// Close releases the database.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	if err := a.DB.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
