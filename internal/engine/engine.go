// Package engine runs the per-tick pipeline: kill switch, per-flight
// ordering, geofence classification and the two trackers.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/internal/geo"
	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// ErrTickInProgress is returned when a tick is requested while another one
// is still running and overruns are skipped.
var ErrTickInProgress = errors.New("tick already in progress")

// Containment classifies positions against the airspace boundary.
type Containment interface {
	Contains(lat, lon float64) bool
}

// Gate reports whether the system is active.
type Gate interface {
	IsActive(ctx context.Context) bool
}

// OverflightProcessor applies samples to overflight sessions.
type OverflightProcessor interface {
	Process(ctx context.Context, s tracking.PositionSample, inside bool) (tracking.Transition, error)
}

// LandingProcessor applies samples to landing records.
type LandingProcessor interface {
	Process(ctx context.Context, s tracking.PositionSample) (tracking.Transition, error)
}

// Config controls tick concurrency.
type Config struct {
	Workers int
	// QueueOverruns makes an overlapping Tick wait instead of returning
	// ErrTickInProgress.
	QueueOverruns bool
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{Workers: 8}
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Cursors     tracking.CursorStore
	Geofence    Containment
	Overflights OverflightProcessor
	Landings    LandingProcessor
	Gate        Gate
	Clock       clock.Clock
}

// TickReport summarizes one tick.
type TickReport struct {
	StartedAt   time.Time                   `json:"started_at"`
	Duration    time.Duration               `json:"duration"`
	Skipped     bool                        `json:"skipped"`
	Samples     int                         `json:"samples"`
	Rejected    int                         `json:"rejected"`
	Flights     int                         `json:"flights"`
	Processed   int                         `json:"processed"`
	Stale       int                         `json:"stale"`
	Errors      int                         `json:"errors"`
	Transitions map[tracking.Transition]int `json:"transitions,omitempty"`
}

// Engine processes batches of position samples. Samples of one flight are
// applied in timestamp order by a single worker; different flights run in
// parallel.
type Engine struct {
	cursors     tracking.CursorStore
	geofence    Containment
	overflights OverflightProcessor
	landings    LandingProcessor
	gate        Gate
	clock       clock.Clock
	config      Config

	tickMu sync.Mutex
	locker *tracking.Locker
	last   atomic.Pointer[TickReport]
	logger *logger.Logger
}

// New creates an engine.
func New(deps Deps, config Config, log *logger.Logger) *Engine {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	return &Engine{
		cursors:     deps.Cursors,
		geofence:    deps.Geofence,
		overflights: deps.Overflights,
		landings:    deps.Landings,
		gate:        deps.Gate,
		clock:       deps.Clock,
		config:      config,
		locker:      tracking.NewLocker(),
		logger:      log.Named("engine"),
	}
}

// LastReport returns the report of the most recent completed tick.
func (e *Engine) LastReport() (TickReport, bool) {
	r := e.last.Load()
	if r == nil {
		return TickReport{}, false
	}
	return *r, true
}

// tickStats accumulates per-flight results from the workers.
type tickStats struct {
	mu          sync.Mutex
	processed   int
	stale       int
	errors      int
	transitions map[tracking.Transition]int
}

func (s *tickStats) add(processed, stale, errs int, transitions []tracking.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed += processed
	s.stale += stale
	s.errors += errs
	for _, tr := range transitions {
		s.transitions[tr]++
	}
}

// Tick applies one batch of samples. While the system is inactive nothing
// is read or written and the report is marked Skipped. Per-flight failures
// are logged and counted; they never fail the tick.
func (e *Engine) Tick(ctx context.Context, samples []tracking.PositionSample) (TickReport, error) {
	if e.config.QueueOverruns {
		e.tickMu.Lock()
	} else if !e.tickMu.TryLock() {
		e.logger.Warn("Tick overrun, skipping", logger.Int("samples", len(samples)))
		return TickReport{Skipped: true, Samples: len(samples)}, ErrTickInProgress
	}
	defer e.tickMu.Unlock()

	report := TickReport{StartedAt: e.clock.Now(), Samples: len(samples)}

	if e.gate != nil && !e.gate.IsActive(ctx) {
		report.Skipped = true
		e.logger.Info("System inactive, tick skipped", logger.Int("samples", len(samples)))
		e.last.Store(&report)
		return report, nil
	}

	groups, rejected := groupByFlight(samples)
	report.Rejected = rejected
	report.Flights = len(groups)
	if rejected > 0 {
		e.logger.Warn("Rejected malformed samples", logger.Int("count", rejected))
	}

	stats := &tickStats{transitions: make(map[tracking.Transition]int)}
	var g errgroup.Group
	g.SetLimit(e.config.Workers)
	for flightID, batch := range groups {
		flightID, batch := flightID, batch
		g.Go(func() error {
			e.processFlight(ctx, flightID, batch, stats)
			return nil
		})
	}
	_ = g.Wait()

	report.Processed = stats.processed
	report.Stale = stats.stale
	report.Errors = stats.errors
	report.Transitions = stats.transitions
	report.Duration = e.clock.Now().Sub(report.StartedAt)
	e.last.Store(&report)

	e.logger.Info("Tick completed",
		logger.Int("samples", report.Samples),
		logger.Int("flights", report.Flights),
		logger.Int("processed", report.Processed),
		logger.Int("stale", report.Stale),
		logger.Int("errors", report.Errors),
		logger.Duration("duration", report.Duration))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// processFlight applies one flight's samples in order. The cursor advances
// after every handled sample; on an unexpected error the rest of the batch
// is left for a later tick.
func (e *Engine) processFlight(ctx context.Context, flightID string, batch []tracking.PositionSample, stats *tickStats) {
	unlock := e.locker.Lock(flightID)
	defer unlock()

	log := e.logger.WithFlight(flightID)
	var processed, stale, errs int
	var transitions []tracking.Transition
	defer func() { stats.add(processed, stale, errs, transitions) }()

	cursor, hasCursor, err := e.cursors.GetCursor(ctx, flightID)
	if err != nil {
		log.Error("Failed to read cursor", logger.Error(err))
		errs++
		return
	}

	for _, s := range batch {
		if ctx.Err() != nil {
			return
		}
		if hasCursor && !s.Timestamp.After(cursor) {
			stale++
			log.Debug("Skipping sample at or before cursor",
				logger.Time("timestamp", s.Timestamp),
				logger.Time("cursor", cursor))
			continue
		}

		trs, err := e.processSample(ctx, s)
		var violation *tracking.InvariantViolation
		switch {
		case err == nil:
			processed++
			transitions = append(transitions, trs...)
		case errors.Is(err, tracking.ErrOutOfOrderSample):
			stale++
			log.Warn("Out-of-order sample skipped", logger.Time("timestamp", s.Timestamp))
		case errors.As(err, &violation):
			errs++
			log.Error("Rejected conflicting session", logger.String("existing_id", violation.ExistingID), logger.Error(err))
		default:
			errs++
			log.Error("Failed to process sample", logger.Time("timestamp", s.Timestamp), logger.Error(err))
			return
		}

		if err := e.cursors.SetCursor(ctx, flightID, s.Timestamp); err != nil {
			errs++
			log.Error("Failed to advance cursor", logger.Error(err))
			return
		}
		cursor, hasCursor = s.Timestamp, true
	}
}

func (e *Engine) processSample(ctx context.Context, s tracking.PositionSample) ([]tracking.Transition, error) {
	var out []tracking.Transition

	inside := e.geofence.Contains(s.Lat, s.Lon)
	tr, err := e.overflights.Process(ctx, s, inside)
	if err != nil {
		return nil, err
	}
	if tr != tracking.NoTransition {
		out = append(out, tr)
	}

	tr, err = e.landings.Process(ctx, s)
	if err != nil {
		return out, err
	}
	if tr != tracking.NoTransition {
		out = append(out, tr)
	}
	return out, nil
}

// groupByFlight splits samples per flight, ordered by timestamp. Samples
// without a flight id, timestamp or valid position are dropped.
func groupByFlight(samples []tracking.PositionSample) (map[string][]tracking.PositionSample, int) {
	groups := make(map[string][]tracking.PositionSample)
	rejected := 0
	for _, s := range samples {
		if s.FlightID == "" || s.Timestamp.IsZero() || !geo.ValidLatLon(s.Lat, s.Lon) {
			rejected++
			continue
		}
		groups[s.FlightID] = append(groups[s.FlightID], s)
	}
	for _, batch := range groups {
		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].Timestamp.Before(batch[j].Timestamp)
		})
	}
	return groups, rejected
}
