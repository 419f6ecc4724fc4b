package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/airspace-billing/internal/airport"
	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/internal/geo"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// LandingConfig holds the thresholds of the ground-ops state machine.
type LandingConfig struct {
	ApproachRadiusKm    float64
	ApproachMaxAGLM     float64
	TouchdownRadiusKm   float64
	TouchdownMaxAGLM    float64
	TouchdownMaxSpeedKt float64
	ParkingMaxSpeedKt   float64
	DepartureSpeedKt    float64
	DepartureRadiusKm   float64
	ApproachTimeout     time.Duration
}

// DefaultLandingConfig returns the tuned default thresholds.
func DefaultLandingConfig() LandingConfig {
	return LandingConfig{
		ApproachRadiusKm:    20,
		ApproachMaxAGLM:     3000,
		TouchdownRadiusKm:   5,
		TouchdownMaxAGLM:    100,
		TouchdownMaxSpeedKt: 180,
		ParkingMaxSpeedKt:   5,
		DepartureSpeedKt:    10,
		DepartureRadiusKm:   5,
		ApproachTimeout:     30 * time.Minute,
	}
}

// OverflightCloser closes a flight's active overflight on touchdown.
type OverflightCloser interface {
	ForceClose(ctx context.Context, s PositionSample) (*OverflightSession, error)
}

// LandingTracker drives the approach -> landed -> parking -> completed
// machine. Each sample applies at most one transition, chosen by the stored
// record status. Callers must serialize calls for the same flight.
type LandingTracker struct {
	repo        Repository
	airports    AirportLocator
	overflights OverflightCloser
	pricer      LandingPricer
	biller      Biller
	notifier    Notifier
	clock       clock.Clock
	config      LandingConfig
	logger      *logger.Logger
}

// LandingDeps groups the collaborators of a LandingTracker.
type LandingDeps struct {
	Repo        Repository
	Airports    AirportLocator
	Overflights OverflightCloser
	Pricer      LandingPricer
	Biller      Biller
	Notifier    Notifier
	Clock       clock.Clock
}

// NewLandingTracker creates a landing tracker.
func NewLandingTracker(deps LandingDeps, config LandingConfig, log *logger.Logger) *LandingTracker {
	return &LandingTracker{
		repo:        deps.Repo,
		airports:    deps.Airports,
		overflights: deps.Overflights,
		pricer:      deps.Pricer,
		biller:      deps.Biller,
		notifier:    deps.Notifier,
		clock:       deps.Clock,
		config:      config,
		logger:      log.Named("landing"),
	}
}

// Process applies one sample to the flight's landing record.
func (t *LandingTracker) Process(ctx context.Context, s PositionSample) (Transition, error) {
	rec, err := t.repo.FindOpenLanding(ctx, s.FlightID)
	if err != nil {
		return NoTransition, fmt.Errorf("failed to find open landing: %w", err)
	}
	if rec == nil {
		return t.maybeApproach(ctx, s)
	}

	apt, ok := t.airports.Get(rec.AirportICAO)
	if !ok {
		// Airport removed from the directory since the record was opened.
		t.logger.Warn("Landing airport no longer known, using nearest",
			logger.String("flight_id", s.FlightID),
			logger.String("airport", rec.AirportICAO))
		if apt, _, ok = t.airports.Nearest(s.Lat, s.Lon); !ok {
			return NoTransition, nil
		}
	}

	dist := geo.HaversineKm(s.Lat, s.Lon, apt.Lat, apt.Lon)
	agl := geo.AltitudeAGLMeters(s.AltitudeFt, apt.ElevationFt)
	speed := s.GroundSpeedKt

	switch rec.Status {
	case LandingApproach:
		if dist < t.config.TouchdownRadiusKm && agl < t.config.TouchdownMaxAGLM && speed < t.config.TouchdownMaxSpeedKt {
			return t.touchdown(ctx, rec, s)
		}
		if t.approachExpired(rec, s, dist, agl) {
			return t.abandon(ctx, rec, s)
		}

	case LandingLanded:
		// A lift-off can pass the touchdown envelope; such a record leaves
		// the airport without ever parking.
		if dist > t.config.DepartureRadiusKm {
			return t.abandon(ctx, rec, s)
		}
		if speed < t.config.ParkingMaxSpeedKt {
			ts := s.Timestamp
			rec.ParkingStart = &ts
			rec.Status = LandingParking
			if err := t.update(ctx, rec); err != nil {
				return NoTransition, err
			}
			t.logger.Info("Aircraft parked",
				logger.String("flight_id", s.FlightID),
				logger.String("airport", rec.AirportICAO))
			return LandingParked, nil
		}

	case LandingParking:
		if speed > t.config.DepartureSpeedKt || dist > t.config.DepartureRadiusKm {
			return t.complete(ctx, rec, s)
		}
	}

	return NoTransition, nil
}

func (t *LandingTracker) maybeApproach(ctx context.Context, s PositionSample) (Transition, error) {
	apt, dist, ok := t.airports.Nearest(s.Lat, s.Lon)
	if !ok {
		return NoTransition, nil
	}
	agl := geo.AltitudeAGLMeters(s.AltitudeFt, apt.ElevationFt)
	if dist >= t.config.ApproachRadiusKm || agl >= t.config.ApproachMaxAGLM {
		return NoTransition, nil
	}
	if s.OnGround {
		departing, err := t.justDeparted(ctx, s, apt.ICAO)
		if err != nil {
			return NoTransition, err
		}
		if departing {
			return NoTransition, nil
		}
	}

	now := t.clock.Now()
	rec := &LandingRecord{
		ID:           NewLandingID(s.Timestamp),
		FlightID:     s.FlightID,
		AircraftID:   s.AircraftID,
		AirportICAO:  apt.ICAO,
		ApproachTime: s.Timestamp,
		Status:       LandingApproach,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.repo.CreateLanding(ctx, rec); err != nil {
		if !errors.Is(err, ErrOpenLandingExists) {
			return NoTransition, fmt.Errorf("failed to create landing: %w", err)
		}
		existing, findErr := t.repo.FindOpenLanding(ctx, s.FlightID)
		if findErr == nil && existing != nil && existing.ApproachTime.Equal(s.Timestamp) {
			return NoTransition, nil
		}
		violation := &InvariantViolation{FlightID: s.FlightID, Err: err}
		if existing != nil {
			violation.ExistingID = existing.ID
		}
		t.logger.Warn("Rejected second open landing", logger.Error(violation))
		return NoTransition, violation
	}

	t.logger.Info("Aircraft on approach",
		logger.String("flight_id", s.FlightID),
		logger.String("airport", apt.ICAO),
		logger.Float64("distance_km", dist),
		logger.Float64("agl_m", agl))
	return LandingApproached, nil
}

func (t *LandingTracker) touchdown(ctx context.Context, rec *LandingRecord, s PositionSample) (Transition, error) {
	// Landing implies leaving controlled airspace even without a boundary
	// exit sample. Close first so a failed close leaves the record untouched.
	if _, err := t.overflights.ForceClose(ctx, s); err != nil {
		return NoTransition, fmt.Errorf("failed to close overflight on touchdown: %w", err)
	}

	ts := s.Timestamp
	rec.TouchdownTime = &ts
	rec.Night = t.pricer.IsNight(ts)
	rec.Status = LandingLanded
	if err := t.update(ctx, rec); err != nil {
		return NoTransition, err
	}

	t.logger.Info("Aircraft landed",
		logger.String("flight_id", s.FlightID),
		logger.String("airport", rec.AirportICAO),
		logger.Bool("night", rec.Night))

	t.notifier.Notify(ctx, Event{
		Type:       EventLanded,
		FlightID:   s.FlightID,
		SourceID:   rec.ID,
		Airport:    rec.AirportICAO,
		Lat:        s.Lat,
		Lon:        s.Lon,
		AltitudeFt: s.AltitudeFt,
		Time:       ts,
	})
	return LandingTouchdown, nil
}

func (t *LandingTracker) complete(ctx context.Context, rec *LandingRecord, s PositionSample) (Transition, error) {
	ts := s.Timestamp
	rec.ParkingEnd = &ts
	if rec.ParkingStart != nil {
		rec.ParkingMinutes = ts.Sub(*rec.ParkingStart).Minutes()
	}
	rec.Status = LandingCompleted

	fees := t.pricer.LandingFees(ctx, rec, ts)
	rec.LandingFee = fees.Landing
	rec.ParkingFee = fees.Parking
	rec.TotalFee = fees.Landing + fees.Parking

	if err := t.update(ctx, rec); err != nil {
		return NoTransition, err
	}

	t.logger.Info("Parking completed",
		logger.String("flight_id", s.FlightID),
		logger.String("airport", rec.AirportICAO),
		logger.Float64("parking_min", rec.ParkingMinutes),
		logger.Float64("total_fee", rec.TotalFee))

	t.notifier.Notify(ctx, Event{
		Type:     EventParkingCompleted,
		FlightID: s.FlightID,
		SourceID: rec.ID,
		Airport:  rec.AirportICAO,
		Lat:      s.Lat,
		Lon:      s.Lon,
		Time:     ts,
	})

	t.bill(ctx, s.FlightID)
	return LandingDeparted, nil
}

// departureWindow bounds how long after leaving the stand a flight may still
// be taxiing out.
const departureWindow = time.Hour

// justDeparted reports whether the flight completed ground ops at icao within
// the departure window, so an on-ground sample is its taxi-out rather than a
// new arrival.
func (t *LandingTracker) justDeparted(ctx context.Context, s PositionSample, icao string) (bool, error) {
	last, err := t.repo.LatestLanding(ctx, s.FlightID)
	if err != nil {
		return false, fmt.Errorf("failed to find latest landing: %w", err)
	}
	if last == nil || last.Status != LandingCompleted || last.AirportICAO != icao || last.ParkingEnd == nil {
		return false, nil
	}
	return s.Timestamp.Sub(*last.ParkingEnd) < departureWindow, nil
}

// approachExpired reports an approach record that has outlived the timeout
// while the aircraft is outside the approach envelope.
func (t *LandingTracker) approachExpired(rec *LandingRecord, s PositionSample, dist, agl float64) bool {
	if t.config.ApproachTimeout <= 0 {
		return false
	}
	if s.Timestamp.Sub(rec.ApproachTime) < t.config.ApproachTimeout {
		return false
	}
	return dist >= t.config.ApproachRadiusKm || agl >= t.config.ApproachMaxAGLM
}

func (t *LandingTracker) abandon(ctx context.Context, rec *LandingRecord, s PositionSample) (Transition, error) {
	rec.Status = LandingAbandoned
	if err := t.update(ctx, rec); err != nil {
		return NoTransition, err
	}
	t.logger.Info("Landing abandoned",
		logger.String("flight_id", s.FlightID),
		logger.String("airport", rec.AirportICAO),
		logger.Bool("touched_down", rec.TouchdownTime != nil),
		logger.Time("approach_time", rec.ApproachTime))

	// Overflight billing may have been deferred on this record.
	t.bill(ctx, s.FlightID)
	return LandingGaveUp, nil
}

func (t *LandingTracker) bill(ctx context.Context, flightID string) {
	if err := t.biller.BillFlight(ctx, flightID); err != nil {
		t.logger.Error("Failed to bill flight",
			logger.String("flight_id", flightID), logger.Error(err))
	}
}

func (t *LandingTracker) update(ctx context.Context, rec *LandingRecord) error {
	rec.UpdatedAt = t.clock.Now()
	if err := t.repo.UpdateLanding(ctx, rec); err != nil {
		return fmt.Errorf("failed to update landing %s: %w", rec.ID, err)
	}
	return nil
}

var _ AirportLocator = (*airport.Directory)(nil)
