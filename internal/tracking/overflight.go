package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/internal/geo"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// Transition names the state change applied for a sample.
type Transition string

const (
	NoTransition Transition = ""

	OverflightOpened Transition = "overflight_opened"
	OverflightClosed Transition = "overflight_closed"

	LandingApproached Transition = "landing_approach"
	LandingTouchdown  Transition = "landing_landed"
	LandingParked     Transition = "landing_parking"
	LandingDeparted   Transition = "landing_completed"
	LandingGaveUp     Transition = "landing_abandoned"
)

// OverflightTracker opens and closes per-flight airspace sessions. Callers
// must serialize calls for the same flight.
type OverflightTracker struct {
	repo     Repository
	notifier Notifier
	biller   Biller
	clock    clock.Clock
	logger   *logger.Logger
}

// NewOverflightTracker creates an overflight tracker.
func NewOverflightTracker(repo Repository, notifier Notifier, biller Biller, clk clock.Clock, log *logger.Logger) *OverflightTracker {
	return &OverflightTracker{
		repo:     repo,
		notifier: notifier,
		biller:   biller,
		clock:    clk,
		logger:   log.Named("overflight"),
	}
}

// Process applies one sample. inside is the geofence verdict for the sample
// position.
func (t *OverflightTracker) Process(ctx context.Context, s PositionSample, inside bool) (Transition, error) {
	active, err := t.repo.FindActiveOverflight(ctx, s.FlightID)
	if err != nil {
		return NoTransition, fmt.Errorf("failed to find active overflight: %w", err)
	}

	switch {
	case inside && active == nil:
		grounded, err := t.onGround(ctx, s)
		if err != nil {
			return NoTransition, err
		}
		if grounded {
			return NoTransition, nil
		}
		return t.open(ctx, s)
	case !inside && active != nil:
		if !s.Timestamp.After(active.Entry.Time) {
			return NoTransition, ErrOutOfOrderSample
		}
		if err := t.close(ctx, active, s); err != nil {
			return NoTransition, err
		}
		t.billUnlessLanding(ctx, s.FlightID)
		return OverflightClosed, nil
	}
	return NoTransition, nil
}

func (t *OverflightTracker) open(ctx context.Context, s PositionSample) (Transition, error) {
	now := t.clock.Now()
	session := &OverflightSession{
		ID:         NewOverflightID(s.Timestamp),
		FlightID:   s.FlightID,
		AircraftID: s.AircraftID,
		Entry:      fixFrom(s),
		Status:     OverflightActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := t.repo.CreateOverflight(ctx, session); err != nil {
		if !errors.Is(err, ErrActiveSessionExists) {
			return NoTransition, fmt.Errorf("failed to create overflight: %w", err)
		}
		existing, findErr := t.repo.FindActiveOverflight(ctx, s.FlightID)
		if findErr == nil && existing != nil && existing.Entry.Time.Equal(s.Timestamp) {
			t.logger.Debug("Overflight already open for sample, ignoring replay",
				logger.String("flight_id", s.FlightID),
				logger.String("session_id", existing.ID))
			return NoTransition, nil
		}
		violation := &InvariantViolation{FlightID: s.FlightID, Err: err}
		if existing != nil {
			violation.ExistingID = existing.ID
		}
		t.logger.Warn("Rejected second active overflight", logger.Error(violation))
		return NoTransition, violation
	}

	t.logger.Info("Flight entered airspace",
		logger.String("flight_id", s.FlightID),
		logger.String("session_id", session.ID),
		logger.Float64("lat", s.Lat),
		logger.Float64("lon", s.Lon))

	t.notifier.Notify(ctx, Event{
		Type:       EventEntered,
		FlightID:   s.FlightID,
		SourceID:   session.ID,
		Lat:        s.Lat,
		Lon:        s.Lon,
		AltitudeFt: s.AltitudeFt,
		Time:       s.Timestamp,
	})
	return OverflightOpened, nil
}

func (t *OverflightTracker) close(ctx context.Context, session *OverflightSession, s PositionSample) error {
	exit := fixFrom(s)
	session.Exit = &exit
	session.DurationMinutes = exit.Time.Sub(session.Entry.Time).Minutes()
	// Straight line between entry and exit, not the flown track.
	session.DistanceKm = geo.HaversineKm(session.Entry.Lat, session.Entry.Lon, exit.Lat, exit.Lon)
	session.Status = OverflightCompleted
	session.UpdatedAt = t.clock.Now()

	if err := t.repo.UpdateOverflight(ctx, session); err != nil {
		return fmt.Errorf("failed to close overflight %s: %w", session.ID, err)
	}

	t.logger.Info("Flight exited airspace",
		logger.String("flight_id", s.FlightID),
		logger.String("session_id", session.ID),
		logger.Float64("duration_min", session.DurationMinutes),
		logger.Float64("distance_km", session.DistanceKm))

	t.notifier.Notify(ctx, Event{
		Type:       EventExited,
		FlightID:   s.FlightID,
		SourceID:   session.ID,
		Lat:        s.Lat,
		Lon:        s.Lon,
		AltitudeFt: s.AltitudeFt,
		Time:       s.Timestamp,
	})
	return nil
}

// taxiMaxSpeedKt separates ground movement from a takeoff roll or climb.
const taxiMaxSpeedKt = 40

// onGround reports whether the sample is a ground movement of a flight that
// has touched down and not yet departed. Airports lie inside the boundary, so
// a parked or taxiing aircraft must not reopen a session. Airborne samples
// always may.
func (t *OverflightTracker) onGround(ctx context.Context, s PositionSample) (bool, error) {
	if !s.OnGround && s.GroundSpeedKt >= taxiMaxSpeedKt {
		return false, nil
	}
	landing, err := t.repo.FindOpenLanding(ctx, s.FlightID)
	if err != nil {
		return false, fmt.Errorf("failed to find open landing: %w", err)
	}
	return landing != nil && (landing.Status == LandingLanded || landing.Status == LandingParking), nil
}

// billUnlessLanding bills the flight now, or leaves it to the landing
// tracker when a ground-ops episode is still open.
func (t *OverflightTracker) billUnlessLanding(ctx context.Context, flightID string) {
	landing, err := t.repo.FindOpenLanding(ctx, flightID)
	if err != nil {
		t.logger.Error("Failed to check open landing, billing deferred",
			logger.String("flight_id", flightID), logger.Error(err))
		return
	}
	if landing != nil {
		t.logger.Debug("Overflight billing deferred to landing completion",
			logger.String("flight_id", flightID),
			logger.String("landing_id", landing.ID))
		return
	}
	if err := t.biller.BillFlight(ctx, flightID); err != nil {
		t.logger.Error("Failed to bill overflight",
			logger.String("flight_id", flightID), logger.Error(err))
	}
}

// ForceClose completes the active session of a flight without billing it.
// It is a no-op when the flight has no active session.
func (t *OverflightTracker) ForceClose(ctx context.Context, s PositionSample) (*OverflightSession, error) {
	active, err := t.repo.FindActiveOverflight(ctx, s.FlightID)
	if err != nil {
		return nil, fmt.Errorf("failed to find active overflight: %w", err)
	}
	if active == nil {
		return nil, nil
	}
	if err := t.close(ctx, active, s); err != nil {
		return nil, err
	}
	return active, nil
}
