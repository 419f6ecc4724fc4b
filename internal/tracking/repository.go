package tracking

import (
	"context"
	"time"

	"github.com/yegors/airspace-billing/internal/airport"
)

// OverflightStore persists overflight sessions. CreateOverflight must fail
// with ErrActiveSessionExists when the flight already has an active session.
type OverflightStore interface {
	FindActiveOverflight(ctx context.Context, flightID string) (*OverflightSession, error)
	CreateOverflight(ctx context.Context, session *OverflightSession) error
	UpdateOverflight(ctx context.Context, session *OverflightSession) error
	GetOverflight(ctx context.Context, id string) (*OverflightSession, error)
	ListUnbilledOverflights(ctx context.Context, flightID string) ([]*OverflightSession, error)
}

// LandingStore persists landing records. CreateLanding must fail with
// ErrOpenLandingExists when the flight already has an open record.
type LandingStore interface {
	FindOpenLanding(ctx context.Context, flightID string) (*LandingRecord, error)
	CreateLanding(ctx context.Context, record *LandingRecord) error
	UpdateLanding(ctx context.Context, record *LandingRecord) error
	GetLanding(ctx context.Context, id string) (*LandingRecord, error)
	ListUnbilledLandings(ctx context.Context, flightID string) ([]*LandingRecord, error)
	// LatestLanding returns the flight's most recent record in any status,
	// or nil when it has none.
	LatestLanding(ctx context.Context, flightID string) (*LandingRecord, error)
}

// CursorStore persists the last processed sample timestamp per flight.
type CursorStore interface {
	GetCursor(ctx context.Context, flightID string) (time.Time, bool, error)
	SetCursor(ctx context.Context, flightID string, ts time.Time) error
}

// Repository is the full tracking state store.
type Repository interface {
	OverflightStore
	LandingStore
	CursorStore
}

// Notifier receives tracker events. Delivery failures are the notifier's
// concern and never fail a transition.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Biller bills every completed, unbilled item of a flight.
type Biller interface {
	BillFlight(ctx context.Context, flightID string) error
}

// LandingFees is the fee split stored on a completed landing record.
type LandingFees struct {
	Landing float64
	Parking float64
}

// LandingPricer prices ground operations for the landing tracker.
type LandingPricer interface {
	LandingFees(ctx context.Context, record *LandingRecord, asOf time.Time) LandingFees
	IsNight(t time.Time) bool
}

// AirportLocator resolves domestic airports.
type AirportLocator interface {
	Nearest(lat, lon float64) (airport.Airport, float64, bool)
	Get(icao string) (airport.Airport, bool)
}
