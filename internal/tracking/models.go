package tracking

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PositionSample is one telemetry observation for a flight.
type PositionSample struct {
	FlightID      string    `json:"flight_id"`
	AircraftID    string    `json:"aircraft_id,omitempty"`
	Callsign      string    `json:"callsign,omitempty"`
	Lat           float64   `json:"lat"`
	Lon           float64   `json:"lon"`
	AltitudeFt    float64   `json:"altitude_ft"`
	GroundSpeedKt float64   `json:"ground_speed_kt"`
	Heading       float64   `json:"heading"`
	VerticalRate  float64   `json:"vertical_rate"`
	OnGround      bool      `json:"on_ground"`
	Timestamp     time.Time `json:"timestamp"`
}

// Fix is a recorded entry or exit position.
type Fix struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	AltitudeFt float64   `json:"altitude_ft"`
	Heading    float64   `json:"heading"`
	Time       time.Time `json:"time"`
}

func fixFrom(s PositionSample) Fix {
	return Fix{
		Lat:        s.Lat,
		Lon:        s.Lon,
		AltitudeFt: s.AltitudeFt,
		Heading:    s.Heading,
		Time:       s.Timestamp,
	}
}

// OverflightStatus is the lifecycle state of an overflight session.
type OverflightStatus string

const (
	OverflightActive    OverflightStatus = "active"
	OverflightCompleted OverflightStatus = "completed"
)

// OverflightSession is one continuous presence of a flight inside the
// controlled airspace boundary.
type OverflightSession struct {
	ID              string           `json:"id"`
	FlightID        string           `json:"flight_id"`
	AircraftID      string           `json:"aircraft_id,omitempty"`
	Entry           Fix              `json:"entry"`
	Exit            *Fix             `json:"exit,omitempty"`
	DurationMinutes float64          `json:"duration_minutes"`
	DistanceKm      float64          `json:"distance_km"`
	Status          OverflightStatus `json:"status"`
	Billed          bool             `json:"billed"`
	BillingAmount   float64          `json:"billing_amount"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// LandingStatus is the lifecycle state of a landing record.
type LandingStatus string

const (
	LandingApproach  LandingStatus = "approach"
	LandingLanded    LandingStatus = "landed"
	LandingParking   LandingStatus = "parking"
	LandingCompleted LandingStatus = "completed"
	// LandingAbandoned is terminal and never billed. It closes an approach
	// that never touched down, or a touchdown that left without parking.
	LandingAbandoned LandingStatus = "abandoned"
)

// Open reports whether the record still participates in the state machine.
func (s LandingStatus) Open() bool {
	switch s {
	case LandingApproach, LandingLanded, LandingParking:
		return true
	}
	return false
}

// LandingRecord is one ground-operations episode at a domestic airport.
type LandingRecord struct {
	ID             string        `json:"id"`
	FlightID       string        `json:"flight_id"`
	AircraftID     string        `json:"aircraft_id,omitempty"`
	AirportICAO    string        `json:"airport_icao"`
	ApproachTime   time.Time     `json:"approach_time"`
	TouchdownTime  *time.Time    `json:"touchdown_time,omitempty"`
	ParkingStart   *time.Time    `json:"parking_start,omitempty"`
	ParkingEnd     *time.Time    `json:"parking_end,omitempty"`
	ParkingMinutes float64       `json:"parking_minutes"`
	Status         LandingStatus `json:"status"`
	LandingFee     float64       `json:"landing_fee"`
	ParkingFee     float64       `json:"parking_fee"`
	TotalFee       float64       `json:"total_fee"`
	Night          bool          `json:"night"`
	Billed         bool          `json:"billed"`
	BillingAmount  float64       `json:"billing_amount"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// EventType names a notification emitted by the trackers.
type EventType string

const (
	EventEntered          EventType = "entered"
	EventExited           EventType = "exited"
	EventLanded           EventType = "landed"
	EventParkingCompleted EventType = "parking-completed"
)

// Event is handed to the notification collaborator.
type Event struct {
	Type       EventType `json:"type"`
	FlightID   string    `json:"flight_id"`
	SourceID   string    `json:"source_id"`
	Airport    string    `json:"airport,omitempty"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	AltitudeFt float64   `json:"altitude_ft"`
	Time       time.Time `json:"time"`
}

// NewOverflightID returns an id of the form OVF-YYYYMMDD-XXXXXXXX.
func NewOverflightID(at time.Time) string {
	return newID("OVF", at)
}

// NewLandingID returns an id of the form LND-YYYYMMDD-XXXXXXXX.
func NewLandingID(at time.Time) string {
	return newID("LND", at)
}

func newID(prefix string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), suffix)
}
