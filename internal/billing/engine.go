package billing

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/yegors/airspace-billing/internal/registry"
	"github.com/yegors/airspace-billing/internal/tariff"
	"github.com/yegors/airspace-billing/internal/tracking"
)

// Mode selects the overflight charging formula.
type Mode string

const (
	ModeDistance Mode = "DISTANCE"
	ModeTime     Mode = "TIME"
	ModeHybrid   Mode = "HYBRID"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeDistance, ModeTime, ModeHybrid:
		return m, nil
	case "":
		return ModeDistance, nil
	}
	return "", fmt.Errorf("unsupported billing mode: %s", s)
}

// SourceType identifies what a charge was computed from.
type SourceType string

const (
	SourceOverflight SourceType = "overflight"
	SourceLanding    SourceType = "landing"
)

// Config holds billing parameters.
type Config struct {
	Mode               Mode
	Currency           string
	NightStartHour     int
	NightEndHour       int
	Location           *time.Location
	FreeParkingMinutes float64
	// AirlineDiscounts maps airline reference to a discount percentage.
	AirlineDiscounts map[string]float64
}

// DefaultConfig returns the default billing settings.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("Africa/Kinshasa")
	if err != nil {
		loc = time.FixedZone("WAT", 3600)
	}
	return Config{
		Mode:               ModeDistance,
		Currency:           "USD",
		NightStartHour:     18,
		NightEndHour:       6,
		Location:           loc,
		FreeParkingMinutes: 60,
	}
}

// ChargeBreakdown is the priced result for one overflight or landing.
type ChargeBreakdown struct {
	SourceType     SourceType `json:"source_type"`
	SourceID       string     `json:"source_id"`
	FlightID       string     `json:"flight_id"`
	AirlineRef     string     `json:"airline_ref,omitempty"`
	BaseCharge     float64    `json:"base_charge"`
	Tonnage        float64    `json:"tonnage"`
	NightSurcharge float64    `json:"night_surcharge"`
	Subtotal       float64    `json:"subtotal"`
	Discount       float64    `json:"discount"`
	Tax            float64    `json:"tax"`
	Total          float64    `json:"total"`
	Currency       string     `json:"currency"`
	Description    string     `json:"description"`
	Degraded       bool       `json:"degraded"`
	MissingCodes   []string   `json:"missing_codes,omitempty"`
	CalculatedAt   time.Time  `json:"calculated_at"`
}

// Engine is the pure tariff calculator.
type Engine struct {
	config Config
}

// NewEngine creates an engine.
func NewEngine(config Config) *Engine {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.Mode == "" {
		config.Mode = ModeDistance
	}
	if config.Currency == "" {
		config.Currency = "USD"
	}
	return &Engine{config: config}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.config }

// IsNight reports whether t falls within the night window in the configured
// time zone. The window may wrap midnight.
func (e *Engine) IsNight(t time.Time) bool {
	h := t.In(e.config.Location).Hour()
	start, end := e.config.NightStartHour, e.config.NightEndHour
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// DiscountFor returns the configured discount percentage for an airline.
func (e *Engine) DiscountFor(airlineRef string) float64 {
	if airlineRef == "" {
		return 0
	}
	return e.config.AirlineDiscounts[airlineRef]
}

type rates struct {
	table   *tariff.Table
	asOf    time.Time
	missing []string
}

func (r *rates) get(code string) float64 {
	rate, err := r.table.Lookup(code, r.asOf)
	if err != nil {
		r.missing = append(r.missing, code)
	}
	return rate.Value
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Overflight prices a completed overflight session.
func (e *Engine) Overflight(session *tracking.OverflightSession, flight registry.FlightInfo, table *tariff.Table, asOf time.Time, discountPct float64) ChargeBreakdown {
	r := &rates{table: table, asOf: asOf}

	var base float64
	switch e.config.Mode {
	case ModeTime:
		base = session.DurationMinutes * r.get(tariff.SurvolMinute)
	case ModeHybrid:
		base = session.DurationMinutes*r.get(tariff.SurvolHybridTime) + session.DistanceKm*r.get(tariff.SurvolHybridDist)
	default:
		base = session.DistanceKm * r.get(tariff.SurvolKm)
	}

	var tonnage float64
	if flight.MTOWKg > 0 {
		tonnage = flight.MTOWTonnes() * r.get(tariff.TonnageRate)
	}

	cb := ChargeBreakdown{
		SourceType: SourceOverflight,
		SourceID:   session.ID,
		FlightID:   session.FlightID,
		AirlineRef: flight.AirlineRef,
		BaseCharge: round2(base),
		Tonnage:    round2(tonnage),
		Description: fmt.Sprintf("Overflight %s: %.1f km, %.0f min (%s)",
			session.ID, session.DistanceKm, session.DurationMinutes, e.config.Mode),
	}
	e.finish(&cb, r, e.IsNight(session.Entry.Time), discountPct)
	return cb
}

// Landing prices a completed landing record.
func (e *Engine) Landing(rec *tracking.LandingRecord, flight registry.FlightInfo, table *tariff.Table, asOf time.Time, discountPct float64) ChargeBreakdown {
	r := &rates{table: table, asOf: asOf}
	fees := e.landingFees(rec, r)

	night := rec.Night
	if rec.TouchdownTime != nil {
		night = e.IsNight(*rec.TouchdownTime)
	}

	cb := ChargeBreakdown{
		SourceType: SourceLanding,
		SourceID:   rec.ID,
		FlightID:   rec.FlightID,
		AirlineRef: flight.AirlineRef,
		BaseCharge: round2(fees.Landing + fees.Parking),
		Description: fmt.Sprintf("Landing %s at %s, parking %.0f min",
			rec.ID, rec.AirportICAO, rec.ParkingMinutes),
	}
	e.finish(&cb, r, night, discountPct)
	return cb
}

// LandingFees returns the landing and parking fees before surcharges and tax.
func (e *Engine) LandingFees(rec *tracking.LandingRecord, table *tariff.Table, asOf time.Time) tracking.LandingFees {
	return e.landingFees(rec, &rates{table: table, asOf: asOf})
}

func (e *Engine) landingFees(rec *tracking.LandingRecord, r *rates) tracking.LandingFees {
	fees := tracking.LandingFees{Landing: r.get(tariff.LandingBase)}
	if billable := rec.ParkingMinutes - e.config.FreeParkingMinutes; billable > 0 {
		fees.Parking = billable / 60 * r.get(tariff.ParkingHour)
	}
	fees.Landing = round2(fees.Landing)
	fees.Parking = round2(fees.Parking)
	return fees
}

// finish applies night surcharge, discount and tax to a breakdown whose base
// and tonnage are set.
func (e *Engine) finish(cb *ChargeBreakdown, r *rates, night bool, discountPct float64) {
	subtotal := cb.BaseCharge + cb.Tonnage
	if night {
		cb.NightSurcharge = round2(subtotal * r.get(tariff.NightSurcharge) / 100)
		subtotal += cb.NightSurcharge
	}
	cb.Subtotal = round2(subtotal)

	if discountPct > 0 {
		cb.Discount = round2(cb.Subtotal * math.Min(discountPct, 100) / 100)
	}
	cb.Tax = round2((cb.Subtotal - cb.Discount) * r.get(tariff.TVARate) / 100)
	cb.Total = round2(cb.Subtotal - cb.Discount + cb.Tax)

	cb.Currency = e.config.Currency
	cb.MissingCodes = r.missing
	cb.Degraded = len(r.missing) > 0
	cb.CalculatedAt = r.asOf
}
