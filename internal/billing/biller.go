package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/internal/registry"
	"github.com/yegors/airspace-billing/internal/tariff"
	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
)

var (
	// ErrSystemInactive is returned while the kill switch is off.
	ErrSystemInactive = errors.New("system inactive, billing suspended")
	// ErrAlreadyBilled is returned for on-demand requests on billed items.
	ErrAlreadyBilled = errors.New("already billed")
	// ErrNotCompleted is returned for on-demand requests on open items.
	ErrNotCompleted = errors.New("not completed")
)

// FlightCharges is one invoicing batch for a flight.
type FlightCharges struct {
	FlightID   string            `json:"flight_id"`
	AirlineRef string            `json:"airline_ref,omitempty"`
	Charges    []ChargeBreakdown `json:"charges"`
	Subtotal   float64           `json:"subtotal"`
	Discount   float64           `json:"discount"`
	Tax        float64           `json:"tax"`
	Total      float64           `json:"total"`
	Currency   string            `json:"currency"`
	Degraded   bool              `json:"degraded"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (fc *FlightCharges) add(cb ChargeBreakdown) {
	fc.Charges = append(fc.Charges, cb)
	fc.Subtotal = round2(fc.Subtotal + cb.Subtotal)
	fc.Discount = round2(fc.Discount + cb.Discount)
	fc.Tax = round2(fc.Tax + cb.Tax)
	fc.Total = round2(fc.Total + cb.Total)
	fc.Currency = cb.Currency
	fc.Degraded = fc.Degraded || cb.Degraded
}

// Invoicer receives priced batches. Submissions must be idempotent per
// charge source, since a batch is resubmitted if marking it billed fails.
type Invoicer interface {
	Submit(ctx context.Context, charges FlightCharges) error
}

// TableProvider serves the current tariff table.
type TableProvider interface {
	Table(ctx context.Context) *tariff.Table
}

// FlightLookup resolves flight metadata.
type FlightLookup interface {
	Lookup(ctx context.Context, flightID string) (registry.FlightInfo, error)
}

// Gate reports whether the system is active.
type Gate interface {
	IsActive(ctx context.Context) bool
}

// Biller prices every completed, unbilled item of a flight as one batch and
// hands it to the invoicer. It is the combined billing path for both
// trackers and for on-demand requests.
type Biller struct {
	repo     tracking.Repository
	engine   *Engine
	tariffs  TableProvider
	flights  FlightLookup
	invoicer Invoicer
	gate     Gate
	clock    clock.Clock
	locker   *tracking.Locker
	logger   *logger.Logger
}

// Deps groups the collaborators of a Biller.
type Deps struct {
	Repo     tracking.Repository
	Engine   *Engine
	Tariffs  TableProvider
	Flights  FlightLookup
	Invoicer Invoicer
	Gate     Gate
	Clock    clock.Clock
}

// NewBiller creates a biller.
func NewBiller(deps Deps, log *logger.Logger) *Biller {
	return &Biller{
		repo:     deps.Repo,
		engine:   deps.Engine,
		tariffs:  deps.Tariffs,
		flights:  deps.Flights,
		invoicer: deps.Invoicer,
		gate:     deps.Gate,
		clock:    deps.Clock,
		locker:   tracking.NewLocker(),
		logger:   log.Named("billing"),
	}
}

// BillFlight bills every completed, unbilled overflight and landing of the
// flight. It does nothing when there is nothing to bill.
func (b *Biller) BillFlight(ctx context.Context, flightID string) error {
	_, err := b.billFlight(ctx, flightID)
	return err
}

// BillFlightNow is BillFlight returning the submitted batch, or nil when
// nothing was due.
func (b *Biller) BillFlightNow(ctx context.Context, flightID string) (*FlightCharges, error) {
	return b.billFlight(ctx, flightID)
}

func (b *Biller) billFlight(ctx context.Context, flightID string) (*FlightCharges, error) {
	if b.gate != nil && !b.gate.IsActive(ctx) {
		return nil, ErrSystemInactive
	}

	unlock := b.locker.Lock(flightID)
	defer unlock()

	overflights, err := b.repo.ListUnbilledOverflights(ctx, flightID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unbilled overflights: %w", err)
	}
	landings, err := b.repo.ListUnbilledLandings(ctx, flightID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unbilled landings: %w", err)
	}
	if len(overflights) == 0 && len(landings) == 0 {
		b.logger.Debug("Nothing to bill", logger.String("flight_id", flightID))
		return nil, nil
	}

	return b.submit(ctx, flightID, overflights, landings)
}

// BillOverflight bills a single completed overflight on demand.
func (b *Biller) BillOverflight(ctx context.Context, sessionID string) (*FlightCharges, error) {
	if b.gate != nil && !b.gate.IsActive(ctx) {
		return nil, ErrSystemInactive
	}

	session, err := b.repo.GetOverflight(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get overflight %s: %w", sessionID, err)
	}

	unlock := b.locker.Lock(session.FlightID)
	defer unlock()

	// Re-read under the lock; a concurrent BillFlight may have billed it.
	session, err = b.repo.GetOverflight(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get overflight %s: %w", sessionID, err)
	}
	if session.Status != tracking.OverflightCompleted {
		return nil, ErrNotCompleted
	}
	if session.Billed {
		return nil, ErrAlreadyBilled
	}

	return b.submit(ctx, session.FlightID, []*tracking.OverflightSession{session}, nil)
}

// Quote prices an overflight without billing it.
func (b *Biller) Quote(ctx context.Context, sessionID string) (ChargeBreakdown, error) {
	session, err := b.repo.GetOverflight(ctx, sessionID)
	if err != nil {
		return ChargeBreakdown{}, fmt.Errorf("failed to get overflight %s: %w", sessionID, err)
	}
	if session.Status != tracking.OverflightCompleted {
		return ChargeBreakdown{}, ErrNotCompleted
	}
	flight := b.lookupFlight(ctx, session.FlightID)
	return b.engine.Overflight(session, flight, b.tariffs.Table(ctx), session.Exit.Time, b.engine.DiscountFor(flight.AirlineRef)), nil
}

func (b *Biller) submit(ctx context.Context, flightID string, overflights []*tracking.OverflightSession, landings []*tracking.LandingRecord) (*FlightCharges, error) {
	flight := b.lookupFlight(ctx, flightID)
	table := b.tariffs.Table(ctx)
	discount := b.engine.DiscountFor(flight.AirlineRef)

	batch := FlightCharges{
		FlightID:   flightID,
		AirlineRef: flight.AirlineRef,
		CreatedAt:  b.clock.Now(),
	}

	for _, o := range overflights {
		asOf := o.Entry.Time
		if o.Exit != nil {
			asOf = o.Exit.Time
		}
		batch.add(b.engine.Overflight(o, flight, table, asOf, discount))
	}
	for _, l := range landings {
		asOf := l.ApproachTime
		if l.ParkingEnd != nil {
			asOf = *l.ParkingEnd
		}
		batch.add(b.engine.Landing(l, flight, table, asOf, discount))
	}

	if batch.Degraded {
		b.logger.Warn("Billing degraded to default tariffs",
			logger.String("flight_id", flightID),
			logger.Strings("missing", missingCodes(batch.Charges)))
	}

	if err := b.invoicer.Submit(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to submit charges for %s: %w", flightID, err)
	}

	// Mark billed after submission; the invoicer dedupes by source on retry.
	for i, o := range overflights {
		o.Billed = true
		o.BillingAmount = batch.Charges[i].Total
		o.UpdatedAt = b.clock.Now()
		if err := b.repo.UpdateOverflight(ctx, o); err != nil {
			return nil, fmt.Errorf("failed to mark overflight %s billed: %w", o.ID, err)
		}
	}
	for i, l := range landings {
		l.Billed = true
		l.BillingAmount = batch.Charges[len(overflights)+i].Total
		l.UpdatedAt = b.clock.Now()
		if err := b.repo.UpdateLanding(ctx, l); err != nil {
			return nil, fmt.Errorf("failed to mark landing %s billed: %w", l.ID, err)
		}
	}

	b.logger.Info("Flight billed",
		logger.String("flight_id", flightID),
		logger.String("airline", flight.AirlineRef),
		logger.Int("overflights", len(overflights)),
		logger.Int("landings", len(landings)),
		logger.Float64("total", batch.Total),
		logger.String("currency", batch.Currency))
	return &batch, nil
}

func (b *Biller) lookupFlight(ctx context.Context, flightID string) registry.FlightInfo {
	if b.flights == nil {
		return registry.FlightInfo{FlightID: flightID}
	}
	flight, err := b.flights.Lookup(ctx, flightID)
	if err != nil {
		// Continue without tonnage rather than failing the bill
		b.logger.Warn("Flight metadata unavailable",
			logger.String("flight_id", flightID), logger.Error(err))
		return registry.FlightInfo{FlightID: flightID}
	}
	return flight
}

func missingCodes(charges []ChargeBreakdown) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range charges {
		for _, code := range c.MissingCodes {
			if _, ok := seen[code]; !ok {
				seen[code] = struct{}{}
				out = append(out, code)
			}
		}
	}
	return out
}

// LandingFees prices ground operations for the landing tracker.
func (b *Biller) LandingFees(ctx context.Context, rec *tracking.LandingRecord, asOf time.Time) tracking.LandingFees {
	return b.engine.LandingFees(rec, b.tariffs.Table(ctx), asOf)
}

// IsNight reports whether t is within the night window.
func (b *Biller) IsNight(t time.Time) bool {
	return b.engine.IsNight(t)
}

var (
	_ tracking.Biller        = (*Biller)(nil)
	_ tracking.LandingPricer = (*Biller)(nil)
)
