package tracking_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/airspace-billing/internal/airport"
	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/internal/geo"
	"github.com/yegors/airspace-billing/internal/storage/memory"
	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []tracking.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e tracking.Event) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
}

func (n *recordingNotifier) types() []tracking.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []tracking.EventType
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingBiller struct {
	mu      sync.Mutex
	flights []string
}

func (b *recordingBiller) BillFlight(_ context.Context, flightID string) error {
	b.mu.Lock()
	b.flights = append(b.flights, flightID)
	b.mu.Unlock()
	return nil
}

func (b *recordingBiller) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.flights)
}

type flatPricer struct{}

func (flatPricer) LandingFees(_ context.Context, rec *tracking.LandingRecord, _ time.Time) tracking.LandingFees {
	return tracking.LandingFees{
		Landing: 150,
		Parking: math.Max(0, rec.ParkingMinutes-60) / 60 * 25,
	}
}

func (flatPricer) IsNight(t time.Time) bool {
	return t.Hour() >= 18 || t.Hour() < 6
}

type fixture struct {
	store      *memory.Store
	notifier   *recordingNotifier
	biller     *recordingBiller
	overflight *tracking.OverflightTracker
	landing    *tracking.LandingTracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		notifier: &recordingNotifier{},
		biller:   &recordingBiller{},
	}
	clk := clock.NewFixed(t0)
	log := logger.NewNop()
	f.overflight = tracking.NewOverflightTracker(f.store, f.notifier, f.biller, clk, log)
	f.landing = tracking.NewLandingTracker(tracking.LandingDeps{
		Repo:        f.store,
		Airports:    airport.NewDirectory(nil, airport.Domestic(), log),
		Overflights: f.overflight,
		Pricer:      flatPricer{},
		Biller:      f.biller,
		Notifier:    f.notifier,
		Clock:       clk,
	}, tracking.DefaultLandingConfig(), log)
	return f
}

func sample(flight string, at time.Time, lat, lon, altFt, speedKt float64) tracking.PositionSample {
	return tracking.PositionSample{
		FlightID:      flight,
		AircraftID:    "9S-ABC",
		Lat:           lat,
		Lon:           lon,
		AltitudeFt:    altFt,
		GroundSpeedKt: speedKt,
		Heading:       90,
		Timestamp:     at,
	}
}

func TestOverflightRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := sample("F1", t0, -2.0, 20.0, 35000, 450)
	tr, err := f.overflight.Process(ctx, entry, true)
	require.NoError(t, err)
	assert.Equal(t, tracking.OverflightOpened, tr)

	mid := sample("F1", t0.Add(20*time.Minute), -2.5, 22.0, 35000, 450)
	tr, err = f.overflight.Process(ctx, mid, true)
	require.NoError(t, err)
	assert.Equal(t, tracking.NoTransition, tr)

	exit := sample("F1", t0.Add(45*time.Minute), -3.0, 24.0, 35000, 450)
	tr, err = f.overflight.Process(ctx, exit, false)
	require.NoError(t, err)
	assert.Equal(t, tracking.OverflightClosed, tr)

	sessions := f.store.Overflights("F1")
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, tracking.OverflightCompleted, s.Status)
	assert.Regexp(t, `^OVF-20250310-[0-9A-F]{8}$`, s.ID)
	assert.InDelta(t, 45.0, s.DurationMinutes, 1e-9)
	assert.InDelta(t, geo.HaversineKm(-2.0, 20.0, -3.0, 24.0), s.DistanceKm, 1e-9)
	require.NotNil(t, s.Exit)
	assert.Equal(t, exit.Timestamp, s.Exit.Time)
	assert.Equal(t, 35000.0, s.Entry.AltitudeFt)

	assert.Equal(t, []tracking.EventType{tracking.EventEntered, tracking.EventExited}, f.notifier.types())
	assert.Equal(t, 1, f.biller.calls())
}

func TestOverflightReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := sample("F1", t0, -2.0, 20.0, 35000, 450)
	exit := sample("F1", t0.Add(30*time.Minute), -3.0, 24.0, 35000, 450)

	_, err := f.overflight.Process(ctx, entry, true)
	require.NoError(t, err)
	tr, err := f.overflight.Process(ctx, entry, true)
	require.NoError(t, err)
	assert.Equal(t, tracking.NoTransition, tr)

	_, err = f.overflight.Process(ctx, exit, false)
	require.NoError(t, err)
	before := f.store.Overflights("F1")

	tr, err = f.overflight.Process(ctx, exit, false)
	require.NoError(t, err)
	assert.Equal(t, tracking.NoTransition, tr)
	assert.Equal(t, before, f.store.Overflights("F1"))
	assert.Equal(t, 1, f.biller.calls())
}

func TestOverflightCloseBeforeEntryIsOutOfOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.overflight.Process(ctx, sample("F1", t0, -2, 20, 30000, 400), true)
	require.NoError(t, err)

	_, err = f.overflight.Process(ctx, sample("F1", t0.Add(-time.Minute), -3, 24, 30000, 400), false)
	assert.ErrorIs(t, err, tracking.ErrOutOfOrderSample)

	active, err := f.store.FindActiveOverflight(ctx, "F1")
	require.NoError(t, err)
	assert.NotNil(t, active)
}

func TestOverflightBillingDeferredWhileLandingOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateLanding(ctx, &tracking.LandingRecord{
		ID: "LND-1", FlightID: "F1", AirportICAO: "FZAA", ApproachTime: t0, Status: tracking.LandingApproach,
	}))

	_, err := f.overflight.Process(ctx, sample("F1", t0, -2, 20, 9000, 250), true)
	require.NoError(t, err)
	_, err = f.overflight.Process(ctx, sample("F1", t0.Add(10*time.Minute), -3, 24, 9000, 250), false)
	require.NoError(t, err)

	assert.Equal(t, 0, f.biller.calls())
}

func TestOverflightNotReopenedWhileOnGround(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateLanding(ctx, &tracking.LandingRecord{
		ID: "LND-1", FlightID: "F1", AirportICAO: "FZAA", ApproachTime: t0, Status: tracking.LandingParking,
	}))

	tr, err := f.overflight.Process(ctx, sample("F1", t0.Add(time.Minute), -4.3858, 15.4446, 1027, 0), true)
	require.NoError(t, err)
	assert.Equal(t, tracking.NoTransition, tr)

	taxi := sample("F1", t0.Add(2*time.Minute), -4.3858, 15.4446, 1027, 25)
	taxi.OnGround = true
	tr, err = f.overflight.Process(ctx, taxi, true)
	require.NoError(t, err)
	assert.Equal(t, tracking.NoTransition, tr)
	assert.Empty(t, f.store.Overflights("F1"))

	// Airborne inside the boundary opens a session whatever the record says
	tr, err = f.overflight.Process(ctx, sample("F1", t0.Add(3*time.Minute), -4.3, 15.5, 4000, 220), true)
	require.NoError(t, err)
	assert.Equal(t, tracking.OverflightOpened, tr)
	assert.Len(t, f.store.Overflights("F1"), 1)
}

// staleRepo hides the active session from the first lookup, as a concurrent
// tick on another process would.
type staleRepo struct {
	*memory.Store
	hidden bool
}

func (r *staleRepo) FindActiveOverflight(ctx context.Context, flightID string) (*tracking.OverflightSession, error) {
	if !r.hidden {
		r.hidden = true
		return nil, nil
	}
	return r.Store.FindActiveOverflight(ctx, flightID)
}

func (r *staleRepo) FindOpenLanding(context.Context, string) (*tracking.LandingRecord, error) {
	return nil, nil
}

func TestOverflightConcurrentOpen(t *testing.T) {
	ctx := context.Background()
	log := logger.NewNop()

	seed := func() *memory.Store {
		st := memory.New()
		require.NoError(t, st.CreateOverflight(ctx, &tracking.OverflightSession{
			ID: "OVF-EXISTING", FlightID: "F1", Entry: tracking.Fix{Time: t0}, Status: tracking.OverflightActive,
		}))
		return st
	}

	// Same would-be session: no-op
	tr := tracking.NewOverflightTracker(&staleRepo{Store: seed()}, &recordingNotifier{}, &recordingBiller{}, clock.NewFixed(t0), log)
	transition, err := tr.Process(ctx, sample("F1", t0, -2, 20, 30000, 400), true)
	require.NoError(t, err)
	assert.Equal(t, tracking.NoTransition, transition)

	// Different entry: rejected
	tr = tracking.NewOverflightTracker(&staleRepo{Store: seed()}, &recordingNotifier{}, &recordingBiller{}, clock.NewFixed(t0), log)
	_, err = tr.Process(ctx, sample("F1", t0.Add(time.Minute), -2, 20, 30000, 400), true)
	var violation *tracking.InvariantViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "OVF-EXISTING", violation.ExistingID)
	assert.True(t, errors.Is(err, tracking.ErrActiveSessionExists))
}

func TestForceCloseWithoutSession(t *testing.T) {
	f := newFixture(t)
	s, err := f.overflight.ForceClose(context.Background(), sample("F1", t0, 0, 0, 0, 0))
	require.NoError(t, err)
	assert.Nil(t, s)
}

// N'Djili, elevation 1027 ft
const (
	fzaaLat = -4.3858
	fzaaLon = 15.4446
)

func TestLandingLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Overflight in progress when the approach starts
	_, err := f.overflight.Process(ctx, sample("F1", t0.Add(-time.Hour), -2, 20, 35000, 450), true)
	require.NoError(t, err)

	steps := []struct {
		s    tracking.PositionSample
		want tracking.Transition
	}{
		{sample("F1", t0, fzaaLat+0.05, fzaaLon+0.05, 3026, 200), tracking.LandingApproached},
		{sample("F1", t0.Add(5*time.Minute), fzaaLat, fzaaLon, 1076, 130), tracking.LandingTouchdown},
		{sample("F1", t0.Add(10*time.Minute), fzaaLat, fzaaLon, 1027, 3), tracking.LandingParked},
		{sample("F1", t0.Add(11*time.Minute), fzaaLat, fzaaLon, 1027, 0), tracking.NoTransition},
		{sample("F1", t0.Add(130*time.Minute), fzaaLat, fzaaLon, 1027, 15), tracking.LandingDeparted},
	}
	for i, step := range steps {
		tr, err := f.landing.Process(ctx, step.s)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.want, tr, "step %d", i)
	}

	records := f.store.Landings("F1")
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, tracking.LandingCompleted, rec.Status)
	assert.Equal(t, "FZAA", rec.AirportICAO)
	assert.Equal(t, t0, rec.ApproachTime)
	require.NotNil(t, rec.TouchdownTime)
	assert.Equal(t, t0.Add(5*time.Minute), *rec.TouchdownTime)
	assert.InDelta(t, 120.0, rec.ParkingMinutes, 1e-9)
	assert.Equal(t, 150.0, rec.LandingFee)
	assert.InDelta(t, 25.0, rec.ParkingFee, 1e-9)
	assert.InDelta(t, 175.0, rec.TotalFee, 1e-9)
	assert.False(t, rec.Night)

	// Touchdown closed the overflight without billing; completion billed once.
	sessions := f.store.Overflights("F1")
	require.Len(t, sessions, 1)
	assert.Equal(t, tracking.OverflightCompleted, sessions[0].Status)
	assert.Equal(t, 1, f.biller.calls())

	assert.Equal(t, []tracking.EventType{
		tracking.EventEntered, tracking.EventExited, tracking.EventLanded, tracking.EventParkingCompleted,
	}, f.notifier.types())
}

func TestLandingOneTransitionPerSample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Already on the ground and stopped: only the approach is recorded
	_, err := f.landing.Process(ctx, sample("F1", t0, fzaaLat+0.01, fzaaLon, 1100, 3))
	require.NoError(t, err)

	want := []tracking.LandingStatus{tracking.LandingLanded, tracking.LandingParking}
	for i, status := range want {
		_, err := f.landing.Process(ctx, sample("F1", t0.Add(time.Duration(i+1)*time.Minute), fzaaLat, fzaaLon, 1027, 3))
		require.NoError(t, err)
		rec, err := f.store.FindOpenLanding(ctx, "F1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, status, rec.Status)
	}
}

func TestLandingMeasuresAgainstRecordAirport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.landing.Process(ctx, sample("F1", t0, fzaaLat+0.05, fzaaLon+0.05, 3026, 200))
	require.NoError(t, err)

	// Low and slow over N'Dolo, ~13 km from N'Djili
	tr, err := f.landing.Process(ctx, sample("F1", t0.Add(time.Minute), -4.3266, 15.3275, 950, 100))
	require.NoError(t, err)
	assert.Equal(t, tracking.NoTransition, tr)

	rec, err := f.store.FindOpenLanding(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, tracking.LandingApproach, rec.Status)
	assert.Equal(t, "FZAA", rec.AirportICAO)
}

func TestLandingNoApproach(t *testing.T) {
	tests := []struct {
		name string
		s    tracking.PositionSample
	}{
		{"too high", sample("F1", t0, fzaaLat+0.05, fzaaLon, 15000, 250)},
		{"too far", sample("F1", t0, fzaaLat+0.5, fzaaLon, 3000, 250)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tr, err := f.landing.Process(context.Background(), tt.s)
			require.NoError(t, err)
			assert.Equal(t, tracking.NoTransition, tr)
			assert.Empty(t, f.store.Landings("F1"))
		})
	}
}

func grounded(s tracking.PositionSample) tracking.PositionSample {
	s.OnGround = true
	return s
}

func TestLandingFirstSeenOnGround(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Coverage picks the flight up on the runway
	tr, err := f.landing.Process(ctx, grounded(sample("F1", t0, fzaaLat, fzaaLon, 1027, 120)))
	require.NoError(t, err)
	assert.Equal(t, tracking.LandingApproached, tr)

	tr, err = f.landing.Process(ctx, grounded(sample("F1", t0.Add(time.Minute), fzaaLat, fzaaLon, 1027, 60)))
	require.NoError(t, err)
	assert.Equal(t, tracking.LandingTouchdown, tr)

	rec, err := f.store.FindOpenLanding(ctx, "F1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, tracking.LandingLanded, rec.Status)
	assert.Equal(t, "FZAA", rec.AirportICAO)
}

func TestLandingTaxiOutDoesNotReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	arrival := []tracking.PositionSample{
		sample("F1", t0, fzaaLat+0.05, fzaaLon+0.05, 3026, 200),
		sample("F1", t0.Add(5*time.Minute), fzaaLat, fzaaLon, 1076, 130),
		sample("F1", t0.Add(10*time.Minute), fzaaLat, fzaaLon, 1027, 3),
		sample("F1", t0.Add(70*time.Minute), fzaaLat, fzaaLon, 1027, 15),
	}
	for _, s := range arrival {
		_, err := f.landing.Process(ctx, s)
		require.NoError(t, err)
	}
	require.Len(t, f.store.Landings("F1"), 1)

	tr, err := f.landing.Process(ctx, grounded(sample("F1", t0.Add(80*time.Minute), fzaaLat+0.01, fzaaLon, 1027, 20)))
	require.NoError(t, err)
	assert.Equal(t, tracking.NoTransition, tr)
	assert.Len(t, f.store.Landings("F1"), 1)

	// Long after departure the same flight id is a new arrival
	tr, err = f.landing.Process(ctx, grounded(sample("F1", t0.Add(6*time.Hour), fzaaLat, fzaaLon, 1027, 90)))
	require.NoError(t, err)
	assert.Equal(t, tracking.LandingApproached, tr)
	assert.Len(t, f.store.Landings("F1"), 2)
}

func TestDepartureThenOverflight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Both trackers in engine order; every sample but the last is inside.
	step := func(s tracking.PositionSample, inside bool) (tracking.Transition, tracking.Transition) {
		t.Helper()
		ovf, err := f.overflight.Process(ctx, s, inside)
		require.NoError(t, err)
		lnd, err := f.landing.Process(ctx, s)
		require.NoError(t, err)
		return ovf, lnd
	}

	// Lift-off passes through the touchdown envelope
	ovf, lnd := step(sample("F1", t0, fzaaLat, fzaaLon, 1127, 150), true)
	assert.Equal(t, tracking.OverflightOpened, ovf)
	assert.Equal(t, tracking.LandingApproached, lnd)

	_, lnd = step(sample("F1", t0.Add(5*time.Second), fzaaLat, fzaaLon+0.01, 1277, 160), true)
	assert.Equal(t, tracking.LandingTouchdown, lnd)

	ovf, lnd = step(sample("F1", t0.Add(10*time.Minute), -4.0, 17.0, 25000, 420), true)
	assert.Equal(t, tracking.OverflightOpened, ovf)
	assert.Equal(t, tracking.LandingGaveUp, lnd)

	ovf, lnd = step(sample("F1", t0.Add(40*time.Minute), -3.0, 20.0, 35000, 460), true)
	assert.Equal(t, tracking.NoTransition, ovf)
	assert.Equal(t, tracking.NoTransition, lnd)

	ovf, _ = step(sample("F1", t0.Add(60*time.Minute), -2.5, 31.0, 35000, 460), false)
	assert.Equal(t, tracking.OverflightClosed, ovf)

	sessions := f.store.Overflights("F1")
	require.Len(t, sessions, 2)
	cruise := sessions[1]
	assert.Equal(t, tracking.OverflightCompleted, cruise.Status)
	assert.Equal(t, t0.Add(10*time.Minute), cruise.Entry.Time)
	assert.InDelta(t, 50.0, cruise.DurationMinutes, 1e-9)
	assert.Greater(t, cruise.DistanceKm, 1000.0)

	records := f.store.Landings("F1")
	require.Len(t, records, 1)
	assert.Equal(t, tracking.LandingAbandoned, records[0].Status)

	// Abandon billed the lift-off fragment, the exit billed the cruise.
	assert.Equal(t, 2, f.biller.calls())
}

func TestLandingApproachAbandoned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.landing.Process(ctx, sample("F1", t0, fzaaLat+0.05, fzaaLon+0.05, 3026, 200))
	require.NoError(t, err)

	far := func(at time.Time) tracking.PositionSample {
		return sample("F1", at, fzaaLat+1, fzaaLon+1, 20000, 400)
	}

	tr, err := f.landing.Process(ctx, far(t0.Add(10*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, tracking.NoTransition, tr)
	assert.Equal(t, 0, f.biller.calls())

	tr, err = f.landing.Process(ctx, far(t0.Add(31*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, tracking.LandingGaveUp, tr)
	assert.Equal(t, 1, f.biller.calls())

	rec, err := f.store.FindOpenLanding(ctx, "F1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLandingNightFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	night := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)

	_, err := f.landing.Process(ctx, sample("F1", night, fzaaLat+0.05, fzaaLon+0.05, 3026, 200))
	require.NoError(t, err)
	_, err = f.landing.Process(ctx, sample("F1", night.Add(5*time.Minute), fzaaLat, fzaaLon, 1076, 130))
	require.NoError(t, err)

	rec, err := f.store.FindOpenLanding(ctx, "F1")
	require.NoError(t, err)
	assert.True(t, rec.Night)
}

func TestLockerSerializesPerKey(t *testing.T) {
	l := tracking.NewLocker()
	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("F1")
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)

	// Different keys do not block each other
	unlockA := l.Lock("A")
	unlockB := l.Lock("B")
	unlockB()
	unlockA()
}
