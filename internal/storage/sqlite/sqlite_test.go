package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/airspace-billing/internal/airport"
	"github.com/yegors/airspace-billing/internal/billing"
	"github.com/yegors/airspace-billing/internal/geo"
	"github.com/yegors/airspace-billing/internal/registry"
	"github.com/yegors/airspace-billing/internal/tariff"
	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(openTestDB(t), logger.NewNop())
	require.NoError(t, err)
	return repo
}

func activeSession(id, flightID string) *tracking.OverflightSession {
	return &tracking.OverflightSession{
		ID:       id,
		FlightID: flightID,
		Entry: tracking.Fix{
			Lat: -4.3, Lon: 15.3, AltitudeFt: 35000, Heading: 90,
			Time: t0.Add(123456789 * time.Nanosecond),
		},
		Status:    tracking.OverflightActive,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func TestOverflightRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	s := activeSession("OVF-1", "F1")
	require.NoError(t, repo.CreateOverflight(ctx, s))

	found, err := repo.FindActiveOverflight(ctx, "F1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, s, found)

	s.Exit = &tracking.Fix{Lat: -4.3, Lon: 22.0, AltitudeFt: 35000, Heading: 90, Time: t0.Add(time.Hour)}
	s.Status = tracking.OverflightCompleted
	s.DurationMinutes = 60
	s.DistanceKm = 745.2
	s.UpdatedAt = t0.Add(time.Hour)
	require.NoError(t, repo.UpdateOverflight(ctx, s))

	found, err = repo.FindActiveOverflight(ctx, "F1")
	require.NoError(t, err)
	assert.Nil(t, found)

	got, err := repo.GetOverflight(ctx, "OVF-1")
	require.NoError(t, err)
	assert.Equal(t, s, got)

	unbilled, err := repo.ListUnbilledOverflights(ctx, "F1")
	require.NoError(t, err)
	require.Len(t, unbilled, 1)

	s.Billed = true
	s.BillingAmount = 734.79
	require.NoError(t, repo.UpdateOverflight(ctx, s))
	unbilled, err = repo.ListUnbilledOverflights(ctx, "F1")
	require.NoError(t, err)
	assert.Empty(t, unbilled)
}

func TestOneActiveOverflightPerFlight(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.CreateOverflight(ctx, activeSession("OVF-1", "F1")))
	err := repo.CreateOverflight(ctx, activeSession("OVF-2", "F1"))
	assert.ErrorIs(t, err, tracking.ErrActiveSessionExists)

	// Other flights are unaffected
	require.NoError(t, repo.CreateOverflight(ctx, activeSession("OVF-3", "F2")))

	// A completed session does not block a new one
	s := activeSession("OVF-1", "F1")
	s.Status = tracking.OverflightCompleted
	s.Exit = &tracking.Fix{Time: t0.Add(time.Hour)}
	require.NoError(t, repo.UpdateOverflight(ctx, s))
	require.NoError(t, repo.CreateOverflight(ctx, activeSession("OVF-4", "F1")))
}

func TestMissingRows(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.GetOverflight(ctx, "nope")
	assert.ErrorIs(t, err, tracking.ErrNotFound)
	_, err = repo.GetLanding(ctx, "nope")
	assert.ErrorIs(t, err, tracking.ErrNotFound)

	err = repo.UpdateOverflight(ctx, activeSession("nope", "F1"))
	assert.ErrorIs(t, err, tracking.ErrNotFound)
}

func TestLandingRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	rec := &tracking.LandingRecord{
		ID:           "LND-1",
		FlightID:     "F1",
		AirportICAO:  "FZAA",
		ApproachTime: t0,
		Status:       tracking.LandingApproach,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
	require.NoError(t, repo.CreateLanding(ctx, rec))

	dup := *rec
	dup.ID = "LND-2"
	assert.ErrorIs(t, repo.CreateLanding(ctx, &dup), tracking.ErrOpenLandingExists)

	open, err := repo.FindOpenLanding(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, rec, open)

	touchdown := t0.Add(10 * time.Minute)
	parkStart := t0.Add(15 * time.Minute)
	parkEnd := t0.Add(75 * time.Minute)
	rec.TouchdownTime = &touchdown
	rec.ParkingStart = &parkStart
	rec.ParkingEnd = &parkEnd
	rec.ParkingMinutes = 60
	rec.Status = tracking.LandingCompleted
	rec.LandingFee = 150
	rec.ParkingFee = 25
	rec.TotalFee = 175
	rec.Night = true
	require.NoError(t, repo.UpdateLanding(ctx, rec))

	got, err := repo.GetLanding(ctx, "LND-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	open, err = repo.FindOpenLanding(ctx, "F1")
	require.NoError(t, err)
	assert.Nil(t, open)

	unbilled, err := repo.ListUnbilledLandings(ctx, "F1")
	require.NoError(t, err)
	assert.Len(t, unbilled, 1)
}

func TestLatestLanding(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	latest, err := repo.LatestLanding(ctx, "F1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	for i, status := range []tracking.LandingStatus{tracking.LandingCompleted, tracking.LandingAbandoned, tracking.LandingApproach} {
		at := t0.Add(time.Duration(i) * time.Hour)
		require.NoError(t, repo.CreateLanding(ctx, &tracking.LandingRecord{
			ID:           fmt.Sprintf("LND-%d", i),
			FlightID:     "F1",
			AirportICAO:  "FZAA",
			ApproachTime: at,
			Status:       status,
			CreatedAt:    at,
			UpdatedAt:    at,
		}))
	}

	latest, err = repo.LatestLanding(ctx, "F1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "LND-2", latest.ID)
	assert.Equal(t, tracking.LandingApproach, latest.Status)
}

func TestCursor(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, ok, err := repo.GetCursor(ctx, "F1")
	require.NoError(t, err)
	assert.False(t, ok)

	ts := t0.Add(987654321 * time.Nanosecond)
	require.NoError(t, repo.SetCursor(ctx, "F1", ts))
	require.NoError(t, repo.SetCursor(ctx, "F1", ts.Add(time.Second)))

	got, ok, err := repo.GetCursor(ctx, "F1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(ts.Add(time.Second)))
}

func TestReferenceStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewReferenceStore(openTestDB(t), logger.NewNop())
	require.NoError(t, err)

	t.Run("tariffs", func(t *testing.T) {
		r := tariff.Rate{Code: tariff.SurvolKm, Value: 0.85, Unit: "USD/km", Active: true, EffectiveDate: t0}
		require.NoError(t, store.PutRate(ctx, r))
		r.Value = 0.90
		require.NoError(t, store.PutRate(ctx, r))

		rates, err := store.LoadRates(ctx)
		require.NoError(t, err)
		require.Len(t, rates, 1)
		assert.Equal(t, 0.90, rates[0].Value)
		assert.True(t, rates[0].EffectiveDate.Equal(t0))
	})

	t.Run("airports", func(t *testing.T) {
		for _, a := range airport.Domestic() {
			require.NoError(t, store.PutAirport(ctx, a))
		}
		airports, err := store.LoadAirports(ctx)
		require.NoError(t, err)
		assert.Len(t, airports, len(airport.Domestic()))
	})

	t.Run("airspace", func(t *testing.T) {
		_, err := store.LoadBoundary(ctx)
		assert.ErrorIs(t, err, ErrNoAirspace)

		doc := []byte(`{"type":"Polygon","coordinates":[[[10,-10],[20,-10],[20,0],[10,0],[10,-10]]]}`)
		require.NoError(t, store.PutAirspace(ctx, "test", doc))

		b, err := store.LoadBoundary(ctx)
		require.NoError(t, err)
		assert.Equal(t, "test", b.Name)
		require.Len(t, b.Rings, 1)
		assert.Len(t, b.Rings[0], 5)
		assert.Contains(t, b.Rings[0], geo.Point{Lat: -10, Lon: 10})

		assert.Error(t, store.PutAirspace(ctx, "broken", []byte(`{"type":"Polygon"}`)))
	})

	t.Run("flights", func(t *testing.T) {
		_, err := store.LookupFlight(ctx, "F1")
		assert.ErrorIs(t, err, registry.ErrNotFound)

		require.NoError(t, store.PutAircraft(ctx, Aircraft{
			ID: "AC1", Registration: "9Q-CAA", AircraftType: "B738", MTOWKg: 79000, AirlineRef: "CAA",
		}))
		require.NoError(t, store.PutFlight(ctx, Flight{ID: "F1", Callsign: "CAA101", AircraftID: "AC1"}))
		require.NoError(t, store.PutFlight(ctx, Flight{ID: "F2", Callsign: "ETH851", AirlineRef: "ETH"}))

		info, err := store.LookupFlight(ctx, "F1")
		require.NoError(t, err)
		assert.Equal(t, registry.FlightInfo{
			FlightID: "F1", Callsign: "CAA101", AircraftID: "AC1", Registration: "9Q-CAA",
			AircraftType: "B738", MTOWKg: 79000, AirlineRef: "CAA",
		}, info)

		info, err = store.LookupFlight(ctx, "F2")
		require.NoError(t, err)
		assert.Equal(t, "ETH", info.AirlineRef)
		assert.Zero(t, info.MTOWKg)
	})

	t.Run("flags", func(t *testing.T) {
		_, ok, err := store.GetFlag(ctx, "system_active")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.SetFlag(ctx, "system_active", false))
		v, ok, err := store.GetFlag(ctx, "system_active")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, v)
	})
}

func TestChargeStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := NewChargeStore(openTestDB(t), logger.NewNop())
	require.NoError(t, err)

	batch := billing.FlightCharges{
		FlightID: "F1",
		Charges: []billing.ChargeBreakdown{
			{SourceType: billing.SourceOverflight, SourceID: "OVF-1", FlightID: "F1", Subtotal: 850, Tax: 136, Total: 986, Currency: "USD", CalculatedAt: t0},
			{SourceType: billing.SourceLanding, SourceID: "LND-1", FlightID: "F1", Subtotal: 175, Tax: 28, Total: 203, Currency: "USD", Degraded: true, MissingCodes: []string{"PARKING_HOUR"}, CalculatedAt: t0},
		},
	}
	require.NoError(t, store.Submit(ctx, batch))
	require.NoError(t, store.Submit(ctx, batch))

	charges, err := store.ChargesForFlight(ctx, "F1")
	require.NoError(t, err)
	require.Len(t, charges, 2)

	var total float64
	for _, c := range charges {
		total += c.Total
	}
	assert.InDelta(t, 1189, total, 1e-9)

	recent, err := store.RecentCharges(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
	for _, c := range recent {
		if c.SourceID == "LND-1" {
			assert.Equal(t, []string{"PARKING_HOUR"}, c.MissingCodes)
		}
	}
}

func TestEventStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewEventStore(openTestDB(t), logger.NewNop())
	require.NoError(t, err)

	store.Notify(ctx, tracking.Event{Type: tracking.EventEntered, FlightID: "F1", SourceID: "OVF-1", Time: t0})
	store.Notify(ctx, tracking.Event{Type: tracking.EventExited, FlightID: "F1", SourceID: "OVF-1", Time: t0.Add(time.Hour)})

	events, err := store.EventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, tracking.EventEntered, events[0].Type)

	events, err = store.EventsAfter(ctx, events[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, tracking.EventExited, events[0].Type)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(errors.New("UNIQUE constraint failed")))
}
