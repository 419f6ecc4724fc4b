package tariff

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/pkg/logger"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestLookupPicksLatestEffectiveActive(t *testing.T) {
	table := NewTable([]Rate{
		{Code: SurvolKm, Value: 0.80, Active: true, EffectiveDate: date(2023, 1, 1)},
		{Code: SurvolKm, Value: 0.85, Active: true, EffectiveDate: date(2024, 1, 1)},
		{Code: SurvolKm, Value: 0.95, Active: false, EffectiveDate: date(2024, 6, 1)},
		{Code: SurvolKm, Value: 1.10, Active: true, EffectiveDate: date(2025, 1, 1)},
	}, "test", time.Now())

	tests := []struct {
		asOf time.Time
		want float64
	}{
		{date(2023, 6, 1), 0.80},
		{date(2024, 1, 1), 0.85},
		{date(2024, 7, 1), 0.85},
		{date(2025, 3, 1), 1.10},
	}
	for _, tt := range tests {
		r, err := table.Lookup(SurvolKm, tt.asOf)
		require.NoError(t, err)
		assert.Equal(t, tt.want, r.Value, tt.asOf.String())
	}
}

func TestLookupFallsBackToDefault(t *testing.T) {
	table := NewTable([]Rate{
		{Code: TVARate, Value: 18, Active: false},
		{Code: LandingBase, Value: 200, Active: true, EffectiveDate: date(2030, 1, 1)},
	}, "test", time.Now())

	r, err := table.Lookup(TVARate, date(2025, 1, 1))
	var missing *MissingTariffError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, TVARate, missing.Code)
	assert.Equal(t, 16.0, r.Value)

	// Not yet effective
	r, err = table.Lookup(LandingBase, date(2025, 1, 1))
	assert.Error(t, err)
	assert.Equal(t, 150.0, r.Value)

	r, err = table.Lookup("UNKNOWN", date(2025, 1, 1))
	assert.Error(t, err)
	assert.Equal(t, 0.0, r.Value)
}

func TestDefaults(t *testing.T) {
	want := map[string]float64{
		SurvolKm:         0.85,
		SurvolMinute:     12.50,
		SurvolHybridTime: 6.00,
		SurvolHybridDist: 0.40,
		TonnageRate:      2.50,
		LandingBase:      150,
		ParkingHour:      25,
		NightSurcharge:   25,
		TVARate:          16,
	}
	assert.Len(t, Codes(), len(want))
	for code, v := range want {
		r, ok := Default(code)
		require.True(t, ok, code)
		assert.Equal(t, v, r.Value, code)
	}
}

func TestEffectiveReportsMissing(t *testing.T) {
	table := NewTable([]Rate{{Code: SurvolKm, Value: 1, Active: true}}, "test", time.Now())
	rates, missing := table.Effective(date(2025, 1, 1))
	assert.Len(t, rates, len(Codes()))
	assert.NotContains(t, missing, SurvolKm)
	assert.Contains(t, missing, TVARate)
}

type countingSource struct {
	calls atomic.Int32
	value atomic.Value
	err   error
}

func (s *countingSource) LoadRates(context.Context) ([]Rate, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []Rate{{Code: SurvolKm, Value: s.value.Load().(float64), Active: true}}, nil
}

func TestCacheServesStaleWhileRefreshing(t *testing.T) {
	src := &countingSource{}
	src.value.Store(0.85)
	clk := clock.NewFixed(date(2025, 1, 1))
	c := NewCache(src, CacheConfig{RefreshInterval: time.Minute}, clk, logger.NewNop())

	ctx := context.Background()
	r, err := c.Table(ctx).Lookup(SurvolKm, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.85, r.Value)
	assert.Equal(t, int32(1), src.calls.Load())

	// Fresh: no reload
	c.Table(ctx)
	assert.Equal(t, int32(1), src.calls.Load())

	src.value.Store(0.90)
	clk.Advance(2 * time.Minute)
	stale := c.Table(ctx)
	r, _ = stale.Lookup(SurvolKm, clk.Now())
	assert.Equal(t, 0.85, r.Value, "stale table served during refresh")

	require.Eventually(t, func() bool {
		r, _ := c.Table(ctx).Lookup(SurvolKm, clk.Now())
		return r.Value == 0.90
	}, time.Second, 5*time.Millisecond)
}

func TestCacheLoadFailureServesDefaults(t *testing.T) {
	src := &countingSource{err: errors.New("db locked")}
	c := NewCache(src, DefaultCacheConfig(), clock.System(), logger.NewNop())

	table := c.Table(context.Background())
	r, err := table.Lookup(SurvolKm, time.Now())
	assert.Error(t, err)
	assert.Equal(t, 0.85, r.Value)

	_, err = c.Refresh(context.Background())
	assert.Error(t, err)
}
