package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/airspace-billing/pkg/logger"
)

type mapSource struct {
	flights map[string]FlightInfo
	calls   int
	err     error
}

func (m *mapSource) LookupFlight(_ context.Context, id string) (FlightInfo, error) {
	m.calls++
	if m.err != nil {
		return FlightInfo{}, m.err
	}
	f, ok := m.flights[id]
	if !ok {
		return FlightInfo{}, ErrNotFound
	}
	return f, nil
}

func TestLookupCaches(t *testing.T) {
	src := &mapSource{flights: map[string]FlightInfo{
		"ET508": {Callsign: "ETH508", MTOWKg: 79000, AirlineRef: "ETH"},
	}}
	r := New(src, DefaultConfig(), logger.NewNop())
	ctx := context.Background()

	info, err := r.Lookup(ctx, "ET508")
	require.NoError(t, err)
	assert.Equal(t, "ET508", info.FlightID)
	assert.Equal(t, 79.0, info.MTOWTonnes())

	_, err = r.Lookup(ctx, "ET508")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	r.Forget("ET508")
	_, _ = r.Lookup(ctx, "ET508")
	assert.Equal(t, 2, src.calls)
}

func TestLookupUnknownFlight(t *testing.T) {
	r := New(&mapSource{}, DefaultConfig(), logger.NewNop())
	info, err := r.Lookup(context.Background(), "X1")
	require.NoError(t, err)
	assert.Equal(t, FlightInfo{FlightID: "X1"}, info)
}

func TestLookupSourceError(t *testing.T) {
	src := &mapSource{err: errors.New("timeout")}
	r := New(src, DefaultConfig(), logger.NewNop())
	info, err := r.Lookup(context.Background(), "X1")
	assert.Error(t, err)
	assert.Equal(t, "X1", info.FlightID)

	// Errors are not cached
	_, _ = r.Lookup(context.Background(), "X1")
	assert.Equal(t, 2, src.calls)
}
