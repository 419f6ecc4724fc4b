package airport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/airspace-billing/pkg/logger"
)

type brokenSource struct{}

func (brokenSource) LoadAirports(context.Context) ([]Airport, error) {
	return nil, errors.New("unavailable")
}

func TestNearest(t *testing.T) {
	d := NewDirectory(nil, Domestic(), logger.NewNop())

	a, dist, ok := d.Nearest(-4.39, 15.45)
	require.True(t, ok)
	assert.Equal(t, "FZAA", a.ICAO)
	assert.Less(t, dist, 1.0)

	// N'Dolo is closer than N'Djili here
	a, _, ok = d.Nearest(-4.33, 15.33)
	require.True(t, ok)
	assert.Equal(t, "FZAB", a.ICAO)

	a, _, _ = d.Nearest(-11.6, 27.5)
	assert.Equal(t, "FZQA", a.ICAO)
}

func TestNearestEmpty(t *testing.T) {
	d := NewDirectory(nil, nil, logger.NewNop())
	_, _, ok := d.Nearest(0, 0)
	assert.False(t, ok)
}

func TestGetIsCaseInsensitive(t *testing.T) {
	d := NewDirectory(nil, []Airport{{ICAO: "fzaa", Lat: -4.3858, Lon: 15.4446}}, logger.NewNop())
	a, ok := d.Get("FZAA")
	require.True(t, ok)
	assert.Equal(t, "FZAA", a.ICAO)

	_, ok = d.Get("ZZZZ")
	assert.False(t, ok)
}

func TestReload(t *testing.T) {
	src := StaticSource{Airports: []Airport{{ICAO: "FZEA", Lat: 0.0226, Lon: 18.2887}}}
	d := NewDirectory(src, Domestic(), logger.NewNop())
	require.NoError(t, d.Reload(context.Background()))
	assert.Len(t, d.All(), 1)

	d = NewDirectory(brokenSource{}, Domestic(), logger.NewNop())
	assert.Error(t, d.Reload(context.Background()))
	assert.Len(t, d.All(), 12)
}
