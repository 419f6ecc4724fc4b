package system

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/pkg/logger"
)

type fakeFlags struct {
	values map[string]bool
	reads  int
	err    error
}

func (f *fakeFlags) GetFlag(_ context.Context, key string) (bool, bool, error) {
	f.reads++
	if f.err != nil {
		return false, false, f.err
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeFlags) SetFlag(_ context.Context, key string, value bool) error {
	if f.values == nil {
		f.values = make(map[string]bool)
	}
	f.values[key] = value
	return nil
}

func TestStaticGate(t *testing.T) {
	assert.True(t, Static(true).IsActive(context.Background()))
	assert.False(t, Static(false).IsActive(context.Background()))
}

func TestStoredGate(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixed(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	flags := &fakeFlags{values: map[string]bool{}}
	gate := NewStoredGate(flags, 10*time.Second, clk, logger.NewNop())

	// Unset means active
	assert.True(t, gate.IsActive(ctx))
	assert.True(t, gate.IsActive(ctx))
	assert.Equal(t, 1, flags.reads)

	// An external change is seen once the cache expires
	flags.values[ActiveKey] = false
	assert.True(t, gate.IsActive(ctx))
	clk.Advance(11 * time.Second)
	assert.False(t, gate.IsActive(ctx))

	require.NoError(t, gate.SetActive(ctx, true))
	assert.True(t, gate.IsActive(ctx))
	assert.True(t, flags.values[ActiveKey])
}

func TestStoredGateFailsClosed(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixed(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	flags := &fakeFlags{err: errors.New("database is locked")}
	gate := NewStoredGate(flags, time.Minute, clk, logger.NewNop())

	assert.False(t, gate.IsActive(ctx))
	flags.err = nil
	assert.True(t, gate.IsActive(ctx))
}
