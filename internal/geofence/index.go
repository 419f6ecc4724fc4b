package geofence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yegors/airspace-billing/pkg/logger"
	"golang.org/x/sync/singleflight"
)

const rebuildKey = "boundary"

// Index owns the prepared boundary handle. The handle is swapped wholesale on
// rebuild; lookups always read whichever handle is current and never wait on
// a rebuild in progress.
type Index struct {
	primary  Source
	fallback Boundary
	timeout  time.Duration
	logger   *logger.Logger

	handle atomic.Pointer[Handle]
	group  singleflight.Group
}

// Option configures an Index.
type Option func(*Index)

// WithFallback replaces the builtin fallback polygon.
func WithFallback(b Boundary) Option {
	return func(ix *Index) { ix.fallback = b }
}

// WithRebuildTimeout bounds background rebuilds triggered by Invalidate.
func WithRebuildTimeout(d time.Duration) Option {
	return func(ix *Index) { ix.timeout = d }
}

// NewIndex creates an index over primary. A nil primary means only the
// fallback polygon is used.
func NewIndex(primary Source, log *logger.Logger, opts ...Option) *Index {
	ix := &Index{
		primary:  primary,
		fallback: Builtin(),
		timeout:  30 * time.Second,
		logger:   log.Named("geofence"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Load builds a handle from the primary source, falling back to the builtin
// polygon, and installs it. A *GeometryError is returned only when neither
// could be prepared; the previously installed handle, if any, stays in use.
func (ix *Index) Load(ctx context.Context) (*Handle, error) {
	v, err, _ := ix.group.Do(rebuildKey, func() (interface{}, error) {
		return ix.build(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (ix *Index) build(ctx context.Context) (*Handle, error) {
	var primaryErr error
	if ix.primary != nil {
		b, err := ix.primary.LoadBoundary(ctx)
		if err == nil {
			h, prepErr := Prepare(b, "primary")
			if prepErr == nil {
				ix.install(h)
				return h, nil
			}
			err = prepErr
		}
		primaryErr = err
		ix.logger.Warn("Boundary source unavailable, using fallback polygon", logger.Error(err))
	}

	h, err := Prepare(ix.fallback, "fallback")
	if err != nil {
		geomErr := &GeometryError{Source: "fallback", Err: errors.Join(primaryErr, err)}
		ix.logger.Error("Failed to prepare any boundary", logger.Error(geomErr))
		return nil, geomErr
	}
	ix.install(h)
	return h, nil
}

func (ix *Index) install(h *Handle) {
	ix.handle.Store(h)
	ix.logger.Info("Boundary prepared",
		logger.String("source", h.Source),
		logger.String("name", h.Name),
		logger.Int("vertices", h.Vertices))
}

// Handle returns the current prepared handle, or nil before the first
// successful Load.
func (ix *Index) Handle() *Handle {
	return ix.handle.Load()
}

// Invalidate schedules a rebuild. Concurrent invalidations collapse into one
// rebuild and lookups keep using the previous handle until it completes.
func (ix *Index) Invalidate() {
	ix.group.DoChan(rebuildKey, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), ix.timeout)
		defer cancel()
		return ix.build(ctx)
	})
}

// Contains reports whether the point is strictly inside the current boundary.
// Without a handle, or on any internal failure, it answers false.
func (ix *Index) Contains(lat, lon float64) (inside bool) {
	defer func() {
		if r := recover(); r != nil {
			ix.logger.Error("Containment check panicked",
				logger.Float64("lat", lat),
				logger.Float64("lon", lon),
				logger.String("panic", fmt.Sprint(r)))
			inside = false
		}
	}()

	h := ix.handle.Load()
	if h == nil {
		ix.logger.Debug("No boundary loaded, treating point as outside")
		return false
	}
	return h.Contains(lat, lon)
}
