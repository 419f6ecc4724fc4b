package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// ErrNotFound is returned by sources for unknown flights.
var ErrNotFound = errors.New("flight not found")

// FlightInfo is the billing-relevant metadata of a tracked flight.
type FlightInfo struct {
	FlightID     string  `json:"flight_id"`
	Callsign     string  `json:"callsign,omitempty"`
	AircraftID   string  `json:"aircraft_id,omitempty"`
	Registration string  `json:"registration,omitempty"`
	AircraftType string  `json:"aircraft_type,omitempty"`
	MTOWKg       float64 `json:"mtow_kg"`
	AirlineRef   string  `json:"airline_ref,omitempty"`
}

// MTOWTonnes returns the maximum take-off weight in metric tonnes.
func (f FlightInfo) MTOWTonnes() float64 {
	return f.MTOWKg / 1000
}

// Source resolves flight metadata from the flight/aircraft store.
type Source interface {
	LookupFlight(ctx context.Context, flightID string) (FlightInfo, error)
}

// Config controls the metadata cache.
type Config struct {
	Size int
	TTL  time.Duration
}

// DefaultConfig returns default cache settings.
func DefaultConfig() Config {
	return Config{Size: 4096, TTL: 15 * time.Minute}
}

// Registry caches flight metadata in front of a Source.
type Registry struct {
	source Source
	cache  *expirable.LRU[string, FlightInfo]
	logger *logger.Logger
}

// New creates a registry. A nil source resolves every flight to bare
// metadata.
func New(source Source, config Config, log *logger.Logger) *Registry {
	if config.Size <= 0 {
		config.Size = DefaultConfig().Size
	}
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	return &Registry{
		source: source,
		cache:  expirable.NewLRU[string, FlightInfo](config.Size, nil, config.TTL),
		logger: log.Named("registry"),
	}
}

// Lookup returns metadata for flightID. Unknown flights resolve to a bare
// FlightInfo with no MTOW, so billing proceeds without tonnage.
func (r *Registry) Lookup(ctx context.Context, flightID string) (FlightInfo, error) {
	if info, ok := r.cache.Get(flightID); ok {
		return info, nil
	}
	if r.source == nil {
		return FlightInfo{FlightID: flightID}, nil
	}

	info, err := r.source.LookupFlight(ctx, flightID)
	switch {
	case errors.Is(err, ErrNotFound):
		r.logger.Debug("Flight not in registry", logger.String("flight_id", flightID))
		info = FlightInfo{FlightID: flightID}
	case err != nil:
		return FlightInfo{FlightID: flightID}, fmt.Errorf("failed to look up flight %s: %w", flightID, err)
	}

	info.FlightID = flightID
	r.cache.Add(flightID, info)
	return info, nil
}

// Forget drops a cached entry, e.g. after an aircraft record changes.
func (r *Registry) Forget(flightID string) {
	r.cache.Remove(flightID)
}
