package airport

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/yegors/airspace-billing/internal/geo"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// Airport is a domestic aerodrome used for landing detection.
type Airport struct {
	ICAO        string  `json:"icao" toml:"icao"`
	Name        string  `json:"name" toml:"name"`
	City        string  `json:"city" toml:"city"`
	Lat         float64 `json:"lat" toml:"lat"`
	Lon         float64 `json:"lon" toml:"lon"`
	ElevationFt float64 `json:"elevation_ft" toml:"elevation_ft"`
}

// Position returns the aerodrome reference point.
func (a Airport) Position() geo.Point {
	return geo.Point{Lat: a.Lat, Lon: a.Lon}
}

// Source loads the airport reference list.
type Source interface {
	LoadAirports(ctx context.Context) ([]Airport, error)
}

// StaticSource serves airports from configuration.
type StaticSource struct {
	Airports []Airport
}

func (s StaticSource) LoadAirports(context.Context) ([]Airport, error) {
	return s.Airports, nil
}

type snapshot struct {
	list   []Airport
	byICAO map[string]Airport
}

// Directory holds an immutable snapshot of the airport list. Reload swaps
// the whole snapshot.
type Directory struct {
	source  Source
	logger  *logger.Logger
	current atomic.Pointer[snapshot]
}

// NewDirectory creates a directory seeded with the given airports.
func NewDirectory(source Source, seed []Airport, log *logger.Logger) *Directory {
	d := &Directory{
		source: source,
		logger: log.Named("airports"),
	}
	d.install(seed)
	return d
}

// Reload refreshes the directory from its source. On failure the previous
// snapshot is kept.
func (d *Directory) Reload(ctx context.Context) error {
	if d.source == nil {
		return nil
	}
	list, err := d.source.LoadAirports(ctx)
	if err != nil {
		return fmt.Errorf("failed to load airports: %w", err)
	}
	if len(list) == 0 {
		d.logger.Warn("Airport source returned no airports, keeping current list")
		return nil
	}
	d.install(list)
	d.logger.Info("Airport directory loaded", logger.Int("airports", len(list)))
	return nil
}

func (d *Directory) install(list []Airport) {
	s := &snapshot{
		list:   make([]Airport, 0, len(list)),
		byICAO: make(map[string]Airport, len(list)),
	}
	for _, a := range list {
		a.ICAO = strings.ToUpper(a.ICAO)
		s.list = append(s.list, a)
		s.byICAO[a.ICAO] = a
	}
	d.current.Store(s)
}

// Nearest returns the closest airport and its distance in km. ok is false when
// the directory is empty.
func (d *Directory) Nearest(lat, lon float64) (nearest Airport, distanceKm float64, ok bool) {
	s := d.current.Load()
	distanceKm = math.Inf(1)
	for _, a := range s.list {
		dist := geo.HaversineKm(lat, lon, a.Lat, a.Lon)
		if dist < distanceKm {
			nearest, distanceKm, ok = a, dist, true
		}
	}
	return nearest, distanceKm, ok
}

// Get returns the airport with the given ICAO code.
func (d *Directory) Get(icao string) (Airport, bool) {
	a, ok := d.current.Load().byICAO[strings.ToUpper(icao)]
	return a, ok
}

// All returns a copy of the current list.
func (d *Directory) All() []Airport {
	s := d.current.Load()
	out := make([]Airport, len(s.list))
	copy(out, s.list)
	return out
}

// Domestic returns the default domestic airport list.
func Domestic() []Airport {
	return []Airport{
		{ICAO: "FZAA", Name: "N'Djili International", City: "Kinshasa", Lat: -4.3858, Lon: 15.4446, ElevationFt: 1027},
		{ICAO: "FZQA", Name: "Lubumbashi International", City: "Lubumbashi", Lat: -11.5913, Lon: 27.5309, ElevationFt: 4295},
		{ICAO: "FZNA", Name: "Goma International", City: "Goma", Lat: -1.6708, Lon: 29.2385, ElevationFt: 5089},
		{ICAO: "FZOA", Name: "Kisangani Bangoka", City: "Kisangani", Lat: 0.4817, Lon: 25.3379, ElevationFt: 1289},
		{ICAO: "FZWA", Name: "Mbuji-Mayi", City: "Mbuji-Mayi", Lat: -6.1212, Lon: 23.5690, ElevationFt: 2221},
		{ICAO: "FZIC", Name: "Matadi Tshimpi", City: "Matadi", Lat: -5.7996, Lon: 13.4404, ElevationFt: 1115},
		{ICAO: "FZKA", Name: "Kamina", City: "Kamina", Lat: -8.6420, Lon: 25.2528, ElevationFt: 3543},
		{ICAO: "FZRA", Name: "Kolwezi", City: "Kolwezi", Lat: -10.7659, Lon: 25.5057, ElevationFt: 5007},
		{ICAO: "FZMA", Name: "Manono", City: "Manono", Lat: -7.2889, Lon: 27.3944, ElevationFt: 2077},
		{ICAO: "FZAB", Name: "N'Dolo", City: "Kinshasa", Lat: -4.3266, Lon: 15.3275, ElevationFt: 915},
		{ICAO: "FZBO", Name: "Bandundu", City: "Bandundu", Lat: -3.3117, Lon: 17.3817, ElevationFt: 1063},
		{ICAO: "FZEA", Name: "Mbandaka", City: "Mbandaka", Lat: 0.0226, Lon: 18.2887, ElevationFt: 1040},
	}
}
