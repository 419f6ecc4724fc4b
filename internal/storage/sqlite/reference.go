package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/yegors/airspace-billing/internal/airport"
	"github.com/yegors/airspace-billing/internal/geofence"
	"github.com/yegors/airspace-billing/internal/registry"
	"github.com/yegors/airspace-billing/internal/tariff"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// ErrNoAirspace is returned when no active airspace row exists.
var ErrNoAirspace = errors.New("no active airspace boundary")

// Aircraft is a registered airframe.
type Aircraft struct {
	ID           string  `json:"id"`
	Registration string  `json:"registration"`
	AircraftType string  `json:"aircraft_type"`
	MTOWKg       float64 `json:"mtow_kg"`
	AirlineRef   string  `json:"airline_ref,omitempty"`
}

// Flight links a tracked flight identifier to its aircraft.
type Flight struct {
	ID         string `json:"id"`
	Callsign   string `json:"callsign"`
	AircraftID string `json:"aircraft_id,omitempty"`
	AirlineRef string `json:"airline_ref,omitempty"`
}

// ReferenceStore holds the administrative reference data: tariffs,
// airports, the airspace boundary, aircraft/flight metadata and system flags.
type ReferenceStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewReferenceStore creates the reference store and its tables.
func NewReferenceStore(db *sql.DB, log *logger.Logger) (*ReferenceStore, error) {
	s := &ReferenceStore{
		db:     db,
		logger: log.Named("sqlite-ref"),
	}
	if err := s.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize reference storage: %w", err)
	}
	return s, nil
}

func (s *ReferenceStore) initDB() error {
	return execAll(s.db, []string{
		`CREATE TABLE IF NOT EXISTS tariffs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL,
			value REAL NOT NULL,
			unit TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			effective_date TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (code, effective_date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tariffs_code ON tariffs(code, active)`,

		`CREATE TABLE IF NOT EXISTS airports (
			icao TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			city TEXT NOT NULL DEFAULT '',
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			elevation_ft REAL NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS airspaces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			geojson TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS aircraft (
			id TEXT PRIMARY KEY,
			registration TEXT NOT NULL,
			aircraft_type TEXT NOT NULL DEFAULT '',
			mtow_kg REAL NOT NULL DEFAULT 0,
			airline_ref TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS flights (
			id TEXT PRIMARY KEY,
			callsign TEXT NOT NULL DEFAULT '',
			aircraft_id TEXT REFERENCES aircraft(id),
			airline_ref TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flights_aircraft ON flights(aircraft_id)`,

		`CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	})
}

// LoadRates returns every tariff version, active or not.
func (s *ReferenceStore) LoadRates(ctx context.Context) ([]tariff.Rate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, value, unit, active, effective_date FROM tariffs ORDER BY code, effective_date`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tariffs: %w", err)
	}
	defer rows.Close()

	var rates []tariff.Rate
	for rows.Next() {
		var r tariff.Rate
		var effective string
		if err := rows.Scan(&r.Code, &r.Value, &r.Unit, &r.Active, &effective); err != nil {
			return nil, fmt.Errorf("failed to scan tariff row: %w", err)
		}
		if r.EffectiveDate, err = parseTime(effective); err != nil {
			return nil, err
		}
		rates = append(rates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tariff rows: %w", err)
	}
	return rates, nil
}

// PutRate inserts a tariff version, replacing one with the same code and
// effective date.
func (s *ReferenceStore) PutRate(ctx context.Context, r tariff.Rate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tariffs (code, value, unit, active, effective_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(code, effective_date) DO UPDATE SET
			value = excluded.value, unit = excluded.unit, active = excluded.active`,
		r.Code, r.Value, r.Unit, r.Active, formatTime(r.EffectiveDate), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to store tariff %s: %w", r.Code, err)
	}
	return nil
}

// LoadAirports returns every stored airport.
func (s *ReferenceStore) LoadAirports(ctx context.Context) ([]airport.Airport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT icao, name, city, lat, lon, elevation_ft FROM airports ORDER BY icao`)
	if err != nil {
		return nil, fmt.Errorf("failed to query airports: %w", err)
	}
	defer rows.Close()

	var airports []airport.Airport
	for rows.Next() {
		var a airport.Airport
		if err := rows.Scan(&a.ICAO, &a.Name, &a.City, &a.Lat, &a.Lon, &a.ElevationFt); err != nil {
			return nil, fmt.Errorf("failed to scan airport row: %w", err)
		}
		airports = append(airports, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate airport rows: %w", err)
	}
	return airports, nil
}

// PutAirport inserts or replaces an airport.
func (s *ReferenceStore) PutAirport(ctx context.Context, a airport.Airport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO airports (icao, name, city, lat, lon, elevation_ft) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(icao) DO UPDATE SET
			name = excluded.name, city = excluded.city, lat = excluded.lat,
			lon = excluded.lon, elevation_ft = excluded.elevation_ft`,
		a.ICAO, a.Name, a.City, a.Lat, a.Lon, a.ElevationFt,
	)
	if err != nil {
		return fmt.Errorf("failed to store airport %s: %w", a.ICAO, err)
	}
	return nil
}

// LoadBoundary parses the most recent active airspace.
func (s *ReferenceStore) LoadBoundary(ctx context.Context) (geofence.Boundary, error) {
	var name, doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, geojson FROM airspaces WHERE active = 1 ORDER BY id DESC LIMIT 1`,
	).Scan(&name, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return geofence.Boundary{}, ErrNoAirspace
	}
	if err != nil {
		return geofence.Boundary{}, fmt.Errorf("failed to query airspace: %w", err)
	}

	b, err := geofence.ParseGeoJSON([]byte(doc))
	if err != nil {
		return geofence.Boundary{}, fmt.Errorf("airspace %q: %w", name, err)
	}
	if b.Name == "" {
		b.Name = name
	}
	return b, nil
}

// PutAirspace stores a GeoJSON boundary and makes it the active one.
func (s *ReferenceStore) PutAirspace(ctx context.Context, name string, geojson []byte) error {
	if _, err := geofence.ParseGeoJSON(geojson); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE airspaces SET active = 0 WHERE active = 1`); err != nil {
		return fmt.Errorf("failed to deactivate airspaces: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO airspaces (name, geojson, active, created_at) VALUES (?, ?, 1, ?)`,
		name, string(geojson), formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("failed to insert airspace: %w", err)
	}
	return tx.Commit()
}

// LookupFlight joins a flight with its aircraft. The flight's airline takes
// precedence over the aircraft operator.
func (s *ReferenceStore) LookupFlight(ctx context.Context, flightID string) (registry.FlightInfo, error) {
	var info registry.FlightInfo
	var aircraftID, registration, aircraftType, aircraftAirline sql.NullString
	var mtow sql.NullFloat64
	var flightAirline string

	err := s.db.QueryRowContext(ctx,
		`SELECT f.id, f.callsign, f.aircraft_id, f.airline_ref,
			a.registration, a.aircraft_type, a.mtow_kg, a.airline_ref
		FROM flights f LEFT JOIN aircraft a ON a.id = f.aircraft_id
		WHERE f.id = ?`,
		flightID,
	).Scan(&info.FlightID, &info.Callsign, &aircraftID, &flightAirline,
		&registration, &aircraftType, &mtow, &aircraftAirline)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.FlightInfo{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.FlightInfo{}, fmt.Errorf("failed to query flight: %w", err)
	}

	info.AircraftID = aircraftID.String
	info.Registration = registration.String
	info.AircraftType = aircraftType.String
	info.MTOWKg = mtow.Float64
	info.AirlineRef = flightAirline
	if info.AirlineRef == "" {
		info.AirlineRef = aircraftAirline.String
	}
	return info, nil
}

// PutAircraft inserts or replaces an aircraft.
func (s *ReferenceStore) PutAircraft(ctx context.Context, a Aircraft) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aircraft (id, registration, aircraft_type, mtow_kg, airline_ref) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			registration = excluded.registration, aircraft_type = excluded.aircraft_type,
			mtow_kg = excluded.mtow_kg, airline_ref = excluded.airline_ref`,
		a.ID, a.Registration, a.AircraftType, a.MTOWKg, a.AirlineRef,
	)
	if err != nil {
		return fmt.Errorf("failed to store aircraft %s: %w", a.ID, err)
	}
	return nil
}

// PutFlight inserts or replaces a flight.
func (s *ReferenceStore) PutFlight(ctx context.Context, f Flight) error {
	var aircraftID sql.NullString
	if f.AircraftID != "" {
		aircraftID = sql.NullString{String: f.AircraftID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flights (id, callsign, aircraft_id, airline_ref) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			callsign = excluded.callsign, aircraft_id = excluded.aircraft_id, airline_ref = excluded.airline_ref`,
		f.ID, f.Callsign, aircraftID, f.AirlineRef,
	)
	if err != nil {
		return fmt.Errorf("failed to store flight %s: %w", f.ID, err)
	}
	return nil
}

// GetFlag reads a boolean system flag. ok is false when the key is unset.
func (s *ReferenceStore) GetFlag(ctx context.Context, key string) (value, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to query flag %s: %w", key, err)
	}
	value, err = strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("flag %s has invalid value %q: %w", key, raw, err)
	}
	return value, true, nil
}

// SetFlag writes a boolean system flag.
func (s *ReferenceStore) SetFlag(ctx context.Context, key string, value bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, strconv.FormatBool(value), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to store flag %s: %w", key, err)
	}
	return nil
}

var (
	_ tariff.Source   = (*ReferenceStore)(nil)
	_ airport.Source  = (*ReferenceStore)(nil)
	_ geofence.Source = (*ReferenceStore)(nil)
	_ registry.Source = (*ReferenceStore)(nil)
)
