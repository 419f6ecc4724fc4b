package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// Repository persists overflight sessions, landing records and per-flight
// cursors. The single-open-item invariants are enforced by partial unique
// indexes, so concurrent writers cannot violate them.
type Repository struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewRepository creates the tracking repository and its tables.
func NewRepository(db *sql.DB, log *logger.Logger) (*Repository, error) {
	r := &Repository{
		db:     db,
		logger: log.Named("sqlite-track"),
	}
	if err := r.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize tracking storage: %w", err)
	}
	return r, nil
}

func (r *Repository) initDB() error {
	return execAll(r.db, []string{
		`CREATE TABLE IF NOT EXISTS overflights (
			id TEXT PRIMARY KEY,
			flight_id TEXT NOT NULL,
			aircraft_id TEXT,
			entry_lat REAL NOT NULL,
			entry_lon REAL NOT NULL,
			entry_alt_ft REAL NOT NULL,
			entry_heading REAL NOT NULL,
			entry_time TEXT NOT NULL,
			exit_lat REAL,
			exit_lon REAL,
			exit_alt_ft REAL,
			exit_heading REAL,
			exit_time TEXT,
			duration_minutes REAL NOT NULL DEFAULT 0,
			distance_km REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			billed INTEGER NOT NULL DEFAULT 0,
			billing_amount REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_overflights_one_active
			ON overflights(flight_id) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_overflights_flight ON overflights(flight_id, status, billed)`,
		`CREATE INDEX IF NOT EXISTS idx_overflights_entry_time ON overflights(entry_time)`,

		`CREATE TABLE IF NOT EXISTS landings (
			id TEXT PRIMARY KEY,
			flight_id TEXT NOT NULL,
			aircraft_id TEXT,
			airport_icao TEXT NOT NULL,
			approach_time TEXT NOT NULL,
			touchdown_time TEXT,
			parking_start TEXT,
			parking_end TEXT,
			parking_minutes REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			landing_fee REAL NOT NULL DEFAULT 0,
			parking_fee REAL NOT NULL DEFAULT 0,
			total_fee REAL NOT NULL DEFAULT 0,
			is_night INTEGER NOT NULL DEFAULT 0,
			billed INTEGER NOT NULL DEFAULT 0,
			billing_amount REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_landings_one_open
			ON landings(flight_id) WHERE status IN ('approach', 'landed', 'parking')`,
		`CREATE INDEX IF NOT EXISTS idx_landings_flight ON landings(flight_id, status, billed)`,
		`CREATE INDEX IF NOT EXISTS idx_landings_airport ON landings(airport_icao)`,

		`CREATE TABLE IF NOT EXISTS flight_cursors (
			flight_id TEXT PRIMARY KEY,
			last_sample_time TEXT NOT NULL
		)`,
	})
}

const overflightColumns = `id, flight_id, aircraft_id,
	entry_lat, entry_lon, entry_alt_ft, entry_heading, entry_time,
	exit_lat, exit_lon, exit_alt_ft, exit_heading, exit_time,
	duration_minutes, distance_km, status, billed, billing_amount, created_at, updated_at`

func (r *Repository) FindActiveOverflight(ctx context.Context, flightID string) (*tracking.OverflightSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+overflightColumns+` FROM overflights WHERE flight_id = ? AND status = 'active'`,
		flightID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active overflight: %w", err)
	}
	defer rows.Close()

	sessions, err := r.scanOverflightRows(rows)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return sessions[0], nil
}

func (r *Repository) CreateOverflight(ctx context.Context, s *tracking.OverflightSession) error {
	exit := nullFix(s.Exit)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO overflights (`+overflightColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.FlightID, s.AircraftID,
		s.Entry.Lat, s.Entry.Lon, s.Entry.AltitudeFt, s.Entry.Heading, formatTime(s.Entry.Time),
		exit.lat, exit.lon, exit.alt, exit.heading, exit.time,
		s.DurationMinutes, s.DistanceKm, string(s.Status), s.Billed, s.BillingAmount,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return tracking.ErrActiveSessionExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert overflight: %w", err)
	}
	return nil
}

func (r *Repository) UpdateOverflight(ctx context.Context, s *tracking.OverflightSession) error {
	exit := nullFix(s.Exit)
	res, err := r.db.ExecContext(ctx,
		`UPDATE overflights SET
			exit_lat = ?, exit_lon = ?, exit_alt_ft = ?, exit_heading = ?, exit_time = ?,
			duration_minutes = ?, distance_km = ?, status = ?, billed = ?, billing_amount = ?, updated_at = ?
		WHERE id = ?`,
		exit.lat, exit.lon, exit.alt, exit.heading, exit.time,
		s.DurationMinutes, s.DistanceKm, string(s.Status), s.Billed, s.BillingAmount, formatTime(s.UpdatedAt),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update overflight: %w", err)
	}
	return expectOneRow(res)
}

func (r *Repository) GetOverflight(ctx context.Context, id string) (*tracking.OverflightSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+overflightColumns+` FROM overflights WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query overflight: %w", err)
	}
	defer rows.Close()

	sessions, err := r.scanOverflightRows(rows)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, tracking.ErrNotFound
	}
	return sessions[0], nil
}

func (r *Repository) ListUnbilledOverflights(ctx context.Context, flightID string) ([]*tracking.OverflightSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+overflightColumns+` FROM overflights
		WHERE flight_id = ? AND status = 'completed' AND billed = 0
		ORDER BY entry_time`,
		flightID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unbilled overflights: %w", err)
	}
	defer rows.Close()

	return r.scanOverflightRows(rows)
}

// RecentOverflights returns the latest sessions across all flights.
func (r *Repository) RecentOverflights(ctx context.Context, limit int) ([]*tracking.OverflightSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+overflightColumns+` FROM overflights ORDER BY entry_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent overflights: %w", err)
	}
	defer rows.Close()

	return r.scanOverflightRows(rows)
}

type fixColumns struct {
	lat, lon, alt, heading sql.NullFloat64
	time                   sql.NullString
}

func nullFix(f *tracking.Fix) fixColumns {
	if f == nil {
		return fixColumns{}
	}
	return fixColumns{
		lat:     sql.NullFloat64{Float64: f.Lat, Valid: true},
		lon:     sql.NullFloat64{Float64: f.Lon, Valid: true},
		alt:     sql.NullFloat64{Float64: f.AltitudeFt, Valid: true},
		heading: sql.NullFloat64{Float64: f.Heading, Valid: true},
		time:    sql.NullString{String: formatTime(f.Time), Valid: true},
	}
}

// scanOverflightRows scans database rows into sessions
func (r *Repository) scanOverflightRows(rows *sql.Rows) ([]*tracking.OverflightSession, error) {
	var sessions []*tracking.OverflightSession
	for rows.Next() {
		var s tracking.OverflightSession
		var aircraftID sql.NullString
		var entryTime, status, createdAt, updatedAt string
		var exit fixColumns

		if err := rows.Scan(
			&s.ID, &s.FlightID, &aircraftID,
			&s.Entry.Lat, &s.Entry.Lon, &s.Entry.AltitudeFt, &s.Entry.Heading, &entryTime,
			&exit.lat, &exit.lon, &exit.alt, &exit.heading, &exit.time,
			&s.DurationMinutes, &s.DistanceKm, &status, &s.Billed, &s.BillingAmount, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan overflight row: %w", err)
		}

		s.AircraftID = aircraftID.String
		s.Status = tracking.OverflightStatus(status)

		var err error
		if s.Entry.Time, err = parseTime(entryTime); err != nil {
			return nil, err
		}
		if exit.time.Valid {
			t, err := parseTime(exit.time.String)
			if err != nil {
				return nil, err
			}
			s.Exit = &tracking.Fix{
				Lat:        exit.lat.Float64,
				Lon:        exit.lon.Float64,
				AltitudeFt: exit.alt.Float64,
				Heading:    exit.heading.Float64,
				Time:       t,
			}
		}
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate overflight rows: %w", err)
	}
	return sessions, nil
}

const landingColumns = `id, flight_id, aircraft_id, airport_icao, approach_time,
	touchdown_time, parking_start, parking_end, parking_minutes, status,
	landing_fee, parking_fee, total_fee, is_night, billed, billing_amount, created_at, updated_at`

func (r *Repository) FindOpenLanding(ctx context.Context, flightID string) (*tracking.LandingRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+landingColumns+` FROM landings
		WHERE flight_id = ? AND status IN ('approach', 'landed', 'parking')`,
		flightID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query open landing: %w", err)
	}
	defer rows.Close()

	records, err := r.scanLandingRows(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func (r *Repository) CreateLanding(ctx context.Context, l *tracking.LandingRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO landings (`+landingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.FlightID, l.AircraftID, l.AirportICAO, formatTime(l.ApproachTime),
		formatNullTime(l.TouchdownTime), formatNullTime(l.ParkingStart), formatNullTime(l.ParkingEnd),
		l.ParkingMinutes, string(l.Status),
		l.LandingFee, l.ParkingFee, l.TotalFee, l.Night, l.Billed, l.BillingAmount,
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return tracking.ErrOpenLandingExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert landing: %w", err)
	}
	return nil
}

func (r *Repository) UpdateLanding(ctx context.Context, l *tracking.LandingRecord) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE landings SET
			touchdown_time = ?, parking_start = ?, parking_end = ?, parking_minutes = ?, status = ?,
			landing_fee = ?, parking_fee = ?, total_fee = ?, is_night = ?, billed = ?, billing_amount = ?, updated_at = ?
		WHERE id = ?`,
		formatNullTime(l.TouchdownTime), formatNullTime(l.ParkingStart), formatNullTime(l.ParkingEnd),
		l.ParkingMinutes, string(l.Status),
		l.LandingFee, l.ParkingFee, l.TotalFee, l.Night, l.Billed, l.BillingAmount, formatTime(l.UpdatedAt),
		l.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update landing: %w", err)
	}
	return expectOneRow(res)
}

func (r *Repository) GetLanding(ctx context.Context, id string) (*tracking.LandingRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+landingColumns+` FROM landings WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query landing: %w", err)
	}
	defer rows.Close()

	records, err := r.scanLandingRows(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, tracking.ErrNotFound
	}
	return records[0], nil
}

func (r *Repository) ListUnbilledLandings(ctx context.Context, flightID string) ([]*tracking.LandingRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+landingColumns+` FROM landings
		WHERE flight_id = ? AND status = 'completed' AND billed = 0
		ORDER BY approach_time`,
		flightID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unbilled landings: %w", err)
	}
	defer rows.Close()

	return r.scanLandingRows(rows)
}

func (r *Repository) LatestLanding(ctx context.Context, flightID string) (*tracking.LandingRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+landingColumns+` FROM landings
		WHERE flight_id = ?
		ORDER BY approach_time DESC
		LIMIT 1`,
		flightID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest landing: %w", err)
	}
	defer rows.Close()

	records, err := r.scanLandingRows(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

// scanLandingRows scans database rows into landing records
func (r *Repository) scanLandingRows(rows *sql.Rows) ([]*tracking.LandingRecord, error) {
	var records []*tracking.LandingRecord
	for rows.Next() {
		var l tracking.LandingRecord
		var aircraftID, touchdown, parkingStart, parkingEnd sql.NullString
		var approach, status, createdAt, updatedAt string

		if err := rows.Scan(
			&l.ID, &l.FlightID, &aircraftID, &l.AirportICAO, &approach,
			&touchdown, &parkingStart, &parkingEnd, &l.ParkingMinutes, &status,
			&l.LandingFee, &l.ParkingFee, &l.TotalFee, &l.Night, &l.Billed, &l.BillingAmount, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan landing row: %w", err)
		}

		l.AircraftID = aircraftID.String
		l.Status = tracking.LandingStatus(status)

		var err error
		if l.ApproachTime, err = parseTime(approach); err != nil {
			return nil, err
		}
		if l.TouchdownTime, err = parseNullTime(touchdown); err != nil {
			return nil, err
		}
		if l.ParkingStart, err = parseNullTime(parkingStart); err != nil {
			return nil, err
		}
		if l.ParkingEnd, err = parseNullTime(parkingEnd); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		records = append(records, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate landing rows: %w", err)
	}
	return records, nil
}

func (r *Repository) GetCursor(ctx context.Context, flightID string) (time.Time, bool, error) {
	var ts string
	err := r.db.QueryRowContext(ctx,
		`SELECT last_sample_time FROM flight_cursors WHERE flight_id = ?`, flightID,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query cursor: %w", err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (r *Repository) SetCursor(ctx context.Context, flightID string, ts time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO flight_cursors (flight_id, last_sample_time) VALUES (?, ?)
		ON CONFLICT(flight_id) DO UPDATE SET last_sample_time = excluded.last_sample_time`,
		flightID, formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("failed to store cursor: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return tracking.ErrNotFound
	}
	return nil
}

var _ tracking.Repository = (*Repository)(nil)
