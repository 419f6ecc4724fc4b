package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// EventRecord is a stored tracking event.
type EventRecord struct {
	ID int64 `json:"id"`
	tracking.Event
}

// EventStore is an append-only log of tracking events for downstream
// consumers.
type EventStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewEventStore creates the event store and its table.
func NewEventStore(db *sql.DB, log *logger.Logger) (*EventStore, error) {
	s := &EventStore{
		db:     db,
		logger: log.Named("sqlite-events"),
	}
	if err := s.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize event storage: %w", err)
	}
	return s, nil
}

func (s *EventStore) initDB() error {
	return execAll(s.db, []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			flight_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			airport TEXT NOT NULL DEFAULT '',
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			altitude_ft REAL NOT NULL,
			event_time TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_flight ON events(flight_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON events(event_time)`,
	})
}

// Notify appends the event. Failures are logged; event delivery never
// blocks tracking.
func (s *EventStore) Notify(ctx context.Context, e tracking.Event) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, flight_id, source_id, airport, lat, lon, altitude_ft, event_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Type), e.FlightID, e.SourceID, e.Airport, e.Lat, e.Lon, e.AltitudeFt, formatTime(e.Time),
	)
	if err != nil {
		s.logger.Error("Failed to store event",
			logger.String("type", string(e.Type)),
			logger.String("flight_id", e.FlightID),
			logger.Error(err))
	}
}

// EventsAfter returns up to limit events with an id greater than afterID,
// oldest first.
func (s *EventStore) EventsAfter(ctx context.Context, afterID int64, limit int) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, flight_id, source_id, airport, lat, lon, altitude_ft, event_time
		FROM events WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var r EventRecord
		var typ, ts string
		if err := rows.Scan(&r.ID, &typ, &r.FlightID, &r.SourceID, &r.Airport,
			&r.Lat, &r.Lon, &r.AltitudeFt, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		r.Type = tracking.EventType(typ)
		if r.Time, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return events, nil
}

var _ tracking.Notifier = (*EventStore)(nil)
