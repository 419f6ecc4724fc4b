package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/yegors/airspace-billing/internal/billing"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// ChargeRecord is a persisted invoice line.
type ChargeRecord struct {
	ID      string `json:"id"`
	BatchID string `json:"batch_id"`
	billing.ChargeBreakdown
}

// ChargeStore is the persistent invoicer. Each charge source is recorded at
// most once, so resubmitting a batch is harmless.
type ChargeStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewChargeStore creates the charge store and its table.
func NewChargeStore(db *sql.DB, log *logger.Logger) (*ChargeStore, error) {
	s := &ChargeStore{
		db:     db,
		logger: log.Named("sqlite-charges"),
	}
	if err := s.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize charge storage: %w", err)
	}
	return s, nil
}

func (s *ChargeStore) initDB() error {
	return execAll(s.db, []string{
		`CREATE TABLE IF NOT EXISTS charges (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_id TEXT NOT NULL,
			flight_id TEXT NOT NULL,
			airline_ref TEXT NOT NULL DEFAULT '',
			base_charge REAL NOT NULL,
			tonnage REAL NOT NULL,
			night_surcharge REAL NOT NULL,
			subtotal REAL NOT NULL,
			discount REAL NOT NULL,
			tax REAL NOT NULL,
			total REAL NOT NULL,
			currency TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			degraded INTEGER NOT NULL DEFAULT 0,
			missing_codes TEXT NOT NULL DEFAULT '[]',
			calculated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_charges_source ON charges(source_type, source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_charges_flight ON charges(flight_id)`,
		`CREATE INDEX IF NOT EXISTS idx_charges_calculated_at ON charges(calculated_at)`,
	})
}

// Submit records every charge of the batch in one transaction. Charges whose
// source is already recorded are skipped.
func (s *ChargeStore) Submit(ctx context.Context, fc billing.FlightCharges) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	batchID := uuid.NewString()
	inserted := 0
	for _, c := range fc.Charges {
		missing, err := json.Marshal(c.MissingCodes)
		if err != nil {
			return fmt.Errorf("failed to encode missing codes: %w", err)
		}
		if c.MissingCodes == nil {
			missing = []byte("[]")
		}

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO charges (
				id, batch_id, source_type, source_id, flight_id, airline_ref,
				base_charge, tonnage, night_surcharge, subtotal, discount, tax, total,
				currency, description, degraded, missing_codes, calculated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), batchID, string(c.SourceType), c.SourceID, c.FlightID, c.AirlineRef,
			c.BaseCharge, c.Tonnage, c.NightSurcharge, c.Subtotal, c.Discount, c.Tax, c.Total,
			c.Currency, c.Description, c.Degraded, string(missing), formatTime(c.CalculatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert charge for %s: %w", c.SourceID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit charges: %w", err)
	}

	if skipped := len(fc.Charges) - inserted; skipped > 0 {
		s.logger.Info("Skipped already recorded charges",
			logger.String("flight_id", fc.FlightID),
			logger.Int("skipped", skipped))
	}
	return nil
}

const chargeColumns = `id, batch_id, source_type, source_id, flight_id, airline_ref,
	base_charge, tonnage, night_surcharge, subtotal, discount, tax, total,
	currency, description, degraded, missing_codes, calculated_at`

// ChargesForFlight returns the recorded charges of a flight.
func (s *ChargeStore) ChargesForFlight(ctx context.Context, flightID string) ([]*ChargeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chargeColumns+` FROM charges WHERE flight_id = ? ORDER BY calculated_at, source_type`,
		flightID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges by flight: %w", err)
	}
	defer rows.Close()

	return s.scanChargeRows(rows)
}

// RecentCharges returns the latest charges across all flights.
func (s *ChargeStore) RecentCharges(ctx context.Context, limit int) ([]*ChargeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chargeColumns+` FROM charges ORDER BY calculated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent charges: %w", err)
	}
	defer rows.Close()

	return s.scanChargeRows(rows)
}

func (s *ChargeStore) scanChargeRows(rows *sql.Rows) ([]*ChargeRecord, error) {
	var records []*ChargeRecord
	for rows.Next() {
		var r ChargeRecord
		var sourceType, missing, calculatedAt string
		if err := rows.Scan(
			&r.ID, &r.BatchID, &sourceType, &r.SourceID, &r.FlightID, &r.AirlineRef,
			&r.BaseCharge, &r.Tonnage, &r.NightSurcharge, &r.Subtotal, &r.Discount, &r.Tax, &r.Total,
			&r.Currency, &r.Description, &r.Degraded, &missing, &calculatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan charge row: %w", err)
		}
		r.SourceType = billing.SourceType(sourceType)
		if err := json.Unmarshal([]byte(missing), &r.MissingCodes); err != nil {
			return nil, fmt.Errorf("failed to decode missing codes: %w", err)
		}
		var err error
		if r.CalculatedAt, err = parseTime(calculatedAt); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate charge rows: %w", err)
	}
	return records, nil
}

var _ billing.Invoicer = (*ChargeStore)(nil)
