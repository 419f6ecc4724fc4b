package billing

import (
	"context"
	"errors"

	"github.com/yegors/airspace-billing/pkg/logger"
)

// LogInvoicer writes every batch to the log.
type LogInvoicer struct {
	logger *logger.Logger
}

// NewLogInvoicer creates a logging invoicer.
func NewLogInvoicer(log *logger.Logger) *LogInvoicer {
	return &LogInvoicer{logger: log.Named("invoice")}
}

func (l *LogInvoicer) Submit(_ context.Context, fc FlightCharges) error {
	for _, c := range fc.Charges {
		l.logger.Info("Charge",
			logger.String("flight_id", fc.FlightID),
			logger.String("source_type", string(c.SourceType)),
			logger.String("source_id", c.SourceID),
			logger.Float64("subtotal", c.Subtotal),
			logger.Float64("tax", c.Tax),
			logger.Float64("total", c.Total),
			logger.Bool("degraded", c.Degraded),
			logger.String("description", c.Description))
	}
	return nil
}

// MultiInvoicer submits to every invoicer in order and joins their errors.
type MultiInvoicer []Invoicer

func (m MultiInvoicer) Submit(ctx context.Context, fc FlightCharges) error {
	var errs []error
	for _, inv := range m {
		if err := inv.Submit(ctx, fc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
