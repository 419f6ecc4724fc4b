// Package notify delivers tracking events to observers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// LogNotifier writes events to the log.
type LogNotifier struct {
	logger *logger.Logger
}

// NewLogNotifier creates a logging notifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log.Named("events")}
}

func (n *LogNotifier) Notify(_ context.Context, e tracking.Event) {
	n.logger.Info("Tracking event",
		logger.String("type", string(e.Type)),
		logger.String("flight_id", e.FlightID),
		logger.String("source_id", e.SourceID),
		logger.String("airport", e.Airport),
		logger.Float64("lat", e.Lat),
		logger.Float64("lon", e.Lon),
		logger.Float64("altitude_ft", e.AltitudeFt),
		logger.Time("time", e.Time))
}

// Fanout delivers every event to each notifier in order.
type Fanout []tracking.Notifier

func (f Fanout) Notify(ctx context.Context, e tracking.Event) {
	for _, n := range f {
		n.Notify(ctx, e)
	}
}

// Webhook posts events as JSON to an HTTP endpoint.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewWebhook creates a webhook notifier.
func NewWebhook(url string, timeout time.Duration, log *logger.Logger) *Webhook {
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.Named("webhook"),
	}
}

func (w *Webhook) Notify(ctx context.Context, e tracking.Event) {
	if err := w.post(ctx, e); err != nil {
		w.logger.Warn("Failed to deliver event",
			logger.String("type", string(e.Type)),
			logger.String("flight_id", e.FlightID),
			logger.Error(err))
	}
}

func (w *Webhook) post(ctx context.Context, e tracking.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
