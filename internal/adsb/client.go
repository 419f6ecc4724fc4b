package adsb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// Config describes an ADS-B feed endpoint.
type Config struct {
	URL     string
	APIHost string
	APIKey  string
	Timeout time.Duration
}

// Client is responsible for fetching ADS-B data from the feed
type Client struct {
	httpClient *http.Client
	url        string
	apiHost    string
	apiKey     string
	clock      clock.Clock
	logger     *logger.Logger
}

// NewClient creates a new ADS-B client
func NewClient(config Config, clk clock.Clock, log *logger.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Client{
		url:     config.URL,
		apiHost: config.APIHost,
		apiKey:  config.APIKey,
		clock:   clk,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: log.Named("adsb-cli"),
	}
}

// Fetch fetches the current aircraft list and converts it to position samples
func (c *Client) Fetch(ctx context.Context) ([]tracking.PositionSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-rapidapi-host", c.apiHost)
		req.Header.Set("x-rapidapi-key", c.apiKey)
	}

	c.logger.Debug("Fetching ADS-B data", logger.String("url", c.url))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	samples, skipped, err := ParseAircraftJSON(body, c.clock.Now())
	if err != nil {
		bodyPreview := string(body)
		if len(bodyPreview) > 200 {
			bodyPreview = bodyPreview[:200] + "..."
		}
		c.logger.Debug("Response body preview", logger.String("body", bodyPreview))
		return nil, err
	}

	c.logger.Debug("Successfully fetched ADS-B data",
		logger.Int("sample_count", len(samples)),
		logger.Int("skipped", skipped))
	return samples, nil
}

// FileSource replays a recorded feed document from disk.
type FileSource struct {
	Path  string
	Clock clock.Clock
}

func (f FileSource) Fetch(context.Context) ([]tracking.PositionSample, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples file: %w", err)
	}
	now := time.Now()
	if f.Clock != nil {
		now = f.Clock.Now()
	}
	samples, _, err := ParseAircraftJSON(data, now)
	return samples, err
}
