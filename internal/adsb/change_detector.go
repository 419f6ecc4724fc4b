package adsb

import (
	"context"
	"sync"
	"time"

	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// ChangeType classifies a sample relative to the previous poll.
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeUpdated ChangeType = "updated"
	ChangeRemoved ChangeType = "removed"
)

// AircraftChange represents a change in the tracked flight set
type AircraftChange struct {
	Type     ChangeType
	FlightID string
	Sample   *tracking.PositionSample
	LastSeen time.Time
}

// ChangeDetector tracks the last position time of each flight between
// polling cycles. Feeds repeat a position until a new one is received, so
// unchanged samples are dropped before they reach the engine.
type ChangeDetector struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	logger   *logger.Logger
}

// NewChangeDetector creates a new change detector
func NewChangeDetector(log *logger.Logger) *ChangeDetector {
	return &ChangeDetector{
		lastSeen: make(map[string]time.Time),
		logger:   log.Named("change-detector"),
	}
}

// DetectChanges compares the current poll with the previous one. Flights
// whose newest sample is not newer than last time produce no change.
// Flights absent from this poll are reported as removed.
func (cd *ChangeDetector) DetectChanges(current []tracking.PositionSample) []AircraftChange {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	newest := make(map[string]int, len(current))
	for i, s := range current {
		if j, ok := newest[s.FlightID]; !ok || s.Timestamp.After(current[j].Timestamp) {
			newest[s.FlightID] = i
		}
	}

	var changes []AircraftChange
	for id, i := range newest {
		s := current[i]
		prev, exists := cd.lastSeen[id]
		switch {
		case !exists:
			changes = append(changes, AircraftChange{Type: ChangeAdded, FlightID: id, Sample: &s, LastSeen: s.Timestamp})
		case s.Timestamp.After(prev):
			changes = append(changes, AircraftChange{Type: ChangeUpdated, FlightID: id, Sample: &s, LastSeen: s.Timestamp})
		default:
			continue
		}
		cd.lastSeen[id] = s.Timestamp
	}

	for id, seen := range cd.lastSeen {
		if _, ok := newest[id]; !ok {
			changes = append(changes, AircraftChange{Type: ChangeRemoved, FlightID: id, LastSeen: seen})
			delete(cd.lastSeen, id)
		}
	}

	if len(changes) > 0 {
		cd.logger.Debug("Detected changes",
			logger.Int("polled", len(current)),
			logger.Int("changes", len(changes)))
	}
	return changes
}

// Fresh returns the samples that carry new positions.
func Fresh(changes []AircraftChange) []tracking.PositionSample {
	var out []tracking.PositionSample
	for _, c := range changes {
		if c.Sample != nil {
			out = append(out, *c.Sample)
		}
	}
	return out
}

// Fetcher is an upstream sample source.
type Fetcher interface {
	Fetch(ctx context.Context) ([]tracking.PositionSample, error)
}

// DedupSource passes on only the samples that moved since the last poll.
type DedupSource struct {
	Source   Fetcher
	Detector *ChangeDetector
}

func (d DedupSource) Fetch(ctx context.Context) ([]tracking.PositionSample, error) {
	samples, err := d.Source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return Fresh(d.Detector.DetectChanges(samples)), nil
}
