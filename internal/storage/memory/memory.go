// Package memory is an in-process tracking repository used by tests and by
// the tick command when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yegors/airspace-billing/internal/tracking"
)

// Store keeps tracking state in maps guarded by a single mutex. Returned
// values are copies; callers persist changes through Update*.
type Store struct {
	mu          sync.RWMutex
	overflights map[string]*tracking.OverflightSession
	landings    map[string]*tracking.LandingRecord
	cursors     map[string]time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		overflights: make(map[string]*tracking.OverflightSession),
		landings:    make(map[string]*tracking.LandingRecord),
		cursors:     make(map[string]time.Time),
	}
}

func copyOverflight(s *tracking.OverflightSession) *tracking.OverflightSession {
	c := *s
	if s.Exit != nil {
		exit := *s.Exit
		c.Exit = &exit
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyLanding(r *tracking.LandingRecord) *tracking.LandingRecord {
	c := *r
	c.TouchdownTime = copyTime(r.TouchdownTime)
	c.ParkingStart = copyTime(r.ParkingStart)
	c.ParkingEnd = copyTime(r.ParkingEnd)
	return &c
}

func (s *Store) FindActiveOverflight(_ context.Context, flightID string) (*tracking.OverflightSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.overflights {
		if o.FlightID == flightID && o.Status == tracking.OverflightActive {
			return copyOverflight(o), nil
		}
	}
	return nil, nil
}

func (s *Store) CreateOverflight(_ context.Context, session *tracking.OverflightSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.Status == tracking.OverflightActive {
		for _, o := range s.overflights {
			if o.FlightID == session.FlightID && o.Status == tracking.OverflightActive {
				return tracking.ErrActiveSessionExists
			}
		}
	}
	s.overflights[session.ID] = copyOverflight(session)
	return nil
}

func (s *Store) UpdateOverflight(_ context.Context, session *tracking.OverflightSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.overflights[session.ID]; !ok {
		return tracking.ErrNotFound
	}
	s.overflights[session.ID] = copyOverflight(session)
	return nil
}

func (s *Store) GetOverflight(_ context.Context, id string) (*tracking.OverflightSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overflights[id]
	if !ok {
		return nil, tracking.ErrNotFound
	}
	return copyOverflight(o), nil
}

func (s *Store) ListUnbilledOverflights(_ context.Context, flightID string) ([]*tracking.OverflightSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*tracking.OverflightSession
	for _, o := range s.overflights {
		if o.FlightID == flightID && o.Status == tracking.OverflightCompleted && !o.Billed {
			out = append(out, copyOverflight(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.Time.Before(out[j].Entry.Time) })
	return out, nil
}

// Overflights returns every session of a flight ordered by entry time.
func (s *Store) Overflights(flightID string) []*tracking.OverflightSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*tracking.OverflightSession
	for _, o := range s.overflights {
		if o.FlightID == flightID {
			out = append(out, copyOverflight(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.Time.Before(out[j].Entry.Time) })
	return out
}

func (s *Store) FindOpenLanding(_ context.Context, flightID string) (*tracking.LandingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.landings {
		if r.FlightID == flightID && r.Status.Open() {
			return copyLanding(r), nil
		}
	}
	return nil, nil
}

func (s *Store) CreateLanding(_ context.Context, record *tracking.LandingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.Status.Open() {
		for _, r := range s.landings {
			if r.FlightID == record.FlightID && r.Status.Open() {
				return tracking.ErrOpenLandingExists
			}
		}
	}
	s.landings[record.ID] = copyLanding(record)
	return nil
}

func (s *Store) UpdateLanding(_ context.Context, record *tracking.LandingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.landings[record.ID]; !ok {
		return tracking.ErrNotFound
	}
	s.landings[record.ID] = copyLanding(record)
	return nil
}

func (s *Store) GetLanding(_ context.Context, id string) (*tracking.LandingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.landings[id]
	if !ok {
		return nil, tracking.ErrNotFound
	}
	return copyLanding(r), nil
}

func (s *Store) ListUnbilledLandings(_ context.Context, flightID string) ([]*tracking.LandingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*tracking.LandingRecord
	for _, r := range s.landings {
		if r.FlightID == flightID && r.Status == tracking.LandingCompleted && !r.Billed {
			out = append(out, copyLanding(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApproachTime.Before(out[j].ApproachTime) })
	return out, nil
}

func (s *Store) LatestLanding(_ context.Context, flightID string) (*tracking.LandingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *tracking.LandingRecord
	for _, r := range s.landings {
		if r.FlightID == flightID && (latest == nil || r.ApproachTime.After(latest.ApproachTime)) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyLanding(latest), nil
}

// Landings returns every record of a flight ordered by approach time.
func (s *Store) Landings(flightID string) []*tracking.LandingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*tracking.LandingRecord
	for _, r := range s.landings {
		if r.FlightID == flightID {
			out = append(out, copyLanding(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApproachTime.Before(out[j].ApproachTime) })
	return out
}

func (s *Store) GetCursor(_ context.Context, flightID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.cursors[flightID]
	return ts, ok, nil
}

func (s *Store) SetCursor(_ context.Context, flightID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[flightID] = ts
	return nil
}

var _ tracking.Repository = (*Store)(nil)
