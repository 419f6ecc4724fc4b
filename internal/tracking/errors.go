package tracking

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories for unknown ids.
	ErrNotFound = errors.New("not found")

	// ErrOutOfOrderSample marks a sample at or before the last processed
	// timestamp of its flight.
	ErrOutOfOrderSample = errors.New("sample at or before last processed timestamp")

	// ErrActiveSessionExists is returned when a second active overflight
	// session would be created for a flight.
	ErrActiveSessionExists = errors.New("flight already has an active overflight session")

	// ErrOpenLandingExists is returned when a second open landing record
	// would be created for a flight.
	ErrOpenLandingExists = errors.New("flight already has an open landing record")
)

// InvariantViolation reports a genuinely conflicting attempt to open a second
// session or record for a flight.
type InvariantViolation struct {
	FlightID   string
	ExistingID string
	Err        error
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation for flight %s (existing %s): %v", e.FlightID, e.ExistingID, e.Err)
}

func (e *InvariantViolation) Unwrap() error { return e.Err }
