package sharing

import (
	"errors"
	"fmt"
)

var (
	// ErrCapabilityUnavailable means the device offers no location capability;
	// sharing never starts.
	ErrCapabilityUnavailable = errors.New("location capability unavailable")
	ErrInvalidBooking        = errors.New("booking id is required")
)

// StopAckError means the backend did not acknowledge a stop. Local state is
// already inactive when it is returned.
type StopAckError struct {
	BookingID string
	Err       error
}

func (e *StopAckError) Error() string {
	return fmt.Sprintf("stop sharing for booking %s not acknowledged: %v", e.BookingID, e.Err)
}

func (e *StopAckError) Unwrap() error {
	return e.Err
}
