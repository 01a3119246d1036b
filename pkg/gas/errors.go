package gas

import (
	"errors"
	"fmt"
	"time"
)

var (

	// ErrNotConnected is returned when an operation requires an established
	// connection to the sensor
	ErrNotConnected = errors.New("not connected to sensor")

	// ErrReadTimeout is returned when a queued read did not complete within its
	// deadline
	ErrReadTimeout = errors.New("sensor read timed out")

	// ErrNoActiveCylinder is returned when a measurement cannot be attributed
	// because no cylinder is configured
	ErrNoActiveCylinder = errors.New("no active cylinder configured")
)

// LinkError denotes a failure of a BLE link operation (connect, discover,
// read, write, disconnect)
type LinkError struct {
	Op  string
	Err error
}

// Error returns a human-readable representation of the error
func (e *LinkError) Error() string {
	return fmt.Sprintf("link operation %q failed: %s", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *LinkError) Unwrap() error {
	return e.Err
}

// DecodeError denotes a malformed payload received on a characteristic
type DecodeError struct {
	Characteristic string
	Err            error
}

// Error returns a human-readable representation of the error
func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode payload on characteristic %s: %s", e.Characteristic, e.Err)
}

// Unwrap returns the underlying error
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ValidationError denotes a semantically invalid value (e.g. a negative or
// non-finite weight)
type ValidationError struct {
	Field  string
	Value  float64
	Reason string
}

// Error returns a human-readable representation of the error
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value %v for field %s: %s", e.Value, e.Field, e.Reason)
}

// ThrottledError denotes a real-time measurement that was skipped because the
// minimum interval between saves has not elapsed yet
type ThrottledError struct {
	RemainingWait time.Duration
}

// Error returns a human-readable representation of the error
func (e *ThrottledError) Error() string {
	return fmt.Sprintf("measurement skipped, next save possible in %s", e.RemainingWait.Round(time.Millisecond))
}
