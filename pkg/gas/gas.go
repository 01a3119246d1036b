package gas

import (
	"time"

	"github.com/google/uuid"
)

// Monitor denotes a cylinder weight / inclination sensor
type Monitor interface {

	// ConnectionStatus returns the current connection status of the sensor device
	ConnectionStatus() ConnectionStatus

	// Tare requests the sensor to zero itself with the current load removed
	Tare() error

	// Calibrate requests the sensor to calibrate against a known reference weight
	Calibrate(knownKg float64) error

	// PollIntervals returns the current weight / inclination polling intervals
	PollIntervals() (weight, inclination time.Duration)

	// SetPollIntervals reconfigures the polling cadence, restarting the poll
	// loop if it is currently running
	SetPollIntervals(weight, inclination time.Duration) error

	// LastDrainDuration returns the duration of the most recent history drain
	// cycle (zero if none completed yet)
	LastDrainDuration() time.Duration

	// SetStateChangeHandler defines a handler function that is called upon state change
	SetStateChangeHandler(fn func(status ConnectionStatus))

	// SetStateChangeChannel defines a channel that state changes are sent to
	SetStateChangeChannel(ch chan ConnectionStatus)

	// SetWeightHandler defines a handler function that is called upon retrieval
	// of a weight sample
	SetWeightHandler(fn func(sample WeightSample))

	// SetWeightChannel defines a channel that weight samples are sent to
	SetWeightChannel(ch chan WeightSample)

	// SetInclinationHandler defines a handler function that is called upon
	// retrieval of an inclination sample
	SetInclinationHandler(fn func(sample InclinationSample))

	// SetInclinationChannel defines a channel that inclination samples are sent to
	SetInclinationChannel(ch chan InclinationSample)

	// SetHistoryHandler defines a handler function that is called with the
	// reconstructed points of a completed history drain cycle
	SetHistoryHandler(fn func(points []HistoricalPoint))

	// Close terminates the connection to the device
	Close() error
}

// Store denotes a persistence backend for fuel measurements
type Store interface {

	// Insert stores a single measurement
	Insert(m FuelMeasurement) error

	// InsertBatch stores a set of measurements in one go
	InsertBatch(ms FuelMeasurements) error

	// LastN returns up to n measurements for a cylinder, newest first
	LastN(cylinderID uuid.UUID, n int) (FuelMeasurements, error)

	// Delete removes the measurement with the exact timestamp from a cylinder
	// series (no-op if no such measurement exists)
	Delete(cylinderID uuid.UUID, timeStamp time.Time) error

	// History returns measurements for a cylinder within [from, to], oldest
	// first, capped at limit (if limit > 0)
	History(cylinderID uuid.UUID, from, to time.Time, limit int) (FuelMeasurements, error)
}

// CylinderProvider denotes a source for the currently active cylinder
type CylinderProvider interface {

	// ActiveCylinder returns the cylinder measurements are attributed to,
	// returning ErrNoActiveCylinder if none is configured
	ActiveCylinder() (Cylinder, error)
}

// CylinderRegistry denotes a provider that also allows swapping the active
// cylinder
type CylinderRegistry interface {
	CylinderProvider

	// SetActiveCylinder validates and activates a cylinder
	SetActiveCylinder(c Cylinder) error
}
