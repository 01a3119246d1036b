package gas

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// State denotes a connection state
type State int

const (

	// StateDisconnected is active while no connection to the sensor exists
	StateDisconnected State = iota

	// StateConnecting is active while scanning for / connecting to the sensor
	StateConnecting

	// StateConnected is active while being connected to the sensor
	StateConnected

	// StateDisconnecting is active while an orderly shutdown of the connection
	// is in progress
	StateDisconnecting
)

// String returns a human-readable representation of the connection state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// ConnectionStatus denotes the current status of the bluetooth device
type ConnectionStatus struct {
	Error error
	State
}

// WeightSample denotes a single total weight measurement (cylinder + fuel) at a
// certain point in time
type WeightSample struct {
	TimeStamp time.Time
	TotalKg   float64
}

// InclinationSample denotes a single pitch / roll measurement at a certain
// point in time
type InclinationSample struct {
	TimeStamp time.Time
	PitchDeg  float64
	RollDeg   float64
}

// HistoryEntry denotes a single entry of a history batch as sent by the sensor,
// carrying the elapsed time since the measurement was taken instead of an
// absolute timestamp
type HistoryEntry struct {
	WeightKg  float64
	ElapsedMs uint64
}

// HistoricalPoint denotes a fully reconstructed offline measurement, i.e. a
// history entry with its absolute timestamp restored
type HistoricalPoint struct {
	TimeStamp time.Time
	WeightKg  float64
}

// Cylinder denotes a gas cylinder (the vessel being monitored), defined by its
// empty weight and nominal fuel capacity
type Cylinder struct {
	ID         uuid.UUID
	Name       string
	TareKg     float64
	CapacityKg float64
}

// Validate checks the cylinder parameters for consistency
func (c Cylinder) Validate() error {
	if c.ID == uuid.Nil {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if !isFinite(c.TareKg) || c.TareKg < 0 {
		return &ValidationError{Field: "tareKg", Value: c.TareKg, Reason: "must be finite and non-negative"}
	}
	if !isFinite(c.CapacityKg) || c.CapacityKg < 0 {
		return &ValidationError{Field: "capacityKg", Value: c.CapacityKg, Reason: "must be finite and non-negative"}
	}
	return nil
}

// FuelMeasurement denotes a persisted measurement with the fuel mass / fill
// level derived from the total weight and the cylinder parameters
type FuelMeasurement struct {
	CylinderID  uuid.UUID
	TimeStamp   time.Time
	TotalKg     float64
	FuelKg      float64
	FuelPercent float64
	Historical  bool
}

// FuelMeasurements denotes a set of fuel measurements (usually a time series
// for a single cylinder)
type FuelMeasurements []FuelMeasurement

// NewFuelMeasurement derives a fuel measurement from a raw total weight
// reading. The fuel mass is floored at zero (a reading below the tare weight
// yields an empty cylinder) and the fill level is clamped to [0, 100]. A
// cylinder with zero capacity always yields a fill level of zero.
func NewFuelMeasurement(c Cylinder, totalKg float64, timeStamp time.Time, historical bool) (FuelMeasurement, error) {
	if err := c.Validate(); err != nil {
		return FuelMeasurement{}, err
	}
	if !isFinite(totalKg) || totalKg < 0 {
		return FuelMeasurement{}, &ValidationError{Field: "totalKg", Value: totalKg, Reason: "must be finite and non-negative"}
	}

	fuelKg := totalKg - c.TareKg
	if fuelKg < 0 {
		fuelKg = 0
	}

	var fuelPercent float64
	if c.CapacityKg > 0 {
		fuelPercent = fuelKg / c.CapacityKg * 100.
		if fuelPercent > 100. {
			fuelPercent = 100.
		}
	}

	return FuelMeasurement{
		CylinderID:  c.ID,
		TimeStamp:   timeStamp,
		TotalKg:     totalKg,
		FuelKg:      fuelKg,
		FuelPercent: fuelPercent,
		Historical:  historical,
	}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
