package ingest

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/fako1024/btgas/pkg/gas"
	"github.com/google/uuid"
)

const (
	defaultMinSaveInterval = 2 * time.Minute

	// outlierDeviationPct is the relative weight deviation above which a
	// sample is considered a potential outlier
	outlierDeviationPct = 30.
)

// Ingestor attributes raw sensor readings to the active cylinder, derives the
// fuel values and persists them, throttling real-time saves and weeding out
// single-sample outliers
type Ingestor struct {
	store     gas.Store
	cylinders gas.CylinderProvider

	minSaveInterval time.Duration

	mu       sync.Mutex
	lastSave time.Time

	measurementHandler  func(m gas.FuelMeasurement)
	historySavedHandler func(ms gas.FuelMeasurements)

	logger gas.Logger
}

// New instantiates a new Ingestor, executing functional options, if any
func New(store gas.Store, cylinders gas.CylinderProvider, options ...func(*Ingestor)) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("no measurement store provided")
	}
	if cylinders == nil {
		return nil, errors.New("no cylinder provider provided")
	}

	i := &Ingestor{
		store:           store,
		cylinders:       cylinders,
		minSaveInterval: defaultMinSaveInterval,
		logger:          &gas.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(i)
	}

	return i, nil
}

// SetMeasurementHandler defines a handler function that is called whenever a
// real-time measurement was persisted
func (i *Ingestor) SetMeasurementHandler(fn func(m gas.FuelMeasurement)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.measurementHandler = fn
}

// SetHistorySavedHandler defines a handler function that is called whenever a
// batch of offline measurements was persisted
func (i *Ingestor) SetHistorySavedHandler(fn func(ms gas.FuelMeasurements)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.historySavedHandler = fn
}

// SaveRealTime persists a live total weight reading. Readings arriving before
// the minimum interval since the last save has elapsed are skipped with a
// ThrottledError carrying the remaining wait time.
func (i *Ingestor) SaveRealTime(totalKg float64, timeStamp time.Time) (gas.FuelMeasurement, error) {
	measurement, fn, err := i.saveRealTime(totalKg, timeStamp)
	if err != nil {
		return gas.FuelMeasurement{}, err
	}

	if fn != nil {
		fn(measurement)
	}

	return measurement, nil
}

func (i *Ingestor) saveRealTime(totalKg float64, timeStamp time.Time) (gas.FuelMeasurement, func(m gas.FuelMeasurement), error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.lastSave.IsZero() {
		if elapsed := time.Since(i.lastSave); elapsed < i.minSaveInterval {
			return gas.FuelMeasurement{}, nil, &gas.ThrottledError{RemainingWait: i.minSaveInterval - elapsed}
		}
	}

	cylinder, err := i.cylinders.ActiveCylinder()
	if err != nil {
		return gas.FuelMeasurement{}, nil, err
	}

	measurement, err := gas.NewFuelMeasurement(cylinder, totalKg, timeStamp, false)
	if err != nil {
		return gas.FuelMeasurement{}, nil, err
	}

	if err := i.store.Insert(measurement); err != nil {
		return gas.FuelMeasurement{}, nil, err
	}

	// Outlier pass on the just-updated series. A failure here only costs a
	// stale sample, never the save itself.
	i.removeOutlier(cylinder.ID)

	i.lastSave = time.Now()

	return measurement, i.measurementHandler, nil
}

// SaveHistorical persists a set of offline measurements recovered from the
// sensor buffer as one bulk write against the active cylinder, returning the
// number of points saved. Invalid points are dropped individually.
func (i *Ingestor) SaveHistorical(points []gas.HistoricalPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	cylinder, err := i.cylinders.ActiveCylinder()
	if err != nil {
		return 0, err
	}

	measurements := make(gas.FuelMeasurements, 0, len(points))
	for _, point := range points {
		measurement, err := gas.NewFuelMeasurement(cylinder, point.WeightKg, point.TimeStamp, true)
		if err != nil {
			i.logger.Warnf("dropping invalid offline measurement: %s", err)
			continue
		}
		measurements = append(measurements, measurement)
	}
	if len(measurements) == 0 {
		return 0, nil
	}

	if err := i.store.InsertBatch(measurements); err != nil {
		return 0, err
	}

	i.logger.Infof("saved %d offline measurements for cylinder %s", len(measurements), cylinder.Name)

	i.mu.Lock()
	fn := i.historySavedHandler
	i.mu.Unlock()
	if fn != nil {
		fn(measurements)
	}

	return len(measurements), nil
}

// removeOutlier checks the three most recent samples of a series for a
// single-sample spike (middle sample deviating strongly from both neighbors
// while the neighbors agree) and removes it
func (i *Ingestor) removeOutlier(cylinderID uuid.UUID) {
	last, err := i.store.LastN(cylinderID, 3)
	if err != nil {
		i.logger.Warnf("outlier pass failed to fetch recent samples: %s", err)
		return
	}
	if len(last) < 3 {
		return
	}

	// Newest first
	current, candidate, previous := last[0], last[1], last[2]
	if current.TotalKg <= 0 || candidate.TotalKg <= 0 || previous.TotalKg <= 0 {
		return
	}

	devCandidate := relativeDeviationPct(candidate.TotalKg, previous.TotalKg)
	devCurrent := relativeDeviationPct(current.TotalKg, previous.TotalKg)
	devCurrentVsCandidate := relativeDeviationPct(current.TotalKg, candidate.TotalKg)

	if devCandidate > outlierDeviationPct &&
		devCurrent < devCandidate &&
		devCurrentVsCandidate > outlierDeviationPct {

		if err := i.store.Delete(cylinderID, candidate.TimeStamp); err != nil {
			i.logger.Warnf("failed to remove outlier sample: %s", err)
			return
		}
		i.logger.Infof("removed outlier sample (%.2f kg at %v, deviation %.1f%%)",
			candidate.TotalKg, candidate.TimeStamp, devCandidate)
	}
}

// relativeDeviationPct returns the deviation of value from reference, in
// percent of the reference
func relativeDeviationPct(value, reference float64) float64 {
	return math.Abs(value-reference) / reference * 100.
}
