package store

import (
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/fako1024/btgas/pkg/gas"
	"github.com/google/uuid"
)

// series holds the measurements of a single cylinder, sorted ascending by
// timestamp
type series struct {
	sync.RWMutex
	measurements gas.FuelMeasurements
}

// Memory denotes an in-memory measurement store, also acting as registry for
// the active cylinder. Series access is lock-free on the cylinder level, each
// series carries its own lock.
type Memory struct {
	series *hashmap.Map[string, *series]

	cylinderMu     sync.RWMutex
	activeCylinder *gas.Cylinder
}

// Memory provides both persistence and cylinder resolution
var (
	_ gas.Store            = (*Memory)(nil)
	_ gas.CylinderRegistry = (*Memory)(nil)
)

// NewMemory instantiates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		series: hashmap.New[string, *series](),
	}
}

// Insert stores a single measurement
func (m *Memory) Insert(measurement gas.FuelMeasurement) error {
	s := m.getOrCreateSeries(measurement.CylinderID)

	s.Lock()
	s.insert(measurement)
	s.Unlock()

	return nil
}

// InsertBatch stores a set of measurements in one go
func (m *Memory) InsertBatch(measurements gas.FuelMeasurements) error {
	bySeries := make(map[uuid.UUID]gas.FuelMeasurements)
	for _, measurement := range measurements {
		bySeries[measurement.CylinderID] = append(bySeries[measurement.CylinderID], measurement)
	}

	for cylinderID, chunk := range bySeries {
		s := m.getOrCreateSeries(cylinderID)

		s.Lock()
		for _, measurement := range chunk {
			s.insert(measurement)
		}
		s.Unlock()
	}

	return nil
}

// LastN returns up to n measurements for a cylinder, newest first
func (m *Memory) LastN(cylinderID uuid.UUID, n int) (gas.FuelMeasurements, error) {
	s, exists := m.series.Get(cylinderID.String())
	if !exists || n <= 0 {
		return nil, nil
	}

	s.RLock()
	defer s.RUnlock()

	if n > len(s.measurements) {
		n = len(s.measurements)
	}

	result := make(gas.FuelMeasurements, 0, n)
	for i := len(s.measurements) - 1; i >= len(s.measurements)-n; i-- {
		result = append(result, s.measurements[i])
	}

	return result, nil
}

// Delete removes the measurement with the exact timestamp from a cylinder
// series (no-op if no such measurement exists)
func (m *Memory) Delete(cylinderID uuid.UUID, timeStamp time.Time) error {
	s, exists := m.series.Get(cylinderID.String())
	if !exists {
		return nil
	}

	s.Lock()
	defer s.Unlock()

	i := sort.Search(len(s.measurements), func(i int) bool {
		return !s.measurements[i].TimeStamp.Before(timeStamp)
	})
	if i >= len(s.measurements) || !s.measurements[i].TimeStamp.Equal(timeStamp) {
		return nil
	}

	s.measurements = append(s.measurements[:i], s.measurements[i+1:]...)

	return nil
}

// History returns measurements for a cylinder within [from, to], oldest first,
// capped at limit (if limit > 0). Zero boundaries are treated as unbounded.
func (m *Memory) History(cylinderID uuid.UUID, from, to time.Time, limit int) (gas.FuelMeasurements, error) {
	s, exists := m.series.Get(cylinderID.String())
	if !exists {
		return nil, nil
	}

	s.RLock()
	defer s.RUnlock()

	start := 0
	if !from.IsZero() {
		start = sort.Search(len(s.measurements), func(i int) bool {
			return !s.measurements[i].TimeStamp.Before(from)
		})
	}

	var result gas.FuelMeasurements
	for i := start; i < len(s.measurements); i++ {
		if !to.IsZero() && s.measurements[i].TimeStamp.After(to) {
			break
		}
		result = append(result, s.measurements[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}

	return result, nil
}

// ActiveCylinder returns the cylinder measurements are attributed to
func (m *Memory) ActiveCylinder() (gas.Cylinder, error) {
	m.cylinderMu.RLock()
	defer m.cylinderMu.RUnlock()

	if m.activeCylinder == nil {
		return gas.Cylinder{}, gas.ErrNoActiveCylinder
	}

	return *m.activeCylinder, nil
}

// SetActiveCylinder validates and activates a cylinder
func (m *Memory) SetActiveCylinder(c gas.Cylinder) error {
	if err := c.Validate(); err != nil {
		return err
	}

	m.cylinderMu.Lock()
	m.activeCylinder = &c
	m.cylinderMu.Unlock()

	return nil
}

func (m *Memory) getOrCreateSeries(cylinderID uuid.UUID) *series {
	s, exists := m.series.Get(cylinderID.String())
	if !exists {
		s, _ = m.series.GetOrInsert(cylinderID.String(), &series{})
	}
	return s
}

// insert places a measurement at its timestamp position, keeping the series
// sorted (callers must hold the series lock)
func (s *series) insert(measurement gas.FuelMeasurement) {
	i := sort.Search(len(s.measurements), func(i int) bool {
		return s.measurements[i].TimeStamp.After(measurement.TimeStamp)
	})

	s.measurements = append(s.measurements, gas.FuelMeasurement{})
	copy(s.measurements[i+1:], s.measurements[i:])
	s.measurements[i] = measurement
}
