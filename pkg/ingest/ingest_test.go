package ingest

import (
	"testing"
	"time"

	"github.com/fako1024/btgas/pkg/gas"
	"github.com/fako1024/btgas/pkg/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCylinder = gas.Cylinder{
	ID:         uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2"),
	Name:       "patio",
	TareKg:     14.0,
	CapacityKg: 12.5,
}

func newTestIngestor(t *testing.T, options ...func(*Ingestor)) (*Ingestor, *store.Memory) {
	t.Helper()

	mem := store.NewMemory()
	require.NoError(t, mem.SetActiveCylinder(testCylinder))

	ingestor, err := New(mem, mem, options...)
	require.NoError(t, err)

	return ingestor, mem
}

func TestNewValidation(t *testing.T) {
	mem := store.NewMemory()

	_, err := New(nil, mem)
	assert.Error(t, err)
	_, err = New(mem, nil)
	assert.Error(t, err)
}

func TestSaveRealTimeDerivation(t *testing.T) {
	ingestor, mem := newTestIngestor(t, WithMinSaveInterval(0))

	m, err := ingestor.SaveRealTime(20.0, time.Now())
	require.NoError(t, err)

	assert.Equal(t, testCylinder.ID, m.CylinderID)
	assert.InDelta(t, 6.0, m.FuelKg, 1e-9)
	assert.InDelta(t, 48.0, m.FuelPercent, 1e-9)
	assert.False(t, m.Historical)

	last, err := mem.LastN(testCylinder.ID, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, m, last[0])
}

func TestSaveRealTimeThrottle(t *testing.T) {
	ingestor, mem := newTestIngestor(t, WithMinSaveInterval(time.Hour))

	_, err := ingestor.SaveRealTime(20.0, time.Now())
	require.NoError(t, err)

	_, err = ingestor.SaveRealTime(20.1, time.Now())
	require.Error(t, err)

	var throttled *gas.ThrottledError
	require.ErrorAs(t, err, &throttled)
	assert.Positive(t, throttled.RemainingWait)
	assert.LessOrEqual(t, throttled.RemainingWait, time.Hour)

	// The skipped reading must not reach the store
	last, err := mem.LastN(testCylinder.ID, 10)
	require.NoError(t, err)
	assert.Len(t, last, 1)
}

func TestSaveRealTimeNoActiveCylinder(t *testing.T) {
	mem := store.NewMemory()
	ingestor, err := New(mem, mem, WithMinSaveInterval(0))
	require.NoError(t, err)

	_, err = ingestor.SaveRealTime(20.0, time.Now())
	assert.ErrorIs(t, err, gas.ErrNoActiveCylinder)

	_, err = ingestor.SaveHistorical([]gas.HistoricalPoint{{TimeStamp: time.Now(), WeightKg: 20.}})
	assert.ErrorIs(t, err, gas.ErrNoActiveCylinder)
}

func TestSaveRealTimeInvalidReading(t *testing.T) {
	ingestor, mem := newTestIngestor(t, WithMinSaveInterval(time.Hour))

	_, err := ingestor.SaveRealTime(-5.0, time.Now())
	var validationErr *gas.ValidationError
	require.ErrorAs(t, err, &validationErr)

	// A rejected reading must not update the throttle state, the next valid
	// reading goes through immediately
	m, err := ingestor.SaveRealTime(20.0, time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 6.0, m.FuelKg, 1e-9)

	last, err := mem.LastN(testCylinder.ID, 10)
	require.NoError(t, err)
	assert.Len(t, last, 1)
}

func TestOutlierRemoval(t *testing.T) {
	ingestor, mem := newTestIngestor(t, WithMinSaveInterval(0))

	base := time.Now().Add(-time.Hour)
	saveAt := func(offset time.Duration, totalKg float64) {
		_, err := ingestor.SaveRealTime(totalKg, base.Add(offset))
		require.NoError(t, err)
	}

	// A single-sample spike between two agreeing neighbors is removed
	saveAt(0, 25.0)
	saveAt(time.Minute, 15.0)
	saveAt(2*time.Minute, 24.8)

	history, err := mem.History(testCylinder.ID, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 25.0, history[0].TotalKg)
	assert.Equal(t, 24.8, history[1].TotalKg)
}

func TestOutlierGenuineDropKept(t *testing.T) {
	ingestor, mem := newTestIngestor(t, WithMinSaveInterval(0))

	base := time.Now().Add(-time.Hour)

	// A persistent weight change (cylinder swap) is confirmed by the third
	// sample and must be kept
	for i, totalKg := range []float64{25.0, 15.0, 15.2} {
		_, err := ingestor.SaveRealTime(totalKg, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	history, err := mem.History(testCylinder.ID, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestOutlierGradualDecreaseKept(t *testing.T) {
	ingestor, mem := newTestIngestor(t, WithMinSaveInterval(0))

	base := time.Now().Add(-time.Hour)

	// Regular consumption between consecutive samples stays well below the
	// deviation threshold, no sample is removed
	for i, totalKg := range []float64{25.0, 24.0, 23.0} {
		_, err := ingestor.SaveRealTime(totalKg, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	history, err := mem.History(testCylinder.ID, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 25.0, history[0].TotalKg)
	assert.Equal(t, 24.0, history[1].TotalKg)
	assert.Equal(t, 23.0, history[2].TotalKg)
}

func TestOutlierSkipsNonPositiveWeights(t *testing.T) {
	ingestor, mem := newTestIngestor(t, WithMinSaveInterval(0))

	base := time.Now().Add(-time.Hour)
	for i, totalKg := range []float64{25.0, 0., 24.8} {
		_, err := ingestor.SaveRealTime(totalKg, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	history, err := mem.History(testCylinder.ID, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestOutlierRequiresThreeSamples(t *testing.T) {
	ingestor, mem := newTestIngestor(t, WithMinSaveInterval(0))

	base := time.Now().Add(-time.Hour)
	for i, totalKg := range []float64{25.0, 15.0} {
		_, err := ingestor.SaveRealTime(totalKg, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	history, err := mem.History(testCylinder.ID, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestSaveHistorical(t *testing.T) {
	ingestor, mem := newTestIngestor(t)

	base := time.Now().Add(-time.Hour)
	count, err := ingestor.SaveHistorical([]gas.HistoricalPoint{
		{TimeStamp: base, WeightKg: 20.0},
		{TimeStamp: base.Add(time.Minute), WeightKg: -3.0}, // invalid, dropped
		{TimeStamp: base.Add(2 * time.Minute), WeightKg: 19.8},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	history, err := mem.History(testCylinder.ID, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, m := range history {
		assert.True(t, m.Historical)
	}
	assert.InDelta(t, 6.0, history[0].FuelKg, 1e-9)
}

func TestSaveHistoricalEmpty(t *testing.T) {
	ingestor, _ := newTestIngestor(t)

	count, err := ingestor.SaveHistorical(nil)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMeasurementHandler(t *testing.T) {
	ingestor, _ := newTestIngestor(t, WithMinSaveInterval(time.Hour))

	var saved []gas.FuelMeasurement
	ingestor.SetMeasurementHandler(func(m gas.FuelMeasurement) {
		saved = append(saved, m)
	})

	m, err := ingestor.SaveRealTime(20.0, time.Now())
	require.NoError(t, err)

	// The throttled reading must not trigger the handler
	_, err = ingestor.SaveRealTime(20.1, time.Now())
	require.Error(t, err)

	require.Len(t, saved, 1)
	assert.Equal(t, m, saved[0])
}

func TestHistorySavedHandler(t *testing.T) {
	ingestor, _ := newTestIngestor(t)

	var batches []gas.FuelMeasurements
	ingestor.SetHistorySavedHandler(func(ms gas.FuelMeasurements) {
		batches = append(batches, ms)
	})

	base := time.Now().Add(-time.Hour)
	count, err := ingestor.SaveHistorical([]gas.HistoricalPoint{
		{TimeStamp: base, WeightKg: 20.0},
		{TimeStamp: base.Add(time.Minute), WeightKg: 19.8},
	})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)

	// An empty set of points must not trigger the handler
	_, err = ingestor.SaveHistorical(nil)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

func TestSaveHistoricalDoesNotThrottle(t *testing.T) {
	ingestor, _ := newTestIngestor(t, WithMinSaveInterval(time.Hour))

	// Bulk writes bypass the real-time throttle entirely
	count, err := ingestor.SaveHistorical([]gas.HistoricalPoint{{TimeStamp: time.Now(), WeightKg: 20.}})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	m, err := ingestor.SaveRealTime(20.0, time.Now())
	require.NoError(t, err)
	assert.False(t, m.Historical)
}
