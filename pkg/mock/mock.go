package mock

import (
	"math"
	"sync"
	"time"

	"github.com/fako1024/btgas/pkg/gas"
)

const defaultDeviceName = "Mock Sensor"

// Mock denotes a mock cylinder sensor, allowing consumers to script
// connection states and measurements without bluetooth hardware
type Mock struct {
	deviceName string

	mu                  sync.RWMutex
	connectionStatus    gas.ConnectionStatus
	weightInterval      time.Duration
	inclinationInterval time.Duration
	lastDrainDuration   time.Duration
	tareCount           int
	calibrations        []float64

	stateChangeHandler func(status gas.ConnectionStatus)
	stateChangeChan    chan gas.ConnectionStatus

	weightHandler func(sample gas.WeightSample)
	weightChan    chan gas.WeightSample

	inclinationHandler func(sample gas.InclinationSample)
	inclinationChan    chan gas.InclinationSample

	historyHandler func(points []gas.HistoricalPoint)

	doneChan chan struct{}
}

// Mock provides the full monitor surface
var _ gas.Monitor = (*Mock)(nil)

// New instantiates a new Mock struct
func New() (*Mock, error) {

	// Initialize a new instance of a mock sensor
	m := &Mock{
		deviceName:          defaultDeviceName,
		weightInterval:      time.Minute,
		inclinationInterval: 5 * time.Minute,
		doneChan:            make(chan struct{}),
	}

	return m, nil
}

// ConnectionStatus returns the current status of the bluetooth device
func (m *Mock) ConnectionStatus() gas.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.connectionStatus
}

// Tare tares the sensor
func (m *Mock) Tare() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tareCount++
	return nil
}

// Calibrate requests calibration against a known reference weight
func (m *Mock) Calibrate(knownKg float64) error {
	if math.IsNaN(knownKg) || math.IsInf(knownKg, 0) || knownKg <= 0 {
		return &gas.ValidationError{Field: "knownKg", Value: knownKg, Reason: "must be finite and positive"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calibrations = append(m.calibrations, knownKg)
	return nil
}

// PollIntervals returns the current weight / inclination polling intervals
func (m *Mock) PollIntervals() (weight, inclination time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.weightInterval, m.inclinationInterval
}

// SetPollIntervals reconfigures the polling cadence
func (m *Mock) SetPollIntervals(weight, inclination time.Duration) error {
	if weight <= 0 {
		return &gas.ValidationError{Field: "weightInterval", Value: weight.Seconds(), Reason: "must be positive"}
	}
	if inclination <= 0 {
		return &gas.ValidationError{Field: "inclinationInterval", Value: inclination.Seconds(), Reason: "must be positive"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.weightInterval, m.inclinationInterval = weight, inclination
	return nil
}

// LastDrainDuration returns the duration of the most recent history drain
// cycle
func (m *Mock) LastDrainDuration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.lastDrainDuration
}

// SetStateChangeHandler defines a handler function that is called upon state change
func (m *Mock) SetStateChangeHandler(fn func(status gas.ConnectionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel that state changes are sent to
func (m *Mock) SetStateChangeChannel(ch chan gas.ConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChangeChan = ch
}

// SetWeightHandler defines a handler function that is called upon retrieval of
// a weight sample
func (m *Mock) SetWeightHandler(fn func(sample gas.WeightSample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.weightHandler = fn
}

// SetWeightChannel defines a channel that weight samples are sent to
func (m *Mock) SetWeightChannel(ch chan gas.WeightSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.weightChan = ch
}

// SetInclinationHandler defines a handler function that is called upon
// retrieval of an inclination sample
func (m *Mock) SetInclinationHandler(fn func(sample gas.InclinationSample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inclinationHandler = fn
}

// SetInclinationChannel defines a channel that inclination samples are sent to
func (m *Mock) SetInclinationChannel(ch chan gas.InclinationSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inclinationChan = ch
}

// SetHistoryHandler defines a handler function that is called with the points
// of a completed history drain cycle
func (m *Mock) SetHistoryHandler(fn func(points []gas.HistoricalPoint)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyHandler = fn
}

// Close terminates the connection to the device
func (m *Mock) Close() error {
	close(m.doneChan)

	return nil
}

////////////////////////////////////////////////////////////////////////////////

// SetConnectionState scripts a connection state change
func (m *Mock) SetConnectionState(state gas.State, err error) {
	m.mu.Lock()
	m.connectionStatus = gas.ConnectionStatus{State: state, Error: err}
	status := m.connectionStatus
	fn, ch := m.stateChangeHandler, m.stateChangeChan
	m.mu.Unlock()

	if fn != nil {
		fn(status)
	}
	if ch != nil {
		select {
		case ch <- status:
		default:
		}
	}
}

// EmitWeight scripts reception of a weight sample
func (m *Mock) EmitWeight(totalKg float64) {
	sample := gas.WeightSample{
		TimeStamp: time.Now(),
		TotalKg:   totalKg,
	}

	m.mu.RLock()
	fn, ch := m.weightHandler, m.weightChan
	m.mu.RUnlock()

	if fn != nil {
		fn(sample)
	}
	if ch != nil {
		select {
		case ch <- sample:
		default:
		}
	}
}

// EmitInclination scripts reception of an inclination sample
func (m *Mock) EmitInclination(pitchDeg, rollDeg float64) {
	sample := gas.InclinationSample{
		TimeStamp: time.Now(),
		PitchDeg:  pitchDeg,
		RollDeg:   rollDeg,
	}

	m.mu.RLock()
	fn, ch := m.inclinationHandler, m.inclinationChan
	m.mu.RUnlock()

	if fn != nil {
		fn(sample)
	}
	if ch != nil {
		select {
		case ch <- sample:
		default:
		}
	}
}

// EmitHistory scripts completion of a history drain cycle
func (m *Mock) EmitHistory(points []gas.HistoricalPoint, drainDuration time.Duration) {
	m.mu.Lock()
	m.lastDrainDuration = drainDuration
	fn := m.historyHandler
	m.mu.Unlock()

	if fn != nil {
		fn(points)
	}
}

// TareCount returns how often the sensor was tared
func (m *Mock) TareCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.tareCount
}

// Calibrations returns the requested calibration reference weights
func (m *Mock) Calibrations() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]float64(nil), m.calibrations...)
}
