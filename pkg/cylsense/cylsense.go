package cylsense

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fako1024/btgas/pkg/gas"
	"github.com/fako1024/gatt"
)

const (
	defaultDeviceName = "CYLSENSE"

	dataService               = "fff0"
	weightCharacteristic      = "fff1"
	inclinationCharacteristic = "fff2"
	historyCharacteristic     = "fff3"
	tareCharacteristic        = "fff4"
	calibrationCharacteristic = "fff5"

	defaultReadTimeout = 5 * time.Second

	defaultWeightInterval      = time.Minute
	defaultInclinationInterval = 5 * time.Minute

	defaultPollStagger      = 500 * time.Millisecond
	defaultPollPause        = time.Second
	defaultPollBackoff      = 2 * time.Second
	defaultPollRestartGrace = 500 * time.Millisecond

	defaultDrainStabilizeDelay = 500 * time.Millisecond
	defaultDrainBatchDelay     = 100 * time.Millisecond
)

// Device denotes a CYLSENSE bluetooth cylinder sensor
type Device struct {
	deviceID   string
	deviceName string

	weightInterval      time.Duration
	inclinationInterval time.Duration
	readTimeout         time.Duration

	queue   *readQueue
	poller  *poller
	drainer *histSync

	statusMu         sync.RWMutex
	connectionStatus gas.ConnectionStatus

	// ctrlMu serializes session control (poller / drainer lifecycle)
	ctrlMu sync.Mutex

	handlerMu          sync.RWMutex
	stateChangeHandler func(status gas.ConnectionStatus)
	stateChangeChan    chan gas.ConnectionStatus
	weightHandler      func(sample gas.WeightSample)
	weightChan         chan gas.WeightSample
	inclinationHandler func(sample gas.InclinationSample)
	inclinationChan    chan gas.InclinationSample
	historyHandler     func(points []gas.HistoricalPoint)

	btMu              sync.RWMutex
	btDevice          gatt.Device
	btPeripheral      gatt.Peripheral
	btCharacteristics map[string]*gatt.Characteristic

	doneChan chan struct{}
	closed   atomic.Bool

	logger gas.Logger
}

// Device implements the full monitor surface
var _ gas.Monitor = (*Device)(nil)

// New instantiates a new Device struct, executing functional options, if any
func New(options ...func(*Device)) (*Device, error) {

	// Initialize a new instance of a cylinder sensor
	d := &Device{
		deviceName:          defaultDeviceName,
		weightInterval:      defaultWeightInterval,
		inclinationInterval: defaultInclinationInterval,
		readTimeout:         defaultReadTimeout,
		doneChan:            make(chan struct{}),
		logger:              &gas.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(d)
	}

	if d.weightInterval <= 0 || d.inclinationInterval <= 0 {
		return nil, fmt.Errorf("invalid poll intervals requested: %v / %v", d.weightInterval, d.inclinationInterval)
	}

	d.queue = newReadQueue(d.readCharacteristic, d.readTimeout, d.logger)
	d.poller = newPoller(d.scheduleWeightRead, d.scheduleInclinationRead, d.weightInterval, d.inclinationInterval, d.logger)
	d.drainer = newHistSync(func(cancel <-chan struct{}) ([]byte, error) {
		return d.queue.readSync(historyCharacteristic, cancel)
	}, d.dispatchHistory, d.logger)

	// Initialize a new GATT device (if not provided as option)
	if d.btDevice == nil {
		btDevice, err := gatt.NewDevice(defaultBTClientOptions...)
		if err != nil {
			return nil, err
		}
		d.btDevice = btDevice
	}

	return d, d.subscribe()
}

// ConnectionStatus returns the current status of the bluetooth device
func (d *Device) ConnectionStatus() gas.ConnectionStatus {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()

	return d.connectionStatus
}

// Tare requests the sensor to zero itself with the current load removed
func (d *Device) Tare() error {
	return d.write(tareCharacteristic, encodeTare())
}

// Calibrate requests the sensor to calibrate against a known reference weight
func (d *Device) Calibrate(knownKg float64) error {
	if math.IsNaN(knownKg) || math.IsInf(knownKg, 0) || knownKg <= 0 {
		return &gas.ValidationError{Field: "knownKg", Value: knownKg, Reason: "must be finite and positive"}
	}

	return d.write(calibrationCharacteristic, encodeCalibration(knownKg))
}

// PollIntervals returns the current weight / inclination polling intervals
func (d *Device) PollIntervals() (weight, inclination time.Duration) {
	return d.poller.intervals()
}

// SetPollIntervals reconfigures the polling cadence. If the poll loop is
// currently running it is bounced so the new cadence takes effect right away.
func (d *Device) SetPollIntervals(weight, inclination time.Duration) error {
	if weight <= 0 {
		return &gas.ValidationError{Field: "weightInterval", Value: weight.Seconds(), Reason: "must be positive"}
	}
	if inclination <= 0 {
		return &gas.ValidationError{Field: "inclinationInterval", Value: inclination.Seconds(), Reason: "must be positive"}
	}

	d.ctrlMu.Lock()
	defer d.ctrlMu.Unlock()

	d.poller.setIntervals(weight, inclination)
	if d.ConnectionStatus().State == gas.StateConnected {
		d.poller.restart()
	}

	return nil
}

// LastDrainDuration returns the duration of the most recent history drain
// cycle (zero if none completed yet)
func (d *Device) LastDrainDuration() time.Duration {
	return d.drainer.lastDrainDuration()
}

// SetStateChangeHandler defines a handler function that is called upon state change
func (d *Device) SetStateChangeHandler(fn func(status gas.ConnectionStatus)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel that state changes are sent to
func (d *Device) SetStateChangeChannel(ch chan gas.ConnectionStatus) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.stateChangeChan = ch
}

// SetWeightHandler defines a handler function that is called upon retrieval of
// a weight sample
func (d *Device) SetWeightHandler(fn func(sample gas.WeightSample)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.weightHandler = fn
}

// SetWeightChannel defines a channel that weight samples are sent to
func (d *Device) SetWeightChannel(ch chan gas.WeightSample) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.weightChan = ch
}

// SetInclinationHandler defines a handler function that is called upon
// retrieval of an inclination sample
func (d *Device) SetInclinationHandler(fn func(sample gas.InclinationSample)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.inclinationHandler = fn
}

// SetInclinationChannel defines a channel that inclination samples are sent to
func (d *Device) SetInclinationChannel(ch chan gas.InclinationSample) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.inclinationChan = ch
}

// SetHistoryHandler defines a handler function that is called with the
// reconstructed points of a completed history drain cycle
func (d *Device) SetHistoryHandler(fn func(points []gas.HistoricalPoint)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.historyHandler = fn
}

// Close terminates the connection to the device
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.setStatus(gas.StateDisconnecting, nil)

	// Same teardown order as on a disconnect: session activity stops before
	// the read path goes away
	d.ctrlMu.Lock()
	d.poller.stop()
	d.drainer.abort()
	d.ctrlMu.Unlock()

	d.releaseSession()
	d.queue.stop()

	_ = d.btDevice.StopScanning()
	return d.btDevice.RemoveAllServices()
}

////////////////////////////////////////////////////////////////////////////////

func (d *Device) subscribe() error {

	// Register handlers
	d.btDevice.Handle(
		gatt.AddPeripheralDiscovered(d.genOnPeriphDiscovered()),
		gatt.AddPeripheralConnected(d.onPeriphConnected),
		gatt.AddPeripheralDisconnected(d.onPeriphDisconnected),
	)

	// Initialize the device
	return d.btDevice.Init(d.onStateChanged)
}

func (d *Device) setStatus(state gas.State, err error) {
	d.statusMu.Lock()
	d.connectionStatus = gas.ConnectionStatus{
		State: state,
		Error: err,
	}
	status := d.connectionStatus
	d.statusMu.Unlock()

	d.handlerMu.RLock()
	fn, ch := d.stateChangeHandler, d.stateChangeChan
	d.handlerMu.RUnlock()

	// Call handler function, if any
	if fn != nil {
		fn(status)
	}

	// Put state change on channel, if any
	if ch != nil {
		select {
		case ch <- status:
		default:
		}
	}
}

// readCharacteristic performs the actual (blocking) platform read, used as
// dispatch function by the read queue
func (d *Device) readCharacteristic(charUUID string) ([]byte, error) {
	d.btMu.RLock()
	p, c := d.btPeripheral, d.btCharacteristics[charUUID]
	d.btMu.RUnlock()

	if p == nil || c == nil {
		return nil, gas.ErrNotConnected
	}

	data, err := p.ReadCharacteristic(c)
	if err != nil {
		return nil, &gas.LinkError{Op: "read", Err: err}
	}

	return data, nil
}

func (d *Device) write(charUUID string, data []byte) error {
	d.btMu.RLock()
	p, c := d.btPeripheral, d.btCharacteristics[charUUID]
	d.btMu.RUnlock()

	if p == nil || c == nil {
		return gas.ErrNotConnected
	}

	if err := p.WriteCharacteristic(c, data, false); err != nil {
		return &gas.LinkError{Op: "write", Err: err}
	}

	return nil
}

////////////////////////////////////////////////////////////////////////////////

func (d *Device) scheduleWeightRead() error {
	return d.queue.enqueue(weightCharacteristic, func(data []byte, err error) {
		if err != nil {
			d.logger.Warnf("weight read failed: %s", err)
			return
		}

		sample, err := decodeWeight(data)
		if err != nil {
			d.logger.Warnf("dropping weight sample: %s", err)
			return
		}

		d.dispatchWeight(sample)
	})
}

func (d *Device) scheduleInclinationRead() error {
	return d.queue.enqueue(inclinationCharacteristic, func(data []byte, err error) {
		if err != nil {
			d.logger.Warnf("inclination read failed: %s", err)
			return
		}

		sample, err := decodeInclination(data)
		if err != nil {
			d.logger.Warnf("dropping inclination sample: %s", err)
			return
		}

		d.dispatchInclination(sample)
	})
}

func (d *Device) dispatchWeight(sample gas.WeightSample) {
	d.handlerMu.RLock()
	fn, ch := d.weightHandler, d.weightChan
	d.handlerMu.RUnlock()

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

func (d *Device) dispatchInclination(sample gas.InclinationSample) {
	d.handlerMu.RLock()
	fn, ch := d.inclinationHandler, d.inclinationChan
	d.handlerMu.RUnlock()

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

func (d *Device) dispatchHistory(points []gas.HistoricalPoint) {
	d.handlerMu.RLock()
	fn := d.historyHandler
	d.handlerMu.RUnlock()

	if fn != nil {
		fn(points)
	}
}

////////////////////////////////////////////////////////////////////////////////

func (d *Device) onStateChanged(dev gatt.Device, s gatt.State) {
	switch s {
	case gatt.StatePoweredOn:
		d.setStatus(gas.StateConnecting, nil)
		if err := dev.Scan([]gatt.UUID{}, false); err != nil {
			d.logger.Warnf("failed to enable initial scanning: %s", err)
		}
		return
	case gatt.StatePoweredOff:
		d.setStatus(gas.StateDisconnected, nil)
		return
	default:
		if err := dev.StopScanning(); err != nil {
			d.logger.Warnf("failed to stop initial scanning: %s", err)
		}
	}
}

func (d *Device) genOnPeriphDiscovered() func(p gatt.Peripheral, arg2 *gatt.Advertisement, arg3 int) {
	return func(p gatt.Peripheral, arg2 *gatt.Advertisement, arg3 int) {

		d.logger.Debugf("discovered device `%s/%s`", p.Name(), p.ID())

		if !d.thisDevice(p) {
			return
		}

		d.logger.Debugf("connecting device `%s/%s`", p.Name(), p.ID())

		// Stop scanning once we've got the peripheral we're looking for.
		if err := p.Device().StopScanning(); err != nil {
			d.logger.Warnf("failed to stop initial scanning: %s", err)
		}
		if err := p.Device().Connect(p); err != nil {
			d.logger.Errorf("Failed to connect device `%s/%s`: %s", p.Name(), p.ID(), err)
		}

		d.logger.Debugf("connected device `%s/%s`", p.Name(), p.ID())
	}
}

func (d *Device) onPeriphConnected(p gatt.Peripheral, connErr error) {

	if !d.thisDevice(p) || d.closed.Load() {
		return
	}

	d.logger.Debugf("connected peripheral `%s/%s`", p.Name(), p.ID())

	defer func() {
		_ = p.Device().CancelConnection(p)
		d.teardownSession()
		d.setStatus(gas.StateDisconnected, connErr)
	}()

	// Set connection MTU
	if err := p.SetMTU(500); err != nil {
		connErr = &gas.LinkError{Op: "set-mtu", Err: err}
		return
	}

	// Discover services and the characteristics of the sensor data service
	ss, err := p.DiscoverServices(nil)
	if err != nil {
		connErr = &gas.LinkError{Op: "discover-services", Err: err}
		return
	}

	chars := make(map[string]*gatt.Characteristic)
	for _, s := range ss {
		if s.UUID().String() != dataService {
			continue
		}

		cs, err := p.DiscoverCharacteristics(nil, s)
		if err != nil {
			connErr = &gas.LinkError{Op: "discover-characteristics", Err: err}
			return
		}
		for _, c := range cs {
			chars[c.UUID().String()] = c
		}
	}

	for _, charUUID := range []string{
		weightCharacteristic,
		inclinationCharacteristic,
		historyCharacteristic,
		tareCharacteristic,
		calibrationCharacteristic,
	} {
		if _, exists := chars[charUUID]; !exists {
			connErr = &gas.LinkError{Op: "discover-characteristics", Err: fmt.Errorf("characteristic %s not present on device", charUUID)}
			return
		}
	}

	d.btMu.Lock()
	d.btPeripheral = p
	d.btCharacteristics = chars
	d.btMu.Unlock()

	d.setStatus(gas.StateConnected, nil)

	d.ctrlMu.Lock()
	d.poller.start()
	d.drainer.begin()
	d.ctrlMu.Unlock()

	d.logger.Debugf("waiting to release peripheral `%s/%s`", p.Name(), p.ID())
	<-d.doneChan
	d.logger.Debugf("released peripheral `%s/%s`", p.Name(), p.ID())
}

func (d *Device) onPeriphDisconnected(p gatt.Peripheral, _ error) {

	if !d.thisDevice(p) {
		return
	}

	d.releaseSession()
	d.logger.Debugf("disconnected peripheral `%s/%s`", p.Name(), p.ID())

	if d.closed.Load() {
		return
	}

	time.Sleep(100 * time.Millisecond)
	d.setStatus(gas.StateConnecting, nil)
	if err := d.btDevice.Scan([]gatt.UUID{}, false); err != nil {
		d.logger.Warnf("failed to re-enable scanning after disconnect: %s", err)
	}
}

func (d *Device) thisDevice(p gatt.Peripheral) bool {

	// Check if name and / or device ID have been overridden
	if d.deviceID != "" && strings.EqualFold(p.ID(), d.deviceID) {
		return true
	}
	return strings.EqualFold(p.Name(), d.deviceName)
}

// releaseSession frees a connection handler potentially blocking on the done
// channel, triggering its teardown path
func (d *Device) releaseSession() {
	select {
	case d.doneChan <- struct{}{}:
	default:
	}
}

// teardownSession stops all device interaction of the current connection.
// Queued reads are cleared silently, an in-flight operation is abandoned.
func (d *Device) teardownSession() {
	d.ctrlMu.Lock()
	d.poller.stop()
	d.drainer.abort()
	d.ctrlMu.Unlock()

	d.queue.reset()

	d.btMu.Lock()
	d.btPeripheral = nil
	d.btCharacteristics = nil
	d.btMu.Unlock()
}
