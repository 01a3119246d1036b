package cylsense

import (
	"math"
	"testing"
	"time"

	"github.com/fako1024/btgas/pkg/gas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	d, err := New()
	if err == nil {
		t.Fatalf("instantiation of sensor was unexpectedly successful")
	}
	if d != nil {
		t.Fatalf("instantiation of sensor unexpectedly returned non-nil instance")
	}
}

// newDetachedDevice builds a device without any bluetooth backing, wired the
// same way New does
func newDetachedDevice() *Device {
	d := &Device{
		deviceName:          defaultDeviceName,
		weightInterval:      defaultWeightInterval,
		inclinationInterval: defaultInclinationInterval,
		readTimeout:         50 * time.Millisecond,
		doneChan:            make(chan struct{}),
		logger:              &gas.NullLogger{},
	}

	d.queue = newReadQueue(d.readCharacteristic, d.readTimeout, d.logger)
	d.poller = newPoller(d.scheduleWeightRead, d.scheduleInclinationRead, d.weightInterval, d.inclinationInterval, d.logger)
	d.drainer = newHistSync(func(cancel <-chan struct{}) ([]byte, error) {
		return d.queue.readSync(historyCharacteristic, cancel)
	}, d.dispatchHistory, d.logger)

	return d
}

func TestDeviceDefaults(t *testing.T) {
	d := newDetachedDevice()
	defer d.queue.stop()

	assert.Equal(t, gas.StateDisconnected, d.ConnectionStatus().State)
	assert.Zero(t, d.LastDrainDuration())

	weight, inclination := d.PollIntervals()
	assert.Equal(t, defaultWeightInterval, weight)
	assert.Equal(t, defaultInclinationInterval, inclination)
}

func TestDeviceWriteNotConnected(t *testing.T) {
	d := newDetachedDevice()
	defer d.queue.stop()

	assert.ErrorIs(t, d.Tare(), gas.ErrNotConnected)
	assert.ErrorIs(t, d.Calibrate(12.5), gas.ErrNotConnected)
}

func TestDeviceCalibrateValidation(t *testing.T) {
	d := newDetachedDevice()
	defer d.queue.stop()

	for _, knownKg := range []float64{0., -3., math.NaN(), math.Inf(1)} {
		err := d.Calibrate(knownKg)
		require.Error(t, err)

		var validationErr *gas.ValidationError
		assert.ErrorAs(t, err, &validationErr, "weight %v", knownKg)
	}
}

func TestDeviceSetPollIntervals(t *testing.T) {
	d := newDetachedDevice()
	defer d.queue.stop()

	var validationErr *gas.ValidationError
	require.ErrorAs(t, d.SetPollIntervals(0, time.Minute), &validationErr)
	require.ErrorAs(t, d.SetPollIntervals(time.Minute, -time.Second), &validationErr)

	require.NoError(t, d.SetPollIntervals(2*time.Minute, 3*time.Minute))
	weight, inclination := d.PollIntervals()
	assert.Equal(t, 2*time.Minute, weight)
	assert.Equal(t, 3*time.Minute, inclination)
}

func TestDeviceReadNotConnected(t *testing.T) {
	d := newDetachedDevice()
	defer d.queue.stop()

	_, err := d.readCharacteristic(weightCharacteristic)
	assert.ErrorIs(t, err, gas.ErrNotConnected)
}

func TestDeviceDispatchNonBlocking(t *testing.T) {
	d := newDetachedDevice()
	defer d.queue.stop()

	var handled int
	d.SetWeightHandler(func(sample gas.WeightSample) {
		handled++
	})

	// An unserviced channel must not block sample dispatch
	ch := make(chan gas.WeightSample, 1)
	d.SetWeightChannel(ch)

	for i := 0; i < 3; i++ {
		d.dispatchWeight(gas.WeightSample{TotalKg: float64(i)})
	}

	assert.Equal(t, 3, handled)
	assert.Len(t, ch, 1)
}
