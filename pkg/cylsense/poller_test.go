package cylsense

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fako1024/btgas/pkg/gas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPoller(weightInterval, inclinationInterval time.Duration, weightCount, inclinationCount *int32) *poller {
	p := newPoller(func() error {
		atomic.AddInt32(weightCount, 1)
		return nil
	}, func() error {
		atomic.AddInt32(inclinationCount, 1)
		return nil
	}, weightInterval, inclinationInterval, &gas.NullLogger{})

	// Shrink the fixed delays to keep the tests fast
	p.stagger = time.Millisecond
	p.pause = time.Millisecond
	p.backoff = 5 * time.Millisecond
	p.grace = 5 * time.Millisecond

	return p
}

func TestPollerIndependentCadences(t *testing.T) {
	var weightCount, inclinationCount int32

	p := newTestPoller(time.Millisecond, time.Hour, &weightCount, &inclinationCount)
	p.start()
	defer p.stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&weightCount) >= 3
	}, time.Second, time.Millisecond)

	// Both reads fire on the first iteration, but only the weight cadence is
	// due again afterwards
	assert.Equal(t, int32(1), atomic.LoadInt32(&inclinationCount))
}

func TestPollerStop(t *testing.T) {
	var weightCount, inclinationCount int32

	p := newTestPoller(time.Millisecond, time.Millisecond, &weightCount, &inclinationCount)
	p.start()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&weightCount) >= 2
	}, time.Second, time.Millisecond)
	p.stop()

	frozen := atomic.LoadInt32(&weightCount)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, frozen, atomic.LoadInt32(&weightCount))

	// Repeated stop of an already stopped poller is a no-op
	p.stop()
}

func TestPollerRestartAppliesNewIntervals(t *testing.T) {
	var weightCount, inclinationCount int32

	p := newTestPoller(time.Millisecond, time.Hour, &weightCount, &inclinationCount)
	p.start()
	defer p.stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&weightCount) >= 2
	}, time.Second, time.Millisecond)

	p.setIntervals(time.Hour, time.Millisecond)
	p.restart()

	// After the restart the inclination cadence takes over, the weight read
	// only fires on the first iteration of the new loop
	weightAfterRestart := atomic.LoadInt32(&weightCount)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&inclinationCount) >= 3
	}, time.Second, time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&weightCount), weightAfterRestart+1)

	weight, inclination := p.intervals()
	assert.Equal(t, time.Hour, weight)
	assert.Equal(t, time.Millisecond, inclination)
}

func TestPollerBackoffOnScheduleFailure(t *testing.T) {
	var weightAttempts, inclinationCount int32

	p := newPoller(func() error {
		atomic.AddInt32(&weightAttempts, 1)
		return errors.New("queue unavailable")
	}, func() error {
		atomic.AddInt32(&inclinationCount, 1)
		return nil
	}, time.Millisecond, time.Millisecond, &gas.NullLogger{})
	p.stagger = time.Millisecond
	p.pause = time.Millisecond
	p.backoff = time.Millisecond

	p.start()
	defer p.stop()

	// Scheduling failures must not end the loop, they delay the next attempt
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&weightAttempts) >= 3
	}, time.Second, time.Millisecond)

	// A failed weight read skips the remainder of the iteration
	assert.Zero(t, atomic.LoadInt32(&inclinationCount))
}
