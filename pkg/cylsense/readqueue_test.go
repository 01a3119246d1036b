package cylsense

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fako1024/btgas/pkg/gas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadQueueFIFOSingleFlight(t *testing.T) {
	var (
		mu          sync.Mutex
		inFlight    int
		maxInFlight int
		dispatched  []string
	)
	release := make(chan struct{})

	q := newReadQueue(func(char string) ([]byte, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		dispatched = append(dispatched, char)
		mu.Unlock()

		<-release

		mu.Lock()
		inFlight--
		mu.Unlock()

		return []byte(char), nil
	}, time.Second, &gas.NullLogger{})
	defer q.stop()

	var (
		wg        sync.WaitGroup
		resultMu  sync.Mutex
		completed []string
	)
	for _, char := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		require.NoError(t, q.enqueue(char, func(data []byte, err error) {
			defer wg.Done()
			assert.NoError(t, err)

			resultMu.Lock()
			completed = append(completed, string(data))
			resultMu.Unlock()
		}))
	}

	for i := 0; i < 4; i++ {
		release <- struct{}{}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight)
	assert.Equal(t, []string{"a", "b", "c", "d"}, dispatched)
	assert.Equal(t, []string{"a", "b", "c", "d"}, completed)
}

func TestReadQueueTimeout(t *testing.T) {
	slowStarted := make(chan struct{})
	releaseSlow := make(chan struct{})

	q := newReadQueue(func(char string) ([]byte, error) {
		if char == "slow" {
			close(slowStarted)
			<-releaseSlow
			return []byte("late"), nil
		}
		return []byte("fast"), nil
	}, 50*time.Millisecond, &gas.NullLogger{})
	defer q.stop()

	slowResult := make(chan error, 2)
	require.NoError(t, q.enqueue("slow", func(data []byte, err error) {
		slowResult <- err
	}))
	<-slowStarted

	fastResult := make(chan []byte, 1)
	require.NoError(t, q.enqueue("fast", func(data []byte, err error) {
		assert.NoError(t, err)
		fastResult <- data
	}))

	// the hanging read misses its deadline
	assert.ErrorIs(t, <-slowResult, gas.ErrReadTimeout)

	// the follow-up request is dispatched although the abandoned platform
	// operation is still in progress
	assert.Equal(t, []byte("fast"), <-fastResult)

	// the late completion of the abandoned operation must not reach the sink
	close(releaseSlow)
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-slowResult:
		t.Fatalf("sink of timed out read was called again (err: %v)", err)
	default:
	}
}

func TestReadQueueReset(t *testing.T) {
	blockStarted := make(chan struct{})
	releaseBlock := make(chan struct{})

	q := newReadQueue(func(char string) ([]byte, error) {
		if char == "block" {
			close(blockStarted)
			<-releaseBlock
		}
		return []byte(char), nil
	}, time.Second, &gas.NullLogger{})
	defer q.stop()

	var completions int32
	require.NoError(t, q.enqueue("block", func(data []byte, err error) {
		atomic.AddInt32(&completions, 1)
	}))
	<-blockStarted
	require.NoError(t, q.enqueue("waiting", func(data []byte, err error) {
		atomic.AddInt32(&completions, 1)
	}))

	q.reset()

	// neither the cleared waiting request nor the abandoned in-flight
	// operation may complete
	close(releaseBlock)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&completions))

	// the queue remains usable after a reset
	done := make(chan []byte, 1)
	require.NoError(t, q.enqueue("next", func(data []byte, err error) {
		assert.NoError(t, err)
		done <- data
	}))
	assert.Equal(t, []byte("next"), <-done)
}

func TestReadQueueStopped(t *testing.T) {
	q := newReadQueue(func(char string) ([]byte, error) {
		return nil, nil
	}, time.Second, &gas.NullLogger{})
	q.stop()

	err := q.enqueue("a", func(data []byte, err error) {})
	assert.ErrorIs(t, err, gas.ErrNotConnected)

	_, err = q.readSync("a", nil)
	assert.ErrorIs(t, err, gas.ErrNotConnected)
}

func TestReadQueueReadSync(t *testing.T) {
	q := newReadQueue(func(char string) ([]byte, error) {
		return []byte("payload"), nil
	}, time.Second, &gas.NullLogger{})
	defer q.stop()

	data, err := q.readSync("a", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestReadQueueReadSyncCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	q := newReadQueue(func(char string) ([]byte, error) {
		close(started)
		<-release
		return nil, nil
	}, time.Minute, &gas.NullLogger{})
	defer q.stop()

	cancel := make(chan struct{})
	errChan := make(chan error, 1)
	go func() {
		_, err := q.readSync("a", cancel)
		errChan <- err
	}()

	<-started
	close(cancel)
	assert.ErrorIs(t, <-errChan, gas.ErrNotConnected)
}
