package cylsense

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fako1024/btgas/pkg/gas"
	"github.com/fatih/stopwatch"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// maxHistoryElapsedMs caps the elapsed time of a history entry at the largest
// value still representable as a time.Duration
const maxHistoryElapsedMs = uint64(math.MaxInt64 / int64(time.Millisecond))

// histSync drains the offline measurement buffer of the sensor once per
// connection. The sensor keeps handing out history batches on every read of
// the history characteristic until its buffer is exhausted, retransmitting
// entries at the batch boundaries, so entries are deduplicated while
// accumulating.
type histSync struct {
	read func(cancel <-chan struct{}) ([]byte, error)
	emit func(points []gas.HistoricalPoint)

	stabilizeDelay time.Duration // settle time after connect before draining
	batchDelay     time.Duration // pause between consecutive batch reads

	now func() time.Time

	logger gas.Logger

	mu             sync.Mutex
	active         bool
	ranThisSession bool
	stopChan       chan struct{}
	doneChan       chan struct{}
	lastDuration   time.Duration
}

func newHistSync(read func(cancel <-chan struct{}) ([]byte, error), emit func(points []gas.HistoricalPoint), logger gas.Logger) *histSync {
	return &histSync{
		read:           read,
		emit:           emit,
		stabilizeDelay: defaultDrainStabilizeDelay,
		batchDelay:     defaultDrainBatchDelay,
		now:            time.Now,
		logger:         logger,
	}
}

// begin launches a drain cycle in the background, unless one is running or
// already completed for the current connection
func (h *histSync) begin() {
	h.mu.Lock()
	if h.active || h.ranThisSession {
		h.mu.Unlock()
		return
	}
	h.active = true
	h.ranThisSession = true
	stopChan := make(chan struct{})
	doneChan := make(chan struct{})
	h.stopChan, h.doneChan = stopChan, doneChan
	h.mu.Unlock()

	go func() {
		defer close(doneChan)
		h.drain(stopChan)

		h.mu.Lock()
		h.active = false
		h.mu.Unlock()
	}()
}

// abort cancels a potentially running drain cycle and re-arms the engine for
// the next connection
func (h *histSync) abort() {
	h.mu.Lock()
	stopChan, doneChan := h.stopChan, h.doneChan
	h.stopChan, h.doneChan = nil, nil
	h.mu.Unlock()

	if stopChan != nil {
		close(stopChan)
		<-doneChan
	}

	h.mu.Lock()
	h.active = false
	h.ranThisSession = false
	h.mu.Unlock()
}

// lastDrainDuration returns the duration of the most recent completed drain
// cycle
func (h *histSync) lastDrainDuration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.lastDuration
}

func (h *histSync) drain(stop <-chan struct{}) {
	if !sleepOrStop(stop, h.stabilizeDelay) {
		return
	}

	h.logger.Debug("starting history drain cycle")

	// Aborted cycles do not count towards the drain duration
	completed := false
	sw := stopwatch.Start(0)
	defer func() {
		sw.Stop()
		if !completed {
			return
		}
		h.mu.Lock()
		h.lastDuration = sw.ElapsedTime()
		h.mu.Unlock()
	}()

	// Points are accumulated in arrival order, keyed for deduplication. The
	// set lives and dies with this drain cycle.
	seen := orderedmap.New[string, gas.HistoricalPoint]()

	for {
		data, err := h.read(stop)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}

			// Reads rejected by a torn down session discard the cycle
			if errors.Is(err, gas.ErrNotConnected) {
				return
			}

			// A link failure may arrive ahead of the disconnect notification
			// of the same event, grant the teardown one batch pause to cancel
			// the cycle
			if !sleepOrStop(stop, h.batchDelay) {
				return
			}

			// The buffer cannot be read any further, salvage what has been
			// collected so far
			h.logger.Warnf("history read failed, finalizing drain cycle early: %s", err)
			completed = h.finalize(stop, seen)
			return
		}

		entries, err := decodeHistory(data)
		if err != nil {
			h.logger.Warnf("discarding malformed history batch: %s", err)
			if !sleepOrStop(stop, h.batchDelay) {
				return
			}
			continue
		}

		// Zero entries signal an exhausted history buffer
		if len(entries) == 0 {
			completed = h.finalize(stop, seen)
			return
		}

		receivedAt := h.now()
		fresh := 0
		for _, entry := range entries {
			if entry.ElapsedMs > maxHistoryElapsedMs {
				h.logger.Warnf("discarding history entry with implausible elapsed time (%d ms)", entry.ElapsedMs)
				continue
			}

			key := dedupKey(entry)
			if _, exists := seen.Get(key); exists {
				continue
			}
			seen.Set(key, gas.HistoricalPoint{
				TimeStamp: receivedAt.Add(-time.Duration(entry.ElapsedMs) * time.Millisecond),
				WeightKg:  entry.WeightKg,
			})
			fresh++
		}
		if fresh == 0 {
			h.logger.Debugf("discarded fully retransmitted history batch (%d entries)", len(entries))
		}

		if !sleepOrStop(stop, h.batchDelay) {
			return
		}
	}
}

// finalize sorts the accumulated points ascending and hands them over, unless
// the cycle has been cancelled in the meantime. It reports whether the cycle
// counts as completed.
func (h *histSync) finalize(stop <-chan struct{}, seen *orderedmap.OrderedMap[string, gas.HistoricalPoint]) bool {
	select {
	case <-stop:
		return false
	default:
	}

	if seen.Len() == 0 {
		h.logger.Debug("history drain cycle finished, no offline measurements")
		return true
	}

	points := make([]gas.HistoricalPoint, 0, seen.Len())
	for pair := seen.Oldest(); pair != nil; pair = pair.Next() {
		points = append(points, pair.Value)
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].TimeStamp.Before(points[j].TimeStamp)
	})

	h.logger.Infof("history drain cycle finished, handing over %d offline measurements", len(points))
	if h.emit != nil {
		h.emit(points)
	}
	return true
}

// dedupKey builds the retransmission detection key of a history entry from
// its exact weight / elapsed time combination
func dedupKey(e gas.HistoryEntry) string {
	return strconv.FormatFloat(e.WeightKg, 'f', -1, 64) + "_" + strconv.FormatUint(e.ElapsedMs, 10)
}
