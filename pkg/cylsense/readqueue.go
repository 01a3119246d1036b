package cylsense

import (
	"time"

	"github.com/fako1024/btgas/pkg/gas"
)

// readRequest denotes a single queued characteristic read. The sink is called
// exactly once, either with the payload or with an error (timeout, link
// failure), unless the queue is cleared while the request is still waiting.
type readRequest struct {
	char string
	sink func(data []byte, err error)
}

// readResult carries the outcome of a dispatched read back into the queue
// loop, tagged with the sequence number of the operation it belongs to
type readResult struct {
	seq  uint64
	data []byte
	err  error
}

type pendingRead struct {
	seq   uint64
	req   *readRequest
	timer *time.Timer
}

// readQueue serializes all characteristic reads towards the sensor. Requests
// are dispatched strictly in submission order and at most one read is in
// flight at any time. All queue state is owned by the run loop goroutine and
// manipulated via messages only.
type readQueue struct {
	readFn  func(char string) ([]byte, error)
	timeout time.Duration

	requestChan chan *readRequest
	resultChan  chan readResult
	resetChan   chan struct{}
	stopChan    chan struct{}

	logger gas.Logger
}

func newReadQueue(readFn func(char string) ([]byte, error), timeout time.Duration, logger gas.Logger) *readQueue {
	q := &readQueue{
		readFn:      readFn,
		timeout:     timeout,
		requestChan: make(chan *readRequest),
		resultChan:  make(chan readResult),
		resetChan:   make(chan struct{}),
		stopChan:    make(chan struct{}),
		logger:      logger,
	}

	go q.run()

	return q
}

// enqueue appends a read request to the queue
func (q *readQueue) enqueue(char string, sink func(data []byte, err error)) error {
	select {
	case q.requestChan <- &readRequest{char: char, sink: sink}:
		return nil
	case <-q.stopChan:
		return gas.ErrNotConnected
	}
}

// readSync enqueues a read request and blocks until it completes. If the
// queue is cleared while the request is still waiting no completion will ever
// arrive, so callers must provide a cancel channel to bail out on.
func (q *readQueue) readSync(char string, cancel <-chan struct{}) ([]byte, error) {
	type outcome struct {
		data []byte
		err  error
	}
	outcomeChan := make(chan outcome, 1)

	if err := q.enqueue(char, func(data []byte, err error) {
		outcomeChan <- outcome{data: data, err: err}
	}); err != nil {
		return nil, err
	}

	select {
	case res := <-outcomeChan:
		return res.data, res.err
	case <-cancel:
		return nil, gas.ErrNotConnected
	case <-q.stopChan:
		return nil, gas.ErrNotConnected
	}
}

// reset clears all waiting requests and detaches a potentially in-flight
// operation (its late completion will be dropped)
func (q *readQueue) reset() {
	select {
	case q.resetChan <- struct{}{}:
	case <-q.stopChan:
	}
}

// stop terminates the queue loop for good
func (q *readQueue) stop() {
	close(q.stopChan)
}

func (q *readQueue) run() {
	var (
		backlog []*readRequest
		pending *pendingRead
		seq     uint64
	)

	for {
		var deadline <-chan time.Time
		if pending != nil {
			deadline = pending.timer.C
		}

		select {
		case req := <-q.requestChan:
			backlog = append(backlog, req)
			if pending == nil {
				pending, backlog, seq = q.dispatch(backlog, seq)
			}

		case res := <-q.resultChan:
			if pending == nil || res.seq != pending.seq {

				// Completion of an operation that already timed out or was
				// cleared by a reset
				q.logger.Debugf("dropping stale read result (seq %d)", res.seq)
				continue
			}

			pending.timer.Stop()
			req := pending.req
			pending = nil

			req.sink(res.data, res.err)

			if len(backlog) > 0 {
				pending, backlog, seq = q.dispatch(backlog, seq)
			}

		case <-deadline:
			q.logger.Warnf("read on characteristic %s timed out after %v", pending.req.char, q.timeout)
			req := pending.req
			pending = nil

			req.sink(nil, gas.ErrReadTimeout)

			if len(backlog) > 0 {
				pending, backlog, seq = q.dispatch(backlog, seq)
			}

		case <-q.resetChan:
			if pending != nil {
				pending.timer.Stop()
				pending = nil
			}
			if n := len(backlog); n > 0 {
				q.logger.Debugf("clearing read queue (%d waiting requests)", n)
			}
			backlog = nil

		case <-q.stopChan:
			if pending != nil {
				pending.timer.Stop()
			}
			return
		}
	}
}

// dispatch takes the head of the backlog and issues the actual (blocking)
// read in a separate goroutine. The platform operation is never cancelled,
// it is merely abandoned on timeout / reset via its sequence number.
func (q *readQueue) dispatch(backlog []*readRequest, seq uint64) (*pendingRead, []*readRequest, uint64) {
	req := backlog[0]
	backlog = backlog[1:]
	seq++

	pending := &pendingRead{
		seq:   seq,
		req:   req,
		timer: time.NewTimer(q.timeout),
	}

	go func(seq uint64) {
		data, err := q.readFn(req.char)
		select {
		case q.resultChan <- readResult{seq: seq, data: data, err: err}:
		case <-q.stopChan:
		}
	}(seq)

	return pending, backlog, seq
}
