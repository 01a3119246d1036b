package cylsense

import (
	"sync"
	"time"

	"github.com/fako1024/btgas/pkg/gas"
)

// poller schedules periodic weight / inclination reads on independent
// cadences. Scheduling only, the actual reads are enqueued via the callbacks
// and complete asynchronously.
type poller struct {
	scheduleWeight      func() error
	scheduleInclination func() error

	stagger time.Duration // delay between the weight and the inclination check
	pause   time.Duration // delay at the end of each loop iteration
	backoff time.Duration // delay after a scheduling failure
	grace   time.Duration // settle time between stop and start on a restart

	logger gas.Logger

	mu                  sync.Mutex
	weightInterval      time.Duration
	inclinationInterval time.Duration
	stopChan            chan struct{}
	doneChan            chan struct{}
}

func newPoller(scheduleWeight, scheduleInclination func() error, weightInterval, inclinationInterval time.Duration, logger gas.Logger) *poller {
	return &poller{
		scheduleWeight:      scheduleWeight,
		scheduleInclination: scheduleInclination,
		weightInterval:      weightInterval,
		inclinationInterval: inclinationInterval,
		stagger:             defaultPollStagger,
		pause:               defaultPollPause,
		backoff:             defaultPollBackoff,
		grace:               defaultPollRestartGrace,
		logger:              logger,
	}
}

// start launches the poll loop (no-op if already running)
func (p *poller) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopChan != nil {
		return
	}
	p.stopChan = make(chan struct{})
	p.doneChan = make(chan struct{})

	go p.run(p.stopChan, p.doneChan, p.weightInterval, p.inclinationInterval)
}

// stop terminates the poll loop and waits for it to exit (no-op if not
// running)
func (p *poller) stop() {
	p.mu.Lock()
	stopChan, doneChan := p.stopChan, p.doneChan
	p.stopChan, p.doneChan = nil, nil
	p.mu.Unlock()

	if stopChan == nil {
		return
	}
	close(stopChan)
	<-doneChan
}

// restart bounces the poll loop, leaving a short settle period between the
// old and the new incarnation
func (p *poller) restart() {
	p.stop()
	time.Sleep(p.grace)
	p.start()
}

// setIntervals stores new cadences, taking effect on the next (re)start
func (p *poller) setIntervals(weight, inclination time.Duration) {
	p.mu.Lock()
	p.weightInterval = weight
	p.inclinationInterval = inclination
	p.mu.Unlock()
}

// intervals returns the currently configured cadences
func (p *poller) intervals() (weight, inclination time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.weightInterval, p.inclinationInterval
}

func (p *poller) run(stop, done chan struct{}, weightInterval, inclinationInterval time.Duration) {
	defer close(done)

	p.logger.Debugf("starting poll loop (weight %v / inclination %v)", weightInterval, inclinationInterval)

	// Zero timestamps cause both reads to fire on the first iteration
	var lastWeight, lastInclination time.Time
	for {
		if time.Since(lastWeight) > weightInterval {
			if err := p.scheduleWeight(); err != nil {
				p.logger.Warnf("failed to schedule weight read: %s", err)
				if !sleepOrStop(stop, p.backoff) {
					return
				}
				continue
			}
			lastWeight = time.Now()
		}

		if !sleepOrStop(stop, p.stagger) {
			return
		}

		if time.Since(lastInclination) > inclinationInterval {
			if err := p.scheduleInclination(); err != nil {
				p.logger.Warnf("failed to schedule inclination read: %s", err)
				if !sleepOrStop(stop, p.backoff) {
					return
				}
				continue
			}
			lastInclination = time.Now()
		}

		if !sleepOrStop(stop, p.pause) {
			return
		}
	}
}

// sleepOrStop pauses for d, returning false if the stop channel fired in the
// meantime
func sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	select {
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}
