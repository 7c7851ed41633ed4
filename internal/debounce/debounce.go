// Package debounce coalesces bursts of update signals into single
// callbacks, with a periodic heartbeat when nothing happens.
package debounce

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Timeouts control when the callback fires.
type Timeouts struct {
	// Start is the quiet period after the first update of a run.
	Start time.Duration
	// Update is the quiet period after later updates.
	Update time.Duration
	// NoUpdate is the heartbeat interval when no update arrives.
	NoUpdate time.Duration
}

// Callback receives the time of the last update (the scheduler start time
// if there was none yet) and whether an update arrived since the last fire.
// It runs on the scheduler goroutine.
type Callback func(lastUpdate time.Time, hadUpdate bool)

type Scheduler struct {
	timeouts Timeouts
	callback Callback
	log      zerolog.Logger

	updates  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  sync.Once

	now func() time.Time
}

func New(timeouts Timeouts, callback Callback, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		timeouts: timeouts,
		callback: callback,
		log:      log,
		updates:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the scheduler loop. Calling it more than once is a no-op.
func (s *Scheduler) Start() {
	s.started.Do(func() { go s.loop() })
}

// Update signals that new data is available. It never blocks.
func (s *Scheduler) Update() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Stop ends the loop and waits for it to return. No callback runs after
// Stop returns. Safe to call more than once and before Start, but not from
// inside the callback.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.started.Do(func() { close(s.done) })
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)

	start := s.now()
	lastUpdate := start
	hadUpdate := false
	firstBurst := true

	timer := time.NewTimer(s.timeouts.NoUpdate)
	defer timer.Stop()

	rearm := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	for {
		select {
		case <-s.stop:
			return
		case <-s.updates:
			lastUpdate = s.now()
			hadUpdate = true
			if firstBurst {
				rearm(s.timeouts.Start)
			} else {
				rearm(s.timeouts.Update)
			}
		case <-timer.C:
			select {
			case <-s.stop:
				return
			default:
			}
			s.log.Debug().Bool("had_update", hadUpdate).Time("last_update", lastUpdate).Msg("debounce fire")
			s.callback(lastUpdate, hadUpdate)
			hadUpdate = false
			firstBurst = false
			timer.Reset(s.timeouts.NoUpdate)
		}
	}
}
