// Package autosave implements the debounced trigger that starts a batch
// commit after the user stops editing.
package autosave

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/clock"
)

// DefaultQuietPeriod is the delay after the last change before autosave fires.
const DefaultQuietPeriod = 30 * time.Second

// Scheduler owns a single timer handle. Every NotifyChanged restarts the
// countdown; the fire callback runs at most once per arm.
type Scheduler struct {
	mu     sync.Mutex
	clock  clock.Clock
	delay  time.Duration
	fire   func()
	timer  clock.Timer
	gen    uint64
	closed bool

	// running counts expiries that passed the fence and may still be firing.
	running sync.WaitGroup

	onPending func(bool)
	logger    zerolog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithQuietPeriod sets the debounce delay.
func WithQuietPeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithPendingListener registers a callback notified when a timer is armed
// (true) and when it is cleared or fires (false).
func WithPendingListener(fn func(bool)) Option {
	return func(s *Scheduler) {
		s.onPending = fn
	}
}

// New creates a scheduler invoking fire when the quiet period elapses.
func New(fire func(), logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clock.Real{},
		delay:  DefaultQuietPeriod,
		fire:   fire,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QuietPeriod returns the configured debounce delay.
func (s *Scheduler) QuietPeriod() time.Duration { return s.delay }

// NotifyChanged restarts the countdown for the quiet period.
func (s *Scheduler) NotifyChanged() {
	s.Arm(s.delay)
}

// Arm cancels any pending timer and starts a new countdown of d.
func (s *Scheduler) Arm(d time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() { s.expire(gen) })
	s.mu.Unlock()

	s.logger.Debug().Dur("delay", d).Msg("autosave armed")
	s.notify(true)
}

// Cancel stops the pending timer, if any.
func (s *Scheduler) Cancel() {
	if s.clear() {
		s.logger.Debug().Msg("autosave cancelled")
		s.notify(false)
	}
}

// Close cancels the timer, prevents any further arming and waits for a fire
// callback that is already running. No callback runs after Close returns, so
// Close must not be called from inside fire.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.clear() {
		s.notify(false)
	}
	s.running.Wait()
}

// Pending reports whether a timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) clear() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Bumping the generation fences a callback that already left the timer
	// but has not yet taken the lock.
	s.gen++
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	return true
}

func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	s.logger.Debug().Msg("autosave quiet period elapsed")
	s.notify(false)
	s.fire()
}

func (s *Scheduler) notify(pending bool) {
	if s.onPending != nil {
		s.onPending(pending)
	}
}
