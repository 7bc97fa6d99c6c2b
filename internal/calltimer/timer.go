package calltimer

import (
	"fmt"
	"sync"
	"time"
)

// Timer counts whole seconds elapsed since Start. The reading freezes when
// Stop is called and resets on the next Start.
type Timer struct {
	now      func() time.Time
	interval time.Duration
	onTick   func(elapsed int)

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	last      int
	stopTick  chan struct{}
}

// Option configures a Timer.
type Option func(*Timer)

// WithClock replaces time.Now. Tests use it to drive the counter manually.
func WithClock(now func() time.Time) Option {
	return func(t *Timer) { t.now = now }
}

// WithTick registers fn to be called once per tick interval while the timer
// runs. fn must not block for long; it runs on the timer's own goroutine.
func WithTick(interval time.Duration, fn func(elapsed int)) Option {
	return func(t *Timer) {
		t.interval = interval
		t.onTick = fn
	}
}

// New creates a stopped timer reading zero.
func New(opts ...Option) *Timer {
	t := &Timer{
		now:      time.Now,
		interval: time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start resets the counter to zero and begins counting. Starting a running
// timer is the same as Stop followed by Start.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.running = true
	t.startedAt = t.now()
	t.last = 0

	if t.onTick != nil && t.interval > 0 {
		stop := make(chan struct{})
		t.stopTick = stop
		go t.tickLoop(stop)
	}
}

// Stop halts the counter and returns the frozen reading. Stopping a stopped
// timer is a no-op that returns the last reading.
func (t *Timer) Stop() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	return t.last
}

// ElapsedSeconds returns the whole seconds counted since the last Start.
// The value never decreases while running and stays fixed after Stop.
func (t *Timer) ElapsedSeconds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readLocked()
}

// Running reports whether the timer is counting.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Timer) stopLocked() {
	if !t.running {
		return
	}
	t.last = t.readLocked()
	t.running = false
	if t.stopTick != nil {
		close(t.stopTick)
		t.stopTick = nil
	}
}

func (t *Timer) readLocked() int {
	if !t.running {
		return t.last
	}
	elapsed := int(t.now().Sub(t.startedAt) / time.Second)
	if elapsed > t.last {
		t.last = elapsed
	}
	return t.last
}

func (t *Timer) tickLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			if !t.running {
				t.mu.Unlock()
				return
			}
			elapsed := t.readLocked()
			t.mu.Unlock()
			t.onTick(elapsed)
		}
	}
}

// Format renders seconds as MM:SS, the way the agent console shows call
// duration. Minutes keep counting past 59.
func Format(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
