package daemon

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a single-shot, rearmable timer anchored in wall clock. It sleeps in
// bounded chunks, so after a suspend it fires immediately if the deadline has
// passed.
type Timer struct {
	clock clockwork.Clock
	cb    func()

	mu      sync.Mutex
	target  time.Time
	armed   bool
	stopped bool
	kick    chan struct{}
}

// NewTimer creates an unarmed timer. Arm it with Reschedule.
func NewTimer(clock clockwork.Clock, cb func()) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := &Timer{clock: clock, cb: cb, kick: make(chan struct{}, 1)}
	go t.run()
	return t
}

// Reschedule arms (or rearms) the timer to fire after delay.
func (t *Timer) Reschedule(delay time.Duration) {
	t.mu.Lock()
	// Round(0) drops the monotonic reading so deadline checks follow the
	// wall clock across a suspend.
	t.target = t.clock.Now().Add(delay).Round(0)
	t.armed = true
	t.mu.Unlock()
	t.poke()
}

// Disarm cancels a pending fire without stopping the timer goroutine.
func (t *Timer) Disarm() {
	t.mu.Lock()
	t.armed = false
	t.mu.Unlock()
	t.poke()
}

// Stop ends the timer goroutine. The callback will not fire afterwards.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.armed = false
	t.mu.Unlock()
	t.poke()
}

func (t *Timer) poke() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *Timer) run() {
	for {
		t.mu.Lock()
		stopped, armed, target := t.stopped, t.armed, t.target
		t.mu.Unlock()
		if stopped {
			return
		}

		if !armed {
			<-t.kick
			continue
		}

		now := t.clock.Now()
		if !now.Before(target) {
			t.mu.Lock()
			// Re-check: Disarm may have raced the deadline.
			fire := t.armed && !t.stopped && !t.clock.Now().Before(t.target)
			if fire {
				t.armed = false
			}
			t.mu.Unlock()
			if fire {
				t.cb()
			}
			continue
		}

		chunk := target.Sub(now)
		if chunk > maxSleepChunk {
			chunk = maxSleepChunk
		}
		select {
		case <-t.kick:
		case <-t.clock.After(chunk):
		}
	}
}
