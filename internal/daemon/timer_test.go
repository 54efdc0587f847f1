package daemon

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestTimer_FiresAfterDelay(t *testing.T) {
	clk := clockwork.NewFakeClock()
	fired := make(chan struct{}, 4)
	tm := NewTimer(clk, func() { fired <- struct{}{} })
	defer tm.Stop()

	tm.Reschedule(time.Minute)
	clk.BlockUntil(1)
	clk.Advance(61 * time.Second)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimer_FiresImmediatelyWhenPastDue(t *testing.T) {
	clk := clockwork.NewFakeClock()
	fired := make(chan struct{}, 4)
	tm := NewTimer(clk, func() { fired <- struct{}{} })
	defer tm.Stop()

	// Arm across a simulated suspend: one big jump past the deadline.
	tm.Reschedule(time.Hour)
	clk.BlockUntil(1)
	clk.Advance(3 * time.Hour)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire after clock jump")
	}
}

func TestTimer_TargetIsWallClockOnly(t *testing.T) {
	tm := NewTimer(clockwork.NewRealClock(), func() {})
	defer tm.Stop()

	tm.Reschedule(time.Hour)
	tm.mu.Lock()
	target := tm.target
	tm.mu.Unlock()

	// A retained monotonic reading would make the deadline measure awake
	// time only; it shows up as an "m=" suffix in String().
	assert.NotContains(t, target.String(), " m=")
}

func TestTimer_DisarmCancelsPendingFire(t *testing.T) {
	clk := clockwork.NewFakeClock()
	fired := make(chan struct{}, 4)
	tm := NewTimer(clk, func() { fired <- struct{}{} })
	defer tm.Stop()

	tm.Reschedule(time.Minute)
	clk.BlockUntil(1)
	tm.Disarm()
	clk.Advance(2 * time.Minute)

	select {
	case <-fired:
		t.Fatal("disarmed timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimer_RescheduleRearms(t *testing.T) {
	clk := clockwork.NewFakeClock()
	fired := make(chan struct{}, 4)
	tm := NewTimer(clk, func() { fired <- struct{}{} })
	defer tm.Stop()

	tm.Reschedule(time.Minute)
	clk.BlockUntil(1)
	clk.Advance(61 * time.Second)
	<-fired

	tm.Reschedule(30 * time.Second)
	clk.BlockUntil(1)
	clk.Advance(31 * time.Second)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("rearmed timer did not fire")
	}
	assert.Len(t, fired, 0)
}
