package daemon

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// maxSleepChunk bounds every sleep so a suspend/resume is noticed promptly.
const maxSleepChunk = 5 * time.Second

// PeriodicTask fires a callback on an interval anchored in wall clock, so a
// system suspend shows up as an oversized gap rather than a stretched tick.
// Missed cycles are counted and the task fires immediately after wake.
type PeriodicTask struct {
	Name           string
	Interval       time.Duration
	MaxJitter      time.Duration
	RunImmediately bool
	Callback       func(ctx context.Context) error

	Clock  clockwork.Clock
	Logger zerolog.Logger

	runs         atomic.Int64
	errors       atomic.Int64
	missedCycles atomic.Int64
	lastRun      atomic.Int64 // unix nanos, 0 = never

	done chan struct{}
}

// Start launches the task loop. Stop or cancel ctx to end it.
func (t *PeriodicTask) Start(ctx context.Context) {
	if t.Clock == nil {
		t.Clock = clockwork.NewRealClock()
	}
	t.done = make(chan struct{})
	go t.run(ctx)
}

// Stop ends the loop. Idempotent with respect to context cancellation.
func (t *PeriodicTask) Stop() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

// Stats returns (runs, errors, missed cycles, last run time).
func (t *PeriodicTask) Stats() (int64, int64, int64, time.Time) {
	var last time.Time
	if ns := t.lastRun.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return t.runs.Load(), t.errors.Load(), t.missedCycles.Load(), last
}

func (t *PeriodicTask) run(ctx context.Context) {
	if t.RunImmediately {
		t.fire(ctx)
	} else {
		t.lastRun.Store(t.Clock.Now().UnixNano())
	}

	for {
		target := time.Unix(0, t.lastRun.Load()).Add(t.Interval + t.jitter())
		if !t.sleepUntil(ctx, target) {
			return
		}

		elapsed := t.Clock.Now().Sub(time.Unix(0, t.lastRun.Load()))
		if elapsed > t.Interval+t.Interval/2 {
			missed := int64(elapsed/t.Interval) - 1
			if missed > 0 {
				t.missedCycles.Add(missed)
				t.Logger.Warn().Str("task", t.Name).Int64("missed", missed).
					Dur("gap", elapsed).Msg("periodic task slept through cycles, firing now")
			}
		}
		t.fire(ctx)
	}
}

// sleepUntil sleeps in bounded chunks until the wall clock passes target.
// Returns false if the task was stopped.
func (t *PeriodicTask) sleepUntil(ctx context.Context, target time.Time) bool {
	for {
		now := t.Clock.Now()
		if !now.Before(target) {
			return true
		}
		chunk := target.Sub(now)
		if chunk > maxSleepChunk {
			chunk = maxSleepChunk
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.done:
			return false
		case <-t.Clock.After(chunk):
		}
	}
}

func (t *PeriodicTask) fire(ctx context.Context) {
	t.lastRun.Store(t.Clock.Now().UnixNano())
	t.runs.Add(1)

	err := t.safeCall(ctx)
	if err != nil {
		t.errors.Add(1)
		t.Logger.Error().Err(err).Str("task", t.Name).Msg("periodic task failed")
		// Backoff so a hot failure loop cannot spin.
		select {
		case <-ctx.Done():
		case <-t.done:
		case <-t.Clock.After(time.Second):
		}
	}
}

func (t *PeriodicTask) safeCall(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Callback(ctx)
}

func (t *PeriodicTask) jitter() time.Duration {
	if t.MaxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(t.MaxJitter)))
}
