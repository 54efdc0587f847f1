package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFire(t *testing.T, ch <-chan time.Time) time.Time {
	t.Helper()
	select {
	case ts := <-ch:
		return ts
	case <-time.After(5 * time.Second):
		t.Fatal("periodic task did not fire")
		return time.Time{}
	}
}

func TestPeriodicTask_RunImmediatelyThenInterval(t *testing.T) {
	clk := clockwork.NewFakeClock()
	fired := make(chan time.Time, 16)
	task := &PeriodicTask{
		Name:           "tick",
		Interval:       10 * time.Second,
		RunImmediately: true,
		Callback: func(ctx context.Context) error {
			fired <- clk.Now()
			return nil
		},
		Clock:  clk,
		Logger: zerolog.Nop(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task.Start(ctx)
	defer task.Stop()

	waitFire(t, fired)

	// Interval is covered in two 5 s chunks.
	clk.BlockUntil(1)
	clk.Advance(5 * time.Second)
	clk.BlockUntil(1)
	clk.Advance(5 * time.Second)
	waitFire(t, fired)

	runs, errs, missed, _ := task.Stats()
	assert.Equal(t, int64(2), runs)
	assert.Equal(t, int64(0), errs)
	assert.Equal(t, int64(0), missed)
}

func TestPeriodicTask_SleepGapCountsMissedCyclesAndFiresPromptly(t *testing.T) {
	clk := clockwork.NewFakeClock()
	fired := make(chan time.Time, 16)
	task := &PeriodicTask{
		Name:           "tick",
		Interval:       10 * time.Second,
		RunImmediately: true,
		Callback: func(ctx context.Context) error {
			fired <- clk.Now()
			return nil
		},
		Clock:  clk,
		Logger: zerolog.Nop(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task.Start(ctx)
	defer task.Stop()

	start := waitFire(t, fired)

	// Simulated 8-hour suspend: the pending 5 s chunk wakes into a huge gap.
	clk.BlockUntil(1)
	clk.Advance(8 * time.Hour)
	next := waitFire(t, fired)

	// Fires within one chunk of the wake, not an interval later.
	assert.LessOrEqual(t, next.Sub(start), 8*time.Hour+maxSleepChunk)

	_, _, missed, _ := task.Stats()
	assert.Equal(t, int64(8*time.Hour/(10*time.Second))-1, missed)
}

func TestPeriodicTask_CallbackErrorDoesNotStopLoop(t *testing.T) {
	clk := clockwork.NewFakeClock()
	fired := make(chan time.Time, 16)
	calls := 0
	task := &PeriodicTask{
		Name:           "flaky",
		Interval:       10 * time.Second,
		RunImmediately: true,
		Callback: func(ctx context.Context) error {
			calls++
			fired <- clk.Now()
			if calls == 1 {
				return errors.New("transient")
			}
			return nil
		},
		Clock:  clk,
		Logger: zerolog.Nop(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task.Start(ctx)
	defer task.Stop()

	waitFire(t, fired)

	// Error path sleeps 1 s backoff, then the normal schedule resumes.
	clk.BlockUntil(1)
	clk.Advance(time.Second)
	clk.BlockUntil(1)
	clk.Advance(5 * time.Second)
	clk.BlockUntil(1)
	clk.Advance(5 * time.Second)
	waitFire(t, fired)

	runs, errs, _, _ := task.Stats()
	require.Equal(t, int64(2), runs)
	assert.Equal(t, int64(1), errs)
}

func TestPeriodicTask_PanicIsContained(t *testing.T) {
	clk := clockwork.NewFakeClock()
	fired := make(chan time.Time, 16)
	task := &PeriodicTask{
		Name:           "panicky",
		Interval:       10 * time.Second,
		RunImmediately: true,
		Callback: func(ctx context.Context) error {
			fired <- clk.Now()
			panic("callback bug")
		},
		Clock:  clk,
		Logger: zerolog.Nop(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task.Start(ctx)
	defer task.Stop()

	waitFire(t, fired)
	_, errs, _, _ := task.Stats()
	for i := 0; errs == 0 && i < 100; i++ {
		time.Sleep(time.Millisecond)
		_, errs, _, _ = task.Stats()
	}
	assert.Equal(t, int64(1), errs)
}
