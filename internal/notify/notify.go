// Package notify delivers desktop alerts through notify-send. It is an owned
// subsystem: construct in Startup, Stop in Shutdown, never a global.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
)

const dedupWindow = 5 * time.Minute

// Runner executes the notification command; swapped out in tests.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Desktop sends deduplicated desktop notifications. A missing notify-send
// binary downgrades every call to a log line rather than an error.
type Desktop struct {
	runner    Runner
	dedup     *ttlcache.Cache[string, struct{}]
	logger    zerolog.Logger
	appName   string
	available bool
}

// New probes for notify-send and starts the dedup cache janitor.
func New(appName string, logger zerolog.Logger) *Desktop {
	d := &Desktop{
		runner: execRunner,
		dedup: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](dedupWindow),
		),
		logger:  logger.With().Str("component", "notify").Logger(),
		appName: appName,
	}
	if _, err := exec.LookPath("notify-send"); err == nil {
		d.available = true
	} else {
		d.logger.Warn().Msg("notify-send not found, desktop notifications disabled")
	}
	go d.dedup.Start()
	return d
}

// Stop halts the cache janitor.
func (d *Desktop) Stop() {
	d.dedup.Stop()
}

// Notify shows one alert, suppressing repeats of the same title and body
// within the dedup window.
func (d *Desktop) Notify(ctx context.Context, title, body string) error {
	key := title + "\x00" + body
	if d.dedup.Has(key) {
		d.logger.Debug().Str("title", title).Msg("duplicate notification suppressed")
		return nil
	}
	d.dedup.Set(key, struct{}{}, ttlcache.DefaultTTL)

	if !d.available {
		d.logger.Info().Str("title", title).Str("body", body).Msg("notification (no display)")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.runner(ctx, "notify-send", "--app-name", d.appName, title, body); err != nil {
		return fmt.Errorf("notify-send: %w", err)
	}
	return nil
}
