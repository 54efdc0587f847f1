// Package daemon is the shared lifecycle harness: single-instance locking,
// signal handling, systemd notification and watchdog, sleep/wake awareness,
// and the wall-clock-anchored periodic primitives every daemon builds on.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"botfleet/internal/bus"
	"botfleet/internal/health"
)

const startupTimeout = 30 * time.Second

// Hooks are the implementer surface. Startup and Shutdown must be idempotent;
// Shutdown releases everything Startup acquired, in reverse order, even when
// startup partially failed. RunDaemon returns only once ctx is cancelled.
type Hooks interface {
	Startup(ctx context.Context) error
	RunDaemon(ctx context.Context) error
	Shutdown(ctx context.Context) error
	OnSystemSleep()
	OnSystemWake()
}

// Options configure a harness instance.
type Options struct {
	Name      string
	EnableBus bool
	Clock     clockwork.Clock
}

// Harness drives one daemon through its whole lifetime.
type Harness struct {
	opts    Options
	hooks   Hooks
	logger  zerolog.Logger
	clock   clockwork.Clock
	health  *health.Checker
	service *bus.Service
	wake    *WakeMonitor

	startedAt    time.Time
	ready        atomic.Bool
	shutdownFlag atomic.Bool
	cancelRun    context.CancelFunc
}

// New creates a harness. The bus service is created eagerly so hooks can
// register methods before Run exports the object.
func New(opts Options, hooks Hooks, logger zerolog.Logger) *Harness {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	h := &Harness{
		opts:   opts,
		hooks:  hooks,
		logger: logger.With().Str("daemon", opts.Name).Logger(),
		clock:  opts.Clock,
		health: health.NewChecker(logger),
	}
	if opts.EnableBus {
		h.service = bus.NewService(bus.NewIdentity(opts.Name), logger)
	}
	return h
}

// Health returns the harness health checker for subsystem registration.
func (h *Harness) Health() *health.Checker { return h.health }

// Bus returns the bus service, or nil when the bus is disabled.
func (h *Harness) Bus() *bus.Service { return h.service }

// Clock returns the harness clock (fake in tests).
func (h *Harness) Clock() clockwork.Clock { return h.clock }

// WakeStats returns the wake count and last wake time.
func (h *Harness) WakeStats() (int64, time.Time) {
	if h.wake == nil {
		return 0, time.Time{}
	}
	return h.wake.Stats()
}

// Uptime reports time since Run acquired the lock.
func (h *Harness) Uptime() time.Duration {
	if h.startedAt.IsZero() {
		return 0
	}
	return h.clock.Now().Sub(h.startedAt)
}

// RequestShutdown asks the daemon to stop. Safe from any goroutine. A second
// request escalates to immediate exit.
func (h *Harness) RequestShutdown() {
	if h.shutdownFlag.CompareAndSwap(false, true) {
		h.logger.Info().Msg("shutdown requested")
		if h.cancelRun != nil {
			h.cancelRun()
		}
		return
	}
	h.logger.Warn().Msg("second shutdown request, exiting immediately")
	os.Exit(1)
}

// ShuttingDown reports whether shutdown has been requested.
func (h *Harness) ShuttingDown() bool { return h.shutdownFlag.Load() }

// Run is the blocking daemon entry point. Returns the process exit code.
func (h *Harness) Run() int {
	lock, err := AcquireLock(h.opts.Name)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to acquire instance lock")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer lock.Release()
	h.startedAt = h.clock.Now()

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancelRun = cancel
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			h.logger.Info().Str("signal", sig.String()).Msg("signal received")
			h.RequestShutdown()
		}
	}()

	// Sleep/wake callbacks stay gated until startup finishes, so hooks never
	// observe a partially initialized daemon.
	h.wake = NewWakeMonitor(h.clock, h.whenReady(h.hooks.OnSystemSleep), h.whenReady(h.hooks.OnSystemWake), h.logger)
	h.wake.Start()
	defer h.wake.Stop()

	startupCtx, startupCancel := context.WithTimeout(runCtx, startupTimeout)
	err = h.hooks.Startup(startupCtx)
	startupCancel()
	if err != nil {
		h.logger.Error().Err(err).Msg("startup failed")
		h.runShutdown()
		return 1
	}
	h.ready.Store(true)

	if h.service != nil {
		if err := h.service.Start(); err != nil {
			h.logger.Error().Err(err).Msg("bus export failed")
			h.runShutdown()
			return 1
		}
		defer h.service.Stop()
		h.service.Emit("StatusChanged", "running")
	}

	sdaemon.SdNotify(false, sdaemon.SdNotifyReady)
	stopWatchdog := h.startWatchdog(runCtx)

	h.logger.Info().Msg("daemon running")
	runErr := h.hooks.RunDaemon(runCtx)
	h.ready.Store(false)

	stopWatchdog()
	sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)
	if h.service != nil {
		h.service.Emit("StatusChanged", "stopping")
	}
	h.runShutdown()

	if runErr != nil && runErr != context.Canceled {
		h.logger.Error().Err(runErr).Msg("daemon loop failed")
		return 1
	}
	h.logger.Info().Msg("daemon stopped")
	return 0
}

// whenReady wraps a sleep/wake hook so it is dropped outside the window
// between successful startup and the end of the run loop.
func (h *Harness) whenReady(fn func()) func() {
	return func() {
		if fn != nil && h.ready.Load() {
			fn()
		}
	}
}

func (h *Harness) runShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.hooks.Shutdown(ctx); err != nil {
		h.logger.Error().Err(err).Msg("shutdown hook failed")
	}
}

// startWatchdog pings the service manager at half the configured watchdog
// timeout, but only while the daemon reports healthy.
func (h *Harness) startWatchdog(ctx context.Context) (stop func()) {
	interval, err := sdaemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				rep := h.health.Report(ctx)
				if rep.Healthy {
					sdaemon.SdNotify(false, sdaemon.SdNotifyWatchdog)
				} else {
					h.logger.Warn().Str("message", rep.Message).Msg("unhealthy, skipping watchdog ping")
				}
			}
		}
	}()
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			close(done)
		}
	}
}
