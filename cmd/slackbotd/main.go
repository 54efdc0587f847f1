// slackbotd watches Slack conversations, drafts replies for review and keeps
// the channel/user caches warm. One instance per user session.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"botfleet/internal/approval"
	"botfleet/internal/bus"
	"botfleet/internal/config"
	"botfleet/internal/daemon"
	"botfleet/internal/health"
	"botfleet/internal/listener"
	"botfleet/internal/metrics"
	"botfleet/internal/notify"
	"botfleet/internal/provider"
	"botfleet/internal/statefile"
	"botfleet/internal/store"
	"botfleet/internal/syncer"
)

const daemonName = "slackbotd"

func main() {
	cli := &daemon.CLI{}
	fs := flag.NewFlagSet(daemonName, flag.ContinueOnError)
	cli.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if handled, code := cli.HandleControl(daemonName); handled {
		os.Exit(code)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	if cli.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Int("watched_channels", len(cfg.WatchedChannels)).
		Msg("starting slackbotd")

	app := &app{cli: cli, cfg: cfg, logger: logger}
	app.harness = daemon.New(daemon.Options{Name: daemonName, EnableBus: cli.DBus}, app, logger)
	os.Exit(app.harness.Run())
}

// app owns every subsystem of the daemon and implements the harness hooks.
type app struct {
	cli     *daemon.CLI
	cfg     *config.Config
	logger  zerolog.Logger
	harness *daemon.Harness

	store     *store.Store
	metrics   *metrics.Metrics
	slack     *provider.SlackProvider
	notifier  *notify.Desktop
	queue     *approval.Queue
	listener  *listener.Listener
	syncer    *syncer.Syncer
	publisher *statefile.Publisher
	watcher   *config.Watcher
	respConn  *bus.Client

	runCtx   context.Context
	pollTask *daemon.PeriodicTask
}

func (a *app) Startup(ctx context.Context) error {
	cfg := a.cfg
	if !cfg.SlackEnabled() {
		return fmt.Errorf("BOTFLEET_SLACK_TOKEN is not set")
	}

	st, err := store.New(filepath.Join(config.DataDir(), daemonName+".db"), a.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st
	if err := st.RunRetention(); err != nil {
		a.logger.Warn().Err(err).Msg("startup retention failed")
	}

	a.metrics = metrics.New(daemonName)
	if addr, err := a.metrics.Serve(cfg.MetricsAddr); err != nil {
		a.logger.Warn().Err(err).Msg("metrics listener failed (non-fatal)")
	} else {
		a.logger.Info().Str("addr", addr).Msg("metrics listening")
	}

	a.slack, err = provider.NewSlackProvider(ctx, cfg.SlackToken, a.logger)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}

	a.notifier = notify.New("botfleet", a.logger)

	var responder provider.ResponseGenerator
	if cfg.ResponderEnabled {
		conn, err := bus.Dial(bus.NewIdentity("Responder"), a.logger)
		if err != nil {
			a.logger.Warn().Err(err).Msg("responder daemon unreachable (non-fatal)")
		} else {
			a.respConn = conn
			responder = provider.NewBusResponder(conn)
		}
	}

	var signaler approval.Signaler
	if svc := a.harness.Bus(); svc != nil {
		signaler = svc
	}
	a.queue = approval.New(approval.Options{
		Store:        st,
		Provider:     a.slack,
		Responder:    responder,
		Signaler:     signaler,
		Metrics:      a.metrics,
		Logger:       a.logger,
		Clock:        a.harness.Clock(),
		MaxPending:   cfg.MaxPending,
		HistoryLimit: cfg.HistoryLimit,
	})
	if err := a.queue.Restore(); err != nil {
		return fmt.Errorf("restore approval queue: %w", err)
	}

	a.listener = listener.New(listener.Options{
		Provider:          a.slack,
		Store:             st,
		Approvals:         a.queue,
		Responder:         responder,
		Notifier:          a.notifier,
		Metrics:           a.metrics,
		Logger:            a.logger,
		Clock:             a.harness.Clock(),
		Channels:          cfg.WatchedChannels,
		Keywords:          cfg.Keywords,
		MaxPerTick:        cfg.MaxPerTick,
		MaxConsecutiveErr: cfg.MaxConsecutiveErr,
		Classifier:        listener.NewUserClassifier(cfg.SafeUsers, cfg.ConcernedUsers, cfg.SafeEmailDomains),
		Permissions:       listener.NewChannelPermissions(cfg.AutoReplyChannels, cfg.DeniedChannels),
	})

	a.syncer = syncer.New(syncer.Options{
		Provider:             a.slack,
		Store:                st,
		Metrics:              a.metrics,
		Logger:               a.logger,
		Clock:                a.harness.Clock(),
		PhotoDir:             filepath.Join(config.CacheDir(), "photos"),
		SweepInterval:        cfg.SyncInterval,
		MinDelay:             cfg.SyncMinDelay,
		MaxDelay:             cfg.SyncMaxDelay,
		RateLimitBackoff:     cfg.SyncRateLimitBackoff,
		MaxMembersPerChannel: cfg.MaxMembersPerChannel,
		SkipDMs:              cfg.SkipDMs,
	})

	a.publisher = statefile.New(config.CacheDir(), daemonName, a.stateDoc, a.harness.Clock(), a.logger)

	if w, err := config.NewWatcher(a.cli.Config, a.applyConfig, a.logger); err != nil {
		a.logger.Warn().Err(err).Msg("config watcher failed (non-fatal)")
	} else {
		a.watcher = w
	}

	a.harness.Health().Register("listener", func(context.Context) health.Status {
		if a.listener.Healthy() {
			return health.StatusOK
		}
		return health.StatusDown
	})

	a.registerBusMethods()
	return nil
}

func (a *app) RunDaemon(ctx context.Context) error {
	a.runCtx = ctx
	a.pollTask = &daemon.PeriodicTask{
		Name:           "slack-poll",
		Interval:       a.cfg.PollInterval,
		RunImmediately: true,
		Callback:       a.listener.Tick,
		Clock:          a.harness.Clock(),
		Logger:         a.logger,
	}
	a.pollTask.Start(ctx)
	a.syncer.Start(ctx)
	a.publisher.SetStatus("running")
	go a.publisher.Run(ctx)

	<-ctx.Done()
	a.pollTask.Stop()
	return ctx.Err()
}

func (a *app) Shutdown(context.Context) error {
	if a.pollTask != nil {
		a.pollTask.Stop()
	}
	if a.syncer != nil {
		a.syncer.Stop()
	}
	if a.listener != nil {
		a.listener.Close()
	}
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.notifier != nil {
		a.notifier.Stop()
	}
	if a.respConn != nil {
		a.respConn.Close()
	}
	if a.publisher != nil {
		a.publisher.SetStatus("stopped")
		if err := a.publisher.Write(); err != nil {
			a.logger.Warn().Err(err).Msg("final state write failed")
		}
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func (a *app) OnSystemSleep() {
	if a.publisher != nil {
		a.publisher.SetStatus("suspended")
	}
}

func (a *app) OnSystemWake() {
	a.metrics.WakesTotal.Inc()
	if a.publisher != nil {
		a.publisher.SetStatus("running")
	}
}

// applyConfig picks up a changed config file. Only the dynamic parts move;
// tokens and intervals need a restart.
func (a *app) applyConfig(cfg *config.Config) {
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && !a.cli.Verbose {
		zerolog.SetGlobalLevel(level)
	}
	a.listener.Reconfigure(
		cfg.WatchedChannels,
		cfg.Keywords,
		listener.NewUserClassifier(cfg.SafeUsers, cfg.ConcernedUsers, cfg.SafeEmailDomains),
		listener.NewChannelPermissions(cfg.AutoReplyChannels, cfg.DeniedChannels),
	)
	a.cfg = cfg
}

func (a *app) stateDoc() map[string]any {
	wakes, _ := a.harness.WakeStats()
	return map[string]any{
		"listener":       a.listener.Stats(),
		"approvals":      a.queue.Stats(),
		"sync":           a.syncer.Stats(),
		"wakes":          wakes,
		"uptime_seconds": int(a.harness.Uptime().Seconds()),
	}
}

func (a *app) registerBusMethods() {
	svc := a.harness.Bus()
	if svc == nil {
		return
	}

	svc.RegisterMethod("GetStatus", func(context.Context, string) (map[string]any, error) {
		return map[string]any{
			"status":         "running",
			"uptime_seconds": int(a.harness.Uptime().Seconds()),
		}, nil
	})
	svc.RegisterMethod("HealthCheck", func(ctx context.Context, _ string) (map[string]any, error) {
		rep := a.harness.Health().Report(ctx)
		return map[string]any{"healthy": rep.Healthy, "checks": rep.Checks, "message": rep.Message}, nil
	})
	svc.RegisterMethod("ReloadConfig", func(context.Context, string) (map[string]any, error) {
		cfg, err := config.Load(a.cli.Config)
		if err != nil {
			return nil, err
		}
		a.applyConfig(cfg)
		return map[string]any{"reloaded": true}, nil
	})
	svc.RegisterMethod("Shutdown", func(context.Context, string) (map[string]any, error) {
		go a.harness.RequestShutdown()
		return map[string]any{"stopping": true}, nil
	})
	svc.RegisterMethod("get_state", func(context.Context, string) (map[string]any, error) {
		return map[string]any{"state": a.stateDoc()}, nil
	})
	svc.RegisterMethod("write_state", func(context.Context, string) (map[string]any, error) {
		if err := a.publisher.Write(); err != nil {
			return nil, err
		}
		return map[string]any{"path": a.publisher.Path()}, nil
	})

	svc.RegisterMethod("GetPending", func(context.Context, string) (map[string]any, error) {
		return map[string]any{"pending": a.queue.GetPending()}, nil
	})
	svc.RegisterMethod("ApproveMessage", func(ctx context.Context, args string) (map[string]any, error) {
		var req struct {
			ID       string `json:"id"`
			Response string `json:"response"`
		}
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		rec, err := a.queue.ApproveWithResponse(ctx, req.ID, req.Response)
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": rec}, nil
	})
	svc.RegisterMethod("RejectMessage", func(_ context.Context, args string) (map[string]any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		rec, err := a.queue.Reject(req.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": rec}, nil
	})
	svc.RegisterBulkMethod("ApproveAll", func(ctx context.Context, _ string) (map[string]any, error) {
		return map[string]any{"outcomes": a.queue.ApproveAll(ctx)}, nil
	})
	svc.RegisterMethod("GetHistory", func(_ context.Context, args string) (map[string]any, error) {
		var req struct {
			Limit     int    `json:"limit"`
			Status    string `json:"status"`
			ChannelID string `json:"channel_id"`
		}
		if args != "" {
			if err := json.Unmarshal([]byte(args), &req); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
		}
		return map[string]any{"history": a.queue.GetHistory(req.Limit, req.Status, req.ChannelID)}, nil
	})

	svc.RegisterMethod("StartSync", func(context.Context, string) (map[string]any, error) {
		ctx := a.runCtx
		if ctx == nil {
			return nil, fmt.Errorf("daemon loop not running")
		}
		a.syncer.Start(ctx)
		return map[string]any{"running": true}, nil
	})
	svc.RegisterMethod("StopSync", func(context.Context, string) (map[string]any, error) {
		a.syncer.Stop()
		return map[string]any{"running": false}, nil
	})
	svc.RegisterMethod("TriggerSync", func(_ context.Context, args string) (map[string]any, error) {
		var req struct {
			Kind string `json:"kind"`
		}
		if args != "" {
			if err := json.Unmarshal([]byte(args), &req); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
		}
		if req.Kind == "" {
			req.Kind = "all"
		}
		if err := a.syncer.TriggerSync(req.Kind); err != nil {
			return nil, err
		}
		return map[string]any{"triggered": req.Kind}, nil
	})

	svc.RegisterMethod("ResolveTarget", func(_ context.Context, args string) (map[string]any, error) {
		var req struct {
			Ref string `json:"ref"`
		}
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		res, err := a.store.ResolveTarget(req.Ref)
		if err != nil {
			return nil, err
		}
		return map[string]any{"resolution": res}, nil
	})
}
