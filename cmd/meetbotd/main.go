// meetbotd joins meetings from watched calendars and drives the sibling
// media daemons through the bus. One instance per user session.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"botfleet/internal/bus"
	"botfleet/internal/config"
	"botfleet/internal/daemon"
	"botfleet/internal/health"
	"botfleet/internal/meeting"
	"botfleet/internal/metrics"
	"botfleet/internal/provider"
	"botfleet/internal/statefile"
	"botfleet/internal/store"
)

const daemonName = "meetbotd"

func main() {
	cli := &daemon.CLI{}
	fs := flag.NewFlagSet(daemonName, flag.ContinueOnError)
	cli.BindFlags(fs)
	maxParallel := fs.Int("max-parallel", 0, "max concurrent meetings (0 = config default)")
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
	if *maxParallel > 0 {
		cfg.MaxParallelMeetings = *maxParallel
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Bool("calendar_enabled", cfg.CalendarEnabled()).
		Int("max_parallel", cfg.MaxParallelMeetings).
		Msg("starting meetbotd")

	app := &app{cli: cli, cfg: cfg, logger: logger}
	app.harness = daemon.New(daemon.Options{Name: daemonName, EnableBus: cli.DBus}, app, logger)
	os.Exit(app.harness.Run())
}

type app struct {
	cli     *daemon.CLI
	cfg     *config.Config
	logger  zerolog.Logger
	harness *daemon.Harness

	store     *store.Store
	metrics   *metrics.Metrics
	scheduler *meeting.Scheduler
	publisher *statefile.Publisher
	watcher   *config.Watcher
	videoConn *bus.Client
	audioConn *bus.Client

	runCtx context.Context
}

// nullCalendar serves an unconfigured daemon: no calendars, no events.
// Ad-hoc joins still work.
type nullCalendar struct{}

func (nullCalendar) ListCalendars(context.Context) ([]provider.CalendarInfo, error) {
	return nil, nil
}

func (nullCalendar) ListEvents(context.Context, string, time.Time, time.Time) ([]provider.Event, error) {
	return nil, nil
}

func (a *app) Startup(ctx context.Context) error {
	cfg := a.cfg

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

	var calendar provider.CalendarProvider = nullCalendar{}
	if cfg.CalendarEnabled() {
		calendar = provider.NewHTTPCalendar(cfg.CalendarBaseURL, cfg.CalendarToken, a.logger)
	} else {
		a.logger.Warn().Msg("calendar gateway not configured, ad-hoc joins only")
	}

	var video meeting.VideoControl
	var allocator provider.DeviceAllocator
	if a.cli.DBus {
		if conn, err := bus.Dial(bus.NewIdentity("Video"), a.logger); err != nil {
			a.logger.Warn().Err(err).Msg("video daemon unreachable (non-fatal)")
		} else {
			a.videoConn = conn
			video = meeting.NewBusVideo(conn)
		}
		if conn, err := bus.Dial(bus.NewIdentity("Audio"), a.logger); err != nil {
			a.logger.Warn().Err(err).Msg("audio router unreachable (non-fatal)")
		} else {
			a.audioConn = conn
			allocator = meeting.NewBusAllocator(conn)
		}
	}

	var signaler meeting.Signaler
	if svc := a.harness.Bus(); svc != nil {
		signaler = svc
	}
	a.scheduler = meeting.New(meeting.Options{
		Calendar:     calendar,
		Browser:      provider.NewHelperFactory(cfg.MeetHelper, a.logger),
		Allocator:    allocator,
		Video:        video,
		Store:        st,
		Metrics:      a.metrics,
		Logger:       a.logger,
		Clock:        a.harness.Clock(),
		Signaler:     signaler,
		PollInterval: cfg.CalendarPollInterval,
		LookAhead:    cfg.LookAhead,
		PreRoll:      cfg.PreRoll,
		Grace:        cfg.Grace,
		MaxParallel:  cfg.MaxParallelMeetings,
	})

	a.publisher = statefile.New(config.CacheDir(), daemonName, a.stateDoc, a.harness.Clock(), a.logger)
	a.scheduler.SetErrorSink(a.publisher.RecordError)

	if w, err := config.NewWatcher(a.cli.Config, a.applyConfig, a.logger); err != nil {
		a.logger.Warn().Err(err).Msg("config watcher failed (non-fatal)")
	} else {
		a.watcher = w
	}

	a.harness.Health().Register("scheduler", func(context.Context) health.Status {
		stats := a.scheduler.Stats()
		if stats.ActiveSessions+stats.Joining > cfg.MaxParallelMeetings {
			return health.StatusDegraded
		}
		return health.StatusOK
	})

	a.registerBusMethods()
	return nil
}

func (a *app) RunDaemon(ctx context.Context) error {
	a.runCtx = ctx
	a.scheduler.Start(ctx)
	a.publisher.SetStatus("running")
	go a.publisher.Run(ctx)

	<-ctx.Done()
	return ctx.Err()
}

func (a *app) Shutdown(context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.videoConn != nil {
		a.videoConn.Close()
	}
	if a.audioConn != nil {
		a.audioConn.Close()
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
	a.scheduler.OnWake()
}

func (a *app) applyConfig(cfg *config.Config) {
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && !a.cli.Verbose {
		zerolog.SetGlobalLevel(level)
	}
	a.cfg = cfg
}

func (a *app) stateDoc() map[string]any {
	wakes, _ := a.harness.WakeStats()
	return map[string]any{
		"scheduler":      a.scheduler.Stats(),
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
		state, err := a.scheduler.State()
		if err != nil {
			return nil, err
		}
		return map[string]any{"state": state}, nil
	})
	svc.RegisterMethod("write_state", func(context.Context, string) (map[string]any, error) {
		if err := a.publisher.Write(); err != nil {
			return nil, err
		}
		return map[string]any{"path": a.publisher.Path()}, nil
	})

	type eventArgs struct {
		EventID string `json:"event_id"`
		Mode    string `json:"mode"`
	}
	decodeEvent := func(args string) (eventArgs, error) {
		var req eventArgs
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return req, fmt.Errorf("bad arguments: %w", err)
		}
		if req.EventID == "" {
			return req, fmt.Errorf("event_id is required")
		}
		return req, nil
	}

	svc.RegisterMethod("approve_meeting", func(_ context.Context, args string) (map[string]any, error) {
		req, err := decodeEvent(args)
		if err != nil {
			return nil, err
		}
		m, err := a.scheduler.Approve(req.EventID, req.Mode, "bus")
		if err != nil {
			return nil, err
		}
		return map[string]any{"meeting": m}, nil
	})
	svc.RegisterMethod("unapprove_meeting", func(_ context.Context, args string) (map[string]any, error) {
		req, err := decodeEvent(args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"event_id": req.EventID}, a.scheduler.Unapprove(req.EventID)
	})
	svc.RegisterMethod("skip_meeting", func(_ context.Context, args string) (map[string]any, error) {
		req, err := decodeEvent(args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"event_id": req.EventID}, a.scheduler.Skip(req.EventID)
	})
	svc.RegisterMethod("force_join", func(ctx context.Context, args string) (map[string]any, error) {
		req, err := decodeEvent(args)
		if err != nil {
			return nil, err
		}
		if err := a.scheduler.ForceJoin(a.loopCtx(ctx), req.EventID); err != nil {
			return nil, err
		}
		return map[string]any{"event_id": req.EventID, "status": "joining"}, nil
	})
	svc.RegisterMethod("set_meeting_mode", func(_ context.Context, args string) (map[string]any, error) {
		req, err := decodeEvent(args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"event_id": req.EventID}, a.scheduler.SetMode(req.EventID, req.Mode)
	})
	svc.RegisterMethod("join_meeting", func(ctx context.Context, args string) (map[string]any, error) {
		var req struct {
			URL          string `json:"url"`
			Title        string `json:"title"`
			Mode         string `json:"mode"`
			VideoEnabled bool   `json:"video_enabled"`
		}
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		id, err := a.scheduler.JoinAdhoc(a.loopCtx(ctx), req.URL, req.Title, req.Mode, req.VideoEnabled)
		if err != nil {
			return nil, err
		}
		return map[string]any{"event_id": id, "status": "joining"}, nil
	})
	svc.RegisterMethod("leave_meeting", func(_ context.Context, args string) (map[string]any, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		return map[string]any{"session_id": req.SessionID}, a.scheduler.LeaveMeeting(req.SessionID)
	})
	svc.RegisterMethod("get_captions", func(_ context.Context, args string) (map[string]any, error) {
		var req struct {
			Limit int `json:"limit"`
		}
		if args != "" {
			if err := json.Unmarshal([]byte(args), &req); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
		}
		entries, err := a.scheduler.Captions(req.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"captions": entries}, nil
	})
	svc.RegisterMethod("get_participants", func(context.Context, string) (map[string]any, error) {
		return map[string]any{"participants": a.scheduler.Participants()}, nil
	})
	svc.RegisterMethod("mute_audio", func(ctx context.Context, args string) (map[string]any, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		return map[string]any{"session_id": req.SessionID}, a.scheduler.MuteAudio(ctx, req.SessionID)
	})
	svc.RegisterMethod("unmute_audio", func(ctx context.Context, args string) (map[string]any, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		return map[string]any{"session_id": req.SessionID}, a.scheduler.UnmuteAudio(ctx, req.SessionID)
	})
	svc.RegisterMethod("add_calendar", func(ctx context.Context, args string) (map[string]any, error) {
		var req struct {
			CalendarID string `json:"calendar_id"`
			AutoJoin   bool   `json:"auto_join"`
			Mode       string `json:"mode"`
		}
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		if err := a.scheduler.AddCalendar(ctx, req.CalendarID, req.AutoJoin, req.Mode); err != nil {
			return nil, err
		}
		return map[string]any{"calendar_id": req.CalendarID}, nil
	})
	svc.RegisterMethod("remove_calendar", func(_ context.Context, args string) (map[string]any, error) {
		var req struct {
			CalendarID string `json:"calendar_id"`
		}
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		return map[string]any{"calendar_id": req.CalendarID}, a.scheduler.RemoveCalendar(req.CalendarID)
	})
}

// loopCtx prefers the daemon run context so join work outlives the bus call.
func (a *app) loopCtx(fallback context.Context) context.Context {
	if a.runCtx != nil {
		return a.runCtx
	}
	return fallback
}
