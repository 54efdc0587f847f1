// Package meeting autonomously joins meetings from watched calendars,
// orchestrates the sibling video daemon, and manages concurrent sessions.
package meeting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"botfleet/internal/daemon"
	"botfleet/internal/metrics"
	"botfleet/internal/provider"
	"botfleet/internal/store"
)

// Signaler is the bus side used for StatusChanged emission.
type Signaler interface {
	Emit(name string, values ...interface{})
}

// Options wires a Scheduler. Calendar, Browser, Allocator and Store are
// required; Video, Signaler and Metrics may be nil.
type Options struct {
	Calendar  provider.CalendarProvider
	Browser   provider.BrowserFactory
	Allocator provider.DeviceAllocator
	Video     VideoControl
	Store     *store.Store
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Clock     clockwork.Clock
	Signaler  Signaler

	PollInterval time.Duration
	TickInterval time.Duration
	LookAhead    time.Duration
	PreRoll      time.Duration
	Grace        time.Duration
	MaxParallel  int
	JoinTimeout  time.Duration
	JoinBackoffs []time.Duration
}

// Stats is the scheduler snapshot published on the bus.
type Stats struct {
	ActiveSessions int      `json:"active_sessions"`
	Joining        int      `json:"joining"`
	Joined         uint64   `json:"joined"`
	Completed      uint64   `json:"completed"`
	Failed         uint64   `json:"failed"`
	SessionIDs     []string `json:"session_ids"`
}

// Scheduler drives every meeting through its state machine from a single
// 5 s tick, polls calendars, and owns the session arena. Sessions reference
// meetings by id only; all cross-linking lives here.
type Scheduler struct {
	calendar  provider.CalendarProvider
	browser   provider.BrowserFactory
	allocator provider.DeviceAllocator
	video     VideoControl
	store     *store.Store
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	clock     clockwork.Clock
	signaler  Signaler

	pollInterval time.Duration
	tickInterval time.Duration
	lookAhead    time.Duration
	preRoll      time.Duration
	grace        time.Duration
	maxParallel  int
	joinTimeout  time.Duration
	joinBackoffs []time.Duration

	pollTask *daemon.PeriodicTask
	tickTask *daemon.PeriodicTask
	runCtx   context.Context
	runStop  context.CancelFunc

	mu        sync.Mutex
	sessions  map[string]*Session
	joining   map[string]struct{}
	joined    uint64
	completed uint64
	failed    uint64
	onError   func(string)
}

func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}
	if opts.LookAhead <= 0 {
		opts.LookAhead = 24 * time.Hour
	}
	if opts.PreRoll <= 0 {
		opts.PreRoll = 30 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Minute
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 3
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 45 * time.Second
	}
	if len(opts.JoinBackoffs) == 0 {
		opts.JoinBackoffs = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	}
	return &Scheduler{
		calendar:     opts.Calendar,
		browser:      opts.Browser,
		allocator:    opts.Allocator,
		video:        opts.Video,
		store:        opts.Store,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("component", "scheduler").Logger(),
		clock:        opts.Clock,
		signaler:     opts.Signaler,
		pollInterval: opts.PollInterval,
		tickInterval: opts.TickInterval,
		lookAhead:    opts.LookAhead,
		preRoll:      opts.PreRoll,
		grace:        opts.Grace,
		maxParallel:  opts.MaxParallel,
		joinTimeout:  opts.JoinTimeout,
		joinBackoffs: opts.JoinBackoffs,
		sessions:     make(map[string]*Session),
		joining:      make(map[string]struct{}),
	}
}

// SetErrorSink routes human-readable failure annotations, typically into the
// daemon's state file.
func (s *Scheduler) SetErrorSink(fn func(string)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Start reclaims orphaned devices and launches the poll and tick loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.runCtx, s.runStop = context.WithCancel(ctx)

	if s.allocator != nil {
		if n, err := s.allocator.ReclaimOrphans(s.runCtx, nil); err != nil {
			s.logger.Warn().Err(err).Msg("orphan device cleanup failed")
		} else if n > 0 {
			s.logger.Info().Int("reclaimed", n).Msg("reclaimed orphaned devices")
		}
	}

	s.pollTask = &daemon.PeriodicTask{
		Name:           "calendar-poll",
		Interval:       s.pollInterval,
		RunImmediately: true,
		Callback:       s.pollCalendars,
		Clock:          s.clock,
		Logger:         s.logger,
	}
	s.tickTask = &daemon.PeriodicTask{
		Name:     "meeting-tick",
		Interval: s.tickInterval,
		Callback: s.tick,
		Clock:    s.clock,
		Logger:   s.logger,
	}
	s.pollTask.Start(s.runCtx)
	s.tickTask.Start(s.runCtx)
}

// Stop leaves every active session and halts the loops.
func (s *Scheduler) Stop() {
	if s.pollTask != nil {
		s.pollTask.Stop()
	}
	if s.tickTask != nil {
		s.tickTask.Stop()
	}
	// Leave in parallel; each Leave blocks on its own flush and teardown.
	var g errgroup.Group
	for _, sess := range s.activeSessions() {
		sess := sess
		g.Go(func() error {
			sess.Leave("daemon shutdown")
			return nil
		})
	}
	_ = g.Wait()
	if s.runStop != nil {
		s.runStop()
	}
}

// OnWake re-polls calendars immediately and reaps sessions whose browser
// died during the suspend.
func (s *Scheduler) OnWake() {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.pollCalendars(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("post-wake calendar poll failed")
	}
	for _, sess := range s.activeSessions() {
		if sess.BrowserClosed() {
			sess.Leave("browser closed during suspend")
		}
	}
	if err := s.tick(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("post-wake tick failed")
	}
}

// pollCalendars projects upcoming events from every enabled calendar into
// meeting rows. Terminal meetings are left alone by the store.
func (s *Scheduler) pollCalendars(ctx context.Context) error {
	calendars, err := s.store.ListCalendars(true)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	var firstErr error
	for _, cal := range calendars {
		events, err := s.calendar.ListEvents(ctx, cal.ID, now, now.Add(s.lookAhead))
		if err != nil {
			s.logger.Warn().Err(err).Str("calendar", cal.ID).Msg("calendar poll failed")
			if firstErr == nil {
				firstErr = err
			}
			if s.metrics != nil {
				s.metrics.RecordError("scheduler", "calendar_poll")
			}
			continue
		}
		for _, ev := range events {
			if !ValidMeetURL(ev.ConferenceURL) {
				continue
			}
			m := &store.Meeting{
				EventID:        ev.ID,
				Title:          ev.Title,
				MeetURL:        ev.ConferenceURL,
				ScheduledStart: ev.Start,
				ScheduledEnd:   ev.End,
				Organizer:      ev.Organizer,
				CalendarID:     cal.ID,
				CalendarName:   cal.DisplayName,
			}
			if err := s.store.UpsertMeeting(m); err != nil {
				s.logger.Warn().Err(err).Str("event", ev.ID).Msg("meeting upsert failed")
				continue
			}
			if cal.AutoJoin {
				if cur, err := s.store.GetMeeting(ev.ID); err == nil && cur.Status == store.MeetingScheduled {
					if err := s.store.SetMeetingApproval(ev.ID, cal.BotMode, "auto-join"); err == nil {
						s.logger.Info().Str("event", ev.ID).Msg("auto-approved from calendar policy")
					}
				}
			}
			if sess := s.session(ev.ID); sess != nil {
				// Calendar moved the end of an active meeting.
				sess.extendUntil(ev.End, s.grace)
			}
		}
	}
	if s.metrics != nil {
		outcome := "ok"
		if firstErr != nil {
			outcome = "error"
		}
		s.metrics.PollsTotal.WithLabelValues("calendar", outcome).Inc()
	}
	return firstErr
}

// tick evaluates every non-terminal meeting in deterministic order.
func (s *Scheduler) tick(ctx context.Context) error {
	meetings, err := s.store.ListMeetings(
		store.MeetingApproved, store.MeetingJoining, store.MeetingActive)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, m := range meetings {
		switch m.Status {
		case store.MeetingApproved:
			s.evalApproved(ctx, m, now)
		case store.MeetingJoining:
			// The join goroutine owns this state; a joining row without a
			// live attempt means the daemon restarted mid-join.
			if !s.isJoining(m.EventID) && s.session(m.EventID) == nil {
				s.beginJoin(ctx, m)
			}
		case store.MeetingActive:
			s.evalActive(m, now)
		}
	}
	return nil
}

func (s *Scheduler) evalApproved(ctx context.Context, m *store.Meeting, now time.Time) {
	if m.ScheduledEnd != nil && now.After(m.ScheduledEnd.Add(s.grace)) {
		s.logger.Info().Str("event", m.EventID).Msg("join window passed, skipping meeting")
		s.setStatus(m.EventID, store.MeetingSkipped)
		return
	}
	if now.Before(m.ScheduledStart.Add(-s.preRoll)) {
		return
	}
	s.beginJoin(ctx, m)
}

func (s *Scheduler) evalActive(m *store.Meeting, now time.Time) {
	sess := s.session(m.EventID)
	if sess == nil {
		// Active row with no live session: the daemon restarted mid-meeting.
		s.logger.Warn().Str("event", m.EventID).Msg("active meeting has no session, completing")
		s.completeMeeting(m.EventID, "orphaned after restart")
		return
	}
	if sess.BrowserClosed() {
		sess.Leave("browser closed")
		return
	}
	if m.ScheduledEnd != nil && now.After(m.ScheduledEnd.Add(s.grace)) {
		sess.Leave("past scheduled end")
	}
}

// beginJoin takes the per-meeting lock and global cap, then drives the
// retry loop on its own goroutine.
func (s *Scheduler) beginJoin(ctx context.Context, m *store.Meeting) {
	s.mu.Lock()
	if _, busy := s.joining[m.EventID]; busy {
		s.mu.Unlock()
		return
	}
	if len(s.sessions)+len(s.joining) >= s.maxParallel {
		s.mu.Unlock()
		s.logger.Debug().Str("event", m.EventID).Msg("parallel meeting cap reached, waiting")
		return
	}
	s.joining[m.EventID] = struct{}{}
	s.mu.Unlock()

	if err := s.setStatus(m.EventID, store.MeetingJoining); err != nil {
		s.releaseJoin(m.EventID)
		return
	}

	go s.doJoin(ctx, m)
}

func (s *Scheduler) doJoin(ctx context.Context, m *store.Meeting) {
	defer s.releaseJoin(m.EventID)

	var lastErr error
	for attempt := 0; attempt < len(s.joinBackoffs); attempt++ {
		if ctx.Err() != nil {
			return
		}
		lastErr = s.joinOnce(ctx, m)
		if lastErr == nil {
			return
		}
		s.logger.Warn().Err(lastErr).Str("event", m.EventID).
			Int("attempt", attempt+1).Msg("join attempt failed")
		if attempt < len(s.joinBackoffs)-1 {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.joinBackoffs[attempt]):
			}
		}
	}

	reason := fmt.Sprintf("join failed after %d attempts: %v", len(s.joinBackoffs), lastErr)
	s.logger.Error().Str("event", m.EventID).Msg(reason)
	s.setStatus(m.EventID, store.MeetingError)
	s.mu.Lock()
	s.failed++
	sink := s.onError
	s.mu.Unlock()
	if sink != nil {
		sink(reason)
	}
	if s.metrics != nil {
		s.metrics.MeetingsTotal.WithLabelValues(store.MeetingError).Inc()
	}
}

// joinOnce is one bounded join attempt: devices, sibling video, browser.
func (s *Scheduler) joinOnce(ctx context.Context, m *store.Meeting) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.joinTimeout)
	defer cancel()

	var devices provider.MediaDevices
	if s.allocator != nil {
		var err error
		devices, err = s.allocator.Allocate(attemptCtx, m.EventID)
		if err != nil {
			return fmt.Errorf("device allocation: %w", err)
		}
	}
	release := func() {
		if s.allocator != nil {
			if err := s.allocator.Release(context.Background(), m.EventID); err != nil {
				s.logger.Warn().Err(err).Str("event", m.EventID).Msg("device release failed")
			}
		}
	}

	videoOn := m.VideoEnabled && s.video != nil
	if videoOn {
		if err := s.video.StartVideo(attemptCtx, devices); err != nil {
			// Video daemon refused: continue audio-only.
			s.logger.Warn().Err(err).Str("event", m.EventID).Msg("start_video failed, continuing audio-only")
			videoOn = false
		}
	}

	browser := s.browser()
	if err := browser.Join(attemptCtx, m.MeetURL, devices); err != nil {
		if videoOn {
			if stopErr := s.video.StopVideo(context.Background()); stopErr != nil {
				s.logger.Warn().Err(stopErr).Msg("stop_video after failed join")
			}
		}
		release()
		return fmt.Errorf("browser join: %w", err)
	}

	sess := newSession(m.EventID, m.MeetURL, m.Title, m.BotMode, browser, devices,
		s.video, videoOn, s.store, s.clock, s.logger, s.onSessionEnd)
	runCtx := s.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	sess.start(runCtx, m.ScheduledEnd, s.grace)

	s.mu.Lock()
	s.sessions[m.EventID] = sess
	s.joined++
	s.mu.Unlock()

	if err := s.setStatus(m.EventID, store.MeetingActive); err != nil {
		s.logger.Error().Err(err).Str("event", m.EventID).Msg("joined but failed to persist status")
	}
	if s.metrics != nil {
		s.metrics.ActiveMeetings.Inc()
		s.metrics.MeetingsTotal.WithLabelValues(store.MeetingActive).Inc()
	}
	s.logger.Info().Str("event", m.EventID).Str("title", m.Title).Bool("video", videoOn).Msg("joined meeting")
	return nil
}

// onSessionEnd runs after a session finished its own teardown.
func (s *Scheduler) onSessionEnd(sessionID, reason string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.completed++
	s.mu.Unlock()

	if s.allocator != nil {
		if err := s.allocator.Release(context.Background(), sessionID); err != nil {
			s.logger.Warn().Err(err).Str("event", sessionID).Msg("device release failed")
		}
	}
	s.completeMeeting(sessionID, reason)
	if s.metrics != nil {
		s.metrics.ActiveMeetings.Dec()
	}
}

func (s *Scheduler) completeMeeting(eventID, reason string) {
	if err := s.store.CompleteMeeting(eventID, s.clock.Now()); err != nil {
		s.logger.Error().Err(err).Str("event", eventID).Msg("failed to mark meeting completed")
		return
	}
	if s.metrics != nil {
		s.metrics.MeetingsTotal.WithLabelValues(store.MeetingCompleted).Inc()
	}
	s.emitStatus(eventID, store.MeetingCompleted)
	s.logger.Info().Str("event", eventID).Str("reason", reason).Msg("meeting completed")
}

func (s *Scheduler) setStatus(eventID, status string) error {
	if err := s.store.UpdateMeetingStatus(eventID, status); err != nil {
		s.logger.Error().Err(err).Str("event", eventID).Str("status", status).Msg("status update failed")
		return err
	}
	if s.metrics != nil {
		s.metrics.MeetingsTotal.WithLabelValues(status).Inc()
	}
	s.emitStatus(eventID, status)
	return nil
}

func (s *Scheduler) emitStatus(eventID, status string) {
	if s.signaler != nil {
		s.signaler.Emit("StatusChanged", eventID+":"+status)
	}
}

func (s *Scheduler) session(eventID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[eventID]
}

func (s *Scheduler) activeSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Scheduler) isJoining(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joining[eventID]
	return ok
}

func (s *Scheduler) releaseJoin(eventID string) {
	s.mu.Lock()
	delete(s.joining, eventID)
	s.mu.Unlock()
}

// Stats returns a snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return Stats{
		ActiveSessions: len(s.sessions),
		Joining:        len(s.joining),
		Joined:         s.joined,
		Completed:      s.completed,
		Failed:         s.failed,
		SessionIDs:     ids,
	}
}
