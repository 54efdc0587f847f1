package meeting

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"botfleet/internal/daemon"
	"botfleet/internal/provider"
	"botfleet/internal/store"
)

const (
	transcriptFlushSize  = 10
	transcriptFlushEvery = 30 * time.Second

	participantRampPoll  = 2 * time.Second
	participantRampFor   = 10 * time.Second
	participantSteadyPol = 15 * time.Second
)

// Session owns one active meeting: the browser handle, caption capture, the
// transcript buffer and the auto-leave timer. Sessions never outlive their
// scheduler and expose no bus surface of their own.
type Session struct {
	ID      string
	MeetURL string
	Title   string
	Mode    string

	browser provider.Browser
	devices provider.MediaDevices
	video   VideoControl
	videoOn bool
	store   *store.Store
	clock   clockwork.Clock
	logger  zerolog.Logger

	// onEnd is called exactly once with the end reason after cleanup.
	onEnd func(sessionID, reason string)

	mu           sync.Mutex
	buffer       []store.TranscriptEntry
	participants []provider.Participant
	muted        bool
	ended        bool

	autoLeave *daemon.Timer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	endOnce   sync.Once
}

func newSession(id, url, title, mode string, browser provider.Browser, devices provider.MediaDevices,
	video VideoControl, videoOn bool, st *store.Store, clock clockwork.Clock, logger zerolog.Logger,
	onEnd func(sessionID, reason string)) *Session {
	return &Session{
		ID:      id,
		MeetURL: url,
		Title:   title,
		Mode:    mode,
		browser: browser,
		devices: devices,
		video:   video,
		videoOn: videoOn,
		store:   st,
		clock:   clock,
		logger:  logger.With().Str("component", "session").Str("meeting", id).Logger(),
		onEnd:   onEnd,
	}
}

// start launches the capture loops and arms the auto-leave timer. A nil
// scheduledEnd leaves the timer unarmed; only a manual leave ends the session.
func (s *Session) start(ctx context.Context, scheduledEnd *time.Time, grace time.Duration) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.autoLeave = daemon.NewTimer(s.clock, func() {
		s.logger.Info().Msg("auto-leave deadline reached")
		s.Leave("auto-leave")
	})
	if scheduledEnd != nil {
		s.autoLeave.Reschedule(scheduledEnd.Add(grace).Sub(s.clock.Now()))
	}

	s.wg.Add(2)
	go s.captionLoop(runCtx)
	go s.participantLoop(runCtx)
}

// extendUntil rearms the auto-leave timer, used when the calendar moves the
// meeting's end while it is active.
func (s *Session) extendUntil(scheduledEnd *time.Time, grace time.Duration) {
	if s.autoLeave == nil {
		return
	}
	if scheduledEnd == nil {
		s.autoLeave.Disarm()
		return
	}
	s.autoLeave.Reschedule(scheduledEnd.Add(grace).Sub(s.clock.Now()))
}

// captionLoop drains the browser's caption stream into the transcript
// buffer, flushing on size or cadence.
func (s *Session) captionLoop(ctx context.Context) {
	defer s.wg.Done()
	captions := s.browser.Captions()
	// The cadence channel is renewed only after a flush. Recreating it per
	// iteration would let a steady caption stream starve the time-based flush.
	flushAt := s.clock.After(transcriptFlushEvery)
	for {
		select {
		case <-ctx.Done():
			return
		case <-flushAt:
			s.flush()
			flushAt = s.clock.After(transcriptFlushEvery)
		case c, ok := <-captions:
			if !ok {
				s.flush()
				return
			}
			s.mu.Lock()
			s.buffer = append(s.buffer, store.TranscriptEntry{
				MeetingID: s.ID,
				Speaker:   c.Speaker,
				Text:      c.Text,
				Timestamp: c.At,
			})
			n := len(s.buffer)
			s.mu.Unlock()
			if n >= transcriptFlushSize {
				s.flush()
				flushAt = s.clock.After(transcriptFlushEvery)
			}
		}
	}
}

// flush persists and clears the buffer. Failed writes keep the entries for
// the next attempt.
func (s *Session) flush() {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := s.store.AppendTranscripts(batch); err != nil {
		s.logger.Error().Err(err).Int("entries", len(batch)).Msg("transcript flush failed")
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.mu.Unlock()
	}
}

// participantLoop polls the roster rapidly while it populates, then settles
// into a slow cadence, forwarding changes to the video daemon.
func (s *Session) participantLoop(ctx context.Context) {
	defer s.wg.Done()
	rampUntil := s.clock.Now().Add(participantRampFor)
	for {
		interval := participantSteadyPol
		if s.clock.Now().Before(rampUntil) {
			interval = participantRampPoll
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}

		participants, err := s.browser.GetParticipants(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("participant poll failed")
			continue
		}
		s.mu.Lock()
		changed := !sameRoster(s.participants, participants)
		s.participants = participants
		s.mu.Unlock()
		if changed && s.videoOn && s.video != nil {
			if err := s.video.UpdateAttendees(ctx, participants); err != nil {
				s.logger.Warn().Err(err).Msg("attendee update failed")
			}
		}
	}
}

// Participants returns the last polled roster.
func (s *Session) Participants() []provider.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Participant, len(s.participants))
	copy(out, s.participants)
	return out
}

// Mute asks the browser to mute the bot's microphone.
func (s *Session) Mute(ctx context.Context) error {
	if err := s.browser.Mute(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.muted = true
	s.mu.Unlock()
	return nil
}

// Unmute reverses Mute.
func (s *Session) Unmute(ctx context.Context) error {
	if err := s.browser.Unmute(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.muted = false
	s.mu.Unlock()
	return nil
}

// BrowserClosed reports whether the underlying browser handle is gone.
func (s *Session) BrowserClosed() bool { return s.browser.IsClosed() }

// Leave tears the session down exactly once: stop loops, final transcript
// flush, stop sibling video, leave the browser, then notify the scheduler.
func (s *Session) Leave(reason string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		s.logger.Info().Str("reason", reason).Msg("leaving meeting")

		if s.autoLeave != nil {
			s.autoLeave.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.flush()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.videoOn && s.video != nil {
			if err := s.video.StopVideo(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("stop_video failed")
			}
		}
		if !s.browser.IsClosed() {
			if err := s.browser.Leave(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("browser leave failed")
			}
		}
		if s.onEnd != nil {
			s.onEnd(s.ID, reason)
		}
	})
}

func sameRoster(a, b []provider.Participant) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
