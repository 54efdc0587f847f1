package meeting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"botfleet/internal/store"
	"botfleet/internal/xerrors"
)

// Manual controls, one per bus method. Each validates against the current
// meeting state and returns the updated record where useful.

// Approve moves a scheduled meeting to approved with the given bot mode.
func (s *Scheduler) Approve(eventID, mode, approvedBy string) (*store.Meeting, error) {
	m, err := s.store.GetMeeting(eventID)
	if err != nil {
		return nil, err
	}
	if m.Status != store.MeetingScheduled {
		return nil, fmt.Errorf("%w: cannot approve meeting in state %s", xerrors.ErrBadTransition, m.Status)
	}
	if mode == "" {
		mode = "notes"
	}
	if err := s.store.SetMeetingApproval(eventID, mode, approvedBy); err != nil {
		return nil, err
	}
	s.emitStatus(eventID, store.MeetingApproved)
	return s.store.GetMeeting(eventID)
}

// Unapprove returns an approved meeting to scheduled.
func (s *Scheduler) Unapprove(eventID string) error {
	m, err := s.store.GetMeeting(eventID)
	if err != nil {
		return err
	}
	if m.Status != store.MeetingApproved {
		return fmt.Errorf("%w: cannot unapprove meeting in state %s", xerrors.ErrBadTransition, m.Status)
	}
	return s.setStatus(eventID, store.MeetingScheduled)
}

// Skip marks a not-yet-joined meeting as skipped.
func (s *Scheduler) Skip(eventID string) error {
	m, err := s.store.GetMeeting(eventID)
	if err != nil {
		return err
	}
	switch m.Status {
	case store.MeetingScheduled, store.MeetingApproved:
		return s.setStatus(eventID, store.MeetingSkipped)
	default:
		return fmt.Errorf("%w: cannot skip meeting in state %s", xerrors.ErrBadTransition, m.Status)
	}
}

// ForceJoin bypasses the pre-roll window and joins now. The meeting must not
// already be joining or active.
func (s *Scheduler) ForceJoin(ctx context.Context, eventID string) error {
	m, err := s.store.GetMeeting(eventID)
	if err != nil {
		return err
	}
	switch m.Status {
	case store.MeetingScheduled:
		if err := s.store.SetMeetingApproval(eventID, "notes", "force-join"); err != nil {
			return err
		}
		m.Status = store.MeetingApproved
	case store.MeetingApproved:
	default:
		return fmt.Errorf("%w: cannot force-join meeting in state %s", xerrors.ErrBadTransition, m.Status)
	}
	s.beginJoin(ctx, m)
	return nil
}

// SetMode changes the bot mode of a meeting, live sessions included.
func (s *Scheduler) SetMode(eventID, mode string) error {
	if err := s.store.SetMeetingMode(eventID, mode); err != nil {
		return err
	}
	if sess := s.session(eventID); sess != nil {
		sess.mu.Lock()
		sess.Mode = mode
		sess.mu.Unlock()
	}
	return nil
}

// JoinAdhoc joins a meeting that has no calendar event. Returns the synthetic
// event id; callers poll get_state for progression.
func (s *Scheduler) JoinAdhoc(ctx context.Context, url, title, mode string, videoEnabled bool) (string, error) {
	if !ValidMeetURL(url) {
		return "", fmt.Errorf("not a valid meeting url: %s", url)
	}
	if mode == "" {
		mode = "notes"
	}
	eventID := "adhoc-" + uuid.NewString()
	m := &store.Meeting{
		EventID:        eventID,
		Title:          title,
		MeetURL:        url,
		ScheduledStart: s.clock.Now(),
		BotMode:        mode,
		VideoEnabled:   videoEnabled,
	}
	if err := s.store.UpsertMeeting(m); err != nil {
		return "", err
	}
	if err := s.store.SetMeetingApproval(eventID, mode, "adhoc"); err != nil {
		return "", err
	}
	m.Status = store.MeetingApproved
	s.beginJoin(ctx, m)
	return eventID, nil
}

// LeaveMeeting ends an active session.
func (s *Scheduler) LeaveMeeting(sessionID string) error {
	sess := s.session(sessionID)
	if sess == nil {
		return fmt.Errorf("session %s: %w", sessionID, xerrors.ErrNotFound)
	}
	sess.Leave("manual leave")
	return nil
}

// Captions flushes live buffers and returns the most recent transcript
// entries across active sessions.
func (s *Scheduler) Captions(limit int) ([]store.TranscriptEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	sessions := s.activeSessions()
	var out []store.TranscriptEntry
	for _, sess := range sessions {
		sess.flush()
		entries, err := s.store.GetTranscripts(sess.ID, limit)
		if err != nil {
			return nil, err
		}
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Participants returns the roster of every active session keyed by id.
func (s *Scheduler) Participants() map[string][]string {
	out := make(map[string][]string)
	for _, sess := range s.activeSessions() {
		names := []string{}
		for _, p := range sess.Participants() {
			names = append(names, p.Name)
		}
		out[sess.ID] = names
	}
	return out
}

// MuteAudio mutes the bot in one session. Whether and when to mute around
// speech is the media collaborator's policy, not ours.
func (s *Scheduler) MuteAudio(ctx context.Context, sessionID string) error {
	sess := s.session(sessionID)
	if sess == nil {
		return fmt.Errorf("session %s: %w", sessionID, xerrors.ErrNotFound)
	}
	return sess.Mute(ctx)
}

// UnmuteAudio reverses MuteAudio.
func (s *Scheduler) UnmuteAudio(ctx context.Context, sessionID string) error {
	sess := s.session(sessionID)
	if sess == nil {
		return fmt.Errorf("session %s: %w", sessionID, xerrors.ErrNotFound)
	}
	return sess.Unmute(ctx)
}

// State assembles the full scheduler view for get_state.
func (s *Scheduler) State() (map[string]any, error) {
	meetings, err := s.store.ListMeetings()
	if err != nil {
		return nil, err
	}
	stats := s.Stats()
	return map[string]any{
		"meetings":     meetings,
		"active":       stats.SessionIDs,
		"joining":      stats.Joining,
		"joined":       stats.Joined,
		"completed":    stats.Completed,
		"failed":       stats.Failed,
		"max_parallel": s.maxParallel,
		"updated_at":   s.clock.Now().UTC().Format(time.RFC3339),
	}, nil
}

// AddCalendar registers a calendar for polling after verifying it exists
// upstream.
func (s *Scheduler) AddCalendar(ctx context.Context, calendarID string, autoJoin bool, mode string) error {
	infos, err := s.calendar.ListCalendars(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.ID == calendarID {
			return s.store.AddCalendar(&store.Calendar{
				ID:          calendarID,
				DisplayName: info.DisplayName,
				Enabled:     true,
				AutoJoin:    autoJoin,
				BotMode:     mode,
			})
		}
	}
	return fmt.Errorf("calendar %s: %w", calendarID, xerrors.ErrNotFound)
}

// RemoveCalendar unregisters a calendar; its past meetings stay recorded.
func (s *Scheduler) RemoveCalendar(calendarID string) error {
	err := s.store.RemoveCalendar(calendarID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil
	}
	return err
}
