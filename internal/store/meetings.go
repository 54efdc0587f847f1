package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"botfleet/internal/xerrors"
)

// Meeting statuses.
const (
	MeetingScheduled = "scheduled"
	MeetingApproved  = "approved"
	MeetingSkipped   = "skipped"
	MeetingJoining   = "joining"
	MeetingActive    = "active"
	MeetingCompleted = "completed"
	MeetingError     = "error"
)

// IsTerminalMeetingStatus reports whether calendar updates must leave the
// meeting alone.
func IsTerminalMeetingStatus(status string) bool {
	switch status {
	case MeetingCompleted, MeetingSkipped, MeetingError:
		return true
	}
	return false
}

// Meeting is a calendar-derived (or ad-hoc) meeting record.
type Meeting struct {
	EventID        string     `json:"event_id"`
	Title          string     `json:"title"`
	MeetURL        string     `json:"meet_url"`
	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
	Organizer      string     `json:"organizer,omitempty"`
	CalendarID     string     `json:"calendar_id,omitempty"`
	CalendarName   string     `json:"calendar_name,omitempty"`
	Status         string     `json:"status"`
	BotMode        string     `json:"bot_mode"`
	VideoEnabled   bool       `json:"video_enabled"`
	ApprovedBy     string     `json:"approved_by,omitempty"`
	ActualEnd      *time.Time `json:"actual_end,omitempty"`
}

// UpsertMeeting inserts a meeting or refreshes its calendar-derived fields
// in place. Terminal meetings are never reanimated, and status/approval
// fields are owned by the scheduler, not the calendar.
func (s *Store) UpsertMeeting(m *Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ScheduledEnd != nil && m.ScheduledEnd.Before(m.ScheduledStart) {
		return fmt.Errorf("%w: scheduled_end before scheduled_start", xerrors.ErrInvalidInput)
	}
	if m.Status == "" {
		m.Status = MeetingScheduled
	}
	if m.BotMode == "" {
		m.BotMode = "notes"
	}

	_, err := s.db.Exec(
		`INSERT INTO meetings (
			event_id, title, meet_url, scheduled_start, scheduled_end, organizer,
			calendar_id, calendar_name, status, bot_mode, video_enabled, approved_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			title = excluded.title,
			meet_url = excluded.meet_url,
			scheduled_start = excluded.scheduled_start,
			scheduled_end = excluded.scheduled_end,
			organizer = excluded.organizer
		WHERE meetings.status NOT IN ('completed', 'skipped', 'error')`,
		m.EventID, m.Title, m.MeetURL, m.ScheduledStart.UnixMilli(), nullableTime(m.ScheduledEnd),
		m.Organizer, m.CalendarID, m.CalendarName, m.Status, m.BotMode, m.VideoEnabled, m.ApprovedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert meeting: %w", err)
	}
	return nil
}

// GetMeeting fetches one meeting by event id.
func (s *Store) GetMeeting(eventID string) (*Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanMeeting(s.db.QueryRow(selectMeeting+` WHERE event_id = ?`, eventID))
}

// ListMeetings returns meetings in the given statuses ordered by
// (scheduled_start, event_id) — the scheduler's deterministic tick order.
// With no statuses, every meeting is returned.
func (s *Store) ListMeetings(statuses ...string) ([]*Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectMeeting
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY scheduled_start ASC, event_id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	defer rows.Close()

	var out []*Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMeetingStatus sets the status and optional bookkeeping fields.
func (s *Store) UpdateMeetingStatus(eventID, status string) error {
	return s.updateMeeting(eventID, `status = ?`, status)
}

// SetMeetingApproval marks a meeting approved with mode and approver.
func (s *Store) SetMeetingApproval(eventID, mode, approvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execMeeting(eventID,
		`UPDATE meetings SET status = ?, bot_mode = ?, approved_by = ? WHERE event_id = ?`,
		MeetingApproved, mode, approvedBy, eventID)
}

// SetMeetingMode changes the bot mode without touching status.
func (s *Store) SetMeetingMode(eventID, mode string) error {
	return s.updateMeeting(eventID, `bot_mode = ?`, mode)
}

// CompleteMeeting marks a meeting completed with its actual end time.
func (s *Store) CompleteMeeting(eventID string, actualEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execMeeting(eventID,
		`UPDATE meetings SET status = ?, actual_end = ? WHERE event_id = ?`,
		MeetingCompleted, actualEnd.UnixMilli(), eventID)
}

func (s *Store) updateMeeting(eventID, setClause string, arg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execMeeting(eventID,
		`UPDATE meetings SET `+setClause+` WHERE event_id = ?`, arg, eventID)
}

func (s *Store) execMeeting(eventID, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update meeting %s: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

const selectMeeting = `SELECT event_id, title, meet_url, scheduled_start, scheduled_end,
	organizer, calendar_id, calendar_name, status, bot_mode, video_enabled,
	approved_by, actual_end FROM meetings`

func scanMeeting(row rowScanner) (*Meeting, error) {
	m := &Meeting{}
	var start int64
	var end, actualEnd sql.NullInt64
	err := row.Scan(
		&m.EventID, &m.Title, &m.MeetURL, &start, &end, &m.Organizer,
		&m.CalendarID, &m.CalendarName, &m.Status, &m.BotMode, &m.VideoEnabled,
		&m.ApprovedBy, &actualEnd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan meeting: %w", err)
	}
	m.ScheduledStart = time.UnixMilli(start)
	if end.Valid {
		t := time.UnixMilli(end.Int64)
		m.ScheduledEnd = &t
	}
	if actualEnd.Valid {
		t := time.UnixMilli(actualEnd.Int64)
		m.ActualEnd = &t
	}
	return m, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
