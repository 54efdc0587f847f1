package store

import (
	"fmt"
	"time"

	"botfleet/internal/xerrors"
)

// Calendar is a watched calendar registration.
type Calendar struct {
	ID          string    `json:"calendar_id"`
	DisplayName string    `json:"display_name"`
	Enabled     bool      `json:"enabled"`
	AutoJoin    bool      `json:"auto_join"`
	BotMode     string    `json:"bot_mode"`
	AddedAt     time.Time `json:"added_at"`
}

// AddCalendar registers (or re-registers) a calendar to poll.
func (s *Store) AddCalendar(c *Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.BotMode == "" {
		c.BotMode = "notes"
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO calendars (calendar_id, display_name, enabled, auto_join, bot_mode, added_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(calendar_id) DO UPDATE SET
			display_name = excluded.display_name,
			enabled = excluded.enabled,
			auto_join = excluded.auto_join,
			bot_mode = excluded.bot_mode`,
		c.ID, c.DisplayName, c.Enabled, c.AutoJoin, c.BotMode, c.AddedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to add calendar: %w", err)
	}
	return nil
}

// ListCalendars returns registrations; enabledOnly filters to pollable ones.
func (s *Store) ListCalendars(enabledOnly bool) ([]*Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT calendar_id, display_name, enabled, auto_join, bot_mode, added_at FROM calendars`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY added_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer rows.Close()

	var out []*Calendar
	for rows.Next() {
		c := &Calendar{}
		var addedAt int64
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.Enabled, &c.AutoJoin, &c.BotMode, &addedAt); err != nil {
			return nil, err
		}
		c.AddedAt = time.UnixMilli(addedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCalendarEnabled toggles polling for a calendar.
func (s *Store) SetCalendarEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE calendars SET enabled = ? WHERE calendar_id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update calendar: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// RemoveCalendar deletes a registration.
func (s *Store) RemoveCalendar(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM calendars WHERE calendar_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove calendar: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}
