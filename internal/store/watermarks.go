package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Watermark is the last processed upstream timestamp for a channel.
type Watermark struct {
	ChannelID   string
	ChannelName string
	LastTS      string
	UpdatedAt   time.Time
}

// GetWatermark returns the watermark for a channel. found is false when the
// channel has never been processed.
func (s *Store) GetWatermark(channelID string) (wm Watermark, found bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var updatedAt int64
	err = s.db.QueryRow(
		`SELECT channel_id, channel_name, last_ts, updated_at FROM channel_watermarks WHERE channel_id = ?`,
		channelID,
	).Scan(&wm.ChannelID, &wm.ChannelName, &wm.LastTS, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	wm.UpdatedAt = time.UnixMilli(updatedAt)
	return wm, true, nil
}

// AdvanceWatermark moves a channel's watermark forward. Timestamps are opaque
// lexicographically ordered strings; a regressing ts is a silent no-op, which
// keeps the monotonic invariant under replays and concurrent ticks.
func (s *Store) AdvanceWatermark(channelID, channelName, ts string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO channel_watermarks (channel_id, channel_name, last_ts, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
			last_ts = excluded.last_ts,
			channel_name = excluded.channel_name,
			updated_at = excluded.updated_at
		 WHERE excluded.last_ts > channel_watermarks.last_ts`,
		channelID, channelName, ts, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

// ListWatermarks returns every channel watermark.
func (s *Store) ListWatermarks() ([]Watermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT channel_id, channel_name, last_ts, updated_at FROM channel_watermarks`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer rows.Close()

	var out []Watermark
	for rows.Next() {
		var wm Watermark
		var updatedAt int64
		if err := rows.Scan(&wm.ChannelID, &wm.ChannelName, &wm.LastTS, &updatedAt); err != nil {
			return nil, err
		}
		wm.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, wm)
	}
	return out, rows.Err()
}
