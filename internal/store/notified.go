package store

import (
	"fmt"
	"time"
)

// MarkNotified records that a desktop/alert notification went out for a
// message, so restarts do not re-notify.
func (s *Store) MarkNotified(messageTS, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO notified_messages (message_ts, channel_id, notified_at) VALUES (?, ?, ?)`,
		messageTS, channelID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark notified: %w", err)
	}
	return nil
}

// WasNotified reports whether a notification was already recorded.
func (s *Store) WasNotified(messageTS, channelID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM notified_messages WHERE message_ts = ? AND channel_id = ?`,
		messageTS, channelID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
