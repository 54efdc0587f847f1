package store

import (
	"fmt"
	"time"
)

const (
	processedRetention = 24 * time.Hour
	notifiedRetention  = time.Hour
)

// RunRetention reaps old rows: processed messages past 24 h and notified
// markers past 1 h. Called on startup and periodically.
func (s *Store) RunRetention() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.Exec(
		`DELETE FROM pending_messages WHERE status != ? AND processed_at IS NOT NULL AND processed_at < ?`,
		StatusPending, now.Add(-processedRetention).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to purge processed messages: %w", err)
	}
	purgedMsgs, _ := res.RowsAffected()

	res, err = s.db.Exec(
		`DELETE FROM notified_messages WHERE notified_at < ?`,
		now.Add(-notifiedRetention).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to purge notified markers: %w", err)
	}
	purgedNotified, _ := res.RowsAffected()

	if purgedMsgs > 0 || purgedNotified > 0 {
		s.logger.Info().Int64("messages", purgedMsgs).Int64("notified", purgedNotified).
			Msg("retention pass purged rows")
	}
	return nil
}
