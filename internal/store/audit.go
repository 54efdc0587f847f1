package store

import (
	"fmt"
	"time"
)

// LogAudit appends one row to the audit trail.
func (s *Store) LogAudit(userID, action, resource, result, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO audit_log (user_id, action, resource, result, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, action, resource, result, details, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}
