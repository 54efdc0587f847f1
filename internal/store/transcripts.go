package store

import (
	"fmt"
	"time"
)

// TranscriptEntry is one captured caption line. Append-only.
type TranscriptEntry struct {
	MeetingID string    `json:"meeting_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendTranscripts writes a flush batch in one transaction, preserving
// capture order.
func (s *Store) AppendTranscripts(entries []TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transcript tx: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO transcripts (meeting_id, speaker, text, ts) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.MeetingID, e.Speaker, e.Text, e.Timestamp.UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to append transcript: %w", err)
		}
	}
	return tx.Commit()
}

// GetTranscripts returns up to limit entries for a meeting in capture order.
func (s *Store) GetTranscripts(meetingID string, limit int) ([]TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT meeting_id, speaker, text, ts FROM transcripts
		 WHERE meeting_id = ? ORDER BY id ASC LIMIT ?`, meetingID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcripts: %w", err)
	}
	defer rows.Close()

	var out []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		var ts int64
		if err := rows.Scan(&e.MeetingID, &e.Speaker, &e.Text, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountTranscripts returns the number of stored entries for a meeting.
func (s *Store) CountTranscripts(meetingID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM transcripts WHERE meeting_id = ?`, meetingID).Scan(&n)
	return n, err
}
