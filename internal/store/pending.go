package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"botfleet/internal/xerrors"
)

// Pending message statuses. Transitions are one-way and never rewound.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusSent     = "sent"
	StatusSkipped  = "skipped"
)

// allowedTransitions holds the only legal status edges.
var allowedTransitions = map[string]map[string]bool{
	StatusPending:  {StatusApproved: true, StatusRejected: true, StatusSent: true, StatusSkipped: true},
	StatusApproved: {StatusSent: true, StatusRejected: true},
}

// PendingMessage is an immutable inbound record with two mutable fields:
// status and processed_at.
type PendingMessage struct {
	ID              string    `json:"id"`
	ChannelID       string    `json:"channel_id"`
	ChannelName     string    `json:"channel_name"`
	UserID          string    `json:"user_id"`
	UserName        string    `json:"user_name"`
	Text            string    `json:"text"`
	ThreadParent    string    `json:"thread_parent,omitempty"`
	IsMention       bool      `json:"is_mention"`
	IsDM            bool      `json:"is_dm"`
	MatchedKeywords []string  `json:"matched_keywords"`
	RawPayload      string    `json:"-"`
	Response        string    `json:"response,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

// MessageID composes the canonical id. Message timestamps are unique only
// within a conversation, so the channel is part of the key.
func MessageID(channelID, ts string) string { return channelID + "|" + ts }

// SavePendingMessage inserts a new inbound record. Duplicate ids are
// rejected so the listener's seen-check stays authoritative.
func (s *Store) SavePendingMessage(m *PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	keywords, err := json.Marshal(m.MatchedKeywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO pending_messages (
			id, channel_id, channel_name, user_id, user_name, text, thread_parent,
			is_mention, is_dm, matched_keywords, raw_payload, response, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, m.ChannelName, m.UserID, m.UserName, m.Text,
		sql.NullString{String: m.ThreadParent, Valid: m.ThreadParent != ""},
		m.IsMention, m.IsDM, string(keywords), m.RawPayload, m.Response, m.Status, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save pending message: %w", err)
	}
	return nil
}

// GetPendingMessage fetches one record by id.
func (s *Store) GetPendingMessage(id string) (*PendingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanMessage(s.db.QueryRow(selectMessage+` WHERE id = ?`, id))
}

// HasMessage reports whether the listener already recorded this id.
func (s *Store) HasMessage(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_messages WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateMessageStatus applies a one-way status transition and stamps
// processed_at. Illegal edges fail with ErrBadTransition and leave the row
// untouched.
func (s *Store) UpdateMessageStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	err := s.db.QueryRow(`SELECT status FROM pending_messages WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return xerrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read message status: %w", err)
	}
	if !allowedTransitions[current][status] {
		return fmt.Errorf("%w: %s -> %s", xerrors.ErrBadTransition, current, status)
	}

	_, err = s.db.Exec(
		`UPDATE pending_messages SET status = ?, processed_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

// SetMessageResponse stores the proposed reply text on the record.
func (s *Store) SetMessageResponse(id, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE pending_messages SET response = ? WHERE id = ?`, response, id)
	if err != nil {
		return fmt.Errorf("failed to set message response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// ListMessagesByStatus returns records in creation order.
func (s *Store) ListMessagesByStatus(status string, limit int) ([]*PendingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		selectMessage+` WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*PendingMessage
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const selectMessage = `SELECT id, channel_id, channel_name, user_id, user_name, text,
	thread_parent, is_mention, is_dm, matched_keywords, raw_payload, response, status,
	created_at, processed_at FROM pending_messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMessage(row rowScanner) (*PendingMessage, error) {
	m := &PendingMessage{}
	var threadParent sql.NullString
	var keywords string
	var createdAt int64
	var processedAt sql.NullInt64

	err := row.Scan(
		&m.ID, &m.ChannelID, &m.ChannelName, &m.UserID, &m.UserName, &m.Text,
		&threadParent, &m.IsMention, &m.IsDM, &keywords, &m.RawPayload, &m.Response, &m.Status,
		&createdAt, &processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.ThreadParent = threadParent.String
	m.CreatedAt = time.UnixMilli(createdAt)
	if processedAt.Valid {
		t := time.UnixMilli(processedAt.Int64)
		m.ProcessedAt = &t
	}
	if err := json.Unmarshal([]byte(keywords), &m.MatchedKeywords); err != nil {
		m.MatchedKeywords = nil
	}
	return m, nil
}
