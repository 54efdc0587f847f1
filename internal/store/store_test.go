package store

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_CreatesSchema(t *testing.T) {
	s := newTestStore(t)

	tables := []string{
		"meta", "channel_watermarks", "pending_messages", "cached_channels",
		"cached_users", "cached_groups", "notified_messages", "meetings",
		"transcripts", "calendars", "audit_log",
	}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	v, err := s.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestMigrate_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening applies nothing and keeps the version.
	s2, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()
	v, err := s2.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestWatermark_MonotonicAdvance(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AdvanceWatermark("C1", "alpha", "100.000100"))
	wm, found, err := s.GetWatermark("C1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "100.000100", wm.LastTS)

	// Forward advance applies.
	require.NoError(t, s.AdvanceWatermark("C1", "alpha", "103.000000"))
	wm, _, _ = s.GetWatermark("C1")
	assert.Equal(t, "103.000000", wm.LastTS)

	// Regression is a no-op, never an error.
	require.NoError(t, s.AdvanceWatermark("C1", "alpha", "101.000000"))
	wm, _, _ = s.GetWatermark("C1")
	assert.Equal(t, "103.000000", wm.LastTS)
}

func TestWatermark_MissingChannel(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.GetWatermark("C404")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPendingMessage_StatusTransitions(t *testing.T) {
	s := newTestStore(t)

	msg := &PendingMessage{
		ID:        MessageID("C1", "100.1"),
		ChannelID: "C1",
		UserID:    "U1",
		Text:      "hello",
	}
	require.NoError(t, s.SavePendingMessage(msg))

	// pending -> approved -> sent
	require.NoError(t, s.UpdateMessageStatus(msg.ID, StatusApproved))
	require.NoError(t, s.UpdateMessageStatus(msg.ID, StatusSent))

	got, err := s.GetPendingMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	require.NotNil(t, got.ProcessedAt, "sent implies processed_at")

	// Terminal states never rewind.
	err = s.UpdateMessageStatus(msg.ID, StatusPending)
	assert.Error(t, err)
	err = s.UpdateMessageStatus(msg.ID, StatusRejected)
	assert.Error(t, err)
	got, _ = s.GetPendingMessage(msg.ID)
	assert.Equal(t, StatusSent, got.Status)
}

func TestPendingMessage_DuplicateInsertRejected(t *testing.T) {
	s := newTestStore(t)
	msg := &PendingMessage{ID: MessageID("C1", "1.0"), ChannelID: "C1", UserID: "U1", Text: "x"}
	require.NoError(t, s.SavePendingMessage(msg))
	assert.Error(t, s.SavePendingMessage(msg))

	seen, err := s.HasMessage(msg.ID)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestCacheUsers_UpsertIdempotent(t *testing.T) {
	s := newTestStore(t)

	users := []User{
		{ID: "U1", Name: "bob", RealName: "Bob Ross", Email: "bob@example.com"},
		{ID: "U2", Name: "alice", IsBot: false},
	}
	require.NoError(t, s.CacheUsers(users))
	require.NoError(t, s.CacheUsers(users))

	_, userCount, _, err := s.CacheCounts()
	require.NoError(t, err)
	assert.Equal(t, 2, userCount)

	u, err := s.GetUser("U1")
	require.NoError(t, err)
	assert.Equal(t, "Bob Ross", u.RealName)
}

func TestCacheChannels_BulkReplaceUpdates(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CacheChannels([]Channel{{ID: "C1", Name: "alpha"}}))
	require.NoError(t, s.CacheChannels([]Channel{{ID: "C1", Name: "alpha-renamed", MemberCount: 5}}))

	ch, err := s.GetChannel("C1")
	require.NoError(t, err)
	assert.Equal(t, "alpha-renamed", ch.Name)
	assert.Equal(t, 5, ch.MemberCount)
}

func TestNotified_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.WasNotified("1.0", "C1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkNotified("1.0", "C1"))
	ok, err = s.WasNotified("1.0", "C1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunRetention_PurgesOldProcessed(t *testing.T) {
	s := newTestStore(t)

	msg := &PendingMessage{ID: "C1|1.0", ChannelID: "C1", UserID: "U1", Text: "x"}
	require.NoError(t, s.SavePendingMessage(msg))
	require.NoError(t, s.UpdateMessageStatus(msg.ID, StatusSkipped))

	// Backdate processed_at beyond retention.
	_, err := s.db.Exec(`UPDATE pending_messages SET processed_at = processed_at - 90000000 WHERE id = ?`, msg.ID)
	require.NoError(t, err)
	require.NoError(t, s.RunRetention())

	_, err = s.GetPendingMessage(msg.ID)
	assert.Error(t, err)
}
