package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedResolveFixtures(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.CacheChannels([]Channel{
		{ID: "C0000001", Name: "alpha"},
		{ID: "C0000002", Name: "Beta-Team"},
	}))
	require.NoError(t, s.CacheUsers([]User{
		{ID: "U0000001", Name: "bob", RealName: "Bob Ross"},
		{ID: "U0000002", Name: "alice", DisplayName: "Alice W"},
	}))
	require.NoError(t, s.CacheGroups([]Group{
		{ID: "S0000001", Handle: "oncall", Name: "On Call", Members: []string{"U0000001", "U0000002"}},
	}))
}

func TestResolveTarget_ChannelHash(t *testing.T) {
	s := newTestStore(t)
	seedResolveFixtures(t, s)

	res, err := s.ResolveTarget("#alpha")
	require.NoError(t, err)
	assert.Equal(t, Resolution{Type: "channel", ID: "C0000001", Name: "alpha", Found: true, Source: "channel-name"}, res)

	// Case-insensitive fallback.
	res, err = s.ResolveTarget("#beta-team")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "C0000002", res.ID)
}

func TestResolveTarget_AtGroupBeforeUser(t *testing.T) {
	s := newTestStore(t)
	seedResolveFixtures(t, s)

	res, err := s.ResolveTarget("@oncall")
	require.NoError(t, err)
	assert.Equal(t, "group", res.Type)
	assert.Equal(t, "S0000001", res.ID)

	res, err = s.ResolveTarget("@bob")
	require.NoError(t, err)
	assert.Equal(t, "user", res.Type)
	assert.Equal(t, "U0000001", res.ID)
	assert.True(t, res.Found)
}

func TestResolveTarget_UnknownAt(t *testing.T) {
	s := newTestStore(t)
	seedResolveFixtures(t, s)

	res, err := s.ResolveTarget("@nobody")
	require.NoError(t, err)
	assert.Equal(t, "unknown", res.Type)
	assert.False(t, res.Found)
}

func TestResolveTarget_BareNameChannelFirst(t *testing.T) {
	s := newTestStore(t)
	seedResolveFixtures(t, s)
	require.NoError(t, s.CacheChannels([]Channel{{ID: "C0000003", Name: "bob"}}))

	res, err := s.ResolveTarget("bob")
	require.NoError(t, err)
	assert.Equal(t, "channel", res.Type)
	assert.Equal(t, "C0000003", res.ID)

	res, err = s.ResolveTarget("alice")
	require.NoError(t, err)
	assert.Equal(t, "user", res.Type)
	assert.Equal(t, "U0000002", res.ID)
}

func TestResolveTarget_RawIDs(t *testing.T) {
	s := newTestStore(t)
	seedResolveFixtures(t, s)

	res, err := s.ResolveTarget("C0000001")
	require.NoError(t, err)
	assert.Equal(t, Resolution{Type: "channel", ID: "C0000001", Name: "alpha", Found: true, Source: "channel-id"}, res)

	res, err = s.ResolveTarget("U0000002")
	require.NoError(t, err)
	assert.Equal(t, "user", res.Type)
	assert.True(t, res.Found)

	// ID-shaped but uncached: type is inferred, found stays false.
	res, err = s.ResolveTarget("C9999999")
	require.NoError(t, err)
	assert.Equal(t, "channel", res.Type)
	assert.False(t, res.Found)
	assert.Equal(t, "id-shape", res.Source)
}

func TestResolveTarget_Stable(t *testing.T) {
	s := newTestStore(t)
	seedResolveFixtures(t, s)

	first, err := s.ResolveTarget("#alpha")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := s.ResolveTarget("#alpha")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestFuzzyFindUsers_ThresholdAndOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CacheUsers([]User{
		{ID: "U1", Name: "jonathan"},
		{ID: "U2", Name: "john"},
		{ID: "U3", Name: "zzz"},
	}))

	matches, err := s.FuzzyFindUsers("jonathn", 10)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "U1", matches[0].Value.ID)
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Score, DefaultFuzzyThreshold)
		assert.NotEqual(t, "U3", m.Value.ID)
	}
	// Best-first ordering.
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}
}

func TestLCSRatio(t *testing.T) {
	assert.Equal(t, 1.0, lcsRatio("alpha", "ALPHA"))
	assert.Equal(t, 0.0, lcsRatio("", "alpha"))
	assert.InDelta(t, 6.0/7.0, lcsRatio("abcd", "abc"), 1e-9)
	assert.Greater(t, lcsRatio("meeting-notes", "meeting_notes"), DefaultFuzzyThreshold)
}
