package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meetingFixture(eventID string, start time.Time) *Meeting {
	end := start.Add(30 * time.Minute)
	return &Meeting{
		EventID:        eventID,
		Title:          "standup",
		MeetURL:        "https://meet.google.com/abc-defg-hij",
		ScheduledStart: start,
		ScheduledEnd:   &end,
		Organizer:      "org@example.com",
		CalendarID:     "primary",
	}
}

func TestUpsertMeeting_InsertAndRefresh(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	require.NoError(t, s.UpsertMeeting(meetingFixture("ev1", start)))
	m, err := s.GetMeeting("ev1")
	require.NoError(t, err)
	assert.Equal(t, MeetingScheduled, m.Status)

	// Calendar update refreshes title/times but not status.
	require.NoError(t, s.SetMeetingApproval("ev1", "notes", "alice"))
	updated := meetingFixture("ev1", start.Add(10*time.Minute))
	updated.Title = "standup (moved)"
	require.NoError(t, s.UpsertMeeting(updated))

	m, err = s.GetMeeting("ev1")
	require.NoError(t, err)
	assert.Equal(t, "standup (moved)", m.Title)
	assert.Equal(t, MeetingApproved, m.Status)
	assert.Equal(t, "alice", m.ApprovedBy)
}

func TestUpsertMeeting_TerminalStatusFrozen(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.UpsertMeeting(meetingFixture("ev1", start)))
	require.NoError(t, s.UpdateMeetingStatus("ev1", MeetingSkipped))

	updated := meetingFixture("ev1", start)
	updated.Title = "zombie"
	require.NoError(t, s.UpsertMeeting(updated))

	m, err := s.GetMeeting("ev1")
	require.NoError(t, err)
	assert.Equal(t, "standup", m.Title)
	assert.Equal(t, MeetingSkipped, m.Status)
}

func TestUpsertMeeting_RejectsInvertedTimes(t *testing.T) {
	s := newTestStore(t)
	start := time.Now()
	end := start.Add(-time.Hour)
	err := s.UpsertMeeting(&Meeting{
		EventID: "bad", MeetURL: "https://meet.google.com/abc-defg-hij",
		ScheduledStart: start, ScheduledEnd: &end,
	})
	assert.Error(t, err)
}

func TestListMeetings_DeterministicOrder(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().Add(time.Hour).Truncate(time.Second)

	// Same start time: event id breaks the tie.
	require.NoError(t, s.UpsertMeeting(meetingFixture("ev-b", start)))
	require.NoError(t, s.UpsertMeeting(meetingFixture("ev-a", start)))
	require.NoError(t, s.UpsertMeeting(meetingFixture("ev-c", start.Add(-time.Minute))))

	list, err := s.ListMeetings(MeetingScheduled)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "ev-c", list[0].EventID)
	assert.Equal(t, "ev-a", list[1].EventID)
	assert.Equal(t, "ev-b", list[2].EventID)
}

func TestCompleteMeeting_SetsActualEnd(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertMeeting(meetingFixture("ev1", time.Now())))

	end := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.CompleteMeeting("ev1", end))

	m, err := s.GetMeeting("ev1")
	require.NoError(t, err)
	assert.Equal(t, MeetingCompleted, m.Status)
	require.NotNil(t, m.ActualEnd)
	assert.Equal(t, end.UnixMilli(), m.ActualEnd.UnixMilli())
}

func TestTranscripts_AppendOrder(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.AppendTranscripts([]TranscriptEntry{
		{MeetingID: "ev1", Speaker: "alice", Text: "first", Timestamp: now},
		{MeetingID: "ev1", Speaker: "bob", Text: "second", Timestamp: now},
	}))
	require.NoError(t, s.AppendTranscripts([]TranscriptEntry{
		{MeetingID: "ev1", Speaker: "alice", Text: "third", Timestamp: now},
	}))

	entries, err := s.GetTranscripts("ev1", 100)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Text)
	assert.Equal(t, "third", entries[2].Text)

	n, err := s.CountTranscripts("ev1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCalendars_CRUD(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddCalendar(&Calendar{ID: "primary", DisplayName: "Work", Enabled: true}))
	require.NoError(t, s.AddCalendar(&Calendar{ID: "team", DisplayName: "Team", Enabled: false}))

	all, err := s.ListCalendars(false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := s.ListCalendars(true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "primary", enabled[0].ID)

	require.NoError(t, s.SetCalendarEnabled("team", true))
	enabled, _ = s.ListCalendars(true)
	assert.Len(t, enabled, 2)

	require.NoError(t, s.RemoveCalendar("team"))
	all, _ = s.ListCalendars(false)
	assert.Len(t, all, 1)
}
