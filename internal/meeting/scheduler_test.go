package meeting

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/internal/provider"
	"botfleet/internal/store"
)

type fakeBrowser struct {
	mu           sync.Mutex
	joinErr      error
	joined       bool
	left         bool
	closed       bool
	muted        bool
	captions     chan provider.Caption
	participants []provider.Participant
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{captions: make(chan provider.Caption, 64)}
}

func (b *fakeBrowser) Join(_ context.Context, _ string, _ provider.MediaDevices) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.joinErr != nil {
		return b.joinErr
	}
	b.joined = true
	return nil
}

func (b *fakeBrowser) Leave(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.left = true
	b.closed = true
	return nil
}

func (b *fakeBrowser) GetParticipants(context.Context) ([]provider.Participant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.participants, nil
}

func (b *fakeBrowser) Captions() <-chan provider.Caption { return b.captions }

func (b *fakeBrowser) Mute(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.muted = true
	return nil
}

func (b *fakeBrowser) Unmute(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.muted = false
	return nil
}

func (b *fakeBrowser) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBrowser) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

type fakeAllocator struct {
	mu        sync.Mutex
	allocated map[string]bool
	reclaimed int
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{allocated: make(map[string]bool)}
}

func (a *fakeAllocator) Allocate(_ context.Context, sessionID string) (provider.MediaDevices, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocated[sessionID] = true
	return provider.MediaDevices{AudioSink: "sink0", AudioSource: "src0", VideoDevice: "/dev/video9"}, nil
}

func (a *fakeAllocator) Release(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, sessionID)
	return nil
}

func (a *fakeAllocator) ReclaimOrphans(_ context.Context, _ []string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reclaimed++
	return 0, nil
}

func (a *fakeAllocator) holds(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated[sessionID]
}

type fakeVideo struct {
	mu        sync.Mutex
	startErr  error
	starts    int
	stops     int
	attendees int
}

func (v *fakeVideo) StartVideo(context.Context, provider.MediaDevices) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.startErr != nil {
		return v.startErr
	}
	v.starts++
	return nil
}

func (v *fakeVideo) StopVideo(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stops++
	return nil
}

func (v *fakeVideo) UpdateAttendees(_ context.Context, _ []provider.Participant) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.attendees++
	return nil
}

type fakeCalendar struct {
	mu     sync.Mutex
	events map[string][]provider.Event
}

func (c *fakeCalendar) ListCalendars(context.Context) ([]provider.CalendarInfo, error) {
	return []provider.CalendarInfo{{ID: "primary", DisplayName: "Work", Primary: true}}, nil
}

func (c *fakeCalendar) ListEvents(_ context.Context, calendarID string, _, _ time.Time) ([]provider.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[calendarID], nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type schedFixture struct {
	sched     *Scheduler
	store     *store.Store
	calendar  *fakeCalendar
	browser   *fakeBrowser
	allocator *fakeAllocator
	video     *fakeVideo
}

func newFixture(t *testing.T, tweak func(*Options)) *schedFixture {
	t.Helper()
	f := &schedFixture{
		store:     newTestStore(t),
		calendar:  &fakeCalendar{events: make(map[string][]provider.Event)},
		browser:   newFakeBrowser(),
		allocator: newFakeAllocator(),
		video:     &fakeVideo{},
	}
	opts := Options{
		Calendar:     f.calendar,
		Browser:      func() provider.Browser { return f.browser },
		Allocator:    f.allocator,
		Video:        f.video,
		Store:        f.store,
		Logger:       zerolog.Nop(),
		JoinTimeout:  time.Second,
		JoinBackoffs: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
		Grace:        time.Minute,
	}
	if tweak != nil {
		tweak(&opts)
	}
	f.sched = New(opts)
	t.Cleanup(f.sched.Stop)
	return f
}

func approvedMeeting(t *testing.T, s *store.Store, eventID string, start time.Time, end *time.Time) {
	t.Helper()
	require.NoError(t, s.UpsertMeeting(&store.Meeting{
		EventID:        eventID,
		Title:          "standup",
		MeetURL:        "https://meet.google.com/abc-defg-hij",
		ScheduledStart: start,
		ScheduledEnd:   end,
	}))
	require.NoError(t, s.SetMeetingApproval(eventID, "notes", "tester"))
}

func waitStatus(t *testing.T, s *store.Store, eventID, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		m, err := s.GetMeeting(eventID)
		return err == nil && m.Status == status
	}, 2*time.Second, 5*time.Millisecond, "meeting %s never reached %s", eventID, status)
}

func TestPollCalendars_ProjectsValidURLsOnly(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.AddCalendar(&store.Calendar{ID: "primary", Enabled: true}))
	now := time.Now()
	end := now.Add(time.Hour)
	f.calendar.events["primary"] = []provider.Event{
		{ID: "ev1", Title: "standup", ConferenceURL: "https://meet.google.com/abc-defg-hij", Start: now, End: &end},
		{ID: "ev2", Title: "no-link", ConferenceURL: "", Start: now},
		{ID: "ev3", Title: "zoom", ConferenceURL: "https://zoom.us/j/123", Start: now},
	}

	require.NoError(t, f.sched.pollCalendars(context.Background()))

	m, err := f.store.GetMeeting("ev1")
	require.NoError(t, err)
	assert.Equal(t, store.MeetingScheduled, m.Status)
	_, err = f.store.GetMeeting("ev2")
	assert.Error(t, err)
	_, err = f.store.GetMeeting("ev3")
	assert.Error(t, err)
}

func TestPollCalendars_AutoJoinApproves(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.AddCalendar(&store.Calendar{
		ID: "primary", Enabled: true, AutoJoin: true, BotMode: "full",
	}))
	f.calendar.events["primary"] = []provider.Event{
		{ID: "ev1", ConferenceURL: "https://meet.google.com/abc-defg-hij", Start: time.Now().Add(time.Hour)},
	}

	require.NoError(t, f.sched.pollCalendars(context.Background()))

	m, err := f.store.GetMeeting("ev1")
	require.NoError(t, err)
	assert.Equal(t, store.MeetingApproved, m.Status)
	assert.Equal(t, "full", m.BotMode)
}

func TestTick_JoinsApprovedMeetingInWindow(t *testing.T) {
	f := newFixture(t, nil)
	end := time.Now().Add(30 * time.Minute)
	approvedMeeting(t, f.store, "ev1", time.Now().Add(10*time.Second), &end)

	require.NoError(t, f.sched.tick(context.Background()))
	waitStatus(t, f.store, "ev1", store.MeetingActive)

	assert.True(t, f.browser.joined)
	assert.True(t, f.allocator.holds("ev1"))
	assert.Equal(t, 1, f.sched.Stats().ActiveSessions)
}

func TestTick_RespectsPreRoll(t *testing.T) {
	f := newFixture(t, nil)
	approvedMeeting(t, f.store, "ev1", time.Now().Add(time.Hour), nil)

	require.NoError(t, f.sched.tick(context.Background()))
	time.Sleep(20 * time.Millisecond)

	m, err := f.store.GetMeeting("ev1")
	require.NoError(t, err)
	assert.Equal(t, store.MeetingApproved, m.Status)
	assert.False(t, f.browser.joined)
}

func TestTick_ParallelCapHoldsLaterMeeting(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxParallel = 1 })
	start := time.Now()
	approvedMeeting(t, f.store, "ev-b", start, nil)
	approvedMeeting(t, f.store, "ev-a", start, nil)

	require.NoError(t, f.sched.tick(context.Background()))
	// Identical starts: event id breaks the tie, ev-a wins the single slot.
	waitStatus(t, f.store, "ev-a", store.MeetingActive)

	m, err := f.store.GetMeeting("ev-b")
	require.NoError(t, err)
	assert.Equal(t, store.MeetingApproved, m.Status)
}

func TestDoJoin_RetriesThenErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.browser.joinErr = assert.AnError
	approvedMeeting(t, f.store, "ev1", time.Now(), nil)

	var sinkMsg string
	var sinkMu sync.Mutex
	f.sched.SetErrorSink(func(msg string) {
		sinkMu.Lock()
		sinkMsg = msg
		sinkMu.Unlock()
	})

	require.NoError(t, f.sched.tick(context.Background()))
	waitStatus(t, f.store, "ev1", store.MeetingError)

	assert.Equal(t, uint64(1), f.sched.Stats().Failed)
	assert.False(t, f.allocator.holds("ev1"), "devices released after failed join")
	sinkMu.Lock()
	assert.Contains(t, sinkMsg, "join failed after 3 attempts")
	sinkMu.Unlock()
}

func TestJoin_VideoFailureFallsBackToAudioOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.video.startErr = assert.AnError
	end := time.Now().Add(30 * time.Minute)
	require.NoError(t, f.store.UpsertMeeting(&store.Meeting{
		EventID:        "ev1",
		MeetURL:        "https://meet.google.com/abc-defg-hij",
		ScheduledStart: time.Now(),
		ScheduledEnd:   &end,
		VideoEnabled:   true,
	}))
	require.NoError(t, f.store.SetMeetingApproval("ev1", "notes", "tester"))

	require.NoError(t, f.sched.tick(context.Background()))
	waitStatus(t, f.store, "ev1", store.MeetingActive)
	assert.True(t, f.browser.joined, "join proceeds without video")
}

func TestTick_PastEndCompletesActiveMeeting(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Grace = 10 * time.Millisecond })
	end := time.Now().Add(50 * time.Millisecond)
	approvedMeeting(t, f.store, "ev1", time.Now(), &end)

	require.NoError(t, f.sched.tick(context.Background()))
	waitStatus(t, f.store, "ev1", store.MeetingActive)

	// The auto-leave timer fires past end+grace.
	waitStatus(t, f.store, "ev1", store.MeetingCompleted)
	assert.True(t, f.browser.left)
	assert.False(t, f.allocator.holds("ev1"))

	m, err := f.store.GetMeeting("ev1")
	require.NoError(t, err)
	assert.NotNil(t, m.ActualEnd)
}

func TestTick_BrowserClosedReapsSession(t *testing.T) {
	f := newFixture(t, nil)
	approvedMeeting(t, f.store, "ev1", time.Now(), nil)

	require.NoError(t, f.sched.tick(context.Background()))
	waitStatus(t, f.store, "ev1", store.MeetingActive)

	f.browser.close()
	require.NoError(t, f.sched.tick(context.Background()))
	waitStatus(t, f.store, "ev1", store.MeetingCompleted)
	assert.Equal(t, 0, f.sched.Stats().ActiveSessions)
}

func TestTick_ExpiredApprovedMeetingSkipped(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Grace = time.Millisecond })
	end := time.Now().Add(-time.Hour)
	require.NoError(t, f.store.UpsertMeeting(&store.Meeting{
		EventID:        "ev1",
		MeetURL:        "https://meet.google.com/abc-defg-hij",
		ScheduledStart: end.Add(-30 * time.Minute),
		ScheduledEnd:   &end,
	}))
	require.NoError(t, f.store.SetMeetingApproval("ev1", "notes", "tester"))

	require.NoError(t, f.sched.tick(context.Background()))

	m, err := f.store.GetMeeting("ev1")
	require.NoError(t, err)
	assert.Equal(t, store.MeetingSkipped, m.Status)
	assert.False(t, f.browser.joined)
}

func TestControls_ApproveSkipForceJoin(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.UpsertMeeting(&store.Meeting{
		EventID:        "ev1",
		MeetURL:        "https://meet.google.com/abc-defg-hij",
		ScheduledStart: time.Now().Add(time.Hour),
	}))

	m, err := f.sched.Approve("ev1", "full", "alice")
	require.NoError(t, err)
	assert.Equal(t, store.MeetingApproved, m.Status)
	assert.Equal(t, "alice", m.ApprovedBy)

	// Double approve is a bad transition.
	_, err = f.sched.Approve("ev1", "full", "alice")
	assert.Error(t, err)

	require.NoError(t, f.sched.Unapprove("ev1"))
	require.NoError(t, f.sched.Skip("ev1"))
	m, _ = f.store.GetMeeting("ev1")
	assert.Equal(t, store.MeetingSkipped, m.Status)

	// Terminal meetings cannot be force-joined.
	assert.Error(t, f.sched.ForceJoin(context.Background(), "ev1"))
}

func TestControls_ForceJoinBypassesPreRoll(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.UpsertMeeting(&store.Meeting{
		EventID:        "ev1",
		MeetURL:        "https://meet.google.com/abc-defg-hij",
		ScheduledStart: time.Now().Add(2 * time.Hour),
	}))

	require.NoError(t, f.sched.ForceJoin(context.Background(), "ev1"))
	waitStatus(t, f.store, "ev1", store.MeetingActive)
}

func TestControls_AdhocJoinAndManualLeave(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.sched.JoinAdhoc(context.Background(), "https://not-a-meet/x", "x", "notes", false)
	assert.Error(t, err)

	id, err := f.sched.JoinAdhoc(context.Background(), "https://meet.google.com/abc-defg-hij", "warroom", "notes", false)
	require.NoError(t, err)
	waitStatus(t, f.store, id, store.MeetingActive)

	// No scheduled end: only a manual leave completes it.
	require.NoError(t, f.sched.LeaveMeeting(id))
	waitStatus(t, f.store, id, store.MeetingCompleted)
}

func TestControls_MuteUnmute(t *testing.T) {
	f := newFixture(t, nil)
	approvedMeeting(t, f.store, "ev1", time.Now(), nil)
	require.NoError(t, f.sched.tick(context.Background()))
	waitStatus(t, f.store, "ev1", store.MeetingActive)

	require.NoError(t, f.sched.MuteAudio(context.Background(), "ev1"))
	assert.True(t, f.browser.muted)
	require.NoError(t, f.sched.UnmuteAudio(context.Background(), "ev1"))
	assert.False(t, f.browser.muted)

	assert.Error(t, f.sched.MuteAudio(context.Background(), "nope"))
}

func TestValidMeetURL(t *testing.T) {
	assert.True(t, ValidMeetURL("https://meet.google.com/abc-defg-hij"))
	assert.True(t, ValidMeetURL("https://meet.google.com/abc-defg-hij?authuser=0"))
	assert.False(t, ValidMeetURL("https://meet.google.com/"))
	assert.False(t, ValidMeetURL("http://meet.google.com/abc-defg-hij"))
	assert.False(t, ValidMeetURL("https://zoom.us/j/123"))
	assert.False(t, ValidMeetURL(""))
}
