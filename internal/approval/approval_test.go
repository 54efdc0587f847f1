package approval

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/internal/provider"
	"botfleet/internal/store"
)

// sendRecorder implements the provider surface the queue touches.
type sendRecorder struct {
	provider.MessagingProvider

	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
}

type sentMessage struct {
	ChannelID, Text, Thread string
}

func (r *sendRecorder) SendMessage(_ context.Context, channelID, text, thread string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return "", r.sendErr
	}
	r.sent = append(r.sent, sentMessage{channelID, text, thread})
	return "999.000000", nil
}

// signalRecorder captures emitted bus signals.
type signalRecorder struct {
	mu      sync.Mutex
	signals []emitted
}

type emitted struct {
	Name   string
	Values []interface{}
}

func (r *signalRecorder) Emit(name string, values ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, emitted{name, values})
}

func (r *signalRecorder) named(name string) []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []emitted
	for _, s := range r.signals {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func pendingRecord(t *testing.T, s *store.Store, channelID, ts, response string) *store.PendingMessage {
	t.Helper()
	rec := &store.PendingMessage{
		ID:        store.MessageID(channelID, ts),
		ChannelID: channelID,
		UserID:    "U1",
		UserName:  "bob",
		Text:      "please deploy",
		Response:  response,
	}
	require.NoError(t, s.SavePendingMessage(rec))
	return rec
}

func newQueue(t *testing.T, s *store.Store, sr *sendRecorder, sig *signalRecorder, maxPending int) *Queue {
	t.Helper()
	opts := Options{
		Store:      s,
		Provider:   sr,
		Logger:     zerolog.Nop(),
		MaxPending: maxPending,
	}
	if sig != nil {
		opts.Signaler = sig
	}
	return New(opts)
}

func TestApprovalFlow(t *testing.T) {
	s := newTestStore(t)
	sr := &sendRecorder{}
	sig := &signalRecorder{}
	q := newQueue(t, s, sr, sig, 0)

	rec := pendingRecord(t, s, "C1", "100.000000", "draft reply")
	require.NoError(t, q.Enqueue(context.Background(), rec))
	assert.Len(t, sig.named("PendingApproval"), 1)
	assert.Len(t, q.GetPending(), 1)

	sent, err := q.Approve(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, sent.Status)

	require.Len(t, sr.sent, 1)
	assert.Equal(t, "draft reply", sr.sent[0].Text)
	assert.Equal(t, "100.000000", sr.sent[0].Thread)
	assert.Empty(t, q.GetPending())

	processed := sig.named("MessageProcessed")
	require.Len(t, processed, 1)
	assert.Equal(t, rec.ID, processed[0].Values[0])
	assert.Equal(t, store.StatusSent, processed[0].Values[1])

	history := q.GetHistory(10, store.StatusSent, "")
	require.Len(t, history, 1)
	assert.Equal(t, rec.ID, history[0].ID)

	persisted, err := s.GetPendingMessage(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, persisted.Status)
}

func TestApprove_FailedSendLeavesPending(t *testing.T) {
	s := newTestStore(t)
	sr := &sendRecorder{sendErr: assert.AnError}
	q := newQueue(t, s, sr, nil, 0)

	rec := pendingRecord(t, s, "C1", "100.000000", "draft")
	require.NoError(t, q.Enqueue(context.Background(), rec))

	_, err := q.Approve(context.Background(), rec.ID)
	require.Error(t, err)
	require.Len(t, q.GetPending(), 1, "failed send keeps the record queued")

	persisted, err := s.GetPendingMessage(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, persisted.Status)

	// Retry succeeds once the provider recovers.
	sr.sendErr = nil
	sent, err := q.Approve(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, sent.Status)
	assert.Empty(t, q.GetPending())
}

func TestReject(t *testing.T) {
	s := newTestStore(t)
	sr := &sendRecorder{}
	sig := &signalRecorder{}
	q := newQueue(t, s, sr, sig, 0)

	rec := pendingRecord(t, s, "C1", "100.000000", "draft")
	require.NoError(t, q.Enqueue(context.Background(), rec))

	rejected, err := q.Reject(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, rejected.Status)
	assert.Empty(t, sr.sent)
	assert.Empty(t, q.GetPending())

	processed := sig.named("MessageProcessed")
	require.Len(t, processed, 1)
	assert.Equal(t, store.StatusRejected, processed[0].Values[1])
}

func TestEnqueue_CapacityEvictsOldest(t *testing.T) {
	s := newTestStore(t)
	q := newQueue(t, s, &sendRecorder{}, nil, 3)

	var ids []string
	for i := 0; i < 4; i++ {
		rec := pendingRecord(t, s, "C1", fmt.Sprintf("%d.000000", 100+i), "draft")
		ids = append(ids, rec.ID)
		require.NoError(t, q.Enqueue(context.Background(), rec))
	}

	pending := q.GetPending()
	require.Len(t, pending, 3)
	for _, rec := range pending {
		assert.NotEqual(t, ids[0], rec.ID, "evicted id must not appear in pending")
	}

	persisted, err := s.GetPendingMessage(ids[0])
	require.NoError(t, err)
	assert.Equal(t, store.StatusSkipped, persisted.Status)
	assert.Equal(t, uint64(1), q.Stats().Evicted)
}

func TestApproveAll_PartialSuccess(t *testing.T) {
	s := newTestStore(t)
	sr := &sendRecorder{}
	q := newQueue(t, s, sr, nil, 0)

	good := pendingRecord(t, s, "C1", "100.000000", "draft")
	noDraft := pendingRecord(t, s, "C1", "101.000000", "")
	require.NoError(t, q.Enqueue(context.Background(), good))
	require.NoError(t, q.Enqueue(context.Background(), noDraft))

	outcomes := q.ApproveAll(context.Background())
	require.Len(t, outcomes, 2)
	assert.Equal(t, store.StatusSent, outcomes[0].Status)
	assert.Equal(t, store.StatusPending, outcomes[1].Status)
	assert.NotEmpty(t, outcomes[1].Error)

	// The undeliverable record is still waiting.
	require.Len(t, q.GetPending(), 1)
	assert.Equal(t, noDraft.ID, q.GetPending()[0].ID)
}

func TestRestore_ReloadsPending(t *testing.T) {
	s := newTestStore(t)
	pendingRecord(t, s, "C1", "100.000000", "draft-a")
	pendingRecord(t, s, "C1", "101.000000", "draft-b")

	q := newQueue(t, s, &sendRecorder{}, nil, 0)
	require.NoError(t, q.Restore())

	pending := q.GetPending()
	require.Len(t, pending, 2)
	assert.Equal(t, store.MessageID("C1", "100.000000"), pending[0].ID)
	assert.Equal(t, "draft-a", pending[0].Response)
}

func TestGetHistory_Filters(t *testing.T) {
	s := newTestStore(t)
	sr := &sendRecorder{}
	q := newQueue(t, s, sr, nil, 0)

	a := pendingRecord(t, s, "C1", "100.000000", "draft")
	b := pendingRecord(t, s, "C2", "101.000000", "draft")
	require.NoError(t, q.Enqueue(context.Background(), a))
	require.NoError(t, q.Enqueue(context.Background(), b))

	_, err := q.Approve(context.Background(), a.ID)
	require.NoError(t, err)
	_, err = q.Reject(b.ID)
	require.NoError(t, err)

	assert.Len(t, q.GetHistory(10, "", ""), 2)
	sent := q.GetHistory(10, store.StatusSent, "")
	require.Len(t, sent, 1)
	assert.Equal(t, a.ID, sent[0].ID)
	byChannel := q.GetHistory(10, "", "C2")
	require.Len(t, byChannel, 1)
	assert.Equal(t, b.ID, byChannel[0].ID)
}
