// Package approval holds proposed responses for human review and gates
// their delivery to the provider.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"botfleet/internal/metrics"
	"botfleet/internal/provider"
	"botfleet/internal/store"
	"botfleet/internal/xerrors"
)

const (
	DefaultMaxPending   = 100
	DefaultHistoryLimit = 1000

	approveDeadline    = 30 * time.Second
	approveAllDeadline = 60 * time.Second
)

// Signaler is the bus side used for PendingApproval and MessageProcessed.
type Signaler interface {
	Emit(name string, values ...interface{})
}

// Outcome is one item's result from a bulk approve.
type Outcome struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Pending  int    `json:"pending"`
	History  int    `json:"history"`
	Approved uint64 `json:"approved"`
	Rejected uint64 `json:"rejected"`
	Evicted  uint64 `json:"evicted"`
}

// Options wires a Queue. Store and Provider are required.
type Options struct {
	Store     *store.Store
	Provider  provider.MessagingProvider
	Responder provider.ResponseGenerator
	Signaler  Signaler
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Clock     clockwork.Clock

	MaxPending   int
	HistoryLimit int
}

// Queue is the in-memory review queue. The mutex covers the pending list and
// history ring; outbound sends always happen outside it so a slow provider
// cannot block reads.
type Queue struct {
	store     *store.Store
	provider  provider.MessagingProvider
	responder provider.ResponseGenerator
	signaler  Signaler
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	clock     clockwork.Clock

	maxPending   int
	historyLimit int

	mu       sync.Mutex
	pending  []*store.PendingMessage // FIFO, oldest first
	history  []*store.PendingMessage // ring, newest last
	approved uint64
	rejected uint64
	evicted  uint64
}

func New(opts Options) *Queue {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Queue{
		store:        opts.Store,
		provider:     opts.Provider,
		responder:    opts.Responder,
		signaler:     opts.Signaler,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("component", "approval").Logger(),
		clock:        opts.Clock,
		maxPending:   opts.MaxPending,
		historyLimit: opts.HistoryLimit,
	}
}

// Restore reloads pending records from the store, oldest first. Called once
// at startup so approvals survive a daemon restart.
func (q *Queue) Restore() error {
	records, err := q.store.ListMessagesByStatus(store.StatusPending, q.maxPending)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.pending = records
	q.mu.Unlock()
	q.updateDepth()
	if len(records) > 0 {
		q.logger.Info().Int("count", len(records)).Msg("restored pending approvals")
	}
	return nil
}

// Enqueue appends a record for review, generating the proposed response if a
// generator is wired. When the queue is full the oldest record is evicted and
// marked skipped.
func (q *Queue) Enqueue(ctx context.Context, msg *store.PendingMessage) error {
	if q.responder != nil && msg.Response == "" {
		response, _, err := q.responder.Generate(ctx, msg)
		if err != nil {
			q.logger.Warn().Err(err).Str("id", msg.ID).Msg("response generation failed, queueing without draft")
		} else {
			msg.Response = response
			if err := q.store.SetMessageResponse(msg.ID, response); err != nil {
				return err
			}
		}
	}

	var evictedRec *store.PendingMessage
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	if len(q.pending) > q.maxPending {
		evictedRec = q.pending[0]
		q.pending = q.pending[1:]
		q.evicted++
	}
	q.mu.Unlock()
	q.updateDepth()

	if evictedRec != nil {
		q.logger.Warn().Str("id", evictedRec.ID).Msg("approval queue full, evicting oldest")
		if q.metrics != nil {
			q.metrics.ApprovalsTotal.WithLabelValues("evicted").Inc()
		}
		if err := q.store.UpdateMessageStatus(evictedRec.ID, store.StatusSkipped); err != nil {
			q.logger.Error().Err(err).Str("id", evictedRec.ID).Msg("failed to mark evicted message")
		}
		q.recordHistory(evictedRec, store.StatusSkipped)
		if q.signaler != nil {
			q.signaler.Emit("MessageProcessed", evictedRec.ID, store.StatusSkipped)
		}
	}

	if q.signaler != nil {
		if payload, err := json.Marshal(msg); err == nil {
			q.signaler.Emit("PendingApproval", string(payload))
		}
	}
	return nil
}

// GetPending returns a copy of the queue, oldest first.
func (q *Queue) GetPending() []*store.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*store.PendingMessage, len(q.pending))
	copy(out, q.pending)
	return out
}

// GetHistory returns up to limit processed records, newest first, optionally
// filtered by status and channel id.
func (q *Queue) GetHistory(limit int, status, channelID string) []*store.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.history) {
		limit = len(q.history)
	}
	out := make([]*store.PendingMessage, 0, limit)
	for i := len(q.history) - 1; i >= 0 && len(out) < limit; i-- {
		rec := q.history[i]
		if status != "" && rec.Status != status {
			continue
		}
		if channelID != "" && rec.ChannelID != channelID {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Approve sends the stored response and marks the record sent. A failed send
// leaves the record pending so the caller may retry.
func (q *Queue) Approve(ctx context.Context, id string) (*store.PendingMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, approveDeadline)
	defer cancel()
	return q.approveOne(ctx, id, "")
}

// ApproveWithResponse overrides the draft before sending.
func (q *Queue) ApproveWithResponse(ctx context.Context, id, response string) (*store.PendingMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, approveDeadline)
	defer cancel()
	return q.approveOne(ctx, id, response)
}

func (q *Queue) approveOne(ctx context.Context, id, responseOverride string) (*store.PendingMessage, error) {
	rec := q.take(id)
	if rec == nil {
		return nil, fmt.Errorf("approval %s: %w", id, xerrors.ErrNotFound)
	}

	response := rec.Response
	if responseOverride != "" {
		response = responseOverride
	}
	if response == "" {
		q.putBack(rec)
		return nil, fmt.Errorf("approval %s: no response to send", id)
	}

	// Send outside the lock.
	ts := rec.ThreadParent
	if ts == "" {
		ts = messageTS(rec)
	}
	if _, err := q.provider.SendMessage(ctx, rec.ChannelID, response, ts); err != nil {
		// Record stays pending; Approve may be retried.
		q.putBack(rec)
		if q.metrics != nil {
			q.metrics.ApprovalsTotal.WithLabelValues("send_failed").Inc()
		}
		return nil, fmt.Errorf("send approved response: %w", err)
	}

	rec.Response = response
	if err := q.store.UpdateMessageStatus(rec.ID, store.StatusSent); err != nil {
		q.logger.Error().Err(err).Str("id", rec.ID).Msg("sent but failed to persist status")
	}
	q.finish(rec, store.StatusSent, "approved")
	q.mu.Lock()
	q.approved++
	q.mu.Unlock()
	return rec, nil
}

// Reject drops the record without sending.
func (q *Queue) Reject(id string) (*store.PendingMessage, error) {
	rec := q.take(id)
	if rec == nil {
		return nil, fmt.Errorf("approval %s: %w", id, xerrors.ErrNotFound)
	}
	if err := q.store.UpdateMessageStatus(rec.ID, store.StatusRejected); err != nil {
		q.logger.Error().Err(err).Str("id", rec.ID).Msg("failed to persist rejection")
	}
	q.finish(rec, store.StatusRejected, "rejected")
	q.mu.Lock()
	q.rejected++
	q.mu.Unlock()
	return rec, nil
}

// ApproveAll approves every currently-pending record, reporting per-item
// outcomes. Later failures do not undo earlier sends.
func (q *Queue) ApproveAll(ctx context.Context) []Outcome {
	ctx, cancel := context.WithTimeout(ctx, approveAllDeadline)
	defer cancel()

	ids := make([]string, 0)
	q.mu.Lock()
	for _, rec := range q.pending {
		ids = append(ids, rec.ID)
	}
	q.mu.Unlock()

	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			outcomes = append(outcomes, Outcome{ID: id, Status: store.StatusPending, Error: "timed out"})
			continue
		}
		rec, err := q.approveOne(ctx, id, "")
		if err != nil {
			outcomes = append(outcomes, Outcome{ID: id, Status: store.StatusPending, Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, Outcome{ID: rec.ID, Status: rec.Status})
	}
	return outcomes
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:  len(q.pending),
		History:  len(q.history),
		Approved: q.approved,
		Rejected: q.rejected,
		Evicted:  q.evicted,
	}
}

// take removes and returns the record by id, or nil.
func (q *Queue) take(id string) *store.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, rec := range q.pending {
		if rec.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return rec
		}
	}
	return nil
}

// putBack restores a record at the head, preserving its original position as
// the oldest entry.
func (q *Queue) putBack(rec *store.PendingMessage) {
	q.mu.Lock()
	q.pending = append([]*store.PendingMessage{rec}, q.pending...)
	q.mu.Unlock()
	q.updateDepth()
}

func (q *Queue) finish(rec *store.PendingMessage, status, auditResult string) {
	rec.Status = status
	now := q.clock.Now()
	rec.ProcessedAt = &now
	q.recordHistory(rec, status)
	q.updateDepth()

	if err := q.store.LogAudit(rec.UserID, "approval", rec.ID, auditResult, rec.ChannelName); err != nil {
		q.logger.Warn().Err(err).Msg("audit write failed")
	}
	if q.metrics != nil {
		q.metrics.ApprovalsTotal.WithLabelValues(status).Inc()
	}
	if q.signaler != nil {
		q.signaler.Emit("MessageProcessed", rec.ID, status)
	}
	q.logger.Info().Str("id", rec.ID).Str("status", status).Msg("approval processed")
}

func (q *Queue) recordHistory(rec *store.PendingMessage, status string) {
	rec.Status = status
	q.mu.Lock()
	q.history = append(q.history, rec)
	if len(q.history) > q.historyLimit {
		q.history = q.history[len(q.history)-q.historyLimit:]
	}
	q.mu.Unlock()
}

func (q *Queue) updateDepth() {
	if q.metrics == nil {
		return
	}
	q.mu.Lock()
	n := len(q.pending)
	q.mu.Unlock()
	q.metrics.PendingQueueDepth.Set(float64(n))
}

func messageTS(rec *store.PendingMessage) string {
	if i := len(rec.ChannelID) + 1; i < len(rec.ID) {
		return rec.ID[i:]
	}
	return ""
}
