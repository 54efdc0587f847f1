// Package listener polls watched conversations, detects relevant messages
// and routes them to auto-reply or the approval queue.
package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"botfleet/internal/metrics"
	"botfleet/internal/provider"
	"botfleet/internal/store"
	"botfleet/internal/xerrors"
)

const (
	// Rate-limit backoff per channel grows from base to cap.
	backoffBase = 30 * time.Second
	backoffCap  = 10 * time.Minute

	// Channels poll concurrently; ordering is only per-channel.
	pollWorkers = 4
)

// Approvals is the queue side the listener feeds.
type Approvals interface {
	Enqueue(ctx context.Context, msg *store.PendingMessage) error
}

// Stats is a point-in-time snapshot of the listener counters.
type Stats struct {
	Polls             uint64 `json:"polls"`
	Errors            uint64 `json:"errors"`
	ConsecutiveErrors uint64 `json:"consecutive_errors"`
	MessagesSeen      uint64 `json:"messages_seen"`
}

// Options wires a Listener. Provider, Store and Approvals are required;
// Responder, Notifier and Metrics may be nil.
type Options struct {
	Provider  provider.MessagingProvider
	Store     *store.Store
	Approvals Approvals
	Responder provider.ResponseGenerator
	Notifier  provider.Notifier
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Clock     clockwork.Clock

	Channels          []string
	Keywords          []string
	MaxPerTick        int
	MaxConsecutiveErr int
	Classifier        *UserClassifier
	Permissions       *ChannelPermissions
}

type channelBackoff struct {
	until time.Time
	delay time.Duration
}

// Listener runs the poll loop. Tick is the periodic-task callback; all
// mutation happens on the calling goroutine, the mutex only covers the
// counters and the backoff table read from other goroutines.
type Listener struct {
	provider   provider.MessagingProvider
	store      *store.Store
	approvals  Approvals
	responder  provider.ResponseGenerator
	notifier   provider.Notifier
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	clock      clockwork.Clock
	classifier *UserClassifier
	perms      *ChannelPermissions

	channels       []string
	keywords       []string
	maxPerTick     int
	maxConsecutive int
	pool           pond.Pool

	mu      sync.Mutex
	backoff map[string]channelBackoff
	stats   Stats
}

func New(opts Options) *Listener {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxPerTick <= 0 {
		opts.MaxPerTick = 50
	}
	if opts.MaxConsecutiveErr <= 0 {
		opts.MaxConsecutiveErr = 10
	}
	if opts.Classifier == nil {
		opts.Classifier = NewUserClassifier(nil, nil, nil)
	}
	if opts.Permissions == nil {
		opts.Permissions = NewChannelPermissions(nil, nil)
	}
	return &Listener{
		provider:       opts.Provider,
		store:          opts.Store,
		approvals:      opts.Approvals,
		responder:      opts.Responder,
		notifier:       opts.Notifier,
		metrics:        opts.Metrics,
		logger:         opts.Logger.With().Str("component", "listener").Logger(),
		clock:          opts.Clock,
		classifier:     opts.Classifier,
		perms:          opts.Permissions,
		channels:       opts.Channels,
		keywords:       opts.Keywords,
		maxPerTick:     opts.MaxPerTick,
		maxConsecutive: opts.MaxConsecutiveErr,
		pool:           pond.NewPool(pollWorkers),
		backoff:        make(map[string]channelBackoff),
	}
}

// Close drains the poll worker pool. Call after the periodic task stops.
func (l *Listener) Close() {
	l.pool.StopAndWait()
}

// Reconfigure swaps the watched channels, keywords and policy tables. Takes
// effect on the next tick.
func (l *Listener) Reconfigure(channels, keywords []string, classifier *UserClassifier, perms *ChannelPermissions) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels = append([]string(nil), channels...)
	l.keywords = append([]string(nil), keywords...)
	if classifier != nil {
		l.classifier = classifier
	}
	if perms != nil {
		l.perms = perms
	}
}

// Stats returns a copy of the counters.
func (l *Listener) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Healthy reports whether the loop is below the consecutive-error ceiling.
func (l *Listener) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats.ConsecutiveErrors < uint64(l.maxConsecutive)
}

// Tick polls every watched channel once. Channels poll in parallel since
// ordering is only guaranteed within a channel; individual failures are
// counted but never abort the remaining channels.
func (l *Listener) Tick(ctx context.Context) error {
	var failed atomic.Uint64
	group := l.pool.NewGroup()
	for _, channelID := range l.watchedChannels() {
		if l.inBackoff(channelID) {
			continue
		}
		group.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			err := l.pollChannel(ctx, channelID)
			if err == nil {
				l.clearBackoff(channelID)
				return
			}
			if rateLimited(err) {
				l.extendBackoff(channelID, xerrors.RetryAfter(err))
				l.logger.Warn().Str("channel", channelID).
					Dur("retry_after", xerrors.RetryAfter(err)).Msg("rate limited, backing off channel")
				return
			}
			failed.Add(1)
			l.logger.Error().Err(err).Str("channel", channelID).Msg("channel poll failed")
			if l.metrics != nil {
				l.metrics.RecordError("listener", "poll")
			}
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	l.mu.Lock()
	l.stats.Polls++
	if n := failed.Load(); n > 0 {
		l.stats.Errors += n
		l.stats.ConsecutiveErrors++
	} else {
		l.stats.ConsecutiveErrors = 0
	}
	l.mu.Unlock()

	outcome := "ok"
	if failed.Load() > 0 {
		outcome = "error"
	}
	if l.metrics != nil {
		l.metrics.PollsTotal.WithLabelValues("listener", outcome).Inc()
	}
	return nil
}

func (l *Listener) watchedChannels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.channels...)
}

func (l *Listener) policy() (*UserClassifier, *ChannelPermissions) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.classifier, l.perms
}

func (l *Listener) keywordList() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.keywords
}

func (l *Listener) inBackoff(channelID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	bo, ok := l.backoff[channelID]
	return ok && l.clock.Now().Before(bo.until)
}

func (l *Listener) extendBackoff(channelID string, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.backoff[channelID]
	delay := prev.delay * 2
	if delay < backoffBase {
		delay = backoffBase
	}
	if delay < retryAfter {
		delay = retryAfter
	}
	if delay > backoffCap {
		delay = backoffCap
	}
	l.backoff[channelID] = channelBackoff{until: l.clock.Now().Add(delay), delay: delay}
}

func (l *Listener) clearBackoff(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.backoff, channelID)
}

func rateLimited(err error) bool {
	return errors.Is(err, xerrors.ErrRateLimit)
}

// pollChannel reads everything newer than the watermark and processes it in
// order. The watermark only advances past a message once it is fully handled
// or provably already surfaced to the user.
func (l *Listener) pollChannel(ctx context.Context, channelID string) error {
	wm, found, err := l.store.GetWatermark(channelID)
	oldest := ""
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	if found {
		oldest = wm.LastTS
	}

	ch, err := l.channelInfo(ctx, channelID)
	if err != nil {
		return fmt.Errorf("channel info: %w", err)
	}
	_, perms := l.policy()
	if perms.Denied(channelID, ch.Name) {
		return nil
	}

	msgs, err := l.provider.GetChannelHistory(ctx, channelID, oldest, l.maxPerTick)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	for i := range msgs {
		msg := &msgs[i]
		if err := l.processMessage(ctx, ch, msg); err != nil {
			notified, _ := l.store.WasNotified(msg.Timestamp, channelID)
			if !notified {
				// Watermark stays put; the next tick retries this message.
				return fmt.Errorf("message %s: %w", msg.Timestamp, err)
			}
			l.logger.Warn().Err(err).Str("channel", channelID).
				Str("ts", msg.Timestamp).Msg("skipping failed but already-surfaced message")
		}
		if err := l.store.AdvanceWatermark(channelID, ch.Name, msg.Timestamp); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}
	return nil
}

func (l *Listener) channelInfo(ctx context.Context, channelID string) (*store.Channel, error) {
	ch, err := l.store.GetChannel(channelID)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, xerrors.ErrNotFound) {
		return nil, err
	}
	fresh, err := l.provider.GetChannelInfo(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := l.store.CacheChannels([]store.Channel{*fresh}); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (l *Listener) processMessage(ctx context.Context, ch *store.Channel, msg *provider.Message) error {
	if msg.BotID != "" || msg.UserID == "" || msg.UserID == l.provider.BotUserID() {
		return nil
	}
	id := store.MessageID(ch.ID, msg.Timestamp)
	if seen, err := l.store.HasMessage(id); err != nil {
		return err
	} else if seen {
		return nil
	}

	l.mu.Lock()
	l.stats.MessagesSeen++
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.MessagesSeen.Inc()
	}

	user, err := l.resolveUser(ctx, msg.UserID)
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return err
	}

	sig := l.signals(ch, msg)
	classifier, perms := l.policy()
	class := classifier.Classify(user)
	decision := Decide(class, perms, ch.ID, ch.Name, sig)
	if decision == Ignore {
		return nil
	}

	record := &store.PendingMessage{
		ID:              id,
		ChannelID:       ch.ID,
		ChannelName:     ch.Name,
		UserID:          msg.UserID,
		Text:            msg.Text,
		ThreadParent:    msg.ThreadTS,
		IsMention:       sig.IsMention,
		IsDM:            sig.IsDM,
		MatchedKeywords: sig.MatchedKeywords,
		RawPayload:      msg.Raw,
	}
	if user != nil {
		record.UserName = user.Name
	}

	l.logger.Info().Str("channel", ch.Name).Str("user", record.UserName).
		Str("class", string(class)).Stringer("decision", decision).Msg("relevant message")

	switch decision {
	case AutoReply:
		return l.autoReply(ctx, record)
	default:
		return l.queue(ctx, ch, record)
	}
}

func (l *Listener) autoReply(ctx context.Context, record *store.PendingMessage) error {
	if l.responder == nil {
		// No generator wired: fall back to queueing for review.
		return l.queue(ctx, &store.Channel{ID: record.ChannelID, Name: record.ChannelName}, record)
	}
	response, _, err := l.responder.Generate(ctx, record)
	if err != nil {
		return fmt.Errorf("generate response: %w", err)
	}
	if err := l.store.SavePendingMessage(record); err != nil {
		return err
	}
	thread := record.ThreadParent
	if thread == "" {
		// Reply in-thread under the triggering message.
		thread = strings.TrimPrefix(record.ID, record.ChannelID+"|")
	}
	if _, err := l.provider.SendMessage(ctx, record.ChannelID, response, thread); err != nil {
		return fmt.Errorf("send auto-reply: %w", err)
	}
	if l.metrics != nil {
		l.metrics.ApprovalsTotal.WithLabelValues("auto_sent").Inc()
	}
	return l.store.UpdateMessageStatus(record.ID, store.StatusSent)
}

func (l *Listener) queue(ctx context.Context, ch *store.Channel, record *store.PendingMessage) error {
	if err := l.store.SavePendingMessage(record); err != nil {
		return err
	}
	if err := l.approvals.Enqueue(ctx, record); err != nil {
		return err
	}
	ts := strings.TrimPrefix(record.ID, record.ChannelID+"|")
	if l.notifier != nil {
		if notified, _ := l.store.WasNotified(ts, ch.ID); !notified {
			title := fmt.Sprintf("Message in #%s", ch.Name)
			if record.IsDM {
				title = fmt.Sprintf("DM from %s", record.UserName)
			}
			if err := l.notifier.Notify(ctx, title, record.Text); err != nil {
				l.logger.Warn().Err(err).Msg("desktop notification failed")
			} else if err := l.store.MarkNotified(ts, ch.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Listener) resolveUser(ctx context.Context, userID string) (*store.User, error) {
	u, err := l.store.GetUser(userID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, xerrors.ErrNotFound) {
		return nil, err
	}
	fresh, err := l.provider.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := l.store.CacheUsers([]store.User{*fresh}); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (l *Listener) signals(ch *store.Channel, msg *provider.Message) MessageSignals {
	sig := MessageSignals{IsDM: ch.IsDM}
	if strings.Contains(msg.Text, "<@"+l.provider.BotUserID()+">") {
		sig.IsMention = true
	}
	lower := strings.ToLower(msg.Text)
	for _, kw := range l.keywordList() {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			sig.MatchedKeywords = append(sig.MatchedKeywords, kw)
		}
	}
	return sig
}
