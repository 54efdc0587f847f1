// Package syncer slowly warms the channel, user and photo caches without
// tripping provider rate limits.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"botfleet/internal/daemon"
	"botfleet/internal/metrics"
	"botfleet/internal/provider"
	"botfleet/internal/store"
	"botfleet/internal/xerrors"
)

const stopGrace = 10 * time.Second

// SweepStats counts one kind of sweep work across the syncer's lifetime.
type SweepStats struct {
	Discovered  int    `json:"discovered"`
	Synced      int    `json:"synced"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	RateLimited int    `json:"rate_limited"`
	LastSweep   string `json:"last_sweep,omitempty"`
}

// Stats is the full syncer snapshot published on the bus.
type Stats struct {
	Running  bool       `json:"running"`
	Channels SweepStats `json:"channels"`
	Groups   SweepStats `json:"groups"`
	Photos   SweepStats `json:"photos"`
}

// Options wires a Syncer. Provider and Store are required.
type Options struct {
	Provider provider.MessagingProvider
	Store    *store.Store
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Clock    clockwork.Clock

	PhotoDir             string
	SweepInterval        time.Duration
	MinDelay             time.Duration
	MaxDelay             time.Duration
	RateLimitBackoff     time.Duration
	MaxMembersPerChannel int
	SkipDMs              bool
}

// Syncer runs the background cache-warming loop. One sweep covers channel
// discovery, per-channel member fetches, a user-group refresh and a photo
// pass; sweeps repeat on SweepInterval until stopped.
type Syncer struct {
	provider provider.MessagingProvider
	store    *store.Store
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	clock    clockwork.Clock
	rng      *rand.Rand

	photoDir         string
	interval         time.Duration
	minDelay         time.Duration
	maxDelay         time.Duration
	rateLimitBackoff time.Duration
	maxMembers       int
	skipDMs          bool

	mu           sync.Mutex
	task         *daemon.PeriodicTask
	cancel       context.CancelFunc
	seenChannels map[string]struct{}
	seenPhotos   map[string]struct{}
	stats        Stats
}

func New(opts Options) *Syncer {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 24 * time.Hour
	}
	if opts.MinDelay <= 0 {
		opts.MinDelay = time.Second
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = 3 * time.Second
	}
	if opts.RateLimitBackoff <= 0 {
		opts.RateLimitBackoff = 60 * time.Second
	}
	if opts.MaxMembersPerChannel <= 0 {
		opts.MaxMembersPerChannel = 200
	}
	return &Syncer{
		provider:         opts.Provider,
		store:            opts.Store,
		metrics:          opts.Metrics,
		logger:           opts.Logger.With().Str("component", "syncer").Logger(),
		clock:            opts.Clock,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		photoDir:         opts.PhotoDir,
		interval:         opts.SweepInterval,
		minDelay:         opts.MinDelay,
		maxDelay:         opts.MaxDelay,
		rateLimitBackoff: opts.RateLimitBackoff,
		maxMembers:       opts.MaxMembersPerChannel,
		skipDMs:          opts.SkipDMs,
		seenChannels:     make(map[string]struct{}),
		seenPhotos:       make(map[string]struct{}),
	}
}

// Start launches the sweep loop. Idempotent while running.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.task = &daemon.PeriodicTask{
		Name:           "cache-sweep",
		Interval:       s.interval,
		RunImmediately: true,
		Callback:       s.sweep,
		Clock:          s.clock,
		Logger:         s.logger,
	}
	s.stats.Running = true
	s.task.Start(runCtx)
	s.logger.Info().Dur("interval", s.interval).Msg("background sync started")
}

// Stop ends the loop, allowing the in-flight request up to 10 s to finish.
func (s *Syncer) Stop() {
	s.mu.Lock()
	task, cancel := s.task, s.cancel
	s.task, s.cancel = nil, nil
	s.stats.Running = false
	s.mu.Unlock()
	if task == nil {
		return
	}
	task.Stop()
	// The in-flight request may finish; the context hard-cancels at the cap.
	time.AfterFunc(stopGrace, cancel)
	s.logger.Info().Msg("background sync stopped")
}

// TriggerSync clears the seen-set for kind ("channels", "groups", "photos"
// or "all") so the next sweep re-covers it.
func (s *Syncer) TriggerSync(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "channels":
		s.seenChannels = make(map[string]struct{})
	case "groups":
		// Groups are refetched wholesale every sweep; nothing cached to clear.
	case "photos":
		s.seenPhotos = make(map[string]struct{})
	case "", "all":
		s.seenChannels = make(map[string]struct{})
		s.seenPhotos = make(map[string]struct{})
	default:
		return fmt.Errorf("unknown sync kind %q", kind)
	}
	return nil
}

// Running reports whether the loop is active.
func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task != nil
}

// Stats returns a snapshot.
func (s *Syncer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// sweep is one full pass: discovery, members, groups, photos.
func (s *Syncer) sweep(ctx context.Context) error {
	channels, err := s.provider.ListChannels(ctx, nil, 0)
	if err != nil {
		return fmt.Errorf("channel discovery: %w", err)
	}
	s.mu.Lock()
	s.stats.Channels.Discovered = len(channels)
	s.mu.Unlock()

	for _, ch := range channels {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.syncChannel(ctx, ch)
		if !s.pause(ctx) {
			return ctx.Err()
		}
	}

	s.sweepGroups(ctx)
	s.sweepPhotos(ctx)

	s.mu.Lock()
	now := s.clock.Now().UTC().Format(time.RFC3339)
	s.stats.Channels.LastSweep = now
	s.stats.Groups.LastSweep = now
	s.stats.Photos.LastSweep = now
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.PollsTotal.WithLabelValues("syncer", "ok").Inc()
	}
	return nil
}

func (s *Syncer) syncChannel(ctx context.Context, ch store.Channel) {
	s.mu.Lock()
	_, seen := s.seenChannels[ch.ID]
	s.mu.Unlock()
	if seen || (s.skipDMs && strings.HasPrefix(ch.ID, "D")) {
		s.bump(func(st *Stats) { st.Channels.Skipped++ })
		return
	}

	if ch.Name == "" {
		info, err := s.provider.GetChannelInfo(ctx, ch.ID)
		if err != nil {
			s.recordItemErr(ctx, "channel info", ch.ID, err, func(st *Stats) { st.Channels.RateLimited++ }, func(st *Stats) { st.Channels.Failed++ })
			return
		}
		ch = *info
	}

	members, err := s.provider.ListChannelMembers(ctx, ch.ID, s.maxMembers)
	if err != nil {
		s.recordItemErr(ctx, "members", ch.ID, err, func(st *Stats) { st.Channels.RateLimited++ }, func(st *Stats) { st.Channels.Failed++ })
		return
	}

	var users []store.User
	for _, uid := range members {
		u, err := s.provider.GetUser(ctx, uid)
		if err != nil {
			if isRateLimit(err) {
				s.bump(func(st *Stats) { st.Channels.RateLimited++ })
				s.backoff(ctx, err)
				return
			}
			continue
		}
		if u.IsBot || u.Deleted {
			continue
		}
		users = append(users, *u)
	}
	if len(users) > 0 {
		if err := s.store.CacheUsers(users); err != nil {
			s.logger.Error().Err(err).Str("channel", ch.ID).Msg("user cache write failed")
			s.bump(func(st *Stats) { st.Channels.Failed++ })
			return
		}
	}
	if err := s.store.CacheChannels([]store.Channel{ch}); err != nil {
		s.logger.Error().Err(err).Str("channel", ch.ID).Msg("channel cache write failed")
		s.bump(func(st *Stats) { st.Channels.Failed++ })
		return
	}

	s.mu.Lock()
	s.seenChannels[ch.ID] = struct{}{}
	s.stats.Channels.Synced++
	s.mu.Unlock()
	s.logger.Debug().Str("channel", ch.Name).Int("members", len(users)).Msg("channel synced")
}

// sweepGroups refreshes the user-group cache. Groups are few and change
// rarely; one list call per sweep replaces the whole set, which keeps
// @handle resolution working against current membership.
func (s *Syncer) sweepGroups(ctx context.Context) {
	groups, err := s.provider.GetUserGroups(ctx)
	if err != nil {
		s.recordItemErr(ctx, "groups", "", err, func(st *Stats) { st.Groups.RateLimited++ }, func(st *Stats) { st.Groups.Failed++ })
		return
	}
	s.bump(func(st *Stats) { st.Groups.Discovered = len(groups) })
	if len(groups) == 0 {
		return
	}
	if err := s.store.CacheGroups(groups); err != nil {
		s.logger.Error().Err(err).Msg("group cache write failed")
		s.bump(func(st *Stats) { st.Groups.Failed++ })
		return
	}
	s.bump(func(st *Stats) { st.Groups.Synced = len(groups) })
	s.logger.Debug().Int("groups", len(groups)).Msg("groups synced")
}

// sweepPhotos downloads avatars missing from the photo cache, atomically.
func (s *Syncer) sweepPhotos(ctx context.Context) {
	if s.photoDir == "" {
		return
	}
	users, err := s.store.ListUsersWithAvatars()
	if err != nil {
		s.logger.Error().Err(err).Msg("photo sweep listing failed")
		return
	}
	if err := os.MkdirAll(s.photoDir, 0o755); err != nil {
		s.logger.Error().Err(err).Msg("photo dir create failed")
		return
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		_, seen := s.seenPhotos[u.ID]
		s.mu.Unlock()
		dest := filepath.Join(s.photoDir, u.ID+".jpg")
		if seen {
			continue
		}
		if _, err := os.Stat(dest); err == nil {
			s.markPhoto(u.ID)
			continue
		}
		data, err := s.provider.DownloadPhoto(ctx, u.AvatarURL)
		if err != nil {
			s.recordItemErr(ctx, "photo", u.ID, err, func(st *Stats) { st.Photos.RateLimited++ }, func(st *Stats) { st.Photos.Failed++ })
			continue
		}
		if err := writeAtomic(dest, data); err != nil {
			s.logger.Error().Err(err).Str("user", u.ID).Msg("photo write failed")
			s.bump(func(st *Stats) { st.Photos.Failed++ })
			continue
		}
		s.markPhoto(u.ID)
		s.bump(func(st *Stats) { st.Photos.Synced++ })
		if !s.pause(ctx) {
			return
		}
	}
}

func (s *Syncer) markPhoto(userID string) {
	s.mu.Lock()
	s.seenPhotos[userID] = struct{}{}
	s.mu.Unlock()
}

func (s *Syncer) bump(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// recordItemErr applies the 429-is-not-a-failure rule uniformly.
func (s *Syncer) recordItemErr(ctx context.Context, op, id string, err error, onRateLimit, onFail func(*Stats)) {
	if isRateLimit(err) {
		s.logger.Warn().Str("op", op).Str("id", id).Msg("rate limited, pausing sweep")
		s.bump(onRateLimit)
		s.backoff(ctx, err)
		return
	}
	s.logger.Warn().Err(err).Str("op", op).Str("id", id).Msg("sync item failed")
	s.bump(onFail)
	if s.metrics != nil {
		s.metrics.RecordError("syncer", op)
	}
}

// backoff waits out a rate limit, honoring a longer reported retry-after.
// Cancellation cuts it short.
func (s *Syncer) backoff(ctx context.Context, err error) {
	wait := s.rateLimitBackoff
	if ra := xerrors.RetryAfter(err); ra > wait {
		wait = ra
	}
	select {
	case <-ctx.Done():
	case <-s.clock.After(wait):
	}
}

// pause sleeps a uniform random delay between items. Returns false when the
// context ended during the wait.
func (s *Syncer) pause(ctx context.Context) bool {
	span := s.maxDelay - s.minDelay
	delay := s.minDelay
	if span > 0 {
		s.mu.Lock()
		delay += time.Duration(s.rng.Int63n(int64(span)))
		s.mu.Unlock()
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(delay):
		return true
	}
}

func isRateLimit(err error) bool {
	return errors.Is(err, xerrors.ErrRateLimit)
}

// writeAtomic writes temp-then-rename so readers never see a torn file.
func writeAtomic(dest string, data []byte) error {
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
