package daemon

import (
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	wakeSampleInterval = 10 * time.Second
	wakeGapThreshold   = 30 * time.Second
	// Both detectors can fire for the same wake; collapse fires this close.
	wakeDedupWindow = 15 * time.Second
)

// WakeMonitor detects system suspend/resume through two parallel detectors:
// the login manager's PrepareForSleep signal on the system bus, and a
// monotonic time-gap sampler. Handlers are invoked at most once per wake.
type WakeMonitor struct {
	clock   clockwork.Clock
	onSleep func()
	onWake  func()
	logger  zerolog.Logger

	sampleInterval time.Duration
	gapThreshold   time.Duration

	mu        sync.Mutex
	lastWake  time.Time
	wakeCount int64

	conn *dbus.Conn
	done chan struct{}
}

// NewWakeMonitor creates a monitor; handlers may be nil.
func NewWakeMonitor(clock clockwork.Clock, onSleep, onWake func(), logger zerolog.Logger) *WakeMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WakeMonitor{
		clock:          clock,
		onSleep:        onSleep,
		onWake:         onWake,
		logger:         logger.With().Str("component", "wake-monitor").Logger(),
		sampleInterval: wakeSampleInterval,
		gapThreshold:   wakeGapThreshold,
		done:           make(chan struct{}),
	}
}

// Start launches both detectors. The login-manager subscription is best
// effort: on a host without a system bus only the gap detector runs.
func (m *WakeMonitor) Start() {
	go m.gapLoop()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		m.logger.Warn().Err(err).Msg("system bus unavailable, relying on time-gap detection only")
		return
	}
	m.conn = conn

	err = conn.AddMatchSignal(
		dbus.WithMatchObjectPath("/org/freedesktop/login1"),
		dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
		dbus.WithMatchMember("PrepareForSleep"),
	)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to subscribe to PrepareForSleep")
		return
	}

	ch := make(chan *dbus.Signal, 8)
	conn.Signal(ch)
	go m.signalLoop(ch)
}

// Stop ends the monitor.
func (m *WakeMonitor) Stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	if m.conn != nil {
		m.conn.Close()
	}
}

// Stats returns the wake count and the last wake time (zero if never).
func (m *WakeMonitor) Stats() (int64, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wakeCount, m.lastWake
}

func (m *WakeMonitor) signalLoop(ch chan *dbus.Signal) {
	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if sig == nil || len(sig.Body) != 1 {
				continue
			}
			entering, ok := sig.Body[0].(bool)
			if !ok {
				continue
			}
			if entering {
				m.logger.Info().Msg("system preparing for sleep")
				if m.onSleep != nil {
					m.onSleep()
				}
			} else {
				m.fireWake("login1")
			}
		}
	}
}

func (m *WakeMonitor) gapLoop() {
	// Samples compare as UnixNano. Subtracting time.Time values would use
	// the monotonic clock, which stalls during suspend and hides the gap.
	last := m.clock.Now().UnixNano()
	for {
		select {
		case <-m.done:
			return
		case <-m.clock.After(m.sampleInterval):
		}
		now := m.clock.Now().UnixNano()
		if gap := time.Duration(now - last); gap > m.gapThreshold {
			m.logger.Info().Dur("gap", gap).Msg("clock gap detected")
			m.fireWake("time-gap")
		}
		last = now
	}
}

func (m *WakeMonitor) fireWake(source string) {
	now := m.clock.Now()
	m.mu.Lock()
	if !m.lastWake.IsZero() && now.Sub(m.lastWake) < wakeDedupWindow {
		m.mu.Unlock()
		return
	}
	m.lastWake = now
	m.wakeCount++
	count := m.wakeCount
	m.mu.Unlock()

	m.logger.Info().Str("source", source).Int64("wake_count", count).Msg("system wake")
	if m.onWake != nil {
		m.onWake()
	}
}
