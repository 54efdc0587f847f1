package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/rs/zerolog"
)

// errTimedOut is the exact envelope error text callers match on.
var errTimedOut = errors.New("timed out")

const (
	// Per-call dispatch deadlines: user-triggered methods get 30 s, bulk
	// operations 60 s.
	UserDeadline = 30 * time.Second
	BulkDeadline = 60 * time.Second
)

// Handler serves one bus method. args is the raw JSON argument string; the
// returned map is merged into the success envelope.
type Handler func(ctx context.Context, args string) (map[string]any, error)

type method struct {
	fn       Handler
	deadline time.Duration
}

// Service exports one daemon object on the session bus.
type Service struct {
	id     Identity
	logger zerolog.Logger

	conn  *dbus.Conn
	props *prop.Properties

	mu      sync.RWMutex
	methods map[string]method

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewService creates an unstarted service for the given identity.
func NewService(id Identity, logger zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		id:      id,
		logger:  logger.With().Str("component", "bus").Logger(),
		methods: make(map[string]method),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// RegisterMethod attaches a handler with the user-operation deadline.
func (s *Service) RegisterMethod(name string, fn Handler) {
	s.registerMethod(name, fn, UserDeadline)
}

// RegisterBulkMethod attaches a handler with the bulk-operation deadline.
func (s *Service) RegisterBulkMethod(name string, fn Handler) {
	s.registerMethod(name, fn, BulkDeadline)
}

func (s *Service) registerMethod(name string, fn Handler, deadline time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = method{fn: fn, deadline: deadline}
}

// Start connects to the session bus, exports the object and its properties,
// and then requests the well-known name. The name is requested last so peers
// never observe the name before the object is callable.
func (s *Service) Start() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	s.conn = conn

	s.mu.RLock()
	table := make(map[string]interface{}, len(s.methods))
	for name := range s.methods {
		n := name
		table[n] = func(args string) (string, *dbus.Error) {
			return s.Dispatch(n, args), nil
		}
	}
	s.mu.RUnlock()

	path := dbus.ObjectPath(s.id.ObjectPath)
	if err := conn.ExportMethodTable(table, path, s.id.Interface); err != nil {
		conn.Close()
		return fmt.Errorf("failed to export object: %w", err)
	}

	propSpec := map[string]map[string]*prop.Prop{
		s.id.Interface: {
			"Running": {Value: true, Writable: false, Emit: prop.EmitTrue},
			"Stats":   {Value: "{}", Writable: false, Emit: prop.EmitFalse},
		},
	}
	props, err := prop.Export(conn, path, propSpec)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to export properties: %w", err)
	}
	s.props = props

	reply, err := conn.RequestName(s.id.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return fmt.Errorf("bus name %s already owned", s.id.BusName)
	}

	s.logger.Info().Str("bus_name", s.id.BusName).Msg("bus interface exported")
	return nil
}

// Stop sets Running=false, cancels in-flight dispatches, and releases the
// name and connection.
func (s *Service) Stop() {
	if s.props != nil {
		s.props.SetMust(s.id.Interface, "Running", false)
	}
	s.cancel()
	if s.conn != nil {
		s.conn.ReleaseName(s.id.BusName)
		s.conn.Close()
	}
}

// SetStats publishes the Stats property (JSON string).
func (s *Service) SetStats(statsJSON string) {
	if s.props != nil {
		s.props.SetMust(s.id.Interface, "Stats", statsJSON)
	}
}

// Emit fires a fire-and-forget signal on the daemon's interface.
func (s *Service) Emit(name string, values ...interface{}) {
	if s.conn == nil {
		return
	}
	if err := s.conn.Emit(dbus.ObjectPath(s.id.ObjectPath), s.id.Interface+"."+name, values...); err != nil {
		s.logger.Warn().Err(err).Str("signal", name).Msg("failed to emit signal")
	}
}

// Dispatch routes a method call to its handler under the per-call deadline.
// A timed-out handler keeps running; its eventual completion is logged so it
// never disappears silently.
func (s *Service) Dispatch(name, args string) string {
	s.mu.RLock()
	m, ok := s.methods[name]
	s.mu.RUnlock()
	if !ok {
		return Envelope(nil, fmt.Errorf("unknown method %q", name))
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, m.deadline)
	defer cancel()

	type result struct {
		payload map[string]any
		err     error
	}
	ch := make(chan result, 1)
	started := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic in %s: %v", name, r)}
			}
		}()
		payload, err := m.fn(ctx, args)
		ch <- result{payload: payload, err: err}
	}()

	select {
	case r := <-ch:
		return Envelope(r.payload, r.err)
	case <-ctx.Done():
		go func() {
			r := <-ch
			s.logger.Warn().Str("method", name).Dur("took", time.Since(started)).
				Err(r.err).Msg("timed-out method completed late")
		}()
		return Envelope(nil, errTimedOut)
	}
}
