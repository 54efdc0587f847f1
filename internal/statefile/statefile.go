// Package statefile publishes each daemon's observable state to a JSON file
// so UI readers that are not bus-aware can follow along. Writes are atomic:
// temp file in the same directory, then rename.
package statefile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// PublishInterval is the wall-clock cadence of background publication.
const PublishInterval = 10 * time.Second

// maxErrors bounds the errors[] history carried in the file.
const maxErrors = 20

// StateFunc returns the daemon-specific portion of the state document.
// It must not block on external I/O.
type StateFunc func() map[string]any

// Publisher owns one daemon's state file.
type Publisher struct {
	path   string
	name   string
	state  StateFunc
	clock  clockwork.Clock
	logger zerolog.Logger

	mu     sync.Mutex
	status string
	errs   []string
}

// New creates a publisher for <dir>/<name>_state.json.
func New(dir, name string, state StateFunc, clock clockwork.Clock, logger zerolog.Logger) *Publisher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Publisher{
		path:   filepath.Join(dir, name+"_state.json"),
		name:   name,
		state:  state,
		clock:  clock,
		logger: logger.With().Str("component", "statefile").Logger(),
		status: "starting",
	}
}

// Path returns the state file location.
func (p *Publisher) Path() string { return p.path }

// SetStatus updates the top-level status string.
func (p *Publisher) SetStatus(status string) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

// RecordError appends to the bounded errors[] history.
func (p *Publisher) RecordError(msg string) {
	p.mu.Lock()
	p.errs = append(p.errs, msg)
	if len(p.errs) > maxErrors {
		p.errs = p.errs[len(p.errs)-maxErrors:]
	}
	p.mu.Unlock()
}

// Write publishes the current state once. Crash-safe: readers see either the
// prior or the new version in full.
func (p *Publisher) Write() error {
	doc := map[string]any{}
	if p.state != nil {
		for k, v := range p.state() {
			doc[k] = v
		}
	}
	p.mu.Lock()
	doc["status"] = p.status
	doc["errors"] = append([]string(nil), p.errs...)
	p.mu.Unlock()
	doc["updated_at"] = p.clock.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), "."+p.name+"_state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish state: %w", err)
	}
	return nil
}

// Run publishes on the cadence until ctx is cancelled. Failures are logged,
// never fatal.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(PublishInterval):
			if err := p.Write(); err != nil {
				p.logger.Warn().Err(err).Msg("state publication failed")
			}
		}
	}
}
