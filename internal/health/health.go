// Package health composes cheap named checks into a single daemon health view.
// The harness gates watchdog notifications on Report().Healthy.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health status of a subsystem.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc observes one subsystem. It must be cheap: no external I/O.
type CheckFunc func(ctx context.Context) Status

// Report is the composite health view returned over the bus.
type Report struct {
	Healthy   bool              `json:"healthy"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Checker manages health checks for all subsystems of a daemon.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	logger zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Report runs every check and composes the result. Degraded checks leave the
// daemon healthy; any Down check does not.
func (c *Checker) Report(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	rep := Report{
		Healthy:   true,
		Checks:    make(map[string]string, len(checks)),
		Timestamp: time.Now().UTC(),
	}
	for name, fn := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		s := fn(checkCtx)
		cancel()
		rep.Checks[name] = string(s)
		if s == StatusDown {
			rep.Healthy = false
			if rep.Message == "" {
				rep.Message = name + " is down"
			}
		}
	}
	return rep
}
