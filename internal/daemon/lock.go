package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"botfleet/internal/config"
)

// LockToken is the single-instance guard: an exclusive flock plus a PID file
// under the runtime directory. Held for the whole process lifetime.
type LockToken struct {
	fl      *flock.Flock
	pidPath string
}

// AcquireLock takes the exclusive lock for the named daemon, bounded by a 1 s
// deadline. On contention it reports the PID of the existing holder.
func AcquireLock(name string) (*LockToken, error) {
	dir := config.RuntimeDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create runtime dir: %w", err)
	}

	fl := flock.New(filepath.Join(dir, name+"-daemon.lock"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil && err != context.DeadlineExceeded {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		pid, _ := ReadPID(name)
		if pid > 0 {
			return nil, fmt.Errorf("another instance is running (pid %d)", pid)
		}
		return nil, fmt.Errorf("another instance is running")
	}

	tok := &LockToken{fl: fl, pidPath: filepath.Join(dir, name+"-daemon.pid")}
	if err := os.WriteFile(tok.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return tok, nil
}

// Release removes the PID file and drops the lock. Safe on any exit path.
func (t *LockToken) Release() {
	if t == nil {
		return
	}
	os.Remove(t.pidPath)
	t.fl.Unlock()
}

// ReadPID returns the PID recorded for the named daemon, or an error if no
// instance has written one.
func ReadPID(name string) (int, error) {
	data, err := os.ReadFile(filepath.Join(config.RuntimeDir(), name+"-daemon.pid"))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}
