package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock_WritesPIDFile(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	tok, err := AcquireLock("testd")
	require.NoError(t, err)
	defer tok.Release()

	pid, err := ReadPID("testd")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireLock_SecondHolderRejected(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	tok, err := AcquireLock("testd")
	require.NoError(t, err)
	defer tok.Release()

	_, err = AcquireLock("testd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another instance")
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getpid()))
}

func TestRelease_RemovesPIDFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	tok, err := AcquireLock("testd")
	require.NoError(t, err)
	tok.Release()

	_, statErr := os.Stat(filepath.Join(dir, "botfleet", "testd-daemon.pid"))
	assert.True(t, os.IsNotExist(statErr))

	// Lock is reacquirable after release.
	tok2, err := AcquireLock("testd")
	require.NoError(t, err)
	tok2.Release()
}
