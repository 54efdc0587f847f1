package daemon

import (
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseCLI(t *testing.T, args ...string) *CLI {
	t.Helper()
	c := &CLI{}
	fs := flag.NewFlagSet("testd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c.BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	return c
}

func TestCLI_DBusFlagPair(t *testing.T) {
	assert.True(t, parseCLI(t).DBus, "bus export defaults on")
	assert.True(t, parseCLI(t, "--dbus").DBus)
	assert.False(t, parseCLI(t, "--no-dbus").DBus)
	assert.False(t, parseCLI(t, "--dbus=false").DBus)

	// The pair backs one field; the last flag on the line wins.
	assert.True(t, parseCLI(t, "--no-dbus", "--dbus").DBus)
	assert.False(t, parseCLI(t, "--dbus", "--no-dbus").DBus)
}

func TestCLI_VerboseShorthand(t *testing.T) {
	assert.True(t, parseCLI(t, "-v").Verbose)
	assert.True(t, parseCLI(t, "--verbose").Verbose)
}
