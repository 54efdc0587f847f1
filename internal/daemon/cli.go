package daemon

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// CLI is the uniform flag surface every daemon exposes.
type CLI struct {
	Status  bool
	Stop    bool
	Verbose bool
	DBus    bool
	Config  string
}

// BindFlags registers the uniform flags on fs. Daemon-specific flags are
// added by the caller before Parse.
func (c *CLI) BindFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.Status, "status", false, "print the running PID and exit")
	fs.BoolVar(&c.Stop, "stop", false, "stop the running instance and exit")
	fs.BoolVar(&c.Verbose, "verbose", false, "enable debug logging")
	fs.BoolVar(&c.Verbose, "v", false, "enable debug logging (shorthand)")
	fs.BoolVar(&c.DBus, "dbus", true, "export the bus interface")
	fs.Var(invertedBool{&c.DBus}, "no-dbus", "do not export the bus interface")
	fs.StringVar(&c.Config, "config", "", "config file path")
}

// invertedBool backs a --no-X switch with the same field as --X, so whichever
// flag comes last on the command line wins.
type invertedBool struct{ p *bool }

func (v invertedBool) String() string {
	if v.p == nil {
		return "false"
	}
	return strconv.FormatBool(!*v.p)
}

func (v invertedBool) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*v.p = !b
	return nil
}

func (v invertedBool) IsBoolFlag() bool { return true }

// HandleControl services --status and --stop. Returns (handled, exitCode).
// Exit codes: 0 success, 1 not running / signal failure.
func (c *CLI) HandleControl(name string) (bool, int) {
	if c.Status {
		pid, err := ReadPID(name)
		if err != nil || !processAlive(pid) {
			fmt.Println("not running")
			return true, 1
		}
		fmt.Println(pid)
		return true, 0
	}
	if c.Stop {
		pid, err := ReadPID(name)
		if err != nil || !processAlive(pid) {
			fmt.Println("not running")
			return true, 1
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			fmt.Fprintf(os.Stderr, "failed to signal pid %d: %v\n", pid, err)
			return true, 1
		}
		return true, 0
	}
	return false, 0
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}
