package supervisor

import (
	"net"
	"os/exec"
	"runtime"
	"strconv"
)

// Launcher hides the platform-specific parts of running a relay: how the
// command line is built, which process attributes detach it from the
// daemon, and which primitives signal it.
type Launcher interface {
	// Command returns an unstarted command for req. Standard streams are
	// assigned by the supervisor.
	Command(req Request) *exec.Cmd
	// Interrupt asks the relay to exit.
	Interrupt(pid int) error
	// Kill forcefully terminates the relay.
	Kill(pid int) error
}

// LauncherConfig describes the relay executable.
type LauncherConfig struct {
	// Interpreter runs the relay, e.g. "python3". When Module is empty the
	// interpreter is the relay executable itself.
	Interpreter string
	// Module is passed as "-m <module>", e.g. "websockify".
	Module string
	// WebRoot is served by the relay for the browser client.
	WebRoot string
	// ExtraArgs are inserted before the positional listen/target pair.
	ExtraArgs []string
}

// relayArgs returns the argument vector following the executable name. The
// listen port is always a bare token so KillByPort can match it exactly.
func relayArgs(cfg LauncherConfig, req Request) []string {
	args := make([]string, 0, 8+len(cfg.ExtraArgs))
	if cfg.Module != "" {
		args = append(args, "-m", cfg.Module)
	}
	if cfg.WebRoot != "" {
		args = append(args, "--web", cfg.WebRoot)
	}
	args = append(args, cfg.ExtraArgs...)
	args = append(args,
		strconv.Itoa(req.Port),
		net.JoinHostPort(req.TargetHost, strconv.Itoa(req.TargetPort)),
	)
	return args
}

func platformName() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// DefaultInterpreter is the relay runtime used when none is configured.
func DefaultInterpreter() string {
	return defaultInterpreter
}
