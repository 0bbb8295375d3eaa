//go:build !windows

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const defaultInterpreter = "python3"

type posixLauncher struct {
	cfg LauncherConfig
}

// NewLauncher returns the launcher for the current platform.
func NewLauncher(cfg LauncherConfig) Launcher {
	if cfg.Interpreter == "" {
		cfg.Interpreter = defaultInterpreter
	}
	return &posixLauncher{cfg: cfg}
}

func (l *posixLauncher) Command(req Request) *exec.Cmd {
	cmd := exec.Command(l.cfg.Interpreter, relayArgs(l.cfg, req)...)
	// Own process group so the relay survives request cancellation and
	// its children can be signalled together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func (l *posixLauncher) Interrupt(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

func (l *posixLauncher) Kill(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

// signalGroup signals the process group led by pid, falling back to the
// single process when pid does not lead a group.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}
