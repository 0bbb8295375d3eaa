//go:build windows

package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

const defaultInterpreter = "python"

type windowsLauncher struct {
	cfg LauncherConfig
}

// NewLauncher returns the launcher for the current platform.
func NewLauncher(cfg LauncherConfig) Launcher {
	if cfg.Interpreter == "" {
		cfg.Interpreter = defaultInterpreter
	}
	return &windowsLauncher{cfg: cfg}
}

func (l *windowsLauncher) Command(req Request) *exec.Cmd {
	cmd := exec.Command(l.cfg.Interpreter, relayArgs(l.cfg, req)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.CREATE_NO_WINDOW,
	}
	return cmd
}

func (l *windowsLauncher) Interrupt(pid int) error {
	return taskkill(pid, false)
}

func (l *windowsLauncher) Kill(pid int) error {
	return taskkill(pid, true)
}

func taskkill(pid int, force bool) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if force {
		args = append([]string{"/F"}, args...)
	}
	cmd := exec.Command("taskkill", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: windows.CREATE_NO_WINDOW}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("taskkill %d: %w: %s", pid, err, out)
	}
	return nil
}
