// Package supervisor spawns, observes and terminates relay processes that
// bridge a local listen port to a remote-desktop target.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	DefaultGracePeriod  = 200 * time.Millisecond
	DefaultStartupGrace = 300 * time.Millisecond
	DefaultMarker       = "websockify"

	killWait = 2 * time.Second
)

// ErrExitedEarly is returned by Spawn when the relay dies during startup.
var ErrExitedEarly = errors.New("relay exited during startup")

// Request describes one relay to launch.
type Request struct {
	Port       int
	TargetHost string
	TargetPort int
	// LogPath overrides the per-session log file location.
	LogPath string
}

// Handle is the view of a running relay that session owners hold.
type Handle interface {
	PID() int
	Port() int
	LogPath() string
	// Done is closed once the process has exited for any reason.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed; -1 when unknown.
	ExitCode() int
	// Err is the wait error after Done is closed, nil on a clean exit.
	Err() error
}

// Process is a relay started by a Supervisor.
type Process struct {
	cmd       *exec.Cmd
	pid       int
	port      int
	logPath   string
	startedAt time.Time

	done     chan struct{}
	err      error
	exitCode int
}

func (p *Process) PID() int              { return p.pid }
func (p *Process) Port() int             { return p.port }
func (p *Process) LogPath() string       { return p.logPath }
func (p *Process) Done() <-chan struct{} { return p.done }
func (p *Process) StartedAt() time.Time  { return p.startedAt }

func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Process) wait(logFile *os.File) {
	err := p.cmd.Wait()
	_ = logFile.Close()
	p.err = err
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	close(p.done)
}

// Options configures a Supervisor.
type Options struct {
	Launcher     Launcher
	LogDir       string
	GracePeriod  time.Duration
	StartupGrace time.Duration
	// Marker must appear in a command line for KillByPort to consider it.
	Marker string
	Logger *slog.Logger
}

type procInfo struct {
	pid  int32
	args []string
	kill func(ctx context.Context) error
}

// Supervisor owns the lifecycle of relay processes.
type Supervisor struct {
	launcher     Launcher
	logDir       string
	grace        time.Duration
	startupGrace time.Duration
	marker       string
	logger       *slog.Logger

	listProcs func(ctx context.Context) ([]procInfo, error)

	mu      sync.Mutex
	spawned int64
}

// New returns a Supervisor. A nil Launcher selects the platform default.
func New(opts Options) (*Supervisor, error) {
	if opts.Launcher == nil {
		opts.Launcher = NewLauncher(LauncherConfig{Module: DefaultMarker})
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.StartupGrace < 0 {
		opts.StartupGrace = 0
	}
	if opts.Marker == "" {
		opts.Marker = DefaultMarker
	}
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(os.TempDir(), "vncmux")
	}
	if err := os.MkdirAll(opts.LogDir, 0o750); err != nil {
		return nil, fmt.Errorf("create relay log dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		launcher:     opts.Launcher,
		logDir:       opts.LogDir,
		grace:        opts.GracePeriod,
		startupGrace: opts.StartupGrace,
		marker:       strings.ToLower(opts.Marker),
		logger:       logger.With("component", "supervisor"),
		listProcs:    listSystemProcesses,
	}, nil
}

// LogPathFor returns the log file used for req when it carries no override.
func (s *Supervisor) LogPathFor(req Request) string {
	if req.LogPath != "" {
		return req.LogPath
	}
	name := fmt.Sprintf("relay-%d-%s-%d.log", req.Port, sanitizeHost(req.TargetHost), req.TargetPort)
	return filepath.Join(s.logDir, name)
}

// Spawn starts a detached relay for req with output redirected to its log
// file. The returned handle's Done channel reports the eventual exit.
func (s *Supervisor) Spawn(ctx context.Context, req Request) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logPath := s.LogPathFor(req)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open relay log %q: %w", logPath, err)
	}

	cmd := s.launcher.Command(req)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		s.logger.Error("relay spawn failed",
			"command", strings.Join(cmd.Args, " "),
			"platform", platformName(),
			"error", err,
		)
		return nil, fmt.Errorf("start relay %q: %w", cmd.Path, err)
	}

	p := &Process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		port:      req.Port,
		logPath:   logPath,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go p.wait(logFile)

	s.mu.Lock()
	s.spawned++
	s.mu.Unlock()

	s.logger.Info("relay started",
		"pid", p.pid,
		"port", req.Port,
		"target", fmt.Sprintf("%s:%d", req.TargetHost, req.TargetPort),
		"log", logPath,
	)

	if s.startupGrace > 0 {
		timer := time.NewTimer(s.startupGrace)
		defer timer.Stop()
		select {
		case <-p.done:
			return nil, fmt.Errorf("%w: exit code %d (see %s)", ErrExitedEarly, p.exitCode, logPath)
		case <-ctx.Done():
			s.Terminate(context.Background(), p)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return p, nil
}

// Terminate interrupts the relay, escalates to a forced kill after the
// grace period, then sweeps for any relay still bound to the same port.
// Termination is best-effort; failures are logged.
func (s *Supervisor) Terminate(ctx context.Context, h Handle) {
	if h == nil {
		return
	}
	select {
	case <-h.Done():
	default:
		s.stopHandle(ctx, h)
	}
	if n := s.KillByPort(ctx, h.Port()); n > 0 {
		s.logger.Warn("killed leftover relay processes", "port", h.Port(), "count", n)
	}
}

func (s *Supervisor) stopHandle(ctx context.Context, h Handle) {
	pid := h.PID()
	if err := s.launcher.Interrupt(pid); err != nil {
		s.logger.Debug("relay interrupt failed", "pid", pid, "error", err)
	}

	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-h.Done():
		return
	case <-grace.C:
	case <-ctx.Done():
	}

	if err := s.launcher.Kill(pid); err != nil {
		s.logger.Debug("relay kill failed", "pid", pid, "error", err)
	}
	wait := time.NewTimer(killWait)
	defer wait.Stop()
	select {
	case <-h.Done():
	case <-wait.C:
		s.logger.Warn("relay did not exit after kill", "pid", pid, "port", h.Port())
	}
}

// KillByPort kills every relay process whose command line carries the
// relay marker and the bare port token. It returns the number killed.
func (s *Supervisor) KillByPort(ctx context.Context, port int) int {
	return s.killMatching(ctx, func(args []string) bool {
		return matchesRelay(args, s.marker, func(p int) bool { return p == port })
	})
}

// Reconcile kills relay processes left behind in r by a previous run.
func (s *Supervisor) Reconcile(ctx context.Context, start, end int) int {
	n := s.killMatching(ctx, func(args []string) bool {
		return matchesRelay(args, s.marker, func(p int) bool { return p >= start && p <= end })
	})
	if n > 0 {
		s.logger.Warn("reconciled orphaned relays", "count", n, "range", fmt.Sprintf("%d-%d", start, end))
	}
	return n
}

// Spawned reports how many relays this supervisor has started.
func (s *Supervisor) Spawned() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

func (s *Supervisor) killMatching(ctx context.Context, match func(args []string) bool) int {
	procs, err := s.listProcs(ctx)
	if err != nil {
		s.logger.Debug("process enumeration failed", "error", err)
		return 0
	}
	self := int32(os.Getpid())
	killed := 0
	for _, p := range procs {
		if p.pid == self || !match(p.args) {
			continue
		}
		if err := p.kill(ctx); err != nil {
			s.logger.Debug("kill by pattern failed", "pid", p.pid, "error", err)
			continue
		}
		killed++
	}
	return killed
}

// matchesRelay requires the marker somewhere in the command line and a listen
// port accepted by portOK. The port is either an argument that is exactly a
// number or the port of a host:port listen address, which precedes the final
// target argument.
func matchesRelay(args []string, marker string, portOK func(int) bool) bool {
	hasMarker := false
	for _, arg := range args {
		if strings.Contains(strings.ToLower(arg), marker) {
			hasMarker = true
			break
		}
	}
	if !hasMarker {
		return false
	}
	for _, arg := range args {
		port, err := strconv.Atoi(arg)
		if err == nil && portOK(port) {
			return true
		}
	}
	if len(args) < 2 {
		return false
	}
	listen := args[len(args)-2]
	i := strings.LastIndex(listen, ":")
	if i < 0 {
		return false
	}
	port, err := strconv.Atoi(listen[i+1:])
	return err == nil && portOK(port)
}

func listSystemProcesses(ctx context.Context) ([]procInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]procInfo, 0, len(procs))
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		proc := p
		out = append(out, procInfo{
			pid:  proc.Pid,
			args: args,
			kill: proc.KillWithContext,
		})
	}
	return out, nil
}

func sanitizeHost(host string) string {
	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
