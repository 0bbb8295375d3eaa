// Package prereq runs the pre-flight checks that must pass before a relay
// process is spawned for a session.
package prereq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/proxy"
)

// Check names the pre-flight step that failed.
type Check string

const (
	CheckInterpreter  Check = "interpreter"
	CheckModule       Check = "module"
	CheckReachability Check = "reachability"
)

// Cause classifies the underlying failure of a check.
type Cause string

const (
	CauseProcessNotFound Cause = "process-not-found"
	CauseModuleNotFound  Cause = "module-not-found"
	CauseConnectTimeout  Cause = "connect-timeout"
	CauseConnectRefused  Cause = "connect-refused"
	CauseConnectFailed   Cause = "connect-failed"
)

const (
	DefaultProbeTimeout  = 3 * time.Second
	DefaultModuleTimeout = 5 * time.Second
)

// ValidationError reports which check failed and why.
type ValidationError struct {
	Check  Check
	Cause  Cause
	Target string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s check failed (%s)", e.Check, e.Cause)
	if e.Target != "" {
		msg += " for " + e.Target
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Hint returns an operator-facing explanation of the failure.
func (e *ValidationError) Hint() string {
	switch e.Cause {
	case CauseProcessNotFound:
		return "this server is missing the relay runtime"
	case CauseModuleNotFound:
		return "the relay module is not installed for the configured interpreter"
	case CauseConnectRefused:
		return "target machine may have its remote-desktop service stopped"
	case CauseConnectTimeout:
		return "target machine did not answer; it may be offline or firewalled"
	default:
		return "target machine is not reachable from this server"
	}
}

// Options configures a Validator.
type Options struct {
	// Interpreter is the relay runtime executable. Empty skips the
	// interpreter and module checks.
	Interpreter string
	// Module is the relay module imported by the interpreter. Empty skips
	// the module check.
	Module        string
	ProbeTimeout  time.Duration
	ModuleTimeout time.Duration

	// SOCKS5 routes the reachability probe through a proxy when set.
	SOCKS5     string
	SOCKS5User string
	SOCKS5Pass string

	Logger *slog.Logger
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Validator performs interpreter, module and reachability checks in order.
type Validator struct {
	opts   Options
	logger *slog.Logger

	lookPath  func(string) (string, error)
	runModule func(ctx context.Context, interpreter, module string) error
	dial      dialFunc
}

// New builds a Validator from opts.
func New(opts Options) (*Validator, error) {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.ModuleTimeout <= 0 {
		opts.ModuleTimeout = DefaultModuleTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := &net.Dialer{Timeout: opts.ProbeTimeout}
	dial := dialFunc(base.DialContext)
	if strings.TrimSpace(opts.SOCKS5) != "" {
		var auth *proxy.Auth
		if opts.SOCKS5User != "" {
			auth = &proxy.Auth{User: opts.SOCKS5User, Password: opts.SOCKS5Pass}
		}
		socks, err := proxy.SOCKS5("tcp", opts.SOCKS5, auth, base)
		if err != nil {
			return nil, fmt.Errorf("configure socks5 probe: %w", err)
		}
		contextDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support contexts")
		}
		dial = contextDialer.DialContext
	}

	return &Validator{
		opts:      opts,
		logger:    logger.With("component", "prereq"),
		lookPath:  exec.LookPath,
		runModule: importModule,
		dial:      dial,
	}, nil
}

// Validate checks that a relay to host:port can be launched. Checks run in
// order and stop at the first failure, which is returned as a
// *ValidationError.
func (v *Validator) Validate(ctx context.Context, host string, port int) error {
	if v.opts.Interpreter != "" {
		path, err := v.lookPath(v.opts.Interpreter)
		if err != nil {
			return &ValidationError{Check: CheckInterpreter, Cause: CauseProcessNotFound, Target: v.opts.Interpreter, Err: err}
		}
		if v.opts.Module != "" {
			moduleCtx, cancel := context.WithTimeout(ctx, v.opts.ModuleTimeout)
			err := v.runModule(moduleCtx, path, v.opts.Module)
			cancel()
			if err != nil {
				return &ValidationError{Check: CheckModule, Cause: CauseModuleNotFound, Target: v.opts.Module, Err: err}
			}
		}
	}
	return v.Probe(ctx, host, port)
}

// Probe opens and immediately closes a TCP connection to host:port.
func (v *Validator) Probe(ctx context.Context, host string, port int) error {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	probeCtx, cancel := context.WithTimeout(ctx, v.opts.ProbeTimeout)
	defer cancel()

	started := time.Now()
	conn, err := v.dial(probeCtx, "tcp", target)
	if err != nil {
		cause := classifyDialError(err)
		v.logger.Debug("reachability probe failed", "target", target, "cause", cause, "error", err)
		return &ValidationError{Check: CheckReachability, Cause: cause, Target: target, Err: err}
	}
	_ = conn.Close()
	v.logger.Debug("reachability probe ok", "target", target, "elapsed", time.Since(started).String())
	return nil
}

func classifyDialError(err error) Cause {
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseConnectTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CauseConnectTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return CauseConnectRefused
	}
	// SOCKS5 replies only carry a textual reason.
	if strings.Contains(strings.ToLower(err.Error()), "refused") {
		return CauseConnectRefused
	}
	return CauseConnectFailed
}

func importModule(ctx context.Context, interpreter, module string) error {
	cmd := exec.CommandContext(ctx, interpreter, "-c", "import "+module)
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail != "" {
			return fmt.Errorf("import %s: %w: %s", module, err, lastLine(detail))
		}
		return fmt.Errorf("import %s: %w", module, err)
	}
	return nil
}

func lastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
