package prereq

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"strconv"
	"testing"
	"time"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func newTestValidator(t *testing.T, opts Options) *Validator {
	t.Helper()
	v, err := New(opts)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	v.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	v.runModule = func(context.Context, string, string) error { return nil }
	return v
}

func listenLocal(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestValidateReachableTarget(t *testing.T) {
	v := newTestValidator(t, Options{Interpreter: "python3", Module: "websockify"})
	host, port := listenLocal(t)
	if err := v.Validate(context.Background(), host, port); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestValidateRefusedTarget(t *testing.T) {
	v := newTestValidator(t, Options{})
	err := v.Validate(context.Background(), "127.0.0.1", closedPort(t))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Check != CheckReachability || verr.Cause != CauseConnectRefused {
		t.Fatalf("unexpected failure %s/%s", verr.Check, verr.Cause)
	}
}

func TestValidateTimeout(t *testing.T) {
	v := newTestValidator(t, Options{ProbeTimeout: 50 * time.Millisecond})
	v.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Net: network, Err: timeoutError{}}
	}
	err := v.Validate(context.Background(), "10.255.255.1", 5900)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Cause != CauseConnectTimeout {
		t.Fatalf("expected connect-timeout, got %v", err)
	}
}

func TestValidateMissingInterpreterShortCircuits(t *testing.T) {
	v := newTestValidator(t, Options{Interpreter: "python3", Module: "websockify"})
	v.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	moduleCalled, dialed := false, false
	v.runModule = func(context.Context, string, string) error {
		moduleCalled = true
		return nil
	}
	v.dial = func(context.Context, string, string) (net.Conn, error) {
		dialed = true
		return nil, errors.New("unexpected")
	}

	err := v.Validate(context.Background(), "127.0.0.1", 5900)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Check != CheckInterpreter || verr.Cause != CauseProcessNotFound {
		t.Fatalf("expected interpreter failure, got %v", err)
	}
	if !errors.Is(err, exec.ErrNotFound) {
		t.Fatalf("expected wrapped exec.ErrNotFound, got %v", err)
	}
	if moduleCalled || dialed {
		t.Fatalf("later checks ran: module=%v dial=%v", moduleCalled, dialed)
	}
}

func TestValidateMissingModule(t *testing.T) {
	v := newTestValidator(t, Options{Interpreter: "python3", Module: "websockify"})
	v.runModule = func(context.Context, string, string) error {
		return errors.New("ModuleNotFoundError: No module named 'websockify'")
	}
	dialed := false
	v.dial = func(context.Context, string, string) (net.Conn, error) {
		dialed = true
		return nil, errors.New("unexpected")
	}
	err := v.Validate(context.Background(), "127.0.0.1", 5900)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Check != CheckModule || verr.Cause != CauseModuleNotFound {
		t.Fatalf("expected module failure, got %v", err)
	}
	if dialed {
		t.Fatal("probe ran after module failure")
	}
}

func TestValidateSkipsRuntimeChecksWithoutInterpreter(t *testing.T) {
	v := newTestValidator(t, Options{})
	v.lookPath = func(string) (string, error) {
		t.Fatal("lookPath should not run")
		return "", nil
	}
	host, port := listenLocal(t)
	if err := v.Validate(context.Background(), host, port); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		err  error
		want Cause
	}{
		{err: context.DeadlineExceeded, want: CauseConnectTimeout},
		{err: errors.New("socks connect tcp 1.2.3.4:5900: connection refused"), want: CauseConnectRefused},
		{err: errors.New("no route to host"), want: CauseConnectFailed},
	}
	for _, tt := range tests {
		if got := classifyDialError(tt.err); got != tt.want {
			t.Errorf("classifyDialError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestValidationErrorHint(t *testing.T) {
	err := &ValidationError{Check: CheckReachability, Cause: CauseConnectRefused, Target: "10.0.0.5:5900"}
	if err.Hint() == "" {
		t.Fatal("expected a hint")
	}
	if got := err.Error(); got != "reachability check failed (connect-refused) for 10.0.0.5:5900" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestNewWithSOCKS5(t *testing.T) {
	if _, err := New(Options{SOCKS5: "127.0.0.1:1080", SOCKS5User: "u", SOCKS5Pass: "p"}); err != nil {
		t.Fatalf("expected socks5 validator, got %v", err)
	}
}
