package presence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drksbr/vncmux/internal/portalloc"
	"github.com/drksbr/vncmux/internal/session"
	"github.com/drksbr/vncmux/internal/supervisor"
)

type stubHandle struct {
	port int
	once sync.Once
	done chan struct{}
}

func (h *stubHandle) PID() int              { return 4242 }
func (h *stubHandle) Port() int             { return h.port }
func (h *stubHandle) LogPath() string       { return "" }
func (h *stubHandle) Done() <-chan struct{} { return h.done }
func (h *stubHandle) ExitCode() int         { return 0 }
func (h *stubHandle) Err() error            { return nil }

type stubRelays struct{}

func (stubRelays) Spawn(_ context.Context, req supervisor.Request) (supervisor.Handle, error) {
	return &stubHandle{port: req.Port, done: make(chan struct{})}, nil
}

func (stubRelays) Terminate(_ context.Context, h supervisor.Handle) {
	sh := h.(*stubHandle)
	sh.once.Do(func() { close(sh.done) })
}

func (stubRelays) KillByPort(context.Context, int) int { return 0 }

type countingNotifier struct {
	mu    sync.Mutex
	calls map[string]int
}

func (n *countingNotifier) NotifyUserDisconnected(username string, _ session.Reason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[string]int)
	}
	n.calls[username]++
}

func (n *countingNotifier) count(username string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[username]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	reg      *session.Registry
	tracker  *Tracker
	notifier *countingNotifier
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}

	reg, err := session.NewRegistry(session.Options{
		Range:  portalloc.Range{Start: 6081, End: 6090},
		Relays: stubRelays{},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	notifier := &countingNotifier{}
	tracker := New(Options{
		Sessions: reg,
		Notifier: notifier,
		Metrics:  prometheus.NewRegistry(),
		Logger:   logger,
		Now:      clock.Now,
	})
	reg.SetActivityRecorder(tracker)

	return &harness{reg: reg, tracker: tracker, notifier: notifier, clock: clock}
}

func (h *harness) startSession(t *testing.T, user string) session.Info {
	t.Helper()
	info, err := h.reg.StartSession(context.Background(), session.StartRequest{Username: user, Host: "10.0.0.5", TargetPort: 5900})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return info
}

func TestSessionStartCreatesPresence(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "alice")

	u, ok := h.tracker.Get("alice")
	if !ok {
		t.Fatal("session start did not create a presence record")
	}
	if !u.AuthenticatedAt.Equal(h.clock.Now()) {
		t.Fatalf("unexpected authenticatedAt %s", u.AuthenticatedAt)
	}
}

func TestLoginKicksExistingSession(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "dave")

	res := h.tracker.Login(context.Background(), "dave")
	if !res.ReplacedExistingSession {
		t.Fatal("expected replacedExistingSession")
	}
	if h.reg.HasSessions("dave") {
		t.Fatal("old session survived the login")
	}
	if got := h.notifier.count("dave"); got != 1 {
		t.Fatalf("expected exactly one disconnect notification, got %d", got)
	}
	if h.tracker.Count() != 1 {
		t.Fatalf("expected one presence record, got %d", h.tracker.Count())
	}
}

func TestFreshLoginReplacesNothing(t *testing.T) {
	h := newHarness(t)
	res := h.tracker.Login(context.Background(), "eve")
	if res.ReplacedExistingSession {
		t.Fatal("fresh login reported a replacement")
	}
	if h.notifier.count("eve") != 0 {
		t.Fatal("fresh login notified the bridge")
	}

	h.clock.Advance(time.Minute)
	res = h.tracker.Login(context.Background(), "eve")
	if !res.ReplacedExistingSession {
		t.Fatal("second login should replace the first")
	}
	u, _ := h.tracker.Get("eve")
	if !u.AuthenticatedAt.Equal(h.clock.Now()) {
		t.Fatal("second login did not refresh timestamps")
	}
}

func TestLogoutDestroysSessions(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "frank")

	h.tracker.Logout(context.Background(), "frank")
	if _, ok := h.tracker.Get("frank"); ok {
		t.Fatal("presence record survived logout")
	}
	if h.reg.HasSessions("frank") {
		t.Fatal("session survived logout")
	}
}

func TestSweepEvictsIdleUsersAndSessions(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "gina")
	h.startSession(t, "hank")

	h.clock.Advance(20 * time.Minute)
	h.tracker.Touch("hank")
	h.clock.Advance(11 * time.Minute)

	evicted := h.tracker.Sweep(context.Background())
	if len(evicted) != 1 || evicted[0] != "gina" {
		t.Fatalf("unexpected evictions %v", evicted)
	}
	if h.reg.HasSessions("gina") {
		t.Fatal("idle user's session survived the sweep")
	}
	if !h.reg.HasSessions("hank") {
		t.Fatal("active user's session was evicted")
	}
	if _, ok := h.tracker.Get("hank"); !ok {
		t.Fatal("active user's presence was evicted")
	}
	if h.notifier.count("gina") != 0 {
		t.Fatal("idle eviction should not send a kick notification")
	}
}

func TestUsersSnapshotIsSorted(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"zoe", "adam", "mia"} {
		h.tracker.Touch(name)
	}
	users := h.tracker.Users()
	if len(users) != 3 || users[0].Username != "adam" || users[2].Username != "zoe" {
		t.Fatalf("unexpected users %+v", users)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	tracker := New(Options{SweepInterval: time.Millisecond, IdleTimeout: time.Nanosecond})
	tracker.Touch("ivan")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for tracker.Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("background sweep never evicted the idle user")
		case <-time.After(2 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
