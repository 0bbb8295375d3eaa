// Package presence tracks which users are logged in and when they were last
// active, evicting idle users and their relay sessions.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drksbr/vncmux/internal/session"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Sessions is the part of the session registry the tracker drives.
type Sessions interface {
	TerminateUser(ctx context.Context, username string, reason session.Reason) int
	HasSessions(username string) bool
}

// Notifier disconnects a user's live client connections. Calls must not
// block.
type Notifier interface {
	NotifyUserDisconnected(username string, reason session.Reason)
}

// User is a presence record.
type User struct {
	Username        string    `json:"username"`
	AuthenticatedAt time.Time `json:"authenticatedAt"`
	LastActivity    time.Time `json:"lastActivity"`
}

// LoginResult reports whether a login superseded an earlier one.
type LoginResult struct {
	ReplacedExistingSession bool `json:"replacedExistingSession"`
}

type Options struct {
	Sessions      Sessions
	Notifier      Notifier
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Metrics       prometheus.Registerer
	Logger        *slog.Logger
	Now           func() time.Time
}

// Tracker is the presence table. It never holds its lock while calling into
// the session registry or the notifier.
type Tracker struct {
	sessions      Sessions
	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	usersGauge prometheus.GaugeFunc
	evictions  *prometheus.CounterVec

	mu       sync.Mutex
	users    map[string]*User
	notifier Notifier
}

func New(opts Options) *Tracker {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		sessions:      opts.Sessions,
		notifier:      opts.Notifier,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		logger:        logger.With("component", "presence"),
		users:         make(map[string]*User),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vncmux_presence_evictions_total",
			Help: "Presence records removed by reason",
		}, []string{"reason"}),
	}
	t.usersGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vncmux_authenticated_users",
		Help: "Number of users with a presence record",
	}, func() float64 { return float64(t.Count()) })

	if opts.Metrics != nil {
		opts.Metrics.MustRegister(t.usersGauge, t.evictions)
	}
	return t
}

// SetNotifier wires the notification bridge.
func (t *Tracker) SetNotifier(n Notifier) {
	t.mu.Lock()
	t.notifier = n
	t.mu.Unlock()
}

// Login records username as freshly authenticated. A user that was already
// present or still owns sessions is kicked first: its sessions are torn
// down and its live connections told to disconnect.
func (t *Tracker) Login(ctx context.Context, username string) LoginResult {
	username = strings.TrimSpace(username)

	t.mu.Lock()
	_, present := t.users[username]
	notifier := t.notifier
	t.mu.Unlock()

	replaced := present
	if t.sessions != nil {
		if t.sessions.HasSessions(username) {
			replaced = true
		}
		if replaced {
			if n := t.sessions.TerminateUser(ctx, username, session.ReasonKicked); n > 0 {
				t.logger.Info("login superseded active sessions", "username", username, "sessions", n)
			}
		}
	}
	if replaced {
		t.evictions.WithLabelValues(string(session.ReasonKicked)).Inc()
		if notifier != nil {
			notifier.NotifyUserDisconnected(username, session.ReasonKicked)
		}
	}

	now := t.now()
	t.mu.Lock()
	t.users[username] = &User{Username: username, AuthenticatedAt: now, LastActivity: now}
	t.mu.Unlock()

	t.logger.Info("user logged in", "username", username, "replaced", replaced)
	return LoginResult{ReplacedExistingSession: replaced}
}

// Logout removes username and destroys its sessions.
func (t *Tracker) Logout(ctx context.Context, username string) {
	username = strings.TrimSpace(username)

	t.mu.Lock()
	_, present := t.users[username]
	delete(t.users, username)
	t.mu.Unlock()

	n := 0
	if t.sessions != nil {
		n = t.sessions.TerminateUser(ctx, username, session.ReasonLogout)
	}
	if present {
		t.evictions.WithLabelValues(string(session.ReasonLogout)).Inc()
	}
	t.logger.Info("user logged out", "username", username, "sessions", n)
}

// Touch refreshes username's last activity, creating the record when the
// user was not tracked yet.
func (t *Tracker) Touch(username string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.users[username]; ok {
		u.LastActivity = now
		return
	}
	t.users[username] = &User{Username: username, AuthenticatedAt: now, LastActivity: now}
}

// Sweep evicts every user idle for longer than the idle timeout and tears
// down their sessions. It returns the evicted usernames in order.
func (t *Tracker) Sweep(ctx context.Context) []string {
	cutoff := t.now().Add(-t.idleTimeout)

	t.mu.Lock()
	var idle []string
	for name, u := range t.users {
		if u.LastActivity.Before(cutoff) {
			idle = append(idle, name)
			delete(t.users, name)
		}
	}
	t.mu.Unlock()

	sort.Strings(idle)
	for _, name := range idle {
		n := 0
		if t.sessions != nil {
			n = t.sessions.TerminateUser(ctx, name, session.ReasonIdle)
		}
		t.evictions.WithLabelValues(string(session.ReasonIdle)).Inc()
		t.logger.Info("evicted idle user", "username", name, "sessions", n, "idle_timeout", t.idleTimeout)
	}
	return idle
}

// Run sweeps on the configured interval until ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Count returns the number of tracked users.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// Get returns username's presence record.
func (t *Tracker) Get(username string) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[username]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Users returns a snapshot of all records sorted by username.
func (t *Tracker) Users() []User {
	t.mu.Lock()
	out := make([]User, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, *u)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
