// Package session owns the registry of active relay sessions and the single
// cleanup path every teardown goes through.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drksbr/vncmux/internal/observability"
	"github.com/drksbr/vncmux/internal/portalloc"
	"github.com/drksbr/vncmux/internal/supervisor"
)

// DefaultRelayURLTemplate points a browser at the noVNC client served by the
// relay itself.
const DefaultRelayURLTemplate = "http://{host}:{port}/vnc.html?host={host}&port={port}&autoconnect=true"

// Reason records why a session was torn down.
type Reason string

const (
	ReasonStopped     Reason = "stopped"
	ReasonReplaced    Reason = "replaced"
	ReasonRelayExited Reason = "relay-exited"
	ReasonLogout      Reason = "logout"
	ReasonIdle        Reason = "idle"
	ReasonKicked      Reason = "kicked"
	ReasonShutdown    Reason = "shutdown"
	ReasonCleanup     Reason = "cleanup"
)

// Validator runs pre-flight checks against a target.
type Validator interface {
	Validate(ctx context.Context, host string, port int) error
}

// Relays starts and stops relay processes.
type Relays interface {
	Spawn(ctx context.Context, req supervisor.Request) (supervisor.Handle, error)
	Terminate(ctx context.Context, h supervisor.Handle)
	KillByPort(ctx context.Context, port int) int
}

// ActivityRecorder is told about every session-related action of a user.
type ActivityRecorder interface {
	Touch(username string)
}

// EventType names a session lifecycle event.
type EventType string

const (
	EventStarted EventType = "session.started"
	EventStopped EventType = "session.stopped"
)

// Event is published on session start and teardown.
type Event struct {
	Type      EventType `json:"type"`
	Username  string    `json:"username"`
	SessionID string    `json:"sessionId"`
	Port      int       `json:"allocatedPort"`
	Reason    Reason    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher receives lifecycle events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// StartRequest asks for a relay session.
type StartRequest struct {
	Username   string
	Host       string
	TargetPort int
	// SessionID is an optional caller-chosen identifier.
	SessionID string
}

// Info is the read-only projection of a session handed to callers.
type Info struct {
	AllocatedPort int       `json:"allocatedPort"`
	SessionID     string    `json:"sessionId"`
	Host          string    `json:"host"`
	TargetPort    int       `json:"targetPort"`
	Username      string    `json:"username"`
	RelayURL      string    `json:"relayUrl"`
	PID           int       `json:"-"`
	LogPath       string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Stats summarizes registry occupancy.
type Stats struct {
	ActiveSessions int             `json:"activeSessionCount"`
	Reserved       int             `json:"reservedPorts"`
	Capacity       int             `json:"capacity"`
	Utilization    float64         `json:"portRangeUtilization"`
	Range          portalloc.Range `json:"portRange"`
}

type session struct {
	port       int
	id         string
	targetHost string
	targetPort int
	owner      string
	createdAt  time.Time
	handle     supervisor.Handle
	relayURL   string

	// closed stops the exit watcher once the registry has dropped the session.
	closed chan struct{}
}

func (s *session) info() Info {
	info := Info{
		AllocatedPort: s.port,
		SessionID:     s.id,
		Host:          s.targetHost,
		TargetPort:    s.targetPort,
		Username:      s.owner,
		RelayURL:      s.relayURL,
		CreatedAt:     s.createdAt,
	}
	if s.handle != nil {
		info.PID = s.handle.PID()
		info.LogPath = s.handle.LogPath()
	}
	return info
}

// Options configures a Registry.
type Options struct {
	Range            portalloc.Range
	Allocator        *portalloc.Allocator
	Validator        Validator
	Relays           Relays
	RelayURLTemplate string
	// RelayHost fills the {host} placeholder; defaults to localhost.
	RelayHost string
	// IDGenerator produces session ids when callers supply none.
	IDGenerator func() string
	Metrics     prometheus.Registerer
	Logger      *slog.Logger
	Now         func() time.Time
}

// Registry is the sole owner of session records. Occupied ports are the
// union of registered sessions and in-flight reservations.
type Registry struct {
	rng       portalloc.Range
	alloc     *portalloc.Allocator
	validator Validator
	relays    Relays
	urlTmpl   string
	relayHost string
	idGen     func() string
	metrics   *registryMetrics
	logger    *slog.Logger
	now       func() time.Time

	users *userLocks

	mu        sync.Mutex
	byPort    map[int]*session
	byID      map[string]*session
	reserved  map[int]struct{}
	activity  ActivityRecorder
	publisher Publisher
	watchers  sync.WaitGroup
}

// NewRegistry validates opts and returns an empty registry.
func NewRegistry(opts Options) (*Registry, error) {
	if err := opts.Range.Validate(); err != nil {
		return nil, err
	}
	if opts.Relays == nil {
		return nil, errors.New("session registry requires a relay supervisor")
	}
	if opts.Allocator == nil {
		opts.Allocator = portalloc.New(portalloc.DefaultSpread)
	}
	if opts.RelayURLTemplate == "" {
		opts.RelayURLTemplate = DefaultRelayURLTemplate
	}
	if opts.RelayHost == "" {
		opts.RelayHost = "localhost"
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rng:       opts.Range,
		alloc:     opts.Allocator,
		validator: opts.Validator,
		relays:    opts.Relays,
		urlTmpl:   opts.RelayURLTemplate,
		relayHost: opts.RelayHost,
		idGen:     opts.IDGenerator,
		metrics:   newRegistryMetrics(opts.Metrics),
		logger:    logger.With("component", "session"),
		now:       opts.Now,
		users:     newUserLocks(),
		byPort:    make(map[int]*session),
		byID:      make(map[string]*session),
		reserved:  make(map[int]struct{}),
	}, nil
}

// SetActivityRecorder wires the presence tracker. It is called once during
// startup before the registry serves requests.
func (r *Registry) SetActivityRecorder(a ActivityRecorder) {
	r.mu.Lock()
	r.activity = a
	r.mu.Unlock()
}

// SetPublisher wires the lifecycle event sink.
func (r *Registry) SetPublisher(p Publisher) {
	r.mu.Lock()
	r.publisher = p
	r.mu.Unlock()
}

// Range returns the configured port range.
func (r *Registry) Range() portalloc.Range {
	return r.rng
}

// StartSession validates the target, replaces any session the user already
// has, allocates a port and spawns a relay for it. Calls for the same user
// are serialized. Cancelling ctx before the session is recorded tears down
// anything already spawned.
func (r *Registry) StartSession(ctx context.Context, req StartRequest) (info Info, err error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Host = strings.TrimSpace(req.Host)
	req.SessionID = strings.TrimSpace(req.SessionID)

	ctx, span := observability.Tracer("github.com/drksbr/vncmux/internal/session").Start(ctx, "session.start")
	span.SetAttributes(
		attribute.String("vncmux.username", req.Username),
		attribute.String("vncmux.target", net.JoinHostPort(req.Host, strconv.Itoa(req.TargetPort))),
	)
	defer func() {
		result := "ok"
		if err != nil {
			result = startResult(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		} else {
			span.SetAttributes(attribute.Int("vncmux.port", info.AllocatedPort))
		}
		r.metrics.starts.WithLabelValues(result).Inc()
		span.End()
	}()

	if err := validateRequest(req); err != nil {
		return Info{}, err
	}

	unlock, err := r.users.lock(ctx, req.Username)
	if err != nil {
		return Info{}, err
	}
	defer unlock()

	if r.validator != nil {
		if err := r.validator.Validate(ctx, req.Host, req.TargetPort); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Info{}, ctxErr
			}
			r.logger.Info("session validation failed", "username", req.Username, "host", req.Host, "port", req.TargetPort, "error", err)
			return Info{}, fmt.Errorf("%w: %w", ErrValidationFailed, err)
		}
	}

	if err := r.checkSessionID(req); err != nil {
		return Info{}, err
	}

	if n := r.evictUser(ctx, req.Username, ReasonReplaced); n > 0 {
		r.logger.Info("replaced existing sessions", "username", req.Username, "count", n)
	}
	// The user lock keeps new sessions for this user out, so this pass only
	// catches sessions registered through some other path.
	if n := r.evictUser(ctx, req.Username, ReasonReplaced); n > 0 {
		r.logger.Warn("second eviction pass removed sessions", "username", req.Username, "count", n)
	}

	port, err := r.reservePort(req)
	if err != nil {
		return Info{}, err
	}
	committed := false
	defer func() {
		if !committed {
			r.releaseReservation(port)
		}
	}()

	if n := r.relays.KillByPort(ctx, port); n > 0 {
		r.logger.Warn("killed stray relay on allocated port", "port", port, "count", n)
	}

	handle, err := r.relays.Spawn(ctx, supervisor.Request{
		Port:       port,
		TargetHost: req.Host,
		TargetPort: req.TargetPort,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Info{}, ctxErr
		}
		r.logger.Error("relay spawn failed", "username", req.Username, "port", port, "error", err)
		return Info{}, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		r.relays.Terminate(context.WithoutCancel(ctx), handle)
		return Info{}, ctxErr
	}

	id := req.SessionID
	if id == "" {
		id = r.idGen()
	}
	s := &session{
		port:       port,
		id:         id,
		targetHost: req.Host,
		targetPort: req.TargetPort,
		owner:      req.Username,
		createdAt:  r.now(),
		handle:     handle,
		closed:     make(chan struct{}),
	}
	s.relayURL = r.renderURL(s)

	r.mu.Lock()
	if other, taken := r.byID[id]; taken && other.owner != req.Username {
		r.mu.Unlock()
		r.relays.Terminate(context.WithoutCancel(ctx), handle)
		return Info{}, fmt.Errorf("%w: %s", ErrSessionIDInUse, id)
	}
	delete(r.reserved, port)
	r.byPort[port] = s
	r.byID[id] = s
	activity := r.activity
	publisher := r.publisher
	r.watchers.Add(1)
	r.mu.Unlock()
	committed = true

	r.metrics.activeSessions.Inc()
	go r.watch(s)

	if activity != nil {
		activity.Touch(req.Username)
	}
	if publisher != nil {
		publisher.Publish(Event{Type: EventStarted, Username: s.owner, SessionID: s.id, Port: s.port, At: r.now()})
	}

	r.logger.Info("session started",
		"username", s.owner,
		"session_id", s.id,
		"port", s.port,
		"target", net.JoinHostPort(s.targetHost, strconv.Itoa(s.targetPort)),
	)
	return s.info(), nil
}

// StopSession tears down the session id on behalf of username.
func (r *Registry) StopSession(ctx context.Context, id, username string) error {
	r.mu.Lock()
	s, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if s.owner != username {
		r.logger.Warn("session stop denied", "session_id", id, "owner", s.owner, "requested_by", username)
		return ErrAccessDenied
	}
	if !r.cleanup(ctx, s.port, ReasonStopped, s) {
		return ErrNotFound
	}
	r.touch(username)
	return nil
}

// CleanupSession tears down whatever session holds port. It is safe to call
// for unknown or already released ports and reports whether it removed a
// session.
func (r *Registry) CleanupSession(ctx context.Context, port int) bool {
	return r.cleanup(ctx, port, ReasonCleanup, nil)
}

// TerminateUser tears down every session owned by username, waiting for any
// in-flight start for that user to finish first.
func (r *Registry) TerminateUser(ctx context.Context, username string, reason Reason) int {
	unlock, err := r.users.lock(ctx, username)
	if err != nil {
		// Still tear down what is visible; a start in flight will be
		// handled by the caller's next pass.
		return r.evictUser(context.WithoutCancel(ctx), username, reason)
	}
	defer unlock()
	return r.evictUser(ctx, username, reason)
}

// ListSessions returns username's sessions ordered by port.
func (r *Registry) ListSessions(username string) []Info {
	r.mu.Lock()
	out := make([]Info, 0, 1)
	for _, s := range r.byPort {
		if s.owner == username {
			out = append(out, s.info())
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AllocatedPort < out[j].AllocatedPort })
	return out
}

// HasSessions reports whether username owns any session.
func (r *Registry) HasSessions(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byPort {
		if s.owner == username {
			return true
		}
	}
	return false
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Stats returns occupancy figures for health reporting.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	active := len(r.byPort)
	reserved := len(r.reserved)
	r.mu.Unlock()
	capacity := r.rng.Size()
	st := Stats{
		ActiveSessions: active,
		Reserved:       reserved,
		Capacity:       capacity,
		Range:          r.rng,
	}
	if capacity > 0 {
		st.Utilization = float64(active) / float64(capacity)
	}
	return st
}

// Shutdown tears down every session and waits for exit watchers to finish.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ports := make([]int, 0, len(r.byPort))
	for port := range r.byPort {
		ports = append(ports, port)
	}
	r.mu.Unlock()

	for _, port := range ports {
		r.cleanup(ctx, port, ReasonShutdown, nil)
	}
	r.watchers.Wait()
	if len(ports) > 0 {
		r.logger.Info("registry shut down", "sessions", len(ports))
	}
}

func (r *Registry) evictUser(ctx context.Context, username string, reason Reason) int {
	r.mu.Lock()
	var ports []int
	for port, s := range r.byPort {
		if s.owner == username {
			ports = append(ports, port)
		}
	}
	r.mu.Unlock()

	removed := 0
	for _, port := range ports {
		if r.cleanup(ctx, port, reason, nil) {
			removed++
		}
	}
	return removed
}

// checkSessionID rejects an id hint held by another user. It runs before
// eviction so a rejected start leaves the caller's sessions alone.
func (r *Registry) checkSessionID(req StartRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionIDConflictLocked(req)
}

func (r *Registry) sessionIDConflictLocked(req StartRequest) error {
	if req.SessionID == "" {
		return nil
	}
	if other, taken := r.byID[req.SessionID]; taken && other.owner != req.Username {
		return fmt.Errorf("%w: %s", ErrSessionIDInUse, req.SessionID)
	}
	return nil
}

func (r *Registry) reservePort(req StartRequest) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.sessionIDConflictLocked(req); err != nil {
		return 0, err
	}

	occupied := make(map[int]struct{}, len(r.byPort)+len(r.reserved))
	for port := range r.byPort {
		occupied[port] = struct{}{}
	}
	for port := range r.reserved {
		occupied[port] = struct{}{}
	}
	port, ok := r.alloc.FindAvailable(occupied, r.rng)
	if !ok {
		r.logger.Warn("port range exhausted", "range", r.rng.String(), "username", req.Username)
		return 0, fmt.Errorf("%w in %s", ErrNoAvailablePorts, r.rng)
	}
	r.reserved[port] = struct{}{}
	return port, nil
}

func (r *Registry) releaseReservation(port int) {
	r.mu.Lock()
	delete(r.reserved, port)
	r.mu.Unlock()
}

// cleanup is the single teardown path. The port stays reserved while the
// process is terminated so the allocator cannot hand it out early. When
// expect is set, only that exact session is removed.
func (r *Registry) cleanup(ctx context.Context, port int, reason Reason, expect *session) bool {
	r.mu.Lock()
	s, ok := r.byPort[port]
	if !ok || (expect != nil && s != expect) {
		r.mu.Unlock()
		return false
	}
	delete(r.byPort, port)
	if current, ok := r.byID[s.id]; ok && current == s {
		delete(r.byID, s.id)
	}
	r.reserved[port] = struct{}{}
	close(s.closed)
	publisher := r.publisher
	r.mu.Unlock()

	r.relays.Terminate(ctx, s.handle)
	r.releaseReservation(port)

	r.metrics.activeSessions.Dec()
	r.metrics.cleanups.WithLabelValues(string(reason)).Inc()
	if publisher != nil {
		publisher.Publish(Event{Type: EventStopped, Username: s.owner, SessionID: s.id, Port: port, Reason: reason, At: r.now()})
	}
	r.logger.Info("session cleaned up", "username", s.owner, "session_id", s.id, "port", port, "reason", reason)
	return true
}

// watch funnels an unexpected relay exit into the cleanup path.
func (r *Registry) watch(s *session) {
	defer r.watchers.Done()
	select {
	case <-s.handle.Done():
	case <-s.closed:
		return
	}
	select {
	case <-s.closed:
		return
	default:
	}
	r.metrics.relayExits.Inc()
	r.logger.Warn("relay exited unexpectedly",
		"username", s.owner,
		"session_id", s.id,
		"port", s.port,
		"exit_code", s.handle.ExitCode(),
		"error", s.handle.Err(),
	)
	r.cleanup(context.Background(), s.port, ReasonRelayExited, s)
}

func (r *Registry) touch(username string) {
	r.mu.Lock()
	activity := r.activity
	r.mu.Unlock()
	if activity != nil {
		activity.Touch(username)
	}
}

func (r *Registry) renderURL(s *session) string {
	return strings.NewReplacer(
		"{port}", strconv.Itoa(s.port),
		"{host}", r.relayHost,
		"{targetHost}", url.QueryEscape(s.targetHost),
		"{targetPort}", strconv.Itoa(s.targetPort),
		"{sessionId}", url.QueryEscape(s.id),
		"{username}", url.QueryEscape(s.owner),
	).Replace(r.urlTmpl)
}

func validateRequest(req StartRequest) error {
	switch {
	case req.Username == "":
		return fmt.Errorf("%w: username is required", ErrInvalidRequest)
	case req.Host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidRequest)
	case req.TargetPort < 1 || req.TargetPort > 65535:
		return fmt.Errorf("%w: target port %d out of range", ErrInvalidRequest, req.TargetPort)
	}
	return nil
}

func startResult(err error) string {
	switch {
	case errors.Is(err, ErrNoAvailablePorts):
		return "no_ports"
	case errors.Is(err, ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, ErrSpawnFailed):
		return "spawn_failed"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrSessionIDInUse):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
