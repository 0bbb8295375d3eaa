// Package server wires the session registry, presence tracker and
// notification hub behind the HTTP API and runs the daemon.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/drksbr/vncmux/internal/config"
	"github.com/drksbr/vncmux/internal/notify"
	"github.com/drksbr/vncmux/internal/presence"
	"github.com/drksbr/vncmux/internal/session"
)

// relayBackend is the supervisor as seen by the daemon.
type relayBackend interface {
	session.Relays
	Reconcile(ctx context.Context, start, end int) int
	Spawned() int64
}

type server struct {
	logger    *slog.Logger
	cfg       config.Config
	relays    relayBackend
	registry  *session.Registry
	tracker   *presence.Tracker
	hub       *notify.Hub
	resources *resourceTracker
	metrics   *serverMetrics
	promReg   *prometheus.Registry
	startedAt time.Time

	acmeManager *autocert.Manager
	httpSrv     *http.Server
	acmeSrv     *http.Server
}

func newServer(logger *slog.Logger, cfg config.Config, relays relayBackend, validator session.Validator) (*server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var idGen func() string
	switch mode := strings.ToLower(strings.TrimSpace(cfg.Sessions.IDMode)); mode {
	case "", "uuid":
		idGen = uuid.NewString
	case "cuid":
		idGen = cuid.New
	default:
		return nil, fmt.Errorf("unsupported session id mode %q (use uuid or cuid)", cfg.Sessions.IDMode)
	}

	promReg := prometheus.NewRegistry()

	registry, err := session.NewRegistry(session.Options{
		Range:            cfg.PortRange,
		Validator:        validator,
		Relays:           relays,
		RelayURLTemplate: cfg.Relay.URLTemplate,
		RelayHost:        cfg.PublicHost,
		IDGenerator:      idGen,
		Metrics:          promReg,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	hub := notify.NewHub(notify.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Metrics:        promReg,
		Logger:         logger,
	})
	tracker := presence.New(presence.Options{
		Sessions:      registry,
		Notifier:      hub,
		IdleTimeout:   cfg.Presence.IdleTimeout,
		SweepInterval: cfg.Presence.SweepInterval,
		Metrics:       promReg,
		Logger:        logger,
	})
	registry.SetActivityRecorder(tracker)
	registry.SetPublisher(hub)

	s := &server{
		logger:    logger,
		cfg:       cfg,
		relays:    relays,
		registry:  registry,
		tracker:   tracker,
		hub:       hub,
		resources: newResourceTracker(time.Minute),
		promReg:   promReg,
		startedAt: time.Now(),
	}
	s.metrics = newServerMetrics(promReg, func() float64 { return float64(relays.Spawned()) })

	if len(cfg.HTTP.ACMEHosts) > 0 {
		if err := os.MkdirAll(cfg.HTTP.ACMECache, 0o750); err != nil {
			return nil, fmt.Errorf("create acme cache: %w", err)
		}
		s.acmeManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.HTTP.ACMEHosts...),
			Email:      cfg.HTTP.ACMEEmail,
			Cache:      autocert.DirCache(cfg.HTTP.ACMECache),
		}
	}

	return s, nil
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/vnc/sessions", s.instrument("start_session", s.handleStartSession))
	mux.Handle("GET /api/vnc/sessions", s.instrument("list_sessions", s.handleListSessions))
	mux.Handle("GET /api/vnc/sessions/{id}", s.instrument("get_session", s.handleGetSession))
	mux.Handle("DELETE /api/vnc/sessions/{id}", s.instrument("stop_session", s.handleStopSession))
	mux.Handle("POST /api/login", s.instrument("login", s.handleLogin))
	mux.Handle("POST /api/logout", s.instrument("logout", s.handleLogout))
	mux.Handle("POST /api/activity", s.instrument("activity", s.handleActivity))
	mux.Handle("GET /api/health", s.instrument("health", s.handleHealth))
	mux.Handle("GET /api/users", s.instrument("users", s.handleUsers))
	mux.Handle("GET /ws", s.hub)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{Registry: s.promReg}))
	return mux
}

func (s *server) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.cfg.Reconcile {
		killed := s.relays.Reconcile(ctx, s.cfg.PortRange.Start, s.cfg.PortRange.End)
		s.metrics.reconciled.Add(float64(killed))
		if killed > 0 {
			s.logger.Warn("killed stray relays left by a previous run", "count", killed, "range", s.cfg.PortRange.String())
		}
	}

	s.resources.start(ctx)
	go s.tracker.Run(ctx)

	errCh := make(chan error, 1)
	sendErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if s.acmeManager != nil {
		if s.cfg.HTTP.ACMEHTTPAddr != "" {
			s.acmeSrv = &http.Server{
				Addr:              s.cfg.HTTP.ACMEHTTPAddr,
				Handler:           s.acmeManager.HTTPHandler(nil),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				s.logger.Info("acme http listening", "addr", s.cfg.HTTP.ACMEHTTPAddr)
				if err := s.acmeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					sendErr(fmt.Errorf("acme http: %w", err))
				}
			}()
		}
		s.httpSrv.TLSConfig = s.acmeManager.TLSConfig()
	}

	go func() {
		ln, err := net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			sendErr(fmt.Errorf("listen: %w", err))
			return
		}
		if s.httpSrv.TLSConfig != nil {
			ln = tls.NewListener(ln, s.httpSrv.TLSConfig)
		}
		s.logger.Info("api listening",
			"addr", s.cfg.Listen,
			"tls", s.httpSrv.TLSConfig != nil,
			"port_range", s.cfg.PortRange.String(),
		)
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("serve: %w", err))
		}
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if errShutdown := s.httpSrv.Shutdown(shutdownCtx); errShutdown != nil {
		s.logger.Warn("api shutdown", "error", errShutdown)
	}
	if s.acmeSrv != nil {
		if errShutdown := s.acmeSrv.Shutdown(shutdownCtx); errShutdown != nil {
			s.logger.Warn("acme http shutdown", "error", errShutdown)
		}
	}
	s.hub.Close()

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCleanup()
	s.registry.Shutdown(cleanupCtx)
	s.logger.Info("shutdown complete")

	return err
}
