package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/drksbr/vncmux/internal/logger"
	"github.com/drksbr/vncmux/internal/prereq"
	"github.com/drksbr/vncmux/internal/session"
)

const maxBodyBytes = 64 << 10

type startSessionRequest struct {
	Username  string `json:"username"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	SessionID string `json:"sessionId,omitempty"`
}

type usernameRequest struct {
	Username string `json:"username"`
}

type errorResponse struct {
	Error string `json:"error"`
	Check string `json:"check,omitempty"`
	Cause string `json:"cause,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument gives each API request a trace context, logs it and records
// request metrics under route.
func (s *server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, traceID, _ := logger.WithTraceAndSpan(r.Context())
		w.Header().Set("X-Request-ID", traceID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		s.metrics.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.metrics.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		s.logger.DebugContext(ctx, "api request",
			"route", route,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", elapsed,
			"remote", r.RemoteAddr,
		)
	})
}

func (s *server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	info, err := s.registry.StartSession(r.Context(), session.StartRequest{
		Username:   req.Username,
		Host:       req.Host,
		TargetPort: req.Port,
		SessionID:  req.SessionID,
	})
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	username, ok := requireUsername(w, r.URL.Query().Get("username"))
	if !ok {
		return
	}
	s.tracker.Touch(username)
	writeJSON(w, http.StatusOK, s.registry.ListSessions(username))
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	username, ok := requireUsername(w, r.URL.Query().Get("username"))
	if !ok {
		return
	}
	info, found := s.registry.Lookup(r.PathValue("id"))
	if !found {
		s.writeSessionError(w, r, session.ErrNotFound)
		return
	}
	if info.Username != username {
		s.writeSessionError(w, r, session.ErrAccessDenied)
		return
	}
	s.tracker.Touch(username)
	writeJSON(w, http.StatusOK, info)
}

func (s *server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	username, ok := requireUsername(w, r.URL.Query().Get("username"))
	if !ok {
		return
	}
	if err := s.registry.StopSession(r.Context(), r.PathValue("id"), username); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	username, ok := requireUsername(w, req.Username)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Login(r.Context(), username))
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	username, ok := requireUsername(w, req.Username)
	if !ok {
		return
	}
	s.tracker.Logout(r.Context(), username)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	username, ok := requireUsername(w, req.Username)
	if !ok {
		return
	}
	s.tracker.Touch(username)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	withHistory := r.URL.Query().Get("history") == "1"
	writeJSON(w, http.StatusOK, s.collectHealth(withHistory))
}

func (s *server) handleUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Users())
}

// writeSessionError maps registry failures to distinct statuses so that
// diagnosable conditions never surface as a 500.
func (s *server) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var verr *prereq.ValidationError
	switch {
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
		resp.Check = string(verr.Check)
		resp.Cause = string(verr.Cause)
		resp.Hint = verr.Hint()
	case errors.Is(err, session.ErrValidationFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrNoAvailablePorts):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "30")
	case errors.Is(err, session.ErrSpawnFailed):
		status = http.StatusBadGateway
		resp.Error = "relay could not be started; see server logs"
	case errors.Is(err, session.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrSessionIDInUse):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "unexpected session error", "error", err)
	}
	writeJSON(w, status, resp)
}

func requireUsername(w http.ResponseWriter, username string) (string, bool) {
	username = strings.TrimSpace(username)
	if username == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "username is required"})
		return "", false
	}
	return username, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
