package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drksbr/vncmux/internal/session"
)

func newTestHub(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Metrics = prometheus.NewRegistry()
	hub := NewHub(opts)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, username string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?username=" + username
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestPublishReachesEveryClient(t *testing.T) {
	hub, srv := newTestHub(t, Options{})
	a := dial(t, srv, "alice")
	b := dial(t, srv, "")
	waitClients(t, hub, 2)

	hub.Publish(session.Event{Type: session.EventStarted, Username: "alice", SessionID: "s1", Port: 6081})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Type != MessageSession || msg.Event == nil {
			t.Fatalf("unexpected message %+v", msg)
		}
		if msg.Event.SessionID != "s1" || msg.Event.Port != 6081 {
			t.Fatalf("unexpected event %+v", msg.Event)
		}
	}
}

func TestNotifyUserDisconnectedKicksOnlyThatUser(t *testing.T) {
	hub, srv := newTestHub(t, Options{})
	dave := dial(t, srv, "dave")
	other := dial(t, srv, "erin")
	waitClients(t, hub, 2)

	hub.NotifyUserDisconnected("dave", session.ReasonKicked)

	msg := readMessage(t, dave)
	if msg.Type != MessageSessionKicked || msg.Reason != string(session.ReasonKicked) {
		t.Fatalf("unexpected kick message %+v", msg)
	}
	_ = dave.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := dave.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	waitClients(t, hub, 1)

	hub.Broadcast(Message{Type: "ping-test", Data: json.RawMessage(`{"ok":true}`)})
	if got := readMessage(t, other); got.Type != "ping-test" {
		t.Fatalf("remaining client got %+v", got)
	}
}

func TestNotifyUnknownUserIsNoop(t *testing.T) {
	hub, _ := newTestHub(t, Options{})
	hub.NotifyUserDisconnected("nobody", session.ReasonKicked)
	if hub.Count() != 0 {
		t.Fatal("unexpected clients")
	}
}

func TestOriginCheck(t *testing.T) {
	_, srv := newTestHub(t, Options{AllowedOrigins: []string{"https://dash.example.org"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("expected rejected origin")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	header.Set("Origin", "https://dash.example.org")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub, srv := newTestHub(t, Options{})
	conn := dial(t, srv, "zed")
	waitClients(t, hub, 1)

	hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
	if hub.Count() != 0 {
		t.Fatal("clients remain after Close")
	}
}
