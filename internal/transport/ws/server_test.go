package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"aiminigames/sessionsync/internal/auth"
	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/session"
	"aiminigames/sessionsync/internal/websockettest"
	"aiminigames/sessionsync/internal/wire"
)

const frameTimeout = 2 * time.Second

func newTestStack(t *testing.T, authn Authenticator, cfg Config) (*session.Manager, *httptest.Server) {
	t.Helper()
	engineCfg := session.DefaultConfig()
	engineCfg.OutboxDepth = 256
	manager := session.NewManager(engineCfg, session.WithLogger(logging.NewTestLogger()))
	server := NewServer(manager, authn, cfg, WithLogger(logging.NewTestLogger()))
	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	httpServer := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		httpServer.Close()
		_ = manager.Close(ctx)
	})
	return manager, httpServer
}

func startedSession(t *testing.T, manager *session.Manager) string {
	t.Helper()
	ctx := context.Background()
	created, err := manager.CreateSession(ctx, "p1", 2, json.RawMessage(`{"type":"scores"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := manager.JoinSession(ctx, created.JoinCode, "p2"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := manager.StartSession(ctx, created.ID, "p1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	return created.ID
}

func dialAs(t *testing.T, serverURL, sessionID, participantID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(ParticipantHeader, participantID)
	conn, _, err := websockettest.Dial(websockettest.URL(serverURL, "/ws?session="+sessionID), header)
	if err != nil {
		t.Fatalf("dial %s: %v", participantID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func connectionOf(t *testing.T, manager *session.Manager, sessionID, participantID string) session.ConnectionState {
	t.Helper()
	snap, err := manager.Snapshot(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, p := range snap.Participants {
		if p.ID == participantID {
			return p.ConnectionState
		}
	}
	return ""
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOperationRoundTrip(t *testing.T) {
	manager, server := newTestStack(t, nil, Config{})
	sessionID := startedSession(t, manager)

	c1 := dialAs(t, server.URL, sessionID, "p1")
	c2 := dialAs(t, server.URL, sessionID, "p2")
	for _, conn := range []*websocket.Conn{c1, c2} {
		if _, err := websockettest.ReadUntil(conn, wire.TypeStateSnapshot, frameTimeout); err != nil {
			t.Fatalf("initial snapshot: %v", err)
		}
	}
	waitFor(t, "both connected", func() bool {
		return connectionOf(t, manager, sessionID, "p1") == session.Connected &&
			connectionOf(t, manager, sessionID, "p2") == session.Connected
	})

	op := wire.Inbound{
		Type:            wire.TypeOperation,
		ClientSeq:       1,
		BasedOnRevision: 0,
		PayloadDelta:    json.RawMessage(`{"add":{"goals":2}}`),
	}
	if err := c1.WriteJSON(op); err != nil {
		t.Fatalf("write operation: %v", err)
	}

	frames, err := websockettest.ReadUntil(c1, wire.TypeOperationAck, frameTimeout)
	if err != nil {
		t.Fatalf("await ack: %v", err)
	}
	ack := frames[len(frames)-1]
	if ack.Revision != 1 || ack.ClientSeq != 1 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	frames, err = websockettest.ReadUntil(c2, wire.TypeStateDelta, frameTimeout)
	if err != nil {
		t.Fatalf("await delta: %v", err)
	}
	delta := frames[len(frames)-1]
	if delta.Revision != 1 || delta.Author != "p1" {
		t.Fatalf("unexpected delta: %+v", delta)
	}
}

func TestMalformedFrameIsRejectedWithoutClosing(t *testing.T) {
	manager, server := newTestStack(t, nil, Config{})
	sessionID := startedSession(t, manager)

	c1 := dialAs(t, server.URL, sessionID, "p1")
	if _, err := websockettest.ReadUntil(c1, wire.TypeStateSnapshot, frameTimeout); err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}
	if err := c1.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames, err := websockettest.ReadUntil(c1, wire.TypeOperationRejected, frameTimeout)
	if err != nil {
		t.Fatalf("await rejection: %v", err)
	}
	if code := frames[len(frames)-1].Code; code != string(session.CodeInvalidOperation) {
		t.Fatalf("expected invalid operation code, got %q", code)
	}

	//1.- The connection stays usable after a rejection.
	op := wire.Inbound{Type: wire.TypeOperation, ClientSeq: 1, PayloadDelta: json.RawMessage(`{"add":{"a":1}}`)}
	if err := c1.WriteJSON(op); err != nil {
		t.Fatalf("write operation: %v", err)
	}
	if _, err := websockettest.ReadUntil(c1, wire.TypeOperationAck, frameTimeout); err != nil {
		t.Fatalf("await ack: %v", err)
	}
}

func TestUpgradeRequiresValidToken(t *testing.T) {
	verifier, err := auth.NewVerifier("test-secret", time.Second)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	manager, server := newTestStack(t, TokenAuthenticator{Verifier: verifier}, Config{})
	sessionID := startedSession(t, manager)

	url := websockettest.URL(server.URL, "/ws?session="+sessionID)
	_, resp, err := websockettest.Dial(url, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	token, err := verifier.Issue("p1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	conn, _, err := websockettest.Dial(url+"&auth_token="+token, nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer conn.Close()
	if _, err := websockettest.ReadUntil(conn, wire.TypeStateSnapshot, frameTimeout); err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}
}

func TestMissingSessionParameterIsBadRequest(t *testing.T) {
	_, server := newTestStack(t, nil, Config{})
	header := http.Header{}
	header.Set(ParticipantHeader, "p1")
	_, resp, err := websockettest.Dial(websockettest.URL(server.URL, "/ws"), header)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestAttachRejectionClosesWithCode(t *testing.T) {
	manager, server := newTestStack(t, nil, Config{})
	sessionID := startedSession(t, manager)

	conn := dialAs(t, server.URL, sessionID, "stranger")
	_, err := websockettest.ReadFrame(conn, frameTimeout)
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation || closeErr.Text != string(session.CodeInvalidOperation) {
		t.Fatalf("unexpected close: %+v", closeErr)
	}
}

func TestUnresponsivePeerIsDisconnected(t *testing.T) {
	manager, server := newTestStack(t, nil, Config{PingInterval: 100 * time.Millisecond})
	sessionID := startedSession(t, manager)

	header := http.Header{}
	header.Set(ParticipantHeader, "p2")
	conn, _, err := websockettest.DialIgnoringPongs(websockettest.URL(server.URL, "/ws?session="+sessionID), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := websockettest.ReadUntil(conn, wire.TypeStateSnapshot, frameTimeout); err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}
	waitFor(t, "p2 connected", func() bool {
		return connectionOf(t, manager, sessionID, "p2") == session.Connected
	})
	waitFor(t, "p2 disconnected", func() bool {
		return connectionOf(t, manager, sessionID, "p2") == session.Disconnected
	})
}

func TestShutdownClosesConnections(t *testing.T) {
	engineCfg := session.DefaultConfig()
	manager := session.NewManager(engineCfg, session.WithLogger(logging.NewTestLogger()))
	defer manager.Close(context.Background())
	server := NewServer(manager, nil, Config{}, WithLogger(logging.NewTestLogger()))
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()
	sessionID := startedSession(t, manager)

	conn := dialAs(t, httpServer.URL, sessionID, "p1")
	if _, err := websockettest.ReadUntil(conn, wire.TypeStateSnapshot, frameTimeout); err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}
	waitFor(t, "connection tracked", func() bool { return server.Connections() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, err := websockettest.ReadFrame(conn, frameTimeout)
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("expected going away close, got %v", err)
	}
	if server.Connections() != 0 {
		t.Fatalf("expected no tracked connections, got %d", server.Connections())
	}
}
