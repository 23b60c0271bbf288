package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"curricord/internal/identity"
)

type staticValidator struct {
	users map[string]string // token -> user id
}

func (v staticValidator) ValidateToken(_ context.Context, token string) (identity.Identity, error) {
	if user, ok := v.users[token]; ok {
		return identity.Identity{UserID: user}, nil
	}
	return identity.Identity{}, errors.New("unknown token")
}

func newTestHub(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	v := staticValidator{users: map[string]string{
		"tok-alice": "alice",
		"tok-bob":   "bob",
	}}
	h := New(cfg, v, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnv(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func expectType(t *testing.T, ws *websocket.Conn, msgType string) Envelope {
	t.Helper()
	env := readEnv(t, ws)
	if env.Type != msgType {
		t.Fatalf("got message type %s, want %s (data: %s)", env.Type, msgType, env.Data)
	}
	return env
}

func expectNothing(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var env Envelope
	err := ws.ReadJSON(&env)
	if err == nil {
		t.Fatalf("expected no message, got %s", env.Type)
	}
	var nerr interface{ Timeout() bool }
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
}

func send(t *testing.T, ws *websocket.Conn, msgType string, payload any) {
	t.Helper()
	env := Envelope{ID: "c-" + msgType, Type: msgType, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		env.Data = raw
	}
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// authenticate dials a fresh client and walks it through the handshake.
func authenticate(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ws := dial(t, srv)
	ack := expectType(t, ws, TypeConnect)
	var ackPayload ConnectAckPayload
	if err := json.Unmarshal(ack.Data, &ackPayload); err != nil {
		t.Fatalf("decode connect ack: %v", err)
	}
	if !ackPayload.AuthRequired {
		t.Fatal("connect ack did not require auth")
	}
	send(t, ws, TypeAuth, AuthPayload{Token: token})
	expectType(t, ws, TypeAuthSuccess)
	return ws
}

func joinRoom(t *testing.T, ws *websocket.Conn, room string) {
	t.Helper()
	send(t, ws, TypeJoinRoom, RoomPayload{Room: room})
	expectType(t, ws, TypeRoomJoined)
}

func TestAuthHandshake(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	ws := dial(t, srv)

	ack := expectType(t, ws, TypeConnect)
	var ackPayload ConnectAckPayload
	if err := json.Unmarshal(ack.Data, &ackPayload); err != nil {
		t.Fatalf("decode connect ack: %v", err)
	}
	if ackPayload.ConnectionID == "" {
		t.Fatal("connect ack missing connection id")
	}

	send(t, ws, TypeAuth, AuthPayload{Token: "tok-alice"})
	success := expectType(t, ws, TypeAuthSuccess)
	var p AuthSuccessPayload
	if err := json.Unmarshal(success.Data, &p); err != nil {
		t.Fatalf("decode auth_success: %v", err)
	}
	if p.UserID != "alice" {
		t.Fatalf("user id = %s, want alice", p.UserID)
	}
	if h.ConnCount() != 1 {
		t.Fatalf("conn count = %d, want 1", h.ConnCount())
	}
}

func TestAuthFailureClosesAfterGrace(t *testing.T) {
	_, srv := newTestHub(t, Config{AuthGrace: 20 * time.Millisecond})
	ws := dial(t, srv)
	expectType(t, ws, TypeConnect)

	send(t, ws, TypeAuth, AuthPayload{Token: "tok-wrong"})
	expectType(t, ws, TypeAuthError)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	err := ws.ReadJSON(&env)
	if err == nil {
		t.Fatalf("expected close after auth failure, got %s", env.Type)
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close error = %v, want policy violation", err)
	}
}

func TestPreAuthMessagesRejected(t *testing.T) {
	_, srv := newTestHub(t, Config{})
	ws := dial(t, srv)
	expectType(t, ws, TypeConnect)

	send(t, ws, TypePing, nil)
	env := expectType(t, ws, TypeError)
	var p ErrorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != "auth_required" {
		t.Fatalf("error code = %s, want auth_required", p.Code)
	}

	// The connection survives and can still authenticate.
	send(t, ws, TypeAuth, AuthPayload{Token: "tok-alice"})
	expectType(t, ws, TypeAuthSuccess)
}

func TestCapacityLimit(t *testing.T) {
	_, srv := newTestHub(t, Config{MaxConnections: 1})
	authenticate(t, srv, "tok-alice")

	ws := dial(t, srv)
	env := expectType(t, ws, TypeError)
	var p ErrorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != "capacity_exceeded" {
		t.Fatalf("error code = %s, want capacity_exceeded", p.Code)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next Envelope
	err := ws.ReadJSON(&next)
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("close error = %v, want try again later", err)
	}
}

func TestChatBroadcastExcludesSender(t *testing.T) {
	_, srv := newTestHub(t, Config{})
	alice := authenticate(t, srv, "tok-alice")
	bob := authenticate(t, srv, "tok-bob")
	outsider := authenticate(t, srv, "tok-alice")

	joinRoom(t, alice, "analysis-1")
	joinRoom(t, bob, "analysis-1")

	send(t, alice, TypeChatMessage, ChatPayload{Room: "analysis-1", Text: "hello"})

	got := expectType(t, bob, TypeChatMessage)
	var p ChatPayload
	if err := json.Unmarshal(got.Data, &p); err != nil {
		t.Fatalf("decode chat payload: %v", err)
	}
	if p.Text != "hello" {
		t.Fatalf("chat text = %q, want hello", p.Text)
	}
	expectNothing(t, alice)
	expectNothing(t, outsider)
}

func TestTypingStaysInRoom(t *testing.T) {
	_, srv := newTestHub(t, Config{})
	alice := authenticate(t, srv, "tok-alice")
	bob := authenticate(t, srv, "tok-bob")
	joinRoom(t, alice, "analysis-1")
	joinRoom(t, bob, "analysis-1")

	send(t, alice, TypeTyping, TypingPayload{Room: "analysis-1"})
	expectType(t, bob, TypeTyping)
	expectNothing(t, alice)
}

func TestLeaveRoomStopsDelivery(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	alice := authenticate(t, srv, "tok-alice")
	bob := authenticate(t, srv, "tok-bob")
	joinRoom(t, alice, "analysis-1")
	joinRoom(t, bob, "analysis-1")

	send(t, bob, TypeLeaveRoom, RoomPayload{Room: "analysis-1"})
	expectType(t, bob, TypeRoomLeft)
	if h.RoomSize("analysis-1") != 1 {
		t.Fatalf("room size = %d, want 1", h.RoomSize("analysis-1"))
	}

	send(t, alice, TypeChatMessage, ChatPayload{Room: "analysis-1", Text: "anyone?"})
	expectNothing(t, bob)
}

func TestBroadcastEventToRoom(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	alice := authenticate(t, srv, "tok-alice")
	joinRoom(t, alice, "analysis-7")

	h.BroadcastEvent(TypeAnalysisProgress, ProgressPayload{
		SessionID: "7", Progress: 40, Phase: "gap-detection", Status: "running",
	}, "analysis-7")

	env := expectType(t, alice, TypeAnalysisProgress)
	var p ProgressPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decode progress payload: %v", err)
	}
	if p.Progress != 40 || p.Phase != "gap-detection" {
		t.Fatalf("progress payload = %+v", p)
	}
}

func TestMalformedFrameIsNonFatal(t *testing.T) {
	_, srv := newTestHub(t, Config{})
	ws := authenticate(t, srv, "tok-alice")

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	expectType(t, ws, TypeInvalidMessage)

	send(t, ws, TypePing, nil)
	expectType(t, ws, TypePong)
}

func TestUnknownTypeRejected(t *testing.T) {
	_, srv := newTestHub(t, Config{})
	ws := authenticate(t, srv, "tok-alice")

	send(t, ws, "bogus", nil)
	expectType(t, ws, TypeInvalidMessage)
}

func TestSweepPingsThenDropsIdleConnections(t *testing.T) {
	h, srv := newTestHub(t, Config{HeartbeatInterval: 5 * time.Second, ConnectionTimeout: 10 * time.Second})
	ws := authenticate(t, srv, "tok-alice")

	// Past the heartbeat interval the sweep probes the connection.
	h.sweep(time.Now().Add(6 * time.Second))
	expectType(t, ws, TypePing)

	// Past the timeout it terminates it.
	h.sweep(time.Now().Add(11 * time.Second))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	err := ws.ReadJSON(&env)
	if err == nil {
		t.Fatalf("expected close, got %s", env.Type)
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close error = %v, want policy violation", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.ConnCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.ConnCount() != 0 {
		t.Fatalf("conn count = %d after drop, want 0", h.ConnCount())
	}
}

func TestListenerSeesLifecycle(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	var mu sync.Mutex
	var kinds []EventKind
	h.RegisterListener(func(evt Event) {
		mu.Lock()
		kinds = append(kinds, evt.Kind)
		mu.Unlock()
	})

	ws := authenticate(t, srv, "tok-alice")
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(kinds)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) < 3 {
		t.Fatalf("got %d events, want connect/authenticated/disconnect", len(kinds))
	}
	if kinds[0] != EventConnect || kinds[1] != EventAuthenticated {
		t.Fatalf("event order = %v", kinds)
	}
	if kinds[len(kinds)-1] != EventDisconnect {
		t.Fatalf("last event = %v, want disconnect", kinds[len(kinds)-1])
	}
}

func TestShutdownTerminatesConnections(t *testing.T) {
	h, srv := newTestHub(t, Config{})
	ws := authenticate(t, srv, "tok-alice")

	h.Shutdown()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	err := ws.ReadJSON(&env)
	if err == nil {
		t.Fatalf("expected close, got %s", env.Type)
	}
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("close error = %v, want going away", err)
	}
	if h.ConnCount() != 0 {
		t.Fatalf("conn count = %d, want 0", h.ConnCount())
	}
}
