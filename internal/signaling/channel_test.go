package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pushServer is a minimal signaling peer. Each accepted connection reads the
// joinRoom frame, records the identity and then runs onJoin.
type pushServer struct {
	t      *testing.T
	srv    *httptest.Server
	onJoin func(conn *websocket.Conn)

	mu    sync.Mutex
	joins []string
}

func newPushServer(t *testing.T, onJoin func(conn *websocket.Conn)) *pushServer {
	ps := &pushServer{t: t, onJoin: onJoin}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Event != EventJoinRoom {
			t.Errorf("first frame = %q, want joinRoom", env.Event)
			return
		}
		var identity string
		json.Unmarshal(env.Data, &identity)

		ps.mu.Lock()
		ps.joins = append(ps.joins, identity)
		ps.mu.Unlock()

		if ps.onJoin != nil {
			ps.onJoin(conn)
		}
	}))
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func (ps *pushServer) joinCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.joins)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestConnectJoinsRoomAndDeliversOffer(t *testing.T) {
	ps := newPushServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"event": "newSupportCall",
			"data": map[string]string{
				"caller":         "+15550001111",
				"callerName":     "Dana",
				"conferenceName": "conf-42",
			},
		})
		holdOpen(conn)
	})
	defer ps.srv.Close()

	ch := NewChannel(Config{URL: ps.url(), RetryDelay: 10 * time.Millisecond}, testLogger())

	offers := make(chan Offer, 1)
	var mu sync.Mutex
	var states []bool
	ch.OnCallOffered(func(o Offer) { offers <- o })
	ch.OnConnectivity(func(c bool) {
		mu.Lock()
		states = append(states, c)
		mu.Unlock()
	})

	if err := ch.Connect(context.Background(), "agent-7"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()

	select {
	case o := <-offers:
		if o.Event != EventNewSupportCall {
			t.Errorf("Event = %q", o.Event)
		}
		if o.CallerRef != "+15550001111" || o.CallerName != "Dana" || o.ConferenceRef != "conf-42" {
			t.Errorf("unexpected offer %+v", o)
		}
		if o.ReceivedAt.IsZero() {
			t.Error("ReceivedAt not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no offer delivered")
	}

	if !ch.Connected() {
		t.Error("channel should report connected")
	}
	ps.mu.Lock()
	if len(ps.joins) != 1 || ps.joins[0] != "agent-7" {
		t.Errorf("joins = %v, want [agent-7]", ps.joins)
	}
	ps.mu.Unlock()

	mu.Lock()
	if len(states) == 0 || !states[0] {
		t.Errorf("connectivity events = %v, want first true", states)
	}
	mu.Unlock()
}

func TestReconnectRejoinsRoom(t *testing.T) {
	var first sync.Once
	ps := newPushServer(t, func(conn *websocket.Conn) {
		dropped := false
		first.Do(func() { dropped = true })
		if dropped {
			// Drop the first connection right after the join.
			return
		}
		holdOpen(conn)
	})
	defer ps.srv.Close()

	ch := NewChannel(Config{URL: ps.url(), RetryDelay: 10 * time.Millisecond}, testLogger())

	var mu sync.Mutex
	var states []bool
	ch.OnConnectivity(func(c bool) {
		mu.Lock()
		states = append(states, c)
		mu.Unlock()
	})

	if err := ch.Connect(context.Background(), "agent-7"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()

	waitFor(t, "second join", func() bool { return ps.joinCount() >= 2 })
	waitFor(t, "reconnected", ch.Connected)

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 3 || !states[0] || states[1] || !states[2] {
		t.Errorf("connectivity events = %v, want [true false true ...]", states)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ch := NewChannel(Config{URL: url, MaxAttempts: 3, RetryDelay: 5 * time.Millisecond}, testLogger())
	if err := ch.Connect(context.Background(), "agent-7"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not give up")
	}
	if ch.Connected() {
		t.Error("channel should not be connected")
	}
	if err := ch.Disconnect(); err != nil {
		t.Errorf("Disconnect after give-up: %v", err)
	}
}

func TestUnknownAndMalformedFramesIgnored(t *testing.T) {
	ps := newPushServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(map[string]any{"event": "somethingElse", "data": 1})
		conn.WriteJSON(map[string]any{"event": "assignedCall", "data": "bad"})
		conn.WriteJSON(map[string]any{
			"event": "assignedCall",
			"data":  map[string]string{"caller": "1002", "conferenceName": "conf-9"},
		})
		holdOpen(conn)
	})
	defer ps.srv.Close()

	ch := NewChannel(Config{URL: ps.url()}, testLogger())
	offers := make(chan Offer, 4)
	ch.OnCallOffered(func(o Offer) { offers <- o })

	if err := ch.Connect(context.Background(), "agent-7"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()

	select {
	case o := <-offers:
		if o.Event != EventAssignedCall || o.ConferenceRef != "conf-9" {
			t.Errorf("unexpected offer %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no offer delivered")
	}
	select {
	case o := <-offers:
		t.Errorf("unexpected extra offer %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectValidation(t *testing.T) {
	ch := NewChannel(Config{URL: "ws://127.0.0.1:1"}, testLogger())
	if err := ch.Connect(context.Background(), ""); err != ErrEmptyIdentity {
		t.Errorf("err = %v, want ErrEmptyIdentity", err)
	}

	noURL := NewChannel(Config{}, testLogger())
	if err := noURL.Connect(context.Background(), "agent-7"); err == nil {
		t.Error("expected error without url")
	}
}

func TestDisconnectStopsLoop(t *testing.T) {
	ps := newPushServer(t, holdOpen)
	defer ps.srv.Close()

	ch := NewChannel(Config{URL: ps.url()}, testLogger())
	if err := ch.Connect(context.Background(), "agent-7"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.Connect(context.Background(), "agent-7"); err != ErrAlreadyConnected {
		t.Errorf("second Connect err = %v, want ErrAlreadyConnected", err)
	}
	waitFor(t, "connected", ch.Connected)

	if err := ch.Disconnect(); err != nil {
		t.Errorf("Disconnect: %v", err)
	}
	select {
	case <-ch.Done():
	default:
		t.Fatal("loop still running after Disconnect")
	}
	if ch.Connected() {
		t.Error("still connected after Disconnect")
	}
	if err := ch.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
}
