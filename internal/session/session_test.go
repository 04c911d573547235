package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relay-gateway/internal/store"
)

type failingForwarder struct{}

func (failingForwarder) Forward([]byte) error { return errors.New("link down") }

// sessionHarness serves /ws and runs a Session per connection against a
// shared cache and registry.
type sessionHarness struct {
	ts       *httptest.Server
	cache    *store.Cache
	registry *Registry
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	h := &sessionHarness{cache: store.NewCache(), registry: NewRegistry()}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	h.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		New(conn, Config{Cache: h.cache, Registry: h.registry, Upstream: failingForwarder{}}).Run()
	}))
	t.Cleanup(h.ts.Close)
	return h
}

func (h *sessionHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestReconnectSupersedesOldSession(t *testing.T) {
	h := newSessionHarness(t)

	first := h.dial(t)
	if err := first.WriteMessage(websocket.TextMessage, []byte(`{"action":"register","deviceid":"AAA","apikey":"K1"}`)); err != nil {
		t.Fatalf("register first: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.registry.Connected("AAA") })
	firstSess := h.registry.Lookup("AAA")

	second := h.dial(t)
	if err := second.WriteMessage(websocket.TextMessage, []byte(`{"action":"register","deviceid":"AAA","apikey":"K1"}`)); err != nil {
		t.Fatalf("register second: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		s := h.registry.Lookup("AAA")
		return s != nil && s != firstSess
	})

	// The superseded transport gets closed by the gateway.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// Registry still holds the replacement.
	if h.registry.Lookup("AAA") == nil {
		t.Fatal("replacement session lost after old one closed")
	}
}

func TestCloseReleasesRegistrySlot(t *testing.T) {
	h := newSessionHarness(t)

	conn := h.dial(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"register","deviceid":"AAA","apikey":"K1"}`)); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.registry.Connected("AAA") })

	_ = conn.Close()
	waitUntil(t, 2*time.Second, func() bool { return !h.registry.Connected("AAA") })
	if h.registry.Lookup("") != nil {
		t.Fatal("most recent pointer not cleared after close")
	}

	// Identity survives the session: it lives in the cache, not the registry.
	if _, ok := h.cache.Identity("AAA"); !ok {
		t.Fatal("identity lost when session closed")
	}
}

func TestSendOnClosedSession(t *testing.T) {
	h := newSessionHarness(t)
	conn := h.dial(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"register","deviceid":"AAA","apikey":"K1"}`)); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.registry.Connected("AAA") })
	sess := h.registry.Lookup("AAA")

	_ = conn.Close()
	waitUntil(t, 2*time.Second, func() bool { return !h.registry.Connected("AAA") })

	if err := sess.Send([]byte(`{}`)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
