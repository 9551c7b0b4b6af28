package chat

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayForAttempt(t *testing.T) {
	base, cap := time.Second, 30*time.Second
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s capped
		{10, 30 * time.Second},
		{63, 30 * time.Second}, // shift overflow guard
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, delayForAttempt(base, cap, tt.n), "attempt %d", tt.n)
	}
}

// stateRecorder collects state transitions from the manager's callback.
type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) onState(sc StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, sc)
}

func (r *stateRecorder) snapshot() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StateChange, len(r.changes))
	copy(out, r.changes)
	return out
}

func (r *stateRecorder) count(s ConnState) int {
	n := 0
	for _, sc := range r.snapshot() {
		if sc.State == s {
			n++
		}
	}
	return n
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newSocketServer runs an httptest server upgrading every request and handing
// the connection to onConn. Returns the ws:// URL.
func newSocketServer(t *testing.T, onConn func(*websocket.Conn, *http.Request)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onConn(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitConnState(c *ConnectionManager, want ConnState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return c.State() == want
}

func TestOpenDeliversFramesInOrder(t *testing.T) {
	_, wsURL := newSocketServer(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("group"))
		assert.Equal(t, "1:Alice", r.URL.Query().Get("token"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":2}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":3}`))
	})

	var mu sync.Mutex
	var frames []string
	c := NewConnectionManager(wsURL, func(raw []byte) {
		mu.Lock()
		frames = append(frames, string(raw))
		mu.Unlock()
	}, nil)
	defer c.Close()

	c.Open(3, "1:Alice")
	require.True(t, waitConnState(c, StateOpen, time.Second))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`, `{"id":3}`}, frames)
	mu.Unlock()
}

func TestSendRequiresOpen(t *testing.T) {
	c := NewConnectionManager("ws://127.0.0.1:0/ws", nil, nil)
	err := c.Send(map[string]string{"body": "x"})
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestReconnectAfterDrop(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	_, wsURL := newSocketServer(t, func(conn *websocket.Conn, _ *http.Request) {
		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()
		if first {
			conn.Close() // simulate a dropped connection
			return
		}
		// Keep the replacement connection alive.
	})

	rec := &stateRecorder{}
	c := NewConnectionManager(wsURL, nil, rec.onState)
	c.backoffBase = 5 * time.Millisecond
	defer c.Close()

	c.Open(1, "1:Alice")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conns >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, waitConnState(c, StateOpen, time.Second))

	// The connectivity drop is published exactly once per failure.
	assert.Equal(t, 1, rec.count(StateClosed))
	assert.Equal(t, 1, rec.count(StateReconnecting))
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	srv, wsURL := newSocketServer(t, func(conn *websocket.Conn, _ *http.Request) {})
	srv.Close() // nothing listens anymore: every dial fails

	rec := &stateRecorder{}
	c := NewConnectionManager(wsURL, nil, rec.onState)
	c.backoffBase = time.Millisecond
	c.backoffCap = 2 * time.Millisecond
	c.maxAttempts = 3

	c.Open(1, "1:Alice")
	require.True(t, waitConnState(c, StateIdle, 2*time.Second))

	// Closed once per failure, bounded retries, terminal Idle.
	assert.Equal(t, 1, rec.count(StateClosed))
	assert.Equal(t, 3, rec.count(StateReconnecting))
	attempts := []int{}
	for _, sc := range rec.snapshot() {
		if sc.State == StateReconnecting {
			attempts = append(attempts, sc.Attempt)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)

	last := rec.snapshot()[len(rec.snapshot())-1]
	assert.Equal(t, StateIdle, last.State)

	// Terminal: no spontaneous retry after giving up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateIdle, c.State())
}

func TestCloseCancelsReconnect(t *testing.T) {
	srv, wsURL := newSocketServer(t, func(conn *websocket.Conn, _ *http.Request) {})
	srv.Close()

	rec := &stateRecorder{}
	c := NewConnectionManager(wsURL, nil, rec.onState)
	c.backoffBase = 50 * time.Millisecond

	c.Open(1, "1:Alice")
	require.True(t, waitConnState(c, StateReconnecting, time.Second))
	c.Close()
	assert.Equal(t, StateIdle, c.State())

	before := len(rec.snapshot())
	time.Sleep(120 * time.Millisecond)
	// The pending reconnect timer was cancelled; no further transitions.
	assert.Equal(t, before, len(rec.snapshot()))
}

func TestOpenSameGroupWhileOpenIsNoop(t *testing.T) {
	_, wsURL := newSocketServer(t, func(conn *websocket.Conn, _ *http.Request) {})

	rec := &stateRecorder{}
	c := NewConnectionManager(wsURL, nil, rec.onState)
	defer c.Close()

	c.Open(1, "1:Alice")
	require.True(t, waitConnState(c, StateOpen, time.Second))
	n := len(rec.snapshot())
	c.Open(1, "1:Alice")
	assert.Equal(t, n, len(rec.snapshot()))
	assert.Equal(t, StateOpen, c.State())
}
