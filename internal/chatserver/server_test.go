package chatserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuschat/internal/chatserver/directory"
	"github.com/campuschat/internal/chatserver/store/memory"
	"github.com/campuschat/internal/rest"
)

// startServer runs a full dev server over an in-memory store and returns its
// base URLs.
func startServer(t *testing.T) (httpURL, wsURL string) {
	t.Helper()
	msgStore := memory.New()
	hub := NewHub(msgStore, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	dir := directory.New(
		[]rest.Candidate{{ID: 7, Name: "Jane Smith", RegistrationNumber: "S-0007"}},
		[]rest.Candidate{{ID: 42, Title: "Syllabus", MaterialType: "document"}},
		[]string{"exams", "homework"},
	)
	h := NewHandler(hub, msgStore, dir, "*")
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	return srv.URL, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialMember(t *testing.T, wsURL string, groupID, userID int64, name string) *websocket.Conn {
	t.Helper()
	u := fmt.Sprintf("%s?group=%d&token=%d:%s", wsURL, groupID, userID, name)
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestJoinerGetsSnapshotOthersGetDelta(t *testing.T) {
	_, wsURL := startServer(t)

	alice := dialMember(t, wsURL, 1, 1, "Alice")
	snap := readFrame(t, alice)
	assert.Equal(t, "snapshot", snap["type"])
	require.Len(t, snap["users"], 1)

	bob := dialMember(t, wsURL, 1, 2, "Bob")
	bobSnap := readFrame(t, bob)
	assert.Equal(t, "snapshot", bobSnap["type"])
	assert.Len(t, bobSnap["users"], 2)

	join := readFrame(t, alice)
	assert.Equal(t, "presence", join["type"])
	assert.Equal(t, "join", join["action"])
	user := join["user"].(map[string]any)
	assert.Equal(t, "Bob", user["name"])
}

func TestChatEchoCorrelationOnlyToSender(t *testing.T) {
	_, wsURL := startServer(t)

	alice := dialMember(t, wsURL, 1, 1, "Alice")
	readFrame(t, alice) // snapshot
	bob := dialMember(t, wsURL, 1, 2, "Bob")
	readFrame(t, bob)   // snapshot
	readFrame(t, alice) // bob join

	require.NoError(t, alice.WriteJSON(map[string]any{"body": "hello", "client_id": "corr-1"}))

	echo := readFrame(t, alice)
	assert.Equal(t, "hello", echo["body"])
	assert.Equal(t, "corr-1", echo["client_id"])
	assert.Equal(t, "Alice", echo["sender_name"])
	assert.Greater(t, echo["id"].(float64), float64(0))

	theirs := readFrame(t, bob)
	assert.Equal(t, "hello", theirs["body"])
	_, hasCorr := theirs["client_id"]
	assert.False(t, hasCorr, "correlation id must not leak to other members")
	assert.Equal(t, echo["id"], theirs["id"])
}

func TestTypingRelayExcludesSender(t *testing.T) {
	_, wsURL := startServer(t)

	alice := dialMember(t, wsURL, 1, 1, "Alice")
	readFrame(t, alice)
	bob := dialMember(t, wsURL, 1, 2, "Bob")
	readFrame(t, bob)
	readFrame(t, alice) // bob join

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "typing", "is_typing": true}))

	typ := readFrame(t, bob)
	assert.Equal(t, "typing", typ["type"])
	assert.Equal(t, true, typ["is_typing"])
	user := typ["user"].(map[string]any)
	assert.Equal(t, "Alice", user["name"])

	// Alice must not see her own typing signal; the next frame she receives is
	// the chat echo below, not a typing frame.
	require.NoError(t, alice.WriteJSON(map[string]any{"body": "done typing"}))
	next := readFrame(t, alice)
	assert.Equal(t, "done typing", next["body"])
}

func TestLeaveDeltaWhenLastConnectionDrops(t *testing.T) {
	_, wsURL := startServer(t)

	alice := dialMember(t, wsURL, 1, 1, "Alice")
	readFrame(t, alice)
	bob := dialMember(t, wsURL, 1, 2, "Bob")
	readFrame(t, bob)
	readFrame(t, alice) // bob join

	bob.Close()
	leave := readFrame(t, alice)
	assert.Equal(t, "presence", leave["type"])
	assert.Equal(t, "leave", leave["action"])
	user := leave["user"].(map[string]any)
	assert.Equal(t, float64(2), user["id"])
}

func TestGroupsAreIsolated(t *testing.T) {
	_, wsURL := startServer(t)

	alice := dialMember(t, wsURL, 1, 1, "Alice")
	snap := readFrame(t, alice)
	require.Len(t, snap["users"], 1)

	carol := dialMember(t, wsURL, 2, 3, "Carol")
	carolSnap := readFrame(t, carol)
	// Carol's group has only Carol; Alice sees no join delta.
	require.Len(t, carolSnap["users"], 1)

	require.NoError(t, carol.WriteJSON(map[string]any{"body": "other group"}))
	readFrame(t, carol) // own echo

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := alice.ReadMessage()
	assert.Error(t, err, "nothing from group 2 may reach group 1")
}

func TestHistoryEndpoint(t *testing.T) {
	httpURL, wsURL := startServer(t)

	alice := dialMember(t, wsURL, 1, 1, "Alice")
	readFrame(t, alice)
	require.NoError(t, alice.WriteJSON(map[string]any{"body": "first"}))
	readFrame(t, alice)
	require.NoError(t, alice.WriteJSON(map[string]any{"body": "second"}))
	readFrame(t, alice)

	resp, err := http.Get(httpURL + "/api/groups/1/messages?limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msgs []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0]["body"])
	assert.Equal(t, "second", msgs[1]["body"])
	_, hasCorr := msgs[0]["client_id"]
	assert.False(t, hasCorr)
}

func TestLookupEndpoint(t *testing.T) {
	httpURL, _ := startServer(t)

	resp, err := http.Get(httpURL + "/api/lookup?type=user&q=jan")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var items []rest.Candidate
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	require.Len(t, items, 1)
	assert.Equal(t, "Jane Smith", items[0].Name)
	assert.Equal(t, "S-0007", items[0].RegistrationNumber)
}

func TestBadTokenRejected(t *testing.T) {
	_, wsURL := startServer(t)

	for _, token := range []string{"", "abc", "0:Zero", "x:Name", "5:"} {
		u := wsURL + "?group=1&token=" + token
		conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
		require.Error(t, err, "token %q", token)
		if resp != nil {
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			resp.Body.Close()
		}
		if conn != nil {
			conn.Close()
		}
	}
}

func TestBadGroupRejected(t *testing.T) {
	_, wsURL := startServer(t)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?group=nope&token=1:Alice", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

func TestParseToken(t *testing.T) {
	u, err := parseToken("7:Jane Smith")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, "Jane Smith", u.Name)

	for _, bad := range []string{"", "7", "7:", ":Jane", "-1:Jane", "x:Jane"} {
		_, err := parseToken(bad)
		assert.Error(t, err, "token %q", bad)
	}
}
