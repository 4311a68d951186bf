package server

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/provider"
)

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilType skips heartbeats and unrelated frames until one of the wanted
// type arrives.
func readUntilType(t *testing.T, conn *websocket.Conn, wanted string) map[string]any {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == wanted {
			return msg
		}
	}
}

func TestWSConnectedGreeting(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)

	msg := readUntilType(t, conn, "connected")
	assert.NotEmpty(t, msg["message"])
	assert.NotEmpty(t, msg["timestamp"])
}

func TestWSHeartbeat(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)

	readUntilType(t, conn, "connected")
	msg := readUntilType(t, conn, "heartbeat")
	assert.NotEmpty(t, msg["timestamp"])
}

func TestWSPingPong(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)
	readUntilType(t, conn, "connected")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping", "requestId": "r1"}))

	msg := readUntilType(t, conn, "pong")
	assert.Equal(t, "r1", msg["requestId"])
}

func TestWSGetModels(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)
	readUntilType(t, conn, "connected")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "getModels", "requestId": "r2"}))

	msg := readUntilType(t, conn, "models")
	assert.Equal(t, "r2", msg["requestId"])
	models, ok := msg["data"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, models)
}

func TestWSChatStreams(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)
	readUntilType(t, conn, "connected")

	require.NoError(t, conn.WriteJSON(wsInbound{
		Type:      "chat",
		RequestID: "r3",
		Messages:  []provider.Message{{Role: "user", Content: "over the socket"}},
	}))

	var content strings.Builder
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg["type"] {
		case "chatChunk":
			assert.Equal(t, "r3", msg["requestId"])
			content.WriteString(msg["content"].(string))
		case "chatDone":
			assert.Equal(t, "r3", msg["requestId"])
			assert.Equal(t, provider.SimulatedText("over the socket"), content.String())
			return
		case "chatError":
			t.Fatalf("unexpected chatError: %v", msg["error"])
		}
	}
}

func TestWSChatRequiresMessages(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)
	readUntilType(t, conn, "connected")

	require.NoError(t, conn.WriteJSON(wsInbound{Type: "chat", RequestID: "r4"}))

	msg := readUntilType(t, conn, "chatError")
	assert.Equal(t, "r4", msg["requestId"])
}

func TestWSUnknownType(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)
	readUntilType(t, conn, "connected")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))

	msg := readUntilType(t, conn, "error")
	assert.Contains(t, msg["error"], "bogus")
}

func TestWSClientCountTracksConnections(t *testing.T) {
	srv, ts := newTestServer(t)

	assert.Equal(t, 0, srv.ClientCount())

	conn := dialWS(t, ts.URL)
	readUntilType(t, conn, "connected")
	assert.Equal(t, 1, srv.ClientCount())

	conn.Close()
	assert.Eventually(t, func() bool { return srv.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}
