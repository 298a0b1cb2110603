package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// readUntil reads messages until one of type typ arrives
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		if m := readJSON(t, conn); m["type"] == typ {
			return m
		}
	}
	t.Fatalf("no %s message", typ)
	return nil
}

func newWSServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", env.server.HandleWebSocket)
	mux.HandleFunc("/health", env.server.HealthHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		env.server.sessions.CloseAll()
		srv.Close()
	})
	return srv
}

func TestWebSocketAuthenticatedSession(t *testing.T) {
	env := newTestEnv(t, staticCooldown(10*time.Second), Options{Registerer: prometheus.NewRegistry()})
	_, err := env.db.CreateUser("alice", "token:alice", int(RoleUser))
	require.NoError(t, err)
	srv := newWSServer(t, env)

	conn := dialWS(t, srv, "token:alice")

	var types []string
	for i := 0; i < 5; i++ {
		types = append(types, readJSON(t, conn)["type"].(string))
	}
	assert.Equal(t, []string{"userinfo", "pixels", "cooldown", "pixels", "users"}, types)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pixel","x":2,"y":3,"color":4}`)))
	ack := readUntil(t, conn, "ACK")
	assert.Equal(t, "PLACE", ack["ackFor"])
	assert.Equal(t, 4, env.board.Pixel(2, 3))

	// Malformed and unknown messages are dropped without closing the connection
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ChatbanState"}`)))
	readUntil(t, conn, "chat_ban_state")
}

func TestWebSocketObserverReceivesBroadcasts(t *testing.T) {
	env := newTestEnv(t, staticCooldown(10*time.Second), Options{})
	_, err := env.db.CreateUser("alice", "token:alice", int(RoleUser))
	require.NoError(t, err)
	srv := newWSServer(t, env)

	observer := dialWS(t, srv, "")
	readUntil(t, observer, "users")

	player := dialWS(t, srv, "token:alice")
	readUntil(t, player, "pixels")

	require.NoError(t, player.WriteMessage(websocket.TextMessage, []byte(`{"type":"pixel","x":0,"y":0,"color":9}`)))

	update := readUntil(t, observer, "pixel")
	px := update["pixels"].([]any)[0].(map[string]any)
	assert.Equal(t, 9, num(px, "color"))

	// Observers cannot place
	require.NoError(t, observer.WriteMessage(websocket.TextMessage, []byte(`{"type":"pixel","x":1,"y":1,"color":9}`)))
	require.NoError(t, player.WriteMessage(websocket.TextMessage, []byte(`{"type":"ChatMessage","message":"hi"}`)))
	msg := readUntil(t, observer, "chat_message")
	assert.Equal(t, "hi", msg["message"].(map[string]any)["message_raw"])
	assert.Equal(t, 0, env.board.Pixel(1, 1))
}

func TestWebSocketUnknownToken(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	srv := newWSServer(t, env)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=token:nobody"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketDisconnectCleansUp(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	_, err := env.db.CreateUser("alice", "token:alice", int(RoleUser))
	require.NoError(t, err)
	srv := newWSServer(t, env)

	conn := dialWS(t, srv, "token:alice")
	readUntil(t, conn, "users")
	require.Equal(t, 1, env.server.sessions.AuthedCount())

	conn.Close()
	require.Eventually(t, func() bool {
		return env.server.sessions.Count() == 0 && env.server.sessions.AuthedCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.connect("alice", RoleUser)
	env.observe()

	rec := httptest.NewRecorder()
	env.server.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok connections=2 users=1\n", rec.Body.String())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(r))
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) {
		c.HTTPPort = 0
		c.MetricsPort = 0
	}, Options{})

	require.NoError(t, env.server.Start())
	env.connect("alice", RoleUser)
	require.NoError(t, env.server.Stop())
	assert.Equal(t, 0, env.server.sessions.Count())
}
