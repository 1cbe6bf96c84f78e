package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rummi-server/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(backend Backend) *Server {
	return newTestServerWith(backend, DefaultOptions())
}

func newTestServerWith(backend Backend, opts Options) *Server {
	ctrl := session.NewController(backend, backend,
		session.WithRand(rand.NewPCG(1, 2)),
		session.WithLogger(testLogger()))
	return NewServer(backend, ctrl, testLogger(), opts)
}

func setupTestServer() (*Server, string, func()) {
	return setupTestServerWith(DefaultOptions())
}

func setupTestServerWith(opts Options) (*Server, string, func()) {
	s := newTestServerWith(session.NewMemoryStore(), opts)

	server := httptest.NewServer(s.RegisterRoutes())
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/websocket"

	cleanup := func() {
		server.Close()
	}

	return s, url, cleanup
}

type downStore struct {
	*session.MemoryStore
}

func (downStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// received is a server message with its payload left raw for decoding.
type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(msgType string, payload any) {
	c.t.Helper()
	msg := ClientMessage{Type: msgType}
	if payload != nil {
		msg.Payload = mustMarshal(payload)
	}
	require.NoError(c.t, c.conn.Write(context.Background(), websocket.MessageText, mustMarshal(msg)))
}

func (c *testClient) read() received {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)

	var msg received
	require.NoError(c.t, json.Unmarshal(data, &msg))
	return msg
}

// expect reads the next message, checks its type and decodes its payload
// into v when v is not nil.
func (c *testClient) expect(msgType string, v any) {
	c.t.Helper()
	msg := c.read()
	require.Equal(c.t, msgType, msg.Type, "payload: %s", msg.Payload)
	if v != nil {
		require.NoError(c.t, json.Unmarshal(msg.Payload, v))
	}
}

func (c *testClient) expectError(message string) {
	c.t.Helper()
	var payload ErrorMessage
	c.expect(session.EventError, &payload)
	assert.Equal(c.t, message, payload.Message)
}

func TestRootHandler(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(session.NewMemoryStore())
	server := httptest.NewServer(s.RegisterRoutes())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("*", resp.Header.Get("Access-Control-Allow-Origin"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(`{"message":"rummi-server"}`, string(body))
}

func TestCorsPreflight(t *testing.T) {
	s := newTestServer(session.NewMemoryStore())
	rec := httptest.NewRecorder()

	s.RegisterRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/health", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		backend    Backend
		wantStatus int
		wantState  string
	}{
		{name: "store reachable", backend: session.NewMemoryStore(), wantStatus: http.StatusOK, wantState: "up"},
		{name: "store down", backend: downStore{session.NewMemoryStore()}, wantStatus: http.StatusServiceUnavailable, wantState: "down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.backend)
			rec := httptest.NewRecorder()

			s.RegisterRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantState, resp.Status)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	assert := assert.New(t)
	s, url, cleanup := setupTestServer()
	defer cleanup()

	c := dial(t, url)
	c.send(MsgPing, nil)
	c.expect("pong", nil)

	rec := httptest.NewRecorder()
	s.RegisterRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(body, "rummi_connections_active 1")
	assert.Contains(body, `rummi_commands_total{command="ping",status="ok"} 1`)
}

func TestWebSocketPingPong(t *testing.T) {
	_, url, cleanup := setupTestServer()
	defer cleanup()

	c := dial(t, url)
	c.send(MsgPing, nil)
	c.expect("pong", nil)
}

func TestWebSocketInvalidJSON(t *testing.T) {
	_, url, cleanup := setupTestServer()
	defer cleanup()

	c := dial(t, url)
	require.NoError(t, c.conn.Write(context.Background(), websocket.MessageText, []byte("junk")))
	c.expectError("Invalid JSON")

	// The connection stays usable.
	c.send(MsgPing, nil)
	c.expect("pong", nil)
}

func TestWebSocketUnknownMessageType(t *testing.T) {
	_, url, cleanup := setupTestServer()
	defer cleanup()

	c := dial(t, url)
	c.send("create_game", nil)
	c.expectError("Unknown message type: create_game")
}

func TestWebSocketInvalidPayload(t *testing.T) {
	_, url, cleanup := setupTestServer()
	defer cleanup()

	c := dial(t, url)
	c.send(MsgJoinGame, "ABCD")
	c.expectError("Invalid join-game payload")

	c.send(MsgStartGame, nil)
	c.expectError("Invalid start-game payload")
}

func TestWebSocketRateLimiting(t *testing.T) {
	opts := DefaultOptions()
	opts.RateLimit = 0.001
	opts.RateBurst = 2
	_, url, cleanup := setupTestServerWith(opts)
	defer cleanup()

	c := dial(t, url)
	for i := 0; i < 2; i++ {
		c.send(MsgPing, nil)
		c.expect("pong", nil)
	}

	c.send(MsgPing, nil)
	c.expectError("Rate limit exceeded")
}

func TestWebsocketConnectionRegistration(t *testing.T) {
	assert := assert.New(t)
	s, url, cleanup := setupTestServer()
	defer cleanup()

	assert.Equal(0, s.connectionManager.Count())

	c := dial(t, url)
	// Dial returns before the handler registers the socket.
	c.send(MsgPing, nil)
	c.expect("pong", nil)
	assert.Equal(1, s.connectionManager.Count())

	c.conn.Close(websocket.StatusNormalClosure, "")

	assert.Eventually(func() bool {
		return s.connectionManager.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	opts := DefaultOptions()
	opts.AllowedOrigins = []string{"game.example.com"}
	s := newTestServerWith(session.NewMemoryStore(), opts)
	server := httptest.NewServer(s.RegisterRoutes())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/websocket"
	_, _, err := websocket.Dial(context.Background(), url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example.org"}},
	})
	assert.Error(t, err)
}
