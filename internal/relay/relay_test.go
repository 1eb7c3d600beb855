package relay

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peder1981/securecarrier/internal/metrics"
)

func newTestHub(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(opts)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func presenceIDs(t *testing.T, env map[string]interface{}) []string {
	t.Helper()
	require.Equal(t, "presence", env["type"])
	var ids []string
	for _, u := range env["users"].([]interface{}) {
		ids = append(ids, u.(map[string]interface{})["user_id"].(string))
	}
	return ids
}

func chatFrame(from, to, payload string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"type": "chat", "message_id": "m-" + payload, "sender_id": from,
		"sender_name": from, "recipient": to, "timestamp": 1, "payload": payload,
	})
	return b
}

func TestPresenceOnJoinAndLeave(t *testing.T) {
	_, srv := newTestHub(t, Options{})
	alice := dial(t, srv, "u1:Alice:0a1b2c3d")
	assert.Equal(t, []string{"u1"}, presenceIDs(t, readFrame(t, alice)))

	bob := dial(t, srv, "u2:Bob:0a1b2c3d")
	assert.Equal(t, []string{"u1", "u2"}, presenceIDs(t, readFrame(t, alice)))
	env := readFrame(t, bob)
	assert.Equal(t, []string{"u1", "u2"}, presenceIDs(t, env))
	assert.Equal(t, "Bob", env["users"].([]interface{})[1].(map[string]interface{})["display_name"])

	bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	assert.Equal(t, []string{"u1"}, presenceIDs(t, readFrame(t, alice)))
}

func TestRouteToRecipient(t *testing.T) {
	_, srv := newTestHub(t, Options{})
	alice := dial(t, srv, "u1:Alice:0a1b2c3d")
	readFrame(t, alice)
	bob := dial(t, srv, "u2:Bob:0a1b2c3d")
	readFrame(t, alice)
	readFrame(t, bob)
	carol := dial(t, srv, "u3:Carol:0a1b2c3d")
	readFrame(t, alice)
	readFrame(t, bob)
	readFrame(t, carol)

	frame := chatFrame("u1", "u2", "c2VjcmV0")
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, frame))

	bob.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, got, err := bob.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, frame, got, "frames are forwarded untouched")
	expectSilence(t, alice)
	expectSilence(t, carol)
}

func TestBroadcastWithoutRecipient(t *testing.T) {
	_, srv := newTestHub(t, Options{})
	alice := dial(t, srv, "u1:Alice:0a1b2c3d")
	readFrame(t, alice)
	bob := dial(t, srv, "u2:Bob:0a1b2c3d")
	readFrame(t, alice)
	readFrame(t, bob)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, chatFrame("u1", "", "aGk=")))
	assert.Equal(t, "chat", readFrame(t, bob)["type"])
	expectSilence(t, alice)
}

func TestSpoofedSenderDropped(t *testing.T) {
	_, srv := newTestHub(t, Options{})
	alice := dial(t, srv, "u1:Alice:0a1b2c3d")
	readFrame(t, alice)
	bob := dial(t, srv, "u2:Bob:0a1b2c3d")
	readFrame(t, alice)
	readFrame(t, bob)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, chatFrame("u3", "u2", "aGk=")))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	expectSilence(t, bob)
}

func TestOfflineQueue(t *testing.T) {
	hub, srv := newTestHub(t, Options{QueueLimit: 2})
	alice := dial(t, srv, "u1:Alice:0a1b2c3d")
	readFrame(t, alice)

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, alice.WriteMessage(websocket.TextMessage, chatFrame("u1", "u9", p)))
	}
	require.Eventually(t, func() bool { return hub.Stats().QueuedMessages == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, hub.Stats().QueuedMessages, "oldest frame dropped at the limit")

	late := dial(t, srv, "u9:Late:0a1b2c3d")
	assert.Equal(t, "two", readFrame(t, late)["payload"])
	assert.Equal(t, "three", readFrame(t, late)["payload"])
	assert.Equal(t, []string{"u1", "u9"}, presenceIDs(t, readFrame(t, late)))
	assert.Equal(t, 0, hub.Stats().QueuedMessages)
}

func TestSlowRecipientIsDisconnected(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	hub := NewHub(Options{Metrics: m})
	t.Cleanup(hub.Close)

	slow := &client{id: "u2", name: "Bob", send: make(chan []byte, 1), quit: make(chan struct{})}
	slow.send <- []byte("pending")
	hub.mu.Lock()
	hub.clients[slow.id] = slow
	hub.order = append(hub.order, slow.id)
	hub.mu.Unlock()

	sender := &client{id: "u1", name: "Alice", send: make(chan []byte, 4), quit: make(chan struct{})}
	hub.route(sender, chatFrame("u1", "u2", "late"))

	select {
	case <-slow.quit:
	default:
		t.Fatal("slow client still connected")
	}
	st := hub.Stats()
	assert.Equal(t, 0, st.OnlineClients)
	assert.Equal(t, 1, st.QueuedMessages, "frame waits for the next registration")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayEvicted))

	hub.mu.RLock()
	queued := hub.queue["u2"]
	hub.mu.RUnlock()
	require.Len(t, queued, 1)
	assert.Equal(t, chatFrame("u1", "u2", "late"), queued[0])
}

func TestRejectsMissingOrInvalidToken(t *testing.T) {
	_, srv := newTestHub(t, Options{})
	for _, q := range []string{"", "?token=garbage", "?token=u1:Alice:nothex!"} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+q, nil)
		require.Error(t, err, q)
		require.NotNil(t, resp, q)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, q)
	}

	h := http.Header{"Authorization": {"Bearer u1:Alice:0a1b2c3d"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), h)
	require.NoError(t, err)
	conn.Close()
}

func TestSameUserReplacesConnection(t *testing.T) {
	hub, srv := newTestHub(t, Options{})
	first := dial(t, srv, "u1:Alice:0a1b2c3d")
	readFrame(t, first)
	second := dial(t, srv, "u1:Alice:deadbeef")
	assert.Equal(t, []string{"u1"}, presenceIDs(t, readFrame(t, second)))

	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 1, hub.Stats().OnlineClients)
}

func TestHealthStatsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	_, srv := newTestHub(t, Options{Metrics: m, Gatherer: reg})
	alice := dial(t, srv, "u1:Alice:0a1b2c3d")
	readFrame(t, alice)

	var health Health
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Clients)

	var stats Stats
	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 1, stats.OnlineClients)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "securecarrier_relay_clients 1")
}

func TestServeStopsOnContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hub := NewHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, hub, ServerOptions{}) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
