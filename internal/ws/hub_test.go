package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/threatfeed"
)

func newTestHub(t *testing.T, identify IdentityFn, snapshot func() []threatfeed.Item) (*Hub, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(identify, snapshot, monitoring.NewMetrics(prometheus.NewRegistry()), log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleUpgrade)
	mux.HandleFunc("/ws/admin", hub.HandleAdminUpgrade)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.CloseAll)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAnonymousUpgradeAccepted(t *testing.T) {
	hub, srv := newTestHub(t, nil, nil)

	dial(t, srv, "/ws")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestAdminPathRejectsAnonymous(t *testing.T) {
	_, srv := newTestHub(t, func(r *http.Request) (string, bool) { return "", false }, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/admin"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInitialFeedSnapshotOnConnect(t *testing.T) {
	snapshot := func() []threatfeed.Item {
		return []threatfeed.Item{{ID: "demo-1", Text: "hello", Severity: "high", Source: "DEMO"}}
	}
	_, srv := newTestHub(t, nil, snapshot)

	conn := dial(t, srv, "/ws")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame FeedFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "threat-feed", frame.Type)
	require.Len(t, frame.Items, 1)
	assert.Equal(t, "demo-1", frame.Items[0].ID)
}

func TestBroadcastSendsIdenticalBytesToAllClients(t *testing.T) {
	hub, srv := newTestHub(t, nil, nil)

	c1 := dial(t, srv, "/ws")
	c2 := dial(t, srv, "/ws")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	payload, err := MarshalBatchFrame([]WireEvent{})
	require.NoError(t, err)
	hub.Broadcast(payload)

	for _, conn := range []*websocket.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, payload, data)
	}
}

func TestClosedClientLeavesTrackedSet(t *testing.T) {
	hub, srv := newTestHub(t, nil, nil)

	conn := dial(t, srv, "/ws")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHeartbeatSweepTerminatesDeadClients(t *testing.T) {
	hub, srv := newTestHub(t, nil, nil)

	dial(t, srv, "/ws")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	// First sweep marks the client not-alive and pings it. The default
	// gorilla client answers pings only while reading; our test conn is
	// not reading, so the second sweep must terminate it.
	hub.sweep()
	hub.sweep()

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
