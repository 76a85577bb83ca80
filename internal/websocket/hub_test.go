package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwatch/gridwatch/internal/models"
)

func startHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d (now %d)", want, hub.ClientCount())
}

func TestHubBroadcastsEventToAllClients(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	c1 := dial(t, srv)
	c2 := dial(t, srv)
	waitForClients(t, hub, 2)

	ends := time.Now()
	hub.BroadcastEvent(&models.AlarmEvent{
		Fingerprint: "alertname=HighCPU,host_ip=10.0.0.1",
		Status:      models.StatusResolved,
		Labels:      map[string]string{"host_ip": "10.0.0.1"},
		StartsAt:    time.Now().Add(-time.Minute),
		EndsAt:      &ends,
	})

	for _, conn := range []*websocket.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, msgType)

		var got models.AlarmEvent
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, "alertname=HighCPU,host_ip=10.0.0.1", got.Fingerprint)
		assert.Equal(t, models.StatusResolved, got.Status)
		require.NotNil(t, got.EndsAt)
	}
}

func TestHubEchoesClientTextFrames(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"there"}`)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"there"}`, string(data))
}

func TestHubPongTimeoutClosesWithProtocolError(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()
	hub.pingPeriod = 50 * time.Millisecond
	hub.pongWait = 50 * time.Millisecond

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	// Swallow pongs so the server sees none.
	conn.SetPongHandler(func(string) error { return nil })
	conn.SetPingHandler(func(string) error { return nil })

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var closeErr *websocket.CloseError
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, websocket.CloseProtocolError, closeErr.Code)
	waitForClients(t, hub, 0)
}

func TestHubClientDisconnectUpdatesCount(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub, srv, cancel := startHub(t)

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, hub.ClientCount())
}
