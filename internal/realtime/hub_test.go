package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type headerAuth struct{}

func (headerAuth) UserFromRequest(_ context.Context, r *http.Request) (string, error) {
	userID := r.Header.Get("X-Test-User-Id")
	if userID == "" {
		return "", errors.New("no session")
	}
	return userID, nil
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(headerAuth{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"X-Test-User-Id": []string{userID}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func waitForConnections(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("hub never reached %d connections (have %d)", want, hub.ConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServeWSRejectsUnauthenticatedBeforeUpgrade(t *testing.T) {
	_, srv := newTestHub(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWSSendsConnectedHandshake(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv, "usr_a")

	frame := readFrame(t, conn)
	assert.Equal(t, "connected", frame["type"])
	assert.Equal(t, "usr_a", frame["userId"])
}

func TestDeliverToUserFansOutToAllConnections(t *testing.T) {
	hub, srv := newTestHub(t)
	conn1 := dial(t, srv, "usr_a")
	conn2 := dial(t, srv, "usr_a")
	other := dial(t, srv, "usr_b")
	readFrame(t, conn1)
	readFrame(t, conn2)
	readFrame(t, other)
	waitForConnections(t, hub, 3)

	delivered, connections := hub.DeliverToUser("usr_a", map[string]string{"type": "notification", "notificationId": "ntf_1"})
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 2, connections)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		frame := readFrame(t, conn)
		assert.Equal(t, "notification", frame["type"])
		assert.Equal(t, "ntf_1", frame["notificationId"])
	}
}

func TestDeliverToUserWithoutConnections(t *testing.T) {
	hub, _ := newTestHub(t)

	delivered, connections := hub.DeliverToUser("usr_ghost", map[string]string{"type": "notification"})
	assert.Zero(t, delivered)
	assert.Zero(t, connections)
}

func TestAppLevelPingGetsPong(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv, "usr_a")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame["type"])
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "usr_a")
	readFrame(t, conn)
	waitForConnections(t, hub, 1)

	closeCode := make(chan int, 1)
	conn.SetCloseHandler(func(code int, _ string) error {
		closeCode <- code
		return nil
	})

	hub.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	select {
	case code := <-closeCode:
		assert.Equal(t, websocket.CloseGoingAway, code)
	default:
		t.Fatal("no close frame observed")
	}
	waitForConnections(t, hub, 0)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "usr_a")
	readFrame(t, conn)
	waitForConnections(t, hub, 1)

	conn.Close()
	waitForConnections(t, hub, 0)
}
