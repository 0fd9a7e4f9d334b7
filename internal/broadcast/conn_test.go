package broadcast

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/wire"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) wire.ServerFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wire.ServerFrame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func TestWebSocketSubscribeAndReceive(t *testing.T) {
	h := NewHub(Config{}, fakeAuth{}, nil)
	ws := dialHub(t, h)

	require.NoError(t, ws.WriteJSON(wire.AuthFrame("tok-d1")))
	require.NoError(t, ws.WriteJSON(wire.SubscribeFrame("sub_a", wire.SubscribeParams{Channel: wire.ChannelTripRequests})))
	assert.Equal(t, wire.TypeAuthOK, readFrame(t, ws).Type)
	ack := readFrame(t, ws)
	assert.Equal(t, wire.TypeSubscribed, ack.Type)
	assert.Equal(t, "sub_a", ack.SubscriptionID)

	d, err := h.NotifyDrivers(testContext(t), []string{"d1"}, json.RawMessage(`{"eventType":"INSERT","new":{"id":"t1"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, d.Delivered)

	ev := readFrame(t, ws)
	assert.Equal(t, wire.TypeEvent, ev.Type)
	assert.Equal(t, "sub_a", ev.SubscriptionID)
	assert.JSONEq(t, `{"eventType":"INSERT","new":{"id":"t1"}}`, string(ev.Payload))
}

func TestWebSocketIdleUnauthenticatedClosed(t *testing.T) {
	h := NewHub(Config{AuthTimeout: 50 * time.Millisecond}, fakeAuth{}, nil)
	ws := dialHub(t, h)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.False(t, isTimeout(err), "expected server close, got timeout: %v", err)
	assert.Eventually(t, func() bool { return h.Connections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWebSocketDisconnectCleansRegistry(t *testing.T) {
	h := NewHub(Config{}, fakeAuth{}, nil)
	ws := dialHub(t, h)
	require.NoError(t, ws.WriteJSON(wire.AuthFrame("tok-r1")))
	require.NoError(t, ws.WriteJSON(wire.SubscribeFrame("s1", wire.SubscribeParams{Channel: wire.ChannelTripStatus, TripID: "t1"})))
	readFrame(t, ws)
	readFrame(t, ws)
	require.Equal(t, 1, h.Subscribers(wire.TripStatus("t1")))

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		return h.Subscribers(wire.TripStatus("t1")) == 0 && h.Connections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}
