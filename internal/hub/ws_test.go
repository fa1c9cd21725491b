package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
)

func dialTestHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWS(w, r, "ws-test-conn", domain.UserPrincipal{ID: "u1"})
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestWebSocketSubscribeAndReceive(t *testing.T) {
	h := New(DefaultOptions(), clock.System{}, slog.Default())
	defer h.Close()

	conn := dialTestHub(t, h)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","symbols":["AAPL"],"data_types":["price_update"]}`)))

	// subscribe acks with the current subscription list.
	ack := readEnvelope(t, conn)
	assert.Equal(t, "list", ack.Type)

	require.Eventually(t, func() bool {
		return h.Publish("AAPL", TypePriceUpdate, map[string]any{"px": 150.25}) == 1
	}, 2*time.Second, 10*time.Millisecond, "subscription must become visible to publishers")

	env := readEnvelope(t, conn)
	assert.Equal(t, "price_update", env.Type)
	assert.Equal(t, "AAPL", env.Subject)
}

func TestWebSocketPingPong(t *testing.T) {
	h := New(DefaultOptions(), clock.System{}, slog.Default())
	defer h.Close()

	conn := dialTestHub(t, h)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	env := readEnvelope(t, conn)
	assert.Equal(t, "pong", env.Type)
}

func TestWebSocketDisconnectRemovesSubscriptions(t *testing.T) {
	h := New(DefaultOptions(), clock.System{}, slog.Default())
	defer h.Close()

	conn := dialTestHub(t, h)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","symbols":["TSLA"]}`)))
	readEnvelope(t, conn) // list ack

	require.Eventually(t, func() bool { return h.ConnCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return h.ConnCount() == 0 },
		2*time.Second, 10*time.Millisecond, "disconnect must unregister the connection")
	assert.Equal(t, 0, h.Publish("TSLA", TypePriceUpdate, nil))
}
