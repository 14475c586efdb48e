package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/relay"
	"github.com/mqy/minichat/wire"
)

// newIdleHandler returns a handler whose loops are not running, so its queue
// only drains when the test says so, and the client side of its connection.
func newIdleHandler(t *testing.T, env *testEnv, queue int) (*Handler, *websocket.Conn) {
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = client.Close() })

	handler := &Handler{
		dataChan: make(chan *SessionData, queue),
		info:     &SessionInfo{Sid: "idle"},
		conn:     <-conns,
		eventApi: env.hub.eventApi,
		hub:      env.hub,
	}
	handler.sess = env.core.Connect(handler)
	return handler, client
}

func TestSlowConsumerClosedOnce(t *testing.T) {
	env := newTestEnv(t)
	handler, client := newIdleHandler(t, env, 1)

	frame := &wire.ServerMsg{ReceiveMessage: &wire.ReceiveMessage{EventId: 1, SenderId: 2, ReceiverId: 3, Text: "x", MessageId: 1}}
	require.True(t, handler.Deliver(frame))

	before := testutil.ToFloat64(metrics.SlowConsumers)
	for i := 0; i < 30; i++ {
		assert.False(t, handler.Deliver(frame))
	}
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SlowConsumers))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "err: %v", err)

	assert.Eventually(t, func() bool { return env.core.Stats() == relay.Stats{} }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SlowConsumers))
}

func TestSessionRefusedAfterStoreClosed(t *testing.T) {
	env := newTestEnv(t)
	// Run closed the store, but the request got past the online check.
	env.hub.hstore.close()

	c := env.dial(t)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err: %v", err)

	assert.Equal(t, 0, env.hub.Len())
	assert.Eventually(t, func() bool { return env.core.Stats() == relay.Stats{} }, 3*time.Second, 10*time.Millisecond)
}

func TestHandlerStoreAddAfterClose(t *testing.T) {
	hs := &HandlerStore{handlers: make(map[string]*Handler)}
	assert.True(t, hs.add(&Handler{info: &SessionInfo{Sid: "a"}}))
	assert.True(t, hs.del("a"))

	hs.close()
	assert.False(t, hs.add(&Handler{info: &SessionInfo{Sid: "b"}}))
	assert.Equal(t, 0, hs.len())
}
