package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/push"
	"github.com/mqy/minichat/relay"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

type testEnv struct {
	core *relay.Core
	hub  *Hub
	srv  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	core := relay.NewCore(store.NewMemoryStore(), push.NewMemoryTokens(), nil, relay.Options{})
	hub := NewHub(core, Conf{})
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return &testEnv{core: core, hub: hub, srv: srv}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, msg *wire.ClientMsg) {
	out, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, out))
}

func recv(t *testing.T, c *websocket.Conn) *wire.ServerMsg {
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var m wire.ServerMsg
	require.NoError(t, json.Unmarshal(data, &m))
	return &m
}

func registerUser(t *testing.T, c *websocket.Conn, eventId, userId int64) {
	send(t, c, &wire.ClientMsg{InvocationId: "reg", RegisterUser: &wire.RegisterUserReq{EventId: eventId, UserId: userId}})
	m := recv(t, c)
	require.NotNil(t, m.Completion, "got %+v", m)
	assert.Equal(t, "reg", m.Completion.InvocationId)
}

func TestChatFlow(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t)
	bob := env.dial(t)

	registerUser(t, alice, 1, 10)
	registerUser(t, bob, 1, 20)
	assert.True(t, env.core.IsOnline(20))

	send(t, alice, &wire.ClientMsg{InvocationId: "1", SendMessage: &wire.SendMessageReq{EventId: 1, ReceiverId: 20, Text: "hi"}})

	want := &wire.ReceiveMessage{EventId: 1, SenderId: 10, ReceiverId: 20, Text: "hi", MessageId: 1}

	m := recv(t, alice)
	assert.Equal(t, want, m.ReceiveMessage)
	m = recv(t, alice)
	assert.Equal(t, &wire.Completion{InvocationId: "1", MessageId: 1}, m.Completion)

	m = recv(t, bob)
	assert.Equal(t, want, m.ReceiveMessage)
	m = recv(t, bob)
	assert.Equal(t, &wire.UnreadMessageCount{EventId: 1, SenderId: 10, ReceiverId: 20, Count: 1}, m.UnreadMessageCountForUser)

	send(t, bob, &wire.ClientMsg{InvocationId: "2", DeleteUnReadMessages: &wire.DeleteUnReadMessagesReq{Ids: []int64{1}}})
	m = recv(t, bob)
	assert.Equal(t, &wire.Completion{InvocationId: "2", Changed: 1}, m.Completion)
}

func TestUnregisteredRequest(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	send(t, c, &wire.ClientMsg{InvocationId: "x", SendMessage: &wire.SendMessageReq{EventId: 1, ReceiverId: 20, Text: "hi"}})
	m := recv(t, c)
	require.NotNil(t, m.Error)
	assert.EqualValues(t, ErrorCodeUnauthenticated, m.Error.Code)
	assert.Equal(t, "x", m.Error.InvocationId)
	assert.Equal(t, []string{relay.ErrUnauthorized.Error()}, m.Error.Params)

	// the connection stays usable
	registerUser(t, c, 1, 10)
}

func TestInvalidArguments(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	send(t, c, &wire.ClientMsg{RegisterUser: &wire.RegisterUserReq{EventId: 0, UserId: -1}})
	m := recv(t, c)
	require.NotNil(t, m.Error)
	assert.EqualValues(t, ErrorCodeInvalidArguments, m.Error.Code)
	assert.Len(t, m.Error.Params, 2)

	registerUser(t, c, 1, 10)
	send(t, c, &wire.ClientMsg{DeleteUnReadMessages: &wire.DeleteUnReadMessagesReq{Ids: []int64{1, 0}}})
	m = recv(t, c)
	require.NotNil(t, m.Error)
	assert.EqualValues(t, ErrorCodeInvalidArguments, m.Error.Code)
}

func TestMalformedFrameClosesSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	m := recv(t, c)
	require.NotNil(t, m.Error)
	assert.EqualValues(t, ErrorCodeInvalidArguments, m.Error.Code)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "err: %v", err)

	assert.Eventually(t, func() bool { return env.hub.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestDisconnectUnregistersPresence(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	registerUser(t, c, 1, 10)
	assert.Equal(t, relay.Stats{OnlineUsers: 1, Connections: 1}, env.core.Stats())

	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool { return !env.core.IsOnline(10) }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return env.hub.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, relay.Stats{}, env.core.Stats())
}

func TestHubRunClosesSessions(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	registerUser(t, c, 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{}, 1)
	go env.hub.Run(ctx, stopped)
	cancel()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("hub did not stop")
	}

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err: %v", err)
	assert.False(t, env.core.IsOnline(10))

	resp, err := http.Get(env.srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/Chat", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", getRemoteIP(r))

	r.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	assert.Equal(t, "2.2.2.2", getRemoteIP(r))

	r.Header.Set("X-Real-IP", "3.3.3.3")
	assert.Equal(t, "3.3.3.3", getRemoteIP(r))
}
