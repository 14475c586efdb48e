package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/push"
	push_mock "github.com/mqy/minichat/push/mock"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

type fakeConn struct {
	sid string

	mu     sync.Mutex
	frames []*wire.ServerMsg
	full   bool
}

func newFakeConn(sid string) *fakeConn {
	return &fakeConn{sid: sid}
}

func (f *fakeConn) Sid() string {
	return f.sid
}

func (f *fakeConn) Deliver(m *wire.ServerMsg) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.frames = append(f.frames, m)
	return true
}

func (f *fakeConn) received() []*wire.ReceiveMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*wire.ReceiveMessage
	for _, m := range f.frames {
		if m.ReceiveMessage != nil {
			out = append(out, m.ReceiveMessage)
		}
	}
	return out
}

func (f *fakeConn) counts() []*wire.UnreadMessageCount {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*wire.UnreadMessageCount
	for _, m := range f.frames {
		if m.UnreadMessageCountForUser != nil {
			out = append(out, m.UnreadMessageCountForUser)
		}
	}
	return out
}

func newTestCore(notifier push.Notifier, opts Options) (*Core, *push.MemoryTokens) {
	tokens := push.NewMemoryTokens()
	return NewCore(store.NewMemoryStore(), tokens, notifier, opts), tokens
}

func register(t *testing.T, c *Core, sid string, eventId, userId int64) (*fakeConn, *Session) {
	conn := newFakeConn(sid)
	sess := c.Connect(conn)
	require.NoError(t, c.RegisterUser(sess, eventId, userId))
	return conn, sess
}

func TestSendMessageToOnlineUser(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// no push for an online receiver
	notifier := push_mock.NewMockNotifier(ctrl)
	c, tokens := newTestCore(notifier, Options{})
	require.NoError(t, tokens.Put(context.Background(), 20, "tok-20"))

	senderConn, sender := register(t, c, "s1", 1, 10)
	receiverConn, _ := register(t, c, "s2", 1, 20)

	m, err := c.SendMessage(context.Background(), sender, 1, 20, "hi")
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Id)

	want := &wire.ReceiveMessage{EventId: 1, SenderId: 10, ReceiverId: 20, Text: "hi", MessageId: 1}
	assert.Equal(t, []*wire.ReceiveMessage{want}, receiverConn.received())
	assert.Equal(t, []*wire.ReceiveMessage{want}, senderConn.received())

	assert.Equal(t, []*wire.UnreadMessageCount{{EventId: 1, SenderId: 10, ReceiverId: 20, Count: 1}}, receiverConn.counts())
	assert.Empty(t, senderConn.counts())

	// receive_message comes before the counter
	require.Len(t, receiverConn.frames, 2)
	assert.NotNil(t, receiverConn.frames[0].ReceiveMessage)
	assert.NotNil(t, receiverConn.frames[1].UnreadMessageCountForUser)
}

func TestSelfMessageDeliveredOnce(t *testing.T) {
	c, _ := newTestCore(nil, Options{})
	conn, sess := register(t, c, "s1", 1, 10)

	_, err := c.SendMessage(context.Background(), sess, 1, 10, "note to self")
	require.NoError(t, err)

	assert.Len(t, conn.received(), 1)
	assert.Equal(t, []*wire.UnreadMessageCount{{EventId: 1, SenderId: 10, ReceiverId: 10, Count: 1}}, conn.counts())
}

func TestAllConnectionsOfUserReceive(t *testing.T) {
	c, _ := newTestCore(nil, Options{})
	_, sender := register(t, c, "s1", 1, 10)
	phone, _ := register(t, c, "s2", 1, 20)
	laptop, _ := register(t, c, "s3", 1, 20)
	other, _ := register(t, c, "s4", 1, 30)

	_, err := c.SendMessage(context.Background(), sender, 1, 20, "hi")
	require.NoError(t, err)

	assert.Len(t, phone.received(), 1)
	assert.Len(t, laptop.received(), 1)
	assert.Empty(t, other.frames)
}

func TestUnregisteredSession(t *testing.T) {
	c, _ := newTestCore(nil, Options{})
	sess := c.Connect(newFakeConn("s1"))

	_, err := c.SendMessage(context.Background(), sess, 1, 20, "hi")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.DeleteUnReadMessages(context.Background(), sess, []int64{1})
	assert.ErrorIs(t, err, ErrUnauthorized)

	history, err := c.History(context.Background(), 1, 20, nil)
	require.NoError(t, err)
	assert.Empty(t, history, "nothing may be stored")
}

func TestDisconnectedSession(t *testing.T) {
	c, _ := newTestCore(nil, Options{})
	_, sess := register(t, c, "s1", 1, 10)

	c.Disconnect(sess)
	c.Disconnect(sess)

	assert.False(t, c.IsOnline(10))
	assert.Equal(t, Stats{}, c.Stats())

	_, err := c.SendMessage(context.Background(), sess, 1, 20, "hi")
	assert.ErrorIs(t, err, ErrDisconnected)
	_, err = c.DeleteUnReadMessages(context.Background(), sess, nil)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, c.RegisterUser(sess, 1, 10), ErrDisconnected)

	state, _, _ := c.identity(sess)
	assert.Equal(t, Disconnected, state)
}

func TestPresenceCounting(t *testing.T) {
	c, _ := newTestCore(nil, Options{})

	const n = 5
	var sessions []*Session
	for i := 0; i < n; i++ {
		_, sess := register(t, c, fmt.Sprintf("s%d", i), 1, 10)
		sessions = append(sessions, sess)
	}
	assert.True(t, c.IsOnline(10))
	assert.Equal(t, Stats{OnlineUsers: 1, Connections: n}, c.Stats())

	for i, sess := range sessions {
		assert.True(t, c.IsOnline(10), "still online before disconnect %d", i)
		c.Disconnect(sess)
	}
	assert.False(t, c.IsOnline(10))
	assert.Equal(t, Stats{}, c.Stats())
}

func TestReRegister(t *testing.T) {
	c, _ := newTestCore(nil, Options{})
	conn, sess := register(t, c, "s1", 1, 10)

	require.NoError(t, c.RegisterUser(sess, 1, 10))
	assert.Equal(t, Stats{OnlineUsers: 1, Connections: 1}, c.Stats())

	require.NoError(t, c.RegisterUser(sess, 2, 11))
	assert.False(t, c.IsOnline(10))
	assert.True(t, c.IsOnline(11))
	assert.Equal(t, 0, c.groups.size(UserChannel(10)))
	assert.Equal(t, 0, c.groups.size(EventChannel(1)))

	_, sender := register(t, c, "s2", 2, 30)
	_, err := c.SendMessage(context.Background(), sender, 2, 10, "to old identity")
	require.NoError(t, err)
	assert.Empty(t, conn.received())

	state, eventId, userId := c.identity(sess)
	assert.Equal(t, Registered, state)
	assert.EqualValues(t, 2, eventId)
	assert.EqualValues(t, 11, userId)

	c.Disconnect(sess)
	assert.False(t, c.IsOnline(11))
}

func TestOfflinePush(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	notifier := push_mock.NewMockNotifier(ctrl)
	c, tokens := newTestCore(notifier, Options{})
	require.NoError(t, tokens.Put(context.Background(), 20, "tok-20"))

	_, sender := register(t, c, "s1", 1, 10)
	_, receiver := register(t, c, "s2", 1, 20)
	require.True(t, c.IsOnline(20))

	c.Disconnect(receiver)
	require.False(t, c.IsOnline(20))

	notifier.EXPECT().SendToToken(gomock.Any(), "tok-20", "New message from 10", "ping", map[string]string{
		"eventId":    "1",
		"senderId":   "10",
		"receiverId": "20",
	}).Return(nil).Times(1)

	m, err := c.SendMessage(context.Background(), sender, 1, 20, "ping")
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Id)
}

func TestOfflinePushSkipsBlankToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// any call fails the test
	notifier := push_mock.NewMockNotifier(ctrl)
	c, _ := newTestCore(notifier, Options{})
	require.NoError(t, c.RegisterToken(context.Background(), 20, "   "))
	require.NoError(t, c.RegisterToken(context.Background(), 30, "\t\n"))

	_, sender := register(t, c, "s1", 1, 10)

	_, err := c.SendMessage(context.Background(), sender, 1, 20, "ping")
	require.NoError(t, err)
	_, err = c.SendMessage(context.Background(), sender, 1, 30, "ping")
	require.NoError(t, err)
}

func TestOfflinePushFailureIsSwallowed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	notifier := push_mock.NewMockNotifier(ctrl)
	c, tokens := newTestCore(notifier, Options{})
	require.NoError(t, tokens.Put(context.Background(), 20, "tok-20"))

	senderConn, sender := register(t, c, "s1", 1, 10)

	notifier.EXPECT().SendToToken(gomock.Any(), "tok-20", gomock.Any(), gomock.Any(), gomock.Any()).
		Return(errors.New("fcm down")).Times(1)

	m, err := c.SendMessage(context.Background(), sender, 1, 20, "ping")
	require.NoError(t, err)
	assert.Len(t, senderConn.received(), 1)

	n, err := c.store.CountUnread(context.Background(), 1, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	since, err := c.Since(context.Background(), 1, 20, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{m.Id}, []int64{since[0].Id})
}

func TestNoPushWithoutToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// any call fails the test
	notifier := push_mock.NewMockNotifier(ctrl)
	c, _ := newTestCore(notifier, Options{})
	_, sender := register(t, c, "s1", 1, 10)

	_, err := c.SendMessage(context.Background(), sender, 1, 20, "ping")
	require.NoError(t, err)
}

func TestTokenStoreErrorSkipsPush(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	notifier := push_mock.NewMockNotifier(ctrl)
	tokens := push_mock.NewMockTokenStore(ctrl)
	tokens.EXPECT().Get(gomock.Any(), int64(20)).Return("", errors.New("redis down")).Times(1)

	c := NewCore(store.NewMemoryStore(), tokens, notifier, Options{})
	_, sender := register(t, c, "s1", 1, 10)

	_, err := c.SendMessage(context.Background(), sender, 1, 20, "ping")
	require.NoError(t, err)
}

func TestPublish(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	notifier := push_mock.NewMockNotifier(ctrl)
	c, tokens := newTestCore(notifier, Options{})
	require.NoError(t, c.RegisterToken(context.Background(), 30, "tok-30"))
	tok, _ := tokens.Get(context.Background(), 30)
	require.Equal(t, "tok-30", tok)

	receiverConn, _ := register(t, c, "s1", 1, 20)

	m, err := c.Publish(context.Background(), 1, 99, 20, "from backend")
	require.NoError(t, err)
	assert.Equal(t, []*wire.ReceiveMessage{{EventId: 1, SenderId: 99, ReceiverId: 20, Text: "from backend", MessageId: m.Id}},
		receiverConn.received())

	notifier.EXPECT().SendToToken(gomock.Any(), "tok-30", "New message from 99", "offline", gomock.Any()).Return(nil)
	_, err = c.Publish(context.Background(), 1, 99, 30, "offline")
	require.NoError(t, err)
}

func TestDeleteUnReadMessages(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCore(nil, Options{})

	_, alice := register(t, c, "s1", 1, 10)
	bobConn, bob := register(t, c, "s2", 1, 20)

	m1, err := c.SendMessage(ctx, alice, 1, 20, "one")
	require.NoError(t, err)
	m2, err := c.SendMessage(ctx, bob, 1, 10, "two")
	require.NoError(t, err)

	// m2 was received by alice, bob can't mark it.
	changed, err := c.DeleteUnReadMessages(ctx, bob, []int64{m1.Id, m2.Id})
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	n, _ := c.store.CountUnread(ctx, 1, 10, 20)
	assert.Equal(t, 0, n)
	n, _ = c.store.CountUnread(ctx, 1, 20, 10)
	assert.Equal(t, 1, n)

	// no counter emitted without EmitReadCounts
	counts := bobConn.counts()
	require.Len(t, counts, 1)
	assert.Equal(t, 1, counts[0].Count)

	changed, err = c.DeleteUnReadMessages(ctx, bob, []int64{m1.Id})
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

func TestDeleteUnReadMessagesEmitsCounts(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCore(nil, Options{EmitReadCounts: true})

	_, alice := register(t, c, "s1", 1, 10)
	bobConn, bob := register(t, c, "s2", 1, 20)

	m1, _ := c.SendMessage(ctx, alice, 1, 20, "one")
	_, _ = c.SendMessage(ctx, alice, 1, 20, "two")

	changed, err := c.DeleteUnReadMessages(ctx, bob, []int64{m1.Id})
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	counts := bobConn.counts()
	require.Len(t, counts, 3)
	assert.Equal(t, &wire.UnreadMessageCount{EventId: 1, SenderId: 10, ReceiverId: 20, Count: 1}, counts[2])
}

func TestBroadcastOrder(t *testing.T) {
	c, _ := newTestCore(nil, Options{})
	receiverConn, _ := register(t, c, "r", 1, 20)

	const senders, perSender = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		_, sess := register(t, c, fmt.Sprintf("s%d", i), 1, int64(100+i))
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			for k := 0; k < perSender; k++ {
				_, err := c.SendMessage(context.Background(), sess, 1, 20, "x")
				assert.NoError(t, err)
			}
		}(sess)
	}
	wg.Wait()

	got := receiverConn.received()
	require.Len(t, got, senders*perSender)
	for i, m := range got {
		assert.EqualValues(t, i+1, m.MessageId)
	}
}

func TestSlowConsumerDoesNotBlock(t *testing.T) {
	c, _ := newTestCore(nil, Options{})
	_, sender := register(t, c, "s1", 1, 10)
	slow, _ := register(t, c, "s2", 1, 20)
	slow.full = true

	_, err := c.SendMessage(context.Background(), sender, 1, 20, "hi")
	require.NoError(t, err)
	assert.Empty(t, slow.received())
}

type failingStore struct {
	store.IMessageStore
}

func (failingStore) Append(context.Context, int64, int64, int64, string) (*store.Message, error) {
	return nil, errors.New("disk full")
}

func TestAppendError(t *testing.T) {
	c := NewCore(failingStore{store.NewMemoryStore()}, push.NewMemoryTokens(), nil, Options{})
	conn, sess := register(t, c, "s1", 1, 10)

	_, err := c.SendMessage(context.Background(), sess, 1, 10, "hi")
	assert.Error(t, err)
	assert.Empty(t, conn.frames)
}
