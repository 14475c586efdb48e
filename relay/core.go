// Package relay routes messages between registered sessions, keeps presence
// and unread counters, and falls back to push for offline receivers.
package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/push"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

const DefaultPushTimeout = 5 * time.Second

type Options struct {
	// PushTimeout bounds one notification attempt.
	PushTimeout time.Duration
	// EmitReadCounts makes DeleteUnReadMessages emit the recomputed unread
	// counts to the reader's own channel.
	EmitReadCounts bool
}

type Stats struct {
	OnlineUsers int `json:"online_users"`
	Connections int `json:"connections"`
}

// Core is the single serialization point: mu guards message append, read
// flags, presence, group membership and the enqueue of broadcast frames, so
// every connection sees the messages of a conversation in id order.
type Core struct {
	mu       sync.Mutex
	store    store.IMessageStore
	presence *Presence
	groups   *Groups
	conns    int

	tokens   push.TokenStore
	notifier push.Notifier
	opts     Options
}

// NewCore creates a core. notifier may be nil, in which case offline
// receivers are not notified.
func NewCore(s store.IMessageStore, tokens push.TokenStore, notifier push.Notifier, opts Options) *Core {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = DefaultPushTimeout
	}
	return &Core{
		store:    s,
		presence: NewPresence(),
		groups:   NewGroups(),
		tokens:   tokens,
		notifier: notifier,
		opts:     opts,
	}
}

// Connect creates the session of a new connection.
func (c *Core) Connect(conn Conn) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conns++
	metrics.Connections.Set(float64(c.conns))
	return &Session{conn: conn}
}

// Disconnect is idempotent. It unregisters the last registered identity.
func (c *Core) Disconnect(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sess.state == Disconnected {
		return
	}
	if sess.state == Registered {
		c.leaveLocked(sess)
	}
	sess.state = Disconnected

	c.conns--
	metrics.Connections.Set(float64(c.conns))
	glog.V(5).Infof("session disconnected, sid: %s", sess.Sid())
}

// RegisterUser binds the session to (eventId, userId). Registering the same
// identity again is a no-op; a different identity replaces the old one.
func (c *Core) RegisterUser(sess *Session, eventId, userId int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch sess.state {
	case Disconnected:
		return ErrDisconnected
	case Registered:
		if sess.eventId == eventId && sess.userId == userId {
			return nil
		}
		c.leaveLocked(sess)
	}

	sess.state = Registered
	sess.eventId = eventId
	sess.userId = userId
	c.groups.Join(EventChannel(eventId), sess.conn)
	c.groups.Join(UserChannel(userId), sess.conn)
	n := c.presence.Register(userId)
	metrics.OnlineUsers.Set(float64(c.presence.Len()))

	glog.V(5).Infof("registered sid: %s, event: %d, user: %d, conns: %d", sess.Sid(), eventId, userId, n)
	return nil
}

// leaveLocked drops the session's channels and presence entry.
func (c *Core) leaveLocked(sess *Session) {
	c.groups.Leave(EventChannel(sess.eventId), sess.Sid())
	c.groups.Leave(UserChannel(sess.userId), sess.Sid())
	c.presence.Unregister(sess.userId)
	metrics.OnlineUsers.Set(float64(c.presence.Len()))
}

// identity returns the state of sess and its registered identity.
func (c *Core) identity(sess *Session) (state SessionState, eventId, userId int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sess.state, sess.eventId, sess.userId
}

// SendMessage sends text from the session's user to receiverId.
func (c *Core) SendMessage(ctx context.Context, sess *Session, eventId, receiverId int64, text string) (*store.Message, error) {
	c.mu.Lock()
	if err := sess.authorized(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	m, offline, err := c.routeLocked(ctx, eventId, sess.userId, receiverId, text)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues(metrics.SourceSession).Inc()
	if offline {
		c.notifyOffline(m)
	}
	return m, nil
}

// Publish routes a message on behalf of senderId, without a session.
func (c *Core) Publish(ctx context.Context, eventId, senderId, receiverId int64, text string) (*store.Message, error) {
	c.mu.Lock()
	m, offline, err := c.routeLocked(ctx, eventId, senderId, receiverId, text)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues(metrics.SourceIngest).Inc()
	if offline {
		c.notifyOffline(m)
	}
	return m, nil
}

// routeLocked appends the message, emits it to both parties and emits the
// receiver's new unread count. It reports whether the receiver is offline.
func (c *Core) routeLocked(ctx context.Context, eventId, senderId, receiverId int64, text string) (*store.Message, bool, error) {
	m, err := c.store.Append(ctx, eventId, senderId, receiverId, text)
	if err != nil {
		glog.Errorf("append message, event: %d, %d -> %d, err: %v", eventId, senderId, receiverId, err)
		return nil, false, err
	}

	c.broadcastLocked(&wire.ServerMsg{
		ReceiveMessage: &wire.ReceiveMessage{
			EventId:    m.EventId,
			SenderId:   m.SenderId,
			ReceiverId: m.ReceiverId,
			Text:       m.MessageText,
			MessageId:  m.Id,
		},
	}, UserChannel(receiverId), UserChannel(senderId))

	// The message is stored and delivered, a failed count only skips the counter frame.
	if err := c.emitUnreadLocked(ctx, eventId, senderId, receiverId, receiverId); err != nil {
		glog.Errorf("count unread, event: %d, %d -> %d, err: %v", eventId, senderId, receiverId, err)
	}

	return m, !c.presence.IsOnline(receiverId), nil
}

func (c *Core) emitUnreadLocked(ctx context.Context, eventId, senderId, receiverId, toUser int64) error {
	n, err := c.store.CountUnread(ctx, eventId, senderId, receiverId)
	if err != nil {
		return err
	}
	c.broadcastLocked(&wire.ServerMsg{
		UnreadMessageCountForUser: &wire.UnreadMessageCount{
			EventId:    eventId,
			SenderId:   senderId,
			ReceiverId: receiverId,
			Count:      n,
		},
	}, UserChannel(toUser))
	return nil
}

// broadcastLocked delivers m once to every connection in any of the channels.
func (c *Core) broadcastLocked(m *wire.ServerMsg, channels ...string) {
	for _, conn := range c.groups.Members(channels...) {
		if !conn.Deliver(m) {
			glog.V(5).Infof("frame dropped, sid: %s", conn.Sid())
		}
	}
}

// notifyOffline makes one push attempt for m. It must not hold mu.
func (c *Core) notifyOffline(m *store.Message) {
	if c.notifier == nil || c.tokens == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PushTimeout)
	defer cancel()

	token, err := c.tokens.Get(ctx, m.ReceiverId)
	if err != nil {
		glog.Errorf("get push token, uid: %d, err: %v", m.ReceiverId, err)
		return
	}
	if strings.TrimSpace(token) == "" {
		return
	}

	metrics.PushAttempts.Inc()
	title := fmt.Sprintf("New message from %d", m.SenderId)
	data := map[string]string{
		"eventId":    strconv.FormatInt(m.EventId, 10),
		"senderId":   strconv.FormatInt(m.SenderId, 10),
		"receiverId": strconv.FormatInt(m.ReceiverId, 10),
	}
	if err := c.notifier.SendToToken(ctx, token, title, m.MessageText, data); err != nil {
		metrics.PushFailures.Inc()
		glog.Errorf("%v", &push.DeliveryError{UserId: m.ReceiverId, Err: err})
	}
}

// DeleteUnReadMessages marks the session user's messages in ids as read and
// returns how many changed. Messages of other receivers are skipped.
func (c *Core) DeleteUnReadMessages(ctx context.Context, sess *Session, ids []int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := sess.authorized(); err != nil {
		return 0, err
	}

	me := sess.userId
	changed, err := c.store.MarkRead(ctx, ids, me)
	if err != nil {
		glog.Errorf("mark read, uid: %d, err: %v", me, err)
		return 0, err
	}
	metrics.MessagesRead.Add(float64(len(changed)))

	if c.opts.EmitReadCounts {
		type pair struct{ eventId, senderId int64 }
		done := make(map[pair]bool)
		for _, m := range changed {
			p := pair{m.EventId, m.SenderId}
			if done[p] {
				continue
			}
			done[p] = true
			if err := c.emitUnreadLocked(ctx, m.EventId, m.SenderId, me, me); err != nil {
				glog.Errorf("count unread, event: %d, %d -> %d, err: %v", m.EventId, m.SenderId, me, err)
			}
		}
	}
	return len(changed), nil
}

func (c *Core) IsOnline(userId int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence.IsOnline(userId)
}

func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{OnlineUsers: c.presence.Len(), Connections: c.conns}
}

func (c *Core) History(ctx context.Context, eventId, userId int64, otherUserId *int64) ([]*store.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.History(ctx, eventId, userId, otherUserId)
}

func (c *Core) Since(ctx context.Context, eventId, userId, otherUserId, afterId int64) ([]*store.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Since(ctx, eventId, userId, otherUserId, afterId)
}

func (c *Core) Conversations(ctx context.Context, eventId, userId int64) ([]*store.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Conversations(ctx, eventId, userId)
}

func (c *Core) UnreadBySender(ctx context.Context, eventId, userId int64) ([]*store.UnreadCount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.UnreadBySender(ctx, eventId, userId)
}

// RegisterToken records the device token of userId. Tokens have their own lock.
func (c *Core) RegisterToken(ctx context.Context, userId int64, token string) error {
	return c.tokens.Put(ctx, userId, token)
}
