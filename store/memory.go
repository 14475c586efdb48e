package store

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps messages in process memory. A restart loses all of them.
// Message ids are dense, so the message with id N is at index N-1.
type memoryStore struct {
	sync.RWMutex
	messages []*Message
	now      func() time.Time
}

func NewMemoryStore() *memoryStore {
	return &memoryStore{now: time.Now}
}

func (s *memoryStore) Append(_ context.Context, eventId, senderId, receiverId int64, text string) (*Message, error) {
	s.Lock()
	defer s.Unlock()

	var last time.Time
	if n := len(s.messages); n > 0 {
		last = s.messages[n-1].Timestamp
	}

	m := &Message{
		Id:          int64(len(s.messages)) + 1,
		EventId:     eventId,
		SenderId:    senderId,
		ReceiverId:  receiverId,
		MessageText: text,
		Timestamp:   nextTimestamp(s.now(), last),
	}
	s.messages = append(s.messages, m)

	out := *m
	return &out, nil
}

func (s *memoryStore) MarkRead(_ context.Context, ids []int64, receiverId int64) ([]*Message, error) {
	s.Lock()
	defer s.Unlock()

	var changed []*Message
	for _, id := range ids {
		m := s.get(id)
		if m == nil || m.ReceiverId != receiverId || m.IsRead {
			continue
		}
		m.IsRead = true
		out := *m
		changed = append(changed, &out)
	}
	return changed, nil
}

func (s *memoryStore) CountUnread(_ context.Context, eventId, senderId, receiverId int64) (int, error) {
	s.RLock()
	defer s.RUnlock()

	var n int
	for _, m := range s.messages {
		if m.EventId == eventId && m.SenderId == senderId && m.ReceiverId == receiverId && !m.IsRead {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) UnreadBySender(_ context.Context, eventId, receiverId int64) ([]*UnreadCount, error) {
	s.RLock()
	defer s.RUnlock()

	counts := make(map[int64]int)
	for _, m := range s.messages {
		if m.EventId == eventId && m.ReceiverId == receiverId && !m.IsRead {
			counts[m.SenderId]++
		}
	}
	return countBySender(counts), nil
}

func (s *memoryStore) Since(_ context.Context, eventId, userA, userB, afterId int64) ([]*Message, error) {
	s.RLock()
	defer s.RUnlock()

	start := afterId
	if start < 0 {
		start = 0
	}

	var out []*Message
	for i := start; i < int64(len(s.messages)); i++ {
		m := s.messages[i]
		if m.EventId == eventId && between(m, userA, userB) {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memoryStore) History(_ context.Context, eventId, userId int64, otherUserId *int64) ([]*Message, error) {
	s.RLock()
	defer s.RUnlock()
	return s.history(eventId, userId, otherUserId), nil
}

func (s *memoryStore) Conversations(_ context.Context, eventId, userId int64) ([]*Conversation, error) {
	s.RLock()
	defer s.RUnlock()
	return summarize(s.history(eventId, userId, nil), userId), nil
}

func (s *memoryStore) Close() error {
	return nil
}

// get returns the stored message, not a copy. Caller must hold the lock.
func (s *memoryStore) get(id int64) *Message {
	if id < 1 || id > int64(len(s.messages)) {
		return nil
	}
	return s.messages[id-1]
}

// history returns copies. Caller must hold the lock.
func (s *memoryStore) history(eventId, userId int64, otherUserId *int64) []*Message {
	var out []*Message
	for _, m := range s.messages {
		if inHistory(m, eventId, userId, otherUserId) {
			c := *m
			out = append(out, &c)
		}
	}
	return out
}
