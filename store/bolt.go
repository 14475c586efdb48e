package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var messagesBucket = []byte("messages")

// boltStore keeps messages in a bbolt file, keyed by big endian id so that
// cursor order is id order. The bucket sequence is the id generator.
type boltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBoltStore(path string) (*boltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt create bucket: %w", err)
	}
	return &boltStore{db: db, now: time.Now}, nil
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func (s *boltStore) Append(_ context.Context, eventId, senderId, receiverId int64, text string) (*Message, error) {
	m := &Message{
		EventId:     eventId,
		SenderId:    senderId,
		ReceiverId:  receiverId,
		MessageText: text,
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket)

		var last time.Time
		if _, v := b.Cursor().Last(); v != nil {
			var prev Message
			if err := json.Unmarshal(v, &prev); err != nil {
				return err
			}
			last = prev.Timestamp
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		m.Id = int64(seq)
		m.Timestamp = nextTimestamp(s.now(), last)
		return put(b, m)
	}); err != nil {
		glog.Errorf("bolt append err: %v", err)
		return nil, fmt.Errorf("append: %w", err)
	}
	return m, nil
}

func (s *boltStore) MarkRead(_ context.Context, ids []int64, receiverId int64) ([]*Message, error) {
	var changed []*Message
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		for _, id := range ids {
			v := b.Get(itob(id))
			if v == nil {
				continue
			}
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.ReceiverId != receiverId || m.IsRead {
				continue
			}
			m.IsRead = true
			if err := put(b, &m); err != nil {
				return err
			}
			changed = append(changed, &m)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return changed, nil
}

func (s *boltStore) CountUnread(_ context.Context, eventId, senderId, receiverId int64) (int, error) {
	var n int
	err := s.scan(0, func(m *Message) {
		if m.EventId == eventId && m.SenderId == senderId && m.ReceiverId == receiverId && !m.IsRead {
			n++
		}
	})
	return n, err
}

func (s *boltStore) UnreadBySender(_ context.Context, eventId, receiverId int64) ([]*UnreadCount, error) {
	counts := make(map[int64]int)
	if err := s.scan(0, func(m *Message) {
		if m.EventId == eventId && m.ReceiverId == receiverId && !m.IsRead {
			counts[m.SenderId]++
		}
	}); err != nil {
		return nil, err
	}
	return countBySender(counts), nil
}

func (s *boltStore) Since(_ context.Context, eventId, userA, userB, afterId int64) ([]*Message, error) {
	var out []*Message
	err := s.scan(afterId, func(m *Message) {
		if m.EventId == eventId && between(m, userA, userB) {
			out = append(out, m)
		}
	})
	return out, err
}

func (s *boltStore) History(_ context.Context, eventId, userId int64, otherUserId *int64) ([]*Message, error) {
	var out []*Message
	err := s.scan(0, func(m *Message) {
		if inHistory(m, eventId, userId, otherUserId) {
			out = append(out, m)
		}
	})
	return out, err
}

func (s *boltStore) Conversations(ctx context.Context, eventId, userId int64) ([]*Conversation, error) {
	msgs, err := s.History(ctx, eventId, userId, nil)
	if err != nil {
		return nil, err
	}
	return summarize(msgs, userId), nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

// scan visits messages with id > afterId in id order, in one read transaction.
func (s *boltStore) scan(afterId int64, visit func(m *Message)) error {
	if afterId < 0 {
		afterId = 0
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(messagesBucket).Cursor()
		for k, v := c.Seek(itob(afterId + 1)); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				glog.Errorf("bolt decode message %x err: %v", k, err)
				return err
			}
			visit(&m)
		}
		return nil
	})
}

func put(b *bbolt.Bucket, m *Message) error {
	v, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.Put(itob(m.Id), v)
}
