package store

import (
	"sort"
	"time"
)

// involves reports whether m was sent or received by uid.
func involves(m *Message, uid int64) bool {
	return m.SenderId == uid || m.ReceiverId == uid
}

// between reports whether m was exchanged by a and b, in either direction.
func between(m *Message, a, b int64) bool {
	return (m.SenderId == a && m.ReceiverId == b) || (m.SenderId == b && m.ReceiverId == a)
}

// inHistory is the History filter.
func inHistory(m *Message, eventId, uid int64, other *int64) bool {
	if m.EventId != eventId {
		return false
	}
	if other == nil {
		return involves(m, uid)
	}
	return between(m, uid, *other)
}

// counterpart returns the other side of m as seen by uid.
func counterpart(m *Message, uid int64) int64 {
	if m.SenderId == uid {
		return m.ReceiverId
	}
	return m.SenderId
}

// summarize groups messages of uid by counterpart. msgs must all involve uid.
func summarize(msgs []*Message, uid int64) []*Conversation {
	byUser := make(map[int64]*Conversation)
	for _, m := range msgs {
		other := counterpart(m, uid)
		c, ok := byUser[other]
		if !ok {
			c = &Conversation{UserId: other}
			byUser[other] = c
		}
		if m.Id > c.LastMessageId {
			c.LastMessageId = m.Id
			c.LastMessage = m.MessageText
			c.LastMessageTime = m.Timestamp
		}
		if m.ReceiverId == uid && m.SenderId == other && !m.IsRead {
			c.UnreadCount++
		}
	}

	out := make([]*Conversation, 0, len(byUser))
	for _, c := range byUser {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].LastMessageId > out[j].LastMessageId
	})
	return out
}

// countBySender builds UnreadBySender output from a sender -> count map.
func countBySender(counts map[int64]int) []*UnreadCount {
	out := make([]*UnreadCount, 0, len(counts))
	for uid, n := range counts {
		out = append(out, &UnreadCount{UserId: uid, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out
}

// nextTimestamp returns now in UTC, clamped to be not before last.
func nextTimestamp(now, last time.Time) time.Time {
	now = now.UTC()
	if now.Before(last) {
		return last
	}
	return now
}
