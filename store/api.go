package store

import (
	"context"
	"time"
)

// Message is a chat message between two users of an event.
// It is immutable once created except for the read flag.
type Message struct {
	Id          int64     `json:"Id"`
	EventId     int64     `json:"EventId"`
	SenderId    int64     `json:"SenderId"`
	ReceiverId  int64     `json:"ReceiverId"`
	MessageText string    `json:"MessageText"`
	Timestamp   time.Time `json:"Timestamp"`
	IsRead      bool      `json:"IsRead"`
}

// Conversation summarizes the messages exchanged with one counterpart.
type Conversation struct {
	UserId          int64     `json:"UserId"`
	LastMessage     string    `json:"LastMessage"`
	LastMessageTime time.Time `json:"LastMessageTime"`
	LastMessageId   int64     `json:"-"`
	UnreadCount     int       `json:"UnreadCount"`
}

// UnreadCount is the number of unread messages sent by UserId.
type UnreadCount struct {
	UserId int64 `json:"UserId"`
	Count  int   `json:"Count"`
}

// IMessageStore is the ordered, append-only message record.
// Ids start at 1, are assigned in Append order and never reused.
type IMessageStore interface {
	// Append assigns the next id and the current time, and stores an unread message.
	Append(ctx context.Context, eventId, senderId, receiverId int64, text string) (*Message, error)

	// MarkRead marks as read every message in ids whose receiver is receiverId.
	// Messages of other receivers are skipped. Returns the messages that changed.
	MarkRead(ctx context.Context, ids []int64, receiverId int64) ([]*Message, error)

	// CountUnread counts unread messages of the (eventId, senderId, receiverId) triple.
	CountUnread(ctx context.Context, eventId, senderId, receiverId int64) (int, error)

	// UnreadBySender counts unread messages to receiverId grouped by sender, order by sender ASC.
	UnreadBySender(ctx context.Context, eventId, receiverId int64) ([]*UnreadCount, error)

	// Since gets messages between userA and userB with id > afterId, order by id ASC.
	Since(ctx context.Context, eventId, userA, userB, afterId int64) ([]*Message, error)

	// History gets messages involving userId, or only those exchanged with otherUserId
	// when it is not nil, order by id ASC.
	History(ctx context.Context, eventId, userId int64, otherUserId *int64) ([]*Message, error)

	// Conversations gets one summary per counterpart of userId, most recent first.
	Conversations(ctx context.Context, eventId, userId int64) ([]*Conversation, error)

	Close() error
}
