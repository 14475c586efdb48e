// Package wire defines the JSON frames exchanged with websocket clients.
//
// Every frame carries exactly one non-nil payload field, the rest are omitted.
package wire

// ClientMsg is a frame sent by a client.
type ClientMsg struct {
	// InvocationId is echoed back in the Completion or Error answering this frame.
	InvocationId string `json:"invocation_id,omitempty"`

	RegisterUser         *RegisterUserReq         `json:"register_user,omitempty"`
	SendMessage          *SendMessageReq          `json:"send_message,omitempty"`
	DeleteUnReadMessages *DeleteUnReadMessagesReq `json:"delete_unread_messages,omitempty"`
}

type RegisterUserReq struct {
	EventId int64 `json:"event_id"`
	UserId  int64 `json:"user_id"`
}

type SendMessageReq struct {
	EventId    int64  `json:"event_id"`
	ReceiverId int64  `json:"receiver_id"`
	Text       string `json:"text"`
}

type DeleteUnReadMessagesReq struct {
	Ids []int64 `json:"ids"`
}

// ServerMsg is a frame sent to a client.
type ServerMsg struct {
	ReceiveMessage            *ReceiveMessage     `json:"receive_message,omitempty"`
	UnreadMessageCountForUser *UnreadMessageCount `json:"unread_message_count_for_user,omitempty"`
	Completion                *Completion         `json:"completion,omitempty"`
	Error                     *Error              `json:"error,omitempty"`
}

// ReceiveMessage is emitted to the receiver's and the sender's channels.
type ReceiveMessage struct {
	EventId    int64  `json:"event_id"`
	SenderId   int64  `json:"sender_id"`
	ReceiverId int64  `json:"receiver_id"`
	Text       string `json:"text"`
	MessageId  int64  `json:"message_id"`
}

// UnreadMessageCount is the number of unread messages from SenderId to ReceiverId.
type UnreadMessageCount struct {
	EventId    int64 `json:"event_id"`
	SenderId   int64 `json:"sender_id"`
	ReceiverId int64 `json:"receiver_id"`
	Count      int   `json:"count"`
}

// Completion acknowledges a successful invocation.
type Completion struct {
	InvocationId string `json:"invocation_id,omitempty"`
	MessageId    int64  `json:"message_id,omitempty"`
	Changed      int    `json:"changed,omitempty"`
}

type Error struct {
	InvocationId string     `json:"invocation_id,omitempty"`
	Code         int32      `json:"code"`
	Params       []string   `json:"params,omitempty"`
	Req          *ClientMsg `json:"req,omitempty"`
}
