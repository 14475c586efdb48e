package relay

import "errors"

var (
	ErrUnauthorized = errors.New("not registered, call RegisterUser(eventId, userId) first")
	ErrDisconnected = errors.New("session is disconnected")
)

type SessionState int

const (
	Unregistered SessionState = iota
	Registered
	Disconnected
)

func (s SessionState) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registered:
		return "registered"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Session is the per connection state. Fields are guarded by Core.mu.
type Session struct {
	conn    Conn
	state   SessionState
	eventId int64
	userId  int64
}

func (s *Session) Sid() string {
	return s.conn.Sid()
}

// authorized returns the error an operation needing an identity must fail with.
func (s *Session) authorized() error {
	switch s.state {
	case Unregistered:
		return ErrUnauthorized
	case Disconnected:
		return ErrDisconnected
	}
	return nil
}
