// Package push delivers out-of-band notifications to users without a live connection.
package push

import (
	"context"
	"fmt"
	"sync"
)

//go:generate mockgen -destination mock/mock_push.go github.com/mqy/minichat/push Notifier,TokenStore

// Notifier sends one notification to one device token.
type Notifier interface {
	SendToToken(ctx context.Context, token, title, body string, data map[string]string) error
}

// TokenStore maps a user to the most recently registered device token.
type TokenStore interface {
	Put(ctx context.Context, userId int64, token string) error
	// Get returns "" if the user has no token.
	Get(ctx context.Context, userId int64) (string, error)
}

// DeliveryError is a failed notification for UserId. It is logged and counted
// by the caller, never returned to the sender of the message.
type DeliveryError struct {
	UserId int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("push to user %d: %v", e.UserId, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// MemoryTokens is a process local TokenStore, last write wins.
type MemoryTokens struct {
	sync.RWMutex
	tokens map[int64]string
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{tokens: make(map[int64]string)}
}

func (m *MemoryTokens) Put(_ context.Context, userId int64, token string) error {
	m.Lock()
	m.tokens[userId] = token
	m.Unlock()
	return nil
}

func (m *MemoryTokens) Get(_ context.Context, userId int64) (string, error) {
	m.RLock()
	defer m.RUnlock()
	return m.tokens[userId], nil
}
