package ws

import (
	"sync"
)

// memory handler store for local sessions.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
	closed   bool
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true
	}
	return false
}

// add returns false once the store is closed.
func (hs *HandlerStore) add(handler *Handler) bool {
	hs.Lock()
	defer hs.Unlock()
	if hs.closed {
		return false
	}
	hs.handlers[handler.info.Sid] = handler
	return true
}

func (hs *HandlerStore) len() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

// close closes every handler with ServerStop, which does not call back into
// the store, empties the store and refuses later adds.
func (hs *HandlerStore) close() {
	hs.Lock()
	hs.closed = true
	handlers := hs.handlers
	hs.handlers = make(map[string]*Handler)
	hs.Unlock()

	for _, h := range handlers {
		h.close(ServerStop)
	}
}
