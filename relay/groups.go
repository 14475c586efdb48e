package relay

import (
	"fmt"

	"github.com/mqy/minichat/wire"
)

// Conn is the transport side of a session.
type Conn interface {
	Sid() string
	// Deliver queues m without blocking. It returns false if the frame was
	// dropped because the connection is closed or can't keep up.
	Deliver(m *wire.ServerMsg) bool
}

func EventChannel(eventId int64) string {
	return fmt.Sprintf("event:%d", eventId)
}

func UserChannel(userId int64) string {
	return fmt.Sprintf("user:%d", userId)
}

// Groups maps channel names to member connections, keyed by session id.
// Like Presence it relies on Core for serialization.
type Groups struct {
	groups map[string]map[string]Conn
}

func NewGroups() *Groups {
	return &Groups{groups: make(map[string]map[string]Conn)}
}

func (g *Groups) Join(name string, c Conn) {
	members, ok := g.groups[name]
	if !ok {
		members = make(map[string]Conn)
		g.groups[name] = members
	}
	members[c.Sid()] = c
}

func (g *Groups) Leave(name, sid string) {
	members, ok := g.groups[name]
	if !ok {
		return
	}
	delete(members, sid)
	if len(members) == 0 {
		delete(g.groups, name)
	}
}

// Members returns the union of the named channels, each connection once.
func (g *Groups) Members(names ...string) []Conn {
	seen := make(map[string]bool)
	var out []Conn
	for _, name := range names {
		for sid, c := range g.groups[name] {
			if seen[sid] {
				continue
			}
			seen[sid] = true
			out = append(out, c)
		}
	}
	return out
}

func (g *Groups) size(name string) int {
	return len(g.groups[name])
}
