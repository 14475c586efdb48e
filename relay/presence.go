package relay

// Presence counts live registered connections per user. A user without an
// entry is offline. Presence has no lock of its own, Core serializes access.
type Presence struct {
	counts map[int64]int
}

func NewPresence() *Presence {
	return &Presence{counts: make(map[int64]int)}
}

// Register returns the new connection count of uid.
func (p *Presence) Register(uid int64) int {
	p.counts[uid]++
	return p.counts[uid]
}

// Unregister returns the remaining connection count of uid, never below 0.
func (p *Presence) Unregister(uid int64) int {
	n, ok := p.counts[uid]
	if !ok {
		return 0
	}
	if n <= 1 {
		delete(p.counts, uid)
		return 0
	}
	p.counts[uid] = n - 1
	return n - 1
}

func (p *Presence) IsOnline(uid int64) bool {
	return p.counts[uid] >= 1
}

// Len returns the number of online users.
func (p *Presence) Len() int {
	return len(p.counts)
}
