package poll

import (
	"sync"
	"time"
)

type member struct {
	SessionID string
	PlayerID  string
}

// presence remembers when each polling player was last heard from.
type presence struct {
	mu   sync.Mutex
	seen map[member]time.Time
}

func newPresence() *presence {
	return &presence{seen: make(map[member]time.Time)}
}

func (p *presence) touch(sessionID, playerID string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[member{sessionID, playerID}] = now
}

func (p *presence) forget(sessionID, playerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, member{sessionID, playerID})
}

// expire removes and returns every member not seen within timeout.
func (p *presence) expire(now time.Time, timeout time.Duration) []member {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []member
	for m, at := range p.seen {
		if now.Sub(at) > timeout {
			out = append(out, m)
			delete(p.seen, m)
		}
	}
	return out
}
