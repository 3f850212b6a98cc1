package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is one live client connection. Send must not block; Close is
// safe to call more than once.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

// Binding ties a connection to a player in a session.
type Binding struct {
	SessionID string
	PlayerID  string
}

type connection struct {
	id        string
	transport Transport
	binding   Binding
	bound     bool
	alive     bool
	lastPing  time.Time
}

// Registry tracks live connections and their session bindings.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*connection
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*connection), now: time.Now}
}

// Register adds an unbound connection and returns its id.
func (r *Registry) Register(t Transport) string {
	id := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connection{id: id, transport: t, alive: true, lastPing: r.now()}
	return id
}

// Bind replaces any prior binding of the connection and returns it.
func (r *Registry) Bind(id, sessionID, playerID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	if c == nil {
		return Binding{}, false
	}
	prev, had := c.binding, c.bound
	c.binding = Binding{SessionID: sessionID, PlayerID: playerID}
	c.bound = true
	return prev, had
}

func (r *Registry) Unbind(id string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	if c == nil || !c.bound {
		return Binding{}, false
	}
	b := c.binding
	c.binding, c.bound = Binding{}, false
	return b, true
}

// Remove forgets the connection and returns the binding it held, if any.
func (r *Registry) Remove(id string) (Transport, Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	if c == nil {
		return nil, Binding{}, false
	}
	delete(r.conns, id)
	return c.transport, c.binding, c.bound
}

func (r *Registry) Binding(id string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	if c == nil || !c.bound {
		return Binding{}, false
	}
	return c.binding, true
}

// HasPlayer reports whether any connection other than except is bound to
// the player in the session.
func (r *Registry) HasPlayer(sessionID, playerID, except string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		if id != except && c.bound && c.binding.SessionID == sessionID && c.binding.PlayerID == playerID {
			return true
		}
	}
	return false
}

// Touch records a liveness pulse.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.conns[id]; c != nil {
		c.alive = true
		c.lastPing = r.now()
	}
}

// Send delivers payload to a single connection.
func (r *Registry) Send(id string, payload []byte) error {
	r.mu.Lock()
	c := r.conns[id]
	r.mu.Unlock()
	if c == nil {
		return ErrUnknownConnection
	}
	return c.transport.Send(payload)
}

// Broadcast sends payload to every connection bound to sessionID except
// exclude. It returns the number of recipients and the ids of those whose
// transport refused the frame.
func (r *Registry) Broadcast(sessionID string, payload []byte, exclude string) (int, []string) {
	type target struct {
		id string
		t  Transport
	}
	r.mu.Lock()
	targets := make([]target, 0, 8)
	for id, c := range r.conns {
		if id != exclude && c.bound && c.binding.SessionID == sessionID {
			targets = append(targets, target{id, c.transport})
		}
	}
	r.mu.Unlock()

	var failed []string
	for _, t := range targets {
		if err := t.t.Send(payload); err != nil {
			failed = append(failed, t.id)
		}
	}
	return len(targets), failed
}

// SendAll delivers payload to every registered connection.
func (r *Registry) SendAll(payload []byte) {
	r.mu.Lock()
	targets := make([]Transport, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c.transport)
	}
	r.mu.Unlock()

	for _, t := range targets {
		_ = t.Send(payload)
	}
}

// Sweep returns the connections that have not pulsed since the previous
// sweep and arms the rest for the next one.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dead []string
	for id, c := range r.conns {
		if !c.alive {
			dead = append(dead, id)
			continue
		}
		c.alive = false
	}
	return dead
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// LastPing returns when the connection last pulsed.
func (r *Registry) LastPing(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	if c == nil {
		return time.Time{}, false
	}
	return c.lastPing, true
}
