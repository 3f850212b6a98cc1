package client

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kiliankoe/tabletop/internal/board"
	"github.com/kiliankoe/tabletop/internal/game"
	"github.com/kiliankoe/tabletop/internal/protocol"
)

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: len(c.timers), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs the timers that came due, earliest first.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t.fn()
	}
}

// stubTransport answers joins synchronously and records what is sent.
type stubTransport struct {
	mu        sync.Mutex
	ev        Events
	session   game.Session
	joinErr   error
	asyncErr  error
	unrelated error
	sent      []protocol.GameUpdate
	left      bool
	connected bool
}

func (s *stubTransport) Kind() Kind { return KindWebSocket }

func (s *stubTransport) SetEvents(ev Events) { s.ev = ev }

func (s *stubTransport) Connect(context.Context) error {
	s.connected = true
	s.ev.HandleConnectionChange(true)
	return nil
}

func (s *stubTransport) JoinSession(_ context.Context, req JoinRequest) error {
	if s.joinErr != nil {
		return s.joinErr
	}
	if s.asyncErr != nil {
		go s.ev.HandleError(s.asyncErr)
		return nil
	}
	if s.unrelated != nil {
		s.ev.HandleError(s.unrelated)
	}
	sess := s.session
	created := req.SessionID == protocol.CreateNewSession
	if created {
		sess = testSession(req.PlayerID)
	}
	sess.Players[req.PlayerID] = game.Player{ID: req.PlayerID, Name: req.PlayerName, IsConnected: true, JoinedAt: time.Now()}
	s.ev.HandleSessionJoined(sess, req.PlayerID, created)
	return nil
}

func (s *stubTransport) SendUpdate(_ context.Context, u protocol.GameUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, u)
	return nil
}

func (s *stubTransport) LeaveSession(context.Context) error {
	s.left = true
	return nil
}

func (s *stubTransport) Close() error { return nil }

func (s *stubTransport) Sent() []protocol.GameUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.GameUpdate(nil), s.sent...)
}

func testSession(gmID string) game.Session {
	now := time.Now().UTC()
	return game.Session{
		ID:        "ABC123",
		Name:      "Session ABC123",
		GMID:      gmID,
		Players:   map[string]game.Player{gmID: {ID: gmID, Name: "GM", Role: game.RoleGM, IsConnected: true, JoinedAt: now}},
		GameState: board.NewGameState(now),
		CreatedAt: now,
		IsActive:  true,
	}
}

func mustUpdate(t *testing.T, kind protocol.UpdateKind, playerID string, data any) protocol.GameUpdate {
	t.Helper()
	u, err := protocol.NewUpdate(kind, playerID, data)
	if err != nil {
		t.Fatalf("failed to build %s update: %v", kind, err)
	}
	return u
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
