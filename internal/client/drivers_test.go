package client

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kiliankoe/tabletop/internal/board"
	"github.com/kiliankoe/tabletop/internal/game"
	"github.com/kiliankoe/tabletop/internal/poll"
	"github.com/kiliankoe/tabletop/internal/protocol"
	"github.com/kiliankoe/tabletop/internal/relay"
	"github.com/kiliankoe/tabletop/internal/ws"
)

func newRelayServer(t *testing.T, historySize int) (*httptest.Server, *relay.Relay) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zerolog.Nop()
	store := game.NewStore(game.Options{EnforceRoles: true, HistorySize: historySize})
	rl := relay.New(store, relay.Options{Logger: &logger})

	r := gin.New()
	r.GET("/ws", gin.WrapF(ws.NewHandler(rl, ws.HandlerConfig{Logger: &logger}).Handle))
	poll.New(rl, poll.Options{Logger: &logger}).Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, rl
}

// dropDialer records every TCP connection it opens so a test can cut them.
type dropDialer struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (d *dropDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	c, err := (&net.Dialer{}).DialContext(ctx, network, addr)
	if err == nil {
		d.mu.Lock()
		d.conns = append(d.conns, c)
		d.mu.Unlock()
	}
	return c, err
}

func (d *dropDialer) dropAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.Close()
	}
	d.conns = nil
}

func newWSEngine(t *testing.T, serverURL, playerID string, nd *dropDialer) *Engine {
	t.Helper()
	logger := zerolog.Nop()
	opts := WebSocketOptions{URL: serverURL, Logger: &logger, MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	if nd != nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second, NetDialContext: nd.dial}
	}
	tr, err := NewWebSocketTransport(opts)
	if err != nil {
		t.Fatalf("failed to build websocket transport: %v", err)
	}
	e := NewEngine(tr, Options{Logger: &logger, PlayerID: playerID, Windows: immediate()})
	t.Cleanup(func() { e.Close() })
	if err := e.Connect(testContext(t)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return e
}

func TestWebSocketDriverSessionFlow(t *testing.T) {
	srv, _ := newRelayServer(t, 0)
	ctx := testContext(t)

	gm := newWSEngine(t, srv.URL, "gm", nil)
	sess, err := gm.CreateSession(ctx, "Crypt", "Dana")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if sess.GMID != "gm" || sess.Name != "Crypt" || !protocol.ValidToken(sess.ID) {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.GameState.Version != 1 {
		t.Fatalf("a new session starts at version 1, got %d", sess.GameState.Version)
	}

	joined := make(chan game.Player, 1)
	gm.OnPlayerJoined(func(p game.Player, _ []game.Player) { joined <- p })

	player := newWSEngine(t, srv.URL, "rin", nil)
	if _, err := player.JoinSession(ctx, strings.ToLower(sess.ID), "Rin"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	select {
	case p := <-joined:
		if p.ID != "rin" || p.Name != "Rin" {
			t.Fatalf("unexpected joined player %+v", p)
		}
	case <-ctx.Done():
		t.Fatalf("gm never saw the player join")
	}
	eventually(t, "both rosters to hold two players", func() bool {
		return len(gm.Players()) == 2 && len(player.Players()) == 2
	})

	if err := gm.SyncTokenAdd(allyToken("t1", 1, 1)); err != nil {
		t.Fatalf("token add: %v", err)
	}
	eventually(t, "player to see t1", func() bool {
		_, ok := player.State().Token("t1")
		return ok
	})

	if err := player.SyncTokenMove("t1", 7, 3); err != nil {
		t.Fatalf("player move: %v", err)
	}
	eventually(t, "gm to see the move", func() bool {
		tok, _ := gm.State().Token("t1")
		return tok.X == 7 && tok.Y == 3
	})
	if v := gm.State().Version; v != 3 {
		t.Fatalf("gm should adopt the relay's version 3, got %d", v)
	}

	if err := player.SyncFog([]string{"1-1"}); !errors.Is(err, ErrRoleViolation) {
		t.Fatalf("expected the player fog edit to be refused, got %v", err)
	}

	left := make(chan string, 1)
	gm.OnPlayerLeft(func(id string, _ []game.Player) { left <- id })
	player.Close()
	select {
	case id := <-left:
		if id != "rin" {
			t.Fatalf("expected rin to leave, got %q", id)
		}
	case <-ctx.Done():
		t.Fatalf("gm never saw the player leave")
	}
	eventually(t, "gm roster to mark rin offline", func() bool {
		for _, p := range gm.Players() {
			if p.ID == "rin" {
				return !p.IsConnected
			}
		}
		return false
	})
}

func TestWebSocketDriverUnknownSession(t *testing.T) {
	srv, _ := newRelayServer(t, 0)
	e := newWSEngine(t, srv.URL, "rin", nil)
	_, err := e.JoinSession(testContext(t), "NOPE42", "Rin")
	if !IsProtocolError(err, protocol.CodeSessionNotFound) {
		t.Fatalf("expected session_not_found, got %v", err)
	}
}

func TestWebSocketDriverRejoinsAfterDrop(t *testing.T) {
	srv, _ := newRelayServer(t, 0)
	ctx := testContext(t)

	gm := newWSEngine(t, srv.URL, "gm", nil)
	sess, err := gm.CreateSession(ctx, "", "GM")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	nd := &dropDialer{}
	player := newWSEngine(t, srv.URL, "rin", nd)
	if _, err := player.JoinSession(ctx, sess.ID, "Rin"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	states := make(chan bool, 8)
	rejoined := make(chan struct{}, 1)
	player.OnConnectionChange(func(c bool) { states <- c })
	player.OnSessionJoined(func(game.Session) { rejoined <- struct{}{} })

	nd.dropAll()
	for _, want := range []bool{false, true} {
		select {
		case got := <-states:
			if got != want {
				t.Fatalf("expected connection state %v, got %v", want, got)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for connection state %v", want)
		}
	}
	select {
	case <-rejoined:
	case <-ctx.Done():
		t.Fatalf("player never rejoined")
	}

	if err := gm.SyncTokenAdd(allyToken("after", 2, 2)); err != nil {
		t.Fatalf("token add: %v", err)
	}
	eventually(t, "rejoined player to see the update", func() bool {
		_, ok := player.State().Token("after")
		return ok
	})
	if s, _ := player.Session(); s.ID != sess.ID {
		t.Fatalf("expected to rejoin %s, got %s", sess.ID, s.ID)
	}
}

func newPollEngine(t *testing.T, serverURL, playerID string) (*Engine, *PollingTransport) {
	t.Helper()
	logger := zerolog.Nop()
	// the loop never ticks on its own; tests call Poll
	tr, err := NewPollingTransport(PollingOptions{BaseURL: serverURL, Logger: &logger, Interval: time.Hour})
	if err != nil {
		t.Fatalf("failed to build polling transport: %v", err)
	}
	e := NewEngine(tr, Options{Logger: &logger, PlayerID: playerID, Windows: immediate()})
	t.Cleanup(func() { e.Close() })
	if err := e.Connect(testContext(t)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return e, tr
}

func TestPollingDriverSessionFlow(t *testing.T) {
	srv, _ := newRelayServer(t, 0)
	ctx := testContext(t)

	gm, gmPoll := newPollEngine(t, srv.URL, "gm")
	sess, err := gm.CreateSession(ctx, "Crypt", "Dana")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if sess.GMID != "gm" {
		t.Fatalf("expected gm to own the session, got %q", sess.GMID)
	}

	player, playerPoll := newPollEngine(t, srv.URL, "rin")
	if _, err := player.JoinSession(ctx, sess.ID, "Rin"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	var joined []string
	gm.OnPlayerJoined(func(p game.Player, _ []game.Player) { joined = append(joined, p.ID) })
	gmUpdates := 0
	gm.OnGameUpdate(func(protocol.GameUpdate, board.GameState) { gmUpdates++ })

	if !gmPoll.Poll(ctx) {
		t.Fatalf("gm poll stopped")
	}
	if len(joined) != 1 || joined[0] != "rin" {
		t.Fatalf("expected the gm poll to report rin, got %v", joined)
	}

	if err := gm.SyncTokenAdd(allyToken("t1", 1, 1)); err != nil {
		t.Fatalf("token add: %v", err)
	}
	if err := gm.SyncBackground("crypt.png"); err != nil {
		t.Fatalf("background: %v", err)
	}
	playerPoll.Poll(ctx)
	st := player.State()
	if _, ok := st.Token("t1"); !ok || st.BackgroundImage != "crypt.png" {
		t.Fatalf("player did not receive the gm edits: %+v", st)
	}
	if st.Version != 3 {
		t.Fatalf("expected player at version 3, got %d", st.Version)
	}

	gmPoll.Poll(ctx)
	if gmUpdates != 0 {
		t.Fatalf("gm must not receive its own updates back, got %d", gmUpdates)
	}

	err = player.SyncFog([]string{"0-0"})
	if !errors.Is(err, ErrRoleViolation) {
		t.Fatalf("expected refused fog edit, got %v", err)
	}
}

func TestPollingDriverResyncsAfterHistoryGap(t *testing.T) {
	srv, _ := newRelayServer(t, 2)
	ctx := testContext(t)

	gm, _ := newPollEngine(t, srv.URL, "gm")
	sess, err := gm.CreateSession(ctx, "", "GM")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	player, playerPoll := newPollEngine(t, srv.URL, "rin")
	if _, err := player.JoinSession(ctx, sess.ID, "Rin"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	var kinds []protocol.UpdateKind
	player.OnGameUpdate(func(u protocol.GameUpdate, _ board.GameState) { kinds = append(kinds, u.Type) })

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		if err := gm.SyncTokenAdd(allyToken(id, i, i)); err != nil {
			t.Fatalf("token add %s: %v", id, err)
		}
	}
	playerPoll.Poll(ctx)

	if len(kinds) != 1 || kinds[0] != protocol.KindGameState {
		t.Fatalf("expected a single game_state resync, got %v", kinds)
	}
	st := player.State()
	if len(st.Tokens) != 5 || st.Version != 6 {
		t.Fatalf("expected 5 tokens at version 6, got %d at %d", len(st.Tokens), st.Version)
	}
}

func TestPollingDriverSeesPushClients(t *testing.T) {
	srv, _ := newRelayServer(t, 0)
	ctx := testContext(t)

	gm := newWSEngine(t, srv.URL, "gm", nil)
	sess, err := gm.CreateSession(ctx, "", "GM")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	player, playerPoll := newPollEngine(t, srv.URL, "rin")
	if _, err := player.JoinSession(ctx, sess.ID, "Rin"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := gm.SyncTokenAdd(allyToken("t1", 0, 0)); err != nil {
		t.Fatalf("token add: %v", err)
	}
	eventually(t, "polling player to see the websocket edit", func() bool {
		playerPoll.Poll(ctx)
		_, ok := player.State().Token("t1")
		return ok
	})

	if err := player.SyncTokenMove("t1", 4, 4); err != nil {
		t.Fatalf("player move: %v", err)
	}
	eventually(t, "websocket gm to see the polled edit", func() bool {
		tok, _ := gm.State().Token("t1")
		return tok.X == 4
	})
}

func TestPollingDriverLeave(t *testing.T) {
	srv, rl := newRelayServer(t, 0)
	ctx := testContext(t)

	gm, _ := newPollEngine(t, srv.URL, "gm")
	sess, err := gm.CreateSession(ctx, "", "GM")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if err := gm.LeaveSession(ctx); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	p, err := rl.Store().Player(sess.ID, "gm")
	if err != nil {
		t.Fatalf("player lookup: %v", err)
	}
	if p.IsConnected {
		t.Fatalf("expected gm to be marked disconnected")
	}
}
