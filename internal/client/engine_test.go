package client

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiliankoe/tabletop/internal/board"
	"github.com/kiliankoe/tabletop/internal/game"
	"github.com/kiliankoe/tabletop/internal/protocol"
)

func newTestEngine(t *testing.T, playerID string, clock Clock, windows map[protocol.UpdateKind]time.Duration) (*Engine, *stubTransport) {
	t.Helper()
	logger := zerolog.Nop()
	tr := &stubTransport{}
	e := NewEngine(tr, Options{Logger: &logger, Clock: clock, PlayerID: playerID, Windows: windows})
	t.Cleanup(func() { e.Close() })
	return e, tr
}

func immediate() map[protocol.UpdateKind]time.Duration { return map[protocol.UpdateKind]time.Duration{} }

func allyToken(id string, x, y int) board.Token {
	return board.Token{ID: id, Type: board.TokenAlly, X: x, Y: y, Name: id}
}

func TestEngineCreateSessionMakesLocalPlayerGM(t *testing.T) {
	e, _ := newTestEngine(t, "gm-1", nil, immediate())

	sess, err := e.CreateSession(testContext(t), "Crypt", "Dana")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if sess.GMID != "gm-1" {
		t.Fatalf("expected gm-1 to be GM, got %q", sess.GMID)
	}
	if !e.IsGM() {
		t.Fatalf("expected engine to report GM")
	}
	if _, ok := e.Session(); !ok {
		t.Fatalf("expected engine to be in a session")
	}
}

func TestEngineRequiresSession(t *testing.T) {
	e, tr := newTestEngine(t, "p1", nil, immediate())

	if err := e.SyncTokenAdd(allyToken("t1", 0, 0)); !errors.Is(err, ErrNotInSession) {
		t.Fatalf("expected ErrNotInSession, got %v", err)
	}
	if err := e.LeaveSession(testContext(t)); !errors.Is(err, ErrNotInSession) {
		t.Fatalf("expected ErrNotInSession on leave, got %v", err)
	}
	if len(tr.Sent()) != 0 {
		t.Fatalf("nothing should be sent outside a session")
	}
}

func TestEngineAppliesLocalEditsOptimistically(t *testing.T) {
	e, tr := newTestEngine(t, "gm", nil, immediate())
	if _, err := e.CreateSession(testContext(t), "", "GM"); err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	if err := e.SyncTokenAdd(allyToken("t1", 1, 1)); err != nil {
		t.Fatalf("token add failed: %v", err)
	}
	if err := e.SyncTokenMove("t1", 4, 2); err != nil {
		t.Fatalf("token move failed: %v", err)
	}
	if err := e.SyncFog([]string{"1-1", "1-2"}); err != nil {
		t.Fatalf("fog failed: %v", err)
	}

	st := e.State()
	tok, ok := st.Token("t1")
	if !ok || tok.X != 4 || tok.Y != 2 {
		t.Fatalf("expected token at 4,2, got %+v (found=%v)", tok, ok)
	}
	if len(st.FogOfWar) != 2 {
		t.Fatalf("expected two fog cells, got %v", st.FogOfWar)
	}

	sent := tr.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected 3 updates sent, got %d", len(sent))
	}
	for _, u := range sent {
		if u.PlayerID != "gm" {
			t.Fatalf("expected updates tagged with the local player, got %q", u.PlayerID)
		}
	}
	if sent[0].Type != protocol.KindTokenAdd || sent[1].Type != protocol.KindTokenUpdate || sent[2].Type != protocol.KindFogUpdate {
		t.Fatalf("unexpected send order %s %s %s", sent[0].Type, sent[1].Type, sent[2].Type)
	}
}

func TestEngineDoesNotEchoRemoteUpdates(t *testing.T) {
	e, tr := newTestEngine(t, "gm", nil, immediate())
	if _, err := e.CreateSession(testContext(t), "", "GM"); err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	var echoErr error
	calls := 0
	e.OnGameUpdate(func(u protocol.GameUpdate, state board.GameState) {
		calls++
		if _, ok := state.Token("t1"); !ok {
			t.Errorf("callback state misses the remote token")
		}
		echoErr = e.SyncTokenMove("t1", 9, 9)
	})

	tr.ev.HandleGameUpdate(mustUpdate(t, protocol.KindTokenAdd, "p2", allyToken("t1", 1, 1)))

	if calls != 1 {
		t.Fatalf("expected one callback, got %d", calls)
	}
	if !errors.Is(echoErr, ErrSuppressed) {
		t.Fatalf("expected sync inside the callback to be suppressed, got %v", echoErr)
	}
	if n := len(tr.Sent()); n != 0 {
		t.Fatalf("applying a remote update must not send anything, sent %d", n)
	}
	if tok, _ := e.State().Token("t1"); tok.X != 1 {
		t.Fatalf("suppressed edit leaked into the mirror: %+v", tok)
	}

	// outside the callback the same edit goes through
	if err := e.SyncTokenMove("t1", 2, 2); err != nil {
		t.Fatalf("move after delivery failed: %v", err)
	}
	if n := len(tr.Sent()); n != 1 {
		t.Fatalf("expected one update after delivery, got %d", n)
	}
}

func TestEngineRemoteVersionIsAdopted(t *testing.T) {
	e, tr := newTestEngine(t, "p1", nil, immediate())
	if _, err := e.CreateSession(testContext(t), "", "P"); err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	u := mustUpdate(t, protocol.KindTokenAdd, "p2", allyToken("t1", 0, 0))
	u.Version = 42
	tr.ev.HandleGameUpdate(u)
	if v := e.State().Version; v != 42 {
		t.Fatalf("expected version 42, got %d", v)
	}

	dice := mustUpdate(t, protocol.KindDiceRoll, "p2", map[string]any{"result": 17})
	tr.ev.HandleGameUpdate(dice)
	if v := e.State().Version; v != 42 {
		t.Fatalf("dice roll must not change the version, got %d", v)
	}
}

func TestEngineBadRemoteUpdateReportsError(t *testing.T) {
	e, tr := newTestEngine(t, "p1", nil, immediate())
	if _, err := e.CreateSession(testContext(t), "", "P"); err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	var got error
	e.OnError(func(err error) { got = err })
	e.OnGameUpdate(func(protocol.GameUpdate, board.GameState) { t.Errorf("rejected update reached the callback") })

	tr.ev.HandleGameUpdate(protocol.GameUpdate{Type: "teleport", PlayerID: "p2", Data: json.RawMessage(`{}`)})
	if got == nil {
		t.Fatalf("expected an error for an unknown update kind")
	}
}

func TestEnginePrivilegedEditsNeedGM(t *testing.T) {
	e, tr := newTestEngine(t, "p1", nil, immediate())
	tr.session = testSession("gm")
	if _, err := e.JoinSession(testContext(t), "abc123", "Rin"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	replaced := e.State()
	replaced.FogOfWar = []string{"0-0"}
	replaced.BackgroundImage = "castle.png"
	checks := map[string]func() error{
		"fog":        func() error { return e.SyncFog([]string{"0-0"}) },
		"door":       func() error { return e.SyncDoor("1-1", &board.Door{}) },
		"wall":       func() error { return e.SyncWall("1-2", &board.Wall{}) },
		"background": func() error { return e.SyncBackground("castle.png") },
		"grid":       func() error { return e.SyncGridType(board.GridOctagonal) },
		"game state": func() error { return e.SyncGameState(replaced) },
	}
	for name, fn := range checks {
		if err := fn(); !errors.Is(err, ErrRoleViolation) {
			t.Fatalf("%s: expected ErrRoleViolation, got %v", name, err)
		}
	}
	if n := len(tr.Sent()); n != 0 {
		t.Fatalf("privileged edits from a player must not be sent, sent %d", n)
	}
	st := e.State()
	if len(st.FogOfWar) != 0 || st.BackgroundImage != "" || st.GridType != board.GridSquare {
		t.Fatalf("privileged edits leaked into the mirror: %+v", st)
	}

	if err := e.SyncTokenAdd(allyToken("hero", 3, 3)); err != nil {
		t.Fatalf("players may still move tokens: %v", err)
	}
}

func TestEngineCoalescesTokenMoves(t *testing.T) {
	clock := newFakeClock()
	e, tr := newTestEngine(t, "gm", clock, nil)
	if _, err := e.CreateSession(testContext(t), "", "GM"); err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if err := e.SyncTokenAdd(allyToken("t1", 0, 0)); err != nil {
		t.Fatalf("token add failed: %v", err)
	}
	if err := e.SyncTokenUpdate("t1", map[string]any{"name": "Orc"}); err != nil {
		t.Fatalf("token update failed: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if err := e.SyncTokenMove("t1", i, i); err != nil {
			t.Fatalf("move %d failed: %v", i, err)
		}
	}
	if err := e.SyncTokenMove("t2", 5, 5); err != nil {
		t.Fatalf("move of other token failed: %v", err)
	}

	if n := len(tr.Sent()); n != 1 {
		t.Fatalf("expected only the add to be sent before the window closes, got %d", n)
	}
	if tok, _ := e.State().Token("t1"); tok.X != 10 || tok.Name != "Orc" {
		t.Fatalf("local mirror should reflect every edit, got %+v", tok)
	}

	clock.Advance(20 * time.Millisecond)
	sent := tr.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected one coalesced update per token, got %d", len(sent))
	}

	var d struct {
		ID      string         `json:"id"`
		Updates map[string]any `json:"updates"`
	}
	if err := json.Unmarshal(sent[1].Data, &d); err != nil {
		t.Fatalf("decode coalesced update: %v", err)
	}
	if d.ID != "t1" || d.Updates["x"] != float64(10) || d.Updates["y"] != float64(10) || d.Updates["name"] != "Orc" {
		t.Fatalf("unexpected coalesced payload %+v", d)
	}
}

func TestEngineCoalescesFogAndBackground(t *testing.T) {
	clock := newFakeClock()
	e, tr := newTestEngine(t, "gm", clock, nil)
	if _, err := e.CreateSession(testContext(t), "", "GM"); err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	e.SyncFog([]string{"0-0"})
	e.SyncFog([]string{"0-0", "0-1"})
	e.SyncBackground("a.png")
	e.SyncBackground("b.png")

	clock.Advance(100 * time.Millisecond)
	sent := tr.Sent()
	if len(sent) != 1 || sent[0].Type != protocol.KindFogUpdate {
		t.Fatalf("expected a single fog update after 100ms, got %d", len(sent))
	}
	var fog struct {
		FogOfWar []string `json:"fogOfWar"`
	}
	json.Unmarshal(sent[0].Data, &fog)
	if len(fog.FogOfWar) != 2 {
		t.Fatalf("expected the latest fog, got %v", fog.FogOfWar)
	}

	clock.Advance(400 * time.Millisecond)
	sent = tr.Sent()
	if len(sent) != 2 || sent[1].Type != protocol.KindBackground {
		t.Fatalf("expected the background after 500ms, got %d updates", len(sent))
	}
	var bg struct {
		BackgroundImage string `json:"backgroundImage"`
	}
	json.Unmarshal(sent[1].Data, &bg)
	if bg.BackgroundImage != "b.png" {
		t.Fatalf("expected latest background, got %q", bg.BackgroundImage)
	}
}

func TestEngineDrawingsAreNotMerged(t *testing.T) {
	clock := newFakeClock()
	e, tr := newTestEngine(t, "p1", clock, nil)
	if _, err := e.CreateSession(testContext(t), "", "P"); err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	line := []board.Point{{X: 0, Y: 0}, {X: 10, Y: 10}}
	e.SyncDrawingAdd(board.Drawing{ID: "d1", Tool: "pen", Points: line})
	e.SyncDrawingAdd(board.Drawing{ID: "d2", Tool: "pen", Points: line})
	e.SyncDrawingAdd(board.Drawing{Tool: "pen", Points: line})
	e.SyncDrawingAdd(board.Drawing{Tool: "pen", Points: line})

	clock.Advance(30 * time.Millisecond)
	if n := len(tr.Sent()); n != 4 {
		t.Fatalf("expected every drawing to be sent, got %d", n)
	}
	if n := len(e.State().DrawingData); n != 4 {
		t.Fatalf("expected 4 drawings locally, got %d", n)
	}
}

func TestEngineImmediateSendFlushesPending(t *testing.T) {
	clock := newFakeClock()
	e, tr := newTestEngine(t, "gm", clock, nil)
	if _, err := e.CreateSession(testContext(t), "", "GM"); err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	e.SyncTokenAdd(allyToken("t1", 0, 0))
	e.SyncTokenMove("t1", 3, 3)
	e.SyncTokenRemove("t1")

	sent := tr.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected the pending move to be flushed before the remove, got %d", len(sent))
	}
	if sent[1].Type != protocol.KindTokenUpdate || sent[2].Type != protocol.KindTokenRemove {
		t.Fatalf("unexpected order %s, %s", sent[1].Type, sent[2].Type)
	}
}

func TestEngineLeaveFlushesPending(t *testing.T) {
	clock := newFakeClock()
	e, tr := newTestEngine(t, "gm", clock, nil)
	if _, err := e.CreateSession(testContext(t), "", "GM"); err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	e.SyncFog([]string{"2-2"})
	if err := e.LeaveSession(testContext(t)); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if n := len(tr.Sent()); n != 1 {
		t.Fatalf("expected pending fog to be sent before leaving, got %d", n)
	}
	if !tr.left {
		t.Fatalf("expected transport leave")
	}
	if err := e.SyncFog(nil); !errors.Is(err, ErrNotInSession) {
		t.Fatalf("expected ErrNotInSession after leave, got %v", err)
	}
}

func TestEngineJoinErrors(t *testing.T) {
	e, tr := newTestEngine(t, "p1", nil, immediate())
	tr.joinErr = &protocol.Error{Code: protocol.CodeSessionNotFound, Message: "Session not found"}
	_, err := e.JoinSession(testContext(t), "NOPE42", "Rin")
	if !IsProtocolError(err, protocol.CodeSessionNotFound) {
		t.Fatalf("expected session_not_found, got %v", err)
	}

	tr.joinErr = nil
	tr.asyncErr = &protocol.Error{Code: protocol.CodeSessionFull, Message: "Session is full"}
	_, err = e.JoinSession(testContext(t), "FULL42", "Rin")
	if !IsProtocolError(err, protocol.CodeSessionFull) {
		t.Fatalf("expected session_full from the error event, got %v", err)
	}
	if _, ok := e.Session(); ok {
		t.Fatalf("failed joins must not enter a session")
	}
}

func TestEngineJoinIgnoresUpdateRejections(t *testing.T) {
	e, tr := newTestEngine(t, "p1", nil, immediate())
	tr.session = testSession("gm")
	tr.unrelated = &protocol.Error{Code: protocol.CodeRoleViolation, Message: "only the GM may send fog_update"}

	var reported error
	e.OnError(func(err error) { reported = err })
	sess, err := e.JoinSession(testContext(t), "abc123", "Rin")
	if err != nil {
		t.Fatalf("a rejected update must not fail the join: %v", err)
	}
	if sess.GMID != "gm" {
		t.Fatalf("expected to join the gm's session, got %+v", sess)
	}
	if !IsProtocolError(reported, protocol.CodeRoleViolation) {
		t.Fatalf("the rejection should still reach OnError, got %v", reported)
	}
}

func TestEngineRosterEvents(t *testing.T) {
	e, tr := newTestEngine(t, "gm", nil, immediate())
	if _, err := e.CreateSession(testContext(t), "", "GM"); err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	var joined, left string
	e.OnPlayerJoined(func(p game.Player, _ []game.Player) { joined = p.ID })
	e.OnPlayerLeft(func(id string, _ []game.Player) { left = id })

	now := time.Now()
	gm := game.Player{ID: "gm", Role: game.RoleGM, IsConnected: true, JoinedAt: now}
	rin := game.Player{ID: "rin", Role: game.RolePlayer, IsConnected: true, JoinedAt: now.Add(time.Second)}
	tr.ev.HandlePlayerJoined(rin, []game.Player{gm, rin})
	if joined != "rin" || len(e.Players()) != 2 {
		t.Fatalf("expected rin in the roster, joined=%q players=%d", joined, len(e.Players()))
	}

	rin.IsConnected = false
	tr.ev.HandlePlayerLeft("rin", []game.Player{gm, rin})
	if left != "rin" {
		t.Fatalf("expected left callback for rin")
	}
	for _, p := range e.Players() {
		if p.ID == "rin" && p.IsConnected {
			t.Fatalf("expected rin to be offline")
		}
	}
}

func TestEngineConnectionChange(t *testing.T) {
	e, tr := newTestEngine(t, "p1", nil, immediate())
	var states []bool
	e.OnConnectionChange(func(c bool) { states = append(states, c) })

	if err := e.Connect(testContext(t)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	tr.ev.HandleConnectionChange(true)
	tr.ev.HandleConnectionChange(false)

	if len(states) != 2 || !states[0] || states[1] {
		t.Fatalf("expected [true false], got %v", states)
	}
	if e.IsConnected() {
		t.Fatalf("expected engine to report disconnected")
	}
}

func TestMergeUpdatesKeepsUnrelatedUpdates(t *testing.T) {
	a := mustUpdate(t, protocol.KindTokenUpdate, "p", map[string]any{"id": "t1", "updates": map[string]any{"x": 1}})
	b := mustUpdate(t, protocol.KindTokenUpdate, "p", map[string]any{"id": "t2", "updates": map[string]any{"y": 2}})
	if got := mergeUpdates(a, b); string(got.Data) != string(b.Data) {
		t.Fatalf("updates of different entities must not merge: %s", got.Data)
	}
}
