package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/tabletop/internal/board"
	"github.com/kiliankoe/tabletop/internal/game"
	"github.com/kiliankoe/tabletop/internal/protocol"
)

// RealtimeDB is a hosted key/value database with change subscriptions, the
// way a Firebase-style realtime database is used by serverless deployments.
type RealtimeDB interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Transaction replaces the value at key with fn(current). fn may run more
	// than once; the value of its last run is the one stored.
	Transaction(ctx context.Context, key string, fn func(current []byte, exists bool) ([]byte, error)) ([]byte, error)
	// Subscribe calls fn with every value written to key after the call.
	Subscribe(key string, fn func(value []byte)) (unsubscribe func())
}

var errSessionExists = errors.New("session exists")

const realtimeCreateAttempts = 100

type RealtimeOptions struct {
	Logger   *zerolog.Logger
	NewToken func() string
	Now      func() time.Time
}

type sessionMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	GMID      string    `json:"gmId"`
	CreatedAt time.Time `json:"createdAt"`
	IsActive  bool      `json:"isActive"`
}

// RealtimeTransport keeps a session in a RealtimeDB: one key each for the
// session metadata, the members, the game state and the last dice roll.
// State edits run as transactions that bump the version; subscribers turn
// snapshots into wholesale updates by diffing against their last snapshot.
type RealtimeTransport struct {
	db   RealtimeDB
	log  zerolog.Logger
	opts RealtimeOptions

	mu        sync.Mutex
	events    Events
	meta      sessionMeta
	playerID  string
	mirror    board.GameState
	roster    []game.Player
	unsub     []func()
	connected bool
}

func NewRealtimeTransport(db RealtimeDB, opts RealtimeOptions) *RealtimeTransport {
	if opts.NewToken == nil {
		opts.NewToken = protocol.NewSessionToken
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &RealtimeTransport{
		db:   db,
		log:  logger.With().Str("component", "realtime-client").Logger(),
		opts: opts,
	}
}

func sessionKey(id, part string) string { return "sessions/" + id + "/" + part }

func (t *RealtimeTransport) Kind() Kind { return KindRealtime }

func (t *RealtimeTransport) SetEvents(ev Events) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = ev
}

func (t *RealtimeTransport) Connect(context.Context) error {
	t.mu.Lock()
	changed := !t.connected
	t.connected = true
	ev := t.events
	t.mu.Unlock()
	if changed && ev != nil {
		ev.HandleConnectionChange(true)
	}
	return nil
}

func (t *RealtimeTransport) JoinSession(ctx context.Context, req JoinRequest) error {
	t.leave(ctx)

	var (
		sess    game.Session
		created bool
		err     error
	)
	if req.SessionID == protocol.CreateNewSession {
		sess, err = t.create(ctx, req)
		created = true
	} else {
		sess, err = t.join(ctx, req)
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.meta = sessionMeta{ID: sess.ID, Name: sess.Name, GMID: sess.GMID, CreatedAt: sess.CreatedAt, IsActive: sess.IsActive}
	t.playerID = req.PlayerID
	t.mirror = sess.GameState.Clone()
	t.roster = sess.Roster()
	ev := t.events
	t.mu.Unlock()

	// subscribe without t.mu: the database may hold its own lock while a
	// transaction callback takes t.mu.
	unsub := []func(){
		t.db.Subscribe(sessionKey(sess.ID, "state"), t.onState),
		t.db.Subscribe(sessionKey(sess.ID, "players"), t.onPlayers),
		t.db.Subscribe(sessionKey(sess.ID, "dice"), t.onDice),
	}
	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()

	if ev != nil {
		ev.HandleSessionJoined(sess, req.PlayerID, created)
	}
	return nil
}

func (t *RealtimeTransport) create(ctx context.Context, req JoinRequest) (game.Session, error) {
	now := t.opts.Now()
	for range realtimeCreateAttempts {
		id := protocol.NormalizeToken(t.opts.NewToken())
		meta := sessionMeta{ID: id, Name: req.SessionName, GMID: req.PlayerID, CreatedAt: now, IsActive: true}
		if meta.Name == "" {
			meta.Name = "Session " + id
		}
		_, err := t.db.Transaction(ctx, sessionKey(id, "meta"), func(_ []byte, exists bool) ([]byte, error) {
			if exists {
				return nil, errSessionExists
			}
			return json.Marshal(meta)
		})
		if errors.Is(err, errSessionExists) {
			continue
		}
		if err != nil {
			return game.Session{}, err
		}

		gm := game.Player{ID: req.PlayerID, Name: displayName(req.PlayerName), Role: game.RoleGM, IsConnected: true, JoinedAt: now}
		players := map[string]game.Player{gm.ID: gm}
		state := board.NewGameState(now)
		if err := t.put(ctx, sessionKey(id, "players"), players); err != nil {
			return game.Session{}, err
		}
		if err := t.put(ctx, sessionKey(id, "state"), state); err != nil {
			return game.Session{}, err
		}
		return game.Session{ID: id, Name: meta.Name, GMID: gm.ID, Players: players, GameState: state, CreatedAt: now, IsActive: true}, nil
	}
	return game.Session{}, game.ErrTokenSpaceExhausted
}

func (t *RealtimeTransport) join(ctx context.Context, req JoinRequest) (game.Session, error) {
	id := protocol.NormalizeToken(req.SessionID)
	if !protocol.ValidToken(id) {
		return game.Session{}, &protocol.Error{Code: protocol.CodeSessionNotFound, Message: "Session not found"}
	}
	var meta sessionMeta
	ok, err := t.get(ctx, sessionKey(id, "meta"), &meta)
	if err != nil {
		return game.Session{}, err
	}
	if !ok {
		return game.Session{}, &protocol.Error{Code: protocol.CodeSessionNotFound, Message: "Session not found"}
	}

	now := t.opts.Now()
	var players map[string]game.Player
	_, err = t.db.Transaction(ctx, sessionKey(id, "players"), func(cur []byte, exists bool) ([]byte, error) {
		players = map[string]game.Player{}
		if exists {
			if err := json.Unmarshal(cur, &players); err != nil {
				return nil, err
			}
		}
		p, known := players[req.PlayerID]
		if !known {
			p = game.Player{ID: req.PlayerID, Role: game.RolePlayer, JoinedAt: now}
		}
		if req.PlayerName != "" || !known {
			p.Name = displayName(req.PlayerName)
		}
		if p.ID == meta.GMID {
			p.Role = game.RoleGM
		}
		p.IsConnected = true
		players[p.ID] = p
		return json.Marshal(players)
	})
	if err != nil {
		return game.Session{}, err
	}

	var state board.GameState
	if ok, err := t.get(ctx, sessionKey(id, "state"), &state); err != nil {
		return game.Session{}, err
	} else if !ok {
		state = board.NewGameState(meta.CreatedAt)
	}
	return game.Session{
		ID: meta.ID, Name: meta.Name, GMID: meta.GMID, Players: players,
		GameState: state, CreatedAt: meta.CreatedAt, IsActive: meta.IsActive,
	}, nil
}

func displayName(name string) string {
	if name == "" {
		return "Anonymous"
	}
	return name
}

func (t *RealtimeTransport) get(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := t.db.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}

func (t *RealtimeTransport) put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.db.Set(ctx, key, raw)
}

func (t *RealtimeTransport) SendUpdate(ctx context.Context, u protocol.GameUpdate) error {
	t.mu.Lock()
	meta, playerID := t.meta, t.playerID
	t.mu.Unlock()
	if meta.ID == "" {
		return ErrNotInSession
	}
	u.PlayerID = playerID
	if u.RequiresGM() && playerID != meta.GMID {
		return &protocol.Error{Code: protocol.CodeRoleViolation, Message: fmt.Sprintf("only the GM may send %s", u.Type)}
	}
	if u.Type.Transient() {
		return t.put(ctx, sessionKey(meta.ID, "dice"), u)
	}

	// remote carries changes others committed that this client was not
	// notified of yet, folded into the committed snapshot.
	var remote []protocol.GameUpdate
	_, err := t.db.Transaction(ctx, sessionKey(meta.ID, "state"), func(cur []byte, exists bool) ([]byte, error) {
		state := board.NewGameState(t.opts.Now())
		if exists {
			if err := json.Unmarshal(cur, &state); err != nil {
				return nil, err
			}
		}
		if err := board.Apply(&state, u); err != nil {
			return nil, err
		}
		unseen := state.Version
		state.Version++
		state.LastUpdated = t.opts.Now()

		t.mu.Lock()
		defer t.mu.Unlock()
		remote = nil
		if unseen > t.mirror.Version {
			remote = stamp(board.Diff(t.mirror, state, ""), state.Version)
		}
		t.mirror = state.Clone()
		return json.Marshal(state)
	})
	if err != nil {
		return err
	}
	t.deliver(remote)
	return nil
}

func stamp(updates []protocol.GameUpdate, version int64) []protocol.GameUpdate {
	for i := range updates {
		updates[i].Version = version
	}
	return updates
}

func (t *RealtimeTransport) deliver(updates []protocol.GameUpdate) {
	t.mu.Lock()
	ev := t.events
	t.mu.Unlock()
	if ev == nil {
		return
	}
	for _, u := range updates {
		ev.HandleGameUpdate(u)
	}
}

func (t *RealtimeTransport) onState(value []byte) {
	var next board.GameState
	if err := json.Unmarshal(value, &next); err != nil {
		t.log.Warn().Err(err).Msg("bad state snapshot")
		return
	}
	t.mu.Lock()
	if next.Version <= t.mirror.Version {
		t.mu.Unlock()
		return
	}
	updates := stamp(board.Diff(t.mirror, next, ""), next.Version)
	t.mirror = next
	t.mu.Unlock()
	t.deliver(updates)
}

func (t *RealtimeTransport) onPlayers(value []byte) {
	var players map[string]game.Player
	if err := json.Unmarshal(value, &players); err != nil {
		t.log.Warn().Err(err).Msg("bad players snapshot")
		return
	}
	next := game.Session{Players: players}.Roster()
	t.mu.Lock()
	prev := t.roster
	t.roster = next
	self, ev := t.playerID, t.events
	t.mu.Unlock()
	if ev != nil {
		announceRoster(ev, prev, next, self)
	}
}

func (t *RealtimeTransport) onDice(value []byte) {
	var u protocol.GameUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return
	}
	t.mu.Lock()
	self, ev := t.playerID, t.events
	t.mu.Unlock()
	if ev != nil && u.PlayerID != self {
		ev.HandleGameUpdate(u)
	}
}

func (t *RealtimeTransport) LeaveSession(ctx context.Context) error {
	if !t.leave(ctx) {
		return ErrNotInSession
	}
	return nil
}

// leave unsubscribes and marks the local player offline.
func (t *RealtimeTransport) leave(ctx context.Context) bool {
	t.mu.Lock()
	meta, playerID, unsub := t.meta, t.playerID, t.unsub
	t.meta, t.unsub, t.roster = sessionMeta{}, nil, nil
	t.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
	if meta.ID == "" {
		return false
	}
	_, err := t.db.Transaction(ctx, sessionKey(meta.ID, "players"), func(cur []byte, exists bool) ([]byte, error) {
		players := map[string]game.Player{}
		if exists {
			if err := json.Unmarshal(cur, &players); err != nil {
				return nil, err
			}
		}
		if p, ok := players[playerID]; ok {
			p.IsConnected = false
			players[playerID] = p
		}
		return json.Marshal(players)
	})
	if err != nil {
		t.log.Warn().Err(err).Str("session", meta.ID).Msg("leave")
	}
	return true
}

func (t *RealtimeTransport) Close() error {
	t.leave(context.Background())
	t.mu.Lock()
	changed := t.connected
	t.connected = false
	ev := t.events
	t.mu.Unlock()
	if changed && ev != nil {
		ev.HandleConnectionChange(false)
	}
	return nil
}
