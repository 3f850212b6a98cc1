package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/tabletop/internal/board"
	"github.com/kiliankoe/tabletop/internal/game"
	"github.com/kiliankoe/tabletop/internal/protocol"
)

// DefaultWindows are the coalescing windows per update kind. Kinds not
// listed are sent immediately.
var DefaultWindows = map[protocol.UpdateKind]time.Duration{
	protocol.KindTokenUpdate: 20 * time.Millisecond,
	protocol.KindDrawingAdd:  30 * time.Millisecond,
	protocol.KindFogUpdate:   100 * time.Millisecond,
	protocol.KindBackground:  500 * time.Millisecond,
}

type Options struct {
	Logger *zerolog.Logger
	Clock  Clock
	// PlayerID is the local participant id; generated when empty.
	PlayerID string
	Windows  map[protocol.UpdateKind]time.Duration
}

type joinResult struct {
	sess game.Session
	err  error
}

// Engine keeps the local mirror of one session in sync with the other
// participants over a Transport.
type Engine struct {
	transport Transport
	log       zerolog.Logger
	sched     *Scheduler
	windows   map[protocol.UpdateKind]time.Duration
	guard     Guard

	// deliverMu serializes inbound events; sendMu serializes outbound sends.
	deliverMu sync.Mutex
	sendMu    sync.Mutex

	pendMu  sync.Mutex
	pending map[string]protocol.GameUpdate
	seq     uint64

	mu        sync.Mutex
	playerID  string
	sess      game.Session
	joined    bool
	connected bool
	joinWait  chan joinResult

	onGameUpdate       func(u protocol.GameUpdate, state board.GameState)
	onSessionJoined    func(sess game.Session)
	onPlayerJoined     func(player game.Player, players []game.Player)
	onPlayerLeft       func(playerID string, players []game.Player)
	onError            func(err error)
	onConnectionChange func(connected bool)
}

func NewEngine(t Transport, opts Options) *Engine {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.PlayerID == "" {
		opts.PlayerID = uuid.NewString()
	}
	if opts.Windows == nil {
		opts.Windows = DefaultWindows
	}
	e := &Engine{
		transport: t,
		log:       logger.With().Str("component", "sync").Str("transport", string(t.Kind())).Logger(),
		sched:     NewScheduler(opts.Clock),
		windows:   opts.Windows,
		pending:   make(map[string]protocol.GameUpdate),
		playerID:  opts.PlayerID,
	}
	t.SetEvents(e)
	return e
}

func (e *Engine) OnGameUpdate(fn func(u protocol.GameUpdate, state board.GameState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onGameUpdate = fn
}

func (e *Engine) OnSessionJoined(fn func(sess game.Session)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSessionJoined = fn
}

func (e *Engine) OnPlayerJoined(fn func(player game.Player, players []game.Player)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPlayerJoined = fn
}

func (e *Engine) OnPlayerLeft(fn func(playerID string, players []game.Player)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPlayerLeft = fn
}

func (e *Engine) OnError(fn func(err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = fn
}

func (e *Engine) OnConnectionChange(fn func(connected bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnectionChange = fn
}

func (e *Engine) PlayerID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playerID
}

// State returns a copy of the local game state mirror.
func (e *Engine) State() board.GameState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.GameState.Clone()
}

func (e *Engine) Session() (game.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.joined {
		return game.Session{}, false
	}
	sess := e.sess
	sess.GameState = e.sess.GameState.Clone()
	sess.Players = make(map[string]game.Player, len(e.sess.Players))
	for id, p := range e.sess.Players {
		sess.Players[id] = p
	}
	return sess, true
}

func (e *Engine) Players() []game.Player {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Roster()
}

func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// IsGM reports whether the local participant runs the session.
func (e *Engine) IsGM() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.joined && e.sess.IsGM(e.playerID)
}

func (e *Engine) Connect(ctx context.Context) error {
	if err := e.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// CreateSession starts a new session with the local participant as GM.
func (e *Engine) CreateSession(ctx context.Context, sessionName, playerName string) (game.Session, error) {
	return e.join(ctx, JoinRequest{SessionID: protocol.CreateNewSession, PlayerName: playerName, SessionName: sessionName})
}

func (e *Engine) JoinSession(ctx context.Context, sessionID, playerName string) (game.Session, error) {
	return e.join(ctx, JoinRequest{SessionID: protocol.NormalizeToken(sessionID), PlayerName: playerName})
}

func (e *Engine) join(ctx context.Context, req JoinRequest) (game.Session, error) {
	wait := make(chan joinResult, 1)
	e.mu.Lock()
	req.PlayerID = e.playerID
	e.joinWait = wait
	e.mu.Unlock()

	if err := e.transport.JoinSession(ctx, req); err != nil {
		e.mu.Lock()
		e.joinWait = nil
		e.mu.Unlock()
		return game.Session{}, err
	}
	select {
	case res := <-wait:
		return res.sess, res.err
	case <-ctx.Done():
		e.mu.Lock()
		e.joinWait = nil
		e.mu.Unlock()
		return game.Session{}, ctx.Err()
	}
}

func (e *Engine) LeaveSession(ctx context.Context) error {
	e.sched.Flush()
	e.mu.Lock()
	joined := e.joined
	e.joined = false
	e.mu.Unlock()
	if !joined {
		return ErrNotInSession
	}
	return e.transport.LeaveSession(ctx)
}

// Close drops pending edits and closes the transport.
func (e *Engine) Close() error {
	e.sched.Stop()
	return e.transport.Close()
}

// Flush sends every coalesced edit now.
func (e *Engine) Flush() { e.sched.Flush() }

func (e *Engine) SyncTokenAdd(t board.Token) error {
	return e.submit(protocol.KindTokenAdd, "", t)
}

func (e *Engine) SyncTokenMove(id string, x, y int) error {
	return e.SyncTokenUpdate(id, map[string]any{"x": x, "y": y})
}

func (e *Engine) SyncTokenUpdate(id string, updates map[string]any) error {
	return e.submit(protocol.KindTokenUpdate, id, map[string]any{"id": id, "updates": updates})
}

func (e *Engine) SyncTokenRemove(id string) error {
	return e.submit(protocol.KindTokenRemove, id, map[string]any{"id": id})
}

func (e *Engine) SyncDrawingAdd(d board.Drawing) error {
	return e.submit(protocol.KindDrawingAdd, d.ID, d)
}

func (e *Engine) SyncDrawingClear() error {
	return e.submit(protocol.KindDrawingClear, "", nil)
}

func (e *Engine) SyncFog(cells []string) error {
	if cells == nil {
		cells = []string{}
	}
	return e.submit(protocol.KindFogUpdate, "", map[string]any{"fogOfWar": cells})
}

// SyncDoor sets the door at key; nil removes it.
func (e *Engine) SyncDoor(key string, door *board.Door) error {
	return e.submit(protocol.KindDoorUpdate, key, map[string]any{"key": key, "door": door})
}

// SyncWall sets the wall at key; nil removes it.
func (e *Engine) SyncWall(key string, wall *board.Wall) error {
	return e.submit(protocol.KindWallUpdate, key, map[string]any{"key": key, "wall": wall})
}

func (e *Engine) SyncBackground(image string) error {
	return e.submit(protocol.KindBackground, "", map[string]any{"backgroundImage": image})
}

func (e *Engine) SyncGridType(gt board.GridType) error {
	return e.submit(protocol.KindGridType, "", map[string]any{"gridType": gt})
}

func (e *Engine) SyncTextAdd(t board.Text) error {
	return e.submit(protocol.KindTextAdd, "", t)
}

func (e *Engine) SyncTextUpdate(id string, updates map[string]any) error {
	return e.submit(protocol.KindTextUpdate, id, map[string]any{"id": id, "updates": updates})
}

func (e *Engine) SyncTextRemove(id string) error {
	return e.submit(protocol.KindTextRemove, id, map[string]any{"id": id})
}

func (e *Engine) SyncLootAdd(l board.Loot) error {
	return e.submit(protocol.KindLootAdd, "", l)
}

func (e *Engine) SyncLootUpdate(id string, updates map[string]any) error {
	return e.submit(protocol.KindLootUpdate, id, map[string]any{"id": id, "updates": updates})
}

func (e *Engine) SyncLootRemove(id string) error {
	return e.submit(protocol.KindLootRemove, id, map[string]any{"id": id})
}

// SyncGameState replaces every field of the shared state, as a load does.
func (e *Engine) SyncGameState(gs board.GameState) error {
	return e.submit(protocol.KindGameState, "", gs.Clone())
}

// SyncDiceRoll relays an opaque roll result to the other participants.
func (e *Engine) SyncDiceRoll(roll any) error {
	return e.submit(protocol.KindDiceRoll, "", roll)
}

// submit applies a local edit to the mirror and sends or schedules it.
func (e *Engine) submit(kind protocol.UpdateKind, target string, data any) error {
	if e.guard.Active() {
		return ErrSuppressed
	}

	e.mu.Lock()
	if !e.joined {
		e.mu.Unlock()
		return ErrNotInSession
	}
	u, err := protocol.NewUpdate(kind, e.playerID, data)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if u.RequiresGM() && !e.sess.IsGM(e.playerID) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRoleViolation, kind)
	}
	if err := board.Apply(&e.sess.GameState, u); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	if window := e.windows[kind]; window > 0 {
		e.enqueue(e.coalesceKey(kind, target), window, u)
		return nil
	}
	e.sched.Flush()
	return e.send(u)
}

func (e *Engine) coalesceKey(kind protocol.UpdateKind, target string) string {
	if target == "" && kind == protocol.KindDrawingAdd {
		e.pendMu.Lock()
		e.seq++
		target = fmt.Sprintf("#%d", e.seq)
		e.pendMu.Unlock()
	}
	return string(kind) + ":" + target
}

func (e *Engine) enqueue(key string, window time.Duration, u protocol.GameUpdate) {
	e.pendMu.Lock()
	if prev, ok := e.pending[key]; ok {
		u = mergeUpdates(prev, u)
	}
	e.pending[key] = u
	e.pendMu.Unlock()
	e.sched.Schedule(key, window, func() { e.sendPending(key) })
}

func (e *Engine) sendPending(key string) {
	e.pendMu.Lock()
	u, ok := e.pending[key]
	delete(e.pending, key)
	e.pendMu.Unlock()
	if ok {
		if err := e.send(u); err != nil {
			e.log.Warn().Err(err).Str("kind", string(u.Type)).Msg("dropping coalesced update")
		}
	}
}

func (e *Engine) send(u protocol.GameUpdate) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.transport.SendUpdate(context.Background(), u); err != nil {
		e.log.Warn().Err(err).Str("kind", string(u.Type)).Msg("send failed")
		return err
	}
	return nil
}

type changeData struct {
	ID      string                     `json:"id"`
	Updates map[string]json.RawMessage `json:"updates"`
}

// mergeUpdates folds next into prev when both are {id, updates} edits of the
// same entity; otherwise the newer update wins.
func mergeUpdates(prev, next protocol.GameUpdate) protocol.GameUpdate {
	var a, b changeData
	if json.Unmarshal(prev.Data, &a) != nil || json.Unmarshal(next.Data, &b) != nil {
		return next
	}
	if a.ID == "" || a.ID != b.ID || a.Updates == nil || b.Updates == nil {
		return next
	}
	for k, v := range b.Updates {
		a.Updates[k] = v
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return next
	}
	next.Data = raw
	return next
}

func (e *Engine) HandleSessionJoined(sess game.Session, playerID string, created bool) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	e.guard.Enter()
	defer e.guard.Exit()

	e.mu.Lock()
	if playerID != "" {
		e.playerID = playerID
	}
	e.sess = sess
	if e.sess.Players == nil {
		e.sess.Players = map[string]game.Player{}
	}
	e.sess.GameState = sess.GameState.Clone()
	e.joined = true
	wait := e.joinWait
	e.joinWait = nil
	cb := e.onSessionJoined
	e.mu.Unlock()

	e.log.Info().Str("session", sess.ID).Bool("created", created).Msg("joined session")
	if wait != nil {
		wait <- joinResult{sess: sess}
	}
	if cb != nil {
		cb(sess)
	}
}

func (e *Engine) HandleGameUpdate(u protocol.GameUpdate) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	e.guard.Enter()
	defer e.guard.Exit()

	e.mu.Lock()
	if !e.joined {
		e.mu.Unlock()
		return
	}
	err := board.Apply(&e.sess.GameState, u)
	if err == nil && !u.Type.Transient() {
		switch {
		case u.Version > 0:
			e.sess.GameState.Version = u.Version
		default:
			e.sess.GameState.Version++
		}
		e.sess.GameState.LastUpdated = u.Timestamp
	}
	state := e.sess.GameState.Clone()
	cb, onErr := e.onGameUpdate, e.onError
	e.mu.Unlock()

	if err != nil {
		e.log.Warn().Err(err).Str("kind", string(u.Type)).Msg("ignoring remote update")
		if onErr != nil {
			onErr(err)
		}
		return
	}
	if cb != nil {
		cb(u, state)
	}
}

func (e *Engine) HandlePlayerJoined(player game.Player, players []game.Player) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	e.guard.Enter()
	defer e.guard.Exit()

	e.mu.Lock()
	e.setRoster(players, player)
	cb := e.onPlayerJoined
	e.mu.Unlock()
	if cb != nil {
		cb(player, players)
	}
}

func (e *Engine) HandlePlayerLeft(playerID string, players []game.Player) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	e.guard.Enter()
	defer e.guard.Exit()

	e.mu.Lock()
	e.setRoster(players)
	if p, ok := e.sess.Players[playerID]; ok && len(players) == 0 {
		p.IsConnected = false
		e.sess.Players[playerID] = p
	}
	cb := e.onPlayerLeft
	e.mu.Unlock()
	if cb != nil {
		cb(playerID, players)
	}
}

// setRoster replaces the member list when one is given. Callers hold e.mu.
func (e *Engine) setRoster(players []game.Player, extra ...game.Player) {
	if e.sess.Players == nil {
		e.sess.Players = map[string]game.Player{}
	}
	if len(players) > 0 {
		e.sess.Players = make(map[string]game.Player, len(players))
		for _, p := range players {
			e.sess.Players[p.ID] = p
		}
	}
	for _, p := range extra {
		e.sess.Players[p.ID] = p
	}
}

func (e *Engine) HandleError(err error) {
	e.mu.Lock()
	var wait chan joinResult
	if failsJoin(err) {
		wait = e.joinWait
		e.joinWait = nil
	}
	cb := e.onError
	e.mu.Unlock()

	e.log.Warn().Err(err).Msg("remote error")
	if wait != nil {
		wait <- joinResult{err: err}
	}
	if cb != nil {
		cb(err)
	}
}

// failsJoin reports whether err answers a pending join. Rejections of
// in-flight updates leave the join waiting.
func failsJoin(err error) bool {
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		return true
	}
	switch pe.Code {
	case protocol.CodeSessionNotFound, protocol.CodeSessionFull, protocol.CodeInternal, protocol.CodeInvalidMessage:
		return true
	}
	return false
}

func (e *Engine) HandleConnectionChange(connected bool) {
	e.mu.Lock()
	changed := e.connected != connected
	e.connected = connected
	cb := e.onConnectionChange
	e.mu.Unlock()

	if changed && cb != nil {
		cb(connected)
	}
}

// IsProtocolError reports whether err came from the other side with code.
func IsProtocolError(err error, code string) bool {
	var pe *protocol.Error
	return errors.As(err, &pe) && pe.Code == code
}
