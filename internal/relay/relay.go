// Package relay binds transport connections to sessions and rebroadcasts the
// updates the session store accepts.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/tabletop/internal/game"
	"github.com/kiliankoe/tabletop/internal/protocol"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotInSession      = errors.New("not in a session")
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultIdleTimeout       = 24 * time.Hour
	DefaultEvictionInterval  = time.Hour
)

type Options struct {
	Logger            *zerolog.Logger
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	EvictionInterval  time.Duration
	// ExportDir receives a JSON save of every evicted session when set.
	ExportDir string
	Now       func() time.Time
}

type Relay struct {
	store *game.Store
	reg   *Registry
	log   zerolog.Logger
	opts  Options
}

func New(store *game.Store, opts Options) *Relay {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = DefaultEvictionInterval
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Relay{
		store: store,
		reg:   NewRegistry(),
		log:   logger.With().Str("component", "relay").Logger(),
		opts:  opts,
	}
}

func (r *Relay) Store() *game.Store { return r.store }
func (r *Relay) Registry() *Registry { return r.reg }

// Connect registers a new unbound connection.
func (r *Relay) Connect(t Transport) string {
	id := r.reg.Register(t)
	r.log.Debug().Str("conn", id).Msg("connected")
	return id
}

// Touch records a transport level liveness pulse such as a WebSocket pong.
func (r *Relay) Touch(connID string) { r.reg.Touch(connID) }

// Disconnect forgets the connection and releases its binding.
func (r *Relay) Disconnect(connID string) {
	_, b, bound := r.reg.Remove(connID)
	if bound {
		r.release(connID, b)
	}
	r.log.Debug().Str("conn", connID).Msg("disconnected")
}

// Handle dispatches one raw inbound frame. Nothing here closes the connection.
func (r *Relay) Handle(connID string, raw []byte) {
	r.reg.Touch(connID)

	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		r.log.Debug().Str("conn", connID).Err(err).Msg("discarding malformed message")
		r.replyError(connID, "", protocol.CodeInvalidMessage, "Invalid message format")
		return
	}

	if !env.Type.ClientSendable() {
		r.replyError(connID, env.SessionID, protocol.CodeUnsupportedMessage, "Unsupported message type")
		return
	}

	switch env.Type {
	case protocol.TypeJoinSession:
		r.handleJoin(connID, env)
	case protocol.TypeLeaveSession:
		r.handleLeave(connID)
	case protocol.TypeGameUpdate:
		r.handleUpdate(connID, env)
	case protocol.TypePing:
		r.reply(connID, protocol.TypePong, env.SessionID, "", nil)
	case protocol.TypePong:
	}
}

type joinData struct {
	SessionName string `json:"sessionName"`
}

type playerJoinedData struct {
	Player  game.Player   `json:"player"`
	Players []game.Player `json:"players"`
}

type playerLeftData struct {
	PlayerID string        `json:"playerId"`
	Players  []game.Player `json:"players"`
}

func (r *Relay) handleJoin(connID string, env protocol.Envelope) {
	if env.SessionID == protocol.CreateNewSession {
		var data joinData
		if len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, &data)
		}
		sess, err := r.store.CreateSession(data.SessionName, env.PlayerID, env.PlayerName)
		if err != nil {
			r.log.Error().Err(err).Msg("create session")
			r.replyError(connID, "", protocol.CodeInternal, "Could not create session")
			return
		}
		r.bind(connID, sess.ID, sess.GMID)
		r.log.Info().Str("conn", connID).Str("session", sess.ID).Str("playerId", sess.GMID).Msg("session created")
		r.reply(connID, protocol.TypeSessionCreated, sess.ID, sess.GMID, sess)
		return
	}

	player, sess, err := r.store.AddPlayer(env.SessionID, env.PlayerID, env.PlayerName)
	switch {
	case errors.Is(err, game.ErrSessionNotFound):
		r.replyError(connID, env.SessionID, protocol.CodeSessionNotFound, "Session not found")
		return
	case errors.Is(err, game.ErrSessionFull):
		r.replyError(connID, env.SessionID, protocol.CodeSessionFull, "Session is full")
		return
	case err != nil:
		r.log.Error().Err(err).Str("session", env.SessionID).Msg("join session")
		r.replyError(connID, env.SessionID, protocol.CodeInternal, err.Error())
		return
	}

	r.bind(connID, sess.ID, player.ID)
	r.log.Info().Str("conn", connID).Str("session", sess.ID).Str("playerId", player.ID).Msg("joined")
	r.reply(connID, protocol.TypeJoinSession, sess.ID, player.ID, sess)
	r.announce(sess.ID, protocol.TypePlayerJoined, player.ID, playerJoinedData{Player: player, Players: sess.Roster()}, connID)
}

// bind attaches the connection and releases a binding it held elsewhere.
func (r *Relay) bind(connID, sessionID, playerID string) {
	prev, had := r.reg.Bind(connID, sessionID, playerID)
	if had && prev != (Binding{SessionID: sessionID, PlayerID: playerID}) {
		r.release(connID, prev)
	}
}

func (r *Relay) handleLeave(connID string) {
	b, ok := r.reg.Unbind(connID)
	if !ok {
		return
	}
	r.log.Info().Str("conn", connID).Str("session", b.SessionID).Str("playerId", b.PlayerID).Msg("left")
	r.release(connID, b)
}

// release marks the player offline once no other connection carries it.
func (r *Relay) release(connID string, b Binding) {
	if r.reg.HasPlayer(b.SessionID, b.PlayerID, connID) {
		return
	}
	sess, err := r.store.MarkDisconnected(b.SessionID, b.PlayerID)
	if err != nil {
		r.log.Debug().Err(err).Str("session", b.SessionID).Msg("release binding")
		return
	}
	r.AnnounceLeave(sess, b.PlayerID)
}

func (r *Relay) handleUpdate(connID string, env protocol.Envelope) {
	b, ok := r.reg.Binding(connID)
	if !ok {
		r.replyError(connID, env.SessionID, protocol.CodeNotInSession, "Not in a session")
		return
	}
	u, err := protocol.ParseUpdate(env.Data)
	if err != nil {
		r.replyError(connID, b.SessionID, protocol.CodeInvalidMessage, "Invalid message format")
		return
	}
	// the binding is authoritative for who sent it
	u.PlayerID = b.PlayerID

	if _, err := r.Publish(b.SessionID, u, connID); err != nil {
		code := ErrorCode(err)
		r.log.Warn().Str("session", b.SessionID).Str("playerId", b.PlayerID).Str("kind", string(u.Type)).Err(err).Msg("update rejected")
		r.replyError(connID, b.SessionID, code, err.Error())
	}
}

// Publish applies u to the session and rebroadcasts the stamped update to
// every push connection of the session except originConn.
//
// Connections that cannot take the update are dropped once the session lock
// is released, so a stalled reader never misses updates silently.
func (r *Relay) Publish(sessionID string, u protocol.GameUpdate, originConn string) (int64, error) {
	var failed []string
	v, err := r.store.ApplyUpdateThen(sessionID, u, func(stamped protocol.GameUpdate) {
		env, err := protocol.NewEnvelope(protocol.TypeGameUpdate, sessionID, stamped)
		if err != nil {
			r.log.Error().Err(err).Msg("encode update")
			return
		}
		env.PlayerID = stamped.PlayerID
		payload, err := env.Encode()
		if err != nil {
			r.log.Error().Err(err).Msg("encode update")
			return
		}
		_, failed = r.reg.Broadcast(sessionID, payload, originConn)
	})
	for _, id := range failed {
		r.drop(id, "send buffer full")
	}
	return v, err
}

// AnnounceJoin tells the session's push connections about a member that
// joined through another surface.
func (r *Relay) AnnounceJoin(sess game.Session, player game.Player) {
	r.announce(sess.ID, protocol.TypePlayerJoined, player.ID, playerJoinedData{Player: player, Players: sess.Roster()}, "")
}

func (r *Relay) AnnounceLeave(sess game.Session, playerID string) {
	r.announce(sess.ID, protocol.TypePlayerLeft, playerID, playerLeftData{PlayerID: playerID, Players: sess.Roster()}, "")
}

func (r *Relay) announce(sessionID string, t protocol.MessageType, playerID string, data any, exclude string) {
	payload, err := r.encode(t, sessionID, playerID, data)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(t)).Msg("encode announcement")
		return
	}
	_, failed := r.reg.Broadcast(sessionID, payload, exclude)
	for _, id := range failed {
		r.drop(id, "send buffer full")
	}
}

// drop closes a connection the relay gave up on and releases its binding.
func (r *Relay) drop(connID, reason string) {
	t, b, bound := r.reg.Remove(connID)
	if t == nil {
		return
	}
	_ = t.Close()
	if bound {
		r.release(connID, b)
	}
	r.log.Warn().Str("conn", connID).Str("session", b.SessionID).Str("playerId", b.PlayerID).Str("reason", reason).Msg("dropping connection")
}

func (r *Relay) reply(connID string, t protocol.MessageType, sessionID, playerID string, data any) {
	payload, err := r.encode(t, sessionID, playerID, data)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(t)).Msg("encode reply")
		return
	}
	if err := r.reg.Send(connID, payload); err != nil {
		r.log.Debug().Err(err).Str("conn", connID).Msg("send failed")
	}
}

func (r *Relay) replyError(connID, sessionID, code, message string) {
	r.reply(connID, protocol.TypeError, sessionID, "", protocol.Error{Code: code, Message: message})
}

func (r *Relay) encode(t protocol.MessageType, sessionID, playerID string, data any) ([]byte, error) {
	env, err := protocol.NewEnvelope(t, sessionID, data)
	if err != nil {
		return nil, err
	}
	env.PlayerID = playerID
	return env.Encode()
}

// ErrorCode maps store and protocol errors to wire codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, game.ErrSessionNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, game.ErrSessionFull):
		return protocol.CodeSessionFull
	case errors.Is(err, game.ErrRoleViolation):
		return protocol.CodeRoleViolation
	case errors.Is(err, game.ErrUnsupportedUpdate):
		return protocol.CodeUnsupportedUpdate
	case errors.Is(err, game.ErrInvalidUpdate):
		return protocol.CodeInvalidUpdate
	case errors.Is(err, protocol.ErrMalformedEnvelope):
		return protocol.CodeInvalidMessage
	case errors.Is(err, ErrNotInSession):
		return protocol.CodeNotInSession
	}
	return protocol.CodeInternal
}

// Heartbeat closes connections that missed the previous ping and pings the rest.
func (r *Relay) Heartbeat() {
	for _, id := range r.reg.Sweep() {
		last, _ := r.reg.LastPing(id)
		r.log.Info().Str("conn", id).Time("lastPing", last).Msg("connection timed out")
		r.drop(id, "heartbeat timeout")
	}

	payload, err := r.encode(protocol.TypePing, "", "", nil)
	if err != nil {
		return
	}
	r.reg.SendAll(payload)
}

// Evict drops idle sessions and exports them when an export dir is set.
func (r *Relay) Evict() []game.Session {
	evicted := r.store.EvictIdle(r.opts.Now(), r.opts.IdleTimeout)
	for _, sess := range evicted {
		ev := r.log.Info().Str("session", sess.ID).Int64("version", sess.GameState.Version)
		if r.opts.ExportDir != "" {
			path, err := game.ExportSession(sess, r.opts.ExportDir)
			if err != nil {
				r.log.Error().Err(err).Str("session", sess.ID).Msg("export session")
			} else {
				ev = ev.Str("export", path)
			}
		}
		ev.Msg("session evicted")
	}
	return evicted
}

// Run drives the heartbeat and eviction loops until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	heartbeat := time.NewTicker(r.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	eviction := time.NewTicker(r.opts.EvictionInterval)
	defer eviction.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			r.Heartbeat()
		case <-eviction.C:
			r.Evict()
		}
	}
}
