package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/tabletop/internal/game"
	"github.com/kiliankoe/tabletop/internal/protocol"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
	wsWriteWait       = 10 * time.Second
)

type WebSocketOptions struct {
	// URL of the relay. http(s) is rewritten to ws(s) and an empty path
	// becomes /ws.
	URL        string
	Logger     *zerolog.Logger
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxAttempts bounds reconnection attempts; zero retries forever.
	MaxAttempts int
}

// WebSocketTransport talks the envelope protocol to the relay over one
// socket, reconnecting and rejoining when the socket drops.
type WebSocketTransport struct {
	url    string
	dialer *websocket.Dialer
	log    zerolog.Logger
	opts   WebSocketOptions

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	events    Events
	lastJoin  *JoinRequest
	sessionID string
	closed    bool
	done      chan struct{}
}

func NewWebSocketTransport(opts WebSocketOptions) (*WebSocketTransport, error) {
	u, err := socketURL(opts.URL)
	if err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &WebSocketTransport{
		url:    u,
		dialer: opts.Dialer,
		log:    logger.With().Str("component", "ws-client").Logger(),
		opts:   opts,
		done:   make(chan struct{}),
	}, nil
}

func socketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: invalid server url %q", ErrConnection, raw)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrConnection, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (t *WebSocketTransport) Kind() Kind { return KindWebSocket }

func (t *WebSocketTransport) SetEvents(ev Events) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = ev
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return err
	}
	if !t.attach(conn) {
		conn.Close()
		return ErrNotConnected
	}
	t.log.Info().Str("url", t.url).Msg("connected")
	return nil
}

// attach installs conn, starts its reader and rejoins the last session.
func (t *WebSocketTransport) attach(conn *websocket.Conn) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.conn = conn
	ev := t.events
	var rejoin *JoinRequest
	if t.lastJoin != nil {
		req := *t.lastJoin
		rejoin = &req
	}
	t.mu.Unlock()

	go t.readLoop(conn)
	if ev != nil {
		ev.HandleConnectionChange(true)
	}
	if rejoin != nil {
		if err := t.sendJoin(*rejoin); err != nil {
			t.log.Warn().Err(err).Str("session", rejoin.SessionID).Msg("rejoin failed")
		}
	}
	return true
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Warn().Err(err).Msg("connection lost")
			}
			break
		}
		t.dispatch(data)
	}

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	closed := t.closed
	ev := t.events
	t.mu.Unlock()
	conn.Close()

	if ev != nil {
		ev.HandleConnectionChange(false)
	}
	if !closed {
		go t.reconnect()
	}
}

func (t *WebSocketTransport) reconnect() {
	backoff := t.opts.MinBackoff
	for attempt := 1; t.opts.MaxAttempts == 0 || attempt <= t.opts.MaxAttempts; attempt++ {
		select {
		case <-t.done:
			return
		case <-time.After(backoff):
		}
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
		conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
		cancel()
		if err == nil {
			if !t.attach(conn) {
				conn.Close()
			} else {
				t.log.Info().Int("attempt", attempt).Msg("reconnected")
			}
			return
		}
		t.log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("reconnect failed")
		backoff = min(backoff*2, t.opts.MaxBackoff)
	}
	t.log.Error().Int("attempts", t.opts.MaxAttempts).Msg("giving up reconnecting")
	t.mu.Lock()
	ev := t.events
	t.mu.Unlock()
	if ev != nil {
		ev.HandleError(fmt.Errorf("%w: reconnect attempts exhausted", ErrConnection))
	}
}

func (t *WebSocketTransport) dispatch(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		t.log.Warn().Err(err).Msg("discarding frame")
		return
	}
	t.mu.Lock()
	ev := t.events
	t.mu.Unlock()
	if ev == nil {
		return
	}

	switch env.Type {
	case protocol.TypeSessionCreated, protocol.TypeJoinSession:
		var sess game.Session
		if err := env.DecodeData(&sess); err != nil {
			t.log.Warn().Err(err).Msg("bad session payload")
			return
		}
		t.mu.Lock()
		t.sessionID = sess.ID
		if t.lastJoin != nil {
			t.lastJoin.SessionID = sess.ID
			t.lastJoin.SessionName = ""
		}
		t.mu.Unlock()
		ev.HandleSessionJoined(sess, env.PlayerID, env.Type == protocol.TypeSessionCreated)
	case protocol.TypeGameUpdate:
		u, err := protocol.ParseUpdate(env.Data)
		if err != nil {
			t.log.Warn().Err(err).Msg("bad update payload")
			return
		}
		ev.HandleGameUpdate(u)
	case protocol.TypePlayerJoined:
		var d struct {
			Player  game.Player   `json:"player"`
			Players []game.Player `json:"players"`
		}
		if err := env.DecodeData(&d); err == nil {
			ev.HandlePlayerJoined(d.Player, d.Players)
		}
	case protocol.TypePlayerLeft:
		var d struct {
			PlayerID string        `json:"playerId"`
			Players  []game.Player `json:"players"`
		}
		if err := env.DecodeData(&d); err == nil {
			ev.HandlePlayerLeft(d.PlayerID, d.Players)
		}
	case protocol.TypeError:
		ev.HandleError(remoteError(env.Data))
	case protocol.TypePing:
		if err := t.write(protocol.TypePong, env.SessionID, "", nil); err != nil {
			t.log.Debug().Err(err).Msg("pong")
		}
	case protocol.TypePong:
	default:
		t.log.Debug().Str("type", string(env.Type)).Msg("ignoring message")
	}
}

func (t *WebSocketTransport) write(mt protocol.MessageType, sessionID string, playerID string, data any) error {
	env, err := protocol.NewEnvelope(mt, sessionID, data)
	if err != nil {
		return err
	}
	env.PlayerID = playerID
	return t.writeEnvelope(env)
}

func (t *WebSocketTransport) writeEnvelope(env protocol.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WebSocketTransport) JoinSession(_ context.Context, req JoinRequest) error {
	t.mu.Lock()
	t.lastJoin = &req
	t.mu.Unlock()
	return t.sendJoin(req)
}

func (t *WebSocketTransport) sendJoin(req JoinRequest) error {
	var data any
	if req.SessionID == protocol.CreateNewSession && req.SessionName != "" {
		data = map[string]string{"sessionName": req.SessionName}
	}
	env, err := protocol.NewEnvelope(protocol.TypeJoinSession, req.SessionID, data)
	if err != nil {
		return err
	}
	env.PlayerID = req.PlayerID
	env.PlayerName = req.PlayerName
	return t.writeEnvelope(env)
}

func (t *WebSocketTransport) SendUpdate(_ context.Context, u protocol.GameUpdate) error {
	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()
	if sessionID == "" {
		return ErrNotInSession
	}
	return t.write(protocol.TypeGameUpdate, sessionID, u.PlayerID, u)
}

func (t *WebSocketTransport) LeaveSession(_ context.Context) error {
	t.mu.Lock()
	sessionID := t.sessionID
	t.sessionID = ""
	t.lastJoin = nil
	t.mu.Unlock()
	if sessionID == "" {
		return ErrNotInSession
	}
	return t.write(protocol.TypeLeaveSession, sessionID, "", nil)
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		t.log.Debug().Err(err).Msg("close frame")
	}
	return conn.Close()
}
