// Package client is the browser-side sync engine expressed as a Go library:
// it throttles local edits, suppresses echo loops and applies remote updates
// through the shared board reducer whatever transport carries them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kiliankoe/tabletop/internal/game"
	"github.com/kiliankoe/tabletop/internal/protocol"
)

var (
	ErrConnection    = errors.New("connection failed")
	ErrNotConnected  = errors.New("not connected")
	ErrNotInSession  = errors.New("not in a session")
	ErrSuppressed    = errors.New("sync suppressed while applying a remote update")
	ErrRoleViolation = errors.New("only the GM may send this update")
	ErrNoRealtimeDB  = errors.New("no realtime database configured")
)

type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindPolling   Kind = "polling"
	KindRealtime  Kind = "realtime"
)

func (k Kind) valid() bool {
	switch k {
	case KindWebSocket, KindPolling, KindRealtime:
		return true
	}
	return false
}

// JoinRequest asks a transport to create (SessionID == protocol.CreateNewSession)
// or join a session.
type JoinRequest struct {
	SessionID   string
	PlayerID    string
	PlayerName  string
	SessionName string
}

// Events receives everything a transport learns from the other side. The
// Engine implements it.
type Events interface {
	HandleSessionJoined(sess game.Session, playerID string, created bool)
	HandleGameUpdate(u protocol.GameUpdate)
	HandlePlayerJoined(player game.Player, players []game.Player)
	HandlePlayerLeft(playerID string, players []game.Player)
	HandleError(err error)
	HandleConnectionChange(connected bool)
}

// Transport carries session traffic to and from one backend.
type Transport interface {
	Kind() Kind
	SetEvents(ev Events)
	Connect(ctx context.Context) error
	JoinSession(ctx context.Context, req JoinRequest) error
	SendUpdate(ctx context.Context, u protocol.GameUpdate) error
	LeaveSession(ctx context.Context) error
	Close() error
}

// Environment describes where the client runs.
type Environment struct {
	// Override forces a transport kind when set.
	Override Kind
	// Host is the hostname the client was served from.
	Host string
	// ServerURL is the http(s) base URL of the relay.
	ServerURL  string
	RealtimeDB RealtimeDB
}

var serverlessHosts = []string{".netlify.app", ".vercel.app"}

// SelectKind picks a transport: an explicit override wins, then a configured
// realtime database, then polling on serverless hosts, else WebSocket.
func SelectKind(env Environment) Kind {
	if env.Override.valid() {
		return env.Override
	}
	if env.RealtimeDB != nil {
		return KindRealtime
	}
	host := strings.ToLower(strings.TrimSpace(env.Host))
	for _, suffix := range serverlessHosts {
		if strings.HasSuffix(host, suffix) {
			return KindPolling
		}
	}
	return KindWebSocket
}

// NewTransport builds the transport SelectKind chooses.
func NewTransport(env Environment, logger *zerolog.Logger) (Transport, error) {
	switch kind := SelectKind(env); kind {
	case KindRealtime:
		if env.RealtimeDB == nil {
			return nil, ErrNoRealtimeDB
		}
		return NewRealtimeTransport(env.RealtimeDB, RealtimeOptions{Logger: logger}), nil
	case KindPolling:
		return NewPollingTransport(PollingOptions{BaseURL: env.ServerURL, Logger: logger})
	default:
		return NewWebSocketTransport(WebSocketOptions{URL: env.ServerURL, Logger: logger})
	}
}

// remoteError turns an error envelope into a Go error.
func remoteError(data []byte) error {
	var e protocol.Error
	if err := json.Unmarshal(data, &e); err != nil || (e.Code == "" && e.Message == "") {
		return fmt.Errorf("%w: malformed error message", ErrConnection)
	}
	return &e
}
