// Package protocol defines the JSON wire contract shared by the relay, the
// polling surface and the client sync engine.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type MessageType string

const (
	TypeJoinSession    MessageType = "join_session"
	TypeLeaveSession   MessageType = "leave_session"
	TypeGameUpdate     MessageType = "game_update"
	TypePlayerJoined   MessageType = "player_joined"
	TypePlayerLeft     MessageType = "player_left"
	TypeSessionCreated MessageType = "session_created"
	TypeError          MessageType = "error"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
)

// CreateNewSession is the sessionId a join_session carries to ask for a fresh session.
const CreateNewSession = "create_new"

var ErrMalformedEnvelope = errors.New("malformed envelope")

var validate = validator.New()

// Envelope is the outer frame of every message exchanged with the relay.
type Envelope struct {
	Type       MessageType     `json:"type" validate:"required"`
	SessionID  string          `json:"sessionId,omitempty"`
	PlayerID   string          `json:"playerId,omitempty" validate:"max=128"`
	PlayerName string          `json:"playerName,omitempty" validate:"max=64"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ClientSendable reports whether a client is allowed to originate the message type.
func (t MessageType) ClientSendable() bool {
	switch t {
	case TypeJoinSession, TypeLeaveSession, TypeGameUpdate, TypePing, TypePong:
		return true
	}
	return false
}

// ParseEnvelope decodes and validates a raw frame. Any failure wraps ErrMalformedEnvelope.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// NewEnvelope builds an envelope stamped with the current time, marshaling data when non-nil.
func NewEnvelope(t MessageType, sessionID string, data any) (Envelope, error) {
	env := Envelope{Type: t, SessionID: sessionID, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := marshalData(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s data: %w", t, err)
		}
		env.Data = raw
	}
	return env, nil
}

// Encode marshals an envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}

// GameUpdate is the payload of a game_update envelope.
type GameUpdate struct {
	Type      UpdateKind      `json:"type" validate:"required"`
	Data      json.RawMessage `json:"data,omitempty"`
	PlayerID  string          `json:"playerId"`
	Timestamp time.Time       `json:"timestamp"`
	// Version is stamped by the server with the post-apply game state version.
	Version int64 `json:"version,omitempty"`
}

// NewUpdate builds an update tagged with its originating player.
func NewUpdate(kind UpdateKind, playerID string, data any) (GameUpdate, error) {
	u := GameUpdate{Type: kind, PlayerID: playerID, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := marshalData(data)
		if err != nil {
			return GameUpdate{}, fmt.Errorf("marshal %s data: %w", kind, err)
		}
		u.Data = raw
	}
	return u, nil
}

// ParseUpdate decodes the data of a game_update envelope.
func ParseUpdate(raw json.RawMessage) (GameUpdate, error) {
	var u GameUpdate
	if len(raw) == 0 {
		return GameUpdate{}, fmt.Errorf("%w: missing update", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return GameUpdate{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validate.Struct(u); err != nil {
		return GameUpdate{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return u, nil
}

func marshalData(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}
