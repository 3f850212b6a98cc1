// Package ws adapts WebSocket and Socket.IO connections onto the relay.
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/tabletop/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 20
)

type HandlerConfig struct {
	Logger       *zerolog.Logger
	SendBuffer   int
	PingInterval time.Duration
}

// Handler serves the raw WebSocket endpoint.
type Handler struct {
	relay    *relay.Relay
	log      zerolog.Logger
	upgrader websocket.Upgrader
	cfg      HandlerConfig
}

func NewHandler(rl *relay.Relay, cfg HandlerConfig) *Handler {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = relay.DefaultHeartbeatInterval
	}
	return &Handler{
		relay: rl,
		log:   logger.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		cfg: cfg,
	}
}

type wsConn struct {
	*outbox
	conn *websocket.Conn
}

func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	c := &wsConn{outbox: newOutbox(h.cfg.SendBuffer), conn: conn}
	id := h.relay.Connect(c)
	h.log.Info().Str("conn", id).Str("remote", r.RemoteAddr).Msg("websocket connected")

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		h.relay.Touch(id)
		return nil
	})
	go c.writePump(h.cfg.PingInterval)

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Str("conn", id).Err(err).Msg("websocket read")
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		h.relay.Handle(id, payload)
	}

	h.relay.Disconnect(id)
	c.Close()
	h.log.Info().Str("conn", id).Msg("websocket disconnected")
}

func (c *wsConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.queue:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
			return
		}
	}
}
