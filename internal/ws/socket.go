package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/tabletop/internal/relay"
)

// MessageEvent carries the JSON envelopes over Socket.IO.
const MessageEvent = "message"

type ConnCtx struct {
	ConnID string
	conn   *sioConn
}

type sioConn struct {
	*outbox
	s socketio.Conn
}

func (c *sioConn) pump() {
	for {
		select {
		case payload := <-c.queue:
			c.s.Emit(MessageEvent, string(payload))
		case <-c.done:
			c.s.Close()
			return
		}
	}
}

type Server struct {
	relay      *relay.Relay
	sendBuffer int
}

func NewSocketServer(rl *relay.Relay, sendBuffer int) *Server {
	return &Server{relay: rl, sendBuffer: sendBuffer}
}

// Mount attaches the Socket.IO server to the given Gin engine.
func (srv *Server) Mount(r *gin.Engine) *socketio.Server {
	io := socketio.NewServer(nil)

	io.OnConnect("/", func(s socketio.Conn) error {
		c := &sioConn{outbox: newOutbox(srv.sendBuffer), s: s}
		id := srv.relay.Connect(c)
		s.SetContext(&ConnCtx{ConnID: id, conn: c})
		go c.pump()
		log.Info().Str("sid", s.ID()).Str("conn", id).Msg("socket connected")
		return nil
	})

	io.OnEvent("/", MessageEvent, func(s socketio.Conn, msg string) {
		ctx, ok := s.Context().(*ConnCtx)
		if !ok {
			return
		}
		srv.relay.Handle(ctx.ConnID, []byte(msg))
	})

	io.OnError("/", func(s socketio.Conn, e error) {
		if s == nil {
			log.Error().Err(e).Msg("socket error")
			return
		}
		log.Error().Str("sid", s.ID()).Err(e).Msg("socket error")
	})

	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		if ctx, ok := s.Context().(*ConnCtx); ok {
			srv.relay.Disconnect(ctx.ConnID)
			ctx.conn.Close()
		}
		log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	go io.Serve()

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	// Basic CORS preflight for Socket.IO POST
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}
