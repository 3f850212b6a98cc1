// Package poll serves the HTTP polling surface for clients that cannot hold a
// socket open.
package poll

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/tabletop/internal/board"
	"github.com/kiliankoe/tabletop/internal/game"
	"github.com/kiliankoe/tabletop/internal/protocol"
	"github.com/kiliankoe/tabletop/internal/relay"
)

const DefaultPresenceTimeout = 60 * time.Second

type Options struct {
	Logger          *zerolog.Logger
	PresenceTimeout time.Duration
	Now             func() time.Time
}

type Handler struct {
	relay    *relay.Relay
	store    *game.Store
	presence *presence
	log      zerolog.Logger
	opts     Options
}

func New(rl *relay.Relay, opts Options) *Handler {
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = DefaultPresenceTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Handler{
		relay:    rl,
		store:    rl.Store(),
		presence: newPresence(),
		log:      logger.With().Str("component", "poll").Logger(),
		opts:     opts,
	}
}

type connectRequest struct {
	PlayerID string `json:"playerId" binding:"max=128"`
}

type joinRequest struct {
	SessionID   string `json:"sessionId" binding:"required"`
	PlayerID    string `json:"playerId" binding:"required,max=128"`
	PlayerName  string `json:"playerName" binding:"max=64"`
	SessionName string `json:"sessionName"`
}

type updateRequest struct {
	SessionID string          `json:"sessionId" binding:"required"`
	PlayerID  string          `json:"playerId" binding:"required"`
	Update    json.RawMessage `json:"update" binding:"required"`
}

type leaveRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	PlayerID  string `json:"playerId" binding:"required"`
}

type pollQuery struct {
	SessionID string `form:"sessionId" binding:"required"`
	Version   int64  `form:"version"`
	PlayerID  string `form:"playerId"`
}

type pollResponse struct {
	Success   bool                  `json:"success"`
	Updates   []protocol.GameUpdate `json:"updates"`
	Version   int64                 `json:"version"`
	Players   []game.Player         `json:"players"`
	GameState *board.GameState      `json:"gameState,omitempty"`
}

// Mount registers the /api polling endpoints on r.
func (h *Handler) Mount(r gin.IRouter) {
	api := r.Group("/api")
	api.Use(cors)
	api.OPTIONS("/*endpoint", func(c *gin.Context) { c.Status(http.StatusOK) })
	api.POST("/connect", h.connect)
	api.POST("/join", h.join)
	api.POST("/update", h.update)
	api.POST("/leave", h.leave)
	api.GET("/poll", h.poll)
}

func cors(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type")
	c.Next()
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": message, "code": code})
}

func failErr(c *gin.Context, err error) {
	code := relay.ErrorCode(err)
	status := http.StatusBadRequest
	switch code {
	case protocol.CodeSessionNotFound:
		status = http.StatusNotFound
	case protocol.CodeSessionFull:
		status = http.StatusConflict
	case protocol.CodeRoleViolation:
		status = http.StatusForbidden
	case protocol.CodeInternal:
		status = http.StatusInternalServerError
	}
	message := err.Error()
	if errors.Is(err, game.ErrSessionNotFound) {
		message = "Session not found"
	}
	fail(c, status, code, message)
}

func (h *Handler) connect(c *gin.Context) {
	var req connectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, protocol.CodeInvalidMessage, "Invalid message format")
			return
		}
	}
	if req.PlayerID == "" {
		req.PlayerID = uuid.NewString()
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "playerId": req.PlayerID})
}

func (h *Handler) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, protocol.CodeInvalidMessage, "Invalid message format")
		return
	}

	if req.SessionID == protocol.CreateNewSession {
		sess, err := h.store.CreateSession(req.SessionName, req.PlayerID, req.PlayerName)
		if err != nil {
			failErr(c, err)
			return
		}
		h.presence.touch(sess.ID, req.PlayerID, h.opts.Now())
		h.log.Info().Str("session", sess.ID).Str("playerId", req.PlayerID).Msg("session created")
		c.JSON(http.StatusOK, gin.H{"success": true, "session": sess, "type": protocol.TypeSessionCreated})
		return
	}

	player, sess, err := h.store.AddPlayer(req.SessionID, req.PlayerID, req.PlayerName)
	if err != nil {
		failErr(c, err)
		return
	}
	h.presence.touch(sess.ID, player.ID, h.opts.Now())
	h.relay.AnnounceJoin(sess, player)
	h.log.Info().Str("session", sess.ID).Str("playerId", player.ID).Msg("joined")
	c.JSON(http.StatusOK, gin.H{"success": true, "session": sess, "type": protocol.TypeJoinSession})
}

func (h *Handler) update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, protocol.CodeInvalidMessage, "Invalid message format")
		return
	}
	u, err := protocol.ParseUpdate(req.Update)
	if err != nil {
		failErr(c, err)
		return
	}
	u.PlayerID = req.PlayerID
	if _, err := h.store.Player(req.SessionID, req.PlayerID); err != nil {
		if errors.Is(err, game.ErrPlayerNotFound) {
			err = relay.ErrNotInSession
		}
		failErr(c, err)
		return
	}

	version, err := h.relay.Publish(req.SessionID, u, "")
	if err != nil {
		h.log.Warn().Str("session", req.SessionID).Str("playerId", req.PlayerID).Str("kind", string(u.Type)).Err(err).Msg("update rejected")
		failErr(c, err)
		return
	}
	h.presence.touch(protocol.NormalizeToken(req.SessionID), req.PlayerID, h.opts.Now())
	c.JSON(http.StatusOK, gin.H{"success": true, "version": version})
}

func (h *Handler) leave(c *gin.Context) {
	var req leaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, protocol.CodeInvalidMessage, "Invalid message format")
		return
	}
	sessionID := protocol.NormalizeToken(req.SessionID)
	h.presence.forget(sessionID, req.PlayerID)
	if err := h.release(sessionID, req.PlayerID); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) poll(c *gin.Context) {
	var q pollQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, protocol.CodeInvalidMessage, "Invalid message format")
		return
	}
	if q.PlayerID != "" {
		h.heardFrom(q.SessionID, q.PlayerID)
	}

	updates, current, complete, err := h.store.UpdatesSince(q.SessionID, q.Version)
	if err != nil {
		failErr(c, err)
		return
	}
	sess, err := h.store.Get(q.SessionID)
	if err != nil {
		failErr(c, err)
		return
	}
	resp := pollResponse{Success: true, Updates: updates, Version: current, Players: sess.Roster()}
	if resp.Updates == nil {
		resp.Updates = []protocol.GameUpdate{}
	}
	if !complete {
		gs := sess.GameState
		resp.GameState = &gs
		resp.Version = gs.Version
	}
	c.JSON(http.StatusOK, resp)
}

// heardFrom refreshes presence and brings back a member the sweep dropped.
func (h *Handler) heardFrom(sessionID, playerID string) {
	p, err := h.store.Player(sessionID, playerID)
	if err != nil {
		return
	}
	h.presence.touch(protocol.NormalizeToken(sessionID), playerID, h.opts.Now())
	if p.IsConnected {
		return
	}
	player, sess, err := h.store.AddPlayer(sessionID, playerID, "")
	if err != nil {
		return
	}
	h.relay.AnnounceJoin(sess, player)
}

func (h *Handler) release(sessionID, playerID string) error {
	if h.relay.Registry().HasPlayer(sessionID, playerID, "") {
		return nil
	}
	sess, err := h.store.MarkDisconnected(sessionID, playerID)
	if err != nil {
		return err
	}
	h.relay.AnnounceLeave(sess, playerID)
	h.log.Info().Str("session", sessionID).Str("playerId", playerID).Msg("left")
	return nil
}

// Sweep marks polling players that stopped polling as disconnected.
func (h *Handler) Sweep() {
	for _, m := range h.presence.expire(h.opts.Now(), h.opts.PresenceTimeout) {
		if err := h.release(m.SessionID, m.PlayerID); err != nil {
			h.log.Debug().Err(err).Str("session", m.SessionID).Msg("presence sweep")
		}
	}
}

// Run sweeps presence until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.PresenceTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}
