package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/tabletop/internal/board"
	"github.com/kiliankoe/tabletop/internal/game"
	"github.com/kiliankoe/tabletop/internal/protocol"
)

const DefaultPollInterval = time.Second

type PollingOptions struct {
	// BaseURL is the http(s) origin serving /api.
	BaseURL  string
	Logger   *zerolog.Logger
	Client   *http.Client
	Interval time.Duration
}

// PollingTransport talks to the /api surface: edits are POSTed and remote
// changes are pulled every Interval.
type PollingTransport struct {
	base   string
	client *http.Client
	log    zerolog.Logger
	opts   PollingOptions

	mu        sync.Mutex
	events    Events
	sessionID string
	playerID  string
	version   int64
	roster    []game.Player
	connected bool
	stop      context.CancelFunc
	loopDone  chan struct{}
}

func NewPollingTransport(opts PollingOptions) (*PollingTransport, error) {
	u, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid server url %q", ErrConnection, opts.BaseURL)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &PollingTransport{
		base:   strings.TrimRight(u.String(), "/"),
		client: opts.Client,
		log:    logger.With().Str("component", "poll-client").Logger(),
		opts:   opts,
	}, nil
}

func (t *PollingTransport) Kind() Kind { return KindPolling }

func (t *PollingTransport) SetEvents(ev Events) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = ev
}

type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// call performs one API request and decodes a successful body into out.
func (t *PollingTransport) call(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e apiError
		if json.NewDecoder(resp.Body).Decode(&e) != nil || e.Code == "" {
			return fmt.Errorf("%w: %s %s: %s", ErrConnection, method, path, resp.Status)
		}
		return &protocol.Error{Code: e.Code, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *PollingTransport) Connect(ctx context.Context) error {
	var resp struct {
		PlayerID string `json:"playerId"`
	}
	if err := t.call(ctx, http.MethodPost, "/api/connect", struct{}{}, &resp); err != nil {
		return err
	}
	t.setConnected(true)
	return nil
}

func (t *PollingTransport) setConnected(connected bool) {
	t.mu.Lock()
	changed := t.connected != connected
	t.connected = connected
	ev := t.events
	t.mu.Unlock()
	if changed && ev != nil {
		ev.HandleConnectionChange(connected)
	}
}

func (t *PollingTransport) JoinSession(ctx context.Context, req JoinRequest) error {
	var resp struct {
		Session game.Session         `json:"session"`
		Type    protocol.MessageType `json:"type"`
	}
	body := map[string]string{
		"sessionId":   req.SessionID,
		"playerId":    req.PlayerID,
		"playerName":  req.PlayerName,
		"sessionName": req.SessionName,
	}
	if err := t.call(ctx, http.MethodPost, "/api/join", body, &resp); err != nil {
		return err
	}

	t.stopLoop()
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.mu.Lock()
	t.sessionID = resp.Session.ID
	t.playerID = req.PlayerID
	t.version = resp.Session.GameState.Version
	t.roster = resp.Session.Roster()
	t.stop = cancel
	t.loopDone = done
	ev := t.events
	t.mu.Unlock()

	if ev != nil {
		ev.HandleSessionJoined(resp.Session, req.PlayerID, resp.Type == protocol.TypeSessionCreated)
	}
	go t.loop(loopCtx, done)
	return nil
}

func (t *PollingTransport) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.Poll(ctx) {
				return
			}
		}
	}
}

type pollResult struct {
	Updates   []protocol.GameUpdate `json:"updates"`
	Version   int64                 `json:"version"`
	Players   []game.Player         `json:"players"`
	GameState *board.GameState      `json:"gameState"`
}

// Poll pulls once and delivers what changed. It reports false when the
// session is gone and polling should stop.
func (t *PollingTransport) Poll(ctx context.Context) bool {
	t.mu.Lock()
	sessionID, playerID, version := t.sessionID, t.playerID, t.version
	ev := t.events
	t.mu.Unlock()
	if sessionID == "" {
		return false
	}

	q := url.Values{}
	q.Set("sessionId", sessionID)
	q.Set("version", strconv.FormatInt(version, 10))
	q.Set("playerId", playerID)
	var res pollResult
	err := t.call(ctx, http.MethodGet, "/api/poll?"+q.Encode(), nil, &res)
	switch {
	case ctx.Err() != nil:
		return false
	case IsProtocolError(err, protocol.CodeSessionNotFound):
		if ev != nil {
			ev.HandleError(err)
		}
		return false
	case err != nil:
		t.log.Debug().Err(err).Msg("poll failed")
		t.setConnected(false)
		return true
	}
	t.setConnected(true)

	t.mu.Lock()
	if t.sessionID != sessionID || t.version != version {
		t.mu.Unlock()
		return true
	}
	t.version = res.Version
	prevRoster := t.roster
	t.roster = res.Players
	t.mu.Unlock()
	if ev == nil {
		return true
	}

	if res.GameState != nil {
		u, err := protocol.NewUpdate(protocol.KindGameState, "", res.GameState)
		if err == nil {
			u.Version = res.Version
			ev.HandleGameUpdate(u)
		}
	} else {
		for _, u := range res.Updates {
			if u.PlayerID == playerID {
				continue
			}
			ev.HandleGameUpdate(u)
		}
	}
	announceRoster(ev, prevRoster, res.Players, playerID)
	return true
}

func (t *PollingTransport) SendUpdate(ctx context.Context, u protocol.GameUpdate) error {
	t.mu.Lock()
	sessionID, playerID := t.sessionID, t.playerID
	t.mu.Unlock()
	if sessionID == "" {
		return ErrNotInSession
	}
	body := map[string]any{"sessionId": sessionID, "playerId": playerID, "update": u}
	return t.call(ctx, http.MethodPost, "/api/update", body, nil)
}

func (t *PollingTransport) LeaveSession(ctx context.Context) error {
	t.stopLoop()
	t.mu.Lock()
	sessionID, playerID := t.sessionID, t.playerID
	t.sessionID = ""
	t.roster = nil
	t.mu.Unlock()
	if sessionID == "" {
		return ErrNotInSession
	}
	return t.call(ctx, http.MethodPost, "/api/leave", map[string]string{"sessionId": sessionID, "playerId": playerID}, nil)
}

func (t *PollingTransport) stopLoop() {
	t.mu.Lock()
	stop, done := t.stop, t.loopDone
	t.stop, t.loopDone = nil, nil
	t.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

func (t *PollingTransport) Close() error {
	t.stopLoop()
	return nil
}
