package game

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiliankoe/tabletop/internal/board"
	"github.com/kiliankoe/tabletop/internal/protocol"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionFull         = errors.New("session full")
	ErrPlayerNotFound      = errors.New("player not found")
	ErrRoleViolation       = errors.New("only the GM may send this update")
	ErrTokenSpaceExhausted = errors.New("session token space exhausted")

	ErrUnsupportedUpdate = board.ErrUnsupportedUpdate
	ErrInvalidUpdate     = board.ErrInvalidUpdate
)

const (
	DefaultHistorySize = 200
	defaultMaxAttempts = 1000
)

type Options struct {
	// MaxPlayers caps session membership; 0 means unlimited.
	MaxPlayers int
	// HistorySize bounds the per-session update log served to pollers.
	HistorySize int
	// EnforceRoles rejects privileged updates from anyone but the GM.
	EnforceRoles bool
	NewToken     func() string
	MaxAttempts  int
	Now          func() time.Time
}

type sessionCtx struct {
	mu      sync.Mutex
	sess    Session
	history []protocol.GameUpdate
}

// Store is the authoritative in-memory set of sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionCtx
	opts     Options
}

func NewStore(opts Options) *Store {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.NewToken == nil {
		opts.NewToken = protocol.NewSessionToken
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{sessions: make(map[string]*sessionCtx), opts: opts}
}

// CreateSession registers a fresh session with the caller as its GM.
func (st *Store) CreateSession(name, gmID, gmName string) (Session, error) {
	if gmID == "" {
		gmID = uuid.NewString()
	}
	now := st.opts.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	code := ""
	for attempt := 0; attempt < st.opts.MaxAttempts; attempt++ {
		candidate := protocol.NormalizeToken(st.opts.NewToken())
		if st.sessions[candidate] == nil {
			code = candidate
			break
		}
	}
	if code == "" {
		return Session{}, ErrTokenSpaceExhausted
	}

	if name == "" {
		name = "Session " + code
	}
	sc := &sessionCtx{sess: Session{
		ID:   code,
		Name: name,
		GMID: gmID,
		Players: map[string]Player{
			gmID: {ID: gmID, Name: displayName(gmName), Role: RoleGM, IsConnected: true, JoinedAt: now},
		},
		GameState: board.NewGameState(now),
		CreatedAt: now,
		IsActive:  true,
	}}
	st.sessions[code] = sc
	return sc.sess.clone(), nil
}

func (st *Store) lookup(id string) (*sessionCtx, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	code := protocol.NormalizeToken(id)
	if !protocol.ValidToken(code) {
		return nil, ErrSessionNotFound
	}
	sc := st.sessions[code]
	if sc == nil {
		return nil, ErrSessionNotFound
	}
	return sc, nil
}

func (st *Store) Get(id string) (Session, error) {
	sc, err := st.lookup(id)
	if err != nil {
		return Session{}, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sess.clone(), nil
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// AddPlayer joins or reactivates a member. An empty playerID gets a fresh id.
func (st *Store) AddPlayer(sessionID, playerID, name string) (Player, Session, error) {
	sc, err := st.lookup(sessionID)
	if err != nil {
		return Player{}, Session{}, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if playerID == "" {
		playerID = uuid.NewString()
	}
	p, ok := sc.sess.Players[playerID]
	if ok {
		p.IsConnected = true
		if name != "" {
			p.Name = name
		}
	} else {
		if st.opts.MaxPlayers > 0 && len(sc.sess.Players) >= st.opts.MaxPlayers {
			return Player{}, Session{}, ErrSessionFull
		}
		role := RolePlayer
		if playerID == sc.sess.GMID {
			role = RoleGM
		}
		p = Player{ID: playerID, Name: displayName(name), Role: role, IsConnected: true, JoinedAt: st.opts.Now()}
	}
	sc.sess.Players[playerID] = p
	return p, sc.sess.clone(), nil
}

// MarkDisconnected keeps the player record but flags it offline.
func (st *Store) MarkDisconnected(sessionID, playerID string) (Session, error) {
	sc, err := st.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	p, ok := sc.sess.Players[playerID]
	if !ok {
		return Session{}, ErrPlayerNotFound
	}
	p.IsConnected = false
	sc.sess.Players[playerID] = p
	return sc.sess.clone(), nil
}

func (st *Store) Player(sessionID, playerID string) (Player, error) {
	sc, err := st.lookup(sessionID)
	if err != nil {
		return Player{}, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	p, ok := sc.sess.Players[playerID]
	if !ok {
		return Player{}, ErrPlayerNotFound
	}
	return p, nil
}

func (st *Store) ApplyUpdate(sessionID string, u protocol.GameUpdate) (int64, error) {
	return st.ApplyUpdateThen(sessionID, u, nil)
}

// ApplyUpdateThen applies u and, on success, calls then with the stamped
// update while the session is still locked. Rejected updates leave the
// version untouched. Transient kinds are stamped with the current version
// and handed to then without touching state or history.
func (st *Store) ApplyUpdateThen(sessionID string, u protocol.GameUpdate, then func(protocol.GameUpdate)) (int64, error) {
	sc, err := st.lookup(sessionID)
	if err != nil {
		return 0, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	gs := &sc.sess.GameState
	if !u.Type.Known() {
		return gs.Version, fmt.Errorf("%w: %q", ErrUnsupportedUpdate, u.Type)
	}
	if st.opts.EnforceRoles && u.RequiresGM() && !sc.sess.IsGM(u.PlayerID) {
		return gs.Version, fmt.Errorf("%w: %s", ErrRoleViolation, u.Type)
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = st.opts.Now()
	}
	if u.Type.Transient() {
		u.Version = gs.Version
		if then != nil {
			then(u)
		}
		return gs.Version, nil
	}

	if err := board.Apply(gs, u); err != nil {
		return gs.Version, err
	}
	gs.Version++
	gs.LastUpdated = st.opts.Now()
	u.Version = gs.Version

	sc.history = append(sc.history, u)
	if over := len(sc.history) - st.opts.HistorySize; over > 0 {
		sc.history = slices.Delete(sc.history, 0, over)
	}
	if then != nil {
		then(u)
	}
	return gs.Version, nil
}

// UpdatesSince returns the accepted updates newer than version. complete is
// false when the history no longer reaches back to version, or the caller is
// ahead of the session; the caller should then resync from a snapshot.
func (st *Store) UpdatesSince(sessionID string, version int64) ([]protocol.GameUpdate, int64, bool, error) {
	sc, err := st.lookup(sessionID)
	if err != nil {
		return nil, 0, false, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	current := sc.sess.GameState.Version
	switch {
	case version == current:
		return nil, current, true, nil
	case version > current:
		return nil, current, false, nil
	}
	if len(sc.history) == 0 || sc.history[0].Version > version+1 {
		return nil, current, false, nil
	}
	i, _ := slices.BinarySearchFunc(sc.history, version+1, func(u protocol.GameUpdate, v int64) int {
		switch {
		case u.Version < v:
			return -1
		case u.Version > v:
			return 1
		}
		return 0
	})
	return slices.Clone(sc.history[i:]), current, true, nil
}

// EvictIdle drops sessions with no connected member whose state has not
// changed for longer than threshold, and returns their final snapshots.
func (st *Store) EvictIdle(now time.Time, threshold time.Duration) []Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	var evicted []Session
	for code, sc := range st.sessions {
		sc.mu.Lock()
		idle := sc.sess.ConnectedCount() == 0 && now.Sub(sc.sess.GameState.LastUpdated) > threshold
		if idle {
			sc.sess.IsActive = false
			evicted = append(evicted, sc.sess.clone())
			delete(st.sessions, code)
		}
		sc.mu.Unlock()
	}
	return evicted
}

func displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Anonymous"
	}
	return name
}
