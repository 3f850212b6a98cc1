package game

import (
	"sort"
	"time"

	"github.com/kiliankoe/tabletop/internal/board"
)

type Role string

const (
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

type Player struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Role        Role      `json:"role"`
	IsConnected bool      `json:"isConnected"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Session is a value snapshot of one table. Mutations go through the Store.
type Session struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	GMID      string            `json:"gmId"`
	Players   map[string]Player `json:"players"`
	GameState board.GameState   `json:"gameState"`
	CreatedAt time.Time         `json:"createdAt"`
	IsActive  bool              `json:"isActive"`
}

// Roster lists members ordered by join time.
func (s Session) Roster() []Player {
	out := make([]Player, 0, len(s.Players))
	for _, p := range s.Players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (s Session) IsGM(playerID string) bool {
	return playerID != "" && playerID == s.GMID
}

func (s Session) ConnectedCount() int {
	n := 0
	for _, p := range s.Players {
		if p.IsConnected {
			n++
		}
	}
	return n
}

func (s Session) clone() Session {
	out := s
	out.Players = make(map[string]Player, len(s.Players))
	for id, p := range s.Players {
		out.Players[id] = p
	}
	out.GameState = s.GameState.Clone()
	return out
}
