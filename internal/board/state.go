// Package board holds the shared battle map state and the reducer that applies
// game updates to it. The relay and the client engine run the same reducer.
package board

import (
	"fmt"
	"regexp"
	"slices"
	"time"
)

type GridType string

const (
	GridSquare    GridType = "square"
	GridOctagonal GridType = "octagonal"
)

type TokenType string

const (
	TokenAlly  TokenType = "ally"
	TokenEnemy TokenType = "enemy"
	TokenBoss  TokenType = "boss"
)

type Token struct {
	ID            string    `json:"id" validate:"required,max=128"`
	Type          TokenType `json:"type" validate:"required,oneof=ally enemy boss"`
	X             int       `json:"x"`
	Y             int       `json:"y"`
	Color         string    `json:"color,omitempty"`
	Name          string    `json:"name,omitempty"`
	Initiative    *int      `json:"initiative,omitempty"`
	MaxHP         *int      `json:"maxHp,omitempty"`
	CurrentHP     *int      `json:"currentHp,omitempty"`
	AC            *int      `json:"ac,omitempty"`
	StatusMarkers []string  `json:"statusMarkers,omitempty"`
	Notes         string    `json:"notes,omitempty"`
}

func (t Token) EntityID() string { return t.ID }

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Drawing is one primitive of the append-only drawing log.
type Drawing struct {
	ID          string  `json:"id,omitempty"`
	Tool        string  `json:"tool"`
	Points      []Point `json:"points"`
	Color       string  `json:"color,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	PlayerID    string  `json:"playerId,omitempty"`
}

type Door struct {
	Open        bool   `json:"isOpen"`
	Locked      bool   `json:"isLocked,omitempty"`
	Orientation string `json:"orientation,omitempty"`
}

type Wall struct {
	Type string `json:"type,omitempty"`
}

// Text is a free-floating label on the map.
type Text struct {
	ID       string `json:"id" validate:"required,max=128"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Text     string `json:"text"`
	Color    string `json:"color,omitempty"`
	FontSize int    `json:"fontSize,omitempty"`
}

func (t Text) EntityID() string { return t.ID }

// Loot is a container placed on a cell.
type Loot struct {
	ID     string   `json:"id" validate:"required,max=128"`
	X      int      `json:"x"`
	Y      int      `json:"y"`
	Name   string   `json:"name"`
	Items  []string `json:"items,omitempty"`
	Gold   int      `json:"gold,omitempty"`
	Hidden bool     `json:"hidden,omitempty"`
}

func (l Loot) EntityID() string { return l.ID }

type GameState struct {
	Tokens          []Token         `json:"tokens"`
	DrawingData     []Drawing       `json:"drawingData"`
	FogOfWar        []string        `json:"fogOfWar"`
	Doors           map[string]Door `json:"doors"`
	Walls           map[string]Wall `json:"walls"`
	Texts           []Text          `json:"texts"`
	Loot            []Loot          `json:"loot"`
	GridType        GridType        `json:"gridType"`
	BackgroundImage string          `json:"backgroundImage,omitempty"`
	Version         int64           `json:"version"`
	LastUpdated     time.Time       `json:"lastUpdated"`
}

// NewGameState returns an empty square-grid map at version 1.
func NewGameState(now time.Time) GameState {
	return GameState{
		Tokens:      []Token{},
		DrawingData: []Drawing{},
		FogOfWar:    []string{},
		Doors:       map[string]Door{},
		Walls:       map[string]Wall{},
		Texts:       []Text{},
		Loot:        []Loot{},
		GridType:    GridSquare,
		Version:     1,
		LastUpdated: now,
	}
}

// Token returns the token with the given id.
func (gs GameState) Token(id string) (Token, bool) {
	i := indexOf(gs.Tokens, id)
	if i < 0 {
		return Token{}, false
	}
	return gs.Tokens[i], true
}

// Clone returns a deep copy. Nil containers come back empty.
func (gs GameState) Clone() GameState {
	out := gs
	out.Tokens = make([]Token, len(gs.Tokens))
	for i, t := range gs.Tokens {
		out.Tokens[i] = t.clone()
	}
	out.DrawingData = make([]Drawing, len(gs.DrawingData))
	for i, d := range gs.DrawingData {
		d.Points = slices.Clone(d.Points)
		out.DrawingData[i] = d
	}
	out.FogOfWar = append([]string{}, gs.FogOfWar...)
	out.Doors = make(map[string]Door, len(gs.Doors))
	for k, v := range gs.Doors {
		out.Doors[k] = v
	}
	out.Walls = make(map[string]Wall, len(gs.Walls))
	for k, v := range gs.Walls {
		out.Walls[k] = v
	}
	out.Texts = append([]Text{}, gs.Texts...)
	out.Loot = make([]Loot, len(gs.Loot))
	for i, l := range gs.Loot {
		l.Items = slices.Clone(l.Items)
		out.Loot[i] = l
	}
	return out
}

func (t Token) clone() Token {
	t.Initiative = cloneInt(t.Initiative)
	t.MaxHP = cloneInt(t.MaxHP)
	t.CurrentHP = cloneInt(t.CurrentHP)
	t.AC = cloneInt(t.AC)
	t.StatusMarkers = slices.Clone(t.StatusMarkers)
	return t
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var cellKeyPattern = regexp.MustCompile(`^[0-9]+-[0-9]+$`)

// CellKey formats grid coordinates as the "x-y" key used by fog, doors and walls.
func CellKey(x, y int) string {
	return fmt.Sprintf("%d-%d", x, y)
}

// ValidCellKey reports whether key has the "x-y" form with non-negative coordinates.
func ValidCellKey(key string) bool {
	return cellKeyPattern.MatchString(key)
}
