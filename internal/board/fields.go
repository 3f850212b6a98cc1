package board

import (
	"encoding/json"
	"errors"
	"fmt"
)

// A fieldSetter decodes and validates one GameState field and returns the
// commit that installs it. Nothing is mutated until commit runs.
type fieldSetter func(gs *GameState, raw json.RawMessage) (commit func(), err error)

// fieldOrder fixes commit order for game_state; walls follow doors so a wall
// wins when both maps claim the same key.
var fieldOrder = []string{
	"tokens", "drawingData", "fogOfWar", "doors", "walls",
	"texts", "loot", "gridType", "backgroundImage",
}

var fieldSetters = map[string]fieldSetter{
	"tokens": func(gs *GameState, raw json.RawMessage) (func(), error) {
		var tokens []Token
		if err := unmarshalNullable(raw, &tokens); err != nil {
			return nil, err
		}
		if err := validate.Var(tokens, "dive"); err != nil {
			return nil, err
		}
		return func() { gs.Tokens = nonNil(tokens) }, nil
	},
	"drawingData": func(gs *GameState, raw json.RawMessage) (func(), error) {
		var drawings []Drawing
		if err := unmarshalNullable(raw, &drawings); err != nil {
			return nil, err
		}
		return func() { gs.DrawingData = nonNil(drawings) }, nil
	},
	"fogOfWar": func(gs *GameState, raw json.RawMessage) (func(), error) {
		var cells []string
		if err := unmarshalNullable(raw, &cells); err != nil {
			return nil, err
		}
		if err := validate.Var(cells, "dive,cellkey"); err != nil {
			return nil, err
		}
		return func() { gs.FogOfWar = uniqueCells(cells) }, nil
	},
	"doors": func(gs *GameState, raw json.RawMessage) (func(), error) {
		doors := map[string]Door{}
		if err := unmarshalNullable(raw, &doors); err != nil {
			return nil, err
		}
		if err := validate.Var(doors, "dive,keys,cellkey,endkeys"); err != nil {
			return nil, err
		}
		return func() {
			ensureMaps(gs)
			gs.Doors = nonNilMap(doors)
			for key := range gs.Doors {
				delete(gs.Walls, key)
			}
		}, nil
	},
	"walls": func(gs *GameState, raw json.RawMessage) (func(), error) {
		walls := map[string]Wall{}
		if err := unmarshalNullable(raw, &walls); err != nil {
			return nil, err
		}
		if err := validate.Var(walls, "dive,keys,cellkey,endkeys"); err != nil {
			return nil, err
		}
		return func() {
			ensureMaps(gs)
			gs.Walls = nonNilMap(walls)
			for key := range gs.Walls {
				delete(gs.Doors, key)
			}
		}, nil
	},
	"texts": func(gs *GameState, raw json.RawMessage) (func(), error) {
		var texts []Text
		if err := unmarshalNullable(raw, &texts); err != nil {
			return nil, err
		}
		if err := validate.Var(texts, "dive"); err != nil {
			return nil, err
		}
		return func() { gs.Texts = nonNil(texts) }, nil
	},
	"loot": func(gs *GameState, raw json.RawMessage) (func(), error) {
		var loot []Loot
		if err := unmarshalNullable(raw, &loot); err != nil {
			return nil, err
		}
		if err := validate.Var(loot, "dive"); err != nil {
			return nil, err
		}
		return func() { gs.Loot = nonNil(loot) }, nil
	},
	"gridType": func(gs *GameState, raw json.RawMessage) (func(), error) {
		var gt GridType
		if err := json.Unmarshal(raw, &gt); err != nil {
			return nil, err
		}
		if err := validate.Var(string(gt), "oneof=square octagonal"); err != nil {
			return nil, err
		}
		return func() { gs.GridType = gt }, nil
	},
	"backgroundImage": func(gs *GameState, raw json.RawMessage) (func(), error) {
		var bg string
		if err := unmarshalNullable(raw, &bg); err != nil {
			return nil, err
		}
		return func() { gs.BackgroundImage = bg }, nil
	},
}

// applyField replaces one named field wholesale from data[name].
func applyField(name string) reducer {
	set := fieldSetters[name]
	return func(gs *GameState, data json.RawMessage) error {
		fields, err := decodeObject(data)
		if err != nil {
			return err
		}
		raw, ok := fields[name]
		if !ok {
			return fmt.Errorf("missing %s", name)
		}
		commit, err := set(gs, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		commit()
		return nil
	}
}

// applyGameState replaces every known field present in data. Unknown keys,
// version and lastUpdated are ignored.
func applyGameState(gs *GameState, data json.RawMessage) error {
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}
	commits := make([]func(), 0, len(fields))
	for _, name := range fieldOrder {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		commit, err := fieldSetters[name](gs, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		commits = append(commits, commit)
	}
	for _, commit := range commits {
		commit()
	}
	return nil
}

func decodeObject(data json.RawMessage) (map[string]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, errors.New("missing data")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("data must be an object")
	}
	return fields, nil
}

func unmarshalNullable(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

func uniqueCells(cells []string) []string {
	seen := make(map[string]struct{}, len(cells))
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
