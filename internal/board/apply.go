package board

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/kiliankoe/tabletop/internal/protocol"
)

var (
	ErrUnsupportedUpdate = errors.New("unsupported update")
	ErrInvalidUpdate     = errors.New("invalid update")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cellkey", func(fl validator.FieldLevel) bool {
		return ValidCellKey(fl.Field().String())
	})
	return v
}

type reducer func(gs *GameState, data json.RawMessage) error

var reducers map[protocol.UpdateKind]reducer

func init() {
	reducers = map[protocol.UpdateKind]reducer{
		protocol.KindTokenAdd:     applyAdd(func(gs *GameState) *[]Token { return &gs.Tokens }),
		protocol.KindTokenUpdate:  applyUpdate(func(gs *GameState) *[]Token { return &gs.Tokens }),
		protocol.KindTokenRemove:  applyRemove(func(gs *GameState) *[]Token { return &gs.Tokens }),
		protocol.KindTextAdd:      applyAdd(func(gs *GameState) *[]Text { return &gs.Texts }),
		protocol.KindTextUpdate:   applyUpdate(func(gs *GameState) *[]Text { return &gs.Texts }),
		protocol.KindTextRemove:   applyRemove(func(gs *GameState) *[]Text { return &gs.Texts }),
		protocol.KindLootAdd:      applyAdd(func(gs *GameState) *[]Loot { return &gs.Loot }),
		protocol.KindLootUpdate:   applyUpdate(func(gs *GameState) *[]Loot { return &gs.Loot }),
		protocol.KindLootRemove:   applyRemove(func(gs *GameState) *[]Loot { return &gs.Loot }),
		protocol.KindDrawingAdd:   applyDrawingAdd,
		protocol.KindDrawingClear: applyDrawingClear,
		protocol.KindDoorUpdate:   applyDoorUpdate,
		protocol.KindWallUpdate:   applyWallUpdate,
		protocol.KindGameState:    applyGameState,
		protocol.KindDiceRoll:     func(*GameState, json.RawMessage) error { return nil },

		protocol.KindFogUpdate:      applyField("fogOfWar"),
		protocol.KindBackground:     applyField("backgroundImage"),
		protocol.KindGridType:       applyField("gridType"),
		protocol.KindTokensSyncAll:  applyField("tokens"),
		protocol.KindDrawingSyncAll: applyField("drawingData"),
		protocol.KindFogSyncAll:     applyField("fogOfWar"),
		protocol.KindDoorsSyncAll:   applyField("doors"),
		protocol.KindWallsSyncAll:   applyField("walls"),
		protocol.KindTextsSyncAll:   applyField("texts"),
		protocol.KindLootSyncAll:    applyField("loot"),
	}
}

// Apply mutates gs according to u. Version and LastUpdated are left to the
// caller. When an error is returned gs is unchanged.
func Apply(gs *GameState, u protocol.GameUpdate) error {
	r, ok := reducers[u.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedUpdate, u.Type)
	}
	if err := r(gs, u.Data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidUpdate, u.Type, err)
	}
	return nil
}

type idPayload struct {
	ID string `json:"id" validate:"required"`
}

type changePayload struct {
	ID      string          `json:"id" validate:"required"`
	Updates json.RawMessage `json:"updates"`
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	return validate.Struct(v)
}

func applyAdd[T identifiable](list func(*GameState) *[]T) reducer {
	return func(gs *GameState, data json.RawMessage) error {
		var item T
		if err := decode(data, &item); err != nil {
			return err
		}
		p := list(gs)
		*p = addEntity(*p, item)
		return nil
	}
}

func applyUpdate[T identifiable](list func(*GameState) *[]T) reducer {
	return func(gs *GameState, data json.RawMessage) error {
		var change changePayload
		if err := decode(data, &change); err != nil {
			return err
		}
		p := list(gs)
		next, err := updateEntity(*p, change.ID, change.Updates)
		if err != nil {
			return err
		}
		*p = next
		return nil
	}
}

func applyRemove[T identifiable](list func(*GameState) *[]T) reducer {
	return func(gs *GameState, data json.RawMessage) error {
		var target idPayload
		if err := decode(data, &target); err != nil {
			return err
		}
		p := list(gs)
		*p = removeEntity(*p, target.ID)
		return nil
	}
}

func applyDrawingAdd(gs *GameState, data json.RawMessage) error {
	var d Drawing
	if len(data) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	gs.DrawingData = append(gs.DrawingData, d)
	return nil
}

func applyDrawingClear(gs *GameState, _ json.RawMessage) error {
	gs.DrawingData = []Drawing{}
	return nil
}

type doorPayload struct {
	Key  string `json:"key" validate:"required,cellkey"`
	Door *Door  `json:"door"`
}

type wallPayload struct {
	Key  string `json:"key" validate:"required,cellkey"`
	Wall *Wall  `json:"wall"`
}

func applyDoorUpdate(gs *GameState, data json.RawMessage) error {
	var p doorPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	ensureMaps(gs)
	if p.Door == nil {
		delete(gs.Doors, p.Key)
		return nil
	}
	delete(gs.Walls, p.Key)
	gs.Doors[p.Key] = *p.Door
	return nil
}

func applyWallUpdate(gs *GameState, data json.RawMessage) error {
	var p wallPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	ensureMaps(gs)
	if p.Wall == nil {
		delete(gs.Walls, p.Key)
		return nil
	}
	delete(gs.Doors, p.Key)
	gs.Walls[p.Key] = *p.Wall
	return nil
}

func ensureMaps(gs *GameState) {
	if gs.Doors == nil {
		gs.Doors = map[string]Door{}
	}
	if gs.Walls == nil {
		gs.Walls = map[string]Wall{}
	}
}
