package protocol

import "encoding/json"

type UpdateKind string

const (
	KindTokenAdd       UpdateKind = "token_add"
	KindTokenUpdate    UpdateKind = "token_update"
	KindTokenRemove    UpdateKind = "token_remove"
	KindDrawingAdd     UpdateKind = "drawing_add"
	KindDrawingClear   UpdateKind = "drawing_clear"
	KindFogUpdate      UpdateKind = "fog_update"
	KindDoorUpdate     UpdateKind = "door_update"
	KindWallUpdate     UpdateKind = "wall_update"
	KindBackground     UpdateKind = "background_update"
	KindGridType       UpdateKind = "grid_type_update"
	KindTextAdd        UpdateKind = "text_add"
	KindTextUpdate     UpdateKind = "text_update"
	KindTextRemove     UpdateKind = "text_remove"
	KindLootAdd        UpdateKind = "loot_add"
	KindLootUpdate     UpdateKind = "loot_update"
	KindLootRemove     UpdateKind = "loot_remove"
	KindGameState      UpdateKind = "game_state"
	KindDiceRoll       UpdateKind = "dice_roll"
	KindTokensSyncAll  UpdateKind = "tokens_sync_all"
	KindDrawingSyncAll UpdateKind = "drawings_sync_all"
	KindFogSyncAll     UpdateKind = "fog_sync_all"
	KindDoorsSyncAll   UpdateKind = "doors_sync_all"
	KindWallsSyncAll   UpdateKind = "walls_sync_all"
	KindTextsSyncAll   UpdateKind = "texts_sync_all"
	KindLootSyncAll    UpdateKind = "loot_sync_all"
)

var knownKinds = map[UpdateKind]struct{}{
	KindTokenAdd: {}, KindTokenUpdate: {}, KindTokenRemove: {},
	KindDrawingAdd: {}, KindDrawingClear: {},
	KindFogUpdate: {}, KindDoorUpdate: {}, KindWallUpdate: {},
	KindBackground: {}, KindGridType: {},
	KindTextAdd: {}, KindTextUpdate: {}, KindTextRemove: {},
	KindLootAdd: {}, KindLootUpdate: {}, KindLootRemove: {},
	KindGameState: {}, KindDiceRoll: {},
	KindTokensSyncAll: {}, KindDrawingSyncAll: {}, KindFogSyncAll: {},
	KindDoorsSyncAll: {}, KindWallsSyncAll: {}, KindTextsSyncAll: {}, KindLootSyncAll: {},
}

// Known reports whether the kind is part of the update vocabulary.
func (k UpdateKind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Privileged kinds may only originate from the session's GM.
func (k UpdateKind) Privileged() bool {
	switch k {
	case KindFogUpdate, KindFogSyncAll,
		KindDoorUpdate, KindDoorsSyncAll,
		KindWallUpdate, KindWallsSyncAll,
		KindBackground, KindGridType:
		return true
	}
	return false
}

// Transient kinds are relayed as notifications and never touch the game state.
func (k UpdateKind) Transient() bool {
	return k == KindDiceRoll
}

// SyncAll reports whether the kind is a wholesale field replacement derived from snapshots.
func (k UpdateKind) SyncAll() bool {
	switch k {
	case KindTokensSyncAll, KindDrawingSyncAll, KindFogSyncAll, KindDoorsSyncAll,
		KindWallsSyncAll, KindTextsSyncAll, KindLootSyncAll:
		return true
	}
	return false
}

// gmFields are the game state fields only privileged kinds may change.
var gmFields = []string{"fogOfWar", "doors", "walls", "backgroundImage", "gridType"}

// RequiresGM reports whether u may only come from the session's GM: a
// privileged kind, or a game_state replacement that carries a GM-only field.
// Undecodable game_state data is left for the reducer to reject.
func (u GameUpdate) RequiresGM() bool {
	if u.Type.Privileged() {
		return true
	}
	if u.Type != KindGameState {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(u.Data, &fields); err != nil {
		return false
	}
	for _, name := range gmFields {
		if _, ok := fields[name]; ok {
			return true
		}
	}
	return false
}
