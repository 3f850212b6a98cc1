package board

import (
	"bytes"
	"encoding/json"

	"github.com/kiliankoe/tabletop/internal/protocol"
)

// Diff derives the wholesale updates that turn prev into next: one *_sync_all
// (or background/grid-type) update per changed field. Applying the result to
// prev with Apply yields next, and applying it twice yields the same state.
func Diff(prev, next GameState, playerID string) []protocol.GameUpdate {
	a, b := prev.Clone(), next.Clone()
	var out []protocol.GameUpdate
	add := func(kind protocol.UpdateKind, field string, value any) {
		u, err := protocol.NewUpdate(kind, playerID, map[string]any{field: value})
		if err != nil {
			return
		}
		out = append(out, u)
	}

	if !sameJSON(a.Tokens, b.Tokens) {
		add(protocol.KindTokensSyncAll, "tokens", b.Tokens)
	}
	if !sameJSON(a.DrawingData, b.DrawingData) {
		add(protocol.KindDrawingSyncAll, "drawingData", b.DrawingData)
	}
	if !sameJSON(a.FogOfWar, b.FogOfWar) {
		add(protocol.KindFogSyncAll, "fogOfWar", b.FogOfWar)
	}
	if !sameJSON(a.Doors, b.Doors) {
		add(protocol.KindDoorsSyncAll, "doors", b.Doors)
	}
	if !sameJSON(a.Walls, b.Walls) {
		add(protocol.KindWallsSyncAll, "walls", b.Walls)
	}
	if !sameJSON(a.Texts, b.Texts) {
		add(protocol.KindTextsSyncAll, "texts", b.Texts)
	}
	if !sameJSON(a.Loot, b.Loot) {
		add(protocol.KindLootSyncAll, "loot", b.Loot)
	}
	if a.GridType != b.GridType {
		add(protocol.KindGridType, "gridType", b.GridType)
	}
	if a.BackgroundImage != b.BackgroundImage {
		add(protocol.KindBackground, "backgroundImage", b.BackgroundImage)
	}
	return out
}

// sameJSON compares wire encodings so nil and empty optional fields agree.
func sameJSON(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
