package board

import (
	"testing"
	"time"

	"github.com/kiliankoe/tabletop/internal/protocol"
)

func TestDiffReplaysToNext(t *testing.T) {
	prev := NewGameState(time.Now())
	mustApply(t, &prev, protocol.KindTokenAdd, Token{ID: "a", Type: TokenAlly, X: 1, Y: 1})
	mustApply(t, &prev, protocol.KindDoorUpdate, map[string]any{"key": "2-2", "door": map[string]any{}})

	next := prev.Clone()
	mustApply(t, &next, protocol.KindTokenUpdate, map[string]any{"id": "a", "updates": map[string]any{"x": 4}})
	mustApply(t, &next, protocol.KindWallUpdate, map[string]any{"key": "2-2", "wall": map[string]any{}})
	mustApply(t, &next, protocol.KindGridType, map[string]any{"gridType": "octagonal"})
	mustApply(t, &next, protocol.KindTextAdd, Text{ID: "t", Text: "exit"})

	updates := Diff(prev, next, "p2")
	kinds := map[protocol.UpdateKind]bool{}
	for _, u := range updates {
		kinds[u.Type] = true
		if u.PlayerID != "p2" {
			t.Fatalf("expected updates tagged with p2, got %q", u.PlayerID)
		}
	}
	for _, want := range []protocol.UpdateKind{protocol.KindTokensSyncAll, protocol.KindDoorsSyncAll, protocol.KindWallsSyncAll, protocol.KindGridType, protocol.KindTextsSyncAll} {
		if !kinds[want] {
			t.Fatalf("expected %s in diff, got %v", want, kinds)
		}
	}
	if kinds[protocol.KindFogSyncAll] || kinds[protocol.KindLootSyncAll] {
		t.Fatalf("unchanged fields should not be diffed, got %v", kinds)
	}

	replayed := prev.Clone()
	for _, u := range updates {
		if err := Apply(&replayed, u); err != nil {
			t.Fatalf("diff update %s should apply: %v", u.Type, err)
		}
	}
	if stateJSON(t, replayed) != stateJSON(t, next) {
		t.Fatalf("replay diverged:\nreplayed: %s\nnext:     %s", stateJSON(t, replayed), stateJSON(t, next))
	}

	for _, u := range updates {
		if err := Apply(&replayed, u); err != nil {
			t.Fatalf("second replay of %s should apply: %v", u.Type, err)
		}
	}
	if stateJSON(t, replayed) != stateJSON(t, next) {
		t.Fatal("replaying the diff twice should be idempotent")
	}
}

func TestDiffOfEqualStatesIsEmpty(t *testing.T) {
	gs := NewGameState(time.Now())
	mustApply(t, &gs, protocol.KindTokenAdd, Token{ID: "a", Type: TokenAlly, StatusMarkers: []string{}})
	if updates := Diff(gs, gs.Clone(), ""); len(updates) != 0 {
		t.Fatalf("expected no updates, got %d", len(updates))
	}
}

func TestCloneIsDeep(t *testing.T) {
	hp := 10
	gs := NewGameState(time.Now())
	gs.Tokens = append(gs.Tokens, Token{ID: "a", Type: TokenAlly, CurrentHP: &hp, StatusMarkers: []string{"prone"}})
	gs.Doors["1-1"] = Door{}

	c := gs.Clone()
	*c.Tokens[0].CurrentHP = 3
	c.Tokens[0].StatusMarkers[0] = "stunned"
	delete(c.Doors, "1-1")

	if *gs.Tokens[0].CurrentHP != 10 || gs.Tokens[0].StatusMarkers[0] != "prone" {
		t.Fatal("clone shares token internals with the original")
	}
	if _, ok := gs.Doors["1-1"]; !ok {
		t.Fatal("clone shares the door map with the original")
	}
}

func TestValidCellKey(t *testing.T) {
	if !ValidCellKey(CellKey(12, 0)) {
		t.Fatal("formatted key should be valid")
	}
	for _, bad := range []string{"", "1", "1-", "-1-2", "a-b", "1-2-3", "1 -2"} {
		if ValidCellKey(bad) {
			t.Fatalf("%q should be invalid", bad)
		}
	}
}
