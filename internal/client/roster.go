package client

import "github.com/kiliankoe/tabletop/internal/game"

// diffRoster reports members that came online and members that went away
// between two roster snapshots. self is never reported.
func diffRoster(prev, next []game.Player, self string) (joined []game.Player, left []string) {
	was := make(map[string]bool, len(prev))
	for _, p := range prev {
		was[p.ID] = p.IsConnected
	}
	now := make(map[string]bool, len(next))
	for _, p := range next {
		now[p.ID] = p.IsConnected
		if p.ID != self && p.IsConnected && !was[p.ID] {
			joined = append(joined, p)
		}
	}
	for _, p := range prev {
		if p.ID != self && p.IsConnected && !now[p.ID] {
			left = append(left, p.ID)
		}
	}
	return joined, left
}

// announceRoster forwards a roster change to ev.
func announceRoster(ev Events, prev, next []game.Player, self string) {
	joined, left := diffRoster(prev, next, self)
	for _, p := range joined {
		ev.HandlePlayerJoined(p, next)
	}
	for _, id := range left {
		ev.HandlePlayerLeft(id, next)
	}
}
