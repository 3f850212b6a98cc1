package client

import "sync/atomic"

// Guard marks the span in which a remote update is being applied and its
// callbacks run. Local sync calls made inside that span are echoes.
type Guard struct {
	depth atomic.Int32
}

func (g *Guard) Enter() { g.depth.Add(1) }

func (g *Guard) Exit() { g.depth.Add(-1) }

func (g *Guard) Active() bool { return g.depth.Load() > 0 }
