// Package propagation is the veto point between world mutations and the
// secondary updates they would trigger.
package propagation

import (
	"sync/atomic"

	"voxelquarry.ai/internal/sim/geom"
)

// Source answers whether a cell is exempt from propagation.
type Source interface {
	IsSuppressed(c geom.Vec3i) bool
}

type Path uint8

const (
	NeighborNotify Path = iota
	FluidPlace
	ScheduledTick
	LightUpdate
	TileEntity

	numPaths
)

var pathNames = [numPaths]string{
	NeighborNotify: "neighbor_notify",
	FluidPlace:     "fluid_place",
	ScheduledTick:  "scheduled_tick",
	LightUpdate:    "light_update",
	TileEntity:     "tile_entity",
}

func (p Path) String() string {
	if p < numPaths {
		return pathNames[p]
	}
	return "unknown"
}

// Gate counts allowed and vetoed updates per path. Counters are atomic so
// metrics readers may call Stats from any goroutine.
type Gate struct {
	src Source

	allowed [numPaths]atomic.Uint64
	vetoed  [numPaths]atomic.Uint64
}

func NewGate(src Source) *Gate {
	return &Gate{src: src}
}

// Allow reports whether an update on path p may touch c.
func (g *Gate) Allow(p Path, c geom.Vec3i) bool {
	if g == nil || g.src == nil || p >= numPaths {
		return true
	}
	if g.src.IsSuppressed(c) {
		g.vetoed[p].Add(1)
		return false
	}
	g.allowed[p].Add(1)
	return true
}

type PathStats struct {
	Allowed uint64 `json:"allowed"`
	Vetoed  uint64 `json:"vetoed"`
}

func (g *Gate) Stats() map[string]PathStats {
	out := make(map[string]PathStats, numPaths)
	for p := Path(0); p < numPaths; p++ {
		out[p.String()] = PathStats{Allowed: g.allowed[p].Load(), Vetoed: g.vetoed[p].Load()}
	}
	return out
}
