// Package voxel is the chunked 3D world the machines dig through.
//
// Block changes fan out to neighbour notifications, scheduled ticks, light and
// tile-entity updates. Each fan-out passes the propagation gate first; the
// world only counts what got through and does not simulate the effect.
package voxel

import (
	"fmt"
	"sort"

	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/propagation"
)

type World struct {
	gen    WorldGen
	chunks map[geom.ChunkKey]*Chunk
	gate   *propagation.Gate

	isLiquid  func(uint16) bool
	isComplex func(uint16) bool

	cascades uint64
}

type Options struct {
	Gate *propagation.Gate
	// IsLiquid and IsComplex decide which follow-up updates a change triggers.
	IsLiquid  func(uint16) bool
	IsComplex func(uint16) bool
}

func New(gen WorldGen, opts Options) *World {
	if gen.MaxY < gen.MinY {
		panic(fmt.Sprintf("voxel: bad height range [%d,%d]", gen.MinY, gen.MaxY))
	}
	w := &World{
		gen:       gen,
		chunks:    map[geom.ChunkKey]*Chunk{},
		gate:      opts.Gate,
		isLiquid:  opts.IsLiquid,
		isComplex: opts.IsComplex,
	}
	if w.isLiquid == nil {
		w.isLiquid = func(b uint16) bool { return b == gen.Water || b == gen.Lava }
	}
	if w.isComplex == nil {
		w.isComplex = func(b uint16) bool { return b == gen.Chest || b == gen.Spawner }
	}
	return w
}

func (w *World) Gen() WorldGen { return w.gen }

func (w *World) MinLevel() int { return w.gen.MinY }
func (w *World) MaxLevel() int { return w.gen.MaxY }

func (w *World) inHeight(y int) bool { return y >= w.gen.MinY && y <= w.gen.MaxY }

func (w *World) getOrGenChunk(k geom.ChunkKey) *Chunk {
	if ch, ok := w.chunks[k]; ok {
		return ch
	}
	ch := &Chunk{CX: k.CX, CZ: k.CZ, Blocks: make([]uint16, 16*16*w.gen.height())}
	w.gen.generateChunk(ch)
	ch.dirty = true
	w.chunks[k] = ch
	return ch
}

// Block returns the palette id at c; cells outside the height range are air.
func (w *World) Block(c geom.Vec3i) uint16 {
	if !w.inHeight(c.Y) {
		return w.gen.Air
	}
	ch := w.getOrGenChunk(geom.ChunkOf(c.X, c.Z))
	return ch.get(geom.Mod(c.X, 16), c.Y-w.gen.MinY, geom.Mod(c.Z, 16))
}

// Cell and SetCell expose palette ids as wide material ids.
func (w *World) Cell(c geom.Vec3i) uint32 { return uint32(w.Block(c)) }

func (w *World) SetCell(c geom.Vec3i, material uint32) {
	if material > 0xFFFF {
		panic(fmt.Sprintf("voxel: material %d outside palette range", material))
	}
	w.SetBlock(c, uint16(material))
}

func (w *World) SetBlock(c geom.Vec3i, b uint16) {
	if !w.inHeight(c.Y) {
		return
	}
	ch := w.getOrGenChunk(geom.ChunkOf(c.X, c.Z))
	lx, ly, lz := geom.Mod(c.X, 16), c.Y-w.gen.MinY, geom.Mod(c.Z, 16)
	prev := ch.get(lx, ly, lz)
	if !ch.set(lx, ly, lz, b) {
		return
	}
	w.propagate(c, prev, b)
}

var neighbours = [6]geom.Vec3i{
	{X: 1}, {X: -1}, {Y: 1}, {Y: -1}, {Z: 1}, {Z: -1},
}

func (w *World) propagate(c geom.Vec3i, prev, next uint16) {
	if w.isComplex(prev) && w.gate.Allow(propagation.TileEntity, c) {
		w.cascades++
	}
	if w.gate.Allow(propagation.LightUpdate, c) {
		w.cascades++
	}
	for _, d := range neighbours {
		n := c.Add(d.X, d.Y, d.Z)
		if !w.inHeight(n.Y) {
			continue
		}
		if !w.gate.Allow(propagation.NeighborNotify, n) {
			continue
		}
		w.cascades++
		nb := w.Block(n)
		// A liquid next to a fresh gap would flow into it on its next scheduled tick.
		if next == w.gen.Air && w.isLiquid(nb) {
			if w.gate.Allow(propagation.ScheduledTick, n) && w.gate.Allow(propagation.FluidPlace, c) {
				w.cascades++
			}
		}
	}
}

// Cascades counts secondary updates that passed the gate.
func (w *World) Cascades() uint64 { return w.cascades }

func (w *World) LoadedChunks() int { return len(w.chunks) }

// ModifiedChunkKeys lists chunks that differ from generation, sorted by (cx, cz).
func (w *World) ModifiedChunkKeys() []geom.ChunkKey {
	keys := make([]geom.ChunkKey, 0, len(w.chunks))
	for k, ch := range w.chunks {
		if ch.modified {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		return keys[i].CZ < keys[j].CZ
	})
	return keys
}

// ChunkDigest hashes a loaded chunk's blocks; ok is false when the chunk is not loaded.
func (w *World) ChunkDigest(k geom.ChunkKey) ([32]byte, bool) {
	ch, ok := w.chunks[k]
	if !ok {
		return [32]byte{}, false
	}
	return ch.Digest(), true
}
