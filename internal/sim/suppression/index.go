// Package suppression tracks which world cells are exempt from host update propagation.
//
// The index is owned by the tick goroutine. Shells are the 1-cell perimeter ring
// surrounding a machine footprint, stacked from the machine's start level down to
// its current level. Overlapping shells are reference counted per bit, so one
// machine releasing a cell never un-suppresses a cell another machine still claims.
package suppression

import (
	"fmt"

	"voxelquarry.ai/internal/sim/geom"
)

type Index struct {
	minY   int
	maxY   int
	chunks map[geom.ChunkKey]*ChunkMask
}

// New returns an empty index covering levels [minY, maxY].
func New(minY, maxY int) *Index {
	if maxY < minY {
		panic(fmt.Sprintf("suppression: bad level range [%d,%d]", minY, maxY))
	}
	return &Index{minY: minY, maxY: maxY, chunks: map[geom.ChunkKey]*ChunkMask{}}
}

func (x *Index) MinY() int { return x.minY }
func (x *Index) MaxY() int { return x.maxY }

func (x *Index) height() int { return x.maxY - x.minY + 1 }

func (x *Index) IsSuppressed(c geom.Vec3i) bool {
	if c.Y < x.minY || c.Y > x.maxY {
		return false
	}
	m := x.chunks[geom.ChunkOf(c.X, c.Z)]
	if m == nil {
		return false
	}
	return m.has(c.Y-x.minY, geom.LocalBit(c.X, c.Z))
}

// AddFullShellLayer claims the perimeter ring at startY for a newly registered machine.
func (x *Index) AddFullShellLayer(origin geom.Vec3i, xSize, zSize, startY int) {
	checkFootprint(xSize, zSize)
	x.ring(origin, xSize, zSize, x.level(startY), true)
}

// DescendShell extends the shell from fromY down to toY in one pass over the ring.
func (x *Index) DescendShell(origin geom.Vec3i, xSize, zSize, fromY, toY int) {
	checkFootprint(xSize, zSize)
	if toY != fromY-1 {
		panic(fmt.Sprintf("suppression: descend must move one level, got %d -> %d", fromY, toY))
	}
	x.level(fromY)
	x.ring(origin, xSize, zSize, x.level(toY), true)
}

// RemoveShell releases the machine's ring at every level in [currentY, startY].
func (x *Index) RemoveShell(origin geom.Vec3i, xSize, zSize, currentY, startY int) {
	checkFootprint(xSize, zSize)
	if currentY > startY {
		panic(fmt.Sprintf("suppression: remove range inverted [%d,%d]", currentY, startY))
	}
	lo, hi := x.level(currentY), x.level(startY)
	for l := lo; l <= hi; l++ {
		x.ring(origin, xSize, zSize, l, false)
	}
}

func (x *Index) level(y int) int {
	if y < x.minY || y > x.maxY {
		panic(fmt.Sprintf("suppression: level %d outside [%d,%d]", y, x.minY, x.maxY))
	}
	return y - x.minY
}

func checkFootprint(xSize, zSize int) {
	if xSize <= 0 || zSize <= 0 {
		panic(fmt.Sprintf("suppression: degenerate footprint %dx%d", xSize, zSize))
	}
}

// ring claims or releases every perimeter cell of the footprint at one level.
// Consecutive cells usually share a chunk, so the last mask is cached.
func (x *Index) ring(origin geom.Vec3i, xSize, zSize, level int, claim bool) {
	x0, x1 := origin.X-1, origin.X+xSize
	z0, z1 := origin.Z-1, origin.Z+zSize

	var (
		lastKey geom.ChunkKey
		last    *ChunkMask
		touched []geom.ChunkKey
	)
	visit := func(cx, cz int) {
		k := geom.ChunkOf(cx, cz)
		if last == nil || k != lastKey {
			lastKey = k
			last = x.chunks[k]
			if last == nil {
				if !claim {
					return
				}
				last = newChunkMask(x.minY, x.height())
				x.chunks[k] = last
			}
			if !claim {
				touched = append(touched, k)
			}
		}
		bit := geom.LocalBit(cx, cz)
		if claim {
			last.claim(level, bit)
		} else {
			last.release(level, bit)
		}
	}

	for cx := x0; cx <= x1; cx++ {
		visit(cx, z0)
		visit(cx, z1)
	}
	for cz := z0 + 1; cz < z1; cz++ {
		visit(x0, cz)
		visit(x1, cz)
	}

	for _, k := range touched {
		if m := x.chunks[k]; m != nil && m.Empty() {
			delete(x.chunks, k)
		}
	}
}

// ShellCells is the number of ring cells per level for a footprint.
func ShellCells(xSize, zSize int) int { return 2*(xSize+2) + 2*zSize }

type Stats struct {
	Chunks int `json:"chunks"`
	Levels int `json:"levels"`
	Bits   int `json:"bits"`
}

func (x *Index) Stats() Stats {
	var s Stats
	s.Chunks = len(x.chunks)
	for _, m := range x.chunks {
		s.Levels += m.nonEmpty
		for _, b := range m.levels {
			if b != nil {
				s.Bits += b.Count()
			}
		}
	}
	return s
}
