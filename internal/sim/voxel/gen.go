package voxel

import (
	"voxelquarry.ai/internal/sim/catalogs"
	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/tuning"
)

// WorldGen is the deterministic generator configuration. Block fields are palette ids.
type WorldGen struct {
	Seed          int64
	MinY          int
	MaxY          int
	SurfaceY      int
	BedrockLayers int

	// OreScalePermille scales every ore cluster probability; 0 means 1000.
	OreScalePermille int

	Air       uint16
	Bedrock   uint16
	Stone     uint16
	Deepslate uint16
	Dirt      uint16
	Gravel    uint16
	CoalOre   uint16
	IronOre   uint16
	CopperOre uint16
	GoldOre   uint16
	Diamond   uint16
	Water     uint16
	Lava      uint16
	Chest     uint16
	Spawner   uint16
}

func (g WorldGen) height() int { return g.MaxY - g.MinY + 1 }

func scalePermille(base uint64, scale int) uint64 {
	if scale <= 0 {
		scale = 1000
	}
	v := (base*uint64(scale) + 500) / 1000
	if v > 1000 {
		return 1000
	}
	return v
}

// inCluster reports whether (x, y, z) lies inside a cluster seeded on a cubic
// grid. Each grid cell holds at most one cluster centre.
func inCluster(seed int64, x, y, z, grid, radius int, probPermille uint64) bool {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false
	}
	gx := geom.FloorDiv(x, grid)
	gy := geom.FloorDiv(y, grid)
	gz := geom.FloorDiv(z, grid)
	r2 := radius * radius

	for dy := -1; dy <= 1; dy++ {
		for dz := -1; dz <= 1; dz++ {
			for dx := -1; dx <= 1; dx++ {
				cgx, cgy, cgz := gx+dx, gy+dy, gz+dz
				h := geom.Hash3(seed, cgx, cgy, cgz)
				if h%1000 >= probPermille {
					continue
				}
				cx := cgx*grid + int((h>>10)%uint64(grid))
				cy := cgy*grid + int((h>>20)%uint64(grid))
				cz := cgz*grid + int((h>>30)%uint64(grid))
				ddx, ddy, ddz := x-cx, y-cy, z-cz
				if ddx*ddx+ddy*ddy+ddz*ddz <= r2 {
					return true
				}
			}
		}
	}
	return false
}

// blockAt is the generated content of a cell.
func (g WorldGen) blockAt(x, y, z int) uint16 {
	if y < g.MinY+g.BedrockLayers {
		return g.Bedrock
	}
	if y > g.SurfaceY {
		return g.Air
	}
	if y > g.SurfaceY-3 {
		return g.Dirt
	}

	ore := g.OreScalePermille
	switch {
	case y < 16 && inCluster(g.Seed+101, x, y, z, 24, 1, scalePermille(120, ore)):
		return g.Diamond
	case y < 32 && inCluster(g.Seed+102, x, y, z, 20, 2, scalePermille(250, ore)):
		return g.GoldOre
	case inCluster(g.Seed+103, x, y, z, 16, 2, scalePermille(450, ore)):
		return g.IronOre
	case y > 0 && inCluster(g.Seed+104, x, y, z, 16, 2, scalePermille(450, ore)):
		return g.CopperOre
	case inCluster(g.Seed+105, x, y, z, 12, 2, scalePermille(600, ore)):
		return g.CoalOre
	case y < g.MinY+12 && inCluster(g.Seed+201, x, y, z, 32, 3, 300):
		return g.Lava
	case inCluster(g.Seed+202, x, y, z, 32, 3, 200):
		return g.Water
	case inCluster(g.Seed+203, x, y, z, 16, 2, 250):
		return g.Gravel
	}

	// Rare complex content: dungeon chests and spawners.
	roll := geom.Hash3(g.Seed+999, x, y, z) % 20000
	switch {
	case roll == 0:
		return g.Spawner
	case roll < 4:
		return g.Chest
	}
	if y < 0 {
		return g.Deepslate
	}
	return g.Stone
}

func (g WorldGen) generateChunk(ch *Chunk) {
	h := g.height()
	for ly := 0; ly < h; ly++ {
		y := g.MinY + ly
		for lz := 0; lz < 16; lz++ {
			for lx := 0; lx < 16; lx++ {
				ch.Blocks[chunkIndex(lx, ly, lz)] = g.blockAt(ch.CX*16+lx, y, ch.CZ*16+lz)
			}
		}
	}
}

// NewGenFromCatalog resolves block ids from the catalog. It panics if a generated block is missing.
func NewGenFromCatalog(c *catalogs.BlockCatalog, w tuning.World) WorldGen {
	id := func(name string) uint16 { return uint16(c.MustID(name)) }
	return WorldGen{
		Seed:          w.Seed,
		MinY:          w.MinY,
		MaxY:          w.MaxY,
		SurfaceY:      w.SurfaceY,
		BedrockLayers: w.BedrockLayers,

		Air:       id("AIR"),
		Bedrock:   id("BEDROCK"),
		Stone:     id("STONE"),
		Deepslate: id("DEEPSLATE"),
		Dirt:      id("DIRT"),
		Gravel:    id("GRAVEL"),
		CoalOre:   id("COAL_ORE"),
		IronOre:   id("IRON_ORE"),
		CopperOre: id("COPPER_ORE"),
		GoldOre:   id("GOLD_ORE"),
		Diamond:   id("DIAMOND_ORE"),
		Water:     id("WATER"),
		Lava:      id("LAVA"),
		Chest:     id("CHEST"),
		Spawner:   id("SPAWNER"),
	}
}
