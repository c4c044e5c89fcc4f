package voxel

import (
	"testing"

	snapv1 "voxelquarry.ai/internal/persistence/snapshot"
	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/propagation"
)

func testGen() WorldGen {
	return WorldGen{
		Seed: 7, MinY: 0, MaxY: 15, SurfaceY: 12, BedrockLayers: 1,
		Air: 0, Bedrock: 1, Stone: 2, Deepslate: 3, Dirt: 4, Gravel: 5,
		CoalOre: 6, IronOre: 7, CopperOre: 8, GoldOre: 9, Diamond: 10,
		Water: 11, Lava: 12, Chest: 13, Spawner: 14,
	}
}

type fixedSource map[geom.Vec3i]bool

func (s fixedSource) IsSuppressed(c geom.Vec3i) bool { return s[c] }

func TestGenerate_DeterministicLayers(t *testing.T) {
	a := New(testGen(), Options{})
	b := New(testGen(), Options{})
	for x := -20; x < 20; x += 3 {
		for z := -20; z < 20; z += 5 {
			for y := 0; y <= 15; y++ {
				c := geom.Vec3i{X: x, Y: y, Z: z}
				if a.Block(c) != b.Block(c) {
					t.Fatalf("non-deterministic at %v", c)
				}
			}
			if got := a.Block(geom.Vec3i{X: x, Y: 0, Z: z}); got != 1 {
				t.Fatalf("floor at %d,%d = %d, want bedrock", x, z, got)
			}
			if got := a.Block(geom.Vec3i{X: x, Y: 14, Z: z}); got != 0 {
				t.Fatalf("above surface = %d, want air", got)
			}
			if got := a.Block(geom.Vec3i{X: x, Y: 11, Z: z}); got != 4 {
				t.Fatalf("top layer = %d, want dirt", got)
			}
		}
	}
	if got := a.Block(geom.Vec3i{Y: -1}); got != 0 {
		t.Fatalf("below range = %d, want air", got)
	}
}

func TestSetBlock_MarksModifiedAndCascades(t *testing.T) {
	w := New(testGen(), Options{})
	c := geom.Vec3i{X: 3, Y: 5, Z: 3}
	w.SetBlock(c, 0)
	if w.Block(c) != 0 {
		t.Fatalf("set did not stick")
	}
	keys := w.ModifiedChunkKeys()
	if len(keys) != 1 || keys[0] != (geom.ChunkKey{}) {
		t.Fatalf("modified=%v", keys)
	}
	// One light update plus six neighbour notifications, nothing gated.
	if w.Cascades() < 7 {
		t.Fatalf("cascades=%d", w.Cascades())
	}

	before := w.Cascades()
	w.SetBlock(c, 0)
	if w.Cascades() != before {
		t.Fatalf("no-op set should not propagate")
	}
}

func TestSetBlock_GateVetoesSuppressedNeighbours(t *testing.T) {
	c := geom.Vec3i{X: 3, Y: 5, Z: 3}
	src := fixedSource{}
	for _, d := range neighbours {
		src[c.Add(d.X, d.Y, d.Z)] = true
	}
	src[c] = true
	gate := propagation.NewGate(src)
	w := New(testGen(), Options{Gate: gate})
	w.SetBlock(c, 0)
	if w.Cascades() != 0 {
		t.Fatalf("cascades=%d, want 0", w.Cascades())
	}
	st := gate.Stats()
	if st["neighbor_notify"].Vetoed != 6 || st["light_update"].Vetoed != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSetCell_RejectsWideMaterial(t *testing.T) {
	w := New(testGen(), Options{})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	w.SetCell(geom.Vec3i{Y: 3}, 1<<20)
}

func TestExportImportChunks(t *testing.T) {
	w := New(testGen(), Options{})
	w.SetBlock(geom.Vec3i{X: 1, Y: 4, Z: 1}, 0)
	w.SetBlock(geom.Vec3i{X: -30, Y: 4, Z: 40}, 13)
	exp := w.ExportModifiedChunks()
	if len(exp) != 2 {
		t.Fatalf("exported %d chunks", len(exp))
	}
	if exp[0].CX != -2 || exp[0].CZ != 2 {
		t.Fatalf("export order: %+v", exp[0])
	}

	w2 := New(testGen(), Options{})
	if err := w2.ImportChunks(exp); err != nil {
		t.Fatalf("ImportChunks: %v", err)
	}
	for _, k := range w.ModifiedChunkKeys() {
		a, _ := w.ChunkDigest(k)
		b, ok := w2.ChunkDigest(k)
		if !ok || a != b {
			t.Fatalf("chunk %v differs after import", k)
		}
	}
	if w2.Block(geom.Vec3i{X: -30, Y: 4, Z: 40}) != 13 {
		t.Fatalf("imported block missing")
	}

	bad := exp[0]
	bad.Height = 3
	if err := w2.ImportChunks([]snapv1.ChunkV1{bad}); err == nil {
		t.Fatalf("expected height mismatch error")
	}
}
