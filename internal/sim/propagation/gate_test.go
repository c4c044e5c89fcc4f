package propagation

import (
	"testing"

	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/suppression"
)

func TestGate_VetoesSuppressedCells(t *testing.T) {
	idx := suppression.New(0, 15)
	idx.AddFullShellLayer(geom.Vec3i{X: 1, Y: 6, Z: 1}, 2, 2, 5)
	g := NewGate(idx)

	if g.Allow(NeighborNotify, geom.Vec3i{X: 0, Y: 5, Z: 0}) {
		t.Fatalf("ring cell should be vetoed")
	}
	if !g.Allow(NeighborNotify, geom.Vec3i{X: 1, Y: 5, Z: 1}) {
		t.Fatalf("interior cell should be allowed")
	}
	if g.Allow(LightUpdate, geom.Vec3i{X: 3, Y: 5, Z: 2}) {
		t.Fatalf("ring cell should be vetoed for light")
	}

	st := g.Stats()
	if st["neighbor_notify"] != (PathStats{Allowed: 1, Vetoed: 1}) {
		t.Fatalf("neighbor stats=%+v", st["neighbor_notify"])
	}
	if st["light_update"].Vetoed != 1 || st["fluid_place"] != (PathStats{}) {
		t.Fatalf("stats=%+v", st)
	}
}

func TestGate_NilAllowsEverything(t *testing.T) {
	var g *Gate
	if !g.Allow(TileEntity, geom.Vec3i{}) {
		t.Fatalf("nil gate must allow")
	}
}
