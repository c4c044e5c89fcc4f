package scheduler

import (
	"errors"
	"reflect"
	"testing"

	"voxelquarry.ai/internal/sim/buffer"
	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/machine"
	"voxelquarry.ai/internal/sim/registry"
	"voxelquarry.ai/internal/sim/suppression"
)

const (
	matStone   uint32 = 1
	matBedrock uint32 = 2
	matWater   uint32 = 3
	matChest   uint32 = 4
	matRare    uint32 = 40000 // no compact id
)

type fakeWorld struct {
	min   int
	cells map[geom.Vec3i]uint32
	sets  []geom.Vec3i
}

func newFakeWorld(min int) *fakeWorld {
	return &fakeWorld{min: min, cells: map[geom.Vec3i]uint32{}}
}

func (w *fakeWorld) Cell(c geom.Vec3i) uint32 {
	if v, ok := w.cells[c]; ok {
		return v
	}
	if c.Y == w.min {
		return matBedrock
	}
	return matStone
}

func (w *fakeWorld) SetCell(c geom.Vec3i, m uint32) {
	w.cells[c] = m
	w.sets = append(w.sets, c)
}

func (w *fakeWorld) MinLevel() int { return w.min }

type fakeTypes struct{}

func (fakeTypes) Classify(m uint32) Class {
	switch m {
	case EmptyMaterial:
		return ClassEmpty
	case matBedrock:
		return ClassIndestructible
	case matWater:
		return ClassLiquid
	case matChest:
		return ClassComplex
	default:
		return ClassSimple
	}
}

func (fakeTypes) CompactID(m uint32) (uint16, bool) {
	if m < 1000 {
		return uint16(m), true
	}
	return 0, false
}

type recorder struct{ evs []Event }

func (r *recorder) MachineEvent(ev Event) { r.evs = append(r.evs, ev) }

type harness struct {
	world *fakeWorld
	index *suppression.Index
	reg   *registry.Registry
	s     *Scheduler
	rec   *recorder
}

func newHarness(t *testing.T, minY int, opts Options) *harness {
	t.Helper()
	h := &harness{
		world: newFakeWorld(minY),
		index: suppression.New(minY, minY+128),
		reg:   registry.New(),
		rec:   &recorder{},
	}
	opts.Events = h.rec
	h.s = New(h.reg, h.index, h.world, fakeTypes{}, buffer.NewSlabPool(64), opts)
	return h
}

func mustConfig(t *testing.T, anchor geom.Vec3i, xs, zs int) machine.Config {
	t.Helper()
	c, err := machine.NewConfig(anchor, xs, zs, 0)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	return c
}

func ring(cfg machine.Config, y int) []geom.Vec3i {
	var out []geom.Vec3i
	o := cfg.Origin
	for x := o.X - 1; x <= o.X+cfg.XSize; x++ {
		for z := o.Z - 1; z <= o.Z+cfg.ZSize; z++ {
			if x == o.X-1 || x == o.X+cfg.XSize || z == o.Z-1 || z == o.Z+cfg.ZSize {
				out = append(out, geom.Vec3i{X: x, Y: y, Z: z})
			}
		}
	}
	return out
}

func TestTick_LayerScenario(t *testing.T) {
	h := newHarness(t, 0, Options{})
	cfg := mustConfig(t, geom.Vec3i{X: 0, Y: 11, Z: 0}, 3, 2)
	if cfg.StartY != 10 {
		t.Fatalf("start_y=%d", cfg.StartY)
	}
	if err := h.s.Register(cfg, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, c := range ring(cfg, 10) {
		if !h.index.IsSuppressed(c) {
			t.Fatalf("initial shell missing at %s", c)
		}
	}

	cleared := 0
	for tick := uint64(1); tick <= 6; tick++ {
		cleared += h.s.Tick(tick).Cleared
	}
	st, _ := h.s.RuntimeState(cfg.ID)
	if st.Progress != 6 || st.CurrentY != 10 {
		t.Fatalf("after mining: %+v", st)
	}
	if cleared != 6 {
		t.Fatalf("cleared=%d want 6", cleared)
	}
	// Raster order: dx fastest.
	want := []geom.Vec3i{
		{X: 1, Y: 10, Z: 1}, {X: 2, Y: 10, Z: 1}, {X: 3, Y: 10, Z: 1},
		{X: 1, Y: 10, Z: 2}, {X: 2, Y: 10, Z: 2}, {X: 3, Y: 10, Z: 2},
	}
	if !reflect.DeepEqual(h.world.sets, want) {
		t.Fatalf("cleared cells %v want %v", h.world.sets, want)
	}

	ts := h.s.Tick(7)
	st, _ = h.s.RuntimeState(cfg.ID)
	if st.Progress != 0 || st.CurrentY != 9 || !st.Running || ts.Layers != 1 {
		t.Fatalf("after layer: %+v stats=%+v", st, ts)
	}
	for _, y := range []int{9, 10} {
		for _, c := range ring(cfg, y) {
			if !h.index.IsSuppressed(c) {
				t.Fatalf("shell missing at %s", c)
			}
		}
	}
	sum, _ := h.s.Summary(cfg.ID)
	if sum.Compact[uint16(matStone)] != 6 {
		t.Fatalf("compact summary=%v", sum.Compact)
	}
}

func TestTick_StopsAtFloor(t *testing.T) {
	h := newHarness(t, -4, Options{})
	// start one level above the floor
	cfg := mustConfig(t, geom.Vec3i{X: 5, Y: -2, Z: 5}, 2, 2)
	if err := h.s.Register(cfg, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	stoppedAt := uint64(0)
	for tick := uint64(1); tick <= 20; tick++ {
		if h.s.Tick(tick).Stopped == 1 {
			stoppedAt = tick
		}
	}
	// two layers of 4 cells, one transition tick each
	if stoppedAt != 10 {
		t.Fatalf("stopped at %d want 10", stoppedAt)
	}
	st, _ := h.s.RuntimeState(cfg.ID)
	if st.Running || st.CurrentY != -4 {
		t.Fatalf("state=%+v", st)
	}
	for y := -4; y <= cfg.StartY; y++ {
		for _, c := range ring(cfg, y) {
			if h.index.IsSuppressed(c) {
				t.Fatalf("shell left at %s", c)
			}
		}
	}
	if s := h.index.Stats(); s.Bits != 0 {
		t.Fatalf("index not empty: %+v", s)
	}
	// bedrock floor is never cleared
	if h.world.Cell(geom.Vec3i{X: 6, Y: -4, Z: 6}) != matBedrock {
		t.Fatalf("bedrock cleared")
	}
	sum, _ := h.s.Summary(cfg.ID)
	if sum.Compact[uint16(matStone)] != 4 {
		t.Fatalf("compact=%v", sum.Compact)
	}
	// no further work once stopped
	before := len(h.world.sets)
	h.s.Tick(21)
	if len(h.world.sets) != before {
		t.Fatalf("stopped machine kept mining")
	}
}

func TestTick_Classification(t *testing.T) {
	h := newHarness(t, 0, Options{})
	cfg := mustConfig(t, geom.Vec3i{X: 0, Y: 21, Z: 0}, 5, 1)
	y := cfg.StartY
	h.world.cells[geom.Vec3i{X: 1, Y: y, Z: 1}] = EmptyMaterial
	h.world.cells[geom.Vec3i{X: 2, Y: y, Z: 1}] = matWater
	h.world.cells[geom.Vec3i{X: 3, Y: y, Z: 1}] = matChest
	h.world.cells[geom.Vec3i{X: 4, Y: y, Z: 1}] = matRare
	h.world.cells[geom.Vec3i{X: 5, Y: y, Z: 1}] = matBedrock
	if err := h.s.Register(cfg, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var total TickStats
	for tick := uint64(1); tick <= 5; tick++ {
		ts := h.s.Tick(tick)
		total.Scanned += ts.Scanned
		total.Cleared += ts.Cleared
		total.Liquids += ts.Liquids
		total.Overflow += ts.Overflow
		total.Compact += ts.Compact
	}
	if total.Scanned != 5 || total.Cleared != 3 || total.Liquids != 1 || total.Overflow != 2 || total.Compact != 0 {
		t.Fatalf("stats=%+v", total)
	}
	st, _ := h.s.RuntimeState(cfg.ID)
	if st.Progress != 5 {
		t.Fatalf("progress must advance on every cell, got %d", st.Progress)
	}
	sum, _ := h.s.Summary(cfg.ID)
	if sum.Overflow[matChest] != 1 || sum.Overflow[matRare] != 1 || len(sum.Compact) != 0 {
		t.Fatalf("summary=%+v", sum)
	}
	if h.world.Cell(geom.Vec3i{X: 2, Y: y, Z: 1}) != EmptyMaterial {
		t.Fatalf("liquid not cleared")
	}
	if h.world.Cell(geom.Vec3i{X: 5, Y: y, Z: 1}) != matBedrock {
		t.Fatalf("indestructible cleared")
	}
}

func TestRegister_DuplicateAndInvalid(t *testing.T) {
	h := newHarness(t, 0, Options{})
	cfg := mustConfig(t, geom.Vec3i{X: 0, Y: 11, Z: 0}, 2, 2)
	if err := h.s.Register(cfg, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.s.Tick(1)
	h.s.Tick(2)
	if err := h.s.Register(cfg, 3); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	st, _ := h.s.RuntimeState(cfg.ID)
	if st.Progress != 2 {
		t.Fatalf("duplicate register reset state: %+v", st)
	}

	low := mustConfig(t, geom.Vec3i{X: 50, Y: 0, Z: 0}, 2, 2) // start_y below the floor
	if err := h.s.Register(low, 3); !errors.Is(err, machine.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if h.reg.Snapshot().Len() != 1 {
		t.Fatalf("invalid config reached registry")
	}
}

func TestUnregister_RemovesShellAndReturnsBuffered(t *testing.T) {
	h := newHarness(t, 0, Options{Policy: buffer.Policy{DelayTicks: 1000, DefaultTicks: 20}})
	cfg := mustConfig(t, geom.Vec3i{X: -8, Y: 31, Z: -8}, 2, 1)
	if err := h.s.Register(cfg, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for tick := uint64(1); tick <= 7; tick++ {
		h.s.Tick(tick)
	}
	st, _ := h.s.RuntimeState(cfg.ID)
	if st.CurrentY != cfg.StartY-2 {
		t.Fatalf("state=%+v", st)
	}

	sum, err := h.s.Unregister(cfg.ID, 8)
	if err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if sum.Compact[uint16(matStone)] != 5 {
		t.Fatalf("returned summary=%v", sum.Compact)
	}
	if s := h.index.Stats(); s.Bits != 0 {
		t.Fatalf("shell left behind: %+v", s)
	}
	if _, ok := h.s.RuntimeState(cfg.ID); ok {
		t.Fatalf("runtime kept after unregister")
	}
	if _, err := h.s.Unregister(cfg.ID, 9); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	last := h.rec.evs[len(h.rec.evs)-1]
	if last.Kind != EventUnregistered || last.Machine != cfg.ID {
		t.Fatalf("last event=%+v", last)
	}
}

func TestUnregister_OverlapKeepsNeighbour(t *testing.T) {
	h := newHarness(t, 0, Options{})
	a := mustConfig(t, geom.Vec3i{X: 0, Y: 11, Z: 0}, 2, 2)
	b := mustConfig(t, geom.Vec3i{X: 3, Y: 11, Z: 0}, 2, 2)
	for _, c := range []machine.Config{a, b} {
		if err := h.s.Register(c, 0); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if _, err := h.s.Unregister(a.ID, 1); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	for _, c := range ring(b, b.StartY) {
		if !h.index.IsSuppressed(c) {
			t.Fatalf("neighbour shell lost at %s", c)
		}
	}
}

func TestTick_BufferScanCadence(t *testing.T) {
	h := newHarness(t, 0, Options{
		Policy:          buffer.Policy{DelayTicks: 5, DefaultTicks: 5},
		BufferScanEvery: 4,
	})
	cfg := mustConfig(t, geom.Vec3i{X: 0, Y: 11, Z: 0}, 1, 1)
	if err := h.s.Register(cfg, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// tick 1 mines one stone, expiring at 6; scans run at 4 and 8
	var releasedAt uint64
	for tick := uint64(1); tick <= 8; tick++ {
		ts := h.s.Tick(tick)
		if ts.BufferScan != (tick%4 == 0) {
			t.Fatalf("tick %d: scan=%v", tick, ts.BufferScan)
		}
		if ts.Released > 0 && releasedAt == 0 {
			releasedAt = tick
		}
	}
	if releasedAt != 8 {
		t.Fatalf("released at %d want 8", releasedAt)
	}
	compact, _, err := h.s.Drain(cfg.ID)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if compact[uint16(matStone)] == 0 {
		t.Fatalf("drain empty: %v", compact)
	}
	sum, _ := h.s.Summary(cfg.ID)
	if len(sum.ReadyCompact) != 0 {
		t.Fatalf("drain did not clear ready")
	}
}

func TestTick_StoppedMachineStillReleases(t *testing.T) {
	h := newHarness(t, 0, Options{Policy: buffer.Policy{DelayTicks: 50, DefaultTicks: 50}})
	cfg := mustConfig(t, geom.Vec3i{X: 0, Y: 2, Z: 0}, 1, 1) // start_y 1, floor 0
	if err := h.s.Register(cfg, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for tick := uint64(1); tick <= 10; tick++ {
		h.s.Tick(tick)
	}
	if st, _ := h.s.RuntimeState(cfg.ID); st.Running {
		t.Fatalf("expected stopped")
	}
	if ts := h.s.Tick(60); ts.Released != 1 {
		t.Fatalf("released=%d want 1", ts.Released)
	}
}

func TestTick_OrderAndParallelPlannerMatch(t *testing.T) {
	run := func(workers int) (*harness, []Event) {
		h := newHarness(t, 0, Options{PlannerWorkers: workers})
		anchors := []geom.Vec3i{{X: 40, Y: 9, Z: 0}, {X: -20, Y: 6, Z: 3}, {X: 0, Y: 8, Z: 40}, {X: 7, Y: 5, Z: -30}}
		for i, a := range anchors {
			if err := h.s.Register(mustConfig(t, a, 2+i, 3), 0); err != nil {
				t.Fatalf("Register: %v", err)
			}
		}
		h.rec.evs = nil
		for tick := uint64(1); tick <= 120; tick++ {
			h.s.Tick(tick)
		}
		return h, h.rec.evs
	}
	seq, seqEvs := run(0)
	par, parEvs := run(4)

	if !reflect.DeepEqual(seq.world.sets, par.world.sets) {
		t.Fatalf("world mutation order differs")
	}
	if !reflect.DeepEqual(seqEvs, parEvs) {
		t.Fatalf("event order differs")
	}
	if !reflect.DeepEqual(seq.s.Summaries(), par.s.Summaries()) {
		t.Fatalf("summaries differ")
	}
	// within a tick, events follow ascending id
	for i := 1; i < len(seqEvs); i++ {
		p, c := seqEvs[i-1], seqEvs[i]
		if p.Tick == c.Tick && p.Kind == c.Kind && p.Machine >= c.Machine {
			t.Fatalf("events out of order: %+v then %+v", p, c)
		}
	}
}

func TestSaveRestore_ContinuesIdentically(t *testing.T) {
	build := func() *harness {
		h := newHarness(t, 0, Options{Policy: buffer.Policy{DelayTicks: 30, DefaultTicks: 30}, BufferScanEvery: 5})
		for i, a := range []geom.Vec3i{{X: 0, Y: 8, Z: 0}, {X: 20, Y: 6, Z: 20}} {
			if err := h.s.Register(mustConfig(t, a, 3, 2+i), 0); err != nil {
				t.Fatalf("Register: %v", err)
			}
		}
		return h
	}
	a := build()
	for tick := uint64(1); tick <= 23; tick++ {
		a.s.Tick(tick)
	}

	b := newHarness(t, 0, Options{Policy: buffer.Policy{DelayTicks: 30, DefaultTicks: 30}, BufferScanEvery: 5})
	for c, m := range a.world.cells {
		b.world.cells[c] = m
	}
	if err := b.index.LoadSnapshot(a.index.DeepCopySnapshot()); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if err := b.s.Restore(a.reg.Snapshot().Configs(), a.s.SaveRuntimes()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !reflect.DeepEqual(a.s.Summaries(), b.s.Summaries()) {
		t.Fatalf("summaries differ after restore")
	}
	for tick := uint64(24); tick <= 80; tick++ {
		a.s.Tick(tick)
		b.s.Tick(tick)
	}
	if !reflect.DeepEqual(a.s.Summaries(), b.s.Summaries()) {
		t.Fatalf("summaries diverged after restore")
	}
	if a.index.Stats() != b.index.Stats() {
		t.Fatalf("index diverged: %+v vs %+v", a.index.Stats(), b.index.Stats())
	}
}

func TestFlush_ReleasesHeldOutput(t *testing.T) {
	h := newHarness(t, 0, Options{Policy: buffer.Policy{DelayTicks: 1000, DefaultTicks: 20}})
	cfg := mustConfig(t, geom.Vec3i{X: -8, Y: 31, Z: -8}, 2, 1)
	if err := h.s.Register(cfg, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for tick := uint64(1); tick <= 7; tick++ {
		h.s.Tick(tick)
	}

	n, err := h.s.Flush(cfg.ID, 8)
	if err != nil || n != 5 {
		t.Fatalf("Flush n=%d err=%v", n, err)
	}
	sum, _ := h.s.Summary(cfg.ID)
	if len(sum.Compact) != 0 || sum.ReadyCompact[uint16(matStone)] != 5 {
		t.Fatalf("summary after flush=%+v", sum)
	}
	last := h.rec.evs[len(h.rec.evs)-1]
	if last.Kind != EventReleased || last.Count != 5 || last.Tick != 8 {
		t.Fatalf("last event=%+v", last)
	}

	// Mining continues into a fresh slab after a flush.
	h.s.Tick(9)
	if sum, _ := h.s.Summary(cfg.ID); sum.Compact[uint16(matStone)] != 1 {
		t.Fatalf("summary after refill=%+v", sum)
	}
	if n, err := h.s.Flush(cfg.ID+1, 10); n != 0 || !errors.Is(err, ErrUnknown) {
		t.Fatalf("unknown flush n=%d err=%v", n, err)
	}
}

func TestRestore_RejectsImpossibleStateWithoutChanges(t *testing.T) {
	opts := Options{Policy: buffer.Policy{DelayTicks: 1000, DefaultTicks: 20}}
	a := newHarness(t, 0, opts)
	cfg := mustConfig(t, geom.Vec3i{X: 0, Y: 8, Z: 0}, 3, 2)
	if err := a.s.Register(cfg, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for tick := uint64(1); tick <= 4; tick++ {
		a.s.Tick(tick)
	}
	configs := a.reg.Snapshot().Configs()
	saved := a.s.SaveRuntimes()

	b := newHarness(t, 0, opts)
	own := mustConfig(t, geom.Vec3i{X: 40, Y: 12, Z: 40}, 2, 2)
	if err := b.s.Register(own, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b.s.Tick(1)
	before := b.s.Summaries()

	cases := map[string]func(sr *SavedRuntime){
		"above start":       func(sr *SavedRuntime) { sr.State.CurrentY = cfg.StartY + 1 },
		"below floor":       func(sr *SavedRuntime) { sr.State.CurrentY = -1 },
		"negative progress": func(sr *SavedRuntime) { sr.State.Progress = -1 },
		"progress past end": func(sr *SavedRuntime) { sr.State.Progress = cfg.Cells() + 1 },
		"empty entry": func(sr *SavedRuntime) {
			sr.Output = buffer.Saved{Entries: []buffer.SavedEntry{{ID: matStone, Count: 0, Expiry: 9}}}
		},
	}
	for name, mutate := range cases {
		bad := append([]SavedRuntime(nil), saved...)
		mutate(&bad[0])
		if err := b.s.Restore(configs, bad); err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !reflect.DeepEqual(b.s.Summaries(), before) {
			t.Fatalf("%s: scheduler changed by failed restore", name)
		}
		if _, ok := b.reg.Snapshot().Get(own.ID); !ok {
			t.Fatalf("%s: registry changed by failed restore", name)
		}
	}

	if err := b.s.Restore(configs, saved); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !reflect.DeepEqual(a.s.Summaries(), b.s.Summaries()) {
		t.Fatalf("valid restore differs")
	}
}
