package buffer

import (
	"strings"
	"testing"
)

func TestOutputBuffer_SaturationSplits(t *testing.T) {
	b := NewOutputBuffer(NewSlabPool(8), DefaultPolicy())
	for i := 0; i < 300; i++ {
		b.Add(7, 0)
	}
	if b.Entries() != 2 {
		t.Fatalf("entries=%d want 2", b.Entries())
	}
	s := b.slabs[0]
	_, c0, _ := s.Entry(0)
	_, c1, _ := s.Entry(1)
	if c0 != 255 || c1 != 45 {
		t.Fatalf("counts=%d,%d want 255,45", c0, c1)
	}
	if got := b.Summary()[7]; got != 300 {
		t.Fatalf("summary=%d want 300", got)
	}
}

func TestOutputBuffer_FullSlabOpensNew(t *testing.T) {
	pool := NewSlabPool(8)
	b := NewOutputBuffer(pool, DefaultPolicy())
	for id := 0; id < SlabCapacity+10; id++ {
		b.Add(uint16(id), 0)
	}
	if b.Slabs() != 2 {
		t.Fatalf("slabs=%d want 2", b.Slabs())
	}
	if b.Entries() != SlabCapacity+10 {
		t.Fatalf("entries=%d", b.Entries())
	}
	// An id living in the first slab gets a new entry in the active slab.
	b.Add(0, 0)
	if b.Summary()[0] != 2 || b.Entries() != SlabCapacity+11 {
		t.Fatalf("expected new entry for id 0 in active slab")
	}
}

func TestOutputBuffer_TickReleasesAndPools(t *testing.T) {
	pool := NewSlabPool(8)
	b := NewOutputBuffer(pool, Policy{DelayTicks: 100, DefaultTicks: 20})
	for id := 0; id < SlabCapacity; id++ {
		b.Add(uint16(id), 0)
	}
	b.Add(1000, 50) // second slab, later expiry

	if n := b.Tick(99); n != 0 {
		t.Fatalf("released %d before expiry", n)
	}
	if n := b.Tick(100); n != SlabCapacity {
		t.Fatalf("released %d want %d", n, SlabCapacity)
	}
	if b.Slabs() != 1 {
		t.Fatalf("empty non-active slab not pooled, slabs=%d", b.Slabs())
	}
	if pool.Stats().Free != 1 {
		t.Fatalf("pool free=%d want 1", pool.Stats().Free)
	}
	if b.Ready()[5] != 1 {
		t.Fatalf("ready[5]=%d", b.Ready()[5])
	}
	if _, ok := b.Summary()[5]; ok {
		t.Fatalf("released id still held")
	}
	drained := b.Drain()
	if len(drained) != SlabCapacity || len(b.Ready()) != 0 {
		t.Fatalf("drain did not clear ready")
	}
	if n := b.Tick(150); n != 1 {
		t.Fatalf("second release %d want 1", n)
	}
	// The active slab stays even when empty.
	if b.Slabs() != 1 || b.Entries() != 0 {
		t.Fatalf("slabs=%d entries=%d", b.Slabs(), b.Entries())
	}
}

func TestFlushAll_IgnoresExpiry(t *testing.T) {
	pool := NewSlabPool(8)
	b := NewOutputBuffer(pool, Policy{DelayTicks: 100, DefaultTicks: 20})
	for id := 0; id < SlabCapacity; id++ {
		b.Add(uint16(id), 0)
	}
	b.Add(5, 10)
	b.Add(1000, 10)

	if n := b.FlushAll(); n != SlabCapacity+2 {
		t.Fatalf("flushed %d want %d", n, SlabCapacity+2)
	}
	if b.Slabs() != 0 || len(b.Summary()) != 0 {
		t.Fatalf("slabs=%d summary=%v", b.Slabs(), b.Summary())
	}
	if pool.Stats().Free != 2 {
		t.Fatalf("pool free=%d want 2", pool.Stats().Free)
	}
	if b.Ready()[5] != 2 || b.Ready()[1000] != 1 {
		t.Fatalf("ready=%v", b.Ready())
	}
	b.Add(7, 11)
	if b.Slabs() != 1 || b.Summary()[7] != 1 {
		t.Fatalf("add after flush: slabs=%d summary=%v", b.Slabs(), b.Summary())
	}

	o := NewOverflowBuffer(Policy{DelayTicks: 100, DefaultTicks: 20})
	o.Add(70000, 0)
	o.Add(70000, 1)
	if n := o.FlushAll(); n != 2 || len(o.Summary()) != 0 || o.Ready()[70000] != 2 {
		t.Fatalf("overflow flush n=%d summary=%v ready=%v", n, o.Summary(), o.Ready())
	}
}

func TestPolicy_HarshResetsUntilSaturated(t *testing.T) {
	p := Policy{Harsh: true, DelayTicks: 10, DefaultTicks: 2}
	b := NewOutputBuffer(NewSlabPool(1), p)
	b.Add(3, 0)
	b.Add(3, 8)
	if b.Tick(10) != 0 {
		t.Fatalf("harsh add should have reset the timer")
	}
	if b.Tick(18) != 2 {
		t.Fatalf("expected release at 18")
	}

	for i := 0; i < MaxCount; i++ {
		b.Add(4, 100)
	}
	if b.Tick(101) != MaxCount {
		t.Fatalf("saturated entry should be released early in harsh mode")
	}
}

func TestPolicy_LenientKeepsFirstExpiry(t *testing.T) {
	b := NewOverflowBuffer(Policy{DelayTicks: 10, DefaultTicks: 2})
	b.Add(70000, 0)
	b.Add(70000, 9)
	if b.Tick(10) != 2 {
		t.Fatalf("lenient mode must keep the first expiry")
	}
}

func TestPolicy_ExemptUsesDefault(t *testing.T) {
	p := Policy{DelayTicks: 1000, DefaultTicks: 20, Exempt: map[uint32]bool{9: true}}
	b := NewOutputBuffer(NewSlabPool(1), p)
	b.Add(9, 0)
	b.Add(8, 0)
	if b.Tick(20) != 1 {
		t.Fatalf("exempt id should release at default expiry")
	}
	if b.Ready()[9] != 1 || b.Ready()[8] != 0 {
		t.Fatalf("ready=%v", b.Ready())
	}
}

func TestProtectionDelay(t *testing.T) {
	if got := ProtectionDelay(30, 10, 20); got != 41*20 {
		t.Fatalf("delay=%d", got)
	}
}

func TestOverflowBuffer_Saturation(t *testing.T) {
	b := NewOverflowBuffer(DefaultPolicy())
	for i := 0; i < 300; i++ {
		b.Add(1<<20, 0)
	}
	list := b.entries[1<<20]
	if len(list) != 2 || list[0].count != 255 || list[1].count != 45 {
		t.Fatalf("entries=%+v", list)
	}
}

func TestSaveLoad_PreservesSummaries(t *testing.T) {
	pool := NewSlabPool(16)
	out := NewOutputBuffer(pool, Policy{DelayTicks: 50, DefaultTicks: 20})
	over := NewOverflowBuffer(Policy{DelayTicks: 50, DefaultTicks: 20})
	for i := 0; i < 700; i++ {
		out.Add(uint16(i%300), uint64(i/10))
		over.Add(uint32(100000+i%3), uint64(i/10))
	}
	out.Tick(55)
	over.Tick(55)

	out2 := NewOutputBuffer(pool, Policy{DelayTicks: 50, DefaultTicks: 20})
	if err := out2.Load(out.Save()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	over2 := NewOverflowBuffer(Policy{DelayTicks: 50, DefaultTicks: 20})
	if err := over2.Load(over.Save()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !equalMaps(out.Summary(), out2.Summary()) {
		t.Fatalf("compact summary changed")
	}
	if !equalMaps(out.Ready(), out2.Ready()) {
		t.Fatalf("compact ready changed")
	}
	if !equalMaps(over.Summary(), over2.Summary()) {
		t.Fatalf("overflow summary changed")
	}
	if !equalMaps(over.Ready(), over2.Ready()) {
		t.Fatalf("overflow ready changed")
	}
	// Timing survives too.
	if out.Tick(1000) != out2.Tick(1000) {
		t.Fatalf("release totals diverged")
	}
}

func TestOutputBuffer_LoadRejectsWideIDs(t *testing.T) {
	b := NewOutputBuffer(NewSlabPool(1), DefaultPolicy())
	if err := b.Load(Saved{Entries: []SavedEntry{{ID: 70000, Count: 1}}}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSlab_RemoveAtOutOfRangePanics(t *testing.T) {
	s := newSlab()
	s.push(1, 1, 0)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	s.RemoveAt(1)
}

func TestSlab_RemoveAtKeepsIndex(t *testing.T) {
	s := newSlab()
	s.push(1, 1, 0)
	s.push(2, 1, 0)
	s.push(3, 1, 0)
	s.RemoveAt(0)
	if i, ok := s.lookup(3); !ok || i != 0 {
		t.Fatalf("moved entry not reindexed: %d %v", i, ok)
	}
	if _, ok := s.lookup(1); ok {
		t.Fatalf("removed id still indexed")
	}
	if id, _, _ := s.Entry(0); id != 3 {
		t.Fatalf("entry 0 id=%d", id)
	}
}

func TestSlabPool_BoundedAndReset(t *testing.T) {
	p := NewSlabPool(1)
	a, b := p.Acquire(), p.Acquire()
	a.push(1, 1, 0)
	p.Release(a)
	p.Release(b)
	if p.Stats().Free != 1 {
		t.Fatalf("pool exceeded bound")
	}
	c := p.Acquire()
	if c.Len() != 0 {
		t.Fatalf("acquired slab not reset")
	}
	if _, ok := c.lookup(1); ok {
		t.Fatalf("acquired slab kept index")
	}
}

func TestParseWhitelist(t *testing.T) {
	src := "# exempt\n12\n\n  diamond_ore  # comment\n"
	got, err := ParseWhitelist(strings.NewReader(src), func(name string) (uint32, bool) {
		if name == "diamond_ore" {
			return 40, true
		}
		return 0, false
	})
	if err != nil {
		t.Fatalf("ParseWhitelist: %v", err)
	}
	if !got[12] || !got[40] || len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	if _, err := ParseWhitelist(strings.NewReader("nope\n"), nil); err == nil {
		t.Fatalf("expected error")
	}
}

func equalMaps[K comparable, V comparable](a, b map[K]V) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
