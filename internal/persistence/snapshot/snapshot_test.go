package snapshot

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func sample(tick uint64) SnapshotV1 {
	return SnapshotV1{
		Header:   Header{Version: Version, RunID: "run-1", Tick: tick},
		Seed:     42,
		TickRate: 20,
		MinY:     -64,
		MaxY:     320,
		Suppression: []SuppressionChunkV1{{
			CX: -1, CZ: 2,
			Slices: []SliceV1{{Y: 10, Bits: [4]uint64{1, 0, 0, 1 << 63}}},
			Shared: []SharedClaimV1{{Y: 10, Bit: 0, Extra: 1}},
		}},
		Machines: []MachineV1{{
			ID: 99, Anchor: [3]int{1, 2, 3}, XSize: 3, ZSize: 2,
			HasRuntime: true, CurrentY: 1, Progress: 4, Running: true,
			Output:   BufferV1{Entries: []BufferEntryV1{{ID: 7, Count: 255, Expiry: 40}}, Ready: map[uint32]uint64{7: 3}},
			Overflow: BufferV1{Entries: []BufferEntryV1{{ID: 70000, Count: 1, Expiry: 41}}},
		}},
		Chunks: []ChunkV1{{CX: 0, CZ: 0, MinY: -64, Height: 385, Blocks: []byte{1, 2, 3}}},
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := sample(120)
	p := Path(dir, in.Header.Tick)
	if err := WriteSnapshot(p, in); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	out, err := ReadSnapshot(p)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
	h, err := ReadHeader(p)
	if err != nil || h.Tick != 120 || h.RunID != "run-1" {
		t.Fatalf("header=%+v err=%v", h, err)
	}
	if _, err := os.Stat(p + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestLatestAndPrune(t *testing.T) {
	dir := t.TempDir()
	if p, err := Latest(dir); err != nil || p != "" {
		t.Fatalf("empty dir: %q %v", p, err)
	}
	for _, tick := range []uint64{600, 1800, 1200, 2400} {
		if err := WriteSnapshot(Path(dir, tick), sample(tick)); err != nil {
			t.Fatalf("WriteSnapshot: %v", err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "snapshots", "notes.txt"), []byte("x"), 0o644)

	p, err := Latest(dir)
	if err != nil || p != Path(dir, 2400) {
		t.Fatalf("latest=%q err=%v", p, err)
	}
	n, err := Prune(dir, 2)
	if err != nil || n != 2 {
		t.Fatalf("prune removed %d err=%v", n, err)
	}
	ticks, _ := List(dir)
	if !reflect.DeepEqual(ticks, []uint64{1800, 2400}) {
		t.Fatalf("ticks=%v", ticks)
	}
}

func TestReadSnapshot_RejectsVersion(t *testing.T) {
	dir := t.TempDir()
	s := sample(1)
	s.Header.Version = 9
	p := Path(dir, 1)
	if err := WriteSnapshot(p, s); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if _, err := ReadSnapshot(p); err == nil {
		t.Fatalf("expected version error")
	}
}
