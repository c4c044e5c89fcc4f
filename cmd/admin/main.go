package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"sort"
	"strings"

	persistlog "voxelquarry.ai/internal/persistence/log"
	"voxelquarry.ai/internal/persistence/snapshot"
	"voxelquarry.ai/internal/sim/machine"
	"voxelquarry.ai/internal/sim/scheduler"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "machine":
			machineCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the snapshots under the data directory, oldest first.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	ticks, err := snapshot.List(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	for _, t := range ticks {
		path := snapshot.Path(*dataDir, t)
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			fmt.Printf("%s\terror=%v\n", filepath.Base(path), err)
			continue
		}
		fmt.Printf("%s\ttick=%d\trun=%s\n", filepath.Base(path), h.Tick, h.RunID)
	}
}

type machineInfo struct {
	ID       int64  `json:"id"`
	Anchor   [3]int `json:"anchor"`
	Size     string `json:"size"`
	State    string `json:"state"`
	CurrentY int    `json:"current_y,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Buffered uint64 `json:"buffered"`
	Ready    uint64 `json:"ready"`
}

type snapshotInfo struct {
	Tick             uint64        `json:"tick"`
	RunID            string        `json:"run_id"`
	Seed             int64         `json:"seed"`
	Y                [2]int        `json:"y"`
	PaletteDigest    string        `json:"palette_digest"`
	Chunks           int           `json:"modified_chunks"`
	SuppressedChunks int           `json:"suppressed_chunks"`
	SuppressedBits   int           `json:"suppressed_bits"`
	SharedClaims     int           `json:"shared_claims"`
	Machines         []machineInfo `json:"machines"`
}

func describeSnapshot(snap snapshot.SnapshotV1) snapshotInfo {
	info := snapshotInfo{
		Tick:             snap.Header.Tick,
		RunID:            snap.Header.RunID,
		Seed:             snap.Seed,
		Y:                [2]int{snap.MinY, snap.MaxY},
		PaletteDigest:    snap.PaletteDigest,
		Chunks:           len(snap.Chunks),
		SuppressedChunks: len(snap.Suppression),
		Machines:         []machineInfo{},
	}
	for _, sc := range snap.Suppression {
		for _, sl := range sc.Slices {
			for _, w := range sl.Bits {
				info.SuppressedBits += bits.OnesCount64(w)
			}
		}
		info.SharedClaims += len(sc.Shared)
	}
	for _, m := range snap.Machines {
		mi := machineInfo{
			ID:     m.ID,
			Anchor: m.Anchor,
			Size:   fmt.Sprintf("%dx%d", m.XSize, m.ZSize),
			State:  "no_runtime",
		}
		if m.HasRuntime {
			mi.State = "stopped"
			if m.Running {
				mi.State = "running"
				mi.CurrentY = m.CurrentY
				mi.Progress = m.Progress
			}
			for _, b := range []snapshot.BufferV1{m.Output, m.Overflow} {
				for _, e := range b.Entries {
					mi.Buffered += uint64(e.Count)
				}
				for _, n := range b.Ready {
					mi.Ready += n
				}
			}
		}
		info.Machines = append(info.Machines, mi)
	}
	return info
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		var err error
		path, err = snapshot.Latest(*dataDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list:", err)
			os.Exit(1)
		}
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	printJSON(describeSnapshot(snap))
}

type eventFilter struct {
	machine   machine.ID
	kind      scheduler.EventKind
	sinceTick uint64
	toTick    uint64
}

func (f eventFilter) match(ev scheduler.Event) bool {
	if f.machine != 0 && ev.Machine != f.machine {
		return false
	}
	if f.kind != "" && ev.Kind != f.kind {
		return false
	}
	if ev.Tick < f.sinceTick {
		return false
	}
	return f.toTick == 0 || ev.Tick <= f.toTick
}

func filterEvents(evs []scheduler.Event, f eventFilter) []scheduler.Event {
	out := make([]scheduler.Event, 0, len(evs))
	for _, ev := range evs {
		if f.match(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out
}

// eventsCmd reads the JSONL event log. Only closed hourly files are readable.
func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	id := fs.String("machine", "", "machine id filter")
	kind := fs.String("kind", "", "event kind filter (REGISTERED, LAYER_COMPLETE, STOPPED, RELEASED, UNREGISTERED)")
	since := fs.Uint64("since_tick", 0, "first tick (inclusive)")
	to := fs.Uint64("to_tick", 0, "last tick (inclusive, 0 = no bound)")
	_ = fs.Parse(args)

	f := eventFilter{kind: scheduler.EventKind(strings.ToUpper(strings.TrimSpace(*kind))), sinceTick: *since, toTick: *to}
	if s := strings.TrimSpace(*id); s != "" {
		mid, err := machine.ParseID(s)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		f.machine = mid
	}

	evs, err := persistlog.ReadMachineEvents(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read events:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, ev := range filterEvents(evs, f) {
		_ = enc.Encode(ev)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
