package engine

import (
	"fmt"
	"sort"

	"voxelquarry.ai/internal/persistence/snapshot"
	"voxelquarry.ai/internal/sim/buffer"
	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/machine"
	"voxelquarry.ai/internal/sim/scheduler"
	"voxelquarry.ai/internal/sim/suppression"
)

// ExportSnapshot captures the state after tick has been processed. The result
// shares no memory with the engine.
func (e *Engine) ExportSnapshot(tick uint64) snapshot.SnapshotV1 {
	w := e.tune.World
	snap := snapshot.SnapshotV1{
		Header:        snapshot.Header{Version: snapshot.Version, RunID: e.cfg.RunID, Tick: tick},
		Seed:          w.Seed,
		TickRate:      e.tune.TickRateHz,
		MinY:          w.MinY,
		MaxY:          w.MaxY,
		SurfaceY:      w.SurfaceY,
		BedrockLayers: w.BedrockLayers,
		PaletteDigest: e.cfg.Blocks.PaletteDigest,
	}

	masks := e.index.DeepCopySnapshot()
	for _, k := range sortedChunkKeys(masks) {
		snap.Suppression = append(snap.Suppression, exportMask(k, masks[k]))
	}

	saved := map[machine.ID]scheduler.SavedRuntime{}
	for _, sr := range e.sched.SaveRuntimes() {
		saved[sr.ID] = sr
	}
	view := e.reg.Snapshot()
	for _, id := range view.IDs() {
		cfg, _ := view.Get(id)
		mv := snapshot.MachineV1{
			ID:     int64(cfg.ID),
			Anchor: [3]int{cfg.Anchor.X, cfg.Anchor.Y, cfg.Anchor.Z},
			XSize:  cfg.XSize,
			ZSize:  cfg.ZSize,
		}
		if sr, ok := saved[id]; ok {
			mv.HasRuntime = true
			mv.CurrentY = sr.State.CurrentY
			mv.Progress = sr.State.Progress
			mv.Running = sr.State.Running
			mv.Output = exportBuffer(sr.Output)
			mv.Overflow = exportBuffer(sr.Overflow)
		}
		snap.Machines = append(snap.Machines, mv)
	}

	snap.Chunks = e.world.ExportModifiedChunks()
	return snap
}

func exportMask(k geom.ChunkKey, m *suppression.ChunkMask) snapshot.SuppressionChunkV1 {
	out := snapshot.SuppressionChunkV1{CX: k.CX, CZ: k.CZ}
	m.ForEachLevel(func(y int, b suppression.Bits) {
		out.Slices = append(out.Slices, snapshot.SliceV1{Y: y, Bits: b})
	})
	m.ForEachSharedClaim(func(y int, bit uint8, extra uint16) {
		out.Shared = append(out.Shared, snapshot.SharedClaimV1{Y: y, Bit: bit, Extra: extra})
	})
	sort.Slice(out.Shared, func(i, j int) bool {
		if out.Shared[i].Y != out.Shared[j].Y {
			return out.Shared[i].Y < out.Shared[j].Y
		}
		return out.Shared[i].Bit < out.Shared[j].Bit
	})
	return out
}

func exportBuffer(s buffer.Saved) snapshot.BufferV1 {
	var out snapshot.BufferV1
	for _, e := range s.Entries {
		out.Entries = append(out.Entries, snapshot.BufferEntryV1{ID: e.ID, Count: e.Count, Expiry: e.Expiry})
	}
	if len(s.Ready) > 0 {
		out.Ready = make(map[uint32]uint64, len(s.Ready))
		for id, n := range s.Ready {
			out.Ready[id] = n
		}
	}
	return out
}

func importBuffer(b snapshot.BufferV1) buffer.Saved {
	var out buffer.Saved
	for _, e := range b.Entries {
		out.Entries = append(out.Entries, buffer.SavedEntry{ID: e.ID, Count: e.Count, Expiry: e.Expiry})
	}
	if len(b.Ready) > 0 {
		out.Ready = make(map[uint32]uint64, len(b.Ready))
		for id, n := range b.Ready {
			out.Ready[id] = n
		}
	}
	return out
}

// ImportSnapshot replaces all engine state. The next tick processed is
// snap.Header.Tick+1. Call before Run.
func (e *Engine) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if snap.Header.Version != snapshot.Version {
		return fmt.Errorf("snapshot version %d unsupported", snap.Header.Version)
	}
	if snap.Seed != e.tune.World.Seed {
		return fmt.Errorf("snapshot seed %d does not match world seed %d", snap.Seed, e.tune.World.Seed)
	}
	if snap.PaletteDigest != "" && snap.PaletteDigest != e.cfg.Blocks.PaletteDigest {
		return fmt.Errorf("snapshot palette digest %s does not match catalog %s", snap.PaletteDigest, e.cfg.Blocks.PaletteDigest)
	}

	masks := make(map[geom.ChunkKey]*suppression.ChunkMask, len(snap.Suppression))
	for _, sc := range snap.Suppression {
		m := e.index.NewChunkMask()
		for _, sl := range sc.Slices {
			if err := m.SetLevel(sl.Y, sl.Bits); err != nil {
				return fmt.Errorf("suppression chunk %d,%d: %w", sc.CX, sc.CZ, err)
			}
		}
		for _, sh := range sc.Shared {
			if err := m.SetSharedClaim(sh.Y, sh.Bit, sh.Extra); err != nil {
				return fmt.Errorf("suppression chunk %d,%d: %w", sc.CX, sc.CZ, err)
			}
		}
		masks[geom.ChunkKey{CX: sc.CX, CZ: sc.CZ}] = m
	}

	configs := make(map[machine.ID]machine.Config, len(snap.Machines))
	var saved []scheduler.SavedRuntime
	for _, mv := range snap.Machines {
		anchor := geom.Vec3i{X: mv.Anchor[0], Y: mv.Anchor[1], Z: mv.Anchor[2]}
		cfg, err := machine.NewConfig(anchor, mv.XSize, mv.ZSize, 0)
		if err != nil {
			return fmt.Errorf("machine %d: %w", mv.ID, err)
		}
		if int64(cfg.ID) != mv.ID {
			return fmt.Errorf("machine %d: id does not match anchor %s", mv.ID, anchor)
		}
		if _, dup := configs[cfg.ID]; dup {
			return fmt.Errorf("machine %d: duplicate", mv.ID)
		}
		configs[cfg.ID] = cfg
		if !mv.HasRuntime {
			continue
		}
		saved = append(saved, scheduler.SavedRuntime{
			ID:       cfg.ID,
			State:    machine.RuntimeState{CurrentY: mv.CurrentY, Progress: mv.Progress, Running: mv.Running},
			Output:   importBuffer(mv.Output),
			Overflow: importBuffer(mv.Overflow),
		})
	}

	// Everything that can fail runs before the first mutation.
	chunks, err := e.world.DecodeChunks(snap.Chunks)
	if err != nil {
		return err
	}
	plan, err := e.sched.PrepareRestore(configs, saved)
	if err != nil {
		return err
	}
	if err := e.index.LoadSnapshot(masks); err != nil {
		plan.Discard()
		return err
	}
	e.sched.Commit(plan)
	e.world.ReplaceChunks(chunks)
	e.tick.Store(snap.Header.Tick + 1)
	e.publishMetrics(scheduler.TickStats{}, 0)
	return nil
}
