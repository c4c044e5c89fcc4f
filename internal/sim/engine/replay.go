package engine

import (
	"fmt"

	persistlog "voxelquarry.ai/internal/persistence/log"
)

// ReplayEntry re-steps the engine up to and including entry.Tick, feeding the
// logged ops at that boundary. Ticks without an entry must do no work, and the
// entry's stats must match exactly. Entries before the current tick are skipped.
// Like StepOnce, it must not be called while Run is active.
func (e *Engine) ReplayEntry(entry persistlog.TickEntry) error {
	if entry.Tick < e.tick.Load() {
		return nil
	}
	for e.tick.Load() < entry.Tick {
		tick := e.tick.Load()
		if st := e.step(nil); DidWork(st) {
			return fmt.Errorf("tick %d did work but has no log entry: %+v", tick, st)
		}
	}
	ops := make([]MachineOp, 0, len(entry.Ops))
	for _, r := range entry.Ops {
		op, err := OpFromRecord(r)
		if err != nil {
			return fmt.Errorf("tick %d: %w", entry.Tick, err)
		}
		ops = append(ops, op)
	}
	if st := e.step(ops); st != entry.Stats {
		return fmt.Errorf("tick %d diverged: got %+v want %+v", entry.Tick, st, entry.Stats)
	}
	return nil
}
