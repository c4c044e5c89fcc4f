package scheduler

import (
	"sync"
	"sync/atomic"

	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/machine"
	"voxelquarry.ai/internal/sim/registry"
)

// PlanMachine computes one machine's next action from its config and runtime alone.
func PlanMachine(cfg machine.Config, rt machine.RuntimeState, minY int) Action {
	dx, dz := cfg.Raster(rt.Progress)
	if dz >= cfg.ZSize {
		nextY := rt.CurrentY - 1
		return Action{
			ID:            cfg.ID,
			LayerComplete: true,
			NextY:         geom.MaxInt(nextY, minY),
			Stop:          nextY < minY,
		}
	}
	return Action{
		ID:     cfg.ID,
		Target: geom.Vec3i{X: cfg.Origin.X + dx, Y: rt.CurrentY, Z: cfg.Origin.Z + dz},
		Mine:   true,
		NextY:  rt.CurrentY,
	}
}

type planSlot struct {
	a  Action
	ok bool
}

func (s *Scheduler) planAt(view *registry.View, id machine.ID, minY int) planSlot {
	cfg, ok := view.Get(id)
	rt := s.runtimes[id]
	if !ok || rt == nil || !rt.state.Running {
		return planSlot{}
	}
	return planSlot{a: PlanMachine(cfg, rt.state, minY), ok: true}
}

// plan returns actions in the order of ids. With several workers the planning
// fans out, but nothing is mutated until every worker has finished.
func (s *Scheduler) plan(view *registry.View, ids []machine.ID) []Action {
	minY := s.world.MinLevel()
	slots := make([]planSlot, len(ids))

	workers := s.workers
	if workers > len(ids) {
		workers = len(ids)
	}
	if workers <= 1 {
		for i, id := range ids {
			slots[i] = s.planAt(view, id, minY)
		}
	} else {
		var next atomic.Int64
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					i := int(next.Add(1) - 1)
					if i >= len(ids) {
						return
					}
					slots[i] = s.planAt(view, ids[i], minY)
				}
			}()
		}
		wg.Wait()
	}

	out := make([]Action, 0, len(slots))
	for _, sl := range slots {
		if sl.ok {
			out = append(out, sl.a)
		}
	}
	return out
}
