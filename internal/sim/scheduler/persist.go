package scheduler

import (
	"fmt"

	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/machine"
)

// SaveRuntimes exports runtime state and buffers in ascending id order.
func (s *Scheduler) SaveRuntimes() []SavedRuntime {
	ids := s.runtimeIDs()
	out := make([]SavedRuntime, 0, len(ids))
	for _, id := range ids {
		rt := s.runtimes[id]
		out = append(out, SavedRuntime{
			ID:       id,
			State:    rt.state,
			Output:   rt.output.Save(),
			Overflow: rt.overflow.Save(),
		})
	}
	return out
}

// RestorePlan is a validated restore that has not been applied yet.
type RestorePlan struct {
	configs  map[machine.ID]machine.Config
	runtimes map[machine.ID]*runtime
}

// Discard returns the plan's slabs to the pool. Use it when the plan will not
// be committed.
func (p *RestorePlan) Discard() {
	for _, rt := range p.runtimes {
		rt.output.Close()
	}
	p.runtimes = nil
}

// PrepareRestore validates configs and saved runtimes and builds their buffers
// without touching the scheduler. Configs with no saved runtime stay registered
// but are not ticked.
func (s *Scheduler) PrepareRestore(configs map[machine.ID]machine.Config, saved []SavedRuntime) (*RestorePlan, error) {
	for id, cfg := range configs {
		if id != cfg.ID {
			return nil, fmt.Errorf("restore: config keyed %s has id %s", id, cfg.ID)
		}
	}
	minY := geom.MaxInt(s.world.MinLevel(), s.index.MinY())
	p := &RestorePlan{configs: configs, runtimes: make(map[machine.ID]*runtime, len(saved))}
	for _, sr := range saved {
		cfg, ok := configs[sr.ID]
		if !ok {
			s.log.Printf("restore: runtime for unknown machine %s dropped", sr.ID)
			continue
		}
		if err := checkState(cfg, sr.State, minY); err != nil {
			p.Discard()
			return nil, fmt.Errorf("restore %s: %w", sr.ID, err)
		}
		rt := s.newRuntime(sr.State)
		p.runtimes[sr.ID] = rt
		if err := rt.output.Load(sr.Output); err != nil {
			p.Discard()
			return nil, fmt.Errorf("restore %s output: %w", sr.ID, err)
		}
		if err := rt.overflow.Load(sr.Overflow); err != nil {
			p.Discard()
			return nil, fmt.Errorf("restore %s overflow: %w", sr.ID, err)
		}
	}
	for id := range configs {
		if p.runtimes[id] == nil {
			s.log.Printf("restore: machine %s has no runtime state; it will not tick", id)
		}
	}
	return p, nil
}

// Commit replaces the registry and all runtimes with the plan. The suppression
// index is restored separately by the caller.
func (s *Scheduler) Commit(p *RestorePlan) {
	for _, rt := range s.runtimes {
		rt.output.Close()
	}
	s.reg.Restore(p.configs)
	s.runtimes = p.runtimes
	p.runtimes = nil
}

// Restore is PrepareRestore followed by Commit. On error nothing is changed.
func (s *Scheduler) Restore(configs map[machine.ID]machine.Config, saved []SavedRuntime) error {
	p, err := s.PrepareRestore(configs, saved)
	if err != nil {
		return err
	}
	s.Commit(p)
	return nil
}

// checkState rejects scan positions the tick could not have produced.
func checkState(cfg machine.Config, st machine.RuntimeState, minY int) error {
	if st.CurrentY < minY || st.CurrentY > cfg.StartY {
		return fmt.Errorf("current_y %d outside [%d,%d]", st.CurrentY, minY, cfg.StartY)
	}
	if st.Progress < 0 || st.Progress > cfg.Cells() {
		return fmt.Errorf("progress %d outside [0,%d]", st.Progress, cfg.Cells())
	}
	return nil
}
