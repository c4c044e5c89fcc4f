// Package scheduler advances every registered machine by one raster cell per tick.
//
// All methods except those of the registry run on the tick goroutine.
package scheduler

import (
	"fmt"
	"log"
	"sort"

	"voxelquarry.ai/internal/sim/buffer"
	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/machine"
	"voxelquarry.ai/internal/sim/registry"
	"voxelquarry.ai/internal/sim/suppression"
)

type Options struct {
	Policy buffer.Policy

	// BufferScanEvery is the cadence of expiry evaluation in ticks. 0 scans every tick.
	BufferScanEvery uint64

	// PlannerWorkers > 1 plans machines concurrently before the sequential apply.
	PlannerWorkers int

	Logger *log.Logger
	Events EventSink
}

type runtime struct {
	state    machine.RuntimeState
	output   *buffer.OutputBuffer
	overflow *buffer.OverflowBuffer
}

type Scheduler struct {
	reg   *registry.Registry
	index *suppression.Index
	world World
	types TypeIndex
	pool  *buffer.SlabPool

	policy    buffer.Policy
	scanEvery uint64
	workers   int
	log       *log.Logger
	events    EventSink

	runtimes map[machine.ID]*runtime
}

func New(reg *registry.Registry, index *suppression.Index, world World, types TypeIndex, pool *buffer.SlabPool, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if pool == nil {
		pool = buffer.NewSlabPool(buffer.DefaultMaxPooledSlabs)
	}
	policy := opts.Policy
	if policy.DelayTicks == 0 && policy.DefaultTicks == 0 {
		policy = buffer.DefaultPolicy()
	}
	return &Scheduler{
		reg:       reg,
		index:     index,
		world:     world,
		types:     types,
		pool:      pool,
		policy:    policy,
		scanEvery: opts.BufferScanEvery,
		workers:   opts.PlannerWorkers,
		log:       logger,
		events:    opts.Events,
		runtimes:  map[machine.ID]*runtime{},
	}
}

func (s *Scheduler) newRuntime(state machine.RuntimeState) *runtime {
	return &runtime{
		state:    state,
		output:   buffer.NewOutputBuffer(s.pool, s.policy),
		overflow: buffer.NewOverflowBuffer(s.policy),
	}
}

func (s *Scheduler) emit(ev Event) {
	if s.events != nil {
		s.events.MachineEvent(ev)
	}
}

// Register adds a machine, creates its runtime at startY and claims its first shell layer.
func (s *Scheduler) Register(cfg machine.Config, now uint64) error {
	minY := geom.MaxInt(s.world.MinLevel(), s.index.MinY())
	if err := cfg.Validate(minY, s.index.MaxY()); err != nil {
		return err
	}
	if !s.reg.Register(cfg) {
		return fmt.Errorf("%w: %s", ErrDuplicate, cfg.ID)
	}
	s.runtimes[cfg.ID] = s.newRuntime(machine.NewRuntimeState(cfg))
	s.index.AddFullShellLayer(cfg.Origin, cfg.XSize, cfg.ZSize, cfg.StartY)
	s.emit(Event{Tick: now, Machine: cfg.ID, Kind: EventRegistered, Y: cfg.StartY})
	return nil
}

// Unregister drops a machine. The returned summary holds whatever output was
// still buffered; it is not released through the expiry path.
func (s *Scheduler) Unregister(id machine.ID, now uint64) (Summary, error) {
	cfg, ok := s.reg.Unregister(id)
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	rt := s.runtimes[id]
	if rt == nil {
		// Without a runtime the shell depth is unknown; leave the index alone.
		s.log.Printf("unregister %s: no runtime state, shell left in place", id)
		s.emit(Event{Tick: now, Machine: id, Kind: EventUnregistered, Y: cfg.StartY})
		return Summary{ID: id}, nil
	}
	// A stopped machine already released its shell when it reached the floor.
	if rt.state.Running {
		s.index.RemoveShell(cfg.Origin, cfg.XSize, cfg.ZSize, rt.state.CurrentY, cfg.StartY)
	}
	sum := rt.summary(id)
	rt.output.Close()
	delete(s.runtimes, id)
	s.emit(Event{Tick: now, Machine: id, Kind: EventUnregistered, Y: rt.state.CurrentY})
	return sum, nil
}

func (s *Scheduler) RuntimeState(id machine.ID) (machine.RuntimeState, bool) {
	rt := s.runtimes[id]
	if rt == nil {
		return machine.RuntimeState{}, false
	}
	return rt.state, true
}

func (rt *runtime) summary(id machine.ID) Summary {
	return Summary{
		ID:            id,
		State:         rt.state,
		Compact:       rt.output.Summary(),
		Overflow:      rt.overflow.Summary(),
		ReadyCompact:  rt.output.Ready(),
		ReadyOverflow: rt.overflow.Ready(),
	}
}

func (s *Scheduler) Summary(id machine.ID) (Summary, bool) {
	rt := s.runtimes[id]
	if rt == nil {
		return Summary{}, false
	}
	return rt.summary(id), true
}

// Summaries returns every machine's summary in ascending id order.
func (s *Scheduler) Summaries() []Summary {
	ids := s.runtimeIDs()
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.runtimes[id].summary(id))
	}
	return out
}

// Drain hands released output to the export path and clears it from the machine.
func (s *Scheduler) Drain(id machine.ID) (map[uint16]uint64, map[uint32]uint64, error) {
	rt := s.runtimes[id]
	if rt == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	return rt.output.Drain(), rt.overflow.Drain(), nil
}

// Flush moves everything a machine still holds into its ready tally, ignoring expiry.
func (s *Scheduler) Flush(id machine.ID, now uint64) (uint64, error) {
	rt := s.runtimes[id]
	if rt == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	n := rt.output.FlushAll() + rt.overflow.FlushAll()
	if n > 0 {
		s.emit(Event{Tick: now, Machine: id, Kind: EventReleased, Y: rt.state.CurrentY, Count: n})
	}
	return n, nil
}

func (s *Scheduler) Machines() int { return len(s.runtimes) }

// Running counts machines that have not reached the floor.
func (s *Scheduler) Running() int {
	n := 0
	for _, rt := range s.runtimes {
		if rt.state.Running {
			n++
		}
	}
	return n
}

func (s *Scheduler) PoolStats() buffer.PoolStats { return s.pool.Stats() }

func (s *Scheduler) runtimeIDs() []machine.ID {
	ids := make([]machine.ID, 0, len(s.runtimes))
	for id := range s.runtimes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Tick advances all running machines in ascending id order.
func (s *Scheduler) Tick(now uint64) TickStats {
	view := s.reg.Snapshot()
	ids := view.IDs()
	st := TickStats{Machines: len(ids)}

	for _, a := range s.plan(view, ids) {
		s.apply(view, a, now, &st)
	}

	if s.scanEvery == 0 || now%s.scanEvery == 0 {
		st.BufferScan = true
		for _, id := range s.runtimeIDs() {
			rt := s.runtimes[id]
			n := rt.output.Tick(now) + rt.overflow.Tick(now)
			if n > 0 {
				st.Released += n
				s.emit(Event{Tick: now, Machine: id, Kind: EventReleased, Y: rt.state.CurrentY, Count: n})
			}
		}
	}
	return st
}

func (s *Scheduler) apply(view *registry.View, a Action, now uint64, st *TickStats) {
	cfg, ok := view.Get(a.ID)
	rt := s.runtimes[a.ID]
	if !ok || rt == nil || !rt.state.Running {
		return
	}

	if a.Mine {
		st.Scanned++
		m := s.world.Cell(a.Target)
		class := s.types.Classify(m)
		if class != ClassEmpty && class != ClassIndestructible {
			s.world.SetCell(a.Target, EmptyMaterial)
			st.Cleared++
			switch class {
			case ClassLiquid:
				st.Liquids++
			case ClassComplex:
				rt.overflow.Add(m, now)
				st.Overflow++
			default:
				if id, ok := s.types.CompactID(m); ok {
					rt.output.Add(id, now)
					st.Compact++
				} else {
					rt.overflow.Add(m, now)
					st.Overflow++
				}
			}
		}
		rt.state.Progress++
	}

	if !a.LayerComplete {
		return
	}
	if a.Stop {
		s.index.RemoveShell(cfg.Origin, cfg.XSize, cfg.ZSize, a.NextY, cfg.StartY)
		rt.state.Running = false
		st.Stopped++
		s.emit(Event{Tick: now, Machine: a.ID, Kind: EventStopped, Y: rt.state.CurrentY})
		return
	}
	s.index.DescendShell(cfg.Origin, cfg.XSize, cfg.ZSize, rt.state.CurrentY, a.NextY)
	s.emit(Event{Tick: now, Machine: a.ID, Kind: EventLayerComplete, Y: rt.state.CurrentY})
	rt.state.CurrentY = a.NextY
	rt.state.Progress = 0
	st.Layers++
}
