// Package engine owns the tick goroutine: it wires the scheduler, suppression
// index, voxel world and buffers together and serializes every outside request
// onto tick boundaries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	persistlog "voxelquarry.ai/internal/persistence/log"
	"voxelquarry.ai/internal/persistence/snapshot"
	"voxelquarry.ai/internal/sim/buffer"
	"voxelquarry.ai/internal/sim/catalogs"
	"voxelquarry.ai/internal/sim/propagation"
	"voxelquarry.ai/internal/sim/registry"
	"voxelquarry.ai/internal/sim/scheduler"
	"voxelquarry.ai/internal/sim/suppression"
	"voxelquarry.ai/internal/sim/tuning"
	"voxelquarry.ai/internal/sim/voxel"
)

type Config struct {
	RunID  string
	Tuning tuning.Tuning
	Blocks *catalogs.BlockCatalog
	// Exempt palette ids skip the dupe-protection delay.
	Exempt map[uint32]bool
	Logger *log.Logger
}

// TickLogger receives one entry per tick that did work.
type TickLogger interface {
	WriteTick(persistlog.TickEntry) error
}

type Engine struct {
	cfg  Config
	tune tuning.Tuning
	log  *log.Logger

	tick atomic.Uint64

	reg   *registry.Registry
	index *suppression.Index
	gate  *propagation.Gate
	world *voxel.World
	types *catalogs.TypeIndex
	pool  *buffer.SlabPool
	sched *scheduler.Scheduler

	blockIndex []blockName
	events     *eventFanout
	tickLog    TickLogger
	totals     Totals

	ops           chan MachineOp
	inspect       chan inspectReq
	admin         chan snapshotReq
	observerJoin  chan ObserverJoinRequest
	observerSub   chan ObserverSubscribeRequest
	observerLeave chan string
	stop          chan struct{}

	snapshotSink chan<- snapshot.SnapshotV1
	observers    map[string]*observerClient

	metrics atomic.Pointer[Metrics]
}

func New(cfg Config) (*Engine, error) {
	if cfg.Blocks == nil {
		return nil, errors.New("engine: block catalog required")
	}
	tune := cfg.Tuning
	if err := tune.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds)
	}

	types := catalogs.NewTypeIndex(cfg.Blocks, tune.CompactIDLimit)
	index := suppression.New(tune.World.MinY, tune.World.MaxY)
	gate := propagation.NewGate(index)
	world := voxel.New(voxel.NewGenFromCatalog(cfg.Blocks, tune.World), voxel.Options{
		Gate:      gate,
		IsLiquid:  func(b uint16) bool { return types.Classify(uint32(b)) == scheduler.ClassLiquid },
		IsComplex: func(b uint16) bool { return types.Classify(uint32(b)) == scheduler.ClassComplex },
	})
	pool := buffer.NewSlabPool(tune.Buffers.MaxPooledSlabs)
	reg := registry.New()
	events := &eventFanout{}

	sched := scheduler.New(reg, index, world, types, pool, scheduler.Options{
		Policy:          tune.Policy(cfg.Exempt),
		BufferScanEvery: tune.BufferScanEveryTicks(),
		PlannerWorkers:  tune.Scheduler.PlannerWorkers,
		Logger:          logger,
		Events:          events,
	})

	e := &Engine{
		cfg:   cfg,
		tune:  tune,
		log:   logger,
		reg:   reg,
		index: index,
		gate:  gate,
		world: world,
		types: types,
		pool:  pool,
		sched: sched,

		blockIndex: buildBlockIndex(types, cfg.Blocks),
		events:     events,

		ops:           make(chan MachineOp, 256),
		inspect:       make(chan inspectReq, 64),
		admin:         make(chan snapshotReq, 16),
		observerJoin:  make(chan ObserverJoinRequest, 16),
		observerSub:   make(chan ObserverSubscribeRequest, 64),
		observerLeave: make(chan string, 64),
		stop:          make(chan struct{}),

		observers: map[string]*observerClient{},
	}
	e.publishMetrics(scheduler.TickStats{}, 0)
	return e, nil
}

// SetEventSinks replaces the machine event consumers. Call before Run.
func (e *Engine) SetEventSinks(sinks ...scheduler.EventSink) { e.events.set(sinks) }

func (e *Engine) SetTickLogger(l TickLogger) { e.tickLog = l }

func (e *Engine) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { e.snapshotSink = ch }

func (e *Engine) CurrentTick() uint64 { return e.tick.Load() }

func (e *Engine) RunID() string { return e.cfg.RunID }

func (e *Engine) Tuning() tuning.Tuning { return e.tune }

func (e *Engine) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(e.tune.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingOps []MachineOp
	var pendingAdmin []snapshotReq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case op := <-e.ops:
			pendingOps = append(pendingOps, op)
		case req := <-e.inspect:
			e.handleInspect(req)
		case req := <-e.observerJoin:
			e.handleObserverJoin(req)
		case req := <-e.observerSub:
			e.handleObserverSubscribe(req)
		case id := <-e.observerLeave:
			e.handleObserverLeave(id)
		case req := <-e.admin:
			pendingAdmin = append(pendingAdmin, req)
		case <-ticker.C:
			e.step(pendingOps)
			e.handleSnapshotRequests(pendingAdmin)
			pendingOps = pendingOps[:0]
			pendingAdmin = pendingAdmin[:0]
		}
	}
}

func (e *Engine) Stop() { close(e.stop) }

// StepOnce advances by a single tick using the same ordering as Run.
// It is intended for tests and offline tools; do not call it while Run is active.
func (e *Engine) StepOnce(ops []MachineOp) (uint64, scheduler.TickStats) {
	tick := e.tick.Load()
	return tick, e.step(ops)
}

// DidWork reports whether a tick changed the world or any buffer. Only such
// ticks (and ticks with machine ops) reach the tick log.
func DidWork(st scheduler.TickStats) bool {
	return st.Cleared > 0 || st.Layers > 0 || st.Stopped > 0 || st.Released > 0
}

func (e *Engine) step(ops []MachineOp) scheduler.TickStats {
	start := time.Now()
	now := e.tick.Load()

	// Machine changes land at the tick boundary, in arrival order. Drains and
	// flushes run after the scheduler so they see this tick's releases.
	var recs []persistlog.OpRecord
	var late []MachineOp
	for _, op := range ops {
		recs = append(recs, op.Record())
		if op.afterTick() {
			late = append(late, op)
			continue
		}
		e.applyOp(op, now)
	}

	st := e.sched.Tick(now)
	for _, op := range late {
		st.Released += e.applyOp(op, now)
	}
	e.totals.add(st)

	if e.tickLog != nil && (len(recs) > 0 || DidWork(st)) {
		entry := persistlog.TickEntry{
			Tick:     now,
			UnixMS:   time.Now().UnixMilli(),
			Ops:      recs,
			Stats:    st,
			Cascades: e.world.Cascades(),
		}
		if err := e.tickLog.WriteTick(entry); err != nil {
			e.log.Printf("tick log: %v", err)
		}
	}

	if every := uint64(e.tune.Observer.SummaryEveryTicks); len(e.observers) > 0 && every > 0 && now%every == 0 {
		e.broadcastSummaries(now)
	}

	if e.snapshotSink != nil && now != 0 && e.tune.SnapshotEveryTicks > 0 && now%uint64(e.tune.SnapshotEveryTicks) == 0 {
		snap := e.ExportSnapshot(now)
		select {
		case e.snapshotSink <- snap:
		default:
			e.log.Printf("snapshot sink backed up; dropped snapshot for tick %d", now)
		}
	}

	e.publishMetrics(st, time.Since(start))
	e.tick.Add(1)
	return st
}
