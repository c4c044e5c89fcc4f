package engine

import (
	"context"
	"errors"
	"fmt"

	persistlog "voxelquarry.ai/internal/persistence/log"
	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/machine"
	"voxelquarry.ai/internal/sim/scheduler"
	"voxelquarry.ai/internal/sim/suppression"
)

type OpKind uint8

const (
	OpRegister OpKind = iota + 1
	OpUnregister
	OpDrain
	OpFlush
)

func (k OpKind) String() string {
	switch k {
	case OpRegister:
		return "register"
	case OpUnregister:
		return "unregister"
	case OpDrain:
		return "drain"
	case OpFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// MachineOp is a machine change applied at the next tick boundary.
// Resp, when set, must have room for one result.
type MachineOp struct {
	Kind OpKind

	// Register.
	Anchor geom.Vec3i
	XSize  int
	ZSize  int

	// Unregister, drain and flush.
	ID machine.ID

	Resp chan OpResult
}

type OpResult struct {
	Tick   uint64
	Config machine.Config
	// Summary is the output still buffered when a machine was unregistered.
	Summary scheduler.Summary

	DrainedCompact  map[uint16]uint64
	DrainedOverflow map[uint32]uint64

	// Flushed counts held output forced into the ready tally.
	Flushed uint64

	Err error
}

func RegisterOp(anchor geom.Vec3i, xSize, zSize int) MachineOp {
	return MachineOp{Kind: OpRegister, Anchor: anchor, XSize: xSize, ZSize: zSize, Resp: make(chan OpResult, 1)}
}

func UnregisterOp(id machine.ID) MachineOp {
	return MachineOp{Kind: OpUnregister, ID: id, Resp: make(chan OpResult, 1)}
}

func DrainOp(id machine.ID) MachineOp {
	return MachineOp{Kind: OpDrain, ID: id, Resp: make(chan OpResult, 1)}
}

// FlushOp releases everything a machine still holds, ignoring expiry.
func FlushOp(id machine.ID) MachineOp {
	return MachineOp{Kind: OpFlush, ID: id, Resp: make(chan OpResult, 1)}
}

// afterTick reports whether op reads the ready tally and so runs after the
// scheduler in its tick.
func (op MachineOp) afterTick() bool { return op.Kind == OpDrain || op.Kind == OpFlush }

// Record is the tick-log form of op.
func (op MachineOp) Record() persistlog.OpRecord {
	r := persistlog.OpRecord{Kind: op.Kind.String()}
	if op.Kind == OpRegister {
		r.Anchor = [3]int{op.Anchor.X, op.Anchor.Y, op.Anchor.Z}
		r.XSize, r.ZSize = op.XSize, op.ZSize
	} else {
		r.ID = int64(op.ID)
	}
	return r
}

// OpFromRecord rebuilds a logged op for replay.
func OpFromRecord(r persistlog.OpRecord) (MachineOp, error) {
	switch r.Kind {
	case OpRegister.String():
		return RegisterOp(geom.Vec3i{X: r.Anchor[0], Y: r.Anchor[1], Z: r.Anchor[2]}, r.XSize, r.ZSize), nil
	case OpUnregister.String():
		return UnregisterOp(machine.ID(r.ID)), nil
	case OpDrain.String():
		return DrainOp(machine.ID(r.ID)), nil
	case OpFlush.String():
		return FlushOp(machine.ID(r.ID)), nil
	default:
		return MachineOp{}, fmt.Errorf("engine: unknown op kind %q", r.Kind)
	}
}

// applyOp runs op and returns how many items it forced into the ready tally.
func (e *Engine) applyOp(op MachineOp, now uint64) uint64 {
	res := OpResult{Tick: now}
	switch op.Kind {
	case OpRegister:
		cfg, err := machine.NewConfig(op.Anchor, op.XSize, op.ZSize, e.tune.Scheduler.MaxExtent)
		if err == nil {
			err = e.sched.Register(cfg, now)
		}
		res.Config, res.Err = cfg, err
	case OpUnregister:
		cfg, _ := e.reg.Snapshot().Get(op.ID)
		res.Config = cfg
		res.Summary, res.Err = e.sched.Unregister(op.ID, now)
	case OpDrain:
		cfg, _ := e.reg.Snapshot().Get(op.ID)
		res.Config = cfg
		res.DrainedCompact, res.DrainedOverflow, res.Err = e.sched.Drain(op.ID)
	case OpFlush:
		cfg, _ := e.reg.Snapshot().Get(op.ID)
		res.Config = cfg
		res.Flushed, res.Err = e.sched.Flush(op.ID, now)
	default:
		res.Err = fmt.Errorf("engine: unknown op %d", op.Kind)
	}
	if res.Err != nil {
		e.log.Printf("%s %s: %v", op.Kind, opTarget(op), res.Err)
	}
	if op.Resp != nil {
		select {
		case op.Resp <- res:
		default:
			// Caller gave up; don't block the tick.
		}
	}
	return res.Flushed
}

func opTarget(op MachineOp) string {
	if op.Kind == OpRegister {
		return op.Anchor.String()
	}
	return op.ID.String()
}

// Submit queues op for the next tick and waits for its result.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (e *Engine) Submit(ctx context.Context, op MachineOp) (OpResult, error) {
	if op.Resp == nil {
		op.Resp = make(chan OpResult, 1)
	}
	select {
	case e.ops <- op:
	case <-ctx.Done():
		return OpResult{}, ctx.Err()
	}
	select {
	case r := <-op.Resp:
		return r, r.Err
	case <-ctx.Done():
		return OpResult{}, ctx.Err()
	}
}

func (e *Engine) Register(ctx context.Context, anchor geom.Vec3i, xSize, zSize int) (machine.Config, error) {
	r, err := e.Submit(ctx, RegisterOp(anchor, xSize, zSize))
	return r.Config, err
}

func (e *Engine) Unregister(ctx context.Context, id machine.ID) (scheduler.Summary, error) {
	r, err := e.Submit(ctx, UnregisterOp(id))
	return r.Summary, err
}

func (e *Engine) Drain(ctx context.Context, id machine.ID) (OpResult, error) {
	return e.Submit(ctx, DrainOp(id))
}

func (e *Engine) Flush(ctx context.Context, id machine.ID) (OpResult, error) {
	return e.Submit(ctx, FlushOp(id))
}

// MachineInfo is a read-only view of one machine between ticks.
type MachineInfo struct {
	Config     machine.Config    `json:"config"`
	HasRuntime bool              `json:"has_runtime"`
	Summary    scheduler.Summary `json:"summary"`
	ShellCells int               `json:"shell_cells_per_level"`
	// ShellLevels is how many levels the shell currently spans.
	ShellLevels int `json:"shell_levels"`
}

type inspectReq struct {
	ID   machine.ID
	Resp chan inspectResp
}

type inspectResp struct {
	Info MachineInfo
	Err  error
}

// Inspect returns a machine's state. It is answered between ticks, not at a boundary.
func (e *Engine) Inspect(ctx context.Context, id machine.ID) (MachineInfo, error) {
	resp := make(chan inspectResp, 1)
	select {
	case e.inspect <- inspectReq{ID: id, Resp: resp}:
	case <-ctx.Done():
		return MachineInfo{}, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.Info, r.Err
	case <-ctx.Done():
		return MachineInfo{}, ctx.Err()
	}
}

func (e *Engine) handleInspect(req inspectReq) {
	info, err := e.machineInfo(req.ID)
	select {
	case req.Resp <- inspectResp{Info: info, Err: err}:
	default:
	}
}

func (e *Engine) machineInfo(id machine.ID) (MachineInfo, error) {
	cfg, ok := e.reg.Snapshot().Get(id)
	if !ok {
		return MachineInfo{}, fmt.Errorf("%w: %s", scheduler.ErrUnknown, id)
	}
	info := MachineInfo{Config: cfg, ShellCells: suppression.ShellCells(cfg.XSize, cfg.ZSize)}
	if sum, ok := e.sched.Summary(id); ok {
		info.HasRuntime = true
		info.Summary = sum
		if sum.State.Running {
			info.ShellLevels = cfg.StartY - sum.State.CurrentY + 1
		}
	}
	return info, nil
}

type snapshotReq struct {
	Resp chan snapshotResp
}

type snapshotResp struct {
	Tick uint64
	Err  string
}

// RequestSnapshot asks the tick goroutine to export a snapshot to the sink.
func (e *Engine) RequestSnapshot(ctx context.Context) (uint64, error) {
	resp := make(chan snapshotResp, 1)
	select {
	case e.admin <- snapshotReq{Resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-resp:
		if r.Err != "" {
			return r.Tick, errors.New(r.Err)
		}
		return r.Tick, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *Engine) handleSnapshotRequests(reqs []snapshotReq) {
	if len(reqs) == 0 {
		return
	}
	cur := e.tick.Load()
	snapTick := uint64(0)
	if cur > 0 {
		snapTick = cur - 1
	}

	errStr := ""
	if e.snapshotSink == nil {
		errStr = "snapshot sink not configured"
	} else {
		snap := e.ExportSnapshot(snapTick)
		select {
		case e.snapshotSink <- snap:
		default:
			errStr = "snapshot sink backpressure"
		}
	}

	resp := snapshotResp{Tick: snapTick, Err: errStr}
	for _, r := range reqs {
		if r.Resp == nil {
			continue
		}
		select {
		case r.Resp <- resp:
		default:
		}
	}
}
