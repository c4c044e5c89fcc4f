package engine

import (
	"sort"

	"voxelquarry.ai/internal/observerproto"
	"voxelquarry.ai/internal/sim/catalogs"
	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/machine"
	"voxelquarry.ai/internal/sim/scheduler"
	"voxelquarry.ai/internal/sim/suppression"
)

// ObserverFrame is one encoded message for an observer connection.
type ObserverFrame struct {
	Data   []byte
	Binary bool
}

type ObserverJoinRequest struct {
	SessionID string
	Out       chan ObserverFrame
	Sub       observerproto.SubscribeMsg
}

type ObserverSubscribeRequest struct {
	SessionID string
	Sub       observerproto.SubscribeMsg
}

type observerClient struct {
	id       string
	out      chan ObserverFrame
	encoding string
	filter   map[machine.ID]bool
	suppress bool
	dropped  uint64
}

type blockName struct {
	compact uint16
	name    string
}

func buildBlockIndex(types *catalogs.TypeIndex, blocks *catalogs.BlockCatalog) []blockName {
	names := types.CompactNames(blocks)
	out := make([]blockName, 0, len(names))
	for id, n := range names {
		out = append(out, blockName{compact: id, name: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].compact < out[j].compact })
	return out
}

func (e *Engine) ObserverJoin() chan<- ObserverJoinRequest           { return e.observerJoin }
func (e *Engine) ObserverSubscribe() chan<- ObserverSubscribeRequest { return e.observerSub }
func (e *Engine) ObserverLeave() chan<- string                       { return e.observerLeave }

func (c *observerClient) apply(sub observerproto.SubscribeMsg) {
	c.encoding = observerproto.NormalizeEncoding(sub.Encoding)
	c.suppress = sub.Suppression
	c.filter = nil
	if len(sub.MachineIDs) > 0 {
		c.filter = make(map[machine.ID]bool, len(sub.MachineIDs))
		for _, id := range sub.MachineIDs {
			c.filter[machine.ID(id)] = true
		}
	}
}

func (e *Engine) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.Out == nil {
		return
	}
	c := &observerClient{id: req.SessionID, out: req.Out}
	c.apply(req.Sub)
	e.observers[c.id] = c

	now := e.tick.Load()
	e.sendTo(c, e.blockIndexMsg(now))
	e.sendTo(c, e.summaryMsg(now, c.filter))
	if c.suppress {
		e.sendTo(c, e.suppressionMsg(now))
	}
}

func (e *Engine) handleObserverSubscribe(req ObserverSubscribeRequest) {
	c := e.observers[req.SessionID]
	if c == nil {
		return
	}
	c.apply(req.Sub)
}

func (e *Engine) handleObserverLeave(id string) {
	delete(e.observers, id)
}

// sendTo never blocks the tick; a slow observer loses frames.
func (e *Engine) sendTo(c *observerClient, msg any) {
	b, binary, err := observerproto.Encode(c.encoding, msg)
	if err != nil {
		e.log.Printf("observer %s encode: %v", c.id, err)
		return
	}
	select {
	case c.out <- ObserverFrame{Data: b, Binary: binary}:
	default:
		c.dropped++
	}
}

func (e *Engine) broadcastSummaries(now uint64) {
	all := e.summaryMsg(now, nil)
	var supp *observerproto.SuppressionSnapshotMsg
	for _, id := range sortedObserverIDs(e.observers) {
		c := e.observers[id]
		msg := all
		if c.filter != nil {
			msg = filterSummary(all, c.filter)
		}
		e.sendTo(c, msg)
		if c.suppress {
			if supp == nil {
				m := e.suppressionMsg(now)
				supp = &m
			}
			e.sendTo(c, *supp)
		}
	}
}

func sortedObserverIDs(m map[string]*observerClient) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) blockIndexMsg(now uint64) observerproto.BlockIndexMsg {
	msg := observerproto.BlockIndexMsg{
		Type:            observerproto.TypeBlockIndex,
		ProtocolVersion: observerproto.Version,
		Tick:            now,
		PaletteDigest:   e.cfg.Blocks.PaletteDigest,
		Entries:         make([]observerproto.BlockIndexEntry, 0, len(e.blockIndex)),
	}
	for _, b := range e.blockIndex {
		msg.Entries = append(msg.Entries, observerproto.BlockIndexEntry{Compact: b.compact, Name: b.name})
	}
	return msg
}

func (e *Engine) summaryMsg(now uint64, filter map[machine.ID]bool) observerproto.BufferSummaryMsg {
	msg := observerproto.BufferSummaryMsg{
		Type:            observerproto.TypeBufferSummary,
		ProtocolVersion: observerproto.Version,
		Tick:            now,
		Machines:        []observerproto.MachineSummary{},
	}
	view := e.reg.Snapshot()
	for _, sum := range e.sched.Summaries() {
		if filter != nil && !filter[sum.ID] {
			continue
		}
		cfg, ok := view.Get(sum.ID)
		if !ok {
			continue
		}
		msg.Machines = append(msg.Machines, machineSummary(cfg, sum))
	}
	return msg
}

func filterSummary(all observerproto.BufferSummaryMsg, filter map[machine.ID]bool) observerproto.BufferSummaryMsg {
	out := all
	out.Machines = []observerproto.MachineSummary{}
	for _, m := range all.Machines {
		if filter[machine.ID(m.ID)] {
			out.Machines = append(out.Machines, m)
		}
	}
	return out
}

func machineSummary(cfg machine.Config, sum scheduler.Summary) observerproto.MachineSummary {
	return observerproto.MachineSummary{
		ID:            int64(cfg.ID),
		Anchor:        [3]int{cfg.Anchor.X, cfg.Anchor.Y, cfg.Anchor.Z},
		XSize:         cfg.XSize,
		ZSize:         cfg.ZSize,
		CurrentY:      sum.State.CurrentY,
		Progress:      sum.State.Progress,
		Running:       sum.State.Running,
		Compact:       countEntries(sum.Compact),
		Overflow:      countEntries(sum.Overflow),
		ReadyCompact:  countEntries(sum.ReadyCompact),
		ReadyOverflow: countEntries(sum.ReadyOverflow),
	}
}

func countEntries[K uint16 | uint32, V int | uint64](m map[K]V) []observerproto.CountEntry {
	out := make([]observerproto.CountEntry, 0, len(m))
	for id, n := range m {
		if n <= 0 {
			continue
		}
		out = append(out, observerproto.CountEntry{ID: uint32(id), Count: uint64(n)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) suppressionMsg(now uint64) observerproto.SuppressionSnapshotMsg {
	msg := observerproto.SuppressionSnapshotMsg{
		Type:            observerproto.TypeSuppressionSnapshot,
		ProtocolVersion: observerproto.Version,
		Tick:            now,
		Chunks:          []observerproto.SuppressionChunk{},
	}
	masks := e.index.DeepCopySnapshot()
	for _, k := range sortedChunkKeys(masks) {
		ch := observerproto.SuppressionChunk{CX: k.CX, CZ: k.CZ}
		masks[k].ForEachLevel(func(y int, b suppression.Bits) {
			ch.Levels = append(ch.Levels, observerproto.SuppressionLevel{Y: y, Bits: b, Count: b.Count()})
		})
		if len(ch.Levels) > 0 {
			msg.Chunks = append(msg.Chunks, ch)
		}
	}
	return msg
}

func sortedChunkKeys(m map[geom.ChunkKey]*suppression.ChunkMask) []geom.ChunkKey {
	keys := make([]geom.ChunkKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		return keys[i].CZ < keys[j].CZ
	})
	return keys
}

// Bootstrap is safe to call from any goroutine.
func (e *Engine) Bootstrap() observerproto.BootstrapResponse {
	m := e.Metrics()
	return observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		RunID:           e.cfg.RunID,
		Tick:            e.tick.Load(),
		TickRateHz:      e.tune.TickRateHz,
		MinY:            e.tune.World.MinY,
		MaxY:            e.tune.World.MaxY,
		Seed:            e.tune.World.Seed,
		PaletteDigest:   e.cfg.Blocks.PaletteDigest,
		Machines:        m.Machines,
	}
}
