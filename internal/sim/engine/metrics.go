package engine

import (
	"time"

	"voxelquarry.ai/internal/sim/buffer"
	"voxelquarry.ai/internal/sim/propagation"
	"voxelquarry.ai/internal/sim/scheduler"
	"voxelquarry.ai/internal/sim/suppression"
)

// Metrics is a thread-safe read-only view of key engine signals.
// It is updated from the tick goroutine and read from HTTP handlers/tests.
type Metrics struct {
	Tick uint64 `json:"tick"`

	Machines int `json:"machines"`
	Running  int `json:"running"`

	StepMS float64             `json:"step_ms"`
	Last   scheduler.TickStats `json:"last"`
	Totals Totals              `json:"totals"`
	Events map[string]uint64   `json:"events"`

	Suppression  suppression.Stats                `json:"suppression"`
	Gate         map[string]propagation.PathStats `json:"gate"`
	Cascades     uint64                           `json:"cascades"`
	LoadedChunks int                              `json:"loaded_chunks"`
	Pool         buffer.PoolStats                 `json:"pool"`

	Observers   int         `json:"observers"`
	QueueDepths QueueDepths `json:"queue_depths"`
}

type QueueDepths struct {
	Ops      int `json:"ops"`
	Inspect  int `json:"inspect"`
	Observer int `json:"observer"`
}

// Totals accumulate TickStats since the engine started.
type Totals struct {
	Scanned  uint64 `json:"scanned"`
	Cleared  uint64 `json:"cleared"`
	Compact  uint64 `json:"compact"`
	Overflow uint64 `json:"overflow"`
	Liquids  uint64 `json:"liquids"`
	Layers   uint64 `json:"layers"`
	Stopped  uint64 `json:"stopped"`
	Released uint64 `json:"released"`
}

func (t *Totals) add(st scheduler.TickStats) {
	t.Scanned += uint64(st.Scanned)
	t.Cleared += uint64(st.Cleared)
	t.Compact += uint64(st.Compact)
	t.Overflow += uint64(st.Overflow)
	t.Liquids += uint64(st.Liquids)
	t.Layers += uint64(st.Layers)
	t.Stopped += uint64(st.Stopped)
	t.Released += st.Released
}

func (e *Engine) publishMetrics(st scheduler.TickStats, took time.Duration) {
	m := &Metrics{
		Tick:         e.tick.Load(),
		Machines:     e.reg.Snapshot().Len(),
		Running:      e.sched.Running(),
		StepMS:       float64(took.Microseconds()) / 1000,
		Last:         st,
		Totals:       e.totals,
		Events:       e.events.snapshotCounts(),
		Suppression:  e.index.Stats(),
		Gate:         e.gate.Stats(),
		Cascades:     e.world.Cascades(),
		LoadedChunks: e.world.LoadedChunks(),
		Pool:         e.pool.Stats(),
		Observers:    len(e.observers),
		QueueDepths: QueueDepths{
			Ops:      len(e.ops),
			Inspect:  len(e.inspect),
			Observer: len(e.observerJoin) + len(e.observerSub) + len(e.observerLeave),
		},
	}
	e.metrics.Store(m)
}

func (e *Engine) Metrics() Metrics {
	if e == nil {
		return Metrics{}
	}
	m := e.metrics.Load()
	if m == nil {
		return Metrics{}
	}
	return *m
}
