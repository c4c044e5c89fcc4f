package main

import (
	"fmt"
	"io"
	"sort"

	"voxelquarry.ai/internal/persistence/indexdb"
	"voxelquarry.ai/internal/sim/engine"
)

// writeMetrics renders the minimal Prometheus exposition format.
func writeMetrics(w io.Writer, runID string, m engine.Metrics, idx *indexdb.Stats) {
	fmt.Fprintf(w, "# HELP voxelquarry_tick Current engine tick.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_tick gauge\n")
	fmt.Fprintf(w, "voxelquarry_tick{run=%q} %d\n", runID, m.Tick)

	fmt.Fprintf(w, "# HELP voxelquarry_machines Registered machines.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_machines gauge\n")
	fmt.Fprintf(w, "voxelquarry_machines{run=%q,state=%q} %d\n", runID, "registered", m.Machines)
	fmt.Fprintf(w, "voxelquarry_machines{run=%q,state=%q} %d\n", runID, "running", m.Running)

	fmt.Fprintf(w, "# HELP voxelquarry_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_step_ms gauge\n")
	fmt.Fprintf(w, "voxelquarry_step_ms{run=%q} %.3f\n", runID, m.StepMS)

	fmt.Fprintf(w, "# HELP voxelquarry_mined_total Mining work since start.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_mined_total counter\n")
	for _, kv := range []struct {
		k string
		v uint64
	}{
		{"scanned", m.Totals.Scanned},
		{"cleared", m.Totals.Cleared},
		{"compact", m.Totals.Compact},
		{"overflow", m.Totals.Overflow},
		{"liquids", m.Totals.Liquids},
		{"layers", m.Totals.Layers},
		{"stopped", m.Totals.Stopped},
		{"released", m.Totals.Released},
	} {
		fmt.Fprintf(w, "voxelquarry_mined_total{run=%q,kind=%q} %d\n", runID, kv.k, kv.v)
	}

	fmt.Fprintf(w, "# HELP voxelquarry_machine_events_total Machine lifecycle events.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_machine_events_total counter\n")
	for _, k := range sortedKeys(m.Events) {
		fmt.Fprintf(w, "voxelquarry_machine_events_total{run=%q,kind=%q} %d\n", runID, k, m.Events[k])
	}

	fmt.Fprintf(w, "# HELP voxelquarry_suppression Suppression index occupancy.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_suppression gauge\n")
	fmt.Fprintf(w, "voxelquarry_suppression{run=%q,what=%q} %d\n", runID, "chunks", m.Suppression.Chunks)
	fmt.Fprintf(w, "voxelquarry_suppression{run=%q,what=%q} %d\n", runID, "levels", m.Suppression.Levels)
	fmt.Fprintf(w, "voxelquarry_suppression{run=%q,what=%q} %d\n", runID, "bits", m.Suppression.Bits)

	fmt.Fprintf(w, "# HELP voxelquarry_gate_total Propagation updates by path and verdict.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_gate_total counter\n")
	paths := make([]string, 0, len(m.Gate))
	for p := range m.Gate {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(w, "voxelquarry_gate_total{run=%q,path=%q,verdict=%q} %d\n", runID, p, "allowed", m.Gate[p].Allowed)
		fmt.Fprintf(w, "voxelquarry_gate_total{run=%q,path=%q,verdict=%q} %d\n", runID, p, "vetoed", m.Gate[p].Vetoed)
	}

	fmt.Fprintf(w, "# HELP voxelquarry_cascades_total Block updates propagated out of cleared cells.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_cascades_total counter\n")
	fmt.Fprintf(w, "voxelquarry_cascades_total{run=%q} %d\n", runID, m.Cascades)

	fmt.Fprintf(w, "# HELP voxelquarry_loaded_chunks Loaded voxel chunk count.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_loaded_chunks gauge\n")
	fmt.Fprintf(w, "voxelquarry_loaded_chunks{run=%q} %d\n", runID, m.LoadedChunks)

	fmt.Fprintf(w, "# HELP voxelquarry_slab_pool Output slab pool.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_slab_pool gauge\n")
	fmt.Fprintf(w, "voxelquarry_slab_pool{run=%q,what=%q} %d\n", runID, "free", m.Pool.Free)
	fmt.Fprintf(w, "voxelquarry_slab_pool{run=%q,what=%q} %d\n", runID, "allocated", m.Pool.Allocated)

	fmt.Fprintf(w, "# HELP voxelquarry_observers Connected observers.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_observers gauge\n")
	fmt.Fprintf(w, "voxelquarry_observers{run=%q} %d\n", runID, m.Observers)

	fmt.Fprintf(w, "# HELP voxelquarry_queue_depth Channel backlog depth.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_queue_depth gauge\n")
	fmt.Fprintf(w, "voxelquarry_queue_depth{run=%q,queue=%q} %d\n", runID, "ops", m.QueueDepths.Ops)
	fmt.Fprintf(w, "voxelquarry_queue_depth{run=%q,queue=%q} %d\n", runID, "inspect", m.QueueDepths.Inspect)
	fmt.Fprintf(w, "voxelquarry_queue_depth{run=%q,queue=%q} %d\n", runID, "observer", m.QueueDepths.Observer)

	if idx == nil {
		return
	}
	fmt.Fprintf(w, "# HELP voxelquarry_index_queue_depth Index writer queue depth.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_index_queue_depth gauge\n")
	fmt.Fprintf(w, "voxelquarry_index_queue_depth{run=%q} %d\n", runID, idx.QueueDepth)

	fmt.Fprintf(w, "# HELP voxelquarry_index_dropped_total Index writes dropped under backpressure.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_index_dropped_total counter\n")
	fmt.Fprintf(w, "voxelquarry_index_dropped_total{run=%q,kind=%q} %d\n", runID, "event", idx.DropEventTotal)
	fmt.Fprintf(w, "voxelquarry_index_dropped_total{run=%q,kind=%q} %d\n", runID, "snapshot", idx.DropSnapshotTotal)

	fmt.Fprintf(w, "# HELP voxelquarry_index_write_errors_total Failed index transactions.\n")
	fmt.Fprintf(w, "# TYPE voxelquarry_index_write_errors_total counter\n")
	fmt.Fprintf(w, "voxelquarry_index_write_errors_total{run=%q} %d\n", runID, idx.WriteErrorTotal)
}

func sortedKeys(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
