package engine

import (
	"log"

	"voxelquarry.ai/internal/sim/scheduler"
)

// eventFanout forwards scheduler events to every configured sink.
// It runs on the tick goroutine only.
type eventFanout struct {
	sinks  []scheduler.EventSink
	counts map[scheduler.EventKind]uint64
}

func (f *eventFanout) set(sinks []scheduler.EventSink) {
	f.sinks = f.sinks[:0]
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
}

func (f *eventFanout) MachineEvent(ev scheduler.Event) {
	if f.counts == nil {
		f.counts = map[scheduler.EventKind]uint64{}
	}
	f.counts[ev.Kind]++
	for _, s := range f.sinks {
		s.MachineEvent(ev)
	}
}

func (f *eventFanout) snapshotCounts() map[string]uint64 {
	out := make(map[string]uint64, len(f.counts))
	for k, n := range f.counts {
		out[string(k)] = n
	}
	return out
}

// EventWriter is a synchronous event store such as the JSONL log.
type EventWriter interface {
	WriteEvent(scheduler.Event) error
}

// LogSink adapts an EventWriter to scheduler.EventSink, logging write errors.
type LogSink struct {
	W   EventWriter
	Log *log.Logger
}

func (s LogSink) MachineEvent(ev scheduler.Event) {
	if s.W == nil {
		return
	}
	if err := s.W.WriteEvent(ev); err != nil && s.Log != nil {
		s.Log.Printf("event log: %v", err)
	}
}
