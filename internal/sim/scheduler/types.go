package scheduler

import (
	"errors"

	"voxelquarry.ai/internal/sim/buffer"
	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/machine"
)

var (
	ErrDuplicate = errors.New("scheduler: machine already registered")
	ErrUnknown   = errors.New("scheduler: unknown machine")
)

// EmptyMaterial is the material written into cleared cells.
const EmptyMaterial uint32 = 0

// World is the host world as seen by mining. Materials are wide ids.
type World interface {
	Cell(c geom.Vec3i) uint32
	SetCell(c geom.Vec3i, material uint32)
	MinLevel() int
}

type Class uint8

const (
	ClassEmpty Class = iota
	ClassIndestructible
	ClassLiquid
	ClassComplex
	ClassSimple
)

func (c Class) String() string {
	switch c {
	case ClassEmpty:
		return "empty"
	case ClassIndestructible:
		return "indestructible"
	case ClassLiquid:
		return "liquid"
	case ClassComplex:
		return "complex"
	case ClassSimple:
		return "simple"
	default:
		return "unknown"
	}
}

// TypeIndex classifies materials and maps them into the compact id namespace.
// Compact ids, when present, are numerically equal to the wide id.
type TypeIndex interface {
	Classify(material uint32) Class
	CompactID(material uint32) (uint16, bool)
}

type EventKind string

const (
	EventRegistered    EventKind = "REGISTERED"
	EventUnregistered  EventKind = "UNREGISTERED"
	EventLayerComplete EventKind = "LAYER_COMPLETE"
	EventStopped       EventKind = "STOPPED"
	EventReleased      EventKind = "RELEASED"
)

type Event struct {
	Tick    uint64     `json:"tick"`
	Machine machine.ID `json:"machine"`
	Kind    EventKind  `json:"kind"`
	Y       int        `json:"y"`
	Count   uint64     `json:"count,omitempty"`
}

// EventSink receives machine lifecycle events on the tick goroutine.
// Implementations must not block.
type EventSink interface {
	MachineEvent(Event)
}

// Action is one machine's planned work for a tick. Planning only reads
// configuration and runtime state; the world is consulted when the action is applied.
type Action struct {
	ID            machine.ID
	Target        geom.Vec3i
	Mine          bool
	LayerComplete bool
	NextY         int
	Stop          bool
}

type TickStats struct {
	Machines   int    `json:"machines"`
	Scanned    int    `json:"scanned"`
	Cleared    int    `json:"cleared"`
	Compact    int    `json:"compact"`
	Overflow   int    `json:"overflow"`
	Liquids    int    `json:"liquids"`
	Layers     int    `json:"layers"`
	Stopped    int    `json:"stopped"`
	Released   uint64 `json:"released"`
	BufferScan bool   `json:"buffer_scan"`
}

// Summary is the exportable view of one machine's buffered output.
type Summary struct {
	ID            machine.ID           `json:"id"`
	State         machine.RuntimeState `json:"state"`
	Compact       map[uint16]int       `json:"compact"`
	Overflow      map[uint32]int       `json:"overflow"`
	ReadyCompact  map[uint16]uint64    `json:"ready_compact"`
	ReadyOverflow map[uint32]uint64    `json:"ready_overflow"`
}

// SavedRuntime is the persisted form of a machine's runtime and buffers.
type SavedRuntime struct {
	ID       machine.ID
	State    machine.RuntimeState
	Output   buffer.Saved
	Overflow buffer.Saved
}
