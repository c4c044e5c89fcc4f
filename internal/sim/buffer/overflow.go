package buffer

import (
	"fmt"
	"sort"
)

type overflowEntry struct {
	count  uint8
	expiry uint64
}

// OverflowBuffer holds output for ids outside the compact range. Such ids are rare,
// so entries live in plain per-id lists instead of pooled slabs.
type OverflowBuffer struct {
	policy  Policy
	entries map[uint32][]overflowEntry
	ready   map[uint32]uint64
}

func NewOverflowBuffer(policy Policy) *OverflowBuffer {
	return &OverflowBuffer{
		policy:  policy,
		entries: map[uint32][]overflowEntry{},
		ready:   map[uint32]uint64{},
	}
}

func (b *OverflowBuffer) Add(id uint32, now uint64) {
	list := b.entries[id]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].count < MaxCount {
			list[i].count++
			if b.policy.Harsh {
				list[i].expiry = now + b.policy.delayFor(id)
			}
			return
		}
	}
	b.entries[id] = append(list, overflowEntry{count: 1, expiry: now + b.policy.delayFor(id)})
}

func (b *OverflowBuffer) Tick(now uint64) uint64 {
	var released uint64
	for id, list := range b.entries {
		kept := list[:0]
		for _, e := range list {
			if b.policy.eligible(e.count, e.expiry, now) {
				b.ready[id] += uint64(e.count)
				released += uint64(e.count)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(b.entries, id)
		} else {
			b.entries[id] = kept
		}
	}
	return released
}

func (b *OverflowBuffer) FlushAll() uint64 {
	var released uint64
	for id, list := range b.entries {
		for _, e := range list {
			b.ready[id] += uint64(e.count)
			released += uint64(e.count)
		}
	}
	b.entries = map[uint32][]overflowEntry{}
	return released
}

func (b *OverflowBuffer) Summary() map[uint32]int {
	out := make(map[uint32]int, len(b.entries))
	for id, list := range b.entries {
		for _, e := range list {
			out[id] += int(e.count)
		}
	}
	return out
}

func (b *OverflowBuffer) Ready() map[uint32]uint64 {
	out := make(map[uint32]uint64, len(b.ready))
	for id, n := range b.ready {
		out[id] = n
	}
	return out
}

func (b *OverflowBuffer) Drain() map[uint32]uint64 {
	out := b.ready
	b.ready = map[uint32]uint64{}
	return out
}

func (b *OverflowBuffer) Entries() int {
	n := 0
	for _, list := range b.entries {
		n += len(list)
	}
	return n
}

// Save emits entries sorted by id so snapshots are byte-stable.
func (b *OverflowBuffer) Save() Saved {
	ids := make([]uint32, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out Saved
	for _, id := range ids {
		for _, e := range b.entries[id] {
			out.Entries = append(out.Entries, SavedEntry{ID: id, Count: e.count, Expiry: e.expiry})
		}
	}
	if len(b.ready) > 0 {
		out.Ready = b.Ready()
	}
	return out
}

func (b *OverflowBuffer) Load(saved Saved) error {
	entries := map[uint32][]overflowEntry{}
	for _, e := range saved.Entries {
		if e.Count == 0 {
			return fmt.Errorf("buffer: empty overflow entry for id %d", e.ID)
		}
		entries[e.ID] = append(entries[e.ID], overflowEntry{count: e.Count, expiry: e.Expiry})
	}
	b.entries = entries
	b.ready = make(map[uint32]uint64, len(saved.Ready))
	for id, n := range saved.Ready {
		b.ready[id] = n
	}
	return nil
}
