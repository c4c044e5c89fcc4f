package buffer

import "fmt"

// OutputBuffer batches compact-id output into pooled slabs.
// The last slab is the active one; only it accepts new entries.
type OutputBuffer struct {
	pool   *SlabPool
	policy Policy

	slabs []*Slab
	ready map[uint16]uint64
}

func NewOutputBuffer(pool *SlabPool, policy Policy) *OutputBuffer {
	return &OutputBuffer{pool: pool, policy: policy, ready: map[uint16]uint64{}}
}

func (b *OutputBuffer) active() *Slab {
	if len(b.slabs) == 0 {
		return nil
	}
	return b.slabs[len(b.slabs)-1]
}

func (b *OutputBuffer) Add(id uint16, now uint64) {
	s := b.active()
	if s != nil {
		if i, ok := s.lookup(id); ok {
			if s.counts[i] < MaxCount {
				s.counts[i]++
				if b.policy.Harsh {
					s.expiry[i] = now + b.policy.delayFor(uint32(id))
				}
				return
			}
			// Saturated: the next add opens a fresh entry.
			delete(s.index, id)
		}
	}
	if s == nil || s.Full() {
		s = b.pool.Acquire()
		b.slabs = append(b.slabs, s)
	}
	s.push(id, 1, now+b.policy.delayFor(uint32(id)))
}

// Tick moves eligible entries to the ready tally and pools empty non-active slabs.
// It returns the number of units released.
func (b *OutputBuffer) Tick(now uint64) uint64 {
	var released uint64
	for _, s := range b.slabs {
		for i := 0; i < s.size; {
			if b.policy.eligible(s.counts[i], s.expiry[i], now) {
				b.ready[s.ids[i]] += uint64(s.counts[i])
				released += uint64(s.counts[i])
				s.RemoveAt(i)
				continue
			}
			i++
		}
	}
	b.compact()
	return released
}

func (b *OutputBuffer) compact() {
	n := len(b.slabs)
	kept := b.slabs[:0]
	for i, s := range b.slabs {
		if s.size == 0 && i != n-1 {
			b.pool.Release(s)
			continue
		}
		kept = append(kept, s)
	}
	for j := len(kept); j < n; j++ {
		b.slabs[j] = nil
	}
	b.slabs = kept
}

// FlushAll marks every held entry ready regardless of expiry.
func (b *OutputBuffer) FlushAll() uint64 {
	var released uint64
	for _, s := range b.slabs {
		for i := 0; i < s.size; i++ {
			b.ready[s.ids[i]] += uint64(s.counts[i])
			released += uint64(s.counts[i])
		}
		b.pool.Release(s)
	}
	b.slabs = nil
	return released
}

// Summary aggregates held (not yet ready) counts per id.
func (b *OutputBuffer) Summary() map[uint16]int {
	out := map[uint16]int{}
	for _, s := range b.slabs {
		for i := 0; i < s.size; i++ {
			out[s.ids[i]] += int(s.counts[i])
		}
	}
	return out
}

func (b *OutputBuffer) Ready() map[uint16]uint64 {
	out := make(map[uint16]uint64, len(b.ready))
	for id, n := range b.ready {
		out[id] = n
	}
	return out
}

// Drain returns and clears the ready tally.
func (b *OutputBuffer) Drain() map[uint16]uint64 {
	out := b.ready
	b.ready = map[uint16]uint64{}
	return out
}

func (b *OutputBuffer) Slabs() int { return len(b.slabs) }

func (b *OutputBuffer) Entries() int {
	n := 0
	for _, s := range b.slabs {
		n += s.size
	}
	return n
}

// Close returns all slabs to the pool. The buffer must not be used afterwards.
func (b *OutputBuffer) Close() {
	for _, s := range b.slabs {
		b.pool.Release(s)
	}
	b.slabs = nil
}

type SavedEntry struct {
	ID     uint32 `json:"id"`
	Count  uint8  `json:"count"`
	Expiry uint64 `json:"expiry"`
}

// Saved is the persisted form of either buffer kind.
type Saved struct {
	Entries []SavedEntry      `json:"entries"`
	Ready   map[uint32]uint64 `json:"ready,omitempty"`
}

func (b *OutputBuffer) Save() Saved {
	var out Saved
	for _, s := range b.slabs {
		for i := 0; i < s.size; i++ {
			out.Entries = append(out.Entries, SavedEntry{ID: uint32(s.ids[i]), Count: s.counts[i], Expiry: s.expiry[i]})
		}
	}
	if len(b.ready) > 0 {
		out.Ready = make(map[uint32]uint64, len(b.ready))
		for id, n := range b.ready {
			out.Ready[uint32(id)] = n
		}
	}
	return out
}

// Load replaces the buffer contents with a saved form.
func (b *OutputBuffer) Load(saved Saved) error {
	for _, e := range saved.Entries {
		if e.ID > 0xFFFF {
			return fmt.Errorf("buffer: compact id %d out of range", e.ID)
		}
		if e.Count == 0 {
			return fmt.Errorf("buffer: empty entry for id %d", e.ID)
		}
	}
	for id := range saved.Ready {
		if id > 0xFFFF {
			return fmt.Errorf("buffer: compact id %d out of range", id)
		}
	}
	b.Close()
	for _, e := range saved.Entries {
		s := b.active()
		if s == nil || s.Full() {
			s = b.pool.Acquire()
			b.slabs = append(b.slabs, s)
		}
		s.push(uint16(e.ID), e.Count, e.Expiry)
	}
	b.ready = make(map[uint16]uint64, len(saved.Ready))
	for id, n := range saved.Ready {
		b.ready[uint16(id)] = n
	}
	return nil
}
