package buffer

import (
	"fmt"
	"sync"
)

const (
	SlabCapacity = 256
	MaxCount     = 255

	DefaultMaxPooledSlabs = 4096
)

// Slab is a fixed-capacity struct-of-arrays batch of (id, count, expiry) entries.
// index maps an id to its most recent entry in this slab.
type Slab struct {
	ids    [SlabCapacity]uint16
	counts [SlabCapacity]uint8
	expiry [SlabCapacity]uint64
	size   int
	index  map[uint16]int
}

func newSlab() *Slab {
	return &Slab{index: make(map[uint16]int, SlabCapacity)}
}

func (s *Slab) Len() int   { return s.size }
func (s *Slab) Full() bool { return s.size >= SlabCapacity }

func (s *Slab) reset() {
	s.size = 0
	clear(s.index)
}

func (s *Slab) lookup(id uint16) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

func (s *Slab) push(id uint16, count uint8, expiry uint64) int {
	i := s.size
	s.ids[i] = id
	s.counts[i] = count
	s.expiry[i] = expiry
	s.index[id] = i
	s.size++
	return i
}

// Entry returns the entry at i. i must come from this slab's own bounds.
func (s *Slab) Entry(i int) (id uint16, count uint8, expiry uint64) {
	s.checkIndex(i)
	return s.ids[i], s.counts[i], s.expiry[i]
}

// RemoveAt swap-removes entry i and keeps the index map consistent.
func (s *Slab) RemoveAt(i int) {
	s.checkIndex(i)
	id := s.ids[i]
	if j, ok := s.index[id]; ok && j == i {
		delete(s.index, id)
	}
	last := s.size - 1
	if i != last {
		moved := s.ids[last]
		s.ids[i] = moved
		s.counts[i] = s.counts[last]
		s.expiry[i] = s.expiry[last]
		if j, ok := s.index[moved]; ok && j == last {
			s.index[moved] = i
		}
	}
	s.size--
}

func (s *Slab) checkIndex(i int) {
	if i < 0 || i >= s.size {
		panic(fmt.Sprintf("buffer: slab index %d out of range [0,%d)", i, s.size))
	}
}

// SlabPool is a bounded free-list of reset slabs shared by all buffers.
type SlabPool struct {
	mu   sync.Mutex
	free []*Slab
	max  int

	allocated int
}

func NewSlabPool(max int) *SlabPool {
	if max < 0 {
		max = 0
	}
	return &SlabPool{max: max}
}

func (p *SlabPool) Acquire() *Slab {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		s.reset()
		return s
	}
	p.allocated++
	return newSlab()
}

// Release returns s to the pool; slabs beyond the bound are dropped for the GC.
func (p *SlabPool) Release(s *Slab) {
	if s == nil {
		return
	}
	s.reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < p.max {
		p.free = append(p.free, s)
	}
}

type PoolStats struct {
	Free      int `json:"free"`
	Allocated int `json:"allocated"`
}

func (p *SlabPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Free: len(p.free), Allocated: p.allocated}
}
