package suppression

import "math/bits"

// Bits is one level of a chunk: 256 bits, one per (x, z) offset in the 16x16 footprint.
type Bits [4]uint64

func (b *Bits) has(bit int) bool { return b[bit>>6]&(1<<(uint(bit)&63)) != 0 }
func (b *Bits) set(bit int)      { b[bit>>6] |= 1 << (uint(bit) & 63) }
func (b *Bits) clear(bit int)    { b[bit>>6] &^= 1 << (uint(bit) & 63) }

func (b *Bits) Empty() bool { return b[0]|b[1]|b[2]|b[3] == 0 }

func (b *Bits) Count() int {
	return bits.OnesCount64(b[0]) + bits.OnesCount64(b[1]) + bits.OnesCount64(b[2]) + bits.OnesCount64(b[3])
}

// ChunkMask holds the suppressed bits of one chunk column, indexed by level (y - baseY).
//
// A nil level is empty; a non-nil level always has at least one bit set.
// nonEmpty tracks the number of non-nil levels.
// extra counts claims beyond the first for bits shared by overlapping shells.
type ChunkMask struct {
	baseY    int
	levels   []*Bits
	nonEmpty int
	extra    map[claimKey]uint16
}

type claimKey struct {
	level int
	bit   uint8
}

func newChunkMask(baseY, height int) *ChunkMask {
	return &ChunkMask{baseY: baseY, levels: make([]*Bits, height)}
}

// NonEmptyLevels is maintained on every mutation.
func (m *ChunkMask) NonEmptyLevels() int { return m.nonEmpty }

func (m *ChunkMask) Empty() bool { return m.nonEmpty == 0 }

func (m *ChunkMask) has(level, bit int) bool {
	b := m.levels[level]
	return b != nil && b.has(bit)
}

func (m *ChunkMask) claim(level, bit int) {
	b := m.levels[level]
	if b == nil {
		b = &Bits{}
		m.levels[level] = b
		m.nonEmpty++
	}
	if !b.has(bit) {
		b.set(bit)
		return
	}
	if m.extra == nil {
		m.extra = map[claimKey]uint16{}
	}
	m.extra[claimKey{level: level, bit: uint8(bit)}]++
}

// release drops one claim. It reports false if the bit was not set.
func (m *ChunkMask) release(level, bit int) bool {
	b := m.levels[level]
	if b == nil || !b.has(bit) {
		return false
	}
	k := claimKey{level: level, bit: uint8(bit)}
	if n, ok := m.extra[k]; ok {
		if n <= 1 {
			delete(m.extra, k)
		} else {
			m.extra[k] = n - 1
		}
		return true
	}
	b.clear(bit)
	if b.Empty() {
		m.levels[level] = nil
		m.nonEmpty--
	}
	return true
}

// Level returns the bits set at world level y.
func (m *ChunkMask) Level(y int) (Bits, bool) {
	l := y - m.baseY
	if l < 0 || l >= len(m.levels) || m.levels[l] == nil {
		return Bits{}, false
	}
	return *m.levels[l], true
}

// ForEachLevel visits non-empty levels in ascending y.
func (m *ChunkMask) ForEachLevel(fn func(y int, b Bits)) {
	for l, b := range m.levels {
		if b != nil {
			fn(m.baseY+l, *b)
		}
	}
}

// ForEachSharedClaim visits bits held by more than one shell; extra is the claim count minus one.
func (m *ChunkMask) ForEachSharedClaim(fn func(y int, bit uint8, extra uint16)) {
	for k, n := range m.extra {
		fn(m.baseY+k.level, k.bit, n)
	}
}

func (m *ChunkMask) clone() *ChunkMask {
	out := &ChunkMask{baseY: m.baseY, levels: make([]*Bits, len(m.levels)), nonEmpty: m.nonEmpty}
	for l, b := range m.levels {
		if b != nil {
			cp := *b
			out.levels[l] = &cp
		}
	}
	if len(m.extra) > 0 {
		out.extra = make(map[claimKey]uint16, len(m.extra))
		for k, n := range m.extra {
			out.extra[k] = n
		}
	}
	return out
}
