package suppression

import (
	"fmt"

	"voxelquarry.ai/internal/sim/geom"
)

// DeepCopySnapshot returns chunk masks that share no memory with the live index.
// Callers may serialize the result on another goroutine while ticking continues.
func (x *Index) DeepCopySnapshot() map[geom.ChunkKey]*ChunkMask {
	out := make(map[geom.ChunkKey]*ChunkMask, len(x.chunks))
	for k, m := range x.chunks {
		out[k] = m.clone()
	}
	return out
}

// LoadSnapshot replaces all index state. Masks are copied, so the caller keeps ownership.
func (x *Index) LoadSnapshot(chunks map[geom.ChunkKey]*ChunkMask) error {
	next := make(map[geom.ChunkKey]*ChunkMask, len(chunks))
	for k, m := range chunks {
		if m == nil {
			continue
		}
		if m.baseY == x.minY && len(m.levels) == x.height() {
			if !m.Empty() {
				next[k] = m.clone()
			}
			continue
		}
		// Different level range: rebase level by level.
		nm := x.NewChunkMask()
		var err error
		m.ForEachLevel(func(y int, b Bits) {
			if err == nil {
				err = nm.SetLevel(y, b)
			}
		})
		m.ForEachSharedClaim(func(y int, bit uint8, extra uint16) {
			if err == nil {
				err = nm.SetSharedClaim(y, bit, extra)
			}
		})
		if err != nil {
			return fmt.Errorf("chunk %d,%d: %w", k.CX, k.CZ, err)
		}
		if !nm.Empty() {
			next[k] = nm
		}
	}
	x.chunks = next
	return nil
}

// NewChunkMask returns an empty mask sized for this index, for decoders to fill.
func (x *Index) NewChunkMask() *ChunkMask {
	return newChunkMask(x.minY, x.height())
}

// SetLevel overwrites the bits at world level y.
func (m *ChunkMask) SetLevel(y int, b Bits) error {
	l := y - m.baseY
	if l < 0 || l >= len(m.levels) {
		return fmt.Errorf("level %d out of range", y)
	}
	had := m.levels[l] != nil
	if b.Empty() {
		if had {
			m.levels[l] = nil
			m.nonEmpty--
		}
		return nil
	}
	cp := b
	m.levels[l] = &cp
	if !had {
		m.nonEmpty++
	}
	return nil
}

// SetSharedClaim records extra claims on a bit that must already be set.
func (m *ChunkMask) SetSharedClaim(y int, bit uint8, extra uint16) error {
	l := y - m.baseY
	if l < 0 || l >= len(m.levels) {
		return fmt.Errorf("level %d out of range", y)
	}
	if !m.has(l, int(bit)) {
		return fmt.Errorf("shared claim on unset bit %d at level %d", bit, y)
	}
	if extra == 0 {
		delete(m.extra, claimKey{level: l, bit: bit})
		return nil
	}
	if m.extra == nil {
		m.extra = map[claimKey]uint16{}
	}
	m.extra[claimKey{level: l, bit: bit}] = extra
	return nil
}
