package voxel

import (
	"crypto/sha256"
	"encoding/binary"
)

type Chunk struct {
	CX, CZ int
	// Blocks is indexed by ((y-minY)*16 + z)*16 + x.
	Blocks []uint16

	modified bool
	dirty    bool
	hash     [32]byte
}

func chunkIndex(lx, ly, lz int) int {
	return (ly*16+lz)*16 + lx
}

func (c *Chunk) get(lx, ly, lz int) uint16 {
	return c.Blocks[chunkIndex(lx, ly, lz)]
}

func (c *Chunk) set(lx, ly, lz int, b uint16) bool {
	i := chunkIndex(lx, ly, lz)
	if c.Blocks[i] == b {
		return false
	}
	c.Blocks[i] = b
	c.dirty = true
	c.modified = true
	return true
}

// Modified reports whether the chunk differs from its generated state.
func (c *Chunk) Modified() bool { return c.modified }

func (c *Chunk) Digest() [32]byte {
	if c.dirty || c.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [2]byte
		for _, v := range c.Blocks {
			binary.LittleEndian.PutUint16(tmp[:], v)
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
		c.dirty = false
	}
	return c.hash
}
