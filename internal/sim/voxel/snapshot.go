package voxel

import (
	"fmt"

	snapv1 "voxelquarry.ai/internal/persistence/snapshot"
	"voxelquarry.ai/internal/sim/encoding"
	"voxelquarry.ai/internal/sim/geom"
)

// ExportModifiedChunks converts every modified chunk into snapshot form.
func (w *World) ExportModifiedChunks() []snapv1.ChunkV1 {
	keys := w.ModifiedChunkKeys()
	out := make([]snapv1.ChunkV1, 0, len(keys))
	for _, k := range keys {
		ch := w.chunks[k]
		out = append(out, snapv1.ChunkV1{
			CX:     k.CX,
			CZ:     k.CZ,
			MinY:   w.gen.MinY,
			Height: w.gen.height(),
			Blocks: encoding.AppendRLE(nil, ch.Blocks),
		})
	}
	return out
}

// ImportChunks replaces chunk contents from a snapshot. Unlisted chunks regenerate on demand.
func (w *World) ImportChunks(chunks []snapv1.ChunkV1) error {
	next, err := w.DecodeChunks(chunks)
	if err != nil {
		return err
	}
	w.ReplaceChunks(next)
	return nil
}

// ChunkSet is decoded snapshot chunk data ready for ReplaceChunks.
type ChunkSet map[geom.ChunkKey]*Chunk

// DecodeChunks checks and decodes snapshot chunks without touching the world.
func (w *World) DecodeChunks(chunks []snapv1.ChunkV1) (ChunkSet, error) {
	next := make(ChunkSet, len(chunks))
	for _, sc := range chunks {
		if sc.MinY != w.gen.MinY || sc.Height != w.gen.height() {
			return nil, fmt.Errorf("snapshot chunk %d,%d: height range [%d,+%d] does not match world [%d,+%d]",
				sc.CX, sc.CZ, sc.MinY, sc.Height, w.gen.MinY, w.gen.height())
		}
		if _, dup := next[geom.ChunkKey{CX: sc.CX, CZ: sc.CZ}]; dup {
			return nil, fmt.Errorf("snapshot chunk %d,%d: duplicate", sc.CX, sc.CZ)
		}
		blocks, err := encoding.DecodeRLE(sc.Blocks, 16*16*sc.Height)
		if err != nil {
			return nil, fmt.Errorf("snapshot chunk %d,%d: %w", sc.CX, sc.CZ, err)
		}
		ch := &Chunk{CX: sc.CX, CZ: sc.CZ, Blocks: blocks, modified: true, dirty: true}
		next[geom.ChunkKey{CX: sc.CX, CZ: sc.CZ}] = ch
	}
	return next, nil
}

// ReplaceChunks swaps in a decoded chunk set; unlisted chunks regenerate on demand.
func (w *World) ReplaceChunks(set ChunkSet) { w.chunks = map[geom.ChunkKey]*Chunk(set) }
