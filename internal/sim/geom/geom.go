package geom

import "fmt"

// ChunkSize is the horizontal edge of a chunk column.
const ChunkSize = 16

type Vec3i struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (v Vec3i) Add(dx, dy, dz int) Vec3i {
	return Vec3i{X: v.X + dx, Y: v.Y + dy, Z: v.Z + dz}
}

func (v Vec3i) String() string { return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z) }

type ChunkKey struct {
	CX int
	CZ int
}

// ChunkOf returns the chunk column holding (x, z).
func ChunkOf(x, z int) ChunkKey {
	return ChunkKey{CX: FloorDiv(x, ChunkSize), CZ: FloorDiv(z, ChunkSize)}
}

// LocalBit is the (x, z) offset inside its chunk packed as z<<4 | x.
func LocalBit(x, z int) int {
	return Mod(z, ChunkSize)<<4 | Mod(x, ChunkSize)
}

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func MaxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func splitmix(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Hash2 and Hash3 are stable per-seed coordinate hashes used by world generation.
func Hash2(seed int64, x, z int) uint64 {
	v := uint64(seed) ^ (uint64(uint32(int32(x))) * 0x9e3779b97f4a7c15) ^ (uint64(uint32(int32(z))) * 0xbf58476d1ce4e5b9)
	return splitmix(v)
}

func Hash3(seed int64, x, y, z int) uint64 {
	v := uint64(seed) ^
		(uint64(uint32(int32(x))) * 0x9e3779b97f4a7c15) ^
		(uint64(uint32(int32(y))) * 0xc2b2ae3d27d4eb4f) ^
		(uint64(uint32(int32(z))) * 0xbf58476d1ce4e5b9)
	return splitmix(v)
}
