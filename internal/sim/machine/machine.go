package machine

import (
	"errors"
	"fmt"
	"strconv"

	"voxelquarry.ai/internal/sim/geom"
)

var (
	ErrBadExtents = errors.New("machine: extents must be positive and within limit")
	ErrOutOfRange = errors.New("machine: coordinate out of range")
)

const (
	packBitsX  = 26
	packBitsZ  = 26
	packBitsY  = 12
	packShiftX = packBitsY + packBitsZ
	packShiftZ = packBitsY
)

// ID is the anchor position packed into a signed 64-bit key.
// Ascending ID order is the tick order.
type ID int64

// IDOf packs an anchor. Anchors must satisfy InPackRange.
func IDOf(anchor geom.Vec3i) ID {
	x := int64(anchor.X) & (1<<packBitsX - 1)
	y := int64(anchor.Y) & (1<<packBitsY - 1)
	z := int64(anchor.Z) & (1<<packBitsZ - 1)
	return ID(x<<packShiftX | z<<packShiftZ | y)
}

func (id ID) Anchor() geom.Vec3i {
	v := int64(id)
	return geom.Vec3i{
		X: int(v >> packShiftX),
		Y: int(v << (64 - packBitsY) >> (64 - packBitsY)),
		Z: int(v << (64 - packShiftX) >> (64 - packBitsZ)),
	}
}

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

func ParseID(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad machine id %q: %w", s, err)
	}
	return ID(v), nil
}

// InPackRange reports whether the anchor survives IDOf/Anchor unchanged.
func InPackRange(a geom.Vec3i) bool {
	const maxXZ = 1<<(packBitsX-1) - 1
	const maxY = 1<<(packBitsY-1) - 1
	return a.X >= -maxXZ-1 && a.X <= maxXZ &&
		a.Z >= -maxXZ-1 && a.Z <= maxXZ &&
		a.Y >= -maxY-1 && a.Y <= maxY
}

// Config is immutable after NewConfig. Replacing a machine means unregister+register.
type Config struct {
	ID     ID         `json:"id"`
	Anchor geom.Vec3i `json:"anchor"`
	XSize  int        `json:"x_size"`
	ZSize  int        `json:"z_size"`

	// Origin is the first interior cell, one step in from the anchor on X and Z.
	Origin geom.Vec3i `json:"origin"`
	StartY int        `json:"start_y"`
}

// NewConfig derives the footprint for a machine placed at anchor.
// maxExtent <= 0 disables the upper bound.
func NewConfig(anchor geom.Vec3i, xSize, zSize, maxExtent int) (Config, error) {
	if xSize <= 0 || zSize <= 0 {
		return Config{}, fmt.Errorf("%w: %dx%d", ErrBadExtents, xSize, zSize)
	}
	if maxExtent > 0 && (xSize > maxExtent || zSize > maxExtent) {
		return Config{}, fmt.Errorf("%w: %dx%d exceeds %d", ErrBadExtents, xSize, zSize, maxExtent)
	}
	if !InPackRange(anchor) {
		return Config{}, fmt.Errorf("%w: anchor %s", ErrOutOfRange, anchor)
	}
	origin := anchor.Add(1, 0, 1)
	return Config{
		ID:     IDOf(anchor),
		Anchor: anchor,
		XSize:  xSize,
		ZSize:  zSize,
		Origin: origin,
		StartY: origin.Y - 1,
	}, nil
}

// Validate checks the footprint against the world's vertical range.
func (c Config) Validate(minY, maxY int) error {
	if c.XSize <= 0 || c.ZSize <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrBadExtents, c.XSize, c.ZSize)
	}
	if c.StartY < minY || c.StartY > maxY {
		return fmt.Errorf("%w: start_y %d not in [%d,%d]", ErrOutOfRange, c.StartY, minY, maxY)
	}
	if c.ID != IDOf(c.Anchor) {
		return fmt.Errorf("machine: id %d does not match anchor %s", c.ID, c.Anchor)
	}
	return nil
}

// Cells is the interior area mined per layer.
func (c Config) Cells() int { return c.XSize * c.ZSize }

// RuntimeState is the mutable scan position of a machine.
type RuntimeState struct {
	CurrentY int  `json:"current_y"`
	Progress int  `json:"progress"`
	Running  bool `json:"running"`
}

func NewRuntimeState(c Config) RuntimeState {
	return RuntimeState{CurrentY: c.StartY, Progress: 0, Running: true}
}

// Raster splits the progress counter into the interior offset.
func (c Config) Raster(progress int) (dx, dz int) {
	return progress % c.XSize, progress / c.XSize
}
