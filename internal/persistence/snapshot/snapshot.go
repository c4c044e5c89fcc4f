package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

const fileSuffix = ".snap.zst"

type Header struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Tick    uint64 `json:"tick"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Seed          int64 `json:"seed"`
	TickRate      int   `json:"tick_rate_hz"`
	MinY          int   `json:"min_y"`
	MaxY          int   `json:"max_y"`
	SurfaceY      int   `json:"surface_y"`
	BedrockLayers int   `json:"bedrock_layers"`

	PaletteDigest string `json:"palette_digest"`

	Suppression []SuppressionChunkV1 `json:"suppression"`
	Machines    []MachineV1          `json:"machines"`
	Chunks      []ChunkV1            `json:"chunks"`
}

// SuppressionChunkV1 stores the non-empty levels of one chunk column.
type SuppressionChunkV1 struct {
	CX     int             `json:"cx"`
	CZ     int             `json:"cz"`
	Slices []SliceV1       `json:"slices"`
	Shared []SharedClaimV1 `json:"shared,omitempty"`
}

type SliceV1 struct {
	Y    int       `json:"y"`
	Bits [4]uint64 `json:"bits"`
}

// SharedClaimV1 records claims beyond the first on one bit.
type SharedClaimV1 struct {
	Y     int    `json:"y"`
	Bit   uint8  `json:"bit"`
	Extra uint16 `json:"extra"`
}

type MachineV1 struct {
	ID     int64  `json:"id"`
	Anchor [3]int `json:"anchor"`
	XSize  int    `json:"x_size"`
	ZSize  int    `json:"z_size"`

	HasRuntime bool     `json:"has_runtime"`
	CurrentY   int      `json:"current_y"`
	Progress   int      `json:"progress"`
	Running    bool     `json:"running"`
	Output     BufferV1 `json:"output"`
	Overflow   BufferV1 `json:"overflow"`
}

type BufferV1 struct {
	Entries []BufferEntryV1   `json:"entries,omitempty"`
	Ready   map[uint32]uint64 `json:"ready,omitempty"`
}

type BufferEntryV1 struct {
	ID     uint32 `json:"id"`
	Count  uint8  `json:"count"`
	Expiry uint64 `json:"expiry"`
}

// ChunkV1 is a modified world chunk; Blocks holds RLE-encoded palette ids in
// y-major, then z, then x order.
type ChunkV1 struct {
	CX     int    `json:"cx"`
	CZ     int    `json:"cz"`
	MinY   int    `json:"min_y"`
	Height int    `json:"height"`
	Blocks []byte `json:"blocks"`
}

func Path(dir string, tick uint64) string {
	return filepath.Join(dir, "snapshots", fmt.Sprintf("%d%s", tick, fileSuffix))
}

func WriteSnapshot(path string, snap SnapshotV1) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	hb, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(hb, &h); err != nil {
		return snap, fmt.Errorf("bad header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// ReadHeader reads only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	hb, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	err = json.Unmarshal(hb, &h)
	return h, err
}

// List returns snapshot ticks under dir/snapshots in ascending order.
func List(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ticks []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		ticks = append(ticks, tick)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	return ticks, nil
}

// Latest returns the path of the highest-tick snapshot, or "" if none exist.
func Latest(dir string) (string, error) {
	ticks, err := List(dir)
	if err != nil || len(ticks) == 0 {
		return "", err
	}
	return Path(dir, ticks[len(ticks)-1]), nil
}

// Prune keeps the newest keep snapshots and removes the rest.
func Prune(dir string, keep int) (int, error) {
	ticks, err := List(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := 0; i+keep < len(ticks); i++ {
		if err := os.Remove(Path(dir, ticks[i])); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
