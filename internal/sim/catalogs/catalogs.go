package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"voxelquarry.ai/internal/sim/scheduler"
)

type Catalogs struct {
	Blocks BlockCatalog
}

type BlockCatalog struct {
	Palette       []string
	Index         map[string]uint32
	Defs          map[string]BlockDef
	PaletteDigest string
	DefsDigest    string
}

type BlockDef struct {
	ID        string `json:"id"`
	Solid     bool   `json:"solid"`
	Breakable bool   `json:"breakable"`
	Liquid    bool   `json:"liquid,omitempty"`
	// Complex blocks carry attached state (containers, machines).
	Complex bool `json:"complex,omitempty"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadBlocks(filepath.Join(configDir, "blocks.json"), &c.Blocks); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadBlocks(path string, out *BlockCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var defs []BlockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("blocks.json: %w", err)
	}
	if err := out.build(defs); err != nil {
		return fmt.Errorf("blocks.json: %w", err)
	}
	out.DefsDigest = sha256Hex(raw)
	return nil
}

// NewBlockCatalog builds a catalog from definitions directly.
func NewBlockCatalog(defs []BlockDef) (BlockCatalog, error) {
	var c BlockCatalog
	err := c.build(defs)
	return c, err
}

func (c *BlockCatalog) build(defs []BlockDef) error {
	c.Defs = map[string]BlockDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("empty id")
		}
		if _, dup := c.Defs[d.ID]; dup {
			return fmt.Errorf("duplicate id %q", d.ID)
		}
		if d.Liquid && d.Complex {
			return fmt.Errorf("%s: liquid and complex are exclusive", d.ID)
		}
		c.Defs[d.ID] = d
	}

	// AIR must exist and be palette id 0.
	if _, ok := c.Defs["AIR"]; !ok {
		return fmt.Errorf("missing AIR")
	}
	ids := make([]string, 0, len(c.Defs))
	for id := range c.Defs {
		if id != "AIR" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	ids = append([]string{"AIR"}, ids...)

	c.Palette = ids
	c.Index = make(map[string]uint32, len(ids))
	for i, id := range ids {
		c.Index[id] = uint32(i)
	}
	palJSON, _ := json.Marshal(ids)
	c.PaletteDigest = sha256Hex(palJSON)
	return nil
}

func (c *BlockCatalog) MustID(name string) uint32 {
	id, ok := c.Index[name]
	if !ok {
		panic(fmt.Sprintf("catalogs: unknown block %q", name))
	}
	return id
}

func (c *BlockCatalog) Name(id uint32) string {
	if int(id) < len(c.Palette) {
		return c.Palette[id]
	}
	return ""
}

// TypeIndex classifies palette ids for mining. Ids below the compact limit get
// a 16-bit compact id equal to the palette id; the rest use the overflow path.
type TypeIndex struct {
	classes      []scheduler.Class
	compactLimit uint32
}

func NewTypeIndex(c *BlockCatalog, compactLimit int) *TypeIndex {
	if compactLimit <= 0 || compactLimit > 1<<16 {
		compactLimit = 1 << 16
	}
	ti := &TypeIndex{classes: make([]scheduler.Class, len(c.Palette)), compactLimit: uint32(compactLimit)}
	for i, name := range c.Palette {
		d := c.Defs[name]
		switch {
		case name == "AIR":
			ti.classes[i] = scheduler.ClassEmpty
		case !d.Breakable:
			ti.classes[i] = scheduler.ClassIndestructible
		case d.Liquid:
			ti.classes[i] = scheduler.ClassLiquid
		case d.Complex:
			ti.classes[i] = scheduler.ClassComplex
		default:
			ti.classes[i] = scheduler.ClassSimple
		}
	}
	return ti
}

// Classify treats ids outside the palette as indestructible so unknown content is never removed.
func (t *TypeIndex) Classify(material uint32) scheduler.Class {
	if int(material) >= len(t.classes) {
		return scheduler.ClassIndestructible
	}
	return t.classes[material]
}

func (t *TypeIndex) CompactID(material uint32) (uint16, bool) {
	if material >= t.compactLimit {
		return 0, false
	}
	return uint16(material), true
}

// CompactNames is the compact id -> name table sent to observers.
func (t *TypeIndex) CompactNames(c *BlockCatalog) map[uint16]string {
	out := map[uint16]string{}
	for i, name := range c.Palette {
		if cid, ok := t.CompactID(uint32(i)); ok {
			out[cid] = name
		}
	}
	return out
}
