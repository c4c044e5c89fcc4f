package tuning

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"voxelquarry.ai/internal/sim/buffer"
)

type Tuning struct {
	TickRateHz         int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
	SnapshotKeep       int `yaml:"snapshot_keep"`
	CompactIDLimit     int `yaml:"compact_id_limit"`

	World          World          `yaml:"world"`
	Buffers        Buffers        `yaml:"buffers"`
	DupeProtection DupeProtection `yaml:"dupe_protection"`
	Scheduler      Scheduler      `yaml:"scheduler"`
	Observer       Observer       `yaml:"observer"`
}

type World struct {
	MinY          int   `yaml:"min_y"`
	MaxY          int   `yaml:"max_y"`
	Seed          int64 `yaml:"seed"`
	BedrockLayers int   `yaml:"bedrock_layers"`
	SurfaceY      int   `yaml:"surface_y"`
}

type Buffers struct {
	DefaultExpiryTicks int `yaml:"default_expiry_ticks"`
	MaxPooledSlabs     int `yaml:"max_pooled_slabs"`
}

type DupeProtection struct {
	Enabled bool `yaml:"enabled"`
	// Harsh resets the hold timer on every insert.
	Harsh bool `yaml:"harsh"`

	GranularitySeconds        int    `yaml:"granularity_seconds"`
	OverrideSaveInterval      bool   `yaml:"override_save_interval"`
	CustomSaveIntervalSeconds int    `yaml:"custom_save_interval_seconds"`
	ExemptWhitelistFile       string `yaml:"exempt_whitelist_file"`
}

type Scheduler struct {
	PlannerWorkers int `yaml:"planner_workers"`
	MaxExtent      int `yaml:"max_extent"`
}

type Observer struct {
	SummaryEveryTicks int `yaml:"summary_every_ticks"`
}

// BaseSaveIntervalSeconds is the host autosave period assumed when not overridden.
const BaseSaveIntervalSeconds = 30

func Defaults() Tuning {
	return Tuning{
		TickRateHz:         20,
		SnapshotEveryTicks: 600,
		SnapshotKeep:       10,
		CompactIDLimit:     32768,
		World: World{
			MinY:          -64,
			MaxY:          320,
			Seed:          1337,
			BedrockLayers: 1,
			SurfaceY:      64,
		},
		Buffers: Buffers{
			DefaultExpiryTicks: buffer.DefaultExpiryTicks,
			MaxPooledSlabs:     buffer.DefaultMaxPooledSlabs,
		},
		DupeProtection: DupeProtection{
			GranularitySeconds:        10,
			CustomSaveIntervalSeconds: BaseSaveIntervalSeconds,
		},
		Scheduler: Scheduler{MaxExtent: 256},
		Observer:  Observer{SummaryEveryTicks: 20},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills zero values with defaults and clamps ranged settings.
func (t *Tuning) Normalize() {
	d := Defaults()
	if t.TickRateHz <= 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.SnapshotKeep <= 0 {
		t.SnapshotKeep = d.SnapshotKeep
	}
	if t.CompactIDLimit <= 0 {
		t.CompactIDLimit = d.CompactIDLimit
	}
	if t.Buffers.DefaultExpiryTicks <= 0 {
		t.Buffers.DefaultExpiryTicks = d.Buffers.DefaultExpiryTicks
	}
	if t.Buffers.MaxPooledSlabs < 0 {
		t.Buffers.MaxPooledSlabs = 0
	}
	if t.World.BedrockLayers < 0 {
		t.World.BedrockLayers = 0
	}
	if t.Scheduler.PlannerWorkers < 0 {
		t.Scheduler.PlannerWorkers = 0
	}
	if t.Observer.SummaryEveryTicks <= 0 {
		t.Observer.SummaryEveryTicks = d.Observer.SummaryEveryTicks
	}
	dp := &t.DupeProtection
	dp.GranularitySeconds = clamp(dp.GranularitySeconds, 1, 120)
	dp.CustomSaveIntervalSeconds = clamp(dp.CustomSaveIntervalSeconds, 1, 900)
	dp.ExemptWhitelistFile = strings.TrimSpace(dp.ExemptWhitelistFile)
}

func (t Tuning) Validate() error {
	if t.World.MaxY <= t.World.MinY {
		return fmt.Errorf("world.max_y %d must exceed world.min_y %d", t.World.MaxY, t.World.MinY)
	}
	if t.World.SurfaceY < t.World.MinY || t.World.SurfaceY > t.World.MaxY {
		return fmt.Errorf("world.surface_y %d outside [%d,%d]", t.World.SurfaceY, t.World.MinY, t.World.MaxY)
	}
	if t.CompactIDLimit > 1<<16 {
		return fmt.Errorf("compact_id_limit %d exceeds 65536", t.CompactIDLimit)
	}
	if t.SnapshotEveryTicks < 0 {
		return fmt.Errorf("snapshot_every_ticks must be >= 0")
	}
	if t.Scheduler.MaxExtent < 0 {
		return fmt.Errorf("scheduler.max_extent must be >= 0")
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SaveIntervalSeconds is the host save period the hold window has to cover.
func (t Tuning) SaveIntervalSeconds() int {
	if t.DupeProtection.OverrideSaveInterval {
		return t.DupeProtection.CustomSaveIntervalSeconds
	}
	return BaseSaveIntervalSeconds
}

// BufferScanEveryTicks is how often buffered output is checked for release.
// With dupe protection off the buffers are checked every tick.
func (t Tuning) BufferScanEveryTicks() uint64 {
	if !t.DupeProtection.Enabled {
		return 0
	}
	return uint64(t.DupeProtection.GranularitySeconds * t.TickRateHz)
}

// Policy builds the buffer hold policy. exempt may be nil.
func (t Tuning) Policy(exempt map[uint32]bool) buffer.Policy {
	def := uint64(t.Buffers.DefaultExpiryTicks)
	p := buffer.Policy{DelayTicks: def, DefaultTicks: def, Exempt: exempt}
	if t.DupeProtection.Enabled {
		p.Harsh = t.DupeProtection.Harsh
		p.DelayTicks = buffer.ProtectionDelay(t.SaveIntervalSeconds(), t.DupeProtection.GranularitySeconds, t.TickRateHz)
	}
	return p
}

// ExemptIDs reads the dupe-protection whitelist named by the tuning, relative
// to configDir. A missing file means no exemptions.
func (t Tuning) ExemptIDs(configDir string, resolve func(name string) (uint32, bool)) (map[uint32]bool, error) {
	name := t.DupeProtection.ExemptWhitelistFile
	if name == "" {
		return nil, nil
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(configDir, name)
	}
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ids, err := buffer.ParseWhitelist(f, resolve)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return ids, nil
}
