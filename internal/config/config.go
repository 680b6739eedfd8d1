// Package config holds the immutable cell configuration snapshot. It is
// loaded once at startup and passed by value into the scheduler and the
// ghost coordinator; nothing reads configuration mid-tick.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type Topology string

const (
	TopologyEuclidean Topology = "euclidean"
	TopologySpherical Topology = "spherical"
)

// MinAoIRadius is the floor any witness radius is clamped to.
const MinAoIRadius = 0.1

type Cell struct {
	ID       string `toml:"id"`
	TickRate int    `toml:"tick_rate"`

	GhostDistance    float64 `toml:"ghost_distance"`
	DefaultAoIRadius float64 `toml:"default_aoi_radius"`
	MaxAoIRadius     float64 `toml:"max_aoi_radius"`

	WitnessMinDelta       float64 `toml:"witness_update_min_delta"`
	WitnessMaxDelta       float64 `toml:"witness_update_max_delta"`
	WitnessGrowthThrottle float64 `toml:"witness_update_growth_throttle"`
	WitnessBytesPerTick   int     `toml:"witness_bytes_per_tick"`

	GhostCheckPeriod uint64 `toml:"ghost_check_period"`
	BackupPeriod     uint64 `toml:"backup_period"`
	MaxGhostsPerTick int    `toml:"max_ghosts_per_tick"`
	GhostTombstones  int    `toml:"ghost_tombstones"`

	Topology     Topology `toml:"topology"`
	SphereRadius float64  `toml:"sphere_radius"`

	StrictContracts bool `toml:"strict_contracts"`
}

func Default() Cell {
	return Cell{
		ID:                    "cell-0",
		TickRate:              10,
		GhostDistance:         500,
		DefaultAoIRadius:      500,
		MaxAoIRadius:          500,
		WitnessMinDelta:       1,
		WitnessMaxDelta:       10,
		WitnessGrowthThrottle: 1.5,
		WitnessBytesPerTick:   4096,
		GhostCheckPeriod:      10,
		BackupPeriod:          100,
		MaxGhostsPerTick:      256,
		GhostTombstones:       1024,
		Topology:              TopologyEuclidean,
		SphereRadius:          6371000,
	}
}

// Load overlays the file on Default and validates the result.
func Load(path string) (Cell, error) {
	cfg := Default()
	if err := loadToml(path, &cfg); err != nil {
		return Cell{}, err
	}
	cfg.Topology = Topology(strings.ToLower(strings.TrimSpace(string(cfg.Topology))))
	if err := cfg.Validate(); err != nil {
		return Cell{}, err
	}
	return cfg, nil
}

func Parse(data []byte) (Cell, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Cell{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg.Topology = Topology(strings.ToLower(strings.TrimSpace(string(cfg.Topology))))
	if err := cfg.Validate(); err != nil {
		return Cell{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func (c Cell) Validate() error {
	if err := c.ValidateWitness(); err != nil {
		return err
	}
	if err := c.ValidateGhosts(); err != nil {
		return err
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("cell config missing id")
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("tick_rate must be > 0 (got %d)", c.TickRate)
	}
	if c.BackupPeriod == 0 {
		return fmt.Errorf("backup_period must be > 0")
	}
	return nil
}

// ValidateWitness checks only what the witness scheduler consumes.
func (c Cell) ValidateWitness() error {
	if c.WitnessMinDelta <= 0 {
		return fmt.Errorf("witness_update_min_delta must be > 0 (got %g)", c.WitnessMinDelta)
	}
	if c.WitnessMaxDelta <= c.WitnessMinDelta {
		return fmt.Errorf("witness_update_max_delta (%g) must exceed witness_update_min_delta (%g)",
			c.WitnessMaxDelta, c.WitnessMinDelta)
	}
	if c.WitnessGrowthThrottle < 1 {
		return fmt.Errorf("witness_update_growth_throttle must be >= 1.0 (got %g)", c.WitnessGrowthThrottle)
	}
	if c.WitnessBytesPerTick <= 0 {
		return fmt.Errorf("witness_bytes_per_tick must be > 0 (got %d)", c.WitnessBytesPerTick)
	}
	if c.MaxAoIRadius < MinAoIRadius {
		return fmt.Errorf("max_aoi_radius must be >= %g (got %g)", MinAoIRadius, c.MaxAoIRadius)
	}
	if c.DefaultAoIRadius < MinAoIRadius || c.DefaultAoIRadius > c.MaxAoIRadius {
		return fmt.Errorf("default_aoi_radius must be within [%g, %g] (got %g)", MinAoIRadius, c.MaxAoIRadius, c.DefaultAoIRadius)
	}
	switch c.Topology {
	case TopologyEuclidean:
	case TopologySpherical:
		if c.SphereRadius <= 0 {
			return fmt.Errorf("sphere_radius must be > 0 for spherical topology")
		}
	default:
		return fmt.Errorf("unknown topology %q", c.Topology)
	}
	return nil
}

// ValidateGhosts checks only what the ghost coordinator consumes.
func (c Cell) ValidateGhosts() error {
	if c.GhostDistance < c.MaxAoIRadius {
		return fmt.Errorf("ghost_distance (%g) must be >= max_aoi_radius (%g)", c.GhostDistance, c.MaxAoIRadius)
	}
	if c.GhostCheckPeriod == 0 {
		return fmt.Errorf("ghost_check_period must be > 0")
	}
	if c.MaxGhostsPerTick <= 0 {
		return fmt.Errorf("max_ghosts_per_tick must be > 0 (got %d)", c.MaxGhostsPerTick)
	}
	if c.GhostTombstones <= 0 {
		return fmt.Errorf("ghost_tombstones must be > 0 (got %d)", c.GhostTombstones)
	}
	return nil
}

// ClampAoIRadius bounds a requested witness radius.
func (c Cell) ClampAoIRadius(r float64) float64 {
	if r < MinAoIRadius {
		return MinAoIRadius
	}
	if r > c.MaxAoIRadius {
		return c.MaxAoIRadius
	}
	return r
}
