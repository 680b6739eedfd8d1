package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/cellmesh/internal/witness"
)

// serviceConfig is what cellctl needs around the cell itself: where the
// admin surface listens, which cell config to load and the region the cell
// owns.
type serviceConfig struct {
	CellConfig      string
	AdminListenAddr string
	CORSOrigins     []string
	LogLevel        string
	RegionCenter    witness.Vec3
	RegionRadius    float64
	DemoEntities    int
	WitnessLog      string
}

type fileConfig struct {
	CellConfig      string    `toml:"cell_config"`
	AdminListenAddr string    `toml:"admin_listen_addr"`
	CORSOrigins     []string  `toml:"cors_origins"`
	LogLevel        string    `toml:"log_level"`
	RegionCenter    []float64 `toml:"region_center"`
	RegionRadius    float64   `toml:"region_radius"`
	DemoEntities    int       `toml:"demo_entities"`
	WitnessLog      string    `toml:"witness_log"`
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		CellConfig:      "cmd/cellctl/cell.toml",
		AdminListenAddr: "127.0.0.1:7020",
		CORSOrigins:     []string{"http://localhost:3000"},
		LogLevel:        "info",
		RegionRadius:    1000,
		DemoEntities:    8,
	}
}

func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load cellctl config: %w", err)
	}

	if meta.IsDefined("cell_config") {
		if v := strings.TrimSpace(raw.CellConfig); v != "" {
			cfg.CellConfig = v
		}
	}

	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}

	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}

	if meta.IsDefined("region_center") {
		if len(raw.RegionCenter) != 3 {
			return serviceConfig{}, fmt.Errorf("region_center wants 3 coordinates, got %d", len(raw.RegionCenter))
		}
		cfg.RegionCenter = witness.Vec3{X: raw.RegionCenter[0], Y: raw.RegionCenter[1], Z: raw.RegionCenter[2]}
	}

	if meta.IsDefined("region_radius") {
		if raw.RegionRadius <= 0 {
			return serviceConfig{}, fmt.Errorf("region_radius must be > 0 (got %v)", raw.RegionRadius)
		}
		cfg.RegionRadius = raw.RegionRadius
	}

	if meta.IsDefined("demo_entities") {
		if raw.DemoEntities < 0 {
			return serviceConfig{}, fmt.Errorf("demo_entities must be >= 0 (got %d)", raw.DemoEntities)
		}
		cfg.DemoEntities = raw.DemoEntities
	}

	if meta.IsDefined("witness_log") {
		cfg.WitnessLog = strings.TrimSpace(raw.WitnessLog)
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
