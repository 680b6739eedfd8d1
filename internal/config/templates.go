package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes a commented cell config with default values.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(cellTemplate), 0o600)
}

const cellTemplate = `id = "cell-0"
tick_rate = 10

# ghosts must cover at least as much ground as any witness can see
ghost_distance = 500.0
default_aoi_radius = 500.0
max_aoi_radius = 500.0

witness_update_min_delta = 1.0
witness_update_max_delta = 10.0
witness_update_growth_throttle = 1.5
witness_bytes_per_tick = 4096

ghost_check_period = 10
backup_period = 100
max_ghosts_per_tick = 256
ghost_tombstones = 1024

topology = "euclidean"
sphere_radius = 6371000.0
strict_contracts = false
`
