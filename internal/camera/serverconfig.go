package camera

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/r3e-network/fleet-telemetry/domain/camera"
)

// FleetConfig is the on-disk shape of the camera poller's server list,
// loaded the same way engine.LoadCatalog loads the recalculation catalog
// (spec.md §4.3: "a configured list of vendor CMS servers").
type FleetConfig struct {
	Servers           []camera.Server `yaml:"servers"`
	AllowedAlarmTypes []string        `yaml:"allowed_alarm_types"`
	BackfillWindow    time.Duration   `yaml:"backfill_window"`
}

// LoadFleetConfig reads the YAML server list the camera-poller binary
// starts with.
func LoadFleetConfig(path string) (FleetConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FleetConfig{}, fmt.Errorf("camera: read fleet config: %w", err)
	}
	var cfg FleetConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return FleetConfig{}, fmt.Errorf("camera: parse fleet config: %w", err)
	}
	if cfg.BackfillWindow <= 0 {
		cfg.BackfillWindow = BackfillWindow
	}
	return cfg, nil
}
