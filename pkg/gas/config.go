package gas

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML values like "30s" or "5m"
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML emits the duration in its string form
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds the full configuration of a monitoring daemon
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Poll     PollConfig     `yaml:"poll"`
	Ingest   IngestConfig   `yaml:"ingest"`
	API      APIConfig      `yaml:"api"`
	Cylinder CylinderConfig `yaml:"cylinder"`
	Debug    bool           `yaml:"debug"`
}

// DeviceConfig holds sensor identification settings
type DeviceConfig struct {
	Name string `yaml:"name"` // advertised device name to scan for
	ID   string `yaml:"id"`   // optional peripheral ID / address to pin to
}

// PollConfig holds the polling cadence settings
type PollConfig struct {
	WeightInterval      Duration `yaml:"weight_interval"`
	InclinationInterval Duration `yaml:"inclination_interval"`
}

// IngestConfig holds measurement ingestion settings
type IngestConfig struct {
	MinSaveInterval Duration `yaml:"min_save_interval"`
}

// APIConfig holds the REST API settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the API
}

// CylinderConfig holds the parameters of the cylinder to attribute
// measurements to
type CylinderConfig struct {
	Name       string  `yaml:"name"`
	TareKg     float64 `yaml:"tare_kg"`
	CapacityKg float64 `yaml:"capacity_kg"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Name: "CYLSENSE",
		},
		Poll: PollConfig{
			WeightInterval:      Duration(time.Minute),
			InclinationInterval: Duration(5 * time.Minute),
		},
		Ingest: IngestConfig{
			MinSaveInterval: Duration(2 * time.Minute),
		},
		API: APIConfig{
			ListenAddr: ":8090",
		},
	}
}

// LoadConfig reads and parses a YAML config file, filling missing fields with
// defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values
func (c *Config) Validate() error {
	if c.Device.Name == "" && c.Device.ID == "" {
		return fmt.Errorf("device.name or device.id must be set")
	}

	if c.Poll.WeightInterval <= 0 {
		return fmt.Errorf("poll.weight_interval must be > 0")
	}
	if c.Poll.InclinationInterval <= 0 {
		return fmt.Errorf("poll.inclination_interval must be > 0")
	}

	if c.Ingest.MinSaveInterval < 0 {
		return fmt.Errorf("ingest.min_save_interval must be >= 0")
	}

	if !isFinite(c.Cylinder.TareKg) || c.Cylinder.TareKg < 0 {
		return fmt.Errorf("cylinder.tare_kg must be finite and >= 0")
	}
	if !isFinite(c.Cylinder.CapacityKg) || c.Cylinder.CapacityKg < 0 {
		return fmt.Errorf("cylinder.capacity_kg must be finite and >= 0")
	}

	return nil
}
