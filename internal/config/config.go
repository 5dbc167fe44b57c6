package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PlatformConfig is the engine's platform.yaml.
type PlatformConfig struct {
	Version int `yaml:"version"`
	Lab     struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	} `yaml:"lab"`
	Network struct {
		APIPort  int `yaml:"api_port"`
		MQTTPort int `yaml:"mqtt_port"`
		DBPort   int `yaml:"db_port"`
	} `yaml:"network"`
	Storage struct {
		// Driver selects the store backend: "postgres" or "sqlite".
		Driver string `yaml:"driver"`
		// Path is the sqlite database file; ignored for postgres.
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Documents struct {
		Experiment string `yaml:"experiment"`
		Scenarios  string `yaml:"scenarios"`
		Surveys    string `yaml:"surveys"`
	} `yaml:"documents"`
}

// APIPort returns the configured API port, defaulting to 8080 if not set.
func (c *PlatformConfig) APIPort() int {
	if c.Network.APIPort == 0 {
		return 8080
	}
	return c.Network.APIPort
}

// StorageDriver returns the configured driver, defaulting to sqlite.
func (c *PlatformConfig) StorageDriver() string {
	if c.Storage.Driver == "" {
		return "sqlite"
	}
	return c.Storage.Driver
}

// SQLitePath returns the sqlite file path, defaulting to lablab.db.
func (c *PlatformConfig) SQLitePath() string {
	if c.Storage.Path == "" {
		return "lablab.db"
	}
	return c.Storage.Path
}

// LoadPlatformConfig reads and validates platform.yaml.
func LoadPlatformConfig(path string) (*PlatformConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg PlatformConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported platform.yaml version: %d", cfg.Version)
	}
	if cfg.Lab.ID == "" {
		return nil, fmt.Errorf("platform.yaml: lab.id is required")
	}
	switch cfg.StorageDriver() {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("platform.yaml: unknown storage driver %q", cfg.Storage.Driver)
	}

	return &cfg, nil
}
