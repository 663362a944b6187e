// Package config loads Synche's on-disk configuration: the home path under
// which every SyncDirectory lives, and the set of directories to keep in
// sync. This package stays deliberately thin: a JSON struct and an env-var
// override path.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/matx64/synche/pkg/utils"
)

// Directory describes one SyncDirectory entry in the config file.
type Directory struct {
	Name        string `json:"name"`
	RootAbsPath string `json:"root_abs_path"`
}

// Config is the full on-disk configuration for a Synche device.
type Config struct {
	HomePath      string      `json:"home_path"`
	Directories   []Directory `json:"directories"`
	SyncPort      int         `json:"sync_port"`
	DiscoveryPort int         `json:"discovery_port"`
	AdminPort     int         `json:"admin_port"`
	// MaxFileSize is a human-friendly size string ("512MB", "2GiB"); files
	// larger than this are skipped by the Orchestrator (not hashed, announced
	// or fetched). Empty means unlimited.
	MaxFileSize string `json:"max_file_size,omitempty"`

	// MaxFileSizeBytes is MaxFileSize parsed to bytes, computed on Load; 0
	// means unlimited. Not persisted.
	MaxFileSizeBytes int64 `json:"-"`
}

const (
	DefaultSyncPort      = 42882
	DefaultDiscoveryPort = 42881
	DefaultAdminPort     = 42880
)

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv builds a Config purely from environment variables, for
// container/dev use where a config file is inconvenient.
func LoadFromEnv() *Config {
	cfg := &Config{
		HomePath: getEnv("SYNCHE_HOME", ""),
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.SyncPort == 0 {
		c.SyncPort = DefaultSyncPort
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.AdminPort == 0 {
		c.AdminPort = DefaultAdminPort
	}
	c.MaxFileSizeBytes = utils.ParseDataSizeWithDefault(c.MaxFileSize, 0)
}

// Save writes cfg back to path as indented JSON, used by admin commands
// that add or remove a SyncDirectory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
