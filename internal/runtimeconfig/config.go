// Package runtimeconfig loads the host configuration file. Every field has
// a working default so a missing file is not an error.
package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/portalbox/portalbox/internal/paths"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Firecracker FirecrackerConfig `yaml:"firecracker"`
	Network     NetworkConfig     `yaml:"network"`
	Layers      LayersConfig      `yaml:"layers"`
}

type ServerConfig struct {
	// Listen is the API endpoint: host:port, unix://path, or an absolute
	// socket path.
	Listen string `yaml:"listen"`
	// AuthSecret signs and verifies API tokens. Dev mode ignores it.
	AuthSecret string `yaml:"auth_secret"`
	// Namespace is the default namespace for ad-hoc sandboxes.
	Namespace string `yaml:"namespace"`
}

type FirecrackerConfig struct {
	BinaryPath  string `yaml:"binary_path"`
	KernelImage string `yaml:"kernel_image"`
	MkfsBinary  string `yaml:"mkfs_binary"`
}

type NetworkConfig struct {
	Bridge      string `yaml:"bridge"`
	GatewayCIDR string `yaml:"gateway_cidr"`
}

type LayersConfig struct {
	// Dir overrides the layer cache location.
	Dir string `yaml:"dir"`
	// GCRetentionDays keeps unreferenced layers around this long before gc
	// removes them. Zero means collect immediately.
	GCRetentionDays int `yaml:"gc_retention_days"`
}

// Load reads the config file, tolerating its absence. The resolved path is
// returned either way so callers can report where configuration comes from.
func Load() (Config, string, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Server.Listen = strings.TrimSpace(cfg.Server.Listen)
	cfg.Server.Namespace = strings.TrimSpace(cfg.Server.Namespace)
	return cfg, path, nil
}
