package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// UserConfig holds client-side defaults from ~/.handtoken/config.yaml, used
// by `handtoken login` and `handtoken sign`.
type UserConfig struct {
	Server string `yaml:"server,omitempty"`
	Client string `yaml:"client,omitempty"`
}

// UserConfigDir returns the path to ~/.handtoken.
func UserConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".handtoken")
	}
	return filepath.Join(homeDir, ".handtoken")
}

// LoadUser reads ~/.handtoken/config.yaml and applies HANDTOKEN_SERVER and
// HANDTOKEN_CLIENT overrides. A missing file yields an empty config.
func LoadUser() (*UserConfig, error) {
	cfg := &UserConfig{}
	data, err := os.ReadFile(filepath.Join(UserConfigDir(), "config.yaml"))
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing user config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading user config: %w", err)
	}

	if v := os.Getenv("HANDTOKEN_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("HANDTOKEN_CLIENT"); v != "" {
		cfg.Client = v
	}
	return cfg, nil
}

// SaveUser writes cfg to ~/.handtoken/config.yaml.
func SaveUser(cfg *UserConfig) error {
	dir := UserConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0600)
}
