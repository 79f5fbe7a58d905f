// Package config loads handtoken service configuration.
//
// Configuration is read from a YAML file, then overridden by HANDTOKEN_*
// environment variables. A .env file in the working directory is loaded into
// the environment first without replacing variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the service looks for its configuration when neither
// --config nor HANDTOKEN_CONFIG is given.
const DefaultPath = "/etc/handtoken/config.yaml"

// Config holds service settings for `handtoken serve` and the admin commands.
type Config struct {
	// Listen is the HTTP listen address of the signing API.
	Listen string `yaml:"listen"`
	// Database is the SQLite database path. Defaults to <state_dir>/handtoken.db.
	Database string `yaml:"database"`
	// StateDir holds staged input and signed output files.
	StateDir string `yaml:"state_dir"`
	// PinDir is the rendezvous directory shared with the approval client.
	PinDir string `yaml:"pin_dir"`

	Tools    ToolsConfig    `yaml:"tools"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Debug    DebugConfig    `yaml:"debug"`
	Auth     AuthConfig     `yaml:"auth"`

	// IPHeaders lists request headers consulted, in order, for the client IP
	// recorded on signing logs. REMOTE_ADDR means the connection address.
	IPHeaders []string `yaml:"ip_headers"`
}

// ToolsConfig locates the external programs and PKCS#11 plumbing.
type ToolsConfig struct {
	Clamscan     string `yaml:"clamscan"`
	Osslsigncode string `yaml:"osslsigncode"`
	OsslProvider string `yaml:"ossl_provider"`
	PKCS11Module string `yaml:"pkcs11_module"`
}

// TimeoutsConfig bounds the blocking steps of a signing attempt.
type TimeoutsConfig struct {
	Scan time.Duration `yaml:"scan"`
	PIN  time.Duration `yaml:"pin"`
	Sign time.Duration `yaml:"sign"`
}

// DebugConfig controls the debug log files under <state_dir>/debug.
type DebugConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// AuthConfig limits failed authentication attempts per remote address.
type AuthConfig struct {
	FailuresPerMinute int `yaml:"failures_per_minute"`
	Burst             int `yaml:"burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:8000",
		StateDir: "/var/lib/handtokening",
		PinDir:   "/run/handtokening",
		Tools: ToolsConfig{
			Clamscan:     "/usr/bin/clamdscan",
			Osslsigncode: "/usr/local/bin/osslsigncode",
			OsslProvider: "/usr/lib/ossl-modules/pkcs11prov.so",
			PKCS11Module: "/usr/lib/opensc-pkcs11.so",
		},
		Timeouts: TimeoutsConfig{
			Scan: 30 * time.Second,
			PIN:  60 * time.Second,
			Sign: 10 * time.Minute,
		},
		Debug: DebugConfig{RetentionDays: 14},
		Auth: AuthConfig{
			FailuresPerMinute: 10,
			Burst:             5,
		},
		IPHeaders: []string{"REMOTE_ADDR"},
	}
}

// Load reads configuration from path. An empty path falls back to
// HANDTOKEN_CONFIG and then DefaultPath; only an explicitly requested file
// is required to exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	explicit := path != ""
	if path == "" {
		path = os.Getenv("HANDTOKEN_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Database == "" {
		cfg.Database = filepath.Join(cfg.StateDir, "handtoken.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"HANDTOKEN_LISTEN":             &c.Listen,
		"HANDTOKEN_DATABASE":           &c.Database,
		"HANDTOKEN_STATE_DIR":          &c.StateDir,
		"HANDTOKEN_PIN_DIR":            &c.PinDir,
		"HANDTOKEN_CLAMSCAN_PATH":      &c.Tools.Clamscan,
		"HANDTOKEN_OSSLSIGNCODE_PATH":  &c.Tools.Osslsigncode,
		"HANDTOKEN_OSSL_PROVIDER_PATH": &c.Tools.OsslProvider,
		"HANDTOKEN_PKCS11_MODULE_PATH": &c.Tools.PKCS11Module,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"HANDTOKEN_SCAN_TIMEOUT": &c.Timeouts.Scan,
		"HANDTOKEN_PIN_TIMEOUT":  &c.Timeouts.PIN,
		"HANDTOKEN_SIGN_TIMEOUT": &c.Timeouts.Sign,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v := os.Getenv("HANDTOKEN_IP_HEADERS"); v != "" {
		var headers []string
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				headers = append(headers, h)
			}
		}
		c.IPHeaders = headers
	}
	return nil
}

// Validate reports the first setting that would make the service unusable.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return errors.New("state_dir must be set")
	}
	if c.PinDir == "" {
		return errors.New("pin_dir must be set")
	}
	if c.Tools.Clamscan == "" || c.Tools.Osslsigncode == "" {
		return errors.New("tools.clamscan and tools.osslsigncode must be set")
	}
	for name, d := range map[string]time.Duration{
		"timeouts.scan": c.Timeouts.Scan,
		"timeouts.pin":  c.Timeouts.PIN,
		"timeouts.sign": c.Timeouts.Sign,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	return nil
}

// InDir is where uploaded files are staged.
func (c *Config) InDir() string { return filepath.Join(c.StateDir, "in") }

// OutDir is where signed files are written.
func (c *Config) OutDir() string { return filepath.Join(c.StateDir, "out") }

// DebugDir is where daily debug logs are written.
func (c *Config) DebugDir() string { return filepath.Join(c.StateDir, "debug") }
