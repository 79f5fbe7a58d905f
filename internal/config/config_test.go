package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HANDTOKEN_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeouts.Scan != 30*time.Second {
		t.Errorf("Timeouts.Scan = %v, want 30s", cfg.Timeouts.Scan)
	}
	if cfg.Timeouts.PIN != 60*time.Second {
		t.Errorf("Timeouts.PIN = %v, want 60s", cfg.Timeouts.PIN)
	}
	if cfg.Tools.Clamscan != "/usr/bin/clamdscan" {
		t.Errorf("Tools.Clamscan = %q", cfg.Tools.Clamscan)
	}
	if cfg.Database != filepath.Join(cfg.StateDir, "handtoken.db") {
		t.Errorf("Database = %q, want under state dir", cfg.Database)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen: 0.0.0.0:9443
state_dir: /srv/handtoken
pin_dir: /run/ht
tools:
  osslsigncode: /opt/osslsigncode
timeouts:
  pin: 2m
ip_headers: [X-Forwarded-For, REMOTE_ADDR]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9443" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Tools.Osslsigncode != "/opt/osslsigncode" {
		t.Errorf("Tools.Osslsigncode = %q", cfg.Tools.Osslsigncode)
	}
	if cfg.Tools.Clamscan != "/usr/bin/clamdscan" {
		t.Errorf("unset tool should keep its default, got %q", cfg.Tools.Clamscan)
	}
	if cfg.Timeouts.PIN != 2*time.Minute {
		t.Errorf("Timeouts.PIN = %v, want 2m", cfg.Timeouts.PIN)
	}
	if cfg.Database != "/srv/handtoken/handtoken.db" {
		t.Errorf("Database = %q", cfg.Database)
	}
	if len(cfg.IPHeaders) != 2 || cfg.IPHeaders[0] != "X-Forwarded-For" {
		t.Errorf("IPHeaders = %v", cfg.IPHeaders)
	}
	if cfg.InDir() != "/srv/handtoken/in" || cfg.OutDir() != "/srv/handtoken/out" {
		t.Errorf("InDir/OutDir = %s %s", cfg.InDir(), cfg.OutDir())
	}
}

func TestLoadExplicitMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "pin_dir: /run/from-file\n")
	t.Setenv("HANDTOKEN_PIN_DIR", "/run/from-env")
	t.Setenv("HANDTOKEN_SIGN_TIMEOUT", "90s")
	t.Setenv("HANDTOKEN_IP_HEADERS", "X-Real-IP, REMOTE_ADDR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PinDir != "/run/from-env" {
		t.Errorf("PinDir = %q, want env override", cfg.PinDir)
	}
	if cfg.Timeouts.Sign != 90*time.Second {
		t.Errorf("Timeouts.Sign = %v, want 90s", cfg.Timeouts.Sign)
	}
	if len(cfg.IPHeaders) != 2 || cfg.IPHeaders[0] != "X-Real-IP" {
		t.Errorf("IPHeaders = %v", cfg.IPHeaders)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{"zero timeout", "timeouts:\n  scan: 0s\n", nil},
		{"bad yaml", "listen: [\n", nil},
		{"bad env duration", "", map[string]string{"HANDTOKEN_PIN_TIMEOUT": "soon"}},
		{"empty pin dir", "pin_dir: \"\"\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
