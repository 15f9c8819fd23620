package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goodtune/stuffwatch/internal/presence"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Engine.CalibrationFrames != 30 || cfg.Engine.DropFrames != 15 || cfg.Engine.SmoothingFactor != 0.6 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Alerts.Cooldown != "10s" || cfg.Alerts.SendTimeout != "1s" {
		t.Errorf("alert defaults = %+v", cfg.Alerts)
	}
	if len(cfg.Detection.ExcludedLabels) != 1 || cfg.Detection.ExcludedLabels[0] != "person" {
		t.Errorf("excluded labels = %v, want [person]", cfg.Detection.ExcludedLabels)
	}
	if !cfg.Detection.Region.IsZero() {
		t.Errorf("default region = %+v, want zero", cfg.Detection.Region)
	}
	if cfg.Storage.Type != "redis" || cfg.Bus.Type != "http" {
		t.Errorf("storage/bus defaults = %q/%q", cfg.Storage.Type, cfg.Bus.Type)
	}
	if cfg.Session.PasskeyDigits != 6 {
		t.Errorf("passkey digits = %d, want 6", cfg.Session.PasskeyDigits)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
detection:
  region: {x1: 10, y1: 20, x2: 300, y2: 400}
  excluded_labels: [person, dog]
engine:
  drop_frames: 5
storage:
  type: postgres
  postgres:
    dsn: postgres://localhost/stuffwatch
`)
	t.Setenv("STUFFWATCH_ENGINE_CALIBRATION_FRAMES", "12")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := presence.Region{X1: 10, Y1: 20, X2: 300, Y2: 400}
	if cfg.Detection.Region != want {
		t.Errorf("region = %+v, want %+v", cfg.Detection.Region, want)
	}
	if cfg.Engine.DropFrames != 5 {
		t.Errorf("drop frames = %d, want 5", cfg.Engine.DropFrames)
	}
	if cfg.Engine.CalibrationFrames != 12 {
		t.Errorf("calibration frames = %d, want 12 from env", cfg.Engine.CalibrationFrames)
	}
	if cfg.Storage.Postgres.DSN != "postgres://localhost/stuffwatch" {
		t.Errorf("dsn = %q", cfg.Storage.Postgres.DSN)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad smoothing factor", "engine:\n  smoothing_factor: 1.5\n", "smoothing_factor"},
		{"zero drop frames", "engine:\n  drop_frames: 0\n", "drop_frames"},
		{"bad cooldown", "alerts:\n  cooldown: soon\n", "alerts.cooldown"},
		{"unknown storage", "storage:\n  type: bolt\n", "unsupported storage type"},
		{"postgres without dsn", "storage:\n  type: postgres\n", "dsn is required"},
		{"unknown bus", "bus:\n  type: kafka\n", "unsupported bus type"},
		{"passkey too short", "session:\n  passkey_digits: 1\n", "passkey_digits"},
		{"bad port", "server:\n  http_port: 70000\n", "invalid HTTP port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSettings(t *testing.T) {
	settings, err := LoadSettings(writeConfig(t, "logging:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}

	logging, ok := settings["logging"].(map[string]any)
	if !ok {
		t.Fatalf("settings[logging] = %T", settings["logging"])
	}
	if logging["level"] != "debug" {
		t.Errorf("logging.level = %v, want debug", logging["level"])
	}
	if _, ok := settings["engine"]; !ok {
		t.Error("defaults missing from settings")
	}
}

func TestUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
engine:
  calibration_frames: 20
  smothing_factor: 0.5
alerts:
  cooldown: 30s
extra: true
`)

	unknown, err := UnknownKeys(path)
	if err != nil {
		t.Fatalf("UnknownKeys() error = %v", err)
	}
	want := []string{"engine.smothing_factor", "extra"}
	if strings.Join(unknown, ",") != strings.Join(want, ",") {
		t.Errorf("UnknownKeys() = %v, want %v", unknown, want)
	}

	if !KnownKeys()["detection.region.x2"] {
		t.Error("detection.region.x2 should be a known key")
	}
	if d := Defaults(); d.Server.HTTPPort != 5000 || d.Session.PasskeyDigits != 6 {
		t.Errorf("Defaults() = %+v", d.Server)
	}
}
