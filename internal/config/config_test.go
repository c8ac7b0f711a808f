package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func hasError(r *ValidationResult, field string) bool {
	for _, e := range r.Errors {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestDefaultConfigIsValid(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Fatalf("default config has errors: %v", result.Errors)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path() != filepath.Join(dir, DefaultConfigFile) {
		t.Fatalf("path = %s", cfg.Path())
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	partial := `{"server": {"port": 9000}, "encoding": {"interlaced": true}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	srv := cfg.GetServer()
	if srv.Port != 9000 {
		t.Fatalf("port = %d, want 9000", srv.Port)
	}
	if srv.MaxClients != DefaultMaxClients {
		t.Fatalf("max clients = %d, want default", srv.MaxClients)
	}
	enc := cfg.GetEncoding()
	if !enc.Interlaced || enc.BoxWidth != 32 {
		t.Fatalf("encoding = %+v", enc)
	}

	// The re-save fills in every field.
	data, _ := os.ReadFile(cfg.Path())
	if !strings.Contains(string(data), "lines_per_congestion_check") {
		t.Fatalf("re-saved config missing defaults")
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644)
	if _, err := Load(dir); err == nil {
		t.Fatalf("malformed config accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"box too large", func(c *Config) { c.Encoding.BoxWidth = 33 }, "encoding.box_geometry"},
		{"odd box height", func(c *Config) { c.Encoding.BoxHeight = 39 }, "encoding.box_geometry"},
		{"zero fps", func(c *Config) { c.Encoding.FPS = 0 }, "encoding.fps"},
		{"payload over datagram", func(c *Config) { c.Encoding.MaxPayload = 1 << 20 }, "encoding.max_payload"},
		{"no frame history", func(c *Config) { c.Encoding.FramesToRemember = 1 }, "encoding.frames_to_remember"},
		{"zero sound cap", func(c *Config) { c.Encoding.SoundEventsPerMessage = 0 }, "encoding.sound_events_per_message"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"no clients", func(c *Config) { c.Server.MaxClients = 0 }, "server.max_clients"},
		{"bad listen address", func(c *Config) { c.Server.ListenAddress = "example" }, "server.listen_address"},
		{"resolution x over limit", func(c *Config) { c.Server.MaxResolutionX = MaxResolutionLimitX + 1 }, "server.max_resolution_x"},
		{"zero resolution y", func(c *Config) { c.Server.MaxResolutionY = 0 }, "server.max_resolution_y"},
		{"retransmit ceiling below floor", func(c *Config) { c.Server.MaxRetransmitMs = 10 }, "server.max_retransmit_ms"},
		{"no resends", func(c *Config) { c.Server.MaxResendsPerPass = 0 }, "server.max_resends_per_pass"},
		{"backoff inverted", func(c *Config) { c.Transfer.MaxBackoffMs = 1 }, "transfer.max_backoff_ms"},
		{"mqtt without broker", func(c *Config) {
			c.ApplicationData.MQTT.Enabled = true
			c.ApplicationData.MQTT.BrokerURL = " "
		}, "application_data.mqtt.broker_url"},
		{"demo scene too wide", func(c *Config) {
			c.ApplicationData.Demo.Enabled = true
			c.ApplicationData.Demo.SceneWidth = 40000
		}, "application_data.demo.scene_size"},
		{"capture level", func(c *Config) {
			c.ApplicationData.Capture.Enabled = true
			c.ApplicationData.Capture.Level = 9
		}, "application_data.capture.level"},
		{"log level", func(c *Config) { c.ApplicationData.Logging.Level = "loud" }, "application_data.logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			result := Validate(cfg)
			if !hasError(result, tt.field) {
				t.Fatalf("no error for %s, got %v", tt.field, result.Errors)
			}
		})
	}
}

func TestLineModeSkipsBoxGeometry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Encoding.UseBoxes = false
	cfg.Encoding.BoxWidth = 33
	result := Validate(cfg)
	if hasError(result, "encoding.box_geometry") {
		t.Fatalf("box geometry checked in line mode")
	}
	if len(result.Warnings) == 0 {
		t.Fatalf("expected a warning for delta in line mode")
	}
}

func TestOptionMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transfer.BackoffSleepMs = 7
	cfg.Encoding.HighCompression = true

	sc := cfg.SceneOptions()
	if sc.BackoffSleep != 7*time.Millisecond || !sc.HighCompression || sc.LinesPerCheck != 250 {
		t.Fatalf("scene options = %+v", sc)
	}
	tr := cfg.TransportOptions()
	if tr.ConnectionTimeout != 10*time.Second || tr.MaxRetransmit != 2*time.Second || tr.MaxResends != 64 {
		t.Fatalf("transport options = %+v", tr)
	}
	enc := cfg.GetEncoding()
	if enc.FrameInterval() != time.Second/30 {
		t.Fatalf("frame interval = %v", enc.FrameInterval())
	}
	if fo := enc.FrameOptions(); fo.BoxWidth != 32 || !fo.Delta {
		t.Fatalf("frame options = %+v", fo)
	}
	if l := enc.EffectLimits(); l.Sounds != 75 {
		t.Fatalf("limits = %+v", l)
	}
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	// Unanswered prompts keep their defaults.
	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader("arena\n0.0.0.0\n7000\n"), &out); err != nil {
		t.Fatalf("wizard: %v", err)
	}
	srv := cfg.GetServer()
	if srv.Name != "arena" || srv.Port != 7000 || srv.MaxClients != DefaultMaxClients {
		t.Fatalf("server = %+v", srv)
	}
	if !strings.Contains(out.String(), "saved") {
		t.Fatalf("no confirmation in output")
	}
}

func TestSetupWizardGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))
	cfg.Server.MaxClients = 0

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(""), &out); err == nil {
		t.Fatalf("invalid config saved")
	}
}
