package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}

	if cfg.Localization.Intensity.ReferenceDB != 94 {
		t.Errorf("expected reference_db 94, got %f", cfg.Localization.Intensity.ReferenceDB)
	}

	if cfg.Localization.Intensity.NearFieldOffsetDB != 6 {
		t.Errorf("expected near_field_offset_db 6, got %f", cfg.Localization.Intensity.NearFieldOffsetDB)
	}

	if cfg.Filter.GateThreshold != 10 {
		t.Errorf("expected gate_threshold 10, got %f", cfg.Filter.GateThreshold)
	}

	if cfg.Tracker.HistorySize != 1000 {
		t.Errorf("expected history_size 1000, got %d", cfg.Tracker.HistorySize)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected level info, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	// Load with non-existent file should use defaults
	cfg, err := Load("/nonexistent/path.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected default port 9000, got %d", cfg.Server.Port)
	}

	if len(cfg.Localization.Intensity.GridResolutions) != 3 {
		t.Errorf("expected 3 grid resolutions, got %v", cfg.Localization.Intensity.GridResolutions)
	}

	if len(cfg.Capture.Bots) != 4 {
		t.Errorf("expected 4 default bots, got %d", len(cfg.Capture.Bots))
	}

	if len(cfg.Localization.TDOA.Pairs) != 3 {
		t.Errorf("expected 3 default pairs, got %d", len(cfg.Localization.TDOA.Pairs))
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded defaults should validate: %v", err)
	}
}

func TestLoad_WithFile(t *testing.T) {
	// Create temp config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080
localization:
  intensity:
    search_margin: -1
    grid_resolutions: [0.2, 0.05]
  tdoa:
    pairs:
      - {a: n, b: e}
      - {a: s, b: w}
filter:
  gate_threshold: 12.5
  time_step: 0.1
tracker:
  method: tdoa
  poll_hz: 5
capture:
  source: sim
  calibration_offset_db: 110
  bots:
    - {id: n, x: 0, y: 1}
    - {id: e, x: 1, y: 0, calibration_db: 2.5}
    - {id: s, x: 0, y: -1}
    - {id: w, x: -1, y: 0}
  usb:
    block_size: 3200
  arecord:
    duration: 250ms
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}

	if cfg.Localization.Intensity.SearchMargin != -1 {
		t.Errorf("expected search_margin -1, got %f", cfg.Localization.Intensity.SearchMargin)
	}

	if got := cfg.Localization.Intensity.GridResolutions; len(got) != 2 || got[0] != 0.2 {
		t.Errorf("unexpected grid_resolutions %v", got)
	}

	if cfg.Filter.GateThreshold != 12.5 {
		t.Errorf("expected gate_threshold 12.5, got %f", cfg.Filter.GateThreshold)
	}

	if cfg.Tracker.Method != "tdoa" {
		t.Errorf("expected method tdoa, got %s", cfg.Tracker.Method)
	}

	if len(cfg.Capture.Bots) != 4 || cfg.Capture.Bots[1].CalibrationDB != 2.5 {
		t.Errorf("unexpected bots %+v", cfg.Capture.Bots)
	}

	if got := cfg.CaptureSource(); got.Arecord.CalibrationOffsetDB != 110 || got.USB.CalibrationOffsetDB != 110 {
		t.Errorf("expected calibration offset 110 on hardware sources, got usb %f arecord %f",
			got.USB.CalibrationOffsetDB, got.Arecord.CalibrationOffsetDB)
	}

	if cfg.Capture.USB.BlockSize != 3200 {
		t.Errorf("expected block_size 3200, got %d", cfg.Capture.USB.BlockSize)
	}

	if cfg.Capture.Arecord.Duration != 250*time.Millisecond {
		t.Errorf("expected arecord duration 250ms, got %v", cfg.Capture.Arecord.Duration)
	}

	// Untouched keys keep their defaults
	if cfg.Filter.ProcessNoise != 0.01 {
		t.Errorf("expected default process_noise 0.01, got %f", cfg.Filter.ProcessNoise)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	pairs := cfg.MicPairs()
	if len(pairs) != 2 || pairs[1].A != "s" || pairs[1].B != "w" {
		t.Errorf("unexpected pairs %+v", pairs)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("server: [port"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for malformed config")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SOUNDLOC_SERVER_PORT", "7777")
	t.Setenv("SOUNDLOC_FILTER_GATE_THRESHOLD", "20")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777 from env, got %d", cfg.Server.Port)
	}

	if cfg.Filter.GateThreshold != 20 {
		t.Errorf("expected gate_threshold 20 from env, got %f", cfg.Filter.GateThreshold)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid port too low",
			modify: func(c *Config) {
				c.Server.Port = 0
			},
			wantErr: true,
		},
		{
			name: "invalid port too high",
			modify: func(c *Config) {
				c.Server.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "invalid poll_hz too low",
			modify: func(c *Config) {
				c.Tracker.PollHz = 0
			},
			wantErr: true,
		},
		{
			name: "unknown method",
			modify: func(c *Config) {
				c.Tracker.Method = "sonar"
			},
			wantErr: true,
		},
		{
			name: "max_db below min_db",
			modify: func(c *Config) {
				c.Localization.Intensity.MaxDB = 20
			},
			wantErr: true,
		},
		{
			name: "non-positive grid resolution",
			modify: func(c *Config) {
				c.Localization.Intensity.GridResolutions = []float64{0.3, 0}
			},
			wantErr: true,
		},
		{
			name: "inverted bounds",
			modify: func(c *Config) {
				c.Localization.Bounds.Max = -200
			},
			wantErr: true,
		},
		{
			name: "zero gate threshold",
			modify: func(c *Config) {
				c.Filter.GateThreshold = 0
			},
			wantErr: true,
		},
		{
			name: "tdoa with one pair",
			modify: func(c *Config) {
				c.Tracker.Method = "tdoa"
				c.Localization.TDOA.Pairs = c.Localization.TDOA.Pairs[:1]
			},
			wantErr: true,
		},
		{
			name: "tdoa pair with unknown bot",
			modify: func(c *Config) {
				c.Tracker.Method = "tdoa"
				c.Localization.TDOA.Pairs[0].B = "ghost"
			},
			wantErr: true,
		},
		{
			name: "pair with itself",
			modify: func(c *Config) {
				c.Localization.TDOA.Pairs[0].B = c.Localization.TDOA.Pairs[0].A
			},
			wantErr: true,
		},
		{
			name: "duplicate bot id",
			modify: func(c *Config) {
				c.Capture.Bots[1].ID = c.Capture.Bots[0].ID
			},
			wantErr: true,
		},
		{
			name: "unknown capture source",
			modify: func(c *Config) {
				c.Capture.Source = "tape"
			},
			wantErr: true,
		},
		{
			name: "uplink enabled without url",
			modify: func(c *Config) {
				c.Uplink.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "uplink with http url",
			modify: func(c *Config) {
				c.Uplink.Enabled = true
				c.Uplink.URL = "http://example.com/ingest"
			},
			wantErr: true,
		},
		{
			name: "uplink with ws url",
			modify: func(c *Config) {
				c.Uplink.Enabled = true
				c.Uplink.URL = "wss://dashboard.example.com/ingest"
			},
			wantErr: false,
		},
		{
			name: "bad log level",
			modify: func(c *Config) {
				c.Logging.Level = "verbose"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfig_Timeouts(t *testing.T) {
	cfg := Default()

	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Server.ReadTimeout)
	}

	if cfg.Server.WriteTimeout != 10*time.Second {
		t.Errorf("expected write_timeout 10s, got %v", cfg.Server.WriteTimeout)
	}

	if cfg.Server.GracefulTimeout != 5*time.Second {
		t.Errorf("expected graceful_timeout 5s, got %v", cfg.Server.GracefulTimeout)
	}
}

func TestEngineMappings(t *testing.T) {
	cfg := Default()
	cfg.Localization.Bounds.Min = -10
	cfg.Localization.Bounds.Max = 10
	cfg.Filter.InitialX = 1.5

	ic := cfg.IntensityLocalizer()
	if ic.Bounds.Min != -10 || ic.Bounds.Max != 10 {
		t.Errorf("intensity bounds not mapped: %+v", ic.Bounds)
	}
	if ic.ReferenceDB != 94 || ic.DecayFactor != 0.2 {
		t.Errorf("intensity constants not mapped: %+v", ic)
	}

	tc := cfg.TDOALocalizer()
	if tc.SpeedOfSound != 343 || tc.Bounds.Max != 10 {
		t.Errorf("tdoa config not mapped: %+v", tc)
	}

	kc := cfg.KalmanFilter()
	if kc.InitialPosition.X != 1.5 || !kc.Gating || kc.TimeStep != 0.4 {
		t.Errorf("filter config not mapped: %+v", kc)
	}

	cc := cfg.CaptureSource()
	if cc.Kind != "sim" || len(cc.Bots) != 4 || cc.Sim.ReferenceDB != 94 {
		t.Errorf("capture config not mapped: %+v", cc)
	}
	if cc.USB.CalibrationOffsetDB != 120 || cc.Arecord.CalibrationOffsetDB != 120 {
		t.Errorf("expected default calibration offset 120, got usb %f arecord %f",
			cc.USB.CalibrationOffsetDB, cc.Arecord.CalibrationOffsetDB)
	}
	if cc.USB.MaxConsecutiveErrors != 5 {
		t.Errorf("expected usb max errors 5, got %d", cc.USB.MaxConsecutiveErrors)
	}

	if got := cfg.PollInterval(); got != 500*time.Millisecond {
		t.Errorf("expected poll interval 500ms, got %v", got)
	}

	cfg.Uplink.URL = "wss://dash.example.com/ingest"
	uc := cfg.UplinkClient()
	if uc.URL != cfg.Uplink.URL || uc.PingInterval != cfg.Uplink.PingInterval || uc.MaxBackoff < uc.ReconnectBackoff {
		t.Errorf("uplink config not mapped: %+v", uc)
	}
}
