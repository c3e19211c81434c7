package capture

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultUSBConfig(t *testing.T) {
	cfg := DefaultUSBConfig()

	if cfg.MaxConsecutiveErrors != 5 {
		t.Errorf("expected MaxConsecutiveErrors 5, got %d", cfg.MaxConsecutiveErrors)
	}
	if cfg.InitialBackoff != 100*time.Millisecond {
		t.Errorf("expected InitialBackoff 100ms, got %v", cfg.InitialBackoff)
	}
	if cfg.BlockSize != 1600 {
		t.Errorf("expected BlockSize 1600, got %d", cfg.BlockSize)
	}
	if cfg.Format != FormatPCM16 {
		t.Errorf("expected format %q, got %q", FormatPCM16, cfg.Format)
	}
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		in, limit, want time.Duration
	}{
		{100 * time.Millisecond, 5 * time.Second, 200 * time.Millisecond},
		{4 * time.Second, 5 * time.Second, 5 * time.Second},
		{5 * time.Second, 5 * time.Second, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := nextBackoff(tt.in, tt.limit); got != tt.want {
			t.Errorf("nextBackoff(%v, %v) = %v, want %v", tt.in, tt.limit, got, tt.want)
		}
	}
}

func TestUSBReconnect_BackoffReleasesLock(t *testing.T) {
	cfg := DefaultUSBConfig()
	cfg.InitialBackoff = time.Second

	// No bots attached, so the next capture starts with a reconnect
	source := &USBSource{
		cfg:              cfg,
		logger:           slog.Default(),
		reconnectBackoff: cfg.InitialBackoff,
	}

	captured := make(chan error, 1)
	go func() {
		_, err := source.Capture(context.Background())
		captured <- err
	}()

	time.Sleep(50 * time.Millisecond)

	healthy := make(chan bool, 1)
	go func() { healthy <- source.Healthy() }()
	select {
	case <-healthy:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Healthy blocked during reconnect backoff")
	}

	if stats := source.Stats(); stats.BotsConnected != 0 {
		t.Errorf("expected no bots, got %d", stats.BotsConnected)
	}

	source.Close()

	select {
	case err := <-captured:
		if err == nil {
			t.Error("expected capture to fail once closed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("capture did not return")
	}
}

func TestUSBDecode(t *testing.T) {
	u := &USBSource{cfg: DefaultUSBConfig()}

	samples, err := u.decode([]byte{0x00, 0x40, 0x00, 0xC0})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(samples) != 2 || samples[0] != 0.5 || samples[1] != -0.5 {
		t.Errorf("unexpected pcm16 samples %v", samples)
	}

	u.cfg.Format = FormatPDM
	samples, err = u.decode([]byte{0xFF})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(samples) != 8 || samples[0] != 1 {
		t.Errorf("unexpected pdm samples %v", samples)
	}
}

func TestNewUSBSource_RequiresSerials(t *testing.T) {
	_, err := NewUSBSource(DefaultUSBConfig(), DefaultBots(), nil)
	if err == nil {
		t.Fatal("expected error without serials")
	}

	cfg := DefaultUSBConfig()
	cfg.BlockSize = 0
	if _, err := NewUSBSource(cfg, DefaultBots(), nil); err == nil {
		t.Fatal("expected error for zero block size")
	}
}

func TestArecordArgs(t *testing.T) {
	a := &ArecordSource{cfg: ArecordConfig{
		Command:    "arecord",
		Device:     "hw:1,0",
		SampleRate: 48000,
		Channels:   4,
		Duration:   250 * time.Millisecond,
	}}

	got := a.Args()
	want := []string{"-f", "S16_LE", "-r", "48000", "-c", "4", "-d", "0.250", "-t", "raw", "-q", "-D", "hw:1,0"}

	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNewArecordSource_MissingCommand(t *testing.T) {
	cfg := DefaultArecordConfig()
	cfg.Command = "nonexistent_command_12345"

	if _, err := NewArecordSource(cfg, DefaultBots(), nil); err == nil {
		t.Error("expected error for missing command")
	}
}

func TestNewArecordSource_TooFewBots(t *testing.T) {
	cfg := DefaultArecordConfig()
	cfg.Channels = 8

	if _, err := NewArecordSource(cfg, DefaultBots(), nil); err == nil {
		t.Error("expected error for more channels than bots")
	}
}

func TestArecordCapture_FakeRecorder(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	// Two channels, two frames: (16384, -32768), (0, 16384)
	script := filepath.Join(t.TempDir(), "fake-arecord")
	body := "#!/bin/sh\nprintf '\\000\\100\\000\\200\\000\\000\\000\\100'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultArecordConfig()
	cfg.Command = script
	cfg.Channels = 2

	source, err := NewArecordSource(cfg, DefaultBots(), nil)
	if err != nil {
		t.Fatalf("NewArecordSource: %v", err)
	}
	defer source.Close()

	round, err := source.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if len(round.Frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(round.Frames))
	}
	if round.Frames[0].BotID != "bot-0" || round.Frames[1].BotID != "bot-1" {
		t.Errorf("unexpected bot order %s, %s", round.Frames[0].BotID, round.Frames[1].BotID)
	}
	if got := round.Frames[0].Samples; len(got) != 2 || got[0] != 0.5 || got[1] != 0 {
		t.Errorf("channel 0 = %v", got)
	}
	if got := round.Frames[1].Samples; len(got) != 2 || got[0] != -1 || got[1] != 0.5 {
		t.Errorf("channel 1 = %v", got)
	}
	if !source.Healthy() {
		t.Error("expected healthy after successful capture")
	}

	// Raw dBFS levels only land in the valid window once calibrated
	if got := round.Frames[0].CalibrationDB; got != DefaultCalibrationOffsetDB {
		t.Errorf("frame calibration = %f, want %f", got, DefaultCalibrationOffsetDB)
	}
	ms, failed := round.Measurements()
	if failed != 0 || len(ms) != 2 {
		t.Fatalf("expected 2 measurements, got %d (%d failed)", len(ms), failed)
	}
	for _, m := range ms {
		if m.LevelDB < 30 || m.LevelDB > 150 {
			t.Errorf("%s level %f outside the usable range", m.SourceID, m.LevelDB)
		}
	}
}

func TestArecordCapture_PerBotCalibration(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	script := filepath.Join(t.TempDir(), "fake-arecord")
	body := "#!/bin/sh\nprintf '\\000\\100\\000\\100'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultArecordConfig()
	cfg.Command = script
	cfg.Channels = 2
	cfg.CalibrationOffsetDB = 100

	bots := []Bot{{ID: "a"}, {ID: "b", X: 1, CalibrationDB: -3}}
	source, err := NewArecordSource(cfg, bots, nil)
	if err != nil {
		t.Fatalf("NewArecordSource: %v", err)
	}
	defer source.Close()

	round, err := source.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if got := round.Frames[0].CalibrationDB; got != 100 {
		t.Errorf("bot a calibration = %f, want 100", got)
	}
	if got := round.Frames[1].CalibrationDB; got != 97 {
		t.Errorf("bot b calibration = %f, want 97", got)
	}
}

func TestArecordCapture_CommandFails(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}

	cfg := DefaultArecordConfig()
	cfg.Command = "false"

	source, err := NewArecordSource(cfg, DefaultBots(), nil)
	if err != nil {
		t.Fatalf("NewArecordSource: %v", err)
	}

	if _, err := source.Capture(context.Background()); err == nil {
		t.Error("expected capture error")
	}
	if source.Healthy() {
		t.Error("expected unhealthy after failed capture")
	}
}
