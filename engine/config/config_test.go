package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate; got %v", err)
	}
	if cfg.Render.Width != 1920 || cfg.Render.Height != 1080 {
		t.Fatalf("unexpected default size %dx%d", cfg.Render.Width, cfg.Render.Height)
	}
	if cfg.Device.MaxShaderResourceCount != 8192 {
		t.Fatalf("unexpected shader resource capacity %d", cfg.Device.MaxShaderResourceCount)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
[device]
driver = "software"
sync_timeout = "3s"

[render]
width = 320
height = 240

[export]
format = "tiff"
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Render.Width != 320 || cfg.Render.Height != 240 {
		t.Fatalf("expected 320x240; got %dx%d", cfg.Render.Width, cfg.Render.Height)
	}
	if cfg.Render.AnimFPS != 60 {
		t.Fatalf("expected default anim fps to survive; got %f", cfg.Render.AnimFPS)
	}
	if cfg.Device.SyncTimeout.Duration != 3*time.Second {
		t.Fatalf("expected 3s timeout; got %v", cfg.Device.SyncTimeout)
	}
	if cfg.Export.Format != "tiff" {
		t.Fatalf("expected tiff; got %q", cfg.Export.Format)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{name: "zero width", data: "[render]\nwidth = 0\n", want: ErrInvalidSize},
		{name: "bad format", data: "[export]\nformat = \"gif\"\n", want: ErrInvalidFormat},
		{name: "bad power", data: "[device]\npower_preference = \"turbo\"\n", want: ErrInvalidPowerPreference},
		{name: "heap too large", data: "[device]\nmax_sampler_count = 16777216\n", want: ErrInvalidHeapCapacity},
		{name: "unknown key", data: "[render]\nfov = 90\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatalf("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v; got %v", tt.want, err)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.Render.Width = 64
	cfg.Device.SyncTimeout = Duration{2 * time.Second}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Render.Width != 64 || got.Device.SyncTimeout.Duration != 2*time.Second {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestPower(t *testing.T) {
	tests := map[string]gputypes.PowerPreference{
		"":                 gputypes.PowerPreferenceNone,
		"low_power":        gputypes.PowerPreferenceLowPower,
		"HIGH_PERFORMANCE": gputypes.PowerPreferenceHighPerformance,
	}
	for in, want := range tests {
		got, err := DeviceConfig{PowerPreference: in}.Power()
		if err != nil || got != want {
			t.Fatalf("%q: expected %v; got %v (%v)", in, want, got, err)
		}
	}
}
