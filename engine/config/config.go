package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/pelletier/go-toml/v2"
)

type DeviceConfig struct {
	// Name of the registered HAL driver to open.
	Driver string `toml:"driver"`
	// Optional case-insensitive substring the adapter name must contain.
	Adapter string `toml:"adapter"`
	// "high_performance", "low_power" or "none".
	PowerPreference string `toml:"power_preference"`

	MaxShaderResourceCount uint32 `toml:"max_shader_resource_count"`
	MaxSamplerCount        uint32 `toml:"max_sampler_count"`
	MaxColorTargetCount    uint32 `toml:"max_color_target_count"`
	MaxDepthTargetCount    uint32 `toml:"max_depth_target_count"`

	EnableDebug          bool `toml:"enable_debug"`
	EnableDRED           bool `toml:"enable_dred"`
	EnableCapture        bool `toml:"enable_capture"`
	EnableBreakOnWarning bool `toml:"enable_break_on_warning"`
	EnableBreakOnError   bool `toml:"enable_break_on_error"`

	// Minimum shader model, encoded as major*10+minor (66 = 6.6).
	MinShaderModel uint32 `toml:"min_shader_model"`
	// Upper bound for CPU waits issued by the render loop. Zero waits forever.
	SyncTimeout Duration `toml:"sync_timeout"`
	// Log the adapters visible through the Vulkan loader at startup.
	ProbeVulkan bool `toml:"probe_vulkan"`
}

type RenderConfig struct {
	Width            uint32  `toml:"width"`
	Height           uint32  `toml:"height"`
	AnimFPS          float64 `toml:"anim_fps"`
	RenderTimeSec    float64 `toml:"render_time_sec"`
	AnimationTimeSec float64 `toml:"animation_time_sec"`
	// Stop after this many frames. Zero means no frame limit.
	MaxFrames    uint64 `toml:"max_frames"`
	MaxIteration uint32 `toml:"max_iteration"`
}

type ExportConfig struct {
	Enabled   bool   `toml:"enabled"`
	Directory string `toml:"directory"`
	// fmt pattern receiving the capture index, without extension.
	Pattern string `toml:"pattern"`
	// "png", "tiff" or "bmp".
	Format string `toml:"format"`
	// Capture every Nth frame. Zero captures only the last frame.
	CaptureInterval uint64 `toml:"capture_interval"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type Config struct {
	Device DeviceConfig `toml:"device"`
	Render RenderConfig `toml:"render"`
	Export ExportConfig `toml:"export"`
	Log    LogConfig    `toml:"log"`
}

// Duration is a time.Duration that reads and writes TOML strings such as "5s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

var (
	ErrInvalidSize            = errors.New("render size must be non-zero")
	ErrInvalidFormat          = errors.New("unknown export format")
	ErrInvalidPowerPreference = errors.New("unknown power preference")
	ErrInvalidHeapCapacity    = errors.New("descriptor heap capacities must fit in 24 bits")
)

// Default returns the configuration the renderer ships with.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Driver:                 "software",
			PowerPreference:        "high_performance",
			MaxShaderResourceCount: 8192,
			MaxSamplerCount:        128,
			MaxColorTargetCount:    256,
			MaxDepthTargetCount:    256,
			EnableDRED:             true,
			EnableBreakOnError:     true,
			MinShaderModel:         66,
		},
		Render: RenderConfig{
			Width:         1920,
			Height:        1080,
			AnimFPS:       60.0,
			RenderTimeSec: 256.0,
			MaxIteration:  16,
		},
		Export: ExportConfig{
			Enabled:   true,
			Directory: ".",
			Pattern:   "output_%03d",
			Format:    "png",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a TOML file on top of the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("config line %d column %d: %w", row, col, err)
		}
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) Validate() error {
	if c.Render.Width == 0 || c.Render.Height == 0 {
		return ErrInvalidSize
	}
	switch strings.ToLower(c.Export.Format) {
	case "png", "tiff", "bmp":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFormat, c.Export.Format)
	}
	if _, err := c.Device.Power(); err != nil {
		return err
	}
	const maxIndex = 0xFFFFFF
	for _, n := range []uint32{
		c.Device.MaxShaderResourceCount,
		c.Device.MaxSamplerCount,
		c.Device.MaxColorTargetCount,
		c.Device.MaxDepthTargetCount,
	} {
		if n > maxIndex {
			return ErrInvalidHeapCapacity
		}
	}
	return nil
}

// Power maps the configured preference onto gputypes.
func (d DeviceConfig) Power() (gputypes.PowerPreference, error) {
	switch strings.ToLower(d.PowerPreference) {
	case "", "none":
		return gputypes.PowerPreferenceNone, nil
	case "low_power":
		return gputypes.PowerPreferenceLowPower, nil
	case "high_performance":
		return gputypes.PowerPreferenceHighPerformance, nil
	}
	return gputypes.PowerPreferenceNone, fmt.Errorf("%w: %q", ErrInvalidPowerPreference, d.PowerPreference)
}
