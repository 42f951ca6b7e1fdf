package muxer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/babelcloud/gbox/packages/extender/internal/media"
	"github.com/babelcloud/gbox/packages/extender/internal/pacer"
	"github.com/babelcloud/gbox/packages/extender/internal/supervisor"
)

// AudioFormat names the raw audio bitstream written to the audio pipe. The
// value is passed to the transcoder as its input format.
type AudioFormat string

const (
	AudioPCM AudioFormat = "s16le"
	AudioAAC AudioFormat = "aac"
)

// IsPCM reports whether the format carries uncompressed samples, for which
// rate and channel count must be declared to the transcoder.
func (f AudioFormat) IsPCM() bool {
	return f == AudioPCM
}

// AudioConfig describes the audio stream.
type AudioConfig struct {
	Format     AudioFormat `mapstructure:"format" json:"format"`
	SampleRate uint32      `mapstructure:"sample_rate" json:"sample_rate"`
	Channels   int         `mapstructure:"channels" json:"channels"`
}

// ClockRate is the rate audio timestamps tick at.
func (a AudioConfig) ClockRate() uint32 {
	if a.SampleRate == 0 {
		return media.DefaultAudioClockRate
	}
	return a.SampleRate
}

const (
	DefaultBufferingDelay    = 1150 * time.Millisecond
	DefaultHighWater         = 512
	DefaultMaxBufferedUnits  = 8192
	DefaultDiagnosticsBuffer = 256
	DefaultVideoPipeName     = "video.h264"
	DefaultAudioPipeName     = "audio.raw"
	DefaultTranscoderPath    = "ffmpeg"
	DefaultPlayerPath        = "ffplay"
)

// DefaultPlayerArgs keep ffplay quiet and latency low.
var DefaultPlayerArgs = []string{"-hide_banner", "-loglevel", "warning", "-fflags", "nobuffer", "-flags", "low_delay"}

// Config holds every setting of a session.
type Config struct {
	BufferingDelay time.Duration `mapstructure:"buffering_delay" json:"buffering_delay"`
	VideoClockRate uint32        `mapstructure:"video_clock_rate" json:"video_clock_rate"`
	Audio          AudioConfig   `mapstructure:"audio" json:"audio"`

	// PipeDir is the parent of per-session pipe directories.
	PipeDir       string `mapstructure:"pipe_dir" json:"pipe_dir"`
	VideoPipeName string `mapstructure:"video_pipe" json:"video_pipe"`
	AudioPipeName string `mapstructure:"audio_pipe" json:"audio_pipe"`

	TranscoderPath string   `mapstructure:"transcoder" json:"transcoder"`
	PlayerPath     string   `mapstructure:"player" json:"player"`
	PlayerArgs     []string `mapstructure:"player_args" json:"player_args"`

	GracePeriod   time.Duration `mapstructure:"grace_period" json:"grace_period"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout" json:"stop_timeout"`
	LateThreshold time.Duration `mapstructure:"late_threshold" json:"late_threshold"`

	HighWater         int `mapstructure:"high_water" json:"high_water"`
	MaxBufferedUnits  int `mapstructure:"max_buffered_units" json:"max_buffered_units"`
	DiagnosticsBuffer int `mapstructure:"diagnostics_buffer" json:"diagnostics_buffer"`
}

// DefaultConfig returns a configuration for 48 kHz stereo PCM audio.
func DefaultConfig() Config {
	return Config{
		BufferingDelay: DefaultBufferingDelay,
		VideoClockRate: media.VideoClockRate,
		Audio: AudioConfig{
			Format:     AudioPCM,
			SampleRate: media.DefaultAudioClockRate,
			Channels:   2,
		},
		PipeDir:           filepath.Join(os.TempDir(), "extender"),
		VideoPipeName:     DefaultVideoPipeName,
		AudioPipeName:     DefaultAudioPipeName,
		TranscoderPath:    DefaultTranscoderPath,
		PlayerPath:        DefaultPlayerPath,
		PlayerArgs:        append([]string(nil), DefaultPlayerArgs...),
		GracePeriod:       supervisor.DefaultGracePeriod,
		StopTimeout:       supervisor.DefaultStopTimeout,
		LateThreshold:     pacer.DefaultLateThreshold,
		HighWater:         DefaultHighWater,
		MaxBufferedUnits:  DefaultMaxBufferedUnits,
		DiagnosticsBuffer: DefaultDiagnosticsBuffer,
	}
}

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// Validate checks the configuration and returns a *ConfigError for the
// first offending field.
func (c Config) Validate() error {
	if c.BufferingDelay < 0 {
		return &ConfigError{Field: "buffering_delay", Reason: "must not be negative"}
	}
	if c.VideoClockRate != media.VideoClockRate {
		return &ConfigError{Field: "video_clock_rate", Reason: fmt.Sprintf("must be %d", media.VideoClockRate)}
	}

	switch c.Audio.Format {
	case AudioPCM:
		if c.Audio.SampleRate == 0 {
			return &ConfigError{Field: "audio.sample_rate", Reason: "must be positive for PCM"}
		}
		if c.Audio.Channels <= 0 {
			return &ConfigError{Field: "audio.channels", Reason: "must be positive for PCM"}
		}
	case AudioAAC:
		if c.Audio.Channels < 0 {
			return &ConfigError{Field: "audio.channels", Reason: "must not be negative"}
		}
	default:
		return &ConfigError{Field: "audio.format", Reason: fmt.Sprintf("unsupported format %q", c.Audio.Format)}
	}

	if c.PipeDir == "" {
		return &ConfigError{Field: "pipe_dir", Reason: "must not be empty"}
	}
	if err := validatePipeName(c.VideoPipeName); err != nil {
		return &ConfigError{Field: "video_pipe", Reason: err.Error()}
	}
	if err := validatePipeName(c.AudioPipeName); err != nil {
		return &ConfigError{Field: "audio_pipe", Reason: err.Error()}
	}
	if c.VideoPipeName == c.AudioPipeName {
		return &ConfigError{Field: "audio_pipe", Reason: "must differ from video_pipe"}
	}

	if c.TranscoderPath == "" {
		return &ConfigError{Field: "transcoder", Reason: "must not be empty"}
	}
	if c.PlayerPath == "" {
		return &ConfigError{Field: "player", Reason: "must not be empty"}
	}

	if c.GracePeriod < 0 {
		return &ConfigError{Field: "grace_period", Reason: "must not be negative"}
	}
	if c.StopTimeout < 0 {
		return &ConfigError{Field: "stop_timeout", Reason: "must not be negative"}
	}
	if c.LateThreshold < 0 {
		return &ConfigError{Field: "late_threshold", Reason: "must not be negative"}
	}
	if c.HighWater < 0 {
		return &ConfigError{Field: "high_water", Reason: "must not be negative"}
	}
	if c.MaxBufferedUnits < 0 {
		return &ConfigError{Field: "max_buffered_units", Reason: "must not be negative"}
	}
	if c.DiagnosticsBuffer < 0 {
		return &ConfigError{Field: "diagnostics_buffer", Reason: "must not be negative"}
	}
	return nil
}

func validatePipeName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("must not be empty")
	case name == "." || name == "..":
		return fmt.Errorf("%q is not a file name", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%q must not contain path separators", name)
	}
	return nil
}
