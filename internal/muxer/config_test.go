package muxer

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1150*time.Millisecond, cfg.BufferingDelay)
	assert.Equal(t, uint32(90000), cfg.VideoClockRate)
	assert.Equal(t, 500*time.Millisecond, cfg.GracePeriod)
	assert.Equal(t, 1500*time.Millisecond, cfg.StopTimeout)
	assert.Equal(t, 10*time.Millisecond, cfg.LateThreshold)
	assert.Equal(t, 512, cfg.HighWater)
	assert.Equal(t, 8192, cfg.MaxBufferedUnits)
	assert.Equal(t, 256, cfg.DiagnosticsBuffer)
	assert.Equal(t, AudioPCM, cfg.Audio.Format)
	assert.Equal(t, uint32(48000), cfg.Audio.ClockRate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative delay", func(c *Config) { c.BufferingDelay = -time.Second }, "buffering_delay"},
		{"video rate", func(c *Config) { c.VideoClockRate = 1000 }, "video_clock_rate"},
		{"pcm without rate", func(c *Config) { c.Audio.SampleRate = 0 }, "audio.sample_rate"},
		{"pcm without channels", func(c *Config) { c.Audio.Channels = 0 }, "audio.channels"},
		{"unknown format", func(c *Config) { c.Audio.Format = "opus" }, "audio.format"},
		{"empty pipe dir", func(c *Config) { c.PipeDir = "" }, "pipe_dir"},
		{"empty video pipe", func(c *Config) { c.VideoPipeName = "" }, "video_pipe"},
		{"video pipe with separator", func(c *Config) { c.VideoPipeName = "a/b" }, "video_pipe"},
		{"audio pipe dot dot", func(c *Config) { c.AudioPipeName = ".." }, "audio_pipe"},
		{"same pipe names", func(c *Config) { c.AudioPipeName = c.VideoPipeName }, "audio_pipe"},
		{"empty transcoder", func(c *Config) { c.TranscoderPath = "" }, "transcoder"},
		{"empty player", func(c *Config) { c.PlayerPath = "" }, "player"},
		{"negative high water", func(c *Config) { c.HighWater = -1 }, "high_water"},
		{"negative diagnostics", func(c *Config) { c.DiagnosticsBuffer = -1 }, "diagnostics_buffer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestConfigCompressedAudio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audio = AudioConfig{Format: AudioAAC}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(48000), cfg.Audio.ClockRate())

	cfg.Audio.SampleRate = 44100
	assert.Equal(t, uint32(44100), cfg.Audio.ClockRate())
}

func TestTranscoderArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audio = AudioConfig{Format: AudioPCM, SampleRate: 44100, Channels: 1}

	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "warning",
		"-use_wallclock_as_timestamps", "1", "-f", "h264", "-i", "/run/v.h264",
		"-use_wallclock_as_timestamps", "1", "-f", "s16le", "-ar", "44100", "-ac", "1", "-i", "/run/a.raw",
		"-map", "0:v", "-map", "1:a", "-c", "copy", "-f", "matroska", "pipe:1",
	}, cfg.TranscoderArgs("/run/v.h264", "/run/a.raw"))

	cfg.Audio = AudioConfig{Format: AudioAAC}
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "warning",
		"-use_wallclock_as_timestamps", "1", "-f", "h264", "-i", "v",
		"-use_wallclock_as_timestamps", "1", "-f", "aac", "-i", "a",
		"-map", "0:v", "-map", "1:a", "-c", "copy", "-f", "matroska", "pipe:1",
	}, cfg.TranscoderArgs("v", "a"))
}

func TestPlayerCommandArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PlayerArgs = []string{"-autoexit"}

	assert.Equal(t, []string{"-autoexit", "-i", "pipe:0"}, cfg.PlayerCommandArgs())
	assert.Equal(t, []string{"-autoexit"}, cfg.PlayerArgs, "player args must not be modified")

	cfg.PlayerArgs = nil
	assert.Equal(t, []string{"-i", "pipe:0"}, cfg.PlayerCommandArgs())
}
