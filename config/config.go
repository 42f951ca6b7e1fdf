package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/babelcloud/gbox/packages/extender/internal/muxer"
)

var v *viper.Viper

// muxer setting keys
const (
	KeyBufferingDelay    = "muxer.buffering_delay"
	KeyAudioFormat       = "muxer.audio.format"
	KeyAudioSampleRate   = "muxer.audio.sample_rate"
	KeyAudioChannels     = "muxer.audio.channels"
	KeyPipeDir           = "muxer.pipe_dir"
	KeyVideoPipe         = "muxer.video_pipe"
	KeyAudioPipe         = "muxer.audio_pipe"
	KeyTranscoder        = "muxer.transcoder"
	KeyPlayer            = "muxer.player"
	KeyPlayerArgs        = "muxer.player_args"
	KeyGracePeriod       = "muxer.grace_period"
	KeyStopTimeout       = "muxer.stop_timeout"
	KeyLateThreshold     = "muxer.late_threshold"
	KeyHighWater         = "muxer.high_water"
	KeyMaxBufferedUnits  = "muxer.max_buffered_units"
	KeyDiagnosticsBuffer = "muxer.diagnostics_buffer"
)

func init() {
	v = newViper()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.extender",
		"/etc/extender",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// newViper returns a viper instance with defaults and environment bindings
// but no config file.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Environment variables
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		v.BindEnv(key, EnvName(key))
	}
	return v
}

func setDefaults(v *viper.Viper) {
	d := muxer.DefaultConfig()

	v.SetDefault(KeyBufferingDelay, d.BufferingDelay)
	v.SetDefault(KeyAudioFormat, string(d.Audio.Format))
	v.SetDefault(KeyAudioSampleRate, d.Audio.SampleRate)
	v.SetDefault(KeyAudioChannels, d.Audio.Channels)
	v.SetDefault(KeyPipeDir, DefaultPipeDir())
	v.SetDefault(KeyVideoPipe, d.VideoPipeName)
	v.SetDefault(KeyAudioPipe, d.AudioPipeName)
	v.SetDefault(KeyTranscoder, d.TranscoderPath)
	v.SetDefault(KeyPlayer, d.PlayerPath)
	v.SetDefault(KeyPlayerArgs, d.PlayerArgs)
	v.SetDefault(KeyGracePeriod, d.GracePeriod)
	v.SetDefault(KeyStopTimeout, d.StopTimeout)
	v.SetDefault(KeyLateThreshold, d.LateThreshold)
	v.SetDefault(KeyHighWater, d.HighWater)
	v.SetDefault(KeyMaxBufferedUnits, d.MaxBufferedUnits)
	v.SetDefault(KeyDiagnosticsBuffer, d.DiagnosticsBuffer)
}

// EnvName returns the environment variable bound to key, for example
// EXTENDER_AUDIO_SAMPLE_RATE for muxer.audio.sample_rate.
func EnvName(key string) string {
	key = strings.TrimPrefix(key, "muxer.")
	return "EXTENDER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// DefaultPipeDir is the parent directory of session pipe directories.
func DefaultPipeDir() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, "extender")
	}
	return filepath.Join(os.TempDir(), "extender")
}

// LoadFile reads settings from an explicit config file, replacing the
// one found on the search path.
func LoadFile(path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

// ConfigFile returns the config file in use, or "" when none was found.
func ConfigFile() string {
	return v.ConfigFileUsed()
}

// BindFlag lets a command line flag override key when it is set.
func BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for %s", key)
	}
	return v.BindPFlag(key, flag)
}

// GetPipeDir returns the parent directory of session pipe directories
func GetPipeDir() string {
	return v.GetString(KeyPipeDir)
}

// GetTranscoderPath returns the transcoder executable
func GetTranscoderPath() string {
	return v.GetString(KeyTranscoder)
}

// GetPlayerPath returns the player executable
func GetPlayerPath() string {
	return v.GetString(KeyPlayer)
}

// Muxer returns the session configuration assembled from defaults, the
// config file, the environment and bound flags.
func Muxer() muxer.Config {
	cfg := muxer.DefaultConfig()

	cfg.BufferingDelay = v.GetDuration(KeyBufferingDelay)
	cfg.Audio = muxer.AudioConfig{
		Format:     muxer.AudioFormat(v.GetString(KeyAudioFormat)),
		SampleRate: v.GetUint32(KeyAudioSampleRate),
		Channels:   v.GetInt(KeyAudioChannels),
	}
	cfg.PipeDir = GetPipeDir()
	cfg.VideoPipeName = v.GetString(KeyVideoPipe)
	cfg.AudioPipeName = v.GetString(KeyAudioPipe)
	cfg.TranscoderPath = GetTranscoderPath()
	cfg.PlayerPath = GetPlayerPath()
	cfg.PlayerArgs = v.GetStringSlice(KeyPlayerArgs)
	cfg.GracePeriod = v.GetDuration(KeyGracePeriod)
	cfg.StopTimeout = v.GetDuration(KeyStopTimeout)
	cfg.LateThreshold = v.GetDuration(KeyLateThreshold)
	cfg.HighWater = v.GetInt(KeyHighWater)
	cfg.MaxBufferedUnits = v.GetInt(KeyMaxBufferedUnits)
	cfg.DiagnosticsBuffer = v.GetInt(KeyDiagnosticsBuffer)
	return cfg
}

// Settings returns every known key with its effective value.
func Settings() map[string]any {
	out := make(map[string]any)
	for _, key := range v.AllKeys() {
		out[key] = v.Get(key)
	}
	return out
}
