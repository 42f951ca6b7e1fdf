package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/extender/config"
	"github.com/babelcloud/gbox/packages/extender/internal/muxer"
)

// muxerFlags maps session flags to their config keys.
var muxerFlags = map[string]string{
	"delay":          config.KeyBufferingDelay,
	"audio-format":   config.KeyAudioFormat,
	"sample-rate":    config.KeyAudioSampleRate,
	"channels":       config.KeyAudioChannels,
	"pipe-dir":       config.KeyPipeDir,
	"transcoder":     config.KeyTranscoder,
	"player":         config.KeyPlayer,
	"player-arg":     config.KeyPlayerArgs,
	"late-threshold": config.KeyLateThreshold,
}

// addMuxerFlags declares the session flags on cmd. Defaults shown in help
// are the built-in ones; unset flags fall through to the environment and
// the config file.
func addMuxerFlags(cmd *cobra.Command) {
	d := muxer.DefaultConfig()

	flags := cmd.Flags()
	flags.Duration("delay", d.BufferingDelay, "Buffering delay added to every presentation instant")
	flags.String("audio-format", string(d.Audio.Format), "Audio bitstream format (s16le or aac)")
	flags.Uint32("sample-rate", d.Audio.SampleRate, "Audio sample rate in Hz")
	flags.Int("channels", d.Audio.Channels, "Audio channel count")
	flags.String("pipe-dir", config.DefaultPipeDir(), "Parent directory for session pipes")
	flags.String("transcoder", d.TranscoderPath, "Transcoder executable")
	flags.String("player", d.PlayerPath, "Player executable")
	flags.StringSlice("player-arg", d.PlayerArgs, "Player argument (repeatable)")
	flags.Duration("late-threshold", d.LateThreshold, "Lateness above which a write is reported")

	cmd.RegisterFlagCompletionFunc("audio-format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{string(muxer.AudioPCM), string(muxer.AudioAAC)}, cobra.ShellCompDirectiveNoFileComp
	})
}

// bindMuxerFlags connects the flags of the command being run to the config.
// Binding happens at run time so that each command binds only its own flags.
func bindMuxerFlags(cmd *cobra.Command) error {
	for name, key := range muxerFlags {
		if err := config.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind --%s: %v", name, err)
		}
	}
	return nil
}
