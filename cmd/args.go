package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/extender/config"
)

func NewArgsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "args",
		Short: "Print the transcoder and player command lines",
		Long:  "Print the command lines a session would run, with the session directory shown as <session>.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindMuxerFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Muxer()
			if err := cfg.Validate(); err != nil {
				return err
			}

			dir := filepath.Join(cfg.PipeDir, "<session>")
			transcoder := cfg.TranscoderArgs(filepath.Join(dir, cfg.VideoPipeName), filepath.Join(dir, cfg.AudioPipeName))

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "transcoder: %s\n", commandLine(cfg.TranscoderPath, transcoder))
			fmt.Fprintf(w, "player:     %s\n", commandLine(cfg.PlayerPath, cfg.PlayerCommandArgs()))
			return nil
		},
	}

	addMuxerFlags(cmd)
	return cmd
}

// commandLine renders a command for a POSIX shell.
func commandLine(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{name}, args...) {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`*?[]<>|&;()#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
