package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox/packages/extender/config"
	"github.com/babelcloud/gbox/packages/extender/internal/muxer"
	"github.com/babelcloud/gbox/packages/extender/internal/source"
	"github.com/babelcloud/gbox/packages/extender/internal/supervisor"
	"github.com/babelcloud/gbox/packages/extender/internal/util"
)

// linger is added to the buffering delay before stopping once the sources
// are exhausted, so the tail of both streams is played.
const linger = 500 * time.Millisecond

type RunOptions struct {
	VideoFile string
	AudioFile string
	FrameRate float64
	Loop      bool
	Duration  time.Duration
	NoStats   bool
}

func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Play an H.264 file and a raw audio file in sync",
		Long: `Start a playback session and replay an Annex-B H.264 elementary stream and/or a raw s16le
audio file into it in real time. The session stops at the end of input, after --duration, when the
transcoder or player exits, or on Ctrl+C.`,
		Example: `  extender run --video clip.h264 --audio clip.pcm
  extender run --video clip.h264 --fps 25 --loop --duration 1m
  extender run --audio tone.raw --sample-rate 44100 --channels 1 --delay 500ms`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.VideoFile == "" && opts.AudioFile == "" {
				return fmt.Errorf("at least one of --video or --audio is required")
			}
			return bindMuxerFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.VideoFile, "video", "", "Annex-B H.264 file to replay")
	flags.StringVar(&opts.AudioFile, "audio", "", "Raw s16le audio file to replay")
	flags.Float64Var(&opts.FrameRate, "fps", source.DefaultFrameRate, "Video frame rate")
	flags.BoolVar(&opts.Loop, "loop", false, "Repeat the video file until stopped")
	flags.DurationVar(&opts.Duration, "duration", 0, "Stop after this long (0 means no limit)")
	flags.BoolVar(&opts.NoStats, "no-stats", false, "Do not print stream statistics on exit")
	addMuxerFlags(cmd)

	return cmd
}

func runSession(cmd *cobra.Command, opts *RunOptions) error {
	cfg := config.Muxer()
	if opts.AudioFile != "" && !cfg.Audio.Format.IsPCM() {
		return fmt.Errorf("--audio replays raw %s only, got audio format %q", muxer.AudioPCM, cfg.Audio.Format)
	}

	logger := util.GetLogger()
	session := muxer.New(cfg, muxer.WithLogger(logger))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	go printDiagnostics(ctx, session.Diagnostics(), cmd.ErrOrStderr())

	if err := session.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s started (pipes in %s). Press %s to stop.\n",
		session.ID(), color.CyanString(session.PipeDir()), color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	defer func() {
		session.Stop()
		if !opts.NoStats {
			printStats(cmd.OutOrStdout(), session.Stats())
		}
	}()

	exited := session.Exited()
	sourceCtx, cancelSources := context.WithCancel(ctx)
	defer cancelSources()

	var sources errgroup.Group
	if opts.VideoFile != "" {
		src := &source.AnnexBFile{Path: opts.VideoFile, FrameRate: opts.FrameRate, Loop: opts.Loop, Logger: logger}
		sources.Go(func() error {
			_, err := src.Run(sourceCtx, session)
			return err
		})
	}
	if opts.AudioFile != "" {
		src := &source.PCMFile{Path: opts.AudioFile, SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels, Logger: logger}
		sources.Go(func() error {
			_, err := src.Run(sourceCtx, session)
			return err
		})
	}

	sourcesDone := make(chan error, 1)
	go func() { sourcesDone <- sources.Wait() }()

	select {
	case <-ctx.Done():
		logger.Info("Stopping", "reason", context.Cause(ctx))
		return nil
	case <-exited:
		return reportExit(session)
	case err := <-sourcesDone:
		if err != nil && !errors.Is(err, source.ErrRejected) {
			return err
		}
	}

	// let the buffered tail play out
	timer := time.NewTimer(cfg.BufferingDelay + linger)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-exited:
		return reportExit(session)
	case <-timer.C:
	}
	logger.Info("Input finished")
	return nil
}

func reportExit(session *muxer.Session) error {
	for _, p := range session.Stats().Supervisor.Processes {
		if !p.Running {
			return fmt.Errorf("%s exited: %s", p.Name, p.Exit)
		}
	}
	return fmt.Errorf("supervised process exited")
}

func printDiagnostics(ctx context.Context, diagnostics <-chan muxer.Diagnostic, w io.Writer) {
	tags := map[string]*color.Color{
		supervisor.TranscoderName: color.New(color.FgCyan),
		supervisor.PlayerName:     color.New(color.FgMagenta),
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-diagnostics:
			tag, ok := tags[d.Process]
			if !ok {
				tag = color.New(color.Faint)
			}
			line := d.Line
			if strings.HasPrefix(line, "process exited") {
				line = color.YellowString(line)
			}
			fmt.Fprintf(w, "%s %s\n", tag.Sprintf("[%s]", d.Process), line)
		}
	}
}

func printStats(w io.Writer, stats muxer.Stats) {
	if stats.ID == "" {
		return
	}
	fmt.Fprintf(w, "\nSession %s\n", stats.ID)

	var rows []map[string]interface{}
	for _, name := range []string{"video", "audio"} {
		s, ok := stats.Streams[name]
		if !ok {
			continue
		}
		rows = append(rows, map[string]interface{}{
			"stream":   name,
			"state":    s.Writer.State,
			"written":  s.Writer.Written,
			"bytes":    s.Writer.Bytes,
			"late":     s.Writer.Late,
			"max_late": s.Writer.MaxLateness.Round(time.Millisecond),
			"dropped":  s.Buffer.Dropped,
			"stale":    s.Buffer.Stale,
			"peak":     s.Buffer.Peak,
		})
	}
	util.RenderTable(w, []util.TableColumn{
		{Header: "STREAM", Key: "stream"},
		{Header: "STATE", Key: "state"},
		{Header: "WRITTEN", Key: "written"},
		{Header: "BYTES", Key: "bytes"},
		{Header: "LATE", Key: "late"},
		{Header: "MAX LATE", Key: "max_late"},
		{Header: "DROPPED", Key: "dropped"},
		{Header: "STALE", Key: "stale"},
		{Header: "PEAK", Key: "peak"},
	}, rows)

	fmt.Fprintln(w)
	var procs []map[string]interface{}
	for _, p := range stats.Supervisor.Processes {
		exit := p.Exit
		if p.Running {
			exit = color.GreenString("running")
		}
		procs = append(procs, map[string]interface{}{
			"process": p.Name,
			"pid":     p.Pid,
			"exit":    exit,
		})
	}
	util.RenderTable(w, []util.TableColumn{
		{Header: "PROCESS", Key: "process"},
		{Header: "PID", Key: "pid"},
		{Header: "EXIT", Key: "exit"},
	}, procs)
	fmt.Fprintf(w, "Bridged %d bytes, dropped %d diagnostics\n",
		stats.Supervisor.BridgedBytes, stats.Supervisor.DroppedDiagnostics)
}
