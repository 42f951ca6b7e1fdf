package muxer

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/extender/internal/ingress"
	"github.com/babelcloud/gbox/packages/extender/internal/jitter"
	"github.com/babelcloud/gbox/packages/extender/internal/media"
	"github.com/babelcloud/gbox/packages/extender/internal/pacer"
	"github.com/babelcloud/gbox/packages/extender/internal/supervisor"
	"github.com/babelcloud/gbox/packages/extender/internal/timeline"
	"github.com/babelcloud/gbox/packages/extender/internal/util"
)

// ErrRunning is returned by Start while a run is active.
var ErrRunning = errors.New("muxer: session already running")

// Diagnostic is a line of output from the transcoder or the player.
type Diagnostic = supervisor.Diagnostic

// Option customizes a Session.
type Option func(*Session)

// WithClock sets the clock used for pacing.
func WithClock(clk clock.Clock) Option {
	return func(s *Session) { s.clk = clk }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithTranscoderArgs replaces the transcoder argument builder.
func WithTranscoderArgs(build func(videoPath, audioPath string) []string) Option {
	return func(s *Session) { s.transcoderArgs = build }
}

// WithPlayerOutput sends the player's stdout to w.
func WithPlayerOutput(w io.Writer) Option {
	return func(s *Session) { s.playerOutput = w }
}

// StreamStats is a snapshot of one stream.
type StreamStats struct {
	Pending int          `json:"pending"`
	Buffer  jitter.Stats `json:"buffer"`
	Writer  pacer.Stats  `json:"writer"`
}

// Stats is a snapshot of the most recent run.
type Stats struct {
	ID         string                 `json:"id"`
	Running    bool                   `json:"running"`
	Streams    map[string]StreamStats `json:"streams"`
	Supervisor supervisor.Stats       `json:"supervisor"`
}

// Session accepts timestamped video and audio from producers and plays them
// back in sync through the transcoder and the player. A session can be
// started again after it has been stopped.
type Session struct {
	cfg            Config
	clk            clock.Clock
	logger         *slog.Logger
	transcoderArgs func(videoPath, audioPath string) []string
	playerOutput   io.Writer
	diagnostics    chan Diagnostic

	mu     sync.Mutex // serializes Start and Stop
	active atomic.Pointer[run]
	last   atomic.Pointer[run]
}

type run struct {
	id       string
	logger   *slog.Logger
	cancel   context.CancelFunc
	timeline *timeline.Timeline
	sup      *supervisor.Supervisor
	queues   [media.NumKinds]*ingress.Queue
	buffers  [media.NumKinds]*jitter.Buffer
	writers  [media.NumKinds]*pacer.Writer
	group    errgroup.Group
}

// New creates a stopped session.
func New(cfg Config, opts ...Option) *Session {
	s := &Session{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.clk == nil {
		s.clk = clock.RealClock{}
	}
	s.logger = util.OrDefault(s.logger)
	if s.transcoderArgs == nil {
		s.transcoderArgs = cfg.TranscoderArgs
	}
	s.diagnostics = make(chan Diagnostic, max(cfg.DiagnosticsBuffer, 0))
	return s
}

// Config returns the session configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Start validates the configuration, spawns the transcoder and the player,
// and starts pacing both streams. On error nothing is left running.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.Load() != nil {
		return ErrRunning
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	id := uuid.NewString()
	logger := s.logger.With("session", id)

	sup := supervisor.New(supervisor.Config{
		Dir:            filepath.Join(s.cfg.PipeDir, id),
		VideoPipeName:  s.cfg.VideoPipeName,
		AudioPipeName:  s.cfg.AudioPipeName,
		Transcoder:     supervisor.ProcessSpec{Path: s.cfg.TranscoderPath},
		TranscoderArgs: s.transcoderArgs,
		Player:         supervisor.ProcessSpec{Path: s.cfg.PlayerPath, Args: s.cfg.PlayerCommandArgs()},
		PlayerOutput:   s.playerOutput,
		GracePeriod:    s.cfg.GracePeriod,
		StopTimeout:    s.cfg.StopTimeout,
		Diagnostics:    s.diagnostics,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := sup.Start(ctx); err != nil {
		cancel()
		return errors.Wrap(err, "start session")
	}

	rates := [media.NumKinds]uint32{
		media.Video: s.cfg.VideoClockRate,
		media.Audio: s.cfg.Audio.ClockRate(),
	}
	r := &run{
		id:       id,
		logger:   logger,
		cancel:   cancel,
		timeline: timeline.New(s.clk, s.cfg.BufferingDelay, rates),
		sup:      sup,
	}

	for _, kind := range media.Kinds {
		r.queues[kind] = ingress.NewQueue()
		r.buffers[kind] = jitter.New(jitter.Options{
			HighWater: s.cfg.HighWater,
			MaxUnits:  s.cfg.MaxBufferedUnits,
		})
		r.writers[kind] = pacer.NewWriter(pacer.Config{
			Kind:          kind,
			Buffer:        r.buffers[kind],
			Timeline:      r.timeline,
			Sink:          sup.Pipe(kind),
			Clock:         s.clk,
			LateThreshold: s.cfg.LateThreshold,
			Logger:        logger,
		})
	}

	for _, kind := range media.Kinds {
		r.group.Go(func() error {
			return pacer.Feed(ctx, kind, r.queues[kind], r.buffers[kind], r.timeline, logger)
		})
		r.group.Go(func() error {
			if err := r.writers[kind].Run(ctx); err != nil {
				logger.Warn("Stream writer failed", "stream", kind.String(), "error", err)
			}
			return nil
		})
	}

	s.active.Store(r)
	s.last.Store(r)
	logger.Info("Session started",
		"buffering_delay", s.cfg.BufferingDelay,
		"audio_format", s.cfg.Audio.Format,
		"audio_rate", rates[media.Audio])
	return nil
}

// Stop tears the current run down. Time spent waiting for background work is
// bounded by the stop timeout. Safe to call when not running.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.active.Swap(nil)
	if r == nil {
		return
	}
	r.logger.Info("Stopping session")

	for _, q := range r.queues {
		q.Close()
	}
	r.cancel()

	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		timeout = supervisor.DefaultStopTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// the stream tasks and the supervisor wind down together under one deadline
	joined := make(chan error, 1)
	go func() { joined <- r.group.Wait() }()
	stopped := make(chan struct{})
	go func() {
		r.sup.Stop()
		close(stopped)
	}()

	for joined != nil || stopped != nil {
		select {
		case err := <-joined:
			if err != nil {
				r.logger.Warn("Session task failed", "error", err)
			}
			joined = nil
		case <-stopped:
			stopped = nil
		case <-deadline.C:
			r.logger.Warn("Timed out stopping session", "timeout", timeout,
				"tasks_joined", joined == nil, "supervisor_stopped", stopped == nil)
			return
		}
	}
	r.logger.Info("Session stopped")
}

// SubmitVideoUnits queues one access unit. Each NALU is prefixed with a
// four-byte start code. It returns false if the list is empty or the
// session is not running.
func (s *Session) SubmitVideoUnits(nalus [][]byte, ts uint32) bool {
	if len(nalus) == 0 {
		return false
	}
	r := s.active.Load()
	if r == nil {
		return false
	}

	payload, err := h264.AnnexB(nalus).Marshal()
	if err != nil {
		r.logger.Warn("Dropping malformed access unit", "timestamp", ts, "error", err)
		return false
	}
	return r.queues[media.Video].Submit(media.Unit{Payload: payload, Timestamp: ts})
}

// SubmitAudioData queues one audio buffer. The buffer is copied. It returns
// false if the session is not running.
func (s *Session) SubmitAudioData(buf []byte, ts uint32) bool {
	r := s.active.Load()
	if r == nil {
		return false
	}
	payload := append([]byte(nil), buf...)
	return r.queues[media.Audio].Submit(media.Unit{Payload: payload, Timestamp: ts})
}

// Diagnostics delivers output lines of the transcoder and the player. The
// channel is shared by all runs and never closed.
func (s *Session) Diagnostics() <-chan Diagnostic {
	return s.diagnostics
}

// Exited is closed when a process of the current run exits. It is nil when
// the session is not running.
func (s *Session) Exited() <-chan struct{} {
	r := s.active.Load()
	if r == nil {
		return nil
	}
	return r.sup.Exited()
}

// Running reports whether a run is active.
func (s *Session) Running() bool {
	return s.active.Load() != nil
}

// ID returns the identifier of the active run, or "" when stopped.
func (s *Session) ID() string {
	r := s.active.Load()
	if r == nil {
		return ""
	}
	return r.id
}

// PipeDir returns the pipe directory of the active run.
func (s *Session) PipeDir() string {
	r := s.active.Load()
	if r == nil {
		return ""
	}
	return filepath.Join(s.cfg.PipeDir, r.id)
}

// Stats returns a snapshot of the active run, or of the last one after Stop.
func (s *Session) Stats() Stats {
	r := s.last.Load()
	if r == nil {
		return Stats{}
	}

	stats := Stats{
		ID:         r.id,
		Running:    s.active.Load() == r,
		Streams:    make(map[string]StreamStats, media.NumKinds),
		Supervisor: r.sup.Stats(),
	}
	for _, kind := range media.Kinds {
		stats.Streams[kind.String()] = StreamStats{
			Pending: r.queues[kind].Len(),
			Buffer:  r.buffers[kind].Stats(),
			Writer:  r.writers[kind].Stats(),
		}
	}
	return stats
}
