package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox/packages/extender/internal/fifo"
	"github.com/babelcloud/gbox/packages/extender/internal/media"
	procgroup "github.com/babelcloud/gbox/packages/extender/internal/proc_group"
	"github.com/babelcloud/gbox/packages/extender/internal/util"
)

const (
	TranscoderName = "transcoder"
	PlayerName     = "player"

	DefaultGracePeriod = 500 * time.Millisecond
	DefaultStopTimeout = 1500 * time.Millisecond

	bridgeBufferSize = 64 * 1024
)

// ErrStarted is returned by a second call to Start.
var ErrStarted = errors.New("supervisor: already started")

// ProcessSpec describes an external program.
type ProcessSpec struct {
	Path string
	Args []string
	Env  []string // appended to the current environment
}

// Config configures a supervisor.
type Config struct {
	// Dir is created for the session and holds both named pipes. It is
	// removed on Stop.
	Dir           string
	VideoPipeName string
	AudioPipeName string

	Transcoder ProcessSpec
	// TranscoderArgs builds the transcoder arguments from the pipe paths.
	// When set it replaces Transcoder.Args.
	TranscoderArgs func(videoPath, audioPath string) []string

	Player ProcessSpec
	// PlayerOutput receives the player's stdout. Nil discards it.
	PlayerOutput io.Writer

	// GracePeriod is how long Stop waits after SIGTERM before SIGKILL. It is
	// capped at half of StopTimeout.
	GracePeriod time.Duration
	// StopTimeout bounds the whole of Stop.
	StopTimeout time.Duration

	// Diagnostics receives stderr lines and exit reports. Sends never block;
	// lines are dropped when the channel is full.
	Diagnostics chan<- Diagnostic
	Logger      *slog.Logger
}

// Diagnostic is a line of diagnostic output from a supervised process.
type Diagnostic struct {
	Process string    `json:"process"`
	Line    string    `json:"line"`
	Time    time.Time `json:"time"`
}

// ProcessStatus describes one supervised process.
type ProcessStatus struct {
	Name    string `json:"name"`
	Pid     int    `json:"pid"`
	Running bool   `json:"running"`
	Exit    string `json:"exit,omitempty"`
}

// Stats is a snapshot of supervisor counters.
type Stats struct {
	BridgedBytes       uint64          `json:"bridged_bytes"`
	DroppedDiagnostics uint64          `json:"dropped_diagnostics"`
	Processes          []ProcessStatus `json:"processes"`
}

// Supervisor owns the named pipes and the transcoder and player processes
// of one session.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	dirMade bool
	pipes   [media.NumKinds]*fifo.Pipe
	procs   []*process
	bridge  []*os.File
	group   errgroup.Group

	exited     chan struct{}
	exitedOnce sync.Once

	bridged atomic.Uint64
	dropped atomic.Uint64
}

type process struct {
	name     string
	cmd      *exec.Cmd
	done     chan struct{}
	stopping atomic.Bool

	mu  sync.Mutex
	err error
}

// New creates a supervisor. Nothing is allocated until Start.
func New(cfg Config) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Supervisor{
		cfg:    cfg,
		logger: util.OrDefault(cfg.Logger),
		exited: make(chan struct{}),
	}
}

// Start creates both pipes, then spawns the transcoder and the player and
// bridges the transcoder's stdout into the player's stdin. On failure
// everything created so far is torn down.
func (s *Supervisor) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	s.started = true

	defer func() {
		if err != nil {
			s.logger.Error("Supervisor start failed", "error", err)
			s.stopLocked()
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.createPipes(); err != nil {
		return err
	}

	transcoderArgs := s.cfg.Transcoder.Args
	if s.cfg.TranscoderArgs != nil {
		transcoderArgs = s.cfg.TranscoderArgs(s.pipes[media.Video].Path(), s.pipes[media.Audio].Path())
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "create transcoder output pipe")
	}
	s.bridge = append(s.bridge, outR)

	err = s.spawn(TranscoderName, s.cfg.Transcoder, transcoderArgs, nil, outW)
	outW.Close()
	if err != nil {
		return err
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "create player input pipe")
	}
	s.bridge = append(s.bridge, inW)

	err = s.spawn(PlayerName, s.cfg.Player, s.cfg.Player.Args, inR, s.cfg.PlayerOutput)
	inR.Close()
	if err != nil {
		return err
	}

	s.group.Go(func() error {
		s.copyLoop(outR, inW)
		return nil
	})

	s.logger.Info("Supervisor started", "dir", s.cfg.Dir)
	return nil
}

func (s *Supervisor) createPipes() error {
	if s.cfg.Dir == "" {
		return errors.New("pipe directory is empty")
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o700); err != nil {
		return errors.Wrapf(err, "create pipe directory %s", s.cfg.Dir)
	}
	s.dirMade = true

	names := [media.NumKinds]string{
		media.Video: s.cfg.VideoPipeName,
		media.Audio: s.cfg.AudioPipeName,
	}
	for _, kind := range media.Kinds {
		p, err := fifo.Create(filepath.Join(s.cfg.Dir, names[kind]))
		if err != nil {
			return errors.Wrapf(err, "%s pipe", kind)
		}
		s.pipes[kind] = p
		s.logger.Debug("Pipe created", "stream", kind.String(), "path", p.Path())
	}
	return nil
}

func (s *Supervisor) spawn(name string, spec ProcessSpec, args []string, stdin *os.File, stdout io.Writer) error {
	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return errors.Wrapf(err, "%s executable %q", name, spec.Path)
	}

	cmd := exec.Command(path, args...)
	procgroup.SetProcGrp(cmd)
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}

	errR, errW, err := os.Pipe()
	if err != nil {
		return errors.Wrapf(err, "%s stderr pipe", name)
	}
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		errR.Close()
		errW.Close()
		return errors.Wrapf(err, "start %s", name)
	}
	errW.Close()

	p := &process{
		name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	s.procs = append(s.procs, p)
	s.logger.Info("Process started", "process", name, "pid", cmd.Process.Pid, "path", path)

	s.group.Go(func() error {
		s.readDiagnostics(name, errR)
		return nil
	})
	s.group.Go(func() error {
		s.wait(p)
		return nil
	})
	return nil
}

func (s *Supervisor) wait(p *process) {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)

	s.exitedOnce.Do(func() { close(s.exited) })

	if p.stopping.Load() {
		s.logger.Debug("Process stopped", "process", p.name, "error", err)
		return
	}

	status := "exit status 0"
	if err != nil {
		status = err.Error()
	}
	s.logger.Warn("Process exited unexpectedly", "process", p.name, "status", status)
	s.publish(Diagnostic{Process: p.name, Line: "process exited: " + status, Time: time.Now()})
}

func (s *Supervisor) copyLoop(src, dst *os.File) {
	defer dst.Close()
	defer src.Close()

	buf := make([]byte, bridgeBufferSize)
	n, err := io.CopyBuffer(&countingWriter{w: dst, n: &s.bridged}, onlyReader{src}, buf)
	if err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn("Bridge stopped", "bytes", n, "error", err)
		return
	}
	s.logger.Info("Bridge stopped", "bytes", n)
}

func (s *Supervisor) publish(d Diagnostic) {
	if s.cfg.Diagnostics == nil {
		return
	}
	select {
	case s.cfg.Diagnostics <- d:
	default:
		s.dropped.Add(1)
	}
}

// Pipe returns the named pipe of kind. It is nil before Start.
func (s *Supervisor) Pipe(kind media.Kind) *fifo.Pipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipes[kind]
}

// Exited is closed as soon as any supervised process exits.
func (s *Supervisor) Exited() <-chan struct{} {
	return s.exited
}

// Stop closes the pipes, asks both processes to exit, kills them after the
// grace period, and waits for background work within the stop timeout.
// Safe to call at any time and more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Supervisor) stopLocked() {
	if !s.started || s.stopped {
		return
	}
	s.stopped = true
	deadline := time.Now().Add(s.cfg.StopTimeout)

	for _, p := range s.pipes {
		if p != nil {
			p.Close()
		}
	}

	for _, p := range s.procs {
		p.stopping.Store(true)
		if err := procgroup.Terminate(p.cmd); err != nil {
			s.logger.Debug("Terminate process", "process", p.name, "error", err)
		}
	}
	s.awaitOrKill(min(s.cfg.GracePeriod, s.cfg.StopTimeout/2))

	// unblock the bridge if some descendant still holds a pipe end
	for _, f := range s.bridge {
		f.Close()
	}

	joined := make(chan struct{})
	go func() {
		s.group.Wait()
		close(joined)
	}()
	timeout := time.NewTimer(time.Until(deadline))
	defer timeout.Stop()
	select {
	case <-joined:
	case <-timeout.C:
		s.logger.Warn("Timed out waiting for supervisor tasks", "timeout", s.cfg.StopTimeout)
	}

	for _, p := range s.pipes {
		if p == nil {
			continue
		}
		if err := p.Remove(); err != nil {
			s.logger.Warn("Remove pipe", "error", err)
		}
	}
	if s.dirMade {
		if err := os.RemoveAll(s.cfg.Dir); err != nil {
			s.logger.Warn("Remove pipe directory", "dir", s.cfg.Dir, "error", err)
		}
	}
	s.logger.Info("Supervisor stopped")
}

func (s *Supervisor) awaitOrKill(gracePeriod time.Duration) {
	grace := time.NewTimer(gracePeriod)
	defer grace.Stop()

	for _, p := range s.procs {
		select {
		case <-p.done:
			continue
		case <-grace.C:
		}

		// grace period is over: kill everything still alive
		for _, q := range s.procs {
			select {
			case <-q.done:
			default:
				s.logger.Warn("Process force killed", "process", q.name)
				procgroup.Kill(q.cmd)
			}
		}
		return
	}
}

// Stats returns a snapshot of supervisor counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	procs := append([]*process(nil), s.procs...)
	s.mu.Unlock()

	stats := Stats{
		BridgedBytes:       s.bridged.Load(),
		DroppedDiagnostics: s.dropped.Load(),
	}
	for _, p := range procs {
		st := ProcessStatus{Name: p.name, Pid: p.cmd.Process.Pid}
		select {
		case <-p.done:
			p.mu.Lock()
			if p.err != nil {
				st.Exit = p.err.Error()
			} else {
				st.Exit = "exit status 0"
			}
			p.mu.Unlock()
		default:
			st.Running = true
		}
		stats.Processes = append(stats.Processes, st)
	}
	return stats
}

type countingWriter struct {
	w io.Writer
	n *atomic.Uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(uint64(n))
	return n, err
}

// onlyReader hides ReadFrom/WriteTo so CopyBuffer goes through the counter.
type onlyReader struct {
	r io.Reader
}

func (o onlyReader) Read(p []byte) (int, error) {
	return o.r.Read(p)
}
