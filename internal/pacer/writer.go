package pacer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/extender/internal/jitter"
	"github.com/babelcloud/gbox/packages/extender/internal/media"
	"github.com/babelcloud/gbox/packages/extender/internal/timeline"
	"github.com/babelcloud/gbox/packages/extender/internal/util"
)

const (
	// MinPoll and MaxPoll bound how long a writer suspends before it
	// re-evaluates the head of its buffer.
	MinPoll = 5 * time.Millisecond
	MaxPoll = 100 * time.Millisecond

	// DefaultLateThreshold is how far past its instant a write may happen
	// before it is reported as late.
	DefaultLateThreshold = 10 * time.Millisecond
)

// State of a stream writer.
type State int32

const (
	WaitingForConnection State = iota
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case WaitingForConnection:
		return "waiting"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink is the output channel a writer paces units into.
type Sink interface {
	// WaitConnected blocks until a consumer is attached.
	WaitConnected(ctx context.Context) error
	Write(p []byte) (int, error)
	Close() error
}

// Config wires a writer to its stream.
type Config struct {
	Kind          media.Kind
	Buffer        *jitter.Buffer
	Timeline      *timeline.Timeline
	Sink          Sink
	Clock         clock.Clock
	LateThreshold time.Duration
	Logger        *slog.Logger
}

// Stats is a snapshot of writer counters.
type Stats struct {
	State       string        `json:"state"`
	Written     uint64        `json:"written"`
	Bytes       uint64        `json:"bytes"`
	Late        uint64        `json:"late"`
	MaxLateness time.Duration `json:"max_lateness"`
}

// Writer drains one jitter buffer in timestamp order and writes each unit
// to its sink once the presentation clock says it is due. The same
// implementation serves both streams.
type Writer struct {
	kind     media.Kind
	buf      *jitter.Buffer
	tl       *timeline.Timeline
	sink     Sink
	clk      clock.Clock
	lateness time.Duration
	logger   *slog.Logger

	state   atomic.Int32
	written atomic.Uint64
	bytes   atomic.Uint64
	late    atomic.Uint64
	maxLate atomic.Int64
}

// NewWriter creates a writer in the WaitingForConnection state.
func NewWriter(cfg Config) *Writer {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.LateThreshold <= 0 {
		cfg.LateThreshold = DefaultLateThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = util.GetLogger()
	}

	return &Writer{
		kind:     cfg.Kind,
		buf:      cfg.Buffer,
		tl:       cfg.Timeline,
		sink:     cfg.Sink,
		clk:      cfg.Clock,
		lateness: cfg.LateThreshold,
		logger:   logger.With("stream", cfg.Kind.String()),
	}
}

// Run waits for the sink's consumer and then paces units until the context
// is cancelled, the input is drained, or a write fails. Cancellation and
// drained input return nil. The sink is closed on return.
func (w *Writer) Run(ctx context.Context) error {
	defer func() {
		w.setState(Closed)
		if err := w.sink.Close(); err != nil {
			w.logger.Debug("Closing sink", "error", err)
		}
		w.logger.Info("Stream writer closed", "written", w.written.Load(), "late", w.late.Load())
	}()

	w.setState(WaitingForConnection)
	w.logger.Debug("Waiting for consumer")
	if err := w.sink.WaitConnected(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrapf(err, "%s: wait for consumer", w.kind)
	}

	w.logger.Info("Consumer connected")
	w.setState(Draining)
	return w.drain(ctx)
}

func (w *Writer) drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		head, ok := w.buf.Peek()
		if !ok {
			if w.buf.Drained() {
				w.logger.Debug("Input drained")
				return nil
			}
			if !w.suspend(ctx, MaxPoll) {
				return nil
			}
			continue
		}

		due := w.dueAt(head)
		ready, wait := NextStep(w.clk.Now(), due)
		if !ready {
			if !w.suspend(ctx, wait) {
				return nil
			}
			continue
		}

		// An earlier unit may have been inserted since Peek; it is due too.
		u, ok := w.buf.Pop()
		if !ok {
			continue
		}
		if err := w.write(u, w.dueAt(u)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (w *Writer) dueAt(u media.Unit) time.Time {
	due, ok := w.tl.Scheduled(w.kind, u.Timestamp)
	if !ok {
		// not observed yet, nothing to wait for
		return w.clk.Now()
	}
	return due
}

func (w *Writer) write(u media.Unit, due time.Time) error {
	lateness := w.clk.Since(due)

	if _, err := w.sink.Write(u.Payload); err != nil {
		return errors.Wrapf(err, "%s: write unit ts=%d", w.kind, u.Timestamp)
	}
	w.tl.Commit(w.kind, u.Timestamp)

	w.written.Add(1)
	w.bytes.Add(uint64(len(u.Payload)))

	if lateness > w.lateness {
		w.late.Add(1)
		w.logger.Warn("Late write", "timestamp", u.Timestamp, "late", lateness)
	}
	for {
		prev := w.maxLate.Load()
		if int64(lateness) <= prev || w.maxLate.CompareAndSwap(prev, int64(lateness)) {
			break
		}
	}
	return nil
}

// suspend waits for d, a new insert, or cancellation. It returns false when
// cancelled.
func (w *Writer) suspend(ctx context.Context, d time.Duration) bool {
	timer := w.clk.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-w.buf.Ready():
		return true
	case <-timer.C():
		return true
	}
}

// NextStep decides what a writer does with a unit due at due: write it now,
// or suspend for a bounded duration and look again.
func NextStep(now, due time.Time) (ready bool, wait time.Duration) {
	if !now.Before(due) {
		return true, 0
	}
	wait = due.Sub(now)
	if wait < MinPoll {
		wait = MinPoll
	}
	if wait > MaxPoll {
		wait = MaxPoll
	}
	return false, wait
}

// State returns the current state.
func (w *Writer) State() State {
	return State(w.state.Load())
}

func (w *Writer) setState(s State) {
	w.state.Store(int32(s))
}

// Stats returns a snapshot of the writer counters.
func (w *Writer) Stats() Stats {
	return Stats{
		State:       w.State().String(),
		Written:     w.written.Load(),
		Bytes:       w.bytes.Load(),
		Late:        w.late.Load(),
		MaxLateness: time.Duration(w.maxLate.Load()),
	}
}
