package timeline

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/extender/internal/jitter"
	"github.com/babelcloud/gbox/packages/extender/internal/media"
)

// Timeline is the presentation clock shared by both stream writers of a
// session. The wall-clock origin is captured when the first unit of either
// stream is observed; each stream records its own first timestamp.
type Timeline struct {
	clk   clock.PassiveClock
	delay time.Duration
	rates [media.NumKinds]uint32

	originMu sync.Mutex
	origin   time.Time
	started  bool

	tracks [media.NumKinds]track
}

type track struct {
	mu    sync.Mutex
	set   bool
	first uint32

	// refTS/refTicks anchor circular differences so offsets keep growing
	// past 2^31 ticks. refTicks is refTS unwrapped relative to first.
	refTS    uint32
	refTicks int64
}

// New creates a timeline. rates holds the clock rate of each stream kind and
// delay is added to every scheduled instant.
func New(clk clock.PassiveClock, delay time.Duration, rates [media.NumKinds]uint32) *Timeline {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Timeline{
		clk:   clk,
		delay: delay,
		rates: rates,
	}
}

// Observe records ts as seen on kind. The first call for a kind fixes that
// stream's first timestamp, and the first call overall fixes the origin.
// It reports whether this call set the stream's first timestamp.
func (t *Timeline) Observe(kind media.Kind, ts uint32) bool {
	t.start()

	tr := &t.tracks[kind]
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.set {
		return false
	}
	tr.set = true
	tr.first = ts
	tr.refTS = ts
	tr.refTicks = 0
	return true
}

func (t *Timeline) start() {
	t.originMu.Lock()
	defer t.originMu.Unlock()

	if !t.started {
		t.origin = t.clk.Now()
		t.started = true
	}
}

// Origin returns the wall-clock origin, if set.
func (t *Timeline) Origin() (time.Time, bool) {
	t.originMu.Lock()
	defer t.originMu.Unlock()
	return t.origin, t.started
}

// First returns the first timestamp observed on kind, if any.
func (t *Timeline) First(kind media.Kind) (uint32, bool) {
	tr := &t.tracks[kind]
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.first, tr.set
}

// Offset returns how far ts lies from the first timestamp of kind, in media
// time. It returns false until kind has been observed.
func (t *Timeline) Offset(kind media.Kind, ts uint32) (time.Duration, bool) {
	tr := &t.tracks[kind]
	tr.mu.Lock()
	if !tr.set {
		tr.mu.Unlock()
		return 0, false
	}
	ticks := tr.refTicks + jitter.Diff(ts, tr.refTS)
	tr.mu.Unlock()

	return ticksToDuration(ticks, t.rates[kind]), true
}

// Scheduled returns the wall-clock instant at which the unit with timestamp
// ts on kind is due: origin + offset + delay.
func (t *Timeline) Scheduled(kind media.Kind, ts uint32) (time.Time, bool) {
	origin, ok := t.Origin()
	if !ok {
		return time.Time{}, false
	}
	offset, ok := t.Offset(kind, ts)
	if !ok {
		return time.Time{}, false
	}
	return origin.Add(offset + t.delay), true
}

// Commit moves the unwrapping anchor of kind to ts. Writers call it after
// emitting a unit so later offsets are measured from the stream's current
// position on the circle.
func (t *Timeline) Commit(kind media.Kind, ts uint32) {
	tr := &t.tracks[kind]
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if !tr.set {
		return
	}
	tr.refTicks += jitter.Diff(ts, tr.refTS)
	tr.refTS = ts
}

func ticksToDuration(ticks int64, rate uint32) time.Duration {
	if rate == 0 {
		return 0
	}
	r := int64(rate)
	return time.Duration(ticks/r)*time.Second + time.Duration(ticks%r)*time.Second/time.Duration(r)
}
