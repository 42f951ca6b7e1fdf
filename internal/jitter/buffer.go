package jitter

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/extender/internal/media"
)

var (
	// ErrStale is returned for a unit whose timestamp was already drained.
	ErrStale = errors.New("jitter: timestamp already drained")
	// ErrOutOfRange is returned for a unit that would put the buffered keys
	// half a circle or more apart.
	ErrOutOfRange = errors.New("jitter: timestamp too far from buffered units")
	// ErrInputClosed is returned when inserting after CloseInput.
	ErrInputClosed = errors.New("jitter: input closed")
)

// Options bounds the buffer.
type Options struct {
	// HighWater is a soft limit. Crossing it is reported once per crossing.
	// Zero disables the report.
	HighWater int
	// MaxUnits is a hard limit. When exceeded, the oldest buffered units
	// are evicted. Zero disables eviction.
	MaxUnits int
}

// InsertResult describes side effects of a single insert.
type InsertResult struct {
	Dropped          int  // Oldest units evicted to honour MaxUnits
	CrossedHighWater bool // Buffer just went above HighWater
}

// Stats is a snapshot of buffer counters.
type Stats struct {
	Buffered   int    `json:"buffered"`
	Peak       int    `json:"peak"`
	Inserted   uint64 `json:"inserted"`
	Removed    uint64 `json:"removed"`
	Dropped    uint64 `json:"dropped"`
	Stale      uint64 `json:"stale"`
	OutOfRange uint64 `json:"out_of_range"`
}

// Buffer is a timestamp-ordered multimap of units for one stream. Keys are
// ordered on the 32-bit circle; units sharing a key keep arrival order.
type Buffer struct {
	mu    sync.Mutex
	opts  Options
	keys  keyHeap
	units map[uint32][]media.Unit
	count int
	// latest buffered key; keys[0] through last spans less than half a circle
	last uint32

	// last key that was fully drained; nothing at or before it is accepted.
	removed     uint32
	haveRemoved bool

	closed    bool
	aboveHigh bool
	stats     Stats

	ready chan struct{}
}

// New creates an empty buffer.
func New(opts Options) *Buffer {
	return &Buffer{
		opts:  opts,
		units: make(map[uint32][]media.Unit),
		ready: make(chan struct{}, 1),
	}
}

// Insert places u under its timestamp key.
func (b *Buffer) Insert(u media.Unit) (InsertResult, error) {
	var res InsertResult

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return res, ErrInputClosed
	}
	if b.haveRemoved && !After(u.Timestamp, b.removed) {
		b.stats.Stale++
		return res, errors.Wrapf(ErrStale, "timestamp %d", u.Timestamp)
	}

	queue, exists := b.units[u.Timestamp]
	if !exists {
		last, ok := b.extend(u.Timestamp)
		if !ok {
			b.stats.OutOfRange++
			return res, errors.Wrapf(ErrOutOfRange, "timestamp %d, buffered %d..%d", u.Timestamp, b.keys[0], b.last)
		}
		b.last = last
		heap.Push(&b.keys, u.Timestamp)
	}
	b.units[u.Timestamp] = append(queue, u)
	b.count++
	b.stats.Inserted++

	for b.opts.MaxUnits > 0 && b.count > b.opts.MaxUnits {
		b.popLocked()
		b.stats.Dropped++
		res.Dropped++
	}

	if b.count > b.stats.Peak {
		b.stats.Peak = b.count
	}
	if b.opts.HighWater > 0 {
		above := b.count > b.opts.HighWater
		res.CrossedHighWater = above && !b.aboveHigh
		b.aboveHigh = above
	}

	b.signal()
	return res, nil
}

// extend returns the latest key once ts is buffered too. It fails when the
// buffered keys and ts cannot all be ordered.
func (b *Buffer) extend(ts uint32) (uint32, bool) {
	if len(b.keys) == 0 {
		return ts, true
	}
	first := b.keys[0]
	if ts-first <= b.last-first {
		return b.last, true
	}
	if forward := ts - first; forward < halfCircle && forward <= b.last-ts {
		return ts, true
	}
	if backward := b.last - ts; backward < halfCircle {
		return b.last, true
	}
	return 0, false
}

// Peek returns the first unit of the earliest key without removing it.
func (b *Buffer) Peek() (media.Unit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.keys) == 0 {
		return media.Unit{}, false
	}
	return b.units[b.keys[0]][0], true
}

// Pop removes and returns the first unit of the earliest key. The key is
// dropped once its last unit is gone.
func (b *Buffer) Pop() (media.Unit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.keys) == 0 {
		return media.Unit{}, false
	}
	u := b.popLocked()
	b.stats.Removed++
	if b.opts.HighWater > 0 && b.count <= b.opts.HighWater {
		b.aboveHigh = false
	}
	return u, true
}

func (b *Buffer) popLocked() media.Unit {
	key := b.keys[0]
	queue := b.units[key]
	u := queue[0]
	queue[0] = media.Unit{}
	queue = queue[1:]
	b.count--

	if len(queue) == 0 {
		heap.Pop(&b.keys)
		delete(b.units, key)
		b.removed = key
		b.haveRemoved = true
	} else {
		b.units[key] = queue
	}
	return u
}

// Len returns the number of buffered units.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Keys returns the buffered timestamps in drain order.
func (b *Buffer) Keys() []uint32 {
	b.mu.Lock()
	keys := make([]uint32, len(b.keys))
	copy(keys, b.keys)
	b.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return Before(keys[i], keys[j]) })
	return keys
}

// CloseInput marks that no further units will be inserted.
func (b *Buffer) CloseInput() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

// Drained reports whether input is closed and every unit has been popped.
func (b *Buffer) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed && b.count == 0
}

// Ready is signalled after every insert and on CloseInput. It carries at
// most one pending signal.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Buffered = b.count
	return s
}

func (b *Buffer) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// keyHeap implements heap.Interface over timestamps in circular order.
type keyHeap []uint32

func (h keyHeap) Len() int           { return len(h) }
func (h keyHeap) Less(i, j int) bool { return Before(h[i], h[j]) }
func (h keyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *keyHeap) Push(x any) {
	*h = append(*h, x.(uint32))
}

func (h *keyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
