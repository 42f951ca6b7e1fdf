package source

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/extender/internal/util"
)

// DefaultChunkDuration is the amount of audio submitted per unit.
const DefaultChunkDuration = 20 * time.Millisecond

// bytes per sample and channel of s16le
const sampleWidth = 2

// ErrRejected is returned when the sink no longer accepts units.
var ErrRejected = errors.New("source: unit rejected")

// AudioSink accepts raw audio buffers.
type AudioSink interface {
	SubmitAudioData(buf []byte, ts uint32) bool
}

// PCMFile replays raw signed 16-bit little-endian audio in fixed chunks.
// Timestamps count samples per channel.
type PCMFile struct {
	Path          string
	SampleRate    uint32
	Channels      int
	ChunkDuration time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Run submits the file to dst in real time and returns the number of chunks
// submitted. A short final chunk is submitted as is.
func (f *PCMFile) Run(ctx context.Context, dst AudioSink) (int, error) {
	if f.SampleRate == 0 || f.Channels <= 0 {
		return 0, errors.Errorf("invalid PCM format: rate %d, channels %d", f.SampleRate, f.Channels)
	}
	chunk := f.ChunkDuration
	if chunk <= 0 {
		chunk = DefaultChunkDuration
	}
	samples := int(uint64(f.SampleRate) * uint64(chunk) / uint64(time.Second))
	if samples == 0 {
		samples = 1
	}
	frameSize := f.Channels * sampleWidth

	file, err := os.Open(f.Path)
	if err != nil {
		return 0, errors.Wrap(err, "open audio file")
	}
	defer file.Close()

	clk := f.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := util.OrDefault(f.Logger).With("source", "audio", "path", f.Path)
	logger.Info("Replaying audio", "sample_rate", f.SampleRate, "channels", f.Channels, "chunk", chunk)

	r := bufio.NewReader(file)
	start := clk.Now()
	var position uint64
	submitted := 0
	for {
		buf := make([]byte, samples*frameSize)
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return submitted, errors.Wrap(err, "read audio file")
		}
		n -= n % frameSize
		if n == 0 {
			break
		}

		offset := time.Duration(position * uint64(time.Second) / uint64(f.SampleRate))
		if !sleepUntil(ctx, clk, start.Add(offset)) {
			break
		}
		if !dst.SubmitAudioData(buf[:n], uint32(position)) {
			return submitted, ErrRejected
		}
		submitted++
		position += uint64(n / frameSize)

		if err != nil {
			break
		}
	}

	logger.Info("Audio replay finished", "submitted", submitted)
	return submitted, nil
}

// sleepUntil waits for the instant t. It returns false when ctx is done.
func sleepUntil(ctx context.Context, clk clock.Clock, t time.Time) bool {
	if ctx.Err() != nil {
		return false
	}
	d := t.Sub(clk.Now())
	if d <= 0 {
		return true
	}

	timer := clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}
