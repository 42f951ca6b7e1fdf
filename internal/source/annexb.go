package source

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/extender/internal/media"
	"github.com/babelcloud/gbox/packages/extender/internal/util"
)

// DefaultFrameRate is used when an AnnexBFile has no frame rate.
const DefaultFrameRate = 30

// VideoSink accepts access units as NALU lists.
type VideoSink interface {
	SubmitVideoUnits(nalus [][]byte, ts uint32) bool
}

// AnnexBFile replays a raw H.264 elementary stream at a fixed frame rate.
type AnnexBFile struct {
	Path      string
	FrameRate float64
	Loop      bool
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Run submits every access unit of the file to dst in real time. It returns
// the number of units submitted. Cancellation ends the replay without error.
func (f *AnnexBFile) Run(ctx context.Context, dst VideoSink) (int, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return 0, errors.Wrap(err, "read video file")
	}
	units := AccessUnits(SplitAnnexB(data))
	if len(units) == 0 {
		return 0, errors.Errorf("no NAL units in %s", f.Path)
	}

	rate := f.FrameRate
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	clk := f.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := util.OrDefault(f.Logger).With("source", "video", "path", f.Path)
	logger.Info("Replaying video", "access_units", len(units), "frame_rate", rate)

	start := clk.Now()
	submitted := 0
	for frame := 0; ; frame++ {
		au := units[frame%len(units)]
		if frame > 0 && frame%len(units) == 0 && !f.Loop {
			break
		}

		offset := time.Duration(float64(frame) / rate * float64(time.Second))
		if !sleepUntil(ctx, clk, start.Add(offset)) {
			break
		}

		ts := uint32(uint64(float64(frame) * media.VideoClockRate / rate))
		if !dst.SubmitVideoUnits(au, ts) {
			return submitted, ErrRejected
		}
		submitted++
	}

	logger.Info("Video replay finished", "submitted", submitted)
	return submitted, nil
}

// SplitAnnexB returns the NAL units of an Annex-B byte stream. Both three and
// four byte start codes are accepted, and bytes before the first start code
// are ignored.
func SplitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	for i := 0; i+2 < len(data); {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				nalus = appendNALU(nalus, data[start:i])
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 {
		nalus = appendNALU(nalus, data[start:])
	}
	return nalus
}

// the zero of a four byte start code ends up trailing the previous unit
func appendNALU(nalus [][]byte, nalu []byte) [][]byte {
	nalu = bytes.TrimRight(nalu, "\x00")
	if len(nalu) == 0 {
		return nalus
	}
	return append(nalus, nalu)
}

// AccessUnits groups NAL units into access units. Parameter sets, SEI and
// other non-VCL units are carried with the next slice and every slice closes
// its access unit. Trailing non-VCL units form a final unit.
func AccessUnits(nalus [][]byte) [][][]byte {
	var (
		units   [][][]byte
		pending [][]byte
	)
	for _, nalu := range nalus {
		pending = append(pending, nalu)
		if isVCL(nalu) {
			units = append(units, pending)
			pending = nil
		}
	}
	if len(pending) > 0 {
		units = append(units, pending)
	}
	return units
}

func isVCL(nalu []byte) bool {
	typ := h264.NALUType(nalu[0] & 0x1F)
	return typ >= h264.NALUTypeNonIDR && typ <= h264.NALUTypeIDR
}
