package pacer

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/extender/internal/ingress"
	"github.com/babelcloud/gbox/packages/extender/internal/jitter"
	"github.com/babelcloud/gbox/packages/extender/internal/media"
	"github.com/babelcloud/gbox/packages/extender/internal/timeline"
	"github.com/babelcloud/gbox/packages/extender/internal/util"
)

// Feed moves units from the ingress queue of kind into its jitter buffer,
// recording each timestamp on the timeline first. It returns once the queue
// is closed and empty or ctx is cancelled, and always closes the buffer's
// input on the way out.
func Feed(ctx context.Context, kind media.Kind, q *ingress.Queue, buf *jitter.Buffer, tl *timeline.Timeline, logger *slog.Logger) error {
	if logger == nil {
		logger = util.GetLogger()
	}
	logger = logger.With("stream", kind.String())
	defer buf.CloseInput()

	for {
		u, err := q.Next(ctx)
		if err != nil {
			if errors.Is(err, ingress.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "%s: read ingress", kind)
		}

		if tl.Observe(kind, u.Timestamp) {
			logger.Info("First unit received", "timestamp", u.Timestamp, "size", u.Size())
		}

		res, err := buf.Insert(u)
		switch {
		case errors.Is(err, jitter.ErrStale):
			logger.Warn("Dropping stale unit", "timestamp", u.Timestamp)
			continue
		case errors.Is(err, jitter.ErrOutOfRange):
			logger.Warn("Dropping unit too far from buffered units", "timestamp", u.Timestamp, "error", err)
			continue
		case errors.Is(err, jitter.ErrInputClosed):
			return nil
		case err != nil:
			return errors.Wrapf(err, "%s: buffer unit", kind)
		}

		if res.Dropped > 0 {
			logger.Warn("Jitter buffer full, dropped oldest units", "dropped", res.Dropped, "buffered", buf.Len())
		}
		if res.CrossedHighWater {
			logger.Warn("Jitter buffer above high-water mark", "buffered", buf.Len())
		}
	}
}
