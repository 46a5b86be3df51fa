package pool

import (
	"context"
	"time"

	"github.com/fetchgrid/fetchgrid/internal/model"
)

// runWorkStealing watches for the condition where both the job and retry queues are
// empty while segments remain undownloaded: every live worker is mid-flight on a segment
// large enough that the tail is worth splitting off. It picks the segment with the
// largest Remaining(), truncates it at its midpoint, and enqueues a fresh segment for the
// freed tail, per §4.6's auto-segmentation rule.
func (p *Pool) runWorkStealing(ctx context.Context) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if p.allSegmentsDownloaded() {
				return
			}
			p.maybeSteal()
		}
	}
}

func (p *Pool) maybeSteal() {
	if p.jobQueue.Len() > 0 || p.retryQueue.Len() > 0 {
		return
	}
	if int(p.liveWorkers.Load()) >= p.cfg.MaxConnections {
		return
	}

	var largest *model.Segment
	var largestRemaining int64

	for _, seg := range p.item.Segments() {
		if seg.Downloaded() || !seg.Locked() {
			continue
		}
		r := seg.Remaining()
		if r <= p.cfg.SegmentSizeThreshold {
			continue
		}
		if r > largestRemaining {
			largest = seg
			largestRemaining = r
		}
	}

	if largest == nil {
		return
	}

	rng := largest.RangeSnapshot()
	if rng == nil {
		return // unranged segments (fragments) can't be split
	}

	remaining := largestRemaining
	mid := rng.Start + remaining/2
	if mid >= rng.End {
		return
	}

	tail := &model.Segment{
		Name:      largest.Name + ".steal",
		URL:       largest.URL,
		Range:     &model.ByteRange{Start: mid + 1, End: rng.End},
		MediaType: largest.MediaType,
		Merge:     largest.Merge,
		TempFile:  largest.TempFile,
	}
	p.item.AppendSegment(tail)
	largest.TruncateRangeEnd(mid)
	p.jobQueue.Push(tail)
}
