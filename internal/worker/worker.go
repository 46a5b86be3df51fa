// Package worker implements the Worker (C5): binding a Fetcher to one Segment, reporting
// the per-segment result, and detecting expired URLs to request a refresh. Grounded on
// the teacher's internal/engine/worker_pool.go downloadSegment (per-segment retry loop,
// append-mode resume) and
// other_examples/..Zer0C0d3r-TeraFetch..downloader-engine.go.go's downloadSegment (seek
// to resume offset, Range header from segment offsets).
package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fetchgrid/fetchgrid/internal/fetcher"
	"github.com/fetchgrid/fetchgrid/internal/fgerr"
	"github.com/fetchgrid/fetchgrid/internal/model"
)

// Request is what the pool hands a Worker for one attempt at one segment.
type Request struct {
	Item    *model.DownloadItem
	Segment *model.Segment

	EffectiveURL string // item.EffURL or segment.URL, whichever applies
	Headers      map[string]string
	UserAgent    string
	Referer      string

	SpeedCapBytesPerSec int64
	LowSpeedFloor       int64
	LowSpeedWindow      time.Duration
}

// Result is what the pool learns after one Worker attempt.
type Result struct {
	BytesWritten int64
	Err          error
	StaleURL     bool // true if Err indicates the URL needs item-level refresh (403/410)
}

// Worker owns no persistent state; a single Worker value is reused across segment
// assignments by the pool, exactly as the spec specifies ("owns no persistent state;
// reused per segment assignment").
type Worker struct {
	fetcher *fetcher.Fetcher
}

// New wraps a Fetcher as a Worker.
func New(f *fetcher.Fetcher) *Worker {
	return &Worker{fetcher: f}
}

// Run performs one full attempt at req.Segment: lock, open the per-segment file in
// append mode at the resume offset, compute the effective range, fetch, and report.
func (w *Worker) Run(ctx context.Context, req Request) Result {
	seg := req.Segment

	if !seg.Lock() {
		return Result{Err: fmt.Errorf("segment %d already locked", seg.Num)}
	}
	defer seg.Unlock()

	f, resumeOffset, err := openSegmentSink(seg)
	if err != nil {
		return Result{Err: fgerr.New("worker", fgerr.Filesystem, err)}
	}
	defer f.Close()

	targetReached := false
	fetchReq := fetcher.Request{
		URL:                 req.EffectiveURL,
		Headers:             req.Headers,
		UserAgent:           req.UserAgent,
		Referer:             req.Referer,
		SpeedCapBytesPerSec: req.SpeedCapBytesPerSec,
		LowSpeedFloor:       req.LowSpeedFloor,
		LowSpeedWindow:      req.LowSpeedWindow,
		ProgressFunc: func(written int64) bool {
			seg.SetOnDiskSize(resumeOffset + written)
			// A work-stealing split may have shortened this segment's range while we
			// were mid-flight; stop as soon as we've covered the (possibly new,
			// shorter) target rather than keep fetching bytes the tail segment now
			// owns.
			if target := seg.TargetLength(); target > 0 && resumeOffset+written >= target {
				targetReached = true
				return false
			}
			if req.Item != nil && req.Item.State() == model.Cancelled {
				return false
			}
			return ctx.Err() == nil
		},
	}

	rangeSnap := seg.RangeSnapshot()
	if rangeSnap != nil {
		fetchReq.Range = &fetcher.Range{Start: rangeSnap.Start + resumeOffset, End: rangeSnap.End}
	}

	res, err := w.fetcher.Fetch(ctx, fetchReq, f)
	if err != nil && !targetReached {
		stale := isStaleURLError(err)
		return Result{Err: err, StaleURL: stale}
	}
	if res == nil {
		res = &fetcher.Result{}
	}

	seg.SetOnDiskSize(resumeOffset + res.BytesWritten)
	if seg.TargetLength() == 0 || seg.OnDiskSize() >= seg.TargetLength() {
		seg.MarkDownloaded()
	}
	return Result{BytesWritten: res.BytesWritten}
}

// openSegmentSink opens the per-segment temp file in append mode; fresh downloads start
// at length 0, resume continues at the current on-disk length.
func openSegmentSink(seg *model.Segment) (*os.File, int64, error) {
	f, err := os.OpenFile(seg.Name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	seg.SetOnDiskSize(fi.Size())
	return f, fi.Size(), nil
}

// isStaleURLError reports whether err indicates a stale URL (HTTP 403/410), per §4.5
// step 7 and §7's StaleUrl error kind.
func isStaleURLError(err error) bool {
	httpErr, ok := err.(*fgerr.Error)
	if !ok || httpErr.Kind != fgerr.HTTPStatus {
		return false
	}
	return fgerr.StaleHTTPStatus(httpErr.Code)
}
