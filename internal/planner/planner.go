// Package planner builds the initial segment list for a DownloadItem: whole-file for
// unknown size, a single ranged segment for small files, or a proportional split for
// large ones. Grounded on the resume-by-range-planning shape in
// other_examples/..Zer0C0d3r-TeraFetch..downloader-engine.go.go (PlanDownload /
// DetectResumableDownload), adapted from that file's whole-file planner to the spec's
// explicit 5/10/15/20/50 proportional split.
package planner

import "github.com/fetchgrid/fetchgrid/internal/model"

// proportions is the fixed split the spec mandates: four small leading segments let
// "watch-while-downloading" begin quickly, the 50% tail carries the bulk for sustained
// throughput.
var proportions = []float64{0.05, 0.10, 0.15, 0.20, 0.50}

// Plan builds the initial segment list for a file of the given size, given the
// threshold below which a single ranged segment is used instead of a proportional split.
//
//   - size == 0 (unknown): a single unranged segment.
//   - size < threshold*20 (~20 MiB at the default 1 MiB threshold): a single ranged
//     segment covering [0, size-1].
//   - otherwise: segments of proportions {5%,10%,15%,20%,50%}, rounded to whole bytes;
//     the last segment absorbs the rounding remainder.
//
// All ranges are inclusive on both ends; consecutive segments are contiguous and cover
// [0, size-1].
func Plan(size int64, threshold int64) []*model.Segment {
	if size <= 0 {
		return []*model.Segment{{MediaType: model.MediaGeneral, Merge: true}}
	}

	if size < threshold*20 {
		return []*model.Segment{{
			Range:     &model.ByteRange{Start: 0, End: size - 1},
			Size:      size,
			MediaType: model.MediaGeneral,
			Merge:     true,
		}}
	}

	segs := make([]*model.Segment, 0, len(proportions))
	var offset int64
	for i, p := range proportions {
		var length int64
		if i == len(proportions)-1 {
			length = size - offset // absorb rounding remainder in the last segment
		} else {
			length = int64(float64(size) * p)
		}
		start := offset
		end := offset + length - 1
		segs = append(segs, &model.Segment{
			Range:     &model.ByteRange{Start: start, End: end},
			Size:      length,
			MediaType: model.MediaGeneral,
			Merge:     true,
		})
		offset += length
	}
	return segs
}

// PlanFragments builds one unranged segment per manifest fragment (HLS/DASH), in the
// order the manifest lists them, each carrying its own size hint if known.
func PlanFragments(urls []string, sizes []int64) []*model.Segment {
	segs := make([]*model.Segment, 0, len(urls))
	for i, u := range urls {
		var size int64
		if i < len(sizes) {
			size = sizes[i]
		}
		segs = append(segs, &model.Segment{
			URL:       u,
			Size:      size,
			MediaType: model.MediaGeneral,
			Merge:     false,
		})
	}
	return segs
}
