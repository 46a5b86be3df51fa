package dash

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/fetchgrid/fetchgrid/internal/fgerr"
	"github.com/fetchgrid/fetchgrid/internal/model"
)

// SelectByBandwidth picks the representation whose bandwidth is closest to target among
// candidates (the format-id match the brain resolved upstream); target<=0 picks the
// highest-bandwidth candidate.
func SelectByBandwidth(candidates []Representation, target int64) (Representation, bool) {
	if len(candidates) == 0 {
		return Representation{}, false
	}
	if target <= 0 {
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Bandwidth > best.Bandwidth {
				best = c
			}
		}
		return best, true
	}
	best := candidates[0]
	bestDiff := abs64(best.Bandwidth - target)
	for _, c := range candidates[1:] {
		if d := abs64(c.Bandwidth - target); d < bestDiff {
			best, bestDiff = c, d
		}
	}
	return best, true
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// PopulateSegments builds the item's segment list for one representation (video or
// audio), writing to streamTempFile, and records encryption detection per §4.8/DASH
// Non-goal: encrypted representations are flagged rather than decrypted.
func PopulateSegments(item *model.DownloadItem, rep Representation, streamTempFile string) []*model.Segment {
	var out []*model.Segment
	mediaType := model.MediaVideo
	if rep.Kind == "audio" {
		mediaType = model.MediaAudio
	}

	if rep.InitURL != "" {
		out = append(out, &model.Segment{
			URL:       rep.InitURL,
			Name:      filepath.Join(item.TempFolder, fmt.Sprintf("%s_init.m4s", rep.Kind)),
			MediaType: mediaType,
			Merge:     true,
			TempFile:  streamTempFile,
		})
	}
	for i, fs := range rep.Segments {
		seg := &model.Segment{
			URL:       fs.URL,
			Name:      filepath.Join(item.TempFolder, fmt.Sprintf("%s_frag_%d.m4s", rep.Kind, i)),
			MediaType: mediaType,
			Merge:     true,
			TempFile:  streamTempFile,
		}
		if fs.Range != nil {
			seg.Range = fs.Range
			seg.Size = fs.Range.Length()
		}
		out = append(out, seg)
	}

	if rep.Encrypted {
		item.AddSubtype(model.SubtypeEncrypted)
	}
	item.AddSubtype(model.SubtypeDASH)
	item.AddSubtype(model.SubtypeFragmented)
	return out
}

// FetchManifest downloads and returns the raw MPD document text at url.
func FetchManifest(ctx context.Context, client *http.Client, url string, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fgerr.New("dash", fgerr.TransientNetwork, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fgerr.New("dash", fgerr.TransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fgerr.HTTP("dash", resp.StatusCode, fmt.Errorf("manifest fetch failed"))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fgerr.New("dash", fgerr.TransientNetwork, err)
	}
	return string(body), nil
}
