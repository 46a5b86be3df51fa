package model

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// progressSegment is one entry in the JSON progress sidecar: a segment's index,
// completion flag, byte range, and cumulative downloaded bytes, per §6 "Persisted state".
type progressSegment struct {
	Index      int    `json:"index"`
	Completed  bool   `json:"completed"`
	RangeStart *int64 `json:"range_start,omitempty"`
	RangeEnd   *int64 `json:"range_end,omitempty"`
	Downloaded int64  `json:"downloaded"`
}

type progressFile struct {
	UID       string            `json:"uid"`
	URL       string            `json:"url"`
	Segments  []progressSegment `json:"segments"`
}

func progressSidecarPath(tempFolder string) string {
	return filepath.Join(tempFolder, "progress.json")
}

// SaveProgress writes the JSON progress sidecar enumerating segments by index, their
// completion flags, byte ranges, and cumulative downloaded bytes.
func (it *DownloadItem) SaveProgress() error {
	if err := os.MkdirAll(it.TempFolder, 0o755); err != nil {
		return err
	}
	pf := progressFile{UID: it.UID, URL: it.URL}
	for _, s := range it.Segments() {
		ps := progressSegment{
			Index:      s.Num,
			Completed:  s.Completed(),
			Downloaded: s.OnDiskSize(),
		}
		if s.Range != nil {
			start, end := s.Range.Start, s.Range.End
			ps.RangeStart, ps.RangeEnd = &start, &end
		}
		pf.Segments = append(pf.Segments, ps)
	}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}
	path := progressSidecarPath(it.TempFolder)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadProgress reads the sidecar and reconciles each segment's downloaded bytes against
// the actual on-disk size of its per-segment file; a mismatch resets that segment to
// not-downloaded so it is re-fetched rather than trusted. segmentPath must return the
// expected per-segment temp file path for a given index (the brain supplies this since
// naming differs between ranged and manifest-driven items).
func (it *DownloadItem) LoadProgress(segmentPath func(index int) string) (bool, error) {
	path := progressSidecarPath(it.TempFolder)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var pf progressFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return false, err
	}
	if pf.UID != it.UID {
		return false, nil
	}

	bySegment := map[int]progressSegment{}
	for _, ps := range pf.Segments {
		bySegment[ps.Index] = ps
	}

	for _, s := range it.Segments() {
		ps, ok := bySegment[s.Num]
		if !ok {
			continue
		}
		actual := onDiskSizeOf(segmentPath(s.Num))
		if actual == ps.Downloaded && ps.Completed {
			s.SetOnDiskSize(actual)
			s.MarkDownloaded()
			s.MarkCompleted()
			continue
		}
		// Mismatch: trust the filesystem, not the sidecar's claim.
		s.SetOnDiskSize(actual)
		if s.TargetLength() > 0 && actual >= s.TargetLength() {
			s.MarkDownloaded()
		}
	}
	it.AggregateProgress()
	return true, nil
}

func onDiskSizeOf(path string) int64 {
	if path == "" {
		return 0
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// DeleteTempFiles removes the temp folder and all per-segment files, unless debugRetain
// is set (debug mode keeps artifacts around for inspection).
func (it *DownloadItem) DeleteTempFiles(debugRetain bool) error {
	if debugRetain {
		return nil
	}
	return os.RemoveAll(it.TempFolder)
}
