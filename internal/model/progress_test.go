package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadProgressRoundTrip(t *testing.T) {
	dir := t.TempDir()
	it := New(dir, "clip", ".mp4")

	s0 := &Segment{Range: &ByteRange{Start: 0, End: 9}}  // 10 bytes
	s1 := &Segment{Range: &ByteRange{Start: 10, End: 19}} // 10 bytes
	it.SetSegments([]*Segment{s0, s1})

	seg0Path := filepath.Join(it.TempFolder, "part_0.tmp")
	seg1Path := filepath.Join(it.TempFolder, "part_1.tmp")
	require.NoError(t, os.MkdirAll(it.TempFolder, 0o755))
	require.NoError(t, os.WriteFile(seg0Path, make([]byte, 10), 0o644))
	require.NoError(t, os.WriteFile(seg1Path, make([]byte, 4), 0o644))

	s0.SetOnDiskSize(10)
	s0.MarkDownloaded()
	s0.MarkCompleted()
	s1.SetOnDiskSize(4)

	require.NoError(t, it.SaveProgress())

	fresh := New(dir, "clip", ".mp4")
	fresh.SetSegments([]*Segment{{Range: &ByteRange{Start: 0, End: 9}}, {Range: &ByteRange{Start: 10, End: 19}}})
	segmentPath := func(i int) string {
		if i == 0 {
			return seg0Path
		}
		return seg1Path
	}
	found, err := fresh.LoadProgress(segmentPath)
	require.NoError(t, err)
	require.True(t, found)

	segs := fresh.Segments()
	require.True(t, segs[0].Completed())
	require.True(t, segs[0].Downloaded())
	require.False(t, segs[1].Completed())
	require.False(t, segs[1].Downloaded())
	require.Equal(t, int64(4), segs[1].OnDiskSize())
}

func TestLoadProgressDistrustsMismatchedSidecar(t *testing.T) {
	dir := t.TempDir()
	it := New(dir, "clip", ".mp4")
	s0 := &Segment{Range: &ByteRange{Start: 0, End: 9}}
	it.SetSegments([]*Segment{s0})
	s0.SetOnDiskSize(10)
	s0.MarkDownloaded()
	s0.MarkCompleted()
	require.NoError(t, it.SaveProgress())

	segPath := filepath.Join(it.TempFolder, "part_0.tmp")
	// actual on-disk bytes disagree with the sidecar's claim of 10
	require.NoError(t, os.WriteFile(segPath, make([]byte, 3), 0o644))

	fresh := New(dir, "clip", ".mp4")
	fresh.SetSegments([]*Segment{{Range: &ByteRange{Start: 0, End: 9}}})
	found, err := fresh.LoadProgress(func(int) string { return segPath })
	require.NoError(t, err)
	require.True(t, found)

	got := fresh.Segments()[0]
	require.False(t, got.Completed())
	require.False(t, got.Downloaded())
	require.Equal(t, int64(3), got.OnDiskSize())
}

func TestLoadProgressMissingSidecarIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	it := New(dir, "clip", ".mp4")
	found, err := it.LoadProgress(func(int) string { return "" })
	require.NoError(t, err)
	require.False(t, found)
}
