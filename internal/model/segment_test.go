package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestByteRangeLength(t *testing.T) {
	r := &ByteRange{Start: 0, End: 99}
	assert.Equal(t, int64(100), r.Length())

	var nilRange *ByteRange
	assert.Equal(t, int64(0), nilRange.Length())
}

func TestSegmentTargetLengthRangedVsFragment(t *testing.T) {
	ranged := &Segment{Range: &ByteRange{Start: 10, End: 29}}
	assert.Equal(t, int64(20), ranged.TargetLength())

	fragment := &Segment{Size: 4096}
	assert.Equal(t, int64(4096), fragment.TargetLength())
}

func TestSegmentRemainingClampsAtZero(t *testing.T) {
	s := &Segment{Range: &ByteRange{Start: 0, End: 9}} // 10 bytes
	assert.Equal(t, int64(10), s.Remaining())

	s.AddOnDiskSize(6)
	assert.Equal(t, int64(4), s.Remaining())

	s.AddOnDiskSize(100) // overshoot
	assert.Equal(t, int64(0), s.Remaining())
}

func TestSegmentTruncateRangeEnd(t *testing.T) {
	s := &Segment{Range: &ByteRange{Start: 0, End: 99}, Size: 100}
	s.TruncateRangeEnd(49)

	got := s.RangeSnapshot()
	assert.Equal(t, int64(49), got.End)
	assert.Equal(t, int64(50), s.Size)
}

func TestSegmentLockIsExclusive(t *testing.T) {
	s := &Segment{}
	assert.True(t, s.Lock())
	assert.False(t, s.Lock(), "a second Lock while held must fail")
	assert.True(t, s.Locked())

	s.Unlock()
	assert.False(t, s.Locked())
	assert.True(t, s.Lock())
}

func TestSegmentDownloadedAndCompletedFlags(t *testing.T) {
	s := &Segment{}
	assert.False(t, s.Downloaded())
	assert.False(t, s.Completed())

	s.MarkDownloaded()
	assert.True(t, s.Downloaded())

	s.MarkCompleted()
	assert.True(t, s.Completed())
}

func TestMediaTypeString(t *testing.T) {
	assert.Equal(t, "video", MediaVideo.String())
	assert.Equal(t, "key", MediaKey.String())
	assert.Equal(t, "general", MediaGeneral.String())
}
