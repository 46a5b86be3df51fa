package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUIDIsStableAndFolderNameSensitive(t *testing.T) {
	a := UID("/tmp/out", "movie")
	b := UID("/tmp/out", "movie")
	c := UID("/tmp/out", "other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNewSetsConventionalPaths(t *testing.T) {
	it := New("/tmp/out", "movie", ".mp4")
	assert.Equal(t, UID("/tmp/out", "movie"), it.UID)
	assert.Equal(t, "/tmp/out/.movie_tmp", it.TempFolder)
	assert.Equal(t, "/tmp/out/.movie_tmp/movie.part", it.TempFile)
	assert.Equal(t, "/tmp/out/movie.mp4", it.TargetFile)
	assert.Equal(t, Pending, it.State())
	assert.True(t, it.Policy.Resumable)
	assert.Equal(t, 8, it.Policy.MaxConnections)
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	it := New("/tmp", "x", ".bin")
	err := it.Transition(Processing, nil)
	require.Error(t, err)
	assert.Equal(t, Pending, it.State())
}

func TestTransitionIntoErrorRecordsCause(t *testing.T) {
	it := New("/tmp", "x", ".bin")
	cause := errors.New("boom")
	require.NoError(t, it.Transition(Error, cause))
	assert.Equal(t, Error, it.State())
	assert.Equal(t, cause, it.LastError())
}

func TestTransitionIntoCancelledIsIdempotent(t *testing.T) {
	it := New("/tmp", "x", ".bin")
	require.NoError(t, it.Transition(Cancelled, nil))
	require.NoError(t, it.Transition(Cancelled, nil), "repeat cancel from terminal state must be a silent no-op")
}

func TestTransitionEmitsStateEvent(t *testing.T) {
	it := New("/tmp", "x", ".bin")
	var got []ChangeEvent
	it.SetSink(SinkFunc(func(ev ChangeEvent) { got = append(got, ev) }))

	require.NoError(t, it.Transition(Downloading, nil))
	require.Len(t, got, 1)
	assert.Equal(t, EventState, got[0].Kind)
	assert.Equal(t, Downloading, got[0].State)
	assert.Equal(t, it.UID, got[0].UID)
}

func TestAppendAndSetSegmentsRenumberAndEmit(t *testing.T) {
	it := New("/tmp", "x", ".bin")
	var events int
	it.SetSink(SinkFunc(func(ev ChangeEvent) {
		if ev.Kind == EventSegmentsChanged {
			events++
		}
	}))

	it.SetSegments([]*Segment{{}, {}, {}})
	require.Len(t, it.Segments(), 3)
	for i, s := range it.Segments() {
		assert.Equal(t, i, s.Num)
	}

	it.AppendSegment(&Segment{})
	segs := it.Segments()
	require.Len(t, segs, 4)
	assert.Equal(t, 3, segs[3].Num)
	assert.Equal(t, 2, events)
}

func TestAggregateProgressClipsToTargetLength(t *testing.T) {
	it := New("/tmp", "x", ".bin")
	s1 := &Segment{Range: &ByteRange{Start: 0, End: 9}} // target 10
	s1.SetOnDiskSize(10)
	s2 := &Segment{Range: &ByteRange{Start: 0, End: 9}} // target 10
	s2.SetOnDiskSize(50)                                 // should clip to 10
	it.SetSegments([]*Segment{s1, s2})

	assert.Equal(t, int64(20), it.AggregateProgress())
	assert.Equal(t, int64(20), it.Downloaded())
}

func TestProgressPercentClampsAt100(t *testing.T) {
	it := New("/tmp", "x", ".bin")
	it.TotalSize = 100
	s := &Segment{Range: &ByteRange{Start: 0, End: 199}}
	s.SetOnDiskSize(200)
	it.SetSegments([]*Segment{s})
	it.NotifyProgress()
	assert.Equal(t, 100.0, it.ProgressPercent())

	it.TotalSize = 0
	assert.Equal(t, 0.0, it.ProgressPercent())
}

func TestEffectiveURLPrefersManifestThenEffThenURL(t *testing.T) {
	it := New("/tmp", "x", ".bin")
	it.URL = "https://example.com/plain.mp4"
	assert.Equal(t, it.URL, it.EffectiveURL())

	it.EffURL = "https://example.com/refreshed.mp4"
	assert.Equal(t, it.EffURL, it.EffectiveURL())

	it.ManifestURL = "https://example.com/index.m3u8"
	assert.Equal(t, it.ManifestURL, it.EffectiveURL())
}

func TestSubtypeMultisetIsDeduplicated(t *testing.T) {
	it := New("/tmp", "x", ".bin")
	assert.False(t, it.HasSubtype(SubtypeHLS))
	it.AddSubtype(SubtypeHLS)
	it.AddSubtype(SubtypeHLS)
	assert.True(t, it.HasSubtype(SubtypeHLS))
	assert.Len(t, it.SubtypeList, 1)
}
