package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchgrid/fetchgrid/internal/model"
)

func TestPlanUnknownSizeYieldsOneUnrangedSegment(t *testing.T) {
	segs := Plan(0, 1<<20)
	require.Len(t, segs, 1)
	assert.Nil(t, segs[0].Range)
	assert.True(t, segs[0].Merge)
}

func TestPlanBelowThresholdYieldsOneRangedSegment(t *testing.T) {
	const threshold = 1 << 20 // 1 MiB
	size := int64(threshold * 5)
	segs := Plan(size, threshold)
	require.Len(t, segs, 1)
	require.NotNil(t, segs[0].Range)
	assert.Equal(t, int64(0), segs[0].Range.Start)
	assert.Equal(t, size-1, segs[0].Range.End)
}

func TestPlanAboveThresholdSplitsIntoProportions(t *testing.T) {
	const threshold = 1 << 20
	size := int64(threshold * 100) // well above the 20x cutoff
	segs := Plan(size, threshold)
	require.Len(t, segs, 5)

	var covered int64
	for i, s := range segs {
		require.NotNil(t, s.Range)
		assert.Equal(t, covered, s.Range.Start, "segment %d must start where the previous ended", i)
		covered = s.Range.End + 1
	}
	assert.Equal(t, size, covered, "segments must contiguously cover [0, size-1]")

	// the last segment absorbs the rounding remainder and carries the ~50% tail
	last := segs[4]
	assert.InDelta(t, float64(size)*0.5, float64(last.Range.Length()), float64(size)*0.01)
}

func TestPlanFragmentsPreservesOrderAndSizeHints(t *testing.T) {
	urls := []string{"seg0.ts", "seg1.ts", "seg2.ts"}
	sizes := []int64{100, 200}
	segs := PlanFragments(urls, sizes)

	require.Len(t, segs, 3)
	assert.Equal(t, "seg0.ts", segs[0].URL)
	assert.Equal(t, int64(100), segs[0].Size)
	assert.Equal(t, int64(200), segs[1].Size)
	assert.Equal(t, int64(0), segs[2].Size, "missing size hint defaults to 0")
	for _, s := range segs {
		assert.False(t, s.Merge, "manifest fragments are not merge-by-range segments")
		assert.Equal(t, model.MediaGeneral, s.MediaType)
	}
}
