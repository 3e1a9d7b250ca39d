package segments

import (
	"errors"
	"fmt"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portomove/mapmatch/model"
)

// track returns a lookup with points 0..n-1 placed at (i, i*2).
func track(n int) PointMap {
	m := make(PointMap, n)
	for i := 0; i < n; i++ {
		m[i] = orb.Point{float64(i), float64(i * 2)}
	}
	return m
}

func bounds(segs []model.MatchedSegment) [][2]int {
	out := make([][2]int, len(segs))
	for i, s := range segs {
		out[i] = [2]int{s.StartIndex, s.EndIndex}
	}
	return out
}

func TestSplitRuns(t *testing.T) {
	tests := []struct {
		name    string
		indices []int
		want    []Run
	}{
		{name: "empty", indices: nil, want: nil},
		{name: "single", indices: []int{4}, want: []Run{{4, 4}}},
		{name: "one run", indices: []int{1, 2, 3}, want: []Run{{1, 3}}},
		{name: "gap of two", indices: []int{5, 6, 7, 10, 11}, want: []Run{{5, 7}, {10, 11}}},
		{name: "singleton in middle", indices: []int{5, 6, 9, 14, 15}, want: []Run{{5, 6}, {9, 9}, {14, 15}}},
		{name: "all isolated", indices: []int{1, 3, 5}, want: []Run{{1, 1}, {3, 3}, {5, 5}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitRuns(1, tt.indices)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitRunsCoversEveryIndexOnce(t *testing.T) {
	indices := []int{0, 1, 2, 4, 7, 8, 9, 10, 12, 20, 21}
	runs, err := SplitRuns(1, indices)
	require.NoError(t, err)

	var rebuilt []int
	for _, r := range runs {
		for i := r.Start; i <= r.End; i++ {
			rebuilt = append(rebuilt, i)
		}
	}
	assert.Equal(t, indices, rebuilt)
}

func TestSplitRunsInconsistent(t *testing.T) {
	tests := []struct {
		name    string
		indices []int
	}{
		{name: "adjacent duplicate", indices: []int{1, 2, 2, 3}},
		{name: "non-contiguous duplicate", indices: []int{1, 2, 5, 2}},
		{name: "descending", indices: []int{4, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SplitRuns(42, tt.indices)
			var ie *InconsistentIndexError
			require.True(t, errors.As(err, &ie), "got %v", err)
			assert.Equal(t, int64(42), ie.EdgeID)
		})
	}
}

func TestReconstructGaps(t *testing.T) {
	segs, err := Reconstruct(3, 9, []int{5, 6, 7, 10, 11}, track(20), Options{})
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{5, 7}, {10, 11}}, bounds(segs))

	assert.Equal(t, []orb.Point{{5, 10}, {6, 12}, {7, 14}}, segs[0].Points)
	assert.Equal(t, []orb.Point{{10, 20}, {11, 22}}, segs[1].Points)
	for _, s := range segs {
		assert.Equal(t, int64(3), s.EdgeID)
		assert.Equal(t, int64(9), s.RecordingID)
		assert.False(t, s.Single)
	}
}

func TestReconstructSingletons(t *testing.T) {
	indices := []int{5, 6, 9, 14, 15}

	t.Run("dropped by default", func(t *testing.T) {
		segs, err := Reconstruct(1, 1, indices, track(20), Options{})
		require.NoError(t, err)
		assert.Equal(t, [][2]int{{5, 6}, {14, 15}}, bounds(segs))
	})

	t.Run("kept when enabled", func(t *testing.T) {
		segs, err := Reconstruct(1, 1, indices, track(20), Options{EmitSinglePoints: true})
		require.NoError(t, err)
		require.Equal(t, [][2]int{{5, 6}, {9, 9}, {14, 15}}, bounds(segs))
		assert.True(t, segs[1].Single)
		assert.Equal(t, []orb.Point{{9, 18}}, segs[1].Points)
	})
}

func TestReconstructEmpty(t *testing.T) {
	segs, err := Reconstruct(1, 1, nil, PointMap{}, Options{})
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestReconstructMissingPoint(t *testing.T) {
	lookup := track(5)
	_, err := Reconstruct(2, 8, []int{3, 4, 5}, lookup, Options{})
	var me *MissingPointError
	require.True(t, errors.As(err, &me), "got %v", err)
	assert.Equal(t, 5, me.Index)
}

func TestReconstructAllOrdering(t *testing.T) {
	a := model.Assignment{
		{EdgeID: 20, RecordingID: 1, Indices: []int{0, 1, 8, 9}},
		{EdgeID: 10, RecordingID: 1, Indices: []int{3, 4, 5, 11, 12}},
	}
	segs, err := ReconstructAll(a, track(20), Options{})
	require.NoError(t, err)

	var got []string
	for _, s := range segs {
		got = append(got, formatSeg(s))
	}
	assert.Equal(t, []string{"10:3-5", "10:11-12", "20:0-1", "20:8-9"}, got)
	assert.Equal(t, int64(20), a[0].EdgeID, "input order must be preserved")
}

func TestReconstructAllPropagatesErrors(t *testing.T) {
	a := model.Assignment{{EdgeID: 1, RecordingID: 1, Indices: []int{2, 2}}}
	_, err := ReconstructAll(a, track(5), Options{})
	var ie *InconsistentIndexError
	assert.True(t, errors.As(err, &ie))
}

func TestLookupFromTrace(t *testing.T) {
	lookup := LookupFromTrace([]model.TracePoint{
		{Index: 3, Geom: orb.Point{1, 2}},
		{Index: 7, Geom: orb.Point{3, 4}},
	})
	p, ok := lookup.Point(7)
	require.True(t, ok)
	assert.Equal(t, orb.Point{3, 4}, p)
	_, ok = lookup.Point(4)
	assert.False(t, ok)
}

func formatSeg(s model.MatchedSegment) string {
	return fmt.Sprintf("%d:%d-%d", s.EdgeID, s.StartIndex, s.EndIndex)
}
