package gap

import (
	"testing"

	"github.com/maxpert/cdcroute/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	d := Detector{MaxGapSize: 100}

	tests := []struct {
		name      string
		gaps      []model.DataGap
		processed []int64
		want      []model.DataGap
	}{
		{
			name: "first pass",
			want: []model.DataGap{{StartID: 1, EndID: 100}},
		},
		{
			name: "nothing processed",
			gaps: []model.DataGap{{StartID: 3, EndID: 3}, {StartID: 10, EndID: 110}},
			want: []model.DataGap{{StartID: 3, EndID: 3}, {StartID: 10, EndID: 110}},
		},
		{
			name:      "hole inside tail",
			gaps:      []model.DataGap{{StartID: 1, EndID: 100}},
			processed: []int64{1, 2, 3, 5},
			want:      []model.DataGap{{StartID: 4, EndID: 4}, {StartID: 6, EndID: 105}},
		},
		{
			name:      "old hole filled",
			gaps:      []model.DataGap{{StartID: 4, EndID: 4}, {StartID: 6, EndID: 105}},
			processed: []int64{4, 6, 7},
			want:      []model.DataGap{{StartID: 8, EndID: 107}},
		},
		{
			name:      "hole filled tail untouched",
			gaps:      []model.DataGap{{StartID: 4, EndID: 4}, {StartID: 6, EndID: 105}},
			processed: []int64{4},
			want:      []model.DataGap{{StartID: 6, EndID: 105}},
		},
		{
			name:      "hole partly filled",
			gaps:      []model.DataGap{{StartID: 10, EndID: 20}, {StartID: 30, EndID: 129}},
			processed: []int64{12, 20, 31},
			want: []model.DataGap{
				{StartID: 10, EndID: 11},
				{StartID: 13, EndID: 19},
				{StartID: 30, EndID: 30},
				{StartID: 32, EndID: 131},
			},
		},
		{
			name:      "ids outside gaps ignored",
			gaps:      []model.DataGap{{StartID: 10, EndID: 109}},
			processed: []int64{3, 10},
			want:      []model.DataGap{{StartID: 11, EndID: 110}},
		},
		{
			name:      "no persisted gaps",
			processed: []int64{7, 9},
			want:      []model.DataGap{{StartID: 10, EndID: 109}},
		},
		{
			name:      "duplicates and order",
			gaps:      []model.DataGap{{StartID: 1, EndID: 100}},
			processed: []int64{3, 1, 3, 2},
			want:      []model.DataGap{{StartID: 4, EndID: 103}},
		},
		{
			name:      "long tail kept",
			gaps:      []model.DataGap{{StartID: 1, EndID: 1000}},
			processed: []int64{1},
			want:      []model.DataGap{{StartID: 2, EndID: 1000}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := d.Detect(tc.gaps, tc.processed)
			assert.Equal(t, tc.want, got)
			require.NoError(t, Validate(got, tc.processed))
		})
	}
}

func TestDetectDefaultSize(t *testing.T) {
	got := Detector{}.Detect(nil, nil)
	assert.Equal(t, []model.DataGap{{StartID: 1, EndID: DefaultMaxGapSize}}, got)
}
