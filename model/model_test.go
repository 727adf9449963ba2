package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDataGapRanges(t *testing.T) {
	g := DataGap{StartID: 10, EndID: 20}

	assert.True(t, g.Contains(10))
	assert.True(t, g.Contains(20))
	assert.False(t, g.Contains(21))
	assert.Equal(t, int64(11), g.Size())
	assert.True(t, g.Overlaps(DataGap{StartID: 20, EndID: 30}))
	assert.False(t, g.Overlaps(DataGap{StartID: 21, EndID: 30}))
	assert.Equal(t, "[10,20]", g.String())
}

func TestOutgoingBatchCounts(t *testing.T) {
	b := NewOutgoingBatch(7, "n1", "default")
	assert.Equal(t, BatchRouting, b.Status)
	assert.Equal(t, int64(-1), b.LoadID)

	b.IncrementEventCount(EventInsert)
	b.IncrementEventCount(EventUpdate)
	b.IncrementEventCount(EventDelete)
	b.IncrementEventCount(EventSQL)

	assert.Equal(t, int64(4), b.DataEventCount)
	assert.Equal(t, int64(1), b.InsertCount)
	assert.Equal(t, int64(1), b.UpdateCount)
	assert.Equal(t, int64(1), b.DeleteCount)
	assert.Equal(t, int64(1), b.OtherCount)
}

func TestDataSize(t *testing.T) {
	var nilData *Data
	assert.Equal(t, int64(0), nilData.Size())

	d := &Data{TableName: "t", RowData: "abc", PKData: "1"}
	assert.Equal(t, int64(5), d.Size())
}
