package store

import (
	"testing"

	"github.com/maxpert/cdcroute/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, kind := range []string{KindPebble, KindSQLite} {
		t.Run(kind, func(t *testing.T) {
			s, err := Open(kind, t.TempDir())
			require.NoError(t, err)
			defer s.Close()
			fn(t, s)
		})
	}
}

func appendRows(t *testing.T, s Store, channel string, n int) []int64 {
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.AppendData(&model.Data{
			ChannelID: channel,
			TableName: "orders",
			EventType: model.EventInsert,
			PKData:    "1",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open("bolt", t.TempDir())
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestAppendAndReadData(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ids := appendRows(t, s, "default", 5)
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids)

		data, err := s.ReadData([]model.DataGap{{StartID: 2, EndID: 2}, {StartID: 4, EndID: 100}}, 10)
		require.NoError(t, err)
		require.Len(t, data, 3)
		assert.Equal(t, int64(2), data[0].DataID)
		assert.Equal(t, int64(4), data[1].DataID)
		assert.Equal(t, int64(5), data[2].DataID)
		assert.Equal(t, "orders", data[0].TableName)
		assert.Equal(t, model.EventInsert, data[0].EventType)

		limited, err := s.ReadData([]model.DataGap{{StartID: 1, EndID: 100}}, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		none, err := s.ReadData(nil, 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestTransactionCommitThenContinue(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		tx, err := s.Begin()
		require.NoError(t, err)
		tx.SetInBatchMode(true)

		id, err := tx.NextBatchID()
		require.NoError(t, err)
		b := model.NewOutgoingBatch(id, "n1", "default")
		require.NoError(t, tx.InsertOutgoingBatch(b))
		require.NoError(t, tx.InsertDataEvents([]model.DataEvent{{DataID: 1, BatchID: id}, {DataID: 2, BatchID: id}}))

		got, err := s.OutgoingBatch(id)
		require.NoError(t, err)
		assert.Nil(t, got, "uncommitted batch must not be visible")

		require.NoError(t, tx.Commit())

		b.Status = model.BatchNew
		b.DataEventCount = 2
		require.NoError(t, tx.UpdateOutgoingBatch(b))
		require.NoError(t, tx.Commit())
		require.NoError(t, tx.Close())

		got, err = s.OutgoingBatch(id)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.BatchNew, got.Status)
		assert.Equal(t, int64(2), got.DataEventCount)

		batches, err := s.OutgoingBatches("n1")
		require.NoError(t, err)
		require.Len(t, batches, 1)
		assert.Equal(t, id, batches[0].BatchID)

		events, err := s.DataEvents(id)
		require.NoError(t, err)
		assert.Equal(t, []model.DataEvent{{DataID: 1, BatchID: id}, {DataID: 2, BatchID: id}}, events)
	})
}

func TestTransactionRollbackDiscards(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		tx, err := s.Begin()
		require.NoError(t, err)
		tx.SetInBatchMode(true)

		require.NoError(t, tx.SaveWatermark("default", 10))
		require.NoError(t, tx.Rollback())

		require.NoError(t, tx.SaveWatermark("default", 20))
		require.NoError(t, tx.Commit())
		require.NoError(t, tx.Close())

		wm, err := s.Watermark("default")
		require.NoError(t, err)
		assert.Equal(t, int64(20), wm)
	})
}

func TestTransactionCloseDiscardsPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		tx, err := s.Begin()
		require.NoError(t, err)
		tx.SetInBatchMode(true)

		require.NoError(t, tx.SaveWatermark("default", 10))
		require.NoError(t, tx.Close())
		require.NoError(t, tx.Close())

		wm, err := s.Watermark("default")
		require.NoError(t, err)
		assert.Equal(t, int64(0), wm)

		assert.ErrorIs(t, tx.SaveWatermark("default", 1), ErrTxnClosed)
		assert.ErrorIs(t, tx.Commit(), ErrTxnClosed)
	})
}

func TestDataGapsPerChannel(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		gaps, err := s.DataGaps("default")
		require.NoError(t, err)
		assert.Empty(t, gaps)

		tx, err := s.Begin()
		require.NoError(t, err)
		tx.SetInBatchMode(true)

		want := []model.DataGap{{StartID: 4, EndID: 4}, {StartID: 6, EndID: 105}}
		require.NoError(t, tx.SaveDataGaps("default", want))
		require.NoError(t, tx.SaveDataGaps("config", []model.DataGap{{StartID: 1, EndID: 10}}))
		require.NoError(t, tx.Commit())

		require.NoError(t, tx.SaveDataGaps("default", want[1:]))
		require.NoError(t, tx.Commit())
		require.NoError(t, tx.Close())

		gaps, err = s.DataGaps("default")
		require.NoError(t, err)
		assert.Equal(t, want[1:], gaps)

		gaps, err = s.DataGaps("config")
		require.NoError(t, err)
		assert.Equal(t, []model.DataGap{{StartID: 1, EndID: 10}}, gaps)
	})
}

func TestBatchIDsIncrease(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		tx, err := s.Begin()
		require.NoError(t, err)
		defer tx.Close()

		first, err := tx.NextBatchID()
		require.NoError(t, err)
		second, err := tx.NextBatchID()
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		third, err := tx.NextBatchID()
		require.NoError(t, err)

		assert.Less(t, first, second)
		assert.Less(t, second, third)
	})
}

func TestPebbleSequencesSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewPebbleStore(dir)
	require.NoError(t, err)
	appendRows(t, s, "default", 3)
	tx, err := s.Begin()
	require.NoError(t, err)
	batchID, err := tx.NextBatchID()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Close())
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close()

	ids := appendRows(t, s, "default", 1)
	assert.Equal(t, []int64{4}, ids)

	tx, err = s.Begin()
	require.NoError(t, err)
	defer tx.Close()
	next, err := tx.NextBatchID()
	require.NoError(t, err)
	assert.Greater(t, next, batchID)
}

func TestClosedStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err := s.Begin()
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.AppendData(&model.Data{ChannelID: "default"})
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("/gapt"), prefixUpperBound([]byte("/gaps")))
	assert.Equal(t, []byte{0x02}, prefixUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}

type recordingNotifier struct {
	signals []model.Data
}

func (r *recordingNotifier) Signal(channelID string, dataID int64) {
	r.signals = append(r.signals, model.Data{ChannelID: channelID, DataID: dataID})
}

func TestWithNotifierSignalsAppends(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		n := &recordingNotifier{}
		ns := WithNotifier(s, n)

		id, err := ns.AppendData(&model.Data{ChannelID: "orders", TableName: "orders", EventType: model.EventInsert})
		require.NoError(t, err)

		require.Len(t, n.signals, 1)
		assert.Equal(t, "orders", n.signals[0].ChannelID)
		assert.Equal(t, id, n.signals[0].DataID)

		require.NoError(t, s.Close())
		_, err = ns.AppendData(&model.Data{ChannelID: "orders"})
		assert.Error(t, err)
		assert.Len(t, n.signals, 1)
	})
}
