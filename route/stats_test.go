package route

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/cdcroute/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogStatsSilentAboveDebug(t *testing.T) {
	buf := &syncBuffer{}
	logger := zerolog.New(buf).Level(zerolog.InfoLevel)
	s := newTestSession(t, &fakeTx{}, func(o *Options) { o.Logger = &logger })

	s.IncrementDataReadCount(10)
	s.LogStats(time.Second)

	assert.Empty(t, buf.String())
}

func TestLogStatsWritesCounters(t *testing.T) {
	buf := &syncBuffer{}
	logger := zerolog.New(buf).Level(zerolog.DebugLevel)
	s := newTestSession(t, &fakeTx{}, func(o *Options) {
		o.Logger = &logger
		o.DataGaps = []model.DataGap{{StartID: 4, EndID: 4}, {StartID: 6, EndID: 105}}
	})

	require.NoError(t, s.SetDataIDRange(1, 105))
	s.IncrementDataReadCount(3)
	s.IncrementDataRereadCount(1)
	s.IncrementPeekAheadFillCount(2)
	s.ObservePeekAheadQueueSize(7)
	s.ObservePeekAheadQueueSize(3)
	s.IncrementStat(StatDataRouted, 3)
	s.IncrementStat(StatTotalMs, 12)

	s.LogStats(250 * time.Millisecond)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(buf.String()), &entry))
	assert.Equal(t, "Routing session stats", entry["message"])
	assert.Equal(t, "default", entry["channel"])
	assert.Equal(t, float64(3), entry["data_read_count"])
	assert.Equal(t, float64(7), entry["max_peek_ahead_queue_size"])
	assert.Equal(t, "[4,4],[6,105]", entry["data_gaps"])

	stats, ok := entry["stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), stats[StatDataRouted])
	assert.Equal(t, float64(12), stats[StatTotalMs])
}

func TestLogStatsConcurrentWithRouting(t *testing.T) {
	buf := &syncBuffer{}
	logger := zerolog.New(buf).Level(zerolog.DebugLevel)
	s := newTestSession(t, &fakeTx{}, func(o *Options) { o.Logger = &logger })

	stop := make(chan struct{})
	logged := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var once sync.Once
		for {
			s.LogStats(time.Millisecond)
			snap := s.Stats()
			assert.Equal(t, "default", snap.ChannelID)
			once.Do(func() { close(logged) })

			select {
			case <-stop:
				return
			default:
			}
		}
	}()
	<-logged

	for id := int64(1); id <= 500; id++ {
		require.NoError(t, s.AddDataEvent(id, id/50+1))
		s.IncrementDataReadCount(1)
		s.IncrementStat(StatDataRouted, 1)
		if id%50 == 0 {
			require.NoError(t, s.Commit())
			require.NoError(t, s.SetDataGaps([]model.DataGap{{StartID: id + 1, EndID: id + 100}}))
		}
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(500), s.CommittedDataEventCount())
	assert.Equal(t, int64(500), s.Stat(StatDataRouted))
	assert.NotEmpty(t, buf.String())
}

func TestReadsDoNotChangeBatchDecision(t *testing.T) {
	logger := zerolog.New(&syncBuffer{}).Level(zerolog.DebugLevel)
	ch := testChannel()
	ch.MaxBatchSize = 2
	s := newTestSession(t, &fakeTx{}, func(o *Options) {
		o.Logger = &logger
		o.Channel = ch
	})

	b := model.NewOutgoingBatch(1, "n1", "default")
	meta := model.DataMetadata{Data: &model.Data{DataID: 1, EventType: model.EventInsert}}
	require.NoError(t, s.AddToBatch(b, meta))
	require.NoError(t, s.AddToBatch(b, meta))
	s.SetEncounteredTransactionBoundary(true)

	before := s.IsBatchComplete(b, meta)
	s.LogStats(time.Second)
	_ = s.Stats()
	_ = s.DataIDs()
	_ = s.UncommittedDataIDs()
	_ = s.OpenBatches()
	assert.Equal(t, before, s.IsBatchComplete(b, meta))
	assert.True(t, before)
	assert.Equal(t, int64(2), b.DataEventCount)
}

func TestSetDataGapsRejectsProcessedIDs(t *testing.T) {
	s := newTestSession(t, &fakeTx{})

	require.NoError(t, s.AddData(10))
	require.NoError(t, s.Commit())
	require.NoError(t, s.AddData(20))

	err := s.SetDataGaps([]model.DataGap{{StartID: 5, EndID: 12}})
	assert.ErrorIs(t, err, ErrConsistency)

	err = s.SetDataGaps([]model.DataGap{{StartID: 15, EndID: 25}})
	assert.ErrorIs(t, err, ErrConsistency)

	require.NoError(t, s.SetDataGaps([]model.DataGap{{StartID: 11, EndID: 19}, {StartID: 21, EndID: 120}}))
	assert.Equal(t, []model.DataGap{{StartID: 11, EndID: 19}, {StartID: 21, EndID: 120}}, s.DataGaps())
	assert.Empty(t, s.PersistedDataGaps())
}

func TestSetDataIDRange(t *testing.T) {
	s := newTestSession(t, &fakeTx{})

	assert.ErrorIs(t, s.SetDataIDRange(10, 5), ErrConsistency)
	require.NoError(t, s.SetDataIDRange(5, 10))
	assert.Equal(t, int64(5), s.StartDataID())
	assert.Equal(t, int64(10), s.EndDataID())
}

func TestStatsSnapshot(t *testing.T) {
	s := newTestSession(t, &fakeTx{})
	require.NoError(t, s.AddDataEvent(1, 1))
	require.NoError(t, s.Commit())
	require.NoError(t, s.AddDataEvent(2, 1))
	s.IncrementStat(StatDataEventsInserted, 2)

	snap := s.Stats()
	assert.Equal(t, "root", snap.NodeID)
	assert.Equal(t, "OPEN", snap.State)
	assert.Equal(t, int64(1), snap.CommittedDataEventCount)
	assert.Equal(t, int64(1), snap.UncommittedDataEventCount)
	assert.Equal(t, 1, snap.CommittedDataIDs)
	assert.Equal(t, int64(2), snap.Stats[StatDataEventsInserted])

	snap.Stats[StatDataEventsInserted] = 99
	assert.Equal(t, int64(2), s.Stat(StatDataEventsInserted))
	assert.GreaterOrEqual(t, s.Elapsed(), time.Duration(0))
	assert.False(t, s.CreatedAt().IsZero())
}
