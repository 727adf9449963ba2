package router

import (
	"errors"
	"sort"
	"sync"

	"github.com/maxpert/cdcroute/model"
	"github.com/maxpert/cdcroute/store"
)

var errInjected = errors.New("injected commit failure")

// memStore is an in-memory store.Store whose transactions buffer writes
// until commit. failCommit makes the Nth commit (1-based) fail.
type memStore struct {
	mu         sync.Mutex
	data       []*model.Data
	batches    map[int64]*model.OutgoingBatch
	events     map[int64][]model.DataEvent
	gaps       map[string][]model.DataGap
	watermarks map[string]int64
	batchSeq   int64
	commits    int
	failCommit int
	gapSaves   int
	closes     int
	closeErr   error
}

func newMemStore() *memStore {
	return &memStore{
		batches:    make(map[int64]*model.OutgoingBatch),
		events:     make(map[int64][]model.DataEvent),
		gaps:       make(map[string][]model.DataGap),
		watermarks: make(map[string]int64),
	}
}

func (m *memStore) put(d *model.Data) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append(m.data, d)
	sort.Slice(m.data, func(i, j int) bool { return m.data[i].DataID < m.data[j].DataID })
}

func (m *memStore) Begin() (store.RoutingTransaction, error) {
	return &memTxn{store: m}, nil
}

func (m *memStore) AppendData(d *model.Data) (int64, error) {
	m.mu.Lock()
	id := int64(1)
	if n := len(m.data); n > 0 {
		id = m.data[n-1].DataID + 1
	}
	m.mu.Unlock()
	d.DataID = id
	m.put(d)
	return id, nil
}

func (m *memStore) ReadData(gaps []model.DataGap, limit int) ([]*model.Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Data
	for _, d := range m.data {
		if len(out) >= limit {
			break
		}
		for _, g := range gaps {
			if g.Contains(d.DataID) {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) DataGaps(channelID string) ([]model.DataGap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DataGap(nil), m.gaps[channelID]...), nil
}

func (m *memStore) Watermark(channelID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[channelID], nil
}

func (m *memStore) OutgoingBatch(batchID int64) (*model.OutgoingBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[batchID]; ok {
		c := *b
		return &c, nil
	}
	return nil, nil
}

func (m *memStore) OutgoingBatches(nodeID string) ([]*model.OutgoingBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.OutgoingBatch
	for _, b := range m.batches {
		if b.NodeID == nodeID {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out, nil
}

func (m *memStore) DataEvents(batchID int64) ([]model.DataEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DataEvent(nil), m.events[batchID]...), nil
}

func (m *memStore) Close() error { return nil }

// allEvents returns how many times each data ID was assigned to any batch
func (m *memStore) allEvents() map[int64]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]int)
	for _, events := range m.events {
		for _, e := range events {
			out[e.DataID]++
		}
	}
	return out
}

type memTxn struct {
	store  *memStore
	ops    []func(*memStore)
	closed bool
}

func (t *memTxn) SetInBatchMode(bool) {}

func (t *memTxn) queue(op func(*memStore)) error {
	if t.closed {
		return store.ErrTxnClosed
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *memTxn) NextBatchID() (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.batchSeq++
	return t.store.batchSeq, nil
}

func (t *memTxn) InsertOutgoingBatch(b *model.OutgoingBatch) error {
	c := *b
	return t.queue(func(m *memStore) { m.batches[c.BatchID] = &c })
}

func (t *memTxn) UpdateOutgoingBatch(b *model.OutgoingBatch) error {
	c := *b
	return t.queue(func(m *memStore) { m.batches[c.BatchID] = &c })
}

func (t *memTxn) InsertDataEvents(events []model.DataEvent) error {
	events = append([]model.DataEvent(nil), events...)
	return t.queue(func(m *memStore) {
		for _, e := range events {
			m.events[e.BatchID] = append(m.events[e.BatchID], e)
		}
	})
}

func (t *memTxn) SaveDataGaps(channelID string, gaps []model.DataGap) error {
	gaps = append([]model.DataGap(nil), gaps...)
	return t.queue(func(m *memStore) {
		m.gaps[channelID] = gaps
		m.gapSaves++
	})
}

func (t *memTxn) SaveWatermark(channelID string, dataID int64) error {
	return t.queue(func(m *memStore) { m.watermarks[channelID] = dataID })
}

func (t *memTxn) Commit() error {
	if t.closed {
		return store.ErrTxnClosed
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	t.store.commits++
	ops := t.ops
	t.ops = nil
	if t.store.failCommit > 0 && t.store.commits == t.store.failCommit {
		return errInjected
	}
	for _, op := range ops {
		op(t.store)
	}
	return nil
}

func (t *memTxn) Rollback() error {
	if t.closed {
		return store.ErrTxnClosed
	}
	t.ops = nil
	return nil
}

func (t *memTxn) Close() error {
	t.closed = true
	t.ops = nil
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.closes++
	return t.store.closeErr
}
