package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/cdcroute/encoding"
	"github.com/maxpert/cdcroute/model"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixData      = "/data/"       // /data/{016x data id} -> model.Data
	prefixDataSeq   = "/dataseq"     // /dataseq -> last data id
	prefixBatch     = "/batch/"      // /batch/{016x batch id} -> model.OutgoingBatch
	prefixBatchSeq  = "/batchseq"    // /batchseq -> last batch id
	prefixNodeBatch = "/node-batch/" // /node-batch/{node}/{016x batch id} -> empty
	prefixEvent     = "/event/"      // /event/{016x batch id}/{016x data id} -> empty
	prefixGaps      = "/gaps/"       // /gaps/{channel} -> []model.DataGap
	prefixWatermark = "/watermark/"  // /watermark/{channel} -> data id
)

const (
	memTableSize                = 64 << 20
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	maxConcurrentCompactions    = 3
)

const defaultReadLimit = 1000

// PebbleStore keeps routing state in a Pebble database
type PebbleStore struct {
	db   *pebble.DB
	path string

	appendMu sync.Mutex
	dataSeq  atomic.Int64
	batchSeq atomic.Int64

	closed atomic.Bool
}

// NewPebbleStore opens or creates the store under dataDir
func NewPebbleStore(dataDir string) (*PebbleStore, error) {
	path := filepath.Join(dataDir, "routing")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open routing store at %s: %w", path, err)
	}

	s := &PebbleStore{db: db, path: path}

	dataSeq, err := s.loadSeq(prefixDataSeq)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load data sequence: %w", err)
	}
	batchSeq, err := s.loadSeq(prefixBatchSeq)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load batch sequence: %w", err)
	}
	s.dataSeq.Store(dataSeq)
	s.batchSeq.Store(batchSeq)

	log.Info().
		Str("path", path).
		Int64("data_seq", dataSeq).
		Int64("batch_seq", batchSeq).
		Msg("Opened pebble routing store")

	return s, nil
}

func (s *PebbleStore) loadSeq(key string) (int64, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	return int64(binary.LittleEndian.Uint64(val)), nil
}

func (s *PebbleStore) Begin() (RoutingTransaction, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return &pebbleTxn{store: s, batch: s.db.NewBatch()}, nil
}

func (s *PebbleStore) AppendData(data *model.Data) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	id := s.dataSeq.Load() + 1
	data.DataID = id

	val, err := encoding.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal data: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(dataKey(id), val, nil); err != nil {
		return 0, err
	}
	if err := batch.Set([]byte(prefixDataSeq), encodeInt64(id), nil); err != nil {
		return 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit data: %w", err)
	}

	s.dataSeq.Store(id)
	return id, nil
}

func (s *PebbleStore) ReadData(gaps []model.DataGap, limit int) ([]*model.Data, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	out := make([]*model.Data, 0)
	for _, g := range gaps {
		if len(out) >= limit {
			break
		}

		iter, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: dataKey(g.StartID),
			UpperBound: dataKey(g.EndID + 1),
		})
		if err != nil {
			return nil, err
		}

		for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
			val, err := iter.ValueAndErr()
			if err != nil {
				iter.Close()
				return nil, err
			}
			var d model.Data
			if err := encoding.Unmarshal(val, &d); err != nil {
				log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal data")
				continue
			}
			out = append(out, &d)
		}

		err = iter.Error()
		iter.Close()
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (s *PebbleStore) DataGaps(channelID string) ([]model.DataGap, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	val, closer, err := s.db.Get([]byte(prefixGaps + channelID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var gaps []model.DataGap
	if err := encoding.Unmarshal(val, &gaps); err != nil {
		return nil, fmt.Errorf("corrupted gaps for channel %s: %w", channelID, err)
	}
	return gaps, nil
}

func (s *PebbleStore) Watermark(channelID string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.loadSeq(prefixWatermark + channelID)
}

func (s *PebbleStore) OutgoingBatch(batchID int64) (*model.OutgoingBatch, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	val, closer, err := s.db.Get(batchKey(batchID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var b model.OutgoingBatch
	if err := encoding.Unmarshal(val, &b); err != nil {
		return nil, fmt.Errorf("corrupted batch %d: %w", batchID, err)
	}
	return &b, nil
}

func (s *PebbleStore) OutgoingBatches(nodeID string) ([]*model.OutgoingBatch, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := []byte(prefixNodeBatch + nodeID + "/")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []int64
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := parseHexID(iter.Key()[len(prefix):])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	batches := make([]*model.OutgoingBatch, 0, len(ids))
	for _, id := range ids {
		b, err := s.OutgoingBatch(id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			batches = append(batches, b)
		}
	}
	return batches, nil
}

func (s *PebbleStore) DataEvents(batchID int64) ([]model.DataEvent, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := []byte(fmt.Sprintf("%s%016x/", prefixEvent, batchID))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var events []model.DataEvent
	for iter.First(); iter.Valid(); iter.Next() {
		dataID, err := parseHexID(iter.Key()[len(prefix):])
		if err != nil {
			return nil, err
		}
		events = append(events, model.DataEvent{DataID: dataID, BatchID: batchID})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool { return events[i].DataID < events[j].DataID })
	return events, nil
}

func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Info().Str("path", s.path).Msg("Closing pebble routing store")
	return s.db.Close()
}

// pebbleTxn buffers writes in a Pebble batch. Commit applies the batch and
// starts a fresh one, Rollback discards it.
type pebbleTxn struct {
	store     *PebbleStore
	batch     *pebble.Batch
	batchMode bool
	closed    bool
}

func (t *pebbleTxn) SetInBatchMode(enabled bool) {
	t.batchMode = enabled
}

func (t *pebbleTxn) set(key, val []byte) error {
	if t.closed {
		return ErrTxnClosed
	}
	if t.store.closed.Load() {
		return ErrClosed
	}
	if err := t.batch.Set(key, val, nil); err != nil {
		return err
	}
	if t.batchMode {
		return nil
	}
	return t.Commit()
}

func (t *pebbleTxn) NextBatchID() (int64, error) {
	if t.closed {
		return 0, ErrTxnClosed
	}
	id := t.store.batchSeq.Add(1)
	// Ids consumed by a rolled back transaction are skipped, never reused.
	if err := t.store.db.Set([]byte(prefixBatchSeq), encodeInt64(id), pebble.NoSync); err != nil {
		return 0, fmt.Errorf("failed to persist batch sequence: %w", err)
	}
	return id, nil
}

func (t *pebbleTxn) InsertOutgoingBatch(batch *model.OutgoingBatch) error {
	if err := t.putBatch(batch); err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%s%s/%016x", prefixNodeBatch, batch.NodeID, batch.BatchID))
	return t.set(key, nil)
}

func (t *pebbleTxn) UpdateOutgoingBatch(batch *model.OutgoingBatch) error {
	return t.putBatch(batch)
}

func (t *pebbleTxn) putBatch(batch *model.OutgoingBatch) error {
	val, err := encoding.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch %d: %w", batch.BatchID, err)
	}
	return t.set(batchKey(batch.BatchID), val)
}

func (t *pebbleTxn) InsertDataEvents(events []model.DataEvent) error {
	for _, e := range events {
		key := []byte(fmt.Sprintf("%s%016x/%016x", prefixEvent, e.BatchID, e.DataID))
		if err := t.set(key, nil); err != nil {
			return err
		}
	}
	return nil
}

func (t *pebbleTxn) SaveDataGaps(channelID string, gaps []model.DataGap) error {
	val, err := encoding.Marshal(gaps)
	if err != nil {
		return fmt.Errorf("failed to marshal gaps: %w", err)
	}
	return t.set([]byte(prefixGaps+channelID), val)
}

func (t *pebbleTxn) SaveWatermark(channelID string, dataID int64) error {
	return t.set([]byte(prefixWatermark+channelID), encodeInt64(dataID))
}

func (t *pebbleTxn) Commit() error {
	if t.closed {
		return ErrTxnClosed
	}
	if t.store.closed.Load() {
		return ErrClosed
	}

	err := t.batch.Commit(pebble.Sync)
	t.batch.Close()
	t.batch = t.store.db.NewBatch()
	if err != nil {
		return fmt.Errorf("failed to commit routing batch: %w", err)
	}
	return nil
}

func (t *pebbleTxn) Rollback() error {
	if t.closed {
		return ErrTxnClosed
	}
	err := t.batch.Close()
	t.batch = t.store.db.NewBatch()
	return err
}

func (t *pebbleTxn) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.batch.Close()
}

func dataKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixData, id))
}

func batchKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixBatch, id))
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

func parseHexID(b []byte) (int64, error) {
	id, err := strconv.ParseInt(string(b), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id in key %q: %w", b, err)
	}
	return id, nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
