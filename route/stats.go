package route

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/maxpert/cdcroute/model"
	"github.com/rs/zerolog"
)

// Named statistics a router records on its session
const (
	StatInsertDataEventsMs = "data.events.insert.time.ms"
	StatDataRouterMs       = "data.router.time.ms"
	StatReadDataQueryMs    = "data.read.query.time.ms"
	StatReadDataTotalMs    = "data.read.total.time.ms"
	StatRereadDataMs       = "data.reread.time.ms"
	StatEnqueueDataMs      = "data.enqueue.time.ms"
	StatEnqueueEODMs       = "data.enqueue.eod.time.ms"
	StatDataEventsInserted = "data.events.insert.count"
	StatDataRouted         = "data.routed.count"
	StatTotalMs            = "total.time.ms"
)

// StatsSnapshot is a consistent copy of a session's statistics
type StatsSnapshot struct {
	ChannelID                 string           `json:"channel_id"`
	NodeID                    string           `json:"node_id"`
	State                     string           `json:"state"`
	CreatedAt                 time.Time        `json:"created_at"`
	ElapsedMillis             int64            `json:"elapsed_ms"`
	StartDataID               int64            `json:"start_data_id"`
	EndDataID                 int64            `json:"end_data_id"`
	DataReadCount             int64            `json:"data_read_count"`
	DataRereadCount           int64            `json:"data_reread_count"`
	PeekAheadFillCount        int64            `json:"peek_ahead_fill_count"`
	MaxPeekAheadQueueSize     int64            `json:"max_peek_ahead_queue_size"`
	CommittedDataEventCount   int64            `json:"committed_data_event_count"`
	UncommittedDataEventCount int64            `json:"uncommitted_data_event_count"`
	CommittedDataIDs          int              `json:"committed_data_ids"`
	DataGaps                  []model.DataGap  `json:"data_gaps"`
	Stats                     map[string]int64 `json:"stats"`
}

// SetDataIDRange records the ID range the pass covers
func (s *Session) SetDataIDRange(start, end int64) error {
	if start > end {
		return fmt.Errorf("%w: start data id %d is past end data id %d", ErrConsistency, start, end)
	}
	s.mu.Lock()
	s.startDataID = start
	s.endDataID = end
	s.mu.Unlock()
	return nil
}

func (s *Session) StartDataID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startDataID
}

func (s *Session) EndDataID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endDataID
}

func (s *Session) IncrementDataReadCount(n int64) {
	s.mu.Lock()
	s.dataReadCount += n
	s.mu.Unlock()
}

func (s *Session) DataReadCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataReadCount
}

func (s *Session) IncrementDataRereadCount(n int64) {
	s.mu.Lock()
	s.dataRereadCount += n
	s.mu.Unlock()
}

func (s *Session) DataRereadCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataRereadCount
}

func (s *Session) IncrementPeekAheadFillCount(n int64) {
	s.mu.Lock()
	s.peekAheadFillCount += n
	s.mu.Unlock()
}

func (s *Session) PeekAheadFillCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peekAheadFillCount
}

// ObservePeekAheadQueueSize keeps the high-water mark of the peek-ahead queue
func (s *Session) ObservePeekAheadQueueSize(size int64) {
	s.mu.Lock()
	if size > s.maxPeekAheadQueueSize {
		s.maxPeekAheadQueueSize = size
	}
	s.mu.Unlock()
}

func (s *Session) MaxPeekAheadQueueSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPeekAheadQueueSize
}

func (s *Session) IncrementStat(name string, delta int64) {
	s.mu.Lock()
	s.stats[name] += delta
	s.mu.Unlock()
}

func (s *Session) Stat(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[name]
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) Elapsed() time.Duration {
	return time.Since(s.createdAt)
}

func (s *Session) DataGaps() []model.DataGap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gaps.Gaps()
}

// PersistedDataGaps returns the gap list the session was created with
func (s *Session) PersistedDataGaps() []model.DataGap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gaps.Persisted()
}

// SetDataGaps replaces the gap list. It fails with ErrConsistency if the
// list is malformed or covers an ID added in this pass.
func (s *Session) SetDataGaps(gaps []model.DataGap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	added := make([]int64, 0, len(s.dataIDs)+len(s.uncommittedDataIDs))
	added = append(added, s.dataIDs...)
	added = append(added, s.uncommittedDataIDs...)
	if err := s.gaps.Set(gaps, added); err != nil {
		return fmt.Errorf("%w: %w", ErrConsistency, err)
	}
	return nil
}

// DataIDs returns the committed data IDs in the order they were added
func (s *Session) DataIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.dataIDs)
}

func (s *Session) UncommittedDataIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.uncommittedDataIDs)
}

func (s *Session) CommittedDataEventCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committedDataEventCount
}

func (s *Session) UncommittedDataEventCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uncommittedDataEventCount
}

// Stats returns a snapshot taken under the session lock
func (s *Session) Stats() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]int64, len(s.stats))
	for k, v := range s.stats {
		stats[k] = v
	}

	return StatsSnapshot{
		ChannelID:                 s.channel.ChannelID,
		NodeID:                    s.nodeID,
		State:                     s.stateLocked().String(),
		CreatedAt:                 s.createdAt,
		ElapsedMillis:             time.Since(s.createdAt).Milliseconds(),
		StartDataID:               s.startDataID,
		EndDataID:                 s.endDataID,
		DataReadCount:             s.dataReadCount,
		DataRereadCount:           s.dataRereadCount,
		PeekAheadFillCount:        s.peekAheadFillCount,
		MaxPeekAheadQueueSize:     s.maxPeekAheadQueueSize,
		CommittedDataEventCount:   s.committedDataEventCount,
		UncommittedDataEventCount: s.uncommittedDataEventCount,
		CommittedDataIDs:          len(s.dataIDs),
		DataGaps:                  s.gaps.Gaps(),
		Stats:                     stats,
	}
}

// LogStats writes the session statistics at debug level. It does nothing
// when debug logging is off.
func (s *Session) LogStats(totalTime time.Duration) {
	ev := s.logger.Debug()
	if !ev.Enabled() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.stats))
	for name := range s.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	dict := zerolog.Dict()
	for _, name := range names {
		dict.Int64(name, s.stats[name])
	}

	ev.Int64("start_data_id", s.startDataID).
		Int64("end_data_id", s.endDataID).
		Int64("data_read_count", s.dataReadCount).
		Int64("peek_ahead_fill_count", s.peekAheadFillCount).
		Int64("max_peek_ahead_queue_size", s.maxPeekAheadQueueSize).
		Int64("data_reread_count", s.dataRereadCount).
		Int64("committed_data_events", s.committedDataEventCount).
		Str("data_gaps", s.gaps.String()).
		Dict("stats", dict).
		Dur("total_time", totalTime).
		Msg("Routing session stats")
}
