// Package route holds the routing session: the per-pass state a router
// accumulates while assigning captured changes to outgoing batches, bound to
// a single store transaction.
//
// A session is driven by one goroutine. Stats and LogStats may be called
// from any goroutine while it runs.
package route

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/cdcroute/algorithm"
	"github.com/maxpert/cdcroute/gap"
	"github.com/maxpert/cdcroute/model"
	"github.com/maxpert/cdcroute/store"
	"github.com/maxpert/cdcroute/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of a session
type State int

const (
	StateOpen State = iota
	StateCommitPending
	StateRolledBack
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateCommitPending:
		return "COMMIT_PENDING"
	case StateRolledBack:
		return "ROLLED_BACK"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configure a new session
type Options struct {
	NodeID  string
	Channel *model.NodeChannel
	// Algorithms resolves the channel's batch algorithm. Nil uses the
	// process-wide registry.
	Algorithms *algorithm.Registry
	// DataGaps is the gap list persisted by the previous pass
	DataGaps []model.DataGap
	// RearmGapDetectionOnRollback leaves gap detection requested after a
	// rollback so the next pass recomputes gaps.
	RearmGapDetectionOnRollback bool
	Logger                      *zerolog.Logger
}

// Session is the mutable state of one routing pass
type Session struct {
	tx        store.Transaction
	nodeID    string
	channel   *model.NodeChannel
	algorithm algorithm.BatchAlgorithm
	logger    zerolog.Logger
	rearmGaps bool
	createdAt time.Time

	mu sync.Mutex

	batches          batchSet
	availableNodes   map[string][]*model.Node
	usedDataRouters  map[string]struct{}
	dataEventsToSend []model.DataEvent

	needsCommitted bool
	rolledBack     bool
	closed         bool

	produceCommonBatches       bool
	produceGroupBatches        bool
	onlyDefaultRoutersAssigned bool
	overrideContainsBigLob     bool
	encounteredTxBoundary      bool
	requestGapDetection        bool
	lastLoadID                 int64
	lastDataProcessed          *model.Data

	startDataID           int64
	endDataID             int64
	dataReadCount         int64
	dataRereadCount       int64
	peekAheadFillCount    int64
	maxPeekAheadQueueSize int64
	stats                 map[string]int64

	gaps                      *gap.Tracker
	lastDataID                int64
	dataIDs                   []int64
	uncommittedDataIDs        []int64
	uncommittedDataEventCount int64
	committedDataEventCount   int64
}

// NewSession binds a session to tx and puts tx in batch mode. The channel's
// batch algorithm is resolved here, an unknown name fails with
// ErrConfiguration.
func NewSession(tx store.Transaction, opts Options) (*Session, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: session requires a transaction", ErrConsistency)
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("%w: session requires a channel", ErrConfiguration)
	}

	registry := opts.Algorithms
	if registry == nil {
		registry = algorithm.DefaultRegistry()
	}
	algo, err := registry.Resolve(opts.Channel.BatchAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %s: %w", ErrConfiguration, opts.Channel.ChannelID, err)
	}

	tracker, err := gap.NewTracker(opts.DataGaps)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %s: %w", ErrConsistency, opts.Channel.ChannelID, err)
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Session{
		tx:              tx,
		nodeID:          opts.NodeID,
		channel:         opts.Channel,
		algorithm:       algo,
		logger:          logger.With().Str("channel", opts.Channel.ChannelID).Logger(),
		rearmGaps:       opts.RearmGapDetectionOnRollback,
		createdAt:       time.Now(),
		batches:         newBatchSet(),
		availableNodes:  make(map[string][]*model.Node),
		usedDataRouters: make(map[string]struct{}),
		lastLoadID:      -1,
		lastDataID:      -1,
		stats:           make(map[string]int64),
		gaps:            tracker,
	}

	tx.SetInBatchMode(true)
	return s, nil
}

func (s *Session) NodeID() string {
	return s.nodeID
}

func (s *Session) Channel() *model.NodeChannel {
	return s.channel
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.closed:
		return StateClosed
	case s.rolledBack:
		return StateRolledBack
	case s.needsCommitted:
		return StateCommitPending
	}
	return StateOpen
}

func (s *Session) usableLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.rolledBack {
		return ErrSessionRolledBack
	}
	return nil
}

// AddData records that dataID was seen in this pass. A repeat of the last
// seen ID is ignored.
func (s *Session) AddData(dataID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	s.addDataLocked(dataID)
	return nil
}

func (s *Session) addDataLocked(dataID int64) {
	if dataID != s.lastDataID {
		s.uncommittedDataIDs = append(s.uncommittedDataIDs, dataID)
		s.lastDataID = dataID
	}
}

// AddDataEvent queues the assignment of dataID to batchID for insertion and
// records dataID as seen. Batch limits are not checked here.
func (s *Session) AddDataEvent(dataID, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	s.addDataEventLocked(dataID, batchID)
	return nil
}

func (s *Session) addDataEventLocked(dataID, batchID int64) {
	s.dataEventsToSend = append(s.dataEventsToSend, model.DataEvent{DataID: dataID, BatchID: batchID})
	s.addDataLocked(dataID)
	s.uncommittedDataEventCount++
}

// AddToBatch counts the change in meta against batch and queues its data
// event.
func (s *Session) AddToBatch(batch *model.OutgoingBatch, meta model.DataMetadata) error {
	if batch == nil || meta.Data == nil {
		return fmt.Errorf("%w: batch and data are required", ErrConsistency)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	batch.IncrementEventCount(meta.Data.EventType)
	batch.ByteCount += meta.Data.Size()
	s.addDataEventLocked(meta.Data.DataID, batch.BatchID)
	return nil
}

// IsBatchComplete asks the channel's batch algorithm whether batch should
// close now. It has no side effects.
func (s *Session) IsBatchComplete(batch *model.OutgoingBatch, meta model.DataMetadata) bool {
	if meta.NodeChannel == nil {
		meta.NodeChannel = s.channel
	}
	return s.algorithm.IsBatchComplete(batch, meta, s)
}

// Commit commits the transaction. On success the uncommitted data IDs and
// event count become committed. Working state is cleared either way.
func (s *Session) Commit() error {
	s.mu.Lock()
	err := s.usableLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.commit()
}

func (s *Session) commit() error {
	if s.tx == nil {
		return fmt.Errorf("%w: commit without a transaction", ErrConsistency)
	}
	defer s.clearState()

	if err := s.tx.Commit(); err != nil {
		telemetry.SessionCommitsTotal.With("failed").Inc()
		return fmt.Errorf("%w: commit: %w", ErrStore, err)
	}

	s.mu.Lock()
	s.dataIDs = append(s.dataIDs, s.uncommittedDataIDs...)
	s.committedDataEventCount += s.uncommittedDataEventCount
	committed := s.uncommittedDataEventCount
	s.needsCommitted = false
	s.mu.Unlock()

	telemetry.SessionCommitsTotal.With("success").Inc()
	telemetry.DataEventsCommittedTotal.Add(float64(committed))
	return nil
}

// Rollback rolls the transaction back and discards working state. A failed
// rollback is logged, not returned. The session cannot be used for routing
// afterwards; only Cleanup remains.
func (s *Session) Rollback() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn().Msg("Rollback called on a closed routing session")
		return
	}
	first := !s.rolledBack
	s.rolledBack = true
	s.mu.Unlock()

	defer func() {
		s.clearState()
		if s.rearmGaps {
			s.mu.Lock()
			s.requestGapDetection = true
			s.mu.Unlock()
		}
	}()

	if !first {
		return
	}
	if err := s.tx.Rollback(); err != nil {
		telemetry.SessionRollbacksTotal.With("failed").Inc()
		s.logger.Warn().Err(err).Msg("Failed to roll back routing transaction")
		return
	}
	telemetry.SessionRollbacksTotal.With("success").Inc()
}

// Cleanup ends the session: it commits anything left unless the session was
// rolled back, then closes the transaction on every path. Failures are
// returned as *EngineError. Only the first call does any work.
func (s *Session) Cleanup() (err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.closed = true
	rolledBack := s.rolledBack
	s.mu.Unlock()

	defer func() {
		closeErr := s.tx.Close()
		s.tx = nil
		if closeErr == nil {
			return
		}
		s.logger.Warn().Err(closeErr).Msg("Failed to close routing transaction")
		if err == nil {
			err = &EngineError{Op: "close", Err: fmt.Errorf("%w: %w", ErrStore, closeErr)}
		}
	}()

	if rolledBack {
		return nil
	}
	if cerr := s.commit(); cerr != nil {
		var engineErr *EngineError
		if errors.As(cerr, &engineErr) {
			return cerr
		}
		return &EngineError{Op: "cleanup", Err: cerr}
	}
	return nil
}

// ResetForNextData clears the commit request before the next change
func (s *Session) ResetForNextData() {
	s.mu.Lock()
	s.needsCommitted = false
	s.mu.Unlock()
}

func (s *Session) clearState() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usedDataRouters = make(map[string]struct{})
	s.encounteredTxBoundary = false
	s.requestGapDetection = false
	s.batches = newBatchSet()
	s.availableNodes = make(map[string][]*model.Node)
	s.dataEventsToSend = nil
	s.uncommittedDataIDs = nil
	s.uncommittedDataEventCount = 0
}

// SetNeedsCommitted requests a commit before the next change is routed
func (s *Session) SetNeedsCommitted(needs bool) {
	s.mu.Lock()
	s.needsCommitted = needs
	s.mu.Unlock()
}

func (s *Session) NeedsCommitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsCommitted
}

// DataEvents returns the queued data events not yet written to the store
func (s *Session) DataEvents() []model.DataEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DataEvent, len(s.dataEventsToSend))
	copy(out, s.dataEventsToSend)
	return out
}

// ClearDataEvents drops queued data events once they are written
func (s *Session) ClearDataEvents() {
	s.mu.Lock()
	s.dataEventsToSend = nil
	s.mu.Unlock()
}

func (s *Session) AddUsedDataRouter(name string) {
	s.mu.Lock()
	s.usedDataRouters[name] = struct{}{}
	s.mu.Unlock()
}

// UsedDataRouters returns the names of data routers used since the last
// commit, sorted.
func (s *Session) UsedDataRouters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.usedDataRouters))
	for name := range s.usedDataRouters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AvailableNodes returns the cached destination nodes of a trigger router
func (s *Session) AvailableNodes(triggerRouterID string) ([]*model.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes, ok := s.availableNodes[triggerRouterID]
	return nodes, ok
}

func (s *Session) SetAvailableNodes(triggerRouterID string, nodes []*model.Node) {
	s.mu.Lock()
	s.availableNodes[triggerRouterID] = nodes
	s.mu.Unlock()
}
