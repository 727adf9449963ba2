// Package router drives routing passes: it reads captured changes that fall
// in a channel's data gaps, assigns them to outgoing batches through a
// routing session and persists the new gap list and watermark.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/cdcroute/algorithm"
	"github.com/maxpert/cdcroute/gap"
	"github.com/maxpert/cdcroute/model"
	"github.com/maxpert/cdcroute/route"
	"github.com/maxpert/cdcroute/store"
	"github.com/maxpert/cdcroute/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const DefaultReadLimit = 1000

// Config configures a Router
type Config struct {
	NodeID         string
	Store          store.Store
	Channels       []*model.NodeChannel
	Nodes          []*model.Node
	TriggerRouters []*model.TriggerRouter
	Algorithms     *algorithm.Registry
	// ReadLimit caps changes read per pass when a channel sets no
	// MaxDataToRoute.
	ReadLimit                   int
	MaxGapSize                  int64
	RearmGapDetectionOnRollback bool
	MatchCacheSize              int
}

// PassResult summarizes one routing pass of a channel
type PassResult struct {
	ChannelID        string        `json:"channel_id"`
	DataRead         int           `json:"data_read"`
	DataRouted       int           `json:"data_routed"`
	DataEvents       int64         `json:"data_events"`
	BatchesCompleted int           `json:"batches_completed"`
	Gaps             int           `json:"gaps"`
	Watermark        int64         `json:"watermark"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
}

// Router routes every configured channel
type Router struct {
	nodeID     string
	store      store.Store
	channels   []*model.NodeChannel
	nodes      []*model.Node
	index      *TriggerRouterIndex
	algorithms *algorithm.Registry
	detector   gap.Detector
	readLimit  int
	rearm      bool

	sessions *xsync.MapOf[string, *route.Session]

	// channels whose last pass rolled back with gap detection re-armed
	pendingMu        sync.Mutex
	pendingDetection map[string]bool
}

// New validates cfg and builds a Router. Channel batch algorithms and
// trigger router types are resolved eagerly.
func New(cfg Config) (*Router, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}

	algorithms := cfg.Algorithms
	if algorithms == nil {
		algorithms = algorithm.DefaultRegistry()
	}
	for _, ch := range cfg.Channels {
		if _, err := algorithms.Resolve(ch.BatchAlgorithm); err != nil {
			return nil, fmt.Errorf("%w: channel %s: %w", route.ErrConfiguration, ch.ChannelID, err)
		}
	}
	for _, tr := range cfg.TriggerRouters {
		if _, err := lookupDataRouter(tr.RouterType); err != nil {
			return nil, fmt.Errorf("%w: trigger router %s: %w", route.ErrConfiguration, tr.TriggerRouterID, err)
		}
	}

	index, err := NewTriggerRouterIndex(cfg.TriggerRouters, cfg.MatchCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", route.ErrConfiguration, err)
	}

	readLimit := cfg.ReadLimit
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}

	return &Router{
		nodeID:           cfg.NodeID,
		store:            cfg.Store,
		channels:         cfg.Channels,
		nodes:            cfg.Nodes,
		index:            index,
		algorithms:       algorithms,
		detector:         gap.Detector{MaxGapSize: cfg.MaxGapSize},
		readLimit:        readLimit,
		rearm:            cfg.RearmGapDetectionOnRollback,
		sessions:         xsync.NewMapOf[string, *route.Session](),
		pendingDetection: make(map[string]bool),
	}, nil
}

// Channels returns the configured channels
func (r *Router) Channels() []*model.NodeChannel {
	return r.channels
}

// RoutePass runs one pass for every enabled channel. A failing channel does
// not stop the others; their errors are joined.
func (r *Router) RoutePass(ctx context.Context) ([]PassResult, error) {
	results := make([]PassResult, 0, len(r.channels))
	var errs []error

	for _, ch := range r.channels {
		if !ch.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		res, err := r.RouteChannel(ctx, ch)
		if err != nil {
			res.Error = err.Error()
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.ChannelID, err))
		}
		results = append(results, res)
	}

	return results, errors.Join(errs...)
}

// RouteChannel runs a routing pass for one channel inside one store
// transaction. On any failure the session is rolled back, leaving gaps and
// watermark as they were after the last successful commit.
func (r *Router) RouteChannel(ctx context.Context, ch *model.NodeChannel) (result PassResult, err error) {
	start := time.Now()
	result.ChannelID = ch.ChannelID

	persisted, err := r.store.DataGaps(ch.ChannelID)
	if err != nil {
		return result, fmt.Errorf("%w: read gaps: %w", route.ErrStore, err)
	}
	if len(persisted) == 0 {
		persisted = r.detector.Detect(nil, nil)
	}
	watermark, err := r.store.Watermark(ch.ChannelID)
	if err != nil {
		return result, fmt.Errorf("%w: read watermark: %w", route.ErrStore, err)
	}

	tx, err := r.store.Begin()
	if err != nil {
		return result, fmt.Errorf("%w: begin: %w", route.ErrStore, err)
	}

	session, err := route.NewSession(tx, route.Options{
		NodeID:                      r.nodeID,
		Channel:                     ch,
		Algorithms:                  r.algorithms,
		DataGaps:                    persisted,
		RearmGapDetectionOnRollback: r.rearm,
	})
	if err != nil {
		if cerr := tx.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("channel", ch.ChannelID).Msg("Failed to close routing transaction")
		}
		return result, err
	}

	r.sessions.Store(ch.ChannelID, session)
	telemetry.ActiveSessions.Inc()

	defer func() {
		r.sessions.Delete(ch.ChannelID)
		telemetry.ActiveSessions.Dec()

		if err != nil {
			session.Rollback()
			r.setPendingDetection(ch.ChannelID, session.RequestGapDetection())
		}
		if cerr := session.Cleanup(); cerr != nil && err == nil {
			err = cerr
		}

		result.Duration = time.Since(start)
		session.IncrementStat(route.StatTotalMs, result.Duration.Milliseconds())
		session.LogStats(result.Duration)

		outcome := "success"
		if err != nil {
			outcome = "failed"
		}
		telemetry.PassesTotal.With(ch.ChannelID, outcome).Inc()
		telemetry.PassDurationSeconds.With(ch.ChannelID).Observe(result.Duration.Seconds())
	}()

	pass := &channelPass{
		router:    r,
		tx:        tx,
		session:   session,
		channel:   ch,
		watermark: watermark,
		result:    &result,
	}
	if err = pass.run(ctx); err != nil {
		return result, err
	}

	r.setPendingDetection(ch.ChannelID, false)
	return result, nil
}

func (r *Router) setPendingDetection(channelID string, pending bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if pending {
		r.pendingDetection[channelID] = true
	} else {
		delete(r.pendingDetection, channelID)
	}
}

func (r *Router) takePendingDetection(channelID string) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return r.pendingDetection[channelID]
}

// availableNodes returns sync enabled nodes of the trigger router's target
// group, excluding this node.
func (r *Router) availableNodes(tr *model.TriggerRouter) []*model.Node {
	var out []*model.Node
	for _, n := range r.nodes {
		if n.SyncEnabled && n.NodeID != r.nodeID && n.NodeGroupID == tr.TargetNodeGroupID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// ActiveSessionCount implements telemetry.SessionStatsProvider
func (r *Router) ActiveSessionCount() int {
	return r.sessions.Size()
}

// LogSessionStats implements telemetry.SessionStatsProvider
func (r *Router) LogSessionStats() {
	r.sessions.Range(func(_ string, s *route.Session) bool {
		s.LogStats(s.Elapsed())
		return true
	})
}

// SessionStats returns snapshots of the sessions currently routing
func (r *Router) SessionStats() []route.StatsSnapshot {
	var out []route.StatsSnapshot
	r.sessions.Range(func(_ string, s *route.Session) bool {
		out = append(out, s.Stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// channelPass is the state of one RouteChannel call
type channelPass struct {
	router    *Router
	tx        store.RoutingTransaction
	session   *route.Session
	channel   *model.NodeChannel
	watermark int64
	result    *PassResult

	pendingGaps      int
	pendingWatermark int64
}

func (p *channelPass) run(ctx context.Context) error {
	r := p.router
	ch := p.channel
	s := p.session

	trs := r.index.ForChannel(ch.ChannelID)
	onlyDefault := true
	groupBatches := false
	for _, tr := range trs {
		if tr.RouterType != "" && tr.RouterType != RouterDefault {
			onlyDefault = false
		}
		groupBatches = groupBatches || tr.GroupBatch
	}
	s.SetOnlyDefaultRoutersAssigned(onlyDefault)
	s.SetProduceCommonBatches(onlyDefault && !groupBatches)
	s.SetProduceGroupBatches(groupBatches)

	if r.takePendingDetection(ch.ChannelID) {
		s.SetRequestGapDetection(true)
	}

	limit := r.readLimit
	if ch.MaxDataToRoute > 0 {
		limit = ch.MaxDataToRoute
	}

	gaps := s.DataGaps()
	readStart := time.Now()
	data, err := r.store.ReadData(gaps, limit)
	if err != nil {
		return fmt.Errorf("%w: read data: %w", route.ErrStore, err)
	}
	readMs := time.Since(readStart).Milliseconds()
	s.IncrementStat(route.StatReadDataQueryMs, readMs)
	s.IncrementStat(route.StatReadDataTotalMs, readMs)
	s.IncrementDataReadCount(int64(len(data)))
	s.IncrementPeekAheadFillCount(1)
	s.ObservePeekAheadQueueSize(int64(len(data)))
	p.result.DataRead = len(data)
	telemetry.DataReadTotal.With(ch.ChannelID).Add(float64(len(data)))

	if len(data) > 0 {
		if err := s.SetDataIDRange(data[0].DataID, data[len(data)-1].DataID); err != nil {
			return err
		}
	}

	var lastID int64 = -1
	for i, d := range data {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.DataID <= lastID {
			s.SetRequestGapDetection(true)
		}
		lastID = d.DataID

		s.SetEncounteredTransactionBoundary(isTransactionBoundary(data, i))
		s.SetLastDataProcessed(d)

		if err := p.routeData(d); err != nil {
			return err
		}

		if s.NeedsCommitted() {
			if err := p.completeBatchesAndCommit(); err != nil {
				return err
			}
		}
		s.ResetForNextData()
	}

	return p.finish()
}

// isTransactionBoundary reports whether data[i] is the last change of its
// source transaction among the changes read. Changes without a transaction
// ID stand alone.
func isTransactionBoundary(data []*model.Data, i int) bool {
	if i+1 >= len(data) || data[i].TransactionID == "" {
		return true
	}
	return data[i+1].TransactionID != data[i].TransactionID
}

func (p *channelPass) routeData(d *model.Data) error {
	s := p.session
	if d.ChannelID != p.channel.ChannelID {
		return s.AddData(d.DataID)
	}

	start := time.Now()
	routed := false
	// overlapping trigger routers may reach the same batch, it holds a change once
	filled := make(map[int64]struct{})
	for _, tr := range p.router.index.Match(p.channel.ChannelID, d.TableName) {
		dr, err := lookupDataRouter(tr.RouterType)
		if err != nil {
			return fmt.Errorf("%w: %w", route.ErrConfiguration, err)
		}

		nodes, cached := s.AvailableNodes(tr.TriggerRouterID)
		if !cached {
			nodes = p.router.availableNodes(tr)
			s.SetAvailableNodes(tr.TriggerRouterID, nodes)
		}

		meta := model.DataMetadata{Data: d, NodeChannel: p.channel, TriggerRouter: tr}
		targets := dr.RouteToNodes(meta, nodes)
		s.AddUsedDataRouter(routerName(tr))

		for _, node := range targets {
			batch, err := p.openBatch(tr, node)
			if err != nil {
				return err
			}
			if _, ok := filled[batch.BatchID]; ok {
				continue
			}
			filled[batch.BatchID] = struct{}{}
			if err := s.AddToBatch(batch, meta); err != nil {
				return err
			}
			if s.IsBatchComplete(batch, meta) {
				s.SetNeedsCommitted(true)
			}
			routed = true
		}
	}
	s.IncrementStat(route.StatDataRouterMs, time.Since(start).Milliseconds())

	if !routed {
		log.Debug().
			Str("channel", p.channel.ChannelID).
			Int64("data_id", d.DataID).
			Str("table", d.TableName).
			Msg("Change matched no destination")
		return s.AddData(d.DataID)
	}

	s.IncrementStat(route.StatDataRouted, 1)
	p.result.DataRouted++
	telemetry.DataRoutedTotal.With(p.channel.ChannelID).Inc()
	return nil
}

func routerName(tr *model.TriggerRouter) string {
	if tr.RouterType == "" {
		return RouterDefault
	}
	return tr.RouterType
}

// openBatch returns the open batch for node, starting one when needed
func (p *channelPass) openBatch(tr *model.TriggerRouter, node *model.Node) (*model.OutgoingBatch, error) {
	s := p.session

	var batch *model.OutgoingBatch
	if tr.GroupBatch {
		batch = s.OpenBatchForGroup(tr.TargetNodeGroupID, node.NodeID)
	} else {
		batch = s.OpenBatchForNode(node.NodeID)
	}
	if batch != nil {
		return batch, nil
	}

	id, err := p.tx.NextBatchID()
	if err != nil {
		return nil, fmt.Errorf("%w: allocate batch: %w", route.ErrStore, err)
	}
	batch = model.NewOutgoingBatch(id, node.NodeID, p.channel.ChannelID)
	batch.LoadID = s.LastLoadID()
	batch.CommonFlag = s.ProduceCommonBatches()
	if err := p.tx.InsertOutgoingBatch(batch); err != nil {
		return nil, fmt.Errorf("%w: insert batch %d: %w", route.ErrStore, id, err)
	}

	if tr.GroupBatch {
		err = s.SetOpenBatchForGroup(tr.TargetNodeGroupID, batch)
	} else {
		err = s.SetOpenBatchForNode(batch)
	}
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("channel", p.channel.ChannelID).
		Str("node", node.NodeID).
		Int64("batch_id", id).
		Msg("Opened outgoing batch")
	return batch, nil
}

// completeBatchesAndCommit writes queued data events, marks every open
// batch ready, records gap and watermark progress and commits. Progress is
// committed together with the batches so a later failure never re-routes
// changes that already reached a committed batch.
func (p *channelPass) completeBatchesAndCommit() error {
	s := p.session
	start := time.Now()

	events := s.DataEvents()
	if len(events) > 0 {
		if err := p.tx.InsertDataEvents(events); err != nil {
			return fmt.Errorf("%w: insert data events: %w", route.ErrStore, err)
		}
		s.ClearDataEvents()
		s.IncrementStat(route.StatDataEventsInserted, int64(len(events)))
	}
	s.IncrementStat(route.StatInsertDataEventsMs, time.Since(start).Milliseconds())

	batches := s.OpenBatches()
	routerMillis := s.Elapsed().Milliseconds()
	for _, b := range batches {
		b.Status = model.BatchNew
		b.RouterMillis = routerMillis
		if err := p.tx.UpdateOutgoingBatch(b); err != nil {
			return fmt.Errorf("%w: update batch %d: %w", route.ErrStore, b.BatchID, err)
		}
	}

	if err := p.saveProgress(); err != nil {
		return err
	}

	committedBefore := s.CommittedDataEventCount()
	if err := s.Commit(); err != nil {
		return err
	}

	p.result.DataEvents += s.CommittedDataEventCount() - committedBefore
	p.result.BatchesCompleted += len(batches)
	telemetry.BatchesCompletedTotal.With(p.channel.ChannelID).Add(float64(len(batches)))
	s.IncrementStat(route.StatEnqueueDataMs, time.Since(start).Milliseconds())
	return nil
}

// saveProgress recomputes the gap list from every change seen so far and
// advances the watermark. Nothing is written when no change was seen and
// gap detection was not requested.
func (p *channelPass) saveProgress() error {
	s := p.session

	processed := append(s.DataIDs(), s.UncommittedDataIDs()...)
	if len(processed) == 0 && !s.RequestGapDetection() {
		return nil
	}

	gaps := p.router.detector.Detect(s.PersistedDataGaps(), processed)
	if err := s.SetDataGaps(gaps); err != nil {
		return err
	}
	if err := p.tx.SaveDataGaps(p.channel.ChannelID, gaps); err != nil {
		return fmt.Errorf("%w: save gaps: %w", route.ErrStore, err)
	}
	p.pendingGaps = len(gaps)

	watermark := p.watermark
	for _, id := range processed {
		watermark = max(watermark, id)
	}
	if watermark > p.watermark {
		if err := p.tx.SaveWatermark(p.channel.ChannelID, watermark); err != nil {
			return fmt.Errorf("%w: save watermark: %w", route.ErrStore, err)
		}
	}
	p.pendingWatermark = watermark
	return nil
}

// finish commits what remains of the pass
func (p *channelPass) finish() error {
	s := p.session
	start := time.Now()

	p.pendingGaps = len(s.DataGaps())
	p.pendingWatermark = p.watermark
	if err := p.completeBatchesAndCommit(); err != nil {
		return err
	}
	s.IncrementStat(route.StatEnqueueEODMs, time.Since(start).Milliseconds())

	p.result.Gaps = p.pendingGaps
	p.result.Watermark = p.pendingWatermark
	telemetry.DataGapsTracked.With(p.channel.ChannelID).Set(float64(p.pendingGaps))

	if p.result.DataRead > 0 {
		log.Info().
			Str("channel", p.channel.ChannelID).
			Int("read", p.result.DataRead).
			Int("routed", p.result.DataRouted).
			Int("batches", p.result.BatchesCompleted).
			Int("gaps", p.pendingGaps).
			Int64("watermark", p.pendingWatermark).
			Msg("Routing pass complete")
	}
	return nil
}
