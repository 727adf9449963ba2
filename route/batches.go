package route

import (
	"sort"

	"github.com/maxpert/cdcroute/model"
)

// batchSet holds the open batch per destination node and per node group.
type batchSet struct {
	byNode  map[string]*model.OutgoingBatch
	byGroup map[string]map[string]*model.OutgoingBatch
}

func newBatchSet() batchSet {
	return batchSet{
		byNode:  make(map[string]*model.OutgoingBatch),
		byGroup: make(map[string]map[string]*model.OutgoingBatch),
	}
}

// OpenBatchForNode returns the open batch for nodeID, or nil
func (s *Session) OpenBatchForNode(nodeID string) *model.OutgoingBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches.byNode[nodeID]
}

// SetOpenBatchForNode makes batch the open batch of its node
func (s *Session) SetOpenBatchForNode(batch *model.OutgoingBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	s.batches.byNode[batch.NodeID] = batch
	return nil
}

// OpenBatchForGroup returns the open batch for nodeID within a node group
func (s *Session) OpenBatchForGroup(groupID, nodeID string) *model.OutgoingBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches.byGroup[groupID][nodeID]
}

// SetOpenBatchForGroup makes batch the open batch of its node within groupID
func (s *Session) SetOpenBatchForGroup(groupID string, batch *model.OutgoingBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	nodes, ok := s.batches.byGroup[groupID]
	if !ok {
		nodes = make(map[string]*model.OutgoingBatch)
		s.batches.byGroup[groupID] = nodes
	}
	nodes[batch.NodeID] = batch
	return nil
}

// OpenBatches returns every open batch once, ordered by batch ID
func (s *Session) OpenBatches() []*model.OutgoingBatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]struct{})
	var out []*model.OutgoingBatch
	add := func(b *model.OutgoingBatch) {
		if _, ok := seen[b.BatchID]; ok {
			return
		}
		seen[b.BatchID] = struct{}{}
		out = append(out, b)
	}

	for _, b := range s.batches.byNode {
		add(b)
	}
	for _, nodes := range s.batches.byGroup {
		for _, b := range nodes {
			add(b)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out
}
