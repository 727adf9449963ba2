package route

import "github.com/maxpert/cdcroute/model"

func (s *Session) SetProduceCommonBatches(v bool) {
	s.mu.Lock()
	s.produceCommonBatches = v
	s.mu.Unlock()
}

func (s *Session) ProduceCommonBatches() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.produceCommonBatches
}

func (s *Session) SetProduceGroupBatches(v bool) {
	s.mu.Lock()
	s.produceGroupBatches = v
	s.mu.Unlock()
}

func (s *Session) ProduceGroupBatches() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.produceGroupBatches
}

func (s *Session) SetOnlyDefaultRoutersAssigned(v bool) {
	s.mu.Lock()
	s.onlyDefaultRoutersAssigned = v
	s.mu.Unlock()
}

func (s *Session) OnlyDefaultRoutersAssigned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlyDefaultRoutersAssigned
}

func (s *Session) SetOverrideContainsBigLob(v bool) {
	s.mu.Lock()
	s.overrideContainsBigLob = v
	s.mu.Unlock()
}

// ContainsBigLob reports whether the pass treats the channel as carrying
// large objects, either by configuration or by override.
func (s *Session) ContainsBigLob() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrideContainsBigLob || s.channel.ContainsBigLob
}

func (s *Session) SetLastLoadID(id int64) {
	s.mu.Lock()
	s.lastLoadID = id
	s.mu.Unlock()
}

func (s *Session) LastLoadID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLoadID
}

// SetEncounteredTransactionBoundary is cleared by every commit and rollback
func (s *Session) SetEncounteredTransactionBoundary(v bool) {
	s.mu.Lock()
	s.encounteredTxBoundary = v
	s.mu.Unlock()
}

func (s *Session) EncounteredTransactionBoundary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encounteredTxBoundary
}

// SetRequestGapDetection is cleared by every commit and rollback unless the
// session re-arms it on rollback.
func (s *Session) SetRequestGapDetection(v bool) {
	s.mu.Lock()
	s.requestGapDetection = v
	s.mu.Unlock()
}

func (s *Session) RequestGapDetection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestGapDetection
}

func (s *Session) SetLastDataProcessed(d *model.Data) {
	s.mu.Lock()
	s.lastDataProcessed = d
	s.mu.Unlock()
}

func (s *Session) LastDataProcessed() *model.Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDataProcessed
}
