// Package algorithm defines batch completion policies and the registry that
// resolves them by the name configured on a channel.
package algorithm

import "github.com/maxpert/cdcroute/model"

// SessionView is the read-only slice of routing session state a policy may
// consult.
type SessionView interface {
	EncounteredTransactionBoundary() bool
	DataReadCount() int64
	UncommittedDataEventCount() int64
}

// BatchAlgorithm decides whether batch should close now that the change in
// meta was added to it. Implementations must not mutate their arguments.
type BatchAlgorithm interface {
	IsBatchComplete(batch *model.OutgoingBatch, meta model.DataMetadata, view SessionView) bool
}

// Func adapts a plain function to BatchAlgorithm
type Func func(batch *model.OutgoingBatch, meta model.DataMetadata, view SessionView) bool

func (f Func) IsBatchComplete(batch *model.OutgoingBatch, meta model.DataMetadata, view SessionView) bool {
	return f(batch, meta, view)
}

const (
	Default          = "default"
	NonTransactional = "nontransactional"
	Transactional    = "transactional"
)

// DefaultBatch closes a batch once it reaches the channel's max batch size,
// but only on a transaction boundary so a transaction is never split.
type DefaultBatch struct{}

func (DefaultBatch) IsBatchComplete(batch *model.OutgoingBatch, meta model.DataMetadata, view SessionView) bool {
	if batch == nil || meta.NodeChannel == nil {
		return false
	}
	return batch.DataEventCount >= meta.NodeChannel.MaxBatchSize && view.EncounteredTransactionBoundary()
}

// NonTransactionalBatch closes a batch at max batch size regardless of
// transaction boundaries.
type NonTransactionalBatch struct{}

func (NonTransactionalBatch) IsBatchComplete(batch *model.OutgoingBatch, meta model.DataMetadata, _ SessionView) bool {
	if batch == nil || meta.NodeChannel == nil {
		return false
	}
	return batch.DataEventCount >= meta.NodeChannel.MaxBatchSize
}

// TransactionalBatch produces one batch per source transaction
type TransactionalBatch struct{}

func (TransactionalBatch) IsBatchComplete(batch *model.OutgoingBatch, _ model.DataMetadata, view SessionView) bool {
	return batch != nil && view.EncounteredTransactionBoundary()
}
