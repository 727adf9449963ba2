// Package store is the transactional boundary of the routing engine. A
// routing pass owns exactly one RoutingTransaction; changes written through
// it become visible only after Commit. A transaction may be committed or
// rolled back many times and keeps accepting writes until Close.
package store

import (
	"errors"
	"fmt"

	"github.com/maxpert/cdcroute/model"
)

var (
	ErrClosed      = errors.New("store is closed")
	ErrTxnClosed   = errors.New("transaction is closed")
	ErrUnknownKind = errors.New("unknown store kind")
)

// Store kinds accepted by Open
const (
	KindPebble = "pebble"
	KindSQLite = "sqlite"
)

// Transaction is the handle a routing session commits, rolls back and
// closes.
type Transaction interface {
	// SetInBatchMode buffers writes until Commit when enabled
	SetInBatchMode(enabled bool)
	Commit() error
	Rollback() error
	Close() error
}

// RoutingTransaction carries the writes a routing pass produces
type RoutingTransaction interface {
	Transaction
	NextBatchID() (int64, error)
	InsertOutgoingBatch(batch *model.OutgoingBatch) error
	UpdateOutgoingBatch(batch *model.OutgoingBatch) error
	InsertDataEvents(events []model.DataEvent) error
	SaveDataGaps(channelID string, gaps []model.DataGap) error
	SaveWatermark(channelID string, dataID int64) error
}

// Store holds captured changes and routing results
type Store interface {
	Begin() (RoutingTransaction, error)
	// AppendData captures a change and returns its assigned data ID
	AppendData(data *model.Data) (int64, error)
	// ReadData returns changes of any channel whose IDs fall in gaps, in ID
	// order, at most limit of them.
	ReadData(gaps []model.DataGap, limit int) ([]*model.Data, error)
	DataGaps(channelID string) ([]model.DataGap, error)
	Watermark(channelID string) (int64, error)
	OutgoingBatch(batchID int64) (*model.OutgoingBatch, error)
	OutgoingBatches(nodeID string) ([]*model.OutgoingBatch, error)
	DataEvents(batchID int64) ([]model.DataEvent, error)
	Close() error
}

// Open creates the store of the given kind under dataDir
func Open(kind, dataDir string) (Store, error) {
	switch kind {
	case KindPebble, "":
		return NewPebbleStore(dataDir)
	case KindSQLite:
		return NewSQLiteStore(dataDir)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}
