package model

import "time"

// BatchStatus is the lifecycle state of an outgoing batch
type BatchStatus string

const (
	// BatchRouting marks a batch still accepting events in a routing pass
	BatchRouting BatchStatus = "RT"
	// BatchNew marks a closed batch ready for extraction
	BatchNew BatchStatus = "NE"
	// BatchOK marks a batch acknowledged by its destination
	BatchOK BatchStatus = "OK"
)

// OutgoingBatch is a group of data events destined for one node
type OutgoingBatch struct {
	BatchID        int64       `msgpack:"id"`
	NodeID         string      `msgpack:"node"`
	ChannelID      string      `msgpack:"ch"`
	Status         BatchStatus `msgpack:"st"`
	LoadID         int64       `msgpack:"load"`
	CommonFlag     bool        `msgpack:"common"`
	DataEventCount int64       `msgpack:"events"`
	ByteCount      int64       `msgpack:"bytes"`
	InsertCount    int64       `msgpack:"ins"`
	UpdateCount    int64       `msgpack:"upd"`
	DeleteCount    int64       `msgpack:"del"`
	OtherCount     int64       `msgpack:"oth"`
	RouterMillis   int64       `msgpack:"rms"`
	CreateTime     time.Time   `msgpack:"ts"`
}

// NewOutgoingBatch returns an open batch for the node and channel
func NewOutgoingBatch(batchID int64, nodeID, channelID string) *OutgoingBatch {
	return &OutgoingBatch{
		BatchID:    batchID,
		NodeID:     nodeID,
		ChannelID:  channelID,
		Status:     BatchRouting,
		LoadID:     -1,
		CreateTime: time.Now(),
	}
}

// IncrementEventCount counts one more change of the given type
func (b *OutgoingBatch) IncrementEventCount(eventType EventType) {
	b.DataEventCount++
	switch eventType {
	case EventInsert:
		b.InsertCount++
	case EventUpdate:
		b.UpdateCount++
	case EventDelete:
		b.DeleteCount++
	default:
		b.OtherCount++
	}
}
