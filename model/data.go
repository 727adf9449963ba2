// Package model holds the value types shared by the routing core, the
// stores and the router. Types carry msgpack tags because the Pebble store
// persists them through the encoding package.
package model

import (
	"fmt"
	"time"
)

// EventType is the kind of row mutation captured in a Data record
type EventType string

const (
	EventInsert EventType = "I"
	EventUpdate EventType = "U"
	EventDelete EventType = "D"
	EventSQL    EventType = "S"
)

// Data is one captured row-level change. DataID is strictly increasing in
// capture order but may contain holes (see DataGap).
type Data struct {
	DataID        int64     `msgpack:"id"`
	ChannelID     string    `msgpack:"ch"`
	TableName     string    `msgpack:"tbl"`
	EventType     EventType `msgpack:"ev"`
	RowData       string    `msgpack:"row,omitempty"`
	PKData        string    `msgpack:"pk,omitempty"`
	OldData       string    `msgpack:"old,omitempty"`
	TransactionID string    `msgpack:"tx,omitempty"`
	SourceNodeID  string    `msgpack:"src,omitempty"`
	CreateTime    time.Time `msgpack:"ts"`
}

// Size approximates the number of bytes the change contributes to a batch
func (d *Data) Size() int64 {
	if d == nil {
		return 0
	}
	return int64(len(d.RowData) + len(d.PKData) + len(d.OldData) + len(d.TableName))
}

func (d *Data) String() string {
	if d == nil {
		return "<nil>"
	}
	return fmt.Sprintf("data[%d %s %s]", d.DataID, d.EventType, d.TableName)
}

// DataEvent records that a change was assigned to an outgoing batch
type DataEvent struct {
	DataID  int64 `msgpack:"d"`
	BatchID int64 `msgpack:"b"`
}

// DataMetadata is what a batch algorithm sees about the change being routed
type DataMetadata struct {
	Data          *Data
	NodeChannel   *NodeChannel
	TriggerRouter *TriggerRouter
}
