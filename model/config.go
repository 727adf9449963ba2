package model

// NodeChannel is the channel descriptor a routing pass runs under
type NodeChannel struct {
	ChannelID      string `msgpack:"ch"`
	BatchAlgorithm string `msgpack:"algo"`
	MaxBatchSize   int64  `msgpack:"max_batch"`
	MaxDataToRoute int    `msgpack:"max_route"`
	ContainsBigLob bool   `msgpack:"big_lob"`
	Enabled        bool   `msgpack:"enabled"`
}

// Node is a replication destination
type Node struct {
	NodeID      string `msgpack:"id"`
	NodeGroupID string `msgpack:"group"`
	SyncEnabled bool   `msgpack:"sync"`
}

// TriggerRouter binds captured tables of a channel to a router that picks
// destination nodes within a target group.
type TriggerRouter struct {
	TriggerRouterID   string `msgpack:"id"`
	ChannelID         string `msgpack:"ch"`
	SourceTable       string `msgpack:"table"`
	RouterType        string `msgpack:"router"`
	TargetNodeGroupID string `msgpack:"target"`
	GroupBatch        bool   `msgpack:"group_batch"`
	Enabled           bool   `msgpack:"enabled"`
}
