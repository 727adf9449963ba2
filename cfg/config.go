package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/maxpert/cdcroute/algorithm"
	"github.com/maxpert/cdcroute/model"
	"github.com/maxpert/cdcroute/store"
	"github.com/rs/zerolog/log"
)

// RoutingConfiguration controls routing passes and the routing store
type RoutingConfiguration struct {
	Store           string  `toml:"store"` // "pebble" or "sqlite"
	PollIntervalMS  int     `toml:"poll_interval_ms"`
	ReadLimit       int     `toml:"read_limit"` // changes read per pass when a channel sets none
	MaxGapSize      int64   `toml:"max_gap_size"`
	MatchCacheSize  int     `toml:"match_cache_size"`
	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
	StatsIntervalS  int     `toml:"stats_interval_seconds"`

	// Re-request gap detection on the next pass after a rollback
	RearmGapDetectionOnRollback bool `toml:"rearm_gap_detection_on_rollback"`
}

// ChannelConfiguration describes one routing channel
type ChannelConfiguration struct {
	ID             string `toml:"id"`
	BatchAlgorithm string `toml:"batch_algorithm"`
	MaxBatchSize   int64  `toml:"max_batch_size"`
	MaxDataToRoute int    `toml:"max_data_to_route"`
	ContainsBigLob bool   `toml:"contains_big_lob"`
	Disabled       bool   `toml:"disabled"`
}

// NodeConfiguration describes a destination node
type NodeConfiguration struct {
	ID           string `toml:"id"`
	Group        string `toml:"group"`
	SyncDisabled bool   `toml:"sync_disabled"`
}

// TriggerRouterConfiguration links captured tables of a channel to a node group
type TriggerRouterConfiguration struct {
	ID          string `toml:"id"`
	Channel     string `toml:"channel"`
	SourceTable string `toml:"source_table"` // glob, empty matches every table
	RouterType  string `toml:"router_type"`
	TargetGroup string `toml:"target_group"`
	GroupBatch  bool   `toml:"group_batch"`
	Disabled    bool   `toml:"disabled"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// AdminConfiguration for the admin HTTP endpoints
type AdminConfiguration struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"` // empty disables authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID      string `toml:"node_id"`
	NodeGroupID string `toml:"node_group_id"`
	DataDir     string `toml:"data_dir"`

	Routing        RoutingConfiguration         `toml:"routing"`
	Channels       []ChannelConfiguration       `toml:"channels"`
	Nodes          []NodeConfiguration          `toml:"nodes"`
	TriggerRouters []TriggerRouterConfiguration `toml:"trigger_routers"`
	Logging        LoggingConfiguration         `toml:"logging"`
	Prometheus     PrometheusConfiguration      `toml:"prometheus"`
	Admin          AdminConfiguration           `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.String("node-id", "", "Node ID (overrides config, empty=auto)")
	StoreFlag      = flag.String("store", "", "Routing store: pebble or sqlite (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:      "", // Auto-generate
	NodeGroupID: "default",
	DataDir:     "./cdcroute-data",

	Routing: RoutingConfiguration{
		Store:           store.KindPebble,
		PollIntervalMS:  500,
		ReadLimit:       1000,
		MaxGapSize:      50_000_000,
		MatchCacheSize:  1024,
		RetryInitialMS:  100,
		RetryMaxMS:      30_000,
		RetryMultiplier: 2.0,
		StatsIntervalS:  60,
	},

	Channels: []ChannelConfiguration{
		{ID: "default", BatchAlgorithm: algorithm.Default, MaxBatchSize: 1000},
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "127.0.0.1",
		Port:    8090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != "" {
		Config.NodeID = *NodeIDFlag
	}
	if *StoreFlag != "" {
		Config.Routing.Store = *StoreFlag
	}

	if Config.NodeID == "" {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Str("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID derives a stable node ID from the machine ID
func generateNodeID() (string, error) {
	id, err := machineid.ProtectedID("cdcroute")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.NodeID == "" {
		return fmt.Errorf("node ID is required")
	}

	r := Config.Routing
	if r.Store != store.KindPebble && r.Store != store.KindSQLite {
		return fmt.Errorf("invalid routing store: %q", r.Store)
	}
	if r.PollIntervalMS < 1 {
		return fmt.Errorf("routing poll interval must be >= 1ms")
	}
	if r.ReadLimit < 1 {
		return fmt.Errorf("routing read limit must be >= 1")
	}
	if r.MaxGapSize < 1 {
		return fmt.Errorf("routing max gap size must be >= 1")
	}
	if r.RetryInitialMS < 1 {
		return fmt.Errorf("routing retry initial delay must be >= 1ms")
	}
	if r.RetryMaxMS < r.RetryInitialMS {
		return fmt.Errorf("routing retry max delay must be >= retry initial delay")
	}
	if r.RetryMultiplier < 1 {
		return fmt.Errorf("routing retry multiplier must be >= 1")
	}

	channels := make(map[string]bool, len(Config.Channels))
	for _, ch := range Config.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channel ID is required")
		}
		if channels[ch.ID] {
			return fmt.Errorf("duplicate channel: %s", ch.ID)
		}
		channels[ch.ID] = true

		if _, err := algorithm.DefaultRegistry().Resolve(ch.BatchAlgorithm); err != nil {
			return fmt.Errorf("channel %s: %w", ch.ID, err)
		}
		if ch.MaxBatchSize < 0 || ch.MaxDataToRoute < 0 {
			return fmt.Errorf("channel %s: batch and read limits must be >= 0", ch.ID)
		}
	}

	nodes := make(map[string]bool, len(Config.Nodes))
	for _, n := range Config.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node ID is required for every node")
		}
		if nodes[n.ID] {
			return fmt.Errorf("duplicate node: %s", n.ID)
		}
		nodes[n.ID] = true
	}

	triggers := make(map[string]bool, len(Config.TriggerRouters))
	for _, tr := range Config.TriggerRouters {
		if tr.ID == "" {
			return fmt.Errorf("trigger router ID is required")
		}
		if triggers[tr.ID] {
			return fmt.Errorf("duplicate trigger router: %s", tr.ID)
		}
		triggers[tr.ID] = true

		if !channels[tr.Channel] {
			return fmt.Errorf("trigger router %s: unknown channel %q", tr.ID, tr.Channel)
		}
		if tr.TargetGroup == "" {
			return fmt.Errorf("trigger router %s: target group is required", tr.ID)
		}
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid Prometheus port: %d", Config.Prometheus.Port)
	}
	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin endpoints require a token
func IsAdminAuthEnabled() bool {
	return Config.Admin.AuthToken != ""
}

// GetAdminToken returns the admin bearer token
func GetAdminToken() string {
	return Config.Admin.AuthToken
}

// NodeChannels converts the channel configuration to routing channels
func (c *Configuration) NodeChannels() []*model.NodeChannel {
	out := make([]*model.NodeChannel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		out = append(out, &model.NodeChannel{
			ChannelID:      ch.ID,
			BatchAlgorithm: ch.BatchAlgorithm,
			MaxBatchSize:   ch.MaxBatchSize,
			MaxDataToRoute: ch.MaxDataToRoute,
			ContainsBigLob: ch.ContainsBigLob,
			Enabled:        !ch.Disabled,
		})
	}
	return out
}

// RoutingNodes converts the node configuration, including this node
func (c *Configuration) RoutingNodes() []*model.Node {
	out := make([]*model.Node, 0, len(c.Nodes)+1)
	self := false
	for _, n := range c.Nodes {
		self = self || n.ID == c.NodeID
		out = append(out, &model.Node{
			NodeID:      n.ID,
			NodeGroupID: n.Group,
			SyncEnabled: !n.SyncDisabled,
		})
	}
	if !self {
		out = append(out, &model.Node{NodeID: c.NodeID, NodeGroupID: c.NodeGroupID, SyncEnabled: true})
	}
	return out
}

// RoutingTriggerRouters converts the trigger router configuration
func (c *Configuration) RoutingTriggerRouters() []*model.TriggerRouter {
	out := make([]*model.TriggerRouter, 0, len(c.TriggerRouters))
	for _, tr := range c.TriggerRouters {
		out = append(out, &model.TriggerRouter{
			TriggerRouterID:   tr.ID,
			ChannelID:         tr.Channel,
			SourceTable:       tr.SourceTable,
			RouterType:        tr.RouterType,
			TargetNodeGroupID: tr.TargetGroup,
			GroupBatch:        tr.GroupBatch,
			Enabled:           !tr.Disabled,
		})
	}
	return out
}
