package router

import (
	"fmt"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/cdcroute/model"
)

const defaultMatchCacheSize = 1024

type triggerEntry struct {
	triggerRouter *model.TriggerRouter
	table         glob.Glob
}

// TriggerRouterIndex finds the enabled trigger routers of a channel whose
// source table pattern matches a captured table. An empty pattern matches
// every table.
type TriggerRouterIndex struct {
	entries []triggerEntry
	cache   *lru.Cache[string, []*model.TriggerRouter]
}

func NewTriggerRouterIndex(triggerRouters []*model.TriggerRouter, cacheSize int) (*TriggerRouterIndex, error) {
	if cacheSize <= 0 {
		cacheSize = defaultMatchCacheSize
	}
	cache, err := lru.New[string, []*model.TriggerRouter](cacheSize)
	if err != nil {
		return nil, err
	}

	idx := &TriggerRouterIndex{
		entries: make([]triggerEntry, 0, len(triggerRouters)),
		cache:   cache,
	}
	for _, tr := range triggerRouters {
		if !tr.Enabled {
			continue
		}
		pattern := tr.SourceTable
		if pattern == "" {
			pattern = "*"
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid source table pattern %q for trigger router %s: %w",
				tr.SourceTable, tr.TriggerRouterID, err)
		}
		idx.entries = append(idx.entries, triggerEntry{triggerRouter: tr, table: g})
	}
	return idx, nil
}

// Match returns the trigger routers for table on channelID
func (x *TriggerRouterIndex) Match(channelID, table string) []*model.TriggerRouter {
	key := channelID + "\x00" + table
	if hit, ok := x.cache.Get(key); ok {
		return hit
	}

	var out []*model.TriggerRouter
	for _, e := range x.entries {
		if e.triggerRouter.ChannelID == channelID && e.table.Match(table) {
			out = append(out, e.triggerRouter)
		}
	}
	x.cache.Add(key, out)
	return out
}

// ForChannel returns every enabled trigger router of channelID
func (x *TriggerRouterIndex) ForChannel(channelID string) []*model.TriggerRouter {
	var out []*model.TriggerRouter
	for _, e := range x.entries {
		if e.triggerRouter.ChannelID == channelID {
			out = append(out, e.triggerRouter)
		}
	}
	return out
}
