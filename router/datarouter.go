package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/cdcroute/model"
)

// Built-in data router types
const (
	RouterDefault = "default"
	RouterHash    = "hash"
)

// DataRouter picks the destination nodes of one change among the nodes a
// trigger router makes available.
type DataRouter interface {
	RouteToNodes(meta model.DataMetadata, nodes []*model.Node) []*model.Node
}

// DataRouterFunc adapts a function to DataRouter
type DataRouterFunc func(meta model.DataMetadata, nodes []*model.Node) []*model.Node

func (f DataRouterFunc) RouteToNodes(meta model.DataMetadata, nodes []*model.Node) []*model.Node {
	return f(meta, nodes)
}

var (
	dataRouters   = make(map[string]DataRouter)
	dataRoutersMu sync.RWMutex
)

func init() {
	RegisterDataRouter(RouterDefault, DataRouterFunc(routeToAll))
	RegisterDataRouter(RouterHash, DataRouterFunc(routeByKeyHash))
}

// RegisterDataRouter registers a data router under a router type name
func RegisterDataRouter(routerType string, r DataRouter) {
	dataRoutersMu.Lock()
	defer dataRoutersMu.Unlock()
	dataRouters[routerType] = r
}

// DataRouterTypes returns the registered router type names, sorted
func DataRouterTypes() []string {
	dataRoutersMu.RLock()
	defer dataRoutersMu.RUnlock()
	names := make([]string, 0, len(dataRouters))
	for name := range dataRouters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupDataRouter(routerType string) (DataRouter, error) {
	if routerType == "" {
		routerType = RouterDefault
	}

	dataRoutersMu.RLock()
	r, exists := dataRouters[routerType]
	dataRoutersMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown router type: %s", routerType)
	}
	return r, nil
}

func routeToAll(_ model.DataMetadata, nodes []*model.Node) []*model.Node {
	return nodes
}

// routeByKeyHash sends each row to a single node chosen by its primary key,
// so all changes of a row land on the same node.
func routeByKeyHash(meta model.DataMetadata, nodes []*model.Node) []*model.Node {
	if len(nodes) == 0 || meta.Data == nil {
		return nil
	}
	h := xxhash.Sum64String(meta.Data.TableName + "\x00" + meta.Data.PKData)
	return []*model.Node{nodes[h%uint64(len(nodes))]}
}
