package weave

import (
	"strings"

	"github.com/golang/glog"
)

// applies structured node/connection mutations to the graph region,
// gated by the lock manager, and records accepted mutations in the
// history region.

const (
	graphNodeKeyPrefix = "node:"
	graphConnKeyPrefix = "conn:"
	graphIdKey         = "id"
	graphNameKey       = "name"
)

// node edits are gated by soft locks; connection edits are treated as
// low conflict risk and are not. a node edit leaves its lock to expire
// while a node remove releases immediately. toggled here.
const (
	gateConnectionEdits        = false
	releaseLockAfterNodeEdit   = false
	releaseLockAfterNodeRemove = true
)

type Node struct {
	Id   string         `json:"id"`
	Type string         `json:"type"`
	Name string         `json:"name,omitempty"`
	X    float64        `json:"x"`
	Y    float64        `json:"y"`
	Data map[string]any `json:"data,omitempty"`
}

type Connection struct {
	Id       string `json:"id"`
	FromNode string `json:"fromNode"`
	FromPort string `json:"fromPort,omitempty"`
	ToNode   string `json:"toNode"`
	ToPort   string `json:"toPort,omitempty"`
}

type Graph struct {
	Id          string                `json:"id"`
	Name        string                `json:"name"`
	Nodes       map[string]Node       `json:"nodes"`
	Connections map[string]Connection `json:"connections"`
}

// a shallow merge: set fields replace the stored field wholesale,
// including Data
type NodePatch struct {
	Type *string        `json:"type,omitempty"`
	Name *string        `json:"name,omitempty"`
	X    *float64       `json:"x,omitempty"`
	Y    *float64       `json:"y,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

func (self NodePatch) apply(node Node) Node {
	if self.Type != nil {
		node.Type = *self.Type
	}
	if self.Name != nil {
		node.Name = *self.Name
	}
	if self.X != nil {
		node.X = *self.X
	}
	if self.Y != nil {
		node.Y = *self.Y
	}
	if self.Data != nil {
		node.Data = self.Data
	}
	return node
}

type GraphFunction func(graph *Graph)

type GraphSync struct {
	store ReplicatedStore
	locks *LockManager
}

func NewGraphSync(store ReplicatedStore, locks *LockManager) *GraphSync {
	return &GraphSync{
		store: store,
		locks: locks,
	}
}

// bulk hydration. unconditionally overwrites the id/name scalars and
// every node/connection entry, not gated by locks.
func (self *GraphSync) SyncGraph(graph *Graph) {
	self.store.Set(RegionGraph, graphIdKey, graph.Id)
	self.store.Set(RegionGraph, graphNameKey, graph.Name)
	for nodeId, node := range graph.Nodes {
		self.store.Set(RegionGraph, graphNodeKeyPrefix+nodeId, node)
	}
	for connId, conn := range graph.Connections {
		self.store.Set(RegionGraph, graphConnKeyPrefix+connId, conn)
	}
	glog.V(1).Infof("[graph]sync %s nodes = %d conns = %d\n", graph.Id, len(graph.Nodes), len(graph.Connections))
}

// invokes the callback once immediately and then on every graph region
// change, each time with a full reconstruction. the returned function
// unsubscribes.
func (self *GraphSync) ObserveGraph(callback GraphFunction) func() {
	callback(self.Snapshot())
	return self.store.Observe(RegionGraph, func(event RegionEvent) {
		callback(self.Snapshot())
	})
}

// reconstructs the graph by scanning all keys and splitting by prefix
func (self *GraphSync) Snapshot() *Graph {
	graph := &Graph{
		Nodes:       map[string]Node{},
		Connections: map[string]Connection{},
	}
	for _, key := range self.store.Keys(RegionGraph) {
		value, ok := self.store.Get(RegionGraph, key)
		if !ok {
			continue
		}
		switch {
		case key == graphIdKey:
			if id, ok := CoerceValue[string](value); ok {
				graph.Id = id
			}
		case key == graphNameKey:
			if name, ok := CoerceValue[string](value); ok {
				graph.Name = name
			}
		case strings.HasPrefix(key, graphNodeKeyPrefix):
			if node, ok := CoerceValue[Node](value); ok {
				graph.Nodes[key[len(graphNodeKeyPrefix):]] = node
			}
		case strings.HasPrefix(key, graphConnKeyPrefix):
			if conn, ok := CoerceValue[Connection](value); ok {
				graph.Connections[key[len(graphConnKeyPrefix):]] = conn
			}
		}
	}
	return graph
}

func (self *GraphSync) node(nodeId string) (Node, bool) {
	value, ok := self.store.Get(RegionGraph, graphNodeKeyPrefix+nodeId)
	if !ok {
		return Node{}, false
	}
	return CoerceValue[Node](value)
}

// returns false if the node is locked by another live owner
func (self *GraphSync) AddNode(node Node) bool {
	if !self.locks.LockSoft(node.Id) {
		glog.V(1).Infof("[graph]add node %s denied\n", node.Id)
		return false
	}
	self.store.Set(RegionGraph, graphNodeKeyPrefix+node.Id, node)
	appendHistory(self.store, ActionNodeAdd, node)
	if releaseLockAfterNodeEdit {
		self.locks.Unlock(node.Id)
	}
	return true
}

// shallow-merges the patch into the stored node. returns false if the
// node is locked by another live owner or does not exist.
func (self *GraphSync) UpdateNode(nodeId string, patch NodePatch) bool {
	if !self.locks.LockSoft(nodeId) {
		glog.V(1).Infof("[graph]update node %s denied\n", nodeId)
		return false
	}
	node, ok := self.node(nodeId)
	if !ok {
		return false
	}
	self.store.Set(RegionGraph, graphNodeKeyPrefix+nodeId, patch.apply(node))
	appendHistory(self.store, ActionNodeUpdate, nodeUpdatePayload{
		Id:    nodeId,
		Patch: patch,
	})
	if releaseLockAfterNodeEdit {
		self.locks.Unlock(nodeId)
	}
	return true
}

// removes the node and cascades to every connection that references it.
// the cascade is not atomic: a disconnect mid-cascade can leave orphaned
// connections. the lock is released on completion.
func (self *GraphSync) RemoveNode(nodeId string) bool {
	if !self.locks.LockSoft(nodeId) {
		glog.V(1).Infof("[graph]remove node %s denied\n", nodeId)
		return false
	}
	self.store.Delete(RegionGraph, graphNodeKeyPrefix+nodeId)
	for _, key := range self.store.Keys(RegionGraph) {
		if !strings.HasPrefix(key, graphConnKeyPrefix) {
			continue
		}
		value, ok := self.store.Get(RegionGraph, key)
		if !ok {
			continue
		}
		conn, ok := CoerceValue[Connection](value)
		if !ok {
			continue
		}
		if conn.FromNode == nodeId || conn.ToNode == nodeId {
			self.store.Delete(RegionGraph, key)
		}
	}
	appendHistory(self.store, ActionNodeRemove, nodeRemovePayload{
		Id: nodeId,
	})
	if releaseLockAfterNodeRemove {
		self.locks.Unlock(nodeId)
	}
	return true
}

func (self *GraphSync) AddConnection(conn Connection) bool {
	if gateConnectionEdits && !self.locks.LockSoft(conn.Id) {
		return false
	}
	self.store.Set(RegionGraph, graphConnKeyPrefix+conn.Id, conn)
	appendHistory(self.store, ActionConnAdd, conn)
	return true
}

func (self *GraphSync) RemoveConnection(connId string) bool {
	if gateConnectionEdits && !self.locks.LockSoft(connId) {
		return false
	}
	self.store.Delete(RegionGraph, graphConnKeyPrefix+connId)
	appendHistory(self.store, ActionConnRemove, connRemovePayload{
		Id: connId,
	})
	return true
}

type nodeUpdatePayload struct {
	Id    string    `json:"id"`
	Patch NodePatch `json:"patch"`
}

type nodeRemovePayload struct {
	Id string `json:"id"`
}

type connRemovePayload struct {
	Id string `json:"id"`
}
