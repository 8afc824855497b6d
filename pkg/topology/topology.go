// Package topology keeps the node's view of the mesh graph as learnt from flooding.
//
// A Store is owned by the node's dispatch loop and is not safe for concurrent use.
package topology

import (
	"sort"

	"github.com/busybox42/meshnode/pkg/types"
)

// Store is an undirected graph of NodeID plus a type tag per node.
type Store struct {
	kinds map[types.NodeID]types.NodeType
	adj   map[types.NodeID]map[types.NodeID]struct{}
}

func New() *Store {
	return &Store{
		kinds: make(map[types.NodeID]types.NodeType),
		adj:   make(map[types.NodeID]map[types.NodeID]struct{}),
	}
}

func (s *Store) ensure(id types.NodeID) map[types.NodeID]struct{} {
	set, ok := s.adj[id]
	if !ok {
		set = make(map[types.NodeID]struct{})
		s.adj[id] = set
	}
	return set
}

// AddNode records id with the given type. A later call overrides the type.
// It returns true if anything changed.
func (s *Store) AddNode(id types.NodeID, t types.NodeType) bool {
	_, known := s.adj[id]
	prev, typed := s.kinds[id]
	s.ensure(id)
	s.kinds[id] = t
	return !known || !typed || prev != t
}

// RecordEdge adds the undirected edge a-b. It is idempotent and returns true only
// when the edge was not known before.
func (s *Store) RecordEdge(a, b types.NodeID) bool {
	if a == b {
		return false
	}
	sa, sb := s.ensure(a), s.ensure(b)
	if _, ok := sa[b]; ok {
		return false
	}
	sa[b] = struct{}{}
	sb[a] = struct{}{}
	return true
}

// InvalidateEdge removes a-b on evidence of a delivery failure. Nodes are kept.
func (s *Store) InvalidateEdge(a, b types.NodeID) bool {
	sa, ok := s.adj[a]
	if !ok {
		return false
	}
	if _, ok := sa[b]; !ok {
		return false
	}
	delete(sa, b)
	delete(s.adj[b], a)
	return true
}

// HasEdge reports whether a-b is known.
func (s *Store) HasEdge(a, b types.NodeID) bool {
	_, ok := s.adj[a][b]
	return ok
}

func (s *Store) NodeType(id types.NodeID) (types.NodeType, bool) {
	t, ok := s.kinds[id]
	return t, ok
}

// Neighbors returns the neighbors of id in ascending order.
func (s *Store) Neighbors(id types.NodeID) []types.NodeID {
	set := s.adj[id]
	out := make([]types.NodeID, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Nodes returns every known node in ascending order.
func (s *Store) Nodes() []types.NodeID {
	out := make([]types.NodeID, 0, len(s.adj))
	for id := range s.adj {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NodesOfType returns the known nodes tagged with t in ascending order.
func (s *Store) NodesOfType(t types.NodeType) []types.NodeID {
	var out []types.NodeID
	for _, id := range s.Nodes() {
		if k, ok := s.kinds[id]; ok && k == t {
			out = append(out, id)
		}
	}
	return out
}

// Edges returns every edge once, as {low, high} pairs in ascending order.
func (s *Store) Edges() [][2]types.NodeID {
	var out [][2]types.NodeID
	for _, a := range s.Nodes() {
		for _, b := range s.Neighbors(a) {
			if a < b {
				out = append(out, [2]types.NodeID{a, b})
			}
		}
	}
	return out
}

func (s *Store) Len() int {
	return len(s.adj)
}

// ShortestPath runs a breadth-first search from src to dst over the recorded edges.
// Neighbors are visited in ascending order, so ties resolve deterministically.
// Nodes known to be clients or servers are never used as interior hops, so a
// path that exists in the edge set only through an endpoint is not returned.
func (s *Store) ShortestPath(src, dst types.NodeID) (types.Route, bool) {
	if _, ok := s.adj[src]; !ok {
		return nil, false
	}
	if _, ok := s.adj[dst]; !ok {
		return nil, false
	}
	if src == dst {
		return types.Route{src}, true
	}

	parent := map[types.NodeID]types.NodeID{}
	visited := map[types.NodeID]bool{src: true}
	queue := []types.NodeID{src}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur == dst {
			route := types.Route{dst}
			for n := dst; n != src; {
				n = parent[n]
				route = append(route, n)
			}
			return route.Reverse(), true
		}

		if cur != src && !s.relays(cur) {
			continue
		}

		for _, next := range s.Neighbors(cur) {
			if visited[next] {
				continue
			}
			visited[next] = true
			parent[next] = cur
			queue = append(queue, next)
		}
	}

	return nil, false
}

// relays reports whether traffic may pass through id. Untyped nodes are assumed to relay.
func (s *Store) relays(id types.NodeID) bool {
	t, ok := s.kinds[id]
	return !ok || t == types.Drone
}

// NodeInfo is the reporting view of one node.
type NodeInfo struct {
	ID        types.NodeID   `json:"id"`
	Type      string         `json:"type,omitempty"`
	Neighbors []types.NodeID `json:"neighbors"`
}

// Snapshot is an immutable copy of the graph, safe to hand to other goroutines.
type Snapshot struct {
	Nodes []NodeInfo `json:"nodes"`
}

func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{Nodes: make([]NodeInfo, 0, len(s.adj))}
	for _, id := range s.Nodes() {
		info := NodeInfo{ID: id, Neighbors: s.Neighbors(id)}
		if t, ok := s.kinds[id]; ok {
			info.Type = t.String()
		}
		snap.Nodes = append(snap.Nodes, info)
	}
	return snap
}
