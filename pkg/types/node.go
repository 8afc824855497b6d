// pkg/types/node.go
package types

import (
	"fmt"
	"strings"
)

// NodeID identifies a participant of the mesh (client, server or relay).
type NodeID uint8

// NodeType tags a node with the role it plays in the mesh.
type NodeType uint8

const (
	Client NodeType = iota
	Server
	Drone
)

func (t NodeType) String() string {
	switch t {
	case Client:
		return "client"
	case Server:
		return "server"
	case Drone:
		return "drone"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	return t <= Drone
}

// ParseNodeType converts the textual form produced by String back into a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	switch strings.ToLower(s) {
	case "client":
		return Client, nil
	case "server":
		return Server, nil
	case "drone", "relay":
		return Drone, nil
	}
	return 0, fmt.Errorf("unknown node type %q", s)
}

// Node pairs an id with its type, as carried in flood path traces.
type Node struct {
	ID   NodeID
	Type NodeType
}

// Route is an ordered hop sequence from the sender to the destination, both inclusive.
type Route []NodeID

// Source returns the first hop of the route.
func (r Route) Source() NodeID {
	return r[0]
}

// Destination returns the last hop of the route.
func (r Route) Destination() NodeID {
	return r[len(r)-1]
}

// Reverse returns a copy of the route walked backwards.
func (r Route) Reverse() Route {
	rev := make(Route, len(r))
	for i, id := range r {
		rev[len(r)-1-i] = id
	}
	return rev
}

// Index returns the position of id within the route, or -1.
func (r Route) Index(id NodeID) int {
	for i, hop := range r {
		if hop == id {
			return i
		}
	}
	return -1
}

// Traverses reports whether the route uses the undirected edge a-b.
func (r Route) Traverses(a, b NodeID) bool {
	for i := 1; i < len(r); i++ {
		if (r[i-1] == a && r[i] == b) || (r[i-1] == b && r[i] == a) {
			return true
		}
	}
	return false
}

func (r Route) String() string {
	hops := make([]string, len(r))
	for i, id := range r {
		hops[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(hops, "->")
}
