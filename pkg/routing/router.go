// Package routing computes and caches source routes over the topology store.
package routing

import (
	"errors"
	"fmt"

	"github.com/busybox42/meshnode/pkg/topology"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

// ErrUnreachable is returned when no path to the destination is known after discovery.
var ErrUnreachable = errors.New("destination unreachable")

// Flooder starts topology discovery on behalf of the router.
type Flooder interface {
	// StartFlood begins a discovery campaign unless one is already running.
	StartFlood() (floodID uint64, started bool)
	// Discovering reports whether a campaign is in progress.
	Discovering() bool
}

// Router resolves destinations to routes. Like the store it wraps, it is owned by
// the dispatch loop.
type Router struct {
	self    types.NodeID
	store   *topology.Store
	flooder Flooder
	cache   map[types.NodeID]types.Route
	log     logrus.FieldLogger
}

func New(self types.NodeID, store *topology.Store, flooder Flooder, log logrus.FieldLogger) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Router{
		self:    self,
		store:   store,
		flooder: flooder,
		cache:   make(map[types.NodeID]types.Route),
		log:     log.WithField("component", "router"),
	}
}

// Lookup returns a cached or freshly computed route without triggering discovery.
func (r *Router) Lookup(dst types.NodeID) (types.Route, bool) {
	if route, ok := r.cache[dst]; ok {
		return route, true
	}
	route, ok := r.store.ShortestPath(r.self, dst)
	if !ok || len(route) < 2 {
		return nil, false
	}
	r.cache[dst] = route
	return route, true
}

// Resolve returns a route to dst. On a miss it asks for one discovery campaign and
// queries again; if that still yields nothing the result is ErrUnreachable and the
// caller may wait for Discovering to turn false before a final Lookup.
func (r *Router) Resolve(dst types.NodeID) (types.Route, error) {
	if dst == r.self {
		return nil, fmt.Errorf("%w: %d is this node", ErrUnreachable, dst)
	}
	if t, ok := r.store.NodeType(dst); ok && t == types.Drone {
		return nil, fmt.Errorf("%w: %d is a relay", ErrUnreachable, dst)
	}

	if route, ok := r.Lookup(dst); ok {
		return route, nil
	}

	if r.flooder != nil {
		if id, started := r.flooder.StartFlood(); started {
			r.log.WithField("flood", id).Debugf("No route to %d, started discovery", dst)
		}
	}

	if route, ok := r.Lookup(dst); ok {
		return route, nil
	}
	return nil, fmt.Errorf("%w: no known path to %d", ErrUnreachable, dst)
}

// Discovering reports whether a discovery campaign is running.
func (r *Router) Discovering() bool {
	return r.flooder != nil && r.flooder.Discovering()
}

// Invalidate removes the edge leading into failedHop along route and forgets every
// cached route that used it. It returns false if failedHop is not an interior or
// final hop of route.
func (r *Router) Invalidate(route types.Route, failedHop types.NodeID) bool {
	idx := route.Index(failedHop)
	if idx <= 0 {
		return false
	}
	prev := route[idx-1]
	r.InvalidateEdge(prev, failedHop)
	return true
}

// InvalidateEdge removes a-b from the store and drops cached routes through it.
func (r *Router) InvalidateEdge(a, b types.NodeID) {
	if r.store.InvalidateEdge(a, b) {
		r.log.Infof("Invalidated link %d-%d", a, b)
	}
	for dst, cached := range r.cache {
		if cached.Traverses(a, b) {
			delete(r.cache, dst)
		}
	}
}

// Forget drops the cached route to dst.
func (r *Router) Forget(dst types.NodeID) {
	delete(r.cache, dst)
}

// Flush drops every cached route, e.g. after a discovery campaign changed the graph.
func (r *Router) Flush() {
	r.cache = make(map[types.NodeID]types.Route)
}

// Cached returns the cached route to dst, if any.
func (r *Router) Cached(dst types.NodeID) (types.Route, bool) {
	route, ok := r.cache[dst]
	return route, ok
}
