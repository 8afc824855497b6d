// Package meshsim runs an in-process mesh: relay drones with a packet drop rate,
// and client or server nodes wired to them through channels.
package meshsim

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busybox42/meshnode/pkg/protocol"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

const sendWait = 50 * time.Millisecond

type floodKey struct {
	initiator types.NodeID
	id        uint64
}

// Drone is a relay. It forwards source-routed packets, answers malformed routes
// with nacks and takes part in flooding.
type Drone struct {
	ID types.NodeID

	in  chan []byte
	log logrus.FieldLogger

	mu      sync.Mutex
	out     map[types.NodeID]chan<- []byte
	pdr     float64
	rng     *rand.Rand
	crashed bool
	seen    map[floodKey]struct{}

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

// NewDrone creates a relay that drops fragments with probability pdr.
func NewDrone(id types.NodeID, pdr float64, seed int64, log logrus.FieldLogger) *Drone {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Drone{
		ID:   id,
		in:   make(chan []byte, 256),
		log:  log.WithFields(logrus.Fields{"drone": id}),
		out:  make(map[types.NodeID]chan<- []byte),
		pdr:  pdr,
		rng:  rand.New(rand.NewSource(seed)),
		seen: make(map[floodKey]struct{}),
	}
}

// Inbound is the channel neighbors send to.
func (d *Drone) Inbound() chan<- []byte {
	return d.in
}

// Connect adds an outbound link.
func (d *Drone) Connect(id types.NodeID, ch chan<- []byte) {
	d.mu.Lock()
	d.out[id] = ch
	d.mu.Unlock()
}

// Disconnect removes an outbound link.
func (d *Drone) Disconnect(id types.NodeID) {
	d.mu.Lock()
	delete(d.out, id)
	d.mu.Unlock()
}

// SetPDR changes the drop rate.
func (d *Drone) SetPDR(pdr float64) {
	d.mu.Lock()
	d.pdr = pdr
	d.mu.Unlock()
}

// Crash makes the drone silently swallow everything from now on.
func (d *Drone) Crash() {
	d.mu.Lock()
	d.crashed = true
	d.mu.Unlock()
}

// Stats returns how many packets were forwarded and dropped.
func (d *Drone) Stats() (forwarded, dropped uint64) {
	return d.forwarded.Load(), d.dropped.Load()
}

// Run processes packets until ctx is done.
func (d *Drone) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-d.in:
			d.handle(raw)
		}
	}
}

func (d *Drone) handle(raw []byte) {
	pkt, err := protocol.Decode(raw)
	if err != nil {
		d.log.WithError(err).Debug("Dropping malformed frame")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.crashed {
		return
	}
	if pkt.Kind == protocol.KindFloodRequest {
		d.flood(pkt)
		return
	}
	d.route(pkt)
}

func (d *Drone) flood(pkt *protocol.Packet) {
	req := pkt.FloodRequest
	if len(req.PathTrace) == 0 {
		return
	}
	sender := req.PathTrace[len(req.PathTrace)-1].ID
	trace := append(append([]types.Node(nil), req.PathTrace...), types.Node{ID: d.ID, Type: types.Drone})
	next := &protocol.FloodRequest{FloodID: req.FloodID, Initiator: req.Initiator, PathTrace: trace}

	key := floodKey{initiator: req.Initiator, id: req.FloodID}
	_, seen := d.seen[key]
	d.seen[key] = struct{}{}

	var targets []types.NodeID
	for id := range d.out {
		if id != sender {
			targets = append(targets, id)
		}
	}

	if seen || len(targets) == 0 {
		resp := protocol.NewFloodResponsePacket(pkt.SessionID, next)
		d.send(resp.Header.Hops[1], resp)
		return
	}
	for _, id := range targets {
		d.send(id, &protocol.Packet{Kind: protocol.KindFloodRequest, SessionID: pkt.SessionID, FloodRequest: next})
	}
}

func (d *Drone) route(pkt *protocol.Packet) {
	hops := types.Route(pkt.Header.Hops)
	idx := int(pkt.Header.HopIndex)

	if hops[idx] != d.ID {
		back := append(types.Route{d.ID}, hops[:idx].Reverse()...)
		d.nack(pkt, back, protocol.UnexpectedRecipient, d.ID)
		return
	}
	back := hops[:idx+1].Reverse()
	if idx == len(hops)-1 {
		d.nack(pkt, back, protocol.DestinationIsDrone, d.ID)
		return
	}
	next := hops[idx+1]
	if _, ok := d.out[next]; !ok {
		d.nack(pkt, back, protocol.ErrorInRouting, next)
		return
	}
	if pkt.Kind == protocol.KindFragment && d.rng.Float64() < d.pdr {
		d.dropped.Add(1)
		d.nack(pkt, back, protocol.Dropped, d.ID)
		return
	}

	pkt.Header.HopIndex++
	d.forwarded.Add(1)
	d.send(next, pkt)
}

// nack reports a failed fragment back to its source. Failures of other packet
// kinds are dropped.
func (d *Drone) nack(pkt *protocol.Packet, back types.Route, kind protocol.NackKind, node types.NodeID) {
	if pkt.Kind != protocol.KindFragment || len(back) < 2 {
		d.log.Debugf("Dropping %s: %s", pkt.Kind, kind)
		return
	}
	d.send(back[1], protocol.NewNackPacket(pkt.SessionID, back, protocol.Nack{
		FragmentIndex: pkt.Fragment.Index,
		Kind:          kind,
		Node:          node,
	}))
}

func (d *Drone) send(next types.NodeID, pkt *protocol.Packet) {
	ch, ok := d.out[next]
	if !ok {
		return
	}
	raw, err := protocol.Encode(pkt)
	if err != nil {
		d.log.WithError(err).Warn("Encode failed")
		return
	}
	select {
	case ch <- raw:
	case <-time.After(sendWait):
		d.log.Debugf("Link to %d full, dropping %s", next, pkt.Kind)
	}
}
