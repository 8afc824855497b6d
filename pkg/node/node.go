// Package node drives one mesh endpoint: a single dispatch loop that owns the
// topology, routing, flooding and fragment state and multiplexes neighbor links,
// controller commands and timer wake-ups.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/busybox42/meshnode/pkg/clock"
	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/flood"
	"github.com/busybox42/meshnode/pkg/fragment"
	"github.com/busybox42/meshnode/pkg/protocol"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/routing"
	"github.com/busybox42/meshnode/pkg/topology"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

var (
	// ErrLinkClosed ends Run when the inbound or controller channel is closed.
	ErrLinkClosed = errors.New("link closed")
	// ErrStopped is returned by calls made after the loop exited.
	ErrStopped = errors.New("node stopped")
)

// Personality is the application running on top of the transport core. Its
// methods are invoked on the dispatch loop.
type Personality interface {
	HandlePayload(src types.NodeID, payload []byte)
	HandleCommand(cmd control.Command)
}

// Core is what a personality may use from the node. Calls must happen on the
// dispatch loop, i.e. from within Personality methods.
type Core interface {
	ID() types.NodeID
	Send(dst types.NodeID, payload []byte) *fragment.Handle
	StartFlood() (uint64, bool)
	Servers() []types.NodeID
	Report(report.Event)
}

type Node struct {
	cfg      Config
	self     types.Node
	policy   Policy
	log      logrus.FieldLogger
	reporter report.Reporter

	sched clock.Scheduler
	loop  *clock.Loop
	wake  <-chan func()

	links  *links
	store  *topology.Store
	router *routing.Router
	flood  *flood.Coordinator
	frags  *fragment.Manager

	personality Personality

	calls    chan func()
	done     chan struct{}
	stopping bool
}

// New assembles a node. Attach a personality before calling Run.
func New(cfg Config) (*Node, error) {
	if cfg.Inbound == nil {
		return nil, fmt.Errorf("node %d: inbound channel required", cfg.ID)
	}
	if !cfg.Type.Valid() {
		return nil, fmt.Errorf("node %d: invalid type %d", cfg.ID, cfg.Type)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = report.Nop{}
	}

	n := &Node{
		cfg:      cfg,
		self:     types.Node{ID: cfg.ID, Type: cfg.Type},
		policy:   cfg.Policy.withDefaults(),
		log:      cfg.Logger.WithField("node", cfg.ID),
		reporter: cfg.Reporter,
		calls:    make(chan func(), 16),
		done:     make(chan struct{}),
	}

	switch s := cfg.Scheduler.(type) {
	case nil:
		n.loop = clock.NewLoop(64)
		n.sched, n.wake = n.loop, n.loop.Wake()
	case *clock.Loop:
		n.loop = s
		n.sched, n.wake = s, s.Wake()
	default:
		n.sched = s
	}

	n.links = newLinks(cfg.Links, n.policy.SendTimeout)
	n.store = topology.New()
	n.store.AddNode(n.self.ID, n.self.Type)
	for _, id := range n.links.Neighbors() {
		n.store.RecordEdge(n.self.ID, id)
	}

	n.flood = flood.New(flood.Config{
		Self:      n.self,
		Store:     n.store,
		Links:     n.links,
		Scheduler: n.sched,
		Timeout:   n.policy.FloodTimeout,
		Reporter:  n.reporter,
		Logger:    cfg.Logger,
		OnUpdate: func() {
			n.router.Flush()
			n.frags.RouteAvailable()
		},
		OnComplete: func(_ uint64, _ bool) {
			n.frags.DiscoveryFinished()
		},
	})
	n.router = routing.New(n.self.ID, n.store, n.flood, cfg.Logger.WithField("node", cfg.ID))
	n.frags = fragment.New(fragment.Config{
		Self:            n.self.ID,
		Router:          n.router,
		Links:           n.links,
		Scheduler:       n.sched,
		Reporter:        n.reporter,
		Logger:          cfg.Logger,
		Deliver:         n.deliver,
		FragmentSize:    n.policy.FragmentSize,
		RetryBudget:     n.policy.RetryBudget,
		RetryTimeout:    n.policy.RetryTimeout,
		MaxReroutes:     n.policy.MaxReroutes,
		SessionExpiry:   n.policy.SessionExpiry,
		DeliveredMemory: n.policy.DeliveredMemory,
	})
	n.personality = passive{n: n}
	return n, nil
}

// Attach installs the personality. It must be called before Run.
func (n *Node) Attach(p Personality) {
	n.personality = p
}

func (n *Node) ID() types.NodeID {
	return n.self.ID
}

// Report forwards an event to the controller without blocking.
func (n *Node) Report(e report.Event) {
	n.reporter.Report(e)
}

// Run is the dispatch loop. It returns nil on a Shutdown command or when ctx is
// done, and an error wrapping ErrLinkClosed when an input channel is closed.
func (n *Node) Run(ctx context.Context) error {
	defer n.stop()
	n.log.Infof("Node started as %s with %d neighbors", n.self.Type, len(n.links.out))

	if len(n.links.out) > 0 {
		n.StartFlood()
	}

	for !n.stopping {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-n.cfg.Inbound:
			if !ok {
				return fmt.Errorf("node %d: inbound: %w", n.self.ID, ErrLinkClosed)
			}
			n.HandleRaw(raw)
		case cmd, ok := <-n.cfg.Controller:
			if !ok {
				return fmt.Errorf("node %d: controller: %w", n.self.ID, ErrLinkClosed)
			}
			n.HandleCommand(cmd)
		case fn := <-n.wake:
			fn()
		case fn := <-n.calls:
			fn()
		}
	}
	return nil
}

func (n *Node) stop() {
	close(n.done)
	n.frags.Close()
	if n.loop != nil {
		n.loop.Close()
	}
	n.log.Info("Node stopped")
}

// Do runs fn on the dispatch loop and waits for it to finish.
func (n *Node) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case n.calls <- wrapped:
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit starts an outbound session from outside the loop.
func (n *Node) Submit(ctx context.Context, dst types.NodeID, payload []byte) (*fragment.Handle, error) {
	var h *fragment.Handle
	if err := n.Do(ctx, func() { h = n.Send(dst, payload) }); err != nil {
		return nil, err
	}
	return h, nil
}

// Command queues a controller command from outside the loop.
func (n *Node) Command(ctx context.Context, cmd control.Command) error {
	return n.Do(ctx, func() { n.HandleCommand(cmd) })
}

// Send starts an outbound session. It must be called on the loop.
func (n *Node) Send(dst types.NodeID, payload []byte) *fragment.Handle {
	return n.frags.Send(dst, payload)
}

// StartFlood begins a discovery campaign unless one is running.
func (n *Node) StartFlood() (uint64, bool) {
	return n.flood.StartFlood()
}

// Servers lists nodes known to be servers.
func (n *Node) Servers() []types.NodeID {
	return n.store.NodesOfType(types.Server)
}

// SetServerType refines the type of a node, e.g. after a server-type exchange.
func (n *Node) SetServerType(id types.NodeID) {
	if n.store.AddNode(id, types.Server) {
		n.router.Forget(id)
	}
}

func (n *Node) deliver(src types.NodeID, payload []byte) {
	n.personality.HandlePayload(src, payload)
}

// HandleRaw decodes and dispatches one inbound frame. Malformed frames are dropped.
func (n *Node) HandleRaw(raw []byte) {
	pkt, err := protocol.Decode(raw)
	if err != nil {
		n.log.WithError(err).Warn("Dropping inbound frame")
		n.reporter.Report(report.New(n.self.ID, report.MalformedPacket).WithError(err))
		return
	}
	n.HandlePacket(pkt)
}

// HandlePacket dispatches a decoded packet by kind.
func (n *Node) HandlePacket(pkt *protocol.Packet) {
	if pkt.Kind == protocol.KindFloodRequest {
		if err := n.flood.HandleRequest(pkt); err != nil {
			n.log.WithError(err).Warn("Flood request not answered")
		}
		return
	}

	if cur, _ := pkt.Header.Current(); cur != n.self.ID {
		n.misrouted(pkt)
		return
	}
	if int(pkt.Header.HopIndex) != len(pkt.Header.Hops)-1 {
		n.dropped(pkt, fmt.Errorf("%s is not addressed to this endpoint", pkt))
		return
	}

	switch pkt.Kind {
	case protocol.KindFloodResponse:
		if err := n.flood.HandleResponse(pkt.FloodResponse); err != nil {
			n.log.WithError(err).Warn("Bad flood response")
		}
	case protocol.KindFragment:
		n.frags.HandleFragment(pkt)
	case protocol.KindAck:
		n.frags.HandleAck(pkt)
	case protocol.KindNack:
		n.frags.HandleNack(pkt)
	}
}

// misrouted answers a fragment that reached us although the header expected
// another node with an UnexpectedRecipient nack. Other kinds are dropped.
func (n *Node) misrouted(pkt *protocol.Packet) {
	idx := int(pkt.Header.HopIndex)
	if pkt.Kind != protocol.KindFragment || idx == 0 {
		n.dropped(pkt, fmt.Errorf("unexpected recipient of %s", pkt))
		return
	}

	back := append(types.Route{n.self.ID}, types.Route(pkt.Header.Hops[:idx]).Reverse()...)
	nack := protocol.NewNackPacket(pkt.SessionID, back, protocol.Nack{
		FragmentIndex: pkt.Fragment.Index,
		Kind:          protocol.UnexpectedRecipient,
		Node:          n.self.ID,
	})
	if err := n.links.SendTo(back[1], nack); err != nil {
		n.log.WithError(err).Warn("Nack not sent")
	}
}

func (n *Node) dropped(pkt *protocol.Packet, err error) {
	n.log.WithError(err).Debug("Dropping packet")
	n.reporter.Report(report.New(n.self.ID, report.PacketDropped).
		WithSession(pkt.SessionID).WithRoute(pkt.Header.Hops).WithError(err))
}

// HandleCommand executes a controller command. Commands outside the core are
// passed to the personality.
func (n *Node) HandleCommand(cmd control.Command) {
	n.log.Debugf("Command %s", cmd)
	if !cmd.Kind.Core() {
		n.personality.HandleCommand(cmd)
		return
	}

	switch cmd.Kind {
	case control.FloodRequest:
		n.StartFlood()
	case control.Topology:
		n.reporter.Report(report.New(n.self.ID, report.TopologySnapshot).WithData(n.store.Snapshot()))
	case control.Status:
		n.reporter.Report(report.New(n.self.ID, report.Status).WithData(n.Status()))
	case control.AddSender:
		n.addSender(cmd)
	case control.RemoveSender:
		n.removeSender(cmd.Node)
	case control.Shutdown:
		n.stopping = true
	}
}

func (n *Node) addSender(cmd control.Command) {
	link := cmd.Link
	if link == nil && n.cfg.Dial != nil {
		var err error
		if link, err = n.cfg.Dial(cmd.Node); err != nil {
			n.commandFailed(cmd, err)
			return
		}
	}
	if link == nil {
		n.commandFailed(cmd, fmt.Errorf("no link for neighbor %d", cmd.Node))
		return
	}

	n.links.add(cmd.Node, link)
	n.store.RecordEdge(n.self.ID, cmd.Node)
	n.router.Flush()
	n.log.Infof("Added neighbor %d", cmd.Node)
	n.StartFlood()
}

func (n *Node) removeSender(id types.NodeID) {
	if !n.links.remove(id) {
		return
	}
	if n.cfg.Hangup != nil {
		n.cfg.Hangup(id)
	}
	n.router.InvalidateEdge(n.self.ID, id)
	n.log.Infof("Removed neighbor %d", id)
}

func (n *Node) commandFailed(cmd control.Command, err error) {
	n.log.WithError(err).Warnf("Command %s failed", cmd.Kind)
	n.reporter.Report(report.New(n.self.ID, report.CommandFailed).
		WithError(err).WithData(map[string]string{"command": string(cmd.Kind)}))
}

// Status summarizes the node's state.
type Status struct {
	ID          types.NodeID           `json:"id"`
	Type        string                 `json:"type"`
	Neighbors   []types.NodeID         `json:"neighbors"`
	Nodes       int                    `json:"nodes"`
	Edges       int                    `json:"edges"`
	Discovering bool                   `json:"discovering"`
	Sessions    []fragment.SessionInfo `json:"sessions"`
	Policy      Policy                 `json:"policy"`
}

// Status must be called on the loop; use Query from other goroutines.
func (n *Node) Status() Status {
	return Status{
		ID:          n.self.ID,
		Type:        n.self.Type.String(),
		Neighbors:   n.links.Neighbors(),
		Nodes:       n.store.Len(),
		Edges:       len(n.store.Edges()),
		Discovering: n.flood.Discovering(),
		Sessions:    n.frags.Sessions(),
		Policy:      n.policy,
	}
}

// Topology must be called on the loop; use Query from other goroutines.
func (n *Node) Topology() topology.Snapshot {
	return n.store.Snapshot()
}

// Query returns the status and topology as seen by the loop.
func (n *Node) Query(ctx context.Context) (Status, topology.Snapshot, error) {
	var st Status
	var snap topology.Snapshot
	err := n.Do(ctx, func() {
		st = n.Status()
		snap = n.Topology()
	})
	return st, snap, err
}

// passive is the personality of a node without an application.
type passive struct {
	n *Node
}

func (p passive) HandlePayload(src types.NodeID, payload []byte) {
	p.n.log.Infof("Received %d bytes from %d", len(payload), src)
}

func (p passive) HandleCommand(cmd control.Command) {
	p.n.commandFailed(cmd, fmt.Errorf("no application to handle %s", cmd.Kind))
}
