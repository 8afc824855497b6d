// Package flood runs topology discovery campaigns and answers foreign flood requests.
package flood

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/busybox42/meshnode/pkg/clock"
	"github.com/busybox42/meshnode/pkg/protocol"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/topology"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a campaign when Config.Timeout is zero.
const DefaultTimeout = 2 * time.Second

// how many past campaign ids still accept late responses
const rememberedFloods = 16

// Links is the coordinator's view of the node's direct neighbors.
type Links interface {
	Neighbors() []types.NodeID
	SendTo(next types.NodeID, pkt *protocol.Packet) error
}

// Config wires a Coordinator to the node that owns it.
type Config struct {
	Self      types.Node
	Store     *topology.Store
	Links     Links
	Scheduler clock.Scheduler
	Timeout   time.Duration
	Reporter  report.Reporter
	Logger    logrus.FieldLogger

	// OnUpdate runs after a response changed the store.
	OnUpdate func()
	// OnComplete runs when a campaign's timer expires.
	OnComplete func(floodID uint64, changed bool)
}

// Coordinator owns the campaign state machine: idle, or awaiting responses for
// exactly one flood id until its timer expires.
type Coordinator struct {
	cfg Config
	log logrus.FieldLogger

	active   uint64
	running  bool
	changed  bool
	started  time.Time
	received int
	past     []uint64
}

func New(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Reporter == nil {
		cfg.Reporter = report.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Coordinator{
		cfg: cfg,
		log: cfg.Logger.WithFields(logrus.Fields{"component": "flood", "node": cfg.Self.ID}),
	}
}

// Discovering reports whether a campaign is awaiting responses.
func (c *Coordinator) Discovering() bool {
	return c.running
}

// Active returns the running campaign's flood id.
func (c *Coordinator) Active() (uint64, bool) {
	return c.active, c.running
}

// StartFlood begins a campaign by sending a FloodRequest to every neighbor. It does
// nothing while another campaign is running.
func (c *Coordinator) StartFlood() (uint64, bool) {
	if c.running {
		return c.active, false
	}

	floodID := rand.Uint64()
	c.active = floodID
	c.running = true
	c.changed = false
	c.received = 0
	c.started = c.cfg.Scheduler.Now()
	c.remember(floodID)

	neighbors := c.cfg.Links.Neighbors()
	for _, n := range neighbors {
		pkt := protocol.NewFloodRequestPacket(rand.Uint64(), floodID, c.cfg.Self)
		if err := c.cfg.Links.SendTo(n, pkt); err != nil {
			c.log.WithError(err).Warnf("Flood request to %d not sent", n)
		}
	}

	c.cfg.Scheduler.After(c.cfg.Timeout, func() { c.HandleTimeout(floodID) })

	c.log.WithField("flood", floodID).Infof("Started flood to %d neighbors", len(neighbors))
	c.cfg.Reporter.Report(report.New(c.cfg.Self.ID, report.FloodStarted).
		WithData(map[string]interface{}{"flood_id": floodID, "neighbors": neighbors}))
	return floodID, true
}

// HandleTimeout ends the campaign with the given id. Stale ids are ignored.
func (c *Coordinator) HandleTimeout(floodID uint64) {
	if !c.running || c.active != floodID {
		return
	}
	c.running = false
	changed := c.changed

	c.log.WithField("flood", floodID).Infof("Flood finished with %d responses", c.received)
	c.cfg.Reporter.Report(report.New(c.cfg.Self.ID, report.FloodCompleted).
		WithData(map[string]interface{}{
			"flood_id":  floodID,
			"responses": c.received,
			"changed":   changed,
			"elapsed":   c.cfg.Scheduler.Now().Sub(c.started).String(),
		}))

	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete(floodID, changed)
	}
}

// HandleResponse merges a response's path trace into the store. Responses to
// floods this node did not start are ignored.
func (c *Coordinator) HandleResponse(resp *protocol.FloodResponse) error {
	if resp == nil {
		return fmt.Errorf("flood response: empty body")
	}
	if !c.initiated(resp.FloodID) {
		c.log.WithField("flood", resp.FloodID).Debug("Ignoring response to unknown flood")
		return nil
	}
	if resp.FloodID == c.active && c.running {
		c.received++
	}

	changed := false
	for i, n := range resp.PathTrace {
		if n.ID == c.cfg.Self.ID {
			continue
		}
		if c.cfg.Store.AddNode(n.ID, n.Type) {
			changed = true
		}
		if i > 0 && c.cfg.Store.RecordEdge(resp.PathTrace[i-1].ID, n.ID) {
			changed = true
		}
	}
	if !changed {
		return nil
	}

	c.changed = true
	c.log.WithField("flood", resp.FloodID).Debugf("Topology grew to %d nodes", c.cfg.Store.Len())
	c.cfg.Reporter.Report(report.New(c.cfg.Self.ID, report.TopologyUpdated).
		WithData(c.cfg.Store.Snapshot()))
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate()
	}
	return nil
}

// HandleRequest answers a flood request that reached this endpoint. Endpoints
// never forward requests; they append themselves and send the trace back.
func (c *Coordinator) HandleRequest(pkt *protocol.Packet) error {
	req := pkt.FloodRequest
	if req == nil {
		return fmt.Errorf("flood request: empty body")
	}
	if req.Initiator == c.cfg.Self.ID {
		return nil
	}

	trace := append(append([]types.Node(nil), req.PathTrace...), c.cfg.Self)
	resp := protocol.NewFloodResponsePacket(pkt.SessionID, &protocol.FloodRequest{
		FloodID:   req.FloodID,
		Initiator: req.Initiator,
		PathTrace: trace,
	})
	if len(resp.Header.Hops) < 2 {
		return fmt.Errorf("flood request %d: trace too short to answer", req.FloodID)
	}

	next := resp.Header.Hops[resp.Header.HopIndex]
	if err := c.cfg.Links.SendTo(next, resp); err != nil {
		return fmt.Errorf("answer flood %d: %w", req.FloodID, err)
	}
	c.log.WithField("flood", req.FloodID).Debugf("Answered flood from %d via %d", req.Initiator, next)
	return nil
}

func (c *Coordinator) remember(floodID uint64) {
	c.past = append(c.past, floodID)
	if len(c.past) > rememberedFloods {
		c.past = c.past[len(c.past)-rememberedFloods:]
	}
}

func (c *Coordinator) initiated(floodID uint64) bool {
	for _, id := range c.past {
		if id == floodID {
			return true
		}
	}
	return false
}
