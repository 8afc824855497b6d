package meshsim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/busybox42/meshnode/pkg/node"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

// NodeSpec describes one participant.
type NodeSpec struct {
	ID   types.NodeID   `yaml:"id"`
	Type types.NodeType `yaml:"-"`
	Kind string         `yaml:"type"`
	// PDR is the fragment drop rate of a drone.
	PDR float64 `yaml:"pdr"`
	// App selects the personality of an endpoint, e.g. "chat" or "browser".
	App string `yaml:"app"`
}

// Topology is a whole simulated mesh.
type Topology struct {
	Nodes []NodeSpec        `yaml:"nodes"`
	Edges [][2]types.NodeID `yaml:"edges"`
	Seed  int64             `yaml:"seed"`
}

// Resolve fills Type from the textual Kind of every node.
func (t *Topology) Resolve() error {
	for i := range t.Nodes {
		if t.Nodes[i].Kind == "" {
			continue
		}
		kind, err := types.ParseNodeType(t.Nodes[i].Kind)
		if err != nil {
			return fmt.Errorf("node %d: %w", t.Nodes[i].ID, err)
		}
		t.Nodes[i].Type = kind
	}
	return nil
}

// PersonalityFunc builds the application for an endpoint.
type PersonalityFunc func(n *node.Node, spec NodeSpec) node.Personality

// Options tune a Network.
type Options struct {
	Policy      node.Policy
	Logger      logrus.FieldLogger
	Reporter    report.Reporter
	Personality PersonalityFunc
}

// Network owns the drones and endpoint nodes of a topology.
type Network struct {
	Drones map[types.NodeID]*Drone
	Nodes  map[types.NodeID]*node.Node

	inbound map[types.NodeID]chan []byte
	errs    chan error
	wg      sync.WaitGroup
}

// Build wires every node of t with buffered channels along its edges.
func Build(t Topology, opts Options) (*Network, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Reporter == nil {
		opts.Reporter = report.Nop{}
	}

	specs := make(map[types.NodeID]NodeSpec, len(t.Nodes))
	for _, s := range t.Nodes {
		if _, dup := specs[s.ID]; dup {
			return nil, fmt.Errorf("duplicate node %d", s.ID)
		}
		specs[s.ID] = s
	}

	net := &Network{
		Drones:  make(map[types.NodeID]*Drone),
		Nodes:   make(map[types.NodeID]*node.Node),
		inbound: make(map[types.NodeID]chan []byte),
		errs:    make(chan error, len(t.Nodes)),
	}

	links := make(map[types.NodeID]map[types.NodeID]chan<- []byte)
	for id, s := range specs {
		links[id] = make(map[types.NodeID]chan<- []byte)
		if s.Type == types.Drone {
			d := NewDrone(id, s.PDR, t.Seed+int64(id), opts.Logger)
			net.Drones[id] = d
			net.inbound[id] = d.in
			continue
		}
		net.inbound[id] = make(chan []byte, 256)
	}

	for _, e := range t.Edges {
		a, b := e[0], e[1]
		if _, ok := specs[a]; !ok {
			return nil, fmt.Errorf("edge %d-%d: unknown node %d", a, b, a)
		}
		if _, ok := specs[b]; !ok {
			return nil, fmt.Errorf("edge %d-%d: unknown node %d", a, b, b)
		}
		links[a][b] = net.inbound[b]
		links[b][a] = net.inbound[a]
	}

	for id, d := range net.Drones {
		for peer, ch := range links[id] {
			d.Connect(peer, ch)
		}
	}

	for id, s := range specs {
		if s.Type == types.Drone {
			continue
		}
		n, err := node.New(node.Config{
			ID:       id,
			Type:     s.Type,
			Policy:   opts.Policy,
			Inbound:  net.inbound[id],
			Links:    links[id],
			Reporter: opts.Reporter,
			Logger:   opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		if opts.Personality != nil {
			if p := opts.Personality(n, s); p != nil {
				n.Attach(p)
			}
		}
		net.Nodes[id] = n
	}
	return net, nil
}

// Inbound returns the channel that delivers frames to id.
func (n *Network) Inbound(id types.NodeID) chan<- []byte {
	return n.inbound[id]
}

// Endpoints lists the ids of client and server nodes.
func (n *Network) Endpoints() []types.NodeID {
	ids := make([]types.NodeID, 0, len(n.Nodes))
	for id := range n.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Start runs every drone and node until ctx is done.
func (n *Network) Start(ctx context.Context) {
	for _, d := range n.Drones {
		d := d
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			d.Run(ctx)
		}()
	}
	for id, nd := range n.Nodes {
		id, nd := id, nd
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := nd.Run(ctx); err != nil {
				n.errs <- fmt.Errorf("node %d: %w", id, err)
			}
		}()
	}
}

// Wait blocks until every goroutine started by Start returned, and reports the
// node errors.
func (n *Network) Wait() error {
	n.wg.Wait()
	close(n.errs)
	var errs []error
	for err := range n.errs {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
