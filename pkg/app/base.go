package app

import (
	"errors"
	"fmt"
	"sort"

	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/fragment"
	"github.com/busybox42/meshnode/pkg/node"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

// Base carries the state every client personality needs: the core it runs on
// and the server types learnt so far. It runs on the node's dispatch loop.
type Base struct {
	Core node.Core
	Log  logrus.FieldLogger

	serverTypes map[types.NodeID]ServerType
}

func NewBase(core node.Core, log logrus.FieldLogger) *Base {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Base{
		Core:        core,
		Log:         log.WithField("node", core.ID()),
		serverTypes: make(map[types.NodeID]ServerType),
	}
}

// Send encodes m and starts a session to dst. A session that ends unreachable
// or undelivered is reported as a failure of m's kind.
func (b *Base) Send(dst types.NodeID, m Message) {
	m.From = b.Core.ID()
	raw, err := Encode(m)
	if err != nil {
		b.Fail(string(m.Kind), err)
		return
	}
	b.Core.Send(dst, raw).OnDone(func(err error) {
		if err != nil && !errors.Is(err, fragment.ErrClosed) {
			b.Fail(string(m.Kind), fmt.Errorf("send to %d: %w", dst, err))
		}
	})
}

// Fail reports a command or response that could not be handled.
func (b *Base) Fail(what string, err error) {
	b.Log.WithError(err).Warnf("%s failed", what)
	b.Core.Report(report.New(b.Core.ID(), report.CommandFailed).
		WithError(err).WithData(map[string]string{"command": what}))
}

// ServerType returns the type a server announced, if known.
func (b *Base) ServerType(id types.NodeID) (ServerType, bool) {
	t, ok := b.serverTypes[id]
	return t, ok
}

// KnownServer pairs a server with its announced type, empty when unknown.
type KnownServer struct {
	ID   types.NodeID `json:"id"`
	Type ServerType   `json:"type,omitempty"`
}

// KnownServers lists every server in the topology with its type when known.
func (b *Base) KnownServers() []KnownServer {
	ids := b.Core.Servers()
	seen := make(map[types.NodeID]bool, len(ids))
	var out []KnownServer
	for _, id := range ids {
		seen[id] = true
		out = append(out, KnownServer{ID: id, Type: b.serverTypes[id]})
	}
	for id, t := range b.serverTypes {
		if !seen[id] {
			out = append(out, KnownServer{ID: id, Type: t})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HandleCommand covers the commands shared by every client. It returns false
// for commands the caller must handle itself.
func (b *Base) HandleCommand(cmd control.Command) bool {
	switch cmd.Kind {
	case control.RequestServerType:
		b.Send(cmd.Node, Message{Kind: ServerTypeRequest})
	case control.KnownServers:
		b.Core.Report(report.New(b.Core.ID(), report.KnownServers).WithData(b.KnownServers()))
	default:
		return false
	}
	return true
}

// HandleMessage covers the responses shared by every client. It returns false
// for messages the caller must handle itself.
func (b *Base) HandleMessage(src types.NodeID, m Message) bool {
	switch m.Kind {
	case ServerTypeReply:
		b.serverTypes[src] = m.ServerType
		b.Log.Infof("Server %d is a %s server", src, m.ServerType)
		b.Core.Report(report.New(b.Core.ID(), report.ServerType).WithPeer(src).
			WithData(KnownServer{ID: src, Type: m.ServerType}))
	case Error:
		b.Fail(fmt.Sprintf("request to %d", src), fmt.Errorf("server: %s", m.Text))
	default:
		return false
	}
	return true
}
