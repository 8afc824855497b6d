// Package chat implements the chat client personality and a chat server.
package chat

import (
	"fmt"
	"sort"

	"github.com/busybox42/meshnode/pkg/app"
	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/node"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

// Received is reported for every chat message delivered to this client.
type Received struct {
	Server types.NodeID `json:"server"`
	From   types.NodeID `json:"from"`
	Text   string       `json:"text"`
}

// Client is the chat personality: it registers with chat servers, lists their
// clients and exchanges messages through them.
type Client struct {
	*app.Base

	registered map[types.NodeID]bool
	clients    map[types.NodeID][]types.NodeID
}

func NewClient(core node.Core, log logrus.FieldLogger) *Client {
	return &Client{
		Base:       app.NewBase(core, log),
		registered: make(map[types.NodeID]bool),
		clients:    make(map[types.NodeID][]types.NodeID),
	}
}

// Registered lists the servers that confirmed our registration.
func (c *Client) Registered() []types.NodeID {
	ids := make([]types.NodeID, 0, len(c.registered))
	for id := range c.registered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clients returns the last client list received from server.
func (c *Client) Clients(server types.NodeID) []types.NodeID {
	return c.clients[server]
}

func (c *Client) HandleCommand(cmd control.Command) {
	if c.Base.HandleCommand(cmd) {
		return
	}
	switch cmd.Kind {
	case control.Register:
		c.Send(cmd.Node, app.Message{Kind: app.Register})
	case control.ClientList:
		c.Send(cmd.Node, app.Message{Kind: app.ClientListRequest})
	case control.SendMessage:
		if !c.registered[cmd.Node] {
			c.Fail(string(cmd.Kind), fmt.Errorf("not registered with server %d", cmd.Node))
			return
		}
		c.Send(cmd.Node, app.Message{Kind: app.SendMessage, To: cmd.To, Text: cmd.Text})
	case control.RegisteredServers:
		c.Core.Report(report.New(c.Core.ID(), report.RegisteredServers).WithData(c.Registered()))
	default:
		c.Fail(string(cmd.Kind), fmt.Errorf("not supported by the chat client"))
	}
}

func (c *Client) HandlePayload(src types.NodeID, payload []byte) {
	m, err := app.Decode(payload)
	if err != nil {
		c.Fail(fmt.Sprintf("payload from %d", src), err)
		return
	}
	if c.Base.HandleMessage(src, m) {
		return
	}

	id := c.Core.ID()
	switch m.Kind {
	case app.Registered:
		c.registered[src] = true
		c.Log.Infof("Registered with chat server %d", src)
		c.Core.Report(report.New(id, report.ClientRegistered).WithPeer(src))
	case app.ClientList:
		c.clients[src] = m.Clients
		c.Core.Report(report.New(id, report.ClientList).WithPeer(src).WithData(m.Clients))
	case app.MessageFrom:
		c.Log.Infof("Message from %d via %d", m.From, src)
		c.Core.Report(report.New(id, report.MessageReceived).WithPeer(src).
			WithData(Received{Server: src, From: m.From, Text: m.Text}))
	case app.MessageSent:
		c.Core.Report(report.New(id, report.ChatMessageSent).WithPeer(src))
	default:
		c.Log.Warnf("Unexpected %s from %d", m.Kind, src)
	}
}
