package chat

import (
	"testing"

	"github.com/busybox42/meshnode/pkg/app"
	"github.com/busybox42/meshnode/pkg/app/apptest"
	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/fragment"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegisterThenMessage(t *testing.T) {
	core := apptest.NewCore(t, 1)
	c := NewClient(core, nil)

	c.HandleCommand(control.Command{Kind: control.SendMessage, Node: 9, To: 4, Text: "early"})
	assert.Empty(t, core.Take(), "must register first")
	_, failed := core.Last(report.CommandFailed)
	assert.True(t, failed)

	c.HandleCommand(control.Command{Kind: control.Register, Node: 9})
	sent := core.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, types.NodeID(9), sent[0].Dst)
	assert.Equal(t, app.Register, sent[0].Msg.Kind)
	assert.Equal(t, types.NodeID(1), sent[0].Msg.From)

	c.HandlePayload(9, apptest.Payload(t, app.Message{Kind: app.Registered}))
	assert.Equal(t, []types.NodeID{9}, c.Registered())

	c.HandleCommand(control.Command{Kind: control.SendMessage, Node: 9, To: 4, Text: "hello"})
	sent = core.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, app.SendMessage, sent[0].Msg.Kind)
	assert.Equal(t, types.NodeID(4), sent[0].Msg.To)
	assert.Equal(t, "hello", sent[0].Msg.Text)

	c.HandleCommand(control.Command{Kind: control.RegisteredServers})
	e, ok := core.Last(report.RegisteredServers)
	require.True(t, ok)
	assert.Equal(t, []types.NodeID{9}, e.Data)
}

func TestClientReportsFailedSend(t *testing.T) {
	core := apptest.NewCore(t, 1)
	core.SendErr = fragment.ErrDeliveryFailed
	c := NewClient(core, nil)

	c.HandleCommand(control.Command{Kind: control.Register, Node: 9})
	require.Len(t, core.Take(), 1)

	e, ok := core.Last(report.CommandFailed)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"command": string(app.Register)}, e.Data)
	assert.Contains(t, e.Error, "delivery failed")
	assert.Empty(t, c.Registered())
}

func TestSendStampsLocalID(t *testing.T) {
	core := apptest.NewCore(t, 0)
	b := app.NewBase(core, nil)

	b.Send(9, app.Message{Kind: app.Register, From: 7})
	sent := core.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, types.NodeID(0), sent[0].Msg.From)
}

func TestClientIgnoresSendsAbandonedAtShutdown(t *testing.T) {
	core := apptest.NewCore(t, 1)
	core.SendErr = fragment.ErrClosed
	c := NewClient(core, nil)

	c.HandleCommand(control.Command{Kind: control.Register, Node: 9})
	_, failed := core.Last(report.CommandFailed)
	assert.False(t, failed)
}

func TestClientReportsResponses(t *testing.T) {
	core := apptest.NewCore(t, 1)
	c := NewClient(core, nil)

	c.HandlePayload(9, apptest.Payload(t, app.Message{Kind: app.ClientList, Clients: []types.NodeID{1, 4}}))
	assert.Equal(t, []types.NodeID{1, 4}, c.Clients(9))

	c.HandlePayload(9, apptest.Payload(t, app.Message{Kind: app.MessageFrom, From: 4, Text: "yo"}))
	e, ok := core.Last(report.MessageReceived)
	require.True(t, ok)
	assert.Equal(t, Received{Server: 9, From: 4, Text: "yo"}, e.Data)

	c.HandlePayload(9, apptest.Payload(t, app.Message{Kind: app.ServerTypeReply, ServerType: app.ChatServer}))
	kind, ok := c.ServerType(9)
	require.True(t, ok)
	assert.Equal(t, app.ChatServer, kind)

	c.HandlePayload(9, []byte("not json"))
	_, failed := core.Last(report.CommandFailed)
	assert.True(t, failed)
}

func TestClientKnownServers(t *testing.T) {
	core := apptest.NewCore(t, 1)
	core.Known = []types.NodeID{20, 9}
	c := NewClient(core, nil)
	c.HandlePayload(9, apptest.Payload(t, app.Message{Kind: app.ServerTypeReply, ServerType: app.ChatServer}))

	c.HandleCommand(control.Command{Kind: control.KnownServers})
	e, ok := core.Last(report.KnownServers)
	require.True(t, ok)
	assert.Equal(t, []app.KnownServer{{ID: 9, Type: app.ChatServer}, {ID: 20}}, e.Data)

	c.HandleCommand(control.Command{Kind: control.RequestServerType, Node: 20})
	sent := core.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, app.ServerTypeRequest, sent[0].Msg.Kind)
}

func TestServerRelaysBetweenRegisteredClients(t *testing.T) {
	core := apptest.NewCore(t, 9)
	s := NewServer(core, nil)

	s.HandlePayload(1, apptest.Payload(t, app.Message{Kind: app.Register}))
	s.HandlePayload(4, apptest.Payload(t, app.Message{Kind: app.Register}))
	core.Take()

	s.HandlePayload(1, apptest.Payload(t, app.Message{Kind: app.ClientListRequest}))
	sent := core.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, []types.NodeID{1, 4}, sent[0].Msg.Clients)

	s.HandlePayload(1, apptest.Payload(t, app.Message{Kind: app.SendMessage, To: 4, Text: "hi four"}))
	sent = core.Take()
	require.Len(t, sent, 2)
	assert.Equal(t, apptest.Sent{Dst: 4, Msg: app.Message{Kind: app.MessageFrom, From: 1, Text: "hi four"}}, sent[0])
	assert.Equal(t, types.NodeID(1), sent[1].Dst)
	assert.Equal(t, app.MessageSent, sent[1].Msg.Kind)
}

func TestServerRejectsUnregistered(t *testing.T) {
	core := apptest.NewCore(t, 9)
	s := NewServer(core, nil)
	s.HandlePayload(1, apptest.Payload(t, app.Message{Kind: app.Register}))
	core.Take()

	s.HandlePayload(1, apptest.Payload(t, app.Message{Kind: app.SendMessage, To: 5, Text: "?"}))
	sent := core.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, app.Error, sent[0].Msg.Kind)

	s.HandlePayload(1, apptest.Payload(t, app.Message{Kind: app.ServerTypeRequest}))
	sent = core.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, app.ChatServer, sent[0].Msg.ServerType)
}
