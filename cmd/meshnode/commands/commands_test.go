package commands

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/meshnode/internal/config"
	"github.com/busybox42/meshnode/internal/meshsim"
	"github.com/busybox42/meshnode/pkg/app/browser"
	"github.com/busybox42/meshnode/pkg/app/chat"
	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/inspect"
	"github.com/busybox42/meshnode/pkg/node"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/topology"
	"github.com/busybox42/meshnode/pkg/types"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsoleRun(t *testing.T) {
	in := strings.NewReader("help\n\nbogus\nflood\nmsg 9 4 hi there\nshutdown\nstatus\n")
	out := &syncBuffer{}
	var got []control.Command
	c := newConsole(in, out, func(cmd control.Command) error {
		got = append(got, cmd)
		return nil
	})

	require.NoError(t, c.run())
	assert.Equal(t, []control.Command{
		{Kind: control.FloodRequest},
		{Kind: control.SendMessage, Node: 9, To: 4, Text: "hi there"},
		{Kind: control.Shutdown},
	}, got)
	assert.Contains(t, out.String(), "Available commands:")
	assert.Contains(t, out.String(), `unknown command "bogus"`)
}

func TestConsoleSubmitError(t *testing.T) {
	out := &syncBuffer{}
	c := newConsole(strings.NewReader("flood\n"), out, func(control.Command) error {
		return node.ErrStopped
	})
	require.NoError(t, c.run())
	assert.Contains(t, out.String(), "Failed to submit flood_request: node stopped")
}

func TestConsoleWrite(t *testing.T) {
	out := &syncBuffer{}
	c := newConsole(strings.NewReader(""), out, nil)

	e := report.New(1, report.SessionFailed).
		WithPeer(9).
		WithSession(3).
		WithRoute(types.Route{1, 2, 9}).
		WithError(errors.New("unreachable")).
		WithData(map[string]int{"fragments": 2})
	require.NoError(t, c.Write(e))

	line := out.String()
	assert.Contains(t, line, "session_failed peer=9 session=3")
	assert.Contains(t, line, `error="unreachable"`)
	assert.Contains(t, line, `{"fragments":2}`)
	assert.True(t, strings.HasSuffix(line, prompt))
}

type fakeNode struct {
	mu       sync.Mutex
	commands []control.Command
}

func (f *fakeNode) Query(context.Context) (node.Status, topology.Snapshot, error) {
	return node.Status{}, topology.Snapshot{}, nil
}

func (f *fakeNode) Command(_ context.Context, cmd control.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return nil
}

type chanSink chan report.Event

func (s chanSink) Write(e report.Event) error {
	s <- e
	return nil
}

func TestRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := report.NewHub(nil)
	go hub.Run(ctx)
	n := &fakeNode{}
	srv := httptest.NewServer(inspect.New(n, hub, nil, nil).Handler())
	defer srv.Close()

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	r := &remote{base: base, client: srv.Client()}

	require.NoError(t, r.submit(control.Command{Kind: control.RemoveSender, Node: 3}))
	assert.Equal(t, []control.Command{{Kind: control.RemoveSender, Node: 3}}, n.commands)
	assert.Error(t, r.submit(control.Command{}))

	sink := make(chanSink, 1)
	go r.stream(ctx, sink)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Write(report.New(5, report.FloodCompleted)))

	select {
	case e := <-sink:
		assert.Equal(t, report.FloodCompleted, e.Kind)
		assert.Equal(t, types.NodeID(5), e.Node)
	case <-time.After(2 * time.Second):
		t.Fatal("no event streamed")
	}
}

func newBareNode(t *testing.T, typ types.NodeType) *node.Node {
	t.Helper()
	n, err := node.New(node.Config{ID: 1, Type: typ, Inbound: make(chan []byte)})
	require.NoError(t, err)
	return n
}

func TestPersonality(t *testing.T) {
	client := newBareNode(t, types.Client)
	server := newBareNode(t, types.Server)

	p, err := personality(client, types.Client, config.AppNone, config.Content{}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = personality(client, types.Client, config.AppChat, config.Content{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &chat.Client{}, p)

	p, err = personality(server, types.Server, config.AppChat, config.Content{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &chat.Server{}, p)

	p, err = personality(client, types.Client, config.AppBrowser, config.Content{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &browser.Client{}, p)

	p, err = personality(server, types.Server, config.AppBrowser, simContent(1), nil)
	require.NoError(t, err)
	assert.IsType(t, &browser.Server{}, p)

	_, err = personality(server, types.Server, config.AppBrowser, config.Content{
		Media: map[string]string{"cat.png": "/does/not/exist.png"},
	}, nil)
	assert.Error(t, err)

	_, err = personality(client, types.Client, "game", config.Content{}, nil)
	assert.Error(t, err)
}

func TestRunSim(t *testing.T) {
	topo := meshsim.Topology{
		Nodes: []meshsim.NodeSpec{
			{ID: 1, Type: types.Client, App: config.AppChat},
			{ID: 2, Type: types.Drone},
			{ID: 9, Type: types.Server, App: config.AppChat},
		},
		Edges: [][2]types.NodeID{{1, 2}, {2, 9}},
		Seed:  1,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.NoError(t, runSim(ctx, topo, 0))

	assert.Error(t, runSim(context.Background(), topo, 2))
}
