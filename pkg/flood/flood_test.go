package flood

import (
	"errors"
	"testing"
	"time"

	"github.com/busybox42/meshnode/pkg/clock"
	"github.com/busybox42/meshnode/pkg/protocol"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/topology"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	to  types.NodeID
	pkt *protocol.Packet
}

type fakeLinks struct {
	neighbors []types.NodeID
	sent      []sent
	fail      error
}

func (f *fakeLinks) Neighbors() []types.NodeID { return f.neighbors }

func (f *fakeLinks) SendTo(next types.NodeID, pkt *protocol.Packet) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sent{to: next, pkt: pkt})
	return nil
}

type harness struct {
	coord     *Coordinator
	store     *topology.Store
	links     *fakeLinks
	sched     *clock.Manual
	events    []report.Event
	completed []bool
	updates   int
}

func newHarness() *harness {
	h := &harness{
		store: topology.New(),
		links: &fakeLinks{neighbors: []types.NodeID{2, 3}},
		sched: clock.NewManual(time.Unix(0, 0)),
	}
	h.store.AddNode(1, types.Client)
	h.coord = New(Config{
		Self:      types.Node{ID: 1, Type: types.Client},
		Store:     h.store,
		Links:     h.links,
		Scheduler: h.sched,
		Timeout:   time.Second,
		Reporter:  report.Func(func(e report.Event) { h.events = append(h.events, e) }),
		OnUpdate:  func() { h.updates++ },
		OnComplete: func(_ uint64, changed bool) {
			h.completed = append(h.completed, changed)
		},
	})
	return h
}

func (h *harness) kinds() []report.Kind {
	var out []report.Kind
	for _, e := range h.events {
		out = append(out, e.Kind)
	}
	return out
}

func TestStartFloodSendsToEveryNeighbor(t *testing.T) {
	h := newHarness()

	id, started := h.coord.StartFlood()
	require.True(t, started)
	require.Len(t, h.links.sent, 2)

	for i, s := range h.links.sent {
		assert.Equal(t, h.links.neighbors[i], s.to)
		require.Equal(t, protocol.KindFloodRequest, s.pkt.Kind)
		assert.Equal(t, id, s.pkt.FloodRequest.FloodID)
		assert.Equal(t, types.NodeID(1), s.pkt.FloodRequest.Initiator)
		assert.Equal(t, []types.Node{{ID: 1, Type: types.Client}}, s.pkt.FloodRequest.PathTrace)
	}
	assert.True(t, h.coord.Discovering())
}

func TestSingleCampaignAtATime(t *testing.T) {
	h := newHarness()

	first, started := h.coord.StartFlood()
	require.True(t, started)

	again, started := h.coord.StartFlood()
	assert.False(t, started)
	assert.Equal(t, first, again)
	assert.Len(t, h.links.sent, 2)

	h.sched.Advance(time.Second)
	assert.False(t, h.coord.Discovering())

	_, started = h.coord.StartFlood()
	assert.True(t, started)
}

func TestZeroResponseFloodLeavesTopologyUnchanged(t *testing.T) {
	h := newHarness()
	before := h.store.Snapshot()

	_, started := h.coord.StartFlood()
	require.True(t, started)
	h.sched.Advance(2 * time.Second)

	assert.False(t, h.coord.Discovering())
	assert.Equal(t, before, h.store.Snapshot())
	assert.Equal(t, []bool{false}, h.completed)
	assert.Equal(t, []report.Kind{report.FloodStarted, report.FloodCompleted}, h.kinds())
}

func TestHandleResponseRecordsTrace(t *testing.T) {
	h := newHarness()
	id, _ := h.coord.StartFlood()

	err := h.coord.HandleResponse(&protocol.FloodResponse{
		FloodID: id,
		PathTrace: []types.Node{
			{ID: 1, Type: types.Client},
			{ID: 2, Type: types.Drone},
			{ID: 5, Type: types.Drone},
			{ID: 9, Type: types.Server},
		},
	})
	require.NoError(t, err)

	assert.True(t, h.store.HasEdge(1, 2))
	assert.True(t, h.store.HasEdge(2, 5))
	assert.True(t, h.store.HasEdge(5, 9))
	kind, ok := h.store.NodeType(9)
	require.True(t, ok)
	assert.Equal(t, types.Server, kind)
	assert.Equal(t, 1, h.updates)

	// responses never end the campaign early
	assert.True(t, h.coord.Discovering())
	h.sched.Advance(time.Second)
	assert.Equal(t, []bool{true}, h.completed)
}

func TestDuplicateResponseIsNotAnUpdate(t *testing.T) {
	h := newHarness()
	id, _ := h.coord.StartFlood()
	resp := &protocol.FloodResponse{
		FloodID:   id,
		PathTrace: []types.Node{{ID: 1, Type: types.Client}, {ID: 2, Type: types.Drone}},
	}

	require.NoError(t, h.coord.HandleResponse(resp))
	require.NoError(t, h.coord.HandleResponse(resp))
	assert.Equal(t, 1, h.updates)
}

func TestResponseToUnknownFloodIgnored(t *testing.T) {
	h := newHarness()
	h.coord.StartFlood()
	before := h.store.Snapshot()

	err := h.coord.HandleResponse(&protocol.FloodResponse{
		FloodID:   0xdead,
		PathTrace: []types.Node{{ID: 1, Type: types.Client}, {ID: 4, Type: types.Drone}},
	})
	require.NoError(t, err)
	assert.Equal(t, before, h.store.Snapshot())
	assert.Zero(t, h.updates)
}

func TestLateResponseStillLearnt(t *testing.T) {
	h := newHarness()
	id, _ := h.coord.StartFlood()
	h.sched.Advance(time.Second)
	require.False(t, h.coord.Discovering())

	require.NoError(t, h.coord.HandleResponse(&protocol.FloodResponse{
		FloodID:   id,
		PathTrace: []types.Node{{ID: 1, Type: types.Client}, {ID: 3, Type: types.Drone}},
	}))
	assert.True(t, h.store.HasEdge(1, 3))
}

func TestHandleRequestAnswersAlongReversePath(t *testing.T) {
	h := newHarness()
	req := protocol.NewFloodRequestPacket(77, 4242, types.Node{ID: 8, Type: types.Client})
	req.FloodRequest.PathTrace = append(req.FloodRequest.PathTrace,
		types.Node{ID: 6, Type: types.Drone},
		types.Node{ID: 2, Type: types.Drone},
	)

	require.NoError(t, h.coord.HandleRequest(req))
	require.Len(t, h.links.sent, 1)

	out := h.links.sent[0]
	assert.Equal(t, types.NodeID(2), out.to)
	require.Equal(t, protocol.KindFloodResponse, out.pkt.Kind)
	assert.Equal(t, uint64(77), out.pkt.SessionID)
	assert.Equal(t, []types.NodeID{1, 2, 6, 8}, out.pkt.Header.Hops)
	assert.Equal(t, uint8(1), out.pkt.Header.HopIndex)
	assert.Equal(t, types.Node{ID: 1, Type: types.Client}, out.pkt.FloodResponse.PathTrace[3])
}

func TestHandleRequestIgnoresOwnFlood(t *testing.T) {
	h := newHarness()
	req := protocol.NewFloodRequestPacket(1, 5, types.Node{ID: 1, Type: types.Client})
	req.FloodRequest.PathTrace = append(req.FloodRequest.PathTrace, types.Node{ID: 2, Type: types.Drone})

	require.NoError(t, h.coord.HandleRequest(req))
	assert.Empty(t, h.links.sent)
}

func TestHandleRequestSendFailure(t *testing.T) {
	h := newHarness()
	boom := errors.New("link full")
	h.links.fail = boom
	req := protocol.NewFloodRequestPacket(1, 5, types.Node{ID: 8, Type: types.Client})
	req.FloodRequest.PathTrace = append(req.FloodRequest.PathTrace, types.Node{ID: 2, Type: types.Drone})

	err := h.coord.HandleRequest(req)
	assert.ErrorIs(t, err, boom)
}
