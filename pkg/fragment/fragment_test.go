package fragment

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/busybox42/meshnode/pkg/clock"
	"github.com/busybox42/meshnode/pkg/protocol"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/routing"
	"github.com/busybox42/meshnode/pkg/topology"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentPacket struct {
	to  types.NodeID
	pkt *protocol.Packet
}

type recordingLinks struct {
	sent []sentPacket
}

func (l *recordingLinks) SendTo(next types.NodeID, pkt *protocol.Packet) error {
	l.sent = append(l.sent, sentPacket{to: next, pkt: pkt})
	return nil
}

func (l *recordingLinks) take() []sentPacket {
	out := l.sent
	l.sent = nil
	return out
}

type stubFlooder struct {
	calls   int
	running bool
}

func (f *stubFlooder) StartFlood() (uint64, bool) {
	f.calls++
	if f.running {
		return 1, false
	}
	f.running = true
	return 1, true
}

func (f *stubFlooder) Discovering() bool { return f.running }

type fixture struct {
	mgr       *Manager
	store     *topology.Store
	router    *routing.Router
	flooder   *stubFlooder
	links     *recordingLinks
	sched     *clock.Manual
	events    []report.Event
	delivered [][]byte
}

// newFixture builds node 1 in a diamond: 1-2-9 and 1-3-9, 9 being a server.
func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store:   topology.New(),
		flooder: &stubFlooder{},
		links:   &recordingLinks{},
		sched:   clock.NewManual(time.Unix(0, 0)),
	}
	f.store.AddNode(1, types.Client)
	f.store.AddNode(2, types.Drone)
	f.store.AddNode(3, types.Drone)
	f.store.AddNode(9, types.Server)
	f.store.RecordEdge(1, 2)
	f.store.RecordEdge(1, 3)
	f.store.RecordEdge(2, 9)
	f.store.RecordEdge(3, 9)
	f.router = routing.New(1, f.store, f.flooder, nil)

	cfg := Config{
		Self:         1,
		Router:       f.router,
		Links:        f.links,
		Scheduler:    f.sched,
		Reporter:     report.Func(func(e report.Event) { f.events = append(f.events, e) }),
		RetryBudget:  2,
		RetryTimeout: 100 * time.Millisecond,
		MaxReroutes:  1,
		Deliver: func(_ types.NodeID, payload []byte) {
			f.delivered = append(f.delivered, payload)
		},
	}
	if tweak != nil {
		tweak(&cfg)
	}
	f.mgr = New(cfg)
	return f
}

func (f *fixture) count(kind report.Kind) int {
	n := 0
	for _, e := range f.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func ackFor(pkt *protocol.Packet) *protocol.Packet {
	back := types.Route(pkt.Header.Hops).Reverse()
	ack := protocol.NewAckPacket(pkt.SessionID, back, pkt.Fragment.Index)
	ack.Header.HopIndex = uint8(len(back) - 1)
	return ack
}

func nackFrom(pkt *protocol.Packet, reporter types.NodeID, kind protocol.NackKind, node types.NodeID) *protocol.Packet {
	hops := types.Route(pkt.Header.Hops)
	back := hops[:hops.Index(reporter)+1].Reverse()
	nack := protocol.NewNackPacket(pkt.SessionID, back, protocol.Nack{
		FragmentIndex: pkt.Fragment.Index,
		Kind:          kind,
		Node:          node,
	})
	nack.Header.HopIndex = uint8(len(back) - 1)
	return nack
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		total int
	}{
		{"empty", 0, 1},
		{"one byte", 1, 1},
		{"exact", 128, 1},
		{"one over", 129, 2},
		{"several", 1000, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0x5a}, tt.size)
			frags := Split(payload, protocol.FragmentSize)
			require.Len(t, frags, tt.total)

			var joined []byte
			for i, f := range frags {
				assert.Equal(t, uint64(i), f.Index)
				assert.Equal(t, uint64(tt.total), f.Total)
				assert.LessOrEqual(t, len(f.Data), protocol.FragmentSize)
				joined = append(joined, f.Data...)
			}
			assert.Equal(t, tt.size, len(joined))
		})
	}
}

func TestSendCompletesWhenEveryFragmentAcked(t *testing.T) {
	f := newFixture(t, nil)
	payload := bytes.Repeat([]byte("x"), 300)

	h := f.mgr.Send(9, payload)
	sent := f.links.take()
	require.Len(t, sent, 3)
	for _, s := range sent {
		assert.Equal(t, types.NodeID(2), s.to)
		assert.Equal(t, []types.NodeID{1, 2, 9}, s.pkt.Header.Hops)
		assert.Equal(t, h.Key.ID, s.pkt.SessionID)
	}

	for _, s := range sent[:2] {
		f.mgr.HandleAck(ackFor(s.pkt))
	}
	select {
	case <-h.Done():
		t.Fatal("session finished before the last ack")
	default:
	}

	f.mgr.HandleAck(ackFor(sent[2].pkt))
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, types.Route{1, 2, 9}, h.Route())

	out, in := f.mgr.Pending()
	assert.Zero(t, out)
	assert.Zero(t, in)
	assert.Zero(t, f.sched.Pending(), "retry timers must be cancelled")
	assert.Equal(t, 1, f.count(report.SessionDelivered))
}

func TestRetryThenRerouteThenFail(t *testing.T) {
	f := newFixture(t, nil)
	h := f.mgr.Send(9, []byte("hello"))
	require.Len(t, f.links.take(), 1)

	// two resends on the original route
	for i := 0; i < 2; i++ {
		f.sched.Advance(100 * time.Millisecond)
		sent := f.links.take()
		require.Len(t, sent, 1)
		assert.Equal(t, types.NodeID(2), sent[0].to)
	}

	// budget spent: the first hop is blamed and the alternate route used
	f.sched.Advance(100 * time.Millisecond)
	sent := f.links.take()
	require.Len(t, sent, 1)
	assert.Equal(t, types.NodeID(3), sent[0].to)
	assert.Equal(t, []types.NodeID{1, 3, 9}, sent[0].pkt.Header.Hops)
	assert.False(t, f.store.HasEdge(1, 2))

	// the alternate route fails as well
	f.sched.Advance(300 * time.Millisecond)
	err := h.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeliveryFailed))

	out, _ := f.mgr.Pending()
	assert.Zero(t, out)
	assert.Zero(t, f.sched.Pending())
	assert.Equal(t, 1, f.count(report.SessionFailed))
	assert.Zero(t, f.flooder.calls)
}

func TestNackErrorInRoutingReroutesAtOnce(t *testing.T) {
	f := newFixture(t, nil)
	h := f.mgr.Send(9, []byte("hi"))
	first := f.links.take()[0]

	f.mgr.HandleNack(nackFrom(first.pkt, 2, protocol.ErrorInRouting, 9))

	assert.False(t, f.store.HasEdge(2, 9))
	assert.True(t, f.store.HasEdge(1, 2))
	sent := f.links.take()
	require.Len(t, sent, 1)
	assert.Equal(t, []types.NodeID{1, 3, 9}, sent[0].pkt.Header.Hops)

	f.mgr.HandleAck(ackFor(sent[0].pkt))
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, types.Route{1, 3, 9}, h.Route())
}

func TestNackFromPreviousRouteIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	h := f.mgr.Send(9, bytes.Repeat([]byte("x"), 200))
	old := f.links.take()
	require.Len(t, old, 2)

	f.mgr.HandleNack(nackFrom(old[0].pkt, 2, protocol.ErrorInRouting, 9))
	rerouted := f.links.take()
	require.Len(t, rerouted, 2)
	assert.Equal(t, []types.NodeID{1, 3, 9}, rerouted[0].pkt.Header.Hops)

	// the second fragment was still in flight on 1->2->9
	f.mgr.HandleNack(nackFrom(old[1].pkt, 2, protocol.ErrorInRouting, 9))
	f.mgr.HandleNack(nackFrom(old[1].pkt, 2, protocol.Dropped, 2))
	assert.Empty(t, f.links.take())
	assert.True(t, f.store.HasEdge(3, 9))
	assert.True(t, f.store.HasEdge(1, 3))
	assert.Nil(t, h.Err())

	for _, s := range rerouted {
		f.mgr.HandleAck(ackFor(s.pkt))
	}
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, types.Route{1, 3, 9}, h.Route())
}

func TestNackUnexpectedRecipientBlamesNextHop(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.Send(9, []byte("hi"))
	first := f.links.take()[0]

	// 2 handed the fragment to 3 instead of 9
	back := types.Route{3, 2, 1}
	nack := protocol.NewNackPacket(first.pkt.SessionID, back, protocol.Nack{
		FragmentIndex: 0,
		Kind:          protocol.UnexpectedRecipient,
		Node:          3,
	})
	nack.Header.HopIndex = uint8(len(back) - 1)
	f.mgr.HandleNack(nack)

	assert.False(t, f.store.HasEdge(2, 9))
	assert.True(t, f.store.HasEdge(1, 2))
	sent := f.links.take()
	require.Len(t, sent, 1)
	assert.Equal(t, []types.NodeID{1, 3, 9}, sent[0].pkt.Header.Hops)
}

func TestNackDroppedResendsOnSameRoute(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.Send(9, []byte("hi"))
	first := f.links.take()[0]

	f.mgr.HandleNack(nackFrom(first.pkt, 2, protocol.Dropped, 2))
	sent := f.links.take()
	require.Len(t, sent, 1)
	assert.Equal(t, []types.NodeID{1, 2, 9}, sent[0].pkt.Header.Hops)
	assert.True(t, f.store.HasEdge(1, 2))

	// the resend consumed a retry: one more drop is tolerated, the next reroutes
	f.mgr.HandleNack(nackFrom(sent[0].pkt, 2, protocol.Dropped, 2))
	require.Equal(t, types.NodeID(2), f.links.take()[0].to)

	f.mgr.HandleNack(nackFrom(sent[0].pkt, 2, protocol.Dropped, 2))
	require.Equal(t, types.NodeID(3), f.links.take()[0].to)
}

func TestNackDestinationIsDroneFails(t *testing.T) {
	f := newFixture(t, nil)
	h := f.mgr.Send(9, []byte("hi"))
	first := f.links.take()[0]

	f.mgr.HandleNack(nackFrom(first.pkt, 2, protocol.DestinationIsDrone, 2))
	assert.ErrorIs(t, h.Wait(context.Background()), ErrDeliveryFailed)
	assert.Empty(t, f.links.take())
}

func TestOnDoneRunsWithOutcome(t *testing.T) {
	f := newFixture(t, nil)
	h := f.mgr.Send(9, []byte("hi"))
	first := f.links.take()[0]

	var got []error
	h.OnDone(func(err error) { got = append(got, err) })
	assert.Empty(t, got)

	f.mgr.HandleNack(nackFrom(first.pkt, 2, protocol.DestinationIsDrone, 2))
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], ErrDeliveryFailed)

	// registered after the fact
	h.OnDone(func(err error) { got = append(got, err) })
	require.Len(t, got, 2)
	assert.ErrorIs(t, got[1], ErrDeliveryFailed)
}

func TestUnreachableAfterOneDiscovery(t *testing.T) {
	f := newFixture(t, nil)

	h := f.mgr.Send(77, []byte("anyone?"))
	assert.Empty(t, f.links.take())
	assert.Equal(t, 1, f.flooder.calls)

	infos := f.mgr.Sessions()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Parked)

	// discovery learnt nothing useful
	f.mgr.RouteAvailable()
	select {
	case <-h.Done():
		t.Fatal("session failed before discovery finished")
	default:
	}

	f.flooder.running = false
	f.mgr.DiscoveryFinished()

	err := h.Wait(context.Background())
	assert.ErrorIs(t, err, routing.ErrUnreachable)
	assert.Equal(t, 1, f.flooder.calls)
	assert.Empty(t, f.links.take())
	assert.Zero(t, f.sched.Pending())
}

func TestParkedSessionResumesWhenRouteAppears(t *testing.T) {
	f := newFixture(t, nil)
	h := f.mgr.Send(77, []byte("anyone?"))

	f.store.AddNode(77, types.Server)
	f.store.RecordEdge(3, 77)
	f.mgr.RouteAvailable()

	sent := f.links.take()
	require.Len(t, sent, 1)
	assert.Equal(t, []types.NodeID{1, 3, 77}, sent[0].pkt.Header.Hops)

	f.mgr.HandleAck(ackFor(sent[0].pkt))
	require.NoError(t, h.Wait(context.Background()))
}

func TestCloseFailsPendingSessions(t *testing.T) {
	f := newFixture(t, nil)
	h := f.mgr.Send(9, []byte("bye"))

	f.mgr.Close()
	assert.ErrorIs(t, h.Wait(context.Background()), ErrClosed)
	assert.Zero(t, f.sched.Pending())
}

func inboundFragments(session uint64, payload []byte) []*protocol.Packet {
	route := types.Route{9, 2, 1}
	var pkts []*protocol.Packet
	for _, frag := range Split(payload, protocol.FragmentSize) {
		pkt := protocol.NewFragmentPacket(session, route, frag)
		pkt.Header.HopIndex = 2
		pkts = append(pkts, pkt)
	}
	return pkts
}

func TestInboundReassemblyIgnoresDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	payload := bytes.Repeat([]byte("abc"), 100)
	pkts := inboundFragments(42, payload)
	require.Len(t, pkts, 3)

	f.mgr.HandleFragment(pkts[2])
	f.mgr.HandleFragment(pkts[0])
	f.mgr.HandleFragment(pkts[0])
	assert.Empty(t, f.delivered)

	f.mgr.HandleFragment(pkts[1])
	require.Len(t, f.delivered, 1)
	assert.Equal(t, payload, f.delivered[0])

	// late duplicate after delivery
	f.mgr.HandleFragment(pkts[1])
	assert.Len(t, f.delivered, 1)

	acks := f.links.take()
	require.Len(t, acks, 5)
	for _, a := range acks {
		assert.Equal(t, types.NodeID(2), a.to)
		require.Equal(t, protocol.KindAck, a.pkt.Kind)
		assert.Equal(t, []types.NodeID{1, 2, 9}, a.pkt.Header.Hops)
		assert.Equal(t, uint64(42), a.pkt.SessionID)
	}
	assert.Equal(t, uint64(1), acks[4].pkt.Ack.FragmentIndex)

	_, in := f.mgr.Pending()
	assert.Zero(t, in)
	assert.Equal(t, 1, f.count(report.PayloadReceived))
}

func TestInboundSessionsAreKeyedBySource(t *testing.T) {
	f := newFixture(t, nil)
	a := inboundFragments(7, []byte("from nine"))[0]
	b := protocol.NewFragmentPacket(7, types.Route{8, 3, 1}, protocol.Fragment{Index: 0, Total: 1, Data: []byte("from eight")})
	b.Header.HopIndex = 2

	f.mgr.HandleFragment(a)
	f.mgr.HandleFragment(b)
	require.Len(t, f.delivered, 2)
	assert.Equal(t, []byte("from nine"), f.delivered[0])
	assert.Equal(t, []byte("from eight"), f.delivered[1])
}

func TestInboundSessionExpires(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SessionExpiry = time.Second })
	pkts := inboundFragments(5, bytes.Repeat([]byte{1}, 200))

	f.mgr.HandleFragment(pkts[0])
	f.sched.Advance(900 * time.Millisecond)
	_, in := f.mgr.Pending()
	assert.Equal(t, 1, in)

	f.sched.Advance(200 * time.Millisecond)
	_, in = f.mgr.Pending()
	assert.Zero(t, in)
	assert.Equal(t, 1, f.count(report.SessionExpired))
	assert.Empty(t, f.delivered)
}

func TestDeliveredMemoryIsBounded(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DeliveredMemory = 2 })
	for id := uint64(1); id <= 3; id++ {
		f.mgr.HandleFragment(inboundFragments(id, []byte{byte(id)})[0])
	}
	require.Len(t, f.delivered, 3)

	// session 1 fell out of memory, so a replay is treated as new
	f.mgr.HandleFragment(inboundFragments(1, []byte{1})[0])
	assert.Len(t, f.delivered, 4)

	f.mgr.HandleFragment(inboundFragments(3, []byte{3})[0])
	assert.Len(t, f.delivered, 4)
}

// wire connects two managers through relay 2, passing every packet through the codec.
type wire struct {
	t     *testing.T
	queue []func()
}

type wireEnd struct {
	w    *wire
	peer **Manager
}

func (e wireEnd) SendTo(_ types.NodeID, pkt *protocol.Packet) error {
	raw, err := protocol.Encode(pkt)
	require.NoError(e.w.t, err)
	e.w.queue = append(e.w.queue, func() {
		got, err := protocol.Decode(raw)
		require.NoError(e.w.t, err)
		got.Header.HopIndex = uint8(len(got.Header.Hops) - 1)
		switch got.Kind {
		case protocol.KindFragment:
			(*e.peer).HandleFragment(got)
		case protocol.KindAck:
			(*e.peer).HandleAck(got)
		}
	})
	return nil
}

func (w *wire) pump() {
	for len(w.queue) > 0 {
		next := w.queue[0]
		w.queue = w.queue[1:]
		next()
	}
}

func TestRoundTripAllSizes(t *testing.T) {
	w := &wire{t: t}
	var client, server *Manager
	var received [][]byte

	sched := clock.NewManual(time.Unix(0, 0))
	store := topology.New()
	store.AddNode(1, types.Client)
	store.AddNode(2, types.Drone)
	store.AddNode(9, types.Server)
	store.RecordEdge(1, 2)
	store.RecordEdge(2, 9)

	client = New(Config{
		Self:      1,
		Router:    routing.New(1, store, &stubFlooder{}, nil),
		Links:     wireEnd{w: w, peer: &server},
		Scheduler: sched,
	})
	server = New(Config{
		Self:      9,
		Router:    routing.New(9, topology.New(), &stubFlooder{}, nil),
		Links:     wireEnd{w: w, peer: &client},
		Scheduler: sched,
		Deliver: func(src types.NodeID, payload []byte) {
			assert.Equal(t, types.NodeID(1), src)
			received = append(received, payload)
		},
	})

	for _, size := range []int{0, 1, 127, 128, 129, 256, 1000, 4096} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		h := client.Send(9, payload)
		w.pump()

		require.NoError(t, h.Err(), "size %d", size)
		select {
		case <-h.Done():
		default:
			t.Fatalf("size %d: session still pending", size)
		}
		require.NotEmpty(t, received)
		assert.Equal(t, payload, received[len(received)-1], "size %d", size)
	}
	assert.Len(t, received, 8)
}
