package fragment

import (
	"errors"
	"fmt"
	"time"

	"github.com/busybox42/meshnode/pkg/clock"
	"github.com/busybox42/meshnode/pkg/protocol"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

type outSession struct {
	key       SessionKey
	handle    *Handle
	frags     []protocol.Fragment
	acked     []bool
	retries   []int
	timers    []clock.Timer
	remaining int

	route    types.Route
	reroutes int
	parked   bool
	// the routing error that parked the session, reported if discovery finds nothing
	parkErr error

	created time.Time
	updated time.Time
}

func (s *outSession) stopTimers() {
	for i, t := range s.timers {
		if t != nil {
			t.Stop()
			s.timers[i] = nil
		}
	}
}

func (s *outSession) info() SessionInfo {
	return SessionInfo{
		Peer:      s.key.Peer,
		ID:        s.key.ID,
		Outbound:  true,
		Total:     len(s.frags),
		Done:      len(s.frags) - s.remaining,
		Route:     s.route,
		Parked:    s.parked,
		Reroutes:  s.reroutes,
		UpdatedAt: s.updated,
	}
}

// Send starts delivering payload to dst and returns immediately. The handle
// completes when every fragment was acknowledged or the session failed.
func (m *Manager) Send(dst types.NodeID, payload []byte) *Handle {
	id := m.newSessionID()
	key := SessionKey{Peer: dst, ID: id}
	frags := Split(payload, m.cfg.FragmentSize)
	now := m.cfg.Scheduler.Now()

	s := &outSession{
		key:       key,
		handle:    newHandle(key),
		frags:     frags,
		acked:     make([]bool, len(frags)),
		retries:   make([]int, len(frags)),
		timers:    make([]clock.Timer, len(frags)),
		remaining: len(frags),
		created:   now,
		updated:   now,
	}
	m.out[id] = s
	m.log.WithField("session", id).Debugf("Sending %d bytes to %d in %d fragments", len(payload), dst, len(frags))

	route, err := m.cfg.Router.Resolve(dst)
	if err != nil {
		m.parkOrFail(s, err, err)
		return s.handle
	}
	s.route = route
	m.transmitPending(s)
	return s.handle
}

// parkOrFail waits for a running discovery campaign, or fails the session with
// failure when none is running.
func (m *Manager) parkOrFail(s *outSession, cause, failure error) {
	if m.cfg.Router.Discovering() {
		s.parked = true
		s.parkErr = failure
		s.route = nil
		m.parked = append(m.parked, s)
		m.log.WithField("session", s.key.ID).WithError(cause).Debug("Waiting for discovery")
		return
	}
	m.reportRoutingError(s, cause)
	m.fail(s, failure)
}

func (m *Manager) reportRoutingError(s *outSession, err error) {
	m.cfg.Reporter.Report(report.New(m.cfg.Self, report.RoutingError).
		WithSession(s.key.ID).WithPeer(s.key.Peer).WithError(err))
}

func (m *Manager) transmitPending(s *outSession) {
	for i := range s.frags {
		if !s.acked[i] {
			m.transmit(s, i)
		}
	}
}

func (m *Manager) transmit(s *outSession, i int) {
	if t := s.timers[i]; t != nil {
		t.Stop()
	}
	pkt := protocol.NewFragmentPacket(s.key.ID, s.route, s.frags[i])
	m.send(s.route, pkt)
	m.cfg.Reporter.Report(report.New(m.cfg.Self, report.FragmentSent).
		WithSession(s.key.ID).WithPeer(s.key.Peer).WithRoute(s.route).
		WithData(map[string]uint64{"index": s.frags[i].Index, "total": s.frags[i].Total}))

	id, route := s.key.ID, s.route
	s.timers[i] = m.cfg.Scheduler.After(m.cfg.RetryTimeout, func() { m.retryTimeout(id, i, route) })
	s.updated = m.cfg.Scheduler.Now()
}

func (m *Manager) retryTimeout(id uint64, i int, route types.Route) {
	s, ok := m.out[id]
	if !ok || s.parked || s.acked[i] {
		return
	}
	s.timers[i] = nil
	m.retryOrEscalate(s, i, route[1])
}

// retryOrEscalate resends fragment i on the same route while budget remains and
// otherwise blames failedHop and reroutes.
func (m *Manager) retryOrEscalate(s *outSession, i int, failedHop types.NodeID) {
	if s.retries[i] < m.cfg.RetryBudget {
		s.retries[i]++
		m.log.WithField("session", s.key.ID).Debugf("Resending fragment %d (retry %d)", i, s.retries[i])
		m.transmit(s, i)
		return
	}
	m.escalate(s, failedHop)
}

// escalate invalidates the failing hop, re-resolves and retransmits every
// unacknowledged fragment on the new route.
func (m *Manager) escalate(s *outSession, failedHop types.NodeID) {
	s.stopTimers()

	if s.route != nil {
		m.cfg.Router.Invalidate(s.route, failedHop)
	}
	m.cfg.Reporter.Report(report.New(m.cfg.Self, report.RoutingError).
		WithSession(s.key.ID).WithPeer(s.key.Peer).WithRoute(s.route).
		WithError(fmt.Errorf("link into %d failed", failedHop)))

	if s.reroutes >= m.cfg.MaxReroutes {
		m.fail(s, fmt.Errorf("%w: session %d to %d after %d reroutes", ErrDeliveryFailed, s.key.ID, s.key.Peer, s.reroutes))
		return
	}
	s.reroutes++
	for i := range s.retries {
		s.retries[i] = 0
	}

	route, err := m.cfg.Router.Resolve(s.key.Peer)
	if err != nil {
		m.parkOrFail(s, err, fmt.Errorf("%w: %w", ErrDeliveryFailed, err))
		return
	}
	m.log.WithField("session", s.key.ID).Infof("Rerouting to %d via %s", s.key.Peer, route)
	s.route = route
	m.transmitPending(s)
}

// RouteAvailable resumes parked sessions whose destination became reachable.
// The node calls it whenever discovery extended the topology.
func (m *Manager) RouteAvailable() {
	m.resumeParked(false)
}

// DiscoveryFinished resumes or fails every parked session. Each parked session
// gets one final lookup.
func (m *Manager) DiscoveryFinished() {
	m.resumeParked(true)
}

func (m *Manager) resumeParked(final bool) {
	waiting := m.parked
	m.parked = nil
	for _, s := range waiting {
		if _, live := m.out[s.key.ID]; !live || !s.parked {
			continue
		}
		if route, ok := m.cfg.Router.Lookup(s.key.Peer); ok {
			s.parked = false
			s.parkErr = nil
			s.route = route
			m.transmitPending(s)
			continue
		}
		if !final {
			m.parked = append(m.parked, s)
			continue
		}
		s.parked = false
		m.reportRoutingError(s, s.parkErr)
		m.fail(s, s.parkErr)
	}
}

// HandleAck marks a fragment delivered. Acks for unknown sessions or fragments
// are ignored.
func (m *Manager) HandleAck(pkt *protocol.Packet) {
	s, ok := m.out[pkt.SessionID]
	if !ok || pkt.Ack == nil {
		return
	}
	i := pkt.Ack.FragmentIndex
	if i >= uint64(len(s.frags)) || s.acked[i] {
		return
	}
	s.acked[i] = true
	s.remaining--
	if t := s.timers[i]; t != nil {
		t.Stop()
		s.timers[i] = nil
	}
	s.updated = m.cfg.Scheduler.Now()

	if s.remaining == 0 {
		m.complete(s)
	}
}

// HandleNack reacts to a relay reporting a failure for one of our fragments.
func (m *Manager) HandleNack(pkt *protocol.Packet) {
	s, ok := m.out[pkt.SessionID]
	if !ok || pkt.Nack == nil || s.parked {
		return
	}
	nack := pkt.Nack
	i := nack.FragmentIndex
	if i >= uint64(len(s.frags)) || s.acked[i] {
		return
	}
	reporter := pkt.Header.Hops[0]
	log := m.log.WithFields(logrus.Fields{"session": s.key.ID, "reporter": reporter})

	path, ok := walkedPath(s.route, pkt)
	if !ok {
		log.Debugf("Ignoring %s for fragment %d from a previous route", nack.Kind, i)
		return
	}

	switch nack.Kind {
	case protocol.Dropped:
		log.Debugf("Fragment %d dropped", i)
		m.retryOrEscalate(s, int(i), reporter)
	case protocol.ErrorInRouting:
		log.Infof("%s at %d for fragment %d", nack.Kind, nack.Node, i)
		m.escalate(s, nack.Node)
	case protocol.UnexpectedRecipient:
		// the last on-route relay handed the fragment to a stray node instead of the next hop
		log.Infof("%s at %d for fragment %d", nack.Kind, nack.Node, i)
		m.escalate(s, s.route[len(path)])
	case protocol.DestinationIsDrone:
		m.fail(s, fmt.Errorf("%w: %d is not an endpoint", ErrDeliveryFailed, s.key.Peer))
	default:
		log.Warnf("Unknown nack kind %d", nack.Kind)
	}
}

// walkedPath returns the part of route the nacked fragment travelled, read off
// the nack's own header. It fails when that path is not a prefix of route, which
// is the case for nacks still arriving from a route the session left.
// For UnexpectedRecipient the stray reporter is excluded from the path.
func walkedPath(route types.Route, pkt *protocol.Packet) (types.Route, bool) {
	path := types.Route(pkt.Header.Hops).Reverse()
	if pkt.Nack.Kind == protocol.UnexpectedRecipient {
		path = path[:len(path)-1]
		if len(path) >= len(route) {
			return nil, false
		}
	}
	if len(path) == 0 || len(path) > len(route) {
		return nil, false
	}
	for i, id := range path {
		if route[i] != id {
			return nil, false
		}
	}
	return path, true
}

func (m *Manager) complete(s *outSession) {
	s.stopTimers()
	delete(m.out, s.key.ID)
	m.log.WithField("session", s.key.ID).Infof("Delivered %d fragments to %d", len(s.frags), s.key.Peer)
	m.cfg.Reporter.Report(report.New(m.cfg.Self, report.SessionDelivered).
		WithSession(s.key.ID).WithPeer(s.key.Peer).WithRoute(s.route))
	s.handle.finish(s.route, nil)
}

func (m *Manager) fail(s *outSession, err error) {
	s.stopTimers()
	delete(m.out, s.key.ID)
	if errors.Is(err, ErrClosed) {
		m.log.WithField("session", s.key.ID).Debug("Session abandoned")
	} else {
		m.log.WithField("session", s.key.ID).WithError(err).Warn("Session failed")
	}
	m.cfg.Reporter.Report(report.New(m.cfg.Self, report.SessionFailed).
		WithSession(s.key.ID).WithPeer(s.key.Peer).WithRoute(s.route).WithError(err))
	s.handle.finish(s.route, err)
}
