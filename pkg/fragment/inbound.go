package fragment

import (
	"time"

	"github.com/busybox42/meshnode/pkg/clock"
	"github.com/busybox42/meshnode/pkg/protocol"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/types"
)

// MaxFragments bounds the size of an inbound session (8 MiB of payload).
const MaxFragments = 1 << 16

type inSession struct {
	key     SessionKey
	slots   [][]byte
	filled  []bool
	missing int
	expiry  clock.Timer
	created time.Time
	updated time.Time
}

func (s *inSession) stop() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
}

func (s *inSession) info() SessionInfo {
	return SessionInfo{
		Peer:      s.key.Peer,
		ID:        s.key.ID,
		Total:     len(s.slots),
		Done:      len(s.slots) - s.missing,
		UpdatedAt: s.updated,
	}
}

func (s *inSession) assemble() []byte {
	size := 0
	for _, b := range s.slots {
		size += len(b)
	}
	payload := make([]byte, 0, size)
	for _, b := range s.slots {
		payload = append(payload, b...)
	}
	return payload
}

// HandleFragment stores an inbound fragment addressed to this node and acks it
// along the reverse of the path it travelled. Duplicates are acked again but
// never stored or delivered twice.
func (m *Manager) HandleFragment(pkt *protocol.Packet) {
	frag := pkt.Fragment
	if frag == nil {
		return
	}
	hops := types.Route(pkt.Header.Hops)
	src := hops.Source()
	key := SessionKey{Peer: src, ID: pkt.SessionID}
	back := hops[:int(pkt.Header.HopIndex)+1].Reverse()
	log := m.log.WithField("session", key.ID)

	if _, done := m.delivered[key]; done {
		log.Debugf("Late duplicate of fragment %d from %d", frag.Index, src)
		m.ack(back, key.ID, frag.Index)
		return
	}

	s, ok := m.in[key]
	if !ok && frag.Total > MaxFragments {
		log.Warnf("Session from %d announces %d fragments, dropped", src, frag.Total)
		m.cfg.Reporter.Report(report.New(m.cfg.Self, report.PacketDropped).WithSession(key.ID).WithPeer(src))
		return
	}
	if !ok {
		now := m.cfg.Scheduler.Now()
		s = &inSession{
			key:     key,
			slots:   make([][]byte, frag.Total),
			filled:  make([]bool, frag.Total),
			missing: int(frag.Total),
			created: now,
		}
		m.in[key] = s
	} else if uint64(len(s.slots)) != frag.Total {
		log.Warnf("Fragment %d from %d disagrees on total (%d vs %d), dropped", frag.Index, src, frag.Total, len(s.slots))
		m.cfg.Reporter.Report(report.New(m.cfg.Self, report.PacketDropped).
			WithSession(key.ID).WithPeer(src).WithData(map[string]uint64{"index": frag.Index, "total": frag.Total}))
		return
	}

	if !s.filled[frag.Index] {
		data := make([]byte, len(frag.Data))
		copy(data, frag.Data)
		s.slots[frag.Index] = data
		s.filled[frag.Index] = true
		s.missing--
	} else {
		log.Debugf("Duplicate fragment %d from %d", frag.Index, src)
	}
	m.ack(back, key.ID, frag.Index)
	s.updated = m.cfg.Scheduler.Now()

	if s.missing == 0 {
		m.deliver(s)
		return
	}
	m.armExpiry(s)
}

func (m *Manager) ack(back types.Route, sessionID, index uint64) {
	if len(back) < 2 {
		return
	}
	m.send(back, protocol.NewAckPacket(sessionID, back, index))
}

func (m *Manager) armExpiry(s *inSession) {
	s.stop()
	key := s.key
	s.expiry = m.cfg.Scheduler.After(m.cfg.SessionExpiry, func() { m.expire(key) })
}

func (m *Manager) expire(key SessionKey) {
	s, ok := m.in[key]
	if !ok {
		return
	}
	s.expiry = nil
	delete(m.in, key)
	m.log.WithField("session", key.ID).Infof("Dropped incomplete session from %d (%d of %d fragments)",
		key.Peer, len(s.slots)-s.missing, len(s.slots))
	m.cfg.Reporter.Report(report.New(m.cfg.Self, report.SessionExpired).
		WithSession(key.ID).WithPeer(key.Peer))
}

func (m *Manager) deliver(s *inSession) {
	s.stop()
	delete(m.in, s.key)
	m.remember(s.key)

	payload := s.assemble()
	m.log.WithField("session", s.key.ID).Debugf("Reassembled %d bytes from %d", len(payload), s.key.Peer)
	m.cfg.Reporter.Report(report.New(m.cfg.Self, report.PayloadReceived).
		WithSession(s.key.ID).WithPeer(s.key.Peer).WithData(map[string]int{"bytes": len(payload)}))
	m.cfg.Deliver(s.key.Peer, payload)
}

// remember keeps the most recent delivered sessions so late duplicates are acked
// instead of opening a new session.
func (m *Manager) remember(key SessionKey) {
	m.delivered[key] = struct{}{}
	m.order = append(m.order, key)
	if len(m.order) > m.cfg.DeliveredMemory {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.delivered, oldest)
	}
}
