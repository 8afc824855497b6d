// Package fragment splits payloads into fragments, tracks their delivery with
// acknowledgments, retries and reroutes, and reassembles inbound sessions.
//
// A Manager is confined to the node's dispatch loop: every method must be called
// from that goroutine, including the callbacks it arms on the scheduler.
package fragment

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/busybox42/meshnode/pkg/clock"
	"github.com/busybox42/meshnode/pkg/protocol"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

// ErrDeliveryFailed is the outcome of a session that exhausted its retries and reroutes.
var ErrDeliveryFailed = errors.New("delivery failed")

// ErrClosed fails sessions still pending when the manager shuts down.
var ErrClosed = errors.New("fragment manager closed")

const (
	DefaultRetryBudget     = 3
	DefaultRetryTimeout    = 500 * time.Millisecond
	DefaultMaxReroutes     = 2
	DefaultSessionExpiry   = 30 * time.Second
	DefaultDeliveredMemory = 256
)

// Router is what the manager needs from routing.
type Router interface {
	Resolve(dst types.NodeID) (types.Route, error)
	Lookup(dst types.NodeID) (types.Route, bool)
	Invalidate(route types.Route, failedHop types.NodeID) bool
	Discovering() bool
}

// Links hands a packet to the given direct neighbor.
type Links interface {
	SendTo(next types.NodeID, pkt *protocol.Packet) error
}

// DeliverFunc receives every fully reassembled inbound payload exactly once.
type DeliverFunc func(src types.NodeID, payload []byte)

// Config wires a Manager to its node. Zero policy values select the defaults.
type Config struct {
	Self      types.NodeID
	Router    Router
	Links     Links
	Scheduler clock.Scheduler
	Reporter  report.Reporter
	Logger    logrus.FieldLogger
	Deliver   DeliverFunc

	FragmentSize    int
	RetryBudget     int
	RetryTimeout    time.Duration
	MaxReroutes     int
	SessionExpiry   time.Duration
	DeliveredMemory int
}

func (c *Config) setDefaults() {
	if c.FragmentSize <= 0 || c.FragmentSize > protocol.FragmentSize {
		c.FragmentSize = protocol.FragmentSize
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = DefaultRetryTimeout
	}
	if c.MaxReroutes <= 0 {
		c.MaxReroutes = DefaultMaxReroutes
	}
	if c.SessionExpiry <= 0 {
		c.SessionExpiry = DefaultSessionExpiry
	}
	if c.DeliveredMemory <= 0 {
		c.DeliveredMemory = DefaultDeliveredMemory
	}
	if c.Reporter == nil {
		c.Reporter = report.Nop{}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Deliver == nil {
		c.Deliver = func(types.NodeID, []byte) {}
	}
}

// SessionKey identifies a session by its remote peer and session id.
type SessionKey struct {
	Peer types.NodeID
	ID   uint64
}

// Handle is the caller's view of an outbound session.
type Handle struct {
	Key   SessionKey
	done  chan struct{}
	err   error
	route types.Route

	// only touched on the dispatch loop
	callbacks []func(error)
}

func newHandle(key SessionKey) *Handle {
	return &Handle{Key: key, done: make(chan struct{})}
}

// Finished returns a handle that already completed with err. Stub cores use it.
func Finished(key SessionKey, route types.Route, err error) *Handle {
	h := newHandle(key)
	h.finish(route, err)
	return h
}

func (h *Handle) finish(route types.Route, err error) {
	h.route = route
	h.err = err
	close(h.done)
	callbacks := h.callbacks
	h.callbacks = nil
	for _, fn := range callbacks {
		fn(err)
	}
}

// OnDone arranges for fn to run on the dispatch loop with the session outcome.
// It runs at once when the session already finished. Loop-confined callers use
// it instead of Wait.
func (h *Handle) OnDone(fn func(error)) {
	select {
	case <-h.done:
		fn(h.err)
	default:
		h.callbacks = append(h.callbacks, fn)
	}
}

// Done is closed once the session reached a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the session outcome. It is nil until Done is closed and nil on success.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Route returns the route the session finished on, if any.
func (h *Handle) Route() types.Route {
	select {
	case <-h.done:
		return h.route
	default:
		return nil
	}
}

// Wait blocks until the session finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Split cuts payload into fragments of at most size bytes. An empty payload
// yields one empty fragment.
func Split(payload []byte, size int) []protocol.Fragment {
	if size <= 0 || size > protocol.FragmentSize {
		size = protocol.FragmentSize
	}
	total := (len(payload) + size - 1) / size
	if total == 0 {
		total = 1
	}
	frags := make([]protocol.Fragment, total)
	for i := range frags {
		start := i * size
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		data := make([]byte, end-start)
		copy(data, payload[start:end])
		frags[i] = protocol.Fragment{Index: uint64(i), Total: uint64(total), Data: data}
	}
	return frags
}

// Manager owns every outbound and inbound session of a node.
type Manager struct {
	cfg Config
	log logrus.FieldLogger

	out    map[uint64]*outSession
	parked []*outSession

	in        map[SessionKey]*inSession
	delivered map[SessionKey]struct{}
	order     []SessionKey
}

func New(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:       cfg,
		log:       cfg.Logger.WithFields(logrus.Fields{"component": "fragment", "node": cfg.Self}),
		out:       make(map[uint64]*outSession),
		in:        make(map[SessionKey]*inSession),
		delivered: make(map[SessionKey]struct{}),
	}
}

func (m *Manager) newSessionID() uint64 {
	for {
		id := rand.Uint64()
		if _, taken := m.out[id]; id != 0 && !taken {
			return id
		}
	}
}

func (m *Manager) send(route types.Route, pkt *protocol.Packet) {
	next := route[1]
	if err := m.cfg.Links.SendTo(next, pkt); err != nil {
		m.log.WithError(err).WithField("session", pkt.SessionID).Warnf("%s to %d dropped", pkt.Kind, next)
		m.cfg.Reporter.Report(report.New(m.cfg.Self, report.PacketDropped).
			WithSession(pkt.SessionID).WithPeer(next).WithRoute(route).WithError(err))
	}
}

// SessionInfo describes a live session for status queries.
type SessionInfo struct {
	Peer      types.NodeID `json:"peer"`
	ID        uint64       `json:"id"`
	Outbound  bool         `json:"outbound"`
	Total     int          `json:"total"`
	Done      int          `json:"done"`
	Route     types.Route  `json:"route,omitempty"`
	Parked    bool         `json:"parked,omitempty"`
	Reroutes  int          `json:"reroutes,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Sessions lists every live session.
func (m *Manager) Sessions() []SessionInfo {
	infos := make([]SessionInfo, 0, len(m.out)+len(m.in))
	for _, s := range m.out {
		infos = append(infos, s.info())
	}
	for _, s := range m.in {
		infos = append(infos, s.info())
	}
	return infos
}

// Pending returns the number of live outbound and inbound sessions.
func (m *Manager) Pending() (outbound, inbound int) {
	return len(m.out), len(m.in)
}

// Close fails every outbound session and drops inbound state.
func (m *Manager) Close() {
	for _, s := range m.out {
		m.fail(s, ErrClosed)
	}
	for key, s := range m.in {
		s.stop()
		delete(m.in, key)
	}
}
