// Package report carries status events from a node to the controller and to any
// number of observers (journal, MQTT, websocket clients).
package report

import (
	"sync/atomic"
	"time"

	"github.com/busybox42/meshnode/pkg/types"
	"github.com/google/uuid"
)

// Kind names an event.
type Kind string

const (
	FragmentSent     Kind = "fragment_sent"
	SessionDelivered Kind = "session_delivered"
	SessionFailed    Kind = "session_failed"
	SessionExpired   Kind = "session_expired"
	PayloadReceived  Kind = "payload_received"
	FloodStarted     Kind = "flood_started"
	FloodCompleted   Kind = "flood_completed"
	TopologyUpdated  Kind = "topology_updated"
	RoutingError     Kind = "routing_error"
	PacketDropped    Kind = "packet_dropped"
	MalformedPacket  Kind = "malformed_packet"

	// replies to controller commands
	TopologySnapshot  Kind = "topology_snapshot"
	Status            Kind = "status"
	ClientList        Kind = "client_list"
	ServerType        Kind = "server_type"
	FileList          Kind = "file_list"
	TextFile          Kind = "text_file"
	MediaFile         Kind = "media_file"
	MessageReceived   Kind = "message_received"
	ChatMessageSent   Kind = "chat_message_sent"
	ClientRegistered  Kind = "client_registered"
	KnownServers      Kind = "known_servers"
	RegisteredServers Kind = "registered_servers"
	CommandFailed     Kind = "command_failed"
)

// Event is one status record. Data holds a kind-specific value that must marshal
// to JSON.
type Event struct {
	ID      uuid.UUID     `json:"id"`
	Time    time.Time     `json:"time"`
	Node    types.NodeID  `json:"node"`
	Kind    Kind          `json:"kind"`
	Session uint64        `json:"session,omitempty"`
	Peer    *types.NodeID `json:"peer,omitempty"`
	Route   types.Route   `json:"route,omitempty"`
	Error   string        `json:"error,omitempty"`
	Data    interface{}   `json:"data,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(node types.NodeID, kind Kind) Event {
	return Event{
		ID:   uuid.New(),
		Time: time.Now().UTC(),
		Node: node,
		Kind: kind,
	}
}

// WithPeer sets the remote node the event is about.
func (e Event) WithPeer(id types.NodeID) Event {
	e.Peer = &id
	return e
}

func (e Event) WithSession(id uint64) Event {
	e.Session = id
	return e
}

func (e Event) WithRoute(r types.Route) Event {
	e.Route = append(types.Route(nil), r...)
	return e
}

func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func (e Event) WithData(v interface{}) Event {
	e.Data = v
	return e
}

// Reporter accepts events without blocking the caller.
type Reporter interface {
	Report(Event)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Report(Event) {}

// Chan is a fire-and-forget reporter over a buffered channel. When the channel is
// full the event is dropped and counted.
type Chan struct {
	ch      chan<- Event
	dropped atomic.Uint64
}

func NewChan(ch chan<- Event) *Chan {
	return &Chan{ch: ch}
}

func (c *Chan) Report(e Event) {
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many events could not be queued.
func (c *Chan) Dropped() uint64 {
	return c.dropped.Load()
}

// Func adapts a function to Reporter.
type Func func(Event)

func (f Func) Report(e Event) { f(e) }
