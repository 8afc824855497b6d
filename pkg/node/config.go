package node

import (
	"time"

	"github.com/busybox42/meshnode/pkg/clock"
	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/protocol"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

// Policy defaults.
const (
	DefaultRetryBudget     = 3
	DefaultRetryTimeout    = 500 * time.Millisecond
	DefaultMaxReroutes     = 2
	DefaultFloodTimeout    = 2 * time.Second
	DefaultSessionExpiry   = 30 * time.Second
	DefaultSendTimeout     = 50 * time.Millisecond
	DefaultDeliveredMemory = 256
)

// Policy holds the tunable delivery constants.
type Policy struct {
	// FragmentSize is the payload carried by one fragment, at most 128 bytes.
	FragmentSize int `yaml:"fragment_size" json:"fragment_size"`
	// RetryBudget is the number of resends per fragment on one route.
	RetryBudget  int           `yaml:"retry_budget" json:"retry_budget"`
	RetryTimeout time.Duration `yaml:"retry_timeout" json:"retry_timeout"`
	// MaxReroutes caps how often a session may switch route before failing.
	MaxReroutes   int           `yaml:"max_reroutes" json:"max_reroutes"`
	FloodTimeout  time.Duration `yaml:"flood_timeout" json:"flood_timeout"`
	SessionExpiry time.Duration `yaml:"session_expiry" json:"session_expiry"`
	// SendTimeout bounds the wait on a full neighbor channel.
	SendTimeout     time.Duration `yaml:"send_timeout" json:"send_timeout"`
	DeliveredMemory int           `yaml:"delivered_memory" json:"delivered_memory"`
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		FragmentSize:    protocol.FragmentSize,
		RetryBudget:     DefaultRetryBudget,
		RetryTimeout:    DefaultRetryTimeout,
		MaxReroutes:     DefaultMaxReroutes,
		FloodTimeout:    DefaultFloodTimeout,
		SessionExpiry:   DefaultSessionExpiry,
		SendTimeout:     DefaultSendTimeout,
		DeliveredMemory: DefaultDeliveredMemory,
	}
}

// withDefaults fills zero fields.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.FragmentSize <= 0 || p.FragmentSize > protocol.FragmentSize {
		p.FragmentSize = d.FragmentSize
	}
	if p.RetryBudget <= 0 {
		p.RetryBudget = d.RetryBudget
	}
	if p.RetryTimeout <= 0 {
		p.RetryTimeout = d.RetryTimeout
	}
	if p.MaxReroutes <= 0 {
		p.MaxReroutes = d.MaxReroutes
	}
	if p.FloodTimeout <= 0 {
		p.FloodTimeout = d.FloodTimeout
	}
	if p.SessionExpiry <= 0 {
		p.SessionExpiry = d.SessionExpiry
	}
	if p.SendTimeout <= 0 {
		p.SendTimeout = d.SendTimeout
	}
	if p.DeliveredMemory <= 0 {
		p.DeliveredMemory = d.DeliveredMemory
	}
	return p
}

// DialFunc opens an outbound link to a neighbor that was added without a channel.
type DialFunc func(id types.NodeID) (chan<- []byte, error)

// HangupFunc releases the link to a removed neighbor.
type HangupFunc func(id types.NodeID)

// Config describes one node and its attachments.
type Config struct {
	ID     types.NodeID
	Type   types.NodeType
	Policy Policy

	// Inbound is shared by every neighbor. Closing it stops the node.
	Inbound <-chan []byte
	// Links maps each direct neighbor to its outbound channel.
	Links map[types.NodeID]chan<- []byte
	// Controller may be nil when no controller is attached.
	Controller <-chan control.Command

	Reporter  report.Reporter
	Logger    logrus.FieldLogger
	Scheduler clock.Scheduler
	Dial      DialFunc
	Hangup    HangupFunc
}
