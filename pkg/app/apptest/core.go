// Package apptest provides a recording node.Core for personality tests.
package apptest

import (
	"testing"

	"github.com/busybox42/meshnode/pkg/app"
	"github.com/busybox42/meshnode/pkg/fragment"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/stretchr/testify/require"
)

// Sent is one message handed to the core.
type Sent struct {
	Dst types.NodeID
	Msg app.Message
}

// Core records sends and reports instead of touching a network.
type Core struct {
	t      *testing.T
	Self   types.NodeID
	Known  []types.NodeID
	Sent   []Sent
	Events []report.Event
	Floods int

	// SendErr, when set, fails every send with it.
	SendErr error
}

func NewCore(t *testing.T, self types.NodeID) *Core {
	return &Core{t: t, Self: self}
}

func (c *Core) ID() types.NodeID { return c.Self }

func (c *Core) Send(dst types.NodeID, payload []byte) *fragment.Handle {
	m, err := app.Decode(payload)
	require.NoError(c.t, err)
	c.Sent = append(c.Sent, Sent{Dst: dst, Msg: m})
	return fragment.Finished(fragment.SessionKey{Peer: dst}, nil, c.SendErr)
}

func (c *Core) StartFlood() (uint64, bool) {
	c.Floods++
	return uint64(c.Floods), true
}

func (c *Core) Servers() []types.NodeID { return c.Known }

func (c *Core) Report(e report.Event) { c.Events = append(c.Events, e) }

// Take returns and clears the recorded sends.
func (c *Core) Take() []Sent {
	out := c.Sent
	c.Sent = nil
	return out
}

// Last returns the most recent event of the given kind.
func (c *Core) Last(kind report.Kind) (report.Event, bool) {
	for i := len(c.Events) - 1; i >= 0; i-- {
		if c.Events[i].Kind == kind {
			return c.Events[i], true
		}
	}
	return report.Event{}, false
}

// Payload encodes m for HandlePayload.
func Payload(t *testing.T, m app.Message) []byte {
	raw, err := app.Encode(m)
	require.NoError(t, err)
	return raw
}
