package node

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/busybox42/meshnode/pkg/protocol"
	"github.com/busybox42/meshnode/pkg/types"
)

var (
	// ErrNoLink is returned when a packet is addressed to a node that is not a neighbor.
	ErrNoLink = errors.New("no link to neighbor")
	// ErrSendTimeout is returned when a neighbor channel stayed full for the whole send window.
	ErrSendTimeout = errors.New("neighbor link full")
)

// links is the table of outbound neighbor channels. It is only touched by the loop.
type links struct {
	out     map[types.NodeID]chan<- []byte
	timeout time.Duration
}

func newLinks(initial map[types.NodeID]chan<- []byte, timeout time.Duration) *links {
	out := make(map[types.NodeID]chan<- []byte, len(initial))
	for id, ch := range initial {
		out[id] = ch
	}
	return &links{out: out, timeout: timeout}
}

func (l *links) Neighbors() []types.NodeID {
	ids := make([]types.NodeID, 0, len(l.out))
	for id := range l.out {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *links) add(id types.NodeID, ch chan<- []byte) {
	l.out[id] = ch
}

func (l *links) remove(id types.NodeID) bool {
	_, ok := l.out[id]
	delete(l.out, id)
	return ok
}

// SendTo encodes pkt and hands it to the neighbor's channel, waiting at most the
// configured timeout when the channel is full.
func (l *links) SendTo(next types.NodeID, pkt *protocol.Packet) error {
	ch, ok := l.out[next]
	if !ok {
		return fmt.Errorf("%w %d", ErrNoLink, next)
	}
	raw, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}

	select {
	case ch <- raw:
		return nil
	default:
	}

	t := time.NewTimer(l.timeout)
	defer t.Stop()
	select {
	case ch <- raw:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: %d after %s", ErrSendTimeout, next, l.timeout)
	}
}
