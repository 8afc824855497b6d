package network

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/busybox42/meshnode/pkg/types"
)

var ErrUnknownPeer = errors.New("no address for neighbor")

// Bridge owns the outbound links of one node, keyed by neighbor id, and dials
// new ones from an address book.
type Bridge struct {
	ctx    context.Context
	self   types.NodeID
	book   map[types.NodeID]string
	dialer proxy.Dialer
	log    logrus.FieldLogger

	mu    sync.Mutex
	links map[types.NodeID]*bridged
	wg    sync.WaitGroup
}

type bridged struct {
	link   *Link
	cancel context.CancelFunc
}

// NewBridge starts no connections; links are created by Dial. Every link stops
// when ctx is done.
func NewBridge(ctx context.Context, self types.NodeID, book map[types.NodeID]string, dialer proxy.Dialer, log logrus.FieldLogger) *Bridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := &Bridge{
		ctx:    ctx,
		self:   self,
		book:   make(map[types.NodeID]string, len(book)),
		dialer: dialer,
		log:    log.WithField("component", "network"),
		links:  make(map[types.NodeID]*bridged),
	}
	for id, addr := range book {
		b.book[id] = addr
	}
	return b
}

// SOCKS5 returns a dialer through the proxy at addr, or a direct dialer when
// addr is empty.
func SOCKS5(addr string) (proxy.Dialer, error) {
	if addr == "" {
		return proxy.Direct, nil
	}
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	return dialer, nil
}

// Learn adds or replaces the address of a neighbor.
func (b *Bridge) Learn(id types.NodeID, addr string) {
	b.mu.Lock()
	b.book[id] = addr
	b.mu.Unlock()
}

// Dial returns the outbound channel for id, starting its link if needed. It
// has the shape of node.DialFunc.
func (b *Bridge) Dial(id types.NodeID) (chan<- []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.links[id]; ok {
		return l.link.Out(), nil
	}
	addr, ok := b.book[id]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownPeer, id)
	}
	if b.ctx.Err() != nil {
		return nil, b.ctx.Err()
	}

	l := NewLink(b.self, id, addr, b.dialer, b.log)
	ctx, cancel := context.WithCancel(b.ctx)
	b.links[id] = &bridged{link: l, cancel: cancel}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		l.Run(ctx)
	}()
	return l.Out(), nil
}

// Drop stops the link to id and closes its connection. A later Dial starts a
// fresh one. It has the shape of node.HangupFunc.
func (b *Bridge) Drop(id types.NodeID) {
	b.mu.Lock()
	l, ok := b.links[id]
	delete(b.links, id)
	b.mu.Unlock()
	if ok {
		l.cancel()
		b.log.Debugf("Dropped link to %d", id)
	}
}

// Active reports whether a link to id is running.
func (b *Bridge) Active(id types.NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.links[id]
	return ok
}

// Links dials every neighbor in the address book.
func (b *Bridge) Links() (map[types.NodeID]chan<- []byte, error) {
	b.mu.Lock()
	ids := make([]types.NodeID, 0, len(b.book))
	for id := range b.book {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	out := make(map[types.NodeID]chan<- []byte, len(ids))
	for _, id := range ids {
		ch, err := b.Dial(id)
		if err != nil {
			return nil, err
		}
		out[id] = ch
	}
	return out, nil
}

// Wait blocks until every link has stopped.
func (b *Bridge) Wait() {
	b.wg.Wait()
}
