package network

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/meshnode/pkg/types"
)

// Listener accepts neighbor connections and forwards their frames to one
// inbound channel.
type Listener struct {
	ln      net.Listener
	inbound chan<- []byte
	log     logrus.FieldLogger

	mu    sync.Mutex
	peers map[types.NodeID]int
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Listen opens a TCP listener on addr.
func Listen(addr string, inbound chan<- []byte, log logrus.FieldLogger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewListener(ln, inbound, log), nil
}

// NewListener wraps an existing listener, such as an onion service.
func NewListener(ln net.Listener, inbound chan<- []byte, log logrus.FieldLogger) *Listener {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Listener{
		ln:      ln,
		inbound: inbound,
		log:     log.WithField("listen", ln.Addr().String()),
		peers:   make(map[types.NodeID]int),
		conns:   make(map[net.Conn]struct{}),
	}
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is done or the listener fails. It closes
// every accepted connection before returning.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	defer l.closeAll()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.log.WithError(err).Warn("Failed to accept connection")
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}

		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

func (l *Listener) closeAll() {
	l.mu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Peers lists the neighbors with at least one open inbound connection.
func (l *Listener) Peers() []types.NodeID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.NodeID, 0, len(l.peers))
	for id := range l.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	peer, err := readHello(conn)
	if err != nil {
		l.log.WithError(err).Debugf("Rejected connection from %s", conn.RemoteAddr())
		return
	}

	log := l.log.WithField("peer", peer)
	log.Debug("Neighbor connected")
	l.mu.Lock()
	l.peers[peer]++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		if l.peers[peer]--; l.peers[peer] <= 0 {
			delete(l.peers, peer)
		}
		l.mu.Unlock()
		log.Debug("Neighbor disconnected")
	}()

	for {
		// keep-alives arrive well within the deadline on a healthy link
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		frame, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				log.WithError(err).Warn("Closing link")
			}
			return
		}
		select {
		case l.inbound <- frame:
		case <-ctx.Done():
			return
		}
	}
}
