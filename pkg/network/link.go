package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/busybox42/meshnode/pkg/types"
)

// Link writes frames queued on its channel to one neighbor, dialing lazily and
// redialing after a failure. Frames that cannot be written are dropped; the
// fragment layer retransmits.
type Link struct {
	self   types.NodeID
	peer   types.NodeID
	addr   string
	dialer proxy.Dialer
	out    chan []byte
	log    logrus.FieldLogger

	mu   sync.Mutex
	conn net.Conn
}

func NewLink(self, peer types.NodeID, addr string, dialer proxy.Dialer, log logrus.FieldLogger) *Link {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: connTimeout}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Link{
		self:   self,
		peer:   peer,
		addr:   addr,
		dialer: dialer,
		out:    make(chan []byte, linkBuffer),
		log:    log.WithFields(logrus.Fields{"peer": peer, "addr": addr}),
	}
}

// Out is the channel the node sends encoded packets on.
func (l *Link) Out() chan<- []byte {
	return l.out
}

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Run drains the outbound channel until ctx is done.
func (l *Link) Run(ctx context.Context) {
	ticker := time.NewTicker(keepAlive)
	defer func() {
		ticker.Stop()
		l.disconnect()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-l.out:
			if err := l.write(ctx, frame); err != nil {
				l.log.WithError(err).Debug("Dropped frame")
			}
		case <-ticker.C:
			l.mu.Lock()
			connected := l.conn != nil
			l.mu.Unlock()
			if connected {
				if err := l.write(ctx, nil); err != nil {
					l.log.WithError(err).Debug("Keep-alive failed")
				}
			}
		}
	}
}

func (l *Link) write(ctx context.Context, frame []byte) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := WriteFrame(conn, frame); err != nil {
		l.disconnect()
		return err
	}
	return nil
}

func (l *Link) connect(ctx context.Context) (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn, nil
	}

	var conn net.Conn
	var err error
	if cd, ok := l.dialer.(proxy.ContextDialer); ok {
		dctx, cancel := context.WithTimeout(ctx, connTimeout)
		conn, err = cd.DialContext(dctx, "tcp", l.addr)
		cancel()
	} else {
		conn, err = l.dialer.Dial("tcp", l.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeHello(conn, l.self); err != nil {
		conn.Close()
		return nil, err
	}
	l.conn = conn
	l.log.Debug("Link connected")
	return conn, nil
}

func (l *Link) disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}
