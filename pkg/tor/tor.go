// Package tor runs an embedded Tor process so that mesh links can be carried
// over onion services.
package tor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const maxRetries = 3

// Options configures Start.
type Options struct {
	// ListenPort is the local and remote port of the onion service. Zero picks a
	// free port.
	ListenPort int
	// DataDir defaults to a fresh temporary directory removed on Stop.
	DataDir string
	// BootstrapTimeout bounds how long Start waits for the network.
	BootstrapTimeout time.Duration
	Logger           logrus.FieldLogger
}

// Manager owns an embedded Tor instance and the onion service neighbors dial.
type Manager struct {
	instance  *tor.Tor
	onion     *tor.OnionService
	socksPort int
	dataDir   string
	tempDir   bool
	log       logrus.FieldLogger
}

// Start launches Tor with a SOCKS port and publishes an onion service.
func Start(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.BootstrapTimeout <= 0 {
		opts.BootstrapTimeout = 3 * time.Minute
	}
	log := opts.Logger.WithField("component", "tor")

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		m, err := start(ctx, opts, log)
		if err == nil {
			return m, nil
		}
		lastErr = err
		log.WithError(err).Warnf("Attempt %d failed to start Tor", attempt)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("failed to start Tor after %d attempts: %w", maxRetries, lastErr)
}

func start(ctx context.Context, opts Options, log logrus.FieldLogger) (*Manager, error) {
	socksPort, err := FreePort()
	if err != nil {
		return nil, err
	}
	listenPort := opts.ListenPort
	if listenPort == 0 {
		if listenPort, err = FreePort(); err != nil {
			return nil, err
		}
	}

	m := &Manager{socksPort: socksPort, dataDir: opts.DataDir, log: log}
	if m.dataDir == "" {
		if m.dataDir, err = os.MkdirTemp("", "tor-data-*"); err != nil {
			return nil, fmt.Errorf("failed to create temporary Tor data directory: %w", err)
		}
		m.tempDir = true
	}

	log.Infof("Starting embedded Tor with SOCKS port %d", socksPort)
	m.instance, err = tor.Start(ctx, &tor.StartConf{
		DataDir:   m.dataDir,
		ExtraArgs: []string{"--SocksPort", strconv.Itoa(socksPort)},
	})
	if err != nil {
		m.cleanup()
		return nil, err
	}

	bctx, cancel := context.WithTimeout(ctx, opts.BootstrapTimeout)
	defer cancel()
	if err := m.instance.EnableNetwork(bctx, true); err != nil {
		m.Stop()
		return nil, fmt.Errorf("could not enable network: %w", err)
	}

	m.onion, err = m.instance.Listen(bctx, &tor.ListenConf{
		LocalPort:   listenPort,
		RemotePorts: []int{listenPort},
		Version3:    true,
	})
	if err != nil {
		m.Stop()
		return nil, fmt.Errorf("could not create hidden service: %w", err)
	}

	log.Infof("Hidden service address: %s", m.Address())
	return m, nil
}

// Address is the onion address neighbors dial, with port.
func (m *Manager) Address() string {
	if m.onion == nil {
		return ""
	}
	return net.JoinHostPort(m.onion.ID+".onion", strconv.Itoa(m.onion.RemotePorts[0]))
}

// Listener accepts connections arriving on the onion service.
func (m *Manager) Listener() net.Listener {
	return m.onion
}

func (m *Manager) SocksPort() int {
	return m.socksPort
}

// Dialer returns a SOCKS5 dialer through this Tor instance.
func (m *Manager) Dialer() (proxy.Dialer, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(m.socksPort))
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	return dialer, nil
}

// Stop shuts Tor down and removes a temporary data directory.
func (m *Manager) Stop() error {
	var errs []error
	if m.onion != nil {
		errs = append(errs, m.onion.Close())
		m.onion = nil
	}
	if m.instance != nil {
		errs = append(errs, m.instance.Close())
		m.instance = nil
	}
	m.cleanup()
	return errors.Join(errs...)
}

func (m *Manager) cleanup() {
	if m.tempDir && m.dataDir != "" {
		os.RemoveAll(m.dataDir)
		m.dataDir = ""
	}
}

// FreePort asks the kernel for an unused local TCP port.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
