package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/proxy"

	"github.com/busybox42/meshnode/internal/config"
	"github.com/busybox42/meshnode/internal/mqttclient"
	"github.com/busybox42/meshnode/internal/store"
	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/inspect"
	"github.com/busybox42/meshnode/pkg/network"
	"github.com/busybox42/meshnode/pkg/node"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/tor"
)

const shutdownTimeout = 5 * time.Second

type runCfg struct {
	listen      string
	inspectAddr string
	journal     string
	useTor      bool
	console     bool
}

var runFlags runCfg

var runCmd = &cobra.Command{
	Use:   "run <config.yaml>",
	Short: "Run a node from a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		runFlags.apply(cmd, &cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, cfg, runFlags.console)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.listen, "listen", "", "address for neighbor links, overrides the config file")
	f.StringVar(&runFlags.inspectAddr, "inspect", "", "address of the inspect HTTP API, overrides the config file")
	f.StringVar(&runFlags.journal, "journal", "", "event journal database, overrides the config file")
	f.BoolVar(&runFlags.useTor, "tor", false, "carry links over an embedded Tor onion service")
	f.BoolVar(&runFlags.console, "console", false, "read commands from stdin")
}

func (r runCfg) apply(cmd *cobra.Command, cfg *config.Node) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = r.listen
	}
	if flags.Changed("inspect") {
		cfg.Inspect = r.inspectAddr
	}
	if flags.Changed("journal") {
		cfg.Journal.Path = r.journal
	}
	if flags.Changed("tor") {
		cfg.Tor = r.useTor
	}
}

// runNode wires a node to its links and observers and blocks until it stops.
func runNode(ctx context.Context, cfg config.Node, withConsole bool) error {
	log := newLogger(cfg.Level())
	nlog := log.WithField("node", cfg.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	events := make(chan report.Event, 256)
	reporter := report.NewChan(events)
	fanout := report.NewFanout(events, log, report.LogSink{Log: nlog})

	var journal *report.Journal
	if cfg.Journal.Path != "" {
		db, err := store.OpenBolt(cfg.Journal.Path, "events")
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		cleanup = append(cleanup, func() { db.Close() })
		if journal, err = report.NewJournal(db, cfg.Journal.Max); err != nil {
			return err
		}
		fanout.Add(journal)
	}

	var controller <-chan control.Command
	if cfg.MQTT.Broker != "" {
		client, err := mqttclient.New(mqttclient.Options{BrokerURL: cfg.MQTT.Broker, ClientID: cfg.MQTT.ClientID})
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		cleanup = append(cleanup, client.Close)
		fanout.Add(report.MQTTSink{Client: client, Topic: mqttclient.EventTopic(uint8(cfg.ID))})

		src, err := control.NewMQTTSource(client, mqttclient.CommandTopic(uint8(cfg.ID)), nlog)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, src.Close)
		controller = src.Commands()
	}

	inbound := make(chan []byte, 256)
	var dialer proxy.Dialer
	var listener *network.Listener
	if cfg.Tor {
		m, err := tor.Start(ctx, tor.Options{Logger: log})
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { m.Stop() })
		if dialer, err = m.Dialer(); err != nil {
			return err
		}
		listener = network.NewListener(m.Listener(), inbound, nlog)
		nlog.Infof("Neighbors reach this node at %s", m.Address())
	} else {
		var err error
		if dialer, err = network.SOCKS5(cfg.Socks); err != nil {
			return err
		}
		if listener, err = network.Listen(cfg.Listen, inbound, nlog); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
		}
		nlog.Infof("Listening for neighbors on %s", listener.Addr())
	}

	bridge := network.NewBridge(ctx, cfg.ID, cfg.Neighbors, dialer, nlog)
	links, err := bridge.Links()
	if err != nil {
		return err
	}

	n, err := node.New(node.Config{
		ID:         cfg.ID,
		Type:       cfg.NodeType(),
		Policy:     cfg.Policy,
		Inbound:    inbound,
		Links:      links,
		Controller: controller,
		Reporter:   reporter,
		Logger:     log,
		Dial:       bridge.Dial,
		Hangup:     bridge.Drop,
	})
	if err != nil {
		return err
	}
	p, err := personality(n, cfg.NodeType(), cfg.App, cfg.Content, log)
	if err != nil {
		return err
	}
	if p != nil {
		n.Attach(p)
	}

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goRun(func() {
		if err := listener.Serve(ctx); err != nil {
			nlog.WithError(err).Error("Listener stopped")
		}
	})

	var srv *http.Server
	if cfg.Inspect != "" {
		hub := report.NewHub(log)
		fanout.Add(hub)
		goRun(func() { hub.Run(ctx) })

		var j inspect.Journal
		if journal != nil {
			j = journal
		}
		srv = &http.Server{
			Addr:              cfg.Inspect,
			Handler:           inspect.New(n, hub, j, log).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		goRun(func() {
			nlog.Infof("Inspect API on %s", cfg.Inspect)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				nlog.WithError(err).Error("Inspect API stopped")
			}
		})
	}

	if withConsole {
		c := newConsole(os.Stdin, os.Stdout, func(cmd control.Command) error {
			return n.Command(ctx, cmd)
		})
		fanout.Add(c)
		// stdin reads cannot be interrupted, so the console is not waited for
		go func() {
			if err := c.run(); err != nil {
				nlog.WithError(err).Warn("Console stopped")
			}
		}()
	}

	goRun(func() { fanout.Run(ctx) })

	nlog.Infof("Starting %s node %d with %d neighbors", cfg.NodeType(), cfg.ID, len(links))
	runErr := n.Run(ctx)

	cancel()
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		srv.Shutdown(sctx)
		scancel()
	}
	bridge.Wait()
	wg.Wait()

	if d := reporter.Dropped(); d > 0 {
		nlog.Warnf("%d events were dropped", d)
	}
	if runErr != nil {
		return runErr
	}
	nlog.Info("Node stopped")
	return nil
}
