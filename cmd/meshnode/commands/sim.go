package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/busybox42/meshnode/internal/config"
	"github.com/busybox42/meshnode/internal/meshsim"
	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/node"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/types"
)

type simCfg struct {
	duration time.Duration
	attach   uint8
}

var simFlags simCfg

var simCmd = &cobra.Command{
	Use:   "sim <topology.yaml>",
	Short: "Run a whole mesh in one process with simulated drones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topo, err := config.LoadTopology(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if simFlags.duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, simFlags.duration)
			defer cancel()
		}
		return runSim(ctx, topo, types.NodeID(simFlags.attach))
	},
}

func init() {
	simCmd.Flags().DurationVar(&simFlags.duration, "duration", 0, "stop after this long, zero runs until interrupted")
	simCmd.Flags().Uint8Var(&simFlags.attach, "attach", 0, "attach a console to this endpoint")
}

// simContent is what browser servers offer in a simulation.
func simContent(id types.NodeID) config.Content {
	return config.Content{
		Text: map[string]string{
			"readme.txt": fmt.Sprintf("served by node %d", id),
		},
	}
}

func runSim(ctx context.Context, topo meshsim.Topology, attach types.NodeID) error {
	log := newLogger(logrus.InfoLevel)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan report.Event, 1024)
	fanout := report.NewFanout(events, log, report.LogSink{Log: log})

	mesh, err := meshsim.Build(topo, meshsim.Options{
		Policy:   node.DefaultPolicy(),
		Logger:   log,
		Reporter: report.NewChan(events),
		Personality: func(n *node.Node, spec meshsim.NodeSpec) node.Personality {
			p, err := personality(n, spec.Type, spec.App, simContent(spec.ID), log)
			if err != nil {
				log.WithError(err).Warnf("Node %d runs without an application", spec.ID)
				return nil
			}
			return p
		},
	})
	if err != nil {
		return err
	}

	if attach != 0 {
		n, ok := mesh.Nodes[attach]
		if !ok {
			return fmt.Errorf("node %d is not an endpoint of the topology", attach)
		}
		c := newConsole(os.Stdin, os.Stdout, func(cmd control.Command) error {
			if cmd.Kind == control.Shutdown {
				cancel()
				return nil
			}
			return n.Command(ctx, cmd)
		})
		fanout.Add(c)
		go func() {
			if err := c.run(); err != nil {
				log.WithError(err).Warn("Console stopped")
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		fanout.Run(ctx)
		close(done)
	}()

	log.Infof("Simulating %d drones and %d endpoints", len(mesh.Drones), len(mesh.Nodes))
	mesh.Start(ctx)
	<-ctx.Done()
	err = mesh.Wait()
	<-done
	return err
}
