// Package commands implements the meshnode command line.
package commands

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:           "meshnode",
	Short:         "Client and server endpoints for a source-routed drone mesh",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the config file")
	rootCmd.AddCommand(runCmd, consoleCmd, simCmd)
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("meshnode failed")
		os.Exit(1)
	}
}

func newLogger(level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stderr)
	if logLevel != "" {
		if l, err := logrus.ParseLevel(logLevel); err == nil {
			level = l
		}
	}
	log.SetLevel(level)
	return log
}
