// Command meshd is the daemon entrypoint: it loads configuration, wires
// the subsystem registry (clock → timer wheel → scheduler → netlink
// transport → RTNETLINK watcher → generic-netlink driver), and drives
// the scheduler loop until SIGINT/SIGTERM, per SPEC_FULL.md §4.7.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "meshd",
		Short: "single-threaded link-layer monitoring daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (optional)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}
	root.AddCommand(runCmd)

	return root
}

func newLogger(level logrus.Level) logrus.FieldLogger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(level)
	return log
}
