package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/beamline/qserver/pkg/log"
	"github.com/beamline/qserver/pkg/worker"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qserver-worker",
	Short: "qserver-worker - run engine worker process",
	Long: `qserver-worker hosts the run engine environment for a queue server.
It is normally spawned by qserver and not started by hand. Commands
arrive on the command socket, progress is reported on the event
socket.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmdAddr, _ := cmd.Flags().GetString("cmd-addr")
		eventAddr, _ := cmd.Flags().GetString("event-addr")
		logLevel, _ := cmd.Flags().GetString("log-level")

		if cmdAddr == "" || eventAddr == "" {
			return fmt.Errorf("both --cmd-addr and --event-addr are required")
		}

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true, Output: os.Stderr})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		return worker.NewEngine(cmdAddr, eventAddr).Run(ctx)
	},
}

func init() {
	rootCmd.Flags().String("cmd-addr", "", "Command socket endpoint")
	rootCmd.Flags().String("event-addr", "", "Event socket endpoint")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}
