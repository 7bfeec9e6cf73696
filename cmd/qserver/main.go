package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beamline/qserver/pkg/api"
	"github.com/beamline/qserver/pkg/log"
	"github.com/beamline/qserver/pkg/manager"
	"github.com/beamline/qserver/pkg/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qserver",
	Short: "qserver - queue server for run engine plans",
	Long: `qserver manages a durable queue of experimental plans and executes
them in a separate run engine worker process. Clients submit and
rearrange plans over a ZeroMQ control channel while the queue is
running.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"qserver version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(pingCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the queue server",
	Long: `Start the queue manager and serve the ZeroMQ control channel.

The plan queue and history are persisted in the data directory and
survive restarts. Set QSERVER_ZMQ_PRIVATE_KEY to require encrypted
control channel connections.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		zmqAddr, _ := cmd.Flags().GetString("zmq-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		permPath, _ := cmd.Flags().GetString("permissions")
		workerBinary, _ := cmd.Flags().GetString("worker-binary")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		logLevel, _ := cmd.Flags().GetString("log-level")
		console, _ := cmd.Flags().GetBool("console-output")

		log.Init(log.Config{
			Level:      log.Level(logLevel),
			JSONOutput: !console,
		})
		metrics.SetVersion(Version)

		mgr, err := manager.NewManager(manager.Config{
			DataDir:         dataDir,
			PermissionsPath: permPath,
			WorkerBinary:    workerBinary,
		})
		if err != nil {
			return fmt.Errorf("failed to create manager: %v", err)
		}
		mgr.Start()
		metrics.SetComponentHealth("manager", true, "")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		srv := api.NewServer(mgr, api.Config{
			Addr:       zmqAddr,
			PrivateKey: os.Getenv(api.EnvPrivateKey),
		}, cancel)

		collector := metrics.NewCollector(mgr, mgr.Broker())
		collector.Start()
		defer collector.Stop()

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return srv.Run(gctx)
		})

		// Permissions hot reload
		g.Go(func() error {
			err := mgr.Registry().Watch(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/healthz", metrics.HealthHandler())
			httpSrv := &http.Server{Addr: metricsAddr, Handler: mux}
			g.Go(func() error {
				if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				return httpSrv.Shutdown(sctx)
			})
		}

		// Shut down on SIGINT/SIGTERM or on manager_stop
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		g.Go(func() error {
			select {
			case sig := <-sigCh:
				log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
				cancel()
			case <-gctx.Done():
			}
			return nil
		})

		err = g.Wait()

		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if serr := mgr.Stop(sctx); serr != nil {
			log.Errorf("failed to stop manager", serr)
		}
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that a queue server is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("zmq-addr")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		c, err := api.Dial(ctx, addr, os.Getenv(api.EnvPrivateKey))
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.Call("ping", nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s (state: %v, queue: %v, history: %v)\n",
			resp["msg"], resp["manager_state"], resp["items_in_queue"], resp["items_in_history"])
		return nil
	},
}

func init() {
	startCmd.Flags().String("zmq-addr", api.DefaultAddr, "Control channel bind address")
	startCmd.Flags().String("data-dir", "/var/lib/qserver", "Data directory for durable state")
	startCmd.Flags().String("permissions", "/etc/qserver/permissions.yaml", "Path to the permissions file")
	startCmd.Flags().String("worker-binary", "qserver-worker", "Run engine worker binary")
	startCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics and health on this address (e.g. :9090)")
	startCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	startCmd.Flags().Bool("console-output", false, "Human readable log output instead of JSON")

	pingCmd.Flags().String("zmq-addr", "tcp://localhost:60615", "Control channel address")
}
