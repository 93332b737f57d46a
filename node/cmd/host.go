package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/julienstroheker/hexrelay/internal/config"
	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/metrics"
	"github.com/julienstroheker/hexrelay/internal/relay"
	"github.com/julienstroheker/hexrelay/node"
)

var (
	hostUserFlag      string
	hostPortFlag      int
	hostDedicatedFlag bool
	hostListenFlag    string
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host a game session",
	Long:  `Host a game session as a listen server (logged-in user) or a dedicated server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if hostDedicatedFlag {
			cfg.DedicatedServer = true
		}
		if hostListenFlag != "" {
			cfg.ListenMode = config.ListenMode(hostListenFlag)
		}

		n, err := newNode()
		if err != nil {
			return err
		}
		if hostUserFlag != "" {
			if err := n.Login(0, relay.Identity(hostUserFlag)); err != nil {
				_ = n.Close()
				return err
			}
		}
		if err := n.Host(hostPortFlag); err != nil {
			_ = n.Close()
			return err
		}

		cmd.Printf("Hosting on %s\n", n.Driver().LocalAddress())
		return runUntilSignal(cmd.Context(), n)
	},
}

func init() {
	rootCmd.AddCommand(hostCmd)
	hostCmd.Flags().StringVarP(&hostUserFlag, "user", "u", "", "Identity of the local user hosting the session")
	hostCmd.Flags().IntVarP(&hostPortFlag, "port", "p", 0, "Game port (defaults to the configured port)")
	hostCmd.Flags().BoolVar(&hostDedicatedFlag, "dedicated", false, "Bind as the dedicated-server identity when no user is given")
	hostCmd.Flags().StringVar(&hostListenFlag, "listen", "", "Listen mode: auto, ip or relay")
}

// newNode builds a node from the global config with process-wide metrics
func newNode() (*node.Node, error) {
	return node.New(&node.Options{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics.Default(),
		Gatherer: prometheus.DefaultGatherer,
	})
}

// runUntilSignal ticks n until SIGINT or SIGTERM
func runUntilSignal(ctx context.Context, n *node.Node) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		logger.Error("Shutdown failed", logging.Error(err))
		return err
	}
	logger.Info("Shut down")
	return nil
}
