package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesync/agent"
	"github.com/srg/blesync/internal/link"
	"github.com/srg/blesync/internal/link/goble"
)

// transportFactory builds the peer transport for the agent.
var transportFactory = func(logger *logrus.Logger) link.Transport {
	return goble.NewTransport(logger)
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync agent",
	Long: `Runs the sync agent in the foreground until interrupted.

The agent keeps the remembered peer connected, syncs services while the link
is up and listens for controller commands on the control socket.

Examples:
  # Run with the default config file
  blesync run

  # Run with debug logging and without connecting on start
  blesync run --verbose --auto-connect=false

  # Run with an explicit config and socket
  blesync run --config ./blesync.yaml --socket /tmp/blesync.sock`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

var (
	runVerbose     bool
	runAutoConnect bool
)

func init() {
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "V", false, "Enable debug logging")
	runCmd.Flags().BoolVar(&runAutoConnect, "auto-connect", true, "Connect to the remembered peer on start (overrides auto_connect)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("auto-connect") {
		cfg.AutoConnect = runAutoConnect
	}

	logger, err := configureLogger(cmd, "verbose", cfg.LogLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	_, err = agent.Run(ctx, &agent.Options{
		Config:    cfg,
		Transport: transportFactory(logger),
		Logger:    logger,
	}, func(phase string) {
		logger.WithField("phase", phase).Debug("Agent phase changed")
	}, func(a agent.Agent) (struct{}, error) {
		fmt.Fprintf(out, "Agent listening on %s\n", a.SocketPath())
		if peer := a.Manager().Peer(); !peer.IsZero() {
			fmt.Fprintf(out, "Remembered peer: %s (%s)\n", peer.DisplayName(), peer.Address)
		} else {
			fmt.Fprintln(out, "No peer selected; use 'blesync select <address>'")
		}

		<-ctx.Done()
		fmt.Fprintln(out, "Shutting down")
		return struct{}{}, nil
	})
	return err
}
