package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pollrelay/go-backend/internal/bootstrap/relayconfig"
	"pollrelay/go-backend/internal/composition/daemonserver"
	"pollrelay/go-backend/internal/diagnostics"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		pollWindow time.Duration
		logLevel   string
		router     string
	)
	root := &cobra.Command{
		Use:           "relayd",
		Short:         "Long-poll session relay daemon",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := relayconfig.LoadFromPath(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			if flags.Changed("poll-window") {
				cfg.Relay.PollWindow = pollWindow
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("router") {
				cfg.Relay.Router = router
			}

			log, err := daemonserver.NewLogger(cfg.Log, os.Stdout)
			if err != nil {
				return err
			}
			d, err := daemonserver.New(cfg, log)
			if err != nil {
				return fmt.Errorf("relayd failed to initialize: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to relay.yaml or relay.toml (optional)")
	root.Flags().StringVar(&addr, "addr", relayconfig.DefaultAddr, "HTTP listen address")
	root.Flags().DurationVar(&pollWindow, "poll-window", relayconfig.DefaultPollWindow, "how long a poll waits for messages")
	root.Flags().StringVar(&logLevel, "log-level", relayconfig.DefaultLogLevel, "debug | info | warn | error")
	root.Flags().StringVar(&router, "router", relayconfig.DefaultRouter, "router identity reported to channels")

	root.AddCommand(versionCmd(), doctorCmd(&configPath))
	return root
}

func doctorCmd(configPath *string) *cobra.Command {
	var probeURL string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and, optionally, a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := relayconfig.LoadFromPath(*configPath)
			if err != nil {
				return err
			}
			report := diagnostics.NewDoctor().Run(cmd.Context(), diagnostics.DoctorInput{Config: cfg, ProbeURL: probeURL})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Ready {
				return errors.New("relayd is not ready")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&probeURL, "probe", "", "base URL of a running relayd to health-check")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relayd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		},
	}
}
