package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gridwatch/gridwatch/internal/config"
	"github.com/gridwatch/gridwatch/internal/logging"
	"github.com/gridwatch/gridwatch/internal/server"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "gridwatch",
	Short:   "gridwatch - compute-cluster monitoring and alerting service",
	Long:    `gridwatch ingests node and chassis telemetry, evaluates alarm rules, and pushes alarm events to operator UIs in real time`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gridwatch %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("config ok: http=%d ws=%d mysql=%s:%d tdengine=%s:%d\n",
			cfg.HTTPPort, cfg.WebSocketPort, cfg.MySQLHost, cfg.MySQLPort, cfg.TDengineHost, cfg.TDenginePort)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gridwatch.yaml", "path to the config file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	// Baseline logger for early startup; re-initialized once config is read.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "gridwatch"})

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "gridwatch"})

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(configPath, srv.ApplyConfig)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, runtime reload disabled")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", Version).Msg("Starting gridwatch")
	return srv.Run(ctx)
}
