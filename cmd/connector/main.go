package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/otbridge/connector/internal/api"
	"github.com/otbridge/connector/internal/bridge"
	"github.com/otbridge/connector/internal/config"
	"github.com/otbridge/connector/internal/log"
	"github.com/otbridge/connector/internal/tracing"
)

var (
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
	Use:     "otdmz-connector",
	Short:   "OT/IT DMZ connector - ingest field telemetry, buffer it, ship it to the cloud",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"otdmz-connector version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the connector: start the bridge and management API",
	RunE:  runConnector,
}

func init() {
	runCmd.Flags().StringP("config", "c", "/etc/otdmz-connector/config.yaml", "Path to connector config file")
	runCmd.Flags().Bool("watch-config", false, "Re-validate the config file on change and log the result; the running pipeline keeps its startup parameters")
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate a config file without starting the connector",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if _, err := config.Load(path); err != nil {
			return err
		}
		fmt.Println("config is valid")
		return nil
	},
}

func init() {
	validateConfigCmd.Flags().StringP("config", "c", "/etc/otdmz-connector/config.yaml", "Path to connector config file")
}

func runConnector(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	watchConfig, _ := cmd.Flags().GetBool("watch-config")

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: cfg.Connector.LogLevel, JSONOutput: cfg.Connector.LogJSON})
	l := log.WithComponent("main")

	shutdownTracing, err := tracing.Setup(context.Background(), cfg.TracingConfig())
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	br, err := bridge.New(bridgeConfig(cfg))
	if err != nil {
		return fmt.Errorf("construct bridge: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := br.Start(ctx, bridgeConfig(cfg)); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	l.Info().Msg("bridge started")

	apiServer := api.New(cfg.Connector.APIAddr, br)
	apiErrCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			apiErrCh <- err
		}
	}()
	l.Info().Str("addr", cfg.Connector.APIAddr).Msg("management api listening")

	var watcher *config.Watcher
	if watchConfig {
		watcher, err = config.NewWatcher(path, func(f *config.File) {
			l.Info().Msg("config file changed and passed validation; the running pipeline keeps its startup parameters")
		})
		if err != nil {
			l.Warn().Err(err).Msg("failed to start config watcher; continuing without config watch")
		} else {
			go watcher.Run(func(format string, args ...any) {
				l.Warn().Msgf(format, args...)
			})
			defer watcher.Close()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		l.Info().Msg("shutdown signal received")
	case err := <-apiErrCh:
		l.Error().Err(err).Msg("management api server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.HardTimeout+5*time.Second)
	defer shutdownCancel()
	_ = apiServer.Stop(shutdownCtx)

	if err := br.Shutdown(shutdownCtx, cfg.Shutdown.SoftTimeout, cfg.Shutdown.HardTimeout); err != nil {
		return fmt.Errorf("bridge shutdown: %w", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		l.Warn().Err(err).Msg("tracing shutdown error")
	}
	l.Info().Msg("shutdown complete")
	return nil
}

func bridgeConfig(f *config.File) bridge.Config {
	return bridge.Config{
		Sources:             f.Sources,
		Queue:               f.QueueConfig(),
		Spool:               f.SpoolConfig(),
		Batcher:             f.BatcherConfig(),
		Sink:                f.SinkConfig(),
		ShutdownSoftTimeout: f.Shutdown.SoftTimeout,
		ShutdownHardTimeout: f.Shutdown.HardTimeout,
	}
}
