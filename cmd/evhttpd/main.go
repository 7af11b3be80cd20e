// Command evhttpd runs the reactor-based HTTP/1.1 serving engine.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xtaci/evhttpd"
)

var (
	flagConfig      string
	flagPort        int
	flagTriggerMode int
	flagIdleTimeout int
	flagLinger      bool
	flagWorkers     int
	flagDocRoot     string
	flagLogLevel    string
)

func main() {
	root := &cobra.Command{
		Use:   "evhttpd",
		Short: "A reactor-based HTTP/1.1 serving engine",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the server and block until interrupted",
		RunE:  runServe,
	}

	flags := serve.Flags()
	flags.StringVar(&flagConfig, "config", "", "path to a TOML config file; flags below override its values")
	flags.IntVar(&flagPort, "port", 0, "listen port (0 keeps the config/default value)")
	flags.IntVar(&flagTriggerMode, "trigger-mode", -1, "0=LT/LT 1=LT/ET 2=ET/LT 3=ET/ET (-1 keeps the config/default value)")
	flags.IntVar(&flagIdleTimeout, "idle-timeout", -1, "idle timeout in milliseconds, 0 disables (-1 keeps the config/default value)")
	flags.BoolVar(&flagLinger, "linger", false, "enable SO_LINGER on close")
	flags.IntVar(&flagWorkers, "workers", 0, "worker pool size (0 keeps the config/default value)")
	flags.StringVar(&flagDocRoot, "doc-root", "", "document root directory")
	flags.StringVar(&flagLogLevel, "log-level", "", "logrus level: debug|info|warn|error")

	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := evhttpd.DefaultConfig()
	if flagConfig != "" {
		loaded, err := evhttpd.LoadConfig(flagConfig)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagTriggerMode >= 0 {
		cfg.TriggerMode = evhttpd.TriggerMode(flagTriggerMode)
	}
	if flagIdleTimeout >= 0 {
		cfg.IdleTimeoutMS = flagIdleTimeout
	}
	if cmd.Flags().Changed("linger") {
		cfg.GracefulLinger = flagLinger
	}
	if flagWorkers != 0 {
		cfg.WorkerCount = flagWorkers
	}
	if flagDocRoot != "" {
		cfg.DocumentRoot = flagDocRoot
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	server := evhttpd.NewServer(cfg, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		server.Stop()
	}()

	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
	return nil
}
