// Command transit-monitor runs the optional session ledger and control
// API: a REST+websocket surface over a transit.Recorder's observations.
// It never touches a Transit instance directly — callers embedding
// transit.Transit wire server.Recorder() into NewSender/NewReceiver.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/unicornultrafoundation/transit/internal/config"
	"github.com/unicornultrafoundation/transit/internal/control"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		listen      = flag.String("listen", "", "override config: HTTP listen address")
		logLevel    = flag.String("log-level", "", "override config: debug, info, warn, error")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("transit-monitor %s\n", version)
		os.Exit(0)
	}

	cfg := config.DefaultMonitorConfig()
	if *configPath != "" {
		loaded, err := config.LoadMonitorConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	srv, err := control.New(cfg, log)
	if err != nil {
		log.Error("create control server failed", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("control server exited", "err", err)
		os.Exit(1)
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
