// Command transit-demo exercises one Transit channel end to end: as a
// sender it dials its peer's hints and sends a line of stdin at a time;
// as a receiver it prints every record it gets. Intended for manual
// interop testing, not for production use.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/unicornultrafoundation/transit/internal/config"
	"github.com/unicornultrafoundation/transit/internal/transit"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		role        = flag.String("role", "", "override config: sender or receiver")
		keyHex      = flag.String("key", "", "override config: transit key (64 hex chars)")
		peerHint    = flag.String("peer-hint", "", "peer direct hint, tcp:<host>:<port>")
		logLevel    = flag.String("log-level", "", "override config: debug, info, warn, error")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("transit-demo %s\n", version)
		os.Exit(0)
	}

	cfg := config.DefaultDemoConfig()
	if *configPath != "" {
		loaded, err := config.LoadDemoConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *role != "" {
		cfg.Role = *role
	}
	if *keyHex != "" {
		cfg.TransitKey = *keyHex
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	key, err := hex.DecodeString(cfg.TransitKey)
	if err != nil || len(key) != transit.TransitKeySize {
		log.Error("invalid transit key: must be 64 hex characters (32 bytes)")
		os.Exit(1)
	}

	var t *transit.Transit
	switch strings.ToLower(cfg.Role) {
	case "sender":
		t = transit.NewSender(cfg.TransitRelay, transit.RealClock{}, nil, nil)
	case "receiver":
		t = transit.NewReceiver(cfg.TransitRelay, transit.RealClock{}, nil, nil)
	default:
		log.Error("role must be sender or receiver", "role", cfg.Role)
		os.Exit(1)
	}
	if len(cfg.STUNServers) > 0 {
		t.SetSTUNServers(cfg.STUNServers)
	}

	ctx, cancel := signalContext()
	defer cancel()

	t.SetTransitKey(key)

	hints, err := t.GetDirectHints()
	if err != nil {
		log.Error("get direct hints failed", "err", err)
		os.Exit(1)
	}
	log.Info("listening", "hints", hints)

	if *peerHint != "" {
		t.AddTheirDirectHints([]string{*peerHint})
	}

	conn, err := t.Connect(ctx)
	if err != nil {
		log.Error("connect failed", "err", err)
		os.Exit(1)
	}
	log.Info("connected", "description", conn.Description())

	if strings.ToLower(cfg.Role) == "sender" {
		runSender(ctx, log, conn)
	} else {
		runReceiver(ctx, log, conn)
	}
}

func runSender(ctx context.Context, log *slog.Logger, conn *transit.Connection) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := conn.SendRecord(scanner.Bytes()); err != nil {
			log.Error("send record failed", "err", err)
			return
		}
	}
}

func runReceiver(ctx context.Context, log *slog.Logger, conn *transit.Connection) {
	for {
		record, err := conn.ReceiveRecord(ctx)
		if err != nil {
			log.Info("receive loop ended", "err", err)
			return
		}
		fmt.Println(string(record))
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
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
