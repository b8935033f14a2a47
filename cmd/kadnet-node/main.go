package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/unicornultrafoundation/kadnet/internal/config"
	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/node"
)

var version = "dev"

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML config file")
		identityPath = flag.String("identity", "", "path to identity key file")
		listenPort   = flag.Int("port", 0, "UDP listen port")
		bootstrap    = flag.String("bootstrap", "", "bootstrap node(s): node_id@host:port/pubkey_hex, comma separated")
		database     = flag.String("db", "", "node record database DSN (sqlite://path)")
		apiListen    = flag.String("api", "", "admin API listen address")
		logLevel     = flag.String("log-level", "", "log level: debug, info, warn, error")
		showVersion  = flag.Bool("version", false, "show version and exit")
		showIdentity = flag.Bool("show-identity", false, "show identity and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("kadnet-node %s\n", version)
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *identityPath != "" {
		cfg.IdentityPath = *identityPath
	}
	if *listenPort != 0 {
		cfg.ListenPort = *listenPort
	}
	if *bootstrap != "" {
		cfg.Bootstrap = strings.Split(*bootstrap, ",")
	}
	if *database != "" {
		cfg.Database = *database
	}
	if *apiListen != "" {
		cfg.API.Listen = *apiListen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := newLogger(cfg.LogLevel)

	if *showIdentity {
		id, err := identity.LoadOrGenerate(cfg.IdentityPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Node ID:    %s\n", id.NodeID)
		fmt.Printf("Public Key: %s\n", hex.EncodeToString(id.PublicKeyBytes()))
		os.Exit(0)
	}

	n, err := node.New(cfg, log)
	if err != nil {
		log.Error("node setup failed", "err", err)
		os.Exit(1)
	}
	if err := n.Start(); err != nil {
		log.Error("node start failed", "err", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	n.Stop()
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
