package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"afetnet/internal/logger"
	"afetnet/internal/radio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()
	logger.Init(cfg.Verbose)

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	printStartupInfo(cfg)

	app, err := NewApp(cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}

func printStartupInfo(cfg *Config) {
	pub := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting afetnet node",
		"device", radio.ShortID(hex.EncodeToString(pub)),
		"lan", cfg.LanAddress,
		"data", cfg.DataPath,
		"sync", cfg.SyncURL != "",
	)
}
