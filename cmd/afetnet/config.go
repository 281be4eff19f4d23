package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the local control API listen address.
	HTTPAddress string

	// LanAddress is the QUIC peer-link listen address.
	LanAddress string

	// LanPeers are peer addresses to dial at startup.
	LanPeers []string

	// SyncURL is the central service base URL. Empty disables the
	// reconciler's remote drain.
	SyncURL string

	// SyncSecret is the shared HMAC secret for signed sync requests.
	SyncSecret string

	// KeyPath is the path to the ed25519 device key file.
	KeyPath string

	// PrivateKey is the device identity key.
	PrivateKey ed25519.PrivateKey

	// Verbose enables debug logging.
	Verbose bool
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}
	var peers string

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", "127.0.0.1:8717", "Local control API address")
	flag.StringVar(&cfg.LanAddress, "lan", ":4817", "LAN peer-link listen address")
	flag.StringVar(&peers, "peers", "", "Comma-separated LAN peer addresses to dial")
	flag.StringVar(&cfg.SyncURL, "sync-url", "", "Central sync service base URL")
	flag.StringVar(&cfg.SyncSecret, "sync-secret", "", "Shared secret for signed sync requests")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 device key path (generates new if missing)")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	if peers != "" {
		for _, p := range strings.Split(peers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.LanPeers = append(cfg.LanPeers, p)
			}
		}
	}

	return cfg
}

// loadOrGenerateKey loads the device key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		return priv, nil
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		_, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("generate key: %w", genErr)
		}
		if writeErr := os.WriteFile(keyPath, priv, 0o600); writeErr != nil {
			return nil, fmt.Errorf("save key to %s: %w", keyPath, writeErr)
		}
		return priv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}
