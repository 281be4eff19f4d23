package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"afetnet/internal/api"
	"afetnet/internal/dedup"
	"afetnet/internal/envelope"
	"afetnet/internal/lanlink"
	"afetnet/internal/logger"
	"afetnet/internal/queue"
	"afetnet/internal/radio"
	"afetnet/internal/reconcile"
	"afetnet/internal/storage"
)

const (
	// drainInterval is how often the queue is offered to the LAN link.
	drainInterval = 30 * time.Second

	// connectivityInterval is how often the sync service is probed.
	connectivityInterval = 15 * time.Second

	// exchangeInterval is how often pending batches are traded with
	// configured LAN peers.
	exchangeInterval = 60 * time.Second
)

// App owns every service and their lifecycle.
type App struct {
	cfg *Config

	store      *storage.Store
	queue      *queue.Queue
	seen       *dedup.SeenSet
	transport  *radio.Transport
	link       *lanlink.Link
	reconciler *reconcile.Reconciler
	control    *api.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp wires the services together: store at the bottom, queue and
// seen-set on top of it, then the three transports around them.
func NewApp(cfg *Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.Open(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	q, err := queue.Open(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	seen, err := dedup.Open(store, q)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open seen set: %w", err)
	}

	deviceID := hex.EncodeToString(cfg.PrivateKey.Public().(ed25519.PublicKey))

	// No platform radio glue is wired on this build; the transport runs
	// against the no-op radio and becomes active the moment a real
	// Radio is passed in.
	transport := radio.NewTransport(radio.Noop{}, q, seen, deviceID)

	link, err := lanlink.New(lanlink.Config{
		Key:        cfg.PrivateKey,
		ListenAddr: cfg.LanAddress,
	}, q, seen)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build lan link: %w", err)
	}

	var remote reconcile.Remote
	if cfg.SyncURL != "" {
		remote = reconcile.NewClient(cfg.SyncURL, []byte(cfg.SyncSecret))
	}

	var reconciler *reconcile.Reconciler
	if remote != nil {
		reconciler, err = reconcile.Open(store, remote)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open reconciler: %w", err)
		}
	}

	var syncer api.Syncer
	if reconciler != nil {
		syncer = reconciler
	}

	return &App{
		cfg:        cfg,
		store:      store,
		queue:      q,
		seen:       seen,
		transport:  transport,
		link:       link,
		reconciler: reconciler,
		control:    api.New(cfg.HTTPAddress, q, seen, link, syncer),
	}, nil
}

// Run starts every service and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.link.Start(); err != nil {
		return fmt.Errorf("start lan link: %w", err)
	}

	if err := a.control.Start(); err != nil {
		return fmt.Errorf("start control api: %w", err)
	}

	for _, addr := range a.cfg.LanPeers {
		if err := a.link.Connect(addr); err != nil {
			logger.Warn("dial lan peer", "addr", addr, "error", err)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.transport.Run(ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.drainLoop(ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.exchangeLoop(ctx)
	}()

	if a.reconciler != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.connectivityLoop(ctx)
		}()
	}

	<-ctx.Done()

	return a.Stop()
}

// Stop tears the services down in reverse order of construction.
func (a *App) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if err := a.control.Stop(); err != nil {
		logger.Warn("stop control api", "error", err)
	}

	if err := a.link.Close(); err != nil {
		logger.Warn("close lan link", "error", err)
	}

	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}

	logger.Info("shutdown complete")

	return nil
}

// drainLoop periodically offers pending envelopes to connected LAN
// peers. With no peers in range every attempt fails and the queue's
// backoff keeps items for later.
func (a *App) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.link.PeerCount() == 0 {
				continue
			}
			a.queue.Drain(ctx, false, func(ctx context.Context, env envelope.Envelope) error {
				return a.link.SendEnvelope(env)
			})
		case <-ctx.Done():
			return
		}
	}
}

// exchangeLoop periodically trades pending batches with the configured
// LAN peers: push ours to every connected peer, then pull theirs over
// the request channel. Catches envelopes queued on either side between
// drains.
func (a *App) exchangeLoop(ctx context.Context) {
	ticker := time.NewTicker(exchangeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.link.PeerCount() > 0 {
				a.link.Share()
			}
			for _, addr := range a.cfg.LanPeers {
				admitted, err := a.link.Pull(ctx, addr)
				if err != nil {
					logger.Debug("pull from peer", "addr", addr, "error", err)
					continue
				}
				if admitted > 0 {
					logger.Info("pulled envelopes", "addr", addr, "admitted", admitted)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// connectivityLoop probes the sync service and feeds the reconciler's
// connectivity observer; the offline-to-online edge triggers its drain.
func (a *App) connectivityLoop(ctx context.Context) {
	client := &http.Client{Timeout: 5 * time.Second}

	ticker := time.NewTicker(connectivityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.SyncURL+"/healthz", nil)
			if err != nil {
				continue
			}
			resp, err := client.Do(req)
			if resp != nil {
				resp.Body.Close()
			}
			a.reconciler.SetConnected(ctx, err == nil)
		case <-ctx.Done():
			return
		}
	}
}
