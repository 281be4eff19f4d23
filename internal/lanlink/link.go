// Package lanlink exchanges envelope batches with peers over a local
// network (same Wi-Fi or a direct link) using QUIC. It is the
// high-bandwidth sibling of the radio transport: no chunking, batches
// travel whole in one compressed frame, and peers can both push their
// pending envelopes and pull ours.
package lanlink

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"afetnet/internal/envelope"
	"afetnet/internal/logger"
)

const (
	alpnProtocol = "afetnet/1"

	// shareCap bounds one batch exchange. The LAN can afford more than
	// the radio's bundle.
	shareCap = 64

	reconnectDelay    = 5 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// Admitter is the deduplicating ingestion chokepoint inbound batches
// feed into.
type Admitter interface {
	Admit(env envelope.Envelope) (bool, error)
}

// Source supplies pending envelopes for outbound batches.
type Source interface {
	Snapshot(max int) []envelope.Envelope
}

// Config holds link settings.
type Config struct {
	Key        ed25519.PrivateKey
	ListenAddr string // e.g. ":4817"
}

// Link accepts and dials QUIC peers, pushing our pending batch on
// connect and ingesting whatever batches peers push back.
type Link struct {
	key        ed25519.PrivateKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	source Source
	admit  Admitter
	filter *frameFilter

	listener *quic.Listener

	mu        sync.RWMutex
	peers     map[string]*peer
	knownAddr map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a link. Start must be called before peers can connect.
func New(cfg Config, source Source, admit Admitter) (*Link, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	cert, err := selfSignedCert(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("build certificate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Link{
		key:        cfg.Key,
		listenAddr: cfg.ListenAddr,
		tlsConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // identity is the extracted ed25519 key
			NextProtos:         []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		source:    source,
		admit:     admit,
		filter:    newFrameFilter(),
		peers:     make(map[string]*peer),
		knownAddr: make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins listening for peers.
func (l *Link) Start() error {
	listener, err := quic.ListenAddr(l.listenAddr, l.tlsConfig, l.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.listener = listener

	l.wg.Add(1)
	go l.acceptLoop()

	logger.Info("lan link listening", "addr", listener.Addr().String())

	return nil
}

// Addr returns the listener address, or "" before Start.
func (l *Link) Addr() string {
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// Connect dials a peer and pushes our pending batch to it.
func (l *Link) Connect(addr string) error {
	conn, err := quic.DialAddr(l.ctx, addr, l.tlsConfig, l.quicConfig)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	p, err := l.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return err
	}

	return l.shareWith(p)
}

// Share pushes the current pending batch to every connected peer.
func (l *Link) Share() {
	for _, p := range l.peerList() {
		if err := l.shareWith(p); err != nil {
			logger.Warn("share batch", "peer", p.addr, "error", err)
		}
	}
}

// SendEnvelope pushes a single-envelope batch to every connected peer.
// Fails when no peer is connected or no peer accepted the frame, so a
// queue drain can count it as an undelivered attempt.
func (l *Link) SendEnvelope(env envelope.Envelope) error {
	peers := l.peerList()
	if len(peers) == 0 {
		return fmt.Errorf("no peers connected")
	}

	body, err := envelope.EncodeBatch([]envelope.Envelope{env})
	if err != nil {
		return err
	}

	delivered := 0
	for _, p := range peers {
		if err := p.send(body); err != nil {
			logger.Debug("send envelope", "peer", p.addr, "error", err)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return fmt.Errorf("no peer accepted the envelope")
	}

	return nil
}

// Pull requests a peer's pending batch over a bidirectional stream and
// ingests it. Returns the number of envelopes newly admitted.
func (l *Link) Pull(ctx context.Context, addr string) (int, error) {
	l.mu.RLock()
	var target *peer
	for _, p := range l.peers {
		if p.addr == addr {
			target = p
			break
		}
	}
	l.mu.RUnlock()

	if target == nil {
		if err := l.Connect(addr); err != nil {
			return 0, err
		}
		l.mu.RLock()
		for _, p := range l.peers {
			if p.addr == addr {
				target = p
				break
			}
		}
		l.mu.RUnlock()
	}
	if target == nil {
		return 0, fmt.Errorf("peer %s not connected", addr)
	}

	body, err := target.request(ctx, []byte("pull"))
	if err != nil {
		return 0, err
	}

	return l.ingest(target.addr, body)
}

// PeerCount returns the number of live peer connections.
func (l *Link) PeerCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.peers)
}

// Close shuts the link down and drops all peers.
func (l *Link) Close() error {
	l.cancel()

	if l.listener != nil {
		l.listener.Close()
	}

	l.mu.Lock()
	for _, p := range l.peers {
		p.close()
	}
	l.peers = make(map[string]*peer)
	l.mu.Unlock()

	l.wg.Wait()

	return nil
}

func (l *Link) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			return
		}

		go func() {
			p, err := l.setupPeer(conn, conn.RemoteAddr().String())
			if err != nil {
				conn.CloseWithError(1, "setup failed")
				return
			}

			// Greet the newcomer with our pending batch; they push
			// theirs the same way, completing the exchange.
			if err := l.shareWith(p); err != nil {
				logger.Debug("greet peer", "peer", p.addr, "error", err)
			}
		}()
	}
}

func (l *Link) setupPeer(conn *quic.Conn, addr string) (*peer, error) {
	pub, err := peerIdentity(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("peer identity: %w", err)
	}

	keyHex := hex.EncodeToString(pub)

	p := &peer{
		pub:  pub,
		addr: addr,
		conn: conn,
		link: l,
	}

	l.mu.Lock()
	l.peers[keyHex] = p
	l.knownAddr[keyHex] = addr
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		p.receiveLoop()
	}()

	logger.Info("lan peer connected", "peer", addr, "key", keyHex[:8])

	return p, nil
}

func (l *Link) shareWith(p *peer) error {
	items := l.source.Snapshot(shareCap)
	if len(items) == 0 {
		return nil
	}

	body, err := envelope.EncodeBatch(items)
	if err != nil {
		return err
	}

	if err := p.send(body); err != nil {
		return err
	}

	logger.Debug("batch shared", "peer", p.addr, "items", len(items))

	return nil
}

// ingest decodes a batch frame and admits its envelopes.
func (l *Link) ingest(from string, body []byte) (int, error) {
	if !l.filter.fresh(body) {
		logger.Debug("duplicate frame filtered", "peer", from)
		return 0, nil
	}

	items, err := envelope.DecodeBatch(body)
	if err != nil {
		return 0, fmt.Errorf("decode batch from %s: %w", from, err)
	}

	admitted := 0
	for _, env := range items {
		ok, err := l.admit.Admit(env)
		if err != nil {
			logger.Warn("admit lan envelope", "peer", from, "error", err)
			continue
		}
		if ok {
			admitted++
		}
	}

	if admitted > 0 {
		logger.Info("batch received", "peer", from, "items", len(items), "admitted", admitted)
	}

	return admitted, nil
}

// pendingBatch serves pull requests. An empty queue still yields a
// valid batch with zero items.
func (l *Link) pendingBatch() ([]byte, error) {
	items := l.source.Snapshot(shareCap)
	if items == nil {
		items = []envelope.Envelope{}
	}
	return envelope.EncodeBatch(items)
}

func (l *Link) peerList() []*peer {
	l.mu.RLock()
	defer l.mu.RUnlock()

	peers := make([]*peer, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	return peers
}

func (l *Link) dropPeer(p *peer) {
	keyHex := hex.EncodeToString(p.pub)

	l.mu.Lock()
	delete(l.peers, keyHex)
	l.mu.Unlock()

	logger.Info("lan peer disconnected", "peer", p.addr)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.reconnect(keyHex)
	}()
}

// reconnect retries a dropped peer with exponential backoff until it is
// back, the link closes, or someone else reconnects first.
func (l *Link) reconnect(keyHex string) {
	delay := reconnectDelay

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(delay):
		}

		l.mu.RLock()
		addr, known := l.knownAddr[keyHex]
		_, connected := l.peers[keyHex]
		l.mu.RUnlock()

		if !known || connected {
			return
		}

		if err := l.Connect(addr); err == nil {
			return
		}

		delay = min(delay*2, maxReconnectDelay)
	}
}
