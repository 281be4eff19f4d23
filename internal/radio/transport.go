package radio

import (
	"context"
	"sort"
	"sync"
	"time"

	"afetnet/internal/envelope"
	"afetnet/internal/logger"
)

const (
	// Duty cycle: scan, then pause to let the advertiser own the air
	// and to save battery.
	scanWindow  = 6 * time.Second
	pauseWindow = 4 * time.Second

	// peerFreshness is how long a sighting keeps a peer "nearby".
	peerFreshness = 30 * time.Second

	// bundleCap bounds one transfer to a peer.
	bundleCap = 12
)

// Source supplies outbound envelopes for bundle transfers. The retry
// queue implements it.
type Source interface {
	Snapshot(max int) []envelope.Envelope
	Len() int
}

// Peer is a nearby device assembled from its hello broadcasts.
type Peer struct {
	ID       string
	ShortID  string
	Pending  uint16
	RSSI     int
	LastSeen time.Time
}

// Transport runs the duty-cycled radio loop: broadcast a hello frame,
// scan for peers, push a bundle of pending envelopes to newly seen
// peers, pause, repeat. Inbound chunks are fed to HandleChunk by the
// platform glue and flow through the reassembler into the seen-set.
type Transport struct {
	radio   Radio
	source  Source
	reasm   *Reassembler
	shortID string

	mu    sync.Mutex
	peers map[string]*Peer

	now func() time.Time
}

// NewTransport wires the radio loop. deviceID is the full device
// identity; only its short form ever goes on the air.
func NewTransport(r Radio, source Source, admit Admitter, deviceID string) *Transport {
	return &Transport{
		radio:   r,
		source:  source,
		reasm:   NewReassembler(admit),
		shortID: ShortID(deviceID),
		peers:   make(map[string]*Peer),
		now:     time.Now,
	}
}

// Run drives the duty cycle until the context is cancelled.
func (t *Transport) Run(ctx context.Context) {
	logger.Info("radio transport started", "short_id", t.shortID)

	for ctx.Err() == nil {
		t.cycle(ctx)

		select {
		case <-time.After(pauseWindow):
		case <-ctx.Done():
		}
	}

	t.reasm.Close()
	logger.Info("radio transport stopped")
}

func (t *Transport) cycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, scanWindow)
	defer cancel()

	pending := min(t.source.Len(), 0xFFFF)
	frame, err := EncodeHello(Hello{ShortID: t.shortID, Pending: uint16(pending)})
	if err != nil {
		logger.Error("encode hello frame", "error", err)
		return
	}

	go func() {
		if err := t.radio.Advertise(cycleCtx, frame); err != nil {
			logger.Debug("advertise", "error", err)
		}
	}()

	var fresh []string
	if err := t.radio.Scan(cycleCtx, func(d Discovery) {
		if peer, first := t.observe(d); first {
			fresh = append(fresh, peer)
		}
	}); err != nil {
		logger.Debug("scan window", "error", err)
	}

	for _, peer := range fresh {
		if err := t.sendBundle(ctx, peer); err != nil {
			logger.Warn("bundle transfer failed", "peer", peer, "error", err)
		}
	}
}

// observe records a sighting. Returns the peer id and whether this is
// the first sighting within the freshness window, so each peer triggers
// at most one bundle transfer per appearance.
func (t *Transport) observe(d Discovery) (string, bool) {
	hello, err := DecodeHello(d.Payload)
	if err != nil {
		return "", false
	}

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	p, known := t.peers[d.Peer]
	first := !known || now.Sub(p.LastSeen) > peerFreshness
	if !known {
		p = &Peer{ID: d.Peer}
		t.peers[d.Peer] = p
	}

	p.ShortID = hello.ShortID
	p.Pending = hello.Pending
	p.RSSI = d.RSSI
	p.LastSeen = now

	if first {
		logger.Debug("peer discovered",
			"peer", d.Peer,
			"short_id", hello.ShortID,
			"pending", hello.Pending,
			"rssi", d.RSSI,
		)
	}

	return d.Peer, first
}

// Peers returns peers seen within the freshness window, strongest
// signal first.
func (t *Transport) Peers() []Peer {
	cutoff := t.now().Add(-peerFreshness)

	t.mu.Lock()
	live := make([]Peer, 0, len(t.peers))
	for id, p := range t.peers {
		if p.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			continue
		}
		live = append(live, *p)
	}
	t.mu.Unlock()

	sort.Slice(live, func(i, j int) bool { return live[i].RSSI > live[j].RSSI })

	return live
}

// HandleChunk ingests one inbound chunk from the platform. Returns the
// number of envelopes newly admitted if the chunk completed a batch.
func (t *Transport) HandleChunk(sender string, chunk []byte) (int, error) {
	return t.reasm.Accept(sender, chunk)
}

func (t *Transport) sendBundle(ctx context.Context, peer string) error {
	items := t.source.Snapshot(bundleCap)
	if len(items) == 0 {
		return nil
	}

	body, err := envelope.EncodeBatch(items)
	if err != nil {
		return err
	}

	if err := SendChunked(ctx, t.radio, peer, body); err != nil {
		return err
	}

	logger.Info("bundle sent", "peer", peer, "items", len(items), "bytes", len(body))

	return nil
}
