package lanlink

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"afetnet/internal/logger"
)

const requestTimeout = 30 * time.Second

// peer is one live QUIC connection. Batches arrive on unidirectional
// streams; pull requests use a bidirectional stream.
type peer struct {
	pub  ed25519.PublicKey
	addr string
	conn *quic.Conn
	link *Link

	closed atomic.Bool
	mu     sync.Mutex
}

// send pushes one batch frame on a fresh unidirectional stream.
func (p *peer) send(body []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeFrame(stream, body); err != nil {
		stream.Close()
		return fmt.Errorf("write frame: %w", err)
	}

	return stream.Close()
}

// request performs one round trip on a bidirectional stream.
func (p *peer) request(ctx context.Context, body []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(requestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, body); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	response, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return response, nil
}

func (p *peer) close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

func (p *peer) receiveLoop() {
	go p.acceptBidiStreams()

	for {
		stream, err := p.conn.AcceptUniStream(p.link.ctx)
		if err != nil {
			break
		}

		go p.handleUniStream(stream)
	}

	if !p.closed.Swap(true) {
		p.link.dropPeer(p)
	}
}

func (p *peer) acceptBidiStreams() {
	for {
		stream, err := p.conn.AcceptStream(p.link.ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream serves a pull: whatever the request says, the
// response is our current pending batch.
func (p *peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	if _, err := readFrame(stream); err != nil {
		return
	}

	body, err := p.link.pendingBatch()
	if err != nil {
		logger.Warn("build pull response", "peer", p.addr, "error", err)
		return
	}

	if err := writeFrame(stream, body); err != nil {
		logger.Debug("write pull response", "peer", p.addr, "error", err)
	}
}

func (p *peer) handleUniStream(stream *quic.ReceiveStream) {
	body, err := readFrame(stream)
	if err != nil {
		logger.Debug("read batch frame", "peer", p.addr, "error", err)
		return
	}

	if _, err := p.link.ingest(p.addr, body); err != nil {
		logger.Warn("ingest batch", "peer", p.addr, "error", err)
	}
}
