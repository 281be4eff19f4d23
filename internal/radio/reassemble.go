package radio

import (
	"fmt"
	"sync"
	"time"

	"afetnet/internal/envelope"
	"afetnet/internal/logger"
)

const (
	// batchTimeout discards a partial transfer whose sender went out of
	// range before completing it.
	batchTimeout = 30 * time.Second

	sweepInterval = 5 * time.Second
)

// Admitter is the deduplicating ingestion chokepoint reassembled
// batches are handed to. The seen-set implements it.
type Admitter interface {
	Admit(env envelope.Envelope) (bool, error)
}

type partial struct {
	total    int
	chunks   [][]byte
	received int
	started  time.Time
}

// Reassembler buffers inbound chunks per sender until a batch is
// complete, then decodes it and feeds every envelope through the
// admitter. Each sender has at most one batch in flight, matching the
// sender loop on the other side; a chunk announcing a different total
// restarts that sender's buffer.
type Reassembler struct {
	admit Admitter

	mu      sync.Mutex
	pending map[string]*partial

	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewReassembler starts the background sweep for stale partial batches.
func NewReassembler(admit Admitter) *Reassembler {
	r := &Reassembler{
		admit:   admit,
		pending: make(map[string]*partial),
		stop:    make(chan struct{}),
		now:     time.Now,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stop:
				return
			}
		}
	}()

	return r
}

// Close stops the sweep goroutine.
func (r *Reassembler) Close() {
	close(r.stop)
	r.wg.Wait()
}

// Accept buffers one chunk from a sender. When the chunk completes a
// batch, the batch is decoded and admitted; the number of newly admitted
// envelopes is returned. Duplicate chunks are idempotent and
// out-of-order arrival is fine.
func (r *Reassembler) Accept(sender string, chunk []byte) (int, error) {
	if len(chunk) <= chunkHeaderSize {
		return 0, fmt.Errorf("chunk too short: %d bytes", len(chunk))
	}

	total := int(chunk[0])
	index := int(chunk[1])
	if total == 0 || index >= total {
		return 0, fmt.Errorf("bad chunk header: total=%d index=%d", total, index)
	}

	r.mu.Lock()
	p := r.pending[sender]
	if p == nil || p.total != total {
		p = &partial{
			total:   total,
			chunks:  make([][]byte, total),
			started: r.now(),
		}
		r.pending[sender] = p
	}

	if p.chunks[index] == nil {
		body := make([]byte, len(chunk)-chunkHeaderSize)
		copy(body, chunk[chunkHeaderSize:])
		p.chunks[index] = body
		p.received++
	}

	if p.received < p.total {
		r.mu.Unlock()
		return 0, nil
	}

	delete(r.pending, sender)
	r.mu.Unlock()

	var body []byte
	for _, c := range p.chunks {
		body = append(body, c...)
	}

	return r.ingest(sender, body)
}

func (r *Reassembler) ingest(sender string, body []byte) (int, error) {
	items, err := envelope.DecodeBatch(body)
	if err != nil {
		return 0, fmt.Errorf("decode batch from %s: %w", sender, err)
	}

	admitted := 0
	for _, env := range items {
		ok, err := r.admit.Admit(env)
		if err != nil {
			logger.Warn("admit radio envelope", "sender", sender, "error", err)
			continue
		}
		if ok {
			admitted++
		}
	}

	logger.Debug("batch reassembled",
		"sender", sender,
		"items", len(items),
		"admitted", admitted,
	)

	return admitted, nil
}

func (r *Reassembler) sweep() {
	cutoff := r.now().Add(-batchTimeout)

	r.mu.Lock()
	for sender, p := range r.pending {
		if p.started.Before(cutoff) {
			logger.Debug("discarding stale partial batch",
				"sender", sender,
				"received", p.received,
				"total", p.total,
			)
			delete(r.pending, sender)
		}
	}
	r.mu.Unlock()
}
