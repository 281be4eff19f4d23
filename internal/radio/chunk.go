package radio

import (
	"context"
	"fmt"
	"time"
)

const (
	// chunkBodySize is the channel MTU minus the 2-byte chunk header.
	chunkBodySize = 185

	chunkHeaderSize = 2

	// maxChunks bounds a transfer: total and index each fit one byte.
	maxChunks = 255

	// interChunkDelay paces the sender so a slow receiver's buffer is
	// not overrun. The channel has no flow control.
	interChunkDelay = 160 * time.Millisecond
)

// SplitChunks cuts a body into headered chunks. Each chunk is prefixed
// with [totalChunks, chunkIndex] so the receiver can reassemble without
// any out-of-band framing.
func SplitChunks(body []byte) ([][]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	total := (len(body) + chunkBodySize - 1) / chunkBodySize
	if total > maxChunks {
		return nil, fmt.Errorf("body %d bytes needs %d chunks, limit %d", len(body), total, maxChunks)
	}

	chunks := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkBodySize
		end := min(start+chunkBodySize, len(body))

		chunk := make([]byte, chunkHeaderSize+end-start)
		chunk[0] = byte(total)
		chunk[1] = byte(i)
		copy(chunk[chunkHeaderSize:], body[start:end])
		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

// SendChunked transfers a body to a peer chunk by chunk with a fixed
// pacing delay between sends.
func SendChunked(ctx context.Context, r Radio, peer string, body []byte) error {
	chunks, err := SplitChunks(body)
	if err != nil {
		return err
	}

	for i, chunk := range chunks {
		if err := r.SendChunk(ctx, peer, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}

		if i < len(chunks)-1 {
			select {
			case <-time.After(interChunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return nil
}
