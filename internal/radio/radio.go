// Package radio implements the short-range transport: a broadcaster and
// scanner for small discovery frames, plus a chunked point-to-point
// channel for envelope batches that do not fit a single frame.
//
// The underlying hardware is a capability. When it is absent or the OS
// denies access, the no-op implementation is selected once at startup
// and every operation silently succeeds without doing anything, so the
// rest of the system keeps running on its other transports.
package radio

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by probes when no radio hardware is
// usable. Callers fall back to Noop rather than failing.
var ErrUnavailable = errors.New("radio unavailable")

// Discovery is one peer sighting raised by a scan window.
type Discovery struct {
	Peer    string // platform peer identifier
	Payload []byte // manufacturer payload, usually a hello frame
	RSSI    int    // signal strength, dBm
}

// Radio abstracts the platform's short-range primitives.
type Radio interface {
	// Advertise broadcasts a small fixed-size frame until the context
	// is cancelled or a new frame replaces it.
	Advertise(ctx context.Context, frame []byte) error

	// Scan listens for peer broadcasts, invoking onDiscover for each
	// sighting, until the context is cancelled.
	Scan(ctx context.Context, onDiscover func(Discovery)) error

	// SendChunk delivers one chunk to a connected peer.
	SendChunk(ctx context.Context, peer string, chunk []byte) error
}

// Noop is the soft-fail radio used when no hardware capability exists.
type Noop struct{}

func (Noop) Advertise(ctx context.Context, frame []byte) error { return nil }

func (Noop) Scan(ctx context.Context, onDiscover func(Discovery)) error {
	<-ctx.Done()
	return nil
}

func (Noop) SendChunk(ctx context.Context, peer string, chunk []byte) error { return nil }
