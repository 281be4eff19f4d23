package radio

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrForeignFrame marks a broadcast that carries another manufacturer's
// identifier. Scanners skip these without logging.
var ErrForeignFrame = errors.New("foreign manufacturer frame")

const (
	// manufacturerID tags our frames inside the shared broadcast band so
	// scanners can discard unrelated traffic cheaply.
	manufacturerID uint16 = 0xAF37

	helloVersion = 1

	// shortIDLen is the hex-encoded device short identifier length.
	shortIDLen = 8

	// maxFrameSize bounds every broadcast frame. Radios in this class
	// carry 24-27 bytes of manufacturer payload per advertisement.
	maxFrameSize = 27

	// helloFrameSize: 2 manufacturer + 1 version + 8 short id + 2 pending.
	helloFrameSize = 13
)

// Hello is the presence frame a device broadcasts between scan windows:
// who it is and how many envelopes it has waiting, so peers can decide
// whether connecting for a bundle transfer is worth the battery.
type Hello struct {
	ShortID string // 8 hex chars identifying the device
	Pending uint16 // pending queue length, saturated at 65535
}

// ShortID derives the stable 8-hex-char identifier broadcast in hello
// frames from the full device identity.
func ShortID(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return hex.EncodeToString(sum[:])[:shortIDLen]
}

// EncodeHello packs a hello frame.
func EncodeHello(h Hello) ([]byte, error) {
	if len(h.ShortID) != shortIDLen {
		return nil, fmt.Errorf("short id must be %d chars, got %d", shortIDLen, len(h.ShortID))
	}

	frame := make([]byte, helloFrameSize)
	binary.BigEndian.PutUint16(frame[0:2], manufacturerID)
	frame[2] = helloVersion
	copy(frame[3:3+shortIDLen], h.ShortID)
	binary.BigEndian.PutUint16(frame[3+shortIDLen:], h.Pending)

	if len(frame) > maxFrameSize {
		return nil, fmt.Errorf("hello frame %d bytes exceeds limit %d", len(frame), maxFrameSize)
	}

	return frame, nil
}

// DecodeHello unpacks a hello frame. Frames from other manufacturers or
// other protocol versions return an error and are skipped by the scanner.
func DecodeHello(frame []byte) (Hello, error) {
	if len(frame) != helloFrameSize {
		return Hello{}, fmt.Errorf("hello frame: want %d bytes, got %d", helloFrameSize, len(frame))
	}
	if binary.BigEndian.Uint16(frame[0:2]) != manufacturerID {
		return Hello{}, ErrForeignFrame
	}
	if frame[2] != helloVersion {
		return Hello{}, fmt.Errorf("hello frame: unsupported version %d", frame[2])
	}

	return Hello{
		ShortID: string(frame[3 : 3+shortIDLen]),
		Pending: binary.BigEndian.Uint16(frame[3+shortIDLen:]),
	}, nil
}
