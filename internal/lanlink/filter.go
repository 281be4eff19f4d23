package lanlink

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// filterTTL is how long a frame hash suppresses re-processing. Frames
// arrive seconds apart when two devices share batches back and forth,
// so a short window is enough; envelope-level dedup is handled by the
// seen-set downstream.
const filterTTL = 30 * time.Second

// frameFilter drops byte-identical frames recently processed. Expired
// entries are pruned lazily on each check.
type frameFilter struct {
	mu   sync.Mutex
	seen map[[32]byte]time.Time
	now  func() time.Time
}

func newFrameFilter() *frameFilter {
	return &frameFilter{
		seen: make(map[[32]byte]time.Time),
		now:  time.Now,
	}
}

// fresh reports whether the frame is new, recording it if so.
func (f *frameFilter) fresh(frame []byte) bool {
	hash := blake3.Sum256(frame)
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	for h, ts := range f.seen {
		if now.Sub(ts) > filterTTL {
			delete(f.seen, h)
		}
	}

	if ts, ok := f.seen[hash]; ok && now.Sub(ts) <= filterTTL {
		return false
	}

	f.seen[hash] = now
	return true
}
