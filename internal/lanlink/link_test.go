package lanlink

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"afetnet/internal/envelope"
)

type fakeAdmitter struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeAdmitter() *fakeAdmitter {
	return &fakeAdmitter{seen: make(map[string]bool)}
}

func (f *fakeAdmitter) Admit(env envelope.Envelope) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[env.Hash] {
		return false, nil
	}
	f.seen[env.Hash] = true
	return true, nil
}

func (f *fakeAdmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

type staticSource struct {
	items []envelope.Envelope
}

func (s staticSource) Snapshot(max int) []envelope.Envelope {
	if len(s.items) > max {
		return s.items[:max]
	}
	return s.items
}

func testEnvelopes(t *testing.T, notes ...string) []envelope.Envelope {
	t.Helper()

	envs := make([]envelope.Envelope, 0, len(notes))
	for _, note := range notes {
		env, err := envelope.MakeEnvelope(envelope.Payload{Note: note})
		if err != nil {
			t.Fatalf("make envelope: %v", err)
		}
		envs = append(envs, env)
	}
	return envs
}

func newTestLink(t *testing.T, source Source, admit Admitter) *Link {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	l, err := New(Config{Key: key, ListenAddr: "127.0.0.1:0"}, source, admit)
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("start link: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	return l
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWire_FrameRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte("envelope batch data "), 100)

	var buf bytes.Buffer
	if err := writeFrame(&buf, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	// Compressible input should actually shrink on the wire.
	if buf.Len() >= len(body) {
		t.Errorf("frame %d bytes did not compress body of %d", buf.Len(), len(body))
	}

	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Error("frame round trip mismatch")
	}
}

func TestWire_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	if _, err := readFrame(&buf); err == nil {
		t.Error("oversized frame length accepted")
	}
}

func TestFrameFilter_SuppressesDuplicates(t *testing.T) {
	f := newFrameFilter()
	base := time.Now()
	f.now = func() time.Time { return base }

	frame := []byte("batch")
	if !f.fresh(frame) {
		t.Fatal("first frame not fresh")
	}
	if f.fresh(frame) {
		t.Error("duplicate frame passed the filter")
	}
	if !f.fresh([]byte("other")) {
		t.Error("distinct frame filtered")
	}

	// After the TTL the same frame is fresh again.
	f.now = func() time.Time { return base.Add(filterTTL + time.Second) }
	if !f.fresh(frame) {
		t.Error("expired frame still filtered")
	}
}

func TestLink_ExchangesBatchesOnConnect(t *testing.T) {
	itemsA := testEnvelopes(t, "from-a-1", "from-a-2")
	itemsB := testEnvelopes(t, "from-b")

	admitA := newFakeAdmitter()
	admitB := newFakeAdmitter()

	a := newTestLink(t, staticSource{items: itemsA}, admitA)
	b := newTestLink(t, staticSource{items: itemsB}, admitB)

	if err := b.Connect(a.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// B pushed its batch on connect; A greeted B with its own.
	waitFor(t, 5*time.Second, func() bool { return admitA.count() == 1 },
		"A never received B's batch")
	waitFor(t, 5*time.Second, func() bool { return admitB.count() == 2 },
		"B never received A's batch")
}

type mutableSource struct {
	mu    sync.Mutex
	items []envelope.Envelope
}

func (s *mutableSource) Snapshot(max int) []envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) > max {
		return s.items[:max]
	}
	return s.items
}

func (s *mutableSource) set(items []envelope.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
}

func TestLink_SharePushesNewBatch(t *testing.T) {
	source := &mutableSource{}
	admitB := newFakeAdmitter()

	a := newTestLink(t, source, newFakeAdmitter())
	b := newTestLink(t, staticSource{}, admitB)

	if err := b.Connect(a.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return a.PeerCount() == 1 },
		"A never saw B")

	// The batch was empty when B connected; queue items afterwards and
	// push them explicitly.
	source.set(testEnvelopes(t, "late-1", "late-2"))
	a.Share()

	waitFor(t, 5*time.Second, func() bool { return admitB.count() == 2 },
		"shared batch never reached B")
}

func TestLink_PullFetchesPeerBatch(t *testing.T) {
	itemsA := testEnvelopes(t, "pull-1", "pull-2", "pull-3")

	a := newTestLink(t, staticSource{items: itemsA}, newFakeAdmitter())

	admitB := newFakeAdmitter()
	b := newTestLink(t, staticSource{}, admitB)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	admitted, err := b.Pull(ctx, a.Addr())
	if err != nil {
		t.Fatalf("pull: %v", err)
	}

	// The greeting on connect may have admitted some of the batch
	// before the pull response arrives; between the two paths all three
	// envelopes must land exactly once.
	if admitted > 3 {
		t.Errorf("pull admitted %d, want at most 3", admitted)
	}
	waitFor(t, 5*time.Second, func() bool { return admitB.count() == 3 },
		"pull did not deliver the full batch")
}

func TestLink_FiltersRepeatedFrames(t *testing.T) {
	items := testEnvelopes(t, "once")

	admit := newFakeAdmitter()
	l := newTestLink(t, staticSource{}, admit)

	body, err := envelope.EncodeBatch(items)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	n, err := l.ingest("peer", body)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 1 {
		t.Fatalf("admitted = %d, want 1", n)
	}

	// Byte-identical frame is dropped before decode.
	n, err = l.ingest("peer", body)
	if err != nil {
		t.Fatalf("reingest: %v", err)
	}
	if n != 0 {
		t.Errorf("duplicate frame admitted %d envelopes", n)
	}
}

func TestLink_PeerCount(t *testing.T) {
	a := newTestLink(t, staticSource{}, newFakeAdmitter())
	b := newTestLink(t, staticSource{}, newFakeAdmitter())

	if err := b.Connect(a.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return a.PeerCount() == 1 },
		"A never registered the peer")
	if b.PeerCount() != 1 {
		t.Errorf("B peer count = %d, want 1", b.PeerCount())
	}
}
