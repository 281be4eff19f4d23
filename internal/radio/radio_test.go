package radio

import (
	"bytes"
	"context"
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

type fakeRadio struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (f *fakeRadio) Advertise(ctx context.Context, frame []byte) error { return nil }

func (f *fakeRadio) Scan(ctx context.Context, onDiscover func(Discovery)) error {
	<-ctx.Done()
	return nil
}

func (f *fakeRadio) SendChunk(ctx context.Context, peer string, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := make([]byte, len(chunk))
	copy(c, chunk)
	f.chunks = append(f.chunks, c)
	return nil
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

func TestHello_RoundTrip(t *testing.T) {
	h := Hello{ShortID: ShortID("device-1"), Pending: 42}

	frame, err := EncodeHello(h)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) > maxFrameSize {
		t.Errorf("frame %d bytes exceeds broadcast limit %d", len(frame), maxFrameSize)
	}

	got, err := DecodeHello(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Errorf("round trip: got %+v, want %+v", got, h)
	}
}

func TestHello_RejectsForeignFrame(t *testing.T) {
	frame, err := EncodeHello(Hello{ShortID: ShortID("x"), Pending: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	frame[0] ^= 0xFF // different manufacturer
	if _, err := DecodeHello(frame); err != ErrForeignFrame {
		t.Errorf("got %v, want ErrForeignFrame", err)
	}

	if _, err := DecodeHello(frame[:5]); err == nil {
		t.Error("truncated frame accepted")
	}
}

func TestShortID_StableHex(t *testing.T) {
	a := ShortID("device-a")
	if len(a) != shortIDLen {
		t.Fatalf("short id length = %d, want %d", len(a), shortIDLen)
	}
	if a != ShortID("device-a") {
		t.Error("short id not stable")
	}
	if a == ShortID("device-b") {
		t.Error("distinct devices share a short id")
	}
}

func TestSplitChunks_HeaderAndSizes(t *testing.T) {
	body := bytes.Repeat([]byte{0xAB}, chunkBodySize*2+10) // 3 chunks

	chunks, err := SplitChunks(body)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}

	for i, c := range chunks {
		if int(c[0]) != 3 {
			t.Errorf("chunk %d: total = %d, want 3", i, c[0])
		}
		if int(c[1]) != i {
			t.Errorf("chunk %d: index = %d", i, c[1])
		}
		if len(c) > chunkHeaderSize+chunkBodySize {
			t.Errorf("chunk %d: %d bytes exceeds MTU", i, len(c))
		}
	}

	if len(chunks[2]) != chunkHeaderSize+10 {
		t.Errorf("last chunk = %d bytes, want %d", len(chunks[2]), chunkHeaderSize+10)
	}
}

func TestSplitChunks_Limits(t *testing.T) {
	if _, err := SplitChunks(nil); err == nil {
		t.Error("empty body accepted")
	}
	if _, err := SplitChunks(make([]byte, chunkBodySize*maxChunks+1)); err == nil {
		t.Error("oversized body accepted")
	}
}

func TestReassembler_RoundTrip(t *testing.T) {
	admit := newFakeAdmitter()
	r := NewReassembler(admit)
	defer r.Close()

	body, err := envelope.EncodeBatch(testEnvelopes(t, "one", "two", "three"))
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}

	chunks, err := SplitChunks(body)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	// Deliver out of order, with a duplicate in the middle.
	order := append([][]byte{chunks[len(chunks)-1]}, chunks...)
	var admitted int
	for _, c := range order {
		n, err := r.Accept("peer-1", c)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		admitted += n
	}

	if admitted != 3 {
		t.Errorf("admitted = %d, want 3", admitted)
	}
	if admit.count() != 3 {
		t.Errorf("admitter saw %d envelopes, want 3", admit.count())
	}
}

func TestReassembler_SweepsStaleBatches(t *testing.T) {
	r := NewReassembler(newFakeAdmitter())
	defer r.Close()

	base := time.Now()
	r.now = func() time.Time { return base }

	body, err := envelope.EncodeBatch(testEnvelopes(t, "partial"))
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	bigBody := append(body, bytes.Repeat([]byte{' '}, chunkBodySize)...)

	chunks, err := SplitChunks(bigBody)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatal("need a multi-chunk body")
	}

	if _, err := r.Accept("peer-1", chunks[0]); err != nil {
		t.Fatalf("accept: %v", err)
	}

	r.now = func() time.Time { return base.Add(batchTimeout + time.Second) }
	r.sweep()

	r.mu.Lock()
	remaining := len(r.pending)
	r.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d stale partial batches survived the sweep", remaining)
	}
}

func TestReassembler_RejectsBadHeader(t *testing.T) {
	r := NewReassembler(newFakeAdmitter())
	defer r.Close()

	if _, err := r.Accept("p", []byte{3}); err == nil {
		t.Error("short chunk accepted")
	}
	if _, err := r.Accept("p", []byte{0, 0, 'x'}); err == nil {
		t.Error("zero total accepted")
	}
	if _, err := r.Accept("p", []byte{2, 5, 'x'}); err == nil {
		t.Error("index past total accepted")
	}
}

func TestSendChunked_DeliversAllChunks(t *testing.T) {
	fr := &fakeRadio{}
	body := bytes.Repeat([]byte{1}, chunkBodySize+1) // 2 chunks

	if err := SendChunked(context.Background(), fr, "peer", body); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fr.chunks) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(fr.chunks))
	}

	var got []byte
	for _, c := range fr.chunks {
		got = append(got, c[chunkHeaderSize:]...)
	}
	if !bytes.Equal(got, body) {
		t.Error("reassembled send does not match body")
	}
}

func TestTransport_ObserveAndFreshness(t *testing.T) {
	tr := NewTransport(&fakeRadio{}, nil, newFakeAdmitter(), "device-1")
	defer tr.reasm.Close()

	base := time.Now()
	tr.now = func() time.Time { return base }

	frame, err := EncodeHello(Hello{ShortID: ShortID("peer"), Pending: 3})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}

	d := Discovery{Peer: "AA:BB", Payload: frame, RSSI: -60}

	if _, first := tr.observe(d); !first {
		t.Error("first sighting not reported as fresh")
	}
	if _, first := tr.observe(d); first {
		t.Error("repeat sighting reported as fresh")
	}

	peers := tr.Peers()
	if len(peers) != 1 || peers[0].Pending != 3 {
		t.Fatalf("peers = %+v", peers)
	}

	// Past the freshness window the peer ages out and a new sighting
	// counts as fresh again.
	tr.now = func() time.Time { return base.Add(peerFreshness + time.Second) }
	if len(tr.Peers()) != 0 {
		t.Error("stale peer still listed")
	}
	if _, first := tr.observe(d); !first {
		t.Error("re-sighting after expiry not fresh")
	}
}

func TestTransport_IgnoresForeignBroadcasts(t *testing.T) {
	tr := NewTransport(&fakeRadio{}, nil, newFakeAdmitter(), "device-1")
	defer tr.reasm.Close()

	if _, first := tr.observe(Discovery{Peer: "X", Payload: []byte{1, 2, 3}}); first {
		t.Error("garbage payload produced a peer")
	}
	if len(tr.Peers()) != 0 {
		t.Error("foreign broadcast recorded a peer")
	}
}
