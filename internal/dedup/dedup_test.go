package dedup

import (
	"fmt"
	"testing"

	"afetnet/internal/envelope"
	"afetnet/internal/storage"
)

type captureSink struct {
	pushed []envelope.Envelope
}

func (c *captureSink) Push(env envelope.Envelope) error {
	c.pushed = append(c.pushed, env)
	return nil
}

func openTestSet(t *testing.T) (*SeenSet, *captureSink, *storage.Store) {
	t.Helper()

	s, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sink := &captureSink{}
	set, err := Open(s, sink)
	if err != nil {
		t.Fatalf("open seen set: %v", err)
	}

	return set, sink, s
}

func testEnvelope(t *testing.T, note string) envelope.Envelope {
	t.Helper()

	env, err := envelope.MakeEnvelope(envelope.Payload{Note: note})
	if err != nil {
		t.Fatalf("make envelope: %v", err)
	}

	return env
}

func TestSeenSet_AdmitOnce(t *testing.T) {
	set, sink, _ := openTestSet(t)

	env := testEnvelope(t, "hello")

	admitted, err := set.Admit(env)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !admitted {
		t.Fatal("first admission rejected")
	}

	// Same envelope arriving over a second transport.
	admitted, err = set.Admit(env)
	if err != nil {
		t.Fatalf("admit duplicate: %v", err)
	}
	if admitted {
		t.Error("duplicate was admitted")
	}

	if len(sink.pushed) != 1 {
		t.Errorf("sink received %d envelopes, want 1", len(sink.pushed))
	}
	if !set.Seen(env.Hash) {
		t.Error("hash not recorded")
	}
}

func TestSeenSet_RejectsTampered(t *testing.T) {
	set, sink, _ := openTestSet(t)

	env := testEnvelope(t, "original")
	env.Payload.Note = "tampered"

	admitted, err := set.Admit(env)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if admitted {
		t.Error("tampered envelope was admitted")
	}
	if len(sink.pushed) != 0 {
		t.Error("tampered envelope reached the sink")
	}
}

func TestSeenSet_EvictsOldestAtCapacity(t *testing.T) {
	set, _, _ := openTestSet(t)

	first := testEnvelope(t, "first")
	if _, err := set.Admit(first); err != nil {
		t.Fatalf("admit first: %v", err)
	}

	for i := 0; i < capacity; i++ {
		if _, err := set.Admit(testEnvelope(t, fmt.Sprintf("filler-%d", i))); err != nil {
			t.Fatalf("admit filler %d: %v", i, err)
		}
	}

	if set.Len() != capacity {
		t.Errorf("Len = %d, want %d", set.Len(), capacity)
	}
	if set.Seen(first.Hash) {
		t.Error("oldest hash should have been evicted")
	}

	// The evicted envelope is re-admissible.
	admitted, err := set.Admit(first)
	if err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	if !admitted {
		t.Error("evicted envelope should be re-admissible")
	}
}

func TestSeenSet_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	set, err := Open(s, &captureSink{})
	if err != nil {
		t.Fatalf("open seen set: %v", err)
	}

	env := testEnvelope(t, "durable")
	if _, err := set.Admit(env); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	s2, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()

	sink2 := &captureSink{}
	set2, err := Open(s2, sink2)
	if err != nil {
		t.Fatalf("reopen seen set: %v", err)
	}

	admitted, err := set2.Admit(env)
	if err != nil {
		t.Fatalf("admit after reopen: %v", err)
	}
	if admitted {
		t.Error("hash admitted again after restart")
	}
	if len(sink2.pushed) != 0 {
		t.Error("duplicate reached the sink after restart")
	}
}

type failingSink struct {
	fail   bool
	pushed int
}

func (f *failingSink) Push(env envelope.Envelope) error {
	if f.fail {
		return fmt.Errorf("queue full")
	}
	f.pushed++
	return nil
}

func TestSeenSet_RollsBackOnSinkFailure(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sink := &failingSink{fail: true}
	set, err := Open(store, sink)
	if err != nil {
		t.Fatalf("open seen set: %v", err)
	}

	env := testEnvelope(t, "retry-me")

	if _, err := set.Admit(env); err == nil {
		t.Fatal("admit succeeded despite sink failure")
	}
	if set.Seen(env.Hash) {
		t.Error("hash stayed marked after failed admission")
	}

	sink.fail = false
	admitted, err := set.Admit(env)
	if err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	if !admitted {
		t.Error("envelope inadmissible after sink recovered")
	}
	if sink.pushed != 1 {
		t.Errorf("pushed = %d, want 1", sink.pushed)
	}

	// The failed admission must not have been persisted either.
	set2, err := Open(store, &failingSink{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !set2.Seen(env.Hash) {
		t.Error("successful admission lost on reopen")
	}
	if set2.Len() != 1 {
		t.Errorf("len after reopen = %d, want 1", set2.Len())
	}
}
