// Package dedup keeps a bounded, persistent set of already-processed
// envelope hashes. Every inbound path (radio reassembly, LAN link, pack
// import) funnels through Admit, so an envelope is enqueued at most once
// no matter how many transports deliver it.
package dedup

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"afetnet/internal/envelope"
	"afetnet/internal/logger"
	"afetnet/internal/storage"
)

const (
	// capacity bounds the seen set. When full, the oldest recorded hash
	// is evicted, so a very old envelope can in principle be re-admitted.
	capacity = 5000

	keyPrefix = "s:"
)

// Sink receives envelopes that passed deduplication. The retry queue
// implements it.
type Sink interface {
	Push(env envelope.Envelope) error
}

// SeenSet is the admission chokepoint. Hashes are persisted with a
// monotonic sequence number so insertion order survives restarts.
type SeenSet struct {
	store *storage.Store
	sink  Sink

	mu      sync.Mutex
	seen    map[string]uint64
	order   []string // hashes in insertion order, oldest first
	nextSeq uint64
}

// Open loads the persisted seen set and attaches the sink.
func Open(store *storage.Store, sink Sink) (*SeenSet, error) {
	s := &SeenSet{
		store: store,
		sink:  sink,
		seen:  make(map[string]uint64),
	}

	err := store.IteratePrefix([]byte(keyPrefix), func(key, value []byte) error {
		if len(value) != 8 {
			logger.Warn("skipping corrupt seen entry", "key", string(key))
			return nil
		}
		hash := string(key[len(keyPrefix):])
		s.seen[hash] = binary.BigEndian.Uint64(value)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load seen set: %w", err)
	}

	s.order = make([]string, 0, len(s.seen))
	for hash := range s.seen {
		s.order = append(s.order, hash)
	}
	sort.Slice(s.order, func(i, j int) bool {
		return s.seen[s.order[i]] < s.seen[s.order[j]]
	})
	if n := len(s.order); n > 0 {
		s.nextSeq = s.seen[s.order[n-1]] + 1
	}

	return s, nil
}

// Admit verifies the envelope, records its hash and hands it to the
// sink. Returns true only when the envelope was newly admitted; a
// duplicate or an unverifiable envelope is silently absorbed.
func (s *SeenSet) Admit(env envelope.Envelope) (bool, error) {
	if !envelope.Verify(env) {
		logger.Debug("rejecting unverifiable envelope", "hash", env.Hash)
		return false, nil
	}

	s.mu.Lock()
	if _, dup := s.seen[env.Hash]; dup {
		s.mu.Unlock()
		return false, nil
	}

	seq := s.nextSeq
	s.nextSeq++
	s.seen[env.Hash] = seq
	s.order = append(s.order, env.Hash)

	var evicted string
	var evictedSeq uint64
	if len(s.order) > capacity {
		evicted = s.order[0]
		evictedSeq = s.seen[evicted]
		s.order = s.order[1:]
		delete(s.seen, evicted)
	}
	s.mu.Unlock()

	if err := s.persist(env.Hash, seq, evicted); err != nil {
		s.rollback(env.Hash, evicted, evictedSeq)
		return false, err
	}

	if err := s.sink.Push(env); err != nil {
		s.rollback(env.Hash, evicted, evictedSeq)
		return false, fmt.Errorf("push admitted envelope: %w", err)
	}

	return true, nil
}

// rollback forgets a hash whose admission could not complete, so the
// envelope stays admissible on the next delivery. The entry it evicted
// is restored.
func (s *SeenSet) rollback(hash, evicted string, evictedSeq uint64) {
	s.mu.Lock()
	delete(s.seen, hash)
	for i := len(s.order) - 1; i >= 0; i-- {
		if s.order[i] == hash {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if evicted != "" {
		s.seen[evicted] = evictedSeq
		s.order = append([]string{evicted}, s.order...)
	}
	s.mu.Unlock()

	b := s.store.NewBatch()
	b.Delete([]byte(keyPrefix + hash))
	if evicted != "" {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], evictedSeq)
		b.Set([]byte(keyPrefix+evicted), buf[:])
	}
	if err := b.Commit(); err != nil {
		logger.Warn("roll back seen hash", "hash", hash, "error", err)
	}
}

// Seen reports whether a hash is currently in the set, without
// recording anything.
func (s *SeenSet) Seen(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[hash]
	return ok
}

// Len returns the number of recorded hashes.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *SeenSet) persist(hash string, seq uint64, evicted string) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)

	b := s.store.NewBatch()
	b.Set([]byte(keyPrefix+hash), buf[:])
	if evicted != "" {
		b.Delete([]byte(keyPrefix + evicted))
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("persist seen hash: %w", err)
	}

	return nil
}
