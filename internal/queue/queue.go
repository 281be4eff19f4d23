package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"afetnet/internal/envelope"
	"afetnet/internal/logger"
	"afetnet/internal/storage"
)

const (
	// maxAttempts is the failure count at which an item is dropped
	// instead of rescheduled.
	maxAttempts = 10

	// droppedBuffer bounds the non-blocking dropped-item channel.
	droppedBuffer = 32
)

// Item priority classes, drained critical first, then high, then normal.
const (
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// keyPrefix namespaces queue entries in the shared store.
var keyPrefix = []byte("q:")

// Item is a queue-resident envelope with retry state. Attempts only
// increases and NextEligibleAt only moves forward.
type Item struct {
	ID             string           `json:"id"`
	Hash           string           `json:"hash"`
	CreatedAt      int64            `json:"createdAt"` // epoch millis, from the admitted envelope
	Payload        envelope.Payload `json:"payload"`
	Priority       string           `json:"priority"`
	Attempts       int              `json:"attempts"`
	LastError      string           `json:"lastError,omitempty"`
	EnqueuedAt     int64            `json:"enqueuedAt"`     // epoch millis
	NextEligibleAt int64            `json:"nextEligibleAt"` // epoch millis
}

// Envelope reconstructs the wire envelope for this item.
func (it Item) Envelope() envelope.Envelope {
	return envelope.Envelope{
		Kind:      envelope.KindHelp,
		Hash:      it.Hash,
		CreatedAt: it.CreatedAt,
		Payload:   it.Payload,
	}
}

// Stats summarizes queue contents.
type Stats struct {
	Pending  int
	Eligible int
	Critical int
}

// DrainResult reports the outcome of one drain pass.
type DrainResult struct {
	Attempted int
	Delivered int
	Failed    int
	Dropped   int
	Skipped   bool // another drain was already in flight
}

// Queue is the durable outbound retry queue. Every mutation is persisted
// so pending items survive restarts. At most one drain pass runs at a
// time; a concurrent drain request is a no-op.
type Queue struct {
	store    *storage.Store
	mu       sync.Mutex
	items    map[string]*Item
	draining atomic.Bool
	dropped  chan Item

	now func() time.Time
}

// Open loads persisted items from the store.
func Open(store *storage.Store) (*Queue, error) {
	q := &Queue{
		store:   store,
		items:   make(map[string]*Item),
		dropped: make(chan Item, droppedBuffer),
		now:     time.Now,
	}

	err := store.IteratePrefix([]byte(keyPrefix), func(key, value []byte) error {
		var it Item
		if err := json.Unmarshal(value, &it); err != nil {
			logger.Warn("skipping corrupt queue entry", "key", string(key), "error", err)
			return nil
		}
		q.items[it.ID] = &it
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	if len(q.items) > 0 {
		logger.Info("queue loaded", "pending", len(q.items))
	}

	return q, nil
}

// Push admits an envelope as a new pending item, immediately eligible.
// The item priority is derived from the payload priority class.
// Implements the sink the seen-set deduplicator feeds into.
func (q *Queue) Push(env envelope.Envelope) error {
	return q.PushPriority(env, priorityFor(env.Payload))
}

// PushPriority is Push with an explicit queue priority, for callers that
// outrank the payload's own class (an SOS flow enqueues critical).
func (q *Queue) PushPriority(env envelope.Envelope, priority string) error {
	now := q.now().UnixMilli()

	it := &Item{
		ID:             uuid.NewString(),
		Hash:           env.Hash,
		CreatedAt:      env.CreatedAt,
		Payload:        env.Payload,
		Priority:       priority,
		EnqueuedAt:     now,
		NextEligibleAt: now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items[it.ID] = it
	if err := q.persist(it); err != nil {
		delete(q.items, it.ID)
		return err
	}

	logger.Debug("queued", "id", it.ID, "hash", shortHash(it.Hash), "priority", it.Priority)

	return nil
}

// priorityFor maps a payload priority class onto a queue priority.
func priorityFor(p envelope.Payload) string {
	if p.Priority == envelope.PriorityHigh {
		return PriorityHigh
	}
	return PriorityNormal
}

// priorityRank orders critical before high before normal.
func priorityRank(priority string) int {
	switch priority {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	default:
		return 2
	}
}

// Items returns all pending items sorted by priority then age.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.sortedLocked(false, q.now().UnixMilli())
}

// Snapshot returns the envelopes of up to max pending items, highest
// priority and oldest first. Used by the out-of-band exchange.
func (q *Queue) Snapshot(max int) []envelope.Envelope {
	items := q.Items()
	if max > 0 && len(items) > max {
		items = items[:max]
	}

	envs := make([]envelope.Envelope, len(items))
	for i, it := range items {
		envs[i] = it.Envelope()
	}

	return envs
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Stats returns pending/eligible/critical counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixMilli()
	st := Stats{Pending: len(q.items)}
	for _, it := range q.items {
		if it.NextEligibleAt <= now {
			st.Eligible++
		}
		if it.Priority == PriorityCritical {
			st.Critical++
		}
	}

	return st
}

// Dropped exposes items removed after exhausting retries. The channel is
// buffered and never blocks the queue; slow consumers lose events.
func (q *Queue) Dropped() <-chan Item {
	return q.dropped
}

// Remove deletes an item regardless of state.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; !ok {
		return nil
	}

	delete(q.items, id)

	return q.store.Delete(itemKey(id))
}

// Clear removes all pending items.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.store.NewBatch()
	for id := range q.items {
		if err := batch.Delete(itemKey(id)); err != nil {
			return err
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}

	q.items = make(map[string]*Item)

	return nil
}

// Drain attempts every eligible item through send, applying the
// retry/backoff/drop state machine per outcome. When forced, backoff
// eligibility is ignored. Returns Skipped=true without doing work if a
// drain is already in flight.
func (q *Queue) Drain(ctx context.Context, forced bool, send func(context.Context, envelope.Envelope) error) DrainResult {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}
	}
	defer q.draining.Store(false)

	now := q.now().UnixMilli()

	q.mu.Lock()
	eligible := q.sortedLocked(!forced, now)
	q.mu.Unlock()

	var res DrainResult

	for _, it := range eligible {
		if ctx.Err() != nil {
			break
		}

		res.Attempted++

		err := send(ctx, it.Envelope())
		if err == nil {
			res.Delivered++
			if rmErr := q.Remove(it.ID); rmErr != nil {
				logger.Warn("remove delivered item", "id", it.ID, "error", rmErr)
			}
			continue
		}

		if q.recordFailure(it.ID, err) {
			res.Dropped++
		} else {
			res.Failed++
		}
	}

	if res.Attempted > 0 {
		logger.Info("drain pass",
			"attempted", res.Attempted,
			"delivered", res.Delivered,
			"failed", res.Failed,
			"dropped", res.Dropped,
		)
	}

	return res
}

// recordFailure advances an item's retry state. Returns true if the item
// was dropped for reaching maxAttempts.
func (q *Queue) recordFailure(id string, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return false
	}

	it.Attempts++
	it.LastError = cause.Error()

	if it.Attempts >= maxAttempts {
		delete(q.items, id)
		if err := q.store.Delete(itemKey(id)); err != nil {
			logger.Warn("delete dropped item", "id", id, "error", err)
		}

		logger.Warn("item dropped after max attempts",
			"id", id,
			"hash", shortHash(it.Hash),
			"attempts", it.Attempts,
		)

		select {
		case q.dropped <- *it:
		default:
		}

		return true
	}

	it.NextEligibleAt = q.now().Add(Backoff(it.Attempts)).UnixMilli()
	if err := q.persist(it); err != nil {
		logger.Warn("persist failed item", "id", id, "error", err)
	}

	return false
}

// sortedLocked returns items ordered by priority rank then enqueue age.
// With onlyEligible, items still in backoff are excluded.
func (q *Queue) sortedLocked(onlyEligible bool, now int64) []Item {
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		if onlyEligible && it.NextEligibleAt > now {
			continue
		}
		out = append(out, *it)
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := priorityRank(out[i].Priority), priorityRank(out[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return out[i].EnqueuedAt < out[j].EnqueuedAt
	})

	return out
}

// persist writes one item. Callers hold q.mu.
func (q *Queue) persist(it *Item) error {
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal item %s: %w", it.ID, err)
	}

	return q.store.Set(itemKey(it.ID), data)
}

func itemKey(id string) []byte {
	return append(append([]byte{}, keyPrefix...), id...)
}

// shortHash truncates a content hash for log lines.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
