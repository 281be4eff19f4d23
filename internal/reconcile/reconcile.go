package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"afetnet/internal/logger"
	"afetnet/internal/storage"
)

const (
	// maxRetries is the retry budget per item; beyond it the item is
	// dropped permanently.
	maxRetries = 10

	keyPrefix = "r:"
)

// Stats summarizes reconciler state.
type Stats struct {
	Pending  int
	Critical int
	Failing  int // items that have failed at least once
}

// DrainResult reports one reconciliation pass.
type DrainResult struct {
	Attempted int
	Synced    int
	Failed    int
	Dropped   int
	Skipped   bool
}

// Reconciler owns the durable sync queue and drains it to the remote
// service on each offline-to-online transition or explicit request. At
// most one pass runs at a time.
type Reconciler struct {
	store  *storage.Store
	remote Remote

	mu       sync.Mutex
	items    map[string]*SyncItem
	draining atomic.Bool
	online   atomic.Bool

	now func() time.Time
}

// Open loads persisted sync items.
func Open(store *storage.Store, remote Remote) (*Reconciler, error) {
	r := &Reconciler{
		store:  store,
		remote: remote,
		items:  make(map[string]*SyncItem),
		now:    time.Now,
	}

	err := store.IteratePrefix([]byte(keyPrefix), func(key, value []byte) error {
		var it SyncItem
		if err := json.Unmarshal(value, &it); err != nil {
			logger.Warn("skipping corrupt sync item", "key", string(key), "error", err)
			return nil
		}
		r.items[it.ID] = &it
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load sync queue: %w", err)
	}

	if len(r.items) > 0 {
		logger.Info("sync queue loaded", "pending", len(r.items))
	}

	return r, nil
}

// Enqueue adds an operation to the sync queue. A location update
// overwrites any pending location item in place (last-write-wins)
// instead of appending, so at most one unsynced location exists.
func (r *Reconciler) Enqueue(item SyncItem) error {
	if err := item.validate(); err != nil {
		return err
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Priority == "" {
		item.Priority = PriorityNormal
	}
	if item.Timestamp == 0 {
		item.Timestamp = r.now().UnixMilli()
	}

	r.mu.Lock()
	if item.Kind == KindLocation {
		for _, existing := range r.items {
			if existing.Kind == KindLocation && !existing.Synced {
				existing.Location = item.Location
				existing.Timestamp = item.Timestamp
				existing.Priority = item.Priority
				item = *existing
				r.mu.Unlock()

				logger.Debug("location update collapsed", "id", item.ID)
				return r.persist(&item)
			}
		}
	}
	r.items[item.ID] = &item
	r.mu.Unlock()

	return r.persist(&item)
}

// SetConnected feeds the connectivity observer. An offline-to-online
// transition starts a drain in the background.
func (r *Reconciler) SetConnected(ctx context.Context, connected bool) {
	was := r.online.Swap(connected)
	if !was && connected {
		logger.Info("connectivity restored, draining sync queue")
		go r.Drain(ctx)
	}
}

// Drain pushes every pending item to the remote service in priority
// order. A pass already in flight makes this a no-op.
func (r *Reconciler) Drain(ctx context.Context) DrainResult {
	if !r.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}
	}
	defer r.draining.Store(false)

	r.mu.Lock()
	pending := make([]SyncItem, 0, len(r.items))
	for _, it := range r.items {
		if !it.Synced {
			pending = append(pending, *it)
		}
	}
	r.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		pi, pj := priorityRank(pending[i].Priority), priorityRank(pending[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return pending[i].Timestamp < pending[j].Timestamp
	})

	var res DrainResult

	for _, it := range pending {
		if ctx.Err() != nil {
			break
		}

		res.Attempted++

		err := r.remote.Send(ctx, it)
		if err == nil {
			res.Synced++
			if rmErr := r.Remove(it.ID); rmErr != nil {
				logger.Warn("remove synced item", "id", it.ID, "error", rmErr)
			}
			continue
		}

		if r.recordFailure(it.ID, err) {
			res.Dropped++
		} else {
			res.Failed++
		}
	}

	if res.Attempted > 0 {
		logger.Info("sync pass",
			"attempted", res.Attempted,
			"synced", res.Synced,
			"failed", res.Failed,
			"dropped", res.Dropped,
		)
	}

	return res
}

// recordFailure advances retry state; true means the item was dropped
// for exhausting its retry budget.
func (r *Reconciler) recordFailure(id string, cause error) bool {
	r.mu.Lock()

	it, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	it.RetryCount++
	it.LastAttempt = r.now().UnixMilli()

	if it.RetryCount >= maxRetries {
		delete(r.items, id)
		r.mu.Unlock()

		if err := r.store.Delete([]byte(keyPrefix + id)); err != nil {
			logger.Warn("delete dropped sync item", "id", id, "error", err)
		}

		logger.Warn("sync item dropped after max retries",
			"id", id,
			"retries", it.RetryCount,
			"error", cause,
		)
		return true
	}

	snapshot := *it
	r.mu.Unlock()

	if err := r.persist(&snapshot); err != nil {
		logger.Warn("persist sync retry state", "id", id, "error", err)
	}

	return false
}

// Items returns a snapshot of pending operations.
func (r *Reconciler) Items() []SyncItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SyncItem, 0, len(r.items))
	for _, it := range r.items {
		out = append(out, *it)
	}
	return out
}

// Stats summarizes the queue.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	for _, it := range r.items {
		if it.Synced {
			continue
		}
		s.Pending++
		if it.Priority == PriorityCritical {
			s.Critical++
		}
		if it.RetryCount > 0 {
			s.Failing++
		}
	}
	return s
}

// Remove deletes one item.
func (r *Reconciler) Remove(id string) error {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()

	return r.store.Delete([]byte(keyPrefix + id))
}

// ClearFailed removes every item that has failed at least once.
func (r *Reconciler) ClearFailed() error {
	return r.clear(func(it *SyncItem) bool { return it.RetryCount > 0 })
}

// Clear empties the sync queue.
func (r *Reconciler) Clear() error {
	return r.clear(func(*SyncItem) bool { return true })
}

func (r *Reconciler) clear(match func(*SyncItem) bool) error {
	r.mu.Lock()

	batch := r.store.NewBatch()
	removed := 0
	for id, it := range r.items {
		if !match(it) {
			continue
		}
		delete(r.items, id)
		if err := batch.Delete([]byte(keyPrefix + id)); err != nil {
			r.mu.Unlock()
			return err
		}
		removed++
	}
	r.mu.Unlock()

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("clear sync queue: %w", err)
	}

	if removed > 0 {
		logger.Info("sync queue cleared", "removed", removed)
	}

	return nil
}

func (r *Reconciler) persist(it *SyncItem) error {
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal sync item: %w", err)
	}

	if err := r.store.Set([]byte(keyPrefix+it.ID), data); err != nil {
		return fmt.Errorf("persist sync item: %w", err)
	}

	return nil
}
