package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rtquiz/quizcore/internal/cache"
	"github.com/rtquiz/quizcore/internal/metrics"
	"github.com/rtquiz/quizcore/internal/model"
)

// Pending queue key layout. The queue lives in the cache so it survives a
// process restart as long as the cache does; when both stores are down the
// cache facade's in-memory fallback absorbs it, which is best-effort only.
const (
	pendingListKey = "fallback:mongodb:pending"
	unavailableKey = "mongodb:unavailable"

	unavailableTTL = 5 * time.Minute
	snapshotTTL    = time.Hour
)

func snapshotKey(collection, id string) string {
	return "fallback:mongodb:" + collection + ":" + id
}

// PendingQueue is the FIFO of deferred durable-store writes plus the
// store-wide unavailable marker and per-document snapshots.
type PendingQueue struct {
	cache   *cache.Facade
	metrics *metrics.Metrics
}

// NewPendingQueue wires the queue to its cache backing.
func NewPendingQueue(c *cache.Facade, m *metrics.Metrics) *PendingQueue {
	return &PendingQueue{cache: c, metrics: m}
}

// Enqueue prepends a write intent, so the list is newest-first and the
// oldest intent sits at the tail.
func (q *PendingQueue) Enqueue(ctx context.Context, w model.PendingWrite) error {
	if w.EnqueuedAt.IsZero() {
		w.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal pending write: %w", err)
	}
	n, err := q.cache.ListPrepend(ctx, pendingListKey, string(raw))
	if err != nil {
		return fmt.Errorf("enqueue pending write: %w", err)
	}
	q.metrics.PendingWrites.Set(float64(n))
	return nil
}

// List returns every queued write, newest first.
func (q *PendingQueue) List(ctx context.Context) ([]model.PendingWrite, error) {
	raws, err := q.cache.ListRange(ctx, pendingListKey)
	if err != nil {
		return nil, fmt.Errorf("list pending writes: %w", err)
	}
	writes := make([]model.PendingWrite, 0, len(raws))
	for _, raw := range raws {
		var w model.PendingWrite
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("unmarshal pending write: %w", err)
		}
		writes = append(writes, w)
	}
	return writes, nil
}

// Count returns the queue depth.
func (q *PendingQueue) Count(ctx context.Context) (int64, error) {
	n, err := q.cache.ListLen(ctx, pendingListKey)
	if err != nil {
		return 0, fmt.Errorf("count pending writes: %w", err)
	}
	q.metrics.PendingWrites.Set(float64(n))
	return n, nil
}

// RemoveOldest pops up to n writes from the tail and returns how many were
// removed.
func (q *PendingQueue) RemoveOldest(ctx context.Context, n int) (int, error) {
	removed := 0
	for i := 0; i < n; i++ {
		_, found, err := q.cache.ListPopTail(ctx, pendingListKey)
		if err != nil {
			return removed, fmt.Errorf("remove oldest pending write: %w", err)
		}
		if !found {
			break
		}
		removed++
	}
	if depth, err := q.cache.ListLen(ctx, pendingListKey); err == nil {
		q.metrics.PendingWrites.Set(float64(depth))
	}
	return removed, nil
}

// Clear drops the whole queue.
func (q *PendingQueue) Clear(ctx context.Context) error {
	if err := q.cache.Delete(ctx, pendingListKey); err != nil {
		return fmt.Errorf("clear pending writes: %w", err)
	}
	q.metrics.PendingWrites.Set(0)
	return nil
}

// SaveSnapshot stores the latest known document state for reads during the
// outage.
func (q *PendingQueue) SaveSnapshot(ctx context.Context, collection, id string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := q.cache.Set(ctx, snapshotKey(collection, id), string(raw), snapshotTTL); err != nil {
		return fmt.Errorf("save snapshot %s/%s: %w", collection, id, err)
	}
	return nil
}

// Snapshot loads the latest snapshot for a document, if any.
func (q *PendingQueue) Snapshot(ctx context.Context, collection, id string) (map[string]any, bool, error) {
	raw, found, err := q.cache.Get(ctx, snapshotKey(collection, id))
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s/%s: %w", collection, id, err)
	}
	if !found {
		return nil, false, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("unmarshal snapshot %s/%s: %w", collection, id, err)
	}
	return doc, true, nil
}

// DeleteSnapshot removes a snapshot after its write has been replayed.
func (q *PendingQueue) DeleteSnapshot(ctx context.Context, collection, id string) error {
	return q.cache.Delete(ctx, snapshotKey(collection, id))
}

// MarkUnavailable sets the store-wide outage marker. The TTL means a stuck
// marker self-heals if nothing refreshes it.
func (q *PendingQueue) MarkUnavailable(ctx context.Context) error {
	return q.cache.Set(ctx, unavailableKey, "1", unavailableTTL)
}

// ClearUnavailable removes the outage marker.
func (q *PendingQueue) ClearUnavailable(ctx context.Context) error {
	return q.cache.Delete(ctx, unavailableKey)
}

// Unavailable reports whether the outage marker is set.
func (q *PendingQueue) Unavailable(ctx context.Context) (bool, error) {
	_, found, err := q.cache.Get(ctx, unavailableKey)
	if err != nil {
		return false, err
	}
	return found, nil
}
