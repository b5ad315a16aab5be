package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/rtquiz/quizcore/internal/breaker"
	"github.com/rtquiz/quizcore/internal/errdefs"
	"github.com/rtquiz/quizcore/internal/metrics"
	"github.com/rtquiz/quizcore/internal/model"
)

// ErrFallbackNeedsID is returned when an update or delete arrives during an
// outage with a filter no identifier can be extracted from. Such writes
// cannot be queued because replay would have nothing to target.
var ErrFallbackNeedsID = errors.New("store fallback requires an identifiable document")

// Result reports the outcome of a facade write. UsedFallback is true when
// the durable store was bypassed and the write was queued instead.
type Result struct {
	InsertedID    string `json:"insertedId,omitempty"`
	MatchedCount  int64  `json:"matchedCount"`
	ModifiedCount int64  `json:"modifiedCount"`
	DeletedCount  int64  `json:"deletedCount"`
	UsedFallback  bool   `json:"usedFallback"`
}

// Facade gates durable-store CRUD behind a circuit breaker. While the
// breaker is open, reads serve from snapshots and writes are queued for the
// recovery worker.
type Facade struct {
	docs    Documents
	pending *PendingQueue
	breaker *breaker.Breaker
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds the facade with a database-preset breaker. Breaker options are
// exposed for tests.
func New(docs Documents, pending *PendingQueue, logger *zap.Logger, m *metrics.Metrics, opts ...breaker.Option) *Facade {
	// A duplicate key is the caller's problem, not an availability signal.
	opts = append([]breaker.Option{
		breaker.WithFailurePredicate(func(err error) bool {
			return err != nil && !IsDuplicateKey(err)
		}),
	}, opts...)
	br := breaker.ForDatabase("mongodb", opts...)

	f := &Facade{
		docs:    docs,
		pending: pending,
		breaker: br,
		logger:  logger,
		metrics: m,
	}
	br.OnStateChange(f.onBreakerTransition)
	return f
}

// Breaker exposes the underlying breaker for status reporting and manual
// reset.
func (f *Facade) Breaker() *breaker.Breaker { return f.breaker }

func (f *Facade) onBreakerTransition(name string, from, to breaker.State) {
	f.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	f.logger.Warn("durable store breaker transition",
		zap.String("dependency", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch {
	case to == breaker.Open:
		if err := f.pending.MarkUnavailable(ctx); err != nil {
			f.logger.Error("failed to mark store unavailable", zap.Error(err))
		}
	case from == breaker.Open:
		if err := f.pending.ClearUnavailable(ctx); err != nil {
			f.logger.Error("failed to clear store unavailable marker", zap.Error(err))
		}
	}
}

// idFields is the extraction order for pulling a document identity out of a
// filter or document.
var idFields = []string{"_id", "documentId", "id", "sessionId", "participantId", "quizId"}

func extractID(m bson.M) (string, bool) {
	for _, field := range idFields {
		if v, ok := m[field]; ok && v != nil {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
			return fmt.Sprintf("%v", v), true
		}
	}
	return "", false
}

func fallbackID() string {
	return fmt.Sprintf("fallback_%d_%08x", time.Now().UnixMilli(), rand.Uint32())
}

// FindOne reads a document. While the store is down it serves the latest
// snapshot when the filter identifies a document, and reports not-found
// otherwise.
func (f *Facade) FindOne(ctx context.Context, collection string, filter bson.M) (bson.M, bool, error) {
	var doc bson.M
	err := f.breaker.Execute(func() error {
		d, err := f.docs.FindOne(ctx, collection, filter)
		doc = d
		return err
	})
	var open *breaker.OpenError
	if errors.As(err, &open) {
		id, ok := extractID(filter)
		if !ok {
			return nil, false, nil
		}
		snap, found, err := f.pending.Snapshot(ctx, collection, id)
		if err != nil || !found {
			return nil, false, err
		}
		return bson.M(snap), true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc, doc != nil, nil
}

// Find reads documents in bulk. There is no bulk fallback; during an outage
// it returns an empty result.
func (f *Facade) Find(ctx context.Context, collection string, filter bson.M, opts FindOptions) ([]bson.M, error) {
	var docs []bson.M
	err := f.breaker.Execute(func() error {
		d, err := f.docs.Find(ctx, collection, filter, opts)
		docs = d
		return err
	})
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return nil, nil
	}
	return docs, err
}

// InsertOne writes a document. During an outage the insert is queued, a
// snapshot is stored for reads, and a synthetic identifier is returned when
// the document carries none.
func (f *Facade) InsertOne(ctx context.Context, collection string, doc bson.M) (Result, error) {
	var insertedID string
	err := f.breaker.Execute(func() error {
		id, err := f.docs.InsertOne(ctx, collection, doc)
		insertedID = id
		return err
	})
	var open *breaker.OpenError
	if errors.As(err, &open) {
		id, ok := extractID(doc)
		if !ok {
			id = fallbackID()
		}
		if err := f.pending.SaveSnapshot(ctx, collection, id, doc); err != nil {
			return Result{}, err
		}
		if err := f.pending.Enqueue(ctx, model.PendingWrite{
			Op:         model.PendingInsert,
			Collection: collection,
			ID:         id,
			Document:   doc,
		}); err != nil {
			return Result{}, err
		}
		return Result{InsertedID: id, UsedFallback: true}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{InsertedID: insertedID}, nil
}

// UpdateOne applies a $set update. During an outage the update is queued; a
// filter with no extractable identifier cannot be queued and fails with
// ErrFallbackNeedsID.
func (f *Facade) UpdateOne(ctx context.Context, collection string, filter, set bson.M, upsert bool) (Result, error) {
	var res UpdateResult
	err := f.breaker.Execute(func() error {
		r, err := f.docs.UpdateOne(ctx, collection, filter, set, upsert)
		res = r
		return err
	})
	var open *breaker.OpenError
	if errors.As(err, &open) {
		id, ok := extractID(filter)
		if !ok {
			return Result{}, fmt.Errorf("updateOne %s during outage: %w", collection, ErrFallbackNeedsID)
		}
		if err := f.pending.SaveSnapshot(ctx, collection, id, map[string]any{
			"filter": filter,
			"update": set,
			"upsert": upsert,
		}); err != nil {
			return Result{}, err
		}
		if err := f.pending.Enqueue(ctx, model.PendingWrite{
			Op:         model.PendingUpdate,
			Collection: collection,
			ID:         id,
			Filter:     filter,
			Update:     set,
		}); err != nil {
			return Result{}, err
		}
		return Result{UsedFallback: true}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{MatchedCount: res.MatchedCount, ModifiedCount: res.ModifiedCount, InsertedID: res.UpsertedID}, nil
}

// DeleteOne removes a document. During an outage the delete is queued; the
// filter must identify the document.
func (f *Facade) DeleteOne(ctx context.Context, collection string, filter bson.M) (Result, error) {
	var deleted int64
	err := f.breaker.Execute(func() error {
		n, err := f.docs.DeleteOne(ctx, collection, filter)
		deleted = n
		return err
	})
	var open *breaker.OpenError
	if errors.As(err, &open) {
		id, ok := extractID(filter)
		if !ok {
			return Result{}, fmt.Errorf("deleteOne %s during outage: %w", collection, ErrFallbackNeedsID)
		}
		if err := f.pending.Enqueue(ctx, model.PendingWrite{
			Op:         model.PendingDelete,
			Collection: collection,
			ID:         id,
			Filter:     filter,
		}); err != nil {
			return Result{}, err
		}
		return Result{UsedFallback: true}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{DeletedCount: deleted}, nil
}

// CountDocuments counts matches, reporting zero during an outage.
func (f *Facade) CountDocuments(ctx context.Context, collection string, filter bson.M) (int64, error) {
	var count int64
	err := f.breaker.Execute(func() error {
		n, err := f.docs.CountDocuments(ctx, collection, filter)
		count = n
		return err
	})
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return 0, nil
	}
	return count, err
}

// InsertMany writes a batch, unordered. The batcher calls this directly so a
// batch failure surfaces to its retry loop instead of queueing a hundred
// individual intents.
func (f *Facade) InsertMany(ctx context.Context, collection string, docs []bson.M) (int, error) {
	var inserted int
	err := f.breaker.Execute(func() error {
		n, err := f.docs.InsertMany(ctx, collection, docs)
		inserted = n
		return err
	})
	return inserted, err
}

// Healthy pings the store directly, bypassing the breaker. The recovery
// worker uses it to probe before draining the queue.
func (f *Facade) Healthy(ctx context.Context) bool {
	return f.docs.Ping(ctx) == nil
}

// RetryWithBackoff runs op up to maxAttempts times with delays of
// base*2^(attempt-1) capped at 5s, retrying only transient network-class
// errors.
func RetryWithBackoff(ctx context.Context, maxAttempts int, base time.Duration, op func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !errdefs.IsTransient(err) || attempt == maxAttempts {
			return err
		}
		delay := base << (attempt - 1)
		if delay > 5*time.Second {
			delay = 5 * time.Second
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
