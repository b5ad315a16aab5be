package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/rtquiz/quizcore/internal/alert"
	"github.com/rtquiz/quizcore/internal/cache"
	"github.com/rtquiz/quizcore/internal/metrics"
	"github.com/rtquiz/quizcore/internal/model"
)

// fakeDocuments serves canned documents and can be switched into failure
// mode to trip the breaker.
type fakeDocuments struct {
	err   error
	docs  map[string]bson.M // keyed by collection + "/" + documentId
	calls int
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{docs: make(map[string]bson.M)}
}

func (d *fakeDocuments) key(collection string, filter bson.M) string {
	id, _ := extractID(filter)
	return collection + "/" + id
}

func (d *fakeDocuments) FindOne(ctx context.Context, collection string, filter bson.M) (bson.M, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	doc, ok := d.docs[d.key(collection, filter)]
	if !ok {
		return nil, nil
	}
	return doc, nil
}

func (d *fakeDocuments) Find(ctx context.Context, collection string, filter bson.M, opts FindOptions) ([]bson.M, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	var out []bson.M
	for k, doc := range d.docs {
		if strings.HasPrefix(k, collection+"/") {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (d *fakeDocuments) InsertOne(ctx context.Context, collection string, doc bson.M) (string, error) {
	d.calls++
	if d.err != nil {
		return "", d.err
	}
	id, ok := extractID(doc)
	if !ok {
		id = "generated"
	}
	d.docs[collection+"/"+id] = doc
	return id, nil
}

func (d *fakeDocuments) InsertMany(ctx context.Context, collection string, docs []bson.M) (int, error) {
	d.calls++
	if d.err != nil {
		return 0, d.err
	}
	for _, doc := range docs {
		id, _ := extractID(doc)
		d.docs[collection+"/"+id] = doc
	}
	return len(docs), nil
}

func (d *fakeDocuments) UpdateOne(ctx context.Context, collection string, filter, set bson.M, upsert bool) (UpdateResult, error) {
	d.calls++
	if d.err != nil {
		return UpdateResult{}, d.err
	}
	k := d.key(collection, filter)
	doc, ok := d.docs[k]
	if !ok {
		if !upsert {
			return UpdateResult{}, nil
		}
		doc = bson.M{}
		for f, v := range filter {
			doc[f] = v
		}
		d.docs[k] = doc
		for f, v := range set {
			doc[f] = v
		}
		id, _ := extractID(filter)
		return UpdateResult{UpsertedID: id}, nil
	}
	for f, v := range set {
		doc[f] = v
	}
	return UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (d *fakeDocuments) DeleteOne(ctx context.Context, collection string, filter bson.M) (int64, error) {
	d.calls++
	if d.err != nil {
		return 0, d.err
	}
	k := d.key(collection, filter)
	if _, ok := d.docs[k]; !ok {
		return 0, nil
	}
	delete(d.docs, k)
	return 1, nil
}

func (d *fakeDocuments) CountDocuments(ctx context.Context, collection string, filter bson.M) (int64, error) {
	d.calls++
	if d.err != nil {
		return 0, d.err
	}
	var n int64
	for k := range d.docs {
		if strings.HasPrefix(k, collection+"/") {
			n++
		}
	}
	return n, nil
}

func (d *fakeDocuments) Ping(ctx context.Context) error { return d.err }

func newTestCache(t *testing.T) *cache.Facade {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	f := cache.New(client, zap.NewNop(), alert.New(zap.NewNop()), metrics.New())
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func newTestFacade(t *testing.T) (*Facade, *fakeDocuments, *PendingQueue) {
	t.Helper()
	docs := newFakeDocuments()
	pending := NewPendingQueue(newTestCache(t), metrics.New())
	f := New(docs, pending, zap.NewNop(), metrics.New())
	return f, docs, pending
}

// tripBreaker drives the facade's breaker open with consecutive failures.
func tripBreaker(t *testing.T, f *Facade, docs *fakeDocuments) {
	t.Helper()
	docs.err = errors.New("connection refused")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, _, err := f.FindOne(ctx, Sessions, bson.M{"sessionId": "s1"}); err == nil {
			t.Fatal("expected failure while tripping breaker")
		}
	}
}

func TestFindOnePassthrough(t *testing.T) {
	f, docs, _ := newTestFacade(t)
	ctx := context.Background()

	docs.docs["sessions/s1"] = bson.M{"sessionId": "s1", "joinCode": "ABC123"}

	doc, found, err := f.FindOne(ctx, Sessions, bson.M{"sessionId": "s1"})
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if doc["joinCode"] != "ABC123" {
		t.Fatalf("unexpected doc %v", doc)
	}

	if _, found, err := f.FindOne(ctx, Sessions, bson.M{"sessionId": "missing"}); err != nil || found {
		t.Fatalf("expected clean not-found, got found=%v err=%v", found, err)
	}
}

func TestBreakerOpensAndMarksUnavailable(t *testing.T) {
	f, docs, pending := newTestFacade(t)
	ctx := context.Background()

	tripBreaker(t, f, docs)

	unavailable, err := pending.Unavailable(ctx)
	if err != nil {
		t.Fatalf("unavailable: %v", err)
	}
	if !unavailable {
		t.Fatal("breaker opened but unavailable marker not set")
	}

	// Subsequent calls fail fast without reaching the store.
	before := docs.calls
	if _, _, err := f.FindOne(ctx, Sessions, bson.M{"noid": true}); err != nil {
		t.Fatalf("open-breaker findOne should fall back cleanly: %v", err)
	}
	if docs.calls != before {
		t.Fatal("store was called while the breaker was open")
	}
}

func TestInsertOneFallbackQueuesAndSnapshots(t *testing.T) {
	f, docs, pending := newTestFacade(t)
	ctx := context.Background()
	tripBreaker(t, f, docs)

	res, err := f.InsertOne(ctx, Answers, bson.M{"answerId": "a1", "points": int64(50)})
	if err != nil {
		t.Fatalf("insert during outage: %v", err)
	}
	if !res.UsedFallback || res.InsertedID != "a1" {
		t.Fatalf("unexpected result %+v", res)
	}

	writes, err := pending.List(ctx)
	if err != nil || len(writes) != 1 {
		t.Fatalf("expected 1 pending write, got %d err=%v", len(writes), err)
	}
	w := writes[0]
	if w.Op != model.PendingInsert || w.Collection != Answers || w.ID != "a1" {
		t.Fatalf("unexpected pending write %+v", w)
	}

	// The snapshot makes the document readable during the outage.
	doc, found, err := f.FindOne(ctx, Answers, bson.M{"answerId": "a1"})
	if err != nil || !found {
		t.Fatalf("snapshot read: found=%v err=%v", found, err)
	}
	if doc["answerId"] != "a1" {
		t.Fatalf("unexpected snapshot %v", doc)
	}
}

func TestInsertOneFallbackSynthesisesID(t *testing.T) {
	f, docs, _ := newTestFacade(t)
	tripBreaker(t, f, docs)

	res, err := f.InsertOne(context.Background(), AuditLogs, bson.M{"action": "kick"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !strings.HasPrefix(res.InsertedID, "fallback_") {
		t.Fatalf("expected synthetic id, got %q", res.InsertedID)
	}
}

func TestUpdateAndDeleteFallbackNeedID(t *testing.T) {
	f, docs, pending := newTestFacade(t)
	ctx := context.Background()
	tripBreaker(t, f, docs)

	if _, err := f.UpdateOne(ctx, Participants, bson.M{"nickname": "ada"}, bson.M{"totalScore": 10}, false); !errors.Is(err, ErrFallbackNeedsID) {
		t.Fatalf("expected ErrFallbackNeedsID, got %v", err)
	}
	if _, err := f.DeleteOne(ctx, Participants, bson.M{"nickname": "ada"}); !errors.Is(err, ErrFallbackNeedsID) {
		t.Fatalf("expected ErrFallbackNeedsID, got %v", err)
	}

	res, err := f.UpdateOne(ctx, Participants, bson.M{"participantId": "p1"}, bson.M{"totalScore": 10}, true)
	if err != nil || !res.UsedFallback {
		t.Fatalf("update fallback: res=%+v err=%v", res, err)
	}
	res, err = f.DeleteOne(ctx, Participants, bson.M{"participantId": "p2"})
	if err != nil || !res.UsedFallback || res.DeletedCount != 0 {
		t.Fatalf("delete fallback: res=%+v err=%v", res, err)
	}

	writes, _ := pending.List(ctx)
	if len(writes) != 2 {
		t.Fatalf("expected 2 pending writes, got %d", len(writes))
	}
	// Newest first.
	if writes[0].Op != model.PendingDelete || writes[1].Op != model.PendingUpdate {
		t.Fatalf("unexpected queue order: %+v", writes)
	}
}

func TestBulkFallbacks(t *testing.T) {
	f, docs, _ := newTestFacade(t)
	ctx := context.Background()
	tripBreaker(t, f, docs)

	docs.docs["answers/a1"] = bson.M{"answerId": "a1"}
	list, err := f.Find(ctx, Answers, bson.M{}, FindOptions{})
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty bulk fallback, got %d err=%v", len(list), err)
	}
	n, err := f.CountDocuments(ctx, Answers, bson.M{})
	if err != nil || n != 0 {
		t.Fatalf("expected zero count fallback, got %d err=%v", n, err)
	}
}

func TestDuplicateKeyDoesNotTripBreaker(t *testing.T) {
	docs := newFakeDocuments()
	pending := NewPendingQueue(newTestCache(t), metrics.New())
	f := New(docs, pending, zap.NewNop(), metrics.New())
	ctx := context.Background()

	docs.err = errors.New("E11000 duplicate key error collection: quiz.answers")
	for i := 0; i < 10; i++ {
		if _, err := f.InsertOne(ctx, Answers, bson.M{"answerId": "a1"}); err == nil {
			t.Fatal("expected duplicate key error")
		}
	}
	docs.err = nil
	if _, err := f.InsertOne(ctx, Answers, bson.M{"answerId": "a1"}); err != nil {
		t.Fatalf("breaker tripped on duplicate keys: %v", err)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	err := RetryWithBackoff(ctx, 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("i/o timeout")
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("expected success after 3 attempts, got attempts=%d err=%v", attempts, err)
	}

	attempts = 0
	err = RetryWithBackoff(ctx, 3, time.Millisecond, func() error {
		attempts++
		return errors.New("E11000 duplicate key error")
	})
	if err == nil || attempts != 1 {
		t.Fatalf("non-transient error should not retry: attempts=%d err=%v", attempts, err)
	}
}

func TestPendingQueueFIFO(t *testing.T) {
	pending := NewPendingQueue(newTestCache(t), metrics.New())
	ctx := context.Background()

	for _, id := range []string{"w1", "w2", "w3"} {
		err := pending.Enqueue(ctx, model.PendingWrite{
			Op:         model.PendingInsert,
			Collection: Answers,
			ID:         id,
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	n, err := pending.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("count: n=%d err=%v", n, err)
	}

	writes, err := pending.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if writes[0].ID != "w3" || writes[2].ID != "w1" {
		t.Fatalf("expected newest-first, got %+v", writes)
	}

	// RemoveOldest pops from the tail.
	removed, err := pending.RemoveOldest(ctx, 2)
	if err != nil || removed != 2 {
		t.Fatalf("removeOldest: removed=%d err=%v", removed, err)
	}
	writes, _ = pending.List(ctx)
	if len(writes) != 1 || writes[0].ID != "w3" {
		t.Fatalf("expected only w3 to remain, got %+v", writes)
	}

	if err := pending.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := pending.Count(ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	pending := NewPendingQueue(newTestCache(t), metrics.New())
	ctx := context.Background()

	if err := pending.SaveSnapshot(ctx, Sessions, "s1", map[string]any{"phase": "lobby"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	doc, found, err := pending.Snapshot(ctx, Sessions, "s1")
	if err != nil || !found || doc["phase"] != "lobby" {
		t.Fatalf("snapshot: doc=%v found=%v err=%v", doc, found, err)
	}
	if err := pending.DeleteSnapshot(ctx, Sessions, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := pending.Snapshot(ctx, Sessions, "s1"); found {
		t.Fatal("snapshot survived delete")
	}
}

func TestUnavailableMarker(t *testing.T) {
	pending := NewPendingQueue(newTestCache(t), metrics.New())
	ctx := context.Background()

	if up, _ := pending.Unavailable(ctx); up {
		t.Fatal("marker set before any outage")
	}
	if err := pending.MarkUnavailable(ctx); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if up, _ := pending.Unavailable(ctx); !up {
		t.Fatal("marker not visible")
	}
	if err := pending.ClearUnavailable(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if up, _ := pending.Unavailable(ctx); up {
		t.Fatal("marker survived clear")
	}
}
