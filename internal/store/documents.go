// Package store is the durable-store layer: a thin document interface over
// MongoDB, a circuit-breaker-wrapped facade with per-operation fallbacks,
// and the pending write queue that absorbs mutations during an outage.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names.
const (
	Quizzes      = "quizzes"
	Sessions     = "sessions"
	Participants = "participants"
	Answers      = "answers"
	AuditLogs    = "auditLogs"
)

// FindOptions narrows a Find call. A nil Sort means store order.
type FindOptions struct {
	Sort  bson.D
	Skip  int64
	Limit int64
}

// UpdateResult reports what an update touched.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedID    string
}

// Documents is the raw document-store surface the facade wraps. FindOne
// returns (nil, nil) when no document matches. InsertMany is unordered so a
// duplicate does not halt the rest of the batch.
type Documents interface {
	FindOne(ctx context.Context, collection string, filter bson.M) (bson.M, error)
	Find(ctx context.Context, collection string, filter bson.M, opts FindOptions) ([]bson.M, error)
	InsertOne(ctx context.Context, collection string, doc bson.M) (string, error)
	InsertMany(ctx context.Context, collection string, docs []bson.M) (int, error)
	UpdateOne(ctx context.Context, collection string, filter, set bson.M, upsert bool) (UpdateResult, error)
	DeleteOne(ctx context.Context, collection string, filter bson.M) (int64, error)
	CountDocuments(ctx context.Context, collection string, filter bson.M) (int64, error)
	Ping(ctx context.Context) error
}

// Mongo implements Documents against a MongoDB database.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials MongoDB with the pool and retry settings the platform
// expects and verifies the connection with a ping.
func Connect(ctx context.Context, uri, dbName string, connectTimeout, socketTimeout time.Duration) (*Mongo, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetMinPoolSize(10).
		SetMaxPoolSize(50).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetSocketTimeout(socketTimeout).
		SetRetryReads(true).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &Mongo{client: client, db: client.Database(dbName)}, nil
}

// Disconnect closes the connection pool.
func (m *Mongo) Disconnect(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes every collection relies on. Safe to call
// on every startup.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := map[string][]mongo.IndexModel{
		Sessions: {
			{Keys: bson.D{{Key: "joinCode", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "sessionId", Value: 1}}, Options: unique},
		},
		Participants: {
			{Keys: bson.D{{Key: "participantId", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "isActive", Value: 1}}},
			{Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "totalScore", Value: -1}}},
		},
		Answers: {
			{Keys: bson.D{{Key: "answerId", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "questionId", Value: 1}}},
			{Keys: bson.D{{Key: "participantId", Value: 1}, {Key: "questionId", Value: 1}}},
		},
		AuditLogs: {
			{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		},
	}
	for collection, models := range specs {
		if _, err := m.db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes for %s: %w", collection, err)
		}
	}
	return nil
}

func (m *Mongo) FindOne(ctx context.Context, collection string, filter bson.M) (bson.M, error) {
	var doc bson.M
	err := m.db.Collection(collection).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("findOne %s: %w", collection, err)
	}
	return doc, nil
}

func (m *Mongo) Find(ctx context.Context, collection string, filter bson.M, fo FindOptions) ([]bson.M, error) {
	opts := options.Find()
	if fo.Sort != nil {
		opts.SetSort(fo.Sort)
	}
	if fo.Skip > 0 {
		opts.SetSkip(fo.Skip)
	}
	if fo.Limit > 0 {
		opts.SetLimit(fo.Limit)
	}
	cursor, err := m.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer cursor.Close(ctx)
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("find %s: decode: %w", collection, err)
	}
	return docs, nil
}

func (m *Mongo) InsertOne(ctx context.Context, collection string, doc bson.M) (string, error) {
	res, err := m.db.Collection(collection).InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("insertOne %s: %w", collection, err)
	}
	return fmt.Sprintf("%v", res.InsertedID), nil
}

func (m *Mongo) InsertMany(ctx context.Context, collection string, docs []bson.M) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	payload := make([]any, len(docs))
	for i, d := range docs {
		payload[i] = d
	}
	res, err := m.db.Collection(collection).InsertMany(ctx, payload, options.InsertMany().SetOrdered(false))
	inserted := 0
	if res != nil {
		inserted = len(res.InsertedIDs)
	}
	if err != nil {
		return inserted, fmt.Errorf("insertMany %s: %w", collection, err)
	}
	return inserted, nil
}

func (m *Mongo) UpdateOne(ctx context.Context, collection string, filter, set bson.M, upsert bool) (UpdateResult, error) {
	opts := options.Update().SetUpsert(upsert)
	res, err := m.db.Collection(collection).UpdateOne(ctx, filter, bson.M{"$set": set}, opts)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("updateOne %s: %w", collection, err)
	}
	out := UpdateResult{MatchedCount: res.MatchedCount, ModifiedCount: res.ModifiedCount}
	if res.UpsertedID != nil {
		out.UpsertedID = fmt.Sprintf("%v", res.UpsertedID)
	}
	return out, nil
}

func (m *Mongo) DeleteOne(ctx context.Context, collection string, filter bson.M) (int64, error) {
	res, err := m.db.Collection(collection).DeleteOne(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("deleteOne %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

func (m *Mongo) CountDocuments(ctx context.Context, collection string, filter bson.M) (int64, error) {
	n, err := m.db.Collection(collection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("countDocuments %s: %w", collection, err)
	}
	return n, nil
}

// Ping runs the admin ping command.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

var reDuplicateKey = regexp.MustCompile(`(?i)(E11000|duplicate key)`)

// IsDuplicateKey reports whether err is a unique-index violation. Matches on
// the message as well, since errors replayed from the pending queue lose the
// driver's error types.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return mongo.IsDuplicateKeyError(err) || reDuplicateKey.MatchString(err.Error())
}
