// Package batcher implements write-behind batching of answer submissions.
// Answers accumulate in memory and are flushed to the durable store as one
// unordered bulk insert, either when the buffer reaches the batch size or on
// a periodic timer.
package batcher

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/rtquiz/quizcore/internal/alert"
	"github.com/rtquiz/quizcore/internal/metrics"
	"github.com/rtquiz/quizcore/internal/model"
)

// Inserter is the slice of the store facade the batcher needs.
type Inserter interface {
	InsertMany(ctx context.Context, collection string, docs []bson.M) (int, error)
}

// Config tunes the batcher. Zero fields fall back to the defaults, except
// MaxRetries, where zero means a failed batch parks after its single insert
// attempt; a negative value selects the default.
type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		FlushInterval:  time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	return c
}

// Stats is a snapshot of batcher throughput.
type Stats struct {
	TotalAnswers      int64     `json:"totalAnswers"`
	SuccessfulBatches int64     `json:"successfulBatches"`
	FailedBatches     int64     `json:"failedBatches"`
	TotalRetries      int64     `json:"totalRetries"`
	AverageBatchSize  float64   `json:"averageBatchSize"`
	LastFlushAt       time.Time `json:"lastFlushAt,omitzero"`
	BufferSize        int       `json:"bufferSize"`
	FailedAnswers     int       `json:"failedAnswers"`
}

// Batcher buffers answers and flushes them in bulk. Safe for concurrent use.
type Batcher struct {
	store   Inserter
	logger  *zap.Logger
	alerts  *alert.Notifier
	metrics *metrics.Metrics

	mu         sync.Mutex
	cfg        Config
	buffer     []model.Answer
	failed     []model.Answer
	isFlushing bool
	isRunning  bool
	stats      Stats
	timer      *time.Timer
}

// New builds a stopped batcher. It starts automatically on the first added
// answer, or explicitly via Start.
func New(store Inserter, logger *zap.Logger, alerts *alert.Notifier, m *metrics.Metrics, cfg Config) *Batcher {
	return &Batcher{
		store:   store,
		logger:  logger,
		alerts:  alerts,
		metrics: m,
		cfg:     cfg.withDefaults(),
	}
}

// Start begins the periodic flush timer. Idempotent.
func (b *Batcher) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startLocked()
}

func (b *Batcher) startLocked() {
	if b.isRunning {
		return
	}
	b.isRunning = true
	b.timer = time.AfterFunc(b.cfg.FlushInterval, b.onTimer)
	b.logger.Info("answer batcher started",
		zap.Int("batchSize", b.cfg.BatchSize),
		zap.Duration("flushInterval", b.cfg.FlushInterval))
}

func (b *Batcher) onTimer() {
	b.Flush(context.Background())
	b.mu.Lock()
	if b.isRunning {
		b.timer.Reset(b.cfg.FlushInterval)
	}
	b.mu.Unlock()
}

// Stop cancels the timer and flushes the remaining buffer synchronously.
// Idempotent.
func (b *Batcher) Stop(ctx context.Context) {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return
	}
	b.isRunning = false
	b.timer.Stop()
	b.mu.Unlock()

	b.Flush(ctx)
	b.logger.Info("answer batcher stopped")
}

// AddAnswer buffers one answer, starting the batcher if needed. A full
// buffer triggers an immediate flush.
func (b *Batcher) AddAnswer(ctx context.Context, a model.Answer) {
	b.AddAnswers(ctx, []model.Answer{a})
}

// AddAnswers buffers several answers at once.
func (b *Batcher) AddAnswers(ctx context.Context, answers []model.Answer) {
	if len(answers) == 0 {
		return
	}
	b.mu.Lock()
	b.startLocked()
	b.buffer = append(b.buffer, answers...)
	b.stats.TotalAnswers += int64(len(answers))
	full := len(b.buffer) >= b.cfg.BatchSize
	b.mu.Unlock()

	b.metrics.BatcherAnswersTotal.Add(float64(len(answers)))
	if full {
		b.Flush(ctx)
	}
}

// Flush writes the current buffer as one unordered bulk insert. At most one
// flush runs at a time; a flush that loses the race returns immediately.
// Failed batches are retried with exponential delays and parked in the
// failed list when retries are exhausted.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.isFlushing || len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	b.isFlushing = true
	batch := b.buffer
	b.buffer = nil
	cfg := b.cfg
	b.mu.Unlock()

	err := b.insertWithRetries(ctx, batch, cfg)

	b.mu.Lock()
	b.isFlushing = false
	b.stats.LastFlushAt = time.Now()
	if err == nil {
		b.stats.SuccessfulBatches++
		total := b.stats.SuccessfulBatches
		b.stats.AverageBatchSize += (float64(len(batch)) - b.stats.AverageBatchSize) / float64(total)
	} else {
		b.stats.FailedBatches++
		b.failed = append(b.failed, batch...)
	}
	parked := len(b.failed)
	b.mu.Unlock()

	if err == nil {
		b.metrics.BatcherFlushesTotal.WithLabelValues("success").Inc()
		return
	}
	b.metrics.BatcherFlushesTotal.WithLabelValues("failure").Inc()
	b.metrics.BatcherParkedAnswers.Set(float64(parked))
	b.logger.Error("answer batch flush failed",
		zap.Int("batchSize", len(batch)),
		zap.Int("parked", parked),
		zap.Error(err))
	b.alerts.Emit(alert.Critical, "batcher", "answer batch failed after retries", map[string]any{
		"batchSize": len(batch),
		"parked":    parked,
	})
}

func (b *Batcher) insertWithRetries(ctx context.Context, batch []model.Answer, cfg Config) error {
	docs := make([]bson.M, len(batch))
	for i, a := range batch {
		docs[i] = answerDoc(a)
	}
	var err error
	for attempt := 0; ; attempt++ {
		_, err = b.store.InsertMany(ctx, "answers", docs)
		if err == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries {
			return err
		}
		b.metrics.BatcherRetriesTotal.Inc()
		b.mu.Lock()
		b.stats.TotalRetries++
		b.mu.Unlock()
		delay := cfg.RetryBaseDelay << attempt
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func answerDoc(a model.Answer) bson.M {
	doc := bson.M{
		"answerId":       a.AnswerID,
		"sessionId":      a.SessionID,
		"participantId":  a.ParticipantID,
		"questionId":     a.QuestionID,
		"submittedAt":    a.SubmittedAt,
		"responseTimeMs": a.ResponseTimeMs,
		"isCorrect":      a.IsCorrect,
		"pointsAwarded":  a.PointsAwarded,
		"streakCount":    a.StreakCount,
	}
	if len(a.SelectedOptions) > 0 {
		doc["selectedOptions"] = a.SelectedOptions
	}
	if a.TextAnswer != "" {
		doc["textAnswer"] = a.TextAnswer
	}
	if a.NumericAnswer != nil {
		doc["numericAnswer"] = *a.NumericAnswer
	}
	return doc
}

// RetryFailed drains the parked answers through the normal insert path,
// re-parking them on failure.
func (b *Batcher) RetryFailed(ctx context.Context) error {
	b.mu.Lock()
	if len(b.failed) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.failed
	b.failed = nil
	cfg := b.cfg
	b.mu.Unlock()

	err := b.insertWithRetries(ctx, batch, cfg)
	if err != nil {
		b.mu.Lock()
		b.failed = append(batch, b.failed...)
		parked := len(b.failed)
		b.mu.Unlock()
		b.metrics.BatcherParkedAnswers.Set(float64(parked))
		return err
	}
	b.mu.Lock()
	parked := len(b.failed)
	b.mu.Unlock()
	b.metrics.BatcherParkedAnswers.Set(float64(parked))
	b.logger.Info("parked answers recovered", zap.Int("count", len(batch)))
	return nil
}

// ClearFailed discards the parked answers.
func (b *Batcher) ClearFailed() {
	b.mu.Lock()
	b.failed = nil
	b.mu.Unlock()
	b.metrics.BatcherParkedAnswers.Set(0)
}

// FailedAnswers returns a copy of the parked answers.
func (b *Batcher) FailedAnswers() []model.Answer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Answer, len(b.failed))
	copy(out, b.failed)
	return out
}

// BufferSize returns the current buffer length.
func (b *Batcher) BufferSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Stats returns a snapshot of throughput counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.BufferSize = len(b.buffer)
	s.FailedAnswers = len(b.failed)
	return s
}

// ResetStats zeroes the counters. Buffer and parked answers are untouched.
func (b *Batcher) ResetStats() {
	b.mu.Lock()
	b.stats = Stats{}
	b.mu.Unlock()
}

// UpdateConfig applies new settings. A changed flush interval re-arms the
// running timer.
func (b *Batcher) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()
	b.mu.Lock()
	rearm := b.isRunning && cfg.FlushInterval != b.cfg.FlushInterval
	b.cfg = cfg
	if rearm {
		b.timer.Stop()
		b.timer = time.AfterFunc(cfg.FlushInterval, b.onTimer)
	}
	b.mu.Unlock()
}
