// Package recovery drains the pending write queue back into the durable
// store once it comes back from an outage. Replays go straight to the raw
// document layer so an open circuit breaker cannot re-queue them.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/rtquiz/quizcore/internal/alert"
	"github.com/rtquiz/quizcore/internal/errdefs"
	"github.com/rtquiz/quizcore/internal/metrics"
	"github.com/rtquiz/quizcore/internal/model"
	"github.com/rtquiz/quizcore/internal/store"
)

// Status is the worker lifecycle state.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusRunning    Status = "running"
	StatusRecovering Status = "recovering"
)

// Config tunes the worker. Zero fields fall back to the defaults.
type Config struct {
	CheckInterval time.Duration
	BatchSize     int
	RetryDelay    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 30 * time.Second,
		BatchSize:     10,
		RetryDelay:    time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// Stats is a snapshot of worker activity.
type Stats struct {
	TotalTicks      int64     `json:"totalTicks"`
	TotalRecoveries int64     `json:"totalRecoveries"`
	TotalProcessed  int64     `json:"totalProcessed"`
	TotalFailed     int64     `json:"totalFailed"`
	LastTickAt      time.Time `json:"lastTickAt,omitzero"`
	LastResult      string    `json:"lastResult,omitempty"`
}

// Worker periodically checks the unavailable marker and replays queued
// writes oldest-first.
type Worker struct {
	docs    store.Documents
	pending *store.PendingQueue
	logger  *zap.Logger
	alerts  *alert.Notifier
	metrics *metrics.Metrics

	mu         sync.Mutex
	cfg        Config
	status     Status
	stats      Stats
	recovering bool
	stopCh     chan struct{}
	doneCh     chan struct{}

	triggerCh chan struct{}
}

// New builds a stopped worker.
func New(docs store.Documents, pending *store.PendingQueue, logger *zap.Logger, alerts *alert.Notifier, m *metrics.Metrics, cfg Config) *Worker {
	return &Worker{
		docs:      docs,
		pending:   pending,
		logger:    logger,
		alerts:    alerts,
		metrics:   m,
		cfg:       cfg.withDefaults(),
		status:    StatusStopped,
		triggerCh: make(chan struct{}, 1),
	}
}

// Start launches the background loop with one immediate check. Idempotent.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.status != StatusStopped {
		w.mu.Unlock()
		return
	}
	w.status = StatusRunning
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stop, done := w.stopCh, w.doneCh
	w.mu.Unlock()

	w.logger.Info("recovery worker started", zap.Duration("checkInterval", w.checkInterval()))
	go w.run(ctx, stop, done)
}

// Stop halts the loop and waits for it to exit. Idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.status == StatusStopped {
		w.mu.Unlock()
		return
	}
	w.status = StatusStopped
	stop, done := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stop)
	<-done
	w.logger.Info("recovery worker stopped")
}

// TriggerNow requests an immediate check without waiting for the interval.
func (w *Worker) TriggerNow() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Status returns the lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.recovering {
		return StatusRecovering
	}
	return w.status
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// ResetStats zeroes the counters.
func (w *Worker) ResetStats() {
	w.mu.Lock()
	w.stats = Stats{}
	w.mu.Unlock()
}

// Configure applies new settings. The check interval takes effect on the
// next loop iteration.
func (w *Worker) Configure(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
}

func (w *Worker) checkInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.CheckInterval
}

func (w *Worker) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	w.tick(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-w.triggerCh:
			w.tick(ctx)
		case <-time.After(w.checkInterval()):
			w.tick(ctx)
		}
	}
}

// tick runs one recovery check. A tick that arrives while a recovery is in
// progress is rejected.
func (w *Worker) tick(ctx context.Context) {
	w.mu.Lock()
	w.stats.TotalTicks++
	w.stats.LastTickAt = time.Now()
	w.mu.Unlock()

	unavailable, err := w.pending.Unavailable(ctx)
	if err != nil {
		w.logger.Warn("recovery check failed reading unavailable marker", zap.Error(err))
		return
	}
	if !unavailable {
		return
	}

	count, err := w.pending.Count(ctx)
	if err != nil {
		w.logger.Warn("recovery check failed reading queue depth", zap.Error(err))
		return
	}
	if count == 0 {
		// Outage marker with nothing queued: nothing to replay.
		if err := w.pending.ClearUnavailable(ctx); err != nil {
			w.logger.Warn("failed to clear stale unavailable marker", zap.Error(err))
		}
		return
	}

	if err := w.docs.Ping(ctx); err != nil {
		w.logger.Debug("durable store still unavailable", zap.Error(err))
		return
	}

	w.mu.Lock()
	if w.recovering {
		w.mu.Unlock()
		return
	}
	w.recovering = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.recovering = false
		w.mu.Unlock()
	}()

	w.recover(ctx, count)
}

func (w *Worker) recover(ctx context.Context, queued int64) {
	start := time.Now()
	w.mu.Lock()
	w.stats.TotalRecoveries++
	batchSize := w.cfg.BatchSize
	w.mu.Unlock()

	w.alerts.Emit(alert.Info, "recovery", "durable store recovery started", map[string]any{
		"pending": queued,
	})

	writes, err := w.pending.List(ctx)
	if err != nil {
		w.logger.Error("failed to read pending writes", zap.Error(err))
		w.finish(start, 0, 0, "read failed")
		return
	}
	// The queue is newest-first; replay oldest-first.
	for i, j := 0, len(writes)-1; i < j; i, j = i+1, j-1 {
		writes[i], writes[j] = writes[j], writes[i]
	}

	var processed, failed int64
	aborted := false
	for offset := 0; offset < len(writes); offset += batchSize {
		end := offset + batchSize
		if end > len(writes) {
			end = len(writes)
		}
		batch := writes[offset:end]

		batchFailed := 0
		for _, pw := range batch {
			if err := w.apply(ctx, pw); err != nil {
				batchFailed++
				failed++
				w.metrics.RecoveryFailedTotal.Inc()
				w.logger.Error("pending write replay failed",
					zap.String("op", string(pw.Op)),
					zap.String("collection", pw.Collection),
					zap.String("id", pw.ID),
					zap.Error(err))
				continue
			}
			processed++
			w.metrics.RecoveryProcessedTotal.Inc()
			if err := w.pending.DeleteSnapshot(ctx, pw.Collection, pw.ID); err != nil {
				w.logger.Warn("failed to delete replayed snapshot",
					zap.String("collection", pw.Collection),
					zap.String("id", pw.ID),
					zap.Error(err))
			}
		}

		if batchFailed > 0 {
			// The store may have gone down again mid-drain.
			if err := w.docs.Ping(ctx); err != nil {
				aborted = true
				break
			}
			// Store is healthy but rejected the writes: drop them so a
			// poison write cannot wedge the queue.
		}
		if _, err := w.pending.RemoveOldest(ctx, len(batch)); err != nil {
			w.logger.Error("failed to trim pending queue", zap.Error(err))
			aborted = true
			break
		}
	}

	switch {
	case aborted:
		w.metrics.RecoveryRunsTotal.WithLabelValues("aborted").Inc()
		w.alerts.Emit(alert.Critical, "recovery", "recovery aborted, store went down mid-drain", map[string]any{
			"processed": processed,
			"failed":    failed,
		})
		w.finish(start, processed, failed, "aborted")
	case failed > 0:
		w.metrics.RecoveryRunsTotal.WithLabelValues("partial").Inc()
		w.clearOutage(ctx)
		w.alerts.Emit(alert.Warning, "recovery", "recovery completed with errors", map[string]any{
			"processed": processed,
			"failed":    failed,
		})
		w.finish(start, processed, failed, "completed with errors")
	default:
		w.metrics.RecoveryRunsTotal.WithLabelValues("success").Inc()
		w.clearOutage(ctx)
		w.alerts.Emit(alert.Info, "recovery", "durable store recovery completed", map[string]any{
			"processed": processed,
			"elapsed":   time.Since(start).String(),
		})
		w.finish(start, processed, failed, "completed")
	}
}

// clearOutage clears the marker and whatever is left of the drained list.
func (w *Worker) clearOutage(ctx context.Context) {
	if err := w.pending.Clear(ctx); err != nil {
		w.logger.Warn("failed to clear pending list", zap.Error(err))
	}
	if err := w.pending.ClearUnavailable(ctx); err != nil {
		w.logger.Warn("failed to clear unavailable marker", zap.Error(err))
	}
}

func (w *Worker) finish(start time.Time, processed, failed int64, result string) {
	w.metrics.RecoveryDuration.Observe(time.Since(start).Seconds())
	w.mu.Lock()
	w.stats.TotalProcessed += processed
	w.stats.TotalFailed += failed
	w.stats.LastResult = fmt.Sprintf("%s: %d processed, %d failed", result, processed, failed)
	w.mu.Unlock()
}

// apply replays one pending write, retrying transient failures. A duplicate
// key on insert or a no-match on delete means the write already took effect
// and counts as resolved.
func (w *Worker) apply(ctx context.Context, pw model.PendingWrite) error {
	op := func() error {
		switch pw.Op {
		case model.PendingInsert:
			doc := bson.M{"documentId": pw.ID}
			for k, v := range pw.Document {
				doc[k] = v
			}
			_, err := w.docs.InsertOne(ctx, pw.Collection, doc)
			if store.IsDuplicateKey(err) {
				return nil
			}
			return err
		case model.PendingUpdate:
			_, err := w.docs.UpdateOne(ctx, pw.Collection, bson.M{"documentId": pw.ID}, bson.M(pw.Update), true)
			return err
		case model.PendingDelete:
			filter := bson.M{"documentId": pw.ID}
			if len(pw.Filter) > 0 {
				filter = bson.M(pw.Filter)
			}
			_, err := w.docs.DeleteOne(ctx, pw.Collection, filter)
			return err
		default:
			return fmt.Errorf("unknown pending op %q", pw.Op)
		}
	}

	w.mu.Lock()
	retryDelay := w.cfg.RetryDelay
	w.mu.Unlock()

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !errdefs.IsTransient(err) || attempt == 3 {
			return err
		}
		select {
		case <-time.After(retryDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
