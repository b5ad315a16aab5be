// Package cache wraps the shared cache behind typed operations for quiz
// session state, participant sessions, leaderboards, answer buffers, rate
// limits and join codes. When the cache becomes unreachable the facade
// switches to an in-memory fallback so gameplay continues on this instance,
// and probes for recovery in the background.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rtquiz/quizcore/internal/alert"
	"github.com/rtquiz/quizcore/internal/metrics"
	"github.com/rtquiz/quizcore/internal/model"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 2 * time.Second
	warnInterval  = 30 * time.Second
	sweepInterval = 60 * time.Second
)

// Facade is the single entry point for cache access. All methods are safe
// for concurrent use.
type Facade struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	alerts  *alert.Notifier
	metrics *metrics.Metrics

	mem *memStore

	mu                sync.Mutex
	fallbackMode      bool
	fallbackEnteredAt time.Time
	lastProbeAt       time.Time
	lastWarnAt        map[string]time.Time

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New wraps an established client. The client's own dial and retry settings
// stay in effect; the facade only decides when to stop waiting on it.
func New(client redis.UniversalClient, logger *zap.Logger, alerts *alert.Notifier, m *metrics.Metrics) *Facade {
	return &Facade{
		client:     client,
		logger:     logger,
		alerts:     alerts,
		metrics:    m,
		mem:        newMemStore(),
		lastWarnAt: make(map[string]time.Time),
	}
}

// FallbackMode reports whether operations are currently served from memory.
func (f *Facade) FallbackMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fallbackMode
}

// FallbackSince returns when fallback mode was entered, zero if not active.
func (f *Facade) FallbackSince() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fallbackMode {
		return time.Time{}
	}
	return f.fallbackEnteredAt
}

// StartSweeper begins periodic eviction of expired in-memory entries. The
// sweeper runs regardless of fallback mode so stale entries never pile up
// between outages.
func (f *Facade) StartSweeper() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sweepStop != nil {
		return
	}
	f.sweepStop = make(chan struct{})
	f.sweepDone = make(chan struct{})
	go f.sweepLoop(f.sweepStop, f.sweepDone)
}

// StopSweeper stops the sweeper and waits for it to exit.
func (f *Facade) StopSweeper() {
	f.mu.Lock()
	stop, done := f.sweepStop, f.sweepDone
	f.sweepStop, f.sweepDone = nil, nil
	f.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (f *Facade) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			f.mem.sweep(now)
		}
	}
}

// Close releases the underlying client.
func (f *Facade) Close() error {
	f.StopSweeper()
	return f.client.Close()
}

// do routes one operation. Live errors that look like a lost connection flip
// the facade into fallback mode and the operation is retried against memory,
// so callers never see connectivity errors from the cache.
func (f *Facade) do(ctx context.Context, op string, live func(ctx context.Context) error, fb func() error) error {
	if f.inFallback(ctx) {
		f.recordFallback(op)
		return fb()
	}
	err := live(ctx)
	if err == nil || !isConnErr(err) {
		return err
	}
	f.enterFallback(op, err)
	f.recordFallback(op)
	return fb()
}

// inFallback reports fallback mode, probing for recovery at most once per
// probeInterval.
func (f *Facade) inFallback(ctx context.Context) bool {
	f.mu.Lock()
	if !f.fallbackMode {
		f.mu.Unlock()
		return false
	}
	if time.Since(f.lastProbeAt) < probeInterval {
		f.mu.Unlock()
		return true
	}
	f.lastProbeAt = time.Now()
	f.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := f.client.Ping(probeCtx).Err(); err != nil {
		return true
	}
	f.exitFallback()
	return false
}

func (f *Facade) enterFallback(op string, cause error) {
	f.mu.Lock()
	already := f.fallbackMode
	if !already {
		f.fallbackMode = true
		f.fallbackEnteredAt = time.Now()
		f.lastProbeAt = time.Now()
	}
	f.mu.Unlock()
	if already {
		return
	}
	f.metrics.CacheFallbackMode.Set(1)
	f.alerts.Emit(alert.Critical, "cache", "cache unreachable, serving from in-memory fallback", map[string]any{
		"operation": op,
		"cause":     cause.Error(),
	})
}

func (f *Facade) exitFallback() {
	f.mu.Lock()
	if !f.fallbackMode {
		f.mu.Unlock()
		return
	}
	outage := time.Since(f.fallbackEnteredAt)
	f.fallbackMode = false
	f.fallbackEnteredAt = time.Time{}
	f.mu.Unlock()

	f.metrics.CacheFallbackMode.Set(0)
	f.alerts.Emit(alert.Info, "cache", "cache connection restored", map[string]any{
		"outage": outage.String(),
	})
}

// recordFallback counts the degraded operation and warns at most once per
// warnInterval per operation name.
func (f *Facade) recordFallback(op string) {
	f.metrics.CacheFallbackOps.WithLabelValues(op).Inc()

	f.mu.Lock()
	last := f.lastWarnAt[op]
	warn := time.Since(last) >= warnInterval
	if warn {
		f.lastWarnAt[op] = time.Now()
	}
	f.mu.Unlock()
	if warn {
		f.logger.Warn("cache operation served from fallback", zap.String("operation", op))
	}
}

func isConnErr(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused", "connection reset", "broken pipe",
		"i/o timeout", "eof", "no such host", "client is closed",
		"connection pool timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// --- session state ---

// SetSessionState stores the authoritative session snapshot.
func (f *Facade) SetSessionState(ctx context.Context, state *model.SessionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	key := sessionStateKey(state.SessionID)
	return f.do(ctx, "set_session_state",
		func(ctx context.Context) error {
			return f.client.Set(ctx, key, raw, sessionStateTTL).Err()
		},
		func() error {
			f.mem.strings.set(key, string(raw), sessionStateTTL)
			return nil
		})
}

// SessionState loads a session snapshot. The second return is false when the
// session is not cached.
func (f *Facade) SessionState(ctx context.Context, sessionID string) (*model.SessionState, bool, error) {
	var raw string
	found := false
	key := sessionStateKey(sessionID)
	err := f.do(ctx, "get_session_state",
		func(ctx context.Context) error {
			v, err := f.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			raw, found = v, true
			return nil
		},
		func() error {
			raw, found = f.mem.strings.get(key)
			return nil
		})
	if err != nil || !found {
		return nil, false, err
	}
	var state model.SessionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, false, fmt.Errorf("unmarshal session state: %w", err)
	}
	return &state, true, nil
}

// UpdateSessionState applies mutate to the cached snapshot and writes it back
// with a fresh TTL. Returns an error when the session is not cached.
func (f *Facade) UpdateSessionState(ctx context.Context, sessionID string, mutate func(*model.SessionState)) error {
	state, found, err := f.SessionState(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("session %s not cached", sessionID)
	}
	mutate(state)
	return f.SetSessionState(ctx, state)
}

// DeleteSessionState removes the session snapshot.
func (f *Facade) DeleteSessionState(ctx context.Context, sessionID string) error {
	key := sessionStateKey(sessionID)
	return f.do(ctx, "delete_session_state",
		func(ctx context.Context) error { return f.client.Del(ctx, key).Err() },
		func() error { f.mem.strings.del(key); return nil })
}

// --- participant sessions ---

// SetParticipant stores a participant session with the presence TTL. The
// short TTL doubles as the liveness signal.
func (f *Facade) SetParticipant(ctx context.Context, p *model.ParticipantSession) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	key := participantKey(p.ParticipantID)
	return f.do(ctx, "set_participant",
		func(ctx context.Context) error {
			return f.client.Set(ctx, key, raw, participantTTL).Err()
		},
		func() error {
			f.mem.strings.set(key, string(raw), participantTTL)
			return nil
		})
}

// Participant loads a participant session.
func (f *Facade) Participant(ctx context.Context, participantID string) (*model.ParticipantSession, bool, error) {
	var raw string
	found := false
	key := participantKey(participantID)
	err := f.do(ctx, "get_participant",
		func(ctx context.Context) error {
			v, err := f.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			raw, found = v, true
			return nil
		},
		func() error {
			raw, found = f.mem.strings.get(key)
			return nil
		})
	if err != nil || !found {
		return nil, false, err
	}
	var p model.ParticipantSession
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false, fmt.Errorf("unmarshal participant: %w", err)
	}
	return &p, true, nil
}

// UpdateParticipant applies mutate and writes the entry back with a fresh TTL.
func (f *Facade) UpdateParticipant(ctx context.Context, participantID string, mutate func(*model.ParticipantSession)) error {
	p, found, err := f.Participant(ctx, participantID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("participant %s not cached", participantID)
	}
	mutate(p)
	return f.SetParticipant(ctx, p)
}

// RefreshParticipantTTL extends the presence window without rewriting the
// entry.
func (f *Facade) RefreshParticipantTTL(ctx context.Context, participantID string) error {
	key := participantKey(participantID)
	return f.do(ctx, "refresh_participant_ttl",
		func(ctx context.Context) error {
			return f.client.Expire(ctx, key, participantTTL).Err()
		},
		func() error {
			f.mem.strings.expire(key, participantTTL)
			return nil
		})
}

// DeleteParticipant removes a participant session.
func (f *Facade) DeleteParticipant(ctx context.Context, participantID string) error {
	key := participantKey(participantID)
	return f.do(ctx, "delete_participant",
		func(ctx context.Context) error { return f.client.Del(ctx, key).Err() },
		func() error { f.mem.strings.del(key); return nil })
}

// ParticipantActive reports whether the participant's presence entry exists.
func (f *Facade) ParticipantActive(ctx context.Context, participantID string) (bool, error) {
	active := false
	key := participantKey(participantID)
	err := f.do(ctx, "participant_active",
		func(ctx context.Context) error {
			n, err := f.client.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			active = n > 0
			return nil
		},
		func() error {
			_, active = f.mem.strings.get(key)
			return nil
		})
	return active, err
}

// ParticipantTTL returns the remaining presence window. Negative values
// follow the cache convention: -1 means no expiry, -2 means no entry.
func (f *Facade) ParticipantTTL(ctx context.Context, participantID string) (time.Duration, error) {
	var ttl time.Duration
	key := participantKey(participantID)
	err := f.do(ctx, "participant_ttl",
		func(ctx context.Context) error {
			d, err := f.client.TTL(ctx, key).Result()
			if err != nil {
				return err
			}
			ttl = d
			return nil
		},
		func() error {
			d, ok := f.mem.strings.ttl(key)
			if !ok {
				ttl = -2
				return nil
			}
			ttl = d
			return nil
		})
	return ttl, err
}

// --- leaderboard ---

// UpdateLeaderboard sets the participant's composite rank score. Lower total
// time breaks ties between equal scores.
func (f *Facade) UpdateLeaderboard(ctx context.Context, sessionID, participantID string, totalScore, totalTimeMs int64) error {
	key := leaderboardKey(sessionID)
	score := model.RankScore(totalScore, totalTimeMs)
	return f.do(ctx, "update_leaderboard",
		func(ctx context.Context) error {
			if err := f.client.ZAdd(ctx, key, redis.Z{Score: score, Member: participantID}).Err(); err != nil {
				return err
			}
			return f.client.Expire(ctx, key, leaderboardTTL).Err()
		},
		func() error {
			f.mem.zsets.zadd(key, participantID, score, leaderboardTTL)
			return nil
		})
}

// TopLeaderboard returns the highest n entries, rank ascending.
func (f *Facade) TopLeaderboard(ctx context.Context, sessionID string, n int) ([]model.LeaderboardEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	var scored []memberScore
	key := leaderboardKey(sessionID)
	err := f.do(ctx, "top_leaderboard",
		func(ctx context.Context) error {
			zs, err := f.client.ZRevRangeWithScores(ctx, key, 0, int64(n-1)).Result()
			if err != nil {
				return err
			}
			for _, z := range zs {
				scored = append(scored, memberScore{member: z.Member.(string), score: z.Score})
			}
			return nil
		},
		func() error {
			all := f.mem.zsets.zdesc(key)
			if len(all) > n {
				all = all[:n]
			}
			scored = all
			return nil
		})
	if err != nil {
		return nil, err
	}
	return entriesFromScores(scored), nil
}

// FullLeaderboard returns every entry, rank ascending.
func (f *Facade) FullLeaderboard(ctx context.Context, sessionID string) ([]model.LeaderboardEntry, error) {
	var scored []memberScore
	key := leaderboardKey(sessionID)
	err := f.do(ctx, "full_leaderboard",
		func(ctx context.Context) error {
			zs, err := f.client.ZRevRangeWithScores(ctx, key, 0, -1).Result()
			if err != nil {
				return err
			}
			for _, z := range zs {
				scored = append(scored, memberScore{member: z.Member.(string), score: z.Score})
			}
			return nil
		},
		func() error {
			scored = f.mem.zsets.zdesc(key)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return entriesFromScores(scored), nil
}

// LeaderboardRank returns the participant's 1-based rank. The second return
// is false when the participant is not on the board.
func (f *Facade) LeaderboardRank(ctx context.Context, sessionID, participantID string) (int64, bool, error) {
	var rank int64
	found := false
	key := leaderboardKey(sessionID)
	err := f.do(ctx, "leaderboard_rank",
		func(ctx context.Context) error {
			r, err := f.client.ZRevRank(ctx, key, participantID).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			rank, found = r+1, true
			return nil
		},
		func() error {
			r, ok := f.mem.zsets.zrevrank(key, participantID)
			if ok {
				rank, found = r+1, true
			}
			return nil
		})
	if err != nil || !found {
		return 0, false, err
	}
	return rank, true, nil
}

// RemoveFromLeaderboard drops a participant from the board.
func (f *Facade) RemoveFromLeaderboard(ctx context.Context, sessionID, participantID string) error {
	key := leaderboardKey(sessionID)
	return f.do(ctx, "remove_from_leaderboard",
		func(ctx context.Context) error { return f.client.ZRem(ctx, key, participantID).Err() },
		func() error { f.mem.zsets.zrem(key, participantID); return nil })
}

// DeleteLeaderboard removes the whole board.
func (f *Facade) DeleteLeaderboard(ctx context.Context, sessionID string) error {
	key := leaderboardKey(sessionID)
	return f.do(ctx, "delete_leaderboard",
		func(ctx context.Context) error { return f.client.Del(ctx, key).Err() },
		func() error { f.mem.zsets.del(key); return nil })
}

// entriesFromScores rebuilds score and time from the composite rank score.
// The fractional part encodes total time in nanoseconds of penalty per
// millisecond, so the integer score is the ceiling and the time is what
// remains.
func entriesFromScores(scored []memberScore) []model.LeaderboardEntry {
	entries := make([]model.LeaderboardEntry, 0, len(scored))
	for i, ms := range scored {
		totalScore := int64(math.Ceil(ms.score))
		totalTimeMs := int64(math.Round((float64(totalScore) - ms.score) * 1e9))
		entries = append(entries, model.LeaderboardEntry{
			Rank:          i + 1,
			ParticipantID: ms.member,
			RankScore:     ms.score,
			TotalScore:    totalScore,
			TotalTimeMs:   totalTimeMs,
		})
	}
	return entries
}

// --- answer buffer ---

// BufferAnswer appends an answer to the session's write-behind buffer and
// indexes it by AnswerID for constant-time lookup during late scoring.
// Returns the new buffer length.
func (f *Facade) BufferAnswer(ctx context.Context, sessionID string, a *model.Answer) (int64, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("marshal answer: %w", err)
	}
	bufKey := answerBufferKey(sessionID)
	hashKey := answerHashKey(sessionID)
	field := a.AnswerID
	var length int64
	err = f.do(ctx, "buffer_answer",
		func(ctx context.Context) error {
			n, err := f.client.LPush(ctx, bufKey, raw).Result()
			if err != nil {
				return err
			}
			length = n
			if err := f.client.HSet(ctx, hashKey, field, raw).Err(); err != nil {
				return err
			}
			if err := f.client.Expire(ctx, bufKey, answerBufferTTL).Err(); err != nil {
				return err
			}
			return f.client.Expire(ctx, hashKey, answerBufferTTL).Err()
		},
		func() error {
			length = f.mem.lists.lpush(bufKey, string(raw), answerBufferTTL)
			f.mem.hashes.hset(hashKey, field, string(raw), answerBufferTTL)
			return nil
		})
	return length, err
}

// BufferedAnswer looks up a buffered answer by its AnswerID. The second
// return is false when no answer with that ID is buffered.
func (f *Facade) BufferedAnswer(ctx context.Context, sessionID, answerID string) (*model.Answer, bool, error) {
	var raw string
	found := false
	key := answerHashKey(sessionID)
	err := f.do(ctx, "buffered_answer",
		func(ctx context.Context) error {
			v, err := f.client.HGet(ctx, key, answerID).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			raw, found = v, true
			return nil
		},
		func() error {
			raw, found = f.mem.hashes.hget(key, answerID)
			return nil
		})
	if err != nil || !found {
		return nil, false, err
	}
	var a model.Answer
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, false, fmt.Errorf("unmarshal buffered answer: %w", err)
	}
	return &a, true, nil
}

// FlushAnswerBuffer drains the buffer and dedup hash, returning answers in
// arrival order.
func (f *Facade) FlushAnswerBuffer(ctx context.Context, sessionID string) ([]model.Answer, error) {
	var raws []string
	bufKey := answerBufferKey(sessionID)
	hashKey := answerHashKey(sessionID)
	err := f.do(ctx, "flush_answer_buffer",
		func(ctx context.Context) error {
			vs, err := f.client.LRange(ctx, bufKey, 0, -1).Result()
			if err != nil {
				return err
			}
			raws = vs
			return f.client.Del(ctx, bufKey, hashKey).Err()
		},
		func() error {
			raws = f.mem.lists.lrange(bufKey)
			f.mem.lists.del(bufKey)
			f.mem.hashes.del(hashKey)
			return nil
		})
	if err != nil {
		return nil, err
	}
	// LPUSH puts the newest answer first; reverse to arrival order.
	answers := make([]model.Answer, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var a model.Answer
		if err := json.Unmarshal([]byte(raws[i]), &a); err != nil {
			return nil, fmt.Errorf("unmarshal buffered answer: %w", err)
		}
		answers = append(answers, a)
	}
	return answers, nil
}

// --- rate limits ---

// CheckJoinRate counts a join attempt from the source address and reports
// whether it is still within the per-window cap.
func (f *Facade) CheckJoinRate(ctx context.Context, ip string) (bool, error) {
	var count int64
	key := joinRateKey(ip)
	err := f.do(ctx, "check_join_rate",
		func(ctx context.Context) error {
			n, err := f.client.Incr(ctx, key).Result()
			if err != nil {
				return err
			}
			if n == 1 {
				if err := f.client.Expire(ctx, key, joinRateWindow).Err(); err != nil {
					return err
				}
			}
			count = n
			return nil
		},
		func() error {
			count = f.mem.strings.incr(key, joinRateWindow)
			return nil
		})
	if err != nil {
		return false, err
	}
	return count <= joinRateLimit, nil
}

// MarkAnswered records that the participant answered the question. Returns
// false when a mark already existed.
func (f *Facade) MarkAnswered(ctx context.Context, participantID, questionID string) (bool, error) {
	first := false
	key := answerRateKey(participantID, questionID)
	err := f.do(ctx, "mark_answered",
		func(ctx context.Context) error {
			ok, err := f.client.SetNX(ctx, key, "1", answerRateTTL).Result()
			if err != nil {
				return err
			}
			first = ok
			return nil
		},
		func() error {
			first = f.mem.strings.setNX(key, "1", answerRateTTL)
			return nil
		})
	return first, err
}

// HasAnswered reports whether an answer mark exists for the pair.
func (f *Facade) HasAnswered(ctx context.Context, participantID, questionID string) (bool, error) {
	exists := false
	key := answerRateKey(participantID, questionID)
	err := f.do(ctx, "has_answered",
		func(ctx context.Context) error {
			n, err := f.client.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			exists = n > 0
			return nil
		},
		func() error {
			_, exists = f.mem.strings.get(key)
			return nil
		})
	return exists, err
}

// --- join codes ---

// SetJoinCode maps a join code to its session.
func (f *Facade) SetJoinCode(ctx context.Context, code, sessionID string) error {
	key := joinCodeKey(code)
	return f.do(ctx, "set_join_code",
		func(ctx context.Context) error {
			return f.client.Set(ctx, key, sessionID, joinCodeTTL).Err()
		},
		func() error {
			f.mem.strings.set(key, sessionID, joinCodeTTL)
			return nil
		})
}

// SessionByJoinCode resolves a join code to its session ID.
func (f *Facade) SessionByJoinCode(ctx context.Context, code string) (string, bool, error) {
	var sessionID string
	found := false
	key := joinCodeKey(code)
	err := f.do(ctx, "session_by_join_code",
		func(ctx context.Context) error {
			v, err := f.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			sessionID, found = v, true
			return nil
		},
		func() error {
			sessionID, found = f.mem.strings.get(key)
			return nil
		})
	if err != nil || !found {
		return "", false, err
	}
	return sessionID, true, nil
}

// DeleteJoinCode removes a join code mapping.
func (f *Facade) DeleteJoinCode(ctx context.Context, code string) error {
	key := joinCodeKey(code)
	return f.do(ctx, "delete_join_code",
		func(ctx context.Context) error { return f.client.Del(ctx, key).Err() },
		func() error { f.mem.strings.del(key); return nil })
}

// --- generic KV and list operations ---
//
// The durable-store layer keeps its pending write queue and document
// snapshots in the cache through these.

// Get reads a raw string value.
func (f *Facade) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	found := false
	err := f.do(ctx, "get",
		func(ctx context.Context) error {
			v, err := f.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			value, found = v, true
			return nil
		},
		func() error {
			value, found = f.mem.strings.get(key)
			return nil
		})
	if err != nil || !found {
		return "", false, err
	}
	return value, true, nil
}

// Set writes a raw string value. A zero ttl means no expiry.
func (f *Facade) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return f.do(ctx, "set",
		func(ctx context.Context) error {
			return f.client.Set(ctx, key, value, ttl).Err()
		},
		func() error {
			f.mem.strings.set(key, value, ttl)
			return nil
		})
}

// Delete removes a key.
func (f *Facade) Delete(ctx context.Context, key string) error {
	return f.do(ctx, "delete",
		func(ctx context.Context) error { return f.client.Del(ctx, key).Err() },
		func() error {
			f.mem.strings.del(key)
			f.mem.lists.del(key)
			return nil
		})
}

// ListPrepend pushes a value onto the head of a list and returns the new
// length.
func (f *Facade) ListPrepend(ctx context.Context, key, value string) (int64, error) {
	var length int64
	err := f.do(ctx, "list_prepend",
		func(ctx context.Context) error {
			n, err := f.client.LPush(ctx, key, value).Result()
			if err != nil {
				return err
			}
			length = n
			return nil
		},
		func() error {
			length = f.mem.lists.lpush(key, value, 0)
			return nil
		})
	return length, err
}

// ListRange returns the whole list, head first.
func (f *Facade) ListRange(ctx context.Context, key string) ([]string, error) {
	var items []string
	err := f.do(ctx, "list_range",
		func(ctx context.Context) error {
			vs, err := f.client.LRange(ctx, key, 0, -1).Result()
			if err != nil {
				return err
			}
			items = vs
			return nil
		},
		func() error {
			items = f.mem.lists.lrange(key)
			return nil
		})
	return items, err
}

// ListPopTail removes and returns the oldest element of a head-pushed list.
func (f *Facade) ListPopTail(ctx context.Context, key string) (string, bool, error) {
	var value string
	found := false
	err := f.do(ctx, "list_pop_tail",
		func(ctx context.Context) error {
			v, err := f.client.RPop(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			value, found = v, true
			return nil
		},
		func() error {
			value, found = f.mem.lists.rpop(key)
			return nil
		})
	if err != nil || !found {
		return "", false, err
	}
	return value, true, nil
}

// ListLen returns the list length.
func (f *Facade) ListLen(ctx context.Context, key string) (int64, error) {
	var length int64
	err := f.do(ctx, "list_len",
		func(ctx context.Context) error {
			n, err := f.client.LLen(ctx, key).Result()
			if err != nil {
				return err
			}
			length = n
			return nil
		},
		func() error {
			length = f.mem.lists.llen(key)
			return nil
		})
	return length, err
}
