package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rtquiz/quizcore/internal/alert"
	"github.com/rtquiz/quizcore/internal/metrics"
	"github.com/rtquiz/quizcore/internal/model"
)

func newTestFacade(t *testing.T) (*Facade, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	f := New(client, zap.NewNop(), alert.New(zap.NewNop()), metrics.New())
	t.Cleanup(func() { _ = f.Close() })
	return f, srv
}

// newUnreachableFacade builds a facade whose client can never connect.
func newUnreachableFacade(t *testing.T) *Facade {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	f := New(client, zap.NewNop(), alert.New(zap.NewNop()), metrics.New())
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestSessionStateRoundTrip(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	state := &model.SessionState{
		SessionID:        "s1",
		Phase:            model.PhaseLobby,
		ParticipantCount: 3,
	}
	if err := f.SetSessionState(ctx, state); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, found, err := f.SessionState(ctx, "s1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Phase != model.PhaseLobby || got.ParticipantCount != 3 {
		t.Fatalf("unexpected state %+v", got)
	}

	err = f.UpdateSessionState(ctx, "s1", func(s *model.SessionState) {
		s.Phase = model.PhaseActiveQuestion
		s.CurrentQuestionIndex = 1
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, _ = f.SessionState(ctx, "s1")
	if got.Phase != model.PhaseActiveQuestion || got.CurrentQuestionIndex != 1 {
		t.Fatalf("update not applied: %+v", got)
	}

	if err := f.DeleteSessionState(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := f.SessionState(ctx, "s1"); found {
		t.Fatal("state survived delete")
	}
}

func TestUpdateSessionStateMissing(t *testing.T) {
	f, _ := newTestFacade(t)

	err := f.UpdateSessionState(context.Background(), "nope", func(*model.SessionState) {})
	if err == nil {
		t.Fatal("expected error for uncached session")
	}
}

func TestParticipantPresence(t *testing.T) {
	f, srv := newTestFacade(t)
	ctx := context.Background()

	p := &model.ParticipantSession{
		ParticipantID: "p1",
		SessionID:     "s1",
		Nickname:      "ada",
		IsActive:      true,
	}
	if err := f.SetParticipant(ctx, p); err != nil {
		t.Fatalf("set: %v", err)
	}

	active, err := f.ParticipantActive(ctx, "p1")
	if err != nil || !active {
		t.Fatalf("expected active participant, got active=%v err=%v", active, err)
	}
	ttl, err := f.ParticipantTTL(ctx, "p1")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > participantTTL {
		t.Fatalf("ttl out of range: %v", ttl)
	}

	// Presence lapses with the TTL.
	srv.FastForward(participantTTL + time.Second)
	if active, _ := f.ParticipantActive(ctx, "p1"); active {
		t.Fatal("participant still active after TTL lapse")
	}
	ttl, _ = f.ParticipantTTL(ctx, "p1")
	if ttl != -2 {
		t.Fatalf("expected -2 for missing entry, got %v", ttl)
	}
}

func TestLeaderboardOrderingAndReconstruction(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	// Equal scores: the faster participant ranks higher.
	if err := f.UpdateLeaderboard(ctx, "s1", "slow", 100, 9000); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := f.UpdateLeaderboard(ctx, "s1", "fast", 100, 4000); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := f.UpdateLeaderboard(ctx, "s1", "top", 150, 12000); err != nil {
		t.Fatalf("zadd: %v", err)
	}

	top, err := f.TopLeaderboard(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 || top[0].ParticipantID != "top" || top[1].ParticipantID != "fast" {
		t.Fatalf("unexpected top order: %+v", top)
	}

	full, err := f.FullLeaderboard(ctx, "s1")
	if err != nil {
		t.Fatalf("full: %v", err)
	}
	if len(full) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(full))
	}
	for _, e := range full {
		switch e.ParticipantID {
		case "top":
			if e.TotalScore != 150 || e.TotalTimeMs != 12000 {
				t.Fatalf("bad reconstruction for top: %+v", e)
			}
		case "fast":
			if e.TotalScore != 100 || e.TotalTimeMs != 4000 {
				t.Fatalf("bad reconstruction for fast: %+v", e)
			}
		case "slow":
			if e.TotalScore != 100 || e.TotalTimeMs != 9000 {
				t.Fatalf("bad reconstruction for slow: %+v", e)
			}
		}
	}

	rank, found, err := f.LeaderboardRank(ctx, "s1", "fast")
	if err != nil || !found || rank != 2 {
		t.Fatalf("rank: got rank=%d found=%v err=%v", rank, found, err)
	}
	if _, found, _ := f.LeaderboardRank(ctx, "s1", "ghost"); found {
		t.Fatal("unknown participant should not have a rank")
	}

	if err := f.RemoveFromLeaderboard(ctx, "s1", "top"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rank, _, _ := f.LeaderboardRank(ctx, "s1", "fast"); rank != 1 {
		t.Fatalf("expected fast to move up to rank 1, got %d", rank)
	}
}

func TestAnswerBufferFlushOrder(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	for i, id := range []string{"a1", "a2", "a3"} {
		n, err := f.BufferAnswer(ctx, "s1", &model.Answer{
			AnswerID:      id,
			SessionID:     "s1",
			ParticipantID: "p1",
			QuestionID:    "q" + id,
		})
		if err != nil {
			t.Fatalf("buffer %s: %v", id, err)
		}
		if n != int64(i+1) {
			t.Fatalf("expected length %d, got %d", i+1, n)
		}
	}

	buffered, found, err := f.BufferedAnswer(ctx, "s1", "a2")
	if err != nil || !found {
		t.Fatalf("expected buffered answer, got found=%v err=%v", found, err)
	}
	if buffered.QuestionID != "qa2" {
		t.Fatalf("unexpected buffered answer %+v", buffered)
	}

	answers, err := f.FlushAnswerBuffer(ctx, "s1")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(answers) != 3 {
		t.Fatalf("expected 3 answers, got %d", len(answers))
	}
	// Arrival order preserved.
	for i, want := range []string{"a1", "a2", "a3"} {
		if answers[i].AnswerID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, answers[i].AnswerID)
		}
	}

	// Flush clears both the buffer and the lookup hash.
	if again, _ := f.FlushAnswerBuffer(ctx, "s1"); len(again) != 0 {
		t.Fatalf("second flush returned %d answers", len(again))
	}
	if _, found, _ := f.BufferedAnswer(ctx, "s1", "a2"); found {
		t.Fatal("answer index survived flush")
	}
}

func TestJoinRateLimit(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	for i := 0; i < joinRateLimit; i++ {
		ok, err := f.CheckJoinRate(ctx, "10.0.0.1")
		if err != nil || !ok {
			t.Fatalf("attempt %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := f.CheckJoinRate(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("over-limit attempt: %v", err)
	}
	if ok {
		t.Fatal("expected attempt over the cap to be denied")
	}

	// A different address has its own window.
	if ok, _ := f.CheckJoinRate(ctx, "10.0.0.2"); !ok {
		t.Fatal("other address should be allowed")
	}
}

func TestMarkAnswered(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	first, err := f.MarkAnswered(ctx, "p1", "q1")
	if err != nil || !first {
		t.Fatalf("first mark: first=%v err=%v", first, err)
	}
	second, err := f.MarkAnswered(ctx, "p1", "q1")
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if second {
		t.Fatal("duplicate mark reported as first")
	}
	if has, _ := f.HasAnswered(ctx, "p1", "q1"); !has {
		t.Fatal("mark not visible")
	}
}

func TestJoinCodeRoundTrip(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	if err := f.SetJoinCode(ctx, "ABC123", "s1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	sessionID, found, err := f.SessionByJoinCode(ctx, "ABC123")
	if err != nil || !found || sessionID != "s1" {
		t.Fatalf("resolve: id=%q found=%v err=%v", sessionID, found, err)
	}
	if err := f.DeleteJoinCode(ctx, "ABC123"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := f.SessionByJoinCode(ctx, "ABC123"); found {
		t.Fatal("join code survived delete")
	}
}

func TestFallbackOnConnError(t *testing.T) {
	f := newUnreachableFacade(t)
	ctx := context.Background()

	state := &model.SessionState{SessionID: "s1", Phase: model.PhaseLobby}
	if err := f.SetSessionState(ctx, state); err != nil {
		t.Fatalf("set during outage: %v", err)
	}
	if !f.FallbackMode() {
		t.Fatal("facade did not enter fallback mode")
	}
	if f.FallbackSince().IsZero() {
		t.Fatal("fallback entry time not recorded")
	}

	got, found, err := f.SessionState(ctx, "s1")
	if err != nil || !found {
		t.Fatalf("fallback read: found=%v err=%v", found, err)
	}
	if got.SessionID != "s1" {
		t.Fatalf("unexpected state %+v", got)
	}
}

func TestFallbackServesAllStructures(t *testing.T) {
	f := newUnreachableFacade(t)
	ctx := context.Background()

	if err := f.UpdateLeaderboard(ctx, "s1", "p1", 50, 3000); err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if err := f.UpdateLeaderboard(ctx, "s1", "p2", 80, 3000); err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	top, err := f.TopLeaderboard(ctx, "s1", 10)
	if err != nil || len(top) != 2 || top[0].ParticipantID != "p2" {
		t.Fatalf("fallback leaderboard: %+v err=%v", top, err)
	}

	if _, err := f.BufferAnswer(ctx, "s1", &model.Answer{AnswerID: "a1", ParticipantID: "p1", QuestionID: "q1"}); err != nil {
		t.Fatalf("buffer: %v", err)
	}
	answers, err := f.FlushAnswerBuffer(ctx, "s1")
	if err != nil || len(answers) != 1 {
		t.Fatalf("fallback flush: %d answers, err=%v", len(answers), err)
	}

	if ok, err := f.CheckJoinRate(ctx, "10.0.0.1"); err != nil || !ok {
		t.Fatalf("fallback rate limit: ok=%v err=%v", ok, err)
	}
	if first, err := f.MarkAnswered(ctx, "p1", "q1"); err != nil || !first {
		t.Fatalf("fallback mark: first=%v err=%v", first, err)
	}
	if first, _ := f.MarkAnswered(ctx, "p1", "q1"); first {
		t.Fatal("fallback duplicate mark reported as first")
	}
}

func TestFallbackRecovery(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        srv.Addr(),
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	f := New(client, zap.NewNop(), alert.New(zap.NewNop()), metrics.New())
	t.Cleanup(func() { _ = f.Close() })
	ctx := context.Background()

	// Outage begins.
	srv.Close()
	if err := f.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set during outage: %v", err)
	}
	if !f.FallbackMode() {
		t.Fatal("facade did not enter fallback mode")
	}

	// Cache returns; force the next probe and touch the facade.
	if err := srv.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	f.mu.Lock()
	f.lastProbeAt = time.Time{}
	f.mu.Unlock()

	if err := f.Set(ctx, "k2", "v2", 0); err != nil {
		t.Fatalf("set after recovery: %v", err)
	}
	if f.FallbackMode() {
		t.Fatal("facade stayed in fallback mode after recovery")
	}
	// Post-recovery writes land in the real cache.
	if got, err := srv.Get("k2"); err != nil || got != "v2" {
		t.Fatalf("expected k2 in cache, got %q err=%v", got, err)
	}
}

func TestGenericListOps(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	for _, v := range []string{"first", "second", "third"} {
		if _, err := f.ListPrepend(ctx, "queue", v); err != nil {
			t.Fatalf("prepend: %v", err)
		}
	}
	n, err := f.ListLen(ctx, "queue")
	if err != nil || n != 3 {
		t.Fatalf("len: n=%d err=%v", n, err)
	}

	items, err := f.ListRange(ctx, "queue")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(items) != 3 || items[0] != "third" || items[2] != "first" {
		t.Fatalf("unexpected order: %v", items)
	}

	// Tail pop returns the oldest element.
	v, found, err := f.ListPopTail(ctx, "queue")
	if err != nil || !found || v != "first" {
		t.Fatalf("pop: v=%q found=%v err=%v", v, found, err)
	}
	if n, _ := f.ListLen(ctx, "queue"); n != 2 {
		t.Fatalf("expected 2 after pop, got %d", n)
	}
	if _, found, _ := f.ListPopTail(ctx, "missing"); found {
		t.Fatal("pop on missing key reported a value")
	}
}

func TestMemStoreSweep(t *testing.T) {
	m := newMemStore()
	m.strings.set("stale", "v", time.Millisecond)
	m.strings.set("fresh", "v", time.Hour)
	m.lists.lpush("stalelist", "v", time.Millisecond)
	m.zsets.zadd("staleboard", "p1", 1, time.Millisecond)

	m.sweep(time.Now().Add(time.Second))

	if _, ok := m.strings.get("stale"); ok {
		t.Fatal("expired string survived sweep")
	}
	if _, ok := m.strings.get("fresh"); !ok {
		t.Fatal("fresh string evicted")
	}
	if m.lists.llen("stalelist") != 0 {
		t.Fatal("expired list survived sweep")
	}
	if len(m.zsets.zdesc("staleboard")) != 0 {
		t.Fatal("expired zset survived sweep")
	}
}
