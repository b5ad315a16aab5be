// Package quiz implements participant session recovery: rebuilding a
// reconnecting participant's full view of a live session from the cache,
// falling back to the durable store and re-seeding the cache on the way.
package quiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/rtquiz/quizcore/internal/cache"
	"github.com/rtquiz/quizcore/internal/metrics"
	"github.com/rtquiz/quizcore/internal/model"
	"github.com/rtquiz/quizcore/internal/store"
)

// FailureReason says why a recovery was refused.
type FailureReason string

const (
	ReasonSessionNotFound     FailureReason = "session_not_found"
	ReasonSessionEnded        FailureReason = "session_ended"
	ReasonParticipantNotFound FailureReason = "participant_not_found"
	ReasonParticipantBanned   FailureReason = "participant_banned"
	ReasonSessionExpired      FailureReason = "session_expired"
)

// RecoveryError is returned when a session cannot be recovered.
type RecoveryError struct {
	Reason FailureReason
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("session recovery refused: %s", e.Reason)
}

// disconnectGrace is how long a participant may be absent from the cache
// before the durable-store copy is considered expired.
const disconnectGrace = 5 * time.Minute

// RecoveredSession is the full snapshot handed back to a reconnecting
// participant.
type RecoveredSession struct {
	Session         *model.SessionState      `json:"session"`
	TotalScore      int64                    `json:"totalScore"`
	StreakCount     int                      `json:"streakCount"`
	IsSpectator     bool                     `json:"isSpectator"`
	Rank            int64                    `json:"rank,omitempty"`
	Leaderboard     []model.LeaderboardEntry `json:"leaderboard"`
	Question        *model.Question          `json:"question,omitempty"`
	RemainingSec    *int64                   `json:"remainingSec,omitempty"`
	QuestionChanged bool                     `json:"questionChanged,omitempty"`
}

// RecoveryService rebuilds participant views after a reconnect.
type RecoveryService struct {
	cache   *cache.Facade
	store   *store.Facade
	logger  *zap.Logger
	metrics *metrics.Metrics

	now func() time.Time
}

// NewRecoveryService wires the service to its stores.
func NewRecoveryService(c *cache.Facade, s *store.Facade, logger *zap.Logger, m *metrics.Metrics) *RecoveryService {
	return &RecoveryService{
		cache:   c,
		store:   s,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// RecoverSession verifies the session and participant, restores the
// participant's active status, and returns the full view snapshot.
// lastKnownQuestionID, when non-empty, flags whether the active question
// moved on while the participant was away.
func (r *RecoveryService) RecoverSession(ctx context.Context, participantID, sessionID, lastKnownQuestionID string) (*RecoveredSession, error) {
	start := r.now()
	view, err := r.recover(ctx, participantID, sessionID, lastKnownQuestionID)
	r.metrics.SessionRecoveryDuration.Observe(time.Since(start).Seconds())

	outcome := "success"
	var refusal *RecoveryError
	switch {
	case err == nil:
	case errors.As(err, &refusal):
		outcome = string(refusal.Reason)
	default:
		outcome = "error"
	}
	r.metrics.SessionRecoveriesTotal.WithLabelValues(outcome).Inc()

	if err != nil {
		r.logger.Info("session recovery refused",
			zap.String("participantId", participantID),
			zap.String("sessionId", sessionID),
			zap.String("outcome", outcome))
		return nil, err
	}
	r.logger.Info("session recovered",
		zap.String("participantId", participantID),
		zap.String("sessionId", sessionID),
		zap.Duration("elapsed", time.Since(start)))
	return view, nil
}

func (r *RecoveryService) recover(ctx context.Context, participantID, sessionID, lastKnownQuestionID string) (*RecoveredSession, error) {
	state, err := r.verifySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	participant, err := r.verifyParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}

	if err := r.restoreActive(ctx, participant); err != nil {
		return nil, err
	}

	view := &RecoveredSession{
		Session:     state,
		TotalScore:  participant.TotalScore,
		StreakCount: participant.StreakCount,
		IsSpectator: participant.IsEliminated,
	}

	if state.Phase == model.PhaseActiveQuestion && state.CurrentQuestionID != "" {
		question, remaining, err := r.activeQuestion(ctx, state)
		if err != nil {
			r.logger.Warn("active question lookup failed during recovery",
				zap.String("sessionId", sessionID),
				zap.String("questionId", state.CurrentQuestionID),
				zap.Error(err))
		} else if question != nil {
			view.Question = question
			view.RemainingSec = &remaining
			view.QuestionChanged = lastKnownQuestionID != "" && lastKnownQuestionID != state.CurrentQuestionID
		}
	}

	rank, found, err := r.cache.LeaderboardRank(ctx, sessionID, participantID)
	if err != nil {
		return nil, fmt.Errorf("leaderboard rank: %w", err)
	}
	if found {
		view.Rank = rank
	}

	top, err := r.cache.TopLeaderboard(ctx, sessionID, 10)
	if err != nil {
		return nil, fmt.Errorf("leaderboard top: %w", err)
	}
	for i := range top {
		if p, found, err := r.cache.Participant(ctx, top[i].ParticipantID); err == nil && found {
			top[i].Nickname = p.Nickname
			top[i].TotalScore = p.TotalScore
			top[i].TotalTimeMs = p.TotalTimeMs
		}
	}
	view.Leaderboard = top

	return view, nil
}

// verifySession loads the session from the cache, falling back to the
// durable store and re-seeding the cache.
func (r *RecoveryService) verifySession(ctx context.Context, sessionID string) (*model.SessionState, error) {
	state, found, err := r.cache.SessionState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session state: %w", err)
	}
	if !found {
		doc, docFound, err := r.store.FindOne(ctx, store.Sessions, bson.M{"sessionId": sessionID})
		if err != nil {
			return nil, fmt.Errorf("read session from store: %w", err)
		}
		if !docFound {
			return nil, &RecoveryError{Reason: ReasonSessionNotFound}
		}
		state = &model.SessionState{}
		if err := decodeDoc(doc, state); err != nil {
			return nil, fmt.Errorf("decode session document: %w", err)
		}
		if state.SessionID == "" {
			state.SessionID = sessionID
		}
		if state.Phase != model.PhaseEnded {
			if err := r.cache.SetSessionState(ctx, state); err != nil {
				r.logger.Warn("failed to re-seed session state", zap.Error(err))
			}
		}
	}
	if state.Phase == model.PhaseEnded {
		return nil, &RecoveryError{Reason: ReasonSessionEnded}
	}
	return state, nil
}

// verifyParticipant loads the participant from the cache, falling back to
// the durable store with the disconnect-grace check.
func (r *RecoveryService) verifyParticipant(ctx context.Context, participantID string) (*model.ParticipantSession, error) {
	p, found, err := r.cache.Participant(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("read participant: %w", err)
	}
	if found {
		if p.IsBanned {
			return nil, &RecoveryError{Reason: ReasonParticipantBanned}
		}
		return p, nil
	}

	doc, docFound, err := r.store.FindOne(ctx, store.Participants, bson.M{"participantId": participantID})
	if err != nil {
		return nil, fmt.Errorf("read participant from store: %w", err)
	}
	if !docFound {
		return nil, &RecoveryError{Reason: ReasonParticipantNotFound}
	}
	p = &model.ParticipantSession{}
	if err := decodeDoc(doc, p); err != nil {
		return nil, fmt.Errorf("decode participant document: %w", err)
	}
	// The cache entry TTL'd out; the store copy is only trusted within the
	// disconnect grace window.
	if !p.LastConnectedAt.IsZero() && r.now().Sub(p.LastConnectedAt) > disconnectGrace {
		return nil, &RecoveryError{Reason: ReasonSessionExpired}
	}
	if p.IsBanned {
		return nil, &RecoveryError{Reason: ReasonParticipantBanned}
	}
	p.IsActive = true
	if err := r.cache.SetParticipant(ctx, p); err != nil {
		r.logger.Warn("failed to re-seed participant", zap.Error(err))
	}
	return p, nil
}

// restoreActive marks the participant active in the cache and, best-effort,
// in the durable store.
func (r *RecoveryService) restoreActive(ctx context.Context, p *model.ParticipantSession) error {
	p.IsActive = true
	p.LastConnectedAt = r.now().UTC()
	if err := r.cache.SetParticipant(ctx, p); err != nil {
		return fmt.Errorf("mark participant active: %w", err)
	}
	if _, err := r.store.UpdateOne(ctx, store.Participants,
		bson.M{"participantId": p.ParticipantID},
		bson.M{"isActive": true, "lastConnectedAt": p.LastConnectedAt},
		false,
	); err != nil {
		r.logger.Warn("failed to mark participant active in store",
			zap.String("participantId", p.ParticipantID),
			zap.Error(err))
	}
	return nil
}

// activeQuestion returns the current question with the answer key stripped
// and the remaining time in whole seconds.
func (r *RecoveryService) activeQuestion(ctx context.Context, state *model.SessionState) (*model.Question, int64, error) {
	doc, found, err := r.store.FindOne(ctx, store.Quizzes, bson.M{"questionId": state.CurrentQuestionID})
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, nil
	}
	var q model.Question
	if err := decodeDoc(doc, &q); err != nil {
		return nil, 0, fmt.Errorf("decode question document: %w", err)
	}
	stripped := q.WithoutAnswerKey()

	remaining := int64(0)
	if state.TimerEnd > 0 {
		ms := state.TimerEnd - r.now().UnixMilli()
		if ms > 0 {
			remaining = (ms + 999) / 1000
		}
	}
	return &stripped, remaining, nil
}

// CanRecover is the pre-flight check: it verifies session and participant
// without restoring anything. The reason is empty when recovery would
// proceed.
func (r *RecoveryService) CanRecover(ctx context.Context, participantID, sessionID string) (bool, FailureReason, error) {
	if _, err := r.verifySession(ctx, sessionID); err != nil {
		var re *RecoveryError
		if errors.As(err, &re) {
			return false, re.Reason, nil
		}
		return false, "", err
	}
	if _, err := r.verifyParticipant(ctx, participantID); err != nil {
		var re *RecoveryError
		if errors.As(err, &re) {
			return false, re.Reason, nil
		}
		return false, "", err
	}
	return true, "", nil
}

// UpdateSocketID records the participant's new transport handle.
func (r *RecoveryService) UpdateSocketID(ctx context.Context, participantID, socketID string) error {
	return r.cache.UpdateParticipant(ctx, participantID, func(p *model.ParticipantSession) {
		p.SocketID = socketID
	})
}

// decodeDoc converts a store document into a typed struct through its JSON
// tags, which match the document field names.
func decodeDoc(doc bson.M, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
