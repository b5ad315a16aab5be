// Package model holds the shared domain types for the quiz platform core:
// session state, participant sessions, answers, questions, leaderboard
// entries, and deferred durable-store writes. The JSON tags double as the
// cache serialization format; the BSON tags match the durable store.
package model

import "time"

// Phase is the coarse lifecycle state of a quiz session.
type Phase string

const (
	PhaseLobby          Phase = "lobby"
	PhaseActiveQuestion Phase = "active_question"
	PhaseReveal         Phase = "reveal"
	PhaseEnded          Phase = "ended"
)

// SessionState is the host-driven state of one live quiz session.
// TimerEnd is non-zero only while Phase is PhaseActiveQuestion.
type SessionState struct {
	SessionID            string   `json:"sessionId" bson:"sessionId"`
	Phase                Phase    `json:"phase" bson:"phase"`
	CurrentQuestionIndex int      `json:"currentQuestionIndex" bson:"currentQuestionIndex"`
	CurrentQuestionID    string   `json:"currentQuestionId,omitempty" bson:"currentQuestionId,omitempty"`
	CurrentQuestionStart int64    `json:"currentQuestionStart,omitempty" bson:"currentQuestionStart,omitempty"` // ms epoch
	TimerEnd             int64    `json:"timerEnd,omitempty" bson:"timerEnd,omitempty"`                         // ms epoch
	ParticipantCount     int      `json:"participantCount" bson:"participantCount"`
	VoidedQuestions      []string `json:"voidedQuestions,omitempty" bson:"voidedQuestions,omitempty"`
	GameMode             string   `json:"gameMode,omitempty" bson:"gameMode,omitempty"`
}

// ParticipantSession is the per-player state within a session.
type ParticipantSession struct {
	ParticipantID   string    `json:"participantId" bson:"participantId"`
	SessionID       string    `json:"sessionId" bson:"sessionId"`
	Nickname        string    `json:"nickname" bson:"nickname"`
	TotalScore      int64     `json:"totalScore" bson:"totalScore"`
	TotalTimeMs     int64     `json:"totalTimeMs" bson:"totalTimeMs"`
	StreakCount     int       `json:"streakCount" bson:"streakCount"`
	IsActive        bool      `json:"isActive" bson:"isActive"`
	IsEliminated    bool      `json:"isEliminated" bson:"isEliminated"`
	IsBanned        bool      `json:"isBanned" bson:"isBanned"`
	SocketID        string    `json:"socketId,omitempty" bson:"socketId,omitempty"`
	LastConnectedAt time.Time `json:"lastConnectedAt" bson:"lastConnectedAt"`
}

// Answer is one scored answer submission. Answers are append-only in the
// durable store.
type Answer struct {
	AnswerID        string    `json:"answerId" bson:"answerId"`
	SessionID       string    `json:"sessionId" bson:"sessionId"`
	ParticipantID   string    `json:"participantId" bson:"participantId"`
	QuestionID      string    `json:"questionId" bson:"questionId"`
	SelectedOptions []string  `json:"selectedOptions,omitempty" bson:"selectedOptions,omitempty"`
	TextAnswer      string    `json:"textAnswer,omitempty" bson:"textAnswer,omitempty"`
	NumericAnswer   *float64  `json:"numericAnswer,omitempty" bson:"numericAnswer,omitempty"`
	SubmittedAt     time.Time `json:"submittedAt" bson:"submittedAt"`
	ResponseTimeMs  int64     `json:"responseTimeMs" bson:"responseTimeMs"`
	IsCorrect       bool      `json:"isCorrect" bson:"isCorrect"`
	PointsAwarded   int64     `json:"pointsAwarded" bson:"pointsAwarded"`
	StreakCount     int       `json:"streakCount" bson:"streakCount"`
}

// QuestionOption is one selectable option. IsCorrect is a pointer so the
// answer key can be stripped (field absent, not false) before a question is
// sent to participants.
type QuestionOption struct {
	OptionID  string `json:"optionId" bson:"optionId"`
	Text      string `json:"text" bson:"text"`
	IsCorrect *bool  `json:"isCorrect,omitempty" bson:"isCorrect,omitempty"`
}

// Question is one quiz question as stored in the quizzes collection.
type Question struct {
	QuestionID   string           `json:"questionId" bson:"questionId"`
	QuizID       string           `json:"quizId,omitempty" bson:"quizId,omitempty"`
	Type         string           `json:"type" bson:"type"`
	Prompt       string           `json:"prompt" bson:"prompt"`
	Options      []QuestionOption `json:"options,omitempty" bson:"options,omitempty"`
	TimeLimitSec int              `json:"timeLimitSec" bson:"timeLimitSec"`
	Points       int64            `json:"points" bson:"points"`
}

// WithoutAnswerKey returns a copy of the question with every option's
// IsCorrect field removed, safe to broadcast to participants.
func (q Question) WithoutAnswerKey() Question {
	out := q
	out.Options = make([]QuestionOption, len(q.Options))
	for i, opt := range q.Options {
		opt.IsCorrect = nil
		out.Options[i] = opt
	}
	return out
}

// LeaderboardEntry is one row of a session leaderboard. Rank is 1-based.
type LeaderboardEntry struct {
	Rank          int     `json:"rank"`
	ParticipantID string  `json:"participantId"`
	Nickname      string  `json:"nickname,omitempty"`
	RankScore     float64 `json:"rankScore"`
	TotalScore    int64   `json:"totalScore"`
	TotalTimeMs   int64   `json:"totalTimeMs"`
}

// RankScore folds cumulative answer time into the score so that ties on
// TotalScore break toward the faster participant. The divisor keeps the time
// component strictly fractional for any realistic session duration.
func RankScore(totalScore, totalTimeMs int64) float64 {
	return float64(totalScore) - float64(totalTimeMs)/1e9
}

// PendingOp is the kind of deferred durable-store write.
type PendingOp string

const (
	PendingInsert PendingOp = "insert"
	PendingUpdate PendingOp = "update"
	PendingDelete PendingOp = "delete"
)

// PendingWrite is a deferred intent to mutate the durable store, accepted
// while the store was unreachable and replayed by the recovery worker.
type PendingWrite struct {
	Op         PendingOp      `json:"op"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Document   map[string]any `json:"document,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"`
	Update     map[string]any `json:"update,omitempty"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
}
