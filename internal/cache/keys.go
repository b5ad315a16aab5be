package cache

import "time"

// Key layout shared with every other instance talking to the same cache.
func sessionStateKey(sessionID string) string  { return "session:" + sessionID + ":state" }
func participantKey(participantID string) string {
	return "participant:" + participantID + ":session"
}
func leaderboardKey(sessionID string) string  { return "session:" + sessionID + ":leaderboard" }
func answerBufferKey(sessionID string) string { return "session:" + sessionID + ":answers:buffer" }
func answerHashKey(sessionID string) string   { return "session:" + sessionID + ":answers:hash" }
func joinCodeKey(code string) string          { return "joincode:" + code }
func joinRateKey(ip string) string            { return "ratelimit:join:" + ip }
func answerRateKey(participantID, questionID string) string {
	return "ratelimit:answer:" + participantID + ":" + questionID
}

// TTLs per structure.
const (
	sessionStateTTL = 6 * time.Hour
	participantTTL  = 5 * time.Minute
	leaderboardTTL  = 6 * time.Hour
	answerBufferTTL = time.Hour
	joinCodeTTL     = 6 * time.Hour
	joinRateWindow  = 60 * time.Second
	answerRateTTL   = 5 * time.Minute
)

// Join rate cap per source IP within joinRateWindow.
const joinRateLimit = 5
