package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rtquiz/quizcore/internal/config"
	"github.com/rtquiz/quizcore/internal/errdefs"
	"github.com/rtquiz/quizcore/internal/quiz"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": config.Version,
	})
}

// handleReadyz reports ready as long as at least one storage tier can serve.
// Degraded modes (cache fallback, open breaker) keep the instance in rotation
// but are visible in the payload.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	storeHealthy := s.comps.Store.Healthy(ctx)
	cacheFallback := s.comps.Cache.FallbackMode()

	status := http.StatusOK
	state := "ready"
	if !storeHealthy && cacheFallback {
		// Both tiers down: only in-memory state is left.
		status = http.StatusServiceUnavailable
		state = "not_ready"
	} else if !storeHealthy || cacheFallback {
		state = "degraded"
	}

	s.writeJSON(w, status, map[string]any{
		"status":        state,
		"store":         storeHealthy,
		"cacheFallback": cacheFallback,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pendingCount, err := s.comps.Pending.Count(ctx)
	if err != nil {
		s.logger.Warn("pending count unavailable for status")
		pendingCount = -1
	}

	payload := map[string]any{
		"version": config.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"breaker": s.comps.Store.Breaker().Status(),
		"cache": map[string]any{
			"fallbackMode":  s.comps.Cache.FallbackMode(),
			"fallbackSince": nullableTime(s.comps.Cache.FallbackSince()),
		},
		"pendingWrites": pendingCount,
		"batcher":       s.comps.Batcher.Stats(),
		"recovery": map[string]any{
			"status": s.comps.Recovery.Status(),
			"stats":  s.comps.Recovery.Stats(),
		},
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// handleRecoveryTrigger asks the recovery worker for an immediate check.
func (s *Server) handleRecoveryTrigger(w http.ResponseWriter, r *http.Request) {
	s.comps.Recovery.TriggerNow()
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"triggered": true,
		"status":    s.comps.Recovery.Status(),
	})
}

// handleBatcherFlush forces a synchronous flush of the answer buffer.
func (s *Server) handleBatcherFlush(w http.ResponseWriter, r *http.Request) {
	s.comps.Batcher.Flush(r.Context())
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"flushed": true,
		"stats":   s.comps.Batcher.Stats(),
	})
}

// handleRecoverable is the pre-flight check used by transports before
// attempting a full session recovery.
func (s *Server) handleRecoverable(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	participantID := r.URL.Query().Get("participantId")
	if participantID == "" {
		s.writeError(w, r, errdefs.E(errdefs.KindValidation, errdefs.CodeValidation, "participantId is required"))
		return
	}

	ok, reason, err := s.comps.Quiz.CanRecover(r.Context(), participantID, sessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"recoverable": ok,
		"reason":      string(reason),
	})
}

type recoverRequest struct {
	ParticipantID       string `json:"participantId"`
	LastKnownQuestionID string `json:"lastKnownQuestionId,omitempty"`
	SocketID            string `json:"socketId,omitempty"`
}

func (s *Server) handleRecoverSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req recoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errdefs.E(errdefs.KindValidation, errdefs.CodeValidation, "malformed request body"))
		return
	}
	if req.ParticipantID == "" {
		s.writeError(w, r, errdefs.E(errdefs.KindValidation, errdefs.CodeValidation, "participantId is required"))
		return
	}

	view, err := s.comps.Quiz.RecoverSession(r.Context(), req.ParticipantID, sessionID, req.LastKnownQuestionID)
	if err != nil {
		s.writeRecoveryError(w, r, err)
		return
	}

	if req.SocketID != "" {
		if err := s.comps.Quiz.UpdateSocketID(r.Context(), req.ParticipantID, req.SocketID); err != nil {
			s.logger.Warn("failed to record socket id after recovery")
		}
	}

	s.writeJSON(w, http.StatusOK, view)
}

// writeRecoveryError maps recovery refusals to their stable codes before
// falling back to the generic sanitiser.
func (s *Server) writeRecoveryError(w http.ResponseWriter, r *http.Request, err error) {
	var refusal *quiz.RecoveryError
	if !errors.As(err, &refusal) {
		s.writeError(w, r, err)
		return
	}

	var classified *errdefs.Error
	switch refusal.Reason {
	case quiz.ReasonSessionNotFound, quiz.ReasonParticipantNotFound:
		classified = errdefs.E(errdefs.KindNotFound, errdefs.CodeNotFound, "session or participant not found")
	case quiz.ReasonSessionEnded:
		classified = errdefs.E(errdefs.KindConflict, errdefs.CodeConflict, "session has already ended")
	case quiz.ReasonSessionExpired:
		classified = errdefs.E(errdefs.KindNotFound, errdefs.CodeSessionExpired, "session expired")
	case quiz.ReasonParticipantBanned:
		classified = errdefs.E(errdefs.KindAuthorization, errdefs.CodeForbidden, "participant is banned")
	default:
		classified = errdefs.E(errdefs.KindUnknown, errdefs.CodeUnknown, "recovery refused")
	}
	s.writeError(w, r, classified)
}

// handleSessionEvents streams session events over SSE. Transport adapters
// subscribe here to relay question broadcasts and leaderboard updates.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errdefs.E(errdefs.KindInternal, errdefs.CodeInternal, "streaming unsupported"))
		return
	}

	ch, unsubscribe := s.comps.Hub.Subscribe(sessionID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("sse subscriber attached",
		zap.String("sessionId", sessionID),
		zap.String("requestId", middleware.GetReqID(r.Context())))

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn("failed to encode session event", zap.Error(err))
				continue
			}
			if _, err := w.Write([]byte("event: " + string(e.Type) + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
