package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"conversation-stream-coordinator/internal/schema"
	"conversation-stream-coordinator/internal/service/commit"
	"conversation-stream-coordinator/internal/service/session"
)

type handlers struct {
	registry  *session.Registry
	validator *schema.Validator
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// session resolves {sessionId}, writing a 404 when it is unknown.
func (h *handlers) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, ok := h.registry.Get(chi.URLParam(r, "sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
	}
	return s, ok
}

func (h *handlers) schemas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.validator.Schemas())
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.registry.List()})
}

// createSession handles POST /v1/sessions. The id is generated unless the
// body names one.
func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	if body.SessionID == "" {
		body.SessionID = uuid.NewString()
	}

	s, created, err := h.registry.GetOrCreate(body.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !created {
		writeError(w, http.StatusConflict, "session already exists")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": s.ID()})
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.registry.Remove(chi.URLParam(r, "sessionId")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) clearSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.ClearState()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) messages(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.Messages()})
}

func (h *handlers) items(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.Items()})
}

func (h *handlers) timings(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	snap := s.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"timings":     snap.Timings,
		"activeWords": snap.ActiveWords,
	})
}

// messageTimings returns one message's words. With ?positionMs= it also
// records the playback position and reports the active word.
func (h *handlers) messageTimings(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	messageID := chi.URLParam(r, "messageId")
	resp := map[string]any{
		"messageId": messageID,
		"words":     s.Timings(messageID),
	}
	if raw := r.URL.Query().Get("positionMs"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, "invalid positionMs")
			return
		}
		resp["activeWord"] = s.SetPlaybackPosition(messageID, time.Duration(ms)*time.Millisecond)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) commits(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": s.Commits()})
}

func (h *handlers) commitAudio(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, s.CommitAudio())
}

func (h *handlers) resolveItem(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	d := s.ResolveCommitItem(chi.URLParam(r, "itemId"))
	writeJSON(w, http.StatusOK, d)
}

func (h *handlers) setTranscriptComplete(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "commitNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid commit number")
		return
	}
	var body struct {
		Complete bool `json:"complete"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	d, err := s.SetUserTranscriptComplete(n, body.Complete)
	switch {
	case errors.Is(err, commit.ErrUnknownCommit):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, commit.ErrCommitClosed):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, d)
	}
}
