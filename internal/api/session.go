package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/store"
)

// sessionHandler serves session CRUD and message history.
type sessionHandler struct {
	sessions *session.Manager
	logger   log.Logger
}

// createSessionRequest is the body of POST /api/v1/sessions.
type createSessionRequest struct {
	Model          string            `json:"model,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	PermissionMode string            `json:"permission_mode,omitempty"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	MaxTurns       int               `json:"max_turns,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// sessionView is the client-facing representation of a session.
type sessionView struct {
	ID           string            `json:"id"`
	UpstreamID   string            `json:"upstream_id,omitempty"`
	Model        string            `json:"model,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	LastActivity time.Time         `json:"last_activity"`
	MessageCount int               `json:"message_count"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func toView(sess *store.Session) sessionView {
	return sessionView{
		ID:           sess.ID.String(),
		UpstreamID:   sess.UpstreamID,
		Model:        sess.Config.Model,
		Status:       string(sess.Status),
		CreatedAt:    sess.CreatedAt,
		ExpiresAt:    sess.ExpiresAt,
		LastActivity: sess.LastActivity,
		MessageCount: sess.MessageCount,
		Metadata:     sess.Config.Metadata,
	}
}

// messageView is the client-facing representation of one message record.
type messageView struct {
	Seq        int              `json:"seq"`
	Kind       string           `json:"kind"`
	Subtype    string           `json:"subtype,omitempty"`
	Payload    json.RawMessage  `json:"payload"`
	Provenance string           `json:"provenance"`
	Meta       *store.ResultMeta `json:"meta,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

func (h *sessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}

	sess, err := h.sessions.Create(r.Context(), store.SessionConfig{
		Model:          req.Model,
		WorkingDir:     req.WorkingDir,
		PermissionMode: req.PermissionMode,
		SystemPrompt:   req.SystemPrompt,
		MaxTurns:       req.MaxTurns,
		Metadata:       req.Metadata,
	})
	if err != nil {
		if errors.Is(err, session.ErrQuotaExceeded) {
			writeError(w, http.StatusTooManyRequests, "quota_exceeded", "session quota exceeded", h.logger)
			return
		}
		h.logger.Error("creating session", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not persist session", h.logger)
		return
	}

	writeJSON(w, http.StatusCreated, toView(sess), h.logger)
}

func (h *sessionHandler) list(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.List(r.Context())
	if err != nil {
		h.logger.Error("listing sessions", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not list sessions", h.logger)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, toView(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views}, h.logger)
}

func (h *sessionHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		h.notFoundOrUnavailable(w, err, "could not load session")
		return
	}
	writeJSON(w, http.StatusOK, toView(sess), h.logger)
}

func (h *sessionHandler) end(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	existed, err := h.sessions.End(r.Context(), id)
	if err != nil {
		h.logger.Error("ending session", "error", err, "session_id", id)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not end session", h.logger)
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "not_found", "session not found", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"}, h.logger)
}

func (h *sessionHandler) messages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	// Existence check so an unknown id is a 404, not an empty list.
	if _, err := h.sessions.Get(r.Context(), id); err != nil {
		h.notFoundOrUnavailable(w, err, "could not load session")
		return
	}

	limit := queryInt(r, "limit", 100)
	offset := max(queryInt(r, "offset", 0), 0)

	msgs, err := h.sessions.Messages(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("loading messages", "error", err, "session_id", id)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not load messages", h.logger)
		return
	}
	total, err := h.sessions.MessageCount(r.Context(), id)
	if err != nil {
		h.logger.Error("counting messages", "error", err, "session_id", id)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not count messages", h.logger)
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			Seq:        m.Seq,
			Kind:       m.Kind,
			Subtype:    m.Subtype,
			Payload:    m.Payload,
			Provenance: m.Provenance,
			Meta:       m.Meta,
			CreatedAt:  m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":    views,
		"total_count": total,
	}, h.logger)
}

// sessionID parses the {id} path segment, writing a 400 on failure.
func (h *sessionHandler) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "session id must be a UUID", h.logger)
		return uuid.Nil, false
	}
	return id, true
}

func (h *sessionHandler) notFoundOrUnavailable(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found", h.logger)
		return
	}
	h.logger.Error(msg, "error", err)
	writeError(w, http.StatusServiceUnavailable, "store_unavailable", msg, h.logger)
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
