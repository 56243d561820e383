package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/query"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/store"
)

// queryHandler serves the synchronous and streaming query endpoints.
type queryHandler struct {
	sessions       *session.Manager
	executor       *query.Executor
	defaultTimeout time.Duration
	logger         log.Logger

	// keepalive is the SSE keepalive period; zero means keepaliveInterval.
	keepalive time.Duration
}

// queryRequest is the body of both query endpoints.
type queryRequest struct {
	Prompt string `json:"prompt"`

	// TimeoutMS overrides the server's default query timeout. Zero uses
	// the default; a negative value disables the timeout.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// queryResponse is the terminal outcome of a synchronous query.
type queryResponse struct {
	Success    bool    `json:"success"`
	Reason     string  `json:"reason"`
	Summary    string  `json:"summary,omitempty"`
	UpstreamID string  `json:"upstream_id,omitempty"`
	Messages   int     `json:"messages"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
}

// run handles POST /api/v1/sessions/{id}/query: executes the prompt to
// completion and returns the terminal outcome as JSON. No live delivery.
func (h *queryHandler) run(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	out := h.executor.Run(r.Context(), query.Request{
		Session: sess,
		Prompt:  req.Prompt,
		Resume:  sess.UpstreamID,
		Timeout: h.timeout(req),
	})
	h.finalize(r, sess, out)

	writeJSON(w, http.StatusOK, queryResponse{
		Success:    out.Success,
		Reason:     string(out.Reason),
		Summary:    out.Summary,
		UpstreamID: out.UpstreamID,
		Messages:   out.Messages,
		DurationMS: out.DurationMS,
		CostUSD:    out.CostUSD,
		NumTurns:   out.NumTurns,
	}, h.logger)
}

// prepare parses the request body and resolves a usable session, writing the
// error response itself when it returns ok=false.
func (h *queryHandler) prepare(w http.ResponseWriter, r *http.Request) (*store.Session, queryRequest, bool) {
	sh := &sessionHandler{sessions: h.sessions, logger: h.logger}
	id, ok := sh.sessionID(w, r)
	if !ok {
		return nil, queryRequest{}, false
	}

	var req queryRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return nil, queryRequest{}, false
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "missing_prompt", "prompt is required", h.logger)
		return nil, queryRequest{}, false
	}

	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		sh.notFoundOrUnavailable(w, err, "could not load session")
		return nil, queryRequest{}, false
	}
	if sess.Status != store.StatusActive {
		writeError(w, http.StatusConflict, "session_not_active", "session is "+string(sess.Status), h.logger)
		return nil, queryRequest{}, false
	}
	return sess, req, true
}

// timeout resolves the effective query timeout from the request override and
// the server default.
func (h *queryHandler) timeout(req queryRequest) time.Duration {
	switch {
	case req.TimeoutMS > 0:
		return time.Duration(req.TimeoutMS) * time.Millisecond
	case req.TimeoutMS < 0:
		return 0
	default:
		return h.defaultTimeout
	}
}

// finalize performs the post-query session bookkeeping: renew activity and
// record the upstream conversation id, whatever the outcome. Uses a fresh
// context because the request context may already be canceled.
func (h *queryHandler) finalize(r *http.Request, sess *store.Session, out query.Outcome) {
	// The request context may already be canceled (client disconnect);
	// bookkeeping must still land.
	ctx := context.WithoutCancel(r.Context())

	if err := h.sessions.UpdateActivity(ctx, sess.ID); err != nil {
		h.logger.Warn("renewing session activity", "error", err, "session_id", sess.ID)
	}
	if err := h.sessions.SetUpstreamID(ctx, sess.ID, out.UpstreamID); err != nil {
		h.logger.Warn("recording upstream id", "error", err, "session_id", sess.ID)
	}
}
