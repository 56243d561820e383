package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/query"
)

// SSE event types for streaming queries.
const (
	EventConnected = "connected" // channel established, query about to start
	EventMessage   = "message"   // one agent message
	EventComplete  = "complete"  // terminal: query finished
	EventError     = "error"     // terminal: query failed
)

// keepaliveInterval is how often an SSE comment is written on an idle stream
// so intermediary proxies do not time the connection out.
const keepaliveInterval = 15 * time.Second

// connectedPayload is the data of the connected event.
type connectedPayload struct {
	SessionID string `json:"session_id"`
}

// messagePayload is the data of each message event.
type messagePayload struct {
	Seq     int             `json:"seq"`
	Kind    string          `json:"kind"`
	Subtype string          `json:"subtype,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// completePayload is the data of the complete event.
type completePayload struct {
	Success    bool    `json:"success"`
	Summary    string  `json:"summary,omitempty"`
	UpstreamID string  `json:"upstream_id,omitempty"`
	Messages   int     `json:"messages"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
}

// errorPayload is the data of the error event.
type errorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// stream handles POST /api/v1/sessions/{id}/stream: runs the prompt and
// relays every agent message as an SSE event, ending with exactly one
// terminal event.
//
// Stream lifecycle: connecting (headers + connected event) → streaming
// (message events + keepalives) → one terminal complete or error event.
// A client disconnect while streaming cancels the query; a disconnect after
// the terminal event is the normal end of the stream.
func (h *queryHandler) stream(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// The connected event goes out before the executor starts, so clients
	// with short connect-timeouts see a live channel immediately. A write
	// failure here means the client is already gone; nothing has started,
	// so there is nothing to cancel.
	if err := writeSSEEvent(w, flusher, EventConnected, connectedPayload{SessionID: sess.ID.String()}); err != nil {
		h.logger.Debug("client disconnected before query start", "session_id", sess.ID)
		return
	}

	runCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan messagePayload, 16)
	outcomeCh := make(chan query.Outcome, 1)
	go func() {
		outcomeCh <- h.executor.Run(runCtx, query.Request{
			Session: sess,
			Prompt:  req.Prompt,
			Resume:  sess.UpstreamID,
			Timeout: h.timeout(req),
			Sink: func(seq int, msg agent.Message) error {
				select {
				case events <- messagePayload{
					Seq:     seq,
					Kind:    msg.Kind,
					Subtype: msg.Subtype,
					Payload: msg.Payload,
				}:
					return nil
				case <-runCtx.Done():
					return runCtx.Err()
				}
			},
		})
	}()

	interval := h.keepalive
	if interval <= 0 {
		interval = keepaliveInterval
	}
	keepalive := time.NewTicker(interval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Disconnect while streaming: cancel and wait for the
			// executor's terminal outcome so bookkeeping still runs.
			cancel()
			h.finalize(r, sess, <-outcomeCh)
			h.logger.Info("client disconnected mid-stream", "session_id", sess.ID)
			return

		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				cancel()
				h.finalize(r, sess, <-outcomeCh)
				return
			}
			flusher.Flush()

		case ev := <-events:
			if err := writeSSEEvent(w, flusher, EventMessage, ev); err != nil {
				// Write failure means the connection is dead.
				cancel()
				h.finalize(r, sess, <-outcomeCh)
				return
			}

		case out := <-outcomeCh:
			// Flush messages the sink queued before the executor
			// returned, preserving delivery order.
			h.drainEvents(w, flusher, events)
			h.finalize(r, sess, out)
			h.writeTerminal(w, flusher, out)
			h.logger.Info("stream finished",
				"session_id", sess.ID,
				"reason", out.Reason,
				"messages", out.Messages,
			)
			return
		}
	}
}

func (h *queryHandler) drainEvents(w io.Writer, flusher http.Flusher, events <-chan messagePayload) {
	for {
		select {
		case ev := <-events:
			if err := writeSSEEvent(w, flusher, EventMessage, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

// writeTerminal emits the single terminal event for the stream.
func (h *queryHandler) writeTerminal(w io.Writer, flusher http.Flusher, out query.Outcome) {
	if out.Reason == query.ReasonCompleted {
		_ = writeSSEEvent(w, flusher, EventComplete, completePayload{
			Success:    out.Success,
			Summary:    out.Summary,
			UpstreamID: out.UpstreamID,
			Messages:   out.Messages,
			DurationMS: out.DurationMS,
			CostUSD:    out.CostUSD,
			NumTurns:   out.NumTurns,
		})
		return
	}
	_ = writeSSEEvent(w, flusher, EventError, errorPayload{
		Reason:  string(out.Reason),
		Message: out.Summary,
	})
}

// writeSSEEvent writes one SSE event with JSON-encoded data and flushes.
// Format: "event: <type>\ndata: <json>\n\n".
func writeSSEEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}
