package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/query"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/store"
	"github.com/agentgate/agentgate/internal/testutil"
)

func postStream(t *testing.T, srv *Server, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/sessions/%s/stream", sessionID),
		strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStream_Success(t *testing.T) {
	srv := newTestServer(t, &testutil.Runner{Messages: queryScript()}, session.Config{})
	view := createTestSession(t, srv)

	rec := postStream(t, srv, view.ID, `{"prompt":"Hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := testutil.ParseSSEEvents(t, rec.Body.String())
	if len(events) == 0 {
		t.Fatal("no SSE events")
	}

	// The connected event leads, before any executor output.
	if events[0].Type != EventConnected {
		t.Fatalf("first event = %q, want connected", events[0].Type)
	}
	var conn connectedPayload
	if err := json.Unmarshal([]byte(events[0].Data), &conn); err != nil {
		t.Fatal(err)
	}
	if conn.SessionID != view.ID {
		t.Errorf("connected session_id = %q, want %q", conn.SessionID, view.ID)
	}

	// Message events in sequence order.
	msgs := testutil.FilterEvents(events, EventMessage)
	if len(msgs) != 3 {
		t.Fatalf("message events = %d, want 3", len(msgs))
	}
	for i, ev := range msgs {
		var mp messagePayload
		if err := json.Unmarshal([]byte(ev.Data), &mp); err != nil {
			t.Fatal(err)
		}
		if mp.Seq != i+1 {
			t.Errorf("message %d seq = %d, want %d", i, mp.Seq, i+1)
		}
	}

	// Exactly one terminal event, and it is the last.
	completes := testutil.FilterEvents(events, EventComplete)
	errs := testutil.FilterEvents(events, EventError)
	if len(completes) != 1 || len(errs) != 0 {
		t.Fatalf("terminal events: %d complete, %d error, want exactly one complete", len(completes), len(errs))
	}
	if events[len(events)-1].Type != EventComplete {
		t.Errorf("last event = %q, want complete", events[len(events)-1].Type)
	}

	var cp completePayload
	if err := json.Unmarshal([]byte(completes[0].Data), &cp); err != nil {
		t.Fatal(err)
	}
	if !cp.Success || cp.Summary != "Hi there" || cp.UpstreamID != "conv-1" {
		t.Errorf("complete payload = %+v", cp)
	}

	// Bookkeeping ran after the terminal event.
	after := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+view.ID, "")
	var sv sessionView
	if err := json.Unmarshal(after.Body.Bytes(), &sv); err != nil {
		t.Fatal(err)
	}
	if sv.MessageCount != 1 || sv.UpstreamID != "conv-1" {
		t.Errorf("session after stream = %+v", sv)
	}
}

func TestStream_UpstreamFailure(t *testing.T) {
	runner := &testutil.Runner{
		Messages: queryScript()[:2],
		Err:      errors.New("agent crashed"),
	}
	srv := newTestServer(t, runner, session.Config{})
	view := createTestSession(t, srv)

	rec := postStream(t, srv, view.ID, `{"prompt":"Hello"}`)
	events := testutil.ParseSSEEvents(t, rec.Body.String())

	errEv := testutil.FindEvent(events, EventError)
	if errEv == nil {
		t.Fatal("no error event")
	}
	var ep errorPayload
	if err := json.Unmarshal([]byte(errEv.Data), &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Reason != "upstream_failure" {
		t.Errorf("reason = %q, want upstream_failure", ep.Reason)
	}
	if testutil.FindEvent(events, EventComplete) != nil {
		t.Error("complete event present alongside error")
	}
	if got := len(testutil.FilterEvents(events, EventMessage)); got != 2 {
		t.Errorf("message events = %d, want 2 (delivered before failure)", got)
	}
}

func TestStream_InitFailure(t *testing.T) {
	runner := &testutil.Runner{LaunchErr: errors.New("binary not found")}
	srv := newTestServer(t, runner, session.Config{})
	view := createTestSession(t, srv)

	rec := postStream(t, srv, view.ID, `{"prompt":"Hello"}`)
	events := testutil.ParseSSEEvents(t, rec.Body.String())

	errEv := testutil.FindEvent(events, EventError)
	if errEv == nil {
		t.Fatal("no error event")
	}
	var ep errorPayload
	if err := json.Unmarshal([]byte(errEv.Data), &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Reason != "initialization_failure" {
		t.Errorf("reason = %q, want initialization_failure", ep.Reason)
	}
}

func TestStream_Timeout(t *testing.T) {
	runner := &testutil.Runner{Messages: queryScript()[:1], Hang: true}
	srv := newTestServer(t, runner, session.Config{})
	view := createTestSession(t, srv)

	rec := postStream(t, srv, view.ID, `{"prompt":"Hello","timeout_ms":50}`)
	events := testutil.ParseSSEEvents(t, rec.Body.String())

	errEv := testutil.FindEvent(events, EventError)
	if errEv == nil {
		t.Fatal("no error event")
	}
	var ep errorPayload
	if err := json.Unmarshal([]byte(errEv.Data), &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Reason != "timed_out" {
		t.Errorf("reason = %q, want timed_out", ep.Reason)
	}
}

// A client disconnect mid-stream cancels the query; no terminal event is
// written to the dead connection, but session bookkeeping still runs.
func TestStream_ClientDisconnect(t *testing.T) {
	gate := make(chan struct{})
	msgs := queryScript()
	runner := &testutil.Runner{Messages: msgs, Gate: gate}
	srv := newTestServer(t, runner, session.Config{})
	view := createTestSession(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/sessions/%s/stream", view.ID),
		strings.NewReader(`{"prompt":"Hello"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.Handler().ServeHTTP(rec, req)
		close(done)
	}()

	// Let one message through, then drop the client.
	gate <- struct{}{}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after disconnect")
	}

	// Bookkeeping still ran despite the dead connection.
	after := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+view.ID, "")
	var sv sessionView
	if err := json.Unmarshal(after.Body.Bytes(), &sv); err != nil {
		t.Fatal(err)
	}
	if sv.MessageCount != 1 {
		t.Errorf("message_count = %d, want 1 (activity renewed after cancel)", sv.MessageCount)
	}
	if sv.Status != "active" {
		t.Errorf("status = %q, want active", sv.Status)
	}
}

// An idle stream carries keepalive comments between events, and the comments
// do not disturb event framing.
func TestStream_Keepalive(t *testing.T) {
	runner := &testutil.Runner{Messages: queryScript()[:1], Hang: true}
	mem := store.NewMemory()
	logger := log.NewNop()
	mgr := session.NewManager(mem, session.Config{TTL: time.Hour}, logger)

	srv, err := NewServer(ServerConfig{
		Logger:            logger,
		Sessions:          mgr,
		Executor:          query.NewExecutor(runner, mem, logger),
		RateBurst:         10000,
		KeepaliveInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	view := createTestSession(t, srv)

	// The agent hangs after its first message, so the stream idles until
	// the timeout fires; keepalives must appear in between.
	rec := postStream(t, srv, view.ID, `{"prompt":"Hello","timeout_ms":200}`)
	body := rec.Body.String()
	if !strings.Contains(body, ": keepalive") {
		t.Error("no keepalive comment on an idle stream")
	}

	events := testutil.ParseSSEEvents(t, body)
	if events[0].Type != EventConnected {
		t.Errorf("first event = %q, want connected", events[0].Type)
	}
	if testutil.FindEvent(events, EventError) == nil {
		t.Error("missing terminal event after timeout")
	}
}

func TestStream_UnknownSession(t *testing.T) {
	srv := newTestServer(t, nil, session.Config{})
	rec := postStream(t, srv, "00000000-0000-0000-0000-000000000001", `{"prompt":"hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
