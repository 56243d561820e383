package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/query"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/store"
	"github.com/agentgate/agentgate/internal/testutil"
)

func newTestMCPServer(t *testing.T, runner agent.Runner) *Server {
	t.Helper()
	if runner == nil {
		runner = &testutil.Runner{}
	}
	mem := store.NewMemory()
	logger := log.NewNop()
	mgr := session.NewManager(mem, session.Config{TTL: time.Hour, MaxSessions: 10}, logger)
	exec := query.NewExecutor(runner, mem, logger)

	srv, err := NewServer(Config{
		Name:     "agentgate",
		Version:  "test",
		Sessions: mgr,
		Executor: exec,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv
}

// decodeResult unmarshals the single JSON text content block of a tool result.
func decodeResult(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("result has %d content blocks, want 1", len(res.Content))
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want *mcp.TextContent", res.Content[0])
	}
	if err := json.Unmarshal([]byte(text.Text), v); err != nil {
		t.Fatalf("decoding result %q: %v", text.Text, err)
	}
}

func TestNewServer_Validation(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("NewServer() with empty config succeeded, want error")
	}
}

func TestCreateAndGetSession(t *testing.T) {
	srv := newTestMCPServer(t, nil)
	ctx := context.Background()

	res, _, err := srv.createSession(ctx, nil, createSessionInput{Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("create_session error = %v", err)
	}
	if res.IsError {
		t.Fatalf("create_session failed: %v", res.Content)
	}

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeResult(t, res, &created)
	if created.Status != "active" {
		t.Errorf("status = %q, want active", created.Status)
	}

	res, _, err = srv.getSession(ctx, nil, sessionIDInput{SessionID: created.ID})
	if err != nil {
		t.Fatalf("get_session error = %v", err)
	}
	if res.IsError {
		t.Fatalf("get_session failed: %v", res.Content)
	}

	res, _, _ = srv.getSession(ctx, nil, sessionIDInput{SessionID: "not-a-uuid"})
	if !res.IsError {
		t.Error("get_session with bad id did not report an error")
	}
}

func TestRunQueryTool(t *testing.T) {
	runner := &testutil.Runner{Messages: []agent.Message{
		{
			Kind:       agent.KindSystem,
			UpstreamID: "conv-5",
			Payload:    json.RawMessage(`{"type":"system"}`),
		},
		{
			Kind:    agent.KindResult,
			Payload: json.RawMessage(`{"type":"result","is_error":false,"result":"done","num_turns":1}`),
		},
	}}
	srv := newTestMCPServer(t, runner)
	ctx := context.Background()

	res, _, err := srv.createSession(ctx, nil, createSessionInput{})
	if err != nil || res.IsError {
		t.Fatalf("create_session: %v %v", err, res)
	}
	var created struct {
		ID string `json:"id"`
	}
	decodeResult(t, res, &created)

	res, _, err = srv.runQuery(ctx, nil, runQueryInput{SessionID: created.ID, Prompt: "Hello"})
	if err != nil {
		t.Fatalf("run_query error = %v", err)
	}
	if res.IsError {
		t.Fatalf("run_query failed: %v", res.Content)
	}

	var out struct {
		Success    bool   `json:"success"`
		Reason     string `json:"reason"`
		Summary    string `json:"summary"`
		UpstreamID string `json:"upstream_id"`
		Messages   int    `json:"messages"`
	}
	decodeResult(t, res, &out)
	if !out.Success || out.Reason != "completed" || out.Summary != "done" {
		t.Errorf("outcome = %+v", out)
	}
	if out.UpstreamID != "conv-5" || out.Messages != 2 {
		t.Errorf("outcome = %+v", out)
	}

	// History is visible through get_messages.
	res, _, err = srv.getMessages(ctx, nil, getMessagesInput{SessionID: created.ID})
	if err != nil || res.IsError {
		t.Fatalf("get_messages: %v %v", err, res)
	}
	var hist struct {
		TotalCount int `json:"total_count"`
	}
	decodeResult(t, res, &hist)
	if hist.TotalCount != 2 {
		t.Errorf("total_count = %d, want 2", hist.TotalCount)
	}
}

func TestEndSessionTool(t *testing.T) {
	srv := newTestMCPServer(t, nil)
	ctx := context.Background()

	res, _, _ := srv.createSession(ctx, nil, createSessionInput{})
	var created struct {
		ID string `json:"id"`
	}
	decodeResult(t, res, &created)

	res, _, err := srv.endSession(ctx, nil, sessionIDInput{SessionID: created.ID})
	if err != nil || res.IsError {
		t.Fatalf("end_session: %v %v", err, res)
	}

	res, _, _ = srv.endSession(ctx, nil, sessionIDInput{SessionID: created.ID})
	if !res.IsError {
		t.Error("ending an already-ended session did not report an error")
	}
}
