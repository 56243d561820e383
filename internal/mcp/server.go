// Package mcp exposes the session and query operations as Model Context
// Protocol tools, so other agents and editors can drive sessions over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/query"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/store"
)

// Server wraps the MCP SDK server around the session manager and executor.
type Server struct {
	mcpServer *mcp.Server
	sessions  *session.Manager
	executor  *query.Executor
	logger    log.Logger
}

// Config holds MCP server configuration.
type Config struct {
	Name     string
	Version  string
	Sessions *session.Manager
	Executor *query.Executor
	Logger   log.Logger
}

// NewServer creates an MCP server with all tools registered.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("query executor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Config{})
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		sessions: cfg.Sessions,
		executor: cfg.Executor,
		logger:   logger.With("component", "mcp"),
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}
	return s, nil
}

// Run serves MCP protocol traffic on the given transport until ctx is
// canceled. Blocking.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

// Tool input types. Field tags drive the generated JSON schemas.

type createSessionInput struct {
	Model          string            `json:"model,omitempty" jsonschema:"Model name for the session"`
	WorkingDir     string            `json:"working_dir,omitempty" jsonschema:"Working directory for agent invocations"`
	PermissionMode string            `json:"permission_mode,omitempty" jsonschema:"Agent permission mode"`
	SystemPrompt   string            `json:"system_prompt,omitempty" jsonschema:"System prompt addendum"`
	MaxTurns       int               `json:"max_turns,omitempty" jsonschema:"Maximum agent turns per query"`
	Metadata       map[string]string `json:"metadata,omitempty" jsonschema:"Arbitrary metadata attached to the session"`
}

type sessionIDInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier (UUID)"`
}

type listSessionsInput struct {
	ActiveOnly bool `json:"active_only,omitempty" jsonschema:"Only return sessions that are active and unexpired"`
}

type runQueryInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier (UUID)"`
	Prompt    string `json:"prompt" jsonschema:"Prompt text to run"`
	TimeoutMS int64  `json:"timeout_ms,omitempty" jsonschema:"Query timeout in milliseconds (0 = no timeout)"`
}

type getMessagesInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier (UUID)"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum messages to return (default 100)"`
	Offset    int    `json:"offset,omitempty" jsonschema:"Number of messages to skip"`
}

func (s *Server) registerTools() error {
	if err := registerTool(s, "create_session",
		"Create a new agent session with the given configuration. Returns the session id and expiry.",
		s.createSession); err != nil {
		return err
	}
	if err := registerTool(s, "list_sessions",
		"List sessions ordered by most recent activity.",
		s.listSessions); err != nil {
		return err
	}
	if err := registerTool(s, "get_session",
		"Get one session by id, including its status and message count.",
		s.getSession); err != nil {
		return err
	}
	if err := registerTool(s, "end_session",
		"End a session and delete its message history.",
		s.endSession); err != nil {
		return err
	}
	if err := registerTool(s, "run_query",
		"Run a prompt against a session and return the terminal outcome. Blocks until the query finishes.",
		s.runQuery); err != nil {
		return err
	}
	if err := registerTool(s, "get_messages",
		"Get persisted message history for a session, in sequence order.",
		s.getMessages); err != nil {
		return err
	}
	return nil
}

// registerTool infers the input schema from In and registers the handler.
func registerTool[In any](s *Server, name, description string, handler func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, any, error)) error {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", name, err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}, handler)
	return nil
}

func (s *Server) createSession(ctx context.Context, _ *mcp.CallToolRequest, in createSessionInput) (*mcp.CallToolResult, any, error) {
	sess, err := s.sessions.Create(ctx, store.SessionConfig{
		Model:          in.Model,
		WorkingDir:     in.WorkingDir,
		PermissionMode: in.PermissionMode,
		SystemPrompt:   in.SystemPrompt,
		MaxTurns:       in.MaxTurns,
		Metadata:       in.Metadata,
	})
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(sessionView(sess))
}

func (s *Server) listSessions(ctx context.Context, _ *mcp.CallToolRequest, in listSessionsInput) (*mcp.CallToolResult, any, error) {
	var (
		sessions []*store.Session
		err      error
	)
	if in.ActiveOnly {
		sessions, err = s.sessions.ListActive(ctx)
	} else {
		sessions, err = s.sessions.List(ctx)
	}
	if err != nil {
		return errorResult(err), nil, nil
	}

	views := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView(sess))
	}
	return jsonResult(map[string]any{"sessions": views})
}

func (s *Server) getSession(ctx context.Context, _ *mcp.CallToolRequest, in sessionIDInput) (*mcp.CallToolResult, any, error) {
	id, err := uuid.Parse(in.SessionID)
	if err != nil {
		return errorResult(fmt.Errorf("invalid session id: %w", err)), nil, nil
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(sessionView(sess))
}

func (s *Server) endSession(ctx context.Context, _ *mcp.CallToolRequest, in sessionIDInput) (*mcp.CallToolResult, any, error) {
	id, err := uuid.Parse(in.SessionID)
	if err != nil {
		return errorResult(fmt.Errorf("invalid session id: %w", err)), nil, nil
	}
	existed, err := s.sessions.End(ctx, id)
	if err != nil {
		return errorResult(err), nil, nil
	}
	if !existed {
		return errorResult(store.ErrSessionNotFound), nil, nil
	}
	return jsonResult(map[string]string{"status": "ended"})
}

func (s *Server) runQuery(ctx context.Context, _ *mcp.CallToolRequest, in runQueryInput) (*mcp.CallToolResult, any, error) {
	id, err := uuid.Parse(in.SessionID)
	if err != nil {
		return errorResult(fmt.Errorf("invalid session id: %w", err)), nil, nil
	}
	if in.Prompt == "" {
		return errorResult(fmt.Errorf("prompt is required")), nil, nil
	}

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return errorResult(err), nil, nil
	}
	if sess.Status != store.StatusActive {
		return errorResult(fmt.Errorf("%w: status is %s", session.ErrSessionNotActive, sess.Status)), nil, nil
	}

	out := s.executor.Run(ctx, query.Request{
		Session: sess,
		Prompt:  in.Prompt,
		Resume:  sess.UpstreamID,
		Timeout: time.Duration(in.TimeoutMS) * time.Millisecond,
	})

	bctx := context.WithoutCancel(ctx)
	if err := s.sessions.UpdateActivity(bctx, sess.ID); err != nil {
		s.logger.Warn("renewing session activity", "error", err, "session_id", sess.ID)
	}
	if err := s.sessions.SetUpstreamID(bctx, sess.ID, out.UpstreamID); err != nil {
		s.logger.Warn("recording upstream id", "error", err, "session_id", sess.ID)
	}

	return jsonResult(map[string]any{
		"success":     out.Success,
		"reason":      string(out.Reason),
		"summary":     out.Summary,
		"upstream_id": out.UpstreamID,
		"messages":    out.Messages,
		"duration_ms": out.DurationMS,
		"cost_usd":    out.CostUSD,
		"num_turns":   out.NumTurns,
	})
}

func (s *Server) getMessages(ctx context.Context, _ *mcp.CallToolRequest, in getMessagesInput) (*mcp.CallToolResult, any, error) {
	id, err := uuid.Parse(in.SessionID)
	if err != nil {
		return errorResult(fmt.Errorf("invalid session id: %w", err)), nil, nil
	}
	if _, err := s.sessions.Get(ctx, id); err != nil {
		return errorResult(err), nil, nil
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 100
	}
	msgs, err := s.sessions.Messages(ctx, id, limit, max(in.Offset, 0))
	if err != nil {
		return errorResult(err), nil, nil
	}
	total, err := s.sessions.MessageCount(ctx, id)
	if err != nil {
		return errorResult(err), nil, nil
	}

	views := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		view := map[string]any{
			"seq":        m.Seq,
			"kind":       m.Kind,
			"provenance": m.Provenance,
			"payload":    json.RawMessage(m.Payload),
			"created_at": m.CreatedAt,
		}
		if m.Subtype != "" {
			view["subtype"] = m.Subtype
		}
		if m.Meta != nil {
			view["meta"] = m.Meta
		}
		views = append(views, view)
	}
	return jsonResult(map[string]any{
		"messages":    views,
		"total_count": total,
	})
}

func sessionView(sess *store.Session) map[string]any {
	view := map[string]any{
		"id":            sess.ID.String(),
		"status":        string(sess.Status),
		"created_at":    sess.CreatedAt,
		"expires_at":    sess.ExpiresAt,
		"last_activity": sess.LastActivity,
		"message_count": sess.MessageCount,
	}
	if sess.UpstreamID != "" {
		view["upstream_id"] = sess.UpstreamID
	}
	if sess.Config.Model != "" {
		view["model"] = sess.Config.Model
	}
	return view
}

// jsonResult wraps a value as a single JSON text content block.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// errorResult reports a domain error to the calling agent without failing
// the protocol exchange.
func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}
