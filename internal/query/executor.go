// Package query drives one prompt-to-completion execution against an agent
// backend: it consumes the agent's message stream, assigns sequence numbers,
// persists each message, forwards it to an optional live sink, and reduces
// the whole run to a single terminal outcome.
//
// Cancellation fans in from three sources: the caller's context (transport
// disconnect), the configured timeout, and the agent's own failure. Whichever
// fires first determines the reported reason; later triggers are no-ops.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/store"
)

// Reason classifies why a query ended.
type Reason string

const (
	// ReasonCompleted marks a natural completion, successful or not
	// according to the agent's own result message.
	ReasonCompleted Reason = "completed"

	// ReasonCancelled marks a caller- or transport-initiated cancellation.
	ReasonCancelled Reason = "cancelled"

	// ReasonTimedOut marks expiry of the configured timeout.
	ReasonTimedOut Reason = "timed_out"

	// ReasonUpstreamFailure marks an error reported by the agent mid-stream.
	ReasonUpstreamFailure Reason = "upstream_failure"

	// ReasonInitFailure marks an agent that could not be launched at all.
	ReasonInitFailure Reason = "initialization_failure"
)

// errTimeout is the cancellation cause installed by the timeout timer, so it
// can be told apart from a caller cancel when inspecting context.Cause.
var errTimeout = errors.New("query timeout elapsed")

// Sink delivers one message to a live consumer. Delivery failures are logged
// and do not abort the query.
type Sink func(seq int, msg agent.Message) error

// Request describes one query execution.
type Request struct {
	// Session is the configuration snapshot to run against.
	Session *store.Session

	// Prompt is the user's input text.
	Prompt string

	// Resume, when non-empty, continues the agent's prior conversation.
	Resume string

	// Timeout bounds the execution. Zero means no timeout.
	Timeout time.Duration

	// Sink receives each message live. Nil means no live delivery; only
	// the terminal outcome matters.
	Sink Sink
}

// Outcome is the terminal result of one query execution. It is always
// returned, even on cancellation, so callers keep whatever was produced
// before the query stopped.
type Outcome struct {
	Success bool
	Reason  Reason

	// Summary is the agent's human-readable result text, or the failure
	// description for non-completed reasons.
	Summary string

	// UpstreamID is the agent's conversation identifier, captured from the
	// first message carrying one. Reported regardless of outcome so the
	// client can resume rather than restart.
	UpstreamID string

	// Messages is how many messages were observed and sequenced.
	Messages int

	DurationMS int64
	CostUSD    float64
	NumTurns   int
}

// Executor runs queries against an agent backend, persisting output as it
// streams.
type Executor struct {
	runner agent.Runner
	store  store.Store
	logger log.Logger

	now func() time.Time
}

// NewExecutor creates a query executor.
func NewExecutor(runner agent.Runner, s store.Store, logger log.Logger) *Executor {
	return &Executor{
		runner: runner,
		store:  s,
		logger: logger.With("component", "query"),
		now:    time.Now,
	}
}

// Run executes one query to completion and returns its terminal outcome.
// Run never calls the session manager; renewing activity and recording the
// upstream id from the outcome is the caller's job.
func (e *Executor) Run(ctx context.Context, req Request) Outcome {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if req.Timeout > 0 {
		timer := time.AfterFunc(req.Timeout, func() {
			cancel(errTimeout)
		})
		defer timer.Stop()
	}

	cfg := req.Session.Config
	opts := agent.Options{
		Model:          cfg.Model,
		WorkingDir:     cfg.WorkingDir,
		PermissionMode: cfg.PermissionMode,
		SystemPrompt:   cfg.SystemPrompt,
		MaxTurns:       cfg.MaxTurns,
		Resume:         req.Resume,
	}

	// Sequence numbers are per session and never reused: a later query
	// continues numbering where the persisted history left off. If the
	// count cannot be read the appends below will fail the same way, and
	// they are already best-effort.
	base, err := e.store.GetMessageCount(ctx, req.Session.ID)
	if err != nil {
		e.logger.Warn("seeding message sequence",
			"session_id", req.Session.ID,
			"error", err,
		)
	}

	var (
		count      int
		upstreamID string
		result     agent.Result
		haveResult bool
		runErr     error
	)

	for msg, err := range e.runner.Run(runCtx, req.Prompt, opts) {
		if err != nil {
			runErr = err
			break
		}

		// Stop before processing anything observed after cancellation.
		if runCtx.Err() != nil {
			break
		}

		count++
		seq := base + count
		if upstreamID == "" && msg.UpstreamID != "" {
			upstreamID = msg.UpstreamID
		}

		rec := store.MessageRecord{
			SessionID:  req.Session.ID,
			Seq:        seq,
			Kind:       msg.Kind,
			Subtype:    msg.Subtype,
			Payload:    msg.Payload,
			Provenance: store.ProvenanceSDK,
			CreatedAt:  e.now(),
		}
		if msg.Kind == agent.KindResult {
			if r, ok := agent.ParseResult(msg.Payload); ok {
				result = r
				haveResult = true
				rec.Meta = &store.ResultMeta{
					DurationMS: r.DurationMS,
					CostUSD:    r.CostUSD,
					NumTurns:   r.NumTurns,
				}
			}
		}

		// History is an audit trail; a failed append never aborts the query.
		if err := e.store.AppendMessage(ctx, rec); err != nil {
			e.logger.Warn("message append failed",
				"session_id", req.Session.ID,
				"seq", seq,
				"error", err,
			)
		}

		if req.Sink != nil {
			if err := req.Sink(seq, msg); err != nil {
				e.logger.Warn("live delivery failed",
					"session_id", req.Session.ID,
					"seq", seq,
					"error", err,
				)
			}
		}
	}

	out := Outcome{
		UpstreamID: upstreamID,
		Messages:   count,
	}

	// Cancellation takes precedence over whatever error the abort surfaced
	// as; the recorded cause distinguishes timeout from caller cancel.
	if cause := context.Cause(runCtx); cause != nil && runCtx.Err() != nil {
		switch {
		case errors.Is(cause, errTimeout):
			out.Reason = ReasonTimedOut
			out.Summary = fmt.Sprintf("timed out after %s", req.Timeout)
		default:
			out.Reason = ReasonCancelled
			out.Summary = "query cancelled"
		}
		return out
	}

	if runErr != nil {
		if count == 0 {
			out.Reason = ReasonInitFailure
			out.Summary = fmt.Sprintf("agent failed to start: %v", runErr)
		} else {
			out.Reason = ReasonUpstreamFailure
			out.Summary = fmt.Sprintf("agent failed: %v", runErr)
		}
		return out
	}

	out.Reason = ReasonCompleted
	if haveResult {
		out.Success = result.Success
		out.Summary = result.Summary
		out.DurationMS = result.DurationMS
		out.CostUSD = result.CostUSD
		out.NumTurns = result.NumTurns
	} else {
		// The agent completed without a result message; treat the run as
		// successful but summary-less.
		out.Success = true
	}
	return out
}
