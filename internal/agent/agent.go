// Package agent models the coding-agent backend as a capability: given a
// prompt and options, produce an ordered stream of structured messages,
// honoring cancellation.
//
// Message payloads are opaque to the rest of the system. Only three facts are
// lifted out of a payload: the message kind, the agent's own conversation
// identifier (used for resuming), and the terminal result metadata carried by
// result-kind messages.
package agent

import (
	"context"
	"encoding/json"
	"iter"
)

// Message kinds emitted by agent backends. The set is agent-defined and open;
// these constants cover the kinds the core inspects.
const (
	KindSystem    = "system"
	KindUser      = "user"
	KindAssistant = "assistant"
	KindResult    = "result"
)

// Message is one unit of agent output. Payload holds the full structured
// message as received; Kind, Subtype and UpstreamID are lifted from it.
type Message struct {
	Kind       string
	Subtype    string
	UpstreamID string
	Payload    json.RawMessage
}

// Options configures one agent invocation. Zero values mean "agent default".
type Options struct {
	Model          string
	WorkingDir     string
	PermissionMode string
	SystemPrompt   string
	MaxTurns       int

	// Resume is the upstream conversation identifier from a prior invocation.
	// Empty starts a fresh conversation.
	Resume string
}

// Runner launches one agent invocation and yields its messages in order.
//
// The sequence ends after the last message. A yielded error before any
// message means the backend could not be launched; an error after messages
// means the agent failed mid-stream. Implementations must stop promptly when
// ctx is canceled.
type Runner interface {
	Run(ctx context.Context, prompt string, opts Options) iter.Seq2[Message, error]
}

// Result is the metadata extracted from a result-kind message payload.
type Result struct {
	Success    bool
	Summary    string
	DurationMS int64
	CostUSD    float64
	NumTurns   int
}

// resultPayload mirrors the result-kind wire shape. Unknown fields are
// preserved untouched in Message.Payload.
type resultPayload struct {
	Subtype    string  `json:"subtype"`
	IsError    bool    `json:"is_error"`
	Result     string  `json:"result"`
	DurationMS int64   `json:"duration_ms"`
	CostUSD    float64 `json:"total_cost_usd"`
	NumTurns   int     `json:"num_turns"`
}

// ParseResult extracts terminal metadata from a result-kind payload.
// Returns false if the payload does not decode as a result message.
func ParseResult(payload json.RawMessage) (Result, bool) {
	var rp resultPayload
	if err := json.Unmarshal(payload, &rp); err != nil {
		return Result{}, false
	}
	return Result{
		Success:    !rp.IsError,
		Summary:    rp.Result,
		DurationMS: rp.DurationMS,
		CostUSD:    rp.CostUSD,
		NumTurns:   rp.NumTurns,
	}, true
}
