package testutil

import (
	"context"
	"iter"
	"sync"

	"github.com/agentgate/agentgate/internal/agent"
)

// Runner is a scripted agent.Runner for tests. It yields Messages in order,
// then optionally an error (upstream failure) or blocks until cancellation.
type Runner struct {
	// Messages are yielded in order.
	Messages []agent.Message

	// LaunchErr, if set, is yielded before any message.
	LaunchErr error

	// Err, if set, is yielded after all Messages (mid-stream agent failure).
	Err error

	// Gate, if non-nil, is received from before each message is yielded,
	// letting tests control exactly how far the stream advances.
	Gate chan struct{}

	// Hang, if true, blocks after the last message until ctx is canceled,
	// simulating an agent that never completes.
	Hang bool

	mu         sync.Mutex
	lastPrompt string
	lastOpts   agent.Options
	runs       int
}

// Run implements agent.Runner.
func (r *Runner) Run(ctx context.Context, prompt string, opts agent.Options) iter.Seq2[agent.Message, error] {
	r.mu.Lock()
	r.lastPrompt = prompt
	r.lastOpts = opts
	r.runs++
	r.mu.Unlock()

	return func(yield func(agent.Message, error) bool) {
		if r.LaunchErr != nil {
			yield(agent.Message{}, r.LaunchErr)
			return
		}
		for _, msg := range r.Messages {
			if r.Gate != nil {
				select {
				case <-ctx.Done():
					return
				case <-r.Gate:
				}
			}
			if ctx.Err() != nil {
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
		if r.Hang {
			<-ctx.Done()
			return
		}
		if r.Err != nil {
			yield(agent.Message{}, r.Err)
		}
	}
}

// LastPrompt returns the prompt from the most recent Run call.
func (r *Runner) LastPrompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPrompt
}

// LastOptions returns the options from the most recent Run call.
func (r *Runner) LastOptions() agent.Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOpts
}

// Runs returns how many times Run was called.
func (r *Runner) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}
