package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os/exec"
	"strconv"
	"strings"

	"github.com/agentgate/agentgate/internal/log"
)

// Line-length limits for the agent's stream-JSON output. Assistant messages
// can carry large tool results.
const (
	scanBufferInitial = 64 * 1024
	scanBufferMax     = 8 * 1024 * 1024
)

// CLIRunner runs an agent CLI as a subprocess, speaking newline-delimited
// stream-JSON on stdout. The process is killed when ctx is canceled.
type CLIRunner struct {
	// Command is the agent executable, e.g. "claude".
	Command string

	logger log.Logger
}

// NewCLIRunner creates a runner for the given agent executable.
func NewCLIRunner(command string, logger log.Logger) *CLIRunner {
	if logger == nil {
		logger = log.NewNop()
	}
	return &CLIRunner{Command: command, logger: logger}
}

// buildArgs assembles the CLI invocation for one query.
func buildArgs(prompt string, opts Options) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	return args
}

// envelope lifts the routing fields out of one stream-JSON line.
type envelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// parseLine decodes one stream-JSON line into a Message.
func parseLine(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Message{}, fmt.Errorf("malformed agent output line: %w", err)
	}
	payload := make(json.RawMessage, len(line))
	copy(payload, line)
	return Message{
		Kind:       env.Type,
		Subtype:    env.Subtype,
		UpstreamID: env.SessionID,
		Payload:    payload,
	}, nil
}

// Run launches the agent CLI and yields its messages in stdout order.
// A launch failure yields a single error before any message.
func (r *CLIRunner) Run(ctx context.Context, prompt string, opts Options) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		cmd := exec.CommandContext(ctx, r.Command, buildArgs(prompt, opts)...)
		if opts.WorkingDir != "" {
			cmd.Dir = opts.WorkingDir
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(Message{}, fmt.Errorf("opening agent stdout: %w", err))
			return
		}
		var stderr strings.Builder
		cmd.Stderr = &stderr

		if err := cmd.Start(); err != nil {
			yield(Message{}, fmt.Errorf("launching agent %q: %w", r.Command, err))
			return
		}
		// Reap the process even when the consumer stops early.
		waited := false
		defer func() {
			if !waited {
				if err := cmd.Wait(); err != nil && ctx.Err() == nil {
					r.logger.Debug("agent process exited with error", "error", err)
				}
			}
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, scanBufferInitial), scanBufferMax)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			msg, err := parseLine(line)
			if err != nil {
				r.logger.Warn("skipping malformed agent output line", "error", err)
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			yield(Message{}, fmt.Errorf("reading agent output: %w", err))
			return
		}
		if ctx.Err() != nil {
			// The consumer's cancellation killed the process; nothing to report.
			return
		}
		waited = true
		if err := cmd.Wait(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			yield(Message{}, fmt.Errorf("agent failed: %s", msg))
		}
	}
}
