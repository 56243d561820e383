package agent

import (
	"slices"
	"testing"
)

func TestBuildArgs_Minimal(t *testing.T) {
	args := buildArgs("hello", Options{})

	want := []string{"-p", "hello", "--output-format", "stream-json", "--verbose"}
	if !slices.Equal(args, want) {
		t.Errorf("buildArgs() = %v, want %v", args, want)
	}
}

func TestBuildArgs_AllOptions(t *testing.T) {
	args := buildArgs("hello", Options{
		Model:          "claude-sonnet-4-5",
		PermissionMode: "acceptEdits",
		SystemPrompt:   "be terse",
		MaxTurns:       5,
		Resume:         "ups-42",
	})

	pairs := map[string]string{
		"--model":                "claude-sonnet-4-5",
		"--permission-mode":      "acceptEdits",
		"--append-system-prompt": "be terse",
		"--max-turns":            "5",
		"--resume":               "ups-42",
	}
	for flag, val := range pairs {
		i := slices.Index(args, flag)
		if i < 0 {
			t.Errorf("missing flag %s in %v", flag, args)
			continue
		}
		if i+1 >= len(args) || args[i+1] != val {
			t.Errorf("flag %s = %q, want %q", flag, args[i+1], val)
		}
	}
}

func TestParseLine(t *testing.T) {
	line := []byte(`{"type":"assistant","session_id":"ups-9","message":{"content":[{"type":"text","text":"hi"}]}}`)

	msg, err := parseLine(line)
	if err != nil {
		t.Fatalf("parseLine() error = %v", err)
	}
	if msg.Kind != KindAssistant {
		t.Errorf("Kind = %q, want assistant", msg.Kind)
	}
	if msg.UpstreamID != "ups-9" {
		t.Errorf("UpstreamID = %q, want ups-9", msg.UpstreamID)
	}
	if string(msg.Payload) != string(line) {
		t.Error("Payload is not byte-identical to the input line")
	}
}

func TestParseLine_Malformed(t *testing.T) {
	if _, err := parseLine([]byte("{broken")); err == nil {
		t.Error("parseLine() error = nil for malformed line")
	}
}

func TestParseLine_PayloadIsCopy(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"ups-1"}`)
	msg, err := parseLine(line)
	if err != nil {
		t.Fatalf("parseLine() error = %v", err)
	}

	// Scanner reuses its buffer between lines; the payload must survive that.
	for i := range line {
		line[i] = 'x'
	}
	if string(msg.Payload) == string(line) {
		t.Error("Payload aliases the scanner buffer")
	}
}
