package agent

import (
	"encoding/json"
	"testing"
)

func TestParseResult(t *testing.T) {
	payload := json.RawMessage(`{
		"type": "result",
		"subtype": "success",
		"is_error": false,
		"result": "Hi there",
		"duration_ms": 1520,
		"total_cost_usd": 0.0042,
		"num_turns": 2,
		"session_id": "ups-123"
	}`)

	res, ok := ParseResult(payload)
	if !ok {
		t.Fatal("ParseResult() ok = false")
	}
	if !res.Success {
		t.Error("Success = false, want true")
	}
	if res.Summary != "Hi there" {
		t.Errorf("Summary = %q, want %q", res.Summary, "Hi there")
	}
	if res.DurationMS != 1520 {
		t.Errorf("DurationMS = %d, want 1520", res.DurationMS)
	}
	if res.CostUSD != 0.0042 {
		t.Errorf("CostUSD = %v, want 0.0042", res.CostUSD)
	}
	if res.NumTurns != 2 {
		t.Errorf("NumTurns = %d, want 2", res.NumTurns)
	}
}

func TestParseResult_ErrorResult(t *testing.T) {
	payload := json.RawMessage(`{"type":"result","is_error":true,"result":"budget exceeded"}`)

	res, ok := ParseResult(payload)
	if !ok {
		t.Fatal("ParseResult() ok = false")
	}
	if res.Success {
		t.Error("Success = true for is_error payload")
	}
	if res.Summary != "budget exceeded" {
		t.Errorf("Summary = %q", res.Summary)
	}
}

func TestParseResult_Malformed(t *testing.T) {
	if _, ok := ParseResult(json.RawMessage(`not json`)); ok {
		t.Error("ParseResult() ok = true for malformed payload")
	}
}
