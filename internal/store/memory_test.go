package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestSession(status Status, lastActivity time.Time) *Session {
	return &Session{
		ID:     uuid.New(),
		Config: SessionConfig{Model: "claude-sonnet-4-5", MaxTurns: 5},
		Status: status,

		CreatedAt:    lastActivity,
		ExpiresAt:    lastActivity.Add(time.Hour),
		LastActivity: lastActivity,
	}
}

func TestMemory_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sess := newTestSession(StatusActive, time.Now())
	sess.Config.Metadata = map[string]string{"team": "infra"}

	if err := m.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	got, err := m.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.ID != sess.ID || got.Status != StatusActive {
		t.Errorf("GetSession() = %+v", got)
	}
	if got.Config.Metadata["team"] != "infra" {
		t.Errorf("metadata not round-tripped: %v", got.Config.Metadata)
	}

	// Mutating the returned copy must not affect stored state.
	got.Status = StatusEnded
	got.Config.Metadata["team"] = "changed"
	again, _ := m.GetSession(ctx, sess.ID)
	if again.Status != StatusActive || again.Config.Metadata["team"] != "infra" {
		t.Error("returned session aliases stored state")
	}
}

func TestMemory_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sess := newTestSession(StatusActive, time.Now())

	if err := m.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := m.CreateSession(ctx, sess); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("CreateSession() duplicate error = %v, want ErrDuplicateSession", err)
	}
}

func TestMemory_GetAbsent(t *testing.T) {
	m := NewMemory()
	if _, err := m.GetSession(context.Background(), uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestMemory_UpdateSession_PartialFields(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sess := newTestSession(StatusActive, time.Now())
	if err := m.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	upstream := "ups-1"
	count := 3
	if err := m.UpdateSession(ctx, sess.ID, SessionUpdate{
		UpstreamID:   &upstream,
		MessageCount: &count,
	}); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	got, _ := m.GetSession(ctx, sess.ID)
	if got.UpstreamID != "ups-1" {
		t.Errorf("UpstreamID = %q, want ups-1", got.UpstreamID)
	}
	if got.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", got.MessageCount)
	}
	if got.Status != StatusActive {
		t.Errorf("Status changed unexpectedly: %v", got.Status)
	}
}

func TestMemory_UpdateAbsent_IsNoop(t *testing.T) {
	m := NewMemory()
	status := StatusEnded
	if err := m.UpdateSession(context.Background(), uuid.New(), SessionUpdate{Status: &status}); err != nil {
		t.Fatalf("UpdateSession() on absent id error = %v, want nil", err)
	}
}

func TestMemory_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sess := newTestSession(StatusActive, time.Now())
	if err := m.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if err := m.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession() second call error = %v", err)
	}
	if _, err := m.GetSession(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("session still present after delete")
	}
}

func TestMemory_DeleteCascadesMessages(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sess := newTestSession(StatusActive, time.Now())
	if err := m.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendMessage(ctx, MessageRecord{
		SessionID: sess.ID, Seq: 1, Kind: "assistant",
		Payload: json.RawMessage(`{}`), Provenance: ProvenanceSDK,
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	count, _ := m.GetMessageCount(ctx, sess.ID)
	if count != 0 {
		t.Errorf("message count after cascade delete = %d, want 0", count)
	}
}

func TestMemory_ListSessions_OrderAndFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()

	oldest := newTestSession(StatusActive, base.Add(-2*time.Hour))
	middle := newTestSession(StatusExpired, base.Add(-time.Hour))
	newest := newTestSession(StatusActive, base)
	for _, s := range []*Session{oldest, middle, newest} {
		if err := m.CreateSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	all, err := m.ListSessions(ctx, "")
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].ID != newest.ID || all[2].ID != oldest.ID {
		t.Error("sessions not ordered by last activity descending")
	}

	active, err := m.ListSessions(ctx, StatusActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("len(active) = %d, want 2", len(active))
	}
	for _, s := range active {
		if s.Status != StatusActive {
			t.Errorf("filtered list contains status %v", s.Status)
		}
	}
}

func TestMemory_AppendAndGetMessages_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sess := newTestSession(StatusActive, time.Now())
	if err := m.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	payload := json.RawMessage(`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`)
	rec := MessageRecord{
		SessionID:  sess.ID,
		Seq:        1,
		Kind:       "assistant",
		Payload:    payload,
		Provenance: ProvenanceSDK,
		CreatedAt:  time.Now(),
	}
	if err := m.AppendMessage(ctx, rec); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	got, err := m.GetMessages(ctx, sess.ID, 100, 0)
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(got))
	}
	if got[0].Seq != 1 {
		t.Errorf("Seq = %d, want 1", got[0].Seq)
	}
	if !bytes.Equal(got[0].Payload, payload) {
		t.Errorf("payload not byte-identical: %s", got[0].Payload)
	}
}

func TestMemory_AppendToAbsentSession(t *testing.T) {
	m := NewMemory()
	err := m.AppendMessage(context.Background(), MessageRecord{
		SessionID: uuid.New(), Seq: 1, Kind: "assistant",
		Payload: json.RawMessage(`{}`), Provenance: ProvenanceSDK,
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("AppendMessage() error = %v, want ErrSessionNotFound", err)
	}
}

func TestMemory_GetMessages_LimitOffset(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sess := newTestSession(StatusActive, time.Now())
	if err := m.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	for seq := 1; seq <= 5; seq++ {
		if err := m.AppendMessage(ctx, MessageRecord{
			SessionID: sess.ID, Seq: seq, Kind: "assistant",
			Payload: json.RawMessage(`{}`), Provenance: ProvenanceSDK,
		}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := m.GetMessages(ctx, sess.ID, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 4 {
		t.Errorf("page = %+v, want seqs [3 4]", page)
	}

	past, err := m.GetMessages(ctx, sess.ID, 10, 99)
	if err != nil {
		t.Fatal(err)
	}
	if len(past) != 0 {
		t.Errorf("offset past end returned %d messages", len(past))
	}

	// A negative offset reads from the start instead of panicking.
	neg, err := m.GetMessages(ctx, sess.ID, 2, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(neg) != 2 || neg[0].Seq != 1 {
		t.Errorf("negative offset page = %+v, want seqs [1 2]", neg)
	}
}

func TestMemory_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	expired := newTestSession(StatusActive, now.Add(-2*time.Hour))
	expired.ExpiresAt = now.Add(-time.Hour)
	live := newTestSession(StatusActive, now)
	for _, s := range []*Session{expired, live} {
		if err := m.CreateSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := m.CleanupExpired(ctx, now)
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := m.GetSession(ctx, expired.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("expired session survived cleanup")
	}
	if _, err := m.GetSession(ctx, live.ID); err != nil {
		t.Error("live session removed by cleanup")
	}
}

func TestMemory_CleanupExpired_SkipsEnded(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	ended := newTestSession(StatusEnded, now.Add(-2*time.Hour))
	ended.ExpiresAt = now.Add(-time.Hour)
	if err := m.CreateSession(ctx, ended); err != nil {
		t.Fatal(err)
	}

	removed, err := m.CleanupExpired(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 (ended sessions are left alone)", removed)
	}
}
