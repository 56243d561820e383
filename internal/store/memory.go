package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store implementation backed by maps. It is the
// default store when no PostgreSQL host is configured, and the store unit
// tests run against.
//
// Memory is safe for concurrent use. Sessions are copied on the way in and
// out so callers can never mutate stored state through a returned pointer.
type Memory struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	messages map[uuid.UUID][]MessageRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[uuid.UUID]*Session),
		messages: make(map[uuid.UUID][]MessageRecord),
	}
}

func copySession(s *Session) *Session {
	c := *s
	c.Config.Metadata = maps.Clone(s.Config.Metadata)
	return &c
}

// CreateSession implements Store.
func (m *Memory) CreateSession(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sess.ID]; ok {
		return ErrDuplicateSession
	}
	m.sessions[sess.ID] = copySession(sess)
	return nil
}

// GetSession implements Store.
func (m *Memory) GetSession(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(sess), nil
}

// UpdateSession implements Store. Absent ids are a silent no-op.
func (m *Memory) UpdateSession(_ context.Context, id uuid.UUID, upd SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	if upd.UpstreamID != nil {
		sess.UpstreamID = *upd.UpstreamID
	}
	if upd.Status != nil {
		sess.Status = *upd.Status
	}
	if upd.ExpiresAt != nil {
		sess.ExpiresAt = *upd.ExpiresAt
	}
	if upd.LastActivity != nil {
		sess.LastActivity = *upd.LastActivity
	}
	if upd.MessageCount != nil {
		sess.MessageCount = *upd.MessageCount
	}
	return nil
}

// DeleteSession implements Store. Idempotent.
func (m *Memory) DeleteSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

// ListSessions implements Store.
func (m *Memory) ListSessions(_ context.Context, status Status) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if status != "" && sess.Status != status {
			continue
		}
		out = append(out, copySession(sess))
	}
	slices.SortFunc(out, func(a, b *Session) int {
		return b.LastActivity.Compare(a.LastActivity)
	})
	return out, nil
}

// AppendMessage implements Store.
func (m *Memory) AppendMessage(_ context.Context, rec MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[rec.SessionID]; !ok {
		return ErrSessionNotFound
	}
	rec.Payload = slices.Clone(rec.Payload)
	if rec.Meta != nil {
		meta := *rec.Meta
		rec.Meta = &meta
	}
	m.messages[rec.SessionID] = append(m.messages[rec.SessionID], rec)
	return nil
}

// GetMessages implements Store.
func (m *Memory) GetMessages(_ context.Context, sessionID uuid.UUID, limit, offset int) ([]MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	offset = max(offset, 0)
	if offset >= len(msgs) {
		return nil, nil
	}
	end := len(msgs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]MessageRecord, end-offset)
	copy(out, msgs[offset:end])
	for i := range out {
		out[i].Payload = slices.Clone(out[i].Payload)
	}
	return out, nil
}

// GetMessageCount implements Store.
func (m *Memory) GetMessageCount(_ context.Context, sessionID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[sessionID]), nil
}

// CleanupExpired implements Store.
func (m *Memory) CleanupExpired(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, sess := range m.sessions {
		if sess.Status != StatusEnded && sess.ExpiresAt.Before(before) {
			delete(m.sessions, id)
			delete(m.messages, id)
			removed++
		}
	}
	return removed, nil
}
