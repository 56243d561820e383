// Package session implements the business rules around session lifetime:
// creation under a global quota, activity-based TTL renewal, lazy expiry on
// read, and the periodic background sweep.
//
// The manager is the only component permitted to decide whether a session is
// usable "now". The store underneath is policy-free and returns rows as-is;
// every expiry judgement lives here.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/store"
)

// ErrQuotaExceeded indicates the configured maximum of concurrently active
// sessions has been reached.
var ErrQuotaExceeded = errors.New("session quota exceeded")

// ErrSessionNotActive indicates the session exists but is expired or ended
// and cannot accept further queries.
var ErrSessionNotActive = errors.New("session is not active")

// Config holds the lifetime policy for sessions.
type Config struct {
	// TTL is the idle lifetime. Every completed query extends expiry to
	// now + TTL.
	TTL time.Duration

	// MaxSessions caps concurrently active sessions. Zero or negative
	// disables the quota.
	MaxSessions int

	// SweepInterval is the period of the background expiry sweep.
	SweepInterval time.Duration
}

// Manager enforces session lifecycle policy over a store.
type Manager struct {
	store  store.Store
	cfg    Config
	logger log.Logger

	// now is injected so expiry and sweep behavior are testable without
	// wall-clock delays.
	now func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the manager's time source. Test use.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager. The sweep does not start until Run is
// called.
func NewManager(s store.Store, cfg Config, logger log.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		cfg:    cfg,
		logger: logger.With("component", "session"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new session with the given configuration snapshot.
// Returns ErrQuotaExceeded when the count of active, unexpired sessions is at
// or above the configured maximum.
func (m *Manager) Create(ctx context.Context, cfg store.SessionConfig) (*store.Session, error) {
	now := m.now()

	if m.cfg.MaxSessions > 0 {
		active, err := m.countActive(ctx, now)
		if err != nil {
			return nil, fmt.Errorf("counting active sessions: %w", err)
		}
		if active >= m.cfg.MaxSessions {
			return nil, fmt.Errorf("%w: %d of %d in use", ErrQuotaExceeded, active, m.cfg.MaxSessions)
		}
	}

	sess := &store.Session{
		ID:           uuid.New(),
		Config:       cfg,
		Status:       store.StatusActive,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.TTL),
		LastActivity: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	m.logger.Info("session created",
		"session_id", sess.ID,
		"expires_at", sess.ExpiresAt,
	)
	return sess, nil
}

// Get returns the session, flipping a stale active status to expired on the
// way out. The flip is written through to the store; this is the only place
// expiry is observed outside the background sweep.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.Status == store.StatusActive && sess.ExpiresAt.Before(m.now()) {
		expired := store.StatusExpired
		if err := m.store.UpdateSession(ctx, id, store.SessionUpdate{Status: &expired}); err != nil {
			return nil, fmt.Errorf("marking session expired: %w", err)
		}
		sess.Status = store.StatusExpired
		m.logger.Info("session expired on access", "session_id", id)
	}
	return sess, nil
}

// ListActive returns sessions that are usable right now: stored status active
// and expiry still in the future. Sessions sitting in the window between
// expiry and the next sweep are filtered out even though their stored status
// still says active.
func (m *Manager) ListActive(ctx context.Context) ([]*store.Session, error) {
	sessions, err := m.store.ListSessions(ctx, store.StatusActive)
	if err != nil {
		return nil, err
	}

	now := m.now()
	live := sessions[:0]
	for _, sess := range sessions {
		if sess.ExpiresAt.After(now) {
			live = append(live, sess)
		}
	}
	return live, nil
}

// List returns all sessions regardless of status, last activity first.
func (m *Manager) List(ctx context.Context) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, "")
}

// UpdateActivity renews a session after a completed query: last activity
// moves to now, expiry to now + TTL, and the message counter increases by
// one. A session that is absent or not active is left untouched.
func (m *Manager) UpdateActivity(ctx context.Context, id uuid.UUID) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if sess.Status != store.StatusActive {
		return nil
	}

	now := m.now()
	expires := now.Add(m.cfg.TTL)
	count := sess.MessageCount + 1
	return m.store.UpdateSession(ctx, id, store.SessionUpdate{
		LastActivity: &now,
		ExpiresAt:    &expires,
		MessageCount: &count,
	})
}

// SetUpstreamID records the agent backend's own conversation identifier.
// Idempotent; an empty id is ignored so an established identifier is never
// overwritten with nothing.
func (m *Manager) SetUpstreamID(ctx context.Context, id uuid.UUID, upstreamID string) error {
	if upstreamID == "" {
		return nil
	}
	return m.store.UpdateSession(ctx, id, store.SessionUpdate{UpstreamID: &upstreamID})
}

// End terminates a session and removes its row (messages cascade). Returns
// whether a session existed to end.
func (m *Manager) End(ctx context.Context, id uuid.UUID) (bool, error) {
	_, err := m.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// Ended is terminal; the row goes away rather than lingering.
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return false, fmt.Errorf("ending session: %w", err)
	}
	m.logger.Info("session ended", "session_id", id)
	return true, nil
}

// Messages returns persisted history for a session, ascending by sequence
// number. Limit <= 0 returns everything.
func (m *Manager) Messages(ctx context.Context, id uuid.UUID, limit, offset int) ([]store.MessageRecord, error) {
	return m.store.GetMessages(ctx, id, limit, offset)
}

// MessageCount returns the number of persisted messages for a session.
func (m *Manager) MessageCount(ctx context.Context, id uuid.UUID) (int, error) {
	return m.store.GetMessageCount(ctx, id)
}

// Run drives the background expiry sweep until ctx is canceled. A failed
// cycle is logged and retried on the next tick, never fatal.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("expiry sweep started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("expiry sweep stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry cycle: every session past its expiry timestamp and
// not already ended is removed.
func (m *Manager) Sweep(ctx context.Context) {
	removed, err := m.store.CleanupExpired(ctx, m.now())
	if err != nil {
		m.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if removed > 0 {
		m.logger.Info("expired sessions removed", "count", removed)
	}
}

func (m *Manager) countActive(ctx context.Context, now time.Time) (int, error) {
	sessions, err := m.store.ListSessions(ctx, store.StatusActive)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sess := range sessions {
		if sess.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}
