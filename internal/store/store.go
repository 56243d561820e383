// Package store provides durable persistence for sessions and their
// append-only message logs.
//
// Two implementations exist: [Memory], the in-process table used by tests and
// by deployments without PostgreSQL, and [Postgres], the pgx-backed durable
// store. Both satisfy [Store] with identical semantics.
//
// The store is deliberately policy-free: it never evaluates expiry or status
// transitions. GetSession returns the row as-is even when the expiry
// timestamp has passed; deciding whether a session is usable "now" belongs to
// the session manager.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Session statuses. Transitions are monotonic: active → expired (time-based,
// reversible only by explicit reactivation on access) and active → ended
// (terminal). Ended sessions are removed rather than kept.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusEnded   Status = "ended"
)

// Message provenance tags.
const (
	ProvenanceUser = "user"
	ProvenanceSDK  = "sdk"
)

// Sentinel errors. Checked with errors.Is.
var (
	// ErrDuplicateSession indicates a CreateSession with an id that already exists.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrSessionNotFound indicates the session id is unknown to the store.
	ErrSessionNotFound = errors.New("session not found")
)

// SessionConfig is the configuration snapshot captured at session creation.
type SessionConfig struct {
	Model          string            `json:"model,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	PermissionMode string            `json:"permission_mode,omitempty"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	MaxTurns       int               `json:"max_turns,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Session is one durable conversation handle.
type Session struct {
	ID uuid.UUID

	// UpstreamID is the agent backend's own conversation identifier,
	// empty until the first successful query assigns one.
	UpstreamID string

	Config SessionConfig
	Status Status

	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
	MessageCount int
}

// SessionUpdate is a partial update; nil fields are left untouched.
type SessionUpdate struct {
	UpstreamID   *string
	Status       *Status
	ExpiresAt    *time.Time
	LastActivity *time.Time
	MessageCount *int
}

// ResultMeta is the metadata extracted from terminal result-kind messages.
type ResultMeta struct {
	DurationMS int64   `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd"`
	NumTurns   int     `json:"num_turns"`
}

// MessageRecord is one immutable, sequenced unit of agent output or user
// input. Identity is (SessionID, Seq); Seq is 1-based, gapless within the
// session and assigned by the query executor in observation order,
// continuing across queries rather than restarting per query.
type MessageRecord struct {
	SessionID  uuid.UUID
	Seq        int
	Kind       string
	Subtype    string
	Payload    json.RawMessage
	Provenance string
	Meta       *ResultMeta
	CreatedAt  time.Time
}

// Store is the persistence contract for sessions and message logs.
//
// Failure semantics: errors from session mutations are fatal to the calling
// operation and must propagate. AppendMessage is the one best-effort path:
// callers log append failures and continue, because message history is an
// audit trail, not a correctness-critical path for response delivery.
type Store interface {
	// CreateSession durably inserts a new session.
	// Returns ErrDuplicateSession if the id already exists.
	CreateSession(ctx context.Context, sess *Session) error

	// GetSession returns the session or ErrSessionNotFound. Pure read: the
	// stored status is returned unchanged even if expiry has passed.
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)

	// UpdateSession applies the non-nil fields of upd. Updating an absent id
	// is a silent no-op; callers are expected to have checked existence.
	UpdateSession(ctx context.Context, id uuid.UUID, upd SessionUpdate) error

	// DeleteSession removes the session and, by cascade, its messages.
	// Idempotent: deleting an absent id is not an error.
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// ListSessions returns sessions ordered by last activity descending.
	// An empty status matches all statuses. Unbounded: callers paginate.
	ListSessions(ctx context.Context, status Status) ([]*Session, error)

	// AppendMessage persists one message record.
	AppendMessage(ctx context.Context, rec MessageRecord) error

	// GetMessages returns messages ordered ascending by sequence number.
	// A limit <= 0 means no limit; a negative offset is treated as zero.
	GetMessages(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]MessageRecord, error)

	// GetMessageCount returns the number of persisted messages for a session.
	GetMessageCount(ctx context.Context, sessionID uuid.UUID) (int, error)

	// CleanupExpired deletes every session whose expiry timestamp is before
	// the given time and whose status is not ended. Returns the number of
	// sessions removed.
	CleanupExpired(ctx context.Context, before time.Time) (int, error)
}
