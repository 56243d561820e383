package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentgate/agentgate/internal/log"
)

// Postgres is the pgx-backed Store implementation. Schema is managed by the
// embedded migrations in the db package; row-level atomicity of single-row
// reads and writes is delegated to PostgreSQL.
type Postgres struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewPostgres creates a Store backed by the given connection pool.
func NewPostgres(pool *pgxpool.Pool, logger log.Logger) *Postgres {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Postgres{pool: pool, logger: logger}
}

// CreateSession implements Store.
func (p *Postgres) CreateSession(ctx context.Context, sess *Session) error {
	metadata, err := json.Marshal(sess.Config.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling session metadata: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, upstream_id, model, working_dir, permission_mode,
			system_prompt, max_turns, metadata, status,
			created_at, expires_at, last_activity, message_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sess.ID, nullable(sess.UpstreamID),
		sess.Config.Model, sess.Config.WorkingDir, sess.Config.PermissionMode,
		sess.Config.SystemPrompt, sess.Config.MaxTurns, metadata,
		string(sess.Status), sess.CreatedAt, sess.ExpiresAt,
		sess.LastActivity, sess.MessageCount,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session %s: %w", sess.ID, err)
	}

	p.logger.Debug("created session", "id", sess.ID)
	return nil
}

const sessionColumns = `
	id, upstream_id, model, working_dir, permission_mode,
	system_prompt, max_turns, metadata, status,
	created_at, expires_at, last_activity, message_count`

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess       Session
		upstreamID *string
		metadata   []byte
		status     string
	)
	err := row.Scan(
		&sess.ID, &upstreamID,
		&sess.Config.Model, &sess.Config.WorkingDir, &sess.Config.PermissionMode,
		&sess.Config.SystemPrompt, &sess.Config.MaxTurns, &metadata,
		&status, &sess.CreatedAt, &sess.ExpiresAt,
		&sess.LastActivity, &sess.MessageCount,
	)
	if err != nil {
		return nil, err
	}
	if upstreamID != nil {
		sess.UpstreamID = *upstreamID
	}
	sess.Status = Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sess.Config.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling session metadata: %w", err)
		}
	}
	return &sess, nil
}

// GetSession implements Store.
func (p *Postgres) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	return sess, nil
}

// UpdateSession implements Store. Updating an absent id is a silent no-op.
func (p *Postgres) UpdateSession(ctx context.Context, id uuid.UUID, upd SessionUpdate) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.UpstreamID != nil {
		add("upstream_id", *upd.UpstreamID)
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.ExpiresAt != nil {
		add("expires_at", *upd.ExpiresAt)
	}
	if upd.LastActivity != nil {
		add("last_activity", *upd.LastActivity)
	}
	if upd.MessageCount != nil {
		add("message_count", *upd.MessageCount)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("updating session %s: %w", id, err)
	}
	return nil
}

// DeleteSession implements Store. Messages cascade at the schema level.
func (p *Postgres) DeleteSession(ctx context.Context, id uuid.UUID) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// ListSessions implements Store.
func (p *Postgres) ListSessions(ctx context.Context, status Status) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY last_activity DESC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// AppendMessage implements Store.
func (p *Postgres) AppendMessage(ctx context.Context, rec MessageRecord) error {
	var durationMS *int64
	var costUSD *float64
	var numTurns *int
	if rec.Meta != nil {
		durationMS = &rec.Meta.DurationMS
		costUSD = &rec.Meta.CostUSD
		numTurns = &rec.Meta.NumTurns
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO session_messages (
			session_id, seq, kind, subtype, payload, provenance,
			duration_ms, cost_usd, num_turns, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.SessionID, rec.Seq, rec.Kind, rec.Subtype,
		[]byte(rec.Payload), rec.Provenance,
		durationMS, costUSD, numTurns, rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return ErrSessionNotFound
		}
		return fmt.Errorf("appending message %d to session %s: %w", rec.Seq, rec.SessionID, err)
	}
	return nil
}

// GetMessages implements Store.
func (p *Postgres) GetMessages(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]MessageRecord, error) {
	// LIMIT NULL means no limit; mirrors the Memory store's limit <= 0 handling.
	var lim any
	if limit > 0 {
		lim = limit
	}
	// PostgreSQL rejects a negative OFFSET outright.
	offset = max(offset, 0)
	rows, err := p.pool.Query(ctx, `
		SELECT session_id, seq, kind, subtype, payload, provenance,
		       duration_ms, cost_usd, num_turns, created_at
		FROM session_messages
		WHERE session_id = $1
		ORDER BY seq ASC
		LIMIT $2 OFFSET $3`,
		sessionID, lim, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var msgs []MessageRecord
	for rows.Next() {
		var (
			rec        MessageRecord
			payload    []byte
			durationMS *int64
			costUSD    *float64
			numTurns   *int
		)
		if err := rows.Scan(
			&rec.SessionID, &rec.Seq, &rec.Kind, &rec.Subtype,
			&payload, &rec.Provenance,
			&durationMS, &costUSD, &numTurns, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		if durationMS != nil || costUSD != nil || numTurns != nil {
			rec.Meta = &ResultMeta{}
			if durationMS != nil {
				rec.Meta.DurationMS = *durationMS
			}
			if costUSD != nil {
				rec.Meta.CostUSD = *costUSD
			}
			if numTurns != nil {
				rec.Meta.NumTurns = *numTurns
			}
		}
		msgs = append(msgs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

// GetMessageCount implements Store.
func (p *Postgres) GetMessageCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM session_messages WHERE session_id = $1`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages for session %s: %w", sessionID, err)
	}
	return count, nil
}

// CleanupExpired implements Store.
func (p *Postgres) CleanupExpired(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM sessions WHERE expires_at < $1 AND status <> $2`,
		before, string(StatusEnded),
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
