// Package audit records operator and security actions in admin_audit_events.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const dbTimeout = 5 * time.Second

// Actions written by admin-gate.
const (
	ActionGrant       = "mfa.grant"
	ActionProvision   = "mfa.provision"
	ActionReprovision = "mfa.reprovision"
	ActionBlocked     = "mfa.blocked"
	ActionUnblock     = "mfa.unblock"
	ActionRevoke      = "mfa.revoke"
	ActionBootstrap   = "admin.bootstrap"
)

// SystemActor is used when no operator triggered the action.
const SystemActor = "system"

const Schema = `
CREATE TABLE IF NOT EXISTS admin_audit_events (
  id          BIGSERIAL PRIMARY KEY,
  action      TEXT NOT NULL,
  target_user UUID,
  actor       TEXT,
  reason      TEXT,
  metadata    JSONB,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_admin_audit_events_action ON admin_audit_events (action, id DESC);
`

// Entry is a new event.
type Entry struct {
	Action     string
	TargetUser string
	Actor      string
	Reason     string
	Metadata   map[string]any
}

// Event is a stored event.
type Event struct {
	ID         int64           `json:"id"`
	Action     string          `json:"action"`
	TargetUser string          `json:"target_user,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Query filters List. Zero values mean no filter.
type Query struct {
	Limit      int
	BeforeID   int64
	Actions    []string
	TargetUser string
}

type Log struct {
	db *sql.DB
}

func New(db *sql.DB) *Log { return &Log{db: db} }

func (l *Log) Record(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var meta []byte
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("audit: encode metadata: %w", err)
		}
		meta = b
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO admin_audit_events (action, target_user, actor, reason, metadata)
VALUES ($1, $2, $3, $4, $5)
`, e.Action, nullIfEmpty(e.TargetUser), nullIfEmpty(e.Actor), nullIfEmpty(e.Reason), meta)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.Action, err)
	}
	return nil
}

// List returns events newest first.
func (l *Log) List(ctx context.Context, q Query) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}

	var (
		where []string
		args  []any
	)
	if q.BeforeID > 0 {
		args = append(args, q.BeforeID)
		where = append(where, fmt.Sprintf("id < $%d", len(args)))
	}
	if len(q.Actions) > 0 {
		args = append(args, pq.Array(q.Actions))
		where = append(where, fmt.Sprintf("action = ANY($%d)", len(args)))
	}
	if q.TargetUser != "" {
		args = append(args, q.TargetUser)
		where = append(where, fmt.Sprintf("target_user = $%d", len(args)))
	}

	query := `SELECT id, action, target_user, actor, reason, metadata, created_at FROM admin_audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, q.Limit)
	for rows.Next() {
		var (
			ev                    Event
			target, actor, reason sql.NullString
			metadata              []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Action, &target, &actor, &reason, &metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		ev.TargetUser = target.String
		ev.Actor = actor.String
		ev.Reason = reason.String
		ev.CreatedAt = ev.CreatedAt.UTC()
		if len(metadata) > 0 {
			ev.Metadata = json.RawMessage(metadata)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
