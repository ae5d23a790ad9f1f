package security

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// PostgresAuditStore persists audit entries in the audit_logs table.
type PostgresAuditStore struct {
	db *sql.DB
}

func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Insert(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, event_type, user_id, session_id, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.ID, e.EventType, e.UserID, nullable(e.SessionID), details, e.Timestamp)
	return err
}

func (s *PostgresAuditStore) CountSince(ctx context.Context, userID, eventType string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_logs
		WHERE user_id = $1 AND event_type = $2 AND created_at >= $3
	`, userID, eventType, since).Scan(&n)
	return n, err
}

func (s *PostgresAuditStore) List(ctx context.Context, opts QueryOptions) ([]AuditEntry, error) {
	q := `SELECT id, event_type, user_id, COALESCE(session_id, ''), details, created_at FROM audit_logs`
	clauses, args := buildQueryClauses("event_type", opts)
	q += clauses + ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.UserID, &e.SessionID, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PostgresEventStore persists security events in the security_events table.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Insert(ctx context.Context, e SecurityEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, type, severity, user_id, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.ID, e.Type, e.Severity, e.UserID, details, e.Timestamp)
	return err
}

func (s *PostgresEventStore) List(ctx context.Context, opts QueryOptions) ([]SecurityEvent, error) {
	q := `SELECT id, type, severity, user_id, details, created_at FROM security_events`
	clauses, args := buildQueryClauses("type", opts)
	q += clauses + ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SecurityEvent
	for rows.Next() {
		var e SecurityEvent
		var details []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.UserID, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func buildQueryClauses(typeCol string, opts QueryOptions) (string, []any) {
	var clauses []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		clauses = append(clauses, cond+" $"+strconv.Itoa(len(args)))
	}
	if opts.UserID != "" {
		add("user_id =", opts.UserID)
	}
	if opts.EventType != "" {
		add(typeCol+" =", opts.EventType)
	}
	if !opts.Since.IsZero() {
		add("created_at >=", opts.Since)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	out := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out, args
}

// PostgresSessionStore persists sessions in the user_sessions table.
type PostgresSessionStore struct {
	db *sql.DB
}

func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

func (s *PostgresSessionStore) Insert(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_sessions (id, user_id, started_at, is_active, last_activity)
		VALUES ($1,$2,$3,$4,$5)
	`, sess.ID, sess.UserID, sess.StartTime, sess.IsActive, sess.LastActivity)
	return err
}

func (s *PostgresSessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions SET last_activity = $2 WHERE id = $1 AND is_active
	`, id, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New("session not found")
	}
	return nil
}

func (s *PostgresSessionStore) End(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions SET is_active = FALSE, ended_at = $2, last_activity = $2 WHERE id = $1
	`, id, at)
	return err
}

// PostgresRoleStore reads the secondary user_roles table.
type PostgresRoleStore struct {
	db *sql.DB
}

func NewPostgresRoleStore(db *sql.DB) *PostgresRoleStore {
	return &PostgresRoleStore{db: db}
}

func (s *PostgresRoleStore) Role(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM user_roles WHERE user_id = $1`, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
