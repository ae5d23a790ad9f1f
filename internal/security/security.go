// Package security covers role and permission checks, audit and security
// event recording, session lifecycle, operation rate limiting, and the
// suspicious-activity heuristics consulted on the scan path.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Audit event types written by the service and its callers.
const (
	EventUserLogin          = "USER_LOGIN"
	EventUserLogout         = "USER_LOGOUT"
	EventAttendanceAction   = "ATTENDANCE_ACTION"
	EventBulkOperation      = "BULK_OPERATION"
	EventDataExport         = "DATA_EXPORT"
	EventAuthorizedAccess   = "AUTHORIZED_ACCESS"
	EventUnauthorizedAccess = "UNAUTHORIZED_ACCESS"
	EventSuspiciousActivity = "SUSPICIOUS_ACTIVITY"
	EventRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	EventRoleChange         = "ROLE_CHANGE"
)

// Security event severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// AuditEntry is one append-only audit log record.
type AuditEntry struct {
	ID        string         `json:"id,omitempty"`
	EventType string         `json:"eventType"`
	UserID    string         `json:"userId"`
	SessionID string         `json:"sessionId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SecurityEvent is one append-only security event record.
type SecurityEvent struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	UserID    string         `json:"userId"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Session is a user session. Persisted is false for the locally fabricated
// temp_ sessions handed out when the session store is unreachable; those
// must never be treated as durable.
type Session struct {
	ID           string     `json:"sessionId"`
	UserID       string     `json:"userId"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	IsActive     bool       `json:"isActive"`
	LastActivity time.Time  `json:"lastActivity"`
	Persisted    bool       `json:"-"`
}

// QueryOptions bounds audit and security event reads.
type QueryOptions struct {
	UserID    string
	EventType string
	Since     time.Time
	Limit     int
}

// AuditStore persists audit log entries.
type AuditStore interface {
	Insert(ctx context.Context, e AuditEntry) error
	CountSince(ctx context.Context, userID, eventType string, since time.Time) (int, error)
	List(ctx context.Context, opts QueryOptions) ([]AuditEntry, error)
}

// EventStore persists security events.
type EventStore interface {
	Insert(ctx context.Context, e SecurityEvent) error
	List(ctx context.Context, opts QueryOptions) ([]SecurityEvent, error)
}

// SessionStore persists user sessions.
type SessionStore interface {
	Insert(ctx context.Context, s Session) error
	Touch(ctx context.Context, id string, at time.Time) error
	End(ctx context.Context, id string, at time.Time) error
}

// RoleStore is the secondary role source consulted when the student
// directory has no role for a user.
type RoleStore interface {
	Role(ctx context.Context, userID string) (string, error)
}

// PermissionError is returned when a permission check denies access.
type PermissionError struct {
	UserID     string
	Permission Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("access denied: user %s lacks permission %s", e.UserID, e.Permission)
}

// RateLimitError is returned when an operation exceeds its rate limit.
type RateLimitError struct {
	Operation string
	Max       int
	Window    time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: max %d per %s", e.Operation, e.Max, e.Window)
}

// PolicyError is returned by EnforcePolicies when a heuristic blocks a scan.
type PolicyError struct {
	Reasons []string
}

func (e *PolicyError) Error() string {
	return "security policy violation: " + strings.Join(e.Reasons, "; ")
}
