package security

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"scantrack/internal/identity"
)

// rateLimits maps an operation to its sliding-window cap. Counts are
// derived by re-querying recent audit entries rather than keeping
// separate counters, so enforcement is only as reliable as the audit
// pipeline itself.
var rateLimits = map[string]struct {
	EventType string
	Max       int
	Window    time.Duration
}{
	"attendance_scan": {EventAttendanceAction, 50, time.Hour},
	"data_export":     {EventDataExport, 10, time.Hour},
	"bulk_operation":  {EventBulkOperation, 5, time.Hour},
}

// Heuristic thresholds for suspicious-activity detection.
const (
	rapidScanWindow = 5 * time.Minute
	rapidScanMax    = 10
	loginOriginMax  = 3

	// Logins between 06:00 and 22:59 inclusive are considered usual.
	usualHourFirst = 6
	usualHourLast  = 22
)

// Service ties together role resolution, permission gating, rate limits,
// the suspicious-activity heuristics, and session lifecycle.
type Service struct {
	directory identity.Directory
	roles     RoleStore
	audits    AuditStore
	events    EventStore
	sessions  SessionStore
	auditor   *Auditor

	now func() time.Time
}

func NewService(dir identity.Directory, roles RoleStore, audits AuditStore, events EventStore, sessions SessionStore, auditor *Auditor) *Service {
	return &Service{
		directory: dir,
		roles:     roles,
		audits:    audits,
		events:    events,
		sessions:  sessions,
		auditor:   auditor,
		now:       time.Now,
	}
}

// RequirePermission resolves the user's role and checks it against the
// permission table. Both the denial and the grant are audited best-effort.
func (s *Service) RequirePermission(ctx context.Context, userID string, p Permission, operation string) error {
	role := s.ResolveRole(ctx, userID)
	if !HasPermission(role, p) {
		s.auditor.Log(ctx, EventUnauthorizedAccess, userID, map[string]any{
			"permission": string(p),
			"operation":  operation,
			"role":       string(role),
		})
		return &PermissionError{UserID: userID, Permission: p}
	}
	s.auditor.Log(ctx, EventAuthorizedAccess, userID, map[string]any{
		"permission": string(p),
		"operation":  operation,
	})
	return nil
}

// CheckRateLimit enforces the per-(user, operation) sliding window.
// Operations without a configured limit are always allowed, as is any
// operation when the audit store cannot be read (availability over
// strictness).
func (s *Service) CheckRateLimit(ctx context.Context, userID, operation string) error {
	rl, ok := rateLimits[operation]
	if !ok {
		return nil
	}
	n, err := s.audits.CountSince(ctx, userID, rl.EventType, s.now().Add(-rl.Window))
	if err != nil {
		log.Printf("security: rate limit count failed for %s/%s: %v", userID, operation, err)
		return nil
	}
	if n < rl.Max {
		return nil
	}
	s.auditor.Event(ctx, SecurityEvent{
		Type:     EventRateLimitExceeded,
		Severity: SeverityMedium,
		UserID:   userID,
		Details:  map[string]any{"operation": operation, "count": n, "max": rl.Max},
	})
	return &RateLimitError{Operation: operation, Max: rl.Max, Window: rl.Window}
}

// ScanContext carries the facts the heuristics inspect for one scan.
type ScanContext struct {
	UserID    string
	BarcodeID string
	RemoteIP  string
}

// DetectSuspiciousActivity runs the scan-path heuristics and returns the
// reasons that triggered. Each triggered heuristic writes a severity-tagged
// security event. The login-time heuristics live in ObserveLogin; they are
// log-only and never contribute reasons here.
func (s *Service) DetectSuspiciousActivity(ctx context.Context, sc ScanContext) []string {
	var reasons []string
	if r := s.checkRapidScans(ctx, sc.UserID); r != "" {
		reasons = append(reasons, r)
	}
	if r := s.checkBarcodeOwnership(ctx, sc.UserID, sc.BarcodeID); r != "" {
		reasons = append(reasons, r)
	}
	return reasons
}

// EnforcePolicies blocks the scan when any scan heuristic triggered.
func (s *Service) EnforcePolicies(ctx context.Context, sc ScanContext) error {
	if reasons := s.DetectSuspiciousActivity(ctx, sc); len(reasons) > 0 {
		return &PolicyError{Reasons: reasons}
	}
	return nil
}

// ObserveLogin runs the login-time heuristics. They only write security
// events when triggered and never block the login.
func (s *Service) ObserveLogin(ctx context.Context, userID, ip string) {
	s.checkLoginOrigins(ctx, userID, ip)
	s.checkUnusualHour(ctx, userID)
}

func (s *Service) checkRapidScans(ctx context.Context, userID string) string {
	n, err := s.audits.CountSince(ctx, userID, EventAttendanceAction, s.now().Add(-rapidScanWindow))
	if err != nil || n <= rapidScanMax {
		return ""
	}
	reason := fmt.Sprintf("rapid repeated scanning: %d scans in %s", n, rapidScanWindow)
	s.auditor.Event(ctx, SecurityEvent{
		Type:     EventSuspiciousActivity,
		Severity: SeverityHigh,
		UserID:   userID,
		Details:  map[string]any{"reason": reason, "count": n},
	})
	return reason
}

func (s *Service) checkBarcodeOwnership(ctx context.Context, userID, barcodeID string) string {
	if barcodeID == "" {
		return ""
	}
	switch s.ResolveRole(ctx, userID) {
	case identity.RoleAdmin, identity.RoleInstructor:
		// Scanning other students' barcodes is their normal workflow.
		return ""
	}
	owner, err := s.directory.FindByBarcode(ctx, barcodeID)
	if err != nil || owner.StudentID == userID {
		// Unknown barcode is the validator's problem, not this heuristic's.
		return ""
	}
	reason := fmt.Sprintf("barcode %s belongs to another user", barcodeID)
	s.auditor.Event(ctx, SecurityEvent{
		Type:     EventSuspiciousActivity,
		Severity: SeverityHigh,
		UserID:   userID,
		Details:  map[string]any{"reason": reason, "barcodeId": barcodeID, "ownerId": owner.StudentID},
	})
	return reason
}

func (s *Service) checkLoginOrigins(ctx context.Context, userID, ip string) string {
	if ip == "" {
		return ""
	}
	logins, err := s.audits.List(ctx, QueryOptions{
		UserID:    userID,
		EventType: EventUserLogin,
		Since:     s.now().Add(-24 * time.Hour),
		Limit:     100,
	})
	if err != nil {
		return ""
	}
	origins := map[string]bool{ip: true}
	for _, e := range logins {
		if v, ok := e.Details["ip"].(string); ok && v != "" {
			origins[v] = true
		}
	}
	if len(origins) <= loginOriginMax {
		return ""
	}
	reason := fmt.Sprintf("logins from %d distinct origins in 24h", len(origins))
	s.auditor.Event(ctx, SecurityEvent{
		Type:     EventSuspiciousActivity,
		Severity: SeverityMedium,
		UserID:   userID,
		Details:  map[string]any{"reason": reason, "origins": len(origins)},
	})
	return reason
}

func (s *Service) checkUnusualHour(ctx context.Context, userID string) string {
	h := s.now().Hour()
	if h >= usualHourFirst && h <= usualHourLast {
		return ""
	}
	reason := fmt.Sprintf("login at unusual hour (%02d:00)", h)
	s.auditor.Event(ctx, SecurityEvent{
		Type:     EventSuspiciousActivity,
		Severity: SeverityLow,
		UserID:   userID,
		Details:  map[string]any{"reason": reason, "hour": h},
	})
	return reason
}

// CreateSession opens a session for the user. When the session store is
// unreachable it degrades to a locally fabricated temp_ identifier with
// Persisted false, so login keeps working without a durable store.
func (s *Service) CreateSession(ctx context.Context, userID, remoteIP string) Session {
	now := s.now()
	sess := Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		StartTime:    now,
		IsActive:     true,
		LastActivity: now,
		Persisted:    true,
	}
	if err := s.sessions.Insert(ctx, sess); err != nil {
		log.Printf("security: session store unavailable, using temporary session: %v", err)
		sess.ID = "temp_" + uuid.NewString()
		sess.Persisted = false
	}
	s.auditor.LogEntry(ctx, AuditEntry{
		EventType: EventUserLogin,
		UserID:    userID,
		SessionID: sess.ID,
		Details:   map[string]any{"ip": remoteIP, "persisted": sess.Persisted},
		Timestamp: now,
	})
	s.ObserveLogin(ctx, userID, remoteIP)
	return sess
}

// UpdateActivity bumps the session's last-activity time. Temporary
// sessions were never persisted, so there is nothing to update.
func (s *Service) UpdateActivity(ctx context.Context, sessionID string) error {
	if strings.HasPrefix(sessionID, "temp_") {
		return nil
	}
	return s.sessions.Touch(ctx, sessionID, s.now())
}

// EndSession closes a session and audits the logout.
func (s *Service) EndSession(ctx context.Context, sessionID, userID string) error {
	var err error
	if !strings.HasPrefix(sessionID, "temp_") {
		err = s.sessions.End(ctx, sessionID, s.now())
	}
	s.auditor.LogEntry(ctx, AuditEntry{
		EventType: EventUserLogout,
		UserID:    userID,
		SessionID: sessionID,
	})
	return err
}

// UpdateUserRole promotes or demotes a user and records a ROLE_CHANGE event.
func (s *Service) UpdateUserRole(ctx context.Context, actorID, targetID string, role identity.Role) error {
	if !identity.ValidRole(role) {
		return fmt.Errorf("invalid role: %q", role)
	}
	if err := s.directory.UpdateRole(ctx, targetID, role); err != nil {
		return err
	}
	s.auditor.Event(ctx, SecurityEvent{
		Type:     EventRoleChange,
		Severity: SeverityLow,
		UserID:   actorID,
		Details:  map[string]any{"targetId": targetID, "newRole": string(role)},
	})
	return nil
}

// AuditLogs returns recent audit entries. A store failure degrades to an
// empty result so dashboards render instead of erroring.
func (s *Service) AuditLogs(ctx context.Context, opts QueryOptions) []AuditEntry {
	out, err := s.audits.List(ctx, opts)
	if err != nil {
		log.Printf("security: audit log query failed: %v", err)
		return []AuditEntry{}
	}
	return out
}

// SecurityEvents returns recent security events, degrading like AuditLogs.
func (s *Service) SecurityEvents(ctx context.Context, opts QueryOptions) []SecurityEvent {
	out, err := s.events.List(ctx, opts)
	if err != nil {
		log.Printf("security: security event query failed: %v", err)
		return []SecurityEvent{}
	}
	return out
}
