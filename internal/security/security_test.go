package security

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"scantrack/internal/identity"
	"scantrack/internal/queue"
)

// directQueue persists auditor messages synchronously so tests can assert
// on store contents without running a worker.
type directQueue struct {
	audits AuditStore
	events EventStore
}

func (q *directQueue) Publish(ctx context.Context, msg queue.Message) error {
	return Dispatch(ctx, msg, q.audits, q.events)
}

func (q *directQueue) Consume(context.Context) (<-chan queue.Message, error) {
	return nil, errors.New("not a consumer")
}

type failingQueue struct{}

func (failingQueue) Publish(context.Context, queue.Message) error {
	return errors.New("broker down")
}

func (failingQueue) Consume(context.Context) (<-chan queue.Message, error) {
	return nil, errors.New("broker down")
}

type fixture struct {
	svc      *Service
	dir      *identity.MemoryDirectory
	roles    *MemoryRoleStore
	audits   *MemoryAuditStore
	events   *MemoryEventStore
	sessions *MemorySessionStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:      identity.NewMemoryDirectory(),
		roles:    NewMemoryRoleStore(),
		audits:   NewMemoryAuditStore(),
		events:   NewMemoryEventStore(),
		sessions: NewMemorySessionStore(),
	}
	auditor := NewAuditor(&directQueue{audits: f.audits, events: f.events})
	f.svc = NewService(f.dir, f.roles, f.audits, f.events, f.sessions, auditor)
	// Fixed mid-morning clock keeps the unusual-hour heuristic quiet
	// unless a test moves it.
	f.svc.now = func() time.Time {
		return time.Date(2025, 6, 2, 10, 0, 0, 0, time.Local)
	}
	return f
}

func (f *fixture) seedAudit(t *testing.T, eventType, userID string, at time.Time, details map[string]any) {
	t.Helper()
	if err := f.audits.Insert(context.Background(), AuditEntry{
		EventType: eventType,
		UserID:    userID,
		Details:   details,
		Timestamp: at,
	}); err != nil {
		t.Fatalf("seed audit: %v", err)
	}
}

func TestResolveRoleChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.dir.Put(ctx, identity.StudentIdentity{
		StudentID: "u1", BarcodeID: "2025CS001", Role: identity.RoleInstructor,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	f.roles.Set("u2", "viewer")

	if got := f.svc.ResolveRole(ctx, "u1"); got != identity.RoleInstructor {
		t.Fatalf("directory role = %s, want instructor", got)
	}
	if got := f.svc.ResolveRole(ctx, "u2"); got != identity.RoleViewer {
		t.Fatalf("secondary store role = %s, want viewer", got)
	}
	if got := f.svc.ResolveRole(ctx, "nobody"); got != identity.RoleStudent {
		t.Fatalf("default role = %s, want student", got)
	}

	// A directory read failure is "no role here", not fatal.
	f.dir.FailReads = true
	if got := f.svc.ResolveRole(ctx, "u2"); got != identity.RoleViewer {
		t.Fatalf("role after directory failure = %s, want viewer", got)
	}
}

func TestHasPermission(t *testing.T) {
	cases := []struct {
		role identity.Role
		perm Permission
		want bool
	}{
		{identity.RoleAdmin, PermBulkOperations, true},
		{identity.RoleAdmin, PermScanBarcode, true}, // wildcard, not in admin's row
		{identity.RoleInstructor, PermScanBarcode, true},
		{identity.RoleInstructor, PermBulkOperations, false},
		{identity.RoleStudent, PermViewOwnAttendance, true},
		{identity.RoleStudent, PermExportData, false},
		{identity.RoleViewer, PermViewReports, true},
		{identity.RoleViewer, PermScanBarcode, false},
	}
	for _, c := range cases {
		if got := HasPermission(c.role, c.perm); got != c.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", c.role, c.perm, got, c.want)
		}
	}
}

func TestRequirePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.RequirePermission(ctx, "u1", PermBulkOperations, "bulk_update")
	var pe *PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PermissionError", err)
	}
	denied, _ := f.audits.List(ctx, QueryOptions{EventType: EventUnauthorizedAccess})
	if len(denied) != 1 || denied[0].UserID != "u1" {
		t.Fatalf("unauthorized audit = %+v", denied)
	}

	f.roles.Set("u1", "admin")
	if err := f.svc.RequirePermission(ctx, "u1", PermBulkOperations, "bulk_update"); err != nil {
		t.Fatalf("admin denied: %v", err)
	}
	granted, _ := f.audits.List(ctx, QueryOptions{EventType: EventAuthorizedAccess})
	if len(granted) != 1 {
		t.Fatalf("authorized audit = %+v", granted)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.svc.now()

	for i := 0; i < 49; i++ {
		f.seedAudit(t, EventAttendanceAction, "u1", now.Add(-time.Minute), nil)
	}
	if err := f.svc.CheckRateLimit(ctx, "u1", "attendance_scan"); err != nil {
		t.Fatalf("under the cap: %v", err)
	}

	f.seedAudit(t, EventAttendanceAction, "u1", now.Add(-time.Minute), nil)
	err := f.svc.CheckRateLimit(ctx, "u1", "attendance_scan")
	var rle *RateLimitError
	if !errors.As(err, &rle) || rle.Operation != "attendance_scan" {
		t.Fatalf("err = %v, want RateLimitError for attendance_scan", err)
	}
	evs, _ := f.events.List(ctx, QueryOptions{EventType: EventRateLimitExceeded})
	if len(evs) != 1 {
		t.Fatalf("rate limit events = %+v", evs)
	}

	// Another user and entries outside the window do not count.
	if err := f.svc.CheckRateLimit(ctx, "u2", "attendance_scan"); err != nil {
		t.Fatalf("other user limited: %v", err)
	}
	if err := f.svc.CheckRateLimit(ctx, "u1", "unknown_op"); err != nil {
		t.Fatalf("unconfigured op limited: %v", err)
	}
}

func TestRateLimitDegradesOpenOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.audits.FailReads = true
	if err := f.svc.CheckRateLimit(context.Background(), "u1", "attendance_scan"); err != nil {
		t.Fatalf("store failure must not block: %v", err)
	}
}

func TestRapidScanHeuristic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.svc.now()

	for i := 0; i < 11; i++ {
		f.seedAudit(t, EventAttendanceAction, "u1", now.Add(-time.Minute), nil)
	}
	reasons := f.svc.DetectSuspiciousActivity(ctx, ScanContext{UserID: "u1"})
	if len(reasons) != 1 || !strings.Contains(reasons[0], "rapid repeated scanning") {
		t.Fatalf("reasons = %v", reasons)
	}
	evs, _ := f.events.List(ctx, QueryOptions{EventType: EventSuspiciousActivity})
	if len(evs) != 1 || evs[0].Severity != SeverityHigh {
		t.Fatalf("events = %+v", evs)
	}
}

func TestBarcodeOwnershipHeuristic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.dir.Put(ctx, identity.StudentIdentity{StudentID: "owner", BarcodeID: "2025CS001"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if reasons := f.svc.DetectSuspiciousActivity(ctx, ScanContext{UserID: "owner", BarcodeID: "2025CS001"}); len(reasons) != 0 {
		t.Fatalf("own barcode flagged: %v", reasons)
	}
	reasons := f.svc.DetectSuspiciousActivity(ctx, ScanContext{UserID: "intruder", BarcodeID: "2025CS001"})
	if len(reasons) != 1 || !strings.Contains(reasons[0], "belongs to another user") {
		t.Fatalf("reasons = %v", reasons)
	}
	evs, _ := f.events.List(ctx, QueryOptions{EventType: EventSuspiciousActivity})
	if len(evs) != 1 || evs[0].Severity != SeverityHigh {
		t.Fatalf("events = %+v", evs)
	}
	// Unknown barcode is not this heuristic's concern.
	if reasons := f.svc.DetectSuspiciousActivity(ctx, ScanContext{UserID: "x", BarcodeID: "2030XX999"}); len(reasons) != 0 {
		t.Fatalf("unknown barcode flagged: %v", reasons)
	}
}

func TestBarcodeOwnershipExemptsOperatorRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.dir.Put(ctx, identity.StudentIdentity{StudentID: "stu1", BarcodeID: "2025CS001"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	f.roles.Set("adminA", "admin")
	f.roles.Set("instrB", "instructor")

	// Admins and instructors scan other students' barcodes all day; that
	// must neither flag nor write a security event.
	if reasons := f.svc.DetectSuspiciousActivity(ctx, ScanContext{UserID: "adminA", BarcodeID: "2025CS001"}); len(reasons) != 0 {
		t.Fatalf("admin scan flagged: %v", reasons)
	}
	if reasons := f.svc.DetectSuspiciousActivity(ctx, ScanContext{UserID: "instrB", BarcodeID: "2025CS001"}); len(reasons) != 0 {
		t.Fatalf("instructor scan flagged: %v", reasons)
	}
	evs, _ := f.events.List(ctx, QueryOptions{EventType: EventSuspiciousActivity})
	if len(evs) != 0 {
		t.Fatalf("operator scans wrote events: %+v", evs)
	}
}

func TestLoginOriginHeuristic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.svc.now()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		f.seedAudit(t, EventUserLogin, "u1", now.Add(-time.Hour), map[string]any{"ip": ip})
	}
	// Three prior origins plus the current one crosses the threshold. The
	// login itself still succeeds; only an event is written.
	sess := f.svc.CreateSession(ctx, "u1", "10.0.0.4")
	if !sess.Persisted {
		t.Fatalf("session = %+v, want persisted", sess)
	}
	evs, _ := f.events.List(ctx, QueryOptions{EventType: EventSuspiciousActivity})
	if len(evs) != 1 || !strings.Contains(evs[0].Details["reason"].(string), "distinct origins") {
		t.Fatalf("events = %+v", evs)
	}
	// A repeat of a known origin stays under it.
	f2 := newFixture(t)
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		f2.seedAudit(t, EventUserLogin, "u1", now.Add(-time.Hour), map[string]any{"ip": ip})
	}
	f2.svc.CreateSession(ctx, "u1", "10.0.0.1")
	if evs, _ := f2.events.List(ctx, QueryOptions{EventType: EventSuspiciousActivity}); len(evs) != 0 {
		t.Fatalf("known origins flagged: %+v", evs)
	}
}

func TestUnusualHourHeuristic(t *testing.T) {
	cases := []struct {
		hour, min int
		flagged   bool
	}{
		{23, 30, true},
		{5, 59, true},
		{22, 30, false}, // 22:xx is still within hours
		{6, 0, false},
	}
	for _, c := range cases {
		f := newFixture(t)
		f.svc.now = func() time.Time {
			return time.Date(2025, 6, 2, c.hour, c.min, 0, 0, time.Local)
		}
		ctx := context.Background()
		f.svc.ObserveLogin(ctx, "u1", "10.0.0.1")
		evs, _ := f.events.List(ctx, QueryOptions{EventType: EventSuspiciousActivity})
		if got := len(evs) == 1; got != c.flagged {
			t.Fatalf("%02d:%02d flagged = %v, want %v (%+v)", c.hour, c.min, got, c.flagged, evs)
		}
	}
}

func TestUnusualHourLoginNotBlocked(t *testing.T) {
	f := newFixture(t)
	f.svc.now = func() time.Time {
		return time.Date(2025, 6, 2, 23, 30, 0, 0, time.Local)
	}
	ctx := context.Background()

	sess := f.svc.CreateSession(ctx, "u1", "10.0.0.1")
	if !sess.Persisted {
		t.Fatalf("session = %+v, want persisted", sess)
	}
	evs, _ := f.events.List(ctx, QueryOptions{EventType: EventSuspiciousActivity})
	if len(evs) != 1 || !strings.Contains(evs[0].Details["reason"].(string), "unusual hour") {
		t.Fatalf("events = %+v", evs)
	}
}

func TestEnforcePolicies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.dir.Put(ctx, identity.StudentIdentity{StudentID: "owner", BarcodeID: "2025CS001"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := f.svc.EnforcePolicies(ctx, ScanContext{UserID: "owner", BarcodeID: "2025CS001"}); err != nil {
		t.Fatalf("clean scan blocked: %v", err)
	}
	err := f.svc.EnforcePolicies(ctx, ScanContext{UserID: "intruder", BarcodeID: "2025CS001"})
	var pe *PolicyError
	if !errors.As(err, &pe) || len(pe.Reasons) != 1 {
		t.Fatalf("err = %v, want PolicyError with one reason", err)
	}

	// The registered operator workflow is admins scanning students in.
	f.roles.Set("adminA", "admin")
	if err := f.svc.EnforcePolicies(ctx, ScanContext{UserID: "adminA", BarcodeID: "2025CS001"}); err != nil {
		t.Fatalf("admin scanning a student blocked: %v", err)
	}
}

func TestEnforcePoliciesIgnoresLoginHeuristics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.now = func() time.Time {
		return time.Date(2025, 6, 2, 22, 30, 0, 0, time.Local)
	}
	f.roles.Set("adminA", "admin")
	if err := f.dir.Put(ctx, identity.StudentIdentity{StudentID: "stu1", BarcodeID: "2025CS001"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Evening scans are part of normal operation; the hour and origin
	// checks only apply at login time.
	if err := f.svc.EnforcePolicies(ctx, ScanContext{UserID: "adminA", BarcodeID: "2025CS001", RemoteIP: "10.0.0.1"}); err != nil {
		t.Fatalf("evening scan blocked: %v", err)
	}
	f.svc.now = func() time.Time {
		return time.Date(2025, 6, 2, 3, 0, 0, 0, time.Local)
	}
	if err := f.svc.EnforcePolicies(ctx, ScanContext{UserID: "adminA", BarcodeID: "2025CS001", RemoteIP: "10.0.0.1"}); err != nil {
		t.Fatalf("night scan blocked: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.svc.CreateSession(ctx, "u1", "10.0.0.1")
	if !sess.Persisted || strings.HasPrefix(sess.ID, "temp_") {
		t.Fatalf("session = %+v, want persisted", sess)
	}
	if _, ok := f.sessions.Get(sess.ID); !ok {
		t.Fatal("session not in store")
	}
	logins, _ := f.audits.List(ctx, QueryOptions{EventType: EventUserLogin})
	if len(logins) != 1 || logins[0].SessionID != sess.ID {
		t.Fatalf("login audit = %+v", logins)
	}

	if err := f.svc.UpdateActivity(ctx, sess.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := f.svc.EndSession(ctx, sess.ID, "u1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	got, _ := f.sessions.Get(sess.ID)
	if got.IsActive || got.EndTime == nil {
		t.Fatalf("session after end = %+v", got)
	}
}

func TestSessionFallsBackToTemporary(t *testing.T) {
	f := newFixture(t)
	f.sessions.FailWrites = true
	ctx := context.Background()

	sess := f.svc.CreateSession(ctx, "u1", "")
	if sess.Persisted || !strings.HasPrefix(sess.ID, "temp_") {
		t.Fatalf("session = %+v, want temp_ fallback", sess)
	}
	// Temporary sessions skip the store entirely.
	if err := f.svc.UpdateActivity(ctx, sess.ID); err != nil {
		t.Fatalf("touch temp: %v", err)
	}
	if err := f.svc.EndSession(ctx, sess.ID, "u1"); err != nil {
		t.Fatalf("end temp: %v", err)
	}
}

func TestUpdateUserRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.dir.Put(ctx, identity.StudentIdentity{StudentID: "u1", BarcodeID: "2025CS001", Role: identity.RoleStudent}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := f.svc.UpdateUserRole(ctx, "adminA", "u1", identity.RoleInstructor); err != nil {
		t.Fatalf("update role: %v", err)
	}
	st, _ := f.dir.Get(ctx, "u1")
	if st.Role != identity.RoleInstructor {
		t.Fatalf("role = %s", st.Role)
	}
	evs, _ := f.events.List(ctx, QueryOptions{EventType: EventRoleChange})
	if len(evs) != 1 || evs[0].UserID != "adminA" {
		t.Fatalf("role change events = %+v", evs)
	}

	if err := f.svc.UpdateUserRole(ctx, "adminA", "u1", identity.Role("root")); err == nil {
		t.Fatal("invalid role accepted")
	}
}

func TestAuditQueriesDegradeToEmpty(t *testing.T) {
	f := newFixture(t)
	f.audits.FailReads = true
	out := f.svc.AuditLogs(context.Background(), QueryOptions{})
	if out == nil || len(out) != 0 {
		t.Fatalf("AuditLogs = %v, want empty non-nil", out)
	}
}

func TestAuditorNeverPropagatesFailures(t *testing.T) {
	a := NewAuditor(failingQueue{})
	ctx := context.Background()
	// Both calls must return without error or panic even with the broker down.
	a.Log(ctx, EventAttendanceAction, "u1", map[string]any{"barcodeId": "2025CS001"})
	a.Event(ctx, SecurityEvent{Type: EventSuspiciousActivity, Severity: SeverityLow, UserID: "u1"})
}

func TestDispatchRoundTrip(t *testing.T) {
	audits := NewMemoryAuditStore()
	events := NewMemoryEventStore()
	a := NewAuditor(&directQueue{audits: audits, events: events})
	ctx := context.Background()

	a.Log(ctx, EventDataExport, "u1", map[string]any{"format": "csv"})
	a.Event(ctx, SecurityEvent{Type: EventRateLimitExceeded, Severity: SeverityMedium, UserID: "u1"})

	logs, _ := audits.List(ctx, QueryOptions{})
	if len(logs) != 1 || logs[0].EventType != EventDataExport || logs[0].Details["format"] != "csv" {
		t.Fatalf("audit = %+v", logs)
	}
	evs, _ := events.List(ctx, QueryOptions{})
	if len(evs) != 1 || evs[0].Type != EventRateLimitExceeded {
		t.Fatalf("events = %+v", evs)
	}
}
