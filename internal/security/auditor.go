package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"scantrack/internal/metrics"
	"scantrack/internal/queue"
)

// Queue message types the worker dispatches on.
const (
	MsgAudit         = "audit"
	MsgSecurityEvent = "security_event"
)

// Auditor publishes audit entries and security events to the queue.
// Every write is best-effort: a failure is counted, logged at most once
// per failure class for the process lifetime, and never returned to the
// caller of the operation being audited.
type Auditor struct {
	q queue.Queue

	mu     sync.Mutex
	logged map[string]bool
}

func NewAuditor(q queue.Queue) *Auditor {
	return &Auditor{q: q, logged: make(map[string]bool)}
}

// Log records an audit entry. It never returns an error and never blocks
// beyond the queue's publish path.
func (a *Auditor) Log(ctx context.Context, eventType, userID string, details map[string]any) {
	a.LogEntry(ctx, AuditEntry{
		EventType: eventType,
		UserID:    userID,
		Details:   details,
		Timestamp: time.Now(),
	})
}

// LogEntry records a fully populated audit entry.
func (a *Auditor) LogEntry(ctx context.Context, e AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	a.publish(ctx, MsgAudit, e)
}

// Event records a security event.
func (a *Auditor) Event(ctx context.Context, e SecurityEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	a.publish(ctx, MsgSecurityEvent, e)
}

func (a *Auditor) publish(ctx context.Context, kind string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		a.dropped(kind, "marshal", err)
		return
	}
	if err := a.q.Publish(ctx, queue.Message{Type: kind, Body: body}); err != nil {
		a.dropped(kind, "publish", err)
	}
}

// Dispatch decodes one queue message produced by the Auditor and persists
// it through the matching store. The worker's consume loop calls this for
// every delivery.
func Dispatch(ctx context.Context, msg queue.Message, audits AuditStore, events EventStore) error {
	switch msg.Type {
	case MsgAudit:
		var e AuditEntry
		if err := json.Unmarshal(msg.Body, &e); err != nil {
			return fmt.Errorf("decode audit entry: %w", err)
		}
		return audits.Insert(ctx, e)
	case MsgSecurityEvent:
		var e SecurityEvent
		if err := json.Unmarshal(msg.Body, &e); err != nil {
			return fmt.Errorf("decode security event: %w", err)
		}
		return events.Insert(ctx, e)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// dropped meters a lost write and logs the first occurrence of each
// (kind, stage) failure class so a broker outage cannot flood the logs.
func (a *Auditor) dropped(kind, stage string, err error) {
	metrics.AuditWriteFailures.Inc()
	class := kind + "/" + stage
	a.mu.Lock()
	first := !a.logged[class]
	a.logged[class] = true
	a.mu.Unlock()
	if first {
		log.Printf("security: dropping %s writes (%s): %v", kind, stage, err)
	}
}
