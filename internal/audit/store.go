// Package audit persists signed, append-only records of orchestration
// outcomes: executions, rejections, approvals, expirations. Events carry no
// personal data — identifiers and classifications only — and each row is
// HMAC-signed at write time so later tampering is detectable.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relayotel "github.com/relaycrm/relay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/relaycrm/relay/internal/audit")

// Event types recorded by the orchestration engine.
const (
	TypeActionExecuted   = "action_executed"
	TypeActionRejected   = "action_rejected"
	TypeApprovalRequired = "approval_required"
	TypeApprovalResolved = "approval_resolved"
	TypeApprovalExpired  = "approval_expired"
	TypePolicyViolation  = "policy_violation"
)

// ErrNotFound is returned when an event ID does not exist.
var ErrNotFound = errors.New("audit event not found")

// Event is one signed audit record.
type Event struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Type       string    `json:"type"`
	ActionType string    `json:"action_type,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	Path       string    `json:"path,omitempty"` // replay | planned | fallback
	TraceID    string    `json:"trace_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Signature  string    `json:"signature"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter narrows Query. Zero values match everything.
type Filter struct {
	Type  string
	Start time.Time
	End   time.Time
	Limit int
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    action_type TEXT NOT NULL DEFAULT '',
    channel TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL DEFAULT '',
    trace_id TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    signature TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_tenant_type ON audit_events(tenant_id, type, created_at);
`

// Store persists audit events in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// NewStore opens (creating if needed) the audit database.
func NewStore(dbPath string, signer *Signer) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append signs and stores one event.
func (s *Store) Append(ctx context.Context, event *Event) error {
	ctx, span := tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("tenant_id", event.TenantID),
			attribute.String("event_type", event.Type),
		))
	defer span.End()

	if event.ID == "" {
		event.ID = "evt_" + uuid.New().String()[:12]
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	signature, err := s.signer.Sign(signingPayload(event))
	if err != nil {
		return fmt.Errorf("signing audit event: %w", err)
	}
	event.Signature = signature

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events
		 (id, tenant_id, type, action_type, channel, path, trace_id, detail, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.TenantID, event.Type, event.ActionType, event.Channel,
		event.Path, event.TraceID, event.Detail, event.Signature, event.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Verify recomputes the event's signature and compares.
func (s *Store) Verify(event *Event) bool {
	return s.signer.Verify(signingPayload(event), event.Signature)
}

// Query returns a tenant's events matching the filter, newest first.
func (s *Store) Query(ctx context.Context, tenantID string, filter Filter) ([]Event, error) {
	ctx, span := tracer.Start(ctx, "audit.query",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	query := `SELECT id, tenant_id, type, action_type, channel, path, trace_id, detail, signature, created_at
	          FROM audit_events WHERE tenant_id = ?`
	args := []interface{}{tenantID}

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if !filter.Start.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Start)
	}
	if !filter.End.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, filter.End)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Type, &e.ActionType, &e.Channel,
			&e.Path, &e.TraceID, &e.Detail, &e.Signature, &e.CreatedAt); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountSince counts a tenant's events of one type since a point in time.
// Used by the tenant manager's daily action limits.
func (s *Store) CountSince(ctx context.Context, tenantID, eventType string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE tenant_id = ? AND type = ? AND created_at >= ?`,
		tenantID, eventType, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting audit events: %w", err)
	}
	return count, nil
}

// signingPayload serializes the fields covered by the signature. The
// signature column itself is excluded; timestamps sign as RFC 3339 so the
// payload survives database round-trips byte-identically.
func signingPayload(event *Event) []byte {
	payload, _ := json.Marshal(map[string]string{
		"id":          event.ID,
		"tenant_id":   event.TenantID,
		"type":        event.Type,
		"action_type": event.ActionType,
		"channel":     event.Channel,
		"path":        event.Path,
		"trace_id":    event.TraceID,
		"detail":      event.Detail,
		"created_at":  event.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	return payload
}
