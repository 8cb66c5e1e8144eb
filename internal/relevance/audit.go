package relevance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEntry is one validation decision. Entries are append-only: nothing in
// this package updates or deletes them.
type AuditEntry struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	ContactID  string    `json:"contact_id,omitempty"`
	ActionID   string    `json:"action_id"`
	ActionType string    `json:"action_type"`
	Channel    string    `json:"channel"`
	Stage      string    `json:"stage"` // "rules" | "llm" | "policy" | "error"
	Relevant   bool      `json:"relevant"`
	Reason     string    `json:"reason,omitempty"`
	Criterion  string    `json:"criterion,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditFilter narrows GetValidationAuditLog. Zero values match everything.
type AuditFilter struct {
	ContactID  string
	ActionType string
	Start      time.Time
	End        time.Time
	Limit      int
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS validation_audit (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    contact_id TEXT NOT NULL DEFAULT '',
    action_id TEXT NOT NULL,
    action_type TEXT NOT NULL,
    channel TEXT NOT NULL,
    stage TEXT NOT NULL,
    relevant INTEGER NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    criterion TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON validation_audit(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_contact ON validation_audit(tenant_id, contact_id);
`

// AuditLog persists validation decisions in SQLite.
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog opens (creating if needed) the validation audit database.
func NewAuditLog(dbPath string) (*AuditLog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening validation audit database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), auditSchema); err != nil {
		return nil, fmt.Errorf("creating validation audit schema: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// Close releases the database connection.
func (a *AuditLog) Close() error {
	return a.db.Close()
}

// Record appends one entry.
func (a *AuditLog) Record(ctx context.Context, entry *AuditEntry) error {
	ctx, span := tracer.Start(ctx, "relevance.audit_record",
		trace.WithAttributes(attribute.String("tenant_id", entry.TenantID)))
	defer span.End()

	if entry.ID == "" {
		entry.ID = "val_" + uuid.New().String()[:12]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO validation_audit
		 (id, tenant_id, contact_id, action_id, action_type, channel, stage,
		  relevant, reason, criterion, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.ContactID, entry.ActionID, entry.ActionType,
		entry.Channel, entry.Stage, boolToInt(entry.Relevant), entry.Reason,
		entry.Criterion, entry.Confidence, entry.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("recording validation audit entry: %w", err)
	}
	return nil
}

// Query returns entries for a tenant matching the filter, newest first.
func (a *AuditLog) Query(ctx context.Context, tenantID string, filter AuditFilter) ([]AuditEntry, error) {
	ctx, span := tracer.Start(ctx, "relevance.audit_query",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	query := `SELECT id, tenant_id, contact_id, action_id, action_type, channel, stage,
	                 relevant, reason, criterion, confidence, created_at
	          FROM validation_audit WHERE tenant_id = ?`
	args := []interface{}{tenantID}

	if filter.ContactID != "" {
		query += ` AND contact_id = ?`
		args = append(args, filter.ContactID)
	}
	if filter.ActionType != "" {
		query += ` AND action_type = ?`
		args = append(args, filter.ActionType)
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

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying validation audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var relevant int
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ContactID, &e.ActionID, &e.ActionType,
			&e.Channel, &e.Stage, &relevant, &e.Reason, &e.Criterion, &e.Confidence,
			&e.CreatedAt); err != nil {
			continue
		}
		e.Relevant = relevant != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
