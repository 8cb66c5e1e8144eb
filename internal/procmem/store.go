// Package procmem is the procedural memory store: versioned, reusable
// execution plans ("compiled procedures") plus append-only traces of
// planning attempts kept for offline learning.
//
// All reads and writes are scoped by tenant — the tenant ID is part of
// every WHERE clause, so cross-tenant reads are impossible by construction.
// Versioning is append-only: upserts insert a new version inside a
// transaction rather than mutating history.
package procmem

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaycrm/relay/internal/action"
	relayotel "github.com/relaycrm/relay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/relaycrm/relay/internal/procmem")

// ErrNotFound is returned by Get when a procedure does not exist. TryFind
// returns (nil, nil) on a miss — a miss is an expected branch, not an error.
var ErrNotFound = errors.New("compiled procedure not found")

// Visibility rings for compiled procedures.
const (
	RingCanary = "canary"
	RingGA     = "ga"
)

// Trace outcomes.
const (
	OutcomePlanned  = "planned"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeExecuted = "executed"
)

const schema = `
CREATE TABLE IF NOT EXISTS compiled_procedures (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    organization_id TEXT NOT NULL DEFAULT '',
    industry TEXT NOT NULL DEFAULT '',
    action_type TEXT NOT NULL,
    channel TEXT NOT NULL,
    version INTEGER NOT NULL,
    steps_json TEXT NOT NULL,
    params_json TEXT NOT NULL DEFAULT '{}',
    preconditions_json TEXT NOT NULL DEFAULT '[]',
    enabled INTEGER NOT NULL DEFAULT 1,
    ring TEXT NOT NULL DEFAULT 'ga',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_proc_scope
    ON compiled_procedures(tenant_id, action_type, channel);
CREATE INDEX IF NOT EXISTS idx_proc_org
    ON compiled_procedures(tenant_id, organization_id);

CREATE TABLE IF NOT EXISTS procedure_traces (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    action_type TEXT NOT NULL,
    channel TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    inputs_json TEXT NOT NULL DEFAULT '{}',
    outcome TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trace_tenant ON procedure_traces(tenant_id);
CREATE INDEX IF NOT EXISTS idx_trace_fingerprint ON procedure_traces(fingerprint);
CREATE INDEX IF NOT EXISTS idx_trace_created ON procedure_traces(created_at);
`

// Step is one ordered execution step in a compiled procedure.
type Step struct {
	Tool string        `json:"tool"`
	Args action.Params `json:"args,omitempty"`
}

// ReplayPlan is a compiled procedure: a previously learned, versioned
// sequence of steps reusable for matching requests without invoking the
// remote planner. Consumed read-only by the orchestrator; produced by the
// offline learning process through Upsert.
type ReplayPlan struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenant_id"`
	OrganizationID string        `json:"organization_id,omitempty"`
	Industry       string        `json:"industry,omitempty"`
	ActionType     string        `json:"action_type"`
	Channel        string        `json:"channel"`
	Version        int           `json:"version"`
	Steps          []Step        `json:"steps"`
	Params         action.Params `json:"params,omitempty"`
	Preconditions  []string      `json:"preconditions,omitempty"`
	Enabled        bool          `json:"enabled"`
	Ring           string        `json:"ring"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ProcedureTrace is the append-only record of one planning attempt. Inputs
// must already be redacted by the caller (see RedactParams); traces are
// never mutated or deleted by the request path.
type ProcedureTrace struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	ActionType  string        `json:"action_type"`
	Channel     string        `json:"channel"`
	Fingerprint string        `json:"fingerprint"`
	Inputs      action.Params `json:"inputs,omitempty"`
	Outcome     string        `json:"outcome"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Query scopes a TryFind lookup.
type Query struct {
	TenantID          string
	ActionType        string
	Channel           string
	Industry          string
	OrganizationID    string
	UseIndustryFilter bool
}

// Store persists compiled procedures and traces in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the procedural memory database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening procedures database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating procedures schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// TryFind returns the best enabled procedure for the query, or (nil, nil)
// on a miss. Selection is tiered: an organization-specific match wins over
// a tenant+industry match, which wins over the legacy tenant-only match;
// within a tier the highest version wins.
//
// When q.UseIndustryFilter is set but q.Industry is empty, the lookup
// degrades to the legacy tenant-only query. That degradation is an explicit
// policy choice (requests without industry data still replay shared
// procedures) and is logged so it stays visible in production.
func (s *Store) TryFind(ctx context.Context, q Query) (*ReplayPlan, error) {
	ctx, span := tracer.Start(ctx, "procmem.try_find",
		trace.WithAttributes(
			attribute.String("tenant_id", q.TenantID),
			attribute.String("action_type", q.ActionType),
			attribute.String("channel", q.Channel),
			attribute.Bool("industry_filter", q.UseIndustryFilter),
		))
	defer span.End()

	lookupsTotal.Add(ctx, 1)

	industryFilter := q.UseIndustryFilter
	if industryFilter && q.Industry == "" {
		log.Debug().
			Str("tenant_id", q.TenantID).
			Str("action_type", q.ActionType).
			Msg("industry_filter_degraded_to_legacy_lookup")
		span.SetAttributes(attribute.Bool("procmem.industry_degraded", true))
		industryFilter = false
	}

	var tiers []string
	if industryFilter {
		if q.OrganizationID != "" {
			tiers = append(tiers, "org")
		}
		tiers = append(tiers, "industry")
	}
	tiers = append(tiers, "legacy")

	for _, tier := range tiers {
		plan, err := s.findInTier(ctx, tier, q)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if plan != nil {
			lookupHits.Add(ctx, 1)
			span.SetAttributes(
				attribute.String("procmem.tier", tier),
				attribute.Int("procmem.version", plan.Version),
			)
			return plan, nil
		}
	}
	return nil, nil
}

// findInTier runs the highest-version-enabled query for one selection tier.
func (s *Store) findInTier(ctx context.Context, tier string, q Query) (*ReplayPlan, error) {
	query := `SELECT id, tenant_id, organization_id, industry, action_type, channel, version,
	                 steps_json, params_json, preconditions_json, enabled, ring, created_at
	          FROM compiled_procedures
	          WHERE tenant_id = ? AND action_type = ? AND channel = ? AND enabled = 1`
	args := []interface{}{q.TenantID, q.ActionType, q.Channel}

	switch tier {
	case "org":
		query += ` AND organization_id = ?`
		args = append(args, q.OrganizationID)
	case "industry":
		query += ` AND organization_id = '' AND industry = ?`
		args = append(args, strings.ToLower(q.Industry))
	case "legacy":
		// No industry/org refinement; matches procedures compiled before
		// industry scoping existed as well as deliberately shared ones.
		query += ` AND organization_id = '' AND industry = ''`
	default:
		return nil, fmt.Errorf("unknown lookup tier %q", tier)
	}

	query += ` ORDER BY version DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying compiled procedures: %w", err)
	}
	return plan, nil
}

// Get returns a procedure by ID within a tenant partition.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*ReplayPlan, error) {
	ctx, span := tracer.Start(ctx, "procmem.get",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("procedure_id", id),
		))
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, organization_id, industry, action_type, channel, version,
		        steps_json, params_json, preconditions_json, enabled, ring, created_at
		 FROM compiled_procedures WHERE id = ? AND tenant_id = ?`, id, tenantID)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying compiled procedure: %w", err)
	}
	return plan, nil
}

// List returns all procedure versions for a tenant, newest version first,
// optionally filtered by action type.
func (s *Store) List(ctx context.Context, tenantID, actionType string, limit int) ([]ReplayPlan, error) {
	ctx, span := tracer.Start(ctx, "procmem.list",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	query := `SELECT id, tenant_id, organization_id, industry, action_type, channel, version,
	                 steps_json, params_json, preconditions_json, enabled, ring, created_at
	          FROM compiled_procedures WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if actionType != "" {
		query += ` AND action_type = ?`
		args = append(args, actionType)
	}
	query += ` ORDER BY action_type, channel, version DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing compiled procedures: %w", err)
	}
	defer rows.Close()

	var out []ReplayPlan
	for rows.Next() {
		plan, err := scanPlanRows(rows)
		if err != nil {
			continue
		}
		out = append(out, *plan)
	}
	return out, rows.Err()
}

// Upsert appends a new version of the procedure within its scope
// (tenant, organization, industry, action type, channel). The version read
// and insert run in one transaction, retried on SQLite busy/locked, so
// concurrent writers get distinct monotonically increasing versions.
func (s *Store) Upsert(ctx context.Context, plan *ReplayPlan) error {
	ctx, span := tracer.Start(ctx, "procmem.upsert",
		trace.WithAttributes(
			attribute.String("tenant_id", plan.TenantID),
			attribute.String("action_type", plan.ActionType),
			attribute.String("channel", plan.Channel),
		))
	defer span.End()

	if plan.ID == "" {
		plan.ID = "proc_" + uuid.New().String()[:12]
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	if plan.Ring == "" {
		plan.Ring = RingGA
	}
	plan.Industry = strings.ToLower(plan.Industry)

	err := s.withBusyRetry(ctx, func() error { return s.upsertInTx(ctx, plan) })
	if err != nil {
		span.RecordError(err)
		return err
	}

	upsertsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int("procmem.version", plan.Version))
	return nil
}

func (s *Store) upsertInTx(ctx context.Context, plan *ReplayPlan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM compiled_procedures
		 WHERE tenant_id = ? AND organization_id = ? AND industry = ? AND action_type = ? AND channel = ?`,
		plan.TenantID, plan.OrganizationID, plan.Industry, plan.ActionType, plan.Channel,
	).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("querying max version: %w", err)
	}
	plan.Version = maxVersion + 1

	stepsJSON, _ := json.Marshal(plan.Steps)
	paramsJSON, _ := json.Marshal(plan.Params)
	if plan.Params == nil {
		paramsJSON = []byte("{}")
	}
	preJSON, _ := json.Marshal(plan.Preconditions)
	if plan.Preconditions == nil {
		preJSON = []byte("[]")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO compiled_procedures
		 (id, tenant_id, organization_id, industry, action_type, channel, version,
		  steps_json, params_json, preconditions_json, enabled, ring, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.TenantID, plan.OrganizationID, plan.Industry, plan.ActionType,
		plan.Channel, plan.Version, string(stepsJSON), string(paramsJSON), string(preJSON),
		boolToInt(plan.Enabled), plan.Ring, plan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting compiled procedure: %w", err)
	}
	return tx.Commit()
}

// CaptureTrace appends a procedure trace. Traces are written exactly once,
// after the planning call has completed or failed — never incrementally —
// so a cancellation mid-plan cannot leave a partial record.
func (s *Store) CaptureTrace(ctx context.Context, tr *ProcedureTrace) error {
	ctx, span := tracer.Start(ctx, "procmem.capture_trace",
		trace.WithAttributes(
			attribute.String("tenant_id", tr.TenantID),
			attribute.String("outcome", tr.Outcome),
		))
	defer span.End()

	if tr.ID == "" {
		tr.ID = "trace_" + uuid.New().String()[:12]
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	inputsJSON, _ := json.Marshal(tr.Inputs)
	if tr.Inputs == nil {
		inputsJSON = []byte("{}")
	}

	err := s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO procedure_traces
			 (id, tenant_id, action_type, channel, fingerprint, inputs_json, outcome, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			tr.ID, tr.TenantID, tr.ActionType, tr.Channel, tr.Fingerprint,
			string(inputsJSON), tr.Outcome, tr.CreatedAt)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("capturing procedure trace: %w", err)
	}

	tracesTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("trace_id", tr.ID))
	return nil
}

// Traces returns traces for a tenant, newest first.
func (s *Store) Traces(ctx context.Context, tenantID string, limit int) ([]ProcedureTrace, error) {
	ctx, span := tracer.Start(ctx, "procmem.traces",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	query := `SELECT id, tenant_id, action_type, channel, fingerprint, inputs_json, outcome, created_at
	          FROM procedure_traces WHERE tenant_id = ? ORDER BY created_at DESC`
	args := []interface{}{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing procedure traces: %w", err)
	}
	defer rows.Close()

	var out []ProcedureTrace
	for rows.Next() {
		var tr ProcedureTrace
		var inputsJSON string
		if err := rows.Scan(&tr.ID, &tr.TenantID, &tr.ActionType, &tr.Channel,
			&tr.Fingerprint, &inputsJSON, &tr.Outcome, &tr.CreatedAt); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(inputsJSON), &tr.Inputs)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// PurgeTraces deletes traces older than retentionDays across all tenants.
// Called by the retention sweeper, never by the request path.
func (s *Store) PurgeTraces(ctx context.Context, retentionDays int) (int64, error) {
	ctx, span := tracer.Start(ctx, "procmem.purge_traces",
		trace.WithAttributes(attribute.Int("retention_days", retentionDays)))
	defer span.End()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM procedure_traces WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging procedure traces: %w", err)
	}
	affected, _ := result.RowsAffected()
	span.SetAttributes(attribute.Int64("procmem.purged", affected))
	return affected, nil
}

// withBusyRetry retries fn on SQLite busy/locked with quadratic backoff.
func (s *Store) withBusyRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
			if backoff > 250*time.Millisecond {
				backoff = 250 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row *sql.Row) (*ReplayPlan, error) { return scanPlanFrom(row) }
func scanPlanRows(rows *sql.Rows) (*ReplayPlan, error) { return scanPlanFrom(rows) }

func scanPlanFrom(r rowScanner) (*ReplayPlan, error) {
	var p ReplayPlan
	var stepsJSON, paramsJSON, preJSON string
	var enabled int
	err := r.Scan(&p.ID, &p.TenantID, &p.OrganizationID, &p.Industry, &p.ActionType,
		&p.Channel, &p.Version, &stepsJSON, &paramsJSON, &preJSON, &enabled, &p.Ring, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	_ = json.Unmarshal([]byte(stepsJSON), &p.Steps)
	_ = json.Unmarshal([]byte(paramsJSON), &p.Params)
	_ = json.Unmarshal([]byte(preJSON), &p.Preconditions)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
