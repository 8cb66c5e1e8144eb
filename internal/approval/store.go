// Package approval implements the human-approval workflow for gated
// actions. Requests move one way only: Pending → Approved, Rejected, or
// Expired. A resolved request never changes again; conflicting responses
// surface as typed errors rather than silent overwrites.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaycrm/relay/internal/action"
	relayotel "github.com/relaycrm/relay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/relaycrm/relay/internal/approval")

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

var (
	// ErrNotFound: no such request in this tenant.
	ErrNotFound = errors.New("approval request not found")
	// ErrAlreadyResolved: the request was already approved or rejected. The
	// first response wins; later ones conflict.
	ErrAlreadyResolved = errors.New("approval request already resolved")
	// ErrRequestExpired: the request's deadline passed before the response.
	ErrRequestExpired = errors.New("approval request expired")
)

// Request is one pending human decision about a scheduled action.
type Request struct {
	ID             string                 `json:"id"`
	TenantID       string                 `json:"tenant_id"`
	UserID         string                 `json:"user_id"`
	Action         action.ScheduledAction `json:"action"`
	Reason         string                 `json:"reason"` // why approval was required
	Status         Status                 `json:"status"`
	ResolvedBy     string                 `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
	ResolutionNote string                 `json:"resolution_note,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	ExpiresAt      time.Time              `json:"expires_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS approval_requests (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    action_type TEXT NOT NULL,
    channel TEXT NOT NULL,
    template TEXT NOT NULL DEFAULT '',
    risk_band TEXT NOT NULL,
    action_json TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    resolved_by TEXT,
    resolved_at TIMESTAMP,
    resolution_note TEXT,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_approvals_user ON approval_requests(tenant_id, user_id, status);
CREATE INDEX IF NOT EXISTS idx_approvals_expiry ON approval_requests(status, expires_at);
`

// Store persists approval requests in SQLite.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewStore opens (creating if needed) the approvals database. ttl is the
// lifetime of a new request.
func NewStore(dbPath string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening approvals database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating approvals schema: %w", err)
	}
	return &Store{db: db, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateApprovalRequest persists a new pending request and returns it with
// identifiers and deadlines filled in.
func (s *Store) CreateApprovalRequest(ctx context.Context, tenantID, userID string, act *action.ScheduledAction, reason string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "approval.create",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("action_type", act.ActionType),
		))
	defer span.End()

	now := s.now()
	req := &Request{
		ID:        "appr_" + uuid.New().String()[:12],
		TenantID:  tenantID,
		UserID:    userID,
		Action:    *act,
		Reason:    reason,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	actionJSON, err := json.Marshal(req.Action)
	if err != nil {
		return nil, fmt.Errorf("marshaling action: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests
		 (id, tenant_id, user_id, action_type, channel, template, risk_band,
		  action_json, reason, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.TenantID, req.UserID, act.ActionType, act.Channel, act.Template,
		string(act.RiskBand), string(actionJSON), req.Reason, string(req.Status),
		req.CreatedAt, req.ExpiresAt)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("creating approval request: %w", err)
	}

	span.SetAttributes(attribute.String("approval_id", req.ID))
	log.Info().
		Str("tenant_id", tenantID).
		Str("approval_id", req.ID).
		Str("action_type", act.ActionType).
		Msg("approval_request_created")
	return req, nil
}

// Get returns a request by ID within a tenant partition.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, user_id, action_json, reason, status,
		        resolved_by, resolved_at, resolution_note, created_at, expires_at
		 FROM approval_requests WHERE id = ? AND tenant_id = ?`, id, tenantID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

// ProcessApprovalResponse resolves a pending request. The transition is
// guarded in SQL: only a pending, unexpired row updates. A zero row count
// is then diagnosed into the precise typed error so concurrent responders
// get a conflict, not a lie.
func (s *Store) ProcessApprovalResponse(ctx context.Context, tenantID, requestID, responderID string, approve bool, note string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "approval.respond",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("approval_id", requestID),
			attribute.Bool("approve", approve),
		))
	defer span.End()

	status := StatusRejected
	if approve {
		status = StatusApproved
	}
	now := s.now()

	result, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests
		 SET status = ?, resolved_by = ?, resolved_at = ?, resolution_note = ?
		 WHERE id = ? AND tenant_id = ? AND status = 'pending' AND expires_at > ?`,
		string(status), responderID, now, note, requestID, tenantID, now)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolving approval request: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		existing, err := s.Get(ctx, tenantID, requestID)
		if err != nil {
			return nil, err
		}
		if existing.Status == StatusExpired || (existing.Status == StatusPending && !existing.ExpiresAt.After(now)) {
			return nil, ErrRequestExpired
		}
		return nil, ErrAlreadyResolved
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("approval_id", requestID).
		Str("status", string(status)).
		Str("resolved_by", responderID).
		Msg("approval_request_resolved")
	return s.Get(ctx, tenantID, requestID)
}

// GetPendingApprovals returns a user's open requests, oldest first. With
// includeExpired it also returns requests past their deadline (whether or
// not the sweeper has marked them yet).
func (s *Store) GetPendingApprovals(ctx context.Context, tenantID, userID string, includeExpired bool) ([]Request, error) {
	ctx, span := tracer.Start(ctx, "approval.pending",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.Bool("include_expired", includeExpired),
		))
	defer span.End()

	now := s.now()
	query := `SELECT id, tenant_id, user_id, action_json, reason, status,
	                 resolved_by, resolved_at, resolution_note, created_at, expires_at
	          FROM approval_requests WHERE tenant_id = ? AND user_id = ?`
	args := []interface{}{tenantID, userID}
	if includeExpired {
		query += ` AND status IN ('pending', 'expired')`
	} else {
		query += ` AND status = 'pending' AND expires_at > ?`
		args = append(args, now)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequestRows(rows)
		if err != nil {
			continue
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// ApplyBulkApproval approves the anchor request and every similar pending
// request of the same user. Similar means: same action type, plus equal
// values for each configured similarity field. Expired requests and other
// users' requests are never touched. Returns how many requests were
// approved, the anchor included.
func (s *Store) ApplyBulkApproval(ctx context.Context, tenantID, anchorID, responderID string, similarityFields []string) (int, error) {
	ctx, span := tracer.Start(ctx, "approval.bulk",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("anchor_id", anchorID),
		))
	defer span.End()

	anchor, err := s.Get(ctx, tenantID, anchorID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	if anchor.Status != StatusPending {
		return 0, ErrAlreadyResolved
	}
	if !anchor.ExpiresAt.After(now) {
		return 0, ErrRequestExpired
	}

	candidates, err := s.GetPendingApprovals(ctx, tenantID, anchor.UserID, false)
	if err != nil {
		return 0, err
	}

	approved := 0
	for _, cand := range candidates {
		if cand.Action.ActionType != anchor.Action.ActionType {
			continue
		}
		if cand.ID != anchorID && !similar(&anchor.Action, &cand.Action, similarityFields) {
			continue
		}
		note := "bulk approval via " + anchorID
		if cand.ID == anchorID {
			note = ""
		}
		if _, err := s.ProcessApprovalResponse(ctx, tenantID, cand.ID, responderID, true, note); err != nil {
			// A concurrent resolution is not a bulk failure; skip and move on.
			if errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrRequestExpired) {
				continue
			}
			return approved, err
		}
		approved++
	}

	span.SetAttributes(attribute.Int("approval.bulk_approved", approved))
	log.Info().
		Str("tenant_id", tenantID).
		Str("anchor_id", anchorID).
		Int("approved", approved).
		Msg("bulk_approval_applied")
	return approved, nil
}

// similar compares two actions over the configured similarity fields.
// Unknown field names match nothing, so a typo narrows rather than widens
// the sweep.
func similar(a, b *action.ScheduledAction, fields []string) bool {
	for _, f := range fields {
		switch f {
		case "template":
			if a.Template != b.Template {
				return false
			}
		case "channel":
			if a.Channel != b.Channel {
				return false
			}
		case "risk_band":
			if a.RiskBand != b.RiskBand {
				return false
			}
		case "contact":
			if a.ContactID != b.ContactID {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ExpireOverdue marks every pending request past its deadline as expired.
// Called by the sweeper.
func (s *Store) ExpireOverdue(ctx context.Context) (int64, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests
		 SET status = 'expired', resolved_at = ?
		 WHERE status = 'pending' AND expires_at <= ?`, now, now)
	if err != nil {
		return 0, fmt.Errorf("expiring approval requests: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		log.Info().Int64("expired", affected).Msg("approval_requests_expired")
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row *sql.Row) (*Request, error)       { return scanRequestFrom(row) }
func scanRequestRows(rows *sql.Rows) (*Request, error) { return scanRequestFrom(rows) }

func scanRequestFrom(r rowScanner) (*Request, error) {
	var req Request
	var actionJSON, status string
	var resolvedBy, resolutionNote sql.NullString
	var resolvedAt sql.NullTime
	err := r.Scan(&req.ID, &req.TenantID, &req.UserID, &actionJSON, &req.Reason, &status,
		&resolvedBy, &resolvedAt, &resolutionNote, &req.CreatedAt, &req.ExpiresAt)
	if err != nil {
		return nil, err
	}
	req.Status = Status(status)
	if resolvedBy.Valid {
		req.ResolvedBy = resolvedBy.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		req.ResolvedAt = &t
	}
	if resolutionNote.Valid {
		req.ResolutionNote = resolutionNote.String
	}
	if err := json.Unmarshal([]byte(actionJSON), &req.Action); err != nil {
		return nil, fmt.Errorf("unmarshaling action: %w", err)
	}
	return &req, nil
}
