package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/relaycrm/relay/internal/action"
	"github.com/relaycrm/relay/internal/approval"
	"github.com/relaycrm/relay/internal/audit"
	"github.com/relaycrm/relay/internal/procmem"
	"github.com/relaycrm/relay/internal/relevance"
	"github.com/relaycrm/relay/internal/requestctx"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{
			"procedure_store": "ok",
			"approval_store":  "ok",
			"audit_store":     "ok",
		}
		if s.vault == nil {
			components["vault"] = "disabled"
		} else {
			components["vault"] = "ok"
		}
		if s.validationLog == nil {
			components["validation_log"] = "disabled"
		} else {
			components["validation_log"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActionExecute(w http.ResponseWriter, r *http.Request) {
	var req action.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	// The authenticated tenant always wins over whatever the body claims.
	if tenantID := requestctx.TenantID(r.Context()); tenantID != "" {
		req.TenantID = tenantID
	}
	if req.UserID == "" {
		req.UserID = requestctx.UserID(r.Context())
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	orch, err := s.resolver.For(r.Context(), req.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), executeTimeout)
	defer cancel()
	result := orch.Handle(ctx, &req)
	s.recordOutcome(ctx, &req, &result)

	switch {
	case result.OverrideRequired:
		writeJSON(w, http.StatusAccepted, result)
	case result.Overloaded:
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusServiceUnavailable, result)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// recordOutcome appends the signed audit record for one execution attempt.
func (s *Server) recordOutcome(ctx context.Context, req *action.AgentRequest, result *action.ExecutionResult) {
	event := &audit.Event{
		TenantID:   req.TenantID,
		ActionType: req.ActionType,
		Channel:    req.Channel,
		Path:       string(result.Path),
		TraceID:    result.TraceID,
	}
	switch {
	case result.Success:
		event.Type = audit.TypeActionExecuted
	case result.OverrideRequired:
		event.Type = audit.TypeApprovalRequired
		event.Detail = result.ApprovalID
	default:
		event.Type = audit.TypeActionRejected
		event.Detail = result.Error
	}
	if err := s.auditStore.Append(ctx, event); err != nil {
		log.Error().Err(err).
			Str("tenant_id", req.TenantID).
			Msg("audit_append_failed")
	}
}

func (s *Server) handleApprovalsPending(w http.ResponseWriter, r *http.Request) {
	tenantID := requestctx.TenantID(r.Context())
	userID := r.URL.Query().Get("user_id")
	includeExpired := r.URL.Query().Get("include_expired") == "true"

	requests, err := s.approvals.GetPendingApprovals(r.Context(), tenantID, userID, includeExpired)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": requests,
		"count":     len(requests),
	})
}

type approvalResponseRequest struct {
	Approve     bool   `json:"approve"`
	Note        string `json:"note"`
	ResponderID string `json:"responder_id"`
}

func (s *Server) handleApprovalRespond(w http.ResponseWriter, r *http.Request) {
	tenantID := requestctx.TenantID(r.Context())
	requestID := chi.URLParam(r, "id")

	var req approvalResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	responder := requestctx.UserID(r.Context())
	if responder == "" {
		responder = req.ResponderID
	}
	if responder == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "responder_id is required")
		return
	}

	resolved, err := s.approvals.ProcessApprovalResponse(r.Context(), tenantID, requestID, responder, req.Approve, req.Note)
	if err != nil {
		writeApprovalError(w, err)
		return
	}

	_ = s.auditStore.Append(r.Context(), &audit.Event{
		TenantID:   tenantID,
		Type:       audit.TypeApprovalResolved,
		ActionType: resolved.Action.ActionType,
		Channel:    resolved.Action.Channel,
		Detail:     string(resolved.Status),
	})
	writeJSON(w, http.StatusOK, resolved)
}

type bulkApprovalRequest struct {
	AnchorID    string `json:"anchor_id"`
	ResponderID string `json:"responder_id"`
}

func (s *Server) handleApprovalsBulk(w http.ResponseWriter, r *http.Request) {
	tenantID := requestctx.TenantID(r.Context())

	var req bulkApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.AnchorID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "anchor_id is required")
		return
	}
	responder := requestctx.UserID(r.Context())
	if responder == "" {
		responder = req.ResponderID
	}
	if responder == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "responder_id is required")
		return
	}

	similarityFields := []string{"template", "channel"}
	if s.tenantManager != nil {
		similarityFields = s.tenantManager.Policy(r.Context(), tenantID).BulkApproval.SimilarityFields
	}

	approved, err := s.approvals.ApplyBulkApproval(r.Context(), tenantID, req.AnchorID, responder, similarityFields)
	if err != nil {
		writeApprovalError(w, err)
		return
	}

	_ = s.auditStore.Append(r.Context(), &audit.Event{
		TenantID: tenantID,
		Type:     audit.TypeApprovalResolved,
		Detail:   "bulk approval of " + strconv.Itoa(approved) + " requests",
	})
	writeJSON(w, http.StatusOK, map[string]int{"approved": approved})
}

func writeApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, approval.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", err.Error())
	case errors.Is(err, approval.ErrRequestExpired):
		writeError(w, http.StatusGone, "expired", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleProceduresList(w http.ResponseWriter, r *http.Request) {
	tenantID := requestctx.TenantID(r.Context())
	actionType := r.URL.Query().Get("action_type")
	limit := queryInt(r, "limit", 50)

	plans, err := s.procStore.List(r.Context(), tenantID, actionType, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"procedures": plans,
		"count":      len(plans),
	})
}

func (s *Server) handleProcedureGet(w http.ResponseWriter, r *http.Request) {
	tenantID := requestctx.TenantID(r.Context())
	plan, err := s.procStore.Get(r.Context(), tenantID, chi.URLParam(r, "id"))
	if errors.Is(err, procmem.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleTracesList(w http.ResponseWriter, r *http.Request) {
	tenantID := requestctx.TenantID(r.Context())
	traces, err := s.procStore.Traces(r.Context(), tenantID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"traces": traces,
		"count":  len(traces),
	})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	tenantID := requestctx.TenantID(r.Context())
	filter := audit.Filter{
		Type:  r.URL.Query().Get("type"),
		Limit: queryInt(r, "limit", 100),
	}
	if t, err := time.Parse(time.RFC3339, r.URL.Query().Get("start")); err == nil {
		filter.Start = t
	}
	if t, err := time.Parse(time.RFC3339, r.URL.Query().Get("end")); err == nil {
		filter.End = t
	}

	events, err := s.auditStore.Query(r.Context(), tenantID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	type verifiedEvent struct {
		audit.Event
		Verified bool `json:"verified"`
	}
	out := make([]verifiedEvent, 0, len(events))
	for i := range events {
		out = append(out, verifiedEvent{Event: events[i], Verified: s.auditStore.Verify(&events[i])})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": out,
		"count":  len(out),
	})
}

func (s *Server) handleValidationsList(w http.ResponseWriter, r *http.Request) {
	if s.validationLog == nil {
		writeError(w, http.StatusNotFound, "not_found", "validation log not enabled")
		return
	}
	tenantID := requestctx.TenantID(r.Context())
	filter := relevance.AuditFilter{
		ContactID:  r.URL.Query().Get("contact_id"),
		ActionType: r.URL.Query().Get("action_type"),
		Limit:      queryInt(r, "limit", 100),
	}
	entries, err := s.validationLog.Query(r.Context(), tenantID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"validations": entries,
		"count":       len(entries),
	})
}

func (s *Server) handleSecretsList(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		writeError(w, http.StatusNotFound, "not_found", "vault not enabled")
		return
	}
	tenantID := requestctx.TenantID(r.Context())
	entries, err := s.vault.List(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"secrets": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleSecretsAudit(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		writeError(w, http.StatusNotFound, "not_found", "vault not enabled")
		return
	}
	tenantID := requestctx.TenantID(r.Context())
	records, err := s.vault.AccessLog(r.Context(), tenantID, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
