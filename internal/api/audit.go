// ABOUTME: Audit log handlers for querying the trail and recording client-reported events
// ABOUTME: Queries are admin-only; client reports are validated against known actions

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/helixbio/cryovault/internal/auth"
	"github.com/helixbio/cryovault/internal/store"
)

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())
	if !ident.IsAdmin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	var filter store.AuditFilter
	q := r.URL.Query()

	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &ts
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid until timestamp")
			return
		}
		filter.Until = &ts
	}
	if raw := q.Get("user_id"); raw != "" {
		filter.UserID = &raw
	}
	if raw := q.Get("action"); raw != "" {
		action := store.AuditAction(raw)
		if !store.IsValidAuditAction(action) {
			writeError(w, http.StatusBadRequest, "unknown audit action")
			return
		}
		filter.Action = &action
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	entries, err := s.store.ListAudit(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = map[string]any{
			"id":         e.ID,
			"userId":     e.UserID,
			"action":     e.Action,
			"detail":     e.Detail,
			"userAgent":  e.UserAgent,
			"remoteAddr": e.RemoteAddr,
			"timestamp":  e.Timestamp.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

type reportAuditRequest struct {
	Action store.AuditAction `json:"action"`
	Detail map[string]any    `json:"detail"`
}

// handleReportAudit records a client-observed security event, like a failed
// ceremony the browser saw but the server never received. The actor and
// request metadata come from the session, never from the body.
func (s *Server) handleReportAudit(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())

	var req reportAuditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !store.IsValidAuditAction(req.Action) {
		writeError(w, http.StatusBadRequest, "unknown audit action")
		return
	}

	entry := &store.AuditEntry{
		UserID:     ident.UserID,
		Action:     req.Action,
		Detail:     req.Detail,
		UserAgent:  r.UserAgent(),
		RemoteAddr: remoteAddr(r),
	}
	if err := s.store.AppendAudit(r.Context(), entry); err != nil {
		s.logger.Error("failed to append audit entry", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record event")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": entry.ID})
}
