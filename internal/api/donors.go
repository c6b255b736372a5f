// ABOUTME: Donor record handlers; every mutation demands an inline step-up assertion
// ABOUTME: Retrieval confirmation is the most sensitive operation in the system

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/helixbio/cryovault/internal/auth"
	"github.com/helixbio/cryovault/internal/store"
)

type donorResponse struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	BloodType string `json:"bloodType"`
	Status    string `json:"status"`
	Notes     string `json:"notes"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func toDonorResponse(d *store.Donor) donorResponse {
	return donorResponse{
		ID:        d.ID,
		Code:      d.Code,
		BloodType: d.BloodType,
		Status:    d.Status,
		Notes:     d.Notes,
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
		UpdatedAt: d.UpdatedAt.Format(time.RFC3339),
	}
}

type donorRequest struct {
	Code      string          `json:"code"`
	BloodType string          `json:"bloodType"`
	Status    string          `json:"status"`
	Notes     string          `json:"notes"`
	Assertion json.RawMessage `json:"assertion"`
}

func validDonorStatus(status string) bool {
	switch status {
	case "", store.DonorStatusActive, store.DonorStatusReserved,
		store.DonorStatusRetrieved, store.DonorStatusArchived:
		return true
	}
	return false
}

func (s *Server) handleListDonors(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	donors, err := s.store.ListDonors(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list donors", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list donors")
		return
	}

	out := make([]donorResponse, len(donors))
	for i, d := range donors {
		out[i] = toDonorResponse(d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"donors": out})
}

func (s *Server) handleGetDonor(w http.ResponseWriter, r *http.Request) {
	donor, err := s.store.GetDonor(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "donor not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get donor", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get donor")
		return
	}
	writeJSON(w, http.StatusOK, toDonorResponse(donor))
}

func (s *Server) handleCreateDonor(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())

	var req donorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "donor code required")
		return
	}
	if !validDonorStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid donor status")
		return
	}

	if !s.requireStepUp(w, r, req.Assertion) {
		return
	}

	donor := &store.Donor{
		Code:      req.Code,
		BloodType: req.BloodType,
		Status:    req.Status,
		Notes:     req.Notes,
	}
	err := s.store.CreateDonor(r.Context(), donor)
	if errors.Is(err, store.ErrDonorCodeExists) {
		writeError(w, http.StatusConflict, "donor code already exists")
		return
	}
	if err != nil {
		s.logger.Error("failed to create donor", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create donor")
		return
	}

	s.audit(r, ident.UserID, store.AuditDonorCreate, map[string]any{
		"donor_id": donor.ID,
		"code":     donor.Code,
	})
	writeJSON(w, http.StatusCreated, toDonorResponse(donor))
}

func (s *Server) handleUpdateDonor(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())

	var req donorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "donor code required")
		return
	}
	if !validDonorStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid donor status")
		return
	}

	donor, err := s.store.GetDonor(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "donor not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get donor", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update donor")
		return
	}

	if !s.requireStepUp(w, r, req.Assertion) {
		return
	}

	donor.Code = req.Code
	donor.BloodType = req.BloodType
	if req.Status != "" {
		donor.Status = req.Status
	}
	donor.Notes = req.Notes

	err = s.store.UpdateDonor(r.Context(), donor)
	if errors.Is(err, store.ErrDonorCodeExists) {
		writeError(w, http.StatusConflict, "donor code already exists")
		return
	}
	if err != nil {
		s.logger.Error("failed to update donor", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update donor")
		return
	}

	s.audit(r, ident.UserID, store.AuditDonorUpdate, map[string]any{
		"donor_id": donor.ID,
		"code":     donor.Code,
	})
	writeJSON(w, http.StatusOK, toDonorResponse(donor))
}

type deleteDonorRequest struct {
	Assertion json.RawMessage `json:"assertion"`
}

func (s *Server) handleDeleteDonor(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())
	if !ident.IsAdmin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	var req deleteDonorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.requireStepUp(w, r, req.Assertion) {
		return
	}

	id := r.PathValue("id")
	err := s.store.DeleteDonor(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "donor not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to delete donor", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete donor")
		return
	}

	s.audit(r, ident.UserID, store.AuditDonorDelete, map[string]any{"donor_id": id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type confirmRetrievalRequest struct {
	SpecimenCount int             `json:"specimenCount"`
	Notes         string          `json:"notes"`
	Assertion     json.RawMessage `json:"assertion"`
}

func (s *Server) handleConfirmRetrieval(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())

	var req confirmRetrievalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SpecimenCount <= 0 {
		writeError(w, http.StatusBadRequest, "specimen count must be positive")
		return
	}

	if !s.requireStepUp(w, r, req.Assertion) {
		return
	}

	event := &store.RetrievalEvent{
		DonorID:       r.PathValue("donorID"),
		ConfirmedBy:   ident.UserID,
		SpecimenCount: req.SpecimenCount,
		Notes:         req.Notes,
	}
	err := s.store.CreateRetrievalEvent(r.Context(), event)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "donor not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to confirm retrieval", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to confirm retrieval")
		return
	}

	s.audit(r, ident.UserID, store.AuditRetrievalConfirmed, map[string]any{
		"donor_id":       event.DonorID,
		"event_id":       event.ID,
		"specimen_count": event.SpecimenCount,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        event.ID,
		"donorId":   event.DonorID,
		"createdAt": event.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListRetrievals(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListRetrievalEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("failed to list retrievals", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list retrievals")
		return
	}

	out := make([]map[string]any, len(events))
	for i, e := range events {
		out[i] = map[string]any{
			"id":            e.ID,
			"donorId":       e.DonorID,
			"confirmedBy":   e.ConfirmedBy,
			"specimenCount": e.SpecimenCount,
			"notes":         e.Notes,
			"createdAt":     e.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"retrievals": out})
}
