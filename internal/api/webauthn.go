// ABOUTME: WebAuthn ceremony handlers for passkey registration and step-up
// ABOUTME: Maps ceremony service errors to responses that never leak registry contents

package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/helixbio/cryovault/internal/auth"
	"github.com/helixbio/cryovault/internal/stepup"
	"github.com/helixbio/cryovault/internal/store"
)

func (s *Server) handleRegisterBegin(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())

	options, err := s.stepup.BeginRegistration(r.Context(), ident.UserID)
	if err != nil {
		s.logger.Error("failed to begin registration", "user_id", ident.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start registration")
		return
	}

	writeJSON(w, http.StatusOK, options)
}

func (s *Server) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	_, err = s.stepup.FinishRegistration(r.Context(), ident.UserID, json.RawMessage(body))
	switch {
	case errors.Is(err, stepup.ErrNoChallenge):
		writeError(w, http.StatusBadRequest, "registration ceremony expired, start again")
		return
	case errors.Is(err, stepup.ErrNotVerified):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"verified": false,
			"error":    "attestation could not be verified",
		})
		return
	case err != nil:
		s.logger.Error("failed to finish registration", "user_id", ident.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to complete registration")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (s *Server) handleStepUpBegin(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())

	options, err := s.stepup.BeginStepUp(r.Context(), ident.UserID)
	switch {
	case errors.Is(err, stepup.ErrNoCredentials):
		writeError(w, http.StatusBadRequest, "no passkeys registered")
		return
	case err != nil:
		s.logger.Error("failed to begin step-up", "user_id", ident.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start step-up")
		return
	}

	writeJSON(w, http.StatusOK, options)
}

// handleStepUpFinish verifies an assertion on its own, without spending the
// grant on an operation. The UI uses it to validate a passkey end to end
// after enrollment; sensitive mutations verify their assertion inline
// instead, so a grant never outlives its request.
func (s *Server) handleStepUpFinish(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	_, err = s.stepup.FinishStepUp(r.Context(), ident.UserID, json.RawMessage(body))
	if !s.writeStepUpOutcome(w, err, ident.UserID) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())

	creds, err := s.store.ListPasskeyCredentials(r.Context(), ident.UserID)
	if err != nil {
		s.logger.Error("failed to list credentials", "user_id", ident.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list passkeys")
		return
	}

	out := make([]map[string]any, len(creds))
	for i, c := range creds {
		out[i] = map[string]any{
			"id":        base64.RawURLEncoding.EncodeToString(c.CredentialID),
			"format":    c.AttestationFormat,
			"signCount": c.SignCount,
			"createdAt": c.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

type deleteCredentialRequest struct {
	Assertion json.RawMessage `json:"assertion"`
}

// handleDeleteCredential removes one of the caller's passkeys. Removing a
// passkey changes what can authorize future mutations, so it is itself
// step-up gated.
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())

	credentialID, err := base64.RawURLEncoding.DecodeString(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid credential id")
		return
	}

	var req deleteCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.requireStepUp(w, r, req.Assertion) {
		return
	}

	err = s.store.DeletePasskeyCredential(r.Context(), ident.UserID, credentialID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "passkey not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to delete credential", "user_id", ident.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove passkey")
		return
	}

	s.audit(r, ident.UserID, store.AuditPasskeyRemoved, map[string]any{
		"credential_id": r.PathValue("id"),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// writeStepUpOutcome maps ceremony errors to responses. A credential the
// registry does not know gets the same response as a bad signature.
// Returns true when the ceremony succeeded.
func (s *Server) writeStepUpOutcome(w http.ResponseWriter, err error, userID string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, stepup.ErrNoChallenge):
		writeError(w, http.StatusForbidden, "step-up ceremony expired, start again")
	case errors.Is(err, stepup.ErrNotVerified), errors.Is(err, stepup.ErrCredentialNotFound):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"verified": false,
			"error":    "step-up verification failed",
		})
	case errors.Is(err, stepup.ErrNoCredentials):
		writeError(w, http.StatusForbidden, "no passkeys registered")
	default:
		s.logger.Error("step-up failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "step-up failed")
	}
	return false
}

// requireStepUp runs a step-up ceremony from an inline assertion and spends
// the resulting grant. On failure the response is already written.
func (s *Server) requireStepUp(w http.ResponseWriter, r *http.Request, assertion json.RawMessage) bool {
	ident := auth.MustFromContext(r.Context())

	if len(assertion) == 0 {
		writeError(w, http.StatusForbidden, "step-up assertion required")
		return false
	}

	grant, err := s.stepup.FinishStepUp(r.Context(), ident.UserID, assertion)
	if !s.writeStepUpOutcome(w, err, ident.UserID) {
		return false
	}

	if err := s.gate.Spend(grant, ident.UserID); err != nil {
		writeError(w, http.StatusForbidden, "step-up verification failed")
		return false
	}

	return true
}
