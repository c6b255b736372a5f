// ABOUTME: Session authentication handlers for login, logout, and identity lookup
// ABOUTME: Login verifies bcrypt password hashes and issues JWT session tokens

package api

import (
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/helixbio/cryovault/internal/auth"
	"github.com/helixbio/cryovault/internal/store"
)

// dummyHash keeps password comparison time constant when the username does
// not exist.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	HasPasskeys bool   `json:"hasPasskeys"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) {
		// Burn the same bcrypt cost as a real comparison.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(req.Password))
		s.audit(r, "", store.AuditLoginFailed, map[string]any{"username": req.Username})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.logger.Error("login lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if user.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		s.audit(r, user.ID, store.AuditLoginFailed, map[string]any{"username": req.Username})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.verifier.Generate(user.ID, s.sessionTTL)
	if err != nil {
		s.logger.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.audit(r, user.ID, store.AuditLogin, nil)
	s.logger.Info("user logged in", "user_id", user.ID, "username", user.Username)

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  s.userResponse(r, user),
	})
}

func (s *Server) userResponse(r *http.Request, user *store.User) userResponse {
	creds, err := s.store.ListPasskeyCredentials(r.Context(), user.ID)
	if err != nil {
		s.logger.Warn("failed to list credentials", "user_id", user.ID, "error", err)
	}
	return userResponse{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Role:        user.Role,
		HasPasskeys: len(creds) > 0,
	}
}

// handleLogout records the logout. Session tokens are stateless, so the
// client discards the token; the audit trail is the point here.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())
	s.audit(r, ident.UserID, store.AuditLogout, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ident := auth.MustFromContext(r.Context())

	user, err := s.store.GetUser(r.Context(), ident.UserID)
	if err != nil {
		s.logger.Error("identity lookup failed", "user_id", ident.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, s.userResponse(r, user))
}
