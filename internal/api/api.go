// ABOUTME: HTTP API server wiring routes, middleware, and JSON helpers
// ABOUTME: All /api routes except login sit behind session token authentication

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/helixbio/cryovault/internal/auth"
	"github.com/helixbio/cryovault/internal/stepup"
	"github.com/helixbio/cryovault/internal/store"
)

// Store is the persistence surface the API needs.
type Store interface {
	store.UserStore
	store.DonorStore
	store.AuditStore
	ListPasskeyCredentials(ctx context.Context, userID string) ([]*store.PasskeyCredential, error)
	DeletePasskeyCredential(ctx context.Context, userID string, credentialID []byte) error
	Ping(ctx context.Context) error
}

// Server handles HTTP API requests.
type Server struct {
	store      Store
	stepup     *stepup.Service
	gate       *stepup.Gate
	verifier   *auth.JWTVerifier
	sessionTTL time.Duration
	logger     *slog.Logger
}

// New creates an API server.
func New(st Store, sv *stepup.Service, verifier *auth.JWTVerifier, sessionTTL time.Duration) *Server {
	return &Server{
		store:      st,
		stepup:     sv,
		gate:       stepup.NewGate(0),
		verifier:   verifier,
		sessionTTL: sessionTTL,
		logger:     slog.Default().With("component", "api"),
	}
}

// Routes builds the HTTP handler with all routes registered.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	// Everything else under /api requires a valid session token.
	authed := http.NewServeMux()
	authed.HandleFunc("POST /api/auth/logout", s.handleLogout)
	authed.HandleFunc("GET /api/auth/me", s.handleMe)

	authed.HandleFunc("POST /api/webauthn/register/begin", s.handleRegisterBegin)
	authed.HandleFunc("POST /api/webauthn/register/finish", s.handleRegisterFinish)
	authed.HandleFunc("POST /api/webauthn/step-up/begin", s.handleStepUpBegin)
	authed.HandleFunc("POST /api/webauthn/step-up/finish", s.handleStepUpFinish)
	authed.HandleFunc("GET /api/webauthn/credentials", s.handleListCredentials)
	authed.HandleFunc("DELETE /api/webauthn/credentials/{id}", s.handleDeleteCredential)

	authed.HandleFunc("GET /api/donors", s.handleListDonors)
	authed.HandleFunc("POST /api/donors", s.handleCreateDonor)
	authed.HandleFunc("GET /api/donors/{id}", s.handleGetDonor)
	authed.HandleFunc("PUT /api/donors/{id}", s.handleUpdateDonor)
	authed.HandleFunc("DELETE /api/donors/{id}", s.handleDeleteDonor)
	authed.HandleFunc("GET /api/donors/{id}/retrievals", s.handleListRetrievals)
	authed.HandleFunc("POST /api/retrievals/{donorID}/confirm", s.handleConfirmRetrieval)

	authed.HandleFunc("GET /api/audit", s.handleListAudit)
	authed.HandleFunc("POST /api/audit", s.handleReportAudit)

	mux.Handle("/api/", auth.Middleware(s.store, s.verifier)(authed))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON decodes the request body into v, capping body size at 1MB.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}

// remoteAddr returns the client address, honoring X-Forwarded-For when a
// proxy sits in front.
func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// audit appends an audit entry with request metadata attached. Audit
// failures are logged, never surfaced to the client.
func (s *Server) audit(r *http.Request, userID string, action store.AuditAction, detail map[string]any) {
	entry := &store.AuditEntry{
		UserID:     userID,
		Action:     action,
		Detail:     detail,
		UserAgent:  r.UserAgent(),
		RemoteAddr: remoteAddr(r),
	}
	if err := s.store.AppendAudit(r.Context(), entry); err != nil {
		s.logger.Warn("failed to append audit entry", "action", action, "error", err)
	}
}
