// ABOUTME: HTTP middleware for session token authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds Identity to context

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/helixbio/cryovault/internal/store"
)

// UserStore is the subset of the store needed to resolve a token subject
// into a full identity.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// buildIdentity creates an Identity from a stored user.
func buildIdentity(user *store.User) *Identity {
	return &Identity{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Role:        user.Role,
	}
}

// Middleware creates an HTTP middleware that extracts and validates session
// tokens. It looks up the user and adds Identity to the request context using
// the WithIdentity/FromContext pattern. Requests without a valid identity are
// rejected before any handler state is touched.
func Middleware(users UserStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			user, err := users.GetUser(r.Context(), userID)
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, `{"error":"unknown user"}`, http.StatusUnauthorized)
				return
			}
			if err != nil {
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), buildIdentity(user))))
		})
	}
}

// RequireAdmin creates an HTTP middleware that requires the admin role.
// Must be used after Middleware.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := FromContext(r.Context())
			if ident == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			if !ident.IsAdmin() {
				http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
