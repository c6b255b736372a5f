// ABOUTME: HTTP integration tests for the console API
// ABOUTME: Exercises login, passkey enrollment, and step-up gated mutations end to end

package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/helixbio/cryovault/internal/auth"
	"github.com/helixbio/cryovault/internal/stepup"
	"github.com/helixbio/cryovault/internal/store"
)

const (
	testRPID     = "vault.helixbio.example"
	testRPName   = "CryoVault"
	testOrigin   = "https://vault.helixbio.example"
	testPassword = "sub-zero-clearance-9"
	testSecret   = "0123456789abcdef0123456789abcdef"
)

func testRP() virtualwebauthn.RelyingParty {
	return virtualwebauthn.RelyingParty{Name: testRPName, ID: testRPID, Origin: testOrigin}
}

func newTestServer(t *testing.T) (http.Handler, *store.SQLiteStore) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, &store.User{
		ID:           "admin-1",
		Username:     "mwallace",
		PasswordHash: string(hash),
		DisplayName:  "Mia Wallace",
		Role:         store.RoleAdmin,
	}))
	require.NoError(t, st.CreateUser(ctx, &store.User{
		ID:           "staff-1",
		Username:     "vvega",
		PasswordHash: string(hash),
		DisplayName:  "Vincent Vega",
		Role:         store.RoleStaff,
	}))

	sv, err := stepup.New(stepup.Config{
		RPID:   testRPID,
		RPName: testRPName,
		Origin: testOrigin,
	}, st)
	require.NoError(t, err)

	verifier := auth.NewJWTVerifier([]byte(testSecret))
	server := New(st, sv, verifier, time.Hour)
	return server.Routes(), st
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("User-Agent", "cryovault-test")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func login(t *testing.T, h http.Handler, username string) string {
	t.Helper()

	rec := doRequest(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": username,
		"password": testPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	decodeBody(t, rec, &resp)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

// innerOptions unwraps the publicKey envelope from ceremony options.
func innerOptions(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var envelope struct {
		PublicKey json.RawMessage `json:"publicKey"`
	}
	decodeBody(t, rec, &envelope)
	require.NotEmpty(t, envelope.PublicKey)
	return string(envelope.PublicKey)
}

// enrollPasskey registers a virtual authenticator credential over the API.
func enrollPasskey(t *testing.T, h http.Handler, token string, authr *virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential) {
	t.Helper()

	rec := doRequest(t, h, http.MethodPost, "/api/webauthn/register/begin", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	attOpts, err := virtualwebauthn.ParseAttestationOptions(innerOptions(t, rec))
	require.NoError(t, err)

	attestation := virtualwebauthn.CreateAttestationResponse(testRP(), *authr, *cred, *attOpts)

	rec = doRequest(t, h, http.MethodPost, "/api/webauthn/register/finish", token, attestation)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	authr.AddCredential(*cred)
}

// freshAssertion runs step-up begin and answers the challenge, returning the
// assertion JSON to embed in a mutation request.
func freshAssertion(t *testing.T, h http.Handler, token string, authr *virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential) json.RawMessage {
	t.Helper()

	rec := doRequest(t, h, http.MethodPost, "/api/webauthn/step-up/begin", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	asOpts, err := virtualwebauthn.ParseAssertionOptions(innerOptions(t, rec))
	require.NoError(t, err)

	cred.Counter++
	return json.RawMessage(virtualwebauthn.CreateAssertionResponse(testRP(), *authr, *cred, *asOpts))
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogin(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "mwallace",
		"password": testPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
		User  struct {
			Username    string `json:"username"`
			Role        string `json:"role"`
			HasPasskeys bool   `json:"hasPasskeys"`
		} `json:"user"`
	}
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "mwallace", resp.User.Username)
	assert.Equal(t, store.RoleAdmin, resp.User.Role)
	assert.False(t, resp.User.HasPasskeys)
}

func TestLogin_BadPassword(t *testing.T) {
	h, st := newTestServer(t)

	rec := doRequest(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "mwallace",
		"password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	action := store.AuditLoginFailed
	entries, err := st.ListAudit(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLogin_UnknownUser(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "nobody",
		"password": testPassword,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/auth/me", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe(t *testing.T) {
	h, _ := newTestServer(t)
	token := login(t, h, "vvega")

	rec := doRequest(t, h, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp userResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "vvega", resp.Username)
	assert.Equal(t, store.RoleStaff, resp.Role)
}

func TestPasskeyEnrollment(t *testing.T) {
	h, _ := newTestServer(t)
	token := login(t, h, "mwallace")

	authr := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	enrollPasskey(t, h, token, &authr, &cred)

	rec := doRequest(t, h, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp userResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.HasPasskeys)
}

func TestStepUpFinish_Standalone(t *testing.T) {
	h, _ := newTestServer(t)
	token := login(t, h, "mwallace")

	authr := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	enrollPasskey(t, h, token, &authr, &cred)

	assertion := freshAssertion(t, h, token, &authr, &cred)
	rec := doRequest(t, h, http.MethodPost, "/api/webauthn/step-up/finish", token, []byte(assertion))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Verified bool `json:"verified"`
	}
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Verified)
}

func TestCredentialManagement(t *testing.T) {
	h, _ := newTestServer(t)
	token := login(t, h, "mwallace")

	authr := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	enrollPasskey(t, h, token, &authr, &cred)

	rec := doRequest(t, h, http.MethodGet, "/api/webauthn/credentials", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Credentials []map[string]any `json:"credentials"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Credentials, 1)
	credID := list.Credentials[0]["id"].(string)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(cred.ID), credID)

	// Removal is itself a sensitive mutation.
	rec = doRequest(t, h, http.MethodDelete, "/api/webauthn/credentials/"+credID, token, map[string]any{})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assertion := freshAssertion(t, h, token, &authr, &cred)
	rec = doRequest(t, h, http.MethodDelete, "/api/webauthn/credentials/"+credID, token, map[string]any{
		"assertion": assertion,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/api/webauthn/credentials", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &list)
	assert.Empty(t, list.Credentials)

	// With the last passkey gone, step-up can no longer begin.
	rec = doRequest(t, h, http.MethodPost, "/api/webauthn/step-up/begin", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStepUpBegin_NoPasskeys(t *testing.T) {
	h, _ := newTestServer(t)
	token := login(t, h, "vvega")

	rec := doRequest(t, h, http.MethodPost, "/api/webauthn/step-up/begin", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDonorCreate_RequiresStepUp(t *testing.T) {
	h, _ := newTestServer(t)
	token := login(t, h, "mwallace")

	// Without an assertion the mutation never happens.
	rec := doRequest(t, h, http.MethodPost, "/api/donors", token, map[string]any{
		"code": "CV-0001",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/donors", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Donors []donorResponse `json:"donors"`
	}
	decodeBody(t, rec, &list)
	assert.Empty(t, list.Donors)
}

func TestDonorCreate_WithStepUp(t *testing.T) {
	h, st := newTestServer(t)
	token := login(t, h, "mwallace")

	authr := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	enrollPasskey(t, h, token, &authr, &cred)

	assertion := freshAssertion(t, h, token, &authr, &cred)
	rec := doRequest(t, h, http.MethodPost, "/api/donors", token, map[string]any{
		"code":      "CV-0001",
		"bloodType": "O-",
		"assertion": assertion,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created donorResponse
	decodeBody(t, rec, &created)
	assert.Equal(t, "CV-0001", created.Code)
	assert.Equal(t, store.DonorStatusActive, created.Status)

	action := store.AuditDonorCreate
	entries, err := st.ListAudit(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin-1", entries[0].UserID)
	assert.Equal(t, "cryovault-test", entries[0].UserAgent)
}

func TestDonorMutation_ReplayRejected(t *testing.T) {
	h, _ := newTestServer(t)
	token := login(t, h, "mwallace")

	authr := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	enrollPasskey(t, h, token, &authr, &cred)

	assertion := freshAssertion(t, h, token, &authr, &cred)
	rec := doRequest(t, h, http.MethodPost, "/api/donors", token, map[string]any{
		"code":      "CV-0001",
		"assertion": assertion,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// The same captured assertion cannot authorize a second mutation.
	rec = doRequest(t, h, http.MethodPost, "/api/donors", token, map[string]any{
		"code":      "CV-0002",
		"assertion": assertion,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDonorUpdate(t *testing.T) {
	h, _ := newTestServer(t)
	token := login(t, h, "mwallace")

	authr := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	enrollPasskey(t, h, token, &authr, &cred)

	assertion := freshAssertion(t, h, token, &authr, &cred)
	rec := doRequest(t, h, http.MethodPost, "/api/donors", token, map[string]any{
		"code":      "CV-0001",
		"assertion": assertion,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created donorResponse
	decodeBody(t, rec, &created)

	assertion = freshAssertion(t, h, token, &authr, &cred)
	rec = doRequest(t, h, http.MethodPut, "/api/donors/"+created.ID, token, map[string]any{
		"code":      "CV-0001",
		"status":    store.DonorStatusReserved,
		"assertion": assertion,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated donorResponse
	decodeBody(t, rec, &updated)
	assert.Equal(t, store.DonorStatusReserved, updated.Status)
}

func TestDonorDelete_AdminOnly(t *testing.T) {
	h, st := newTestServer(t)
	adminToken := login(t, h, "mwallace")
	staffToken := login(t, h, "vvega")

	donor := &store.Donor{ID: uuid.New().String(), Code: "CV-0001", Status: store.DonorStatusActive}
	require.NoError(t, st.CreateDonor(context.Background(), donor))

	rec := doRequest(t, h, http.MethodDelete, "/api/donors/"+donor.ID, staffToken, map[string]any{})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	authr := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	enrollPasskey(t, h, adminToken, &authr, &cred)

	assertion := freshAssertion(t, h, adminToken, &authr, &cred)
	rec = doRequest(t, h, http.MethodDelete, "/api/donors/"+donor.ID, adminToken, map[string]any{
		"assertion": assertion,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, err := st.GetDonor(context.Background(), donor.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetrievalConfirm(t *testing.T) {
	h, st := newTestServer(t)
	token := login(t, h, "mwallace")

	donor := &store.Donor{ID: uuid.New().String(), Code: "CV-0001", Status: store.DonorStatusReserved}
	require.NoError(t, st.CreateDonor(context.Background(), donor))

	authr := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	enrollPasskey(t, h, token, &authr, &cred)

	assertion := freshAssertion(t, h, token, &authr, &cred)
	rec := doRequest(t, h, http.MethodPost, "/api/retrievals/"+donor.ID+"/confirm", token, map[string]any{
		"specimenCount": 2,
		"notes":         "full retrieval",
		"assertion":     assertion,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got, err := st.GetDonor(context.Background(), donor.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DonorStatusRetrieved, got.Status)

	rec = doRequest(t, h, http.MethodGet, "/api/donors/"+donor.ID+"/retrievals", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Retrievals []map[string]any `json:"retrievals"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Retrievals, 1)
	assert.Equal(t, "admin-1", list.Retrievals[0]["confirmedBy"])

	action := store.AuditRetrievalConfirmed
	entries, err := st.ListAudit(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRetrievalConfirm_UnknownDonor(t *testing.T) {
	h, _ := newTestServer(t)
	token := login(t, h, "mwallace")

	authr := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	enrollPasskey(t, h, token, &authr, &cred)

	assertion := freshAssertion(t, h, token, &authr, &cred)
	rec := doRequest(t, h, http.MethodPost, "/api/retrievals/nope/confirm", token, map[string]any{
		"specimenCount": 1,
		"assertion":     assertion,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditList_AdminOnly(t *testing.T) {
	h, _ := newTestServer(t)
	adminToken := login(t, h, "mwallace")
	staffToken := login(t, h, "vvega")

	rec := doRequest(t, h, http.MethodGet, "/api/audit", staffToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/audit?action=login", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []map[string]any `json:"entries"`
	}
	decodeBody(t, rec, &resp)
	// Both logins above were audited.
	assert.Len(t, resp.Entries, 2)
}

func TestAuditReport(t *testing.T) {
	h, st := newTestServer(t)
	token := login(t, h, "vvega")

	rec := doRequest(t, h, http.MethodPost, "/api/audit", token, map[string]any{
		"action": "incident",
		"detail": map[string]any{"note": "authenticator prompt dismissed"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	action := store.AuditIncident
	entries, err := st.ListAudit(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "staff-1", entries[0].UserID)

	rec = doRequest(t, h, http.MethodPost, "/api/audit", token, map[string]any{
		"action": "made_up",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogout(t *testing.T) {
	h, st := newTestServer(t)
	token := login(t, h, "mwallace")

	rec := doRequest(t, h, http.MethodPost, "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	action := store.AuditLogout
	entries, err := st.ListAudit(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
