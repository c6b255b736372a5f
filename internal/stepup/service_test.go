// ABOUTME: End-to-end ceremony tests using a virtual software authenticator
// ABOUTME: Covers registration, step-up, challenge consumption, replay, and counter regression

package stepup

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixbio/cryovault/internal/store"
)

const (
	testRPID   = "vault.helixbio.example"
	testRPName = "CryoVault"
	testOrigin = "https://vault.helixbio.example"
	testUserID = "user-1"
)

func testRP() virtualwebauthn.RelyingParty {
	return virtualwebauthn.RelyingParty{
		Name:   testRPName,
		ID:     testRPID,
		Origin: testOrigin,
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	user := &store.User{
		ID:          testUserID,
		Username:    "mwallace",
		DisplayName: "Mia Wallace",
		Role:        store.RoleAdmin,
	}
	require.NoError(t, st.CreateUser(context.Background(), user))

	return st
}

func newTestService(t *testing.T, st *store.SQLiteStore, ttl time.Duration) *Service {
	t.Helper()

	svc, err := New(Config{
		RPID:         testRPID,
		RPName:       testRPName,
		Origin:       testOrigin,
		ChallengeTTL: ttl,
	}, st)
	require.NoError(t, err)
	return svc
}

// registerPasskey runs a full registration ceremony against the virtual
// authenticator and enrolls the credential on it for later assertions.
func registerPasskey(t *testing.T, svc *Service, auth *virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential) *store.PasskeyCredential {
	t.Helper()
	ctx := context.Background()

	options, err := svc.BeginRegistration(ctx, testUserID)
	require.NoError(t, err)

	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)

	attOpts, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)

	attestation := virtualwebauthn.CreateAttestationResponse(testRP(), *auth, *cred, *attOpts)

	pc, err := svc.FinishRegistration(ctx, testUserID, json.RawMessage(attestation))
	require.NoError(t, err)

	auth.AddCredential(*cred)
	return pc
}

// assertStepUp runs a full step-up ceremony and returns the outcome.
func assertStepUp(t *testing.T, svc *Service, auth *virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential) (*Grant, error) {
	t.Helper()
	ctx := context.Background()

	options, err := svc.BeginStepUp(ctx, testUserID)
	require.NoError(t, err)

	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)

	asOpts, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	assertion := virtualwebauthn.CreateAssertionResponse(testRP(), *auth, *cred, *asOpts)

	return svc.FinishStepUp(ctx, testUserID, json.RawMessage(assertion))
}

func TestRegistration_FullCeremony(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	pc := registerPasskey(t, svc, &auth, &cred)

	assert.Equal(t, testUserID, pc.UserID)
	assert.NotEmpty(t, pc.CredentialID)
	assert.NotEmpty(t, pc.PublicKey)
	assert.Equal(t, uint32(0), pc.SignCount)

	creds, err := st.ListPasskeyCredentials(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Len(t, creds, 1)

	entries, err := st.ListAudit(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.AuditPasskeyRegistered, entries[0].Action)
}

func TestRegistration_ConsumesChallenge(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerPasskey(t, svc, &auth, &cred)

	// The challenge was spent by the successful completion; replaying the
	// same attested response must fail as if no ceremony had begun.
	_, err := svc.FinishRegistration(ctx, testUserID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestRegistration_NoChallenge(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)

	_, err := svc.FinishRegistration(context.Background(), testUserID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestRegistration_MalformedResponseConsumesChallenge(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)
	ctx := context.Background()

	_, err := svc.BeginRegistration(ctx, testUserID)
	require.NoError(t, err)

	_, err = svc.FinishRegistration(ctx, testUserID, json.RawMessage(`{"not":"a response"}`))
	assert.ErrorIs(t, err, ErrNotVerified)

	// The failed attempt consumed the challenge.
	_, err = svc.FinishRegistration(ctx, testUserID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestRegistration_FailedAttemptAudited(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)
	ctx := context.Background()

	_, err := svc.BeginRegistration(ctx, testUserID)
	require.NoError(t, err)

	_, err = svc.FinishRegistration(ctx, testUserID, json.RawMessage(`{"not":"a response"}`))
	assert.ErrorIs(t, err, ErrNotVerified)

	action := store.AuditRegistrationFailed
	entries, err := st.ListAudit(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "malformed_response", entries[0].Detail["reason"])

	// Completing without an outstanding challenge is audited too.
	_, err = svc.FinishRegistration(ctx, testUserID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoChallenge)

	entries, err = st.ListAudit(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "no_challenge", entries[0].Detail["reason"])
}

func TestRegistration_ExcludesExistingCredentials(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerPasskey(t, svc, &auth, &cred)

	options, err := svc.BeginRegistration(ctx, testUserID)
	require.NoError(t, err)
	assert.Len(t, options.Response.CredentialExcludeList, 1)
}

func TestStepUp_FullCeremony(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerPasskey(t, svc, &auth, &cred)

	cred.Counter++
	grant, err := assertStepUp(t, svc, &auth, &cred)
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, testUserID, grant.UserID())
	assert.False(t, grant.GrantedAt().IsZero())

	// The verified counter value is persisted.
	stored, err := st.ListPasskeyCredentials(context.Background(), testUserID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, uint32(1), stored[0].SignCount)

	action := store.AuditStepUpVerified
	entries, err := st.ListAudit(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStepUp_NoCredentials(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)

	_, err := svc.BeginStepUp(context.Background(), testUserID)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestStepUp_NoChallenge(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerPasskey(t, svc, &auth, &cred)

	_, err := svc.FinishStepUp(context.Background(), testUserID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestStepUp_FailedAttemptConsumesChallenge(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerPasskey(t, svc, &auth, &cred)

	options, err := svc.BeginStepUp(ctx, testUserID)
	require.NoError(t, err)

	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)
	asOpts, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	// A garbage response fails verification and spends the challenge.
	_, err = svc.FinishStepUp(ctx, testUserID, json.RawMessage(`{"not":"an assertion"}`))
	assert.ErrorIs(t, err, ErrNotVerified)

	// A correct answer to the original challenge now finds nothing to
	// complete; the whole ceremony must restart.
	cred.Counter++
	assertion := virtualwebauthn.CreateAssertionResponse(testRP(), auth, cred, *asOpts)
	_, err = svc.FinishStepUp(ctx, testUserID, json.RawMessage(assertion))
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestStepUp_SecondChallengeInvalidatesFirst(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerPasskey(t, svc, &auth, &cred)

	first, err := svc.BeginStepUp(ctx, testUserID)
	require.NoError(t, err)

	_, err = svc.BeginStepUp(ctx, testUserID)
	require.NoError(t, err)

	// Answering the superseded challenge fails verification.
	firstJSON, err := json.Marshal(first.Response)
	require.NoError(t, err)
	asOpts, err := virtualwebauthn.ParseAssertionOptions(string(firstJSON))
	require.NoError(t, err)

	cred.Counter++
	assertion := virtualwebauthn.CreateAssertionResponse(testRP(), auth, cred, *asOpts)
	_, err = svc.FinishStepUp(ctx, testUserID, json.RawMessage(assertion))
	assert.ErrorIs(t, err, ErrNotVerified)
}

func TestStepUp_ReplayRejected(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerPasskey(t, svc, &auth, &cred)

	options, err := svc.BeginStepUp(ctx, testUserID)
	require.NoError(t, err)
	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)
	asOpts, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	cred.Counter++
	assertion := virtualwebauthn.CreateAssertionResponse(testRP(), auth, cred, *asOpts)

	_, err = svc.FinishStepUp(ctx, testUserID, json.RawMessage(assertion))
	require.NoError(t, err)

	// Submitting the captured assertion a second time finds no challenge.
	_, err = svc.FinishStepUp(ctx, testUserID, json.RawMessage(assertion))
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestStepUp_SignCountRegression(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerPasskey(t, svc, &auth, &cred)

	cred.Counter = 5
	_, err := assertStepUp(t, svc, &auth, &cred)
	require.NoError(t, err)

	// An assertion that does not advance the counter looks like a cloned
	// authenticator and must not mint a grant.
	_, err = assertStepUp(t, svc, &auth, &cred)
	assert.ErrorIs(t, err, ErrNotVerified)

	action := store.AuditStepUpFailed
	entries, err := st.ListAudit(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sign_count_regression", entries[0].Detail["reason"])
}

func TestStepUp_CredentialRemovedMidCeremony(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	pc := registerPasskey(t, svc, &auth, &cred)

	options, err := svc.BeginStepUp(ctx, testUserID)
	require.NoError(t, err)
	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)
	asOpts, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	require.NoError(t, st.DeletePasskeyCredential(ctx, testUserID, pc.CredentialID))

	cred.Counter++
	assertion := virtualwebauthn.CreateAssertionResponse(testRP(), auth, cred, *asOpts)
	_, err = svc.FinishStepUp(ctx, testUserID, json.RawMessage(assertion))
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestStepUp_ExpiredChallenge(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerPasskey(t, svc, &auth, &cred)

	// A second service over the same store with a tiny TTL sees the
	// challenge as already dead.
	shortSvc := newTestService(t, st, time.Nanosecond)

	options, err := shortSvc.BeginStepUp(ctx, testUserID)
	require.NoError(t, err)
	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)
	asOpts, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	time.Sleep(time.Millisecond)

	cred.Counter++
	assertion := virtualwebauthn.CreateAssertionResponse(testRP(), auth, cred, *asOpts)
	_, err = shortSvc.FinishStepUp(ctx, testUserID, json.RawMessage(assertion))
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestStepUp_MultipleCredentials(t *testing.T) {
	st := newTestStore(t)
	svc := newTestService(t, st, 0)

	auth1 := virtualwebauthn.NewAuthenticator()
	cred1 := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerPasskey(t, svc, &auth1, &cred1)

	auth2 := virtualwebauthn.NewAuthenticator()
	cred2 := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerPasskey(t, svc, &auth2, &cred2)

	creds, err := st.ListPasskeyCredentials(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Len(t, creds, 2)

	// Either registered authenticator can satisfy a step-up.
	cred2.Counter++
	grant, err := assertStepUp(t, svc, &auth2, &cred2)
	require.NoError(t, err)
	assert.Equal(t, testUserID, grant.UserID())

	cred1.Counter++
	grant, err = assertStepUp(t, svc, &auth1, &cred1)
	require.NoError(t, err)
	assert.Equal(t, testUserID, grant.UserID())
}
