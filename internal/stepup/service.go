// ABOUTME: Step-up ceremony service covering passkey registration and assertion verification
// ABOUTME: Owns the challenge lifecycle and mints elevation grants on verified assertions

package stepup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/helixbio/cryovault/internal/store"
)

// ErrNoChallenge is returned when a ceremony completes without an
// outstanding challenge, including challenges past their TTL.
var ErrNoChallenge = errors.New("no outstanding challenge")

// ErrNotVerified is returned when an assertion or attestation fails
// verification for any reason.
var ErrNotVerified = errors.New("ceremony verification failed")

// ErrCredentialNotFound is returned when an assertion references a
// credential not registered to the user. Handlers must surface it the same
// way as ErrNotVerified so callers cannot probe the registry.
var ErrCredentialNotFound = errors.New("credential not registered")

// ErrNoCredentials is returned when a step-up is requested by a user with
// no registered passkeys.
var ErrNoCredentials = errors.New("no passkeys registered")

// DefaultChallengeTTL bounds how long an issued challenge stays valid.
const DefaultChallengeTTL = 5 * time.Minute

// Store is the persistence surface the service needs.
type Store interface {
	store.CredentialStore
	store.ChallengeStore
	store.AuditStore
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// Config holds relying party settings for ceremonies.
type Config struct {
	RPID         string // relying party ID, e.g. "vault.helixbio.example"
	RPName       string // human-readable relying party name
	Origin       string // full origin URL the browser reports
	ChallengeTTL time.Duration
}

// Service runs WebAuthn ceremonies for step-up authentication. Challenges
// are persisted one per (user, purpose); beginning a new ceremony silently
// invalidates any outstanding challenge for the same purpose.
type Service struct {
	webAuthn     *webauthn.WebAuthn
	store        Store
	logger       *slog.Logger
	challengeTTL time.Duration
}

// New creates a ceremony service. The relying party policy requires
// platform authenticators with discoverable credentials and user
// verification on every ceremony.
func New(cfg Config, st Store) (*Service, error) {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}

	wconfig := &webauthn.Config{
		RPDisplayName:         cfg.RPName,
		RPID:                  cfg.RPID,
		RPOrigins:             []string{cfg.Origin},
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			ResidentKey:             protocol.ResidentKeyRequirementRequired,
			RequireResidentKey:      protocol.ResidentKeyRequired(),
			UserVerification:        protocol.VerificationRequired,
		},
	}

	w, err := webauthn.New(wconfig)
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}

	return &Service{
		webAuthn:     w,
		store:        st,
		logger:       slog.Default().With("component", "stepup"),
		challengeTTL: cfg.ChallengeTTL,
	}, nil
}

// credentialParameters limits registration to ES256 and RS256.
func credentialParameters() []protocol.CredentialParameter {
	return []protocol.CredentialParameter{
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
	}
}

func (s *Service) ceremonyUser(ctx context.Context, userID string) (*ceremonyUser, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	creds, err := s.store.ListPasskeyCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	return &ceremonyUser{user: user, creds: creds}, nil
}

// BeginRegistration issues attestation options for enrolling a new passkey.
// Any outstanding registration challenge for the user is replaced.
func (s *Service) BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	cu, err := s.ceremonyUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	options, session, err := s.webAuthn.BeginRegistration(cu,
		webauthn.WithExclusions(cu.exclusions()),
		webauthn.WithCredentialParameters(credentialParameters()),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning registration: %w", err)
	}

	ch := &store.Challenge{
		UserID:   userID,
		Purpose:  store.ChallengePurposeRegistration,
		Value:    session.Challenge,
		IssuedAt: time.Now().UTC(),
	}
	if err := s.store.SaveChallenge(ctx, ch); err != nil {
		return nil, fmt.Errorf("saving challenge: %w", err)
	}

	s.logger.Info("issued registration challenge", "user_id", userID)
	return options, nil
}

// FinishRegistration verifies an attestation response and stores the new
// credential. The outstanding challenge is consumed whether or not
// verification succeeds.
func (s *Service) FinishRegistration(ctx context.Context, userID string, response json.RawMessage) (*store.PasskeyCredential, error) {
	ch, err := s.store.GetChallenge(ctx, userID, store.ChallengePurposeRegistration)
	if errors.Is(err, store.ErrNotFound) {
		s.failRegistration(ctx, userID, "no_challenge")
		return nil, ErrNoChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}

	defer func() {
		if err := s.store.DeleteChallenge(ctx, userID, store.ChallengePurposeRegistration); err != nil {
			s.logger.Warn("failed to consume registration challenge", "user_id", userID, "error", err)
		}
	}()

	if time.Since(ch.IssuedAt) > s.challengeTTL {
		s.failRegistration(ctx, userID, "challenge_expired")
		return nil, ErrNoChallenge
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		s.logger.Warn("malformed attestation response", "user_id", userID, "error", err)
		s.failRegistration(ctx, userID, "malformed_response")
		return nil, ErrNotVerified
	}

	cu, err := s.ceremonyUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	session := webauthn.SessionData{
		Challenge:        ch.Value,
		UserID:           []byte(userID),
		Expires:          ch.IssuedAt.Add(s.challengeTTL),
		UserVerification: protocol.VerificationRequired,
		CredParams:       credentialParameters(),
	}

	cred, err := s.webAuthn.CreateCredential(cu, session, parsed)
	if err != nil {
		s.logger.Warn("attestation verification failed", "user_id", userID, "error", err)
		s.failRegistration(ctx, userID, "verification_failed")
		return nil, ErrNotVerified
	}

	transportsJSON, err := json.Marshal(cred.Transport)
	if err != nil {
		return nil, fmt.Errorf("encoding transports: %w", err)
	}
	flagsJSON, err := json.Marshal(cred.Flags)
	if err != nil {
		return nil, fmt.Errorf("encoding flags: %w", err)
	}

	pc := &store.PasskeyCredential{
		CredentialID:      cred.ID,
		UserID:            userID,
		PublicKey:         cred.PublicKey,
		AttestationFormat: cred.AttestationType,
		Transports:        string(transportsJSON),
		Flags:             string(flagsJSON),
		SignCount:         cred.Authenticator.SignCount,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.PutPasskeyCredential(ctx, pc); err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	s.auditEvent(ctx, userID, store.AuditPasskeyRegistered, map[string]any{
		"attestation_format": cred.AttestationType,
	})
	s.logger.Info("registered passkey", "user_id", userID, "format", cred.AttestationType)
	return pc, nil
}

// BeginStepUp issues assertion options for a step-up ceremony. Users with
// no registered passkeys get ErrNoCredentials so the UI can route them to
// enrollment instead.
func (s *Service) BeginStepUp(ctx context.Context, userID string) (*protocol.CredentialAssertion, error) {
	cu, err := s.ceremonyUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(cu.creds) == 0 {
		return nil, ErrNoCredentials
	}

	options, session, err := s.webAuthn.BeginLogin(cu,
		webauthn.WithUserVerification(protocol.VerificationRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning step-up: %w", err)
	}

	ch := &store.Challenge{
		UserID:   userID,
		Purpose:  store.ChallengePurposeAuthentication,
		Value:    session.Challenge,
		IssuedAt: time.Now().UTC(),
	}
	if err := s.store.SaveChallenge(ctx, ch); err != nil {
		return nil, fmt.Errorf("saving challenge: %w", err)
	}

	s.logger.Info("issued step-up challenge", "user_id", userID)
	return options, nil
}

// FinishStepUp verifies an assertion response and mints an elevation grant.
// The outstanding challenge is consumed on every attempt, so a failed
// assertion forces a fresh ceremony. A regressed signature counter is
// treated as verification failure.
func (s *Service) FinishStepUp(ctx context.Context, userID string, response json.RawMessage) (*Grant, error) {
	ch, err := s.store.GetChallenge(ctx, userID, store.ChallengePurposeAuthentication)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}

	defer func() {
		if err := s.store.DeleteChallenge(ctx, userID, store.ChallengePurposeAuthentication); err != nil {
			s.logger.Warn("failed to consume step-up challenge", "user_id", userID, "error", err)
		}
	}()

	if time.Since(ch.IssuedAt) > s.challengeTTL {
		s.failStepUp(ctx, userID, "challenge_expired")
		return nil, ErrNoChallenge
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		s.logger.Warn("malformed assertion response", "user_id", userID, "error", err)
		s.failStepUp(ctx, userID, "malformed_response")
		return nil, ErrNotVerified
	}

	cu, err := s.ceremonyUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !cu.ownsCredential(parsed.RawID) {
		s.failStepUp(ctx, userID, "credential_not_found")
		return nil, ErrCredentialNotFound
	}

	session := webauthn.SessionData{
		Challenge:        ch.Value,
		UserID:           []byte(userID),
		Expires:          ch.IssuedAt.Add(s.challengeTTL),
		UserVerification: protocol.VerificationRequired,
	}

	cred, err := s.webAuthn.ValidateLogin(cu, session, parsed)
	if err != nil {
		s.logger.Warn("assertion verification failed", "user_id", userID, "error", err)
		s.failStepUp(ctx, userID, "verification_failed")
		return nil, ErrNotVerified
	}

	// The library flags a regressed counter instead of failing; a regression
	// means the assertion may come from a cloned authenticator.
	if cred.Authenticator.CloneWarning {
		s.logger.Warn("sign count regression", "user_id", userID, "sign_count", cred.Authenticator.SignCount)
		s.failStepUp(ctx, userID, "sign_count_regression")
		return nil, ErrNotVerified
	}

	if err := s.store.UpdatePasskeySignCount(ctx, userID, cred.ID, cred.Authenticator.SignCount); err != nil {
		return nil, fmt.Errorf("updating sign count: %w", err)
	}

	s.auditEvent(ctx, userID, store.AuditStepUpVerified, map[string]any{
		"sign_count": cred.Authenticator.SignCount,
	})
	s.logger.Info("step-up verified", "user_id", userID)

	return &Grant{userID: userID, grantedAt: time.Now()}, nil
}

func (s *Service) failStepUp(ctx context.Context, userID, reason string) {
	s.auditEvent(ctx, userID, store.AuditStepUpFailed, map[string]any{"reason": reason})
}

func (s *Service) failRegistration(ctx context.Context, userID, reason string) {
	s.auditEvent(ctx, userID, store.AuditRegistrationFailed, map[string]any{"reason": reason})
}

// auditEvent appends an audit entry without failing the ceremony on audit
// errors; the error is logged instead.
func (s *Service) auditEvent(ctx context.Context, userID string, action store.AuditAction, detail map[string]any) {
	entry := &store.AuditEntry{
		UserID: userID,
		Action: action,
		Detail: detail,
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Warn("failed to append audit entry", "action", action, "error", err)
	}
}
