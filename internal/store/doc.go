// ABOUTME: Package documentation for the persistence layer
// ABOUTME: Describes the SQLite-backed stores and the interfaces they satisfy

// Package store provides SQLite-backed persistence for cryovault.
//
// # Stores
//
// A single SQLiteStore satisfies all of the narrow store interfaces defined
// in this package:
//
//   - UserStore: staff accounts and password hashes
//   - CredentialStore: registered passkey credentials, scoped per user
//   - ChallengeStore: the single live WebAuthn challenge per (user, purpose)
//   - DonorStore: donor records and their retrieval history
//   - AuditStore: the append-only audit log
//
// Consumers depend on the interface covering what they need, so tests can
// substitute fakes without touching SQLite.
//
// # Schema
//
// The schema is created on first open and migrated forward with idempotent
// column additions. Timestamps are stored as RFC3339 UTC strings. The
// webauthn_challenges table keys on (user_id, purpose) so that issuing a new
// challenge structurally replaces the previous one.
//
// # Errors
//
// Lookups return ErrNotFound for missing rows. Unique constraint violations
// map to typed errors (ErrUsernameExists, ErrDonorCodeExists) so handlers
// can produce meaningful responses without inspecting driver errors.
package store
