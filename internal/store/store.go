// ABOUTME: Store interfaces and data types for cryovault persistence
// ABOUTME: Defines users, passkey credentials, challenges, donors, and audit types

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUsernameExists is returned when trying to create a user with an existing username.
var ErrUsernameExists = errors.New("username already exists")

// ErrDonorCodeExists is returned when trying to create a donor with an existing code.
var ErrDonorCodeExists = errors.New("donor code already exists")

// User roles
const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// User represents a staff member who can access the console.
type User struct {
	ID           string
	Username     string
	PasswordHash string // bcrypt hash, empty if passkey-only
	DisplayName  string
	Role         string // "admin" or "staff"
	CreatedAt    time.Time
}

// PasskeyCredential represents a registered WebAuthn credential.
// CredentialID is the authenticator-chosen opaque handle and doubles as the
// registry key; PublicKey is never sent back to clients after registration.
type PasskeyCredential struct {
	CredentialID      []byte
	UserID            string
	PublicKey         []byte
	AttestationFormat string
	Transports        string // JSON array
	Flags             string // JSON object of authenticator flags
	SignCount         uint32
	CreatedAt         time.Time
}

// Challenge purposes. At most one challenge exists per (user, purpose);
// issuing a new one silently replaces any outstanding challenge.
const (
	ChallengePurposeRegistration   = "registration"
	ChallengePurposeAuthentication = "authentication"
)

// Challenge is an outstanding ceremony challenge for a user.
// Value is the base64url-encoded random challenge embedded in the
// ceremony options handed to the browser.
type Challenge struct {
	UserID   string
	Purpose  string
	Value    string
	IssuedAt time.Time
}

// Donor statuses
const (
	DonorStatusActive    = "active"
	DonorStatusReserved  = "reserved"
	DonorStatusRetrieved = "retrieved"
	DonorStatusArchived  = "archived"
)

// Donor represents a donor record. Mutations are sensitive and require a
// fresh step-up grant at the API layer.
type Donor struct {
	ID        string
	Code      string
	BloodType string
	Status    string
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RetrievalEvent records a confirmed physical specimen retrieval.
// Append-only; confirmation is the most sensitive operation in the system.
type RetrievalEvent struct {
	ID            string
	DonorID       string
	ConfirmedBy   string // user ID
	SpecimenCount int
	Notes         string
	CreatedAt     time.Time
}

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditLogin              AuditAction = "login"
	AuditLoginFailed        AuditAction = "login_failed"
	AuditLogout             AuditAction = "logout"
	AuditPasskeyRegistered  AuditAction = "passkey_registered"
	AuditRegistrationFailed AuditAction = "registration_failed"
	AuditPasskeyRemoved     AuditAction = "passkey_removed"
	AuditStepUpVerified     AuditAction = "step_up_verified"
	AuditStepUpFailed       AuditAction = "step_up_failed"
	AuditDonorCreate        AuditAction = "donor_create"
	AuditDonorUpdate        AuditAction = "donor_update"
	AuditDonorDelete        AuditAction = "donor_delete"
	AuditRetrievalConfirmed AuditAction = "retrieval_confirmed"
	AuditIncident           AuditAction = "incident"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditLogin,
	AuditLoginFailed,
	AuditLogout,
	AuditPasskeyRegistered,
	AuditRegistrationFailed,
	AuditPasskeyRemoved,
	AuditStepUpVerified,
	AuditStepUpFailed,
	AuditDonorCreate,
	AuditDonorUpdate,
	AuditDonorDelete,
	AuditRetrievalConfirmed,
	AuditIncident,
}

// IsValidAuditAction reports whether a is a known action.
func IsValidAuditAction(a AuditAction) bool {
	for _, v := range ValidAuditActions {
		if v == a {
			return true
		}
	}
	return false
}

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string // UUID v4
	UserID     string
	Action     AuditAction
	Detail     map[string]any // additional context
	UserAgent  string
	RemoteAddr string
	Timestamp  time.Time
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since  *time.Time   // entries after this time
	Until  *time.Time   // entries before this time
	UserID *string      // filter by actor
	Action *AuditAction // filter by action type
	Limit  int          // max results (default 100, max 1000)
}

// UserStore defines user persistence.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateUserPassword(ctx context.Context, id, passwordHash string) error
	ListUsers(ctx context.Context) ([]*User, error)
	CountUsers(ctx context.Context) (int, error)
}

// CredentialStore is the credential registry. Writes are last-writer-wins
// per (user, credential).
type CredentialStore interface {
	PutPasskeyCredential(ctx context.Context, cred *PasskeyCredential) error
	GetPasskeyCredential(ctx context.Context, userID string, credentialID []byte) (*PasskeyCredential, error)
	ListPasskeyCredentials(ctx context.Context, userID string) ([]*PasskeyCredential, error)
	UpdatePasskeySignCount(ctx context.Context, userID string, credentialID []byte, signCount uint32) error
	DeletePasskeyCredential(ctx context.Context, userID string, credentialID []byte) error
}

// ChallengeStore holds at most one outstanding challenge per (user, purpose).
type ChallengeStore interface {
	SaveChallenge(ctx context.Context, ch *Challenge) error
	GetChallenge(ctx context.Context, userID, purpose string) (*Challenge, error)
	DeleteChallenge(ctx context.Context, userID, purpose string) error
}

// DonorStore defines donor record persistence.
type DonorStore interface {
	CreateDonor(ctx context.Context, d *Donor) error
	GetDonor(ctx context.Context, id string) (*Donor, error)
	ListDonors(ctx context.Context, limit int) ([]*Donor, error)
	UpdateDonor(ctx context.Context, d *Donor) error
	DeleteDonor(ctx context.Context, id string) error
	CreateRetrievalEvent(ctx context.Context, e *RetrievalEvent) error
	ListRetrievalEvents(ctx context.Context, donorID string) ([]*RetrievalEvent, error)
}

// AuditStore is the append-only audit sink and its query surface.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}
