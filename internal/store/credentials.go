// ABOUTME: Passkey credential registry store methods
// ABOUTME: Credentials are keyed by the authenticator-chosen credential ID, scoped per user

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutPasskeyCredential creates or fully overwrites a credential record.
// Called once at registration completion; sign count updates during
// authentication go through UpdatePasskeySignCount instead.
func (s *SQLiteStore) PutPasskeyCredential(ctx context.Context, cred *PasskeyCredential) error {
	query := `
		INSERT INTO passkey_credentials
			(credential_id, user_id, public_key, attestation_format, transports, flags, sign_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(credential_id) DO UPDATE SET
			user_id = excluded.user_id,
			public_key = excluded.public_key,
			attestation_format = excluded.attestation_format,
			transports = excluded.transports,
			flags = excluded.flags,
			sign_count = excluded.sign_count
	`

	_, err := s.db.ExecContext(ctx, query,
		cred.CredentialID,
		cred.UserID,
		cred.PublicKey,
		cred.AttestationFormat,
		cred.Transports,
		cred.Flags,
		cred.SignCount,
		cred.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting passkey credential: %w", err)
	}

	s.logger.Info("stored passkey credential", "user_id", cred.UserID, "format", cred.AttestationFormat)
	return nil
}

// GetPasskeyCredential retrieves a credential by ID scoped to its owner.
// A credential registered to another user is ErrNotFound, not an ownership error,
// so callers cannot probe which credential IDs exist.
func (s *SQLiteStore) GetPasskeyCredential(ctx context.Context, userID string, credentialID []byte) (*PasskeyCredential, error) {
	query := `
		SELECT credential_id, user_id, public_key, attestation_format, transports, flags, sign_count, created_at
		FROM passkey_credentials
		WHERE user_id = ? AND credential_id = ?
	`

	cred, err := scanPasskeyCredential(s.db.QueryRowContext(ctx, query, userID, credentialID))
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func scanPasskeyCredential(row *sql.Row) (*PasskeyCredential, error) {
	var cred PasskeyCredential
	var format, transports, flags sql.NullString
	var createdAtStr string

	err := row.Scan(
		&cred.CredentialID,
		&cred.UserID,
		&cred.PublicKey,
		&format,
		&transports,
		&flags,
		&cred.SignCount,
		&createdAtStr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning passkey credential: %w", err)
	}

	cred.AttestationFormat = format.String
	cred.Transports = transports.String
	cred.Flags = flags.String
	cred.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &cred, nil
}

// ListPasskeyCredentials returns all credentials registered to a user.
// Used for the exclusion list at registration and the allow-list at step-up.
func (s *SQLiteStore) ListPasskeyCredentials(ctx context.Context, userID string) ([]*PasskeyCredential, error) {
	query := `
		SELECT credential_id, user_id, public_key, attestation_format, transports, flags, sign_count, created_at
		FROM passkey_credentials
		WHERE user_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying passkey credentials: %w", err)
	}
	defer rows.Close()

	var creds []*PasskeyCredential
	for rows.Next() {
		var cred PasskeyCredential
		var format, transports, flags sql.NullString
		var createdAtStr string

		if err := rows.Scan(&cred.CredentialID, &cred.UserID, &cred.PublicKey, &format, &transports, &flags, &cred.SignCount, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning passkey credential: %w", err)
		}

		cred.AttestationFormat = format.String
		cred.Transports = transports.String
		cred.Flags = flags.String
		cred.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		creds = append(creds, &cred)
	}

	return creds, rows.Err()
}

// UpdatePasskeySignCount writes the new signature counter after a verified
// assertion. Monotonicity is enforced by the ceremony verifier before this
// is called; the store itself is last-writer-wins.
func (s *SQLiteStore) UpdatePasskeySignCount(ctx context.Context, userID string, credentialID []byte, signCount uint32) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE passkey_credentials SET sign_count = ? WHERE user_id = ? AND credential_id = ?`,
		signCount, userID, credentialID,
	)
	if err != nil {
		return fmt.Errorf("updating sign count: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeletePasskeyCredential removes a credential. User-initiated management
// action; the ceremony flows never delete credentials.
func (s *SQLiteStore) DeletePasskeyCredential(ctx context.Context, userID string, credentialID []byte) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM passkey_credentials WHERE user_id = ? AND credential_id = ?`,
		userID, credentialID,
	)
	if err != nil {
		return fmt.Errorf("deleting passkey credential: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Info("deleted passkey credential", "user_id", userID)
	return nil
}
