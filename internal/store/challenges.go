// ABOUTME: Single-slot WebAuthn challenge store methods
// ABOUTME: One live challenge per (user, purpose); issuing a new one replaces the old

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveChallenge stores a challenge, replacing any existing challenge for the
// same user and purpose. The primary key on (user_id, purpose) makes
// last-issue-wins a property of the schema rather than application logic.
func (s *SQLiteStore) SaveChallenge(ctx context.Context, ch *Challenge) error {
	query := `
		INSERT INTO webauthn_challenges (user_id, purpose, value, issued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, purpose) DO UPDATE SET
			value = excluded.value,
			issued_at = excluded.issued_at
	`

	_, err := s.db.ExecContext(ctx, query,
		ch.UserID,
		ch.Purpose,
		ch.Value,
		ch.IssuedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving challenge: %w", err)
	}

	return nil
}

// GetChallenge returns the live challenge for a user and purpose, or
// ErrNotFound when none has been issued or it was already consumed.
func (s *SQLiteStore) GetChallenge(ctx context.Context, userID, purpose string) (*Challenge, error) {
	var ch Challenge
	var issuedAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, purpose, value, issued_at FROM webauthn_challenges WHERE user_id = ? AND purpose = ?`,
		userID, purpose,
	).Scan(&ch.UserID, &ch.Purpose, &ch.Value, &issuedAtStr)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying challenge: %w", err)
	}

	ch.IssuedAt, err = time.Parse(time.RFC3339, issuedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}

	return &ch, nil
}

// DeleteChallenge consumes a challenge. Deleting a challenge that does not
// exist is not an error; completion paths delete unconditionally.
func (s *SQLiteStore) DeleteChallenge(ctx context.Context, userID, purpose string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webauthn_challenges WHERE user_id = ? AND purpose = ?`,
		userID, purpose,
	)
	if err != nil {
		return fmt.Errorf("deleting challenge: %w", err)
	}
	return nil
}
