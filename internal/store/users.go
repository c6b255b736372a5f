// ABOUTME: User types and store methods for console staff accounts
// ABOUTME: Supports username/password sessions and owning passkey credentials

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateUser creates a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, username, password_hash, display_name, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	role := user.Role
	if role == "" {
		role = RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.DisplayName,
		role,
		user.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUsernameExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Info("created user", "id", user.ID, "username", user.Username, "role", role)
	return nil
}

// scanUser scans a user row from the given row scanner.
func scanUser(row *sql.Row) (*User, error) {
	var user User
	var passwordHash, displayName sql.NullString
	var createdAtStr string

	err := row.Scan(
		&user.ID,
		&user.Username,
		&passwordHash,
		&displayName,
		&user.Role,
		&createdAtStr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	user.PasswordHash = passwordHash.String
	user.DisplayName = displayName.String
	user.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &user, nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, username, password_hash, display_name, role, created_at
		FROM users
		WHERE id = ?
	`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT id, username, password_hash, display_name, role, created_at
		FROM users
		WHERE username = ?
	`
	return scanUser(s.db.QueryRowContext(ctx, query, username))
}

// UpdateUserPassword updates a user's password hash.
func (s *SQLiteStore) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`,
		passwordHash, id,
	)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
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

// ListUsers returns all users ordered by creation time.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	query := `
		SELECT id, username, password_hash, display_name, role, created_at
		FROM users
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		var passwordHash, displayName sql.NullString
		var createdAtStr string

		if err := rows.Scan(&user.ID, &user.Username, &passwordHash, &displayName, &user.Role, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}

		user.PasswordHash = passwordHash.String
		user.DisplayName = displayName.String
		user.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		users = append(users, &user)
	}

	return users, rows.Err()
}

// CountUsers returns the total number of users.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return count, nil
}
