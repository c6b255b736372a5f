// ABOUTME: SQLite implementation of the store interfaces using modernc.org/sqlite
// ABOUTME: Provides user/credential/challenge/donor/audit persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements all store interfaces using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time interface checks.
var (
	_ UserStore       = (*SQLiteStore)(nil)
	_ CredentialStore = (*SQLiteStore)(nil)
	_ ChallengeStore  = (*SQLiteStore)(nil)
	_ DonorStore      = (*SQLiteStore)(nil)
	_ AuditStore      = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT,
			display_name TEXT,
			role TEXT NOT NULL DEFAULT 'staff',
			created_at TEXT NOT NULL,

			CHECK (role IN ('admin', 'staff'))
		);

		CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);

		CREATE TABLE IF NOT EXISTS passkey_credentials (
			credential_id BLOB PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			public_key BLOB NOT NULL,
			attestation_format TEXT,
			sign_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_passkey_credentials_user
			ON passkey_credentials(user_id);

		CREATE TABLE IF NOT EXISTS webauthn_challenges (
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			purpose TEXT NOT NULL,
			value TEXT NOT NULL,
			issued_at TEXT NOT NULL,

			PRIMARY KEY (user_id, purpose),
			CHECK (purpose IN ('registration', 'authentication'))
		);

		CREATE TABLE IF NOT EXISTS donors (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			blood_type TEXT,
			status TEXT NOT NULL,
			notes TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('active', 'reserved', 'retrieved', 'archived'))
		);

		CREATE TABLE IF NOT EXISTS retrieval_events (
			id TEXT PRIMARY KEY,
			donor_id TEXT NOT NULL REFERENCES donors(id) ON DELETE CASCADE,
			confirmed_by TEXT NOT NULL,
			specimen_count INTEGER NOT NULL DEFAULT 1,
			notes TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_retrieval_events_donor
			ON retrieval_events(donor_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail_json TEXT,
			user_agent TEXT,
			remote_addr TEXT,
			ts TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('passkey_credentials') WHERE name = 'transports'`,
			apply:  `ALTER TABLE passkey_credentials ADD COLUMN transports TEXT`,
			column: "transports",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('passkey_credentials') WHERE name = 'flags'`,
			apply:  `ALTER TABLE passkey_credentials ADD COLUMN flags TEXT`,
			column: "flags",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == sql.ErrNoRows {
			if _, err := s.db.Exec(m.apply); err != nil {
				return fmt.Errorf("adding column %s: %w", m.column, err)
			}
			s.logger.Info("applied migration", "column", m.column)
		} else if err != nil {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isUniqueConstraintError reports whether err is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	// SQLite returns "UNIQUE constraint failed" in the error message
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "unique constraint"))
}
