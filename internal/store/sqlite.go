// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides persistence with automatic schema creation and FK cascades

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
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

	// Enable foreign keys (the auth config and token cascades depend on it)
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

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS resource_servers (
			id          TEXT PRIMARY KEY,
			url         TEXT NOT NULL,
			name        TEXT NOT NULL,
			description TEXT,
			enabled     INTEGER NOT NULL DEFAULT 1,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_resource_servers_url
			ON resource_servers(lower(url));

		CREATE TABLE IF NOT EXISTS instances (
			id             TEXT PRIMARY KEY,
			owner_user_id  TEXT NOT NULL,
			kind           TEXT NOT NULL,
			server_id      TEXT REFERENCES resource_servers(id),
			toolset_type   TEXT,
			name           TEXT NOT NULL,
			slug           TEXT NOT NULL,
			description    TEXT,
			enabled        INTEGER NOT NULL DEFAULT 1,
			tool_cache     TEXT NOT NULL,
			tool_whitelist TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_owner_slug
			ON instances(owner_user_id, lower(slug));

		CREATE INDEX IF NOT EXISTS idx_instances_server
			ON instances(server_id);

		CREATE TABLE IF NOT EXISTS auth_configs (
			id                     TEXT PRIMARY KEY,
			instance_id            TEXT NOT NULL UNIQUE
				REFERENCES instances(id) ON DELETE CASCADE,
			kind                   TEXT NOT NULL,
			header_key             TEXT,
			encrypted_value        TEXT,
			value_salt             TEXT,
			value_nonce            TEXT,
			client_id              TEXT,
			encrypted_secret       TEXT,
			secret_salt            TEXT,
			secret_nonce           TEXT,
			authorization_endpoint TEXT,
			token_endpoint         TEXT,
			scopes                 TEXT,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS oauth_tokens (
			id                      TEXT PRIMARY KEY,
			auth_config_id          TEXT NOT NULL UNIQUE
				REFERENCES auth_configs(id) ON DELETE CASCADE,
			encrypted_access_token  TEXT NOT NULL,
			access_token_salt       TEXT NOT NULL,
			access_token_nonce      TEXT NOT NULL,
			encrypted_refresh_token TEXT,
			refresh_token_salt      TEXT,
			refresh_token_nonce     TEXT,
			granted_scopes          TEXT,
			expires_at              TEXT,
			created_at              TEXT NOT NULL,
			updated_at              TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS access_requests (
			id            TEXT PRIMARY KEY,
			app_client_id TEXT NOT NULL,
			app_name      TEXT,
			user_id       TEXT,
			status        TEXT NOT NULL,
			requested     TEXT NOT NULL,
			approved      TEXT,
			error_message TEXT,
			expires_at    TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS oauth_login_states (
			state          TEXT PRIMARY KEY,
			auth_config_id TEXT NOT NULL,
			user_id        TEXT NOT NULL,
			code_verifier  TEXT NOT NULL,
			redirect_uri   TEXT NOT NULL,
			created_at     TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if an error is a SQLite constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts an empty string to nil for nullable columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// stringOrEmpty unwraps a nullable column into a string.
func stringOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// parseTime parses a stored RFC3339 timestamp, logging on failure rather
// than dropping the row.
func (s *SQLiteStore) parseTime(field, id, raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.logger.Warn("failed to parse stored timestamp", "field", field, "id", id, "error", err)
		return time.Time{}
	}
	return parsed
}

// formatTime renders a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
