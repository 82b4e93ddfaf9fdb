// ABOUTME: Resource server allow-list persistence
// ABOUTME: URL uniqueness is trimmed and case-insensitive, never slash-normalized

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateServer inserts a server into the allow list.
// Returns ErrDuplicateURL if the URL is already registered (compared
// case-insensitively on the trimmed value).
func (s *SQLiteStore) CreateServer(ctx context.Context, server *ResourceServer) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	if server.UpdatedAt.IsZero() {
		server.UpdatedAt = now
	}

	query := `
		INSERT INTO resource_servers (id, url, name, description, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		server.ID,
		server.URL,
		server.Name,
		nullString(server.Description),
		server.Enabled,
		formatTime(server.CreatedAt),
		formatTime(server.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateURL
		}
		return fmt.Errorf("inserting server: %w", err)
	}

	s.logger.Debug("created server", "id", server.ID, "url", server.URL)
	return nil
}

const serverColumns = `id, url, name, description, enabled, created_at, updated_at`

func (s *SQLiteStore) scanServer(row interface{ Scan(...any) error }) (*ResourceServer, error) {
	var server ResourceServer
	var description sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&server.ID,
		&server.URL,
		&server.Name,
		&description,
		&server.Enabled,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	server.Description = stringOrEmpty(description)
	server.CreatedAt = s.parseTime("created_at", server.ID, createdAt)
	server.UpdatedAt = s.parseTime("updated_at", server.ID, updatedAt)
	return &server, nil
}

// GetServer retrieves a server by ID.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*ResourceServer, error) {
	query := `SELECT ` + serverColumns + ` FROM resource_servers WHERE id = ?`

	server, err := s.scanServer(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying server: %w", err)
	}
	return server, nil
}

// GetServerByURL retrieves a server by URL, compared trimmed and
// case-insensitively. Trailing slashes are significant: ".../mcp" and
// ".../mcp/" are distinct servers.
func (s *SQLiteStore) GetServerByURL(ctx context.Context, url string) (*ResourceServer, error) {
	query := `SELECT ` + serverColumns + ` FROM resource_servers WHERE lower(url) = ?`

	server, err := s.scanServer(s.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(url))))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying server by url: %w", err)
	}
	return server, nil
}

// ListServers returns all servers ordered by name.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*ResourceServer, error) {
	query := `SELECT ` + serverColumns + ` FROM resource_servers ORDER BY name, url`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []*ResourceServer
	for rows.Next() {
		server, err := s.scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server row: %w", err)
		}
		servers = append(servers, server)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server rows: %w", err)
	}
	return servers, nil
}

// UpdateServer updates a server's mutable fields.
// Returns ErrNotFound if the server doesn't exist, ErrDuplicateURL if the
// new URL collides with another server.
func (s *SQLiteStore) UpdateServer(ctx context.Context, server *ResourceServer) error {
	server.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE resource_servers
		SET url = ?, name = ?, description = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		server.URL,
		server.Name,
		nullString(server.Description),
		server.Enabled,
		formatTime(server.UpdatedAt),
		server.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateURL
		}
		return fmt.Errorf("updating server: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated server", "id", server.ID, "url", server.URL)
	return nil
}

// SetServerEnabled flips a server's enabled flag without touching its
// instances. Disabled servers keep their instances; execution against
// them fails fast instead.
func (s *SQLiteStore) SetServerEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE resource_servers SET enabled = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, enabled, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("setting server enabled: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("set server enabled", "id", id, "enabled", enabled)
	return nil
}

// CountInstancesForServer returns the enabled and total instance counts
// referencing a server.
func (s *SQLiteStore) CountInstancesForServer(ctx context.Context, serverID string) (enabled, total int64, err error) {
	query := `
		SELECT COUNT(CASE WHEN enabled THEN 1 END), COUNT(*)
		FROM instances
		WHERE server_id = ?
	`

	if err := s.db.QueryRowContext(ctx, query, serverID).Scan(&enabled, &total); err != nil {
		return 0, 0, fmt.Errorf("counting instances for server: %w", err)
	}
	return enabled, total, nil
}

// ClearToolCachesByServer empties the tool cache of every instance of a
// server. Used when a server's URL changes and cached catalogues are no
// longer trustworthy. Whitelists are left alone.
func (s *SQLiteStore) ClearToolCachesByServer(ctx context.Context, serverID string) error {
	query := `UPDATE instances SET tool_cache = '[]', updated_at = ? WHERE server_id = ?`

	if _, err := s.db.ExecContext(ctx, query, formatTime(time.Now()), serverID); err != nil {
		return fmt.Errorf("clearing tool caches: %w", err)
	}
	return nil
}

var _ ServerStore = (*SQLiteStore)(nil)
