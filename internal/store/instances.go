// ABOUTME: Per-user instance persistence with owner-scoped lookups
// ABOUTME: Non-owner access returns ErrNotFound so existence is never leaked

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateInstance inserts a per-user instance. The tool cache and
// whitelist must already be populated by the caller (discovery happens
// before persistence, never here). Returns ErrDuplicateSlug if the owner
// already has an instance with the slug.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *Instance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = now
	}

	cacheJSON, whitelistJSON, err := marshalToolFields(inst)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO instances (id, owner_user_id, kind, server_id, toolset_type,
			name, slug, description, enabled, tool_cache, tool_whitelist, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		inst.ID,
		inst.OwnerUserID,
		string(inst.Kind),
		nullString(inst.ServerID),
		nullString(inst.ToolsetType),
		inst.Name,
		inst.Slug,
		nullString(inst.Description),
		inst.Enabled,
		cacheJSON,
		whitelistJSON,
		formatTime(inst.CreatedAt),
		formatTime(inst.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSlug
		}
		return fmt.Errorf("inserting instance: %w", err)
	}

	s.logger.Debug("created instance", "id", inst.ID, "owner", inst.OwnerUserID, "slug", inst.Slug)
	return nil
}

func marshalToolFields(inst *Instance) (cacheJSON, whitelistJSON string, err error) {
	cache := inst.ToolCache
	if cache == nil {
		cache = []ToolSchema{}
	}
	cacheBytes, err := json.Marshal(cache)
	if err != nil {
		return "", "", fmt.Errorf("marshaling tool cache: %w", err)
	}

	whitelist := inst.Whitelist
	if whitelist == nil {
		whitelist = []string{}
	}
	whitelistBytes, err := json.Marshal(whitelist)
	if err != nil {
		return "", "", fmt.Errorf("marshaling whitelist: %w", err)
	}
	return string(cacheBytes), string(whitelistBytes), nil
}

const instanceColumns = `id, owner_user_id, kind, server_id, toolset_type,
	name, slug, description, enabled, tool_cache, tool_whitelist, created_at, updated_at`

func (s *SQLiteStore) scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var inst Instance
	var kind string
	var serverID, toolsetType, description sql.NullString
	var cacheJSON, whitelistJSON string
	var createdAt, updatedAt string

	err := row.Scan(
		&inst.ID,
		&inst.OwnerUserID,
		&kind,
		&serverID,
		&toolsetType,
		&inst.Name,
		&inst.Slug,
		&description,
		&inst.Enabled,
		&cacheJSON,
		&whitelistJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.Kind = InstanceKind(kind)
	inst.ServerID = stringOrEmpty(serverID)
	inst.ToolsetType = stringOrEmpty(toolsetType)
	inst.Description = stringOrEmpty(description)
	inst.CreatedAt = s.parseTime("created_at", inst.ID, createdAt)
	inst.UpdatedAt = s.parseTime("updated_at", inst.ID, updatedAt)

	if err := json.Unmarshal([]byte(cacheJSON), &inst.ToolCache); err != nil {
		return nil, fmt.Errorf("unmarshaling tool cache for %s: %w", inst.ID, err)
	}
	if err := json.Unmarshal([]byte(whitelistJSON), &inst.Whitelist); err != nil {
		return nil, fmt.Errorf("unmarshaling whitelist for %s: %w", inst.ID, err)
	}

	return &inst, nil
}

// GetInstance retrieves an instance by ID, scoped to its owner.
// Returns ErrNotFound both when the instance doesn't exist and when it
// belongs to a different user.
func (s *SQLiteStore) GetInstance(ctx context.Context, ownerUserID, id string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = ? AND owner_user_id = ?`

	inst, err := s.scanInstance(s.db.QueryRowContext(ctx, query, id, ownerUserID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying instance: %w", err)
	}
	return inst, nil
}

// GetInstanceBySlug retrieves an instance by slug (case-insensitive),
// scoped to its owner.
func (s *SQLiteStore) GetInstanceBySlug(ctx context.Context, ownerUserID, slug string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE owner_user_id = ? AND lower(slug) = ?`

	inst, err := s.scanInstance(s.db.QueryRowContext(ctx, query, ownerUserID, strings.ToLower(slug)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying instance by slug: %w", err)
	}
	return inst, nil
}

// ListInstances returns all of a user's instances ordered by slug.
func (s *SQLiteStore) ListInstances(ctx context.Context, ownerUserID string) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE owner_user_id = ? ORDER BY slug`

	rows, err := s.db.QueryContext(ctx, query, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("querying instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var instances []*Instance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance row: %w", err)
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instance rows: %w", err)
	}
	return instances, nil
}

// UpdateInstance updates an instance's mutable fields, scoped to its
// owner. Returns ErrNotFound on an ownership mismatch, ErrDuplicateSlug
// if the new slug collides.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = time.Now().UTC()

	cacheJSON, whitelistJSON, err := marshalToolFields(inst)
	if err != nil {
		return err
	}

	query := `
		UPDATE instances
		SET name = ?, slug = ?, description = ?, enabled = ?,
			tool_cache = ?, tool_whitelist = ?, updated_at = ?
		WHERE id = ? AND owner_user_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		inst.Name,
		inst.Slug,
		nullString(inst.Description),
		inst.Enabled,
		cacheJSON,
		whitelistJSON,
		formatTime(inst.UpdatedAt),
		inst.ID,
		inst.OwnerUserID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSlug
		}
		return fmt.Errorf("updating instance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated instance", "id", inst.ID, "slug", inst.Slug)
	return nil
}

// DeleteInstance removes an instance, scoped to its owner. The auth
// config and any OAuth token cascade via foreign keys.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, ownerUserID, id string) error {
	query := `DELETE FROM instances WHERE id = ? AND owner_user_id = ?`

	result, err := s.db.ExecContext(ctx, query, id, ownerUserID)
	if err != nil {
		return fmt.Errorf("deleting instance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted instance", "id", id, "owner", ownerUserID)
	return nil
}

var _ InstanceStore = (*SQLiteStore)(nil)
