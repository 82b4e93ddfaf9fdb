// ABOUTME: Auth config persistence with replace-on-switch semantics
// ABOUTME: At most one config per instance; prior rows and tokens never survive a kind change

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SetAuthConfig replaces an instance's auth config in one transaction.
// The prior row, if any, is deleted first, which cascades deletion of any
// OAuth token record. A public config only deletes; no row is inserted.
func (s *SQLiteStore) SetAuthConfig(ctx context.Context, cfg *AuthConfig) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("auth config requires an instance id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM auth_configs WHERE instance_id = ?`, cfg.InstanceID); err != nil {
		return fmt.Errorf("deleting prior auth config: %w", err)
	}

	if cfg.Kind != AuthKindPublic {
		if cfg.ID == "" {
			cfg.ID = uuid.New().String()
		}
		now := time.Now().UTC()
		if cfg.CreatedAt.IsZero() {
			cfg.CreatedAt = now
		}
		cfg.UpdatedAt = now

		query := `
			INSERT INTO auth_configs (id, instance_id, kind, header_key,
				encrypted_value, value_salt, value_nonce,
				client_id, encrypted_secret, secret_salt, secret_nonce,
				authorization_endpoint, token_endpoint, scopes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`

		_, err = tx.ExecContext(ctx, query,
			cfg.ID,
			cfg.InstanceID,
			string(cfg.Kind),
			nullString(cfg.HeaderKey),
			nullString(cfg.EncryptedValue),
			nullString(cfg.ValueSalt),
			nullString(cfg.ValueNonce),
			nullString(cfg.ClientID),
			nullString(cfg.EncryptedSecret),
			nullString(cfg.SecretSalt),
			nullString(cfg.SecretNonce),
			nullString(cfg.AuthorizationEndpoint),
			nullString(cfg.TokenEndpoint),
			nullString(strings.Join(cfg.Scopes, " ")),
			formatTime(cfg.CreatedAt),
			formatTime(cfg.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting auth config: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing auth config: %w", err)
	}

	s.logger.Debug("set auth config", "instance_id", cfg.InstanceID, "kind", cfg.Kind)
	return nil
}

const authConfigColumns = `id, instance_id, kind, header_key,
	encrypted_value, value_salt, value_nonce,
	client_id, encrypted_secret, secret_salt, secret_nonce,
	authorization_endpoint, token_endpoint, scopes, created_at, updated_at`

func (s *SQLiteStore) scanAuthConfig(row interface{ Scan(...any) error }) (*AuthConfig, error) {
	var cfg AuthConfig
	var kind string
	var headerKey, encValue, valueSalt, valueNonce sql.NullString
	var clientID, encSecret, secretSalt, secretNonce sql.NullString
	var authEndpoint, tokenEndpoint, scopes sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&cfg.ID,
		&cfg.InstanceID,
		&kind,
		&headerKey,
		&encValue,
		&valueSalt,
		&valueNonce,
		&clientID,
		&encSecret,
		&secretSalt,
		&secretNonce,
		&authEndpoint,
		&tokenEndpoint,
		&scopes,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.Kind = AuthKind(kind)
	cfg.HeaderKey = stringOrEmpty(headerKey)
	cfg.EncryptedValue = stringOrEmpty(encValue)
	cfg.ValueSalt = stringOrEmpty(valueSalt)
	cfg.ValueNonce = stringOrEmpty(valueNonce)
	cfg.ClientID = stringOrEmpty(clientID)
	cfg.EncryptedSecret = stringOrEmpty(encSecret)
	cfg.SecretSalt = stringOrEmpty(secretSalt)
	cfg.SecretNonce = stringOrEmpty(secretNonce)
	cfg.AuthorizationEndpoint = stringOrEmpty(authEndpoint)
	cfg.TokenEndpoint = stringOrEmpty(tokenEndpoint)
	if sc := stringOrEmpty(scopes); sc != "" {
		cfg.Scopes = strings.Fields(sc)
	}
	cfg.CreatedAt = s.parseTime("created_at", cfg.ID, createdAt)
	cfg.UpdatedAt = s.parseTime("updated_at", cfg.ID, updatedAt)

	return &cfg, nil
}

// GetAuthConfig retrieves an auth config by ID.
func (s *SQLiteStore) GetAuthConfig(ctx context.Context, id string) (*AuthConfig, error) {
	query := `SELECT ` + authConfigColumns + ` FROM auth_configs WHERE id = ?`

	cfg, err := s.scanAuthConfig(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying auth config: %w", err)
	}
	return cfg, nil
}

// GetAuthConfigByInstance retrieves the auth config for an instance.
// Returns ErrNotFound when the instance has none, which callers treat as
// public access.
func (s *SQLiteStore) GetAuthConfigByInstance(ctx context.Context, instanceID string) (*AuthConfig, error) {
	query := `SELECT ` + authConfigColumns + ` FROM auth_configs WHERE instance_id = ?`

	cfg, err := s.scanAuthConfig(s.db.QueryRowContext(ctx, query, instanceID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying auth config by instance: %w", err)
	}
	return cfg, nil
}

var _ AuthConfigStore = (*SQLiteStore)(nil)
